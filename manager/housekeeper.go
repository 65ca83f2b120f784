package manager

import (
	"context"
	"time"

	"github.com/toshiapp/ethservice/log"
	"github.com/toshiapp/ethservice/types"
)

func (m *Manager) housekeepingLoop(ctx context.Context) {
	ticker := time.NewTicker(sanityInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.RefreshGasPrices(ctx); err != nil {
				log.Warnw("gas price refresh failed", "error", err.Error())
			}
			if err := m.SanityCheck(ctx); err != nil {
				log.Warnw("sanity sweep failed", "error", err.Error())
			}
			if err := m.store.ReleaseStaleLocks(); err != nil {
				log.Warnw("stale lock sweep failed", "error", err.Error())
			}
		}
	}
}

// RefreshGasPrices pulls the oracle feed and stores the safe-low and
// standard prices.
func (m *Manager) RefreshGasPrices(ctx context.Context) error {
	if m.oracle == nil {
		return nil
	}
	safeLow, standard, err := m.oracle.GasPrices(ctx)
	if err != nil {
		return err
	}
	log.Debugw("gas prices refreshed",
		"safeLow", safeLow.String(), "standard", standard.String())
	return m.store.SetGasPrices(safeLow, standard)
}

// SanityCheck probes senders whose transactions sat in a non-terminal state
// for too long: unconfirmed rows missing from the node are re-broadcast,
// rows the node has mined are reconciled, and the sender's queue gets
// another pass.
func (m *Manager) SanityCheck(ctx context.Context) error {
	senders, err := m.store.StaleSenders(m.staleAge)
	if err != nil {
		return err
	}
	for _, sender := range senders {
		unconfirmed, err := m.store.UnconfirmedTransactions(sender, ^uint64(0))
		if err != nil {
			return err
		}
		for _, tx := range unconfirmed {
			m.probeUnconfirmed(ctx, tx)
		}
		m.Trigger(sender)
	}
	return nil
}

// probeUnconfirmed checks one unconfirmed row against the node.
func (m *Manager) probeUnconfirmed(ctx context.Context, tx *types.Transaction) {
	if receipt, err := m.chain.TransactionReceipt(ctx, tx.Hash); err == nil && receipt != nil {
		block := receipt.BlockNumber.Uint64()
		if err := m.UpdateTransaction(ctx, tx.Hash, types.StatusConfirmed, &block); err != nil {
			log.Warnw("failed to reconcile mined transaction",
				"hash", tx.Hash.Hex(), "error", err.Error())
		}
		return
	}
	if _, _, err := m.chain.TransactionByHash(ctx, tx.Hash); err == nil {
		// the node knows it and it is not mined yet; nothing to do
		return
	}

	// the node lost it; re-broadcast the stored envelope, but only if the
	// re-encoding still yields the hash we promised the client
	envelope := tx.RLPTransaction()
	if envelope.Hash() != tx.Hash {
		log.Warnw("re-encoded envelope hash mismatch, skipping re-broadcast",
			"stored", tx.Hash.Hex(), "reencoded", envelope.Hash().Hex())
		return
	}
	if err := m.chain.SendTransaction(ctx, envelope); err != nil {
		log.Warnw("re-broadcast failed", "hash", tx.Hash.Hex(), "error", err.Error())
		return
	}
	if err := m.store.TouchTransaction(tx.Hash); err != nil {
		log.Warnw("failed to touch re-broadcast row", "hash", tx.Hash.Hex(), "error", err.Error())
	}
	log.Infow("re-broadcast lost transaction", "hash", tx.Hash.Hex())
}
