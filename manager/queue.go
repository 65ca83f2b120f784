package manager

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/toshiapp/ethservice/log"
	"github.com/toshiapp/ethservice/storage"
	"github.com/toshiapp/ethservice/types"
)

// passResult tells the processor loop what to do after one pass.
type passResult int

const (
	passDone passResult = iota
	// passRestart re-reads the queue from scratch, after an overwrite
	// resolution invalidated the pass snapshot
	passRestart
	// passRetryLater schedules another pass after the gas-floor delay
	passRetryLater
)

// ProcessQueue runs the per-sender serial engine. At most one processor per
// address runs across all replicas; a concurrent attempt records the rerun
// flag and returns, and the active instance picks it up at end of pass.
func (m *Manager) ProcessQueue(ctx context.Context, addr common.Address) error {
	locked, err := m.store.TryLockSender(addr)
	if err != nil {
		return err
	}
	if !locked {
		return m.store.MarkRerun(addr)
	}
	defer func() {
		if err := m.store.UnlockSender(addr); err != nil {
			log.Warnw("failed to release sender lock",
				"sender", types.AddressHex(addr), "error", err.Error())
		}
	}()

	for {
		result, err := m.pass(ctx, addr)
		if err != nil {
			return err
		}
		switch result {
		case passRestart:
			continue
		case passRetryLater:
			m.scheduleRetry(addr)
		}
		rerun, err := m.store.TakeRerun(addr)
		if err != nil {
			return err
		}
		if !rerun {
			return nil
		}
	}
}

// pass executes one pass of the algorithm: snapshot balance and nonce,
// then walk the queued rows in nonce order submitting what is feasible.
func (m *Manager) pass(ctx context.Context, addr common.Address) (passResult, error) {
	queue, err := m.store.QueuedTransactions(addr)
	if err != nil {
		return passDone, err
	}
	if len(queue) == 0 {
		return passDone, nil
	}
	recipients := make(map[common.Address]bool)

	// resolve overwrite attempts among local rows before anything is sent:
	// at each nonce only the highest-priced row survives
	for i := 0; i+1 < len(queue); i++ {
		if queue[i].Nonce != queue[i+1].Nonce {
			continue
		}
		loser := queue[i]
		if queue[i].GasPrice.Cmp(queue[i+1].GasPrice) > 0 {
			loser = queue[i+1]
		}
		m.failTransaction(loser, recipients)
		log.Infow("overwrite resolved",
			"sender", types.AddressHex(addr), "nonce", loser.Nonce,
			"loser", loser.Hash.Hex())
		if err := m.triggerRecipients(recipients); err != nil {
			return passDone, err
		}
		return passRestart, nil
	}

	lastBlock, _, err := m.store.LastBlock()
	if err != nil && err != storage.ErrNotFound {
		return passDone, err
	}
	var snapshotBlock *big.Int
	if lastBlock > 0 {
		snapshotBlock = new(big.Int).SetUint64(lastBlock)
	}
	balance, err := m.chain.BalanceAt(ctx, addr, snapshotBlock)
	if err != nil {
		return passDone, fmt.Errorf("balance snapshot for %s: %w", types.AddressHex(addr), err)
	}
	chainNonce, err := m.chain.NonceAt(ctx, addr)
	if err != nil {
		return passDone, fmt.Errorf("chain nonce for %s: %w", types.AddressHex(addr), err)
	}

	unconfirmed, err := m.store.UnconfirmedTransactions(addr, lastBlock)
	if err != nil {
		return passDone, err
	}
	nextNonce := chainNonce
	for _, tx := range unconfirmed {
		balance.Sub(balance, tx.Cost())
		if tx.Nonce+1 > nextNonce {
			nextNonce = tx.Nonce + 1
		}
	}

	safeLow, err := m.store.SafeLowGasPrice()
	if err != nil {
		return passDone, err
	}

	cascade := false
	for _, tx := range queue {
		if cascade {
			m.failTransaction(tx, recipients)
			continue
		}

		if tx.Nonce != nextNonce {
			result, handled, err := m.resolveNonceMismatch(ctx, tx, nextNonce, chainNonce, recipients)
			if err != nil {
				return passDone, err
			}
			if result == passRestart {
				return passRestart, nil
			}
			if handled == mismatchCascade {
				cascade = true
				continue
			}
			// a gap in the sequence: wait for the missing nonce
			log.Debugw("queue waits on a missing nonce",
				"sender", types.AddressHex(addr), "have", tx.Nonce, "want", nextNonce)
			return passDone, m.triggerRecipients(recipients)
		}

		if safeLow != nil && tx.GasPrice.MathBigInt().Cmp(safeLow) < 0 {
			// backpressure: everything stays queued until the floor drops
			m.queueRemaining(queue, tx.Nonce, recipients)
			if err := m.triggerRecipients(recipients); err != nil {
				return passDone, err
			}
			return passRetryLater, nil
		}

		cost := tx.Cost()
		if balance.Cmp(cost) >= 0 {
			sent, err := m.submit(ctx, tx, recipients)
			if err != nil {
				return passDone, err
			}
			if !sent {
				cascade = true
				continue
			}
			balance.Sub(balance, cost)
			nextNonce++
			continue
		}

		// infeasible right now; decide between waiting on inbound funding
		// and giving up
		pendingReceived, err := m.store.PendingReceivedAt(addr, lastBlock)
		if err != nil {
			return passDone, err
		}
		funded := new(big.Int).Add(balance, pendingReceived)
		if funded.Cmp(cost) < 0 {
			cascade = true
			m.failTransaction(tx, recipients)
			continue
		}
		m.queueRemaining(queue, tx.Nonce, recipients)
		break
	}

	return passDone, m.triggerRecipients(recipients)
}

type mismatchOutcome int

const (
	mismatchWait mismatchOutcome = iota
	mismatchCascade
)

// resolveNonceMismatch handles a candidate whose nonce is not the expected
// next nonce: overwrite resolution for fresh rows, cascade for broken queued
// sequences, wait otherwise.
func (m *Manager) resolveNonceMismatch(ctx context.Context, tx *types.Transaction,
	nextNonce, chainNonce uint64, recipients map[common.Address]bool,
) (passResult, mismatchOutcome, error) {
	if tx.Status == types.StatusNew {
		rivals, err := m.store.TransactionsBySenderNonce(tx.From, tx.Nonce)
		if err != nil {
			return passDone, mismatchWait, err
		}
		for _, rival := range rivals {
			if rival.Hash == tx.Hash {
				continue
			}
			loser := tx
			if rival.Status == types.StatusNew || rival.Status == types.StatusQueued {
				// both still local: the higher gas price wins
				if tx.GasPrice.Cmp(rival.GasPrice) > 0 {
					loser = rival
				}
			}
			// a rival already on the network always wins
			m.failTransaction(loser, recipients)
			log.Infow("overwrite resolved",
				"sender", types.AddressHex(tx.From), "nonce", tx.Nonce,
				"loser", loser.Hash.Hex())
			return passRestart, mismatchWait, nil
		}
	}
	if tx.Status == types.StatusQueued && tx.Nonce < nextNonce {
		// the network moved past this queued row; its slot is gone
		m.failTransaction(tx, recipients)
		return passDone, mismatchCascade, nil
	}
	if tx.Nonce < chainNonce {
		// the network is ahead of this fresh row; it may already be ours
		if receipt, err := m.chain.TransactionReceipt(ctx, tx.Hash); err == nil && receipt != nil {
			block := receipt.BlockNumber.Uint64()
			m.transition(tx.Hash, types.StatusConfirmed, &block, recipients)
			return passRestart, mismatchWait, nil
		}
		if _, _, err := m.chain.TransactionByHash(ctx, tx.Hash); err == nil {
			m.transition(tx.Hash, types.StatusUnconfirmed, nil, recipients)
			return passRestart, mismatchWait, nil
		}
		m.failTransaction(tx, recipients)
		return passDone, mismatchCascade, nil
	}
	return passDone, mismatchWait, nil
}

// submit broadcasts one row. Returns false (without error) when the node
// rejected it and the rejection is final for this queue, which cascades.
func (m *Manager) submit(ctx context.Context, tx *types.Transaction, recipients map[common.Address]bool) (bool, error) {
	err := m.chain.SendTransaction(ctx, tx.RLPTransaction())
	if err == nil {
		m.transition(tx.Hash, types.StatusUnconfirmed, nil, recipients)
		log.Infow("transaction broadcast",
			"hash", tx.Hash.Hex(), "sender", types.AddressHex(tx.From), "nonce", tx.Nonce)
		return true, nil
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "known transaction"),
		strings.Contains(msg, "already known"),
		strings.Contains(msg, "already imported"):
		m.transition(tx.Hash, types.StatusUnconfirmed, nil, recipients)
		return true, nil
	case strings.Contains(msg, "nonce too low"):
		// the network may have it already under this hash; reconcile
		if receipt, rerr := m.chain.TransactionReceipt(ctx, tx.Hash); rerr == nil && receipt != nil {
			block := receipt.BlockNumber.Uint64()
			m.transition(tx.Hash, types.StatusConfirmed, &block, recipients)
			return true, nil
		}
		if _, _, terr := m.chain.TransactionByHash(ctx, tx.Hash); terr == nil {
			m.transition(tx.Hash, types.StatusUnconfirmed, nil, recipients)
			return true, nil
		}
		m.failTransaction(tx, recipients)
		return false, nil
	default:
		log.Warnw("node rejected queued transaction",
			"hash", tx.Hash.Hex(), "error", err.Error())
		m.failTransaction(tx, recipients)
		return false, nil
	}
}

// transition moves a row to a new status, records its recipient for
// downstream triggers and fans the change out.
func (m *Manager) transition(hash common.Hash, status types.Status, blockNumber *uint64, recipients map[common.Address]bool) {
	tx, err := m.store.Transaction(hash)
	if err != nil {
		log.Warnw("transition on missing row", "hash", hash.Hex(), "error", err.Error())
		return
	}
	previous := tx.Status
	updated, changed, err := m.store.UpdateTransactionStatus(hash, status, blockNumber)
	if err != nil {
		log.Warnw("status transition rejected",
			"hash", hash.Hex(), "from", string(previous), "to", string(status), "error", err.Error())
		return
	}
	if !changed {
		return
	}
	if updated.To != nil {
		recipients[*updated.To] = true
	}
	if status == types.StatusError {
		if transfers, err := m.store.UpdateTokenTransferStatus(hash, types.StatusError); err == nil {
			for _, tt := range transfers {
				m.notifyTokenTransfer(tt)
			}
		}
	}
	m.notifyTransaction(updated, previous)
}

func (m *Manager) failTransaction(tx *types.Transaction, recipients map[common.Address]bool) {
	m.transition(tx.Hash, types.StatusError, nil, recipients)
}

// queueRemaining marks the not-yet-submitted tail of the queue as queued so
// fresh rows stop looking new while the sender waits. The notifier renders
// the change for recipients (as unconfirmed, per the coalescing rules).
func (m *Manager) queueRemaining(queue []*types.Transaction, fromNonce uint64, recipients map[common.Address]bool) {
	for _, tx := range queue {
		if tx.Nonce < fromNonce || tx.Status != types.StatusNew {
			continue
		}
		m.transition(tx.Hash, types.StatusQueued, nil, recipients)
	}
}

// triggerRecipients schedules passes for every address whose inbound funding
// changed during this pass, so A -> B -> C chains advance.
func (m *Manager) triggerRecipients(recipients map[common.Address]bool) error {
	for addr := range recipients {
		m.Trigger(addr)
	}
	return nil
}

func (m *Manager) scheduleRetry(addr common.Address) {
	time.AfterFunc(m.retryDelay, func() {
		m.Trigger(addr)
	})
}
