package manager

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/toshiapp/ethservice/log"
	"github.com/toshiapp/ethservice/storage"
	"github.com/toshiapp/ethservice/types"
)

// UpdateTransaction moves a row to a new status on behalf of the block
// monitor or the housekeeper, reconciling attached token transfers and
// fanning out notifications. Illegal transitions are rejected at the data
// layer; re-confirming an already confirmed row is a no-op.
func (m *Manager) UpdateTransaction(ctx context.Context, hash common.Hash, status types.Status, blockNumber *uint64) error {
	tx, err := m.store.Transaction(hash)
	if err != nil {
		return err
	}
	previous := tx.Status
	updated, changed, err := m.store.UpdateTransactionStatus(hash, status, blockNumber)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	switch status {
	case types.StatusConfirmed:
		m.reconcileTokenTransfers(ctx, updated)
	case types.StatusError:
		if transfers, err := m.store.UpdateTokenTransferStatus(hash, types.StatusError); err == nil {
			for _, tt := range transfers {
				m.notifyTokenTransfer(tt)
			}
		}
	}

	m.notifyTransaction(updated, previous)

	// a settled transaction may unblock queues on both ends
	if status == types.StatusConfirmed || status == types.StatusError {
		m.Trigger(updated.From)
		if updated.To != nil {
			m.Trigger(*updated.To)
		}
	}
	return nil
}

// reconcileTokenTransfers settles the token transfer rows attached to a
// confirmed transaction. Each transfer must be backed by a matching event in
// the receipt; a transfer whose event is absent was reverted and is errored.
func (m *Manager) reconcileTokenTransfers(ctx context.Context, tx *types.Transaction) {
	transfers, err := m.store.TokenTransfers(tx.Hash)
	if err != nil || len(transfers) == 0 {
		return
	}
	receipt, err := m.chain.TransactionReceipt(ctx, tx.Hash)
	if err != nil {
		log.Warnw("receipt unavailable for token reconciliation",
			"hash", tx.Hash.Hex(), "error", err.Error())
		return
	}
	logIndexes := make(map[uint32]bool)
	for _, l := range receipt.Logs {
		if len(l.Topics) == 0 {
			continue
		}
		switch l.Topics[0] {
		case types.TransferTopic, types.DepositTopic, types.WithdrawalTopic:
			logIndexes[uint32(l.Index)] = true
		}
	}
	for _, tt := range transfers {
		status := types.StatusConfirmed
		if !logIndexes[tt.LogIndex] {
			status = types.StatusError
		}
		if tt.Status == status {
			continue
		}
		if !tt.Status.CanTransition(status) {
			continue
		}
		tt.Status = status
		if err := m.store.UpsertTokenTransfer(tt); err != nil {
			log.Warnw("failed to settle token transfer",
				"hash", tt.TxHash.Hex(), "logIndex", tt.LogIndex, "error", err.Error())
			continue
		}
		m.notifyTokenTransfer(tt)
		if status == types.StatusConfirmed {
			m.RefreshTokenBalances(ctx, tt.Contract, tt.From, tt.To)
		}
	}
}

// RefreshTokenBalances re-reads balanceOf for each holder and updates the
// cached rows. Holders without an existing row or a subscription are skipped;
// the cache only tracks addresses someone cares about.
func (m *Manager) RefreshTokenBalances(ctx context.Context, contract common.Address, holders ...common.Address) {
	for _, holder := range holders {
		tracked := false
		if _, err := m.store.TokenBalance(holder, contract); err == nil {
			tracked = true
		} else if err != storage.ErrNotFound {
			continue
		}
		if !tracked {
			subscribed, err := m.store.HasSubscribers(holder)
			if err != nil || !subscribed {
				continue
			}
		}
		balance, err := m.chain.TokenBalanceOf(ctx, contract, holder)
		if err != nil {
			log.Warnw("balanceOf failed",
				"contract", types.AddressHex(contract), "holder", types.AddressHex(holder),
				"error", err.Error())
			continue
		}
		if err := m.store.SetTokenBalance(holder, contract, types.FromBig(balance)); err != nil {
			log.Warnw("failed to cache token balance",
				"contract", types.AddressHex(contract), "holder", types.AddressHex(holder),
				"error", err.Error())
		}
	}
}
