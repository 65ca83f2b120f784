package monitor

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/toshiapp/ethservice/log"
	"github.com/toshiapp/ethservice/storage"
	"github.com/toshiapp/ethservice/types"
)

// processBlock reconciles one block: confirms tracked transactions, errors
// rows overwritten by a mined rival at the same (sender, nonce), ingests
// external transactions touching subscribed addresses, and settles token
// transfer rows backed by the block's events.
func (s *Service) processBlock(ctx context.Context, block *gtypes.Block, logs []gtypes.Log) error {
	number := block.NumberU64()
	byHash := make(map[common.Hash]*gtypes.Transaction, block.Transactions().Len())

	for _, btx := range block.Transactions() {
		byHash[btx.Hash()] = btx
		row, err := s.store.Transaction(btx.Hash())
		switch err {
		case nil:
			if err := s.failOverwritten(ctx, row.From, row.Nonce, btx.Hash()); err != nil {
				return err
			}
			if err := s.tracker.UpdateTransaction(ctx, btx.Hash(), types.StatusConfirmed, &number); err != nil {
				return err
			}
		case storage.ErrNotFound:
			if err := s.ingestExternal(ctx, btx, number); err != nil {
				return err
			}
		default:
			return err
		}
	}

	for _, l := range logs {
		if err := s.settleTokenTransfer(ctx, &l, byHash, number); err != nil {
			return err
		}
	}
	return nil
}

// failOverwritten errors every active row sharing (sender, nonce) with a
// mined transaction of a different hash. The nonce is consumed; the rival
// rows can never confirm.
func (s *Service) failOverwritten(ctx context.Context, from common.Address, nonce uint64, mined common.Hash) error {
	rows, err := s.store.TransactionsBySenderNonce(from, nonce)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if row.Hash == mined || row.Status.Terminal() {
			continue
		}
		log.Infow("transaction overwritten on the network",
			"hash", row.Hash.Hex(), "mined", mined.Hex(),
			"sender", types.AddressHex(from), "nonce", nonce)
		if err := s.tracker.UpdateTransaction(ctx, row.Hash, types.StatusError, nil); err != nil {
			return err
		}
	}
	return nil
}

// ingestExternal records a transaction the service never saw, provided it
// touches an address with subscribers. The row carries no signature or
// sender token, which marks it as externally observed.
func (s *Service) ingestExternal(ctx context.Context, btx *gtypes.Transaction, number uint64) error {
	from, err := gtypes.Sender(s.signer, btx)
	if err != nil {
		log.Debugw("skipping transaction with unrecoverable sender",
			"hash", btx.Hash().Hex(), "error", err.Error())
		return nil
	}
	if err := s.failOverwritten(ctx, from, btx.Nonce(), btx.Hash()); err != nil {
		return err
	}

	interested, err := s.interesting(from, btx)
	if err != nil {
		return err
	}
	if !interested {
		return nil
	}

	rec := types.NewTransactionFromRLP(btx, from)
	rec.V, rec.R, rec.S = nil, nil, nil
	rec.Status = types.StatusUnconfirmed
	if err := s.store.AddTransaction(rec); err != nil && err != storage.ErrKeyAlreadyExists {
		return err
	}
	return s.tracker.UpdateTransaction(ctx, btx.Hash(), types.StatusConfirmed, &number)
}

// interesting reports whether any subscribed address is party to the
// transaction: the sender, the recipient, or either end of an ERC20
// transfer encoded in the input data.
func (s *Service) interesting(from common.Address, btx *gtypes.Transaction) (bool, error) {
	if ok, err := s.store.HasSubscribers(from); err != nil || ok {
		return ok, err
	}
	to := btx.To()
	if to == nil {
		return false, nil
	}
	if ok, err := s.store.HasSubscribers(*to); err != nil || ok {
		return ok, err
	}
	tokenFrom, tokenTo, ok := decodeERC20Transfer(from, btx.Data())
	if !ok {
		return false, nil
	}
	if ok, err := s.store.HasSubscribers(tokenFrom); err != nil || ok {
		return ok, err
	}
	return s.store.HasSubscribers(tokenTo)
}

// settleTokenTransfer upserts a confirmed token transfer row for an event in
// the block, creating a synthetic parent row when the transaction itself was
// never recorded. Re-processing a block leaves settled rows untouched.
func (s *Service) settleTokenTransfer(ctx context.Context, l *gtypes.Log, byHash map[common.Hash]*gtypes.Transaction, number uint64) error {
	tt, ok := transferFromLog(l)
	if !ok {
		return nil
	}

	parentKnown := true
	if _, err := s.store.Transaction(tt.TxHash); err == storage.ErrNotFound {
		parentKnown = false
	} else if err != nil {
		return err
	}
	if !parentKnown {
		interested := false
		for _, addr := range []common.Address{tt.From, tt.To} {
			ok, err := s.store.HasSubscribers(addr)
			if err != nil {
				return err
			}
			if ok {
				interested = true
				break
			}
		}
		if !interested {
			return nil
		}
		btx := byHash[tt.TxHash]
		if btx == nil {
			log.Warnw("token event without a transaction in the block",
				"hash", tt.TxHash.Hex(), "logIndex", tt.LogIndex)
			return nil
		}
		from, err := gtypes.Sender(s.signer, btx)
		if err != nil {
			return nil
		}
		rec := types.NewTransactionFromRLP(btx, from)
		rec.V, rec.R, rec.S = nil, nil, nil
		rec.Status = types.StatusConfirmed
		rec.BlockNumber = &number
		if err := s.store.AddTransaction(rec); err != nil && err != storage.ErrKeyAlreadyExists {
			return err
		}
	}

	existing, err := s.store.TokenTransfers(tt.TxHash)
	if err != nil {
		return err
	}
	for _, prior := range existing {
		if prior.LogIndex != tt.LogIndex {
			continue
		}
		if prior.Status == types.StatusConfirmed || !prior.Status.CanTransition(types.StatusConfirmed) {
			return nil
		}
	}
	tt.Status = types.StatusConfirmed
	if err := s.store.UpsertTokenTransfer(tt); err != nil {
		return err
	}
	if s.notifier != nil {
		s.notifier.TokenTransferUpdated(tt)
	}
	s.tracker.RefreshTokenBalances(ctx, tt.Contract, tt.From, tt.To)
	return nil
}

// transferFromLog maps a Transfer, Deposit or Withdrawal event to a token
// transfer record. Wrapped ether deposits mint from the contract and
// withdrawals burn to it.
func transferFromLog(l *gtypes.Log) (*types.TokenTransfer, bool) {
	if len(l.Topics) == 0 || l.Removed {
		return nil, false
	}
	tt := &types.TokenTransfer{
		TxHash:   l.TxHash,
		LogIndex: uint32(l.Index),
		Contract: l.Address,
		Value:    types.FromBig(new(big.Int).SetBytes(l.Data)),
	}
	switch l.Topics[0] {
	case types.TransferTopic:
		if len(l.Topics) != 3 {
			return nil, false
		}
		tt.From = types.TopicAddress(l.Topics[1])
		tt.To = types.TopicAddress(l.Topics[2])
	case types.DepositTopic:
		if len(l.Topics) != 2 {
			return nil, false
		}
		tt.From = l.Address
		tt.To = types.TopicAddress(l.Topics[1])
	case types.WithdrawalTopic:
		if len(l.Topics) != 2 {
			return nil, false
		}
		tt.From = types.TopicAddress(l.Topics[1])
		tt.To = l.Address
	default:
		return nil, false
	}
	return tt, true
}

// decodeERC20Transfer extracts the parties of a transfer or transferFrom
// call from raw input data.
func decodeERC20Transfer(caller common.Address, data []byte) (from, to common.Address, ok bool) {
	if len(data) < 4 {
		return common.Address{}, common.Address{}, false
	}
	selector, args := data[:4], data[4:]
	switch {
	case string(selector) == string(types.ERC20TransferSelector) && len(args) == 64:
		return caller, common.BytesToAddress(args[12:32]), true
	case string(selector) == string(types.ERC20TransferFromSelector) && len(args) == 96:
		return common.BytesToAddress(args[12:32]), common.BytesToAddress(args[44:64]), true
	}
	return common.Address{}, common.Address{}, false
}
