package gateway

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/toshiapp/ethservice/storage"
	"github.com/toshiapp/ethservice/types"
)

// GetBalances returns the confirmed chain balance of an address and the
// unconfirmed balance adjusted by in-flight value: confirmed minus the cost
// of outgoing transactions plus incoming value not yet confirmed.
func (s *Service) GetBalances(ctx context.Context, addr common.Address) (*Balances, error) {
	confirmed, err := s.chain.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, err
	}
	pendingSent, err := s.store.PendingSent(addr)
	if err != nil {
		return nil, err
	}
	pendingReceived, err := s.store.PendingReceived(addr)
	if err != nil {
		return nil, err
	}
	unconfirmed := new(big.Int).Set(confirmed)
	unconfirmed.Sub(unconfirmed, pendingSent)
	unconfirmed.Add(unconfirmed, pendingReceived)
	return &Balances{
		ConfirmedBalance:   types.FromBig(confirmed),
		UnconfirmedBalance: types.FromBig(unconfirmed),
	}, nil
}

// GetTransaction returns the node's view of a transaction. When the node
// does not know the hash, a locally stored row is rendered instead, so
// clients can see transactions that are queued but not yet broadcast.
func (s *Service) GetTransaction(ctx context.Context, hash common.Hash) (*TransactionView, error) {
	tx, _, err := s.chain.TransactionByHash(ctx, hash)
	if err == nil && tx != nil {
		view := s.renderNodeTransaction(tx)
		if row, err := s.store.Transaction(hash); err == nil {
			view.Status = string(row.Status)
			if row.BlockNumber != nil {
				view.BlockNumber = types.NewBigInt(int64(*row.BlockNumber))
			}
		}
		return view, nil
	}
	row, err := s.store.Transaction(hash)
	if err != nil {
		if err == storage.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return RenderTransaction(row), nil
}

func (s *Service) renderNodeTransaction(tx *gtypes.Transaction) *TransactionView {
	input := types.HexBytes(tx.Data())
	view := &TransactionView{
		Hash:     tx.Hash().Hex(),
		To:       "0x",
		Nonce:    types.NewBigInt(int64(tx.Nonce())),
		Value:    types.FromBig(tx.Value()),
		Gas:      types.NewBigInt(int64(tx.Gas())),
		GasPrice: types.FromBig(tx.GasPrice()),
		Input:    input.String(),
	}
	if to := tx.To(); to != nil {
		view.To = types.AddressHex(*to)
	}
	if from, err := gtypes.Sender(s.signer, tx); err == nil {
		view.From = types.AddressHex(from)
	}
	return view
}
