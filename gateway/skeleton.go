package gateway

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"

	"github.com/toshiapp/ethservice/types"
)

// CreateSkeleton builds an unsigned transaction envelope from the client's
// request and returns its canonical RLP encoding. Missing fields are
// resolved server-side: nonce from the cached hint and the chain, gas from
// estimation when a data payload is present, gas price from the oracle cache.
func (s *Service) CreateSkeleton(ctx context.Context, req *SkeletonRequest) (*SkeletonResponse, error) {
	from, err := types.ParseAddress(req.From)
	if err != nil {
		return nil, ErrInvalidFromAddress
	}
	var to *common.Address
	if req.To != "" {
		addr, err := types.ParseAddress(req.To)
		if err != nil {
			return nil, ErrInvalidToAddress
		}
		to = &addr
	}

	var data []byte
	if req.Data != "" {
		var hb types.HexBytes
		if err := hb.SetString(req.Data); err != nil {
			return nil, ErrInvalidData
		}
		data = hb
	}
	if to == nil && len(data) == 0 {
		return nil, ErrInvalidToAddress
	}

	nonce, err := s.resolveNonce(ctx, from, req.Nonce)
	if err != nil {
		return nil, err
	}
	gasPrice, err := s.resolveGasPrice(ctx, req.GasPrice)
	if err != nil {
		return nil, err
	}
	gas, err := s.resolveGas(ctx, from, to, data, req.Gas)
	if err != nil {
		return nil, err
	}
	if intrinsic := intrinsicGas(data, to == nil); gas < intrinsic {
		return nil, ErrInvalidTransaction.Withf(
			"Transaction gas is below the intrinsic gas required (%d < %d)", gas, intrinsic)
	}

	value, err := s.resolveValue(ctx, from, gas, gasPrice, req.Value)
	if err != nil {
		return nil, err
	}

	tx := gtypes.NewTx(&gtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       to,
		Value:    value,
		Data:     data,
	})
	encoded, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("encode skeleton: %w", err)
	}
	return &SkeletonResponse{Tx: hexutil.Encode(encoded)}, nil
}

// GetTransactionCount returns the next nonce the sender should use: the
// maximum of the chain's confirmed count, the cached hint, and the tail of
// the locally queued sequence.
func (s *Service) GetTransactionCount(ctx context.Context, from common.Address) (uint64, error) {
	return s.nextNonce(ctx, from)
}

func (s *Service) nextNonce(ctx context.Context, from common.Address) (uint64, error) {
	next, err := s.chain.NonceAt(ctx, from)
	if err != nil {
		return 0, fmt.Errorf("chain nonce for %s: %w", types.AddressHex(from), err)
	}
	if hint, ok, err := s.store.NonceHint(from); err != nil {
		return 0, err
	} else if ok && hint > next {
		next = hint
	}
	queued, err := s.store.QueuedTransactions(from)
	if err != nil {
		return 0, err
	}
	for _, tx := range queued {
		if tx.Nonce+1 > next {
			next = tx.Nonce + 1
		}
	}
	unconfirmed, err := s.store.UnconfirmedTransactions(from, ^uint64(0))
	if err != nil {
		return 0, err
	}
	for _, tx := range unconfirmed {
		if tx.Nonce+1 > next {
			next = tx.Nonce + 1
		}
	}
	return next, nil
}

func (s *Service) resolveNonce(ctx context.Context, from common.Address, q Quantity) (uint64, error) {
	if q != "" {
		nonce, err := q.Uint64()
		if err != nil {
			return 0, ErrInvalidNonce
		}
		return nonce, nil
	}
	return s.nextNonce(ctx, from)
}

func (s *Service) resolveGasPrice(ctx context.Context, q Quantity) (*big.Int, error) {
	if q != "" {
		price, err := q.BigInt()
		if err != nil || price.Sign() < 0 {
			return nil, ErrInvalidGasPrice
		}
		return price.MathBigInt(), nil
	}
	if standard, err := s.store.StandardGasPrice(); err == nil && standard != nil {
		return standard, nil
	}
	if suggested, err := s.chain.SuggestGasPrice(ctx); err == nil {
		return suggested, nil
	}
	return new(big.Int).Set(defaultGasPrice), nil
}

func (s *Service) resolveGas(ctx context.Context, from common.Address, to *common.Address, data []byte, q Quantity) (uint64, error) {
	if q != "" {
		gas, err := q.Uint64()
		if err != nil {
			return 0, ErrInvalidGas
		}
		return gas, nil
	}
	if len(data) == 0 {
		return defaultGas, nil
	}
	gas, err := s.chain.EstimateGas(ctx, ethereum.CallMsg{From: from, To: to, Data: data})
	if err != nil {
		return 0, ErrInvalidTransaction.Withf("Gas estimation failed: %s", err.Error())
	}
	return gas, nil
}

// resolveValue parses the requested value. The string "max" spends the
// entire spendable balance minus the computed fee.
func (s *Service) resolveValue(ctx context.Context, from common.Address, gas uint64, gasPrice *big.Int, q Quantity) (*big.Int, error) {
	if strings.EqualFold(string(q), "max") {
		spendable, err := s.spendableBalance(ctx, from)
		if err != nil {
			return nil, err
		}
		fee := new(big.Int).Mul(new(big.Int).SetUint64(gas), gasPrice)
		value := new(big.Int).Sub(spendable, fee)
		if value.Sign() < 0 {
			return nil, ErrInsufficientFunds
		}
		return value, nil
	}
	if q == "" {
		return new(big.Int), nil
	}
	value, err := q.BigInt()
	if err != nil || value.Sign() < 0 {
		return nil, ErrInvalidValue
	}
	return value.MathBigInt(), nil
}

// spendableBalance is the chain balance minus the cost of the sender's own
// in-flight outgoing transactions.
func (s *Service) spendableBalance(ctx context.Context, from common.Address) (*big.Int, error) {
	balance, err := s.chain.BalanceAt(ctx, from, nil)
	if err != nil {
		return nil, fmt.Errorf("chain balance for %s: %w", types.AddressHex(from), err)
	}
	pendingSent, err := s.store.PendingSent(from)
	if err != nil {
		return nil, err
	}
	return balance.Sub(balance, pendingSent), nil
}

// intrinsicGas computes the minimum gas a legacy transaction needs for its
// payload.
func intrinsicGas(data []byte, contractCreation bool) uint64 {
	gas := params.TxGas
	if contractCreation {
		gas = params.TxGasContractCreation
	}
	for _, b := range data {
		if b == 0 {
			gas += params.TxDataZeroGas
		} else {
			gas += params.TxDataNonZeroGasEIP2028
		}
	}
	return gas
}
