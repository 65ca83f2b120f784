package storage

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"

	"github.com/toshiapp/ethservice/db/prefixeddb"
	"github.com/toshiapp/ethservice/types"
)

// AddToken registers ERC20 contract metadata.
func (s *Storage) AddToken(t *types.Token) error {
	if err := s.setArtifact(tokenPrefix, t.Contract.Bytes(), t); err != nil {
		return err
	}
	s.tokenCache.Add(string(t.Contract.Bytes()), t)
	return nil
}

// Token retrieves the metadata of a registered ERC20 contract. Metadata is
// immutable once registered, so hits are served from an in-process cache.
func (s *Storage) Token(contract common.Address) (*types.Token, error) {
	if v, ok := s.tokenCache.Get(string(contract.Bytes())); ok {
		return v.(*types.Token), nil
	}
	t := &types.Token{}
	if err := s.getArtifact(tokenPrefix, contract.Bytes(), t); err != nil {
		return nil, err
	}
	s.tokenCache.Add(string(contract.Bytes()), t)
	return t, nil
}

// RemoveToken drops the metadata of a registered contract. Cached balances
// referencing it are left to expire through the zero-balance rule.
func (s *Storage) RemoveToken(contract common.Address) error {
	s.tokenCache.Remove(string(contract.Bytes()))
	return s.deleteArtifact(tokenPrefix, contract.Bytes())
}

// tokenBalanceKey builds the tb/ key: address(20) | contract(20). Keying by
// address first makes listing an address's balances a prefix scan.
func tokenBalanceKey(addr, contract common.Address) []byte {
	key := make([]byte, 0, 40)
	key = append(key, addr.Bytes()...)
	return append(key, contract.Bytes()...)
}

// SetTokenBalance caches the token balance of an address. A zero balance
// removes the entry.
func (s *Storage) SetTokenBalance(addr, contract common.Address, value *types.BigInt) error {
	if value.Sign() == 0 {
		return s.deleteArtifact(tokenBalancePrefix, tokenBalanceKey(addr, contract))
	}
	return s.setArtifact(tokenBalancePrefix, tokenBalanceKey(addr, contract), &types.TokenBalance{
		Contract: contract,
		Address:  addr,
		Value:    value,
	})
}

// TokenBalance retrieves the cached balance of a token for an address.
func (s *Storage) TokenBalance(addr, contract common.Address) (*types.TokenBalance, error) {
	tb := &types.TokenBalance{}
	if err := s.getArtifact(tokenBalancePrefix, tokenBalanceKey(addr, contract), tb); err != nil {
		return nil, err
	}
	return tb, nil
}

// TokenBalances lists the cached non-zero token balances of an address.
func (s *Storage) TokenBalances(addr common.Address) ([]*types.TokenBalance, error) {
	var balances []*types.TokenBalance
	var innerErr error
	rd := prefixeddb.NewPrefixedReader(s.db, tokenBalancePrefix)
	err := rd.Iterate(addr.Bytes(), func(_, value []byte) bool {
		tb := &types.TokenBalance{}
		if err := DecodeArtifact(value, tb); err != nil {
			innerErr = err
			return false
		}
		balances = append(balances, tb)
		return true
	})
	if innerErr != nil {
		return nil, innerErr
	}
	return balances, err
}

// tokenTransferKey builds the tt/ key: txHash(32) | logIndex(4 BE).
func tokenTransferKey(txHash common.Hash, logIndex uint32) []byte {
	key := make([]byte, 0, 36)
	key = append(key, txHash.Bytes()...)
	return binary.BigEndian.AppendUint32(key, logIndex)
}

// UpsertTokenTransfer stores a token transfer row, replacing any previous
// row at the same (txHash, logIndex). Re-processing a block is idempotent.
func (s *Storage) UpsertTokenTransfer(tt *types.TokenTransfer) error {
	return s.setArtifact(tokenTransferPrefix, tokenTransferKey(tt.TxHash, tt.LogIndex), tt)
}

// TokenTransfers lists the token transfers attached to a transaction,
// ordered by log index.
func (s *Storage) TokenTransfers(txHash common.Hash) ([]*types.TokenTransfer, error) {
	var transfers []*types.TokenTransfer
	var innerErr error
	rd := prefixeddb.NewPrefixedReader(s.db, tokenTransferPrefix)
	err := rd.Iterate(txHash.Bytes(), func(_, value []byte) bool {
		tt := &types.TokenTransfer{}
		if err := DecodeArtifact(value, tt); err != nil {
			innerErr = err
			return false
		}
		transfers = append(transfers, tt)
		return true
	})
	if innerErr != nil {
		return nil, innerErr
	}
	return transfers, err
}

// UpdateTokenTransferStatus moves every transfer of a transaction to the
// given status, following the parent transaction's lifecycle.
func (s *Storage) UpdateTokenTransferStatus(txHash common.Hash, status types.Status) ([]*types.TokenTransfer, error) {
	transfers, err := s.TokenTransfers(txHash)
	if err != nil {
		return nil, err
	}
	var updated []*types.TokenTransfer
	for _, tt := range transfers {
		if !tt.Status.CanTransition(status) || (tt.Status == status && status == types.StatusConfirmed) {
			continue
		}
		tt.Status = status
		if err := s.UpsertTokenTransfer(tt); err != nil {
			return nil, err
		}
		updated = append(updated, tt)
	}
	return updated, nil
}
