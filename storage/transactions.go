package storage

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/toshiapp/ethservice/db/prefixeddb"
	"github.com/toshiapp/ethservice/types"
)

// senderNonceKey builds the txfn/ index key: from(20) | nonce(8 BE) | hash(32).
// The big-endian nonce keeps iteration over a sender ordered by nonce.
func senderNonceKey(from common.Address, nonce uint64, hash common.Hash) []byte {
	key := make([]byte, 0, 60)
	key = append(key, from.Bytes()...)
	key = binary.BigEndian.AppendUint64(key, nonce)
	return append(key, hash.Bytes()...)
}

// recipientKey builds the txto/ index key: to(20) | hash(32).
func recipientKey(to common.Address, hash common.Hash) []byte {
	key := make([]byte, 0, 52)
	key = append(key, to.Bytes()...)
	return append(key, hash.Bytes()...)
}

// AddTransaction stores a new transaction row together with its sender/nonce
// and recipient indexes. Returns ErrKeyAlreadyExists when a row for the hash
// is already present.
func (s *Storage) AddTransaction(tx *types.Transaction) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	if !tx.Status.Valid() {
		return fmt.Errorf("invalid status %q", tx.Status)
	}
	now := time.Now().UTC()
	if tx.Created.IsZero() {
		tx.Created = now
	}
	tx.Updated = now

	wTx := s.db.WriteTx()
	defer wTx.Discard()

	rowKey := join(txPrefix, tx.Hash.Bytes())
	if _, err := wTx.Get(rowKey); err == nil {
		return ErrKeyAlreadyExists
	}
	data, err := EncodeArtifact(tx)
	if err != nil {
		return err
	}
	if err := wTx.Set(rowKey, data); err != nil {
		return err
	}
	if err := wTx.Set(join(txSenderNoncePrefix, senderNonceKey(tx.From, tx.Nonce, tx.Hash)), nil); err != nil {
		return err
	}
	if tx.To != nil {
		if err := wTx.Set(join(txRecipientPrefix, recipientKey(*tx.To, tx.Hash)), nil); err != nil {
			return err
		}
	}
	return wTx.Commit()
}

// Transaction retrieves a transaction row by hash. Returns ErrNotFound when
// no row exists.
func (s *Storage) Transaction(hash common.Hash) (*types.Transaction, error) {
	tx := &types.Transaction{}
	if err := s.getArtifact(txPrefix, hash.Bytes(), tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// TransactionsBySenderNonce returns every non-error row a sender has at the
// given nonce. More than one row at a nonce means a pending overwrite.
func (s *Storage) TransactionsBySenderNonce(from common.Address, nonce uint64) ([]*types.Transaction, error) {
	prefix := make([]byte, 0, 28)
	prefix = append(prefix, from.Bytes()...)
	prefix = binary.BigEndian.AppendUint64(prefix, nonce)

	var txs []*types.Transaction
	err := s.iterateSenderIndex(prefix, func(tx *types.Transaction) bool {
		if tx.Status != types.StatusError {
			txs = append(txs, tx)
		}
		return true
	})
	return txs, err
}

// QueuedTransactions returns the sender's signed rows in status new or
// queued, ordered by nonce ascending.
func (s *Storage) QueuedTransactions(from common.Address) ([]*types.Transaction, error) {
	var txs []*types.Transaction
	err := s.iterateSenderIndex(from.Bytes(), func(tx *types.Transaction) bool {
		if tx.Signed() && (tx.Status == types.StatusNew || tx.Status == types.StatusQueued) {
			txs = append(txs, tx)
		}
		return true
	})
	return txs, err
}

// UnconfirmedTransactions returns the sender's rows that are in flight:
// status unconfirmed, plus rows confirmed in a block past lastBlock which
// the monitor has not reconciled yet.
func (s *Storage) UnconfirmedTransactions(from common.Address, lastBlock uint64) ([]*types.Transaction, error) {
	var txs []*types.Transaction
	err := s.iterateSenderIndex(from.Bytes(), func(tx *types.Transaction) bool {
		switch {
		case tx.Status == types.StatusUnconfirmed:
			txs = append(txs, tx)
		case tx.Status == types.StatusConfirmed && tx.BlockNumber != nil && *tx.BlockNumber > lastBlock:
			txs = append(txs, tx)
		}
		return true
	})
	return txs, err
}

// PendingSent returns the total wei (value plus gas cost) committed by the
// sender's active transactions.
func (s *Storage) PendingSent(from common.Address) (*big.Int, error) {
	total := new(big.Int)
	err := s.iterateSenderIndex(from.Bytes(), func(tx *types.Transaction) bool {
		if active(tx.Status) {
			total.Add(total, tx.Cost())
		}
		return true
	})
	return total, err
}

// PendingReceived returns the total wei heading to the address from active
// transactions.
func (s *Storage) PendingReceived(to common.Address) (*big.Int, error) {
	total := new(big.Int)
	rd := prefixeddb.NewPrefixedReader(s.db, txRecipientPrefix)
	err := rd.Iterate(to.Bytes(), func(key, _ []byte) bool {
		if len(key) != common.HashLength {
			return true
		}
		tx, err := s.Transaction(common.BytesToHash(key))
		if err != nil {
			return true
		}
		if active(tx.Status) {
			total.Add(total, tx.Value.MathBigInt())
		}
		return true
	})
	return total, err
}

// PendingReceivedAt is like PendingReceived but also counts transactions
// confirmed in blocks past lastBlock, which a balance snapshot taken at
// lastBlock does not include yet.
func (s *Storage) PendingReceivedAt(to common.Address, lastBlock uint64) (*big.Int, error) {
	total := new(big.Int)
	rd := prefixeddb.NewPrefixedReader(s.db, txRecipientPrefix)
	err := rd.Iterate(to.Bytes(), func(key, _ []byte) bool {
		if len(key) != common.HashLength {
			return true
		}
		tx, err := s.Transaction(common.BytesToHash(key))
		if err != nil {
			return true
		}
		switch {
		case active(tx.Status):
			total.Add(total, tx.Value.MathBigInt())
		case tx.Status == types.StatusConfirmed && tx.BlockNumber != nil && *tx.BlockNumber > lastBlock:
			total.Add(total, tx.Value.MathBigInt())
		}
		return true
	})
	return total, err
}

// TransactionsForAddress returns every row where the address is sender or
// recipient with an Updated timestamp inside [since, until], newest last.
// Used to replay payment updates to reconnecting websocket clients.
func (s *Storage) TransactionsForAddress(addr common.Address, since, until time.Time) ([]*types.Transaction, error) {
	seen := make(map[common.Hash]bool)
	var txs []*types.Transaction
	collect := func(tx *types.Transaction) bool {
		if !seen[tx.Hash] && !tx.Updated.Before(since) && !tx.Updated.After(until) {
			seen[tx.Hash] = true
			txs = append(txs, tx)
		}
		return true
	}
	if err := s.iterateSenderIndex(addr.Bytes(), collect); err != nil {
		return nil, err
	}
	rd := prefixeddb.NewPrefixedReader(s.db, txRecipientPrefix)
	err := rd.Iterate(addr.Bytes(), func(key, _ []byte) bool {
		if len(key) != common.HashLength {
			return true
		}
		tx, err := s.Transaction(common.BytesToHash(key))
		if err != nil {
			return true
		}
		return collect(tx)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(txs, func(i, j int) bool { return txs[i].Updated.Before(txs[j].Updated) })
	return txs, nil
}

func active(s types.Status) bool {
	return s == types.StatusNew || s == types.StatusQueued || s == types.StatusUnconfirmed
}

// UpdateTransactionStatus moves a transaction to a new status, enforcing the
// transition table. It returns the updated row and whether anything changed;
// the confirmed -> confirmed transition reports no change. A non-nil
// blockNumber is recorded on the row.
func (s *Storage) UpdateTransactionStatus(hash common.Hash, status types.Status, blockNumber *uint64) (*types.Transaction, bool, error) {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	tx, err := s.Transaction(hash)
	if err != nil {
		return nil, false, err
	}
	if tx.Status == status && status == types.StatusConfirmed {
		if blockNumber != nil {
			tx.BlockNumber = blockNumber
			tx.Updated = time.Now().UTC()
			if err := s.setArtifact(txPrefix, hash.Bytes(), tx); err != nil {
				return nil, false, err
			}
		}
		return tx, false, nil
	}
	if !tx.Status.CanTransition(status) {
		return tx, false, &types.ErrInvalidTransition{From: tx.Status, To: status}
	}
	tx.Status = status
	if blockNumber != nil {
		tx.BlockNumber = blockNumber
	}
	tx.Updated = time.Now().UTC()
	if err := s.setArtifact(txPrefix, hash.Bytes(), tx); err != nil {
		return nil, false, err
	}
	return tx, true, nil
}

// TouchTransaction refreshes a row's Updated timestamp without changing its
// status, so a deliberately held-back transaction is not flagged as stuck.
func (s *Storage) TouchTransaction(hash common.Hash) error {
	s.globalLock.Lock()
	defer s.globalLock.Unlock()

	tx, err := s.Transaction(hash)
	if err != nil {
		return err
	}
	tx.Updated = time.Now().UTC()
	return s.setArtifact(txPrefix, hash.Bytes(), tx)
}

// StaleSenders returns the distinct senders that have active transactions
// not updated for longer than age. The housekeeper re-runs their queues.
func (s *Storage) StaleSenders(age time.Duration) ([]common.Address, error) {
	cutoff := time.Now().UTC().Add(-age)
	seen := make(map[common.Address]bool)
	var senders []common.Address
	rd := prefixeddb.NewPrefixedReader(s.db, txPrefix)
	err := rd.Iterate(nil, func(_, value []byte) bool {
		tx := &types.Transaction{}
		if err := DecodeArtifact(value, tx); err != nil {
			return true
		}
		if active(tx.Status) && tx.Updated.Before(cutoff) && !seen[tx.From] {
			seen[tx.From] = true
			senders = append(senders, tx.From)
		}
		return true
	})
	return senders, err
}

// iterateSenderIndex walks the txfn/ index under the given prefix (which must
// start with a sender address) resolving each hash to its row. Iteration is
// ordered by nonce.
func (s *Storage) iterateSenderIndex(prefix []byte, callback func(*types.Transaction) bool) error {
	rd := prefixeddb.NewPrefixedReader(s.db, txSenderNoncePrefix)
	var innerErr error
	err := rd.Iterate(prefix, func(key, _ []byte) bool {
		if len(key) < common.HashLength {
			return true
		}
		hash := common.BytesToHash(key[len(key)-common.HashLength:])
		tx, err := s.Transaction(hash)
		if err != nil {
			if err == ErrNotFound {
				return true
			}
			innerErr = err
			return false
		}
		return callback(tx)
	})
	if innerErr != nil {
		return innerErr
	}
	return err
}

// join concatenates a prefix and a key into a fresh slice.
func join(prefix, key []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(key))
	out = append(out, prefix...)
	return append(out, key...)
}
