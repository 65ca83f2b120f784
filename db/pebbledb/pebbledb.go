// Package pebbledb implements db.Database backed by cockroachdb/pebble.
package pebbledb

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/toshiapp/ethservice/db"
)

// PebbleDB implements db.Database.
type PebbleDB struct {
	pdb *pebble.DB
}

var _ db.Database = (*PebbleDB)(nil)

// New opens (or creates) a pebble database at opts.Path.
func New(opts db.Options) (*PebbleDB, error) {
	pdb, err := pebble.Open(opts.Path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble db at %s: %w", opts.Path, err)
	}
	return &PebbleDB{pdb: pdb}, nil
}

func (d *PebbleDB) Close() error {
	return d.pdb.Close()
}

func (d *PebbleDB) Get(key []byte) ([]byte, error) {
	value, closer, err := d.pdb.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, db.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(value))
	copy(out, value)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *PebbleDB) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	return iterate(d.pdb, prefix, callback)
}

func (d *PebbleDB) WriteTx() db.WriteTx {
	return &WriteTx{batch: d.pdb.NewIndexedBatch()}
}

// prefixUpperBound returns the smallest key greater than all keys with the
// given prefix, or nil when the prefix is empty or all 0xff.
func prefixUpperBound(prefix []byte) []byte {
	upper := bytes.Clone(prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}

type pebbleReader interface {
	NewIter(o *pebble.IterOptions) (*pebble.Iterator, error)
}

func iterate(r pebbleReader, prefix []byte, callback func(key, value []byte) bool) error {
	iterOpts := &pebble.IterOptions{}
	if len(prefix) > 0 {
		iterOpts.LowerBound = prefix
		iterOpts.UpperBound = prefixUpperBound(prefix)
	}
	iter, err := r.NewIter(iterOpts)
	if err != nil {
		return err
	}
	defer func() {
		_ = iter.Close()
	}()
	for iter.First(); iter.Valid(); iter.Next() {
		if !callback(iter.Key()[len(prefix):], iter.Value()) {
			break
		}
	}
	return iter.Error()
}

// WriteTx implements db.WriteTx over a pebble indexed batch.
type WriteTx struct {
	batch *pebble.Batch
	done  bool
}

var _ db.WriteTx = (*WriteTx)(nil)

func (tx *WriteTx) Get(key []byte) ([]byte, error) {
	value, closer, err := tx.batch.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, db.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(value))
	copy(out, value)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (tx *WriteTx) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	return iterate(tx.batch, prefix, callback)
}

func (tx *WriteTx) Set(key, value []byte) error {
	return tx.batch.Set(key, value, nil)
}

func (tx *WriteTx) Delete(key []byte) error {
	return tx.batch.Delete(key, nil)
}

func (tx *WriteTx) Commit() error {
	if tx.done {
		return nil
	}
	tx.done = true
	return tx.batch.Commit(pebble.Sync)
}

func (tx *WriteTx) Discard() {
	if tx.done {
		return
	}
	tx.done = true
	_ = tx.batch.Close()
}
