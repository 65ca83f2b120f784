// Package prefixeddb wraps a db.Database restricting all operations to a
// key prefix, so several logical namespaces can share one database.
package prefixeddb

import (
	"github.com/toshiapp/ethservice/db"
)

// PrefixedDatabase implements db.Database over a namespace of another
// database.
type PrefixedDatabase struct {
	db     db.Database
	prefix []byte
}

var _ db.Database = (*PrefixedDatabase)(nil)

// NewPrefixedDatabase returns a namespaced view of the given database.
func NewPrefixedDatabase(d db.Database, prefix []byte) *PrefixedDatabase {
	return &PrefixedDatabase{db: d, prefix: prefix}
}

func (d *PrefixedDatabase) Close() error {
	// the underlying database is shared; closing is the owner's job
	return nil
}

func (d *PrefixedDatabase) Get(key []byte) ([]byte, error) {
	return d.db.Get(join(d.prefix, key))
}

func (d *PrefixedDatabase) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	return d.db.Iterate(join(d.prefix, prefix), callback)
}

func (d *PrefixedDatabase) WriteTx() db.WriteTx {
	return NewPrefixedWriteTx(d.db.WriteTx(), d.prefix)
}

// NewPrefixedReader returns a read-only namespaced view of the database.
func NewPrefixedReader(d db.Database, prefix []byte) db.Reader {
	return NewPrefixedDatabase(d, prefix)
}

// PrefixedWriteTx implements db.WriteTx over a namespace of another write
// transaction.
type PrefixedWriteTx struct {
	tx     db.WriteTx
	prefix []byte
}

var _ db.WriteTx = (*PrefixedWriteTx)(nil)

// NewPrefixedWriteTx wraps a write transaction with a key prefix.
func NewPrefixedWriteTx(tx db.WriteTx, prefix []byte) *PrefixedWriteTx {
	return &PrefixedWriteTx{tx: tx, prefix: prefix}
}

func (p *PrefixedWriteTx) Get(key []byte) ([]byte, error) {
	return p.tx.Get(join(p.prefix, key))
}

func (p *PrefixedWriteTx) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	return p.tx.Iterate(join(p.prefix, prefix), callback)
}

func (p *PrefixedWriteTx) Set(key, value []byte) error {
	return p.tx.Set(join(p.prefix, key), value)
}

func (p *PrefixedWriteTx) Delete(key []byte) error {
	return p.tx.Delete(join(p.prefix, key))
}

func (p *PrefixedWriteTx) Commit() error {
	return p.tx.Commit()
}

func (p *PrefixedWriteTx) Discard() {
	p.tx.Discard()
}

func join(prefix, key []byte) []byte {
	out := make([]byte, 0, len(prefix)+len(key))
	out = append(out, prefix...)
	return append(out, key...)
}
