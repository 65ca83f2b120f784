// Package inmemory implements an ephemeral db.Database, used by tests.
package inmemory

import (
	"sort"
	"strings"
	"sync"

	"github.com/toshiapp/ethservice/db"
)

// InMemoryDB implements an ephemeral in-memory db.Database.
type InMemoryDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ db.Database = (*InMemoryDB)(nil)

// New returns a new in-memory database. Options are ignored.
func New(_ db.Options) (*InMemoryDB, error) {
	return &InMemoryDB{data: make(map[string][]byte)}, nil
}

func (d *InMemoryDB) Close() error {
	return nil
}

func (d *InMemoryDB) Get(key []byte) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.data[string(key)]
	if !ok {
		return nil, db.ErrKeyNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (d *InMemoryDB) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	d.mu.RLock()
	keys := make([]string, 0, len(d.data))
	for k := range d.data {
		if strings.HasPrefix(k, string(prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	// copy values so the callback can run without the lock
	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = append([]byte(nil), d.data[k]...)
	}
	d.mu.RUnlock()

	for i, k := range keys {
		if !callback([]byte(k[len(prefix):]), values[i]) {
			break
		}
	}
	return nil
}

func (d *InMemoryDB) WriteTx() db.WriteTx {
	return &WriteTx{
		db:     d,
		writes: make(map[string]*[]byte),
	}
}

// WriteTx implements db.WriteTx. Writes are staged in memory and applied on
// Commit; a nil staged value marks a deletion.
type WriteTx struct {
	db     *InMemoryDB
	writes map[string]*[]byte
	done   bool
}

var _ db.WriteTx = (*WriteTx)(nil)

func (tx *WriteTx) Get(key []byte) ([]byte, error) {
	if v, ok := tx.writes[string(key)]; ok {
		if v == nil {
			return nil, db.ErrKeyNotFound
		}
		out := make([]byte, len(*v))
		copy(out, *v)
		return out, nil
	}
	return tx.db.Get(key)
}

func (tx *WriteTx) Iterate(prefix []byte, callback func(key, value []byte) bool) error {
	merged := make(map[string][]byte)
	tx.db.mu.RLock()
	for k, v := range tx.db.data {
		if strings.HasPrefix(k, string(prefix)) {
			merged[k] = append([]byte(nil), v...)
		}
	}
	tx.db.mu.RUnlock()
	for k, v := range tx.writes {
		if !strings.HasPrefix(k, string(prefix)) {
			continue
		}
		if v == nil {
			delete(merged, k)
		} else {
			merged[k] = append([]byte(nil), *v...)
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !callback([]byte(k[len(prefix):]), merged[k]) {
			break
		}
	}
	return nil
}

func (tx *WriteTx) Set(key, value []byte) error {
	v := append([]byte(nil), value...)
	tx.writes[string(key)] = &v
	return nil
}

func (tx *WriteTx) Delete(key []byte) error {
	tx.writes[string(key)] = nil
	return nil
}

func (tx *WriteTx) Commit() error {
	if tx.done {
		return nil
	}
	tx.done = true
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	for k, v := range tx.writes {
		if v == nil {
			delete(tx.db.data, k)
		} else {
			tx.db.data[k] = *v
		}
	}
	return nil
}

func (tx *WriteTx) Discard() {
	tx.done = true
	tx.writes = nil
}
