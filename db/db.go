// Package db defines the key-value database interface used by the storage
// layer, with implementations in the pebbledb and inmemory subpackages.
package db

import "errors"

// ErrKeyNotFound is returned by Get when the key does not exist.
var ErrKeyNotFound = errors.New("key not found")

// ErrConflict is returned by Commit when the transaction lost a write race.
var ErrConflict = errors.New("transaction conflict")

// Database backend types understood by metadb.New.
const (
	TypePebble   = "pebble"
	TypeInMemory = "inmemory"
)

// Options for creating a database.
type Options struct {
	Path string
}

// Reader is the read-only surface of a database or transaction.
type Reader interface {
	// Get retrieves the value for the given key, or ErrKeyNotFound.
	Get(key []byte) ([]byte, error)
	// Iterate calls callback on all key-value pairs whose key starts with
	// prefix, until the callback returns false. The callback arguments are
	// only valid during the call.
	Iterate(prefix []byte, callback func(key, value []byte) bool) error
}

// Database is a transactional key-value store.
type Database interface {
	Reader
	// WriteTx creates a new write transaction.
	WriteTx() WriteTx
	// Close releases the resources held by the database.
	Close() error
}

// WriteTx is a write transaction. It must be finished with Commit or
// Discard; Discard after Commit is a no-op.
type WriteTx interface {
	Reader
	// Set stores a key-value pair.
	Set(key, value []byte) error
	// Delete removes a key. Deleting a missing key is not an error.
	Delete(key []byte) error
	// Commit applies the staged writes atomically.
	Commit() error
	// Discard drops the staged writes.
	Discard()
}
