// Package metadb constructs a db.Database from a backend type name.
package metadb

import (
	"fmt"
	"testing"

	"github.com/toshiapp/ethservice/db"
	"github.com/toshiapp/ethservice/db/inmemory"
	"github.com/toshiapp/ethservice/db/pebbledb"
)

// New creates a database of the given type at the given directory.
func New(typ, dir string) (db.Database, error) {
	switch typ {
	case db.TypePebble:
		return pebbledb.New(db.Options{Path: dir})
	case db.TypeInMemory:
		return inmemory.New(db.Options{Path: dir})
	default:
		return nil, fmt.Errorf("invalid database type %q", typ)
	}
}

// NewTest returns a throwaway database for the given test.
func NewTest(tb testing.TB) db.Database {
	database, err := New(db.TypePebble, tb.TempDir())
	if err != nil {
		tb.Fatalf("create test database: %v", err)
	}
	tb.Cleanup(func() {
		if err := database.Close(); err != nil {
			tb.Errorf("close test database: %v", err)
		}
	})
	return database
}
