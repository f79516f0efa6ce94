// Package storage owns the single embedded ACID store shared by the
// event log (internal/eventstore) and the snapshot store
// (internal/snapshotstore), so a command's event append and snapshot
// write commit in one transaction. The concrete engine (bbolt) is an
// implementation detail behind this package: callers see only an
// opaque store with ACID write transactions and range iteration.
package storage

import (
	"time"

	"go.etcd.io/bbolt"
)

// DB wraps the embedded store backing both the event log and the
// snapshot store.
type DB struct {
	bolt *bbolt.DB
}

// Open opens (creating if absent) the embedded store at path.
func Open(path string) (*DB, error) {
	b, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	return &DB{bolt: b}, nil
}

func (d *DB) Close() error { return d.bolt.Close() }

// Update runs fn inside a single read-write transaction; events and
// snapshot writes performed by fn commit atomically together.
func (d *DB) Update(fn func(tx *bbolt.Tx) error) error {
	return d.bolt.Update(fn)
}

// View runs fn inside a read-only transaction.
func (d *DB) View(fn func(tx *bbolt.Tx) error) error {
	return d.bolt.View(fn)
}
