// Package storage is the shared bbolt-backed persistence primitive every
// other package transacts through. Grounded on the teacher's storage.go
// (NewStorage/initBuckets/db.Update|View), generalized into a reusable
// "db operation handle" (spec.md §4.4) instead of one storage struct hosting
// every bucket directly: packages register their own buckets against a
// shared *DB and receive a *Tx that composes event-append, outbox-write, and
// ledger-posting in one bbolt transaction, per spec.md §5's "one database
// transaction per mutation" contract.
package storage

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

// DB wraps a bbolt database handle shared across packages.
type DB struct {
	bolt *bbolt.DB
}

// Open opens (creating if absent) the bbolt file at path.
func Open(path string) (*DB, error) {
	b, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return &DB{bolt: b}, nil
}

// Close releases the underlying file handle.
func (d *DB) Close() error { return d.bolt.Close() }

// EnsureBuckets creates any of the named top-level buckets that don't yet
// exist. Safe to call repeatedly; each package calls this with its own
// buckets during construction (mirrors the teacher's initBuckets).
func (d *DB) EnsureBuckets(names ...[]byte) error {
	return d.bolt.Update(func(tx *bbolt.Tx) error {
		for _, name := range names {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Tx is the shared "db operation handle" every write path in spec.md §6
// accepts: event append, outbox write, and ledger posting all happen against
// the same *Tx so they commit together.
type Tx struct {
	bolt *bbolt.Tx
}

// Bucket returns the named top-level bucket within this transaction.
func (t *Tx) Bucket(name []byte) *bbolt.Bucket { return t.bolt.Bucket(name) }

// WithinTx runs fn inside one read-write bbolt transaction. Every aggregate
// mutation in the kernel is a single call to WithinTx, satisfying the
// "one transaction per mutation" ordering guarantee of spec.md §5.
func (d *DB) WithinTx(fn func(*Tx) error) error {
	return d.bolt.Update(func(bt *bbolt.Tx) error {
		return fn(&Tx{bolt: bt})
	})
}

// View runs fn inside a read-only bbolt transaction, for query paths that
// never need to participate in a write.
func (d *DB) View(fn func(*Tx) error) error {
	return d.bolt.View(func(bt *bbolt.Tx) error {
		return fn(&Tx{bolt: bt})
	})
}
