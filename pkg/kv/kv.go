// Package kv defines the Store Facade contract that the query engine runs
// against: a snapshotted transaction over an ordered byte-key space. Two
// backends satisfy it, kv/memstore (in-RAM) and kv/logstore (Pebble-backed
// persistent), so planexec/planner/collection never know which one they're
// talking to.
package kv

import "github.com/bobboyms/bsondb/pkg/errors"

// Bytes is either a zero-copy view borrowed from a snapshot (valid only
// while the owning transaction is alive) or an owned, independently
// allocated copy. Code that must outlive the transaction (buffering for
// Sort, crossing into a Projection result) calls ToOwned first.
type Bytes struct {
	b     []byte
	owned bool
}

// Borrowed wraps a slice that is only valid for the lifetime of the
// transaction/iterator that produced it.
func Borrowed(b []byte) Bytes { return Bytes{b: b, owned: false} }

// Owned wraps a slice the caller owns independently of any transaction.
func Owned(b []byte) Bytes { return Bytes{b: b, owned: true} }

// Bytes returns the underlying slice. Callers must not retain it past the
// transaction's lifetime unless IsOwned() is true.
func (v Bytes) Bytes() []byte { return v.b }

// IsOwned reports whether the slice survives the transaction that produced it.
func (v Bytes) IsOwned() bool { return v.owned }

// ToOwned returns a Bytes guaranteed to survive the producing transaction,
// copying only if v is currently borrowed.
func (v Bytes) ToOwned() Bytes {
	if v.owned {
		return v
	}
	cp := make([]byte, len(v.b))
	copy(cp, v.b)
	return Bytes{b: cp, owned: true}
}

// KV is a single key/value pair yielded by a prefix scan.
type KV struct {
	Key   []byte
	Value Bytes
}

// Iterator is a pull-based, forward-ordered cursor over a key range. Callers
// must call Close when done, including after Next has returned false.
type Iterator interface {
	Next() bool
	Item() KV
	Err() error
	Close()
}

// Txn is a single snapshotted transaction. Read-only transactions return
// errors.ReadOnlyError from Put/Delete.
type Txn interface {
	Get(key []byte) (Bytes, bool, error)
	MultiGet(keys [][]byte) ([]Bytes, []bool, error)
	ScanPrefix(prefix []byte) (Iterator, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Commit() error
	Rollback() error
	ReadOnly() bool
}

// Store opens transactions. Begin(true) opens a read-only snapshot;
// Begin(false) opens a read-write transaction serialized against other
// writers of the same store.
type Store interface {
	Begin(readOnly bool) (Txn, error)
	Close() error
}

// CheckWritable returns errors.ReadOnlyError if txn is read-only, nil
// otherwise. Backends call this at the top of Put/Delete.
func CheckWritable(readOnly bool, op string) error {
	if readOnly {
		return &errors.ReadOnlyError{Op: op}
	}
	return nil
}
