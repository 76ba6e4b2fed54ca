// Package logstore is the persistent kv.Store backend: a thin facade over a
// Pebble LSM-tree database. Pebble already supplies snapshotted reads,
// ordered prefix iteration and atomic batched writes, so this package
// only has to map those onto the Txn contract rather than reimplement an
// on-disk log of its own.
package logstore

import (
	"sync"

	cockroacherrors "github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"

	"github.com/bobboyms/bsondb/pkg/errors"
	"github.com/bobboyms/bsondb/pkg/kv"
	"github.com/bobboyms/bsondb/pkg/metrics"
)

// wrap annotates a raw Pebble error with a stack trace before it crosses
// into this package's tagged errors.StorageError, so a caller that unwraps
// Cause gets cockroachdb/errors' stack rather than a bare message string.
func wrap(op string, err error) error {
	return &errors.StorageError{Op: op, Reason: err.Error(), Cause: cockroacherrors.Wrapf(err, "logstore: %s", op)}
}

// Store wraps a single Pebble database. Writers are serialized one at a
// time via writeMu, matching the single per-collection writer lock the
// concurrency model assumes one layer up in pkg/collection; Pebble itself
// would allow concurrent batches, but the engine's contract is simpler with
// one in flight.
type Store struct {
	db      *pebble.DB
	writeMu sync.Mutex
}

// Open opens (creating if absent) a Pebble database at dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, wrap("open", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return wrap("close", err)
	}
	return nil
}

func (s *Store) Begin(readOnly bool) (kv.Txn, error) {
	if readOnly {
		return &roTxn{snap: s.db.NewSnapshot()}, nil
	}
	s.writeMu.Lock()
	return &rwTxn{store: s, batch: s.db.NewIndexedBatch()}, nil
}

// prefixUpperBound returns the smallest key that sorts strictly after every
// key with the given prefix, or nil if prefix is all 0xFF (unbounded).
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}

type roTxn struct {
	snap *pebble.Snapshot
}

func (t *roTxn) ReadOnly() bool { return true }

func (t *roTxn) Get(key []byte) (kv.Bytes, bool, error) {
	v, closer, err := t.snap.Get(key)
	if err == pebble.ErrNotFound {
		return kv.Bytes{}, false, nil
	}
	if err != nil {
		return kv.Bytes{}, false, wrap("get", err)
	}
	defer closer.Close()
	return kv.Owned(append([]byte(nil), v...)), true, nil
}

func (t *roTxn) MultiGet(keys [][]byte) ([]kv.Bytes, []bool, error) {
	vals := make([]kv.Bytes, len(keys))
	found := make([]bool, len(keys))
	for i, k := range keys {
		v, ok, err := t.Get(k)
		if err != nil {
			return nil, nil, err
		}
		vals[i], found[i] = v, ok
	}
	return vals, found, nil
}

func (t *roTxn) ScanPrefix(prefix []byte) (kv.Iterator, error) {
	iter, err := t.snap.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, wrap("scan_prefix", err)
	}
	iter.First()
	return &pebbleIterator{iter: iter}, nil
}

func (t *roTxn) Put(key, value []byte) error { return &errors.ReadOnlyError{Op: "put"} }
func (t *roTxn) Delete(key []byte) error     { return &errors.ReadOnlyError{Op: "delete"} }

func (t *roTxn) Commit() error {
	return t.snap.Close()
}

func (t *roTxn) Rollback() error {
	return t.snap.Close()
}

type rwTxn struct {
	store *Store
	batch *pebble.Batch
	done  bool
}

func (t *rwTxn) ReadOnly() bool { return false }

func (t *rwTxn) Get(key []byte) (kv.Bytes, bool, error) {
	v, closer, err := t.batch.Get(key)
	if err == pebble.ErrNotFound {
		return kv.Bytes{}, false, nil
	}
	if err != nil {
		return kv.Bytes{}, false, wrap("get", err)
	}
	defer closer.Close()
	return kv.Owned(append([]byte(nil), v...)), true, nil
}

func (t *rwTxn) MultiGet(keys [][]byte) ([]kv.Bytes, []bool, error) {
	vals := make([]kv.Bytes, len(keys))
	found := make([]bool, len(keys))
	for i, k := range keys {
		v, ok, err := t.Get(k)
		if err != nil {
			return nil, nil, err
		}
		vals[i], found[i] = v, ok
	}
	return vals, found, nil
}

func (t *rwTxn) ScanPrefix(prefix []byte) (kv.Iterator, error) {
	iter, err := t.batch.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, wrap("scan_prefix", err)
	}
	iter.First()
	return &pebbleIterator{iter: iter}, nil
}

func (t *rwTxn) Put(key, value []byte) error {
	if err := t.batch.Set(key, value, nil); err != nil {
		return wrap("put", err)
	}
	return nil
}

func (t *rwTxn) Delete(key []byte) error {
	if err := t.batch.Delete(key, nil); err != nil {
		return wrap("delete", err)
	}
	return nil
}

func (t *rwTxn) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.store.writeMu.Unlock()
	timer := metrics.NewTimer()

	if err := t.batch.Commit(pebble.Sync); err != nil {
		log.Error().Err(err).Msg("logstore: commit failed")
		timer.ObserveCommit("logstore", "error")
		return wrap("commit", err)
	}
	timer.ObserveCommit("logstore", "ok")
	return t.batch.Close()
}

func (t *rwTxn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.store.writeMu.Unlock()
	return t.batch.Close()
}

type pebbleIterator struct {
	iter    *pebble.Iterator
	started bool
}

func (it *pebbleIterator) Next() bool {
	if !it.started {
		it.started = true
		return it.iter.Valid()
	}
	return it.iter.Next()
}

func (it *pebbleIterator) Item() kv.KV {
	return kv.KV{
		Key:   append([]byte(nil), it.iter.Key()...),
		Value: kv.Owned(append([]byte(nil), it.iter.Value()...)),
	}
}

func (it *pebbleIterator) Err() error { return it.iter.Error() }
func (it *pebbleIterator) Close()     { _ = it.iter.Close() }
