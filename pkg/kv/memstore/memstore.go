// Package memstore is the in-memory kv.Store backend: an ordered B+Tree
// index over an in-RAM MVCC value log, snapshot-isolated by LSN.
package memstore

import (
	"bytes"
	"math"
	"sort"
	"sync"

	"github.com/bobboyms/bsondb/pkg/btree"
	"github.com/bobboyms/bsondb/pkg/kv"
	"github.com/bobboyms/bsondb/pkg/metrics"
	"github.com/bobboyms/bsondb/pkg/types"
)

const treeDegree = 64

// Store is an in-memory kv.Store. Zero value is not usable; use New.
type Store struct {
	tree     *btree.BPlusTree
	log      *valueLog
	lsn      *lsnTracker
	registry *txRegistry
	writeMu  sync.Mutex
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		tree:     btree.NewTree(treeDegree),
		log:      newValueLog(),
		lsn:      newLSNTracker(0),
		registry: newTxRegistry(),
	}
}

func (s *Store) Close() error { return nil }

// Begin opens a transaction. Read-only transactions snapshot the store's
// current LSN and never block a concurrent writer; a read-write transaction
// serializes against other writers via writeMu, matching the single
// per-collection writer lock the concurrency model requires one layer up.
func (s *Store) Begin(readOnly bool) (kv.Txn, error) {
	if readOnly {
		t := &txn{store: s, readOnly: true, snapshotLSN: s.lsn.value()}
		s.registry.register(t)
		return t, nil
	}

	s.writeMu.Lock()
	t := &txn{
		store:       s,
		readOnly:    false,
		snapshotLSN: s.lsn.value(),
		puts:        make(map[string][]byte),
		deletes:     make(map[string]bool),
	}
	return t, nil
}

type txn struct {
	store       *Store
	readOnly    bool
	snapshotLSN uint64
	puts        map[string][]byte
	deletes     map[string]bool
	done        bool
}

func (t *txn) ReadOnly() bool { return t.readOnly }

// effectiveSnapshot is the LSN a read inside this transaction should be
// evaluated against. Write transactions are serialized (only one active at
// a time) so they always observe the latest committed state.
func (t *txn) effectiveSnapshot() uint64 {
	if t.readOnly {
		return t.snapshotLSN
	}
	return math.MaxUint64
}

func (t *txn) Get(key []byte) (kv.Bytes, bool, error) {
	if !t.readOnly {
		ks := string(key)
		if t.deletes[ks] {
			return kv.Bytes{}, false, nil
		}
		if v, ok := t.puts[ks]; ok {
			return kv.Owned(v), true, nil
		}
	}

	offset, ok := t.store.tree.Get(types.ByteKey(key))
	if !ok {
		return kv.Bytes{}, false, nil
	}
	doc, ok := t.store.log.readVisible(offset, t.effectiveSnapshot())
	if !ok {
		return kv.Bytes{}, false, nil
	}
	return kv.Borrowed(doc), true, nil
}

func (t *txn) MultiGet(keys [][]byte) ([]kv.Bytes, []bool, error) {
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

// ScanPrefix returns every live key/value pair whose key starts with prefix,
// in lexicographic order, overlaying this transaction's own uncommitted
// writes (read-your-writes) on top of the committed tree contents.
func (t *txn) ScanPrefix(prefix []byte) (kv.Iterator, error) {
	merged := map[string][]byte{}

	leaf, idx := t.store.tree.FindLeafLowerBound(types.ByteKey(prefix))
	for leaf != nil {
	scanLeaf:
		for idx < leaf.N {
			key := []byte(leaf.Keys[idx].(types.ByteKey))
			if !bytes.HasPrefix(key, prefix) {
				leaf.RUnlock()
				leaf = nil
				break scanLeaf
			}
			if doc, ok := t.store.log.readVisible(leaf.DataPtrs[idx], t.effectiveSnapshot()); ok {
				merged[string(key)] = doc
			}
			idx++
		}
		if leaf == nil {
			break
		}
		next := leaf.Next
		leaf.RUnlock()
		leaf = next
		idx = 0
	}

	if !t.readOnly {
		for k, v := range t.puts {
			if bytes.HasPrefix([]byte(k), prefix) {
				merged[k] = v
			}
		}
		for k := range t.deletes {
			if bytes.HasPrefix([]byte(k), prefix) {
				delete(merged, k)
			}
		}
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	items := make([]kv.KV, len(keys))
	for i, k := range keys {
		items[i] = kv.KV{Key: []byte(k), Value: kv.Owned(merged[k])}
	}
	return &sliceIterator{items: items, pos: -1}, nil
}

func (t *txn) Put(key, value []byte) error {
	if err := kv.CheckWritable(t.readOnly, "put"); err != nil {
		return err
	}
	ks := string(key)
	cp := make([]byte, len(value))
	copy(cp, value)
	t.puts[ks] = cp
	delete(t.deletes, ks)
	return nil
}

func (t *txn) Delete(key []byte) error {
	if err := kv.CheckWritable(t.readOnly, "delete"); err != nil {
		return err
	}
	ks := string(key)
	t.deletes[ks] = true
	delete(t.puts, ks)
	return nil
}

func (t *txn) Commit() error {
	if t.done {
		return nil
	}
	t.done = true

	if t.readOnly {
		t.store.registry.unregister(t)
		return nil
	}
	defer t.store.writeMu.Unlock()
	timer := metrics.NewTimer()
	defer timer.ObserveCommit("memstore", "ok")

	commitLSN := t.store.lsn.next()
	for k, v := range t.puts {
		prevOffset := int64(-1)
		if off, ok := t.store.tree.Get(types.ByteKey([]byte(k))); ok {
			prevOffset = off
		}
		newOffset := t.store.log.write(v, commitLSN, prevOffset)
		_ = t.store.tree.Replace(types.ByteKey([]byte(k)), newOffset)
	}
	for k := range t.deletes {
		if off, ok := t.store.tree.Get(types.ByteKey([]byte(k))); ok {
			t.store.log.markDeleted(off, commitLSN)
		}
	}
	return nil
}

func (t *txn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true

	if t.readOnly {
		t.store.registry.unregister(t)
		return nil
	}
	t.store.writeMu.Unlock()
	return nil
}

type sliceIterator struct {
	items []kv.KV
	pos   int
}

func (it *sliceIterator) Next() bool {
	it.pos++
	return it.pos < len(it.items)
}

func (it *sliceIterator) Item() kv.KV { return it.items[it.pos] }
func (it *sliceIterator) Err() error  { return nil }
func (it *sliceIterator) Close()      {}
