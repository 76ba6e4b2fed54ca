// Package btree implements a concurrent B+Tree over byte-lexicographic keys
// (types.Comparable), used by kv/memstore as the ordered index backing
// ScanPrefix and point lookups. Structural modifications use latch crabbing
// (preemptive splits on the way down, lock coupling on the way down) so
// concurrent readers never block on writers beyond the node they're
// currently visiting.
package btree

import (
	"fmt"
	"sort"
	"sync"

	"github.com/bobboyms/bsondb/pkg/types"
)

// DuplicateKeyError is returned by Insert when UniqueKey is set and the key
// already exists.
type DuplicateKeyError struct {
	Key string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key violation: key %q already exists in unique tree", e.Key)
}

// BPlusTree is a concurrent ordered map from types.Comparable keys to int64
// values (an offset into whatever value store the caller maintains).
type BPlusTree struct {
	T         int
	Root      *Node
	UniqueKey bool // when true, Insert rejects keys that already exist
	mu        sync.RWMutex
}

// NewTree creates a tree that allows duplicate keys (used for non-unique
// secondary indexes).
func NewTree(t int) *BPlusTree {
	return &BPlusTree{T: t, Root: NewNode(t, true), UniqueKey: false}
}

// NewUniqueTree creates a tree that rejects duplicate keys (used for primary
// key indexes).
func NewUniqueTree(t int) *BPlusTree {
	return &BPlusTree{T: t, Root: NewNode(t, true), UniqueKey: true}
}

// Insert adds a new key/value pair, failing with DuplicateKeyError on a
// unique tree if the key is already present.
func (b *BPlusTree) Insert(key types.Comparable, dataPtr int64) error {
	return b.insertHelper(key, dataPtr, b.UniqueKey)
}

// Replace unconditionally sets the value for key, inserting it if absent.
func (b *BPlusTree) Replace(key types.Comparable, dataPtr int64) error {
	return b.Upsert(key, func(oldValue int64, exists bool) (int64, error) {
		return dataPtr, nil
	})
}

// Delete removes key from the tree if present, returning whether it was
// found.
func (b *BPlusTree) Delete(key types.Comparable) bool {
	b.mu.RLock()
	curr := b.Root
	curr.Lock()
	b.mu.RUnlock()

	for !curr.Leaf {
		i := 0
		for i < curr.N && key.Compare(curr.Keys[i]) >= 0 {
			i++
		}
		child := curr.Children[i]
		child.Lock()
		curr.Unlock()
		curr = child
	}

	defer curr.Unlock()
	for j := 0; j < curr.N; j++ {
		if key.Compare(curr.Keys[j]) == 0 {
			curr.Keys = append(curr.Keys[:j], curr.Keys[j+1:]...)
			curr.DataPtrs = append(curr.DataPtrs[:j], curr.DataPtrs[j+1:]...)
			curr.N--
			return true
		}
	}
	return false
}

// Upsert runs fn against the key's current value (if any) while holding the
// leaf's lock, atomically installing fn's result. Insert/Replace are built
// on it; Delete is the one mutation that does not go through it.
func (b *BPlusTree) Upsert(key types.Comparable, fn func(oldValue int64, exists bool) (newValue int64, err error)) error {
	return b.upsertHelper(key, fn)
}

func (b *BPlusTree) insertHelper(key types.Comparable, dataPtr int64, uniqueKey bool) error {
	return b.Upsert(key, func(oldValue int64, exists bool) (int64, error) {
		if exists && uniqueKey {
			return 0, &DuplicateKeyError{Key: fmt.Sprintf("%v", key)}
		}
		return dataPtr, nil
	})
}

func (b *BPlusTree) upsertHelper(key types.Comparable, fn func(oldValue int64, exists bool) (newValue int64, err error)) error {
	b.mu.Lock()
	root := b.Root
	root.Lock()

	if root.IsFull() {
		newRoot := NewNode(b.T, false)
		newRoot.Children = append(newRoot.Children, root)
		newRoot.SplitChild(0)
		b.Root = newRoot
		b.mu.Unlock()

		newRoot.Lock()
		root.Unlock()

		return b.upsertTopDown(newRoot, key, fn)
	}

	b.mu.Unlock()
	return b.upsertTopDown(root, key, fn)
}

// upsertTopDown descends the tree, splitting full nodes preemptively so the
// leaf we land on always has room. Assumes curr is already locked.
func (b *BPlusTree) upsertTopDown(curr *Node, key types.Comparable, fn func(oldValue int64, exists bool) (newValue int64, err error)) error {
	defer func() {
		if curr != nil {
			curr.Unlock()
		}
	}()

	for !curr.Leaf {
		i := 0
		for i < curr.N && key.Compare(curr.Keys[i]) >= 0 {
			i++
		}

		child := curr.Children[i]
		child.Lock()

		if child.IsFull() {
			curr.SplitChild(i)

			if key.Compare(curr.Keys[i]) >= 0 {
				child.Unlock()
				child = curr.Children[i+1]
				child.Lock()
			}
		}

		// Latch crabbing: release the parent, keep the child.
		curr.Unlock()
		curr = child
	}

	return curr.UpsertNonFull(key, fn)
}

// Search returns the leaf node holding key, mainly for tests and debugging.
func (b *BPlusTree) Search(key types.Comparable) (*Node, bool) {
	b.mu.RLock()
	curr := b.Root
	curr.RLock()
	b.mu.RUnlock()

	for !curr.Leaf {
		i := 0
		for i < curr.N && key.Compare(curr.Keys[i]) >= 0 {
			i++
		}
		child := curr.Children[i]
		child.RLock()
		curr.RUnlock()
		curr = child
	}

	defer curr.RUnlock()
	for j := 0; j < curr.N; j++ {
		if key.Compare(curr.Keys[j]) == 0 {
			return curr, true
		}
	}
	return nil, false
}

// Get performs a thread-safe point lookup via lock coupling.
func (b *BPlusTree) Get(key types.Comparable) (int64, bool) {
	if b == nil {
		return 0, false
	}
	b.mu.RLock()
	curr := b.Root
	if curr == nil {
		b.mu.RUnlock()
		return 0, false
	}
	curr.RLock()
	b.mu.RUnlock()

	for !curr.Leaf {
		i := 0
		for i < curr.N && key.Compare(curr.Keys[i]) >= 0 {
			i++
		}
		child := curr.Children[i]
		child.RLock()
		curr.RUnlock()
		curr = child
	}

	defer curr.RUnlock()
	for j := 0; j < curr.N; j++ {
		if key.Compare(curr.Keys[j]) == 0 {
			return curr.DataPtrs[j], true
		}
	}
	return 0, false
}

// FindLeafLowerBound returns the leaf node and index of the first key >=
// key (or the first key overall if key is nil), with the leaf's RLock held.
// The caller must RUnlock the returned node.
func (b *BPlusTree) FindLeafLowerBound(key types.Comparable) (*Node, int) {
	b.mu.RLock()
	curr := b.Root
	curr.RLock()
	b.mu.RUnlock()

	for !curr.Leaf {
		var i int
		if key == nil {
			i = 0
		} else {
			i = sort.Search(curr.N, func(i int) bool {
				return curr.Keys[i].Compare(key) >= 0
			})
		}

		child := curr.Children[i]
		child.RLock()
		curr.RUnlock()
		curr = child
	}

	var idx int
	if key == nil {
		idx = 0
	} else {
		idx = sort.Search(curr.N, func(i int) bool {
			return curr.Keys[i].Compare(key) >= 0
		})
	}

	return curr, idx
}

// findLeafLowerBound is an unlocked variant retained for tests that only
// need the position, not a held lock.
func (b *BPlusTree) findLeafLowerBound(key types.Comparable) (*Node, int) {
	node, idx := b.FindLeafLowerBound(key)
	if node != nil {
		node.RUnlock()
	}
	return node, idx
}
