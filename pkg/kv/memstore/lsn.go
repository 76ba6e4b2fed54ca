package memstore

import (
	"math"
	"sync"
	"sync/atomic"
)

// lsnTracker hands out monotonically increasing commit sequence numbers.
type lsnTracker struct {
	current uint64
}

func newLSNTracker(start uint64) *lsnTracker {
	return &lsnTracker{current: start}
}

func (lt *lsnTracker) next() uint64 {
	return atomic.AddUint64(&lt.current, 1)
}

func (lt *lsnTracker) value() uint64 {
	return atomic.LoadUint64(&lt.current)
}

// txRegistry tracks active read snapshots so a future vacuum pass can find
// the oldest LSN any transaction might still observe.
type txRegistry struct {
	mu         sync.Mutex
	active     map[*txn]struct{}
	minActive  uint64
	minIsValid bool
}

func newTxRegistry() *txRegistry {
	return &txRegistry{active: make(map[*txn]struct{}), minActive: math.MaxUint64}
}

func (r *txRegistry) register(t *txn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[t] = struct{}{}
	if t.snapshotLSN < r.minActive {
		r.minActive = t.snapshotLSN
	}
}

func (r *txRegistry) unregister(t *txn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, t)
	if len(r.active) == 0 {
		r.minActive = math.MaxUint64
		return
	}
	min := uint64(math.MaxUint64)
	for a := range r.active {
		if a.snapshotLSN < min {
			min = a.snapshotLSN
		}
	}
	r.minActive = min
}

// minActiveLSN returns the smallest snapshot LSN among active transactions,
// or math.MaxUint64 if none are active.
func (r *txRegistry) minActiveLSN() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.minActive
}
