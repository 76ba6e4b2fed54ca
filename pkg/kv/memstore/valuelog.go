package memstore

import "sync"

// recordHeader carries one version's MVCC metadata in the in-RAM version
// chain.
type recordHeader struct {
	createLSN uint64
	deleteLSN uint64 // 0 means "not deleted"
	prevOffset int64 // -1 terminates the chain
}

type valueRecord struct {
	doc    []byte
	header recordHeader
}

// valueLog is an append-only, in-memory arena of document versions. Each
// write appends a new version and returns its offset; the offset becomes the
// head of that key's version chain, threaded through prevOffset so older
// snapshots can still read the value as of their own commit point. The
// in-memory backend has no durability requirement of its own, so there is
// no on-disk segment machinery behind the arena.
type valueLog struct {
	mu      sync.RWMutex
	records []valueRecord
}

func newValueLog() *valueLog {
	return &valueLog{}
}

func (v *valueLog) write(doc []byte, createLSN uint64, prevOffset int64) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	cp := make([]byte, len(doc))
	copy(cp, doc)
	offset := int64(len(v.records))
	v.records = append(v.records, valueRecord{doc: cp, header: recordHeader{createLSN: createLSN, prevOffset: prevOffset}})
	return offset
}

func (v *valueLog) markDeleted(offset int64, deleteLSN uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if offset < 0 || int(offset) >= len(v.records) {
		return
	}
	v.records[offset].header.deleteLSN = deleteLSN
}

// readVisible walks the version chain starting at headOffset looking for
// the newest version whose createLSN is visible as of snapshotLSN, applying
// the usual MVCC rule: a version is visible iff it was created at or before
// the snapshot and (not deleted, or deleted strictly after the snapshot).
func (v *valueLog) readVisible(headOffset int64, snapshotLSN uint64) ([]byte, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	offset := headOffset
	for offset >= 0 && int(offset) < len(v.records) {
		rec := v.records[offset]
		if rec.header.createLSN <= snapshotLSN {
			if rec.header.deleteLSN != 0 && rec.header.deleteLSN <= snapshotLSN {
				return nil, false
			}
			return rec.doc, true
		}
		offset = rec.header.prevOffset
	}
	return nil, false
}
