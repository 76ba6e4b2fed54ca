// Package planexec implements the plan tree's executable nodes: the ID
// tier (Scan, IndexScan, IndexMerge), which produces record ids without
// necessarily materializing documents, and the raw tier (ReadRecord,
// Filter, Sort, Limit, Distinct, Projection), which operates on raw BSON
// views. Every node is pull-based, but not every node is lazy: Sort, Limit
// and Distinct drain their child when constructed, descending
// IndexScanOrdered reads its whole prefix up front, IndexMerge(And)
// materializes its left side, and ReadRecord drains an id-only child on its
// first pull. The other nodes consume from their child only when asked for
// their own next item.
package planexec

import (
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/bobboyms/bsondb/pkg/encoding"
	"github.com/bobboyms/bsondb/pkg/kv"
	"github.com/bobboyms/bsondb/pkg/metrics"
)

// IDRow is what the ID tier yields: a primary key, optionally the value
// that produced an Eq index hit (carried through for index-covered
// projection), and optionally the document's raw bytes when the source
// already had them in hand (a data-key Scan never needs a second fetch).
type IDRow struct {
	PK      bson.RawValue
	Carried *bson.RawValue
	RawDoc  []byte
}

// IDIterator is the ID tier's pull interface.
type IDIterator interface {
	// Next returns the next row; ok is false once the source is exhausted.
	Next() (IDRow, bool, error)
	Close() error
}

const dataPrefix = "d\x00"

type scanIter struct {
	inner kv.Iterator
}

// Scan lazily walks the entire data keyspace of txn, yielding every
// document's primary key alongside its already-fetched raw bytes.
func Scan(txn kv.Txn) (IDIterator, error) {
	inner, err := txn.ScanPrefix([]byte(dataPrefix))
	if err != nil {
		return nil, err
	}
	return &scanIter{inner: inner}, nil
}

func (s *scanIter) Next() (IDRow, bool, error) {
	if !s.inner.Next() {
		return IDRow{}, false, s.inner.Err()
	}
	item := s.inner.Item()
	pkBytes, err := encoding.DecodeRecordKeyID(item.Key)
	if err != nil {
		return IDRow{}, false, err
	}
	pk, _, err := encoding.DecodeScalar(pkBytes)
	if err != nil {
		return IDRow{}, false, err
	}
	metrics.RecordScan()
	return IDRow{PK: pk, RawDoc: item.Value.Bytes()}, true, nil
}

func (s *scanIter) Close() error { s.inner.Close(); return nil }

// IndexDirection is the walk direction of an Ordered IndexScan.
type IndexDirection int

const (
	Ascending IndexDirection = iota
	Descending
)

type indexEqIter struct {
	inner kv.Iterator
	coll  string
	field string
	value bson.RawValue
}

// IndexScanEq scans the i\0{coll}\0{field}\0{value}\0 prefix, yielding
// every record id whose field equals value, carrying value itself through
// (consumed by index-covered projection).
func IndexScanEq(txn kv.Txn, collection, field string, value bson.RawValue) (IDIterator, error) {
	prefix, err := encoding.EncodeIndexPrefix(collection, field, value)
	if err != nil {
		return nil, err
	}
	inner, err := txn.ScanPrefix(prefix)
	if err != nil {
		return nil, err
	}
	return &indexEqIter{inner: inner, coll: collection, field: field, value: value}, nil
}

func (it *indexEqIter) Next() (IDRow, bool, error) {
	if !it.inner.Next() {
		return IDRow{}, false, it.inner.Err()
	}
	item := it.inner.Item()
	pkBytes, err := encoding.DecodeIndexEntryRecordID(it.coll, it.field, item.Key)
	if err != nil {
		return IDRow{}, false, err
	}
	pk, _, err := encoding.DecodeScalar(pkBytes)
	if err != nil {
		return IDRow{}, false, err
	}
	carried := it.value
	metrics.RecordIndexHit(it.field)
	return IDRow{PK: pk, Carried: &carried}, true, nil
}

func (it *indexEqIter) Close() error { it.inner.Close(); return nil }

// indexOrderedAscIter walks an index's field prefix in ascending key order,
// honoring limit and complete_groups without draining the whole index: it
// stops as soon as the limit is reached and, if completeGroups is set, the
// current value-group (the key span sharing the same encoded value) has
// finished.
type indexOrderedAscIter struct {
	inner          kv.Iterator
	coll           string
	field          string
	limit          int
	completeGroups bool
	yielded        int
	limitHit       bool
	lastGroupKey   []byte
	done           bool
}

func (it *indexOrderedAscIter) Next() (IDRow, bool, error) {
	if it.done {
		return IDRow{}, false, nil
	}
	for it.inner.Next() {
		item := it.inner.Item()
		pkBytes, err := encoding.DecodeIndexEntryRecordID(it.coll, it.field, item.Key)
		if err != nil {
			return IDRow{}, false, err
		}
		groupKey := item.Key[:len(item.Key)-len(pkBytes)]

		if it.limitHit {
			if !it.completeGroups || !bytesEqual(groupKey, it.lastGroupKey) {
				it.done = true
				return IDRow{}, false, nil
			}
		}

		pk, _, err := encoding.DecodeScalar(pkBytes)
		if err != nil {
			return IDRow{}, false, err
		}
		it.yielded++
		it.lastGroupKey = groupKey
		if it.limit > 0 && it.yielded >= it.limit {
			it.limitHit = true
		}
		metrics.RecordIndexHit(it.field)
		return IDRow{PK: pk}, true, nil
	}
	it.done = true
	return IDRow{}, false, it.inner.Err()
}

func (it *indexOrderedAscIter) Close() error { it.inner.Close(); return nil }

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type sliceIDIter struct {
	rows []IDRow
	pos  int
}

func (s *sliceIDIter) Next() (IDRow, bool, error) {
	if s.pos >= len(s.rows) {
		return IDRow{}, false, nil
	}
	row := s.rows[s.pos]
	s.pos++
	return row, true, nil
}

func (s *sliceIDIter) Close() error { return nil }

// IndexScanOrdered walks field's index in direction, yielding up to limit
// ids (0 means unlimited), extended to finish the current value-group when
// completeGroups is set. Descending order has no native support in the
// kv.Txn contract (ScanPrefix is always ascending), so it is implemented by
// draining the whole prefix and reversing in memory; ascending is the
// path the planner's indexed-sort elision exercises for lazy,
// limit-bounded reads.
func IndexScanOrdered(txn kv.Txn, collection, field string, direction IndexDirection, limit int, completeGroups bool) (IDIterator, error) {
	prefix, err := encoding.EncodeIndexPrefix(collection, field)
	if err != nil {
		return nil, err
	}
	inner, err := txn.ScanPrefix(prefix)
	if err != nil {
		return nil, err
	}

	if direction == Ascending {
		return &indexOrderedAscIter{inner: inner, coll: collection, field: field, limit: limit, completeGroups: completeGroups}, nil
	}

	defer inner.Close()
	var rows []IDRow
	var groups [][]byte
	for inner.Next() {
		item := inner.Item()
		pkBytes, err := encoding.DecodeIndexEntryRecordID(collection, field, item.Key)
		if err != nil {
			return nil, err
		}
		pk, _, err := encoding.DecodeScalar(pkBytes)
		if err != nil {
			return nil, err
		}
		rows = append(rows, IDRow{PK: pk})
		groups = append(groups, append([]byte(nil), item.Key[:len(item.Key)-len(pkBytes)]...))
	}
	if err := inner.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
		groups[i], groups[j] = groups[j], groups[i]
	}
	if completeGroups && limit > 0 && limit < len(rows) {
		limit = extendToGroupBoundaryDesc(groups, limit)
	}
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	for range rows {
		metrics.RecordIndexHit(field)
	}
	return &sliceIDIter{rows: rows}, nil
}

// extendToGroupBoundaryDesc grows limit over the materialized descending
// rows until the row at limit no longer shares the encoded value group
// (groups[i] is row i's index key without its record id) of the last row
// kept.
func extendToGroupBoundaryDesc(groups [][]byte, limit int) int {
	for limit < len(groups) && bytesEqual(groups[limit], groups[limit-1]) {
		limit++
	}
	return limit
}

// MergeOp is the IndexMerge combination operator.
type MergeOp int

const (
	MergeOr MergeOp = iota
	MergeAnd
)

type mergeOrIter struct {
	lhs, rhs IDIterator
	seen     map[string]struct{}
	lhsDone  bool
}

// IndexMerge combines lhs and rhs per op. Carried values are dropped on
// merge since a merged id may have come from either branch.
func IndexMerge(op MergeOp, lhs, rhs IDIterator) IDIterator {
	switch op {
	case MergeAnd:
		return &mergeAndIter{lhs: lhs, rhs: rhs}
	default:
		return &mergeOrIter{lhs: lhs, rhs: rhs, seen: make(map[string]struct{})}
	}
}

func (m *mergeOrIter) Next() (IDRow, bool, error) {
	if !m.lhsDone {
		row, ok, err := m.lhs.Next()
		if err != nil {
			return IDRow{}, false, err
		}
		if ok {
			key, err := encoding.EncodeScalar(row.PK)
			if err != nil {
				return IDRow{}, false, err
			}
			m.seen[string(key)] = struct{}{}
			return IDRow{PK: row.PK}, true, nil
		}
		m.lhsDone = true
	}
	for {
		row, ok, err := m.rhs.Next()
		if err != nil {
			return IDRow{}, false, err
		}
		if !ok {
			return IDRow{}, false, nil
		}
		key, err := encoding.EncodeScalar(row.PK)
		if err != nil {
			return IDRow{}, false, err
		}
		if _, dup := m.seen[string(key)]; dup {
			continue
		}
		m.seen[string(key)] = struct{}{}
		return IDRow{PK: row.PK}, true, nil
	}
}

func (m *mergeOrIter) Close() error {
	err1 := m.lhs.Close()
	err2 := m.rhs.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

type mergeAndIter struct {
	lhs, rhs IDIterator
	lhsSet   map[string]bson.RawValue
	built    bool
}

func (m *mergeAndIter) Next() (IDRow, bool, error) {
	if !m.built {
		m.lhsSet = make(map[string]bson.RawValue)
		for {
			row, ok, err := m.lhs.Next()
			if err != nil {
				return IDRow{}, false, err
			}
			if !ok {
				break
			}
			key, err := encoding.EncodeScalar(row.PK)
			if err != nil {
				return IDRow{}, false, err
			}
			m.lhsSet[string(key)] = row.PK
		}
		m.built = true
	}
	for {
		row, ok, err := m.rhs.Next()
		if err != nil {
			return IDRow{}, false, err
		}
		if !ok {
			return IDRow{}, false, nil
		}
		key, err := encoding.EncodeScalar(row.PK)
		if err != nil {
			return IDRow{}, false, err
		}
		if _, present := m.lhsSet[string(key)]; present {
			return IDRow{PK: row.PK}, true, nil
		}
	}
}

func (m *mergeAndIter) Close() error {
	err1 := m.lhs.Close()
	err2 := m.rhs.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
