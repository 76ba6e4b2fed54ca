package planexec

import (
	"errors"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/bobboyms/bsondb/pkg/bsonraw"
	"github.com/bobboyms/bsondb/pkg/encoding"
	berrors "github.com/bobboyms/bsondb/pkg/errors"
	"github.com/bobboyms/bsondb/pkg/kv"
	"github.com/bobboyms/bsondb/pkg/query"
)

// Row is what the raw tier operates on: a primary key plus either a fully
// materialized document, a carried scalar (index-covered, no document
// fetched), or an ArrayValue (the single pseudo-row Distinct emits).
type Row struct {
	PK         bson.RawValue
	Carried    *bson.RawValue
	Doc        bson.Raw
	ArrayValue *bson.RawValue
}

// RowIterator is the raw tier's pull interface.
type RowIterator interface {
	Next() (Row, bool, error)
	Close() error
}

// --- ReadRecord ---------------------------------------------------------

type readRecordIter struct {
	child     IDIterator
	txn       kv.Txn
	pending   []Row
	pos       int
	eagerDone bool
}

// ReadRecord bridges the ID tier to the raw tier. Rows that already carry
// their document bytes (Scan's output) are threaded straight through with
// no extra store access; rows that only carry an id (IndexScan/IndexMerge
// output) are drained into a batch and resolved with one MultiGet.
func ReadRecord(txn kv.Txn, child IDIterator) RowIterator {
	return &readRecordIter{child: child, txn: txn}
}

func (r *readRecordIter) Next() (Row, bool, error) {
	if r.pending != nil || r.eagerDone {
		if r.pos >= len(r.pending) {
			return Row{}, false, nil
		}
		row := r.pending[r.pos]
		r.pos++
		return row, true, nil
	}

	idRow, ok, err := r.child.Next()
	if err != nil {
		return Row{}, false, err
	}
	if !ok {
		r.eagerDone = true
		return Row{}, false, nil
	}

	if idRow.RawDoc != nil {
		return Row{PK: idRow.PK, Doc: bson.Raw(idRow.RawDoc)}, true, nil
	}

	// No doc bytes on this first row: drain the rest of the child and
	// resolve every id with one batched MultiGet.
	ids := []IDRow{idRow}
	for {
		next, ok, err := r.child.Next()
		if err != nil {
			return Row{}, false, err
		}
		if !ok {
			break
		}
		ids = append(ids, next)
	}

	keys := make([][]byte, len(ids))
	for i, row := range ids {
		key, err := encoding.EncodeRecordKey(row.PK)
		if err != nil {
			return Row{}, false, err
		}
		keys[i] = key
	}
	values, oks, err := r.txn.MultiGet(keys)
	if err != nil {
		return Row{}, false, err
	}

	var rows []Row
	for i, row := range ids {
		if !oks[i] {
			continue
		}
		rows = append(rows, Row{PK: row.PK, Carried: row.Carried, Doc: bson.Raw(values[i].Bytes())})
	}
	r.pending = rows
	if len(rows) == 0 {
		r.eagerDone = true
		return Row{}, false, nil
	}
	row := rows[0]
	r.pos = 1
	return row, true, nil
}

func (r *readRecordIter) Close() error { return r.child.Close() }

// --- Filter --------------------------------------------------------------

type filterIter struct {
	predicate query.Node
	child     RowIterator
}

// Filter yields only rows whose document satisfies predicate under
// query.Evaluate.
func Filter(predicate query.Node, child RowIterator) RowIterator {
	if predicate == nil {
		return child
	}
	return &filterIter{predicate: predicate, child: child}
}

func (f *filterIter) Next() (Row, bool, error) {
	for {
		row, ok, err := f.child.Next()
		if err != nil {
			return Row{}, false, err
		}
		if !ok {
			return Row{}, false, nil
		}
		matched, err := query.Evaluate(f.predicate, row.Doc)
		if err != nil {
			// A single record's evaluation failure rejects that record and
			// keeps scanning; a serialization failure means the stream
			// itself is bad and aborts the whole query.
			var serr *berrors.SerializationError
			if errors.As(err, &serr) {
				return Row{}, false, err
			}
			continue
		}
		if matched {
			return row, true, nil
		}
	}
}

func (f *filterIter) Close() error { return f.child.Close() }

// --- Sort ------------------------------------------------------------

type sliceRowIter struct {
	rows []Row
	pos  int
}

func (s *sliceRowIter) Next() (Row, bool, error) {
	if s.pos >= len(s.rows) {
		return Row{}, false, nil
	}
	row := s.rows[s.pos]
	s.pos++
	return row, true, nil
}

func (s *sliceRowIter) Close() error { return nil }

// Sort drains child and orders it by keys. If child yields a single
// ArrayValue row (Distinct's output), its elements are sorted as scalars
// in place instead.
func Sort(keys []query.SortKey, child RowIterator) (RowIterator, error) {
	var rows []Row
	for {
		row, ok, err := child.Next()
		if err != nil {
			child.Close()
			return nil, err
		}
		if !ok {
			break
		}
		rows = append(rows, row)
	}
	if err := child.Close(); err != nil {
		return nil, err
	}

	if len(rows) == 1 && rows[0].ArrayValue != nil {
		desc := len(keys) > 0 && keys[0].Direction == query.Desc
		sorted, err := sortArrayValue(*rows[0].ArrayValue, desc)
		if err != nil {
			return nil, err
		}
		return &sliceRowIter{rows: []Row{{ArrayValue: &sorted}}}, nil
	}

	sort.SliceStable(rows, func(i, j int) bool {
		for _, key := range keys {
			ai, _ := bsonraw.GetPathValues(rows[i].Doc, key.Field)
			bi, _ := bsonraw.GetPathValues(rows[j].Doc, key.Field)
			av := firstOrNull(ai)
			bv := firstOrNull(bi)
			cmp, ok := bsonraw.Compare(av, bv)
			if !ok || cmp == 0 {
				continue
			}
			if key.Direction == query.Desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	return &sliceRowIter{rows: rows}, nil
}

func firstOrNull(values []bson.RawValue) bson.RawValue {
	if len(values) == 0 {
		return bson.RawValue{}
	}
	return values[0]
}

func sortArrayValue(arrayValue bson.RawValue, desc bool) (bson.RawValue, error) {
	arr, ok := arrayValue.ArrayOK()
	if !ok {
		return bson.RawValue{}, &berrors.TypeMismatchError{Want: "array", Got: arrayValue.Type.String()}
	}
	elems, err := arr.Values()
	if err != nil {
		return bson.RawValue{}, err
	}
	sort.SliceStable(elems, func(i, j int) bool {
		cmp, ok := bsonraw.Compare(elems[i], elems[j])
		if !ok {
			return false
		}
		if desc {
			return cmp > 0
		}
		return cmp < 0
	})
	return rebuildArray(elems)
}

func rebuildArray(elems []bson.RawValue) (bson.RawValue, error) {
	a := make(bson.A, len(elems))
	for i, e := range elems {
		a[i] = e
	}
	doc, err := bson.Marshal(bson.D{{Key: "v", Value: a}})
	if err != nil {
		return bson.RawValue{}, err
	}
	return bson.Raw(doc).LookupErr("v")
}

// --- Limit ---------------------------------------------------------------

// Limit applies skip/take to child. For a single ArrayValue row (Distinct's
// output) it slices the array's elements instead of the row stream.
func Limit(skip, take int, child RowIterator) (RowIterator, error) {
	row, ok, err := child.Next()
	if err != nil {
		return nil, err
	}
	if ok && row.ArrayValue != nil {
		_, more, err := child.Next()
		if err != nil {
			return nil, err
		}
		if more {
			return nil, errUnexpectedRowAfterArrayValue
		}
		sliced, err := sliceArrayValue(*row.ArrayValue, skip, take)
		if err != nil {
			return nil, err
		}
		return &sliceRowIter{rows: []Row{{ArrayValue: &sliced}}}, nil
	}

	var rows []Row
	if ok {
		rows = append(rows, row)
	}
	for {
		next, more, err := child.Next()
		if err != nil {
			return nil, err
		}
		if !more {
			break
		}
		rows = append(rows, next)
	}
	if err := child.Close(); err != nil {
		return nil, err
	}

	if skip > len(rows) {
		skip = len(rows)
	}
	rows = rows[skip:]
	if take > 0 && take < len(rows) {
		rows = rows[:take]
	}
	return &sliceRowIter{rows: rows}, nil
}

var errUnexpectedRowAfterArrayValue = &limitError{"planexec: row following an ArrayValue row"}

type limitError struct{ msg string }

func (e *limitError) Error() string { return e.msg }

func sliceArrayValue(arrayValue bson.RawValue, skip, take int) (bson.RawValue, error) {
	arr, ok := arrayValue.ArrayOK()
	if !ok {
		return bson.RawValue{}, &berrors.TypeMismatchError{Want: "array", Got: arrayValue.Type.String()}
	}
	elems, err := arr.Values()
	if err != nil {
		return bson.RawValue{}, err
	}
	if skip > len(elems) {
		skip = len(elems)
	}
	elems = elems[skip:]
	if take > 0 && take < len(elems) {
		elems = elems[:take]
	}
	return rebuildArray(elems)
}

// --- Distinct --------------------------------------------------------

// Distinct collects every unique, non-null value of field across child,
// unwinding arrays per element, and emits exactly one row carrying the
// result as a BSON array.
func Distinct(field string, child RowIterator) (RowIterator, error) {
	seen := make(map[string]struct{})
	var uniques []bson.RawValue

	for {
		row, ok, err := child.Next()
		if err != nil {
			child.Close()
			return nil, err
		}
		if !ok {
			break
		}
		values, err := bsonraw.GetPathValues(row.Doc, field)
		if err != nil {
			continue
		}
		for _, v := range values {
			if v.Type == bson.TypeNull || v.Type == 0 {
				continue
			}
			key, err := encoding.EncodeScalar(v)
			if err != nil {
				continue
			}
			if _, dup := seen[string(key)]; dup {
				continue
			}
			seen[string(key)] = struct{}{}
			uniques = append(uniques, v)
		}
	}
	if err := child.Close(); err != nil {
		return nil, err
	}

	arrayValue, err := rebuildArray(uniques)
	if err != nil {
		return nil, err
	}
	return &sliceRowIter{rows: []Row{{ArrayValue: &arrayValue}}}, nil
}

// --- Projection --------------------------------------------------------

// Projection builds a fresh document per row containing only columns, in
// the requested order, always including idField. When a row carries no Doc
// (index-covered: Carried is set instead), it is built directly from PK and
// Carried without any store access.
func Projection(idField string, columns []string, child RowIterator) RowIterator {
	return &projectionIter{idField: idField, columns: columns, child: child}
}

type projectionIter struct {
	idField string
	columns []string
	child   RowIterator
}

func (p *projectionIter) Next() (Row, bool, error) {
	row, ok, err := p.child.Next()
	if err != nil || !ok {
		return Row{}, ok, err
	}
	doc, err := p.project(row)
	if err != nil {
		return Row{}, false, err
	}
	return Row{PK: row.PK, Doc: doc}, true, nil
}

func (p *projectionIter) Close() error { return p.child.Close() }

func (p *projectionIter) project(row Row) (bson.Raw, error) {
	var d bson.D
	includedID := false
	for _, col := range p.columns {
		if col == p.idField {
			d = append(d, bson.E{Key: p.idField, Value: row.PK})
			includedID = true
			continue
		}
		if row.Doc != nil {
			// A dotted column prunes the top-level subtree down to the one
			// nested path it names, keyed by the full dotted name, so
			// siblings of the pruned path never leak into the result.
			v, err := row.Doc.LookupErr(strings.Split(col, ".")...)
			if err != nil {
				continue
			}
			d = append(d, bson.E{Key: col, Value: v})
		} else if row.Carried != nil {
			d = append(d, bson.E{Key: col, Value: *row.Carried})
		}
	}
	if !includedID {
		d = append(bson.D{{Key: p.idField, Value: row.PK}}, d...)
	}
	doc, err := bson.Marshal(d)
	if err != nil {
		return nil, err
	}
	return bson.Raw(doc), nil
}
