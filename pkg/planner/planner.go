// Package planner implements index selection: given a parsed query and a
// collection's ordered indexed-field list, it assembles a pkg/planexec node
// tree that agrees with query.Evaluate on every input while preferring an
// indexed path whenever the filter, sort, and projection shape allows it.
package planner

import (
	"golang.org/x/exp/slices"

	"github.com/bobboyms/bsondb/pkg/kv"
	"github.com/bobboyms/bsondb/pkg/planexec"
	"github.com/bobboyms/bsondb/pkg/query"
)

type sourceKind int

const (
	sourceScan sourceKind = iota
	sourceIndexEq
	sourceIndexMerge
	sourceIndexOrdered
)

// planSourceResult is the chosen ID-tier leaf plus enough metadata for the
// optimizations layered on top (index-covered projection needs to know the
// single Eq field; indexed-sort elision only fires over a Scan fallback).
type planSourceResult struct {
	kind    sourceKind
	eqField string
	build   func(txn kv.Txn) (planexec.IDIterator, error)
}

func scanSource() planSourceResult {
	return planSourceResult{kind: sourceScan, build: func(txn kv.Txn) (planexec.IDIterator, error) {
		return planexec.Scan(txn)
	}}
}

// planSource chooses the ID-tier leaf for filter and returns the residual
// predicate (nil if the index fully covers the filter). filter is nil, a
// bare query.Condition, or a *query.Group; query.Parse always produces the
// latter at the root, but a hand-built query.Query may pass either.
func planSource(collection string, indexedFields []string, filter query.Node) (planSourceResult, query.Node) {
	switch f := filter.(type) {
	case nil:
		return scanSource(), nil
	case query.Condition:
		return planAndGroup(collection, indexedFields, &query.Group{Logical: query.LogicalAnd, Children: []query.Node{f}})
	case *query.Group:
		if f.Logical == query.LogicalOr {
			return planOrRoot(collection, indexedFields, f)
		}
		return planAndGroup(collection, indexedFields, f)
	default:
		return scanSource(), filter
	}
}

// planAndGroup performs the two-pass AND-group index selection:
// direct-Eq first, OR-subgroup second, Scan fallback last.
func planAndGroup(collection string, indexedFields []string, group *query.Group) (planSourceResult, query.Node) {
	for _, field := range indexedFields {
		for i, child := range group.Children {
			cond, ok := child.(query.Condition)
			if !ok || cond.Operator != query.OpEq || cond.Field != field {
				continue
			}
			fieldCopy, value := field, cond.Value
			src := planSourceResult{
				kind:    sourceIndexEq,
				eqField: fieldCopy,
				build: func(txn kv.Txn) (planexec.IDIterator, error) {
					return planexec.IndexScanEq(txn, collection, fieldCopy, value)
				},
			}
			return src, removeChild(group, i)
		}
	}

	for _, child := range group.Children {
		sub, ok := child.(*query.Group)
		if !ok || sub.Logical != query.LogicalOr {
			continue
		}
		if src, ok := planPureOr(collection, indexedFields, sub); ok {
			// The consumed OR branch still rechecks in full: an IndexMerge
			// only narrows candidates, it does not replace the predicate.
			return src, group
		}
	}

	return scanSource(), group
}

// planOrRoot handles a root-level OR group: only qualifies as an
// index-only source if every branch does: otherwise the unindexable
// branch forces a full Scan plus the original filter as residual.
func planOrRoot(collection string, indexedFields []string, group *query.Group) (planSourceResult, query.Node) {
	if src, ok := planPureOr(collection, indexedFields, group); ok {
		return src, nil
	}
	return scanSource(), group
}

func planPureOr(collection string, indexedFields []string, group *query.Group) (planSourceResult, bool) {
	if group.Logical != query.LogicalOr || len(group.Children) == 0 {
		return planSourceResult{}, false
	}
	sources := make([]planSourceResult, 0, len(group.Children))
	for _, child := range group.Children {
		src, ok := planPureLeaf(collection, indexedFields, child)
		if !ok {
			return planSourceResult{}, false
		}
		sources = append(sources, src)
	}
	return foldIndexMerge(planexec.MergeOr, sources), true
}

// planPureLeaf recognizes a node that reduces to an index source with no
// residual: a direct Eq on an indexed field, a nested OR whose every
// branch qualifies, or a single-child AND wrapping a qualifying node.
func planPureLeaf(collection string, indexedFields []string, node query.Node) (planSourceResult, bool) {
	switch n := node.(type) {
	case query.Condition:
		if n.Operator != query.OpEq || !isIndexed(n.Field, indexedFields) {
			return planSourceResult{}, false
		}
		field, value := n.Field, n.Value
		return planSourceResult{
			kind:    sourceIndexEq,
			eqField: field,
			build: func(txn kv.Txn) (planexec.IDIterator, error) {
				return planexec.IndexScanEq(txn, collection, field, value)
			},
		}, true
	case *query.Group:
		switch n.Logical {
		case query.LogicalOr:
			return planPureOr(collection, indexedFields, n)
		case query.LogicalAnd:
			if len(n.Children) != 1 {
				return planSourceResult{}, false
			}
			return planPureLeaf(collection, indexedFields, n.Children[0])
		}
	}
	return planSourceResult{}, false
}

// foldIndexMerge left-associatively folds sources' builders into a single
// IndexMerge chain.
func foldIndexMerge(op planexec.MergeOp, sources []planSourceResult) planSourceResult {
	build := sources[0].build
	for _, s := range sources[1:] {
		lhsBuild, rhsBuild := build, s.build
		build = func(txn kv.Txn) (planexec.IDIterator, error) {
			lhs, err := lhsBuild(txn)
			if err != nil {
				return nil, err
			}
			rhs, err := rhsBuild(txn)
			if err != nil {
				lhs.Close()
				return nil, err
			}
			return planexec.IndexMerge(op, lhs, rhs), nil
		}
	}
	return planSourceResult{kind: sourceIndexMerge, build: build}
}

func isIndexed(field string, indexedFields []string) bool {
	return slices.Contains(indexedFields, field)
}

func removeChild(group *query.Group, idx int) query.Node {
	children := make([]query.Node, 0, len(group.Children)-1)
	for i, c := range group.Children {
		if i == idx {
			continue
		}
		children = append(children, c)
	}
	if len(children) == 0 {
		return nil
	}
	return &query.Group{Logical: group.Logical, Children: children}
}

func allColumnsCoveredBy(columns []string, field string) bool {
	if len(columns) == 0 {
		return false
	}
	for _, c := range columns {
		if c != "_id" && c != field {
			return false
		}
	}
	return true
}

// coveredRowIter adapts an ID-tier iterator directly into a raw-tier
// RowIterator using only the carried Eq value, skipping ReadRecord
// entirely (index-covered projection).
type coveredRowIter struct {
	ids planexec.IDIterator
}

func (c *coveredRowIter) Next() (planexec.Row, bool, error) {
	row, ok, err := c.ids.Next()
	if err != nil || !ok {
		return planexec.Row{}, ok, err
	}
	return planexec.Row{PK: row.PK, Carried: row.Carried}, true, nil
}

func (c *coveredRowIter) Close() error { return c.ids.Close() }

// Find assembles and runs the plan tree for q against collection, whose
// indexed fields are given in index-selection priority order. idField is
// the collection's primary-key path (conventionally "_id").
func Find(txn kv.Txn, collection, idField string, indexedFields []string, q *query.Query) (planexec.RowIterator, error) {
	src, residual := planSource(collection, indexedFields, q.Filter)

	sortKeys := q.Sort
	if src.kind == sourceScan && len(sortKeys) > 0 && q.Take > 0 && isIndexed(sortKeys[0].Field, indexedFields) {
		first := sortKeys[0]
		dir := planexec.Ascending
		if first.Direction == query.Desc {
			dir = planexec.Descending
		}
		limit := q.Skip + q.Take
		completeGroups := len(sortKeys) > 1
		field := first.Field
		src = planSourceResult{
			kind: sourceIndexOrdered,
			build: func(txn kv.Txn) (planexec.IDIterator, error) {
				return planexec.IndexScanOrdered(txn, collection, field, dir, limit, completeGroups)
			},
		}
		if !completeGroups {
			sortKeys = nil
		}
	}

	covered := src.kind == sourceIndexEq && len(sortKeys) == 0 && residual == nil && allColumnsCoveredBy(q.Columns, src.eqField)

	idIter, err := src.build(txn)
	if err != nil {
		return nil, err
	}

	var rows planexec.RowIterator
	if covered {
		rows = &coveredRowIter{ids: idIter}
	} else {
		rows = planexec.ReadRecord(txn, idIter)
		if residual != nil {
			rows = planexec.Filter(residual, rows)
		}
	}

	if len(sortKeys) > 0 {
		rows, err = planexec.Sort(sortKeys, rows)
		if err != nil {
			return nil, err
		}
	}

	if q.Skip > 0 || q.Take > 0 {
		rows, err = planexec.Limit(q.Skip, q.Take, rows)
		if err != nil {
			return nil, err
		}
	}

	if len(q.Columns) > 0 {
		rows = planexec.Projection(idField, q.Columns, rows)
	}
	return rows, nil
}

// Count runs the same index selection as Find but skips document
// materialization whenever the chosen index fully covers filter: it then
// just counts ID-tier rows. A non-empty residual still
// requires fetching and filtering documents; there is no way to count a
// partially-indexed predicate without evaluating it.
func Count(txn kv.Txn, collection string, indexedFields []string, filter query.Node) (int, error) {
	src, residual := planSource(collection, indexedFields, filter)
	idIter, err := src.build(txn)
	if err != nil {
		return 0, err
	}

	if residual == nil {
		n := 0
		for {
			_, ok, err := idIter.Next()
			if err != nil {
				idIter.Close()
				return 0, err
			}
			if !ok {
				break
			}
			n++
		}
		return n, idIter.Close()
	}

	rows := planexec.Filter(residual, planexec.ReadRecord(txn, idIter))
	n := 0
	for {
		_, ok, err := rows.Next()
		if err != nil {
			rows.Close()
			return 0, err
		}
		if !ok {
			break
		}
		n++
	}
	return n, rows.Close()
}

// Distinct runs the same index selection as Find, then collapses the
// surviving documents to field's unique values, with Sort and Limit
// operating on the resulting array rather than the row stream.
func Distinct(txn kv.Txn, collection string, indexedFields []string, field string, filter query.Node, sort []query.SortKey, skip, take int) (planexec.RowIterator, error) {
	src, residual := planSource(collection, indexedFields, filter)
	idIter, err := src.build(txn)
	if err != nil {
		return nil, err
	}

	rows := planexec.ReadRecord(txn, idIter)
	if residual != nil {
		rows = planexec.Filter(residual, rows)
	}

	distinctRows, err := planexec.Distinct(field, rows)
	if err != nil {
		return nil, err
	}

	if len(sort) > 0 {
		distinctRows, err = planexec.Sort(sort, distinctRows)
		if err != nil {
			return nil, err
		}
	}
	if skip > 0 || take > 0 {
		distinctRows, err = planexec.Limit(skip, take, distinctRows)
		if err != nil {
			return nil, err
		}
	}
	return distinctRows, nil
}
