package planexec

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/bobboyms/bsondb/pkg/encoding"
	"github.com/bobboyms/bsondb/pkg/indexmaint"
	"github.com/bobboyms/bsondb/pkg/kv"
	"github.com/bobboyms/bsondb/pkg/kv/memstore"
	"github.com/bobboyms/bsondb/pkg/query"
)

const testColl = "users"

func mustDoc(t *testing.T, d bson.D) bson.Raw {
	t.Helper()
	b, err := bson.Marshal(d)
	require.NoError(t, err)
	return bson.Raw(b)
}

func pkValueOf(t *testing.T, doc bson.Raw) bson.RawValue {
	t.Helper()
	v, err := doc.LookupErr("_id")
	require.NoError(t, err)
	return v
}

func insertDoc(t *testing.T, txn kv.Txn, doc bson.Raw, indexedFields []string) {
	t.Helper()
	pk := pkValueOf(t, doc)
	dataKey, err := encoding.EncodeRecordKey(pk)
	require.NoError(t, err)
	require.NoError(t, txn.Put(dataKey, []byte(doc)))

	diff, err := indexmaint.ForInsert(doc, indexedFields)
	require.NoError(t, err)
	for _, e := range diff.Puts {
		key, err := encoding.EncodeIndexKey(testColl, e.Field, e.Value, pk)
		require.NoError(t, err)
		require.NoError(t, txn.Put(key, []byte{}))
	}
}

func setupTxn(t *testing.T) kv.Txn {
	t.Helper()
	store := memstore.New()
	txn, err := store.Begin(false)
	require.NoError(t, err)

	docs := []bson.D{
		{{Key: "_id", Value: "1"}, {Key: "user_id", Value: "a"}, {Key: "status", Value: "active"}, {Key: "score", Value: int32(10)}},
		{{Key: "_id", Value: "2"}, {Key: "user_id", Value: "a"}, {Key: "status", Value: "archived"}, {Key: "score", Value: int32(50)}},
		{{Key: "_id", Value: "3"}, {Key: "user_id", Value: "b"}, {Key: "status", Value: "active"}, {Key: "score", Value: int32(30)}},
		{{Key: "_id", Value: "4"}, {Key: "user_id", Value: "a"}, {Key: "status", Value: "active"}, {Key: "tags", Value: bson.A{"x", "y", "z"}}},
	}
	for _, d := range docs {
		insertDoc(t, txn, mustDoc(t, d), []string{"user_id", "status"})
	}
	return txn
}

func collectIDs(t *testing.T, it IDIterator) []string {
	t.Helper()
	var out []string
	for {
		row, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		s, ok := row.PK.StringValueOK()
		require.True(t, ok)
		out = append(out, s)
	}
	require.NoError(t, it.Close())
	return out
}

func collectDocIDs(t *testing.T, it RowIterator) []string {
	t.Helper()
	var out []string
	for {
		row, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		v, err := row.Doc.LookupErr("_id")
		require.NoError(t, err)
		s, _ := v.StringValueOK()
		out = append(out, s)
	}
	require.NoError(t, it.Close())
	return out
}

func TestScan_YieldsAllDocsWithRawDoc(t *testing.T) {
	txn := setupTxn(t)
	it, err := Scan(txn)
	require.NoError(t, err)
	ids := collectIDs(t, it)
	require.ElementsMatch(t, []string{"1", "2", "3", "4"}, ids)
}

func TestIndexScanEq_FindsMatchingDocs(t *testing.T) {
	txn := setupTxn(t)
	v, err := bson.Raw(mustMarshal(t, bson.D{{Key: "v", Value: "a"}})).LookupErr("v")
	require.NoError(t, err)

	it, err := IndexScanEq(txn, testColl, "user_id", v)
	require.NoError(t, err)
	ids := collectIDs(t, it)
	require.ElementsMatch(t, []string{"1", "2", "4"}, ids)
}

func mustMarshal(t *testing.T, d bson.D) []byte {
	t.Helper()
	b, err := bson.Marshal(d)
	require.NoError(t, err)
	return b
}

func valueOf(t *testing.T, s string) bson.RawValue {
	t.Helper()
	v, err := bson.Raw(mustMarshal(t, bson.D{{Key: "v", Value: s}})).LookupErr("v")
	require.NoError(t, err)
	return v
}

func TestIndexMerge_Or_DedupsAcrossBranches(t *testing.T) {
	txn := setupTxn(t)
	lhs, err := IndexScanEq(txn, testColl, "user_id", valueOf(t, "a"))
	require.NoError(t, err)
	rhs, err := IndexScanEq(txn, testColl, "status", valueOf(t, "active"))
	require.NoError(t, err)

	merged := IndexMerge(MergeOr, lhs, rhs)
	ids := collectIDs(t, merged)
	require.ElementsMatch(t, []string{"1", "2", "4", "3"}, ids)
}

func TestIndexMerge_And_OnlyCommonIDs(t *testing.T) {
	txn := setupTxn(t)
	lhs, err := IndexScanEq(txn, testColl, "user_id", valueOf(t, "a"))
	require.NoError(t, err)
	rhs, err := IndexScanEq(txn, testColl, "status", valueOf(t, "active"))
	require.NoError(t, err)

	merged := IndexMerge(MergeAnd, lhs, rhs)
	ids := collectIDs(t, merged)
	require.ElementsMatch(t, []string{"1", "4"}, ids)
}

func TestReadRecord_FastPathFromScan(t *testing.T) {
	txn := setupTxn(t)
	idIter, err := Scan(txn)
	require.NoError(t, err)
	rows := ReadRecord(txn, idIter)
	ids := collectDocIDs(t, rows)
	require.ElementsMatch(t, []string{"1", "2", "3", "4"}, ids)
}

func TestReadRecord_BatchPathFromIndexScan(t *testing.T) {
	txn := setupTxn(t)
	idIter, err := IndexScanEq(txn, testColl, "user_id", valueOf(t, "a"))
	require.NoError(t, err)
	rows := ReadRecord(txn, idIter)
	ids := collectDocIDs(t, rows)
	require.ElementsMatch(t, []string{"1", "2", "4"}, ids)
}

func TestFilter_AppliesResidualPredicate(t *testing.T) {
	txn := setupTxn(t)
	idIter, err := IndexScanEq(txn, testColl, "user_id", valueOf(t, "a"))
	require.NoError(t, err)
	rows := ReadRecord(txn, idIter)

	cond := query.Condition{Field: "status", Operator: query.OpEq, Value: valueOf(t, "archived")}
	filtered := Filter(cond, rows)
	ids := collectDocIDs(t, filtered)
	require.Equal(t, []string{"2"}, ids)
}

func TestSort_OrdersByKeyDescending(t *testing.T) {
	txn := setupTxn(t)
	idIter, err := Scan(txn)
	require.NoError(t, err)
	cond := query.Condition{Field: "status", Operator: query.OpEq, Value: valueOf(t, "active")}
	rows := Filter(cond, ReadRecord(txn, idIter))

	sorted, err := Sort([]query.SortKey{{Field: "score", Direction: query.Desc}}, rows)
	require.NoError(t, err)
	ids := collectDocIDs(t, sorted)
	// doc 4 has no score field (null sorts first), so descending order
	// places it last.
	require.Equal(t, []string{"3", "1", "4"}, ids)
}

func TestLimit_SkipOneTakeTwo(t *testing.T) {
	txn := setupTxn(t)
	idIter, err := Scan(txn)
	require.NoError(t, err)
	rows := ReadRecord(txn, idIter)
	sorted, err := Sort([]query.SortKey{{Field: "_id", Direction: query.Asc}}, rows)
	require.NoError(t, err)

	limited, err := Limit(1, 2, sorted)
	require.NoError(t, err)
	ids := collectDocIDs(t, limited)
	require.Equal(t, []string{"2", "3"}, ids)
}

func TestDistinct_CollectsUniqueScalarValues(t *testing.T) {
	txn := setupTxn(t)
	idIter, err := Scan(txn)
	require.NoError(t, err)
	rows := ReadRecord(txn, idIter)

	distinct, err := Distinct("status", rows)
	require.NoError(t, err)

	row, ok, err := distinct.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, row.ArrayValue)

	arr, ok := row.ArrayValue.ArrayOK()
	require.True(t, ok)
	vals, err := arr.Values()
	require.NoError(t, err)
	var got []string
	for _, v := range vals {
		s, _ := v.StringValueOK()
		got = append(got, s)
	}
	require.ElementsMatch(t, []string{"active", "archived"}, got)
}

func TestProjection_IndexCoveredUsesCarriedValue(t *testing.T) {
	txn := setupTxn(t)
	idIter, err := IndexScanEq(txn, testColl, "user_id", valueOf(t, "a"))
	require.NoError(t, err)

	var rows []Row
	for {
		row, ok, err := idIter.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		rows = append(rows, Row{PK: row.PK, Carried: row.Carried})
	}
	require.NoError(t, idIter.Close())

	proj := Projection("_id", []string{"_id", "user_id"}, &sliceRowIter{rows: rows})
	var ids []string
	for {
		row, ok, err := proj.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		idv, err := row.Doc.LookupErr("_id")
		require.NoError(t, err)
		s, _ := idv.StringValueOK()
		ids = append(ids, s)

		uv, err := row.Doc.LookupErr("user_id")
		require.NoError(t, err)
		us, _ := uv.StringValueOK()
		require.Equal(t, "a", us)
	}
	require.ElementsMatch(t, []string{"1", "2", "4"}, ids)
}

func TestProjection_FromFullDocumentIncludesIDAndColumns(t *testing.T) {
	txn := setupTxn(t)
	idIter, err := Scan(txn)
	require.NoError(t, err)
	rows := ReadRecord(txn, idIter)

	proj := Projection("_id", []string{"_id", "score"}, rows)
	row, ok, err := proj.Next()
	require.NoError(t, err)
	require.True(t, ok)
	_, err = row.Doc.LookupErr("_id")
	require.NoError(t, err)
}

func TestIndexScanOrdered_AscendingYieldsValueOrder(t *testing.T) {
	txn := setupTxn(t)
	it, err := IndexScanOrdered(txn, testColl, "status", Ascending, 0, false)
	require.NoError(t, err)
	ids := collectIDs(t, it)
	// "active" sorts before "archived"; ties break by record id.
	require.Equal(t, []string{"1", "3", "4", "2"}, ids)
}

func TestIndexScanOrdered_LimitStopsEarly(t *testing.T) {
	txn := setupTxn(t)
	it, err := IndexScanOrdered(txn, testColl, "status", Ascending, 2, false)
	require.NoError(t, err)
	ids := collectIDs(t, it)
	require.Equal(t, []string{"1", "3"}, ids)
}

func TestIndexScanOrdered_CompleteGroupsFinishesBoundaryValue(t *testing.T) {
	txn := setupTxn(t)
	it, err := IndexScanOrdered(txn, testColl, "status", Ascending, 2, true)
	require.NoError(t, err)
	ids := collectIDs(t, it)
	// The limit lands mid-way through the "active" group, so the scan reads
	// on until that group ends.
	require.Equal(t, []string{"1", "3", "4"}, ids)
}

func TestIndexScanOrdered_DescendingReversesValueOrder(t *testing.T) {
	txn := setupTxn(t)
	it, err := IndexScanOrdered(txn, testColl, "status", Descending, 0, false)
	require.NoError(t, err)
	ids := collectIDs(t, it)
	require.Equal(t, []string{"2", "4", "3", "1"}, ids)
}

func TestProjection_DotNotationPrunesNestedPaths(t *testing.T) {
	doc := mustDoc(t, bson.D{
		{Key: "_id", Value: "1"},
		{Key: "a", Value: bson.D{{Key: "b", Value: int32(1)}, {Key: "c", Value: int32(2)}}},
	})
	pk := pkValueOf(t, doc)

	proj := Projection("_id", []string{"_id", "a.b"}, &sliceRowIter{rows: []Row{{PK: pk, Doc: doc}}})
	row, ok, err := proj.Next()
	require.NoError(t, err)
	require.True(t, ok)

	v, err := row.Doc.LookupErr("a.b")
	require.NoError(t, err)
	n, _ := v.Int32OK()
	require.Equal(t, int32(1), n)

	// The sibling path a.c must not leak through under the top-level key.
	_, err = row.Doc.LookupErr("a")
	require.Error(t, err)
}

func TestProjection_DotNotationMissingPathSkipsColumn(t *testing.T) {
	doc := mustDoc(t, bson.D{
		{Key: "_id", Value: "1"},
		{Key: "a", Value: bson.D{{Key: "b", Value: int32(1)}}},
	})
	pk := pkValueOf(t, doc)

	proj := Projection("_id", []string{"_id", "a.z"}, &sliceRowIter{rows: []Row{{PK: pk, Doc: doc}}})
	row, ok, err := proj.Next()
	require.NoError(t, err)
	require.True(t, ok)

	_, err = row.Doc.LookupErr("_id")
	require.NoError(t, err)
	_, err = row.Doc.LookupErr("a.z")
	require.Error(t, err)
}
