package query

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func mustDoc(t *testing.T, d bson.D) bson.Raw {
	t.Helper()
	b, err := bson.Marshal(d)
	require.NoError(t, err)
	return bson.Raw(b)
}

func TestParse_FlatAndGroup(t *testing.T) {
	raw := []byte(`{
		"filter": {"logical":"and","children":[
			{"condition":{"field":"user_id","operator":"eq","value":"a"}},
			{"condition":{"field":"status","operator":"eq","value":"archived"}}
		]},
		"sort":[{"field":"score","direction":"desc"}],
		"skip":0,"take":10,"columns":["_id","score"]
	}`)

	q, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, 10, q.Take)
	require.Equal(t, []string{"_id", "score"}, q.Columns)
	require.Len(t, q.Sort, 1)
	require.Equal(t, Desc, q.Sort[0].Direction)

	g, ok := q.Filter.(*Group)
	require.True(t, ok)
	require.Equal(t, LogicalAnd, g.Logical)
	require.Len(t, g.Children, 2)
}

func TestParse_NestedOrGroup(t *testing.T) {
	raw := []byte(`{
		"filter": {"logical":"or","children":[
			{"condition":{"field":"user_id","operator":"eq","value":"a"}},
			{"group":{"logical":"and","children":[
				{"condition":{"field":"user_id","operator":"eq","value":"b"}},
				{"condition":{"field":"status","operator":"eq","value":"active"}}
			]}}
		]}
	}`)

	q, err := Parse(raw)
	require.NoError(t, err)
	g := q.Filter.(*Group)
	require.Equal(t, LogicalOr, g.Logical)
	require.Len(t, g.Children, 2)
	_, isNestedGroup := g.Children[1].(*Group)
	require.True(t, isNestedGroup)
}

func TestParse_IntegerValueDecodesAsInt32(t *testing.T) {
	raw := []byte(`{"filter":{"logical":"and","children":[
		{"condition":{"field":"score","operator":"gte","value":30}}
	]}}`)
	q, err := Parse(raw)
	require.NoError(t, err)
	cond := q.Filter.(*Group).Children[0].(Condition)
	require.Equal(t, bson.TypeInt32, cond.Value.Type)
}

func TestParse_UnsupportedOperatorErrors(t *testing.T) {
	raw := []byte(`{"filter":{"logical":"and","children":[
		{"condition":{"field":"x","operator":"bogus","value":1}}
	]}}`)
	_, err := Parse(raw)
	require.Error(t, err)
}

func TestEvaluate_AndShortCircuits(t *testing.T) {
	doc := mustDoc(t, bson.D{{Key: "user_id", Value: "a"}, {Key: "status", Value: "active"}})
	q, err := Parse([]byte(`{"filter":{"logical":"and","children":[
		{"condition":{"field":"user_id","operator":"eq","value":"a"}},
		{"condition":{"field":"status","operator":"eq","value":"archived"}}
	]}}`))
	require.NoError(t, err)
	ok, err := Evaluate(q.Filter, doc)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvaluate_OrMatchesEitherBranch(t *testing.T) {
	doc := mustDoc(t, bson.D{{Key: "user_id", Value: "b"}})
	q, err := Parse([]byte(`{"filter":{"logical":"or","children":[
		{"condition":{"field":"user_id","operator":"eq","value":"a"}},
		{"condition":{"field":"user_id","operator":"eq","value":"b"}}
	]}}`))
	require.NoError(t, err)
	ok, err := Evaluate(q.Filter, doc)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluate_ArrayFieldMatchesAnyElement(t *testing.T) {
	doc := mustDoc(t, bson.D{{Key: "tags", Value: bson.A{"x", "y", "z"}}})
	cond := Condition{Field: "tags", Operator: OpEq}
	v, err := goValueToRaw("y")
	require.NoError(t, err)
	cond.Value = v
	ok, err := Evaluate(cond, doc)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluate_IsNullMatchesAbsentAndNull(t *testing.T) {
	doc := mustDoc(t, bson.D{{Key: "a", Value: nil}})
	ok, err := Evaluate(Condition{Field: "a", Operator: OpIsNull}, doc)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Evaluate(Condition{Field: "missing", Operator: OpIsNull}, doc)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluate_IContainsIsCaseInsensitiveAndStringOnly(t *testing.T) {
	doc := mustDoc(t, bson.D{{Key: "name", Value: "Alice Wonderland"}, {Key: "score", Value: int32(5)}})
	v, _ := goValueToRaw("wonder")
	ok, err := Evaluate(Condition{Field: "name", Operator: OpIContains, Value: v}, doc)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Evaluate(Condition{Field: "score", Operator: OpIContains, Value: v}, doc)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEvaluate_CrossTypeNumericComparison(t *testing.T) {
	doc := mustDoc(t, bson.D{{Key: "score", Value: int64(30)}})
	v, _ := goValueToRaw(json.Number("30.0"))
	ok, err := Evaluate(Condition{Field: "score", Operator: OpEq, Value: v}, doc)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEvaluate_StringNeverEqualsNumber(t *testing.T) {
	doc := mustDoc(t, bson.D{{Key: "score", Value: "30"}})
	v, _ := goValueToRaw(json.Number("30"))
	ok, err := Evaluate(Condition{Field: "score", Operator: OpEq, Value: v}, doc)
	require.NoError(t, err)
	require.False(t, ok)
}
