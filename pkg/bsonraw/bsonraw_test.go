package bsonraw

import (
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

func TestGetPathValues_TopLevelScalar(t *testing.T) {
	doc := mustDoc(t, bson.D{{Key: "status", Value: "active"}})
	vals, err := GetPathValues(doc, "status")
	require.NoError(t, err)
	require.Len(t, vals, 1)
	s, ok := vals[0].StringValueOK()
	require.True(t, ok)
	require.Equal(t, "active", s)
}

func TestGetPathValues_Missing(t *testing.T) {
	doc := mustDoc(t, bson.D{{Key: "status", Value: "active"}})
	vals, err := GetPathValues(doc, "nope")
	require.NoError(t, err)
	require.Empty(t, vals)
}

func TestGetPathValues_DotPath(t *testing.T) {
	doc := mustDoc(t, bson.D{
		{Key: "a", Value: bson.D{{Key: "b", Value: bson.D{{Key: "c", Value: int32(7)}}}}},
	})
	vals, err := GetPathValues(doc, "a.b.c")
	require.NoError(t, err)
	require.Len(t, vals, 1)
	i, ok := vals[0].Int32OK()
	require.True(t, ok)
	require.EqualValues(t, 7, i)
}

func TestGetPathValues_ArrayTopLevel(t *testing.T) {
	doc := mustDoc(t, bson.D{{Key: "tags", Value: bson.A{"x", "y", "z"}}})
	vals, err := GetPathValues(doc, "tags")
	require.NoError(t, err)
	require.Len(t, vals, 3)
	s0, _ := vals[0].StringValueOK()
	require.Equal(t, "x", s0)
}

func TestGetPathValues_ArrayOfDocumentsSubpath(t *testing.T) {
	doc := mustDoc(t, bson.D{
		{Key: "items", Value: bson.A{
			bson.D{{Key: "sku", Value: "a1"}},
			bson.D{{Key: "sku", Value: "a2"}},
		}},
	})
	vals, err := GetPathValues(doc, "items.sku")
	require.NoError(t, err)
	require.Len(t, vals, 2)
	s0, _ := vals[0].StringValueOK()
	s1, _ := vals[1].StringValueOK()
	require.ElementsMatch(t, []string{"a1", "a2"}, []string{s0, s1})
}

func TestIsNull_AbsentAndExplicitNull(t *testing.T) {
	doc := mustDoc(t, bson.D{{Key: "a", Value: nil}})
	require.True(t, IsNull(doc, "a"))
	require.True(t, IsNull(doc, "missing"))

	doc2 := mustDoc(t, bson.D{{Key: "a", Value: "present"}})
	require.False(t, IsNull(doc2, "a"))
}

func TestCompare_NumericWidening(t *testing.T) {
	docA := mustDoc(t, bson.D{{Key: "v", Value: int32(5)}})
	docB := mustDoc(t, bson.D{{Key: "v", Value: int64(5)}})
	docC := mustDoc(t, bson.D{{Key: "v", Value: 5.5}})

	a, _ := docA.LookupErr("v")
	b, _ := docB.LookupErr("v")
	c, _ := docC.LookupErr("v")

	require.True(t, Equal(a, b))
	cmp, ok := Compare(a, c)
	require.True(t, ok)
	require.Equal(t, -1, cmp)
}

func TestCompare_StringVsNumberIncomparable(t *testing.T) {
	docA := mustDoc(t, bson.D{{Key: "v", Value: "5"}})
	docB := mustDoc(t, bson.D{{Key: "v", Value: int32(5)}})
	a, _ := docA.LookupErr("v")
	b, _ := docB.LookupErr("v")
	_, ok := Compare(a, b)
	require.False(t, ok)
}

func TestCompare_NullSortsFirst(t *testing.T) {
	docA := mustDoc(t, bson.D{{Key: "v", Value: nil}})
	docB := mustDoc(t, bson.D{{Key: "v", Value: "anything"}})
	a, _ := docA.LookupErr("v")
	b, _ := docB.LookupErr("v")
	cmp, ok := Compare(a, b)
	require.True(t, ok)
	require.Equal(t, -1, cmp)
}
