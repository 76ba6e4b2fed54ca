package memstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bobboyms/bsondb/pkg/kv"
)

func TestMemstore_PutGetCommit(t *testing.T) {
	s := New()
	txn, err := s.Begin(false)
	require.NoError(t, err)
	require.NoError(t, txn.Put([]byte("d\x00a\x00"), []byte("doc-a")))
	require.NoError(t, txn.Commit())

	r, err := s.Begin(true)
	require.NoError(t, err)
	v, ok, err := r.Get([]byte("d\x00a\x00"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "doc-a", string(v.Bytes()))
	require.NoError(t, r.Commit())
}

func TestMemstore_ReadYourWritesWithinTxn(t *testing.T) {
	s := New()
	w, err := s.Begin(false)
	require.NoError(t, err)
	require.NoError(t, w.Put([]byte("k1"), []byte("v1")))

	v, ok, err := w.Get([]byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", string(v.Bytes()))
	require.NoError(t, w.Commit())
}

func TestMemstore_RollbackDiscardsWrites(t *testing.T) {
	s := New()
	w, err := s.Begin(false)
	require.NoError(t, err)
	require.NoError(t, w.Put([]byte("k1"), []byte("v1")))
	require.NoError(t, w.Rollback())

	r, err := s.Begin(true)
	require.NoError(t, err)
	_, ok, err := r.Get([]byte("k1"))
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, r.Commit())
}

func TestMemstore_ReadOnlySnapshotDoesNotSeeLaterWrites(t *testing.T) {
	s := New()
	w1, _ := s.Begin(false)
	require.NoError(t, w1.Put([]byte("k1"), []byte("v1")))
	require.NoError(t, w1.Commit())

	reader, err := s.Begin(true)
	require.NoError(t, err)

	w2, _ := s.Begin(false)
	require.NoError(t, w2.Put([]byte("k2"), []byte("v2")))
	require.NoError(t, w2.Commit())

	_, ok, err := reader.Get([]byte("k2"))
	require.NoError(t, err)
	require.False(t, ok, "snapshot taken before w2 committed must not observe it")

	v, ok, err := reader.Get([]byte("k1"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", string(v.Bytes()))
	require.NoError(t, reader.Commit())
}

func TestMemstore_ReadOnlyTxnRejectsWrites(t *testing.T) {
	s := New()
	r, err := s.Begin(true)
	require.NoError(t, err)
	require.True(t, r.ReadOnly())

	err = r.Put([]byte("k"), []byte("v"))
	require.Error(t, err)
	require.NoError(t, r.Commit())
}

func TestMemstore_DeleteRemovesKey(t *testing.T) {
	s := New()
	w, _ := s.Begin(false)
	require.NoError(t, w.Put([]byte("k1"), []byte("v1")))
	require.NoError(t, w.Commit())

	w2, _ := s.Begin(false)
	require.NoError(t, w2.Delete([]byte("k1")))
	require.NoError(t, w2.Commit())

	r, _ := s.Begin(true)
	_, ok, err := r.Get([]byte("k1"))
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, r.Commit())
}

func TestMemstore_ScanPrefixOrdersKeys(t *testing.T) {
	s := New()
	w, _ := s.Begin(false)
	for _, k := range []string{"i\x00c\x00f\x00b\x00", "i\x00c\x00f\x00a\x00", "i\x00c\x00f\x00c\x00", "i\x00c\x00g\x00z\x00"} {
		require.NoError(t, w.Put([]byte(k), []byte("x")))
	}
	require.NoError(t, w.Commit())

	r, _ := s.Begin(true)
	iter, err := r.ScanPrefix([]byte("i\x00c\x00f\x00"))
	require.NoError(t, err)

	var keys []string
	for iter.Next() {
		keys = append(keys, string(iter.Item().Key))
	}
	iter.Close()
	require.Equal(t, []string{"i\x00c\x00f\x00a\x00", "i\x00c\x00f\x00b\x00", "i\x00c\x00f\x00c\x00"}, keys)
	require.NoError(t, r.Commit())
}

func TestMemstore_MultiGet(t *testing.T) {
	s := New()
	w, _ := s.Begin(false)
	require.NoError(t, w.Put([]byte("k1"), []byte("v1")))
	require.NoError(t, w.Put([]byte("k2"), []byte("v2")))
	require.NoError(t, w.Commit())

	r, _ := s.Begin(true)
	vals, found, err := r.MultiGet([][]byte{[]byte("k1"), []byte("missing"), []byte("k2")})
	require.NoError(t, err)
	require.Equal(t, []bool{true, false, true}, found)
	require.Equal(t, "v1", string(vals[0].Bytes()))
	require.Equal(t, "v2", string(vals[2].Bytes()))
	require.NoError(t, r.Commit())
}

var _ kv.Store = (*Store)(nil)
