package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bobboyms/bsondb/pkg/kv/memstore"
)

func TestCreate_PersistsAndCaches(t *testing.T) {
	store := memstore.New()
	txn, err := store.Begin(false)
	require.NoError(t, err)

	cat := New()
	cfg, err := cat.Create(txn, "users", "", []string{"user_id", "status"})
	require.NoError(t, err)
	require.Equal(t, DefaultIDField, cfg.IDField)
	require.Equal(t, []string{"user_id", "status"}, cfg.IndexedFields)

	got, err := cat.Get("users")
	require.NoError(t, err)
	require.Equal(t, cfg, got)

	require.NoError(t, txn.Commit())
}

func TestCreate_DuplicateNameFails(t *testing.T) {
	store := memstore.New()
	txn, err := store.Begin(false)
	require.NoError(t, err)

	cat := New()
	_, err = cat.Create(txn, "users", "_id", nil)
	require.NoError(t, err)
	_, err = cat.Create(txn, "users", "_id", nil)
	require.Error(t, err)
}

func TestLoad_RehydratesFromStore(t *testing.T) {
	store := memstore.New()
	txn, err := store.Begin(false)
	require.NoError(t, err)

	first := New()
	_, err = first.Create(txn, "users", "_id", []string{"user_id"})
	require.NoError(t, err)
	require.NoError(t, txn.Commit())

	readTxn, err := store.Begin(true)
	require.NoError(t, err)
	defer readTxn.Rollback()

	second := New()
	require.NoError(t, second.Load(readTxn))
	cfg, err := second.Get("users")
	require.NoError(t, err)
	require.Equal(t, []string{"user_id"}, cfg.IndexedFields)
}

func TestAddIndexedField_IdempotentAndOrdered(t *testing.T) {
	store := memstore.New()
	txn, err := store.Begin(false)
	require.NoError(t, err)

	cat := New()
	_, err = cat.Create(txn, "users", "_id", []string{"user_id"})
	require.NoError(t, err)

	cfg, err := cat.AddIndexedField(txn, "users", "status")
	require.NoError(t, err)
	require.Equal(t, []string{"user_id", "status"}, cfg.IndexedFields)

	again, err := cat.AddIndexedField(txn, "users", "status")
	require.NoError(t, err)
	require.Equal(t, []string{"user_id", "status"}, again.IndexedFields)
}

func TestRemoveIndexedField_UnknownFieldErrors(t *testing.T) {
	store := memstore.New()
	txn, err := store.Begin(false)
	require.NoError(t, err)

	cat := New()
	_, err = cat.Create(txn, "users", "_id", []string{"user_id"})
	require.NoError(t, err)

	_, err = cat.RemoveIndexedField(txn, "users", "nope")
	require.Error(t, err)

	cfg, err := cat.RemoveIndexedField(txn, "users", "user_id")
	require.NoError(t, err)
	require.Empty(t, cfg.IndexedFields)
}

func TestDrop_RemovesFromCacheAndStore(t *testing.T) {
	store := memstore.New()
	txn, err := store.Begin(false)
	require.NoError(t, err)

	cat := New()
	_, err = cat.Create(txn, "users", "_id", nil)
	require.NoError(t, err)
	require.NoError(t, cat.Drop(txn, "users"))

	_, err = cat.Get("users")
	require.Error(t, err)
}

func TestGet_UnknownCollectionErrors(t *testing.T) {
	cat := New()
	_, err := cat.Get("ghost")
	require.Error(t, err)
}
