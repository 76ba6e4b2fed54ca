// Package catalog holds collection configuration: the ordered indexed-field
// list and primary-key path that planner/collection need to plan and
// maintain indexes for a given collection. Configuration is itself a BSON
// document persisted under "cfg\0{collection}", so it rides the same
// storage and serialization path as user documents.
package catalog

import (
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/bobboyms/bsondb/pkg/encoding"
	berrors "github.com/bobboyms/bsondb/pkg/errors"
	"github.com/bobboyms/bsondb/pkg/kv"
)

// DefaultIDField is the primary-key path assumed when a collection is
// created without one specified.
const DefaultIDField = "_id"

// Config is one collection's persisted configuration: its primary-key path
// and the priority-ordered list of indexed fields (the order defines
// index-selection priority).
type Config struct {
	Name          string   `bson:"name"`
	IDField       string   `bson:"id_field"`
	IndexedFields []string `bson:"indexed_fields"`
}

func (c *Config) clone() *Config {
	cp := &Config{Name: c.Name, IDField: c.IDField}
	cp.IndexedFields = append([]string(nil), c.IndexedFields...)
	return cp
}

// Catalog is the in-memory cache of every collection's Config, kept in sync
// with the "cfg\0{collection}" keys a Store persists them under. The
// indexed-field list is immutable per query execution: callers read a
// snapshot via Get and are never handed a Config that mutates underneath
// them.
type Catalog struct {
	mu      sync.RWMutex
	configs map[string]*Config
}

// New returns an empty Catalog. Call Load once against a read transaction
// taken over an existing store to populate it from persisted configuration.
func New() *Catalog {
	return &Catalog{configs: make(map[string]*Config)}
}

// Load populates the cache from every "cfg\0" entry visible to txn. Intended
// to run once at startup against a fresh read transaction.
func (c *Catalog) Load(txn kv.Txn) error {
	iter, err := txn.ScanPrefix(encoding.ConfigPrefix())
	if err != nil {
		return err
	}
	defer iter.Close()

	loaded := make(map[string]*Config)
	for iter.Next() {
		item := iter.Item()
		var cfg Config
		if err := bson.Unmarshal(item.Value.Bytes(), &cfg); err != nil {
			return &berrors.SerializationError{Reason: err.Error()}
		}
		loaded[cfg.Name] = &cfg
	}
	if err := iter.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	c.configs = loaded
	c.mu.Unlock()
	return nil
}

// Get returns a snapshot copy of collection's Config.
func (c *Catalog) Get(collection string) (*Config, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg, ok := c.configs[collection]
	if !ok {
		return nil, &berrors.CollectionNotFoundError{Name: collection}
	}
	return cfg.clone(), nil
}

// Names returns every known collection name.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.configs))
	for name := range c.configs {
		names = append(names, name)
	}
	return names
}

// Create registers a new collection, persists its Config under txn, and
// caches it. idField defaults to DefaultIDField when empty. The caller
// commits txn; Create does not commit on its own so it composes with other
// writes in the same transaction.
func (c *Catalog) Create(txn kv.Txn, collection, idField string, indexedFields []string) (*Config, error) {
	if idField == "" {
		idField = DefaultIDField
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.configs[collection]; exists {
		return nil, &berrors.CollectionAlreadyExistsError{Name: collection}
	}

	cfg := &Config{Name: collection, IDField: idField, IndexedFields: append([]string(nil), indexedFields...)}
	if err := c.persist(txn, cfg); err != nil {
		return nil, err
	}
	c.configs[collection] = cfg
	return cfg.clone(), nil
}

// Drop removes collection's configuration, both from txn's store and the
// cache. It does not touch the collection's data or index entries, which
// stay in the store.
func (c *Catalog) Drop(txn kv.Txn, collection string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.configs[collection]; !exists {
		return &berrors.CollectionNotFoundError{Name: collection}
	}
	if err := txn.Delete(encoding.EncodeConfigKey(collection)); err != nil {
		return err
	}
	delete(c.configs, collection)
	return nil
}

// AddIndexedField appends field to collection's indexed-field list (lowest
// selection priority) and persists the updated Config. It is the caller's
// (collection.Collection.CreateIndex's) job to backfill existing documents'
// index entries; Catalog only owns the configuration record.
func (c *Catalog) AddIndexedField(txn kv.Txn, collection, field string) (*Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg, ok := c.configs[collection]
	if !ok {
		return nil, &berrors.CollectionNotFoundError{Name: collection}
	}
	for _, f := range cfg.IndexedFields {
		if f == field {
			return cfg.clone(), nil
		}
	}
	updated := cfg.clone()
	updated.IndexedFields = append(updated.IndexedFields, field)
	if err := c.persist(txn, updated); err != nil {
		return nil, err
	}
	c.configs[collection] = updated
	return updated.clone(), nil
}

// RemoveIndexedField drops field from collection's indexed-field list and
// persists the update. The caller is responsible for deleting the field's
// now-orphaned index entries from the store.
func (c *Catalog) RemoveIndexedField(txn kv.Txn, collection, field string) (*Config, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg, ok := c.configs[collection]
	if !ok {
		return nil, &berrors.CollectionNotFoundError{Name: collection}
	}
	updated := cfg.clone()
	out := updated.IndexedFields[:0]
	found := false
	for _, f := range updated.IndexedFields {
		if f == field {
			found = true
			continue
		}
		out = append(out, f)
	}
	if !found {
		return nil, &berrors.IndexNotFoundError{Collection: collection, Field: field}
	}
	updated.IndexedFields = out
	if err := c.persist(txn, updated); err != nil {
		return nil, err
	}
	c.configs[collection] = updated
	return updated.clone(), nil
}

func (c *Catalog) persist(txn kv.Txn, cfg *Config) error {
	doc, err := bson.Marshal(cfg)
	if err != nil {
		return &berrors.SerializationError{Reason: err.Error()}
	}
	return txn.Put(encoding.EncodeConfigKey(cfg.Name), doc)
}
