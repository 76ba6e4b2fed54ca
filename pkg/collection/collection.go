// Package collection implements the document-level query API: find,
// find_one, find_by_id, count, distinct, insert, update, replace, delete,
// upsert, and merge, each running inside a caller-supplied kv.Txn against a
// catalog Config's indexed-field list. Every mutation computes an
// indexmaint diff and writes the data key plus its index entries inside the
// same transaction, so a commit (or rollback) is atomic for the whole
// write.
package collection

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/bobboyms/bsondb/pkg/bsonraw"
	"github.com/bobboyms/bsondb/pkg/catalog"
	"github.com/bobboyms/bsondb/pkg/encoding"
	berrors "github.com/bobboyms/bsondb/pkg/errors"
	"github.com/bobboyms/bsondb/pkg/indexmaint"
	"github.com/bobboyms/bsondb/pkg/kv"
	"github.com/bobboyms/bsondb/pkg/planexec"
	"github.com/bobboyms/bsondb/pkg/planner"
	"github.com/bobboyms/bsondb/pkg/query"
)

// Collection is a handle onto one named collection's catalog.Config. It
// carries no transaction or store state of its own: every method takes the
// kv.Txn it should run against, so a caller can batch several collections'
// operations into one transaction (write serialization is per-collection,
// but nothing stops a single transaction from touching more than one).
type Collection struct {
	name string
	cat  *catalog.Catalog
}

// Open returns a handle for an already-cataloged collection.
func Open(cat *catalog.Catalog, name string) (*Collection, error) {
	if _, err := cat.Get(name); err != nil {
		return nil, err
	}
	return &Collection{name: name, cat: cat}, nil
}

// Create registers a new collection in cat and returns its handle. idField
// defaults to catalog.DefaultIDField ("_id") when empty.
func Create(txn kv.Txn, cat *catalog.Catalog, name, idField string, indexedFields []string) (*Collection, error) {
	if _, err := cat.Create(txn, name, idField, indexedFields); err != nil {
		return nil, err
	}
	return &Collection{name: name, cat: cat}, nil
}

func (c *Collection) cfg() (*catalog.Config, error) {
	return c.cat.Get(c.name)
}

func dataKeyFor(pk bson.RawValue) ([]byte, error) {
	return encoding.EncodeRecordKey(pk)
}

// --- Insert --------------------------------------------------------------

// Insert writes doc as a new document, auto-generating a time-ordered
// UUIDv7 string primary key when doc omits cfg.IDField. It fails with
// DuplicateKeyError if a document with the same id already exists.
func (c *Collection) Insert(txn kv.Txn, doc bson.Raw) (bson.RawValue, error) {
	cfg, err := c.cfg()
	if err != nil {
		return bson.RawValue{}, err
	}
	if err := kv.CheckWritable(txn.ReadOnly(), "insert"); err != nil {
		return bson.RawValue{}, err
	}

	doc, pk, err := ensureID(doc, cfg.IDField)
	if err != nil {
		return bson.RawValue{}, err
	}

	dataKey, err := dataKeyFor(pk)
	if err != nil {
		return bson.RawValue{}, err
	}
	if _, ok, err := txn.Get(dataKey); err != nil {
		return bson.RawValue{}, err
	} else if ok {
		return bson.RawValue{}, &berrors.DuplicateKeyError{Collection: c.name, ID: displayID(pk)}
	}

	if err := c.writeInsert(txn, cfg, pk, doc); err != nil {
		return bson.RawValue{}, err
	}
	return pk, nil
}

// InsertMany inserts every doc in order, stopping at the first failure. The
// caller's transaction is left exactly as partially-applied as the writes
// that already succeeded; rolling back on error is the caller's job
// (atomicity covers one document's data+index write, not a whole
// InsertMany batch).
func (c *Collection) InsertMany(txn kv.Txn, docs []bson.Raw) ([]bson.RawValue, error) {
	ids := make([]bson.RawValue, 0, len(docs))
	for _, doc := range docs {
		id, err := c.Insert(txn, doc)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func ensureID(doc bson.Raw, idField string) (bson.Raw, bson.RawValue, error) {
	if pk, err := doc.LookupErr(idField); err == nil {
		return doc, pk, nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, bson.RawValue{}, &berrors.SerializationError{Reason: err.Error()}
	}

	var d bson.D
	if err := bson.Unmarshal(doc, &d); err != nil {
		return nil, bson.RawValue{}, &berrors.SerializationError{Reason: err.Error()}
	}
	d = append(bson.D{{Key: idField, Value: id.String()}}, d...)
	out, err := bson.Marshal(d)
	if err != nil {
		return nil, bson.RawValue{}, &berrors.SerializationError{Reason: err.Error()}
	}
	newDoc := bson.Raw(out)
	pk, err := newDoc.LookupErr(idField)
	if err != nil {
		return nil, bson.RawValue{}, &berrors.SerializationError{Reason: err.Error()}
	}
	return newDoc, pk, nil
}

func displayID(pk bson.RawValue) string {
	if s, ok := pk.StringValueOK(); ok {
		return s
	}
	return pk.String()
}

func (c *Collection) writeInsert(txn kv.Txn, cfg *catalog.Config, pk bson.RawValue, doc bson.Raw) error {
	diff, err := indexmaint.ForInsert(doc, cfg.IndexedFields)
	if err != nil {
		return err
	}
	for _, e := range diff.Puts {
		key, err := encoding.EncodeIndexKey(c.name, e.Field, e.Value, pk)
		if err != nil {
			return err
		}
		if err := txn.Put(key, []byte{}); err != nil {
			return err
		}
	}
	dataKey, err := dataKeyFor(pk)
	if err != nil {
		return err
	}
	return txn.Put(dataKey, []byte(doc))
}

func (c *Collection) writeUpdate(txn kv.Txn, cfg *catalog.Config, pk bson.RawValue, oldDoc, newDoc bson.Raw) error {
	diff, err := indexmaint.ForUpdate(oldDoc, newDoc, cfg.IndexedFields)
	if err != nil {
		return err
	}
	for _, e := range diff.Deletes {
		key, err := encoding.EncodeIndexKey(c.name, e.Field, e.Value, pk)
		if err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	for _, e := range diff.Puts {
		key, err := encoding.EncodeIndexKey(c.name, e.Field, e.Value, pk)
		if err != nil {
			return err
		}
		if err := txn.Put(key, []byte{}); err != nil {
			return err
		}
	}
	dataKey, err := dataKeyFor(pk)
	if err != nil {
		return err
	}
	return txn.Put(dataKey, []byte(newDoc))
}

func (c *Collection) writeDelete(txn kv.Txn, cfg *catalog.Config, pk bson.RawValue, oldDoc bson.Raw) error {
	diff, err := indexmaint.ForDelete(oldDoc, cfg.IndexedFields)
	if err != nil {
		return err
	}
	for _, e := range diff.Deletes {
		key, err := encoding.EncodeIndexKey(c.name, e.Field, e.Value, pk)
		if err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	dataKey, err := dataKeyFor(pk)
	if err != nil {
		return err
	}
	return txn.Delete(dataKey)
}

// --- Read ------------------------------------------------------------

// Find runs the planner over q and materializes every surviving row into a
// RawDocumentBuf (a self-length-prefixed bson.Raw).
func (c *Collection) Find(txn kv.Txn, q *query.Query) ([]bson.Raw, error) {
	cfg, err := c.cfg()
	if err != nil {
		return nil, err
	}
	rows, err := planner.Find(txn, c.name, cfg.IDField, cfg.IndexedFields, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []bson.Raw
	for {
		row, ok, err := rows.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		out = append(out, row.Doc)
	}
	return out, nil
}

// FindOne runs q with an implicit Take of 1 and returns the first match, if
// any.
func (c *Collection) FindOne(txn kv.Txn, q *query.Query) (bson.Raw, bool, error) {
	qq := *q
	if qq.Take <= 0 {
		qq.Take = 1
	}
	docs, err := c.Find(txn, &qq)
	if err != nil {
		return nil, false, err
	}
	if len(docs) == 0 {
		return nil, false, nil
	}
	return docs[0], true, nil
}

// FindByID point-fetches id directly off the data key, skipping
// the planner entirely since the primary key is never a secondary index.
// columns, if non-empty, projects the result the same way planner.Find's
// Projection node would.
func (c *Collection) FindByID(txn kv.Txn, id bson.RawValue, columns []string) (bson.Raw, error) {
	cfg, err := c.cfg()
	if err != nil {
		return nil, err
	}
	dataKey, err := dataKeyFor(id)
	if err != nil {
		return nil, err
	}
	val, ok, err := txn.Get(dataKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &berrors.NotFoundError{Collection: c.name, ID: displayID(id)}
	}
	doc := bson.Raw(val.Bytes())
	if len(columns) == 0 {
		return doc, nil
	}
	return projectSingle(cfg.IDField, columns, id, doc)
}

func projectSingle(idField string, columns []string, pk bson.RawValue, doc bson.Raw) (bson.Raw, error) {
	proj := planexec.Projection(idField, columns, &oneRowIter{row: planexec.Row{PK: pk, Doc: doc}})
	defer proj.Close()
	row, _, err := proj.Next()
	if err != nil {
		return nil, err
	}
	return row.Doc, nil
}

type oneRowIter struct {
	row  planexec.Row
	done bool
}

func (o *oneRowIter) Next() (planexec.Row, bool, error) {
	if o.done {
		return planexec.Row{}, false, nil
	}
	o.done = true
	return o.row, true, nil
}

func (o *oneRowIter) Close() error { return nil }

// Count runs the planner's index selection and counts surviving rows
// without materializing documents when the residual filter is empty.
func (c *Collection) Count(txn kv.Txn, filter query.Node) (int, error) {
	cfg, err := c.cfg()
	if err != nil {
		return 0, err
	}
	return planner.Count(txn, c.name, cfg.IndexedFields, filter)
}

// Distinct returns the unique values of field across every document
// matching filter, as a single raw BSON array.
func (c *Collection) Distinct(txn kv.Txn, field string, filter query.Node, sort []query.SortKey, skip, take int) (bson.Raw, error) {
	cfg, err := c.cfg()
	if err != nil {
		return nil, err
	}
	rows, err := planner.Distinct(txn, c.name, cfg.IndexedFields, field, filter, sort, skip, take)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	row, ok, err := rows.Next()
	if err != nil {
		return nil, err
	}
	if !ok || row.ArrayValue == nil {
		empty, err := bson.Marshal(bson.D{{Key: "v", Value: bson.A{}}})
		if err != nil {
			return nil, err
		}
		rv, err := bson.Raw(empty).LookupErr("v")
		if err != nil {
			return nil, err
		}
		arr, ok := rv.ArrayOK()
		if !ok {
			return nil, &berrors.SerializationError{Reason: "distinct: expected array value"}
		}
		return bson.Raw(arr), nil
	}
	arr, ok := row.ArrayValue.ArrayOK()
	if !ok {
		return nil, &berrors.SerializationError{Reason: "distinct: expected array value"}
	}
	return bson.Raw(arr), nil
}

// --- Update / Replace / Delete ------------------------------------------

// UpdateOne merges update's top-level fields into the first document
// matching filter (fields update does not mention are left untouched) and
// re-diffs the indexed fields that actually changed. When no document
// matches, it inserts update itself as a new document if upsert is set,
// and fails with NotFoundError otherwise.
func (c *Collection) UpdateOne(txn kv.Txn, filter query.Node, update bson.Raw, upsert bool) (matched bool, err error) {
	cfg, err := c.cfg()
	if err != nil {
		return false, err
	}
	if err := kv.CheckWritable(txn.ReadOnly(), "update"); err != nil {
		return false, err
	}

	doc, ok, err := c.FindOne(txn, &query.Query{Filter: filter})
	if err != nil {
		return false, err
	}
	if !ok {
		if !upsert {
			return false, &berrors.NotFoundError{Collection: c.name}
		}
		if _, err := c.Insert(txn, update); err != nil {
			return false, err
		}
		return false, nil
	}

	pk, err := doc.LookupErr(cfg.IDField)
	if err != nil {
		return false, &berrors.SerializationError{Reason: err.Error()}
	}
	merged, err := mergeRawAppend(doc, update)
	if err != nil {
		return false, err
	}
	if err := c.writeUpdate(txn, cfg, pk, doc, merged); err != nil {
		return false, err
	}
	return true, nil
}

// UpdateMany applies the same merge as UpdateOne to every document matching
// filter and returns how many were touched.
func (c *Collection) UpdateMany(txn kv.Txn, filter query.Node, update bson.Raw) (int, error) {
	cfg, err := c.cfg()
	if err != nil {
		return 0, err
	}
	if err := kv.CheckWritable(txn.ReadOnly(), "update"); err != nil {
		return 0, err
	}

	docs, err := c.Find(txn, &query.Query{Filter: filter})
	if err != nil {
		return 0, err
	}
	count := 0
	for _, doc := range docs {
		pk, err := doc.LookupErr(cfg.IDField)
		if err != nil {
			return count, &berrors.SerializationError{Reason: err.Error()}
		}
		merged, err := mergeRawAppend(doc, update)
		if err != nil {
			return count, err
		}
		if err := c.writeUpdate(txn, cfg, pk, doc, merged); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// ReplaceOne overwrites the first document matching filter with replacement
// in full, keeping the matched document's primary key (replacement may omit
// cfg.IDField; if it sets one, it must agree with the matched document's).
// When no document matches, it inserts replacement if upsert is set and
// fails with NotFoundError otherwise.
func (c *Collection) ReplaceOne(txn kv.Txn, filter query.Node, replacement bson.Raw, upsert bool) (matched bool, err error) {
	cfg, err := c.cfg()
	if err != nil {
		return false, err
	}
	if err := kv.CheckWritable(txn.ReadOnly(), "replace"); err != nil {
		return false, err
	}

	doc, ok, err := c.FindOne(txn, &query.Query{Filter: filter})
	if err != nil {
		return false, err
	}
	if !ok {
		if !upsert {
			return false, &berrors.NotFoundError{Collection: c.name}
		}
		if _, err := c.Insert(txn, replacement); err != nil {
			return false, err
		}
		return false, nil
	}

	pk, err := doc.LookupErr(cfg.IDField)
	if err != nil {
		return false, &berrors.SerializationError{Reason: err.Error()}
	}
	newDoc, err := withID(replacement, cfg.IDField, pk)
	if err != nil {
		return false, err
	}
	if err := c.writeUpdate(txn, cfg, pk, doc, newDoc); err != nil {
		return false, err
	}
	return true, nil
}

func withID(doc bson.Raw, idField string, pk bson.RawValue) (bson.Raw, error) {
	if existing, err := doc.LookupErr(idField); err == nil {
		if !bytesEqualRaw(existing, pk) {
			return nil, &berrors.InvalidQueryError{Reason: "replacement document's id does not match the matched document"}
		}
		return doc, nil
	}
	var d bson.D
	if err := bson.Unmarshal(doc, &d); err != nil {
		return nil, &berrors.SerializationError{Reason: err.Error()}
	}
	d = append(bson.D{{Key: idField, Value: pk}}, d...)
	out, err := bson.Marshal(d)
	if err != nil {
		return nil, &berrors.SerializationError{Reason: err.Error()}
	}
	return bson.Raw(out), nil
}

func bytesEqualRaw(a, b bson.RawValue) bool {
	return bsonraw.Equal(a, b)
}

// DeleteOne removes the first document matching filter, reporting whether
// one was found.
func (c *Collection) DeleteOne(txn kv.Txn, filter query.Node) (bool, error) {
	cfg, err := c.cfg()
	if err != nil {
		return false, err
	}
	if err := kv.CheckWritable(txn.ReadOnly(), "delete"); err != nil {
		return false, err
	}

	doc, ok, err := c.FindOne(txn, &query.Query{Filter: filter})
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	pk, err := doc.LookupErr(cfg.IDField)
	if err != nil {
		return false, &berrors.SerializationError{Reason: err.Error()}
	}
	if err := c.writeDelete(txn, cfg, pk, doc); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteMany removes every document matching filter, returning the count
// removed.
func (c *Collection) DeleteMany(txn kv.Txn, filter query.Node) (int, error) {
	cfg, err := c.cfg()
	if err != nil {
		return 0, err
	}
	if err := kv.CheckWritable(txn.ReadOnly(), "delete"); err != nil {
		return 0, err
	}

	docs, err := c.Find(txn, &query.Query{Filter: filter})
	if err != nil {
		return 0, err
	}
	count := 0
	for _, doc := range docs {
		pk, err := doc.LookupErr(cfg.IDField)
		if err != nil {
			return count, &berrors.SerializationError{Reason: err.Error()}
		}
		if err := c.writeDelete(txn, cfg, pk, doc); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// --- Bulk upsert / merge --------------------------------------------------

// UpsertMany inserts every doc that has no existing match by id, and fully
// replaces every doc whose id already exists. Every doc must carry
// cfg.IDField.
func (c *Collection) UpsertMany(txn kv.Txn, docs []bson.Raw) ([]bson.RawValue, error) {
	cfg, err := c.cfg()
	if err != nil {
		return nil, err
	}
	if err := kv.CheckWritable(txn.ReadOnly(), "upsert"); err != nil {
		return nil, err
	}

	ids := make([]bson.RawValue, 0, len(docs))
	for _, doc := range docs {
		pk, err := doc.LookupErr(cfg.IDField)
		if err != nil {
			return ids, &berrors.InvalidQueryError{Reason: "upsert_many: document missing id field " + cfg.IDField}
		}
		dataKey, err := dataKeyFor(pk)
		if err != nil {
			return ids, err
		}
		old, exists, err := txn.Get(dataKey)
		if err != nil {
			return ids, err
		}
		if !exists {
			if err := c.writeInsert(txn, cfg, pk, doc); err != nil {
				return ids, err
			}
		} else {
			oldDoc := bson.Raw(old.Bytes())
			if err := c.writeUpdate(txn, cfg, pk, oldDoc, doc); err != nil {
				return ids, err
			}
		}
		ids = append(ids, pk)
	}
	return ids, nil
}

// MergeMany inserts every doc with no existing match by id, and
// raw-byte-append-merges doc's fields into the existing document when a
// match exists: unchanged fields are copied as-is from the stored document
// without re-encoding, only the fields doc actually changes are re-emitted,
// and the index diff compares every indexed field of the old and merged
// documents, writing entries only for values that changed. Every doc
// must carry cfg.IDField.
func (c *Collection) MergeMany(txn kv.Txn, docs []bson.Raw) ([]bson.RawValue, error) {
	cfg, err := c.cfg()
	if err != nil {
		return nil, err
	}
	if err := kv.CheckWritable(txn.ReadOnly(), "merge"); err != nil {
		return nil, err
	}

	ids := make([]bson.RawValue, 0, len(docs))
	for _, doc := range docs {
		pk, err := doc.LookupErr(cfg.IDField)
		if err != nil {
			return ids, &berrors.InvalidQueryError{Reason: "merge_many: document missing id field " + cfg.IDField}
		}
		dataKey, err := dataKeyFor(pk)
		if err != nil {
			return ids, err
		}
		old, exists, err := txn.Get(dataKey)
		if err != nil {
			return ids, err
		}
		if !exists {
			if err := c.writeInsert(txn, cfg, pk, doc); err != nil {
				return ids, err
			}
		} else {
			oldDoc := bson.Raw(old.Bytes())
			merged, err := mergeRawAppend(oldDoc, doc)
			if err != nil {
				return ids, err
			}
			if err := c.writeUpdate(txn, cfg, pk, oldDoc, merged); err != nil {
				return ids, err
			}
		}
		ids = append(ids, pk)
	}
	return ids, nil
}

// mergeRawAppend builds a document combining old and update without
// re-encoding any field: every top-level element of old is copied
// byte-for-byte except where update carries the same key, in which case
// update's own raw element bytes are used instead; update's keys not
// present in old are appended. Only the length header and trailing
// terminator are freshly written: unchanged and replaced fields alike are
// copied by raw byte append.
func mergeRawAppend(old, update bson.Raw) (bson.Raw, error) {
	oldElems, err := old.Elements()
	if err != nil {
		return nil, &berrors.SerializationError{Reason: err.Error()}
	}
	updElems, err := update.Elements()
	if err != nil {
		return nil, &berrors.SerializationError{Reason: err.Error()}
	}

	updByKey := make(map[string]bson.RawElement, len(updElems))
	for _, e := range updElems {
		key, err := e.KeyErr()
		if err != nil {
			return nil, &berrors.SerializationError{Reason: err.Error()}
		}
		updByKey[key] = e
	}

	used := make(map[string]bool, len(updElems))
	var body []byte
	for _, e := range oldElems {
		key, err := e.KeyErr()
		if err != nil {
			return nil, &berrors.SerializationError{Reason: err.Error()}
		}
		if repl, ok := updByKey[key]; ok {
			body = append(body, []byte(repl)...)
			used[key] = true
		} else {
			body = append(body, []byte(e)...)
		}
	}
	for _, e := range updElems {
		key, err := e.KeyErr()
		if err != nil {
			return nil, &berrors.SerializationError{Reason: err.Error()}
		}
		if !used[key] {
			body = append(body, []byte(e)...)
		}
	}

	total := 4 + len(body) + 1
	out := make([]byte, 4, total)
	binary.LittleEndian.PutUint32(out, uint32(total))
	out = append(out, body...)
	out = append(out, 0x00)
	return bson.Raw(out), nil
}

// --- Index management ------------------------------------------------

// CreateIndex adds field to the collection's indexed-field list, backfilling
// index entries for every existing document before the new field becomes
// visible to the planner. A no-op if field is already indexed.
func (c *Collection) CreateIndex(txn kv.Txn, field string) error {
	cfg, err := c.cfg()
	if err != nil {
		return err
	}
	for _, f := range cfg.IndexedFields {
		if f == field {
			return nil
		}
	}

	idIter, err := planexec.Scan(txn)
	if err != nil {
		return err
	}
	defer idIter.Close()

	rows := planexec.ReadRecord(txn, idIter)
	defer rows.Close()
	for {
		row, ok, err := rows.Next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		diff, err := indexmaint.ForInsert(row.Doc, []string{field})
		if err != nil {
			return err
		}
		for _, e := range diff.Puts {
			key, err := encoding.EncodeIndexKey(c.name, e.Field, e.Value, row.PK)
			if err != nil {
				return err
			}
			if err := txn.Put(key, []byte{}); err != nil {
				return err
			}
		}
	}

	_, err = c.cat.AddIndexedField(txn, c.name, field)
	if err != nil {
		return err
	}
	log.Debug().Str("collection", c.name).Str("field", field).Msg("index created")
	return nil
}

// DropIndex removes field's index entries and drops it from the collection's
// indexed-field list.
func (c *Collection) DropIndex(txn kv.Txn, field string) error {
	prefix, err := encoding.EncodeIndexPrefix(c.name, field)
	if err != nil {
		return err
	}
	iter, err := txn.ScanPrefix(prefix)
	if err != nil {
		return err
	}
	defer iter.Close()

	var keys [][]byte
	for iter.Next() {
		item := iter.Item()
		keys = append(keys, append([]byte(nil), item.Key...))
	}
	if err := iter.Err(); err != nil {
		return err
	}
	for _, key := range keys {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}

	if _, err := c.cat.RemoveIndexedField(txn, c.name, field); err != nil {
		return err
	}
	log.Debug().Str("collection", c.name).Str("field", field).Msg("index dropped")
	return nil
}
