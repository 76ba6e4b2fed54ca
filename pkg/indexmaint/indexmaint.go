// Package indexmaint computes the minimal set of index-entry writes a
// document write needs: insert emits one put per distinct
// (field, value) pair, delete emits one delete per pair, and update diffs
// old against new so unchanged values are neither re-put nor deleted.
package indexmaint

import (
	"github.com/bobboyms/bsondb/pkg/bsonraw"
	"github.com/bobboyms/bsondb/pkg/encoding"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Entry is one indexed (field, value) pair extracted from a document.
type Entry struct {
	Field string
	Value bson.RawValue
}

// Diff is the set of index writes a single document mutation needs.
type Diff struct {
	Puts    []Entry
	Deletes []Entry
}

// ForInsert returns one Put per distinct indexed value the new document
// produces.
func ForInsert(doc bson.Raw, fields []string) (Diff, error) {
	entries, err := extract(doc, fields)
	if err != nil {
		return Diff{}, err
	}
	return Diff{Puts: entries}, nil
}

// ForDelete returns one Delete per distinct indexed value the old document
// produced.
func ForDelete(doc bson.Raw, fields []string) (Diff, error) {
	entries, err := extract(doc, fields)
	if err != nil {
		return Diff{}, err
	}
	return Diff{Deletes: entries}, nil
}

// ForUpdate diffs oldDoc against newDoc per indexed field: values present in
// both are left untouched; values only in newDoc become Puts; values only
// in oldDoc become Deletes.
func ForUpdate(oldDoc, newDoc bson.Raw, fields []string) (Diff, error) {
	var diff Diff
	for _, field := range fields {
		oldVals, err := fieldValueSet(oldDoc, field)
		if err != nil {
			return Diff{}, err
		}
		newVals, err := fieldValueSet(newDoc, field)
		if err != nil {
			return Diff{}, err
		}

		for key, v := range newVals {
			if _, inOld := oldVals[key]; !inOld {
				diff.Puts = append(diff.Puts, Entry{Field: field, Value: v})
			}
		}
		for key, v := range oldVals {
			if _, inNew := newVals[key]; !inNew {
				diff.Deletes = append(diff.Deletes, Entry{Field: field, Value: v})
			}
		}
	}
	return diff, nil
}

func extract(doc bson.Raw, fields []string) ([]Entry, error) {
	var entries []Entry
	for _, field := range fields {
		set, err := fieldValueSet(doc, field)
		if err != nil {
			return nil, err
		}
		for _, v := range set {
			entries = append(entries, Entry{Field: field, Value: v})
		}
	}
	return entries, nil
}

// fieldValueSet resolves field's dot-path and returns its distinct,
// indexable (scalar, non-null) values keyed by their encoded byte form, so
// callers can compare by byte equality across documents (invariant 1: one
// index entry per distinct value) without re-encoding twice.
func fieldValueSet(doc bson.Raw, field string) (map[string]bson.RawValue, error) {
	values, err := bsonraw.GetPathValues(doc, field)
	if err != nil {
		return nil, err
	}

	set := make(map[string]bson.RawValue, len(values))
	for _, v := range values {
		if v.Type == bson.TypeNull || v.Type == 0 {
			continue
		}
		enc, err := encoding.EncodeScalar(v)
		if err != nil {
			// Non-scalar or unsupported value (embedded document, binary,
			// etc.): not indexable, silently skipped.
			continue
		}
		set[string(enc)] = v
	}
	return set, nil
}
