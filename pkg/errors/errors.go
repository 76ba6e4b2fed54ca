// Package errors defines the tagged error taxonomy returned at the edges of
// the query engine: every API method fails with one of these kinds so
// callers can branch on Kind() instead of string-matching messages.
package errors

import "fmt"

// Kind tags an error with its programmatic category.
type Kind int

const (
	KindNotFound Kind = iota
	KindDuplicateKey
	KindInvalidQuery
	KindTypeMismatch
	KindSerialization
	KindStorage
	KindReadOnly
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindDuplicateKey:
		return "DuplicateKey"
	case KindInvalidQuery:
		return "InvalidQuery"
	case KindTypeMismatch:
		return "TypeMismatch"
	case KindSerialization:
		return "Serialization"
	case KindStorage:
		return "Storage"
	case KindReadOnly:
		return "ReadOnly"
	case KindConflict:
		return "Conflict"
	default:
		return "Unknown"
	}
}

// Tagged is implemented by every error this package returns, letting callers
// recover the Kind without depending on a concrete type.
type Tagged interface {
	error
	Kind() Kind
}

type NotFoundError struct {
	Collection string
	ID         string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("document %q not found in collection %q", e.ID, e.Collection)
}
func (e *NotFoundError) Kind() Kind { return KindNotFound }

type DuplicateKeyError struct {
	Collection string
	ID         string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key violation: id %q already exists in collection %q", e.ID, e.Collection)
}
func (e *DuplicateKeyError) Kind() Kind { return KindDuplicateKey }

type InvalidQueryError struct {
	Reason string
}

func (e *InvalidQueryError) Error() string {
	return fmt.Sprintf("invalid query: %s", e.Reason)
}
func (e *InvalidQueryError) Kind() Kind { return KindInvalidQuery }

type TypeMismatchError struct {
	Field string
	Want  string
	Got   string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("type mismatch on field %q: expected %s, got %s", e.Field, e.Want, e.Got)
}
func (e *TypeMismatchError) Kind() Kind { return KindTypeMismatch }

type SerializationError struct {
	Reason string
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("bson serialization failed: %s", e.Reason)
}
func (e *SerializationError) Kind() Kind { return KindSerialization }

// StorageError reports a failure from the underlying kv.Store backend. Cause
// holds the wrapped, stack-traced original error (see pkg/kv/logstore, which
// wraps every Pebble failure with cockroachdb/errors before constructing one
// of these); Reason holds the original error's message, without the
// wrapping Cause adds.
type StorageError struct {
	Op     string
	Reason string
	Cause  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %s", e.Op, e.Reason)
}
func (e *StorageError) Kind() Kind  { return KindStorage }
func (e *StorageError) Unwrap() error { return e.Cause }

type ReadOnlyError struct {
	Op string
}

func (e *ReadOnlyError) Error() string {
	return fmt.Sprintf("cannot perform %q on a read-only transaction", e.Op)
}
func (e *ReadOnlyError) Kind() Kind { return KindReadOnly }

type ConflictError struct {
	Collection string
	ID         string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("commit conflict on %q in collection %q", e.ID, e.Collection)
}
func (e *ConflictError) Kind() Kind { return KindConflict }

// CollectionNotFoundError reports a lookup of a collection the catalog
// does not know about.
type CollectionNotFoundError struct {
	Name string
}

func (e *CollectionNotFoundError) Error() string {
	return fmt.Sprintf("collection %q not found", e.Name)
}
func (e *CollectionNotFoundError) Kind() Kind { return KindNotFound }

type CollectionAlreadyExistsError struct {
	Name string
}

func (e *CollectionAlreadyExistsError) Error() string {
	return fmt.Sprintf("collection %q already exists", e.Name)
}
func (e *CollectionAlreadyExistsError) Kind() Kind { return KindInvalidQuery }

type IndexNotFoundError struct {
	Collection string
	Field      string
}

func (e *IndexNotFoundError) Error() string {
	return fmt.Sprintf("index on field %q not found in collection %q", e.Field, e.Collection)
}
func (e *IndexNotFoundError) Kind() Kind { return KindNotFound }
