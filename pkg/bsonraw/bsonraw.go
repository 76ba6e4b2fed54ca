// Package bsonraw is the raw tier's value substrate: dot-path resolution
// over bson.Raw documents without full deserialization, plus the
// cross-type scalar comparison rules the filter and sort stages share.
//
// bson.Raw and bson.RawValue in go.mongodb.org/mongo-driver/v2/bson are
// thin views over a []byte the caller supplies, with no implicit copy, so
// this package does not wrap them further; kv.Bytes (see pkg/kv) is where
// the borrowed/owned distinction is made explicit, and ReadRecord
// (pkg/planexec) bridges a kv.Bytes into a bson.Raw view.
package bsonraw

import (
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// GetPathValues resolves a dot-path against doc, descending embedded
// documents and, on encountering an array, yielding the subpath's value
// from every element (multi-key semantics). A path segment that can't be
// resolved (missing field, scalar where a document was expected) simply
// contributes no values rather than erroring — absence is not an error.
func GetPathValues(doc bson.Raw, path string) ([]bson.RawValue, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return resolvePath(doc, strings.Split(path, "."))
}

func resolvePath(doc bson.Raw, segments []string) ([]bson.RawValue, error) {
	key := segments[0]
	rest := segments[1:]

	rv, err := doc.LookupErr(key)
	if err != nil {
		return nil, nil // field absent: no values, not an error
	}

	if len(rest) == 0 {
		if rv.Type == bson.TypeArray {
			return arrayElements(rv)
		}
		return []bson.RawValue{rv}, nil
	}

	switch rv.Type {
	case bson.TypeEmbeddedDocument:
		sub, ok := rv.DocumentOK()
		if !ok {
			return nil, nil
		}
		return resolvePath(sub, rest)

	case bson.TypeArray:
		elems, err := arrayElements(rv)
		if err != nil {
			return nil, nil
		}
		var out []bson.RawValue
		for _, el := range elems {
			if el.Type != bson.TypeEmbeddedDocument {
				continue
			}
			sub, ok := el.DocumentOK()
			if !ok {
				continue
			}
			vals, err := resolvePath(sub, rest)
			if err == nil {
				out = append(out, vals...)
			}
		}
		return out, nil

	default:
		return nil, nil // can't descend into a scalar
	}
}

func arrayElements(rv bson.RawValue) ([]bson.RawValue, error) {
	arr, ok := rv.ArrayOK()
	if !ok {
		return nil, nil
	}
	return arr.Values()
}

// IsNull reports whether the dot-path resolves to "no value" (absent
// field, or a single BSON-null value): absence and explicit null are
// indistinguishable to IsNull and to every other comparison operator. A
// path that resolves to an array (even one containing nulls) is present,
// not null.
func IsNull(doc bson.Raw, path string) bool {
	values, err := GetPathValues(doc, path)
	if err != nil {
		return false
	}
	if len(values) == 0 {
		return true
	}
	if len(values) == 1 && values[0].Type == bson.TypeNull {
		return true
	}
	return false
}

// numericClass classifies a BSON scalar for cross-type numeric widening;
// -1 means "not numeric".
func numericClass(t bson.Type) int {
	switch t {
	case bson.TypeInt32:
		return 1
	case bson.TypeInt64:
		return 2
	case bson.TypeDouble:
		return 3
	default:
		return -1
	}
}

func asFloat64(v bson.RawValue) (float64, bool) {
	switch v.Type {
	case bson.TypeInt32:
		i, ok := v.Int32OK()
		return float64(i), ok
	case bson.TypeInt64:
		i, ok := v.Int64OK()
		return float64(i), ok
	case bson.TypeDouble:
		f, ok := v.DoubleOK()
		return f, ok
	default:
		return 0, false
	}
}

// Compare orders two scalar BSON values under the engine's total order:
// null sorts before everything; numerics (int32/int64/double) compare by
// numeric value across the tower; strings compare by byte order; booleans
// compare false < true; dates compare as int64 millisecond timestamps.
// Values from different, non-interoperable classes (e.g. string vs number)
// are reported as incomparable via ok=false.
func Compare(a, b bson.RawValue) (cmp int, ok bool) {
	aNull := a.Type == bson.TypeNull || a.Type == 0
	bNull := b.Type == bson.TypeNull || b.Type == 0
	if aNull && bNull {
		return 0, true
	}
	if aNull {
		return -1, true
	}
	if bNull {
		return 1, true
	}

	if numericClass(a.Type) >= 0 && numericClass(b.Type) >= 0 {
		af, _ := asFloat64(a)
		bf, _ := asFloat64(b)
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}

	if a.Type == bson.TypeString && b.Type == bson.TypeString {
		as, _ := a.StringValueOK()
		bs, _ := b.StringValueOK()
		switch {
		case as < bs:
			return -1, true
		case as > bs:
			return 1, true
		default:
			return 0, true
		}
	}

	if a.Type == bson.TypeBoolean && b.Type == bson.TypeBoolean {
		ab, _ := a.BooleanOK()
		bb, _ := b.BooleanOK()
		switch {
		case ab == bb:
			return 0, true
		case !ab:
			return -1, true
		default:
			return 1, true
		}
	}

	if a.Type == bson.TypeDateTime && b.Type == bson.TypeDateTime {
		am, _ := a.DateTimeOK()
		bm, _ := b.DateTimeOK()
		switch {
		case am < bm:
			return -1, true
		case am > bm:
			return 1, true
		default:
			return 0, true
		}
	}

	return 0, false
}

// Equal reports whether a and b compare equal under Compare; incomparable
// values (ok=false) are never equal.
func Equal(a, b bson.RawValue) bool {
	cmp, ok := Compare(a, b)
	return ok && cmp == 0
}
