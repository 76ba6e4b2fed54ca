// Package types holds the ordering primitive the in-memory B+Tree is generic
// over. Scalar comparisons with cross-type numeric coercion and null-first
// ordering live in pkg/encoding and pkg/bsonraw, which operate on already
// encoded or raw BSON bytes; this package only supplies the byte-lexicographic
// Comparable the tree structure needs, since every key handed to it (data
// keys, index keys) is produced by pkg/encoding in comparable byte order
// already.
package types

import "bytes"

// Comparable is the ordering contract required by pkg/btree.
type Comparable interface {
	Compare(other Comparable) int // -1 if <, 0 if ==, 1 if >
}

// ByteKey orders by plain lexicographic byte comparison. pkg/encoding
// produces byte sequences whose lexicographic order already matches the
// desired key order; ByteKey just carries that order into the tree.
type ByteKey []byte

func (k ByteKey) Compare(other Comparable) int {
	o := other.(ByteKey)
	return bytes.Compare(k, o)
}

func (k ByteKey) String() string { return string(k) }
