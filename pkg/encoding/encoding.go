// Package encoding implements the bijective, order-preserving byte
// encodings the engine uses for data keys, index keys, and the scalar
// values carried inside index keys. Every function here is pure: given the
// same BSON scalar it always produces the same bytes, and those bytes sort
// (under plain lexicographic comparison) in the same order as the scalars
// they represent within a type class, with type classes ordered by tag.
package encoding

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Type tags. These intentionally match the corresponding BSON wire-format
// type bytes (go.mongodb.org/mongo-driver/v2/bson.Type), so a tag byte read
// off an index key is also a valid bson.Type for re-hydrating the value.
const (
	TagDouble byte = 0x01
	TagString byte = 0x02
	TagBool   byte = 0x08
	TagDate   byte = 0x09
	TagInt32  byte = 0x10
	TagInt64  byte = 0x12
)

const (
	dataKeyPrefix   = "d\x00"
	indexKeyPrefix  = "i\x00"
	configKeyPrefix = "cfg\x00"
	sep             = "\x00"
)

// stringTerminator/stringEscape implement a memcomparable string encoding:
// every literal 0x00 byte in the string is escaped to 0x00 0xFF, and the
// string proper is closed with 0x00 0x00. This preserves byte order: a
// string that is a strict prefix of another (and therefore "smaller")
// always sorts first. Where the longer string continues with a non-NUL
// byte, the terminator's first byte (0x00) is already smaller; where it
// continues with an escaped NUL, both have 0x00 there and the terminator's
// second byte (0x00) is smaller than the escape's 0xFF.
func encodeOrderedString(s string) []byte {
	out := make([]byte, 0, len(s)+2)
	for i := 0; i < len(s); i++ {
		if s[i] == 0x00 {
			out = append(out, 0x00, 0xFF)
		} else {
			out = append(out, s[i])
		}
	}
	out = append(out, 0x00, 0x00)
	return out
}

func decodeOrderedString(b []byte) (string, int, error) {
	out := make([]byte, 0, len(b))
	i := 0
	for {
		if i >= len(b) {
			return "", 0, fmt.Errorf("encoding: unterminated string")
		}
		if b[i] == 0x00 {
			if i+1 >= len(b) {
				return "", 0, fmt.Errorf("encoding: truncated string escape")
			}
			switch b[i+1] {
			case 0x00:
				return string(out), i + 2, nil
			case 0xFF:
				out = append(out, 0x00)
				i += 2
				continue
			default:
				return "", 0, fmt.Errorf("encoding: invalid string escape 0x%02x", b[i+1])
			}
		}
		out = append(out, b[i])
		i++
	}
}

// EncodeScalar encodes a single BSON scalar value into its order-preserving,
// type-tagged byte representation.
func EncodeScalar(v bson.RawValue) ([]byte, error) {
	switch v.Type {
	case bson.TypeString:
		s, ok := v.StringValueOK()
		if !ok {
			return nil, fmt.Errorf("encoding: malformed string value")
		}
		return append([]byte{TagString}, encodeOrderedString(s)...), nil

	case bson.TypeBoolean:
		b, ok := v.BooleanOK()
		if !ok {
			return nil, fmt.Errorf("encoding: malformed bool value")
		}
		flag := byte(0x00)
		if b {
			flag = 0x01
		}
		return []byte{TagBool, flag}, nil

	case bson.TypeDateTime:
		dt, ok := v.DateTimeOK()
		if !ok {
			return nil, fmt.Errorf("encoding: malformed date value")
		}
		return append([]byte{TagDate}, encodeInt64(dt)...), nil

	case bson.TypeInt32:
		i32, ok := v.Int32OK()
		if !ok {
			return nil, fmt.Errorf("encoding: malformed int32 value")
		}
		return append([]byte{TagInt32}, encodeInt32(i32)...), nil

	case bson.TypeInt64:
		i64, ok := v.Int64OK()
		if !ok {
			return nil, fmt.Errorf("encoding: malformed int64 value")
		}
		return append([]byte{TagInt64}, encodeInt64(i64)...), nil

	case bson.TypeDouble:
		f, ok := v.DoubleOK()
		if !ok {
			return nil, fmt.Errorf("encoding: malformed double value")
		}
		return append([]byte{TagDouble}, encodeFloat64(f)...), nil

	default:
		return nil, fmt.Errorf("encoding: unsupported scalar type %v for index key", v.Type)
	}
}

// DecodeScalar reads a single tagged scalar off the front of b, returning the
// reconstructed value and the number of bytes consumed.
func DecodeScalar(b []byte) (bson.RawValue, int, error) {
	if len(b) == 0 {
		return bson.RawValue{}, 0, fmt.Errorf("encoding: empty input")
	}
	tag := b[0]
	rest := b[1:]

	switch tag {
	case TagString:
		s, n, err := decodeOrderedString(rest)
		if err != nil {
			return bson.RawValue{}, 0, err
		}
		return rawString(s), n + 1, nil

	case TagBool:
		if len(rest) < 1 {
			return bson.RawValue{}, 0, fmt.Errorf("encoding: truncated bool")
		}
		return rawBool(rest[0] == 0x01), 2, nil

	case TagDate:
		if len(rest) < 8 {
			return bson.RawValue{}, 0, fmt.Errorf("encoding: truncated date")
		}
		ms := decodeInt64(rest[:8])
		return rawDateTime(ms), 9, nil

	case TagInt32:
		if len(rest) < 4 {
			return bson.RawValue{}, 0, fmt.Errorf("encoding: truncated int32")
		}
		return rawInt32(decodeInt32(rest[:4])), 5, nil

	case TagInt64:
		if len(rest) < 8 {
			return bson.RawValue{}, 0, fmt.Errorf("encoding: truncated int64")
		}
		return rawInt64(decodeInt64(rest[:8])), 9, nil

	case TagDouble:
		if len(rest) < 8 {
			return bson.RawValue{}, 0, fmt.Errorf("encoding: truncated double")
		}
		return rawDouble(decodeFloat64(rest[:8])), 9, nil

	default:
		return bson.RawValue{}, 0, fmt.Errorf("encoding: unknown type tag 0x%02x", tag)
	}
}

func encodeInt64(v int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v)^(1<<63))
	return buf[:]
}

func decodeInt64(b []byte) int64 {
	u := binary.BigEndian.Uint64(b)
	return int64(u ^ (1 << 63))
}

func encodeInt32(v int32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v)^(1<<31))
	return buf[:]
}

func decodeInt32(b []byte) int32 {
	u := binary.BigEndian.Uint32(b)
	return int32(u ^ (1 << 31))
}

// encodeFloat64 flips the sign bit for non-negative numbers and inverts all
// bits for negative numbers, producing a uint64 whose unsigned order matches
// IEEE-754 total order, then stores it big-endian.
func encodeFloat64(f float64) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], bits)
	return buf[:]
}

func decodeFloat64(b []byte) float64 {
	bits := binary.BigEndian.Uint64(b)
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}

// EncodeRecordKey produces the data key "d\0{pk}\0" for a primary key value.
func EncodeRecordKey(pk bson.RawValue) ([]byte, error) {
	enc, err := EncodeScalar(pk)
	if err != nil {
		return nil, fmt.Errorf("encoding: primary key: %w", err)
	}
	out := make([]byte, 0, len(dataKeyPrefix)+len(enc)+len(sep))
	out = append(out, dataKeyPrefix...)
	out = append(out, enc...)
	out = append(out, sep...)
	return out, nil
}

// DecodeRecordKeyID recovers the encoded primary-key bytes from a data key
// (the bytes between the "d\0" prefix and the trailing "\0").
func DecodeRecordKeyID(key []byte) ([]byte, error) {
	if len(key) < len(dataKeyPrefix)+1 || string(key[:len(dataKeyPrefix)]) != dataKeyPrefix {
		return nil, fmt.Errorf("encoding: not a data key")
	}
	body := key[len(dataKeyPrefix):]
	if len(body) == 0 || body[len(body)-1] != 0x00 {
		return nil, fmt.Errorf("encoding: malformed data key")
	}
	return body[:len(body)-1], nil
}

// EncodeIndexPrefix builds the scan prefix for an indexed field, optionally
// narrowed to a single value for an Eq lookup.
func EncodeIndexPrefix(collection, field string, value ...bson.RawValue) ([]byte, error) {
	out := append([]byte(indexKeyPrefix), collection...)
	out = append(out, sep...)
	out = append(out, field...)
	out = append(out, sep...)
	if len(value) == 0 {
		return out, nil
	}
	enc, err := EncodeScalar(value[0])
	if err != nil {
		return nil, fmt.Errorf("encoding: index value: %w", err)
	}
	out = append(out, enc...)
	out = append(out, sep...)
	return out, nil
}

// EncodeIndexKey builds the full index entry key
// "i\0{collection}\0{field}\0{value}\0{pk}".
func EncodeIndexKey(collection, field string, value, pk bson.RawValue) ([]byte, error) {
	prefix, err := EncodeIndexPrefix(collection, field, value)
	if err != nil {
		return nil, err
	}
	pkBytes, err := EncodeScalar(pk)
	if err != nil {
		return nil, fmt.Errorf("encoding: index record id: %w", err)
	}
	return append(prefix, pkBytes...), nil
}

// DecodeIndexEntryRecordID recovers the trailing encoded primary-key bytes
// from a full index entry key produced by EncodeIndexKey.
func DecodeIndexEntryRecordID(collection, field string, key []byte) ([]byte, error) {
	prefix, err := EncodeIndexPrefix(collection, field)
	if err != nil {
		return nil, err
	}
	if len(key) <= len(prefix) || string(key[:len(prefix)]) != string(prefix) {
		return nil, fmt.Errorf("encoding: key does not belong to index %s.%s", collection, field)
	}
	rest := key[len(prefix):]
	_, n, err := DecodeScalar(rest)
	if err != nil {
		return nil, fmt.Errorf("encoding: decoding index value: %w", err)
	}
	rest = rest[n:]
	if len(rest) == 0 || rest[0] != 0x00 {
		return nil, fmt.Errorf("encoding: malformed index key")
	}
	return rest[1:], nil
}

// EncodeConfigKey builds the "cfg\0{collection}" key a collection's
// configuration document is persisted under.
func EncodeConfigKey(collection string) []byte {
	out := make([]byte, 0, len(configKeyPrefix)+len(collection))
	out = append(out, configKeyPrefix...)
	out = append(out, collection...)
	return out
}

// ConfigPrefix returns the scan prefix that enumerates every persisted
// collection configuration.
func ConfigPrefix() []byte {
	return []byte(configKeyPrefix)
}

func rawString(s string) bson.RawValue {
	doc, _ := bson.Marshal(bson.D{{Key: "v", Value: s}})
	rv, _ := bson.Raw(doc).LookupErr("v")
	return rv
}
func rawBool(b bool) bson.RawValue {
	doc, _ := bson.Marshal(bson.D{{Key: "v", Value: b}})
	rv, _ := bson.Raw(doc).LookupErr("v")
	return rv
}
func rawInt32(i int32) bson.RawValue {
	doc, _ := bson.Marshal(bson.D{{Key: "v", Value: i}})
	rv, _ := bson.Raw(doc).LookupErr("v")
	return rv
}
func rawInt64(i int64) bson.RawValue {
	doc, _ := bson.Marshal(bson.D{{Key: "v", Value: i}})
	rv, _ := bson.Raw(doc).LookupErr("v")
	return rv
}
func rawDouble(f float64) bson.RawValue {
	doc, _ := bson.Marshal(bson.D{{Key: "v", Value: f}})
	rv, _ := bson.Raw(doc).LookupErr("v")
	return rv
}
func rawDateTime(ms int64) bson.RawValue {
	doc, _ := bson.Marshal(bson.D{{Key: "v", Value: bson.NewDateTimeFromTime(time.UnixMilli(ms))}})
	rv, _ := bson.Raw(doc).LookupErr("v")
	return rv
}
