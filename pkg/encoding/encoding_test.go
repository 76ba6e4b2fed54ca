package encoding

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func val(v interface{}) bson.RawValue {
	doc, err := bson.Marshal(bson.D{{Key: "v", Value: v}})
	if err != nil {
		panic(err)
	}
	rv, err := bson.Raw(doc).LookupErr("v")
	if err != nil {
		panic(err)
	}
	return rv
}

func TestEncodeScalar_RoundTrip(t *testing.T) {
	cases := []interface{}{
		"hello",
		"",
		true,
		false,
		int32(42),
		int32(-42),
		int64(1 << 40),
		int64(-(1 << 40)),
		3.14,
		-3.14,
	}
	for _, c := range cases {
		enc, err := EncodeScalar(val(c))
		require.NoError(t, err)
		dec, n, err := DecodeScalar(enc)
		require.NoError(t, err)
		require.Equal(t, len(enc), n)
		require.Equal(t, val(c).Type, dec.Type)
	}
}

func TestEncodeScalar_DateTimeRoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	v := val(bson.NewDateTimeFromTime(now))
	enc, err := EncodeScalar(v)
	require.NoError(t, err)
	dec, n, err := DecodeScalar(enc)
	require.NoError(t, err)
	require.Equal(t, len(enc), n)
	ms, ok := dec.DateTimeOK()
	require.True(t, ok)
	require.Equal(t, now.UnixMilli(), ms)
}

func TestEncodeScalar_StringOrderPreserving(t *testing.T) {
	inputs := []string{"apple", "banana", "app", "", "z", "Apple", "ap\x00ple"}

	want := append([]string(nil), inputs...)
	sort.Strings(want)

	type pair struct {
		s   string
		enc []byte
	}
	pairs := make([]pair, len(inputs))
	for i, s := range inputs {
		enc, err := EncodeScalar(val(s))
		require.NoError(t, err)
		pairs[i] = pair{s, enc}
	}
	sort.Slice(pairs, func(i, j int) bool {
		return compareBytes(pairs[i].enc, pairs[j].enc) < 0
	})
	gotOrder := make([]string, len(pairs))
	for i, p := range pairs {
		gotOrder[i] = p.s
	}
	require.Equal(t, want, gotOrder)
}

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func TestEncodeScalar_IntOrderPreserving(t *testing.T) {
	ints := []int32{-100, -1, 0, 1, 100, 1 << 20}
	encoded := make([][]byte, len(ints))
	for i, n := range ints {
		enc, err := EncodeScalar(val(n))
		require.NoError(t, err)
		encoded[i] = enc
	}
	for i := 0; i < len(ints)-1; i++ {
		require.True(t, compareBytes(encoded[i], encoded[i+1]) < 0,
			"expected %d < %d in encoded order", ints[i], ints[i+1])
	}
}

func TestEncodeScalar_Int64OrderPreserving(t *testing.T) {
	ints := []int64{-1 << 50, -1, 0, 1, 1 << 50}
	encoded := make([][]byte, len(ints))
	for i, n := range ints {
		enc, err := EncodeScalar(val(n))
		require.NoError(t, err)
		encoded[i] = enc
	}
	for i := 0; i < len(ints)-1; i++ {
		require.True(t, compareBytes(encoded[i], encoded[i+1]) < 0)
	}
}

func TestEncodeScalar_DoubleOrderPreserving(t *testing.T) {
	floats := []float64{-100.5, -0.001, 0, 0.001, 100.5}
	encoded := make([][]byte, len(floats))
	for i, f := range floats {
		enc, err := EncodeScalar(val(f))
		require.NoError(t, err)
		encoded[i] = enc
	}
	for i := 0; i < len(floats)-1; i++ {
		require.True(t, compareBytes(encoded[i], encoded[i+1]) < 0,
			"expected %v < %v in encoded order", floats[i], floats[i+1])
	}
}

func TestEncodeRecordKey_DecodeRoundTrip(t *testing.T) {
	pk := val("order-1")
	key, err := EncodeRecordKey(pk)
	require.NoError(t, err)
	require.True(t, len(key) > len("d\x00"))

	idBytes, err := DecodeRecordKeyID(key)
	require.NoError(t, err)

	dec, n, err := DecodeScalar(idBytes)
	require.NoError(t, err)
	require.Equal(t, len(idBytes), n)
	s, ok := dec.StringValueOK()
	require.True(t, ok)
	require.Equal(t, "order-1", s)
}

func TestEncodeIndexKey_PrefixAndRecordID(t *testing.T) {
	field, value, pk := "status", val("active"), val("order-42")

	full, err := EncodeIndexKey("orders", field, value, pk)
	require.NoError(t, err)

	prefix, err := EncodeIndexPrefix("orders", field, value)
	require.NoError(t, err)
	require.True(t, len(full) > len(prefix))
	require.Equal(t, prefix, full[:len(prefix)])

	idBytes, err := DecodeIndexEntryRecordID("orders", field, full)
	require.NoError(t, err)
	dec, _, err := DecodeScalar(idBytes)
	require.NoError(t, err)
	s, ok := dec.StringValueOK()
	require.True(t, ok)
	require.Equal(t, "order-42", s)
}

func TestEncodeIndexPrefix_FieldOnlyIsPrefixOfValuePrefix(t *testing.T) {
	fieldPrefix, err := EncodeIndexPrefix("orders", "status")
	require.NoError(t, err)
	valuePrefix, err := EncodeIndexPrefix("orders", "status", val("active"))
	require.NoError(t, err)
	require.Equal(t, fieldPrefix, valuePrefix[:len(fieldPrefix)])
}

func TestEncodeScalar_UnsupportedType(t *testing.T) {
	_, err := EncodeScalar(val(bson.D{{Key: "nested", Value: 1}}))
	require.Error(t, err)
}

func TestEncodeConfigKey_DistinctPerCollectionUnderConfigPrefix(t *testing.T) {
	users := EncodeConfigKey("users")
	orders := EncodeConfigKey("orders")
	require.NotEqual(t, users, orders)
	require.Equal(t, ConfigPrefix(), users[:len(ConfigPrefix())])
	require.Equal(t, ConfigPrefix(), orders[:len(ConfigPrefix())])
}
