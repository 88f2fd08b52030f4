package tagmap

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestDecodeScalarTypes(t *testing.T) {
	b, err := msgpack.Marshal(map[int]interface{}{
		1: "hello",
		2: uint64(42),
		3: true,
		4: 3.5,
	})
	require.NoError(t, err)

	v, err := Decode(b)
	require.NoError(t, err)

	tags, err := Normalize(v)
	require.NoError(t, err)

	s, ok := ValueToString(tags[1])
	require.True(t, ok)
	require.Equal(t, "hello", s)

	n, ok := ValueToUint64(tags[2])
	require.True(t, ok)
	require.Equal(t, uint64(42), n)

	require.Equal(t, true, tags[3])
	require.InDelta(t, 3.5, tags[4], 0.0001)
}

func TestKeyToTagAcceptsNumericStringRejectsNegative(t *testing.T) {
	tag, ok := KeyToTag("42")
	require.True(t, ok)
	require.Equal(t, uint64(42), tag)

	_, ok = KeyToTag("-1")
	require.False(t, ok)

	_, ok = KeyToTag("not-a-number")
	require.False(t, ok)

	_, ok = KeyToTag(true)
	require.False(t, ok)

	_, ok = KeyToTag(nil)
	require.False(t, ok)

	tag, ok = KeyToTag(uint64(7))
	require.True(t, ok)
	require.Equal(t, uint64(7), tag)

	tag, ok = KeyToTag(int64(9))
	require.True(t, ok)
	require.Equal(t, uint64(9), tag)

	_, ok = KeyToTag(int64(-9))
	require.False(t, ok)
}

func TestNormalizeRejectsNonMap(t *testing.T) {
	_, err := Normalize("not a map")
	require.Error(t, err)
}

func TestDecodeNestedArrayAndMap(t *testing.T) {
	b, err := msgpack.Marshal(map[int]interface{}{
		1: []interface{}{"a", "b", "c"},
		2: map[int]interface{}{1: "nested"},
	})
	require.NoError(t, err)

	v, err := Decode(b)
	require.NoError(t, err)
	tags, err := Normalize(v)
	require.NoError(t, err)

	arr, ok := ValueToStringSlice(tags[1])
	require.True(t, ok)
	require.Equal(t, []string{"a", "b", "c"}, arr)

	nested, ok := ValueToMap(tags[2])
	require.True(t, ok)
	s, ok := ValueToString(nested[1])
	require.True(t, ok)
	require.Equal(t, "nested", s)
}

func TestDecodeBinary(t *testing.T) {
	b, err := msgpack.Marshal(map[int]interface{}{
		1: []byte{0xde, 0xad, 0xbe, 0xef},
	})
	require.NoError(t, err)

	v, err := Decode(b)
	require.NoError(t, err)
	tags, err := Normalize(v)
	require.NoError(t, err)

	raw, ok := tags[1].([]byte)
	require.True(t, ok)
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, raw)
}

func TestDecodeTruncatedPayloadErrors(t *testing.T) {
	_, err := Decode([]byte{0x81}) // fixmap claiming 1 entry, no bytes follow
	require.Error(t, err)
}

func TestValueToStringMapEmptyReturnsNotOk(t *testing.T) {
	b, err := msgpack.Marshal(map[int]interface{}{
		1: map[int]interface{}{},
	})
	require.NoError(t, err)
	v, err := Decode(b)
	require.NoError(t, err)
	tags, err := Normalize(v)
	require.NoError(t, err)

	_, ok := ValueToStringMap(tags[1])
	require.False(t, ok)
}
