// Package tagmap decodes the wire payload container (spec section 6:
// "wire encoding identifier 1... a compact binary map representation
// whose keys are small unsigned integers") and normalizes its outer map
// to tag -> value, accepting both integer and numeric-string keys for
// forward compatibility with peers using a different MessagePack encoder
// (the original server was itself built anticipating a Go-based writer
// client, per its test comments).
//
// The container is MessagePack. Decoding is implemented directly against
// the wire format here (rather than through a generic third-party decode
// path) because the normalization step needs exact control over how map
// keys surface — integer vs numeric-string — which a generic
// msgpack-to-interface{} decode does not reliably preserve across
// encoders. github.com/vmihailenco/msgpack/v5 is used only in tests (the
// tagmap, projection and store test fixtures) for straightforward
// encoding, where its
// behavior is unambiguous.
package tagmap

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"

	"cxdb/cxdberr"
)

// Decode parses a single MessagePack value from payload.
func Decode(payload []byte) (interface{}, error) {
	r := bytes.NewReader(payload)
	v, err := decodeValue(r)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func decodeValue(r *bytes.Reader) (interface{}, error) {
	b, err := r.ReadByte()
	if err != nil {
		return nil, cxdberr.InvalidInput("truncated msgpack payload")
	}

	switch {
	case b <= 0x7f: // positive fixint
		return uint64(b), nil
	case b >= 0xe0: // negative fixint
		return int64(int8(b)), nil
	case b >= 0x80 && b <= 0x8f: // fixmap
		return decodeMap(r, int(b&0x0f))
	case b >= 0x90 && b <= 0x9f: // fixarray
		return decodeArray(r, int(b&0x0f))
	case b >= 0xa0 && b <= 0xbf: // fixstr
		return decodeStr(r, int(b&0x1f))
	}

	switch b {
	case 0xc0:
		return nil, nil
	case 0xc2:
		return false, nil
	case 0xc3:
		return true, nil
	case 0xc4: // bin8
		n, err := readUint(r, 1)
		if err != nil {
			return nil, err
		}
		return readBytes(r, int(n))
	case 0xc5: // bin16
		n, err := readUint(r, 2)
		if err != nil {
			return nil, err
		}
		return readBytes(r, int(n))
	case 0xc6: // bin32
		n, err := readUint(r, 4)
		if err != nil {
			return nil, err
		}
		return readBytes(r, int(n))
	case 0xca: // float32
		bits, err := readUint(r, 4)
		if err != nil {
			return nil, err
		}
		return float64(math.Float32frombits(uint32(bits))), nil
	case 0xcb: // float64
		bits, err := readUint(r, 8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(bits), nil
	case 0xcc: // uint8
		v, err := readUint(r, 1)
		return v, err
	case 0xcd: // uint16
		v, err := readUint(r, 2)
		return v, err
	case 0xce: // uint32
		v, err := readUint(r, 4)
		return v, err
	case 0xcf: // uint64
		v, err := readUint(r, 8)
		return v, err
	case 0xd0: // int8
		v, err := readUint(r, 1)
		if err != nil {
			return nil, err
		}
		return int64(int8(v)), nil
	case 0xd1: // int16
		v, err := readUint(r, 2)
		if err != nil {
			return nil, err
		}
		return int64(int16(v)), nil
	case 0xd2: // int32
		v, err := readUint(r, 4)
		if err != nil {
			return nil, err
		}
		return int64(int32(v)), nil
	case 0xd3: // int64
		v, err := readUint(r, 8)
		if err != nil {
			return nil, err
		}
		return int64(v), nil
	case 0xd9: // str8
		n, err := readUint(r, 1)
		if err != nil {
			return nil, err
		}
		return decodeStr(r, int(n))
	case 0xda: // str16
		n, err := readUint(r, 2)
		if err != nil {
			return nil, err
		}
		return decodeStr(r, int(n))
	case 0xdb: // str32
		n, err := readUint(r, 4)
		if err != nil {
			return nil, err
		}
		return decodeStr(r, int(n))
	case 0xdc: // array16
		n, err := readUint(r, 2)
		if err != nil {
			return nil, err
		}
		return decodeArray(r, int(n))
	case 0xdd: // array32
		n, err := readUint(r, 4)
		if err != nil {
			return nil, err
		}
		return decodeArray(r, int(n))
	case 0xde: // map16
		n, err := readUint(r, 2)
		if err != nil {
			return nil, err
		}
		return decodeMap(r, int(n))
	case 0xdf: // map32
		n, err := readUint(r, 4)
		if err != nil {
			return nil, err
		}
		return decodeMap(r, int(n))
	}

	return nil, cxdberr.InvalidInput(fmt.Sprintf("unsupported msgpack tag byte 0x%x", b))
}

func readUint(r *bytes.Reader, n int) (uint64, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, cxdberr.InvalidInput("truncated msgpack payload")
	}
	switch n {
	case 1:
		return uint64(buf[0]), nil
	case 2:
		return uint64(binary.BigEndian.Uint16(buf)), nil
	case 4:
		return uint64(binary.BigEndian.Uint32(buf)), nil
	case 8:
		return binary.BigEndian.Uint64(buf), nil
	}
	return 0, cxdberr.InvalidInput("invalid uint width")
}

func readBytes(r *bytes.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, cxdberr.InvalidInput("truncated msgpack payload")
	}
	return buf, nil
}

func decodeStr(r *bytes.Reader, n int) (string, error) {
	b, err := readBytes(r, n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeArray(r *bytes.Reader, n int) ([]interface{}, error) {
	out := make([]interface{}, 0, n)
	for i := 0; i < n; i++ {
		v, err := decodeValue(r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func decodeMap(r *bytes.Reader, n int) (map[interface{}]interface{}, error) {
	out := make(map[interface{}]interface{}, n)
	for i := 0; i < n; i++ {
		k, err := decodeValue(r)
		if err != nil {
			return nil, err
		}
		v, err := decodeValue(r)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// KeyToTag coerces a decoded map key into a tag, accepting non-negative
// integers (signed or unsigned) and numeric strings, rejecting negative
// values, booleans, nil, and non-numeric strings.
func KeyToTag(key interface{}) (uint64, bool) {
	switch v := key.(type) {
	case uint64:
		return v, true
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case string:
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// Normalize builds a tag -> value map from a decoded outer map value,
// accepting both integer and numeric-string keys.
func Normalize(v interface{}) (map[uint64]interface{}, error) {
	m, ok := v.(map[interface{}]interface{})
	if !ok {
		return nil, cxdberr.InvalidInput("payload is not a map")
	}
	out := make(map[uint64]interface{}, len(m))
	for k, val := range m {
		tag, ok := KeyToTag(k)
		if !ok {
			continue
		}
		out[tag] = val
	}
	return out, nil
}

// ValueToUint64 coerces a decoded numeric value to uint64.
func ValueToUint64(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	}
	return 0, false
}

// ValueToInt64 coerces a decoded numeric value to int64.
func ValueToInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

// ValueToString coerces a decoded value to a string.
func ValueToString(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// ValueToStringSlice coerces a decoded array value into a []string,
// skipping non-string elements.
func ValueToStringSlice(v interface{}) ([]string, bool) {
	arr, ok := v.([]interface{})
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out, true
}

// ValueToMap coerces a decoded value into its normalized tag map.
func ValueToMap(v interface{}) (map[uint64]interface{}, bool) {
	m, ok := v.(map[interface{}]interface{})
	if !ok {
		return nil, false
	}
	out, err := Normalize(m)
	if err != nil {
		return nil, false
	}
	return out, true
}

// ValueToStringMap coerces a decoded value into a map[string]string,
// skipping any non-string key/value pairs. An empty resulting map returns
// ok=false, matching the original's "empty map means absent" behavior.
func ValueToStringMap(v interface{}) (map[string]string, bool) {
	m, ok := v.(map[interface{}]interface{})
	if !ok {
		return nil, false
	}
	out := make(map[string]string)
	for k, val := range m {
		ks, ok1 := k.(string)
		vs, ok2 := val.(string)
		if ok1 && ok2 {
			out[ks] = vs
		}
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}
