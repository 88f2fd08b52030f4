// Package projection renders a tag-keyed msgpack payload into a
// named-key JSON document using a type descriptor from the registry.
package projection

import (
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"time"

	"cxdb/cxdberr"
	"cxdb/registry"
	"cxdb/tagmap"
)

// BytesRender selects how binary field values are rendered to JSON.
type BytesRender int

const (
	BytesBase64 BytesRender = iota
	BytesHex
	BytesLenOnly
)

// U64Format selects whether large integers render as JSON numbers or
// strings (JSON numbers lose precision above 2^53).
type U64Format int

const (
	U64String U64Format = iota
	U64Number
)

// EnumRender selects how enum-tagged fields render.
type EnumRender int

const (
	EnumLabel EnumRender = iota
	EnumNumber
	EnumBoth
)

// TimeRender selects how unix_ms-typed fields render.
type TimeRender int

const (
	TimeISO TimeRender = iota
	TimeUnixMs
)

// Options controls the rendering choices made for a single projection.
type Options struct {
	BytesRender    BytesRender
	U64Format      U64Format
	EnumRender     EnumRender
	TimeRender     TimeRender
	IncludeUnknown bool
}

// DefaultOptions mirrors the original server's defaults: base64 bytes,
// stringified u64s (JSON-number-safe), enum label only, ISO-8601 time,
// unknown fields dropped.
func DefaultOptions() Options {
	return Options{
		BytesRender: BytesBase64,
		U64Format:   U64String,
		EnumRender:  EnumLabel,
		TimeRender:  TimeISO,
	}
}

// Result is the rendered projection: the named-key document, plus an
// optional sibling map of tags the descriptor didn't name.
type Result struct {
	Data    map[string]interface{}
	Unknown map[string]interface{}
}

// Project decodes payload as a tag-map msgpack value and renders it
// against descriptor, recursively following type-ref fields through reg.
func Project(payload []byte, descriptor registry.TypeVersion, reg *registry.Registry, opts Options) (Result, error) {
	v, err := tagmap.Decode(payload)
	if err != nil {
		return Result{}, err
	}

	m, err := tagmap.Normalize(v)
	if err != nil {
		return Result{}, err
	}

	data := make(map[string]interface{}, len(descriptor.Fields))
	for tag, field := range descriptor.Fields {
		if val, ok := m[tag]; ok {
			data[field.Name] = renderFieldValue(val, field, reg, opts)
		}
	}

	res := Result{Data: data}
	if opts.IncludeUnknown {
		unknown := make(map[string]interface{})
		for tag, val := range m {
			if _, named := descriptor.Fields[tag]; named {
				continue
			}
			unknown[strconv.FormatUint(tag, 10)] = renderValue(val, opts)
		}
		res.Unknown = unknown
	}
	return res, nil
}

func renderFieldValue(value interface{}, field registry.FieldSpec, reg *registry.Registry, opts Options) interface{} {
	if field.EnumRef != "" {
		if num, ok := tagmap.ValueToUint64(value); ok {
			if enumMap, err := reg.GetEnum(field.EnumRef); err == nil {
				if label, ok := enumMap[strconv.FormatUint(num, 10)]; ok {
					switch opts.EnumRender {
					case EnumLabel:
						return label
					case EnumNumber:
						return num
					case EnumBoth:
						return map[string]interface{}{"label": label, "value": num}
					}
				}
			}
		}
	}

	// Schemas may carry a type_ref via either "type": "ref" or
	// "type": "map" with a separate ref attribute (shorthand forms).
	if field.TypeRef != "" && (field.Type == "ref" || field.Type == "map") {
		return renderTypeRef(value, field.TypeRef, reg, opts)
	}

	switch field.Type {
	case "u64", "uint64", "i64", "int64":
		return renderU64(value, opts)
	case "u32", "uint32", "u8", "uint8", "int32":
		return renderInt(value)
	case "string":
		return renderString(value)
	case "bool":
		b, ok := value.(bool)
		if !ok {
			return nil
		}
		return b
	case "bytes", "typed_blob":
		return renderBytes(value, opts)
	case "array":
		return renderArray(value, field.Items, reg, opts)
	case "unix_ms", "time_ms", "timestamp_ms":
		return renderTime(value, opts)
	default:
		return renderValue(value, opts)
	}
}

func renderTypeRef(value interface{}, typeRef string, reg *registry.Registry, opts Options) interface{} {
	typeSpec, err := reg.GetLatestTypeVersion(typeRef)
	if err != nil {
		return renderValue(value, opts)
	}

	m, ok := tagmap.ValueToMap(value)
	if !ok {
		return renderValue(value, opts)
	}

	data := make(map[string]interface{}, len(typeSpec.Fields))
	for tag, field := range typeSpec.Fields {
		if val, ok := m[tag]; ok {
			data[field.Name] = renderFieldValue(val, field, reg, opts)
		}
	}
	return data
}

func renderValue(value interface{}, opts Options) interface{} {
	switch v := value.(type) {
	case nil:
		return nil
	case bool:
		return v
	case uint64:
		return renderU64Raw(v, opts)
	case int64:
		return v
	case float64:
		return v
	case string:
		return v
	case []byte:
		return renderBytesRaw(v, opts)
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = renderValue(item, opts)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			var key string
			switch kk := k.(type) {
			case string:
				key = kk
			case uint64:
				key = strconv.FormatUint(kk, 10)
			case int64:
				key = strconv.FormatInt(kk, 10)
			}
			out[key] = renderValue(val, opts)
		}
		return out
	default:
		return nil
	}
}

func renderString(value interface{}) interface{} {
	s, ok := value.(string)
	if !ok {
		return nil
	}
	return s
}

func renderInt(value interface{}) interface{} {
	i, ok := tagmap.ValueToInt64(value)
	if !ok {
		return nil
	}
	return i
}

func renderU64(value interface{}, opts Options) interface{} {
	u, ok := tagmap.ValueToUint64(value)
	if !ok {
		return nil
	}
	return renderU64Raw(u, opts)
}

func renderU64Raw(u uint64, opts Options) interface{} {
	if opts.U64Format == U64String {
		return strconv.FormatUint(u, 10)
	}
	return u
}

func renderBytes(value interface{}, opts Options) interface{} {
	b, ok := value.([]byte)
	if !ok {
		return nil
	}
	return renderBytesRaw(b, opts)
}

func renderBytesRaw(b []byte, opts Options) interface{} {
	switch opts.BytesRender {
	case BytesBase64:
		return base64.StdEncoding.EncodeToString(b)
	case BytesHex:
		return hex.EncodeToString(b)
	case BytesLenOnly:
		return uint64(len(b))
	default:
		return nil
	}
}

func renderArray(value interface{}, items *registry.ItemsSpec, reg *registry.Registry, opts Options) interface{} {
	arr, ok := value.([]interface{})
	if !ok {
		return nil
	}

	out := make([]interface{}, 0, len(arr))
	for _, item := range arr {
		switch {
		case items == nil:
			out = append(out, renderValue(item, opts))
		case items.Ref != "":
			out = append(out, renderTypeRef(item, items.Ref, reg, opts))
		default:
			dummy := registry.FieldSpec{Type: items.Simple}
			out = append(out, renderFieldValue(item, dummy, reg, opts))
		}
	}
	return out
}

func renderTime(value interface{}, opts Options) interface{} {
	ms, ok := tagmap.ValueToInt64(value)
	if !ok {
		return nil
	}

	if opts.TimeRender == TimeUnixMs {
		return ms
	}

	t := time.UnixMilli(ms).UTC()
	return t.Format(time.RFC3339Nano)
}

// ErrNotMap has the same InvalidInput kind and message that
// tagmap.Normalize reports when a decoded payload's outer value is not a
// map. No function in this module returns ErrNotMap itself; Project
// passes tagmap's own error through, so callers match on the kind
// (cxdberr.IsInvalidInput) rather than on this value.
var ErrNotMap = cxdberr.InvalidInput("payload is not a map")
