package projection

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"cxdb/registry"
)

const bundleWithEnum = `{
  "registry_version": 1,
  "bundle_id": "p1",
  "enums": {"Role": {"1": "admin", "2": "member"}},
  "types": {
    "Msg": {"versions": {"1": {"fields": {
      "1": {"name": "role", "type": "u8", "enum": "Role"},
      "2": {"name": "text", "type": "string"},
      "3": {"name": "attachment", "type": "bytes"},
      "4": {"name": "sent_at", "type": "unix_ms"}
    }}}}
  }
}`

const bundleWithRef = `{
  "registry_version": 1,
  "bundle_id": "p2",
  "enums": {},
  "types": {
    "Outer": {"versions": {"1": {"fields": {
      "1": {"name": "parts", "type": "array", "items": {"ref": "Part"}},
      "2": {"name": "inner", "type": "ref", "ref": "Part"}
    }}}},
    "Part": {"versions": {"1": {"fields": {"1": {"name": "text", "type": "string"}}}}}
  }
}`

func openWith(t *testing.T, bundleID, raw string) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	r, err := registry.Open(dir)
	require.NoError(t, err)
	_, err = r.PutBundle(bundleID, []byte(raw))
	require.NoError(t, err)
	return r
}

func TestProjectRendersEnumBytesAndTime(t *testing.T) {
	r := openWith(t, "p1", bundleWithEnum)
	desc, err := r.GetTypeVersion("Msg", 1)
	require.NoError(t, err)

	payload, err := msgpack.Marshal(map[int]interface{}{
		1: uint64(1),
		2: "hello",
		3: []byte{0xca, 0xfe},
		4: int64(1700000000000),
	})
	require.NoError(t, err)

	res, err := Project(payload, desc, r, DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, "admin", res.Data["role"])
	require.Equal(t, "hello", res.Data["text"])
	require.Equal(t, "2023-11-14T22:13:20Z", res.Data["sent_at"])
	require.Equal(t, "yv4=", res.Data["attachment"])
}

func TestProjectEnumRenderModes(t *testing.T) {
	r := openWith(t, "p1", bundleWithEnum)
	desc, err := r.GetTypeVersion("Msg", 1)
	require.NoError(t, err)

	payload, err := msgpack.Marshal(map[int]interface{}{1: uint64(2)})
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.EnumRender = EnumNumber
	res, err := Project(payload, desc, r, opts)
	require.NoError(t, err)
	require.Equal(t, uint64(2), res.Data["role"])

	opts.EnumRender = EnumBoth
	res, err = Project(payload, desc, r, opts)
	require.NoError(t, err)
	both, ok := res.Data["role"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "member", both["label"])
	require.Equal(t, uint64(2), both["value"])
}

func TestProjectIncludesUnknownWhenRequested(t *testing.T) {
	r := openWith(t, "p1", bundleWithEnum)
	desc, err := r.GetTypeVersion("Msg", 1)
	require.NoError(t, err)

	payload, err := msgpack.Marshal(map[int]interface{}{
		2:  "hello",
		99: "mystery",
	})
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.IncludeUnknown = true
	res, err := Project(payload, desc, r, opts)
	require.NoError(t, err)
	require.Equal(t, "hello", res.Data["text"])
	require.Equal(t, "mystery", res.Unknown["99"])
}

func TestProjectRecursesThroughTypeRefAndArrayItems(t *testing.T) {
	r := openWith(t, "p2", bundleWithRef)
	desc, err := r.GetTypeVersion("Outer", 1)
	require.NoError(t, err)

	part := map[int]interface{}{1: "part-text"}
	payload, err := msgpack.Marshal(map[int]interface{}{
		1: []interface{}{part, part},
		2: part,
	})
	require.NoError(t, err)

	res, err := Project(payload, desc, r, DefaultOptions())
	require.NoError(t, err)

	parts, ok := res.Data["parts"].([]interface{})
	require.True(t, ok)
	require.Len(t, parts, 2)
	first, ok := parts[0].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "part-text", first["text"])

	inner, ok := res.Data["inner"].(map[string]interface{})
	require.True(t, ok)
	require.Equal(t, "part-text", inner["text"])
}

const bundleWithU64 = `{
  "registry_version": 1,
  "bundle_id": "p3",
  "enums": {},
  "types": {"Counter": {"versions": {"1": {"fields": {
    "1": {"name": "count", "type": "u64"}
  }}}}}
}`

func TestProjectU64FormatNumberVsString(t *testing.T) {
	r := openWith(t, "p3", bundleWithU64)
	desc, err := r.GetTypeVersion("Counter", 1)
	require.NoError(t, err)

	payload, err := msgpack.Marshal(map[int]interface{}{1: uint64(9007199254740993)})
	require.NoError(t, err)

	res, err := Project(payload, desc, r, DefaultOptions())
	require.NoError(t, err)
	require.Equal(t, "9007199254740993", res.Data["count"])

	opts := DefaultOptions()
	opts.U64Format = U64Number
	res, err = Project(payload, desc, r, opts)
	require.NoError(t, err)
	require.Equal(t, uint64(9007199254740993), res.Data["count"])
}
