package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"cxdb/cxdberr"
)

const bundleATemplate = `{
  "registry_version": 1,
  "bundle_id": "a",
  "enums": {"R": {"1": "admin", "2": "member"}},
  "types": {
    "T": {"versions": {"1": {"fields": {"1": {"name": "role", "type": "u8", "enum": "R"}}}}}
  }
}`

const bundleBConflicting = `{
  "registry_version": 1,
  "bundle_id": "b",
  "enums": {},
  "types": {
    "T": {"versions": {"2": {"fields": {"1": {"name": "role", "type": "string"}}}}}
  }
}`

func TestTagReuseConflict(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	require.NoError(t, err)

	_, err = r.PutBundle("a", []byte(bundleATemplate))
	require.NoError(t, err)

	_, err = r.PutBundle("b", []byte(bundleBConflicting))
	require.Error(t, err)
	require.True(t, cxdberr.IsInvalidInput(err))

	tv, err := r.GetTypeVersion("T", 1)
	require.NoError(t, err)
	require.Equal(t, "role", tv.Fields[1].Name)
	require.Equal(t, "u8", tv.Fields[1].Type)
}

func TestIdenticalBundleIsNoOp(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	require.NoError(t, err)

	res, err := r.PutBundle("a", []byte(bundleATemplate))
	require.NoError(t, err)
	require.Equal(t, Created, res)

	res2, err := r.PutBundle("a", []byte(bundleATemplate))
	require.NoError(t, err)
	require.Equal(t, AlreadyExists, res2)
}

func TestDifferentBytesSameIDFails(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	require.NoError(t, err)

	_, err = r.PutBundle("a", []byte(bundleATemplate))
	require.NoError(t, err)

	modified := `{"registry_version": 2, "bundle_id": "a", "enums": {}, "types": {}}`
	_, err = r.PutBundle("a", []byte(modified))
	require.Error(t, err)
	require.True(t, cxdberr.IsInvalidInput(err))
}

func TestBundleIDMismatchRejected(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	require.NoError(t, err)

	_, err = r.PutBundle("mismatched", []byte(bundleATemplate))
	require.Error(t, err)
	require.True(t, cxdberr.IsInvalidInput(err))
}

func TestUnknownEnumReferenceRejected(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	require.NoError(t, err)

	bundle := `{
	  "registry_version": 1,
	  "bundle_id": "x",
	  "enums": {},
	  "types": {"T": {"versions": {"1": {"fields": {"1": {"name": "role", "type": "u8", "enum": "Missing"}}}}}}
	}`
	_, err = r.PutBundle("x", []byte(bundle))
	require.Error(t, err)
}

func TestExistingVersionAdoptsMissingRenderer(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	require.NoError(t, err)

	v1 := `{
	  "registry_version": 1,
	  "bundle_id": "v1",
	  "enums": {},
	  "types": {"T": {"versions": {"1": {"fields": {"1": {"name": "name", "type": "string"}}}}}}
	}`
	_, err = r.PutBundle("v1", []byte(v1))
	require.NoError(t, err)

	v1WithRenderer := `{
	  "registry_version": 1,
	  "bundle_id": "v1b",
	  "enums": {},
	  "types": {"T": {"versions": {"1": {"fields": {"1": {"name": "name", "type": "string"}}, "renderer": {"esm_url": "https://example/x.js"}}}}}
	}`
	_, err = r.PutBundle("v1b", []byte(v1WithRenderer))
	require.NoError(t, err)

	tv, err := r.GetTypeVersion("T", 1)
	require.NoError(t, err)
	require.NotNil(t, tv.Renderer)
	require.Equal(t, "https://example/x.js", tv.Renderer.ESMUrl)
}

func TestItemsSpecShorthandRefWithoutType(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir)
	require.NoError(t, err)

	bundle := `{
	  "registry_version": 1,
	  "bundle_id": "arr",
	  "enums": {},
	  "types": {
	    "Msg": {"versions": {"1": {"fields": {
	      "1": {"name": "parts", "type": "array", "items": {"ref": "Part"}}
	    }}}},
	    "Part": {"versions": {"1": {"fields": {"1": {"name": "text", "type": "string"}}}}}
	  }
	}`
	_, err = r.PutBundle("arr", []byte(bundle))
	require.NoError(t, err)

	tv, err := r.GetTypeVersion("Msg", 1)
	require.NoError(t, err)
	require.NotNil(t, tv.Fields[1].Items)
	require.Equal(t, "Part", tv.Fields[1].Items.Ref)
}
