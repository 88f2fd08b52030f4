// Package registry ingests bundles of versioned type descriptors and
// enumerations, validating tag-reuse and merge conflicts, and serves them
// back to the projection package.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"cxdb/cxdberr"
)

// PutResult is the outcome of Registry.PutBundle.
type PutResult int

const (
	Created PutResult = iota
	AlreadyExists
)

// RendererSpec is optional frontend-rendering metadata carried by a type
// version; the registry itself never interprets it.
type RendererSpec struct {
	ESMUrl      string  `json:"esm_url"`
	Component   *string `json:"component,omitempty"`
	Integrity   *string `json:"integrity,omitempty"`
}

// ItemsSpec describes an array field's element shape: either a plain base
// type (Simple) or a reference to another registered type (Ref).
type ItemsSpec struct {
	Simple string
	Ref    string
}

func (i ItemsSpec) isRef() bool { return i.Ref != "" }

// FieldSpec is the parsed, normalized shape of one descriptor field.
type FieldSpec struct {
	Tag      uint64
	Name     string
	Type     string
	EnumRef  string
	TypeRef  string
	Optional bool
	Items    *ItemsSpec
}

// FieldSignature is the (base_type, enum_ref) pair that must stay stable
// for a given tag across every version of a type.
type FieldSignature struct {
	Type    string
	EnumRef string
}

// TypeVersion is one version of a type's descriptor: its fields keyed by
// tag, plus optional renderer metadata.
type TypeVersion struct {
	Version  uint32
	Fields   map[uint64]FieldSpec
	Renderer *RendererSpec
}

// typeSpec accumulates every ingested version of a single type id.
type typeSpec struct {
	versions  map[uint32]TypeVersion
	tagSchema map[uint64]FieldSignature
}

// Registry holds every ingested bundle's raw bytes plus the merged,
// normalized type/enum tables derived from them.
type Registry struct {
	mu            sync.RWMutex
	dir           string
	bundles       map[string][]byte
	types         map[string]*typeSpec
	enums         map[string]map[string]string
	lastBundleID  string
	watcher       *fsnotify.Watcher
	watcherStopCh chan struct{}
}

// rawBundle is the on-the-wire JSON shape of a registry bundle.
type rawBundle struct {
	RegistryVersion uint32                          `json:"registry_version"`
	BundleID        string                          `json:"bundle_id"`
	Types           map[string]rawTypeEntry         `json:"types"`
	Enums           map[string]map[string]string    `json:"enums"`
}

type rawTypeEntry struct {
	Versions map[string]rawTypeVersion `json:"versions"`
}

type rawTypeVersion struct {
	Fields   map[string]rawFieldDef `json:"fields"`
	Renderer *RendererSpec          `json:"renderer,omitempty"`
}

type rawFieldDef struct {
	Name     string          `json:"name"`
	Type     string          `json:"type"`
	Enum     *string         `json:"enum,omitempty"`
	Ref      *string         `json:"ref,omitempty"`
	Optional bool            `json:"optional,omitempty"`
	Items    json.RawMessage `json:"items,omitempty"`
}

func parseItemsSpec(raw json.RawMessage) (*ItemsSpec, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	// A plain string: {"items": "u32"}.
	var simple string
	if err := json.Unmarshal(raw, &simple); err == nil {
		return &ItemsSpec{Simple: simple}, nil
	}
	// An object, one of:
	//   {"items": {"type": "ref", "ref": "T"}}
	//   {"items": {"type": "u32"}}
	//   {"items": {"ref": "T"}}          (shorthand without "type")
	var obj struct {
		Type string `json:"type"`
		Ref  string `json:"ref"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, cxdberr.InvalidInput("malformed items spec")
	}
	if obj.Ref != "" {
		return &ItemsSpec{Ref: obj.Ref}, nil
	}
	if obj.Type != "" {
		return &ItemsSpec{Simple: obj.Type}, nil
	}
	return nil, cxdberr.InvalidInput("items spec missing both type and ref")
}

// Open reads every .json file in dir as a bundle and ingests it, in the
// order os.ReadDir returns them (sorted by filename); the last one
// ingested becomes the current bundle.
func Open(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, cxdberr.Io(err)
	}
	r := &Registry{
		dir:     dir,
		bundles: make(map[string][]byte),
		types:   make(map[string]*typeSpec),
		enums:   make(map[string]map[string]string),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, cxdberr.Io(err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, cxdberr.Io(err)
		}
		var bundle rawBundle
		if err := json.Unmarshal(raw, &bundle); err != nil {
			return nil, cxdberr.InvalidInput("malformed registry bundle file: " + entry.Name())
		}
		if err := r.ingestBundle(&bundle, true); err != nil {
			return nil, err
		}
		r.bundles[bundle.BundleID] = raw
		r.lastBundleID = bundle.BundleID
	}
	return r, nil
}

// Watch starts an fsnotify watch on the registry directory so bundles
// dropped on disk by an external process are ingested without a restart.
// This is an ambient enrichment (see SPEC_FULL.md §3 item 3); it reuses
// exactly the same ingestBundle path put_bundle uses, so every invariant
// applies identically regardless of arrival mechanism.
func (r *Registry) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return cxdberr.Io(err)
	}
	if err := w.Add(r.dir); err != nil {
		w.Close()
		return cxdberr.Io(err)
	}
	r.watcher = w
	r.watcherStopCh = make(chan struct{})
	go r.watchLoop()
	return nil
}

func (r *Registry) watchLoop() {
	for {
		select {
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".json") {
				continue
			}
			raw, err := os.ReadFile(ev.Name)
			if err != nil {
				log.Warn().Err(err).Str("path", ev.Name).Msg("registry watch: read failed")
				continue
			}
			var bundle rawBundle
			if err := json.Unmarshal(raw, &bundle); err != nil {
				log.Warn().Err(err).Str("path", ev.Name).Msg("registry watch: malformed bundle")
				continue
			}
			if _, err := r.PutBundle(bundle.BundleID, raw); err != nil && !cxdberr.Is(err, cxdberr.KindInvalidInput) {
				log.Warn().Err(err).Str("bundle_id", bundle.BundleID).Msg("registry watch: ingest failed")
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("registry watch error")
		case <-r.watcherStopCh:
			return
		}
	}
}

func (r *Registry) Close() {
	if r.watcher != nil {
		close(r.watcherStopCh)
		r.watcher.Close()
	}
}

func sanitizeBundleID(bundleID string) string {
	s := bundleID
	for _, ch := range []string{"/", ":", "#"} {
		s = strings.ReplaceAll(s, ch, "_")
	}
	return s
}

func bundleFilename(bundleID string) string {
	return "bundle_" + sanitizeBundleID(bundleID) + ".json"
}

// PutBundle validates and ingests raw as the bundle named bundleID.
func (r *Registry) PutBundle(bundleID string, raw []byte) (PutResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.bundles[bundleID]; ok {
		if sameBytes(existing, raw) {
			return AlreadyExists, nil
		}
		return 0, cxdberr.InvalidInput("bundle id already exists with different bytes: " + bundleID)
	}

	var bundle rawBundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return 0, cxdberr.InvalidInput("malformed bundle JSON")
	}
	if bundle.BundleID != bundleID {
		return 0, cxdberr.InvalidInput("bundle id mismatch")
	}

	if err := r.ingestBundle(&bundle, false); err != nil {
		return 0, err
	}

	path := filepath.Join(r.dir, bundleFilename(bundleID))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return 0, cxdberr.Io(err)
	}

	r.bundles[bundleID] = raw
	r.lastBundleID = bundleID
	return Created, nil
}

func sameBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ingestBundle merges bundle's types and enums into the registry. loading
// is true only for Open()'s initial directory scan; it has no semantic
// effect today (preserved as a parameter because the original ingestion
// path threads it through for symmetry with put_bundle's validation).
func (r *Registry) ingestBundle(bundle *rawBundle, loading bool) error {
	_ = loading
	if bundle.RegistryVersion == 0 {
		return cxdberr.InvalidInput("registry_version must be non-zero")
	}

	// Merge enums first: a differing mapping for the same enum id fails.
	for enumID, mapping := range bundle.Enums {
		existing, ok := r.enums[enumID]
		if !ok {
			copied := make(map[string]string, len(mapping))
			for k, v := range mapping {
				copied[k] = v
			}
			r.enums[enumID] = copied
			continue
		}
		if !sameStringMap(existing, mapping) {
			return cxdberr.InvalidInput("conflicting enum mapping for " + enumID)
		}
	}

	for typeID, entry := range bundle.Types {
		spec, ok := r.types[typeID]
		if !ok {
			spec = &typeSpec{
				versions:  make(map[uint32]TypeVersion),
				tagSchema: make(map[uint64]FieldSignature),
			}
			r.types[typeID] = spec
		}

		// Sort version keys for deterministic merge order within one bundle.
		versionKeys := make([]string, 0, len(entry.Versions))
		for k := range entry.Versions {
			versionKeys = append(versionKeys, k)
		}
		sort.Strings(versionKeys)

		for _, versionKey := range versionKeys {
			rawVer := entry.Versions[versionKey]
			versionNum, err := strconv.ParseUint(versionKey, 10, 32)
			if err != nil {
				return cxdberr.InvalidInput("malformed type version key: " + versionKey)
			}
			version := uint32(versionNum)

			fields := make(map[uint64]FieldSpec, len(rawVer.Fields))
			for tagKey, rawField := range rawVer.Fields {
				tag, err := strconv.ParseUint(tagKey, 10, 64)
				if err != nil {
					return cxdberr.InvalidInput("malformed field tag: " + tagKey)
				}
				items, err := parseItemsSpec(rawField.Items)
				if err != nil {
					return err
				}
				fs := FieldSpec{
					Tag:      tag,
					Name:     rawField.Name,
					Type:     rawField.Type,
					Optional: rawField.Optional,
					Items:    items,
				}
				if rawField.Enum != nil {
					fs.EnumRef = *rawField.Enum
				}
				if rawField.Ref != nil {
					fs.TypeRef = *rawField.Ref
				}
				fields[tag] = fs
			}

			if existingVersion, ok := spec.versions[version]; ok {
				if !sameFieldMap(existingVersion.Fields, fields) {
					return cxdberr.InvalidInput("conflicting fields for existing type version")
				}
				if existingVersion.Renderer == nil && rawVer.Renderer != nil {
					existingVersion.Renderer = rawVer.Renderer
					spec.versions[version] = existingVersion
				}
				continue
			}

			for tag, fs := range fields {
				sig := FieldSignature{Type: fs.Type, EnumRef: fs.EnumRef}
				if existingSig, ok := spec.tagSchema[tag]; ok {
					if existingSig != sig {
						return cxdberr.InvalidInput("tag reuse conflict for tag " + strconv.FormatUint(tag, 10))
					}
				} else {
					spec.tagSchema[tag] = sig
				}
			}

			spec.versions[version] = TypeVersion{
				Version:  version,
				Fields:   fields,
				Renderer: rawVer.Renderer,
			}
		}
	}

	// Validate every referenced enum now exists.
	for _, spec := range r.types {
		for _, ver := range spec.versions {
			for _, field := range ver.Fields {
				if field.EnumRef != "" {
					if _, ok := r.enums[field.EnumRef]; !ok {
						return cxdberr.InvalidInput("unknown enum reference: " + field.EnumRef)
					}
				}
			}
		}
	}

	return nil
}

func sameStringMap(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

func sameFieldMap(a, b map[uint64]FieldSpec) bool {
	if len(a) != len(b) {
		return false
	}
	for tag, fa := range a {
		fb, ok := b[tag]
		if !ok {
			return false
		}
		if fa.Name != fb.Name || fa.Type != fb.Type || fa.EnumRef != fb.EnumRef ||
			fa.TypeRef != fb.TypeRef || fa.Optional != fb.Optional {
			return false
		}
	}
	return true
}

func (r *Registry) GetBundle(bundleID string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bundles[bundleID]
	if !ok {
		return nil, cxdberr.NotFound("bundle")
	}
	return b, nil
}

func (r *Registry) GetTypeVersion(typeID string, version uint32) (TypeVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.types[typeID]
	if !ok {
		return TypeVersion{}, cxdberr.NotFound("type")
	}
	tv, ok := spec.versions[version]
	if !ok {
		return TypeVersion{}, cxdberr.NotFound("type version")
	}
	return tv, nil
}

func (r *Registry) GetLatestTypeVersion(typeID string) (TypeVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.types[typeID]
	if !ok || len(spec.versions) == 0 {
		return TypeVersion{}, cxdberr.NotFound("type")
	}
	var maxVer uint32
	first := true
	for v := range spec.versions {
		if first || v > maxVer {
			maxVer = v
			first = false
		}
	}
	return spec.versions[maxVer], nil
}

func (r *Registry) GetEnum(enumID string) (map[string]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.enums[enumID]
	if !ok {
		return nil, cxdberr.NotFound("enum")
	}
	return m, nil
}

// GetAllRenderers returns, for every type with a renderer on its latest
// version, that renderer.
func (r *Registry) GetAllRenderers() map[string]RendererSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]RendererSpec)
	for typeID, spec := range r.types {
		var maxVer uint32
		first := true
		for v := range spec.versions {
			if first || v > maxVer {
				maxVer = v
				first = false
			}
		}
		if first {
			continue
		}
		if tv := spec.versions[maxVer]; tv.Renderer != nil {
			out[typeID] = *tv.Renderer
		}
	}
	return out
}

type Stats struct {
	TypesTotal  int
	EnumsTotal  int
	BundlesTotal int
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{
		TypesTotal:   len(r.types),
		EnumsTotal:   len(r.enums),
		BundlesTotal: len(r.bundles),
	}
}
