// Package store is the facade composing the blob store, turn store, and
// secondary indexes: it enforces the append_turn contract (decompress,
// verify length, verify content hash, persist, extract metadata), derives
// context lineage, and executes CQL searches.
package store

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"lukechampine.com/blake3"

	"cxdb/blobstore"
	"cxdb/cql"
	"cxdb/cxdberr"
	"cxdb/tagmap"
	"cxdb/turnstore"
)

// Compression identifiers for the wire payload, as declared by the
// caller of AppendTurn.
const (
	CompressionNone = 0
	CompressionZstd = 1
)

// Provenance captures the origin story of a context, extracted from the
// first turn's payload (see the tag table in the registry bundle
// documentation for how a writer populates these fields).
type Provenance struct {
	ParentContextID *uint64
	SpawnReason     *string
	RootContextID   *uint64

	TraceID       *string
	SpanID        *string
	CorrelationID *string

	OnBehalfOf       *string
	OnBehalfOfSource *string
	OnBehalfOfEmail  *string

	WriterMethod *string
	WriterSubject *string
	WriterIssuer  *string

	ServiceName       *string
	ServiceVersion    *string
	ServiceInstanceID *string
	ProcessPID        *int64
	ProcessOwner      *string
	HostName          *string
	HostArch          *string

	ClientAddress *string
	ClientPort    *int64

	Env map[string]string

	SDKName    *string
	SDKVersion *string

	CapturedAt *int64
}

// ContextMetadata is cached context metadata extracted from a context's
// first turn.
type ContextMetadata struct {
	ClientTag   *string
	Title       *string
	Labels      []string
	Provenance  *Provenance
}

// TurnWithMeta bundles a turn record with its declared-type metadata and,
// optionally, its decoded payload bytes.
type TurnWithMeta struct {
	Record  turnstore.TurnRecord
	Meta    turnstore.TurnMeta
	Payload []byte
}

// SearchResult is the outcome of a CQL search.
type SearchResult struct {
	ContextIDs []uint64
	TotalCount int
	Query      *cql.Query
	ElapsedMs  uint64
}

// Store composes the blob store, turn store, and secondary indexes into
// the single facade the protocol and HTTP layers talk to.
type Store struct {
	blobs   *blobstore.Store
	turns   *turnstore.Store
	indexes *cql.SecondaryIndexes
	decoder *zstd.Decoder

	cacheMu       sync.Mutex
	metadataCache map[uint64]*ContextMetadata
}

// Open opens (creating if absent) the blob store and turn store under
// dir, then rebuilds the metadata cache and secondary indexes from
// existing data.
func Open(dir string) (*Store, error) {
	blobs, err := blobstore.Open(filepath.Join(dir, "blobs"))
	if err != nil {
		return nil, err
	}
	turns, err := turnstore.Open(filepath.Join(dir, "turns"))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, cxdberr.Io(err)
	}

	s := &Store{
		blobs:         blobs,
		turns:         turns,
		indexes:       cql.New(),
		decoder:       dec,
		metadataCache: make(map[uint64]*ContextMetadata),
	}
	s.buildIndexes()
	return s, nil
}

func (s *Store) buildIndexes() {
	heads := s.turns.ListRecentContexts(-1)
	for _, h := range heads {
		s.GetContextMetadata(h.ContextID)
	}

	cache := make(map[uint64]*cql.ContextMeta, len(s.metadataCache))
	cqlHeads := make([]cql.HeadInfo, 0, len(heads))
	s.cacheMu.Lock()
	for id, m := range s.metadataCache {
		cache[id] = toCQLMeta(m)
	}
	s.cacheMu.Unlock()
	for _, h := range heads {
		cqlHeads = append(cqlHeads, cql.HeadInfo{
			ContextID:   h.ContextID,
			CreatedAtMs: int64(h.CreatedAtUnixMs),
			Depth:       h.HeadDepth,
		})
	}
	s.indexes.BuildFromCache(cache, cqlHeads)
}

// Close closes the underlying turn store and blob store.
func (s *Store) Close() error {
	if err := s.turns.Close(); err != nil {
		return err
	}
	return s.blobs.Close()
}

// CreateContext delegates to the turn store.
func (s *Store) CreateContext(baseTurnID uint64) (turnstore.ContextHead, error) {
	return s.turns.CreateContext(baseTurnID)
}

// ForkContext delegates to the turn store.
func (s *Store) ForkContext(baseTurnID uint64) (turnstore.ContextHead, error) {
	return s.turns.ForkContext(baseTurnID)
}

// GetHead delegates to the turn store.
func (s *Store) GetHead(contextID uint64) (turnstore.ContextHead, error) {
	return s.turns.GetHead(contextID)
}

// AppendTurn enforces the append_turn contract: decompress the wire
// payload, verify its declared length and content hash, persist the blob
// and the turn record, and extract + index context metadata on the first
// turn of a context.
func (s *Store) AppendTurn(
	contextID uint64,
	parentTurnID uint64,
	declaredTypeID string,
	declaredTypeVersion uint32,
	encoding uint32,
	compression uint32,
	uncompressedLen uint32,
	contentHash [32]byte,
	payloadBytes []byte,
) (turnstore.TurnRecord, *ContextMetadata, error) {
	var rawBytes []byte
	switch compression {
	case CompressionNone:
		rawBytes = payloadBytes
	case CompressionZstd:
		decoded, err := s.decoder.DecodeAll(payloadBytes, nil)
		if err != nil {
			return turnstore.TurnRecord{}, nil, cxdberr.InvalidInput("zstd decode failed")
		}
		rawBytes = decoded
	default:
		return turnstore.TurnRecord{}, nil, cxdberr.InvalidInput(fmt.Sprintf("unsupported compression: %d", compression))
	}

	if uint32(len(rawBytes)) != uncompressedLen {
		return turnstore.TurnRecord{}, nil, cxdberr.InvalidInput("uncompressed length mismatch")
	}

	hash := blake3.Sum256(rawBytes)
	if hash != contentHash {
		return turnstore.TurnRecord{}, nil, cxdberr.InvalidInput("content hash mismatch")
	}

	if _, err := s.blobs.PutIfAbsent(blobstore.Hash(contentHash), rawBytes); err != nil {
		return turnstore.TurnRecord{}, nil, err
	}

	record, err := s.turns.AppendTurn(contextID, parentTurnID, contentHash, encoding, declaredTypeID, declaredTypeVersion, compression, uncompressedLen)
	if err != nil {
		return turnstore.TurnRecord{}, nil, err
	}

	metadata := s.maybeCacheMetadata(contextID, rawBytes)
	if metadata != nil {
		head, err := s.turns.GetHead(contextID)
		if err != nil {
			return record, metadata, err
		}
		s.indexes.AddContext(contextID, toCQLMeta(metadata), int64(head.CreatedAtUnixMs), record.Depth)
	}

	return record, metadata, nil
}

// GetContextMetadata returns cached context metadata, loading it from the
// first turn if not already cached.
func (s *Store) GetContextMetadata(contextID uint64) *ContextMetadata {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if m, ok := s.metadataCache[contextID]; ok {
		return m
	}
	m := s.loadContextMetadata(contextID)
	s.metadataCache[contextID] = m
	return m
}

func (s *Store) loadContextMetadata(contextID uint64) *ContextMetadata {
	first, err := s.turns.GetFirstTurn(contextID)
	if err != nil {
		return nil
	}
	payload, err := s.blobs.Get(blobstore.Hash(first.PayloadHash))
	if err != nil {
		return nil
	}
	return extractContextMetadata(payload)
}

// maybeCacheMetadata extracts and caches metadata only on the first
// append to contextID (a vacant cache entry); it returns nil on every
// later append, whether or not metadata was found the first time.
func (s *Store) maybeCacheMetadata(contextID uint64, rawPayload []byte) *ContextMetadata {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if _, exists := s.metadataCache[contextID]; exists {
		return nil
	}
	m := extractContextMetadata(rawPayload)
	s.metadataCache[contextID] = m
	return m
}

// GetLast returns up to limit turns ending at the context's head,
// ancestor-first, optionally including decoded payload bytes.
func (s *Store) GetLast(contextID uint64, limit int, includePayload bool) ([]TurnWithMeta, error) {
	turns, err := s.turns.GetLast(contextID, limit)
	if err != nil {
		return nil, err
	}
	return s.attachMeta(turns, includePayload)
}

// GetBefore returns up to limit turns ending just before beforeTurnID,
// ancestor-first, optionally including decoded payload bytes.
func (s *Store) GetBefore(contextID uint64, beforeTurnID uint64, limit int, includePayload bool) ([]TurnWithMeta, error) {
	turns, err := s.turns.GetBefore(contextID, beforeTurnID, limit)
	if err != nil {
		return nil, err
	}
	return s.attachMeta(turns, includePayload)
}

func (s *Store) attachMeta(turns []turnstore.TurnRecord, includePayload bool) ([]TurnWithMeta, error) {
	out := make([]TurnWithMeta, 0, len(turns))
	for _, rec := range turns {
		meta, err := s.turns.GetTurnMeta(rec.TurnID)
		if err != nil {
			return nil, err
		}
		var payload []byte
		if includePayload {
			payload, err = s.blobs.Get(blobstore.Hash(rec.PayloadHash))
			if err != nil {
				return nil, err
			}
		}
		out = append(out, TurnWithMeta{Record: rec, Meta: meta, Payload: payload})
	}
	return out, nil
}

// GetBlob returns the raw bytes stored for hash.
func (s *Store) GetBlob(hash [32]byte) ([]byte, error) {
	return s.blobs.Get(blobstore.Hash(hash))
}

// PutBlob stores data under hash if absent, verifying the content hash
// first. Unlike AppendTurn's blob write, this is not tied to a turn: it
// backs the standalone PutBlob protocol message used to pre-seed the
// pack before a turn references it.
func (s *Store) PutBlob(hash [32]byte, data []byte) (wasNew bool, err error) {
	actual := blake3.Sum256(data)
	if actual != hash {
		return false, cxdberr.InvalidInput("blob hash mismatch")
	}
	wasNew = !s.blobs.Contains(blobstore.Hash(hash))
	if _, err := s.blobs.PutIfAbsent(blobstore.Hash(hash), data); err != nil {
		return false, err
	}
	return wasNew, nil
}

// ListRecentContexts delegates to the turn store.
func (s *Store) ListRecentContexts(limit int) []turnstore.ContextHead {
	return s.turns.ListRecentContexts(limit)
}

// ChildContextIDs returns the direct children of parentContextID, sorted
// by context id descending.
func (s *Store) ChildContextIDs(parentContextID uint64) []uint64 {
	set := s.indexes.LookupParentExact(parentContextID)
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	return ids
}

// DescendantContextIDs performs a breadth-first traversal of descendants
// (children, grandchildren, ...), deduplicated and sorted by context id
// descending. A negative limit means unbounded.
func (s *Store) DescendantContextIDs(parentContextID uint64, limit int) []uint64 {
	var out []uint64
	visited := make(map[uint64]bool)
	queue := s.ChildContextIDs(parentContextID)

	for len(queue) > 0 {
		contextID := queue[0]
		queue = queue[1:]
		if visited[contextID] {
			continue
		}
		visited[contextID] = true
		out = append(out, contextID)

		if limit >= 0 && len(out) >= limit {
			break
		}
		for _, child := range s.ChildContextIDs(contextID) {
			if !visited[child] {
				queue = append(queue, child)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return out
}

// SearchContexts parses queryStr, executes it against the secondary
// indexes (consulting liveContexts for any live:... predicate), sorts
// matching ids descending, and truncates to limit (a negative limit
// means unbounded).
func (s *Store) SearchContexts(queryStr string, liveContexts map[uint64]bool, limit int) (SearchResult, error) {
	start := time.Now()

	q, err := cql.Parse(queryStr)
	if err != nil {
		return SearchResult{}, err
	}
	matching, err := cql.Execute(q, s.indexes, liveContexts)
	if err != nil {
		return SearchResult{}, err
	}

	ids := make([]uint64, 0, len(matching))
	for id := range matching {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	total := len(ids)
	if limit >= 0 && limit < len(ids) {
		ids = ids[:limit]
	}

	return SearchResult{
		ContextIDs: ids,
		TotalCount: total,
		Query:      q,
		ElapsedMs:  uint64(time.Since(start).Milliseconds()),
	}, nil
}

// IndexStats reports the size of the secondary indexes.
func (s *Store) IndexStats() cql.IndexStats {
	return s.indexes.Stats()
}

func toCQLMeta(m *ContextMetadata) *cql.ContextMeta {
	if m == nil {
		return nil
	}
	out := &cql.ContextMeta{
		ClientTag: m.ClientTag,
		Title:     m.Title,
		Labels:    m.Labels,
	}
	if m.Provenance != nil {
		out.ParentContextID = m.Provenance.ParentContextID
		out.RootContextID = m.Provenance.RootContextID
	}
	return out
}

// extractContextMetadata finds tag 30 (context_metadata) in the decoded
// payload map and interprets its fields: tag 1 = client_tag, tag 2 =
// title, tag 3 = labels, tag 10 = provenance. Returns nil if none of
// those yielded a value.
func extractContextMetadata(payload []byte) *ContextMetadata {
	v, err := tagmap.Decode(payload)
	if err != nil {
		return nil
	}
	m, err := tagmap.Normalize(v)
	if err != nil {
		return nil
	}

	cmVal, ok := m[30]
	if !ok {
		return nil
	}
	cm, ok := tagmap.ValueToMap(cmVal)
	if !ok {
		return nil
	}

	metadata := &ContextMetadata{}
	for tag, val := range cm {
		switch tag {
		case 1:
			if s, ok := tagmap.ValueToString(val); ok {
				metadata.ClientTag = &s
			}
		case 2:
			if s, ok := tagmap.ValueToString(val); ok {
				metadata.Title = &s
			}
		case 3:
			if labels, ok := tagmap.ValueToStringSlice(val); ok && len(labels) > 0 {
				metadata.Labels = labels
			}
		case 10:
			if provMap, ok := tagmap.ValueToMap(val); ok {
				metadata.Provenance = extractProvenance(provMap)
			}
		}
	}

	if metadata.ClientTag == nil && metadata.Title == nil && metadata.Labels == nil && metadata.Provenance == nil {
		return nil
	}
	return metadata
}

// extractProvenance interprets a normalized tag map using the provenance
// tag table: context lineage (1-3), request identity (10-12), user
// identity (20-22), writer identity (30-32), process identity (40-46),
// network identity (50-51), environment (60), SDK identity (70-71), and
// capture timestamp (80).
func extractProvenance(m map[uint64]interface{}) *Provenance {
	p := &Provenance{}
	for tag, val := range m {
		switch tag {
		case 1:
			if u, ok := tagmap.ValueToUint64(val); ok {
				p.ParentContextID = &u
			}
		case 2:
			if s, ok := tagmap.ValueToString(val); ok {
				p.SpawnReason = &s
			}
		case 3:
			if u, ok := tagmap.ValueToUint64(val); ok {
				p.RootContextID = &u
			}
		case 10:
			if s, ok := tagmap.ValueToString(val); ok {
				p.TraceID = &s
			}
		case 11:
			if s, ok := tagmap.ValueToString(val); ok {
				p.SpanID = &s
			}
		case 12:
			if s, ok := tagmap.ValueToString(val); ok {
				p.CorrelationID = &s
			}
		case 20:
			if s, ok := tagmap.ValueToString(val); ok {
				p.OnBehalfOf = &s
			}
		case 21:
			if s, ok := tagmap.ValueToString(val); ok {
				p.OnBehalfOfSource = &s
			}
		case 22:
			if s, ok := tagmap.ValueToString(val); ok {
				p.OnBehalfOfEmail = &s
			}
		case 30:
			if s, ok := tagmap.ValueToString(val); ok {
				p.WriterMethod = &s
			}
		case 31:
			if s, ok := tagmap.ValueToString(val); ok {
				p.WriterSubject = &s
			}
		case 32:
			if s, ok := tagmap.ValueToString(val); ok {
				p.WriterIssuer = &s
			}
		case 40:
			if s, ok := tagmap.ValueToString(val); ok {
				p.ServiceName = &s
			}
		case 41:
			if s, ok := tagmap.ValueToString(val); ok {
				p.ServiceVersion = &s
			}
		case 42:
			if s, ok := tagmap.ValueToString(val); ok {
				p.ServiceInstanceID = &s
			}
		case 43:
			if i, ok := tagmap.ValueToInt64(val); ok {
				p.ProcessPID = &i
			}
		case 44:
			if s, ok := tagmap.ValueToString(val); ok {
				p.ProcessOwner = &s
			}
		case 45:
			if s, ok := tagmap.ValueToString(val); ok {
				p.HostName = &s
			}
		case 46:
			if s, ok := tagmap.ValueToString(val); ok {
				p.HostArch = &s
			}
		case 50:
			if s, ok := tagmap.ValueToString(val); ok {
				p.ClientAddress = &s
			}
		case 51:
			if i, ok := tagmap.ValueToInt64(val); ok {
				p.ClientPort = &i
			}
		case 60:
			if sm, ok := tagmap.ValueToStringMap(val); ok {
				p.Env = sm
			}
		case 70:
			if s, ok := tagmap.ValueToString(val); ok {
				p.SDKName = &s
			}
		case 71:
			if s, ok := tagmap.ValueToString(val); ok {
				p.SDKVersion = &s
			}
		case 80:
			if i, ok := tagmap.ValueToInt64(val); ok {
				p.CapturedAt = &i
			}
		}
	}
	return p
}
