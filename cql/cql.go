// Package cql implements the secondary-index query language: in-memory
// inverted maps over derived first-turn context metadata, and a small
// query grammar for combining equality, substring, set-membership, and
// range predicates with AND-only composition. Neither the grammar nor
// the index layout is specified by an external source; both are
// authored fresh, grounded only in the contracts the store facade is
// documented to call (build_from_cache, add_context, lookup_parent_exact).
package cql

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"cxdb/cxdberr"
)

// ContextMeta is the subset of a context's derived first-turn metadata
// the index cares about. Kept independent of the store package's own
// metadata type to avoid an import cycle (store depends on cql, not the
// reverse).
type ContextMeta struct {
	ClientTag       *string
	Title           *string
	Labels          []string
	ParentContextID *uint64
	RootContextID   *uint64
}

// HeadInfo is the subset of a turn-store context head the index needs
// to rebuild from scratch.
type HeadInfo struct {
	ContextID     uint64
	CreatedAtMs   int64
	Depth         uint32
}

// IndexStats reports the size of the maintained indexes.
type IndexStats struct {
	ContextsIndexed int
}

// SecondaryIndexes holds every inverted map the query grammar can
// consult. All fields are guarded by mu.
type SecondaryIndexes struct {
	mu sync.RWMutex

	allContexts map[uint64]struct{}
	clientTag   map[string]map[uint64]struct{}
	labels      map[string]map[uint64]struct{}
	parentExact map[string]map[uint64]struct{}
	rootExact   map[string]map[uint64]struct{}
	titles      map[uint64]string
	createdAt   map[uint64]int64
	depth       map[uint64]uint32
}

// New returns an empty set of indexes.
func New() *SecondaryIndexes {
	return &SecondaryIndexes{
		allContexts: make(map[uint64]struct{}),
		clientTag:   make(map[string]map[uint64]struct{}),
		labels:      make(map[string]map[uint64]struct{}),
		parentExact: make(map[string]map[uint64]struct{}),
		rootExact:   make(map[string]map[uint64]struct{}),
		titles:      make(map[uint64]string),
		createdAt:   make(map[uint64]int64),
		depth:       make(map[uint64]uint32),
	}
}

// BuildFromCache rebuilds every index in O(n) from a cache of context
// metadata (nil entries mean "checked, nothing extracted") plus the full
// set of context heads.
func (s *SecondaryIndexes) BuildFromCache(cache map[uint64]*ContextMeta, heads []HeadInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.allContexts = make(map[uint64]struct{}, len(heads))
	s.clientTag = make(map[string]map[uint64]struct{})
	s.labels = make(map[string]map[uint64]struct{})
	s.parentExact = make(map[string]map[uint64]struct{})
	s.rootExact = make(map[string]map[uint64]struct{})
	s.titles = make(map[uint64]string)
	s.createdAt = make(map[uint64]int64, len(heads))
	s.depth = make(map[uint64]uint32, len(heads))

	for _, h := range heads {
		s.addContextLocked(h.ContextID, cache[h.ContextID], h.CreatedAtMs, h.Depth)
	}
}

// AddContext indexes a single context, applying meta (which may be nil)
// to every applicable inverted map.
func (s *SecondaryIndexes) AddContext(contextID uint64, meta *ContextMeta, createdAtMs int64, depth uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addContextLocked(contextID, meta, createdAtMs, depth)
}

func (s *SecondaryIndexes) addContextLocked(contextID uint64, meta *ContextMeta, createdAtMs int64, depth uint32) {
	s.allContexts[contextID] = struct{}{}
	s.createdAt[contextID] = createdAtMs
	s.depth[contextID] = depth

	if meta == nil {
		return
	}
	if meta.ClientTag != nil {
		addToSet(s.clientTag, *meta.ClientTag, contextID)
	}
	if meta.Title != nil {
		s.titles[contextID] = *meta.Title
	}
	for _, label := range meta.Labels {
		addToSet(s.labels, label, contextID)
	}
	if meta.ParentContextID != nil {
		addToSet(s.parentExact, idKey(*meta.ParentContextID), contextID)
	}
	if meta.RootContextID != nil {
		addToSet(s.rootExact, idKey(*meta.RootContextID), contextID)
	}
}

func idKey(id uint64) string { return strconv.FormatUint(id, 10) }

func addToSet(m map[string]map[uint64]struct{}, key string, id uint64) {
	set, ok := m[key]
	if !ok {
		set = make(map[uint64]struct{})
		m[key] = set
	}
	set[id] = struct{}{}
}

// LookupParentExact returns the set of direct children of parentContextID.
func (s *SecondaryIndexes) LookupParentExact(parentContextID uint64) map[uint64]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copySet(s.parentExact[idKey(parentContextID)])
}

func copySet(src map[uint64]struct{}) map[uint64]struct{} {
	out := make(map[uint64]struct{}, len(src))
	for id := range src {
		out[id] = struct{}{}
	}
	return out
}

// Stats reports the number of indexed contexts.
func (s *SecondaryIndexes) Stats() IndexStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return IndexStats{ContextsIndexed: len(s.allContexts)}
}

// Predicate is one AND-composed query term.
type Predicate interface {
	candidates(idx *SecondaryIndexes, live map[uint64]bool) (map[uint64]struct{}, error)
}

// Query is a parsed CQL query: a conjunction of predicates.
type Query struct {
	Raw        string
	Predicates []Predicate
}

// Parse tokenizes and parses a query string into a Query. Tokens are
// space-separated "field:value" pairs (only the ' ' byte separates
// tokens; tabs and newlines do not); double-quoted values may
// contain spaces. The literal token "AND" (any case) is accepted and
// ignored between predicates, since composition is AND-only regardless.
func Parse(query string) (*Query, error) {
	tokens, err := tokenize(query)
	if err != nil {
		return nil, err
	}

	q := &Query{Raw: query}
	for _, tok := range tokens {
		if strings.EqualFold(tok, "AND") {
			continue
		}
		pred, err := parseTerm(tok)
		if err != nil {
			return nil, err
		}
		q.Predicates = append(q.Predicates, pred)
	}
	return q, nil
}

func tokenize(s string) ([]string, error) {
	var tokens []string
	var cur strings.Builder
	inQuotes := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			inQuotes = !inQuotes
		case c == ' ' && !inQuotes:
			if cur.Len() > 0 {
				tokens = append(tokens, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteByte(c)
		}
	}
	if inQuotes {
		return nil, cxdberr.InvalidInput("unterminated quoted string in query")
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens, nil
}

func parseTerm(tok string) (Predicate, error) {
	field, value, found := strings.Cut(tok, ":")
	if !found {
		return nil, cxdberr.InvalidInput(fmt.Sprintf("malformed query term %q (expected field:value)", tok))
	}

	switch field {
	case "client_tag":
		return eqPredicate{index: "client_tag", value: value}, nil
	case "title":
		return substringPredicate{value: strings.ToLower(value)}, nil
	case "label":
		return eqPredicate{index: "label", value: value}, nil
	case "parent":
		id, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return nil, cxdberr.InvalidInput(fmt.Sprintf("invalid parent context id %q", value))
		}
		return eqPredicate{index: "parent", value: idKey(id)}, nil
	case "root":
		id, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return nil, cxdberr.InvalidInput(fmt.Sprintf("invalid root context id %q", value))
		}
		return eqPredicate{index: "root", value: idKey(id)}, nil
	case "created_after":
		ts, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, cxdberr.InvalidInput(fmt.Sprintf("invalid timestamp %q", value))
		}
		return rangePredicate{after: true, ts: ts}, nil
	case "created_before":
		ts, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, cxdberr.InvalidInput(fmt.Sprintf("invalid timestamp %q", value))
		}
		return rangePredicate{after: false, ts: ts}, nil
	case "live":
		want, err := strconv.ParseBool(value)
		if err != nil {
			return nil, cxdberr.InvalidInput(fmt.Sprintf("invalid live value %q", value))
		}
		return livePredicate{want: want}, nil
	default:
		return nil, cxdberr.InvalidInput(fmt.Sprintf("unknown query field %q", field))
	}
}

type eqPredicate struct {
	index string
	value string
}

func (p eqPredicate) candidates(idx *SecondaryIndexes, _ map[uint64]bool) (map[uint64]struct{}, error) {
	switch p.index {
	case "client_tag":
		return copySet(idx.clientTag[p.value]), nil
	case "label":
		return copySet(idx.labels[p.value]), nil
	case "parent":
		return copySet(idx.parentExact[p.value]), nil
	case "root":
		return copySet(idx.rootExact[p.value]), nil
	default:
		return nil, cxdberr.InvalidInput(fmt.Sprintf("unknown index %q", p.index))
	}
}

type substringPredicate struct {
	value string
}

func (p substringPredicate) candidates(idx *SecondaryIndexes, _ map[uint64]bool) (map[uint64]struct{}, error) {
	out := make(map[uint64]struct{})
	for id, title := range idx.titles {
		if strings.Contains(strings.ToLower(title), p.value) {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

type rangePredicate struct {
	after bool
	ts    int64
}

func (p rangePredicate) candidates(idx *SecondaryIndexes, _ map[uint64]bool) (map[uint64]struct{}, error) {
	out := make(map[uint64]struct{})
	for id, createdAt := range idx.createdAt {
		if p.after && createdAt >= p.ts {
			out[id] = struct{}{}
		}
		if !p.after && createdAt <= p.ts {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

type livePredicate struct {
	want bool
}

func (p livePredicate) candidates(idx *SecondaryIndexes, live map[uint64]bool) (map[uint64]struct{}, error) {
	out := make(map[uint64]struct{})
	for id := range idx.allContexts {
		if live[id] == p.want {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

// Execute runs q against idx, consulting live for any live:... predicate,
// and returns the matching context id set (AND of every predicate; the
// full context set if q has no predicates).
func Execute(q *Query, idx *SecondaryIndexes, live map[uint64]bool) (map[uint64]struct{}, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(q.Predicates) == 0 {
		return copySet(idx.allContexts), nil
	}

	var result map[uint64]struct{}
	for i, p := range q.Predicates {
		set, err := p.candidates(idx, live)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			result = set
			continue
		}
		result = intersect(result, set)
	}
	return result, nil
}

func intersect(a, b map[uint64]struct{}) map[uint64]struct{} {
	if len(b) < len(a) {
		a, b = b, a
	}
	out := make(map[uint64]struct{}, len(a))
	for id := range a {
		if _, ok := b[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}
