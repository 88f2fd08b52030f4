// Package follow reconciles a live turn_appended event stream against
// the authoritative turn log: for each event it backfills any turns
// the stream may have skipped (reconnect gaps, slow consumers) via
// GetHead/GetLast, deduplicating against a bounded per-context
// seen-set, and detects head-depth regression as a hard error.
package follow

import (
	"container/list"
	"context"
	"encoding/json"
	"time"

	"cxdb/cxdberr"
	"cxdb/sseclient"
)

// TurnHead is the minimal head shape this package needs from a
// context's current tip.
type TurnHead struct {
	ContextID uint64
	HeadDepth uint32
}

// TurnRecord is the minimal turn shape this package needs.
type TurnRecord struct {
	TurnID       uint64
	ParentTurnID uint64
	Depth        uint32
}

// GetLastOptions mirrors the subset of store.GetLast's parameters this
// package drives.
type GetLastOptions struct {
	Limit          uint32
	IncludePayload bool
}

// TurnClient is the capability follow needs from a turn source: fetch
// the current head and the last N turns of a context.
type TurnClient interface {
	GetHead(ctx context.Context, contextID uint64) (TurnHead, error)
	GetLast(ctx context.Context, contextID uint64, opts GetLastOptions) ([]TurnRecord, error)
}

// FollowedTurn is one reconciled, deduplicated turn delivered to a
// follower.
type FollowedTurn struct {
	ContextID uint64
	Turn      TurnRecord
}

const (
	defaultBuffer        = 128
	defaultMaxSeenPerCtx = 2048
)

// Options configures Follow.
type Options struct {
	BufferSize        int
	MaxSeenPerContext int
}

// DefaultOptions returns the defaults used when a field is left zero.
func DefaultOptions() Options {
	return Options{BufferSize: defaultBuffer, MaxSeenPerContext: defaultMaxSeenPerCtx}
}

func (o *Options) applyDefaults() {
	if o.BufferSize <= 0 {
		o.BufferSize = defaultBuffer
	}
	if o.MaxSeenPerContext <= 0 {
		o.MaxSeenPerContext = defaultMaxSeenPerCtx
	}
}

// turnAppendedEvent is the JSON shape of a turn_appended SSE event, per
// the flat event-stream field set.
type turnAppendedEvent struct {
	ContextID    string `json:"context_id"`
	TurnID       string `json:"turn_id"`
	ParentTurnID string `json:"parent_turn_id"`
	Depth        uint32 `json:"depth"`
}

// Follow consumes events (typically from sseclient.Subscribe) and
// emits deduplicated, gap-backfilled turns on the returned channel
// until ctx is canceled, times out, or events closes.
func Follow(ctx context.Context, events <-chan sseclient.Event, client TurnClient, opts Options) (<-chan FollowedTurn, <-chan error) {
	opts.applyDefaults()

	out := make(chan FollowedTurn, opts.BufferSize)
	errs := make(chan error, opts.BufferSize)

	go func() {
		defer close(out)
		defer close(errs)

		states := make(map[uint64]*followState)

		for {
			if ctx.Err() != nil {
				return
			}

			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.EventType != "turn_appended" {
					continue
				}
				contextID, err := decodeTurnAppended(ev.Data)
				if err != nil {
					nonBlockingSend(errs, err)
					continue
				}
				state, ok := states[contextID]
				if !ok {
					state = newFollowState(opts.MaxSeenPerContext)
					states[contextID] = state
				}
				if err := state.syncContext(ctx, client, contextID, out); err != nil {
					nonBlockingSend(errs, err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, errs
}

type followState struct {
	hasLast        bool
	lastSeenTurnID uint64
	lastSeenDepth  uint32

	seen      map[uint64]struct{}
	seenOrder *list.List
	maxSeen   int
}

func newFollowState(maxSeen int) *followState {
	if maxSeen <= 0 {
		maxSeen = defaultMaxSeenPerCtx
	}
	return &followState{
		seen:      make(map[uint64]struct{}),
		seenOrder: list.New(),
		maxSeen:   maxSeen,
	}
}

func (s *followState) syncContext(ctx context.Context, client TurnClient, contextID uint64, out chan<- FollowedTurn) error {
	head, err := client.GetHead(ctx, contextID)
	if err != nil {
		return err
	}
	if s.hasLast && head.HeadDepth < s.lastSeenDepth {
		return cxdberr.InvalidInput("follow turns: head depth regressed")
	}

	var missing uint32
	if s.hasLast && len(s.seen) > 0 {
		if head.HeadDepth > s.lastSeenDepth {
			missing = head.HeadDepth - s.lastSeenDepth
		}
	} else {
		missing = head.HeadDepth + 1
	}
	if missing == 0 {
		return nil
	}

	turns, err := client.GetLast(ctx, contextID, GetLastOptions{Limit: missing, IncludePayload: true})
	if err != nil {
		return err
	}

	for _, turn := range turns {
		if s.alreadySeen(turn.TurnID) {
			continue
		}
		if err := sendFollowedTurn(ctx, out, FollowedTurn{ContextID: contextID, Turn: turn}); err != nil {
			return err
		}
		s.recordTurn(turn)
	}
	return nil
}

func (s *followState) alreadySeen(turnID uint64) bool {
	_, ok := s.seen[turnID]
	return ok
}

func (s *followState) recordTurn(turn TurnRecord) {
	s.seen[turn.TurnID] = struct{}{}
	s.seenOrder.PushBack(turn.TurnID)
	for s.seenOrder.Len() > s.maxSeen {
		front := s.seenOrder.Front()
		s.seenOrder.Remove(front)
		delete(s.seen, front.Value.(uint64))
	}
	if !s.hasLast || turn.Depth >= s.lastSeenDepth {
		s.lastSeenDepth = turn.Depth
		s.lastSeenTurnID = turn.TurnID
		s.hasLast = true
	}
}

func decodeTurnAppended(data []byte) (uint64, error) {
	if len(data) == 0 {
		return 0, cxdberr.InvalidInput("turn_appended: empty payload")
	}
	var ev turnAppendedEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return 0, cxdberr.InvalidInput("turn_appended: decode: " + err.Error())
	}
	contextID, ok := parseUint64(ev.ContextID)
	if !ok || contextID == 0 {
		return 0, cxdberr.InvalidInput("turn_appended: missing context_id")
	}
	turnID, ok := parseUint64(ev.TurnID)
	if !ok || turnID == 0 {
		return 0, cxdberr.InvalidInput("turn_appended: missing turn_id")
	}
	return contextID, nil
}

func parseUint64(s string) (uint64, bool) {
	var v uint64
	if s == "" {
		return 0, false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + uint64(c-'0')
	}
	return v, true
}

func sendFollowedTurn(ctx context.Context, out chan<- FollowedTurn, turn FollowedTurn) error {
	for {
		select {
		case out <- turn:
			return nil
		case <-ctx.Done():
			return cxdberr.Cancelled("follow turns: context canceled")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func nonBlockingSend[T any](ch chan<- T, v T) {
	select {
	case ch <- v:
	default:
	}
}
