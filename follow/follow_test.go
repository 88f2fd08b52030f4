package follow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cxdb/sseclient"
)

type stubTurnClient struct {
	mu    sync.Mutex
	turns map[uint64][]TurnRecord
}

func newStubTurnClient() *stubTurnClient {
	return &stubTurnClient{turns: make(map[uint64][]TurnRecord)}
}

func (c *stubTurnClient) setContext(contextID uint64, turns []TurnRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns[contextID] = turns
}

func (c *stubTurnClient) GetHead(_ context.Context, contextID uint64) (TurnHead, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	turns, ok := c.turns[contextID]
	if !ok || len(turns) == 0 {
		return TurnHead{ContextID: contextID, HeadDepth: 0}, nil
	}
	last := turns[len(turns)-1]
	return TurnHead{ContextID: contextID, HeadDepth: last.Depth}, nil
}

func (c *stubTurnClient) GetLast(_ context.Context, contextID uint64, opts GetLastOptions) ([]TurnRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.turns[contextID]
	limit := len(list)
	if opts.Limit != 0 && int(opts.Limit) < limit {
		limit = int(opts.Limit)
	}
	start := len(list) - limit
	if start < 0 {
		start = 0
	}
	out := make([]TurnRecord, len(list[start:]))
	copy(out, list[start:])
	return out, nil
}

func makeTurnEvent(contextID, turnID uint64, depth uint32) sseclient.Event {
	payload := map[string]interface{}{
		"context_id":     fmt.Sprintf("%d", contextID),
		"turn_id":        fmt.Sprintf("%d", turnID),
		"parent_turn_id": "0",
		"depth":          depth,
	}
	data, _ := json.Marshal(payload)
	return sseclient.Event{EventType: "turn_appended", Data: data}
}

func TestFollowBackfillsAndDedupes(t *testing.T) {
	client := newStubTurnClient()
	client.setContext(1, []TurnRecord{
		{TurnID: 10, ParentTurnID: 0, Depth: 0},
		{TurnID: 11, ParentTurnID: 10, Depth: 1},
		{TurnID: 12, ParentTurnID: 11, Depth: 2},
	})

	events := make(chan sseclient.Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, errs := Follow(ctx, events, client, DefaultOptions())

	events <- makeTurnEvent(1, 12, 2)

	var got []FollowedTurn
	for len(got) < 3 {
		select {
		case turn := <-out:
			got = append(got, turn)
		case err := <-errs:
			t.Fatalf("unexpected error: %v", err)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %d turns", len(got))
		}
	}

	require.Equal(t, uint64(10), got[0].Turn.TurnID)
	require.Equal(t, uint64(11), got[1].Turn.TurnID)
	require.Equal(t, uint64(12), got[2].Turn.TurnID)

	// a duplicate event for the same head should not re-emit anything.
	events <- makeTurnEvent(1, 12, 2)
	select {
	case turn := <-out:
		t.Fatalf("unexpected duplicate turn emitted: %+v", turn)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestFollowDetectsHeadDepthRegression(t *testing.T) {
	client := newStubTurnClient()
	client.setContext(1, []TurnRecord{
		{TurnID: 10, ParentTurnID: 0, Depth: 5},
	})

	events := make(chan sseclient.Event, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, errs := Follow(ctx, events, client, DefaultOptions())
	events <- makeTurnEvent(1, 10, 5)

	select {
	case <-out:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first backfill")
	}

	// regress the head depth and trigger another sync
	client.setContext(1, []TurnRecord{
		{TurnID: 9, ParentTurnID: 0, Depth: 1},
	})
	events <- makeTurnEvent(1, 9, 1)

	select {
	case err := <-errs:
		require.Contains(t, err.Error(), "regressed")
	case <-time.After(2 * time.Second):
		t.Fatal("expected a regression error")
	}
}

func TestFollowRejectsMalformedEvent(t *testing.T) {
	client := newStubTurnClient()
	events := make(chan sseclient.Event, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, errs := Follow(ctx, events, client, DefaultOptions())
	events <- sseclient.Event{EventType: "turn_appended", Data: []byte("not json")}

	select {
	case err := <-errs:
		require.Error(t, err)
	case <-out:
		t.Fatal("expected no followed turn for malformed event")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for decode error")
	}
}

func TestFollowStopsWhenContextCanceled(t *testing.T) {
	client := newStubTurnClient()
	events := make(chan sseclient.Event)
	ctx, cancel := context.WithCancel(context.Background())

	out, errs := Follow(ctx, events, client, DefaultOptions())
	cancel()

	deadline := time.After(2 * time.Second)
	outClosed, errsClosed := false, false
	for !outClosed || !errsClosed {
		select {
		case _, ok := <-out:
			if !ok {
				outClosed = true
			}
		case _, ok := <-errs:
			if !ok {
				errsClosed = true
			}
		case <-deadline:
			t.Fatal("channels never closed after cancel")
		}
	}
}
