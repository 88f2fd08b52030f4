package eventbus

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func recvWithTimeout(t *testing.T, sub *Subscriber, d time.Duration) (StoreEvent, bool) {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		return ev, ok
	case <-time.After(d):
		return StoreEvent{}, false
	}
}

func TestBusBasicPublishAndReceive(t *testing.T) {
	bus := New(4)
	sub := bus.Subscribe()

	bus.Publish(StoreEvent{
		Type:            ClientConnected,
		ClientConnected: &ClientConnectedPayload{SessionID: "123", ClientTag: "test"},
	})

	ev, ok := recvWithTimeout(t, sub, 100*time.Millisecond)
	require.True(t, ok)
	require.Equal(t, ClientConnected, ev.Type)
	require.Equal(t, "123", ev.ClientConnected.SessionID)
}

func TestBusMultipleSubscribersEachReceive(t *testing.T) {
	bus := New(4)
	sub1 := bus.Subscribe()
	sub2 := bus.Subscribe()

	bus.Publish(StoreEvent{
		Type: ContextCreated,
		ContextCreated: &ContextCreatedPayload{
			ContextID: "1", SessionID: "2", ClientTag: "tag", CreatedAtMs: 12345,
		},
	})

	_, ok1 := recvWithTimeout(t, sub1, 100*time.Millisecond)
	_, ok2 := recvWithTimeout(t, sub2, 100*time.Millisecond)
	require.True(t, ok1)
	require.True(t, ok2)
}

func TestToSSEContextMetadataUpdated(t *testing.T) {
	title := "Fix bug"
	labels := []string{"urgent"}
	event := StoreEvent{
		Type: ContextMetadataUpdated,
		ContextMetadataUpdated: &ContextMetadataUpdatedPayload{
			ContextID:     "123",
			Title:         &title,
			Labels:        &labels,
			HasProvenance: true,
		},
	}

	name, data, err := event.ToSSE()
	require.NoError(t, err)
	require.Equal(t, "context_metadata_updated", name)
	require.True(t, strings.Contains(data, `"context_id":"123"`))
	require.True(t, strings.Contains(data, `"title":"Fix bug"`))
}

func TestToSSEContextLinked(t *testing.T) {
	root := "1"
	reason := "sub_agent"
	event := StoreEvent{
		Type: ContextLinked,
		ContextLinked: &ContextLinkedPayload{
			ChildContextID:  "12",
			ParentContextID: "5",
			RootContextID:   &root,
			SpawnReason:     &reason,
		},
	}

	name, data, err := event.ToSSE()
	require.NoError(t, err)
	require.Equal(t, "context_linked", name)
	require.True(t, strings.Contains(data, `"child_context_id":"12"`))
	require.True(t, strings.Contains(data, `"parent_context_id":"5"`))
}

func TestSubscriberCleanupOnPublishAfterUnsubscribe(t *testing.T) {
	bus := New(4)
	sub := bus.Subscribe()
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(sub)
	require.Equal(t, 0, bus.SubscriberCount())

	bus.Publish(StoreEvent{
		Type:            ClientConnected,
		ClientConnected: &ClientConnectedPayload{SessionID: "1", ClientTag: "test"},
	})
	require.Equal(t, 0, bus.SubscriberCount())
}

func TestSubscriberPrunedWhenBufferFull(t *testing.T) {
	bus := New(1)
	sub := bus.Subscribe()
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Publish(StoreEvent{Type: ClientConnected, ClientConnected: &ClientConnectedPayload{SessionID: "1"}})
	bus.Publish(StoreEvent{Type: ClientConnected, ClientConnected: &ClientConnectedPayload{SessionID: "2"}})

	require.Equal(t, 0, bus.SubscriberCount())

	_, ok := <-sub.Events()
	require.True(t, ok)
	_, ok = <-sub.Events()
	require.False(t, ok)
}
