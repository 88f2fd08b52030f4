// Package eventbus broadcasts store events to SSE subscribers. Events
// originate from the binary protocol server (package protocolserver), and
// are fanned out to every connected HTTP SSE client over a Go channel
// per subscriber. A disconnected subscriber is pruned lazily, on the
// next publish, exactly as the event source it's grounded on does.
package eventbus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// EventType discriminates the kinds of StoreEvent.
type EventType string

const (
	ContextCreated         EventType = "context_created"
	ContextMetadataUpdated EventType = "context_metadata_updated"
	ContextLinked          EventType = "context_linked"
	TurnAppended           EventType = "turn_appended"
	ClientConnected        EventType = "client_connected"
	ClientDisconnected     EventType = "client_disconnected"
)

// StoreEvent is a single event broadcast to SSE subscribers. Exactly one
// of the typed payload fields is meaningful, selected by Type.
type StoreEvent struct {
	Type EventType `json:"type"`

	ContextCreated         *ContextCreatedPayload         `json:"-"`
	ContextMetadataUpdated *ContextMetadataUpdatedPayload `json:"-"`
	ContextLinked          *ContextLinkedPayload          `json:"-"`
	TurnAppended           *TurnAppendedPayload           `json:"-"`
	ClientConnected        *ClientConnectedPayload        `json:"-"`
	ClientDisconnected     *ClientDisconnectedPayload     `json:"-"`
}

type ContextCreatedPayload struct {
	ContextID   string `json:"context_id"`
	SessionID   string `json:"session_id"`
	ClientTag   string `json:"client_tag"`
	CreatedAtMs uint64 `json:"created_at"`
}

type ContextMetadataUpdatedPayload struct {
	ContextID     string    `json:"context_id"`
	ClientTag     *string   `json:"client_tag,omitempty"`
	Title         *string   `json:"title,omitempty"`
	Labels        *[]string `json:"labels,omitempty"`
	HasProvenance bool      `json:"has_provenance"`
}

type ContextLinkedPayload struct {
	ChildContextID  string  `json:"child_context_id"`
	ParentContextID string  `json:"parent_context_id"`
	RootContextID   *string `json:"root_context_id,omitempty"`
	SpawnReason     *string `json:"spawn_reason,omitempty"`
}

type TurnAppendedPayload struct {
	ContextID           string  `json:"context_id"`
	TurnID              string  `json:"turn_id"`
	ParentTurnID        string  `json:"parent_turn_id"`
	Depth               uint32  `json:"depth"`
	DeclaredTypeID      *string `json:"declared_type_id,omitempty"`
	DeclaredTypeVersion *uint32 `json:"declared_type_version,omitempty"`
}

type ClientConnectedPayload struct {
	SessionID string `json:"session_id"`
	ClientTag string `json:"client_tag"`
}

type ClientDisconnectedPayload struct {
	SessionID string   `json:"session_id"`
	ClientTag string   `json:"client_tag"`
	Contexts  []string `json:"contexts"`
}

// ToSSE renders an event as (event name, flat JSON data) for an SSE
// "event:"/"data:" pair. The wrapping "type" discriminator is dropped
// since SSE consumers key off the event name instead.
func (e StoreEvent) ToSSE() (string, string, error) {
	var payload interface{}
	switch e.Type {
	case ContextCreated:
		payload = e.ContextCreated
	case ContextMetadataUpdated:
		payload = e.ContextMetadataUpdated
	case ContextLinked:
		payload = e.ContextLinked
	case TurnAppended:
		payload = e.TurnAppended
	case ClientConnected:
		payload = e.ClientConnected
	case ClientDisconnected:
		payload = e.ClientDisconnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", "", err
	}
	return string(e.Type), string(data), nil
}

// Subscriber receives every event published after it subscribed.
type Subscriber struct {
	ch chan StoreEvent
}

// Events returns the channel to receive from.
func (s *Subscriber) Events() <-chan StoreEvent { return s.ch }

// Bus is a thread-safe, in-process fan-out of StoreEvents to
// subscribers, with an optional best-effort JetStream mirror.
type Bus struct {
	mu          sync.Mutex
	subscribers []chan StoreEvent
	bufferSize  int

	mirror *jetStreamMirror
}

// New returns an empty event bus. Subscriber channels are buffered to
// bufferSize; a subscriber that falls behind by more than that is
// dropped on the next publish, same as a channel send that can't keep
// up would block forever otherwise.
func New(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{bufferSize: bufferSize}
}

// Subscribe returns a Subscriber that receives all future events.
func (b *Bus) Subscribe() *Subscriber {
	ch := make(chan StoreEvent, b.bufferSize)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return &Subscriber{ch: ch}
}

// Unsubscribe removes sub from the bus and closes its channel. Safe to
// call even if sub was already pruned by a publish.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, ch := range b.subscribers {
		if ch == sub.ch {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// Publish broadcasts event to every subscriber. A subscriber whose
// buffer is full is considered dead and pruned, mirroring the
// send-fails-so-drop eviction this bus is modeled on.
func (b *Bus) Publish(event StoreEvent) {
	b.mu.Lock()
	live := b.subscribers[:0]
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
			live = append(live, ch)
		default:
			close(ch)
		}
	}
	b.subscribers = live
	b.mu.Unlock()

	if b.mirror != nil {
		b.mirror.publish(event)
	}
}

// SubscriberCount reports the current number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// jetStreamMirror shadow-publishes every event onto a JetStream subject
// for durable, at-least-once delivery to out-of-process consumers. It
// is purely additive: nothing in this codebase subscribes to it back,
// so a publish failure never affects in-process SSE delivery.
type jetStreamMirror struct {
	js      jetstream.JetStream
	subject string
}

// EnableJetStreamMirror attaches a best-effort durable mirror to the
// bus. Publish failures are logged and otherwise ignored.
func (b *Bus) EnableJetStreamMirror(js jetstream.JetStream, subject string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mirror = &jetStreamMirror{js: js, subject: subject}
}

func (m *jetStreamMirror) publish(event StoreEvent) {
	_, data, err := event.ToSSE()
	if err != nil {
		log.Error().Err(err).Str("event_type", string(event.Type)).Msg("failed to marshal event for jetstream mirror")
		return
	}
	envelope, err := json.Marshal(struct {
		Type EventType `json:"type"`
		Data string    `json:"data"`
	}{Type: event.Type, Data: data})
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal jetstream mirror envelope")
		return
	}
	if _, err := m.js.Publish(context.Background(), m.subject, envelope); err != nil {
		log.Error().Err(err).Str("subject", m.subject).Msg("jetstream mirror publish failed")
	}
}
