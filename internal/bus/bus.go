// Package bus provides the in-process event bus behind the gateway's event
// ingest endpoint.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Well-known event types.
const (
	EventSpawnCreated  = "spawn_created"
	EventSpawnFinished = "spawn_finished"
	EventIncident      = "incident"
	EventIntent        = "intent"
	EventPatchApplied  = "patch_applied"

	// AllEvents subscribes to every event type.
	AllEvents = "*"
)

// Event is one cluster event.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Sink receives every dispatched event, e.g. a Kafka topic.
type Sink interface {
	Write(ctx context.Context, evt *Event) error
	Close() error
}

// Bus fans events out to subscribers and sinks and keeps a ring of the most
// recent ones.
type Bus struct {
	events chan *Event
	subs   map[string][]func(*Event)
	sinks  []Sink
	mu     sync.RWMutex

	ring []Event
	next int
	full bool
}

// New creates a bus remembering up to recent events.
func New(recent int) *Bus {
	if recent <= 0 {
		recent = 256
	}
	return &Bus{
		events: make(chan *Event, 100),
		subs:   make(map[string][]func(*Event)),
		ring:   make([]Event, recent),
	}
}

// Publish records evt and queues it for dispatch. It never blocks: when the
// queue is full the event is kept in the recent ring but not dispatched,
// and Publish returns false.
func (b *Bus) Publish(evt *Event) bool {
	if evt.ID == "" {
		evt.ID = ulid.Make().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	b.ring[b.next] = *evt
	b.next = (b.next + 1) % len(b.ring)
	if b.next == 0 {
		b.full = true
	}
	b.mu.Unlock()

	select {
	case b.events <- evt:
		return true
	default:
		slog.Warn("Event bus full, dropping dispatch", "type", evt.Type, "id", evt.ID)
		return false
	}
}

// Subscribe registers a callback for one event type, or AllEvents.
func (b *Bus) Subscribe(eventType string, callback func(*Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[eventType] = append(b.subs[eventType], callback)
}

// AddSink attaches an external sink.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Dispatch delivers queued events until ctx is cancelled.
// This should be run as a goroutine.
func (b *Bus) Dispatch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			b.closeSinks()
			return ctx.Err()
		case evt := <-b.events:
			b.deliver(ctx, evt)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, evt *Event) {
	b.mu.RLock()
	callbacks := append(append([]func(*Event){}, b.subs[evt.Type]...), b.subs[AllEvents]...)
	sinks := append([]Sink(nil), b.sinks...)
	b.mu.RUnlock()

	for _, cb := range callbacks {
		cb(evt)
	}
	for _, s := range sinks {
		if err := s.Write(ctx, evt); err != nil {
			slog.Warn("Event sink write failed", "type", evt.Type, "error", err)
		}
	}
}

func (b *Bus) closeSinks() {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.sinks {
		if err := s.Close(); err != nil {
			slog.Debug("Event sink close", "error", err)
		}
	}
}

// Recent returns up to limit events, newest first.
func (b *Bus) Recent(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := b.next
	if b.full {
		n = len(b.ring)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (b.next - i + len(b.ring)) % len(b.ring)
		out = append(out, b.ring[idx])
	}
	return out
}

// Pending returns the number of undispatched events.
func (b *Bus) Pending() int {
	return len(b.events)
}
