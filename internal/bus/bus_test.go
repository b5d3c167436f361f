package bus

import (
	"context"
	"sync"
	"testing"
	"time"
)

type memSink struct {
	mu     sync.Mutex
	events []string
	closed bool
}

func (m *memSink) Write(_ context.Context, evt *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt.Type)
	return nil
}

func (m *memSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func TestRecentRing(t *testing.T) {
	b := New(3)
	for _, typ := range []string{"a", "b", "c", "d"} {
		b.Publish(&Event{Type: typ})
	}
	got := b.Recent(10)
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[0].Type != "d" || got[2].Type != "b" {
		t.Fatalf("expected newest first, got %v %v %v", got[0].Type, got[1].Type, got[2].Type)
	}
	if got[0].ID == "" || got[0].Timestamp.IsZero() {
		t.Fatal("expected id and timestamp to be filled")
	}
	if len(b.Recent(1)) != 1 {
		t.Fatal("limit not applied")
	}
}

func TestDispatchToSubscribersAndSinks(t *testing.T) {
	b := New(16)
	sink := &memSink{}
	b.AddSink(sink)

	var mu sync.Mutex
	var typed, all int
	done := make(chan struct{}, 4)
	b.Subscribe(EventSpawnCreated, func(*Event) { mu.Lock(); typed++; mu.Unlock(); done <- struct{}{} })
	b.Subscribe(AllEvents, func(*Event) { mu.Lock(); all++; mu.Unlock(); done <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- b.Dispatch(ctx) }()

	b.Publish(&Event{Type: EventSpawnCreated, Source: "spawner"})
	b.Publish(&Event{Type: EventIncident, Source: "hormiguero"})

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for dispatch")
		}
	}
	cancel()
	<-errCh

	mu.Lock()
	defer mu.Unlock()
	if typed != 1 || all != 2 {
		t.Fatalf("typed=%d all=%d", typed, all)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 2 || !sink.closed {
		t.Fatalf("sink events=%v closed=%v", sink.events, sink.closed)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New(4)
	dropped := 0
	for i := 0; i < 150; i++ {
		if !b.Publish(&Event{Type: "x"}) {
			dropped++
		}
	}
	if dropped != 50 {
		t.Fatalf("expected 50 dropped dispatches, got %d", dropped)
	}
	if b.Pending() != 100 {
		t.Fatalf("expected 100 pending, got %d", b.Pending())
	}
}
