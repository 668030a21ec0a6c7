package store

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSQLiteStore(dir)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEventAppendList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	events := []Event{
		{Type: EventConnected, Identity: "alice", ConnID: "c1"},
		{Type: EventAuthGranted, Identity: "alice", ConnID: "c1", Detail: "controller"},
		{Type: EventConnected, Identity: "bot1", ConnID: "c2"},
	}
	for _, ev := range events {
		if err := s.EventAppend(ctx, ev); err != nil {
			t.Fatalf("EventAppend: %v", err)
		}
	}

	all, err := s.EventList(ctx, EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	// Newest first.
	if all[0].Identity != "bot1" {
		t.Errorf("first event identity = %q, want bot1", all[0].Identity)
	}
	if all[0].Timestamp.IsZero() {
		t.Error("timestamp should default to now")
	}

	alice, err := s.EventList(ctx, EventFilter{Identity: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(alice) != 2 {
		t.Fatalf("expected 2 alice events, got %d", len(alice))
	}

	granted, err := s.EventList(ctx, EventFilter{Type: EventAuthGranted})
	if err != nil {
		t.Fatal(err)
	}
	if len(granted) != 1 || granted[0].Detail != "controller" {
		t.Fatalf("granted = %+v", granted)
	}

	limited, err := s.EventList(ctx, EventFilter{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected 1 event with limit, got %d", len(limited))
	}
}

func TestEventPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	if err := s.EventAppend(ctx, Event{Type: EventConnected, Identity: "old", Timestamp: old}); err != nil {
		t.Fatal(err)
	}
	if err := s.EventAppend(ctx, Event{Type: EventConnected, Identity: "new"}); err != nil {
		t.Fatal(err)
	}

	n, err := s.EventPrune(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	left, err := s.EventList(ctx, EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 || left[0].Identity != "new" {
		t.Fatalf("left = %+v", left)
	}
}

func TestEventListSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_ = s.EventAppend(ctx, Event{Type: EventConnected, Identity: "a", Timestamp: time.Now().Add(-time.Hour)})
	_ = s.EventAppend(ctx, Event{Type: EventConnected, Identity: "b"})

	recent, err := s.EventList(ctx, EventFilter{Since: time.Now().Add(-time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 1 || recent[0].Identity != "b" {
		t.Fatalf("recent = %+v", recent)
	}
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSQLiteStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	_ = s.EventAppend(context.Background(), Event{Type: EventConnected, Identity: "bot1"})
	s.Close()

	s2, err := NewSQLiteStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	events, err := s2.EventList(context.Background(), EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event after reopen, got %d", len(events))
	}
}

// --- Recorder ---

type memStore struct {
	mu     sync.Mutex
	events []Event
	block  chan struct{}
}

func (m *memStore) EventAppend(_ context.Context, ev Event) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memStore) EventList(context.Context, EventFilter) ([]Event, error) { return nil, nil }
func (m *memStore) EventPrune(context.Context, time.Time) (int64, error)    { return 0, nil }
func (m *memStore) Close() error                                            { return nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecorderFlushesOnClose(t *testing.T) {
	m := &memStore{}
	r := NewRecorder(m, 16, quietLogger())
	for i := 0; i < 5; i++ {
		r.Record(Event{Type: EventConnected, Identity: "x"})
	}
	r.Close()
	r.Close()

	if len(m.events) != 5 {
		t.Fatalf("recorded %d events, want 5", len(m.events))
	}
	for _, ev := range m.events {
		if ev.Timestamp.IsZero() {
			t.Fatal("recorder should stamp events")
		}
	}

	r.Record(Event{Type: EventConnected, Identity: "late"})
	if len(m.events) != 5 {
		t.Fatal("events after Close should be discarded")
	}
}

func TestRecorderDropsWhenFull(t *testing.T) {
	m := &memStore{block: make(chan struct{})}
	r := NewRecorder(m, 1, quietLogger())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			r.Record(Event{Type: EventConnected, Identity: "x"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a stalled store")
	}
	if r.Dropped() == 0 {
		t.Fatal("expected dropped events")
	}
	close(m.block)
	r.Close()
}
