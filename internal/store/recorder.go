package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const appendTimeout = 5 * time.Second

// Recorder appends events to a Store from a single background goroutine.
// Record never blocks: when the queue is full the event is dropped and
// counted, so auditing can never stall message routing.
type Recorder struct {
	st      Store
	ch      chan Event
	done    chan struct{}
	logger  *slog.Logger
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewRecorder starts a recorder with room for buffer pending events.
func NewRecorder(st Store, buffer int, logger *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		st:     st,
		ch:     make(chan Event, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
	go r.loop()
	return r
}

// Record queues ev. Events recorded after Close are discarded.
func (r *Recorder) Record(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ch <- ev:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			r.logger.Warn("audit queue full, dropping events", "dropped", n)
		}
	}
}

// Dropped reports how many events were discarded because the queue was full.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Close flushes queued events and stops the background goroutine. It does
// not close the underlying Store.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.ch)
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) loop() {
	defer close(r.done)
	for ev := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
		if err := r.st.EventAppend(ctx, ev); err != nil {
			r.logger.Warn("audit append failed", "type", ev.Type, "identity", ev.Identity, "err", err)
		}
		cancel()
	}
}
