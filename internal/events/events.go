// Package events is the shared audit log. Every subsystem records its
// lifecycle events through a recorder adapter; a single writer goroutine
// persists them in arrival order and fans them out to sinks such as the
// realtime hub. Recording never blocks a state transition: when the queue
// is full the event is dropped and counted.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a normalized audit record from any subsystem.
type Event struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`    // dotted, e.g. "escrow.funded"
	Subject   string    `json:"subject"` // escrow ID, account address, or "governance"
	Actor     string    `json:"actor,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	Detail    string    `json:"detail,omitempty"` // JSON payload
	CreatedAt time.Time `json:"createdAt"`
}

// Filter narrows a Recent query. Zero values match everything.
type Filter struct {
	Type    string
	Subject string
	Limit   int
}

// Store persists the append-only event log.
type Store interface {
	Append(ctx context.Context, event *Event) error
	// BySubject returns a subject's events oldest first.
	BySubject(ctx context.Context, subject string, limit int) ([]*Event, error)
	// Recent returns matching events newest first.
	Recent(ctx context.Context, filter Filter) ([]*Event, error)
}

// Sink receives every event after it is persisted.
type Sink func(event *Event)

// DefaultQueueSize bounds how many events may be waiting for the writer.
const DefaultQueueSize = 1024

// appendTimeout caps how long one store write may take.
const appendTimeout = 5 * time.Second

// Log accepts events from the subsystem recorders and persists them through
// a single writer goroutine.
type Log struct {
	store  Store
	logger *slog.Logger
	queue  chan *Event
	done   chan struct{}

	mu    sync.RWMutex
	sinks []Sink

	dropped atomic.Int64
}

// NewLog creates an event log over the given store.
func NewLog(store Store, logger *slog.Logger) *Log {
	return &Log{
		store:  store,
		logger: logger,
		queue:  make(chan *Event, DefaultQueueSize),
		done:   make(chan struct{}),
	}
}

// AddSink registers a fan-out target. Sinks run on the writer goroutine,
// so they must be fast; slow consumers should buffer internally.
func (l *Log) AddSink(s Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, s)
}

// Run consumes the queue until ctx is cancelled, then drains whatever is
// already queued before exiting.
func (l *Log) Run(ctx context.Context) {
	defer close(l.done)

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-l.queue:
					l.persist(ev)
				default:
					return
				}
			}
		case ev := <-l.queue:
			l.persist(ev)
		}
	}
}

// Done is closed once Run has drained and exited.
func (l *Log) Done() <-chan struct{} { return l.done }

// Record enqueues an event. It never blocks; a full queue drops the event.
func (l *Log) Record(event *Event) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	select {
	case l.queue <- event:
	default:
		l.dropped.Add(1)
		l.logger.Warn("event queue full, dropping", "type", event.Type, "subject", event.Subject)
	}
}

// Dropped reports how many events were lost to queue overflow.
func (l *Log) Dropped() int64 { return l.dropped.Load() }

// BySubject returns a subject's events oldest first.
func (l *Log) BySubject(ctx context.Context, subject string, limit int) ([]*Event, error) {
	return l.store.BySubject(ctx, subject, limit)
}

// Recent returns matching events newest first.
func (l *Log) Recent(ctx context.Context, filter Filter) ([]*Event, error) {
	return l.store.Recent(ctx, filter)
}

func (l *Log) persist(event *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()

	if err := l.store.Append(ctx, event); err != nil {
		l.logger.Warn("event append failed", "type", event.Type, "subject", event.Subject, "error", err)
	}

	l.mu.RLock()
	sinks := l.sinks
	l.mu.RUnlock()
	for _, s := range sinks {
		s(event)
	}
}
