package tracking

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sndnv/stasis-sub004/internal/database"
	"github.com/sndnv/stasis-sub004/internal/stasis"
)

// DefaultQueueSize is the number of events DatabaseSink buffers before
// dropping entity events.
const DefaultQueueSize = 1024

// OperationStore persists operation history.
type OperationStore interface {
	StartOperation(ctx context.Context, id uuid.UUID, kind string, definition *uuid.UUID, started time.Time) error
	RecordOperationEvent(ctx context.Context, event database.OperationEvent) error
	CompleteOperation(ctx context.Context, id uuid.UUID, completed time.Time, failure string) error
}

var _ OperationStore = (*database.SQLiteDatabase)(nil)

// DatabaseSink writes operation history in the background. Entity events are
// queued without blocking and dropped with a warning when the queue is full.
// Lifecycle events (started, failures and completion) wait for room in the
// queue so every recorded operation is eventually completed.
type DatabaseSink struct {
	store   OperationStore
	logger  stasis.Logger
	events  chan Event
	done    chan struct{}
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool

	// operation failures seen so far, only touched by the writer goroutine
	failures map[uuid.UUID]string
}

// NewDatabaseSink starts a sink writing to store. Close must be called to
// flush queued events.
func NewDatabaseSink(store OperationStore, logger stasis.Logger, queueSize int) *DatabaseSink {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	s := &DatabaseSink{
		store:    store,
		logger:   logger,
		events:   make(chan Event, queueSize),
		done:     make(chan struct{}),
		failures: map[uuid.UUID]string{},
	}
	go s.run()
	return s
}

func (s *DatabaseSink) Record(e Event) {
	if e.Operation == uuid.Nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}

	if lifecycle(e.Name) {
		s.events <- e
		return
	}

	select {
	case s.events <- e:
	default:
		s.dropped.Add(1)
		s.logger.Warn("operation history queue full, dropping event", "operation", e.Operation, "event", e.Name)
	}
}

func lifecycle(name string) bool {
	switch name {
	case EventStarted, EventFailureEncountered, EventCompleted:
		return true
	default:
		return false
	}
}

// Dropped returns the number of entity events dropped because the queue was full.
func (s *DatabaseSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops accepting events and waits until queued events are written.
func (s *DatabaseSink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	s.mu.Unlock()
	<-s.done
}

func (s *DatabaseSink) run() {
	defer close(s.done)
	for e := range s.events {
		if err := s.write(context.Background(), e); err != nil {
			s.logger.Warn("failed to record operation event", "operation", e.Operation, "event", e.Name, "error", err)
		}
	}
}

func (s *DatabaseSink) write(ctx context.Context, e Event) error {
	switch e.Name {
	case EventStarted:
		if err := s.store.StartOperation(ctx, e.Operation, e.Kind, e.Definition, e.Time); err != nil {
			return err
		}
	case EventFailureEncountered:
		// backup failures always abort the operation; recovery only aborts on
		// failures not tied to an entity
		if e.Err != nil && (e.Kind == KindBackup || e.Path == "") {
			s.failures[e.Operation] = e.Err.Error()
		}
	}

	detail := e.Detail
	if e.Err != nil {
		detail = e.Err.Error()
	}
	err := s.store.RecordOperationEvent(ctx, database.OperationEvent{
		Operation: e.Operation,
		Event:     e.Name,
		Path:      e.Path,
		Detail:    detail,
		Created:   e.Time,
	})
	if err != nil {
		return err
	}

	if e.Name == EventCompleted {
		failure := s.failures[e.Operation]
		delete(s.failures, e.Operation)
		return s.store.CompleteOperation(ctx, e.Operation, e.Time, failure)
	}
	return nil
}
