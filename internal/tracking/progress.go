package tracking

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sndnv/stasis-sub004/internal/stasis"
)

// Progress summarizes a single operation.
type Progress struct {
	Kind       string            `json:"kind"`
	Definition *uuid.UUID        `json:"definition,omitempty"`
	Started    time.Time         `json:"started"`
	Completed  *time.Time        `json:"completed,omitempty"`
	Discovered int               `json:"discovered"`
	Examined   int               `json:"examined"`
	Skipped    int               `json:"skipped"`
	Collected  int               `json:"collected"`
	Parts      int               `json:"parts"`
	Processed  int               `json:"processed"`
	Failures   map[string]string `json:"failures,omitempty"` // path ("" for the operation) -> error
}

// ServerState is the last known reachability of a server.
type ServerState struct {
	Reachable bool      `json:"reachable"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is the persisted tracker state.
type Snapshot struct {
	Operations map[uuid.UUID]*Progress `json:"operations"`
	Servers    map[string]ServerState  `json:"servers"`
}

// SnapshotStore persists snapshots; state.Store satisfies it.
type SnapshotStore interface {
	Persist(state Snapshot) error
	Restore() (Snapshot, bool, error)
}

// DefaultRetainedOperations is the number of completed operations a
// ProgressSink keeps.
const DefaultRetainedOperations = 100

// ProgressSink keeps per-operation progress in memory and persists it when
// an operation starts or completes and when server state changes. Only the
// most recently completed operations are kept; running ones are never pruned.
type ProgressSink struct {
	store    SnapshotStore
	logger   stasis.Logger
	retained int

	mu       sync.Mutex
	snapshot Snapshot
}

// NewProgressSink restores the last persisted snapshot, if any, keeping at
// most retained completed operations.
func NewProgressSink(store SnapshotStore, logger stasis.Logger, retained int) (*ProgressSink, error) {
	snapshot, _, err := store.Restore()
	if err != nil {
		return nil, err
	}
	if snapshot.Operations == nil {
		snapshot.Operations = map[uuid.UUID]*Progress{}
	}
	if snapshot.Servers == nil {
		snapshot.Servers = map[string]ServerState{}
	}
	if retained <= 0 {
		retained = DefaultRetainedOperations
	}
	s := &ProgressSink{store: store, logger: logger, retained: retained, snapshot: snapshot}
	s.prune()
	return s, nil
}

func (s *ProgressSink) Record(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	persist := false
	switch e.Name {
	case EventServerReachable, EventServerUnreachable:
		reachable := e.Name == EventServerReachable
		previous, known := s.snapshot.Servers[e.Path]
		s.snapshot.Servers[e.Path] = ServerState{Reachable: reachable, Timestamp: e.Time}
		persist = !known || previous.Reachable != reachable
	default:
		persist = s.apply(e)
	}

	if persist {
		if err := s.store.Persist(s.clone()); err != nil {
			s.logger.Warn("failed to persist progress", "error", err)
		}
	}
}

func (s *ProgressSink) apply(e Event) bool {
	p, ok := s.snapshot.Operations[e.Operation]
	if !ok {
		p = &Progress{Kind: e.Kind, Started: e.Time}
		s.snapshot.Operations[e.Operation] = p
	}

	switch e.Name {
	case EventStarted:
		p.Definition = e.Definition
		p.Started = e.Time
		return true
	case EventEntityDiscovered:
		p.Discovered++
	case EventEntityExamined:
		p.Examined++
	case EventEntitySkipped:
		p.Skipped++
	case EventEntityCollected:
		p.Collected++
	case EventEntityPartProcessed:
		p.Parts++
	case EventEntityProcessed:
		p.Processed++
	case EventFailureEncountered:
		if p.Failures == nil {
			p.Failures = map[string]string{}
		}
		msg := "unknown error"
		if e.Err != nil {
			msg = e.Err.Error()
		}
		p.Failures[e.Path] = msg
	case EventCompleted:
		completed := e.Time
		p.Completed = &completed
		s.prune()
		return true
	}
	return false
}

// prune drops the oldest completed operations beyond the retained count.
func (s *ProgressSink) prune() {
	var completed []uuid.UUID
	for id, p := range s.snapshot.Operations {
		if p.Completed != nil {
			completed = append(completed, id)
		}
	}
	if len(completed) <= s.retained {
		return
	}

	slices.SortFunc(completed, func(a, b uuid.UUID) int {
		pa, pb := s.snapshot.Operations[a], s.snapshot.Operations[b]
		if c := pb.Completed.Compare(*pa.Completed); c != 0 {
			return c
		}
		return pb.Started.Compare(pa.Started)
	})
	for _, id := range completed[s.retained:] {
		delete(s.snapshot.Operations, id)
	}
}

// Persist writes the current snapshot to the store.
func (s *ProgressSink) Persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Persist(s.clone())
}

func (s *ProgressSink) clone() Snapshot {
	operations := make(map[uuid.UUID]*Progress, len(s.snapshot.Operations))
	for id, p := range s.snapshot.Operations {
		copied := *p
		copied.Failures = maps.Clone(p.Failures)
		operations[id] = &copied
	}
	return Snapshot{Operations: operations, Servers: maps.Clone(s.snapshot.Servers)}
}

// Progress returns the progress of an operation.
func (s *ProgressSink) Progress(operation uuid.UUID) (Progress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.snapshot.Operations[operation]
	if !ok {
		return Progress{}, false
	}
	copied := *p
	copied.Failures = maps.Clone(p.Failures)
	return copied, true
}

// Servers returns the last known state of every server.
func (s *ProgressSink) Servers() map[string]ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.snapshot.Servers)
}
