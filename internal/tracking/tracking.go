// Package tracking records the progress of backups and recoveries. Trackers
// turn pipeline callbacks into Events that are handed to one or more Sinks.
package tracking

import (
	"time"

	"github.com/google/uuid"

	"github.com/sndnv/stasis-sub004/internal/model"
	"github.com/sndnv/stasis-sub004/internal/rules"
	"github.com/sndnv/stasis-sub004/internal/stasis"
)

// Operation kinds.
const (
	KindBackup   = "backup"
	KindRecovery = "recovery"
)

// Event names.
const (
	EventStarted                = "started"
	EventEntityDiscovered       = "entity_discovered"
	EventSpecificationProcessed = "specification_processed"
	EventEntityExamined         = "entity_examined"
	EventEntitySkipped          = "entity_skipped"
	EventEntityCollected        = "entity_collected"
	EventEntityPartProcessed    = "entity_part_processed"
	EventEntityProcessed        = "entity_processed"
	EventMetadataCollected      = "metadata_collected"
	EventMetadataPushed         = "metadata_pushed"
	EventMetadataApplied        = "metadata_applied"
	EventFailureEncountered     = "failure_encountered"
	EventCompleted              = "completed"
	EventServerReachable        = "server_reachable"
	EventServerUnreachable      = "server_unreachable"
)

// Event is a single tracked occurrence.
type Event struct {
	Operation  uuid.UUID
	Kind       string
	Name       string
	Definition *uuid.UUID
	Path       string
	Part       int
	Detail     string
	Err        error
	Time       time.Time
}

// Sink receives events. Record must not block.
type Sink interface {
	Record(event Event)
}

// Multi fans events out to several sinks.
type Multi []Sink

func (m Multi) Record(event Event) {
	for _, s := range m {
		s.Record(event)
	}
}

type emitter struct {
	sink  Sink
	clock stasis.Clock
	kind  string
}

func (e emitter) emit(event Event) {
	event.Kind = e.kind
	event.Time = e.clock.Now()
	e.sink.Record(event)
}

// BackupTracker reports backup progress to a sink.
type BackupTracker struct{ emitter }

var _ stasis.BackupTracker = (*BackupTracker)(nil)

// NewBackupTracker creates a backup tracker writing to sink.
func NewBackupTracker(sink Sink, clock stasis.Clock) *BackupTracker {
	return &BackupTracker{emitter{sink: sink, clock: clock, kind: KindBackup}}
}

func (t *BackupTracker) Started(operation, definition uuid.UUID) {
	t.emit(Event{Operation: operation, Name: EventStarted, Definition: &definition})
}

func (t *BackupTracker) EntityDiscovered(operation uuid.UUID, path string) {
	t.emit(Event{Operation: operation, Name: EventEntityDiscovered, Path: path})
}

func (t *BackupTracker) SpecificationProcessed(operation uuid.UUID, unmatched []rules.UnmatchedRule) {
	for _, u := range unmatched {
		t.emit(Event{Operation: operation, Name: EventSpecificationProcessed, Detail: u.Rule.String(), Err: u.Err})
	}
	if len(unmatched) == 0 {
		t.emit(Event{Operation: operation, Name: EventSpecificationProcessed})
	}
}

func (t *BackupTracker) EntityExamined(operation uuid.UUID, path string) {
	t.emit(Event{Operation: operation, Name: EventEntityExamined, Path: path})
}

func (t *BackupTracker) EntitySkipped(operation uuid.UUID, path string) {
	t.emit(Event{Operation: operation, Name: EventEntitySkipped, Path: path})
}

func (t *BackupTracker) EntityPartProcessed(operation uuid.UUID, path string, part int) {
	t.emit(Event{Operation: operation, Name: EventEntityPartProcessed, Path: path, Part: part})
}

func (t *BackupTracker) EntityProcessed(operation uuid.UUID, path string, _ model.EntityMetadata) {
	t.emit(Event{Operation: operation, Name: EventEntityProcessed, Path: path})
}

func (t *BackupTracker) MetadataCollected(operation uuid.UUID) {
	t.emit(Event{Operation: operation, Name: EventMetadataCollected})
}

func (t *BackupTracker) MetadataPushed(operation, entry uuid.UUID) {
	t.emit(Event{Operation: operation, Name: EventMetadataPushed, Detail: entry.String()})
}

func (t *BackupTracker) FailureEncountered(operation uuid.UUID, path string, err error) {
	t.emit(Event{Operation: operation, Name: EventFailureEncountered, Path: path, Err: err})
}

func (t *BackupTracker) Completed(operation uuid.UUID) {
	t.emit(Event{Operation: operation, Name: EventCompleted})
}

// RecoveryTracker reports recovery progress to a sink.
type RecoveryTracker struct{ emitter }

var _ stasis.RecoveryTracker = (*RecoveryTracker)(nil)

// NewRecoveryTracker creates a recovery tracker writing to sink.
func NewRecoveryTracker(sink Sink, clock stasis.Clock) *RecoveryTracker {
	return &RecoveryTracker{emitter{sink: sink, clock: clock, kind: KindRecovery}}
}

func (t *RecoveryTracker) Started(operation, definition uuid.UUID) {
	t.emit(Event{Operation: operation, Name: EventStarted, Definition: &definition})
}

func (t *RecoveryTracker) EntityExamined(operation uuid.UUID, path string, metadataChanged, contentChanged bool) {
	detail := ""
	switch {
	case metadataChanged && contentChanged:
		detail = "metadata and content changed"
	case metadataChanged:
		detail = "metadata changed"
	case contentChanged:
		detail = "content changed"
	}
	t.emit(Event{Operation: operation, Name: EventEntityExamined, Path: path, Detail: detail})
}

func (t *RecoveryTracker) EntityCollected(operation uuid.UUID, path string) {
	t.emit(Event{Operation: operation, Name: EventEntityCollected, Path: path})
}

func (t *RecoveryTracker) EntityPartProcessed(operation uuid.UUID, path string, part int) {
	t.emit(Event{Operation: operation, Name: EventEntityPartProcessed, Path: path, Part: part})
}

func (t *RecoveryTracker) EntityProcessed(operation uuid.UUID, path string) {
	t.emit(Event{Operation: operation, Name: EventEntityProcessed, Path: path})
}

func (t *RecoveryTracker) MetadataApplied(operation uuid.UUID, path string) {
	t.emit(Event{Operation: operation, Name: EventMetadataApplied, Path: path})
}

func (t *RecoveryTracker) FailureEncountered(operation uuid.UUID, path string, err error) {
	t.emit(Event{Operation: operation, Name: EventFailureEncountered, Path: path, Err: err})
}

func (t *RecoveryTracker) Completed(operation uuid.UUID) {
	t.emit(Event{Operation: operation, Name: EventCompleted})
}

// ServerTracker reports server reachability to a sink.
type ServerTracker struct{ emitter }

var _ stasis.ServerTracker = (*ServerTracker)(nil)

// NewServerTracker creates a server tracker writing to sink.
func NewServerTracker(sink Sink, clock stasis.Clock) *ServerTracker {
	return &ServerTracker{emitter{sink: sink, clock: clock}}
}

func (t *ServerTracker) ServerReachable(server string) {
	t.emit(Event{Name: EventServerReachable, Path: server})
}

func (t *ServerTracker) ServerUnreachable(server string, err error) {
	t.emit(Event{Name: EventServerUnreachable, Path: server, Err: err})
}
