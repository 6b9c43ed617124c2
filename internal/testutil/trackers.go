package testutil

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/sndnv/stasis-sub004/internal/model"
	"github.com/sndnv/stasis-sub004/internal/rules"
	"github.com/sndnv/stasis-sub004/internal/stasis"
)

// events records tracker calls as "event" or "event:path" strings.
type events struct {
	mu       sync.Mutex
	recorded []string
	failures []error
}

func (e *events) add(event, path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if path != "" {
		event = event + ":" + path
	}
	e.recorded = append(e.recorded, event)
}

// Events returns all recorded events in order.
func (e *events) Events() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.recorded)
}

// Count returns how many recorded events start with the given event name.
func (e *events) Count(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, r := range e.recorded {
		if r == event || strings.HasPrefix(r, event+":") {
			n++
		}
	}
	return n
}

// Has reports whether event was recorded for path.
func (e *events) Has(event, path string) bool {
	return slices.Contains(e.Events(), event+":"+path)
}

// Failures returns the errors passed to FailureEncountered.
func (e *events) Failures() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.failures)
}

func (e *events) failure(path string, err error) {
	e.mu.Lock()
	e.failures = append(e.failures, err)
	e.mu.Unlock()
	e.add("failure_encountered", path)
}

// RecordingBackupTracker records backup events.
type RecordingBackupTracker struct {
	events
	Unmatched []rules.UnmatchedRule
}

var _ stasis.BackupTracker = (*RecordingBackupTracker)(nil)

func (r *RecordingBackupTracker) Started(_, _ uuid.UUID) { r.add("started", "") }

func (r *RecordingBackupTracker) EntityDiscovered(_ uuid.UUID, path string) {
	r.add("entity_discovered", path)
}

func (r *RecordingBackupTracker) SpecificationProcessed(_ uuid.UUID, unmatched []rules.UnmatchedRule) {
	r.mu.Lock()
	r.Unmatched = unmatched
	r.mu.Unlock()
	r.add("specification_processed", "")
}

func (r *RecordingBackupTracker) EntityExamined(_ uuid.UUID, path string) {
	r.add("entity_examined", path)
}

func (r *RecordingBackupTracker) EntitySkipped(_ uuid.UUID, path string) {
	r.add("entity_skipped", path)
}

func (r *RecordingBackupTracker) EntityPartProcessed(_ uuid.UUID, path string, part int) {
	r.add("entity_part_processed", fmt.Sprintf("%s#%d", path, part))
}

func (r *RecordingBackupTracker) EntityProcessed(_ uuid.UUID, path string, _ model.EntityMetadata) {
	r.add("entity_processed", path)
}

func (r *RecordingBackupTracker) MetadataCollected(_ uuid.UUID) { r.add("metadata_collected", "") }

func (r *RecordingBackupTracker) MetadataPushed(_, _ uuid.UUID) { r.add("metadata_pushed", "") }

func (r *RecordingBackupTracker) FailureEncountered(_ uuid.UUID, path string, err error) {
	r.failure(path, err)
}

func (r *RecordingBackupTracker) Completed(_ uuid.UUID) { r.add("completed", "") }

// RecordingRecoveryTracker records recovery events.
type RecordingRecoveryTracker struct {
	events
}

var _ stasis.RecoveryTracker = (*RecordingRecoveryTracker)(nil)

func (r *RecordingRecoveryTracker) Started(_, _ uuid.UUID) { r.add("started", "") }

func (r *RecordingRecoveryTracker) EntityExamined(_ uuid.UUID, path string, _, _ bool) {
	r.add("entity_examined", path)
}

func (r *RecordingRecoveryTracker) EntityCollected(_ uuid.UUID, path string) {
	r.add("entity_collected", path)
}

func (r *RecordingRecoveryTracker) EntityPartProcessed(_ uuid.UUID, path string, part int) {
	r.add("entity_part_processed", fmt.Sprintf("%s#%d", path, part))
}

func (r *RecordingRecoveryTracker) EntityProcessed(_ uuid.UUID, path string) {
	r.add("entity_processed", path)
}

func (r *RecordingRecoveryTracker) MetadataApplied(_ uuid.UUID, path string) {
	r.add("metadata_applied", path)
}

func (r *RecordingRecoveryTracker) FailureEncountered(_ uuid.UUID, path string, err error) {
	r.failure(path, err)
}

func (r *RecordingRecoveryTracker) Completed(_ uuid.UUID) { r.add("completed", "") }

// RecordingServerTracker records server reachability events.
type RecordingServerTracker struct {
	events
}

var _ stasis.ServerTracker = (*RecordingServerTracker)(nil)

func (r *RecordingServerTracker) ServerReachable(server string) {
	r.add("server_reachable", server)
}

func (r *RecordingServerTracker) ServerUnreachable(server string, err error) {
	r.mu.Lock()
	r.failures = append(r.failures, err)
	r.mu.Unlock()
	r.add("server_unreachable", server)
}
