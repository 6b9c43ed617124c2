package stasis

import (
	"github.com/google/uuid"

	"github.com/sndnv/stasis-sub004/internal/model"
	"github.com/sndnv/stasis-sub004/internal/rules"
)

// BackupTracker receives backup progress events. Implementations must not block.
type BackupTracker interface {
	Started(operation, definition uuid.UUID)
	EntityDiscovered(operation uuid.UUID, path string)
	SpecificationProcessed(operation uuid.UUID, unmatched []rules.UnmatchedRule)
	EntityExamined(operation uuid.UUID, path string)
	EntitySkipped(operation uuid.UUID, path string)
	EntityPartProcessed(operation uuid.UUID, path string, part int)
	EntityProcessed(operation uuid.UUID, path string, metadata model.EntityMetadata)
	MetadataCollected(operation uuid.UUID)
	MetadataPushed(operation, entry uuid.UUID)
	// FailureEncountered reports a failure; path is empty for failures not tied to an entity.
	FailureEncountered(operation uuid.UUID, path string, err error)
	Completed(operation uuid.UUID)
}

// RecoveryTracker receives recovery progress events. Implementations must not block.
type RecoveryTracker interface {
	Started(operation, definition uuid.UUID)
	EntityExamined(operation uuid.UUID, path string, metadataChanged, contentChanged bool)
	EntityCollected(operation uuid.UUID, path string)
	EntityPartProcessed(operation uuid.UUID, path string, part int)
	EntityProcessed(operation uuid.UUID, path string)
	MetadataApplied(operation uuid.UUID, path string)
	FailureEncountered(operation uuid.UUID, path string, err error)
	Completed(operation uuid.UUID)
}

// ServerTracker receives server reachability events.
type ServerTracker interface {
	ServerReachable(server string)
	ServerUnreachable(server string, err error)
}
