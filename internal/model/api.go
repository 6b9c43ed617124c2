package model

import (
	"time"

	"github.com/google/uuid"
)

// RetentionPolicy names how versions of a dataset are kept.
type RetentionPolicy string

const (
	RetentionAtMost     RetentionPolicy = "at-most"
	RetentionLatestOnly RetentionPolicy = "latest-only"
	RetentionAll        RetentionPolicy = "all"
)

// Retention is a policy plus the duration versions are kept for.
type Retention struct {
	Policy   RetentionPolicy `json:"policy"`
	Versions int             `json:"versions,omitempty"` // only used by RetentionAtMost
	Duration time.Duration   `json:"duration"`
}

// DatasetDefinition is a named backup target.
type DatasetDefinition struct {
	ID               uuid.UUID `json:"id"`
	Info             string    `json:"info"`
	Device           uuid.UUID `json:"device"`
	RedundantCopies  int       `json:"redundant_copies"`
	ExistingVersions Retention `json:"existing_versions"`
	RemovedVersions  Retention `json:"removed_versions"`
	Created          time.Time `json:"created"`
}

// DatasetEntry is one completed backup generation.
type DatasetEntry struct {
	ID         uuid.UUID   `json:"id"`
	Definition uuid.UUID   `json:"definition"`
	Device     uuid.UUID   `json:"device"`
	Data       []uuid.UUID `json:"data"`
	Metadata   uuid.UUID   `json:"metadata"`
	Created    time.Time   `json:"created"`
}

// CreateDatasetEntry is the request to record a new generation.
type CreateDatasetEntry struct {
	Definition uuid.UUID
	Device     uuid.UUID
	Data       []uuid.UUID
	Metadata   uuid.UUID
}

// Command is an instruction issued to the client by the server.
type Command struct {
	Sequence int64      `json:"sequence"`
	Type     string     `json:"type"`
	Target   *uuid.UUID `json:"target,omitempty"`
	Created  time.Time  `json:"created"`
}

// CrateStorageRequest asks for storage space for a single crate.
type CrateStorageRequest struct {
	ID           uuid.UUID
	Crate        uuid.UUID
	Size         int64
	Copies       int
	Origin       uuid.UUID
	Source       uuid.UUID
	Destinations []uuid.UUID
}

// CrateStorageReservation is granted storage space for a crate.
type CrateStorageReservation struct {
	ID         uuid.UUID
	Crate      uuid.UUID
	Size       int64
	Copies     int
	Origin     uuid.UUID
	Target     uuid.UUID
	Expiration time.Time
}
