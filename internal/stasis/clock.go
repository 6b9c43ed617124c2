package stasis

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time retrieval so pipelines are deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// IDGenerator abstracts crate, operation and request ID generation.
type IDGenerator interface {
	New() uuid.UUID
}

// UUIDGenerator produces random UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) New() uuid.UUID { return uuid.New() }
