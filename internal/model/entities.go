package model

import (
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// SourceEntity pairs a path selected for backup with its current and previous metadata.
type SourceEntity struct {
	Path     string
	Current  EntityMetadata
	Existing EntityMetadata // nil if the entity is new
	// ExistingEntry is the dataset entry holding Existing, if any.
	ExistingEntry *uuid.UUID
}

// Destination describes where a recovered entity is written.
// The zero value restores entities to their original location.
type Destination struct {
	// Directory, when set, relocates recovered entities under this path.
	Directory string
	// KeepDefaultStructure keeps the full original path below Directory;
	// otherwise only the entity's base name is used.
	KeepDefaultStructure bool
}

// DefaultDestination restores entities to their original paths.
func DefaultDestination() Destination { return Destination{} }

// Resolve maps an original entity path to its recovery location.
func (d Destination) Resolve(original string) string {
	if d.Directory == "" {
		return original
	}
	if d.KeepDefaultStructure {
		rel := strings.TrimPrefix(filepath.Clean(original), filepath.VolumeName(original))
		return filepath.Join(d.Directory, rel)
	}
	return filepath.Join(d.Directory, filepath.Base(original))
}

// TargetEntity is an entity selected for recovery.
type TargetEntity struct {
	Path        string
	Destination Destination
	State       EntityState
	Metadata    EntityMetadata // as stored in the backup
	Current     EntityMetadata // as found at the destination, nil if absent
}

// DestinationPath is where the entity will be recovered to.
func (t *TargetEntity) DestinationPath() string {
	return t.Destination.Resolve(t.Path)
}
