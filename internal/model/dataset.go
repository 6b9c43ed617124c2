package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"maps"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

// StateKind classifies an entity relative to the previous backup generation.
type StateKind int

const (
	StateNew StateKind = iota
	StateUpdated
	StateUnchanged
)

func (k StateKind) String() string {
	switch k {
	case StateNew:
		return "new"
	case StateUpdated:
		return "updated"
	case StateUnchanged:
		return "unchanged"
	default:
		return fmt.Sprintf("StateKind(%d)", int(k))
	}
}

func (k StateKind) MarshalText() ([]byte, error) {
	switch k {
	case StateNew, StateUpdated, StateUnchanged:
		return []byte(k.String()), nil
	default:
		return nil, fmt.Errorf("unknown entity state: %d", int(k))
	}
}

func (k *StateKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "new":
		*k = StateNew
	case "updated":
		*k = StateUpdated
	case "unchanged":
		*k = StateUnchanged
	default:
		return fmt.Errorf("unknown entity state: %q", text)
	}
	return nil
}

// EntityState is the state of a single entity in one generation. For unchanged
// entities, Entry names the dataset entry whose metadata holds the entity.
type EntityState struct {
	Kind  StateKind  `json:"kind"`
	Entry *uuid.UUID `json:"entry,omitempty"`
}

func NewState() EntityState     { return EntityState{Kind: StateNew} }
func UpdatedState() EntityState { return EntityState{Kind: StateUpdated} }

func UnchangedState(entry uuid.UUID) EntityState {
	return EntityState{Kind: StateUnchanged, Entry: &entry}
}

// FilesystemMetadata records the state of every entity seen during a backup.
type FilesystemMetadata struct {
	Entities map[string]EntityState `json:"entities"`
}

// DatasetMetadata is the full state snapshot of one backup generation.
type DatasetMetadata struct {
	ContentChanged  EntityMap          `json:"content_changed"`
	MetadataChanged EntityMap          `json:"metadata_changed"`
	Filesystem      FilesystemMetadata `json:"filesystem"`
}

// EmptyDatasetMetadata returns a generation without any entities.
func EmptyDatasetMetadata() *DatasetMetadata {
	return &DatasetMetadata{
		ContentChanged:  EntityMap{},
		MetadataChanged: EntityMap{},
		Filesystem:      FilesystemMetadata{Entities: map[string]EntityState{}},
	}
}

// Lookup returns the metadata stored in this generation for the given path.
// Unchanged entities are not stored and must be resolved through their entry.
func (m *DatasetMetadata) Lookup(path string) (EntityMetadata, bool) {
	if e, ok := m.ContentChanged[path]; ok {
		return e, true
	}
	if e, ok := m.MetadataChanged[path]; ok {
		return e, true
	}
	return nil, false
}

// Require is Lookup that treats a missing entity as an error.
func (m *DatasetMetadata) Require(path string) (EntityMetadata, error) {
	e, ok := m.Lookup(path)
	if !ok {
		return nil, fmt.Errorf("metadata for entity %s not found", path)
	}
	return e, nil
}

// Encode serializes the metadata as gzip-compressed JSON.
func (m *DatasetMetadata) Encode() ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(m); err != nil {
		return nil, fmt.Errorf("encoding dataset metadata: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing dataset metadata: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeDatasetMetadata reverses Encode.
func DecodeDatasetMetadata(data []byte) (*DatasetMetadata, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decompressing dataset metadata: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompressing dataset metadata: %w", err)
	}

	var m DatasetMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decoding dataset metadata: %w", err)
	}
	if m.ContentChanged == nil {
		m.ContentChanged = EntityMap{}
	}
	if m.MetadataChanged == nil {
		m.MetadataChanged = EntityMap{}
	}
	if m.Filesystem.Entities == nil {
		m.Filesystem.Entities = map[string]EntityState{}
	}
	return &m, nil
}

// ProcessedEntity is the outcome of processing one entity during a backup.
type ProcessedEntity struct {
	// Current is the entity as it is now; files carry checksum, crates and compression.
	Current EntityMetadata
	// Existing is the entity as of the previous generation, nil if it is new.
	Existing EntityMetadata
	// ExistingEntry is the dataset entry that holds Existing.
	ExistingEntry *uuid.UUID
}

// Collect merges processed entities into a fresh generation. Each entity
// contributes exactly one path key, so the result does not depend on order.
func Collect(entities []ProcessedEntity) (*DatasetMetadata, error) {
	result := EmptyDatasetMetadata()

	for _, e := range entities {
		path := e.Current.EntityPath()
		if _, seen := result.Filesystem.Entities[path]; seen {
			return nil, fmt.Errorf("entity %s collected more than once", path)
		}

		state, changed, err := classify(e)
		if err != nil {
			return nil, fmt.Errorf("collecting entity %s: %w", path, err)
		}

		result.Filesystem.Entities[path] = state
		switch changed {
		case changeContent:
			result.ContentChanged[path] = e.Current
		case changeMetadata:
			result.MetadataChanged[path] = e.Current
		}
	}

	return result, nil
}

type change int

const (
	changeNone change = iota
	changeContent
	changeMetadata
)

func classify(e ProcessedEntity) (EntityState, change, error) {
	switch current := e.Current.(type) {
	case *FileMetadata:
		existing, ok := e.Existing.(*FileMetadata)
		if !ok {
			state := NewState()
			if e.Existing != nil {
				state = UpdatedState()
			}
			if current.HasContent() {
				return state, changeContent, nil
			}
			return state, changeMetadata, nil
		}
		if current.ContentChanged(existing) {
			if current.HasContent() {
				return UpdatedState(), changeContent, nil
			}
			return UpdatedState(), changeMetadata, nil
		}
		if current.AttributesChanged(existing) {
			if current.HasContent() && !maps.Equal(current.Crates, existing.Crates) {
				return EntityState{}, changeNone, fmt.Errorf("unchanged content must reuse existing crates")
			}
			return UpdatedState(), changeMetadata, nil
		}
		return unchanged(e)

	case *DirectoryMetadata:
		existing, ok := e.Existing.(*DirectoryMetadata)
		if !ok {
			if e.Existing != nil {
				return UpdatedState(), changeMetadata, nil
			}
			return NewState(), changeMetadata, nil
		}
		if current.AttributesChanged(existing) {
			return UpdatedState(), changeMetadata, nil
		}
		return unchanged(e)

	default:
		return EntityState{}, changeNone, fmt.Errorf("unexpected entity metadata type: %T", e.Current)
	}
}

func unchanged(e ProcessedEntity) (EntityState, change, error) {
	if e.ExistingEntry == nil {
		return EntityState{}, changeNone, fmt.Errorf("unchanged entity has no source entry")
	}
	return UnchangedState(*e.ExistingEntry), changeNone, nil
}
