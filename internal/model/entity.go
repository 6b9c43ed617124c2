package model

import (
	"encoding/json"
	"fmt"
	"maps"
	"math/big"
	"slices"
	"time"

	"github.com/google/uuid"
)

// EntityMetadata describes a single filesystem entity as it was seen during a backup.
// The only implementations are *FileMetadata and *DirectoryMetadata.
type EntityMetadata interface {
	EntityPath() string
	isEntityMetadata()
}

// FileMetadata is the metadata of a regular file (or a symbolic link to one).
type FileMetadata struct {
	Path        string               `json:"path"`
	Size        int64                `json:"size"`
	Link        string               `json:"link,omitempty"` // symlink target; empty for regular files
	IsHidden    bool                 `json:"is_hidden"`
	Created     time.Time            `json:"created"`
	Updated     time.Time            `json:"updated"`
	Owner       string               `json:"owner"`
	Group       string               `json:"group"`
	Permissions string               `json:"permissions"`
	Checksum    *big.Int             `json:"checksum"`
	Crates      map[string]uuid.UUID `json:"crates"` // part path -> crate ID
	Compression string               `json:"compression"`
	Salt        []byte               `json:"salt,omitempty"` // per-push salt of the content secrets
}

// DirectoryMetadata is the metadata of a directory; directories have no content.
type DirectoryMetadata struct {
	Path        string    `json:"path"`
	Link        string    `json:"link,omitempty"`
	IsHidden    bool      `json:"is_hidden"`
	Created     time.Time `json:"created"`
	Updated     time.Time `json:"updated"`
	Owner       string    `json:"owner"`
	Group       string    `json:"group"`
	Permissions string    `json:"permissions"`
}

func (f *FileMetadata) EntityPath() string      { return f.Path }
func (d *DirectoryMetadata) EntityPath() string { return d.Path }

func (*FileMetadata) isEntityMetadata()      {}
func (*DirectoryMetadata) isEntityMetadata() {}

// HasContent reports whether the file's content is stored in crates.
// Symbolic links are recorded by target only.
func (f *FileMetadata) HasContent() bool {
	return f.Link == ""
}

// WithContent returns a copy of the file metadata describing stored content.
func (f *FileMetadata) WithContent(checksum *big.Int, crates map[string]uuid.UUID, compression string, salt []byte) *FileMetadata {
	updated := *f
	updated.Checksum = checksum
	updated.Crates = maps.Clone(crates)
	updated.Compression = compression
	updated.Salt = slices.Clone(salt)
	return &updated
}

// ContentChanged reports whether the content of two file metadata records differs.
func (f *FileMetadata) ContentChanged(other *FileMetadata) bool {
	if f.Size != other.Size || f.Link != other.Link {
		return true
	}
	return checksumOrZero(f.Checksum).Cmp(checksumOrZero(other.Checksum)) != 0
}

// AttributesChanged reports whether any non-content attribute differs.
func (f *FileMetadata) AttributesChanged(other *FileMetadata) bool {
	return f.IsHidden != other.IsHidden ||
		!f.Created.Equal(other.Created) ||
		!f.Updated.Equal(other.Updated) ||
		f.Owner != other.Owner ||
		f.Group != other.Group ||
		f.Permissions != other.Permissions
}

// AttributesChanged reports whether any attribute of the directory differs.
func (d *DirectoryMetadata) AttributesChanged(other *DirectoryMetadata) bool {
	return d.Link != other.Link ||
		d.IsHidden != other.IsHidden ||
		!d.Created.Equal(other.Created) ||
		!d.Updated.Equal(other.Updated) ||
		d.Owner != other.Owner ||
		d.Group != other.Group ||
		d.Permissions != other.Permissions
}

func checksumOrZero(c *big.Int) *big.Int {
	if c == nil {
		return new(big.Int)
	}
	return c
}

const (
	entityTypeFile      = "file"
	entityTypeDirectory = "directory"
)

// taggedEntity is the JSON envelope used for EntityMetadata values.
type taggedEntity struct {
	Type      string             `json:"entity_type"`
	File      *FileMetadata      `json:"file,omitempty"`
	Directory *DirectoryMetadata `json:"directory,omitempty"`
}

func wrapEntity(e EntityMetadata) (taggedEntity, error) {
	switch v := e.(type) {
	case *FileMetadata:
		return taggedEntity{Type: entityTypeFile, File: v}, nil
	case *DirectoryMetadata:
		return taggedEntity{Type: entityTypeDirectory, Directory: v}, nil
	default:
		return taggedEntity{}, fmt.Errorf("unexpected entity metadata type: %T", e)
	}
}

func (t taggedEntity) unwrap() (EntityMetadata, error) {
	switch t.Type {
	case entityTypeFile:
		if t.File == nil {
			return nil, fmt.Errorf("file entity is missing its metadata")
		}
		return t.File, nil
	case entityTypeDirectory:
		if t.Directory == nil {
			return nil, fmt.Errorf("directory entity is missing its metadata")
		}
		return t.Directory, nil
	default:
		return nil, fmt.Errorf("unknown entity type: %q", t.Type)
	}
}

// EntityMap is a path-keyed set of entity metadata with a tagged JSON encoding.
type EntityMap map[string]EntityMetadata

func (m EntityMap) MarshalJSON() ([]byte, error) {
	wrapped := make(map[string]taggedEntity, len(m))
	for path, entity := range m {
		t, err := wrapEntity(entity)
		if err != nil {
			return nil, fmt.Errorf("encoding entity %s: %w", path, err)
		}
		wrapped[path] = t
	}
	return json.Marshal(wrapped)
}

func (m *EntityMap) UnmarshalJSON(data []byte) error {
	var wrapped map[string]taggedEntity
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return err
	}
	result := make(EntityMap, len(wrapped))
	for path, t := range wrapped {
		entity, err := t.unwrap()
		if err != nil {
			return fmt.Errorf("decoding entity %s: %w", path, err)
		}
		result[path] = entity
	}
	*m = result
	return nil
}
