package stasis

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/sndnv/stasis-sub004/internal/encryption"
	"github.com/sndnv/stasis-sub004/internal/model"
)

// EncodeMetadata serializes dataset metadata and encrypts it with the secret of the given crate.
func EncodeMetadata(metadata *model.DatasetMetadata, secret encryption.DeviceSecret, crate uuid.UUID, maxPlaintextSize int64) ([]byte, error) {
	plaintext, err := metadata.Encode()
	if err != nil {
		return nil, err
	}

	crateSecret, err := secret.MetadataSecret(crate)
	if err != nil {
		return nil, fmt.Errorf("deriving metadata secret: %w", err)
	}

	var buf bytes.Buffer
	w, err := encryption.NewEncryptingWriter(&buf, crateSecret, maxPlaintextSize)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("encrypting metadata: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("encrypting metadata: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeMetadata decrypts and deserializes a metadata crate.
func DecodeMetadata(r io.Reader, secret encryption.DeviceSecret, crate uuid.UUID, maxPlaintextSize int64) (*model.DatasetMetadata, error) {
	crateSecret, err := secret.MetadataSecret(crate)
	if err != nil {
		return nil, fmt.Errorf("deriving metadata secret: %w", err)
	}

	d, err := encryption.NewDecryptingReader(r, crateSecret, maxPlaintextSize)
	if err != nil {
		return nil, err
	}
	plaintext, err := io.ReadAll(d)
	if err != nil {
		return nil, fmt.Errorf("decrypting metadata crate %s: %w", crate, err)
	}
	return model.DecodeDatasetMetadata(plaintext)
}

// MetadataResolver finds the stored metadata of entities, following unchanged
// entities back to the generation that recorded them. Generations are fetched
// once and cached.
type MetadataResolver struct {
	api    ApiClient
	latest *uuid.UUID

	mu          sync.Mutex
	generations map[uuid.UUID]*model.DatasetMetadata
}

// NewMetadataResolver creates a resolver rooted at the given generation. A nil
// entry resolves every entity as new.
func NewMetadataResolver(api ApiClient, entry *model.DatasetEntry, metadata *model.DatasetMetadata) *MetadataResolver {
	r := &MetadataResolver{api: api, generations: map[uuid.UUID]*model.DatasetMetadata{}}
	if entry != nil {
		id := entry.ID
		r.latest = &id
		r.generations[id] = metadata
	}
	return r
}

// Resolve returns the latest stored metadata of path and the entry holding it,
// or nil if the entity is not part of the root generation.
func (r *MetadataResolver) Resolve(ctx context.Context, path string) (model.EntityMetadata, *uuid.UUID, error) {
	if r.latest == nil {
		return nil, nil, nil
	}

	current := *r.latest
	visited := map[uuid.UUID]bool{}
	for {
		visited[current] = true

		metadata, err := r.generation(ctx, current)
		if err != nil {
			return nil, nil, err
		}

		state, ok := metadata.Filesystem.Entities[path]
		if !ok {
			if current == *r.latest {
				return nil, nil, nil
			}
			return nil, nil, fmt.Errorf("entity %s referenced but missing in entry %s", path, current)
		}

		if state.Kind != model.StateUnchanged {
			entity, err := metadata.Require(path)
			if err != nil {
				return nil, nil, fmt.Errorf("entry %s: %w", current, err)
			}
			entry := current
			return entity, &entry, nil
		}

		if state.Entry == nil {
			return nil, nil, fmt.Errorf("unchanged entity %s in entry %s has no source entry", path, current)
		}
		if visited[*state.Entry] {
			return nil, nil, fmt.Errorf("entity %s: cyclic entry reference to %s", path, *state.Entry)
		}
		current = *state.Entry
	}
}

func (r *MetadataResolver) generation(ctx context.Context, id uuid.UUID) (*model.DatasetMetadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if metadata, ok := r.generations[id]; ok {
		return metadata, nil
	}

	entry, err := r.api.DatasetEntry(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetching dataset entry %s: %w", id, err)
	}
	metadata, err := r.api.DatasetMetadata(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("fetching metadata of entry %s: %w", id, err)
	}

	r.generations[id] = metadata
	return metadata, nil
}
