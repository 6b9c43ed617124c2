package stasis_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sndnv/stasis-sub004/internal/model"
	"github.com/sndnv/stasis-sub004/internal/stasis"
	"github.com/sndnv/stasis-sub004/internal/testutil"
)

func TestMetadataCodec(t *testing.T) {
	secret := testutil.TestDeviceSecret()
	crate := uuid.New()

	metadata := model.EmptyDatasetMetadata()
	metadata.ContentChanged["/data/a"] = &model.FileMetadata{
		Path:        "/data/a",
		Size:        5,
		Updated:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Permissions: "rw-r--r--",
		Checksum:    big.NewInt(42),
		Crates:      map[string]uuid.UUID{"/data/a__part=0": uuid.New()},
		Compression: "gzip",
	}
	metadata.Filesystem.Entities["/data/a"] = model.NewState()

	encoded, err := stasis.EncodeMetadata(metadata, secret, crate, testutil.TestMaxPlaintextSize)
	if err != nil {
		t.Fatalf("EncodeMetadata() error = %v", err)
	}

	t.Run("decodes with the same crate", func(t *testing.T) {
		decoded, err := stasis.DecodeMetadata(bytes.NewReader(encoded), secret, crate, testutil.TestMaxPlaintextSize)
		if err != nil {
			t.Fatalf("DecodeMetadata() error = %v", err)
		}
		file, ok := decoded.ContentChanged["/data/a"].(*model.FileMetadata)
		if !ok {
			t.Fatalf("ContentChanged = %v", decoded.ContentChanged)
		}
		if file.Checksum.Cmp(big.NewInt(42)) != 0 || file.Compression != "gzip" {
			t.Errorf("decoded file = %+v", file)
		}
	})

	t.Run("fails with another crate", func(t *testing.T) {
		if _, err := stasis.DecodeMetadata(bytes.NewReader(encoded), secret, uuid.New(), testutil.TestMaxPlaintextSize); err == nil {
			t.Error("DecodeMetadata() expected error for wrong crate")
		}
	})

	t.Run("fails for tampered content", func(t *testing.T) {
		tampered := bytes.Clone(encoded)
		tampered[len(tampered)/2] ^= 0xff
		if _, err := stasis.DecodeMetadata(bytes.NewReader(tampered), secret, crate, testutil.TestMaxPlaintextSize); err == nil {
			t.Error("DecodeMetadata() expected error for tampered content")
		}
	})
}

// generationsAPI serves dataset entries and metadata from memory.
type generationsAPI struct {
	entries  map[uuid.UUID]*model.DatasetEntry
	metadata map[uuid.UUID]*model.DatasetMetadata
	fetched  int
}

func newGenerationsAPI() *generationsAPI {
	return &generationsAPI{
		entries:  map[uuid.UUID]*model.DatasetEntry{},
		metadata: map[uuid.UUID]*model.DatasetMetadata{},
	}
}

func (a *generationsAPI) add(metadata *model.DatasetMetadata) *model.DatasetEntry {
	entry := &model.DatasetEntry{ID: uuid.New()}
	a.entries[entry.ID] = entry
	a.metadata[entry.ID] = metadata
	return entry
}

func (a *generationsAPI) DatasetDefinition(context.Context, uuid.UUID) (*model.DatasetDefinition, error) {
	return nil, errors.New("not supported")
}

func (a *generationsAPI) LatestEntry(context.Context, uuid.UUID, *time.Time) (*model.DatasetEntry, error) {
	return nil, nil
}

func (a *generationsAPI) DatasetEntry(_ context.Context, id uuid.UUID) (*model.DatasetEntry, error) {
	entry, ok := a.entries[id]
	if !ok {
		return nil, fmt.Errorf("entry %s not found", id)
	}
	return entry, nil
}

func (a *generationsAPI) DatasetMetadata(_ context.Context, entry *model.DatasetEntry) (*model.DatasetMetadata, error) {
	a.fetched++
	return a.metadata[entry.ID], nil
}

func (a *generationsAPI) CreateDatasetEntry(context.Context, model.CreateDatasetEntry) (uuid.UUID, error) {
	return uuid.Nil, errors.New("not supported")
}

func (a *generationsAPI) Commands(context.Context, *int64) ([]*model.Command, error) {
	return nil, nil
}

func (a *generationsAPI) Ping(context.Context) error { return nil }

var _ stasis.ApiClient = (*generationsAPI)(nil)

func TestMetadataResolver_Resolve(t *testing.T) {
	ctx := context.Background()
	file := &model.FileMetadata{Path: "/data/a", Size: 1}

	api := newGenerationsAPI()
	first := model.EmptyDatasetMetadata()
	first.ContentChanged["/data/a"] = file
	first.Filesystem.Entities["/data/a"] = model.NewState()
	firstEntry := api.add(first)

	second := model.EmptyDatasetMetadata()
	second.Filesystem.Entities["/data/a"] = model.UnchangedState(firstEntry.ID)
	secondEntry := api.add(second)

	third := model.EmptyDatasetMetadata()
	third.Filesystem.Entities["/data/a"] = model.UnchangedState(secondEntry.ID)
	third.Filesystem.Entities["/data/missing"] = model.UnchangedState(firstEntry.ID)
	third.Filesystem.Entities["/data/cycle"] = model.UnchangedState(uuid.Nil)
	thirdEntry := api.add(third)

	cyclic := model.EmptyDatasetMetadata()
	cyclic.Filesystem.Entities["/data/cycle"] = model.UnchangedState(thirdEntry.ID)
	api.entries[uuid.Nil] = &model.DatasetEntry{ID: uuid.Nil}
	api.metadata[uuid.Nil] = cyclic

	resolver := stasis.NewMetadataResolver(api, thirdEntry, third)

	t.Run("follows unchanged entities to the generation holding them", func(t *testing.T) {
		got, entry, err := resolver.Resolve(ctx, "/data/a")
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if got.EntityPath() != file.Path {
			t.Errorf("Resolve() = %v, want %v", got, file)
		}
		if entry == nil || *entry != firstEntry.ID {
			t.Errorf("Resolve() entry = %v, want %v", entry, firstEntry.ID)
		}
	})

	t.Run("caches fetched generations", func(t *testing.T) {
		before := api.fetched
		if _, _, err := resolver.Resolve(ctx, "/data/a"); err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if api.fetched != before {
			t.Errorf("metadata fetched %d more times", api.fetched-before)
		}
	})

	t.Run("returns nil for entities not in the generation", func(t *testing.T) {
		got, entry, err := resolver.Resolve(ctx, "/data/new")
		if err != nil || got != nil || entry != nil {
			t.Errorf("Resolve() = (%v, %v, %v), want nil", got, entry, err)
		}
	})

	t.Run("fails for entities missing in referenced generations", func(t *testing.T) {
		if _, _, err := resolver.Resolve(ctx, "/data/missing"); err == nil {
			t.Error("Resolve() expected error for missing entity")
		}
	})

	t.Run("fails for cyclic references", func(t *testing.T) {
		if _, _, err := resolver.Resolve(ctx, "/data/cycle"); err == nil {
			t.Error("Resolve() expected error for cyclic reference")
		}
	})

	t.Run("resolves nothing without a previous generation", func(t *testing.T) {
		got, entry, err := stasis.NewMetadataResolver(api, nil, nil).Resolve(ctx, "/data/a")
		if err != nil || got != nil || entry != nil {
			t.Errorf("Resolve() = (%v, %v, %v), want nil", got, entry, err)
		}
	})
}
