package stasis

import (
	"context"
	"io"
	iofs "io/fs"
	"math/big"
	"time"

	"github.com/google/uuid"

	localfs "github.com/sndnv/stasis-sub004/internal/fs"
	"github.com/sndnv/stasis-sub004/internal/model"
)

// ApiClient is the server API used for dataset definitions, entries and commands.
type ApiClient interface {
	DatasetDefinition(ctx context.Context, id uuid.UUID) (*model.DatasetDefinition, error)
	// LatestEntry returns nil if the definition has no entry created until the given time.
	LatestEntry(ctx context.Context, definition uuid.UUID, until *time.Time) (*model.DatasetEntry, error)
	DatasetEntry(ctx context.Context, id uuid.UUID) (*model.DatasetEntry, error)
	DatasetMetadata(ctx context.Context, entry *model.DatasetEntry) (*model.DatasetMetadata, error)
	CreateDatasetEntry(ctx context.Context, request model.CreateDatasetEntry) (uuid.UUID, error)
	Commands(ctx context.Context, lastSequence *int64) ([]*model.Command, error)
	Ping(ctx context.Context) error
}

// CrateStore reserves, pushes and pulls crates.
type CrateStore interface {
	Reserve(ctx context.Context, request model.CrateStorageRequest) (*model.CrateStorageReservation, error)
	Push(ctx context.Context, crate uuid.UUID, r io.Reader) error
	Pull(ctx context.Context, crate uuid.UUID) (io.ReadCloser, error)
}

// FileStaging provides temporary files. Callers own the files they create.
type FileStaging interface {
	Temporary() (string, error)
	Discard(path string) error
	// Destage atomically moves a staged file to its final location.
	Destage(from, to string) error
}

// Checksum calculates content digests.
type Checksum interface {
	Name() string
	Calculate(ctx context.Context, path string) (*big.Int, error)
}

// Filesystem reads and restores local entities.
type Filesystem interface {
	WalkDir(root string, fn iofs.WalkDirFunc) error
	Open(path string) (io.ReadCloser, error)
	Metadata(path string) (model.EntityMetadata, error)
	ApplyMetadata(path string, entity model.EntityMetadata) error
	TakeSnapshot(path string) (*localfs.Snapshot, error)
}

var _ Filesystem = (*localfs.OSFilesystem)(nil)
