package crates

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/sndnv/stasis-sub004/internal/config"
	"github.com/sndnv/stasis-sub004/internal/model"
)

// Store is the crate storage contract shared by all backends.
type Store interface {
	Reserve(ctx context.Context, request model.CrateStorageRequest) (*model.CrateStorageReservation, error)
	Push(ctx context.Context, crate uuid.UUID, r io.Reader) error
	Pull(ctx context.Context, crate uuid.UUID) (io.ReadCloser, error)
	Discard(ctx context.Context, crate uuid.UUID) error
}

var (
	_ Store = (*FileSystemStore)(nil)
	_ Store = (*MemoryStore)(nil)
	_ Store = (*S3Store)(nil)
)

// NewStoreFromConfig creates a Store implementation based on the crates config type.
func NewStoreFromConfig(ctx context.Context, node uuid.UUID, cfg config.CratesConfig) (Store, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(node), nil
	case "filesystem":
		if cfg.Root == "" {
			return nil, fmt.Errorf("filesystem crate store requires root to be set")
		}
		return NewFileSystemStore(node, cfg.Root)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3 crate store requires s3_bucket to be set")
		}
		client, err := NewS3Client(ctx, S3Options{
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		return NewS3Store(ctx, node, client, cfg.S3Bucket, cfg.S3Prefix)
	default:
		return nil, fmt.Errorf("unknown crate store type: %s", cfg.Type)
	}
}
