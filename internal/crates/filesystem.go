package crates

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/sndnv/stasis-sub004/internal/model"
)

// FileSystemStore keeps crates as files in a directory structure:
//
//	<root>/
//	  <first two characters of crate id>/
//	    <crate id>
type FileSystemStore struct {
	root         string
	reservations *reservations
}

// NewFileSystemStore creates a store rooted at the given path.
func NewFileSystemStore(node uuid.UUID, root string) (*FileSystemStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create crate directory: %w", err)
	}
	return &FileSystemStore{root: root, reservations: newReservations(node)}, nil
}

func (s *FileSystemStore) cratePath(crate uuid.UUID) string {
	id := crate.String()
	return filepath.Join(s.root, id[:2], id)
}

func (s *FileSystemStore) Reserve(_ context.Context, request model.CrateStorageRequest) (*model.CrateStorageReservation, error) {
	return s.reservations.reserve(request)
}

// Push stores a reserved crate using an atomic write (temp file + rename).
func (s *FileSystemStore) Push(ctx context.Context, crate uuid.UUID, r io.Reader) error {
	reservation, err := s.reservations.take(crate)
	if err != nil {
		return err
	}

	destPath := s.cratePath(crate)
	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create crate directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	src := &sizeCheckingReader{r: &contextReader{ctx: ctx, r: r}, expected: reservation.Size}
	if _, err := io.Copy(tmpFile, src); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write crate %s: %w", crate, err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

func (s *FileSystemStore) Pull(_ context.Context, crate uuid.UUID) (io.ReadCloser, error) {
	f, err := os.Open(s.cratePath(crate))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrCrateNotFound, crate)
		}
		return nil, fmt.Errorf("failed to open crate: %w", err)
	}
	return f, nil
}

// Discard removes a crate; missing crates are ignored.
func (s *FileSystemStore) Discard(_ context.Context, crate uuid.UUID) error {
	if err := os.Remove(s.cratePath(crate)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove crate: %w", err)
	}
	return nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
