// Package staging manages the temporary files used while moving content
// between the local filesystem and crate storage.
package staging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
)

// DirectoryStaging creates temporary files in a single directory.
type DirectoryStaging struct {
	dir string
}

// NewDirectoryStaging creates the staging directory if needed.
func NewDirectoryStaging(dir string) (*DirectoryStaging, error) {
	if dir == "" {
		return nil, fmt.Errorf("staging directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	return &DirectoryStaging{dir: dir}, nil
}

// Dir returns the staging directory.
func (s *DirectoryStaging) Dir() string {
	return s.dir
}

// Temporary creates a new empty file owned by the caller.
func (s *DirectoryStaging) Temporary() (string, error) {
	f, err := os.CreateTemp(s.dir, "staged-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	return f.Name(), nil
}

// Discard removes a temporary file. Missing files are ignored.
func (s *DirectoryStaging) Discard(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("discarding %s: %w", path, err)
	}
	return nil
}

// Destage moves a temporary file to its final location, replacing any
// existing file. Moves across devices fall back to copy and remove.
func (s *DirectoryStaging) Destage(from, to string) error {
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}

	err := os.Rename(from, to)
	if err == nil {
		return nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return fmt.Errorf("moving %s to %s: %w", from, to, err)
	}

	if err := copyAtomically(from, to); err != nil {
		return err
	}
	return s.Discard(from)
}

// copyAtomically copies into a temp file next to the target and renames it,
// so the target never holds partial content.
func copyAtomically(from, to string) error {
	src, err := os.Open(from)
	if err != nil {
		return fmt.Errorf("opening staged file: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(to), ".destage-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err := io.Copy(tmp, src); err != nil {
		return fmt.Errorf("copying staged file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), to); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}

	success = true
	return nil
}
