// Package state persists small pieces of client state, keeping a bounded
// number of previous versions to fall back to when the latest is unreadable.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/sndnv/stasis-sub004/internal/stasis"
)

// MinRetainedVersions is the smallest allowed retention.
const MinRetainedVersions = 2

const extension = ".state"

var versionFile = regexp.MustCompile(`^\d{20}\.state$`)

// Serdes converts state to and from bytes.
type Serdes[T any] interface {
	Serialize(state T) ([]byte, error)
	Deserialize(data []byte) (T, error)
}

// JSONSerdes encodes state as JSON.
type JSONSerdes[T any] struct{}

func (JSONSerdes[T]) Serialize(state T) ([]byte, error) {
	return json.Marshal(state)
}

func (JSONSerdes[T]) Deserialize(data []byte) (T, error) {
	var state T
	err := json.Unmarshal(data, &state)
	return state, err
}

// Store keeps versions of a single state value in a directory.
type Store[T any] struct {
	dir      string
	retained int
	serdes   Serdes[T]
	logger   stasis.Logger
	now      func() time.Time

	mu   sync.Mutex
	last int64
}

// NewStore creates the state directory if needed.
func NewStore[T any](dir string, retainedVersions int, serdes Serdes[T], logger stasis.Logger) (*Store[T], error) {
	if retainedVersions < MinRetainedVersions {
		return nil, fmt.Errorf("at least %d state versions must be retained, got %d", MinRetainedVersions, retainedVersions)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &Store[T]{dir: dir, retained: retainedVersions, serdes: serdes, logger: logger, now: time.Now}, nil
}

// Persist writes a new version and prunes the oldest versions beyond the retention.
func (s *Store[T]) Persist(state T) error {
	data, err := s.serdes.Serialize(state)
	if err != nil {
		return fmt.Errorf("serializing state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	token := max(s.now().UnixNano(), s.last+1)
	if versions, err := s.versions(); err == nil && len(versions) > 0 {
		token = max(token, versions[len(versions)-1]+1)
	}

	if err := s.write(filepath.Join(s.dir, fileName(token)), data); err != nil {
		return err
	}
	s.last = token

	return s.prune()
}

func (s *Store[T]) write(path string, data []byte) error {
	tmpFile, err := os.CreateTemp(s.dir, ".tmp-*")
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

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

func (s *Store[T]) prune() error {
	versions, err := s.versions()
	if err != nil {
		return err
	}
	for len(versions) > s.retained {
		if err := os.Remove(filepath.Join(s.dir, fileName(versions[0]))); err != nil {
			return fmt.Errorf("failed to remove old state version: %w", err)
		}
		versions = versions[1:]
	}
	return nil
}

// Restore returns the newest readable version. Unreadable versions are
// skipped; false is returned when no version could be read.
func (s *Store[T]) Restore() (T, bool, error) {
	var zero T

	s.mu.Lock()
	defer s.mu.Unlock()

	versions, err := s.versions()
	if err != nil {
		return zero, false, err
	}

	for i := len(versions) - 1; i >= 0; i-- {
		path := filepath.Join(s.dir, fileName(versions[i]))
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("skipping unreadable state version", "path", path, "error", err)
			continue
		}
		state, err := s.serdes.Deserialize(data)
		if err != nil {
			s.logger.Warn("skipping corrupt state version", "path", path, "error", err)
			continue
		}
		return state, true, nil
	}

	return zero, false, nil
}

// Versions returns the number of stored versions.
func (s *Store[T]) Versions() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions, err := s.versions()
	return len(versions), err
}

// versions lists version tokens, oldest first.
func (s *Store[T]) versions() ([]int64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	var tokens []int64
	for _, e := range entries {
		if e.IsDir() || !versionFile.MatchString(e.Name()) {
			continue
		}
		token, err := strconv.ParseInt(e.Name()[:len(e.Name())-len(extension)], 10, 64)
		if err != nil {
			continue
		}
		tokens = append(tokens, token)
	}
	slices.Sort(tokens)
	return tokens, nil
}

func fileName(token int64) string {
	return fmt.Sprintf("%020d%s", token, extension)
}
