package fs

import (
	"fmt"
	"io/fs"
	"os"
)

// Snapshot captures the state of a file so later changes can be detected.
type Snapshot struct {
	info fs.FileInfo
	stat *statData
}

// TakeSnapshot stats path without following symlinks.
func (m *OSFilesystem) TakeSnapshot(path string) (*Snapshot, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, fmt.Errorf("stat path: %w", err)
	}
	stat, err := extractStatData(info)
	if err != nil {
		return nil, err
	}
	return &Snapshot{info: info, stat: stat}, nil
}

// Unchanged returns an error describing the first difference between the snapshots.
func (s *Snapshot) Unchanged(other *Snapshot) error {
	if s.info.Size() != other.info.Size() {
		return fmt.Errorf("size changed: %d -> %d", s.info.Size(), other.info.Size())
	}
	if s.info.Mode() != other.info.Mode() {
		return fmt.Errorf("mode changed: %v -> %v", s.info.Mode(), other.info.Mode())
	}
	if !s.info.ModTime().Equal(other.info.ModTime()) {
		return fmt.Errorf("mtime changed: %v -> %v", s.info.ModTime(), other.info.ModTime())
	}
	if !s.stat.Ctime.Equal(other.stat.Ctime) {
		return fmt.Errorf("ctime changed: %v -> %v", s.stat.Ctime, other.stat.Ctime)
	}
	if s.stat.UID != other.stat.UID {
		return fmt.Errorf("uid changed: %d -> %d", s.stat.UID, other.stat.UID)
	}
	if s.stat.GID != other.stat.GID {
		return fmt.Errorf("gid changed: %d -> %d", s.stat.GID, other.stat.GID)
	}
	return nil
}
