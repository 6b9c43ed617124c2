package testutil

import (
	"os"
	"testing"

	"github.com/sndnv/stasis-sub004/internal/staging"
)

// NewTestStaging creates a staging directory that is removed when the test completes.
func NewTestStaging(t *testing.T) *staging.DirectoryStaging {
	t.Helper()

	s, err := staging.NewDirectoryStaging(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create staging: %v", err)
	}
	return s
}

// StagedFiles returns the names of the files left in the staging directory.
func StagedFiles(t *testing.T, s *staging.DirectoryStaging) []string {
	t.Helper()

	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		t.Fatalf("failed to read staging directory: %v", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
