package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sndnv/stasis-sub004/internal/api"
	"github.com/sndnv/stasis-sub004/internal/checksum"
	"github.com/sndnv/stasis-sub004/internal/compression"
	"github.com/sndnv/stasis-sub004/internal/database"
	"github.com/sndnv/stasis-sub004/internal/fs"
	"github.com/sndnv/stasis-sub004/internal/model"
	"github.com/sndnv/stasis-sub004/internal/staging"
	"github.com/sndnv/stasis-sub004/internal/stasis"
)

const (
	// TestMaxPartSize is small so that test files are split into several parts.
	TestMaxPartSize int64 = 1024
	// TestMaxPlaintextSize bounds encrypted metadata crates in tests.
	TestMaxPlaintextSize int64 = 1 << 20
)

// LocalEnvironment wires the local API, an in-memory crate store and a
// staging directory the way the application does.
type LocalEnvironment struct {
	DB      *database.SQLiteDatabase
	Crates  *RecordingCrateStore
	API     *api.LocalClient
	Staging *staging.DirectoryStaging
	FS      *fs.OSFilesystem
	Clock   *StubClock
	IDs     *StubIDGenerator
	Options stasis.Options
}

// NewLocalEnvironment creates an environment backed by an in-memory database.
func NewLocalEnvironment(t *testing.T) *LocalEnvironment {
	t.Helper()

	selector, err := compression.NewSelector(compression.NameGzip, []string{"gz"})
	if err != nil {
		t.Fatalf("failed to create compression selector: %v", err)
	}

	db := NewTestDatabase(t)
	store := NewRecordingCrateStore()
	clock := FixedClock()
	secret := TestDeviceSecret()

	return &LocalEnvironment{
		DB:      db,
		Crates:  store,
		API:     api.NewLocalClient(db, store, secret, TestMaxPlaintextSize, clock, stasis.UUIDGenerator{}),
		Staging: NewTestStaging(t),
		FS:      fs.NewOSFilesystem(),
		Clock:   clock,
		IDs:     NewStubIDGenerator(),
		Options: stasis.Options{
			Device:           TestDevice,
			Secret:           secret,
			Parallelism:      4,
			MaxPartSize:      TestMaxPartSize,
			MaxPlaintextSize: TestMaxPlaintextSize,
			Compression:      selector,
			Checksum:         checksum.SHA256(),
		},
	}
}

// CreateDefinition records a dataset definition for TestDevice.
func (e *LocalEnvironment) CreateDefinition(t *testing.T) *model.DatasetDefinition {
	t.Helper()

	d, err := e.API.CreateDefinition(context.Background(), model.DatasetDefinition{
		Info:             "test",
		Device:           TestDevice,
		RedundantCopies:  1,
		ExistingVersions: model.Retention{Policy: model.RetentionAll, Duration: 24 * time.Hour},
		RemovedVersions:  model.Retention{Policy: model.RetentionLatestOnly, Duration: 24 * time.Hour},
	})
	if err != nil {
		t.Fatalf("CreateDefinition() error = %v", err)
	}
	return d
}

// NewBackup creates a backup pipeline using the environment's collaborators.
func (e *LocalEnvironment) NewBackup(tracker stasis.BackupTracker) *stasis.Backup {
	return stasis.NewBackup(e.API, e.Crates, e.Staging, e.FS, tracker, stasis.NewNopLogger(), e.IDs, e.Options)
}

// NewRecovery creates a recovery pipeline using the environment's collaborators.
func (e *LocalEnvironment) NewRecovery(tracker stasis.RecoveryTracker) *stasis.Recovery {
	return stasis.NewRecovery(e.API, e.Crates, e.Staging, e.FS, tracker, stasis.NewNopLogger(), e.Options)
}

// RunBackup runs a backup of the given paths and fails the test on error.
func (e *LocalEnvironment) RunBackup(t *testing.T, definition uuid.UUID, paths ...string) *stasis.BackupResult {
	t.Helper()

	result, err := e.NewBackup(&RecordingBackupTracker{}).Run(context.Background(), uuid.New(), stasis.BackupRequest{
		Definition: definition,
		Entities:   paths,
	})
	if err != nil {
		t.Fatalf("Backup.Run() error = %v", err)
	}
	e.Clock.Advance(time.Minute)
	return result
}
