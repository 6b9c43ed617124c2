package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sndnv/stasis-sub004/internal/config"
	"github.com/sndnv/stasis-sub004/internal/model"
	"github.com/sndnv/stasis-sub004/internal/stasis"
	"github.com/sndnv/stasis-sub004/internal/state"
	"github.com/sndnv/stasis-sub004/internal/tracking"
)

const testPassphrase = "correct horse battery staple"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewConfig(uuid.New().String(), t.TempDir())
	cfg.Database.Type = "memory"
	cfg.Crates.Type = "memory"
	cfg.Encryption.Type = "memory"
	cfg.Backup.MaxPartSize = 1024
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *StasisApp {
	t.Helper()
	a, err := NewStasisApp(context.Background(), cfg, Options{})
	if err != nil {
		t.Fatalf("NewStasisApp() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })

	if err := a.InitSecret(testPassphrase); err != nil {
		t.Fatalf("InitSecret() error = %v", err)
	}
	if err := a.Unlock(testPassphrase); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	return a
}

func createDefinition(t *testing.T, a *StasisApp) *model.DatasetDefinition {
	t.Helper()
	retention := model.Retention{Policy: model.RetentionAll, Duration: 24 * time.Hour}
	d, err := a.CreateDefinition(context.Background(), "documents", 2, retention, retention)
	if err != nil {
		t.Fatalf("CreateDefinition() error = %v", err)
	}
	return d
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func TestNewStasisApp(t *testing.T) {
	t.Run("rejects an invalid config", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Backup.Parallelism = 0
		if _, err := NewStasisApp(context.Background(), cfg, Options{}); err == nil {
			t.Error("NewStasisApp() expected error for invalid config")
		}
	})

	t.Run("rejects an invalid device id", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.DeviceID = "not-a-uuid"
		if _, err := NewStasisApp(context.Background(), cfg, Options{}); err == nil {
			t.Error("NewStasisApp() expected error for invalid device id")
		}
	})

	t.Run("operations need the device secret", func(t *testing.T) {
		a, err := NewStasisApp(context.Background(), testConfig(t), Options{})
		if err != nil {
			t.Fatalf("NewStasisApp() error = %v", err)
		}
		defer a.Close()

		if _, err := a.Backup(context.Background(), uuid.New(), []string{t.TempDir()}); !errors.Is(err, ErrLocked) {
			t.Errorf("Backup() error = %v, want %v", err, ErrLocked)
		}
		if _, err := a.Recover(context.Background(), stasis.RecoveryRequest{Definition: uuid.New()}); !errors.Is(err, ErrLocked) {
			t.Errorf("Recover() error = %v, want %v", err, ErrLocked)
		}
	})
}

func TestStasisApp_BackupAndRecover(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	a := newTestApp(t, cfg)
	definition := createDefinition(t, a)

	source := t.TempDir()
	writeFile(t, filepath.Join(source, "notes.txt"), "remember the milk")
	writeFile(t, filepath.Join(source, "cache", "blob.tmp"), "scratch")
	writeFile(t, cfg.Backup.RulesPath, "+ "+source+" **/*.txt\n")

	backup, err := a.Backup(ctx, definition.ID, nil)
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	if _, ok := backup.Metadata.Filesystem.Entities[filepath.Join(source, "notes.txt")]; !ok {
		t.Errorf("notes.txt not backed up: %v", backup.Metadata.Filesystem.Entities)
	}
	if _, ok := backup.Metadata.Filesystem.Entities[filepath.Join(source, "cache", "blob.tmp")]; ok {
		t.Error("blob.tmp backed up without a matching rule")
	}

	entries, err := a.Entries(ctx, definition.ID)
	if err != nil || len(entries) != 1 || entries[0].ID != backup.Entry {
		t.Fatalf("Entries() = %v, %v; want the backup entry", entries, err)
	}

	target := t.TempDir()
	recovery, err := a.Recover(ctx, stasis.RecoveryRequest{
		Definition:  definition.ID,
		Destination: model.Destination{Directory: target, KeepDefaultStructure: true},
	})
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if len(recovery.Failures) != 0 {
		t.Errorf("Recover() failures = %v", recovery.Failures)
	}

	recovered, err := os.ReadFile(filepath.Join(target, source, "notes.txt"))
	if err != nil {
		t.Fatalf("reading recovered file: %v", err)
	}
	if string(recovered) != "remember the milk" {
		t.Errorf("recovered content = %q", recovered)
	}

	progress, ok := a.Progress(backup.Operation)
	if !ok || progress.Completed == nil || progress.Kind != "backup" {
		t.Errorf("Progress() = %+v, %v", progress, ok)
	}

	a.history.Close()
	history, err := a.History(ctx, 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("History() returned %d operations, want 2", len(history))
	}
	for _, op := range history {
		if op.Completed == nil || op.Failure != "" {
			t.Errorf("operation %v: completed = %v, failure = %q", op.ID, op.Completed, op.Failure)
		}
	}

	events, err := a.OperationEvents(ctx, backup.Operation)
	if err != nil || len(events) == 0 {
		t.Errorf("OperationEvents() = %d events, %v", len(events), err)
	}
}

func TestStasisApp_CheckRules(t *testing.T) {
	cfg := testConfig(t)
	a := newTestApp(t, cfg)

	source := t.TempDir()
	writeFile(t, filepath.Join(source, "a.txt"), "a")
	writeFile(t, cfg.Backup.RulesPath, "+ "+source+" *.txt\n+ "+source+" *.md\n")

	spec, err := a.CheckRules(context.Background(), nil)
	if err != nil {
		t.Fatalf("CheckRules() error = %v", err)
	}
	if len(spec.Included()) == 0 {
		t.Error("CheckRules() included nothing")
	}
	if len(spec.Unmatched) != 1 {
		t.Errorf("Unmatched = %v, want the *.md rule", spec.Unmatched)
	}
}

func TestStasisApp_HandleCommand(t *testing.T) {
	tests := []struct {
		name       string
		command    string
		wantErr    bool
		wantLocked bool
	}{
		{name: "logout locks the device secret", command: CommandLogoutUser, wantLocked: true},
		{name: "stop without an operation", command: CommandStopOperation},
		{name: "refresh progress", command: CommandRefreshProgress},
		{name: "unknown command", command: "format_disk", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestApp(t, testConfig(t))

			err := a.HandleCommand(context.Background(), &model.Command{Sequence: 1, Type: tt.command})
			if (err != nil) != tt.wantErr {
				t.Fatalf("HandleCommand() error = %v, wantErr %v", err, tt.wantErr)
			}

			_, _, unlocked := a.session()
			if unlocked == tt.wantLocked {
				t.Errorf("unlocked = %v, want %v", unlocked, !tt.wantLocked)
			}
		})
	}
}

func TestStasisApp_HandleCommand_RefreshProgress(t *testing.T) {
	cfg := testConfig(t)
	a := newTestApp(t, cfg)

	operation := uuid.New()
	a.progress.Record(tracking.Event{Operation: operation, Kind: tracking.KindRecovery, Name: tracking.EventEntityCollected, Path: "/a"})

	if err := a.HandleCommand(context.Background(), &model.Command{Sequence: 1, Type: CommandRefreshProgress}); err != nil {
		t.Fatalf("HandleCommand() error = %v", err)
	}

	store, err := state.NewStore[tracking.Snapshot](stateDir(cfg, "progress"), cfg.State.RetainedVersions, state.JSONSerdes[tracking.Snapshot]{}, stasis.NewNopLogger())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	snapshot, ok, err := store.Restore()
	if err != nil || !ok {
		t.Fatalf("Restore() = (%v, %v)", ok, err)
	}
	if p := snapshot.Operations[operation]; p == nil || p.Collected != 1 {
		t.Errorf("persisted progress = %+v, want one collected entity", p)
	}
}

func TestStasisApp_Watch(t *testing.T) {
	cfg := testConfig(t)
	cfg.Monitoring = config.PollingConfig{InitialDelay: time.Millisecond, Interval: time.Hour}
	cfg.Commands = config.PollingConfig{InitialDelay: time.Millisecond, Interval: time.Hour}
	a := newTestApp(t, cfg)

	if _, err := a.db.CreateCommand(context.Background(), CommandLogoutUser, nil, time.Now()); err != nil {
		t.Fatalf("CreateCommand() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.Watch(ctx) }()

	deadline := time.After(4 * time.Second)
	for {
		_, _, unlocked := a.session()
		servers := a.progress.Servers()
		if !unlocked && servers[serverName].Reachable {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("command not processed or server not reported: unlocked = %v, servers = %v", unlocked, servers)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Watch() error = %v, want %v", err, context.Canceled)
	}
}
