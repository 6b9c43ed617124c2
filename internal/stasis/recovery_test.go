package stasis_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sndnv/stasis-sub004/internal/model"
	"github.com/sndnv/stasis-sub004/internal/stasis"
	"github.com/sndnv/stasis-sub004/internal/testutil"
)

func relocated(dir string) model.Destination {
	return model.Destination{Directory: dir, KeepDefaultStructure: true}
}

func TestRecovery_Run(t *testing.T) {
	t.Run("recovers the latest entry to another directory", func(t *testing.T) {
		env := testutil.NewLocalEnvironment(t)
		definition := env.CreateDefinition(t)
		root, paths := backupTree(t)
		backup := env.RunBackup(t, definition.ID, paths...)

		out := t.TempDir()
		tracker := &testutil.RecordingRecoveryTracker{}

		result, err := env.NewRecovery(tracker).Run(context.Background(), uuid.New(), stasis.RecoveryRequest{
			Definition:  definition.ID,
			Destination: relocated(out),
		})
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if result.Entry != backup.Entry {
			t.Errorf("Entry = %v, want %v", result.Entry, backup.Entry)
		}
		if len(result.Failures) != 0 {
			t.Fatalf("Failures = %v", result.Failures)
		}
		if len(result.Recovered) != 4 {
			t.Errorf("Recovered %d entities, want 4", len(result.Recovered))
		}

		target := filepath.Join(out, root, "docs")
		if got := testutil.ReadFile(t, filepath.Join(target, "a.txt")); got != "hello world" {
			t.Errorf("a.txt = %q, want %q", got, "hello world")
		}
		if got := testutil.ReadFile(t, filepath.Join(target, "big.bin")); got != testutil.Content(3000, 1) {
			t.Error("big.bin content differs from original")
		}
		if info, err := os.Stat(filepath.Join(target, "empty")); err != nil || !info.IsDir() {
			t.Errorf("empty directory not recovered: %v", err)
		}

		original, err := os.Stat(filepath.Join(root, "docs", "a.txt"))
		if err != nil {
			t.Fatal(err)
		}
		recovered, err := os.Stat(filepath.Join(target, "a.txt"))
		if err != nil {
			t.Fatal(err)
		}
		if recovered.Mode().Perm() != original.Mode().Perm() {
			t.Errorf("permissions = %v, want %v", recovered.Mode().Perm(), original.Mode().Perm())
		}
		if want := original.ModTime().Truncate(time.Second); !recovered.ModTime().Equal(want) {
			t.Errorf("modification time = %v, want %v", recovered.ModTime(), want)
		}

		if tracker.Count("metadata_applied") != 4 || tracker.Count("completed") != 1 {
			t.Errorf("unexpected tracker events: %v", tracker.Events())
		}
		if staged := testutil.StagedFiles(t, env.Staging); len(staged) != 0 {
			t.Errorf("staging not empty after recovery: %v", staged)
		}
	})

	t.Run("restores deleted files to their original location", func(t *testing.T) {
		env := testutil.NewLocalEnvironment(t)
		definition := env.CreateDefinition(t)
		root, paths := backupTree(t)
		env.RunBackup(t, definition.ID, paths...)

		deleted := filepath.Join(root, "docs", "a.txt")
		if err := os.Remove(deleted); err != nil {
			t.Fatal(err)
		}

		_, err := env.NewRecovery(&testutil.RecordingRecoveryTracker{}).Run(context.Background(), uuid.New(), stasis.RecoveryRequest{
			Definition: definition.ID,
		})
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if got := testutil.ReadFile(t, deleted); got != "hello world" {
			t.Errorf("a.txt = %q, want %q", got, "hello world")
		}
	})

	t.Run("skips content already present at the destination", func(t *testing.T) {
		env := testutil.NewLocalEnvironment(t)
		definition := env.CreateDefinition(t)
		_, paths := backupTree(t)
		backup := env.RunBackup(t, definition.ID, paths...)
		out := t.TempDir()

		request := stasis.RecoveryRequest{Definition: definition.ID, Destination: relocated(out)}
		if _, err := env.NewRecovery(&testutil.RecordingRecoveryTracker{}).Run(context.Background(), uuid.New(), request); err != nil {
			t.Fatalf("first Run() error = %v", err)
		}

		env.Crates.Reset()
		if _, err := env.NewRecovery(&testutil.RecordingRecoveryTracker{}).Run(context.Background(), uuid.New(), request); err != nil {
			t.Fatalf("second Run() error = %v", err)
		}

		entry, err := env.API.DatasetEntry(context.Background(), backup.Entry)
		if err != nil {
			t.Fatalf("DatasetEntry() error = %v", err)
		}
		pulled := env.Crates.Pulled()
		if len(pulled) != 1 || pulled[0] != entry.Metadata {
			t.Errorf("pulled %v, want only metadata crate %v", pulled, entry.Metadata)
		}
	})

	t.Run("resolves unchanged entities through earlier entries", func(t *testing.T) {
		env := testutil.NewLocalEnvironment(t)
		definition := env.CreateDefinition(t)
		root, paths := backupTree(t)

		first := env.RunBackup(t, definition.ID, paths...)
		testutil.WriteTree(t, root, map[string]string{"docs/a.txt": "updated content"})
		env.RunBackup(t, definition.ID, paths...)

		latestOut := t.TempDir()
		if _, err := env.NewRecovery(&testutil.RecordingRecoveryTracker{}).Run(context.Background(), uuid.New(), stasis.RecoveryRequest{
			Definition:  definition.ID,
			Destination: relocated(latestOut),
		}); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		docs := filepath.Join(latestOut, root, "docs")
		if got := testutil.ReadFile(t, filepath.Join(docs, "a.txt")); got != "updated content" {
			t.Errorf("a.txt = %q, want %q", got, "updated content")
		}
		if got := testutil.ReadFile(t, filepath.Join(docs, "big.bin")); got != testutil.Content(3000, 1) {
			t.Error("big.bin content differs from original")
		}

		firstOut := t.TempDir()
		if _, err := env.NewRecovery(&testutil.RecordingRecoveryTracker{}).Run(context.Background(), uuid.New(), stasis.RecoveryRequest{
			Definition:  definition.ID,
			Entry:       &first.Entry,
			Destination: relocated(firstOut),
		}); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if got := testutil.ReadFile(t, filepath.Join(firstOut, root, "docs", "a.txt")); got != "hello world" {
			t.Errorf("a.txt from first entry = %q, want %q", got, "hello world")
		}
	})

	t.Run("recovers only kept entities", func(t *testing.T) {
		env := testutil.NewLocalEnvironment(t)
		definition := env.CreateDefinition(t)
		root, paths := backupTree(t)
		env.RunBackup(t, definition.ID, paths...)

		out := t.TempDir()
		kept := filepath.Join(root, "docs", "a.txt")
		result, err := env.NewRecovery(&testutil.RecordingRecoveryTracker{}).Run(context.Background(), uuid.New(), stasis.RecoveryRequest{
			Definition:  definition.ID,
			Keep:        func(path string, _ model.EntityState) bool { return path == kept },
			Destination: relocated(out),
		})
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if len(result.Recovered) != 1 || result.Recovered[0] != kept {
			t.Errorf("Recovered = %v, want [%s]", result.Recovered, kept)
		}
		if _, err := os.Stat(filepath.Join(out, root, "docs", "big.bin")); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("big.bin recovered although not kept: %v", err)
		}
	})

	t.Run("recovers symbolic links", func(t *testing.T) {
		env := testutil.NewLocalEnvironment(t)
		definition := env.CreateDefinition(t)
		root, paths := backupTree(t)
		link := filepath.Join(root, "docs", "link")
		if err := os.Symlink("a.txt", link); err != nil {
			t.Fatal(err)
		}
		env.RunBackup(t, definition.ID, append(paths, link)...)

		out := t.TempDir()
		if _, err := env.NewRecovery(&testutil.RecordingRecoveryTracker{}).Run(context.Background(), uuid.New(), stasis.RecoveryRequest{
			Definition:  definition.ID,
			Destination: relocated(out),
		}); err != nil {
			t.Fatalf("Run() error = %v", err)
		}

		target, err := os.Readlink(filepath.Join(out, root, "docs", "link"))
		if err != nil {
			t.Fatalf("Readlink() error = %v", err)
		}
		if target != "a.txt" {
			t.Errorf("link target = %q, want %q", target, "a.txt")
		}
	})

	t.Run("continues after entity failures", func(t *testing.T) {
		env := testutil.NewLocalEnvironment(t)
		definition := env.CreateDefinition(t)
		root, paths := backupTree(t)
		backup := env.RunBackup(t, definition.ID, paths...)

		broken := filepath.Join(root, "docs", "big.bin")
		file := backup.Metadata.ContentChanged[broken].(*model.FileMetadata)
		for _, crate := range file.Crates {
			if err := env.Crates.Discard(context.Background(), crate); err != nil {
				t.Fatal(err)
			}
			break
		}

		out := t.TempDir()
		tracker := &testutil.RecordingRecoveryTracker{}
		result, err := env.NewRecovery(tracker).Run(context.Background(), uuid.New(), stasis.RecoveryRequest{
			Definition:  definition.ID,
			Destination: relocated(out),
		})
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}

		if len(result.Failures) != 1 || result.Failures[0].Path != broken {
			t.Fatalf("Failures = %v, want only %s", result.Failures, broken)
		}
		if len(result.Recovered) != 3 {
			t.Errorf("Recovered = %v, want 3 entities", result.Recovered)
		}
		if got := testutil.ReadFile(t, filepath.Join(out, root, "docs", "a.txt")); got != "hello world" {
			t.Errorf("a.txt = %q, want %q", got, "hello world")
		}
		if _, err := os.Stat(filepath.Join(out, root, "docs", "big.bin")); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("partially recovered big.bin left at destination: %v", err)
		}
		if tracker.Count("failure_encountered") != 1 {
			t.Errorf("failure_encountered reported %d times, want 1", tracker.Count("failure_encountered"))
		}
		if staged := testutil.StagedFiles(t, env.Staging); len(staged) != 0 {
			t.Errorf("staging not empty after recovery: %v", staged)
		}
	})

	t.Run("stops when cancelled while pulling content", func(t *testing.T) {
		env := testutil.NewLocalEnvironment(t)
		definition := env.CreateDefinition(t)
		root, paths := backupTree(t)
		backup := env.RunBackup(t, definition.ID, paths...)

		entry, err := env.API.DatasetEntry(context.Background(), backup.Entry)
		if err != nil {
			t.Fatalf("DatasetEntry() error = %v", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		env.Crates.FailPull = func(crate uuid.UUID) error {
			if crate != entry.Metadata {
				cancel()
			}
			return nil
		}

		out := t.TempDir()
		tracker := &testutil.RecordingRecoveryTracker{}
		_, err = env.NewRecovery(tracker).Run(ctx, uuid.New(), stasis.RecoveryRequest{
			Definition:  definition.ID,
			Destination: relocated(out),
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() error = %v, want %v", err, context.Canceled)
		}
		for _, name := range []string{"a.txt", "big.bin"} {
			if _, err := os.Stat(filepath.Join(out, root, "docs", name)); !errors.Is(err, os.ErrNotExist) {
				t.Errorf("%s recovered after cancellation: %v", name, err)
			}
		}
		if staged := testutil.StagedFiles(t, env.Staging); len(staged) != 0 {
			t.Errorf("staging not empty after cancelled recovery: %v", staged)
		}
		if tracker.Count("completed") != 1 {
			t.Errorf("completed not reported: %v", tracker.Events())
		}
	})

	t.Run("fails without dataset entries", func(t *testing.T) {
		env := testutil.NewLocalEnvironment(t)
		definition := env.CreateDefinition(t)
		tracker := &testutil.RecordingRecoveryTracker{}

		_, err := env.NewRecovery(tracker).Run(context.Background(), uuid.New(), stasis.RecoveryRequest{
			Definition: definition.ID,
		})
		if !errors.Is(err, stasis.ErrNoDatasetEntry) {
			t.Errorf("Run() error = %v, want %v", err, stasis.ErrNoDatasetEntry)
		}
		if tracker.Count("completed") != 1 {
			t.Errorf("completed not reported: %v", tracker.Events())
		}
	})

	t.Run("fails when the metadata crate is missing", func(t *testing.T) {
		env := testutil.NewLocalEnvironment(t)
		definition := env.CreateDefinition(t)
		_, paths := backupTree(t)
		backup := env.RunBackup(t, definition.ID, paths...)

		entry, err := env.API.DatasetEntry(context.Background(), backup.Entry)
		if err != nil {
			t.Fatalf("DatasetEntry() error = %v", err)
		}
		if err := env.Crates.Discard(context.Background(), entry.Metadata); err != nil {
			t.Fatal(err)
		}

		_, err = env.NewRecovery(&testutil.RecordingRecoveryTracker{}).Run(context.Background(), uuid.New(), stasis.RecoveryRequest{
			Definition:  definition.ID,
			Destination: relocated(t.TempDir()),
		})
		if err == nil {
			t.Error("Run() expected error for missing metadata crate")
		}
	})
}
