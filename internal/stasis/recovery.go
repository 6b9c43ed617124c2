package stasis

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/sndnv/stasis-sub004/internal/compression"
	"github.com/sndnv/stasis-sub004/internal/encryption"
	"github.com/sndnv/stasis-sub004/internal/model"
	"github.com/sndnv/stasis-sub004/internal/partition"
)

// RecoveryRequest selects the generation and entities to recover. Entry takes
// precedence over Until; without either the latest entry is used.
type RecoveryRequest struct {
	Definition  uuid.UUID
	Entry       *uuid.UUID
	Until       *time.Time
	Keep        func(path string, state model.EntityState) bool // nil keeps every entity
	Destination model.Destination
}

// RecoveryResult describes a finished recovery. Entities that failed are
// listed in Failures; all others were recovered.
type RecoveryResult struct {
	Operation uuid.UUID
	Entry     uuid.UUID
	Recovered []string
	Failures  []*EntityError
}

// Recovery runs the recovery pipeline: target collection, content recovery and
// metadata application.
type Recovery struct {
	api     ApiClient
	crates  CrateStore
	staging FileStaging
	fs      Filesystem
	tracker RecoveryTracker
	logger  Logger
	opts    Options
}

// NewRecovery creates a recovery pipeline with the provided collaborators.
func NewRecovery(api ApiClient, crates CrateStore, staging FileStaging, fs Filesystem, tracker RecoveryTracker, logger Logger, opts Options) *Recovery {
	return &Recovery{
		api:     api,
		crates:  crates,
		staging: staging,
		fs:      fs,
		tracker: tracker,
		logger:  logger,
		opts:    opts,
	}
}

// recoveryRun holds the per-entity outcome of a single run.
type recoveryRun struct {
	operation uuid.UUID
	mu        sync.Mutex
	failed    map[string]*EntityError
}

func (r *recoveryRun) fail(path string, err error) *EntityError {
	r.mu.Lock()
	defer r.mu.Unlock()
	entityErr := &EntityError{Path: path, Err: err}
	r.failed[path] = entityErr
	return entityErr
}

func (r *recoveryRun) hasFailed(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.failed[path]
	return ok
}

// Run executes a recovery. Failing to retrieve the dataset entry or its
// metadata aborts the run; failures of single entities are recorded and the
// remaining entities are still recovered.
func (r *Recovery) Run(ctx context.Context, operation uuid.UUID, request RecoveryRequest) (result *RecoveryResult, err error) {
	r.tracker.Started(operation, request.Definition)
	r.logger.Info("recovery started", "operation", operation, "definition", request.Definition)

	defer func() {
		if err != nil {
			r.tracker.FailureEncountered(operation, "", err)
			r.logger.Error("recovery failed", "operation", operation, "error", err)
		}
		r.tracker.Completed(operation)
	}()

	entry, err := r.entry(ctx, request)
	if err != nil {
		return nil, err
	}

	metadata, err := r.api.DatasetMetadata(ctx, entry)
	if err != nil {
		return nil, fmt.Errorf("fetching metadata of entry %s: %w", entry.ID, err)
	}

	run := &recoveryRun{operation: operation, failed: map[string]*EntityError{}}

	targets, err := r.collectTargets(ctx, run, request, NewMetadataResolver(r.api, entry, metadata))
	if err != nil {
		return nil, err
	}

	var directories, files []*model.TargetEntity
	for _, target := range targets {
		if _, ok := target.Metadata.(*model.DirectoryMetadata); ok {
			directories = append(directories, target)
		} else {
			files = append(files, target)
		}
	}

	r.createDirectories(ctx, run, directories)
	r.recoverFiles(ctx, run, files)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.applyMetadata(run, files, directories)

	result = &RecoveryResult{Operation: operation, Entry: entry.ID}
	for _, target := range targets {
		if !run.hasFailed(target.Path) {
			result.Recovered = append(result.Recovered, target.Path)
		}
	}
	for _, failure := range run.failed {
		result.Failures = append(result.Failures, failure)
	}
	slices.SortFunc(result.Failures, func(a, b *EntityError) int { return cmp.Compare(a.Path, b.Path) })

	r.logger.Info("recovery completed",
		"operation", operation,
		"entry", entry.ID,
		"recovered", len(result.Recovered),
		"failed", len(result.Failures),
	)
	return result, nil
}

func (r *Recovery) entry(ctx context.Context, request RecoveryRequest) (*model.DatasetEntry, error) {
	if request.Entry != nil {
		entry, err := r.api.DatasetEntry(ctx, *request.Entry)
		if err != nil {
			return nil, fmt.Errorf("fetching dataset entry %s: %w", *request.Entry, err)
		}
		if entry.Definition != request.Definition {
			return nil, fmt.Errorf("dataset entry %s does not belong to definition %s", entry.ID, request.Definition)
		}
		return entry, nil
	}

	entry, err := r.api.LatestEntry(ctx, request.Definition, request.Until)
	if err != nil {
		return nil, fmt.Errorf("fetching latest dataset entry: %w", err)
	}
	if entry == nil {
		return nil, fmt.Errorf("%w for definition %s", ErrNoDatasetEntry, request.Definition)
	}
	return entry, nil
}

// collectTargets resolves the stored metadata of every kept entity. Resolution
// failures are fatal; inspecting the destination is an entity failure.
func (r *Recovery) collectTargets(ctx context.Context, run *recoveryRun, request RecoveryRequest, resolver *MetadataResolver) ([]*model.TargetEntity, error) {
	root, err := resolver.generation(ctx, *resolver.latest)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(root.Filesystem.Entities))
	for path := range root.Filesystem.Entities {
		paths = append(paths, path)
	}
	slices.Sort(paths)

	var targets []*model.TargetEntity
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		state := root.Filesystem.Entities[path]
		if request.Keep != nil && !request.Keep(path, state) {
			continue
		}

		metadata, _, err := resolver.Resolve(ctx, path)
		if err != nil {
			return nil, err
		}

		target := &model.TargetEntity{
			Path:        path,
			Destination: request.Destination,
			State:       state,
			Metadata:    metadata,
		}
		targets = append(targets, target)

		current, err := r.fs.Metadata(target.DestinationPath())
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			r.report(run, path, fmt.Errorf("inspecting destination: %w", err))
			continue
		default:
			target.Current = current
		}

		metadataChanged, contentChanged := changes(target.Metadata, target.Current)
		r.tracker.EntityExamined(run.operation, path, metadataChanged, contentChanged)
		r.tracker.EntityCollected(run.operation, path)
	}

	return targets, nil
}

// changes compares stored metadata with what exists at the destination.
// Content checksums are only compared later, when a file is recovered.
func changes(stored, current model.EntityMetadata) (metadataChanged, contentChanged bool) {
	switch s := stored.(type) {
	case *model.FileMetadata:
		c, ok := current.(*model.FileMetadata)
		if !ok {
			return true, true
		}
		return s.AttributesChanged(c), s.Size != c.Size || s.Link != c.Link
	case *model.DirectoryMetadata:
		c, ok := current.(*model.DirectoryMetadata)
		if !ok {
			return true, false
		}
		return s.AttributesChanged(c), false
	default:
		return true, true
	}
}

func (r *Recovery) report(run *recoveryRun, path string, err error) {
	entityErr := run.fail(path, err)
	r.tracker.FailureEncountered(run.operation, path, entityErr)
	r.logger.Warn("entity recovery failed", "path", path, "error", err)
}

// createDirectories creates directories parents first.
func (r *Recovery) createDirectories(ctx context.Context, run *recoveryRun, directories []*model.TargetEntity) {
	for _, target := range directories {
		if ctx.Err() != nil || run.hasFailed(target.Path) {
			continue
		}
		if err := os.MkdirAll(target.DestinationPath(), 0o755); err != nil {
			r.report(run, target.Path, fmt.Errorf("creating directory: %w", err))
			continue
		}
		r.tracker.EntityProcessed(run.operation, target.Path)
	}
}

func (r *Recovery) recoverFiles(ctx context.Context, run *recoveryRun, files []*model.TargetEntity) {
	p := pool.New().WithMaxGoroutines(r.opts.parallelism())
	for _, target := range files {
		if ctx.Err() != nil {
			break
		}
		if run.hasFailed(target.Path) {
			continue
		}
		p.Go(func() {
			if err := r.recoverFile(ctx, run, target); err != nil {
				if ctx.Err() != nil {
					return
				}
				r.report(run, target.Path, err)
				return
			}
			r.tracker.EntityProcessed(run.operation, target.Path)
		})
	}
	p.Wait()
}

func (r *Recovery) recoverFile(ctx context.Context, run *recoveryRun, target *model.TargetEntity) error {
	file, ok := target.Metadata.(*model.FileMetadata)
	if !ok {
		return fmt.Errorf("unexpected entity metadata type: %T", target.Metadata)
	}
	destination := target.DestinationPath()

	if !file.HasContent() {
		return r.recoverLink(file, destination)
	}

	if current, ok := target.Current.(*model.FileMetadata); ok && current.HasContent() && current.Size == file.Size {
		checksum, err := r.opts.Checksum.Calculate(ctx, destination)
		if err == nil && file.Checksum != nil && checksum.Cmp(file.Checksum) == 0 {
			r.logger.Debug("content unchanged, skipping", "path", file.Path)
			return nil
		}
	}

	return r.recoverContent(ctx, run, file, destination)
}

func (r *Recovery) recoverLink(file *model.FileMetadata, destination string) error {
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}

	if existing, err := os.Readlink(destination); err == nil && existing == file.Link {
		return nil
	}
	if err := os.Remove(destination); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("replacing existing entity: %w", err)
	}
	if err := os.Symlink(file.Link, destination); err != nil {
		return fmt.Errorf("creating symlink: %w", err)
	}
	return nil
}

// recoverContent pulls, decrypts, merges and decompresses the parts of a file
// into a staged file, verifies it and moves it to the destination.
func (r *Recovery) recoverContent(ctx context.Context, run *recoveryRun, file *model.FileMetadata, destination string) (err error) {
	sources, err := r.partSources(ctx, run, file)
	if err != nil {
		return err
	}

	merged, err := partition.Merge(sources)
	if err != nil {
		return err
	}
	defer merged.Close()

	compressor, err := compression.FromName(file.Compression)
	if err != nil {
		return err
	}
	content, err := compressor.Decompress(merged)
	if err != nil {
		return fmt.Errorf("decompressing content: %w", err)
	}
	defer content.Close()

	staged, err := r.staging.Temporary()
	if err != nil {
		return fmt.Errorf("creating staging file: %w", err)
	}
	defer func() {
		if err != nil {
			if discardErr := r.staging.Discard(staged); discardErr != nil {
				r.logger.Warn("failed to discard staged file", "path", staged, "error", discardErr)
			}
		}
	}()

	if err := writeFile(staged, content); err != nil {
		return err
	}

	if file.Checksum != nil {
		checksum, err := r.opts.Checksum.Calculate(ctx, staged)
		if err != nil {
			return fmt.Errorf("verifying recovered content: %w", err)
		}
		if checksum.Cmp(file.Checksum) != 0 {
			return fmt.Errorf("recovered content checksum mismatch: expected %s, got %s", file.Checksum.Text(16), checksum.Text(16))
		}
	}

	if err := r.staging.Destage(staged, destination); err != nil {
		return fmt.Errorf("destaging content: %w", err)
	}
	return nil
}

func (r *Recovery) partSources(ctx context.Context, run *recoveryRun, file *model.FileMetadata) ([]partition.Source, error) {
	sources := make([]partition.Source, 0, len(file.Crates))
	for partPath, crate := range file.Crates {
		entityPath, index, err := partition.ParsePartPath(partPath)
		if err != nil {
			return nil, err
		}
		if entityPath != file.Path {
			return nil, fmt.Errorf("part %s does not belong to %s", partPath, file.Path)
		}

		sources = append(sources, partition.Source{
			Index: index,
			Path:  partPath,
			Open: func() (io.ReadCloser, error) {
				secret, err := r.opts.Secret.FileSecret(file.Path, file.Checksum, file.Salt, index)
				if err != nil {
					return nil, fmt.Errorf("deriving part secret: %w", err)
				}
				pulled, err := r.crates.Pull(ctx, crate)
				if err != nil {
					return nil, fmt.Errorf("pulling crate %s: %w", crate, err)
				}
				decrypted, err := encryption.NewDecryptingReader(pulled, secret, r.opts.MaxPlaintextSize)
				if err != nil {
					pulled.Close()
					return nil, err
				}
				r.tracker.EntityPartProcessed(run.operation, file.Path, index)
				return &partReader{Reader: decrypted, closer: pulled}, nil
			},
		})
	}
	return sources, nil
}

type partReader struct {
	io.Reader
	closer io.Closer
}

func (p *partReader) Close() error {
	return p.closer.Close()
}

func writeFile(path string, content io.Reader) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("opening staging file: %w", err)
	}
	if _, err := io.Copy(f, content); err != nil {
		f.Close()
		return fmt.Errorf("writing recovered content: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing staging file: %w", err)
	}
	return nil
}

// applyMetadata restores attributes once all content is in place: files
// first, then directories deepest first so that setting a directory's
// timestamps is not undone by changes to its children.
func (r *Recovery) applyMetadata(run *recoveryRun, files, directories []*model.TargetEntity) {
	ordered := slices.Clone(directories)
	slices.SortFunc(ordered, func(a, b *model.TargetEntity) int {
		if d := cmp.Compare(depth(b.Path), depth(a.Path)); d != 0 {
			return d
		}
		return cmp.Compare(a.Path, b.Path)
	})

	for _, target := range slices.Concat(files, ordered) {
		if run.hasFailed(target.Path) {
			continue
		}
		if err := r.fs.ApplyMetadata(target.DestinationPath(), target.Metadata); err != nil {
			r.report(run, target.Path, fmt.Errorf("applying metadata: %w", err))
			continue
		}
		r.tracker.MetadataApplied(run.operation, target.Path)
	}
}

func depth(path string) int {
	return strings.Count(filepath.Clean(path), string(filepath.Separator))
}
