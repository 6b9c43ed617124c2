package stasis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"math/big"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/sndnv/stasis-sub004/internal/compression"
	"github.com/sndnv/stasis-sub004/internal/encryption"
	"github.com/sndnv/stasis-sub004/internal/model"
	"github.com/sndnv/stasis-sub004/internal/partition"
	"github.com/sndnv/stasis-sub004/internal/rules"
)

// BackupStage names the sequential steps of a backup.
type BackupStage string

const (
	StageEntityCollection   BackupStage = "entity collection"
	StageEntityProcessing   BackupStage = "entity processing"
	StageMetadataCollection BackupStage = "metadata collection"
	StageMetadataPush       BackupStage = "metadata push"
)

// Options configures how entity content is processed by backups and recoveries.
type Options struct {
	Device           uuid.UUID
	Secret           encryption.DeviceSecret
	Parallelism      int
	MaxPartSize      int64
	MaxPlaintextSize int64
	Compression      *compression.Selector
	Checksum         Checksum
}

func (o Options) parallelism() int {
	return max(o.Parallelism, 1)
}

// BackupRequest selects what a backup covers. Explicit entities take
// precedence over rules.
type BackupRequest struct {
	Definition uuid.UUID
	Rules      []rules.Rule
	Entities   []string
}

// BackupResult describes a completed backup.
type BackupResult struct {
	Operation uuid.UUID
	Entry     uuid.UUID
	Metadata  *model.DatasetMetadata
	Unmatched []rules.UnmatchedRule
}

// Backup runs the backup pipeline: entity collection, entity processing,
// metadata collection and metadata push.
type Backup struct {
	api     ApiClient
	crates  CrateStore
	staging FileStaging
	fs      Filesystem
	tracker BackupTracker
	logger  Logger
	ids     IDGenerator
	opts    Options
}

// NewBackup creates a backup pipeline with the provided collaborators.
func NewBackup(api ApiClient, crates CrateStore, staging FileStaging, fs Filesystem, tracker BackupTracker, logger Logger, ids IDGenerator, opts Options) *Backup {
	return &Backup{
		api:     api,
		crates:  crates,
		staging: staging,
		fs:      fs,
		tracker: tracker,
		logger:  logger,
		ids:     ids,
		opts:    opts,
	}
}

// Run executes a backup. The first entity failure aborts the whole run; crates
// pushed before the failure are not removed. Completed is always reported.
func (b *Backup) Run(ctx context.Context, operation uuid.UUID, request BackupRequest) (result *BackupResult, err error) {
	b.tracker.Started(operation, request.Definition)
	b.logger.Info("backup started", "operation", operation, "definition", request.Definition)

	defer func() {
		if err != nil {
			var entityErr *EntityError
			path := ""
			if errors.As(err, &entityErr) {
				path = entityErr.Path
			}
			b.tracker.FailureEncountered(operation, path, err)
			b.logger.Error("backup failed", "operation", operation, "error", err)
		}
		b.tracker.Completed(operation)
	}()

	definition, err := b.api.DatasetDefinition(ctx, request.Definition)
	if err != nil {
		return nil, fmt.Errorf("fetching dataset definition: %w", err)
	}

	resolver, err := b.latestGeneration(ctx, definition.ID)
	if err != nil {
		return nil, err
	}

	paths, unmatched, err := b.collectPaths(ctx, operation, request)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", StageEntityCollection, err)
	}

	processed, err := b.processEntities(ctx, operation, definition, b.sourceEntities(ctx, operation, paths, resolver))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", StageEntityProcessing, err)
	}

	metadata, err := model.Collect(processed)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", StageMetadataCollection, err)
	}
	b.tracker.MetadataCollected(operation)

	entry, err := b.pushMetadata(ctx, definition, metadata)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", StageMetadataPush, err)
	}
	b.tracker.MetadataPushed(operation, entry)

	b.logger.Info("backup completed",
		"operation", operation,
		"entry", entry,
		"entities", len(metadata.Filesystem.Entities),
		"content_changed", len(metadata.ContentChanged),
		"metadata_changed", len(metadata.MetadataChanged),
	)

	return &BackupResult{Operation: operation, Entry: entry, Metadata: metadata, Unmatched: unmatched}, nil
}

func (b *Backup) latestGeneration(ctx context.Context, definition uuid.UUID) (*MetadataResolver, error) {
	latest, err := b.api.LatestEntry(ctx, definition, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching latest dataset entry: %w", err)
	}
	if latest == nil {
		return NewMetadataResolver(b.api, nil, nil), nil
	}

	metadata, err := b.api.DatasetMetadata(ctx, latest)
	if err != nil {
		return nil, fmt.Errorf("fetching metadata of entry %s: %w", latest.ID, err)
	}
	return NewMetadataResolver(b.api, latest, metadata), nil
}

func (b *Backup) collectPaths(ctx context.Context, operation uuid.UUID, request BackupRequest) ([]string, []rules.UnmatchedRule, error) {
	if len(request.Entities) > 0 {
		paths := make([]string, 0, len(request.Entities))
		for _, entity := range request.Entities {
			path, err := filepath.Abs(entity)
			if err != nil {
				return nil, nil, fmt.Errorf("resolving path %s: %w", entity, err)
			}
			paths = append(paths, path)
		}
		slices.Sort(paths)
		return slices.Compact(paths), nil, nil
	}

	spec, err := rules.Apply(ctx, rules.ForDefinition(request.Rules, request.Definition), b.fs)
	if err != nil {
		return nil, nil, err
	}
	for _, unmatched := range spec.Unmatched {
		b.logger.Warn("rule matched no entities", "rule", unmatched.Rule.String(), "error", unmatched.Err)
	}
	b.tracker.SpecificationProcessed(operation, spec.Unmatched)

	return spec.Included(), spec.Unmatched, nil
}

// sourceEntities lazily pairs every path with its current and previously stored metadata.
func (b *Backup) sourceEntities(ctx context.Context, operation uuid.UUID, paths []string, resolver *MetadataResolver) iter.Seq2[*model.SourceEntity, error] {
	return func(yield func(*model.SourceEntity, error) bool) {
		for _, path := range paths {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			current, err := b.fs.Metadata(path)
			if err != nil {
				yield(nil, entityError(path, err))
				return
			}

			existing, entry, err := resolver.Resolve(ctx, path)
			if err != nil {
				yield(nil, entityError(path, err))
				return
			}

			b.tracker.EntityDiscovered(operation, path)
			entity := &model.SourceEntity{Path: path, Current: current, Existing: existing, ExistingEntry: entry}
			if !yield(entity, nil) {
				return
			}
		}
	}
}

// processEntities runs entity processing on a bounded pool. Submission blocks
// while the pool is full, so entities are only collected as fast as they are
// processed.
func (b *Backup) processEntities(ctx context.Context, operation uuid.UUID, definition *model.DatasetDefinition, entities iter.Seq2[*model.SourceEntity, error]) ([]model.ProcessedEntity, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		once     sync.Once
		firstErr error
	)
	fail := func(err error) {
		once.Do(func() { firstErr = err })
		cancel()
	}

	p := pool.NewWithResults[model.ProcessedEntity]().
		WithContext(ctx).
		WithMaxGoroutines(b.opts.parallelism())

	for entity, err := range entities {
		if err != nil {
			fail(err)
			break
		}
		if ctx.Err() != nil {
			break
		}
		p.Go(func(ctx context.Context) (model.ProcessedEntity, error) {
			processed, err := b.processEntity(ctx, operation, definition, entity)
			if err != nil {
				fail(err)
			}
			return processed, err
		})
	}

	results, err := p.Wait()
	if firstErr != nil {
		return nil, firstErr
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (b *Backup) processEntity(ctx context.Context, operation uuid.UUID, definition *model.DatasetDefinition, entity *model.SourceEntity) (model.ProcessedEntity, error) {
	b.tracker.EntityExamined(operation, entity.Path)

	processed := model.ProcessedEntity{
		Current:       entity.Current,
		Existing:      entity.Existing,
		ExistingEntry: entity.ExistingEntry,
	}

	file, ok := entity.Current.(*model.FileMetadata)
	if !ok || !file.HasContent() {
		b.tracker.EntityProcessed(operation, entity.Path, entity.Current)
		return processed, nil
	}

	before, err := b.fs.TakeSnapshot(file.Path)
	if err != nil {
		return processed, entityError(file.Path, err)
	}

	checksum, err := b.opts.Checksum.Calculate(ctx, file.Path)
	if err != nil {
		return processed, entityError(file.Path, fmt.Errorf("calculating checksum: %w", err))
	}

	if existing := reusableContent(file, entity.Existing, checksum); existing != nil {
		processed.Current = file.WithContent(checksum, existing.Crates, existing.Compression, existing.Salt)
		b.tracker.EntitySkipped(operation, file.Path)
		b.logger.Debug("content unchanged", "path", file.Path)
	} else {
		salt, err := encryption.NewSalt()
		if err != nil {
			return processed, entityError(file.Path, err)
		}
		crates, compressor, err := b.pushContent(ctx, operation, definition, file, checksum, salt)
		if err != nil {
			return processed, entityError(file.Path, err)
		}
		processed.Current = file.WithContent(checksum, crates, compressor, salt)
	}

	after, err := b.fs.TakeSnapshot(file.Path)
	if err != nil {
		return processed, entityError(file.Path, err)
	}
	if err := before.Unchanged(after); err != nil {
		return processed, entityError(file.Path, fmt.Errorf("%w: %v", ErrFileChanged, err))
	}

	b.tracker.EntityProcessed(operation, file.Path, processed.Current)
	b.logger.Debug("entity processed", "path", file.Path)
	return processed, nil
}

// reusableContent returns the existing file metadata if its stored content matches.
func reusableContent(current *model.FileMetadata, existing model.EntityMetadata, checksum *big.Int) *model.FileMetadata {
	previous, ok := existing.(*model.FileMetadata)
	if !ok || !previous.HasContent() || len(previous.Crates) == 0 || previous.Checksum == nil {
		return nil
	}
	if previous.Size != current.Size || previous.Checksum.Cmp(checksum) != 0 {
		return nil
	}
	return previous
}

func (b *Backup) pushContent(ctx context.Context, operation uuid.UUID, definition *model.DatasetDefinition, file *model.FileMetadata, checksum *big.Int, salt []byte) (map[string]uuid.UUID, string, error) {
	compressor := b.opts.Compression.For(file.Path)

	f, err := b.fs.Open(file.Path)
	if err != nil {
		return nil, "", fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	src := compression.NewReader(f, compressor)
	defer src.Close()

	secretFor := func(index int) (encryption.Secret, error) {
		return b.opts.Secret.FileSecret(file.Path, checksum, salt, index)
	}
	onStaged := func(part partition.Part) {
		b.logger.Debug("part staged", "path", file.Path, "part", part.Index, "size", part.Size)
	}

	parts, err := partition.Stage(ctx, src, partition.Options{
		MaxPartSize:      b.opts.MaxPartSize,
		MaxPlaintextSize: b.opts.MaxPlaintextSize,
	}, secretFor, b.staging, onStaged)
	if err != nil {
		return nil, "", fmt.Errorf("staging parts: %w", err)
	}

	crates := make(map[string]uuid.UUID, len(parts))
	for i, part := range parts {
		crate, err := b.pushPart(ctx, definition, part)
		if err != nil {
			for _, remaining := range parts[i+1:] {
				b.discard(remaining.Path)
			}
			return nil, "", fmt.Errorf("pushing part %d: %w", part.Index, err)
		}
		crates[partition.PartPath(file.Path, part.Index)] = crate
		b.tracker.EntityPartProcessed(operation, file.Path, part.Index)
	}

	return crates, compressor.Name(), nil
}

// pushPart reserves storage for a staged part, pushes it and discards the staged file.
func (b *Backup) pushPart(ctx context.Context, definition *model.DatasetDefinition, part partition.Part) (uuid.UUID, error) {
	defer b.discard(part.Path)

	crate := b.ids.New()
	if err := b.reserve(ctx, definition, crate, part.Size); err != nil {
		return uuid.Nil, err
	}

	f, err := os.Open(part.Path)
	if err != nil {
		return uuid.Nil, fmt.Errorf("opening staged part: %w", err)
	}
	defer f.Close()

	if err := b.crates.Push(ctx, crate, f); err != nil {
		return uuid.Nil, fmt.Errorf("pushing crate %s: %w", crate, err)
	}
	return crate, nil
}

func (b *Backup) reserve(ctx context.Context, definition *model.DatasetDefinition, crate uuid.UUID, size int64) error {
	_, err := b.crates.Reserve(ctx, model.CrateStorageRequest{
		ID:     b.ids.New(),
		Crate:  crate,
		Size:   size,
		Copies: max(definition.RedundantCopies, 1),
		Origin: b.opts.Device,
		Source: b.opts.Device,
	})
	if err != nil {
		return fmt.Errorf("reserving storage for crate %s: %w", crate, err)
	}
	return nil
}

func (b *Backup) pushMetadata(ctx context.Context, definition *model.DatasetDefinition, metadata *model.DatasetMetadata) (uuid.UUID, error) {
	crate := b.ids.New()

	data, err := EncodeMetadata(metadata, b.opts.Secret, crate, b.opts.MaxPlaintextSize)
	if err != nil {
		return uuid.Nil, err
	}
	if err := b.reserve(ctx, definition, crate, int64(len(data))); err != nil {
		return uuid.Nil, err
	}
	if err := b.crates.Push(ctx, crate, bytes.NewReader(data)); err != nil {
		return uuid.Nil, fmt.Errorf("pushing metadata crate %s: %w", crate, err)
	}

	entry, err := b.api.CreateDatasetEntry(ctx, model.CreateDatasetEntry{
		Definition: definition.ID,
		Device:     b.opts.Device,
		Data:       dataCrates(metadata),
		Metadata:   crate,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("creating dataset entry: %w", err)
	}
	return entry, nil
}

// dataCrates lists the crates pushed for the content of a generation.
func dataCrates(metadata *model.DatasetMetadata) []uuid.UUID {
	var crates []uuid.UUID
	for _, entity := range metadata.ContentChanged {
		if file, ok := entity.(*model.FileMetadata); ok {
			for _, crate := range file.Crates {
				crates = append(crates, crate)
			}
		}
	}
	slices.SortFunc(crates, func(a, b uuid.UUID) int { return bytes.Compare(a[:], b[:]) })
	return crates
}

func (b *Backup) discard(path string) {
	if err := b.staging.Discard(path); err != nil {
		b.logger.Warn("failed to discard staged file", "path", path, "error", err)
	}
}
