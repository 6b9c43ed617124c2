package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sndnv/stasis-sub004/internal/api"
	"github.com/sndnv/stasis-sub004/internal/checksum"
	"github.com/sndnv/stasis-sub004/internal/compression"
	"github.com/sndnv/stasis-sub004/internal/config"
	"github.com/sndnv/stasis-sub004/internal/crates"
	"github.com/sndnv/stasis-sub004/internal/database"
	"github.com/sndnv/stasis-sub004/internal/encryption"
	"github.com/sndnv/stasis-sub004/internal/fs"
	"github.com/sndnv/stasis-sub004/internal/model"
	"github.com/sndnv/stasis-sub004/internal/rules"
	"github.com/sndnv/stasis-sub004/internal/staging"
	"github.com/sndnv/stasis-sub004/internal/stasis"
	"github.com/sndnv/stasis-sub004/internal/state"
	"github.com/sndnv/stasis-sub004/internal/tracking"
)

// ErrLocked is returned by operations that need the device secret before Unlock.
var ErrLocked = errors.New("device secret is locked")

// StasisApp is the application layer between the CLI and the backup and
// recovery pipelines. It constructs all dependencies from config and owns
// their lifecycle until Close.
type StasisApp struct {
	cfg    *config.Config
	device uuid.UUID
	clock  stasis.Clock

	db       *database.SQLiteDatabase
	crates   crates.Store
	staging  *staging.DirectoryStaging
	fs       *fs.OSFilesystem
	secrets  encryption.SecretStore
	executor *stasis.Executor

	logger   stasis.Logger
	logFile  *os.File
	history  *tracking.DatabaseSink
	progress *tracking.ProgressSink
	sink     tracking.Sink

	mu   sync.Mutex
	opts stasis.Options
	api  *api.LocalClient
}

// Options adjusts how a StasisApp is created.
type Options struct {
	Verbose bool
}

// NewStasisApp creates a fully wired StasisApp from the given config. The
// device secret stays locked until Unlock is called. The caller must call Close
// when done.
func NewStasisApp(ctx context.Context, cfg *config.Config, options Options) (_ *StasisApp, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	device, err := uuid.Parse(cfg.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("parsing device id %q: %w", cfg.DeviceID, err)
	}

	a := &StasisApp{cfg: cfg, device: device, clock: stasis.RealClock{}, fs: fs.NewOSFilesystem()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	session := time.Now().UTC().Format("20060102T150405Z")
	logger, logFile, err := newLogger(cfg.LogDir, session, options.Verbose)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	a.logger = &slogAdapter{l: logger}
	a.logFile = logFile

	if a.db, err = database.NewDatabaseFromConfig(cfg.Database, cfg.DeviceID); err != nil {
		return nil, fmt.Errorf("creating database: %w", err)
	}
	if a.crates, err = crates.NewStoreFromConfig(ctx, device, cfg.Crates); err != nil {
		return nil, fmt.Errorf("creating crate store: %w", err)
	}
	if a.staging, err = staging.NewDirectoryStaging(cfg.Staging.Dir); err != nil {
		return nil, fmt.Errorf("creating staging area: %w", err)
	}
	if a.secrets, err = encryption.NewSecretStoreFromConfig(device, cfg.Encryption); err != nil {
		return nil, fmt.Errorf("creating secret store: %w", err)
	}

	sum, err := checksum.FromName(cfg.Backup.Checksum)
	if err != nil {
		return nil, err
	}
	selector, err := compression.NewSelector(cfg.Compression.Default, cfg.Compression.DisabledExtensions)
	if err != nil {
		return nil, err
	}
	a.opts = stasis.Options{
		Device:           device,
		Parallelism:      cfg.Backup.Parallelism,
		MaxPartSize:      cfg.Backup.MaxPartSize,
		MaxPlaintextSize: cfg.Backup.MaxPlaintextSize,
		Compression:      selector,
		Checksum:         sum,
	}

	snapshots, err := state.NewStore[tracking.Snapshot](stateDir(cfg, "progress"), cfg.State.RetainedVersions, state.JSONSerdes[tracking.Snapshot]{}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("creating progress state store: %w", err)
	}
	if a.progress, err = tracking.NewProgressSink(snapshots, a.logger, tracking.DefaultRetainedOperations); err != nil {
		return nil, err
	}
	a.history = tracking.NewDatabaseSink(a.db, a.logger, tracking.DefaultQueueSize)
	a.sink = tracking.Multi{tracking.NewLogSink(a.logger), a.history, a.progress}

	a.executor = stasis.NewExecutor(a.clock, stasis.UUIDGenerator{}, a.logger)
	a.api = api.NewLocalClient(a.db, a.crates, encryption.DeviceSecret{}, cfg.Backup.MaxPlaintextSize, a.clock, stasis.UUIDGenerator{})

	return a, nil
}

func stateDir(cfg *config.Config, name string) string {
	return filepath.Join(cfg.State.Dir, name)
}

// Logger returns the application logger.
func (a *StasisApp) Logger() stasis.Logger {
	return a.logger
}

// InitSecret generates the device secret and protects it with passphrase.
func (a *StasisApp) InitSecret(passphrase string) error {
	if err := a.secrets.Init(passphrase); err != nil {
		return fmt.Errorf("initializing device secret: %w", err)
	}
	a.logger.Info("device secret initialized", "device", a.device)
	return nil
}

// ChangePassphrase re-encrypts the device secret with a new passphrase.
func (a *StasisApp) ChangePassphrase(current, updated string) error {
	return a.secrets.ChangePassphrase(current, updated)
}

// Unlock decrypts the device secret, enabling backup, recovery and metadata access.
func (a *StasisApp) Unlock(passphrase string) error {
	secret, err := a.secrets.Unlock(passphrase)
	if err != nil {
		return fmt.Errorf("unlocking device secret: %w", err)
	}
	a.setSecret(secret)
	return nil
}

// Lock forgets the device secret.
func (a *StasisApp) Lock() {
	a.setSecret(encryption.DeviceSecret{})
}

func (a *StasisApp) setSecret(secret encryption.DeviceSecret) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opts.Secret = secret
	a.api = api.NewLocalClient(a.db, a.crates, secret, a.cfg.Backup.MaxPlaintextSize, a.clock, stasis.UUIDGenerator{})
}

// session returns the current pipeline options and API client; ok is false
// while the device secret is locked.
func (a *StasisApp) session() (opts stasis.Options, client *api.LocalClient, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opts, a.api, a.opts.Secret.Secret != nil
}

func (a *StasisApp) client() *api.LocalClient {
	_, client, _ := a.session()
	return client
}

// CreateDefinition records a new dataset definition for this device.
func (a *StasisApp) CreateDefinition(ctx context.Context, info string, copies int, existing, removed model.Retention) (*model.DatasetDefinition, error) {
	return a.client().CreateDefinition(ctx, model.DatasetDefinition{
		Info:             info,
		Device:           a.device,
		RedundantCopies:  copies,
		ExistingVersions: existing,
		RemovedVersions:  removed,
	})
}

// Definitions returns all dataset definitions.
func (a *StasisApp) Definitions(ctx context.Context) ([]*model.DatasetDefinition, error) {
	return a.client().DatasetDefinitions(ctx)
}

// Entries returns the entries of a definition, newest first.
func (a *StasisApp) Entries(ctx context.Context, definition uuid.UUID) ([]*model.DatasetEntry, error) {
	return a.client().DatasetEntries(ctx, definition)
}

// LoadRules reads the configured rules file, keeping only the rules that apply
// to definition (all rules when nil).
func (a *StasisApp) LoadRules(definition *uuid.UUID) ([]rules.Rule, error) {
	f, err := os.Open(a.cfg.Backup.RulesPath)
	if err != nil {
		return nil, fmt.Errorf("opening rules file: %w", err)
	}
	defer f.Close()

	parsed, err := rules.ParseRules(f)
	if err != nil {
		return nil, fmt.Errorf("parsing rules from %s: %w", a.cfg.Backup.RulesPath, err)
	}
	if definition == nil {
		return parsed, nil
	}
	return rules.ForDefinition(parsed, *definition), nil
}

// CheckRules applies the configured rules to the filesystem without backing anything up.
func (a *StasisApp) CheckRules(ctx context.Context, definition *uuid.UUID) (*rules.Specification, error) {
	loaded, err := a.LoadRules(definition)
	if err != nil {
		return nil, err
	}
	return rules.Apply(ctx, loaded, rules.OSWalker{})
}

// Backup runs a backup of definition and waits for it to finish. Without
// explicit paths the configured rules decide what is backed up.
func (a *StasisApp) Backup(ctx context.Context, definition uuid.UUID, paths []string) (*stasis.BackupResult, error) {
	opts, client, ok := a.session()
	if !ok {
		return nil, ErrLocked
	}

	request := stasis.BackupRequest{Definition: definition, Entities: paths}
	if len(paths) == 0 {
		loaded, err := a.LoadRules(&definition)
		if err != nil {
			return nil, err
		}
		request.Rules = loaded
	}

	backup := stasis.NewBackup(client, a.crates, a.staging, a.fs, tracking.NewBackupTracker(a.sink, a.clock), a.logger, stasis.UUIDGenerator{}, opts)

	var result *stasis.BackupResult
	operation, err := a.executor.Start(ctx, tracking.KindBackup, func(ctx context.Context, operation uuid.UUID) error {
		var err error
		result, err = backup.Run(ctx, operation, request)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := a.executor.Wait(operation); err != nil {
		return nil, err
	}
	return result, nil
}

// Recover runs a recovery and waits for it to finish.
func (a *StasisApp) Recover(ctx context.Context, request stasis.RecoveryRequest) (*stasis.RecoveryResult, error) {
	opts, client, ok := a.session()
	if !ok {
		return nil, ErrLocked
	}

	recovery := stasis.NewRecovery(client, a.crates, a.staging, a.fs, tracking.NewRecoveryTracker(a.sink, a.clock), a.logger, opts)

	var result *stasis.RecoveryResult
	operation, err := a.executor.Start(ctx, tracking.KindRecovery, func(ctx context.Context, operation uuid.UUID) error {
		var err error
		result, err = recovery.Run(ctx, operation, request)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := a.executor.Wait(operation); err != nil {
		return nil, err
	}
	return result, nil
}

// Stop cancels the running operation, if any.
func (a *StasisApp) Stop() {
	a.executor.Stop()
}

// Progress returns the tracked progress of an operation.
func (a *StasisApp) Progress(operation uuid.UUID) (tracking.Progress, bool) {
	return a.progress.Progress(operation)
}

// History returns the most recent operations, newest first.
func (a *StasisApp) History(ctx context.Context, limit int) ([]*database.Operation, error) {
	return a.db.ListOperations(ctx, limit)
}

// OperationEvents returns the recorded events of an operation.
func (a *StasisApp) OperationEvents(ctx context.Context, operation uuid.UUID) ([]*database.OperationEvent, error) {
	return a.db.ListOperationEvents(ctx, operation)
}

// Close flushes operation history and closes all resources.
func (a *StasisApp) Close() error {
	var errs []error

	if a.history != nil {
		a.history.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing database: %w", err))
		}
	}
	if a.logFile != nil {
		if err := a.logFile.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing log file: %w", err))
		}
	}

	return errors.Join(errs...)
}
