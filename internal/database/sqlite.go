package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sndnv/stasis-sub004/internal/database/migrations"
	"github.com/sndnv/stasis-sub004/internal/model"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Operation is one recorded backup or recovery run.
type Operation struct {
	ID         uuid.UUID
	Kind       string
	Definition *uuid.UUID
	Started    time.Time
	Completed  *time.Time
	Failure    string
	Events     int
}

// OperationEvent is a single tracked event of an operation.
type OperationEvent struct {
	Operation uuid.UUID
	Event     string
	Path      string
	Detail    string
	Created   time.Time
}

// SQLiteDatabase stores dataset definitions, entries, commands and operation history.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
}

// NewSQLiteDatabase opens the database at path (or ":memory:") and applies pending migrations.
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	return &SQLiteDatabase{db: db, path: path}, nil
}

// OpenConnection opens and configures a SQLite connection. The pragmas are passed in the
// DSN so that every pooled connection gets them.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// every pooled connection to ":memory:" would see its own empty database
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func (s *SQLiteDatabase) Close() error {
	return s.db.Close()
}

// Ping checks that the database is still reachable.
func (s *SQLiteDatabase) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Dataset definitions

func (s *SQLiteDatabase) CreateDefinition(ctx context.Context, d *model.DatasetDefinition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dataset_definitions (
			id, info, device, redundant_copies,
			existing_policy, existing_versions, existing_duration,
			removed_policy, removed_versions, removed_duration,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID.String(), d.Info, d.Device.String(), d.RedundantCopies,
		string(d.ExistingVersions.Policy), d.ExistingVersions.Versions, int64(d.ExistingVersions.Duration),
		string(d.RemovedVersions.Policy), d.RemovedVersions.Versions, int64(d.RemovedVersions.Duration),
		toUnix(d.Created),
	)
	if err != nil {
		return fmt.Errorf("creating dataset definition: %w", err)
	}
	return nil
}

const definitionColumns = `id, info, device, redundant_copies,
	existing_policy, existing_versions, existing_duration,
	removed_policy, removed_versions, removed_duration, created_at`

// FindDefinition returns nil when the definition does not exist.
func (s *SQLiteDatabase) FindDefinition(ctx context.Context, id uuid.UUID) (*model.DatasetDefinition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+definitionColumns+` FROM dataset_definitions WHERE id = ?`, id.String())
	d, err := scanDefinition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding dataset definition: %w", err)
	}
	return d, nil
}

func (s *SQLiteDatabase) ListDefinitions(ctx context.Context) ([]*model.DatasetDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+definitionColumns+` FROM dataset_definitions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("listing dataset definitions: %w", err)
	}
	defer rows.Close()

	var result []*model.DatasetDefinition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("reading dataset definition: %w", err)
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row scanner) (*model.DatasetDefinition, error) {
	var (
		id, device                        string
		existingPolicy, removedPolicy     string
		existingDuration, removedDuration int64
		created                           int64
		d                                 model.DatasetDefinition
	)
	err := row.Scan(
		&id, &d.Info, &device, &d.RedundantCopies,
		&existingPolicy, &d.ExistingVersions.Versions, &existingDuration,
		&removedPolicy, &d.RemovedVersions.Versions, &removedDuration,
		&created,
	)
	if err != nil {
		return nil, err
	}

	if d.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid definition id %q: %w", id, err)
	}
	if d.Device, err = uuid.Parse(device); err != nil {
		return nil, fmt.Errorf("invalid device id %q: %w", device, err)
	}
	d.ExistingVersions.Policy = model.RetentionPolicy(existingPolicy)
	d.ExistingVersions.Duration = time.Duration(existingDuration)
	d.RemovedVersions.Policy = model.RetentionPolicy(removedPolicy)
	d.RemovedVersions.Duration = time.Duration(removedDuration)
	d.Created = fromUnix(created)
	return &d, nil
}

// Dataset entries

// CreateEntry records an entry and its data crates in a single transaction.
func (s *SQLiteDatabase) CreateEntry(ctx context.Context, e *model.DatasetEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO dataset_entries (id, definition_id, device, metadata_crate, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.ID.String(), e.Definition.String(), e.Device.String(), e.Metadata.String(), toUnix(e.Created),
	)
	if err != nil {
		return fmt.Errorf("creating dataset entry: %w", err)
	}

	for i, crate := range e.Data {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO dataset_entry_crates (entry_id, position, crate_id) VALUES (?, ?, ?)`,
			e.ID.String(), i, crate.String(),
		)
		if err != nil {
			return fmt.Errorf("recording crate %s: %w", crate, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

const entryColumns = `id, definition_id, device, metadata_crate, created_at`

// FindEntry returns nil when the entry does not exist.
func (s *SQLiteDatabase) FindEntry(ctx context.Context, id uuid.UUID) (*model.DatasetEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM dataset_entries WHERE id = ?`, id.String())
	return s.entryFromRow(ctx, row)
}

// LatestEntry returns the newest entry of a definition created no later than until
// (any time when until is nil), or nil if there is none.
func (s *SQLiteDatabase) LatestEntry(ctx context.Context, definition uuid.UUID, until *time.Time) (*model.DatasetEntry, error) {
	limit := int64(1<<63 - 1)
	if until != nil {
		limit = toUnix(*until)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM dataset_entries
		WHERE definition_id = ? AND created_at <= ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1`,
		definition.String(), limit,
	)
	return s.entryFromRow(ctx, row)
}

// ListEntries returns the entries of a definition, newest first.
func (s *SQLiteDatabase) ListEntries(ctx context.Context, definition uuid.UUID) ([]*model.DatasetEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM dataset_entries
		WHERE definition_id = ?
		ORDER BY created_at DESC, rowid DESC`,
		definition.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing dataset entries: %w", err)
	}

	var result []*model.DatasetEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("reading dataset entry: %w", err)
		}
		result = append(result, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing dataset entries: %w", err)
	}

	for _, e := range result {
		if e.Data, err = s.entryCrates(ctx, e.ID); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (s *SQLiteDatabase) entryFromRow(ctx context.Context, row *sql.Row) (*model.DatasetEntry, error) {
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("finding dataset entry: %w", err)
	}
	if e.Data, err = s.entryCrates(ctx, e.ID); err != nil {
		return nil, err
	}
	return e, nil
}

func (s *SQLiteDatabase) entryCrates(ctx context.Context, entry uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT crate_id FROM dataset_entry_crates WHERE entry_id = ? ORDER BY position`, entry.String())
	if err != nil {
		return nil, fmt.Errorf("finding entry crates: %w", err)
	}
	defer rows.Close()

	crates := []uuid.UUID{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("reading entry crate: %w", err)
		}
		crate, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid crate id %q: %w", raw, err)
		}
		crates = append(crates, crate)
	}
	return crates, rows.Err()
}

func scanEntry(row scanner) (*model.DatasetEntry, error) {
	var (
		id, definition, device, metadata string
		created                          int64
		e                                model.DatasetEntry
		err                              error
	)
	if err = row.Scan(&id, &definition, &device, &metadata, &created); err != nil {
		return nil, err
	}

	if e.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid entry id %q: %w", id, err)
	}
	if e.Definition, err = uuid.Parse(definition); err != nil {
		return nil, fmt.Errorf("invalid definition id %q: %w", definition, err)
	}
	if e.Device, err = uuid.Parse(device); err != nil {
		return nil, fmt.Errorf("invalid device id %q: %w", device, err)
	}
	if e.Metadata, err = uuid.Parse(metadata); err != nil {
		return nil, fmt.Errorf("invalid metadata crate %q: %w", metadata, err)
	}
	e.Created = fromUnix(created)
	return &e, nil
}

// Commands

// CreateCommand appends a command; its sequence number is assigned by the database.
func (s *SQLiteDatabase) CreateCommand(ctx context.Context, commandType string, target *uuid.UUID, created time.Time) (*model.Command, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO commands (type, target, created_at) VALUES (?, ?, ?)`,
		commandType, nullableUUID(target), toUnix(created),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command: %w", err)
	}
	sequence, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading command sequence: %w", err)
	}
	return &model.Command{Sequence: sequence, Type: commandType, Target: target, Created: fromUnix(toUnix(created))}, nil
}

// ListCommands returns commands with a sequence number greater than after, in sequence order.
func (s *SQLiteDatabase) ListCommands(ctx context.Context, after int64) ([]*model.Command, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, type, target, created_at FROM commands WHERE sequence > ? ORDER BY sequence`, after)
	if err != nil {
		return nil, fmt.Errorf("listing commands: %w", err)
	}
	defer rows.Close()

	var result []*model.Command
	for rows.Next() {
		var (
			c       model.Command
			target  sql.NullString
			created int64
		)
		if err := rows.Scan(&c.Sequence, &c.Type, &target, &created); err != nil {
			return nil, fmt.Errorf("reading command: %w", err)
		}
		if c.Target, err = parseNullableUUID(target); err != nil {
			return nil, err
		}
		c.Created = fromUnix(created)
		result = append(result, &c)
	}
	return result, rows.Err()
}

// Operations

func (s *SQLiteDatabase) StartOperation(ctx context.Context, id uuid.UUID, kind string, definition *uuid.UUID, started time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operations (id, kind, definition_id, started_at) VALUES (?, ?, ?, ?)`,
		id.String(), kind, nullableUUID(definition), toUnix(started),
	)
	if err != nil {
		return fmt.Errorf("starting operation: %w", err)
	}
	return nil
}

func (s *SQLiteDatabase) RecordOperationEvent(ctx context.Context, event OperationEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operation_events (operation_id, event, path, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		event.Operation.String(), event.Event, event.Path, event.Detail, toUnix(event.Created),
	)
	if err != nil {
		return fmt.Errorf("recording operation event: %w", err)
	}
	return nil
}

// CompleteOperation marks an operation finished; an empty failure means success.
func (s *SQLiteDatabase) CompleteOperation(ctx context.Context, id uuid.UUID, completed time.Time, failure string) error {
	var failureValue sql.NullString
	if failure != "" {
		failureValue = sql.NullString{String: failure, Valid: true}
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE operations SET completed_at = ?, failure = ? WHERE id = ?`,
		toUnix(completed), failureValue, id.String(),
	)
	if err != nil {
		return fmt.Errorf("completing operation: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("completing operation: operation %s not found", id)
	}
	return nil
}

// ListOperations returns the most recent operations, newest first.
func (s *SQLiteDatabase) ListOperations(ctx context.Context, limit int) ([]*Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.id, o.kind, o.definition_id, o.started_at, o.completed_at, o.failure,
			(SELECT COUNT(*) FROM operation_events e WHERE e.operation_id = o.id)
		FROM operations o
		ORDER BY o.started_at DESC, o.rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var result []*Operation
	for rows.Next() {
		var (
			op                  Operation
			id                  string
			definition, failure sql.NullString
			started             int64
			completed           sql.NullInt64
		)
		if err := rows.Scan(&id, &op.Kind, &definition, &started, &completed, &failure, &op.Events); err != nil {
			return nil, fmt.Errorf("reading operation: %w", err)
		}
		if op.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("invalid operation id %q: %w", id, err)
		}
		if op.Definition, err = parseNullableUUID(definition); err != nil {
			return nil, err
		}
		op.Started = fromUnix(started)
		if completed.Valid {
			t := fromUnix(completed.Int64)
			op.Completed = &t
		}
		op.Failure = failure.String
		result = append(result, &op)
	}
	return result, rows.Err()
}

// ListOperationEvents returns the events of an operation in the order they were recorded.
func (s *SQLiteDatabase) ListOperationEvents(ctx context.Context, operation uuid.UUID) ([]*OperationEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event, path, detail, created_at FROM operation_events WHERE operation_id = ? ORDER BY id`,
		operation.String())
	if err != nil {
		return nil, fmt.Errorf("listing operation events: %w", err)
	}
	defer rows.Close()

	var result []*OperationEvent
	for rows.Next() {
		e := OperationEvent{Operation: operation}
		var created int64
		if err := rows.Scan(&e.Event, &e.Path, &e.Detail, &created); err != nil {
			return nil, fmt.Errorf("reading operation event: %w", err)
		}
		e.Created = fromUnix(created)
		result = append(result, &e)
	}
	return result, rows.Err()
}

func toUnix(t time.Time) int64 {
	return t.UnixNano()
}

func fromUnix(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

func nullableUUID(id *uuid.UUID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func parseNullableUUID(s sql.NullString) (*uuid.UUID, error) {
	if !s.Valid {
		return nil, nil
	}
	id, err := uuid.Parse(s.String)
	if err != nil {
		return nil, fmt.Errorf("invalid id %q: %w", s.String, err)
	}
	return &id, nil
}
