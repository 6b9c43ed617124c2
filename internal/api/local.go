// Package api provides a local implementation of the server API, backed by the
// client database and crate store.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/sndnv/stasis-sub004/internal/encryption"
	"github.com/sndnv/stasis-sub004/internal/model"
	"github.com/sndnv/stasis-sub004/internal/stasis"
)

// ErrNotFound is returned when a requested definition or entry does not exist.
var ErrNotFound = errors.New("not found")

// Store is the persistence needed by LocalClient.
type Store interface {
	CreateDefinition(ctx context.Context, d *model.DatasetDefinition) error
	FindDefinition(ctx context.Context, id uuid.UUID) (*model.DatasetDefinition, error)
	ListDefinitions(ctx context.Context) ([]*model.DatasetDefinition, error)
	CreateEntry(ctx context.Context, e *model.DatasetEntry) error
	FindEntry(ctx context.Context, id uuid.UUID) (*model.DatasetEntry, error)
	LatestEntry(ctx context.Context, definition uuid.UUID, until *time.Time) (*model.DatasetEntry, error)
	ListEntries(ctx context.Context, definition uuid.UUID) ([]*model.DatasetEntry, error)
	ListCommands(ctx context.Context, after int64) ([]*model.Command, error)
	Ping(ctx context.Context) error
}

// CratePuller reads crates back from storage.
type CratePuller interface {
	Pull(ctx context.Context, crate uuid.UUID) (io.ReadCloser, error)
}

// LocalClient serves definitions, entries and commands from the local store.
// Dataset metadata is read from the metadata crate of an entry.
type LocalClient struct {
	store            Store
	crates           CratePuller
	secret           encryption.DeviceSecret
	maxPlaintextSize int64
	clock            stasis.Clock
	ids              stasis.IDGenerator
}

var _ stasis.ApiClient = (*LocalClient)(nil)

// NewLocalClient creates a client over the given store and crate storage.
func NewLocalClient(store Store, crates CratePuller, secret encryption.DeviceSecret, maxPlaintextSize int64, clock stasis.Clock, ids stasis.IDGenerator) *LocalClient {
	return &LocalClient{
		store:            store,
		crates:           crates,
		secret:           secret,
		maxPlaintextSize: maxPlaintextSize,
		clock:            clock,
		ids:              ids,
	}
}

// CreateDefinition records a new dataset definition, assigning its ID and creation time.
func (c *LocalClient) CreateDefinition(ctx context.Context, d model.DatasetDefinition) (*model.DatasetDefinition, error) {
	d.ID = c.ids.New()
	d.Created = c.clock.Now().UTC()
	if d.RedundantCopies < 1 {
		d.RedundantCopies = 1
	}
	if err := c.store.CreateDefinition(ctx, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// DatasetDefinitions returns all known definitions.
func (c *LocalClient) DatasetDefinitions(ctx context.Context) ([]*model.DatasetDefinition, error) {
	return c.store.ListDefinitions(ctx)
}

func (c *LocalClient) DatasetDefinition(ctx context.Context, id uuid.UUID) (*model.DatasetDefinition, error) {
	d, err := c.store.FindDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("dataset definition %s: %w", id, ErrNotFound)
	}
	return d, nil
}

// DatasetEntries returns the entries of a definition, newest first.
func (c *LocalClient) DatasetEntries(ctx context.Context, definition uuid.UUID) ([]*model.DatasetEntry, error) {
	return c.store.ListEntries(ctx, definition)
}

func (c *LocalClient) LatestEntry(ctx context.Context, definition uuid.UUID, until *time.Time) (*model.DatasetEntry, error) {
	return c.store.LatestEntry(ctx, definition, until)
}

func (c *LocalClient) DatasetEntry(ctx context.Context, id uuid.UUID) (*model.DatasetEntry, error) {
	e, err := c.store.FindEntry(ctx, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("dataset entry %s: %w", id, ErrNotFound)
	}
	return e, nil
}

func (c *LocalClient) DatasetMetadata(ctx context.Context, entry *model.DatasetEntry) (*model.DatasetMetadata, error) {
	r, err := c.crates.Pull(ctx, entry.Metadata)
	if err != nil {
		return nil, fmt.Errorf("pulling metadata crate %s: %w", entry.Metadata, err)
	}
	defer r.Close()

	return stasis.DecodeMetadata(r, c.secret, entry.Metadata, c.maxPlaintextSize)
}

func (c *LocalClient) CreateDatasetEntry(ctx context.Context, request model.CreateDatasetEntry) (uuid.UUID, error) {
	if _, err := c.DatasetDefinition(ctx, request.Definition); err != nil {
		return uuid.Nil, err
	}

	entry := &model.DatasetEntry{
		ID:         c.ids.New(),
		Definition: request.Definition,
		Device:     request.Device,
		Data:       request.Data,
		Metadata:   request.Metadata,
		Created:    c.clock.Now().UTC(),
	}
	if err := c.store.CreateEntry(ctx, entry); err != nil {
		return uuid.Nil, err
	}
	return entry.ID, nil
}

func (c *LocalClient) Commands(ctx context.Context, lastSequence *int64) ([]*model.Command, error) {
	var after int64
	if lastSequence != nil {
		after = *lastSequence
	}
	return c.store.ListCommands(ctx, after)
}

func (c *LocalClient) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}
