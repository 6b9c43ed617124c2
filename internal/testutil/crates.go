package testutil

import (
	"context"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/sndnv/stasis-sub004/internal/crates"
	"github.com/sndnv/stasis-sub004/internal/model"
)

// RecordingCrateStore is an in-memory crate store that records every call and
// can be told to fail pushes and pulls. Like a networked store it gives up
// once the context is done.
type RecordingCrateStore struct {
	*crates.MemoryStore

	mu       sync.Mutex
	reserved []model.CrateStorageRequest
	pushed   []uuid.UUID
	pulled   []uuid.UUID
	// FailPush, when set, is consulted before every push.
	FailPush func(pushes int) error
	// FailPull, when set, is consulted before every pull.
	FailPull func(crate uuid.UUID) error
}

// NewRecordingCrateStore creates an empty store.
func NewRecordingCrateStore() *RecordingCrateStore {
	return &RecordingCrateStore{MemoryStore: crates.NewMemoryStore(uuid.Nil)}
}

func (s *RecordingCrateStore) Reserve(ctx context.Context, request model.CrateStorageRequest) (*model.CrateStorageReservation, error) {
	s.mu.Lock()
	s.reserved = append(s.reserved, request)
	s.mu.Unlock()
	return s.MemoryStore.Reserve(ctx, request)
}

func (s *RecordingCrateStore) Push(ctx context.Context, crate uuid.UUID, r io.Reader) error {
	s.mu.Lock()
	fail := s.FailPush
	pushes := len(s.pushed)
	s.mu.Unlock()

	if fail != nil {
		if err := fail(pushes); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.MemoryStore.Push(ctx, crate, r); err != nil {
		return err
	}

	s.mu.Lock()
	s.pushed = append(s.pushed, crate)
	s.mu.Unlock()
	return nil
}

func (s *RecordingCrateStore) Pull(ctx context.Context, crate uuid.UUID) (io.ReadCloser, error) {
	s.mu.Lock()
	s.pulled = append(s.pulled, crate)
	fail := s.FailPull
	s.mu.Unlock()

	if fail != nil {
		if err := fail(crate); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.MemoryStore.Pull(ctx, crate)
}

// Reserved returns the reservation requests received so far.
func (s *RecordingCrateStore) Reserved() []model.CrateStorageRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.CrateStorageRequest(nil), s.reserved...)
}

// Pushed returns the crates successfully pushed so far.
func (s *RecordingCrateStore) Pushed() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uuid.UUID(nil), s.pushed...)
}

// Pulled returns the crates requested so far.
func (s *RecordingCrateStore) Pulled() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uuid.UUID(nil), s.pulled...)
}

// Reset forgets all recorded calls; stored crates are kept.
func (s *RecordingCrateStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserved = nil
	s.pushed = nil
	s.pulled = nil
}
