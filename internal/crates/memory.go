package crates

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/sndnv/stasis-sub004/internal/model"
)

// MemoryStore keeps crates in memory. It is safe for concurrent use.
type MemoryStore struct {
	reservations *reservations
	mu           sync.RWMutex
	crates       map[uuid.UUID][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(node uuid.UUID) *MemoryStore {
	return &MemoryStore{reservations: newReservations(node), crates: map[uuid.UUID][]byte{}}
}

func (m *MemoryStore) Reserve(_ context.Context, request model.CrateStorageRequest) (*model.CrateStorageReservation, error) {
	return m.reservations.reserve(request)
}

func (m *MemoryStore) Push(ctx context.Context, crate uuid.UUID, r io.Reader) error {
	reservation, err := m.reservations.take(crate)
	if err != nil {
		return err
	}

	data, err := io.ReadAll(&sizeCheckingReader{r: &contextReader{ctx: ctx, r: r}, expected: reservation.Size})
	if err != nil {
		return fmt.Errorf("failed to read crate %s: %w", crate, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.crates[crate] = data
	return nil
}

func (m *MemoryStore) Pull(_ context.Context, crate uuid.UUID) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.crates[crate]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCrateNotFound, crate)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *MemoryStore) Discard(_ context.Context, crate uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.crates, crate)
	return nil
}

// Len returns the number of stored crates.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.crates)
}
