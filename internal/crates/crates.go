// Package crates stores encrypted crates (file parts and dataset metadata).
// Every store requires a reservation before a crate can be pushed.
package crates

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sndnv/stasis-sub004/internal/model"
)

// DefaultReservationTTL is how long a reservation remains usable.
const DefaultReservationTTL = time.Hour

var (
	// ErrCrateNotFound is returned when pulling a crate that does not exist.
	ErrCrateNotFound = errors.New("crate not found")
	// ErrNoReservation is returned when pushing a crate without a valid reservation.
	ErrNoReservation = errors.New("no reservation for crate")
)

// reservations tracks the outstanding reservations of a single store node.
type reservations struct {
	mu      sync.Mutex
	node    uuid.UUID
	ttl     time.Duration
	now     func() time.Time
	pending map[uuid.UUID]model.CrateStorageReservation
}

func newReservations(node uuid.UUID) *reservations {
	return &reservations{
		node:    node,
		ttl:     DefaultReservationTTL,
		now:     time.Now,
		pending: map[uuid.UUID]model.CrateStorageReservation{},
	}
}

func (r *reservations) reserve(request model.CrateStorageRequest) (*model.CrateStorageReservation, error) {
	if request.Size < 0 {
		return nil, fmt.Errorf("invalid crate size: %d", request.Size)
	}
	if request.Copies < 1 {
		return nil, fmt.Errorf("invalid number of copies: %d", request.Copies)
	}

	reservation := model.CrateStorageReservation{
		ID:         uuid.New(),
		Crate:      request.Crate,
		Size:       request.Size,
		Copies:     request.Copies,
		Origin:     request.Origin,
		Target:     r.node,
		Expiration: r.now().Add(r.ttl),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[request.Crate] = reservation
	return &reservation, nil
}

// take consumes the reservation for a crate.
func (r *reservations) take(crate uuid.UUID) (model.CrateStorageReservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reservation, ok := r.pending[crate]
	if !ok {
		return model.CrateStorageReservation{}, fmt.Errorf("%w: %s", ErrNoReservation, crate)
	}
	delete(r.pending, crate)

	if r.now().After(reservation.Expiration) {
		return model.CrateStorageReservation{}, fmt.Errorf("%w: reservation for %s expired", ErrNoReservation, crate)
	}
	return reservation, nil
}

// sizeCheckingReader fails once more bytes than expected are read and at EOF
// when fewer were read.
type sizeCheckingReader struct {
	r        io.Reader
	expected int64
	read     int64
}

func (s *sizeCheckingReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	s.read += int64(n)
	if s.read > s.expected {
		return n, fmt.Errorf("size mismatch: expected %d bytes, got more", s.expected)
	}
	if err == io.EOF && s.read != s.expected {
		return n, fmt.Errorf("size mismatch: expected %d bytes, got %d", s.expected, s.read)
	}
	return n, err
}
