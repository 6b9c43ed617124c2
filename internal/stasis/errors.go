package stasis

import (
	"errors"
	"fmt"
)

var (
	// ErrOperationRunning is returned when starting an operation while another one is active.
	ErrOperationRunning = errors.New("an operation is already running")
	// ErrUnknownOperation is returned when waiting for an operation the executor does not know.
	ErrUnknownOperation = errors.New("unknown operation")
	// ErrNoDatasetEntry is returned when recovery finds no entry to recover from.
	ErrNoDatasetEntry = errors.New("no dataset entry found")
	// ErrFileChanged is returned when a file is modified while it is being backed up.
	ErrFileChanged = errors.New("file changed during backup")
)

// EntityError attaches the path of the entity being processed to an error.
type EntityError struct {
	Path string
	Err  error
}

func (e *EntityError) Error() string {
	return fmt.Sprintf("entity %s: %v", e.Path, e.Err)
}

func (e *EntityError) Unwrap() error {
	return e.Err
}

func entityError(path string, err error) error {
	var existing *EntityError
	if errors.As(err, &existing) && existing.Path == path {
		return err
	}
	return &EntityError{Path: path, Err: err}
}
