package stasis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OperationFunc is the body of an operation run by the Executor.
type OperationFunc func(ctx context.Context, operation uuid.UUID) error

// OperationStatus describes the active or most recent operation.
type OperationStatus struct {
	ID        uuid.UUID
	Kind      string
	Started   time.Time
	Completed *time.Time
	Running   bool
	Err       error
}

// retainedExecutions is the number of finished operations Wait still knows about.
const retainedExecutions = 16

// Executor runs at most one operation at a time.
type Executor struct {
	clock  Clock
	ids    IDGenerator
	logger Logger

	mu         sync.Mutex
	current    *execution
	executions map[uuid.UUID]*execution
	finished   []uuid.UUID // oldest first
}

type execution struct {
	status OperationStatus
	cancel context.CancelFunc
	done   chan struct{}
}

// NewExecutor creates an executor with no active operation.
func NewExecutor(clock Clock, ids IDGenerator, logger Logger) *Executor {
	return &Executor{clock: clock, ids: ids, logger: logger, executions: map[uuid.UUID]*execution{}}
}

// Start runs fn in the background under a new operation ID. It returns
// ErrOperationRunning if another operation has not finished yet.
func (e *Executor) Start(ctx context.Context, kind string, fn OperationFunc) (uuid.UUID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current != nil && e.current.status.Running {
		return uuid.Nil, ErrOperationRunning
	}

	opCtx, cancel := context.WithCancel(ctx)
	exec := &execution{
		status: OperationStatus{
			ID:      e.ids.New(),
			Kind:    kind,
			Started: e.clock.Now(),
			Running: true,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	e.current = exec
	e.executions[exec.status.ID] = exec

	e.logger.Info("operation started", "operation", exec.status.ID, "kind", kind)

	go func() {
		defer close(exec.done)
		defer cancel()

		err := fn(opCtx, exec.status.ID)

		e.mu.Lock()
		completed := e.clock.Now()
		exec.status.Completed = &completed
		exec.status.Running = false
		exec.status.Err = err
		e.retire(exec.status.ID)
		e.mu.Unlock()

		if err != nil {
			e.logger.Error("operation failed", "operation", exec.status.ID, "kind", kind, "error", err)
		} else {
			e.logger.Info("operation completed", "operation", exec.status.ID, "kind", kind)
		}
	}()

	return exec.status.ID, nil
}

// Stop cancels the active operation, if any. It does not wait for it to finish.
func (e *Executor) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current != nil && e.current.status.Running {
		e.logger.Info("operation stop requested", "operation", e.current.status.ID)
		e.current.cancel()
	}
}

// Status returns the active or most recent operation; false if none was started.
func (e *Executor) Status() (OperationStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current == nil {
		return OperationStatus{}, false
	}
	return e.current.status, true
}

// retire records operation as finished, dropping the oldest finished
// operations beyond retainedExecutions. Callers hold e.mu.
func (e *Executor) retire(operation uuid.UUID) {
	e.finished = append(e.finished, operation)
	for len(e.finished) > retainedExecutions {
		delete(e.executions, e.finished[0])
		e.finished = e.finished[1:]
	}
}

// Wait blocks until the given operation finishes and returns its error. It
// returns ErrUnknownOperation for operations that were never started or that
// finished too long ago to be remembered.
func (e *Executor) Wait(operation uuid.UUID) error {
	e.mu.Lock()
	exec, ok := e.executions[operation]
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOperation, operation)
	}
	<-exec.done

	e.mu.Lock()
	defer e.mu.Unlock()
	return exec.status.Err
}
