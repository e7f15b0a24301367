package core

import (
	"errors"
	"fmt"
)

var (
	// ErrPoolSaturated is returned by Spawn when every task slot is in use.
	// It is a backpressure signal: retry later or reject the work.
	ErrPoolSaturated = errors.New("coro: task pool saturated")

	// ErrCapacityExceeded means a call stack hit its maximum depth. The task
	// that tried to push is terminated; siblings are unaffected.
	ErrCapacityExceeded = errors.New("coro: call stack capacity exceeded")

	// ErrAllocationFailure means the pool or a backend could not obtain its
	// backing storage.
	ErrAllocationFailure = errors.New("coro: allocation failure")

	// ErrRegistrationFailure means the reactor rejected an I/O registration.
	ErrRegistrationFailure = errors.New("coro: reactor registration failed")

	ErrCoroutinePanic  = errors.New("coro: coroutine panicked")
	ErrKilled          = errors.New("coro: task killed")
	ErrNilCoroutine    = errors.New("coro: nil coroutine")
	ErrSchedulerClosed = errors.New("coro: scheduler closed")
	ErrLoopRunning     = errors.New("coro: loop already running")
	ErrTaskNotFound    = errors.New("coro: task not found")
	ErrNotLeased       = errors.New("coro: task slot is not leased")

	// ErrCoroutine matches every CoroutineError via errors.Is.
	ErrCoroutine = errors.New("coro: coroutine error")
)

// CoroutineError carries an application error code set by a coroutine with
// Task.Throw and left uncleared when the task terminated.
type CoroutineError struct {
	Errno int
}

func (e *CoroutineError) Error() string {
	return fmt.Sprintf("coro: coroutine error %d", e.Errno)
}

// Is makes errors.Is(err, ErrCoroutine) true for any CoroutineError.
func (e *CoroutineError) Is(target error) bool {
	return target == ErrCoroutine
}
