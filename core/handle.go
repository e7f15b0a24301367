package core

import (
	"sync"
	"sync/atomic"
)

// TaskHandle is returned by Spawn. It outlives the task's slot: once the
// task is disposed the handle keeps its final error code and error.
//
// Done, Errno, Err and Status are safe to call from any goroutine.
type TaskHandle struct {
	id   int
	name string
	done chan struct{}

	status atomic.Uint32

	mu    sync.Mutex
	errno int
	err   error
}

func newTaskHandle(id int, name string) *TaskHandle {
	h := &TaskHandle{id: id, name: name, done: make(chan struct{})}
	h.status.Store(uint32(StatusRunning))
	return h
}

// ID returns the slot index the task ran in. Slots are reused, so the id
// identifies the task only while Done is open.
func (h *TaskHandle) ID() int { return h.id }

// Name returns the task name.
func (h *TaskHandle) Name() string { return h.name }

// Done is closed once the task has terminated and its slot was released.
func (h *TaskHandle) Done() <-chan struct{} { return h.done }

// Status returns the last status the scheduler published for the task.
func (h *TaskHandle) Status() TaskStatus { return TaskStatus(h.status.Load()) }

// Errno returns the error code the task terminated with.
func (h *TaskHandle) Errno() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.errno
}

// Err returns why the task terminated: a fatal error, a *CoroutineError for
// a non-zero error code, or nil for a clean exit.
func (h *TaskHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *TaskHandle) setStatus(s TaskStatus) {
	h.status.Store(uint32(s))
}

func (h *TaskHandle) finish(errno int, err error) {
	h.mu.Lock()
	h.errno = errno
	h.err = err
	h.mu.Unlock()
	h.setStatus(StatusTerminated)
	close(h.done)
}
