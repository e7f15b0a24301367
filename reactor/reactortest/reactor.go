// Package reactortest provides a scripted, in-memory reactor.Reactor for
// exercising the scheduler without kernel I/O.
package reactortest

import (
	"sync/atomic"
	"time"

	"github.com/Swind/go-coro-runner/reactor"
)

// Reactor records registrations and delivers completions only when told to,
// either through Complete or through the Resolve and OnPoll hooks.
type Reactor struct {
	// Resolve, when set, completes every pending registration on the next
	// Poll, in registration order, with the returned result.
	Resolve func(task int, op reactor.Op) int32

	// OnPoll runs at the start of every Poll with the requested timeout.
	OnPoll func(r *Reactor, timeout time.Duration)

	// RegisterErr, when set, is returned by Register.
	RegisterErr error

	regs   map[int]reactor.Op
	order  []int
	queued []reactor.Completion

	Polls    int
	Timeouts []time.Duration
	Closed   bool

	wakes atomic.Int64
}

var _ reactor.Reactor = (*Reactor)(nil)

// New returns an empty scripted reactor.
func New() *Reactor {
	return &Reactor{regs: make(map[int]reactor.Op)}
}

// Name implements reactor.Reactor.
func (r *Reactor) Name() string { return "scripted" }

// Pending implements reactor.Reactor.
func (r *Reactor) Pending() int { return len(r.regs) }

// Op returns the pending registration of task.
func (r *Reactor) Op(task int) (reactor.Op, bool) {
	op, ok := r.regs[task]
	return op, ok
}

// Register implements reactor.Reactor.
func (r *Reactor) Register(task int, op reactor.Op) error {
	if r.Closed {
		return reactor.ErrClosed
	}
	if r.RegisterErr != nil {
		return r.RegisterErr
	}
	if _, ok := r.regs[task]; ok {
		return reactor.ErrDuplicate
	}
	r.regs[task] = op
	r.order = append(r.order, task)
	return nil
}

// Unregister implements reactor.Reactor.
func (r *Reactor) Unregister(task int) error {
	r.drop(task)
	return nil
}

func (r *Reactor) drop(task int) bool {
	if _, ok := r.regs[task]; !ok {
		return false
	}
	delete(r.regs, task)
	for i, t := range r.order {
		if t == task {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Complete queues a completion for the pending registration of task. It
// reports false when task has nothing pending.
func (r *Reactor) Complete(task int, result int32) bool {
	if !r.drop(task) {
		return false
	}
	r.queued = append(r.queued, reactor.Completion{Task: task, Result: result})
	return true
}

// Poll implements reactor.Reactor.
func (r *Reactor) Poll(timeout time.Duration, dst []reactor.Completion) ([]reactor.Completion, error) {
	if r.Closed {
		return dst, reactor.ErrClosed
	}
	r.Polls++
	r.Timeouts = append(r.Timeouts, timeout)

	if r.OnPoll != nil {
		r.OnPoll(r, timeout)
	}
	if r.Resolve != nil {
		for _, task := range append([]int(nil), r.order...) {
			r.Complete(task, r.Resolve(task, r.regs[task]))
		}
	}

	dst = append(dst, r.queued...)
	r.queued = r.queued[:0]
	return dst, nil
}

// Wake implements reactor.Reactor. It is safe to call from any goroutine.
func (r *Reactor) Wake() error {
	r.wakes.Add(1)
	return nil
}

// Wakes returns how many times Wake has been called.
func (r *Reactor) Wakes() int64 { return r.wakes.Load() }

// Close implements reactor.Reactor.
func (r *Reactor) Close() error {
	r.Closed = true
	return nil
}
