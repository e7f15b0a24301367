package cororunner

import (
	"context"
	"errors"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/Swind/go-coro-runner/core"
)

// ErrRunnerStopped is returned by Post once the runner has been stopped.
var ErrRunnerStopped = errors.New("cororunner: runner stopped")

// drainBatch bounds how many posted coroutines one tick spawns.
const drainBatch = 64

type postedTask struct {
	name  string
	coro  Coroutine
	state any
	reply chan<- PostResult
}

// PostResult reports what happened to a posted coroutine.
type PostResult struct {
	Handle *TaskHandle
	Err    error
}

// Runner drives a Scheduler on its own goroutine and accepts coroutines from
// any goroutine through Post. Unlike Scheduler.Loop it keeps running while
// the pool is empty, until Stop is called.
type Runner struct {
	sched  *core.Scheduler
	inbox  *core.FIFOQueue[postedTask]
	signal chan struct{}

	cancel    context.CancelFunc
	done      chan struct{}
	runErr    error
	running   bool
	runningMu sync.RWMutex
}

// NewRunner creates a scheduler from opts and wraps it. The runner adds a
// Module that drains posted work after every pass.
func NewRunner(opts ...Option) (*Runner, error) {
	r := &Runner{inbox: core.NewFIFOQueue[postedTask](), signal: make(chan struct{}, 1)}
	opts = append(opts, WithModules(core.ModuleFuncs{OnTick: r.drain}))
	s, err := New(opts...)
	if err != nil {
		return nil, err
	}
	r.sched = s
	return r, nil
}

// Scheduler returns the wrapped scheduler.
func (r *Runner) Scheduler() *Scheduler { return r.sched }

// Start runs the loop on a new goroutine. It is a no-op if already running.
func (r *Runner) Start(ctx context.Context) {
	r.runningMu.Lock()
	defer r.runningMu.Unlock()

	if r.running {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.running = true
	go r.run(ctx)
}

func (r *Runner) run(ctx context.Context) {
	defer close(r.done)
	for {
		r.drain(r.sched)
		if r.sched.Stats().InUse == 0 {
			if !r.inbox.IsEmpty() {
				continue
			}
			select {
			case <-r.signal:
				continue
			case <-ctx.Done():
				return
			}
		}
		if err := r.sched.Loop(ctx); err != nil {
			if !errors.Is(err, context.Canceled) {
				r.runErr = err
			}
			return
		}
	}
}

// Post queues coro to be spawned on the loop goroutine. The returned
// channel receives the spawn outcome, including ErrPoolSaturated.
func (r *Runner) Post(name string, coro Coroutine, state any) (<-chan PostResult, error) {
	reply := make(chan PostResult, 1)

	if !r.inbox.Push(postedTask{name: name, coro: coro, state: state, reply: reply}) {
		return nil, ErrRunnerStopped
	}

	select {
	case r.signal <- struct{}{}:
	default:
		// Signal channel full, but the task is already queued
	}
	if err := r.sched.Wake(); err != nil {
		return reply, err
	}
	return reply, nil
}

// drain spawns up to drainBatch posted coroutines. It runs on the loop
// goroutine.
func (r *Runner) drain(s *core.Scheduler) {
	for _, p := range r.inbox.PopUpTo(drainBatch) {
		h, err := s.SpawnNamed(p.name, p.coro, p.state)
		p.reply <- PostResult{Handle: h, Err: err}
	}
}

// IsRunning returns whether the loop goroutine is active.
func (r *Runner) IsRunning() bool {
	r.runningMu.RLock()
	defer r.runningMu.RUnlock()
	return r.running
}

// Stop cancels the loop, kills remaining tasks, waits for the loop goroutine
// and closes the scheduler. Posts still queued are answered with
// ErrRunnerStopped.
func (r *Runner) Stop() error {
	rest := r.inbox.Close()

	r.runningMu.Lock()
	if r.running {
		r.cancel()
		<-r.done
		r.running = false
	}
	runErr := r.runErr
	r.runningMu.Unlock()

	var result *multierror.Error
	if runErr != nil {
		result = multierror.Append(result, runErr)
	}

	for _, p := range rest {
		p.reply <- PostResult{Err: ErrRunnerStopped}
	}

	if err := r.sched.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
