package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	goerrors "github.com/go-errors/errors"
	"github.com/hashicorp/go-multierror"

	"github.com/Swind/go-coro-runner/reactor"
)

// Scheduler runs coroutines cooperatively on a single goroutine. Every pass
// steps each RUNNING task once in slot order, then polls the reactor and
// moves tasks whose I/O completed back to RUNNING.
//
// Spawn, Kill and KillAll must be called from the goroutine that runs Loop
// (usually from inside a coroutine or a Module hook) or while Loop is not
// running. Stats and RecentExits are safe from any goroutine.
type Scheduler struct {
	name        string
	pool        *Pool
	reactor     reactor.Reactor
	completions []reactor.Completion
	pollTimeout time.Duration
	flags       Flags
	modules     []Module

	// Handlers and Metrics
	logger              Logger
	panicHandler        PanicHandler
	metrics             Metrics
	rejectedTaskHandler RejectedTaskHandler

	history executionHistory

	inUse     atomic.Int64
	waiting   atomic.Int64
	pending   atomic.Int64
	spawned   atomic.Int64
	rejected  atomic.Int64
	exited    atomic.Int64
	failed    atomic.Int64
	panicked  atomic.Int64
	killed    atomic.Int64
	passes    atomic.Int64
	completed atomic.Int64

	// Lifecycle
	running atomic.Bool
	closed  atomic.Bool
}

// NewScheduler allocates the task pool and opens the configured reactor.
// A nil config uses DefaultSchedulerConfig.
func NewScheduler(config *SchedulerConfig) (*Scheduler, error) {
	cfg := config.withDefaults()

	pool, err := NewPool(cfg.MaxTasks, cfg.MaxDepth)
	if err != nil {
		return nil, err
	}

	r, err := newReactor(&cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s reactor: %w", ErrAllocationFailure, cfg.Backend, err)
	}

	s := &Scheduler{
		name:                cfg.Name,
		pool:                pool,
		reactor:             r,
		completions:         make([]reactor.Completion, 0, cfg.MaxTasks),
		pollTimeout:         cfg.PollTimeout,
		flags:               cfg.Flags,
		modules:             cfg.Modules,
		logger:              cfg.Logger,
		panicHandler:        cfg.PanicHandler,
		metrics:             cfg.Metrics,
		rejectedTaskHandler: cfg.RejectedTaskHandler,
	}
	s.history.init(cfg.HistorySize)

	s.logger.Debug("scheduler created",
		F("scheduler", s.name),
		F("backend", r.Name()),
		F("max_tasks", cfg.MaxTasks),
		F("max_depth", cfg.MaxDepth))
	return s, nil
}

// Name returns the configured scheduler name.
func (s *Scheduler) Name() string { return s.name }

// Backend returns the name of the reactor in use.
func (s *Scheduler) Backend() string { return s.reactor.Name() }

// Spawn leases a task slot for coro. It returns ErrPoolSaturated when every
// slot is in use; the caller should retry later or shed the work.
func (s *Scheduler) Spawn(coro Coroutine, state any) (*TaskHandle, error) {
	return s.SpawnNamed("", coro, state)
}

// SpawnNamed is Spawn with an explicit task name for logs, metrics and
// history. An empty name falls back to the coroutine's function name.
func (s *Scheduler) SpawnNamed(name string, coro Coroutine, state any) (*TaskHandle, error) {
	if coro == nil {
		return nil, ErrNilCoroutine
	}
	name = resolveTaskName(coro, name)

	if s.closed.Load() {
		s.reject(name, "closed")
		return nil, ErrSchedulerClosed
	}

	t := s.pool.Lease()
	if t == nil {
		s.reject(name, "saturated")
		return nil, fmt.Errorf("%w: %d/%d slots in use", ErrPoolSaturated, s.pool.Count(), s.pool.Cap())
	}
	if err := t.stack.Push(coro, state); err != nil {
		_ = s.pool.Release(t)
		return nil, err
	}

	t.sched = s
	t.name = name
	t.spawnedAt = time.Now()
	t.handle = newTaskHandle(t.id, name)

	s.spawned.Add(1)
	s.inUse.Store(int64(s.pool.Count()))
	s.metrics.RecordPoolInUse(s.name, s.pool.Count())
	s.logger.Debug("task spawned", F("scheduler", s.name), F("task", t.id), F("name", name))
	return t.handle, nil
}

func (s *Scheduler) reject(name, reason string) {
	s.rejected.Add(1)
	s.rejectedTaskHandler.HandleRejectedTask(s.name, name, reason)
	s.metrics.RecordTaskRejected(s.name, reason)
	s.logger.Warn("task rejected", F("scheduler", s.name), F("name", name), F("reason", reason))
}

// Loop runs passes until no task is left, ctx is done or the reactor fails.
// When it stops early every remaining task is killed and the cause is
// returned.
func (s *Scheduler) Loop(ctx context.Context) (err error) {
	if s.closed.Load() {
		return ErrSchedulerClosed
	}
	if !s.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer s.running.Store(false)

	if s.flags&FlagSignal != 0 {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
		defer stop()
	}
	stopWake := context.AfterFunc(ctx, func() {
		_ = s.reactor.Wake()
	})
	defer stopWake()

	s.logger.Info("scheduler loop started",
		F("scheduler", s.name),
		F("backend", s.reactor.Name()),
		F("tasks", s.pool.Count()))

	for _, m := range s.modules {
		m.LoopStart(s)
	}
	defer func() {
		for _, m := range s.modules {
			m.LoopEnd(s)
		}
		s.logger.Info("scheduler loop stopped", F("scheduler", s.name), F("passes", s.passes.Load()), F("error", err))
	}()

	for s.pool.Count() > 0 {
		if err = ctx.Err(); err != nil {
			break
		}

		s.pass()
		for _, m := range s.modules {
			m.Tick(s)
		}
		if s.pool.Count() == 0 {
			break
		}

		if err = s.poll(); err != nil {
			break
		}
	}

	if err != nil {
		s.KillAll()
	}
	return err
}

// pass steps every RUNNING task once, in slot order.
func (s *Scheduler) pass() {
	s.passes.Add(1)
	for t := s.pool.Find(nil, StatusRunning); t != nil; t = s.pool.Find(t, StatusRunning) {
		s.step(t)
	}
}

// step runs the top frame of t once and applies its result.
func (s *Scheduler) step(t *Task) {
	f := t.stack.Peek()
	if f == nil {
		s.finalize(t, OutcomeOK)
		return
	}
	coro, state := f.coro, f.state
	depth := t.stack.Len()
	gen := t.gen
	t.stepGen = gen

	start := time.Now()
	res, panicked := s.invoke(t, coro, state)
	s.metrics.RecordStepDuration(s.name, time.Since(start))

	// The coroutine killed its own task, possibly with the slot re-leased
	// by a Spawn in the same step.
	if t.detached() {
		return
	}
	t.steps++

	switch res {
	case ResultPending:
		return

	case ResultDone:
		s.dropRegistration(t)
		for t.stack.Len() >= depth {
			if s.cleanup(t, t.stack.Len() == 1) {
				panicked = true
			}
			if t.gen != gen || t.status == StatusIdle {
				return
			}
			t.stack.Pop()
		}
		if t.stack.IsEmpty() {
			outcome := OutcomeOK
			switch {
			case panicked:
				outcome = OutcomePanic
			case t.errno != 0 || t.err != nil:
				outcome = OutcomeError
			}
			s.finalize(t, outcome)
		}

	default:
		s.dropRegistration(t)
		if t.err == nil {
			t.err = fmt.Errorf("%w: unexpected result %v", ErrCoroutine, res)
		}
		for !t.stack.IsEmpty() {
			if s.cleanup(t, true) {
				panicked = true
			}
			if t.gen != gen || t.status == StatusIdle {
				return
			}
			t.stack.Pop()
		}
		outcome := OutcomeError
		if panicked {
			outcome = OutcomePanic
		}
		s.logger.Error("task failed",
			F("scheduler", s.name),
			F("task", t.id),
			F("name", t.name),
			F("depth", depth),
			F("error", t.err))
		s.finalize(t, outcome)
	}
}

// cleanup runs the cleanup pass of the top frame if it armed one. ending
// marks the task TERMINATING for the duration of the call. It reports
// whether the pass panicked.
func (s *Scheduler) cleanup(t *Task, ending bool) bool {
	f := t.stack.Peek()
	if f == nil || !f.finally {
		return false
	}
	f.finally = false
	f.point = PointFinally
	if ending {
		t.status = StatusTerminating
		t.handle.setStatus(StatusTerminating)
	}

	t.finishing = true
	_, panicked := s.invoke(t, f.coro, f.state)
	t.finishing = false
	return panicked
}

func (s *Scheduler) invoke(t *Task, coro Coroutine, state any) (res Result, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			stack := goerrors.Wrap(r, 2).Stack()
			s.panicked.Add(1)
			s.metrics.RecordTaskPanic(s.name, r)
			s.panicHandler.HandlePanic(s.name, t.id, r, stack)
			if !t.detached() && t.err == nil {
				t.err = fmt.Errorf("%w: %v", ErrCoroutinePanic, r)
			}
			res, panicked = ResultError, true
		}
	}()
	return coro(t, state), false
}

// register files op for t and moves it to WAITINGIO.
func (s *Scheduler) register(t *Task, op reactor.Op) error {
	if t.status != StatusRunning {
		return fmt.Errorf("%w: task %d is %v", ErrRegistrationFailure, t.id, t.status)
	}
	if err := s.reactor.Register(t.id, op); err != nil {
		return fmt.Errorf("%w: %v: %w", ErrRegistrationFailure, op, err)
	}
	t.status = StatusWaitingIO
	t.handle.setStatus(StatusWaitingIO)
	s.waiting.Add(1)
	s.pending.Store(int64(s.reactor.Pending()))
	return nil
}

// dropRegistration cancels a registration a terminating task still holds.
func (s *Scheduler) dropRegistration(t *Task) {
	if t.status != StatusWaitingIO {
		return
	}
	if err := s.reactor.Unregister(t.id); err != nil {
		s.logger.Warn("unregister failed", F("scheduler", s.name), F("task", t.id), F("error", err))
	}
	t.status = StatusRunning
	s.waiting.Add(-1)
	s.pending.Store(int64(s.reactor.Pending()))
}

// poll collects reactor completions. It blocks only when no task is
// RUNNING.
func (s *Scheduler) poll() error {
	timeout := s.pollTimeout
	if s.pool.Find(nil, StatusRunning) != nil {
		timeout = 0
	}

	var err error
	s.completions, err = s.reactor.Poll(timeout, s.completions[:0])
	if err != nil {
		return fmt.Errorf("reactor poll: %w", err)
	}
	s.pending.Store(int64(s.reactor.Pending()))
	if len(s.completions) == 0 {
		return nil
	}
	s.metrics.RecordCompletions(s.name, len(s.completions))
	s.completed.Add(int64(len(s.completions)))

	for _, c := range s.completions {
		t := s.pool.At(c.Task)
		if t == nil || t.status != StatusWaitingIO {
			s.logger.Debug("stale completion", F("scheduler", s.name), F("task", c.Task), F("result", c.Result))
			continue
		}
		t.ioResult = c.Result
		t.status = StatusRunning
		t.handle.setStatus(StatusRunning)
		s.waiting.Add(-1)
		s.logger.Debug("task resumed", F("scheduler", s.name), F("task", c.Task), F("result", c.Result))
	}
	return nil
}

// finalize moves t through TERMINATING and TERMINATED, publishes its exit
// on the handle and releases the slot.
func (s *Scheduler) finalize(t *Task, outcome string) {
	t.status = StatusTerminating
	t.handle.setStatus(StatusTerminating)

	errno, err := t.errno, t.err
	if err == nil && errno != 0 {
		err = &CoroutineError{Errno: errno}
	}
	t.stack.Unwind()
	t.status = StatusTerminated

	now := time.Now()
	s.history.Add(TaskExecutionRecord{
		TaskID:        t.id,
		Name:          t.name,
		SchedulerName: s.name,
		Steps:         t.steps,
		Errno:         errno,
		Err:           err,
		Outcome:       outcome,
		SpawnedAt:     t.spawnedAt,
		FinishedAt:    now,
		Duration:      now.Sub(t.spawnedAt),
	})
	s.exited.Add(1)
	switch outcome {
	case OutcomeError, OutcomePanic:
		s.failed.Add(1)
	case OutcomeKilled:
		s.killed.Add(1)
	}
	s.metrics.RecordTaskExit(s.name, outcome)
	s.logger.Debug("task exited",
		F("scheduler", s.name),
		F("task", t.id),
		F("name", t.name),
		F("outcome", outcome),
		F("errno", errno))

	h := t.handle
	if rerr := s.pool.Release(t); rerr != nil {
		s.logger.Error("release failed", F("scheduler", s.name), F("task", t.id), F("error", rerr))
	}
	s.inUse.Store(int64(s.pool.Count()))
	s.metrics.RecordPoolInUse(s.name, s.pool.Count())
	h.finish(errno, err)
}

func (s *Scheduler) terminate(t *Task, cause error) {
	s.dropRegistration(t)
	if t.err == nil {
		t.err = cause
	}
	s.finalize(t, OutcomeKilled)
}

// Kill terminates the task behind h immediately, unwinding its whole call
// stack without running any frame. It returns ErrTaskNotFound if the task
// has already exited.
func (s *Scheduler) Kill(h *TaskHandle) error {
	if h == nil {
		return ErrTaskNotFound
	}
	t := s.pool.At(h.id)
	if t == nil || t.handle != h || t.status == StatusIdle {
		return fmt.Errorf("%w: %d (%s)", ErrTaskNotFound, h.id, h.name)
	}
	s.terminate(t, ErrKilled)
	return nil
}

// KillAll terminates every task and returns how many were killed.
func (s *Scheduler) KillAll() int {
	n := 0
	for t := s.pool.Find(nil, StatusBusy); t != nil; t = s.pool.Find(t, StatusBusy) {
		s.terminate(t, ErrKilled)
		n++
	}
	if n > 0 {
		s.logger.Info("killed all tasks", F("scheduler", s.name), F("count", n))
	}
	return n
}

// Wake interrupts a blocked reactor poll so that the loop runs another pass
// and its Module ticks. It is safe to call from any goroutine.
func (s *Scheduler) Wake() error {
	return s.reactor.Wake()
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() SchedulerStats {
	stats := SchedulerStats{
		Name:      s.name,
		Backend:   s.reactor.Name(),
		Capacity:  s.pool.Cap(),
		InUse:     int(s.inUse.Load()),
		WaitingIO: int(s.waiting.Load()),
		Pending:   int(s.pending.Load()),
		Spawned:   s.spawned.Load(),
		Rejected:  s.rejected.Load(),
		Exited:    s.exited.Load(),
		Failed:    s.failed.Load(),
		Panicked:  s.panicked.Load(),
		Killed:    s.killed.Load(),
		Passes:    s.passes.Load(),
		Completed: s.completed.Load(),
		Running:   s.running.Load(),
		Closed:    s.closed.Load(),
	}
	if last, ok := s.history.Last(); ok {
		stats.LastTaskName = last.Name
		stats.LastTaskAt = last.FinishedAt
	}
	return stats
}

// RecentExits returns up to limit task exits, newest first. A limit of 0
// returns everything kept.
func (s *Scheduler) RecentExits(limit int) []TaskExecutionRecord {
	return s.history.Recent(limit)
}

// Close kills any remaining task and releases the reactor. It must not be
// called while Loop is running.
func (s *Scheduler) Close() error {
	if s.running.Load() {
		return ErrLoopRunning
	}
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.KillAll()

	var result *multierror.Error
	if n := s.reactor.Pending(); n > 0 {
		result = multierror.Append(result, fmt.Errorf("%d registrations still pending", n))
	}
	if err := s.reactor.Close(); err != nil && !errors.Is(err, reactor.ErrClosed) {
		result = multierror.Append(result, fmt.Errorf("close %s reactor: %w", s.reactor.Name(), err))
	}
	return result.ErrorOrNil()
}
