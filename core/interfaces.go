package core

import (
	"fmt"
	"time"

	"github.com/Swind/go-coro-runner/reactor"
)

// =============================================================================
// PanicHandler: Interface for handling coroutine panics
// =============================================================================

// PanicHandler is called when a coroutine panics during a step. The task is
// terminated afterwards with ErrCoroutinePanic.
//
// Handlers run on the loop goroutine and must not block.
type PanicHandler interface {
	// HandlePanic is called when a coroutine panics.
	//
	// Parameters:
	// - schedulerName: The name of the scheduler running the task
	// - taskID: The slot index of the task
	// - panicInfo: The panic value recovered from the coroutine
	// - stackTrace: The stack trace at the time of panic
	HandlePanic(schedulerName string, taskID int, panicInfo any, stackTrace []byte)
}

// DefaultPanicHandler provides a basic panic handler that logs to stdout.
type DefaultPanicHandler struct{}

// HandlePanic prints panic information to stdout.
func (h *DefaultPanicHandler) HandlePanic(schedulerName string, taskID int, panicInfo any, stackTrace []byte) {
	fmt.Printf("[Task %d @ %s] Panic: %v\nStack trace:\n%s",
		taskID, schedulerName, panicInfo, stackTrace)
}

// =============================================================================
// Metrics: Interface for observability and monitoring
// =============================================================================

// Task exit outcomes passed to Metrics.RecordTaskExit.
const (
	OutcomeOK     = "ok"
	OutcomeError  = "error"
	OutcomePanic  = "panic"
	OutcomeKilled = "killed"
)

// Metrics defines the interface for collecting scheduler metrics.
// Implementations can send metrics to monitoring systems (Prometheus, StatsD, etc.).
//
// Methods are called on the loop goroutine between steps and should be fast.
type Metrics interface {
	// RecordStepDuration records how long one coroutine step took.
	RecordStepDuration(schedulerName string, duration time.Duration)

	// RecordTaskPanic records that a coroutine panicked.
	RecordTaskPanic(schedulerName string, panicInfo any)

	// RecordPoolInUse records the number of leased task slots.
	RecordPoolInUse(schedulerName string, inUse int)

	// RecordTaskRejected records that Spawn refused a task.
	//
	// Parameters:
	// - schedulerName: The name of the scheduler
	// - reason: Why the task was rejected (e.g. "saturated", "closed")
	RecordTaskRejected(schedulerName string, reason string)

	// RecordTaskExit records a disposed task with one of the Outcome* values.
	RecordTaskExit(schedulerName string, outcome string)

	// RecordCompletions records how many reactor completions one poll returned.
	RecordCompletions(schedulerName string, count int)
}

// NilMetrics provides a no-op metrics implementation that does nothing.
// This is the default when no metrics interface is provided.
type NilMetrics struct{}

// RecordStepDuration is a no-op.
func (m *NilMetrics) RecordStepDuration(schedulerName string, duration time.Duration) {}

// RecordTaskPanic is a no-op.
func (m *NilMetrics) RecordTaskPanic(schedulerName string, panicInfo any) {}

// RecordPoolInUse is a no-op.
func (m *NilMetrics) RecordPoolInUse(schedulerName string, inUse int) {}

// RecordTaskRejected is a no-op.
func (m *NilMetrics) RecordTaskRejected(schedulerName string, reason string) {}

// RecordTaskExit is a no-op.
func (m *NilMetrics) RecordTaskExit(schedulerName string, outcome string) {}

// RecordCompletions is a no-op.
func (m *NilMetrics) RecordCompletions(schedulerName string, count int) {}

// =============================================================================
// RejectedTaskHandler: Interface for handling rejected spawns
// =============================================================================

// RejectedTaskHandler is called when Spawn refuses a task. This happens when:
// - Every task slot is leased (backpressure)
// - The scheduler is closed
type RejectedTaskHandler interface {
	// HandleRejectedTask is called when a task is rejected.
	//
	// Parameters:
	// - schedulerName: The name of the scheduler
	// - taskName: The name the task would have run under
	// - reason: Why the task was rejected (e.g. "saturated", "closed")
	HandleRejectedTask(schedulerName string, taskName string, reason string)
}

// DefaultRejectedTaskHandler discards rejections; Spawn already returns an
// error the caller must handle.
type DefaultRejectedTaskHandler struct{}

// HandleRejectedTask is a no-op.
func (h *DefaultRejectedTaskHandler) HandleRejectedTask(schedulerName string, taskName string, reason string) {
}

// =============================================================================
// Module: Hooks around the event loop
// =============================================================================

// Module is a plug-in driven by the event loop. LoopStart runs once before
// the first pass, Tick after every pass and LoopEnd once when Loop returns.
// Hooks run on the loop goroutine and may spawn tasks.
type Module interface {
	LoopStart(s *Scheduler)
	Tick(s *Scheduler)
	LoopEnd(s *Scheduler)
}

// ModuleFuncs adapts plain functions to Module. Nil hooks are skipped.
type ModuleFuncs struct {
	OnLoopStart func(s *Scheduler)
	OnTick      func(s *Scheduler)
	OnLoopEnd   func(s *Scheduler)
}

func (m ModuleFuncs) LoopStart(s *Scheduler) {
	if m.OnLoopStart != nil {
		m.OnLoopStart(s)
	}
}

func (m ModuleFuncs) Tick(s *Scheduler) {
	if m.OnTick != nil {
		m.OnTick(s)
	}
}

func (m ModuleFuncs) LoopEnd(s *Scheduler) {
	if m.OnLoopEnd != nil {
		m.OnLoopEnd(s)
	}
}

// =============================================================================
// SchedulerConfig: Configuration for Scheduler
// =============================================================================

// Backend selects the reactor implementation.
type Backend int

const (
	// BackendEpoll is the readiness multiplexer (epoll on Linux).
	BackendEpoll Backend = iota
	// BackendRing is the io_uring completion ring.
	BackendRing
	// BackendCustom uses SchedulerConfig.Reactor.
	BackendCustom
)

func (b Backend) String() string {
	switch b {
	case BackendEpoll:
		return "epoll"
	case BackendRing:
		return "uring"
	case BackendCustom:
		return "custom"
	default:
		return fmt.Sprintf("Backend(%d)", int(b))
	}
}

// ParseBackend maps a backend name to a Backend.
func ParseBackend(name string) (Backend, error) {
	switch name {
	case "epoll", "":
		return BackendEpoll, nil
	case "uring", "io_uring", "ring":
		return BackendRing, nil
	default:
		return 0, fmt.Errorf("unknown backend %q", name)
	}
}

// Flags toggle optional scheduler behaviour.
type Flags uint32

const (
	FlagNone Flags = 0
	// FlagSignal makes Loop stop and kill every task on SIGINT or SIGTERM.
	FlagSignal Flags = 1 << 0
)

// SchedulerConfig holds configuration options for Scheduler.
// All handlers are optional; if not provided, default implementations will be used.
type SchedulerConfig struct {
	// Name labels logs and metrics. Defaults to "scheduler".
	Name string

	// MaxTasks is the fixed number of task slots.
	MaxTasks int

	// MaxDepth bounds every task's call stack.
	MaxDepth int

	Backend Backend

	// Reactor is used when Backend is BackendCustom. The scheduler takes
	// ownership and closes it.
	Reactor reactor.Reactor

	// RingEntries sizes the io_uring submission queue. Must be a power of two.
	RingEntries int

	// EventBatch is how many readiness events epoll returns per wait.
	EventBatch int

	// PollTimeout bounds a reactor poll when every task waits on I/O.
	// Negative waits until a completion arrives or Loop's context is done;
	// zero never blocks.
	PollTimeout time.Duration

	Flags   Flags
	Modules []Module

	// HistorySize is how many task exits RecentExits keeps.
	HistorySize int

	// Logger defaults to NoOpLogger.
	Logger Logger

	// PanicHandler is called when a coroutine panics. Defaults to DefaultPanicHandler.
	PanicHandler PanicHandler

	// Metrics is called to record scheduler metrics. Defaults to NilMetrics.
	Metrics Metrics

	// RejectedTaskHandler is called when Spawn refuses a task. Defaults to DefaultRejectedTaskHandler.
	RejectedTaskHandler RejectedTaskHandler
}

// DefaultSchedulerConfig returns a config with default handlers.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		Name:                "scheduler",
		MaxTasks:            64,
		MaxDepth:            16,
		Backend:             BackendEpoll,
		RingEntries:         256,
		EventBatch:          64,
		PollTimeout:         -1,
		HistorySize:         defaultTaskHistoryCapacity,
		Logger:              NewNoOpLogger(),
		PanicHandler:        &DefaultPanicHandler{},
		Metrics:             &NilMetrics{},
		RejectedTaskHandler: &DefaultRejectedTaskHandler{},
	}
}

// withDefaults returns a copy of c with zero fields filled in.
func (c *SchedulerConfig) withDefaults() SchedulerConfig {
	def := DefaultSchedulerConfig()
	if c == nil {
		return *def
	}
	out := *c
	if out.Name == "" {
		out.Name = def.Name
	}
	if out.MaxTasks == 0 {
		out.MaxTasks = def.MaxTasks
	}
	if out.MaxDepth == 0 {
		out.MaxDepth = def.MaxDepth
	}
	if out.RingEntries == 0 {
		out.RingEntries = def.RingEntries
	}
	if out.EventBatch == 0 {
		out.EventBatch = def.EventBatch
	}
	if out.HistorySize == 0 {
		out.HistorySize = def.HistorySize
	}
	if out.Logger == nil {
		out.Logger = def.Logger
	}
	if out.PanicHandler == nil {
		out.PanicHandler = def.PanicHandler
	}
	if out.Metrics == nil {
		out.Metrics = def.Metrics
	}
	if out.RejectedTaskHandler == nil {
		out.RejectedTaskHandler = def.RejectedTaskHandler
	}
	return out
}
