package cororunner

import "github.com/Swind/go-coro-runner/core"

// Re-export commonly used types from core package for convenience.
// This allows users to import only the cororunner package for most use cases.

// Coroutine is a resumable function driven by the scheduler
type Coroutine = core.Coroutine

// Task is the slot a coroutine runs on
type Task = core.Task

// Result is what a coroutine returns from one step
type Result = core.Result

// TaskHandle observes a spawned task
type TaskHandle = core.TaskHandle

// TaskStatus is a task lifecycle bit
type TaskStatus = core.TaskStatus

// Scheduler is the event loop over a task pool and a reactor
type Scheduler = core.Scheduler

// SchedulerConfig configures New
type SchedulerConfig = core.SchedulerConfig

// SchedulerStats is a snapshot returned by Scheduler.Stats
type SchedulerStats = core.SchedulerStats

// Backend selects the reactor implementation
type Backend = core.Backend

// Flags toggle optional scheduler behaviour
type Flags = core.Flags

// Module hooks into the event loop
type Module = core.Module

// ModuleFuncs adapts plain functions to Module
type ModuleFuncs = core.ModuleFuncs

const (
	ResultPending = core.ResultPending
	ResultDone    = core.ResultDone
	ResultError   = core.ResultError
)

const (
	BackendEpoll  = core.BackendEpoll
	BackendRing   = core.BackendRing
	BackendCustom = core.BackendCustom
)

const (
	FlagNone   = core.FlagNone
	FlagSignal = core.FlagSignal
)

// Errors returned by the scheduler
var (
	ErrPoolSaturated       = core.ErrPoolSaturated
	ErrCapacityExceeded    = core.ErrCapacityExceeded
	ErrAllocationFailure   = core.ErrAllocationFailure
	ErrRegistrationFailure = core.ErrRegistrationFailure
	ErrCoroutinePanic      = core.ErrCoroutinePanic
	ErrKilled              = core.ErrKilled
	ErrSchedulerClosed     = core.ErrSchedulerClosed
)

// Typed adapts a coroutine with a concrete state type
func Typed[S any](fn func(t *Task, state S) Result) Coroutine {
	return core.Typed(fn)
}
