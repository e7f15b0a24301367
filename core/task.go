package core

import (
	"fmt"
	"time"

	"github.com/Swind/go-coro-runner/reactor"
)

// Result is what a coroutine returns from one step.
type Result int

const (
	// ResultPending means the coroutine suspended: it awaited a child,
	// filed an I/O registration or yielded.
	ResultPending Result = iota

	// ResultDone means the current frame completed. The parent frame, if
	// any, resumes on the next pass and can inspect Task.Errno.
	ResultDone

	// ResultError is a fatal error: the whole call stack is unwound without
	// resuming any parent frame.
	ResultError
)

func (r Result) String() string {
	switch r {
	case ResultPending:
		return "pending"
	case ResultDone:
		return "done"
	case ResultError:
		return "error"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// PointFinally is the resume point of a frame's cleanup pass. See
// Task.Finally.
const PointFinally = -1

// Coroutine is a resumable function. Each call runs from the resume point
// returned by t.Point() until the next suspension or completion; locals
// that must survive a suspension belong in state.
//
//	func echo(t *core.Task, state any) core.Result {
//		c := state.(*conn)
//		switch t.Point() {
//		case 0:
//			return t.Submit(1, reactor.Read(c.fd, c.buf))
//		case 1:
//			...
//		}
//		return t.Return()
//	}
//
// A step should call at most one suspension helper.
type Coroutine func(t *Task, state any) Result

// Typed adapts a coroutine with a concrete state type. A state of another
// type is passed as the zero value of S.
func Typed[S any](fn func(t *Task, state S) Result) Coroutine {
	return func(t *Task, state any) Result {
		s, _ := state.(S)
		return fn(t, s)
	}
}

// Task is one pool slot: a call stack of coroutine frames plus its status
// and error code. Tasks are owned by the scheduler; coroutines only see the
// task they are running on.
type Task struct {
	id        int
	gen       uint32
	stepGen   uint32
	finishing bool
	status    TaskStatus
	errno     int
	err       error
	ioResult  int32
	stack     CallStack
	sched     *Scheduler
	handle    *TaskHandle
	name      string
	steps     int
	spawnedAt time.Time
}

// ID returns the slot index of the task.
func (t *Task) ID() int { return t.id }

// Name returns the name the task was spawned with.
func (t *Task) Name() string { return t.name }

// Status returns the current status.
func (t *Task) Status() TaskStatus { return t.status }

// Depth returns the number of frames on the call stack.
func (t *Task) Depth() int { return t.stack.Len() }

// Scheduler returns the scheduler running the task, so coroutines can
// spawn siblings.
func (t *Task) Scheduler() *Scheduler { return t.sched }

// Point returns the resume point of the running frame. It is 0 the first
// time a frame runs.
func (t *Task) Point() int {
	if f := t.stack.Peek(); f != nil {
		return f.point
	}
	return 0
}

// detached reports whether the task was killed during the running step,
// in which case its slot may already belong to another task.
func (t *Task) detached() bool {
	return t.status == StatusIdle || t.gen != t.stepGen
}

// canSuspend reports whether a suspension helper may touch the task.
func (t *Task) canSuspend() bool {
	return !t.detached() && !t.finishing
}

func (t *Task) suspendAt(point int) {
	if f := t.stack.Peek(); f != nil {
		f.point = point
	}
}

// Await suspends the running frame at point and pushes a child frame for
// coro. The parent resumes at point once the child completes. Exceeding the
// call stack depth is fatal to the task.
func (t *Task) Await(point int, coro Coroutine, state any) Result {
	if !t.canSuspend() {
		return ResultError
	}
	if coro == nil {
		return t.Fail(ErrNilCoroutine)
	}
	t.suspendAt(point)
	if err := t.stack.Push(coro, state); err != nil {
		return t.Fail(err)
	}
	return ResultPending
}

// Submit suspends the running frame at point and files op with the
// reactor. The frame resumes at point once the operation completes, with
// the outcome available from IOResult. A rejected registration is fatal to
// the task.
func (t *Task) Submit(point int, op reactor.Op) Result {
	if !t.canSuspend() {
		return ResultError
	}
	if t.sched == nil {
		return t.Fail(fmt.Errorf("%w: task is not scheduled", ErrRegistrationFailure))
	}
	t.suspendAt(point)
	if err := t.sched.register(t, op); err != nil {
		return t.Fail(err)
	}
	return ResultPending
}

// WaitFD suspends at point until fd reports any of events. IOResult then
// holds the returned events.
func (t *Task) WaitFD(point int, fd int, events reactor.Event) Result {
	return t.Submit(point, reactor.Poll(fd, events))
}

// Sleep suspends at point for d.
func (t *Task) Sleep(point int, d time.Duration) Result {
	return t.Submit(point, reactor.Timeout(d))
}

// Yield suspends at point and resumes on the next pass.
func (t *Task) Yield(point int) Result {
	if !t.canSuspend() {
		return ResultError
	}
	t.suspendAt(point)
	return ResultPending
}

// Return completes the running frame. The error code is left untouched, so
// an error that reached this frame and was not cleared stays visible to the
// parent and to the task handle.
func (t *Task) Return() Result {
	return ResultDone
}

// Throw sets the error code and completes the running frame. The parent
// frame decides whether to clear or rethrow it.
func (t *Task) Throw(errno int) Result {
	if !t.detached() {
		t.errno = errno
	}
	return ResultDone
}

// Rethrow completes the running frame and passes the current error code on
// to the parent.
func (t *Task) Rethrow() Result {
	return ResultDone
}

// Fail terminates the task: its stack is unwound without resuming any
// parent frame and err is reported on the task handle.
func (t *Task) Fail(err error) Result {
	if t.detached() {
		return ResultError
	}
	if err == nil {
		err = &CoroutineError{Errno: t.errno}
	}
	t.err = err
	return ResultError
}

// Finally arms a cleanup pass for the running frame. When the frame
// completes, or the task fails, the coroutine is called once more with
// Point() == PointFinally before the frame is dropped. During that call
// Status reports StatusTerminating if the task is ending, and suspension
// helpers return ResultError. Kill skips cleanup passes.
func (t *Task) Finally() {
	if f := t.stack.Peek(); f != nil && !t.finishing {
		f.finally = true
	}
}

// Errno returns the current error code, 0 meaning no error.
func (t *Task) Errno() int { return t.errno }

// HasError reports whether the error code is set.
func (t *Task) HasError() bool { return t.errno != 0 }

// IsError reports whether the error code is set and equals errno.
func (t *Task) IsError(errno int) bool { return t.errno != 0 && t.errno == errno }

// ClearError resets the error code.
func (t *Task) ClearError() { t.errno = 0 }

// IOResult returns the outcome of the last completed reactor operation:
// events for a poll, a byte count for reads and writes, 0 for timers and a
// negative errno on failure.
func (t *Task) IOResult() int32 { return t.ioResult }

// IOError returns the last operation's failure as an error, or nil.
func (t *Task) IOError() error {
	return reactor.Completion{Task: t.id, Result: t.ioResult}.Err()
}
