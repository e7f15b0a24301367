package core

import (
	"errors"
	"syscall"
	"testing"
)

// TestTask_TypedZeroState tests that Typed passes a zero value for a
// mismatched state type
func TestTask_TypedZeroState(t *testing.T) {
	var got *int
	called := false
	coro := Typed(func(_ *Task, p *int) Result {
		called = true
		got = p
		return ResultDone
	})

	if res := coro(&Task{}, "not an int pointer"); res != ResultDone {
		t.Fatalf("result = %v, want done", res)
	}
	if !called || got != nil {
		t.Fatalf("called = %v, state = %v, want nil *int", called, got)
	}
}

// TestTask_ErrorHelpers tests errno bookkeeping on a bare task
func TestTask_ErrorHelpers(t *testing.T) {
	task := &Task{}

	if res := task.Throw(3); res != ResultDone {
		t.Fatalf("Throw() = %v, want done", res)
	}
	if !task.HasError() || !task.IsError(3) || task.IsError(4) {
		t.Fatalf("errno = %d after Throw(3)", task.Errno())
	}
	if res := task.Return(); res != ResultDone || task.Errno() != 3 {
		t.Fatalf("Return() = %v errno %d, want done with errno kept", res, task.Errno())
	}
	task.ClearError()
	if task.HasError() || task.IsError(0) {
		t.Fatal("error still set after ClearError")
	}

	if res := task.Fail(nil); res != ResultError {
		t.Fatalf("Fail(nil) = %v, want error", res)
	}
	if !errors.Is(task.err, ErrCoroutine) {
		t.Fatalf("Fail(nil) err = %v, want a CoroutineError", task.err)
	}
}

// TestTask_IOError tests the negative errno convention of IOResult
func TestTask_IOError(t *testing.T) {
	task := &Task{ioResult: -int32(syscall.ECONNRESET)}
	if !errors.Is(task.IOError(), syscall.ECONNRESET) {
		t.Fatalf("IOError() = %v, want ECONNRESET", task.IOError())
	}

	task.ioResult = 12
	if task.IOError() != nil {
		t.Fatalf("IOError() = %v for a byte count, want nil", task.IOError())
	}
}

// TestTask_SubmitWithoutScheduler tests that an unscheduled task cannot
// register I/O
func TestTask_SubmitWithoutScheduler(t *testing.T) {
	task := &Task{}
	if res := task.Yield(4); res != ResultPending {
		t.Fatalf("Yield() = %v, want pending", res)
	}
	if res := task.Sleep(1, 0); res != ResultError {
		t.Fatalf("Sleep() = %v, want error", res)
	}
	if !errors.Is(task.err, ErrRegistrationFailure) {
		t.Fatalf("err = %v, want ErrRegistrationFailure", task.err)
	}
}
