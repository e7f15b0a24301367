package core

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Swind/go-coro-runner/reactor"
	"github.com/Swind/go-coro-runner/reactor/reactortest"
)

// recordingLogger keeps every entry so tests can assert on log order.
type recordingLogger struct {
	mu      sync.Mutex
	entries []recordedEntry
}

type recordedEntry struct {
	level  string
	msg    string
	fields []Field
}

func (l *recordingLogger) add(level, msg string, fields []Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, recordedEntry{level: level, msg: msg, fields: fields})
}

func (l *recordingLogger) Debug(msg string, fields ...Field) { l.add("debug", msg, fields) }
func (l *recordingLogger) Info(msg string, fields ...Field)  { l.add("info", msg, fields) }
func (l *recordingLogger) Warn(msg string, fields ...Field)  { l.add("warn", msg, fields) }
func (l *recordingLogger) Error(msg string, fields ...Field) { l.add("error", msg, fields) }

// values returns field key of every entry logged as msg, in order.
func (l *recordingLogger) values(msg, key string) []any {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []any
	for _, e := range l.entries {
		if e.msg != msg {
			continue
		}
		for _, f := range e.fields {
			if f.Key == key {
				out = append(out, f.Value)
			}
		}
	}
	return out
}

// TestScheduler_SelfKillThenAwait tests a coroutine that kills its own task
// and keeps going
// Main test items:
// 1. The Await after the kill is refused with ResultError
// 2. No frame is left behind in the released slot
// 3. The next task leased from that slot exits cleanly
func TestScheduler_SelfKillThenAwait(t *testing.T) {
	// Arrange
	s, _ := newScriptedScheduler(t, 1)
	throw42 := func(t *Task, _ any) Result { return t.Throw(42) }

	var self *TaskHandle
	var awaited Result
	self = mustSpawn(t, s, func(t *Task, _ any) Result {
		if err := t.Scheduler().Kill(self); err != nil {
			return t.Fail(err)
		}
		awaited = t.Await(1, throw42, nil)
		return awaited
	}, nil)

	// Act
	runLoop(t, s)

	// Assert
	if awaited != ResultError {
		t.Fatalf("Await() after kill = %v, want %v", awaited, ResultError)
	}
	if !errors.Is(self.Err(), ErrKilled) {
		t.Fatalf("killed Err() = %v, want %v", self.Err(), ErrKilled)
	}
	slot := s.pool.At(self.ID())
	if slot.Depth() != 0 || slot.Status() != StatusIdle {
		t.Fatalf("slot depth = %d status = %v, want 0 IDLE", slot.Depth(), slot.Status())
	}

	clean := mustSpawn(t, s, func(t *Task, _ any) Result { return t.Return() }, nil)
	runLoop(t, s)
	if clean.ID() != self.ID() {
		t.Fatalf("clean task slot = %d, want %d", clean.ID(), self.ID())
	}
	if clean.Errno() != 0 || clean.Err() != nil {
		t.Fatalf("clean task errno = %d err = %v, want 0 <nil>", clean.Errno(), clean.Err())
	}
}

// TestScheduler_SelfKillRespawnSameStep tests a kill followed by a spawn that
// reuses the slot before the killed coroutine returns
// Given: a single-slot scheduler
// When: a coroutine kills itself, spawns a new task and then awaits
// Then: the new task runs its own coroutine and exits cleanly
func TestScheduler_SelfKillRespawnSameStep(t *testing.T) {
	// Arrange
	s, _ := newScriptedScheduler(t, 1)
	throw42 := func(t *Task, _ any) Result { return t.Throw(42) }

	var self, clean *TaskHandle
	var ran bool
	var awaited Result
	self = mustSpawn(t, s, func(t *Task, _ any) Result {
		if err := t.Scheduler().Kill(self); err != nil {
			return t.Fail(err)
		}
		h, err := t.Scheduler().Spawn(func(t *Task, _ any) Result {
			ran = true
			return t.Return()
		}, nil)
		if err != nil {
			return t.Fail(err)
		}
		clean = h
		awaited = t.Await(1, throw42, nil)
		return awaited
	}, nil)

	// Act
	runLoop(t, s)

	// Assert
	if awaited != ResultError {
		t.Fatalf("Await() after kill = %v, want %v", awaited, ResultError)
	}
	if clean == nil || clean.ID() != self.ID() {
		t.Fatalf("respawned handle = %v, want slot %d", clean, self.ID())
	}
	if !ran {
		t.Fatal("respawned coroutine never ran")
	}
	if clean.Errno() != 0 || clean.Err() != nil {
		t.Fatalf("respawned errno = %d err = %v, want 0 <nil>", clean.Errno(), clean.Err())
	}
	if !errors.Is(self.Err(), ErrKilled) {
		t.Fatalf("killed Err() = %v, want %v", self.Err(), ErrKilled)
	}
}

// cleanupRecorder arms a cleanup pass, yields once and then ends with end.
func cleanupRecorder(name string, log *[]string, end func(*Task) Result) Coroutine {
	return func(t *Task, _ any) Result {
		switch t.Point() {
		case 0:
			t.Finally()
			return t.Yield(1)
		case 1:
			return end(t)
		case PointFinally:
			*log = append(*log, fmt.Sprintf("%s status=%v errno=%d", name, t.Status(), t.Errno()))
		}
		return t.Return()
	}
}

// TestScheduler_FinallyOnExit tests the cleanup pass for every way a
// single-frame task ends
func TestScheduler_FinallyOnExit(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name      string
		end       func(*Task) Result
		wantLog   string
		wantErrno int
		wantErr   error
	}{
		{
			name:    "return",
			end:     func(t *Task) Result { return t.Return() },
			wantLog: "root status=TERMINATING errno=0",
		},
		{
			name:      "throw",
			end:       func(t *Task) Result { return t.Throw(5) },
			wantLog:   "root status=TERMINATING errno=5",
			wantErrno: 5,
			wantErr:   ErrCoroutine,
		},
		{
			name:    "fail",
			end:     func(t *Task) Result { return t.Fail(boom) },
			wantLog: "root status=TERMINATING errno=0",
			wantErr: boom,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Arrange
			s, _ := newScriptedScheduler(t, 1)
			var log []string
			h := mustSpawn(t, s, cleanupRecorder("root", &log, tt.end), nil)

			// Act
			runLoop(t, s)

			// Assert
			if len(log) != 1 || log[0] != tt.wantLog {
				t.Fatalf("cleanup log = %q, want [%q]", log, tt.wantLog)
			}
			if h.Errno() != tt.wantErrno {
				t.Fatalf("Errno() = %d, want %d", h.Errno(), tt.wantErrno)
			}
			if tt.wantErr == nil && h.Err() != nil {
				t.Fatalf("Err() = %v, want <nil>", h.Err())
			}
			if tt.wantErr != nil && !errors.Is(h.Err(), tt.wantErr) {
				t.Fatalf("Err() = %v, want %v", h.Err(), tt.wantErr)
			}
			if h.Status() != StatusTerminated {
				t.Fatalf("Status() = %v, want %v", h.Status(), StatusTerminated)
			}
		})
	}
}

// TestScheduler_FinallyNestedFrames tests cleanup passes across a call stack
// Main test items:
// 1. A child frame that throws runs its cleanup while the task is still RUNNING
// 2. The parent still sees the error code and its own cleanup runs on the way out
// 3. A fatal error unwinds every armed frame, innermost first
func TestScheduler_FinallyNestedFrames(t *testing.T) {
	t.Run("throw then rethrow", func(t *testing.T) {
		// Arrange
		s, _ := newScriptedScheduler(t, 1)
		var log []string
		child := cleanupRecorder("child", &log, func(t *Task) Result { return t.Throw(7) })
		var seen int
		parent := func(t *Task, _ any) Result {
			switch t.Point() {
			case 0:
				t.Finally()
				return t.Await(1, child, nil)
			case 1:
				seen = t.Errno()
				return t.Rethrow()
			case PointFinally:
				log = append(log, fmt.Sprintf("parent status=%v errno=%d", t.Status(), t.Errno()))
			}
			return t.Return()
		}
		h := mustSpawn(t, s, parent, nil)

		// Act
		runLoop(t, s)

		// Assert
		want := []string{
			"child status=RUNNING errno=7",
			"parent status=TERMINATING errno=7",
		}
		if fmt.Sprint(log) != fmt.Sprint(want) {
			t.Fatalf("cleanup log = %q, want %q", log, want)
		}
		if seen != 7 {
			t.Fatalf("parent saw errno %d, want 7", seen)
		}
		if h.Errno() != 7 {
			t.Fatalf("Errno() = %d, want 7", h.Errno())
		}
	})

	t.Run("fail unwinds all", func(t *testing.T) {
		// Arrange
		s, _ := newScriptedScheduler(t, 1)
		boom := errors.New("boom")
		var log []string
		var parentResumed bool
		var suspend []Result
		child := func(t *Task, _ any) Result {
			switch t.Point() {
			case 0:
				t.Finally()
				return t.Yield(1)
			case 1:
				return t.Fail(boom)
			case PointFinally:
				log = append(log, fmt.Sprintf("child status=%v", t.Status()))
				suspend = append(suspend, t.Yield(2), t.Await(3, waitForever, nil))
			}
			return t.Return()
		}
		parent := func(t *Task, _ any) Result {
			switch t.Point() {
			case 0:
				t.Finally()
				return t.Await(1, child, nil)
			case 1:
				parentResumed = true
			case PointFinally:
				log = append(log, fmt.Sprintf("parent status=%v depth=%d", t.Status(), t.Depth()))
			}
			return t.Return()
		}
		h := mustSpawn(t, s, parent, nil)

		// Act
		runLoop(t, s)

		// Assert
		want := []string{"child status=TERMINATING", "parent status=TERMINATING depth=1"}
		if fmt.Sprint(log) != fmt.Sprint(want) {
			t.Fatalf("cleanup log = %q, want %q", log, want)
		}
		if parentResumed {
			t.Fatal("parent body resumed after a fatal error")
		}
		for i, res := range suspend {
			if res != ResultError {
				t.Fatalf("suspension %d during cleanup = %v, want %v", i, res, ResultError)
			}
		}
		if !errors.Is(h.Err(), boom) {
			t.Fatalf("Err() = %v, want %v", h.Err(), boom)
		}
	})
}

// TestScheduler_KillSkipsFinally tests that a killed task is torn down
// without running its cleanup pass
func TestScheduler_KillSkipsFinally(t *testing.T) {
	// Arrange
	s, _ := newScriptedScheduler(t, 2)
	var cleaned bool
	victim := mustSpawn(t, s, func(t *Task, _ any) Result {
		switch t.Point() {
		case 0:
			t.Finally()
			return t.WaitFD(1, 3, reactor.EventIn)
		case PointFinally:
			cleaned = true
		}
		return t.Return()
	}, nil)
	mustSpawn(t, s, func(t *Task, _ any) Result {
		if err := t.Scheduler().Kill(victim); err != nil {
			return t.Fail(err)
		}
		return t.Return()
	}, nil)

	// Act
	runLoop(t, s)

	// Assert
	if cleaned {
		t.Fatal("cleanup pass ran for a killed task")
	}
	if !errors.Is(victim.Err(), ErrKilled) {
		t.Fatalf("Err() = %v, want %v", victim.Err(), ErrKilled)
	}
}

// TestScheduler_CompletionOrderVsPassOrder tests how one poll's completions
// are applied and then stepped
// Given: three tasks parked in slots 0, 1 and 2
// When: a single poll returns completions for tasks 2, 0 and 1 in that order
// Then: completions are applied in reactor order and the following pass
// steps the tasks in slot order
func TestScheduler_CompletionOrderVsPassOrder(t *testing.T) {
	// Arrange
	logger := &recordingLogger{}
	s, r := newScriptedScheduler(t, 3, func(c *SchedulerConfig) { c.Logger = logger })

	var steps []string
	waiter := func(t *Task, _ any) Result {
		switch t.Point() {
		case 0:
			steps = append(steps, fmt.Sprintf("wait %d", t.ID()))
			return t.WaitFD(1, 10+t.ID(), reactor.EventIn)
		case 1:
			steps = append(steps, fmt.Sprintf("resume %d result=%d", t.ID(), t.IOResult()))
		}
		return t.Return()
	}
	for range 3 {
		mustSpawn(t, s, waiter, nil)
	}

	r.OnPoll = func(r *reactortest.Reactor, _ time.Duration) {
		if r.Pending() < 3 {
			return
		}
		r.Complete(2, 20)
		r.Complete(0, 5)
		r.Complete(1, 10)
	}

	// Act
	runLoop(t, s)

	// Assert
	resumed := logger.values("task resumed", "task")
	if fmt.Sprint(resumed) != "[2 0 1]" {
		t.Fatalf("completion order = %v, want [2 0 1]", resumed)
	}
	want := []string{
		"wait 0", "wait 1", "wait 2",
		"resume 0 result=5", "resume 1 result=10", "resume 2 result=20",
	}
	if fmt.Sprint(steps) != fmt.Sprint(want) {
		t.Fatalf("step order = %q, want %q", steps, want)
	}
}
