package cororunner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Swind/go-coro-runner/reactor/reactortest"
)

func finish(t *Task, _ any) Result { return t.Return() }

// TestForever_RunsRootToCompletion tests the init+spawn+loop convenience
// Given: a root coroutine that spawns two children
// When: Forever runs it
// Then: every task finishes and no error is returned
func TestForever_RunsRootToCompletion(t *testing.T) {
	// Arrange
	children := 0
	child := func(t *Task, _ any) Result {
		children++
		return t.Return()
	}
	root := func(t *Task, _ any) Result {
		for range 2 {
			if _, err := t.Scheduler().Spawn(child, nil); err != nil {
				return t.Fail(err)
			}
		}
		return t.Return()
	}

	// Act
	err := Forever(context.Background(), root, nil, 3, WithReactor(reactortest.New()))

	// Assert
	if err != nil {
		t.Fatalf("Forever() error = %v", err)
	}
	if children != 2 {
		t.Fatalf("children = %d, want 2", children)
	}
}

// TestForever_ReportsRootError tests that the root task's error is returned
func TestForever_ReportsRootError(t *testing.T) {
	root := func(t *Task, _ any) Result { return t.Throw(11) }

	err := Forever(context.Background(), root, nil, 1, WithReactor(reactortest.New()))

	if err == nil {
		t.Fatal("Forever() error = nil, want the root CoroutineError")
	}
}

// TestForever_SaturatedChildSpawn tests backpressure through the facade
func TestForever_SaturatedChildSpawn(t *testing.T) {
	var spawnErr error
	root := func(t *Task, _ any) Result {
		_, spawnErr = t.Scheduler().Spawn(finish, nil)
		return t.Return()
	}

	if err := Forever(context.Background(), root, nil, 1, WithReactor(reactortest.New())); err != nil {
		t.Fatalf("Forever() error = %v", err)
	}
	if !errors.Is(spawnErr, ErrPoolSaturated) {
		t.Fatalf("Spawn() error = %v, want ErrPoolSaturated", spawnErr)
	}
}

// TestConfig_AppliesOptions tests option composition
func TestConfig_AppliesOptions(t *testing.T) {
	r := reactortest.New()
	cfg := Config(
		WithName("svc"),
		WithMaxTasks(9),
		WithMaxDepth(3),
		WithPollTimeout(time.Second),
		WithFlags(FlagSignal),
		WithReactor(r),
	)

	if cfg.Name != "svc" || cfg.MaxTasks != 9 || cfg.MaxDepth != 3 || cfg.PollTimeout != time.Second {
		t.Fatalf("Config() = %+v", cfg)
	}
	if cfg.Flags&FlagSignal == 0 || cfg.Backend != BackendCustom || cfg.Reactor != r {
		t.Fatalf("Config() flags/backend = %v/%v", cfg.Flags, cfg.Backend)
	}
}

// TestRunner_PostFromAnotherGoroutine tests the goroutine-safe inbox
// Main test items:
// 1. Posted coroutines are spawned on the loop goroutine
// 2. The runner keeps running while the pool is empty
// 3. Stop closes the scheduler and rejects later posts
func TestRunner_PostFromAnotherGoroutine(t *testing.T) {
	// Arrange
	r, err := NewRunner(WithMaxTasks(2), WithPollTimeout(5*time.Millisecond), WithReactor(reactortest.New()))
	if err != nil {
		t.Fatalf("NewRunner() error = %v", err)
	}
	r.Start(context.Background())
	if !r.IsRunning() {
		t.Fatal("IsRunning() = false after Start")
	}

	// Act
	for i := range 3 {
		reply, err := r.Post("job", finish, nil)
		if err != nil {
			t.Fatalf("Post(%d) error = %v", i, err)
		}
		select {
		case res := <-reply:
			if res.Err != nil {
				t.Fatalf("Post(%d) spawn error = %v", i, res.Err)
			}
			select {
			case <-res.Handle.Done():
			case <-time.After(2 * time.Second):
				t.Fatalf("task %d never finished", i)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Post(%d) never spawned", i)
		}
	}

	// Assert
	if got := r.Scheduler().Stats().Exited; got != 3 {
		t.Fatalf("Exited = %d, want 3", got)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if r.IsRunning() {
		t.Fatal("IsRunning() = true after Stop")
	}
	if _, err := r.Post("late", finish, nil); !errors.Is(err, ErrRunnerStopped) {
		t.Fatalf("Post() after Stop error = %v, want ErrRunnerStopped", err)
	}
}
