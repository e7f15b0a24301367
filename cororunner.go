package cororunner

import (
	"context"

	"github.com/hashicorp/go-multierror"

	"github.com/Swind/go-coro-runner/core"
)

// New creates a scheduler from the default configuration adjusted by opts.
func New(opts ...Option) (*Scheduler, error) {
	return core.NewScheduler(Config(opts...))
}

// Forever creates a scheduler with maxTasks slots, spawns coro as the root
// task and runs the loop until every task has finished or ctx is done. The
// root task's own error is returned along with any loop or teardown error.
func Forever(ctx context.Context, coro Coroutine, state any, maxTasks int, opts ...Option) error {
	s, err := New(append(opts, WithMaxTasks(maxTasks))...)
	if err != nil {
		return err
	}

	var result *multierror.Error
	root, err := s.SpawnNamed("root", coro, state)
	if err != nil {
		result = multierror.Append(result, err)
	} else {
		if err := s.Loop(ctx); err != nil {
			result = multierror.Append(result, err)
		}
		if err := root.Err(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := s.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
