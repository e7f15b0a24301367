//go:build !linux

package core

import (
	"fmt"

	"github.com/Swind/go-coro-runner/reactor"
)

func newReactor(cfg *SchedulerConfig) (reactor.Reactor, error) {
	if cfg.Backend == BackendCustom && cfg.Reactor != nil {
		return cfg.Reactor, nil
	}
	return nil, fmt.Errorf("%v backend requires linux", cfg.Backend)
}
