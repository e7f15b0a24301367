//go:build linux

package core

import (
	"fmt"

	"github.com/Swind/go-coro-runner/reactor"
	"github.com/Swind/go-coro-runner/reactor/epoll"
	"github.com/Swind/go-coro-runner/reactor/uring"
)

func newReactor(cfg *SchedulerConfig) (reactor.Reactor, error) {
	switch cfg.Backend {
	case BackendEpoll:
		return epoll.New(cfg.EventBatch)
	case BackendRing:
		if cfg.RingEntries < 1 || cfg.RingEntries > 1<<15 {
			return nil, fmt.Errorf("%w: %d ring entries", reactor.ErrInvalidCapacity, cfg.RingEntries)
		}
		return uring.New(uint32(cfg.RingEntries))
	case BackendCustom:
		if cfg.Reactor == nil {
			return nil, fmt.Errorf("custom backend without a reactor")
		}
		return cfg.Reactor, nil
	default:
		return nil, fmt.Errorf("unknown backend %v", cfg.Backend)
	}
}
