package cororunner

import (
	"time"

	"github.com/Swind/go-coro-runner/core"
	"github.com/Swind/go-coro-runner/reactor"
)

// Option adjusts the SchedulerConfig built by New.
type Option func(*core.SchedulerConfig)

func WithName(name string) Option {
	return func(c *core.SchedulerConfig) { c.Name = name }
}

func WithMaxTasks(n int) Option {
	return func(c *core.SchedulerConfig) { c.MaxTasks = n }
}

func WithMaxDepth(n int) Option {
	return func(c *core.SchedulerConfig) { c.MaxDepth = n }
}

func WithBackend(b Backend) Option {
	return func(c *core.SchedulerConfig) { c.Backend = b }
}

// WithReactor selects BackendCustom with r. The scheduler closes r.
func WithReactor(r reactor.Reactor) Option {
	return func(c *core.SchedulerConfig) {
		c.Backend = core.BackendCustom
		c.Reactor = r
	}
}

func WithRingEntries(n int) Option {
	return func(c *core.SchedulerConfig) { c.RingEntries = n }
}

func WithEventBatch(n int) Option {
	return func(c *core.SchedulerConfig) { c.EventBatch = n }
}

// WithPollTimeout bounds how long the loop blocks when every task waits on
// I/O. Negative blocks until a completion arrives.
func WithPollTimeout(d time.Duration) Option {
	return func(c *core.SchedulerConfig) { c.PollTimeout = d }
}

func WithFlags(f Flags) Option {
	return func(c *core.SchedulerConfig) { c.Flags |= f }
}

func WithModules(m ...Module) Option {
	return func(c *core.SchedulerConfig) { c.Modules = append(c.Modules, m...) }
}

func WithHistorySize(n int) Option {
	return func(c *core.SchedulerConfig) { c.HistorySize = n }
}

func WithLogger(l core.Logger) Option {
	return func(c *core.SchedulerConfig) { c.Logger = l }
}

func WithMetrics(m core.Metrics) Option {
	return func(c *core.SchedulerConfig) { c.Metrics = m }
}

func WithPanicHandler(h core.PanicHandler) Option {
	return func(c *core.SchedulerConfig) { c.PanicHandler = h }
}

func WithRejectedTaskHandler(h core.RejectedTaskHandler) Option {
	return func(c *core.SchedulerConfig) { c.RejectedTaskHandler = h }
}

// Config returns the configuration New would use for opts.
func Config(opts ...Option) *core.SchedulerConfig {
	cfg := core.DefaultSchedulerConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}
