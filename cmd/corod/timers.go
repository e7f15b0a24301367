//go:build linux

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	cororunner "github.com/Swind/go-coro-runner"
	"github.com/Swind/go-coro-runner/core"
)

// TimersCommand returns the timers CLI command.
func TimersCommand() *cli.Command {
	return &cli.Command{
		Name:  "timers",
		Usage: "Run periodic timer coroutines",
		Description: `Spawns --tasks coroutines from a root task. Task i sleeps i*--interval
between ticks and exits after --count ticks.

Example:
  corod timers --tasks 3 --interval 100ms --count 5 --backend uring`,
		Flags: append([]cli.Flag{
			&cli.IntFlag{
				Name:  "tasks",
				Usage: "Number of timer tasks",
				Value: 4,
			},
			&cli.DurationFlag{
				Name:  "interval",
				Usage: "Base tick interval",
				Value: 250 * time.Millisecond,
			},
			&cli.IntFlag{
				Name:  "count",
				Usage: "Ticks per task",
				Value: 5,
			},
		}, schedulerFlags(0)...),
		Action: runTimersCommand,
	}
}

func runTimersCommand(c *cli.Context) error {
	log, err := newLogger(c)
	if err != nil {
		return err
	}
	o, err := startObserver(c.Context, c.String("metrics-addr"), log)
	if err != nil {
		return err
	}
	defer o.Close()

	opts, err := schedulerOptions(c, "timers", log, o)
	if err != nil {
		return err
	}
	cfg := timerConfig{
		Tasks:    c.Int("tasks"),
		Interval: c.Duration("interval"),
		Count:    c.Int("count"),
		Log:      log,
	}
	fired, err := runTimers(c.Context, cfg, opts...)
	log.WithField("fired", fired).Info("timers stopped")
	if interrupted(err) {
		return nil
	}
	return err
}

type timerConfig struct {
	Tasks    int
	Interval time.Duration
	Count    int
	Log      logrus.FieldLogger
}

type ticker struct {
	id    int
	every time.Duration
	count int
	fired int
	log   logrus.FieldLogger
}

// runTimers runs cfg.Tasks tickers under a root task and returns how many
// ticks each one fired.
func runTimers(ctx context.Context, cfg timerConfig, opts ...cororunner.Option) ([]int, error) {
	if cfg.Tasks <= 0 || cfg.Count <= 0 || cfg.Interval <= 0 {
		return nil, fmt.Errorf("tasks, count and interval must be positive")
	}
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	tickers := make([]*ticker, cfg.Tasks)
	for i := range tickers {
		tickers[i] = &ticker{
			id:    i + 1,
			every: time.Duration(i+1) * cfg.Interval,
			count: cfg.Count,
			log:   cfg.Log.WithField("ticker", i+1),
		}
	}

	root := func(t *core.Task, _ any) core.Result {
		for _, tk := range tickers {
			if _, err := t.Scheduler().SpawnNamed(fmt.Sprintf("ticker-%d", tk.id), core.Typed(tick), tk); err != nil {
				return t.Fail(err)
			}
		}
		return t.Return()
	}

	// One slot for the root task, which is still running while it spawns.
	err := cororunner.Forever(ctx, root, nil, cfg.Tasks+1, opts...)

	fired := make([]int, len(tickers))
	for i, tk := range tickers {
		fired[i] = tk.fired
	}
	return fired, err
}

func tick(t *core.Task, tk *ticker) core.Result {
	switch t.Point() {
	case 1:
		if err := t.IOError(); err != nil {
			return t.Fail(err)
		}
		tk.fired++
		tk.log.WithField("tick", tk.fired).Debug("tick")
	}
	if tk.fired >= tk.count {
		return t.Return()
	}
	return t.Sleep(1, tk.every)
}
