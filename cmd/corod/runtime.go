//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	cororunner "github.com/Swind/go-coro-runner"
	"github.com/Swind/go-coro-runner/core"
	corolog "github.com/Swind/go-coro-runner/observability/logrus"
	obs "github.com/Swind/go-coro-runner/observability/prometheus"
)

// schedulerFlags returns the flags shared by every command. The max-tasks
// flag is left out when defaultTasks is 0 because the command sizes the
// pool itself.
func schedulerFlags(defaultTasks int) []cli.Flag {
	flags := []cli.Flag{
		&cli.IntFlag{
			Name:  "depth",
			Usage: "Maximum nested coroutine depth per task",
			Value: 8,
		},
		&cli.StringFlag{
			Name:    "backend",
			Aliases: []string{"b"},
			Usage:   "Reactor backend (epoll or uring)",
			Value:   "epoll",
		},
		&cli.IntFlag{
			Name:  "ring-entries",
			Usage: "io_uring submission queue size (power of two)",
			Value: 256,
		},
	}
	if defaultTasks > 0 {
		flags = append(flags, &cli.IntFlag{
			Name:    "max-tasks",
			Aliases: []string{"n"},
			Usage:   "Number of task slots",
			Value:   defaultTasks,
		})
	}
	return flags
}

func newLogger(c *cli.Context) (*logrus.Logger, error) {
	log := logrus.New()
	level, err := logrus.ParseLevel(c.String("log-level"))
	if err != nil {
		return nil, err
	}
	log.SetLevel(level)
	switch c.String("log-format") {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
	default:
		return nil, fmt.Errorf("unknown log format %q", c.String("log-format"))
	}
	return log, nil
}

// observer serves Prometheus metrics for the schedulers it watches. A nil
// observer is valid and does nothing.
type observer struct {
	exporter *obs.MetricsExporter
	poller   *obs.SnapshotPoller
	server   *http.Server
}

func startObserver(ctx context.Context, addr string, log *logrus.Logger) (*observer, error) {
	if addr == "" {
		return nil, nil
	}
	reg := prom.NewRegistry()
	exporter, err := obs.NewMetricsExporter("corod", reg, obs.ExporterOptions{})
	if err != nil {
		return nil, err
	}
	poller, err := obs.NewSnapshotPoller(reg, time.Second)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	o := &observer{
		exporter: exporter,
		poller:   poller,
		server:   &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
	}
	go func() {
		if err := o.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server stopped")
		}
	}()
	poller.Start(ctx)
	log.WithField("addr", addr).Info("serving metrics")
	return o, nil
}

func (o *observer) metrics() core.Metrics {
	if o == nil {
		return &core.NilMetrics{}
	}
	return o.exporter
}

func (o *observer) watch(s *core.Scheduler) {
	if o == nil {
		return
	}
	o.poller.AddScheduler(s.Name(), s)
}

func (o *observer) Close() error {
	if o == nil {
		return nil
	}
	o.poller.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return o.server.Shutdown(ctx)
}

// schedulerOptions maps the shared command flags onto scheduler options.
func schedulerOptions(c *cli.Context, name string, log *logrus.Logger, o *observer) ([]cororunner.Option, error) {
	backend, err := core.ParseBackend(c.String("backend"))
	if err != nil {
		return nil, err
	}
	opts := []cororunner.Option{
		cororunner.WithName(name),
		cororunner.WithMaxTasks(c.Int("max-tasks")),
		cororunner.WithMaxDepth(c.Int("depth")),
		cororunner.WithBackend(backend),
		cororunner.WithRingEntries(c.Int("ring-entries")),
		cororunner.WithFlags(cororunner.FlagSignal),
		cororunner.WithLogger(corolog.New(log)),
		cororunner.WithMetrics(o.metrics()),
	}
	if o != nil {
		opts = append(opts, cororunner.WithModules(core.ModuleFuncs{OnLoopStart: o.watch}))
	}
	return opts, nil
}

// interrupted reports whether err only says the loop was stopped by a
// signal and the tasks were killed because of it.
func interrupted(err error) bool {
	var merr *multierror.Error
	if errors.As(err, &merr) {
		for _, e := range merr.Errors {
			if !interrupted(e) {
				return false
			}
		}
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, core.ErrKilled)
}
