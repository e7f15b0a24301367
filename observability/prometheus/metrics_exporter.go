package prometheus

import (
	"errors"
	"fmt"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/Swind/go-coro-runner/core"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	// StepBuckets are histogram buckets for coroutine step durations.
	// Steps are expected to take microseconds.
	StepBuckets []float64
}

var defaultStepBuckets = prom.ExponentialBuckets(1e-6, 4, 10)

// MetricsExporter adapts core.Metrics to Prometheus collectors.
type MetricsExporter struct {
	stepDurationSeconds *prom.HistogramVec
	taskPanicTotal      *prom.CounterVec
	taskRejectedTotal   *prom.CounterVec
	taskExitTotal       *prom.CounterVec
	completionsTotal    *prom.CounterVec
	poolInUse           *prom.GaugeVec
}

var _ core.Metrics = (*MetricsExporter)(nil)

// NewMetricsExporter creates and registers Prometheus collectors for core.Metrics.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = "cororunner"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.StepBuckets
	if len(buckets) == 0 {
		buckets = defaultStepBuckets
	}

	stepVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "step_duration_seconds",
		Help:      "Duration of one coroutine step in seconds.",
		Buckets:   buckets,
	}, []string{"scheduler"})
	panicVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_panic_total",
		Help:      "Total number of coroutine panics.",
	}, []string{"scheduler"})
	rejectedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_rejected_total",
		Help:      "Total number of rejected spawns.",
	}, []string{"scheduler", "reason"})
	exitVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_exit_total",
		Help:      "Total number of disposed tasks by outcome.",
	}, []string{"scheduler", "outcome"})
	completionsVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "reactor_completions_total",
		Help:      "Total number of reactor completions delivered to tasks.",
	}, []string{"scheduler"})
	inUseVec := prom.NewGaugeVec(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_in_use",
		Help:      "Current number of leased task slots.",
	}, []string{"scheduler"})

	var err error
	if stepVec, err = registerCollector(reg, stepVec); err != nil {
		return nil, err
	}
	if panicVec, err = registerCollector(reg, panicVec); err != nil {
		return nil, err
	}
	if rejectedVec, err = registerCollector(reg, rejectedVec); err != nil {
		return nil, err
	}
	if exitVec, err = registerCollector(reg, exitVec); err != nil {
		return nil, err
	}
	if completionsVec, err = registerCollector(reg, completionsVec); err != nil {
		return nil, err
	}
	if inUseVec, err = registerCollector(reg, inUseVec); err != nil {
		return nil, err
	}

	return &MetricsExporter{
		stepDurationSeconds: stepVec,
		taskPanicTotal:      panicVec,
		taskRejectedTotal:   rejectedVec,
		taskExitTotal:       exitVec,
		completionsTotal:    completionsVec,
		poolInUse:           inUseVec,
	}, nil
}

// RecordStepDuration records how long one coroutine step took.
func (m *MetricsExporter) RecordStepDuration(schedulerName string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepDurationSeconds.WithLabelValues(normalizeLabel(schedulerName, "unknown")).Observe(duration.Seconds())
}

// RecordTaskPanic records coroutine panic events.
func (m *MetricsExporter) RecordTaskPanic(schedulerName string, panicInfo any) {
	if m == nil {
		return
	}
	m.taskPanicTotal.WithLabelValues(normalizeLabel(schedulerName, "unknown")).Inc()
}

// RecordPoolInUse records leased slot count.
func (m *MetricsExporter) RecordPoolInUse(schedulerName string, inUse int) {
	if m == nil {
		return
	}
	m.poolInUse.WithLabelValues(normalizeLabel(schedulerName, "unknown")).Set(float64(inUse))
}

// RecordTaskRejected records spawn rejection events.
func (m *MetricsExporter) RecordTaskRejected(schedulerName string, reason string) {
	if m == nil {
		return
	}
	m.taskRejectedTotal.WithLabelValues(normalizeLabel(schedulerName, "unknown"), normalizeLabel(reason, "unknown")).Inc()
}

// RecordTaskExit records disposed tasks by outcome.
func (m *MetricsExporter) RecordTaskExit(schedulerName string, outcome string) {
	if m == nil {
		return
	}
	m.taskExitTotal.WithLabelValues(normalizeLabel(schedulerName, "unknown"), normalizeLabel(outcome, "unknown")).Inc()
}

// RecordCompletions records completions returned by one reactor poll.
func (m *MetricsExporter) RecordCompletions(schedulerName string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.completionsTotal.WithLabelValues(normalizeLabel(schedulerName, "unknown")).Add(float64(count))
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
