package prometheus

import (
	"context"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/Swind/go-coro-runner/core"
)

// SchedulerSnapshotProvider provides current scheduler stats snapshots.
// *core.Scheduler implements it.
type SchedulerSnapshotProvider interface {
	Stats() core.SchedulerStats
}

// SnapshotPoller periodically exports scheduler Stats() snapshots into
// Prometheus gauges. Providers can be added and removed while polling.
type SnapshotPoller struct {
	interval  time.Duration
	providers *xsync.MapOf[string, SchedulerSnapshotProvider]

	capacity  *prom.GaugeVec
	inUse     *prom.GaugeVec
	waitingIO *prom.GaugeVec
	pending   *prom.GaugeVec
	spawned   *prom.GaugeVec
	rejected  *prom.GaugeVec
	exited    *prom.GaugeVec
	passes    *prom.GaugeVec
	running   *prom.GaugeVec
	closed    *prom.GaugeVec

	stateMu sync.Mutex
	active  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a snapshot poller and registers its collectors.
func NewSnapshotPoller(reg prom.Registerer, interval time.Duration) (*SnapshotPoller, error) {
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	if interval <= 0 {
		interval = time.Second
	}

	gauge := func(name, help string) *prom.GaugeVec {
		return prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: "cororunner",
			Name:      name,
			Help:      help,
		}, []string{"scheduler", "backend"})
	}

	p := &SnapshotPoller{
		interval:  interval,
		providers: xsync.NewMapOf[string, SchedulerSnapshotProvider](),
		capacity:  gauge("scheduler_capacity", "Task slots per scheduler."),
		inUse:     gauge("scheduler_in_use", "Leased task slots per scheduler."),
		waitingIO: gauge("scheduler_waiting_io", "Tasks waiting on the reactor."),
		pending:   gauge("scheduler_reactor_pending", "Registrations pending in the reactor."),
		spawned:   gauge("scheduler_spawned_total", "Spawned task count snapshot."),
		rejected:  gauge("scheduler_rejected_total", "Rejected spawn count snapshot."),
		exited:    gauge("scheduler_exited_total", "Disposed task count snapshot."),
		passes:    gauge("scheduler_passes_total", "Scheduling pass count snapshot."),
		running:   gauge("scheduler_loop_running", "Loop running state (1=running, 0=stopped)."),
		closed:    gauge("scheduler_closed", "Scheduler closed state (1=closed, 0=open)."),
	}

	for _, g := range []**prom.GaugeVec{
		&p.capacity, &p.inUse, &p.waitingIO, &p.pending, &p.spawned,
		&p.rejected, &p.exited, &p.passes, &p.running, &p.closed,
	} {
		registered, err := registerCollector(reg, *g)
		if err != nil {
			return nil, err
		}
		*g = registered
	}
	return p, nil
}

// AddScheduler adds or replaces a snapshot provider by name.
func (p *SnapshotPoller) AddScheduler(name string, provider SchedulerSnapshotProvider) {
	if p == nil || provider == nil {
		return
	}
	p.providers.Store(normalizeLabel(name, "scheduler"), provider)
}

// RemoveScheduler stops exporting the named provider.
func (p *SnapshotPoller) RemoveScheduler(name string) {
	if p == nil {
		return
	}
	p.providers.Delete(normalizeLabel(name, "scheduler"))
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.active {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.active = true
	p.stateMu.Unlock()

	go p.loop(pollCtx, p.done)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.active {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	p.stateMu.Lock()
	p.active = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *SnapshotPoller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collectOnce()
		}
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (p *SnapshotPoller) collectOnce() {
	p.providers.Range(func(name string, provider SchedulerSnapshotProvider) bool {
		stats := provider.Stats()
		backend := normalizeLabel(stats.Backend, "unknown")
		p.capacity.WithLabelValues(name, backend).Set(float64(stats.Capacity))
		p.inUse.WithLabelValues(name, backend).Set(float64(stats.InUse))
		p.waitingIO.WithLabelValues(name, backend).Set(float64(stats.WaitingIO))
		p.pending.WithLabelValues(name, backend).Set(float64(stats.Pending))
		p.spawned.WithLabelValues(name, backend).Set(float64(stats.Spawned))
		p.rejected.WithLabelValues(name, backend).Set(float64(stats.Rejected))
		p.exited.WithLabelValues(name, backend).Set(float64(stats.Exited))
		p.passes.WithLabelValues(name, backend).Set(float64(stats.Passes))
		p.running.WithLabelValues(name, backend).Set(boolGauge(stats.Running))
		p.closed.WithLabelValues(name, backend).Set(boolGauge(stats.Closed))
		return true
	})
}
