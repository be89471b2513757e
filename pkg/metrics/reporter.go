package metrics

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Collector is implemented by the session; the reporter only reads.
type Collector interface {
	CollectMetrics() Report
}

// Reporter periodically samples pipeline counters and logs a one-line
// summary. It is a read-only collaborator: it never writes core state.
type Reporter struct {
	collector Collector
	interval  time.Duration
	logger    *zap.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// NewReporter creates a reporter sampling at the given interval.
func NewReporter(collector Collector, interval time.Duration, logger *zap.Logger) *Reporter {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reporter{
		collector: collector,
		interval:  interval,
		logger:    logger,
	}
}

// Start launches the reporter goroutine. Idempotent.
func (r *Reporter) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})

	go r.run(r.stopCh, r.doneCh)
}

func (r *Reporter) run(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			r.emit()
		}
	}
}

func (r *Reporter) emit() {
	report := r.collector.CollectMetrics()
	r.logger.Info("trace pipeline metrics",
		zap.Int("active_threads", report.ActiveThreads),
		zap.Uint64("events_written", report.TotalEventsWritten()),
		zap.Uint64("events_dropped", report.TotalEventsDropped()),
		zap.Uint64("rings_total", report.Drain.RingsTotal),
		zap.Uint64("cycles_total", report.Drain.CyclesTotal),
		zap.Uint64("cycles_idle", report.Drain.CyclesIdle),
		zap.Uint64("io_errors", report.Drain.IOErrors))
}

// Stop halts the reporter and waits for its goroutine. Idempotent.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	stopCh, doneCh := r.stopCh, r.doneCh
	r.mu.Unlock()

	close(stopCh)
	<-doneCh
}

// SnapshotJSON returns the current report serialized as JSON.
func (r *Reporter) SnapshotJSON() ([]byte, error) {
	report := r.collector.CollectMetrics()
	return json.MarshalIndent(&report, "", "  ")
}
