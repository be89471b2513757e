package session

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// registerOtelMetrics exposes the pipeline counters as observable
// instruments so a configured meter provider can scrape them without
// the hot path ever touching OTEL. Failures are logged and tolerated;
// metrics are optional.
func (s *Session) registerOtelMetrics() {
	meter := otel.Meter("adatrace")

	instrument := func(name, desc string) metric.Int64ObservableCounter {
		c, err := meter.Int64ObservableCounter(name,
			metric.WithDescription(desc),
			metric.WithUnit("1"))
		if err != nil {
			s.logger.Debug("failed to create counter",
				zap.String("name", name), zap.Error(err))
			return nil
		}
		return c
	}

	eventsWritten := instrument("adatrace_events_written_total", "Total events written to rings")
	eventsDropped := instrument("adatrace_events_dropped_total", "Total events dropped by producers")
	ringSwaps := instrument("adatrace_ring_swaps_total", "Total producer ring swaps")
	ringsDrained := instrument("adatrace_rings_drained_total", "Total rings drained to disk")
	drainCycles := instrument("adatrace_drain_cycles_total", "Total drain cycles")
	ioErrors := instrument("adatrace_io_errors_total", "Total stream write failures")

	activeThreads, err := meter.Int64ObservableGauge("adatrace_active_threads",
		metric.WithDescription("Currently registered producer threads"),
		metric.WithUnit("1"))
	if err != nil {
		s.logger.Debug("failed to create gauge", zap.Error(err))
		activeThreads = nil
	}

	observables := make([]metric.Observable, 0, 7)
	for _, o := range []metric.Observable{eventsWritten, eventsDropped, ringSwaps, ringsDrained, drainCycles, ioErrors, activeThreads} {
		if o != nil {
			observables = append(observables, o)
		}
	}
	if len(observables) == 0 {
		return
	}

	reg, err := meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		report := s.CollectMetrics()
		var swaps uint64
		for i := range report.Threads {
			swaps += report.Threads[i].Counters.RingSwaps
		}
		if eventsWritten != nil {
			obs.ObserveInt64(eventsWritten, int64(report.TotalEventsWritten()))
		}
		if eventsDropped != nil {
			obs.ObserveInt64(eventsDropped, int64(report.TotalEventsDropped()))
		}
		if ringSwaps != nil {
			obs.ObserveInt64(ringSwaps, int64(swaps))
		}
		if ringsDrained != nil {
			obs.ObserveInt64(ringsDrained, int64(report.Drain.RingsTotal))
		}
		if drainCycles != nil {
			obs.ObserveInt64(drainCycles, int64(report.Drain.CyclesTotal))
		}
		if ioErrors != nil {
			obs.ObserveInt64(ioErrors, int64(report.Drain.IOErrors))
		}
		if activeThreads != nil {
			obs.ObserveInt64(activeThreads, int64(report.ActiveThreads))
		}
		return nil
	}, observables...)
	if err != nil {
		s.logger.Debug("failed to register metrics callback", zap.Error(err))
		return
	}
	s.otelCleanup = func() {
		if err := reg.Unregister(); err != nil {
			s.logger.Debug("failed to unregister metrics callback", zap.Error(err))
		}
	}
}
