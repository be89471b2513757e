// Package drain implements the single consumer that moves published
// rings from every producer thread to the per-thread stream files and
// returns emptied rings to their lanes.
package drain

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/adatrace/adatrace/pkg/atf"
	"github.com/adatrace/adatrace/pkg/event"
	"github.com/adatrace/adatrace/pkg/lane"
	"github.com/adatrace/adatrace/pkg/metrics"
	"github.com/adatrace/adatrace/pkg/registry"
	"github.com/adatrace/adatrace/pkg/ring"
)

// State is the worker lifecycle state.
type State int32

const (
	StateInitialized State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "INITIALIZED"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Policy selects the detail lane persistence behavior.
type Policy int

const (
	// PersistAlways writes every drained detail ring to disk.
	PersistAlways Policy = iota
	// PersistMarked writes a detail ring only when it contains a
	// marked event; unmarked rings are recycled silently.
	PersistMarked
)

var (
	// ErrTerminated is returned by Start after the worker has stopped.
	ErrTerminated = errors.New("drain: worker already terminated")
	// ErrBusy is returned by UpdateConfig while the worker runs.
	ErrBusy = errors.New("drain: worker is running")
)

// Config tunes the drain loop.
type Config struct {
	// PollInterval is the idle sleep; zero spin-polls.
	PollInterval time.Duration
	// MaxBatchSize caps rings drained per lane per cycle; zero means
	// the fairness quantum alone applies.
	MaxBatchSize uint32
	// FairnessQuantum bounds how long one slot may monopolize a cycle.
	FairnessQuantum uint32
	// YieldOnIdle yields the processor instead of sleeping when a
	// cycle found no work.
	YieldOnIdle bool
	// DetailPersistence selects always vs marked persistence.
	DetailPersistence Policy
}

// DefaultConfig mirrors the pipeline defaults: 1ms idle sleep, batch
// and quantum of 8, always-persist details.
func DefaultConfig() Config {
	return Config{
		PollInterval:    time.Millisecond,
		MaxBatchSize:    8,
		FairnessQuantum: 8,
	}
}

type drainMetrics struct {
	cyclesTotal      atomic.Uint64
	cyclesIdle       atomic.Uint64
	ringsTotal       atomic.Uint64
	ringsIndex       atomic.Uint64
	ringsDetail      atomic.Uint64
	ringsReclaimed   atomic.Uint64
	ringsSkipped     atomic.Uint64
	fairnessSwitches atomic.Uint64
	sleeps           atomic.Uint64
	yields           atomic.Uint64
	finalDrains      atomic.Uint64
	totalSleepUs     atomic.Uint64
	ioErrors         atomic.Uint64
	perThread        [registry.MaxThreads][2]atomic.Uint64
}

// Worker is the dedicated drain consumer.
type Worker struct {
	state atomic.Int32

	reg    *registry.ThreadRegistry
	writer *atf.Writer
	logger *zap.Logger

	lifecycleMu sync.Mutex
	cfg         Config
	started     bool
	doneCh      chan struct{}

	rrCursor    atomic.Uint32
	lastCycleNs atomic.Uint64

	metrics drainMetrics
	scratch []byte
}

// NewWorker binds a registry and writer into a worker in the
// INITIALIZED state.
func NewWorker(reg *registry.ThreadRegistry, writer *atf.Writer, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Worker{
		reg:    reg,
		writer: writer,
		cfg:    cfg,
		logger: logger,
	}
	w.lastCycleNs.Store(event.Now())
	return w
}

// Start spawns the worker goroutine. Idempotent while running;
// returns ErrTerminated once the worker has stopped.
func (w *Worker) Start() error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.state.CompareAndSwap(int32(StateInitialized), int32(StateRunning)) {
		switch State(w.state.Load()) {
		case StateRunning:
			return nil
		default:
			return ErrTerminated
		}
	}

	w.started = true
	w.doneCh = make(chan struct{})
	go w.run(w.doneCh)

	w.logger.Debug("drain worker started")
	return nil
}

// Stop requests a cooperative stop, waits for the final drain pass,
// and joins the worker. Idempotent.
func (w *Worker) Stop() error {
	w.lifecycleMu.Lock()
	state := State(w.state.Load())
	if state == StateInitialized {
		w.lifecycleMu.Unlock()
		return nil
	}
	if state == StateRunning {
		w.state.Store(int32(StateStopping))
	}
	started := w.started
	doneCh := w.doneCh
	w.lifecycleMu.Unlock()

	if started && doneCh != nil {
		<-doneCh
	}
	return nil
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// UpdateConfig replaces the drain tuning. Only allowed while the
// worker is not running.
func (w *Worker) UpdateConfig(cfg Config) error {
	state := State(w.state.Load())
	if state == StateRunning || state == StateStopping {
		return ErrBusy
	}
	w.lifecycleMu.Lock()
	w.cfg = cfg
	w.lifecycleMu.Unlock()
	return nil
}

func (w *Worker) run(doneCh chan struct{}) {
	defer close(doneCh)

	cfg := w.currentConfig()
	for State(w.state.Load()) == StateRunning {
		work := w.cycle(cfg, false)
		w.metrics.cyclesTotal.Add(1)
		if !work {
			w.metrics.cyclesIdle.Add(1)
			if cfg.YieldOnIdle {
				runtime.Gosched()
				w.metrics.yields.Add(1)
			} else if cfg.PollInterval > 0 {
				time.Sleep(cfg.PollInterval)
				w.metrics.sleeps.Add(1)
				w.metrics.totalSleepUs.Add(uint64(cfg.PollInterval / time.Microsecond))
			}
		}
	}

	// Final pass with unbounded quantum: everything published before
	// the stop flag must reach the writer.
	w.metrics.finalDrains.Add(1)
	for {
		work := w.cycle(cfg, true)
		w.metrics.cyclesTotal.Add(1)
		if !work {
			break
		}
	}

	w.state.Store(int32(StateStopped))
	w.logger.Debug("drain worker stopped",
		zap.Uint64("rings_total", w.metrics.ringsTotal.Load()),
		zap.Uint64("io_errors", w.metrics.ioErrors.Load()))
}

func (w *Worker) currentConfig() Config {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()
	return w.cfg
}

func effectiveLimit(cfg Config, finalPass bool) uint32 {
	if finalPass {
		return ^uint32(0)
	}
	limit := cfg.MaxBatchSize
	quantum := cfg.FairnessQuantum
	if limit == 0 {
		limit = quantum
	} else if quantum > 0 && quantum < limit {
		limit = quantum
	}
	if limit == 0 {
		return ^uint32(0)
	}
	return limit
}

func (w *Worker) cycle(cfg Config, finalPass bool) bool {
	capacity := w.reg.Capacity()
	if capacity == 0 {
		return false
	}

	start := w.rrCursor.Load()
	if start >= capacity {
		start = 0
	}

	workDone := false
	for offset := uint32(0); offset < capacity; offset++ {
		idx := (start + offset) % capacity
		slot := w.reg.At(idx)
		if slot == nil && finalPass {
			// The final pass persists every published ring, including
			// those of slots that deregistered before the stop.
			slot = w.reg.SlotAt(idx)
		}
		if slot == nil {
			continue
		}

		processed, hitLimit := w.drainLane(cfg, slot, slot.Index, atf.LaneIndex, finalPass)
		if processed > 0 {
			workDone = true
		}
		if hitLimit {
			w.metrics.fairnessSwitches.Add(1)
		}

		processed, hitLimit = w.drainLane(cfg, slot, slot.Detail, atf.LaneDetail, finalPass)
		if processed > 0 {
			workDone = true
		}
		if hitLimit {
			w.metrics.fairnessSwitches.Add(1)
		}
	}

	w.rrCursor.Store((start + 1) % capacity)
	w.lastCycleNs.Store(event.Now())
	return workDone
}

func (w *Worker) drainLane(cfg Config, slot *registry.ThreadLaneSet, ln *lane.Lane, kind atf.LaneKind, finalPass bool) (uint32, bool) {
	if ln == nil {
		return 0, false
	}

	limit := effectiveLimit(cfg, finalPass)
	recordSize := ln.RecordSize()
	bp := slot.BPIndex
	if kind == atf.LaneDetail {
		bp = slot.BPDetail
	}

	var processed uint32
	for processed < limit {
		idx, ok := ln.TakeFromSubmit()
		if !ok {
			break
		}
		rb := ln.Ring(idx)

		if ln.TakeReclaim() {
			// The producer asked for the oldest submitted ring to be
			// reclaimed without writing: account its payload as lost.
			// The loss lands on the backpressure counters only; the
			// thread's events_dropped keeps counting per-call failures
			// so written+dropped still equals calls.
			records := rb.Len()
			bytes := uint64(records) * uint64(recordSize)
			rb.Reset()
			bp.OnDropRing(records, bytes, event.Now())
			w.metrics.ringsReclaimed.Add(1)
		} else {
			w.persistRing(cfg, slot, rb, kind, recordSize)
		}

		ln.ReturnToFree(idx)
		processed++
	}

	hitLimit := limit != ^uint32(0) && processed == limit

	if processed > 0 {
		w.metrics.ringsTotal.Add(uint64(processed))
		if kind == atf.LaneDetail {
			w.metrics.ringsDetail.Add(uint64(processed))
		} else {
			w.metrics.ringsIndex.Add(uint64(processed))
		}
		si := slot.SlotIndex()
		if si < registry.MaxThreads {
			laneIdx := 0
			if kind == atf.LaneDetail {
				laneIdx = 1
			}
			w.metrics.perThread[si][laneIdx].Add(uint64(processed))
		}
	}

	// Keep the state machine moving even when the producer is quiet:
	// recovery transitions depend on sampling after rings come back.
	bp.Sample(uint32(ln.FreeCount()), event.Now())

	return processed, hitLimit
}

func (w *Worker) persistRing(cfg Config, slot *registry.ThreadLaneSet, rb *ring.RingBuffer, kind atf.LaneKind, recordSize int) {
	if cap(w.scratch) < rb.Capacity() {
		w.scratch = make([]byte, rb.Capacity())
	}
	buf := w.scratch[:rb.Capacity()]
	n := rb.ReadBatch(buf, 0)
	if n == 0 {
		return
	}
	data := buf[:n*recordSize]

	if kind == atf.LaneDetail && cfg.DetailPersistence == PersistMarked && !containsMarked(data, recordSize) {
		w.metrics.ringsSkipped.Add(1)
		return
	}

	if err := w.writer.WriteRing(slot.SlotIndex(), kind, uint32(recordSize), data); err != nil {
		// The producer must keep moving: count, surface via status,
		// and recycle the ring regardless.
		w.metrics.ioErrors.Add(1)
		w.logger.Warn("stream write failed",
			zap.Uint32("slot_index", slot.SlotIndex()),
			zap.String("lane", kind.String()),
			zap.Error(err))
	}
}

func containsMarked(data []byte, recordSize int) bool {
	for off := 0; off+recordSize <= len(data); off += recordSize {
		if event.RecordMarked(data[off:]) {
			return true
		}
	}
	return false
}

// Snapshot exports the drain counters.
func (w *Worker) Snapshot() metrics.DrainSnapshot {
	snap := metrics.DrainSnapshot{
		CyclesTotal:      w.metrics.cyclesTotal.Load(),
		CyclesIdle:       w.metrics.cyclesIdle.Load(),
		RingsTotal:       w.metrics.ringsTotal.Load(),
		RingsIndex:       w.metrics.ringsIndex.Load(),
		RingsDetail:      w.metrics.ringsDetail.Load(),
		RingsReclaimed:   w.metrics.ringsReclaimed.Load(),
		RingsSkipped:     w.metrics.ringsSkipped.Load(),
		FairnessSwitches: w.metrics.fairnessSwitches.Load(),
		Sleeps:           w.metrics.sleeps.Load(),
		Yields:           w.metrics.yields.Load(),
		FinalDrains:      w.metrics.finalDrains.Load(),
		TotalSleepUs:     w.metrics.totalSleepUs.Load(),
		IOErrors:         w.metrics.ioErrors.Load(),
		LastCycleNs:      w.lastCycleNs.Load(),
	}
	capacity := w.reg.Capacity()
	snap.RingsPerThread = make([][2]uint64, capacity)
	for i := uint32(0); i < capacity; i++ {
		snap.RingsPerThread[i][0] = w.metrics.perThread[i][0].Load()
		snap.RingsPerThread[i][1] = w.metrics.perThread[i][1].Load()
	}
	return snap
}
