// Package session binds the thread registry, drain worker, stream
// writer, and signal-driven shutdown into one trace session lifecycle,
// and carries the producer fast path that instrumentation callbacks
// invoke.
package session

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/adatrace/adatrace/pkg/atf"
	"github.com/adatrace/adatrace/pkg/config"
	"github.com/adatrace/adatrace/pkg/drain"
	"github.com/adatrace/adatrace/pkg/event"
	"github.com/adatrace/adatrace/pkg/hookreg"
	"github.com/adatrace/adatrace/pkg/metrics"
	"github.com/adatrace/adatrace/pkg/registry"
)

var (
	// ErrSessionActive is returned by Start when a session already runs
	// in this process.
	ErrSessionActive = errors.New("session: another session is active")
	// ErrConfig marks structural configuration failures (unwritable
	// output, bad arena shape). CLI exit code 1.
	ErrConfig = errors.New("session: configuration error")
	// ErrCapacity marks arena allocation failures. CLI exit code 2.
	ErrCapacity = errors.New("session: capacity error")
	// ErrFinalize marks I/O failures during session finalize. CLI exit
	// code 3.
	ErrFinalize = errors.New("session: finalize I/O error")
)

// ExitCode maps a Start/Stop error to the CLI exit code contract:
// 0 clean, 1 configuration, 2 capacity, 3 finalize I/O.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrCapacity):
		return 2
	case errors.Is(err, ErrFinalize):
		return 3
	default:
		return 1
	}
}

const tidCacheSize = 256 // power of two

var current atomic.Pointer[Session]

// Current returns the process's active session, or nil.
func Current() *Session {
	return current.Load()
}

// Session is one bounded lifecycle of the tracing pipeline.
type Session struct {
	cfg    *config.Config
	logger *zap.Logger

	reg      *registry.ThreadRegistry
	writer   *atf.Writer
	worker   *drain.Worker
	hooks    *hookreg.HookRegistry
	reporter *metrics.Reporter

	accepting atomic.Bool

	sessionID  string
	sessionDir string
	startWall  time.Time
	startMono  uint64

	// Producer thread-id to slot-index cache; packed (tid+1)<<32|slot+1.
	tidCache [tidCacheSize]atomic.Uint64
	// Calls dropped because registration failed (capacity) or the
	// platform offers no implicit thread identity.
	registrationDrops atomic.Uint64
	syntheticTID      atomic.Uint32

	sigCh      chan os.Signal
	signalOnce sync.Once
	signalled  chan struct{}

	otelCleanup func()

	stopOnce sync.Once
	stopErr  error
}

// Start validates (repairing) the configuration, builds the pipeline,
// spawns the drain worker, and makes the session current. Only one
// session may be active per process.
func Start(cfg *config.Config, logger *zap.Logger) (*Session, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if !cfg.Validate() {
		logger.Warn("invalid session configuration repaired; proceeding with adjusted values")
	}

	startWall := time.Now().UTC()
	label := cfg.SessionLabel
	if label == "" {
		label = "trace-" + startWall.Format("20060102-150405")
	}

	s := &Session{
		cfg:       cfg,
		logger:    logger,
		hooks:     hookreg.NewHookRegistry(),
		sessionID: uuid.NewString(),
		startWall: startWall,
		startMono: event.Now(),
		signalled: make(chan struct{}),
	}
	s.sessionDir = filepath.Join(cfg.OutputRoot, label)

	if !current.CompareAndSwap(nil, s) {
		return nil, ErrSessionActive
	}

	writer, err := atf.NewWriter(s.sessionDir, logger)
	if err != nil {
		current.Store(nil)
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	s.writer = writer

	reg, err := registry.NewThreadRegistry(registry.Config{
		Capacity:         cfg.Capacity,
		RingsPerLane:     cfg.RingsPerLane,
		RingBytesIndex:   cfg.RingBytesIndex,
		RingBytesDetail:  cfg.RingBytesDetail,
		DetailRecordSize: cfg.DetailRecordSize(),
		Backpressure:     cfg.Backpressure,
		Logger:           logger,
	})
	if err != nil {
		current.Store(nil)
		return nil, fmt.Errorf("%w: %v", ErrCapacity, err)
	}
	s.reg = reg

	policy := drain.PersistAlways
	if cfg.Detail.Persistence == config.PersistMarked {
		policy = drain.PersistMarked
	}
	s.worker = drain.NewWorker(reg, writer, drain.Config{
		PollInterval:      time.Duration(cfg.Drain.PollIntervalUs) * time.Microsecond,
		MaxBatchSize:      uint32(cfg.Drain.MaxBatchSize),
		FairnessQuantum:   uint32(cfg.Drain.FairnessQuantum),
		YieldOnIdle:       cfg.Drain.YieldOnIdle,
		DetailPersistence: policy,
	}, logger)
	if err := s.worker.Start(); err != nil {
		current.Store(nil)
		return nil, fmt.Errorf("%w: %v", ErrCapacity, err)
	}

	if cfg.Reporter.Enabled {
		s.reporter = metrics.NewReporter(s, time.Duration(cfg.Reporter.IntervalMs)*time.Millisecond, logger)
		s.reporter.Start()
	}

	s.registerOtelMetrics()

	if cfg.HandleSignals {
		s.installSignalHandler()
	}

	s.accepting.Store(true)
	logger.Info("trace session started",
		zap.String("session_id", s.sessionID),
		zap.String("session_dir", s.sessionDir),
		zap.Uint32("capacity", cfg.Capacity),
		zap.Int("rings_per_lane", cfg.RingsPerLane))
	return s, nil
}

// SessionID returns the session identifier.
func (s *Session) SessionID() string { return s.sessionID }

// SessionDir returns the directory holding this session's streams and
// manifest.
func (s *Session) SessionDir() string { return s.sessionDir }

// Hooks returns the session's symbol/hook registry.
func (s *Session) Hooks() *hookreg.HookRegistry { return s.hooks }

// Accepting reports whether the session still records new events.
func (s *Session) Accepting() bool { return s.accepting.Load() }

// Signalled is closed when a shutdown signal arrives; callers that
// handed signal handling to the session wait on it before Stop.
func (s *Session) Signalled() <-chan struct{} { return s.signalled }

func (s *Session) installSignalHandler() {
	s.sigCh = make(chan os.Signal, 1)
	signal.Notify(s.sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.sigCh
		if !ok {
			return
		}
		// The handler only flips the accepting flag; producers observe
		// it on their next event attempt.
		s.accepting.Store(false)
		s.logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		s.signalOnce.Do(func() { close(s.signalled) })
	}()
}

// Stop transitions the session out of accepting, flushes producer
// rings, drains everything in flight, finalizes the per-thread streams,
// and writes the manifest. Idempotent: later calls return the first
// result.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		s.stopErr = s.stop()
	})
	return s.stopErr
}

func (s *Session) stop() error {
	s.accepting.Store(false)
	// Producers that raced past the accepting check finish their ring
	// write within nanoseconds; give them a beat before publishing
	// their active rings from this thread.
	time.Sleep(200 * time.Microsecond)

	s.flushProducerRings()

	if err := s.worker.Stop(); err != nil {
		s.logger.Warn("drain stop failed", zap.Error(err))
	}

	s.reg.Deinit()

	if s.reporter != nil {
		s.reporter.Stop()
	}
	if s.sigCh != nil {
		signal.Stop(s.sigCh)
		close(s.sigCh)
	}
	if s.otelCleanup != nil {
		s.otelCleanup()
	}

	streams, finalizeErr := s.writer.Finalize()
	manifestErr := s.writeManifest(streams)

	current.CompareAndSwap(s, nil)

	stopMono := event.Now()
	s.logger.Info("trace session stopped",
		zap.String("session_id", s.sessionID),
		zap.Uint64("duration_ns", stopMono-s.startMono))

	if finalizeErr != nil {
		return fmt.Errorf("%w: %v", ErrFinalize, finalizeErr)
	}
	if manifestErr != nil {
		return fmt.Errorf("%w: %v", ErrFinalize, manifestErr)
	}
	return nil
}

// flushProducerRings publishes every thread's partially filled active
// rings so the final drain pass persists them. Deactivated slots are
// included: their producers are gone, which makes the publish safe.
func (s *Session) flushProducerRings() {
	for i := uint32(0); i < s.reg.Capacity(); i++ {
		slot := s.reg.SlotAt(i)
		if slot == nil {
			continue
		}
		s.flushLane(slot, true)
		s.flushLane(slot, false)
	}
}

func (s *Session) flushLane(slot *registry.ThreadLaneSet, index bool) {
	ln := slot.Index
	bp := slot.BPIndex
	if !index {
		ln = slot.Detail
		bp = slot.BPDetail
	}
	if ln.Active().Empty() {
		return
	}
	// Swap when a free ring exists. Otherwise publish the active ring
	// without a replacement: the running drain skips deactivated slots,
	// so their pools do not refill before the final pass. Bounded
	// retries before conceding the payload.
	for attempt := 0; attempt < 200; attempt++ {
		lost, err := ln.SwapActive()
		if err == nil {
			if lost > 0 {
				bp.OnDropRing(lost, uint64(lost*ln.RecordSize()), event.Now())
			}
			return
		}
		if ln.FreeCount() == 0 {
			// The submit queue is sized to the pool, so it has room for
			// the active ring. The producer is quiesced, so the lane sees
			// no more writes.
			if ln.PublishActive() {
				return
			}
		}
		time.Sleep(time.Millisecond)
	}
	records := ln.Active().Len()
	if records > 0 {
		bp.OnDropRing(records, uint64(records*ln.RecordSize()), event.Now())
		s.logger.Warn("unpublished ring lost at shutdown",
			zap.Uint32("slot_index", slot.SlotIndex()),
			zap.Int("records", records))
	}
}

func (s *Session) writeManifest(streams []atf.StreamInfo) error {
	stopWall := time.Now().UTC()
	stopMono := event.Now()

	byLane := make(map[uint32]map[atf.LaneKind]atf.StreamInfo)
	for _, info := range streams {
		if byLane[info.SlotIndex] == nil {
			byLane[info.SlotIndex] = make(map[atf.LaneKind]atf.StreamInfo)
		}
		byLane[info.SlotIndex][info.Kind] = info
	}

	var threads []atf.ThreadManifest
	for i := uint32(0); i < s.reg.Capacity(); i++ {
		slot := s.reg.SlotAt(i)
		if slot == nil {
			continue
		}
		snap := slot.Metrics.Snapshot()
		lanes := byLane[i]
		if snap.EventsWritten == 0 && snap.EventsDropped == 0 && len(lanes) == 0 {
			continue
		}
		tm := atf.ThreadManifest{
			SlotIndex:     i,
			ThreadID:      slot.ThreadID(),
			EventsWritten: snap.EventsWritten,
			EventsDropped: snap.EventsDropped,
		}
		if info, ok := lanes[atf.LaneIndex]; ok {
			tm.IndexPath = info.Path
		}
		if info, ok := lanes[atf.LaneDetail]; ok {
			tm.DetailPath = info.Path
		}
		threads = append(threads, tm)
	}

	modules, symbols := s.hooks.Export()
	manifest := &atf.Manifest{
		FormatVersion:   atf.FormatVersion,
		SessionID:       s.sessionID,
		PID:             os.Getpid(),
		StartedAtNsMono: s.startMono,
		StartedAtUTC:    s.startWall.Format(time.RFC3339Nano),
		StoppedAtNsMono: stopMono,
		StoppedAtUTC:    stopWall.Format(time.RFC3339Nano),
		OS:              runtime.GOOS,
		Arch:            runtime.GOARCH,
		Threads:         threads,
		Modules:         modules,
		Symbols:         symbols,
	}
	return atf.WriteManifest(s.sessionDir, manifest)
}

// Snapshot is the session status view, safe to take from any thread.
type Snapshot struct {
	SessionID         string         `json:"session_id"`
	DrainState        string         `json:"drain_state"`
	Accepting         bool           `json:"accepting"`
	RegistrationDrops uint64         `json:"registration_drops"`
	Metrics           metrics.Report `json:"metrics"`
}

// Status returns the current session snapshot.
func (s *Session) Status() Snapshot {
	return Snapshot{
		SessionID:         s.sessionID,
		DrainState:        s.worker.State().String(),
		Accepting:         s.accepting.Load(),
		RegistrationDrops: s.registrationDrops.Load(),
		Metrics:           s.CollectMetrics(),
	}
}

// CollectMetrics implements metrics.Collector.
func (s *Session) CollectMetrics() metrics.Report {
	report := metrics.Report{
		Capacity:      s.reg.Capacity(),
		ActiveThreads: s.reg.ActiveCount(),
		Drain:         s.worker.Snapshot(),
	}
	for i := uint32(0); i < s.reg.Capacity(); i++ {
		slot := s.reg.At(i)
		if slot == nil {
			continue
		}
		report.Threads = append(report.Threads, metrics.ThreadReport{
			SlotIndex: slot.SlotIndex(),
			ThreadID:  slot.ThreadID(),
			Counters:  slot.Metrics.Snapshot(),
			IndexBP:   slot.BPIndex.Metrics(),
			DetailBP:  slot.BPDetail.Metrics(),
		})
	}
	return report
}
