// Package backpressure tracks free-ring occupancy per lane and drives
// the NORMAL -> PRESSURE -> DROPPING -> RECOVERY state machine that
// schedules the pipeline's drop and recovery policies.
package backpressure

import (
	"math"
	"sync/atomic"

	"go.uber.org/zap"
)

// Mode classifies a lane's free-pool occupancy.
type Mode int32

const (
	ModeNormal Mode = iota
	ModePressure
	ModeDropping
	ModeRecovery
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "NORMAL"
	case ModePressure:
		return "PRESSURE"
	case ModeDropping:
		return "DROPPING"
	case ModeRecovery:
		return "RECOVERY"
	default:
		return "UNKNOWN"
	}
}

// Config tunes the state machine thresholds.
type Config struct {
	PressureThresholdPercent uint32 `mapstructure:"pressure_threshold_percent" yaml:"pressure_threshold_percent"`
	RecoveryThresholdPercent uint32 `mapstructure:"recovery_threshold_percent" yaml:"recovery_threshold_percent"`
	RecoveryStableNs         uint64 `mapstructure:"recovery_stable_ns" yaml:"recovery_stable_ns"`
	DropLogInterval          uint32 `mapstructure:"drop_log_interval" yaml:"drop_log_interval"`
}

// DefaultConfig returns the 25% / 50% / 1s / 64 defaults.
func DefaultConfig() Config {
	return Config{
		PressureThresholdPercent: 25,
		RecoveryThresholdPercent: 50,
		RecoveryStableNs:         1_000_000_000,
		DropLogInterval:          64,
	}
}

// Validate repairs out-of-range or inverted values in place and reports
// whether the configuration was already valid. Repair rules: thresholds
// outside their ranges revert to defaults; an inverted pair is fixed by
// raising recovery to pressure+5 unless pressure is already >= 95, in
// which case both revert to defaults. Validate is idempotent on any
// configuration it has already repaired.
func (c *Config) Validate() bool {
	valid := true
	defaults := DefaultConfig()

	if c.PressureThresholdPercent == 0 || c.PressureThresholdPercent >= 100 {
		c.PressureThresholdPercent = defaults.PressureThresholdPercent
		valid = false
	}
	if c.RecoveryThresholdPercent == 0 || c.RecoveryThresholdPercent > 100 {
		c.RecoveryThresholdPercent = defaults.RecoveryThresholdPercent
		valid = false
	}
	if c.PressureThresholdPercent >= c.RecoveryThresholdPercent {
		if c.PressureThresholdPercent < 95 {
			c.RecoveryThresholdPercent = c.PressureThresholdPercent + 5
		} else {
			c.PressureThresholdPercent = defaults.PressureThresholdPercent
			c.RecoveryThresholdPercent = defaults.RecoveryThresholdPercent
		}
		valid = false
	}
	if c.DropLogInterval == 0 {
		c.DropLogInterval = defaults.DropLogInterval
		valid = false
	}
	if c.RecoveryStableNs == 0 {
		c.RecoveryStableNs = defaults.RecoveryStableNs
		valid = false
	}
	return valid
}

// Metrics is a point-in-time snapshot of a lane's backpressure state.
type Metrics struct {
	Mode            Mode   `json:"mode"`
	Transitions     uint64 `json:"transitions"`
	EventsDropped   uint64 `json:"events_dropped"`
	BytesDropped    uint64 `json:"bytes_dropped"`
	DropSequences   uint64 `json:"drop_sequences"`
	FreeRings       uint32 `json:"free_rings"`
	TotalRings      uint32 `json:"total_rings"`
	LowWatermark    uint32 `json:"low_watermark"`
	LastDropNs      uint64 `json:"last_drop_ns"`
	LastRecoveryNs  uint64 `json:"last_recovery_ns"`
	PressureStartNs uint64 `json:"pressure_start_ns"`
}

// State is one lane's backpressure instance. All counters are updated
// with plain atomic operations; the mode field alone synchronizes
// transitions.
type State struct {
	mode        atomic.Int32
	transitions atomic.Uint64

	eventsDropped atomic.Uint64
	bytesDropped  atomic.Uint64
	dropSequences atomic.Uint64

	freeRings    atomic.Uint32
	totalRings   atomic.Uint32
	lowWatermark atomic.Uint32

	lastDropNs          atomic.Uint64
	lastRecoveryNs      atomic.Uint64
	pressureStartNs     atomic.Uint64
	recoveryCandidateNs atomic.Uint64

	config Config
	logger *zap.Logger
}

// NewState creates a backpressure instance. A nil config uses defaults;
// invalid values are repaired. A nil logger disables logging.
func NewState(cfg *Config, logger *zap.Logger) *State {
	effective := DefaultConfig()
	if cfg != nil {
		effective = *cfg
	}
	effective.Validate()

	s := &State{
		config: effective,
		logger: logger,
	}
	s.lowWatermark.Store(math.MaxUint32)
	return s
}

// Reset clears all counters and returns to NORMAL, preserving config.
func (s *State) Reset() {
	s.mode.Store(int32(ModeNormal))
	s.transitions.Store(0)
	s.eventsDropped.Store(0)
	s.bytesDropped.Store(0)
	s.dropSequences.Store(0)
	s.freeRings.Store(0)
	s.totalRings.Store(0)
	s.lowWatermark.Store(math.MaxUint32)
	s.lastDropNs.Store(0)
	s.lastRecoveryNs.Store(0)
	s.pressureStartNs.Store(0)
	s.recoveryCandidateNs.Store(0)
}

// SetTotalRings binds the lane's pool size. Zero is ignored.
func (s *State) SetTotalRings(total uint32) {
	if total == 0 {
		return
	}
	if s.totalRings.Load() == total {
		return
	}
	s.totalRings.Store(total)
}

// Config returns the effective (repaired) configuration.
func (s *State) Config() Config {
	return s.config
}

func (s *State) updateLowWatermark(free uint32) {
	low := s.lowWatermark.Load()
	for free < low {
		if s.lowWatermark.CompareAndSwap(low, free) {
			return
		}
		low = s.lowWatermark.Load()
	}
}

func (s *State) totalEffective() uint32 {
	total := s.totalRings.Load()
	if total == 0 {
		return 1
	}
	return total
}

func thresholdCrossed(percent, total, free uint32) bool {
	if total == 0 {
		return false
	}
	return uint64(free)*100 < uint64(percent)*uint64(total)
}

func (s *State) transition(expected, desired Mode, nowNs uint64) {
	for {
		cur := Mode(s.mode.Load())
		if cur != expected {
			return
		}
		if !s.mode.CompareAndSwap(int32(expected), int32(desired)) {
			continue
		}
		s.transitions.Add(1)
		switch desired {
		case ModePressure:
			s.pressureStartNs.Store(nowNs)
		case ModeRecovery:
			s.recoveryCandidateNs.Store(nowNs)
		case ModeNormal:
			s.pressureStartNs.Store(0)
			s.recoveryCandidateNs.Store(0)
		}
		if expected != desired && s.logger != nil {
			s.logger.Debug("backpressure state transition",
				zap.String("from", expected.String()),
				zap.String("to", desired.String()))
		}
		return
	}
}

// Sample records the current free-ring count and advances the state
// machine. nowNs is used as given for transition timestamps and the
// recovery stability window; no clock is read here, so callers pass the
// timestamp they already hold.
func (s *State) Sample(freeRings uint32, nowNs uint64) {
	s.freeRings.Store(freeRings)
	s.updateLowWatermark(freeRings)

	total := s.totalEffective()
	switch Mode(s.mode.Load()) {
	case ModeNormal:
		if thresholdCrossed(s.config.PressureThresholdPercent, total, freeRings) {
			s.transition(ModeNormal, ModePressure, nowNs)
		}
	case ModePressure:
		if freeRings == 0 {
			s.transition(ModePressure, ModeDropping, nowNs)
		} else if !thresholdCrossed(s.config.PressureThresholdPercent, total, freeRings) {
			s.transition(ModePressure, ModeNormal, nowNs)
		}
	case ModeDropping:
		if !thresholdCrossed(s.config.RecoveryThresholdPercent, total, freeRings) {
			s.transition(ModeDropping, ModeRecovery, nowNs)
		}
	case ModeRecovery:
		if thresholdCrossed(s.config.PressureThresholdPercent, total, freeRings) {
			s.transition(ModeRecovery, ModePressure, nowNs)
			return
		}
		candidate := s.recoveryCandidateNs.Load()
		if candidate == 0 {
			s.recoveryCandidateNs.Store(nowNs)
			return
		}
		if nowNs-candidate >= s.config.RecoveryStableNs {
			s.transition(ModeRecovery, ModeNormal, nowNs)
			s.lastRecoveryNs.Store(nowNs)
		}
	}
}

// OnExhaustion records a pool-exhaustion event and forces the machine
// toward DROPPING regardless of the sampled occupancy.
func (s *State) OnExhaustion(nowNs uint64) {
	s.transition(ModeNormal, ModePressure, nowNs)
	s.transition(ModeRecovery, ModeDropping, nowNs)
	s.transition(ModePressure, ModeDropping, nowNs)
	s.transition(ModeNormal, ModeDropping, nowNs)
}

// OnDrop accounts one dropped record.
func (s *State) OnDrop(droppedBytes int, nowNs uint64) {
	s.onDrop(1, uint64(droppedBytes), nowNs)
}

// OnDropRing accounts a whole reclaimed ring's worth of records as a
// single drop sequence.
func (s *State) OnDropRing(records int, droppedBytes uint64, nowNs uint64) {
	if records <= 0 {
		return
	}
	s.onDrop(uint64(records), droppedBytes, nowNs)
}

func (s *State) onDrop(records, droppedBytes, nowNs uint64) {
	drops := s.eventsDropped.Add(records)
	s.bytesDropped.Add(droppedBytes)
	s.lastDropNs.Store(nowNs)
	s.dropSequences.Add(1)

	interval := uint64(s.config.DropLogInterval)
	if interval != 0 && drops%interval == 0 && s.logger != nil {
		s.logger.Info("backpressure drops",
			zap.Uint64("events_dropped", drops),
			zap.Uint64("bytes_dropped", s.bytesDropped.Load()),
			zap.Uint64("drop_sequences", s.dropSequences.Load()),
			zap.String("mode", Mode(s.mode.Load()).String()),
			zap.Uint32("free_rings", s.freeRings.Load()),
			zap.Uint32("total_rings", s.totalRings.Load()),
			zap.Uint32("low_watermark", s.LowWatermark()))
	}
}

// OnRecovery records that the pool regained capacity; when in DROPPING
// it advances to RECOVERY.
func (s *State) OnRecovery(freeRings uint32, nowNs uint64) {
	s.freeRings.Store(freeRings)
	s.lastRecoveryNs.Store(nowNs)
	if Mode(s.mode.Load()) == ModeDropping {
		s.transition(ModeDropping, ModeRecovery, nowNs)
	}
}

// Mode returns the current mode.
func (s *State) Mode() Mode {
	return Mode(s.mode.Load())
}

// Drops returns the total events dropped.
func (s *State) Drops() uint64 {
	return s.eventsDropped.Load()
}

// LowWatermark returns the lowest observed free-ring count, or 0 when
// nothing has been sampled yet.
func (s *State) LowWatermark() uint32 {
	low := s.lowWatermark.Load()
	if low == math.MaxUint32 {
		return 0
	}
	return low
}

// Metrics exports a snapshot of all counters.
func (s *State) Metrics() Metrics {
	return Metrics{
		Mode:            Mode(s.mode.Load()),
		Transitions:     s.transitions.Load(),
		EventsDropped:   s.eventsDropped.Load(),
		BytesDropped:    s.bytesDropped.Load(),
		DropSequences:   s.dropSequences.Load(),
		FreeRings:       s.freeRings.Load(),
		TotalRings:      s.totalRings.Load(),
		LowWatermark:    s.LowWatermark(),
		LastDropNs:      s.lastDropNs.Load(),
		LastRecoveryNs:  s.lastRecoveryNs.Load(),
		PressureStartNs: s.pressureStartNs.Load(),
	}
}
