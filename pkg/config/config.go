// Package config defines the trace session configuration, its
// defaults, and the repairing validator. Loading from file/env lives in
// loader.go.
package config

import (
	"github.com/adatrace/adatrace/pkg/backpressure"
	"github.com/adatrace/adatrace/pkg/event"
	"github.com/adatrace/adatrace/pkg/registry"
)

// Persistence values for the detail lane.
const (
	PersistAlways = "always"
	PersistMarked = "marked"
)

// DrainConfig tunes the drain loop.
type DrainConfig struct {
	PollIntervalUs  int  `mapstructure:"poll_interval_us" yaml:"poll_interval_us"`
	MaxBatchSize    int  `mapstructure:"max_batch_size" yaml:"max_batch_size"`
	FairnessQuantum int  `mapstructure:"fairness_quantum" yaml:"fairness_quantum"`
	YieldOnIdle     bool `mapstructure:"yield_on_idle" yaml:"yield_on_idle"`
}

// DetailConfig tunes the detail lane.
type DetailConfig struct {
	Persistence string `mapstructure:"persistence" yaml:"persistence"`
}

// ReporterConfig tunes the metrics reporter collaborator.
type ReporterConfig struct {
	Enabled    bool `mapstructure:"enabled" yaml:"enabled"`
	IntervalMs int  `mapstructure:"interval_ms" yaml:"interval_ms"`
}

// Config is the full session configuration.
type Config struct {
	Capacity        uint32 `mapstructure:"capacity" yaml:"capacity"`
	RingsPerLane    int    `mapstructure:"rings_per_lane" yaml:"rings_per_lane"`
	RingBytesIndex  int    `mapstructure:"ring_bytes_index" yaml:"ring_bytes_index"`
	RingBytesDetail int    `mapstructure:"ring_bytes_detail" yaml:"ring_bytes_detail"`
	StackBytes      int    `mapstructure:"stack_bytes" yaml:"stack_bytes"`

	OutputRoot   string `mapstructure:"output_root" yaml:"output_root"`
	SessionLabel string `mapstructure:"session_label" yaml:"session_label"`

	// HandleSignals installs SIGINT/SIGTERM handlers that initiate
	// cooperative shutdown.
	HandleSignals bool `mapstructure:"handle_signals" yaml:"handle_signals"`

	Drain        DrainConfig         `mapstructure:"drain" yaml:"drain"`
	Backpressure backpressure.Config `mapstructure:"bp" yaml:"bp"`
	Detail       DetailConfig        `mapstructure:"detail" yaml:"detail"`
	Reporter     ReporterConfig      `mapstructure:"reporter" yaml:"reporter"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Capacity:        registry.MaxThreads,
		RingsPerLane:    8,
		RingBytesIndex:  64 * 1024,
		RingBytesDetail: 256 * 1024,
		StackBytes:      192,
		OutputRoot:      "./traces",
		SessionLabel:    "",
		HandleSignals:   false,
		Drain: DrainConfig{
			PollIntervalUs:  1000,
			MaxBatchSize:    8,
			FairnessQuantum: 8,
		},
		Backpressure: backpressure.DefaultConfig(),
		Detail:       DetailConfig{Persistence: PersistAlways},
		Reporter:     ReporterConfig{IntervalMs: 10_000},
	}
}

func nextPow2(v int) int {
	if v < 1 {
		return 1
	}
	p := 1
	for p < v {
		p <<= 1
	}
	return p
}

// DetailRecordSize returns the on-wire detail record size implied by
// the (validated) stack capacity.
func (c *Config) DetailRecordSize() int {
	return event.DetailRecordSize(c.StackBytes)
}

// Validate repairs out-of-range values in place and reports whether the
// configuration was already valid. The session proceeds with the
// repaired configuration either way; callers log "invalid" when this
// returns false. Idempotent on repaired configurations.
func (c *Config) Validate() bool {
	valid := true
	defaults := Default()

	if c.Capacity == 0 || c.Capacity > registry.MaxThreads {
		c.Capacity = defaults.Capacity
		valid = false
	}
	if c.RingsPerLane < 1 || c.RingsPerLane > 1024 {
		c.RingsPerLane = defaults.RingsPerLane
		valid = false
	}

	if c.StackBytes < 0 || c.StackBytes > 64*1024 {
		c.StackBytes = defaults.StackBytes
		valid = false
	}
	// Detail records must divide the ring capacity evenly so records
	// never straddle the wrap point: grow the snapshot area until the
	// record size is a power of two.
	if rounded := nextPow2(event.DetailRecordSize(c.StackBytes)); rounded != event.DetailRecordSize(c.StackBytes) {
		c.StackBytes = rounded - event.DetailHeadSize
	}

	if fixed := repairRingBytes(c.RingBytesIndex, event.IndexRecordSize, defaults.RingBytesIndex); fixed != c.RingBytesIndex {
		c.RingBytesIndex = fixed
		valid = false
	}
	if fixed := repairRingBytes(c.RingBytesDetail, c.DetailRecordSize(), defaults.RingBytesDetail); fixed != c.RingBytesDetail {
		c.RingBytesDetail = fixed
		valid = false
	}

	if c.OutputRoot == "" {
		c.OutputRoot = defaults.OutputRoot
		valid = false
	}

	if c.Drain.PollIntervalUs < 0 {
		c.Drain.PollIntervalUs = defaults.Drain.PollIntervalUs
		valid = false
	}
	if c.Drain.MaxBatchSize < 0 {
		c.Drain.MaxBatchSize = defaults.Drain.MaxBatchSize
		valid = false
	}
	if c.Drain.FairnessQuantum < 0 {
		c.Drain.FairnessQuantum = defaults.Drain.FairnessQuantum
		valid = false
	}

	if !c.Backpressure.Validate() {
		valid = false
	}

	switch c.Detail.Persistence {
	case PersistAlways, PersistMarked:
	case "":
		c.Detail.Persistence = PersistAlways
	default:
		c.Detail.Persistence = PersistAlways
		valid = false
	}

	if c.Reporter.IntervalMs <= 0 {
		c.Reporter.IntervalMs = defaults.Reporter.IntervalMs
		valid = false
	}

	return valid
}

// repairRingBytes rounds a ring capacity up to a valid power of two
// holding at least two records, falling back to the default for
// nonsensical input.
func repairRingBytes(bytes, recordSize, fallback int) int {
	if bytes <= 0 {
		bytes = fallback
	}
	if bytes < 2*recordSize {
		bytes = 2 * recordSize
	}
	return nextPow2(bytes)
}
