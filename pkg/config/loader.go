package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Load reads a session configuration from an optional YAML file with
// ADATRACE_* environment overrides layered on top (nested keys use
// underscores, e.g. ADATRACE_BP_PRESSURE_THRESHOLD_PERCENT). Defaults
// fill anything left unset; Validate is NOT applied here so callers can
// distinguish repaired values from loaded ones.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ADATRACE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("capacity", d.Capacity)
	v.SetDefault("rings_per_lane", d.RingsPerLane)
	v.SetDefault("ring_bytes_index", d.RingBytesIndex)
	v.SetDefault("ring_bytes_detail", d.RingBytesDetail)
	v.SetDefault("stack_bytes", d.StackBytes)
	v.SetDefault("output_root", d.OutputRoot)
	v.SetDefault("session_label", d.SessionLabel)
	v.SetDefault("handle_signals", d.HandleSignals)
	v.SetDefault("drain.poll_interval_us", d.Drain.PollIntervalUs)
	v.SetDefault("drain.max_batch_size", d.Drain.MaxBatchSize)
	v.SetDefault("drain.fairness_quantum", d.Drain.FairnessQuantum)
	v.SetDefault("drain.yield_on_idle", d.Drain.YieldOnIdle)
	v.SetDefault("bp.pressure_threshold_percent", d.Backpressure.PressureThresholdPercent)
	v.SetDefault("bp.recovery_threshold_percent", d.Backpressure.RecoveryThresholdPercent)
	v.SetDefault("bp.recovery_stable_ns", d.Backpressure.RecoveryStableNs)
	v.SetDefault("bp.drop_log_interval", d.Backpressure.DropLogInterval)
	v.SetDefault("detail.persistence", d.Detail.Persistence)
	v.SetDefault("reporter.enabled", d.Reporter.Enabled)
	v.SetDefault("reporter.interval_ms", d.Reporter.IntervalMs)
}
