package config

import "time"

// PipelineConfig configures the batch scheduler.
type PipelineConfig struct {
	// BatchMax is the per-cycle read ceiling. Doubled while queue depth
	// exceeds SoftPressure.
	BatchMax int `yaml:"batch_max"`

	// Interval between cycles when the previous cycle was non-empty.
	Interval time.Duration `yaml:"interval"`

	// IdleInterval between cycles after an empty cycle; overflow merge runs
	// on these.
	IdleInterval time.Duration `yaml:"idle_interval"`

	// LowKeepRate is the importance-sampling keep rate for events with
	// importance < LowImportance. Higher-importance events are always kept.
	LowKeepRate   float64 `yaml:"low_keep_rate"`
	LowImportance float64 `yaml:"low_importance"`

	// SoftPressure doubles batch size; HardPressure makes ingest answer 429.
	SoftPressure int64 `yaml:"soft_pressure"`
	HardPressure int64 `yaml:"hard_pressure"`
}

// DefaultPipelineConfig returns the pipeline defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		BatchMax:      1000,
		Interval:      250 * time.Millisecond,
		IdleInterval:  time.Second,
		LowKeepRate:   0.25,
		LowImportance: 0.3,
		SoftPressure:  5000,
		HardPressure:  20000,
	}
}
