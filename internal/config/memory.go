package config

// MemoryConfig configures memory capture.
type MemoryConfig struct {
	// Threshold below which a scored candidate is not queued as a pending
	// memory.
	Threshold float64 `yaml:"threshold"`

	// MinChars/MaxChars bound the captured statement. Shorter candidates are
	// noise; longer ones are truncated at a word boundary.
	MinChars int `yaml:"min_chars"`
	MaxChars int `yaml:"max_chars"`
}

// DefaultMemoryConfig returns the memory-capture defaults.
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		Threshold: 0.5,
		MinChars:  16,
		MaxChars:  480,
	}
}

// RalphConfig configures the Meta-Ralph quality gate. The verdict bands were
// inferred from observed score distributions; keep them configurable.
type RalphConfig struct {
	// DedupThreshold is the token-set cosine similarity above which a
	// candidate is a duplicate of an existing insight.
	DedupThreshold float64 `yaml:"dedup_threshold"`

	// PrimitiveMax, NeedsWorkMax, DedupBandMax are the verdict band edges:
	// total <= PrimitiveMax => primitive; <= NeedsWorkMax => needs_work;
	// <= DedupBandMax => quality only if dedup passes; above => quality.
	PrimitiveMax int `yaml:"primitive_max"`
	NeedsWorkMax int `yaml:"needs_work_max"`
	DedupBandMax int `yaml:"dedup_band_max"`

	// RoastHistoryCap bounds the roast-history file (entries kept).
	RoastHistoryCap int `yaml:"roast_history_cap"`
}

// DefaultRalphConfig returns the quality-gate defaults.
func DefaultRalphConfig() RalphConfig {
	return RalphConfig{
		DedupThreshold:  0.85,
		PrimitiveMax:    1,
		NeedsWorkMax:    3,
		DedupBandMax:    5,
		RoastHistoryCap: 500,
	}
}
