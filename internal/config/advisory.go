package config

import "time"

// AdvisoryConfig configures retrieval, fusion, suppression, and delivery.
// This section is hot-reloadable: the config watcher publishes an updated
// snapshot that the advisory engine swaps in atomically.
type AdvisoryConfig struct {
	// Budget is the hard ceiling for one advise call; QuickMin is the
	// remaining-budget floor below which the engine bypasses rerank and the
	// semantic source.
	Budget   time.Duration `yaml:"budget"`
	QuickMin time.Duration `yaml:"quick_min"`

	// PerSourceK is the per-source retrieval cap; MaxEmit caps delivery.
	PerSourceK int `yaml:"per_source_k"`
	MaxEmit    int `yaml:"max_emit"`

	// RerankTop bounds the deterministic reranker's input.
	RerankTop int `yaml:"rerank_top"`

	// SourceWeights are the RRF coefficients per source name.
	SourceWeights map[string]float64 `yaml:"source_weights"`

	// Suppression knobs, first-match-wins order documented in the engine.
	ToolCooldown  time.Duration `yaml:"tool_cooldown"`
	AdviceTTL     time.Duration `yaml:"advice_ttl"`
	BudgetPerMin  int           `yaml:"budget_per_min"`
	AgreementGate bool          `yaml:"agreement_gate"`
	MinSources    int           `yaml:"min_sources"`

	// Embeddings toggles the embedding-backed semantic source. The core
	// ships only the keyword implementation, so this defaults off.
	Embeddings bool `yaml:"embeddings"`

	// PacketTTL expires pre-computed packets.
	PacketTTL time.Duration `yaml:"packet_ttl"`
}

// DefaultAdvisoryConfig returns the advisory defaults.
func DefaultAdvisoryConfig() AdvisoryConfig {
	return AdvisoryConfig{
		Budget:     1500 * time.Millisecond,
		QuickMin:   900 * time.Millisecond,
		PerSourceK: 5,
		MaxEmit:    2,
		RerankTop:  10,
		SourceWeights: map[string]float64{
			"cognitive": 1.0,
			"eidos":     0.9,
			"semantic":  0.6,
			"packet":    0.8,
		},
		ToolCooldown:  30 * time.Second,
		AdviceTTL:     600 * time.Second,
		BudgetPerMin:  2,
		AgreementGate: false,
		MinSources:    2,
		Embeddings:    false,
		PacketTTL:     15 * time.Minute,
	}
}

// FeedbackConfig configures the implicit-feedback matcher.
type FeedbackConfig struct {
	// ExposureTimeout: a different tool inside this window signals ignored.
	ExposureTimeout time.Duration `yaml:"exposure_timeout"`

	// ExposureExpiry removes unmatched exposures.
	ExposureExpiry time.Duration `yaml:"exposure_expiry"`
}

// DefaultFeedbackConfig returns the feedback defaults.
func DefaultFeedbackConfig() FeedbackConfig {
	return FeedbackConfig{
		ExposureTimeout: 30 * time.Second,
		ExposureExpiry:  5 * time.Minute,
	}
}

// PromotionConfig configures promotion/demotion of insights to guidance files.
type PromotionConfig struct {
	Interval time.Duration `yaml:"interval"`

	// PromoteReliability and PromoteValidations are the promotion gate.
	PromoteReliability float64 `yaml:"promote_reliability"`
	PromoteValidations int     `yaml:"promote_validations"`

	// DemoteReliability is the floor under which a promoted insight is
	// demoted with reason reliability_degraded.
	DemoteReliability float64 `yaml:"demote_reliability"`

	// GuidanceDir is where CLAUDE.md / AGENTS.md / TOOLS.md / SOUL.md live.
	// Empty means the data root.
	GuidanceDir string `yaml:"guidance_dir"`
}

// DefaultPromotionConfig returns the promotion defaults.
func DefaultPromotionConfig() PromotionConfig {
	return PromotionConfig{
		Interval:           time.Hour,
		PromoteReliability: 0.80,
		PromoteValidations: 5,
		DemoteReliability:  0.65,
	}
}
