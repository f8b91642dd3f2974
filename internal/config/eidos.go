package config

import "time"

// CognitiveConfig configures the insight store.
type CognitiveConfig struct {
	// ReliabilityHalflife drives recency decay in advisory readiness.
	ReliabilityHalflife time.Duration `yaml:"reliability_halflife"`

	// EvidenceRing bounds the supporting/refuting event rings per insight.
	EvidenceRing int `yaml:"evidence_ring"`

	// MaxStatementChars truncates over-long statements at upsert.
	MaxStatementChars int `yaml:"max_statement_chars"`
}

// DefaultCognitiveConfig returns the cognitive-store defaults.
func DefaultCognitiveConfig() CognitiveConfig {
	return CognitiveConfig{
		ReliabilityHalflife: 14 * 24 * time.Hour,
		EvidenceRing:        10,
		MaxStatementChars:   500,
	}
}

// EidosConfig configures the episodic store and its aggregator.
type EidosConfig struct {
	// StepTimeout force-seals a step left open past this age.
	StepTimeout time.Duration `yaml:"step_timeout"`

	// SessionTimeout closes an episode after this much idle time.
	SessionTimeout time.Duration `yaml:"session_timeout"`

	// MinSteps is the minimum sealed steps a closed episode needs before the
	// aggregator considers it.
	MinSteps int `yaml:"min_steps"`

	// ValidateMin is the cluster size required to distill a heuristic.
	ValidateMin int `yaml:"validate_min"`

	// DecayHalflife erodes distillation confidence without reinforcement.
	DecayHalflife time.Duration `yaml:"decay_halflife"`
}

// DefaultEidosConfig returns the EIDOS defaults.
func DefaultEidosConfig() EidosConfig {
	return EidosConfig{
		StepTimeout:    2 * time.Minute,
		SessionTimeout: 30 * time.Minute,
		MinSteps:       5,
		ValidateMin:    5,
		DecayHalflife:  14 * 24 * time.Hour,
	}
}
