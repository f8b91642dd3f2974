// Package config loads kait configuration from <data-root>/config.yaml with
// environment overrides. Each subsystem has its own config file in this
// package; Default() returns the tuned defaults and Load() layers the YAML
// file and the KAIT_* environment toggles on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"kait/internal/types"
)

// Config holds all kaitd configuration.
type Config struct {
	// DataRoot is resolved at load time, not serialized.
	DataRoot string `yaml:"-"`

	Ingest    IngestConfig    `yaml:"ingest"`
	Queue     QueueConfig     `yaml:"queue"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Memory    MemoryConfig    `yaml:"memory"`
	Ralph     RalphConfig     `yaml:"ralph"`
	Cognitive CognitiveConfig `yaml:"cognitive"`
	Eidos     EidosConfig     `yaml:"eidos"`
	Advisory  AdvisoryConfig  `yaml:"advisory"`
	Feedback  FeedbackConfig  `yaml:"feedback"`
	Promotion PromotionConfig `yaml:"promotion"`
	Logging   LoggingConfig   `yaml:"logging"`

	// Lite skips the pulse/watchdog workers, leaving only ingest and the
	// pipeline. Toggled by KAIT_LITE=1.
	Lite bool `yaml:"lite"`
}

// DataRoot resolves the kait data directory: $DATA_ROOT if set, else ~/.kait.
func DataRoot() (string, error) {
	if root := os.Getenv("DATA_ROOT"); root != "" {
		return root, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".kait"), nil
}

// Default returns the full default configuration rooted at root.
func Default(root string) *Config {
	return &Config{
		DataRoot:  root,
		Ingest:    DefaultIngestConfig(),
		Queue:     DefaultQueueConfig(),
		Pipeline:  DefaultPipelineConfig(),
		Memory:    DefaultMemoryConfig(),
		Ralph:     DefaultRalphConfig(),
		Cognitive: DefaultCognitiveConfig(),
		Eidos:     DefaultEidosConfig(),
		Advisory:  DefaultAdvisoryConfig(),
		Feedback:  DefaultFeedbackConfig(),
		Promotion: DefaultPromotionConfig(),
		Logging:   DefaultLoggingConfig(),
	}
}

// Load reads <root>/config.yaml if present, layers it over defaults, and
// applies environment overrides. A missing file is not an error; a malformed
// one is fatal (startup config error, exit code 1).
func Load(root string) (*Config, error) {
	cfg := Default(root)

	path := filepath.Join(root, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %v: %w", path, err, types.ErrFatal)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %v: %w", path, err, types.ErrFatal)
	}

	cfg.DataRoot = root
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Path returns a file path under the data root.
func (c *Config) Path(elem ...string) string {
	return filepath.Join(append([]string{c.DataRoot}, elem...)...)
}

// EnsureDirs creates the directories kaitd writes into. Failure here is the
// "data directory not writable" fatal (exit code 2).
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{
		c.DataRoot,
		c.Path("queue"),
		c.Path("advisor"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data dir %s: %v: %w", dir, err, types.ErrFatal)
		}
	}
	return nil
}
