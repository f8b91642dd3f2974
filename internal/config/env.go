package config

import (
	"os"
	"strconv"
)

// applyEnvOverrides layers the closed set of environment toggles over the
// loaded configuration. Unknown values are ignored rather than rejected;
// malformed numbers keep the configured value.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KAIT_LITE"); v == "1" {
		cfg.Lite = true
	}
	if v := os.Getenv("KAITD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Ingest.Port = port
		}
	}
	if v := os.Getenv("KAIT_EMBEDDINGS"); v != "" {
		cfg.Advisory.Embeddings = v != "0"
	}
	if v := os.Getenv("KAIT_ADVISORY_AGREEMENT_GATE"); v != "" {
		cfg.Advisory.AgreementGate = v == "1" || v == "true"
	}
	if v := os.Getenv("KAIT_ADVISORY_MIN_SOURCES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Advisory.MinSources = n
		}
	}
	if v := os.Getenv("KAIT_PIPELINE_LOW_KEEP_RATE"); v != "" {
		if rate, err := strconv.ParseFloat(v, 64); err == nil && rate >= 0 && rate <= 1 {
			cfg.Pipeline.LowKeepRate = rate
		}
	}
	if v := os.Getenv("KAIT_MEMORY_PATCH_MAX_CHARS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Memory.MaxChars = n
		}
	}
	if v := os.Getenv("KAIT_MEMORY_PATCH_MIN_CHARS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Memory.MinChars = n
		}
	}
	if v := os.Getenv("KAIT_LOG_DEBUG"); v == "1" {
		cfg.Logging.DebugMode = true
	}
}
