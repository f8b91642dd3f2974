package config

import "time"

// IngestConfig configures the HTTP ingest daemon.
type IngestConfig struct {
	// BindAddr is loopback-only by default; kaitd is not a public service.
	BindAddr string `yaml:"bind_addr"`
	Port     int    `yaml:"port"`

	// MaxBodyBytes caps a POST /events body (single event or NDJSON batch).
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// WorkerPool bounds concurrent accepted connections.
	WorkerPool int `yaml:"worker_pool"`

	// WriteRetries is how many times an ingest write is retried with jitter
	// before falling through to the overflow sidecar.
	WriteRetries int `yaml:"write_retries"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultIngestConfig returns the ingest defaults.
func DefaultIngestConfig() IngestConfig {
	return IngestConfig{
		BindAddr:        "127.0.0.1",
		Port:            8787,
		MaxBodyBytes:    8 << 20,
		WorkerPool:      32,
		WriteRetries:    3,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// QueueConfig configures the append-only event queue.
type QueueConfig struct {
	// RotateBytes triggers rotation of the primary file.
	RotateBytes int64 `yaml:"rotate_bytes"`

	// SeenCap bounds the persisted set of processed event_ids used for
	// crash-replay dedup.
	SeenCap int `yaml:"seen_cap"`
}

// DefaultQueueConfig returns the queue defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		RotateBytes: 64 << 20,
		SeenCap:     8192,
	}
}
