// SPDX-License-Identifier: MIT

// Package config loads and validates process configuration from a YAML file
// merged with SCRIBED_* environment overrides. Defaults are applied before
// validation, so a zero-value file is a runnable coordinator.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration shared by both binaries. The worker
// section is ignored by the coordinator and vice versa.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Worker      WorkerConfig      `yaml:"worker"`
	Queue       QueueConfig       `yaml:"queue"`
	Chunking    ChunkingConfig    `yaml:"chunking"`
}

// LogConfig controls the global zerolog logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// CoordinatorConfig holds the coordinator's HTTP and storage settings.
type CoordinatorConfig struct {
	Listen         string `yaml:"listen"`
	DataDir        string `yaml:"data_dir"`
	BlobDir        string `yaml:"blob_dir"` // defaults to <data_dir>/blobs
	DBPath         string `yaml:"db_path"`  // defaults to <data_dir>/jobs.db
	TracingService string `yaml:"tracing_service"` // empty disables otel wrapping
	SubmitRPS      int    `yaml:"submit_rps"`      // rate limit on POST /jobs
}

// WorkerConfig holds the worker's pipeline and collaborator settings.
type WorkerConfig struct {
	CoordinatorURL      string `yaml:"coordinator_url"`
	WorkDir             string `yaml:"work_dir"`       // scratch space for chunk PCM files
	MetricsListen       string `yaml:"metrics_listen"` // /healthz and /metrics; "off" disables
	ParallelDecoders    int    `yaml:"parallel_decoders"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`

	// DecoderCommand is the speech decoder CLI invoked per chunk. Empty is
	// invalid on a real worker; tests inject a decoder directly.
	DecoderCommand string `yaml:"decoder_command"`
	DecoderModel   string `yaml:"decoder_model"`

	// Optional best-effort collaborators. Empty disables them.
	FormatterURL           string `yaml:"formatter_url"`
	SummarizerURL          string `yaml:"summarizer_url"`
	ExternalTimeoutSeconds int    `yaml:"external_timeout_seconds"`
}

// PollInterval returns the idle polling cadence.
func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalSeconds) * time.Second
}

// ExternalTimeout returns the per-call budget for formatter and summarizer.
func (w WorkerConfig) ExternalTimeout() time.Duration {
	return time.Duration(w.ExternalTimeoutSeconds) * time.Second
}

// QueueConfig tunes lease and retry behaviour. Shared by both processes so
// the worker heartbeats at the cadence the coordinator expects.
type QueueConfig struct {
	LeaseDurationSeconds     int `yaml:"lease_duration_seconds"`
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	MaxRetries               int `yaml:"max_retries"`
}

// LeaseDuration returns the lease TTL.
func (q QueueConfig) LeaseDuration() time.Duration {
	return time.Duration(q.LeaseDurationSeconds) * time.Second
}

// HeartbeatInterval returns the worker heartbeat cadence.
func (q QueueConfig) HeartbeatInterval() time.Duration {
	return time.Duration(q.HeartbeatIntervalSeconds) * time.Second
}

// ChunkingConfig is the segmenter geometry plus VAD snapping parameters.
type ChunkingConfig struct {
	StrideSeconds        float64 `yaml:"chunk_stride_seconds"`
	OverlapSeconds       float64 `yaml:"chunk_overlap_seconds"`
	VADSearchWindow      float64 `yaml:"vad_search_window_seconds"`
	VADSilenceThreshold  float64 `yaml:"vad_silence_threshold_dbfs"`
	VADMinSilenceSeconds float64 `yaml:"vad_min_silence_seconds"`
	MinDurationForChunks float64 `yaml:"min_duration_for_chunking_seconds"`
}

// ApplyDefaults fills unset fields in place.
func (c *Config) ApplyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Coordinator.Listen == "" {
		c.Coordinator.Listen = ":8080"
	}
	if c.Coordinator.DataDir == "" {
		c.Coordinator.DataDir = "./data"
	}
	if c.Coordinator.BlobDir == "" {
		c.Coordinator.BlobDir = c.Coordinator.DataDir + "/blobs"
	}
	if c.Coordinator.DBPath == "" {
		c.Coordinator.DBPath = c.Coordinator.DataDir + "/jobs.db"
	}
	if c.Coordinator.SubmitRPS == 0 {
		c.Coordinator.SubmitRPS = 10
	}
	if c.Worker.MetricsListen == "" {
		c.Worker.MetricsListen = ":9091"
	}
	if c.Worker.ParallelDecoders == 0 {
		c.Worker.ParallelDecoders = 4
	}
	if c.Worker.PollIntervalSeconds == 0 {
		c.Worker.PollIntervalSeconds = 10
	}
	if c.Worker.ExternalTimeoutSeconds == 0 {
		c.Worker.ExternalTimeoutSeconds = 60
	}
	if c.Queue.LeaseDurationSeconds == 0 {
		c.Queue.LeaseDurationSeconds = 120
	}
	if c.Queue.HeartbeatIntervalSeconds == 0 {
		c.Queue.HeartbeatIntervalSeconds = 30
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Chunking.StrideSeconds == 0 {
		c.Chunking.StrideSeconds = 300
	}
	if c.Chunking.OverlapSeconds == 0 {
		c.Chunking.OverlapSeconds = 15
	}
	if c.Chunking.VADSearchWindow == 0 {
		c.Chunking.VADSearchWindow = 60
	}
	if c.Chunking.VADSilenceThreshold == 0 {
		c.Chunking.VADSilenceThreshold = -30
	}
	if c.Chunking.VADMinSilenceSeconds == 0 {
		c.Chunking.VADMinSilenceSeconds = 0.5
	}
	if c.Chunking.MinDurationForChunks == 0 {
		c.Chunking.MinDurationForChunks = 600
	}
}

// ValidateCoordinator checks the fields the coordinator binary needs.
func (c *Config) ValidateCoordinator() error {
	if c.Queue.HeartbeatInterval() > c.Queue.LeaseDuration()/3 {
		return fmt.Errorf("config: heartbeat_interval %s exceeds lease_duration/3 (%s)",
			c.Queue.HeartbeatInterval(), c.Queue.LeaseDuration()/3)
	}
	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("config: max_retries must be >= 0")
	}
	return nil
}

// ValidateWorker checks the fields the worker binary needs.
func (c *Config) ValidateWorker() error {
	if c.Worker.CoordinatorURL == "" {
		return fmt.Errorf("config: coordinator_url is required on workers")
	}
	if c.Worker.ParallelDecoders < 1 {
		return fmt.Errorf("config: parallel_decoders must be >= 1")
	}
	if c.Queue.HeartbeatInterval() > c.Queue.LeaseDuration()/3 {
		return fmt.Errorf("config: heartbeat_interval %s exceeds lease_duration/3 (%s)",
			c.Queue.HeartbeatInterval(), c.Queue.LeaseDuration()/3)
	}
	if c.Chunking.OverlapSeconds >= c.Chunking.StrideSeconds {
		return fmt.Errorf("config: chunk_overlap_seconds must be smaller than chunk_stride_seconds")
	}
	return nil
}
