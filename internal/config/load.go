// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads path (optional), applies SCRIBED_* environment overrides and
// defaults. Path "" means environment plus defaults only.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		raw, err := os.ReadFile(path) // #nosec G304 - operator-supplied path
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err == nil {
			dec := yaml.NewDecoder(bytes.NewReader(raw))
			dec.KnownFields(true)
			if err := dec.Decode(cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)
	cfg.ApplyDefaults()
	return cfg, nil
}

// applyEnv overlays recognised SCRIBED_* variables onto cfg. Environment
// wins over the file, matching operator expectations for containers.
func applyEnv(cfg *Config) {
	envStr("SCRIBED_LOG_LEVEL", &cfg.Log.Level)
	envStr("SCRIBED_LISTEN", &cfg.Coordinator.Listen)
	envStr("SCRIBED_DATA_DIR", &cfg.Coordinator.DataDir)
	envStr("SCRIBED_BLOB_DIR", &cfg.Coordinator.BlobDir)
	envStr("SCRIBED_DB_PATH", &cfg.Coordinator.DBPath)
	envStr("SCRIBED_TRACING_SERVICE", &cfg.Coordinator.TracingService)

	envStr("SCRIBED_COORDINATOR_URL", &cfg.Worker.CoordinatorURL)
	envStr("SCRIBED_WORK_DIR", &cfg.Worker.WorkDir)
	envInt("SCRIBED_PARALLEL_DECODERS", &cfg.Worker.ParallelDecoders)
	envStr("SCRIBED_DECODER_COMMAND", &cfg.Worker.DecoderCommand)
	envStr("SCRIBED_DECODER_MODEL", &cfg.Worker.DecoderModel)
	envStr("SCRIBED_FORMATTER_URL", &cfg.Worker.FormatterURL)
	envStr("SCRIBED_SUMMARIZER_URL", &cfg.Worker.SummarizerURL)

	envInt("SCRIBED_LEASE_DURATION_SECONDS", &cfg.Queue.LeaseDurationSeconds)
	envInt("SCRIBED_HEARTBEAT_INTERVAL_SECONDS", &cfg.Queue.HeartbeatIntervalSeconds)
	envInt("SCRIBED_MAX_RETRIES", &cfg.Queue.MaxRetries)

	envFloat("SCRIBED_CHUNK_STRIDE_SECONDS", &cfg.Chunking.StrideSeconds)
	envFloat("SCRIBED_CHUNK_OVERLAP_SECONDS", &cfg.Chunking.OverlapSeconds)
	envFloat("SCRIBED_VAD_SEARCH_WINDOW_SECONDS", &cfg.Chunking.VADSearchWindow)
	envFloat("SCRIBED_VAD_SILENCE_THRESHOLD_DBFS", &cfg.Chunking.VADSilenceThreshold)
	envFloat("SCRIBED_VAD_MIN_SILENCE_SECONDS", &cfg.Chunking.VADMinSilenceSeconds)
	envFloat("SCRIBED_MIN_DURATION_FOR_CHUNKING_SECONDS", &cfg.Chunking.MinDurationForChunks)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
