// SPDX-License-Identifier: MIT
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Coordinator.Listen)
	assert.Equal(t, 300.0, cfg.Chunking.StrideSeconds)
	assert.Equal(t, 15.0, cfg.Chunking.OverlapSeconds)
	assert.Equal(t, 60.0, cfg.Chunking.VADSearchWindow)
	assert.Equal(t, -30.0, cfg.Chunking.VADSilenceThreshold)
	assert.Equal(t, 0.5, cfg.Chunking.VADMinSilenceSeconds)
	assert.Equal(t, 600.0, cfg.Chunking.MinDurationForChunks)
	assert.Equal(t, 4, cfg.Worker.ParallelDecoders)
	assert.Equal(t, 120*time.Second, cfg.Queue.LeaseDuration())
	assert.Equal(t, 30*time.Second, cfg.Queue.HeartbeatInterval())
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Worker.PollInterval())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log:
  level: debug
coordinator:
  listen: ":9090"
  data_dir: /var/lib/scribed
worker:
  coordinator_url: http://coord:8080
  parallel_decoders: 2
queue:
  lease_duration_seconds: 240
  heartbeat_interval_seconds: 60
chunking:
  chunk_stride_seconds: 120
  chunk_overlap_seconds: 10
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ":9090", cfg.Coordinator.Listen)
	assert.Equal(t, "/var/lib/scribed/blobs", cfg.Coordinator.BlobDir, "derived from data_dir")
	assert.Equal(t, "http://coord:8080", cfg.Worker.CoordinatorURL)
	assert.Equal(t, 2, cfg.Worker.ParallelDecoders)
	assert.Equal(t, 240*time.Second, cfg.Queue.LeaseDuration())
	assert.Equal(t, 120.0, cfg.Chunking.StrideSeconds)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("corodinator:\n  listen: ':9090'\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err, "typos must not be silently ignored")
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("coordinator:\n  listen: ':9090'\n"), 0o600))

	t.Setenv("SCRIBED_LISTEN", ":7070")
	t.Setenv("SCRIBED_MAX_RETRIES", "5")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Coordinator.Listen)
	assert.Equal(t, 5, cfg.Queue.MaxRetries)
}

func TestValidateCoordinator(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.NoError(t, cfg.ValidateCoordinator())

	cfg.Queue.HeartbeatIntervalSeconds = 100 // > 120/3
	assert.Error(t, cfg.ValidateCoordinator())
}

func TestValidateWorker(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Error(t, cfg.ValidateWorker(), "coordinator_url is required")

	cfg.Worker.CoordinatorURL = "http://coord:8080"
	assert.NoError(t, cfg.ValidateWorker())

	cfg.Chunking.OverlapSeconds = cfg.Chunking.StrideSeconds
	assert.Error(t, cfg.ValidateWorker(), "overlap must be smaller than stride")
}
