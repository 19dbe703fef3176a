package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{DataDir: "/tmp/dialectd"}
	cfg.ApplyDefaults()

	assert.InDelta(t, 0.7, cfg.MinConfidence, 1e-9)
	assert.Equal(t, 3, cfg.MinEvidence)
	assert.InDelta(t, 1.0, cfg.PriorSmoothing, 1e-9)

	assert.InDelta(t, 0.75, cfg.Detector.AttachThreshold, 1e-9)
	assert.InDelta(t, 0.5, cfg.Detector.WeightEmbedding, 1e-9)
	assert.InDelta(t, 0.3, cfg.Detector.WeightKeys, 1e-9)
	assert.InDelta(t, 0.2, cfg.Detector.WeightTemporal, 1e-9)
	assert.Equal(t, 2*time.Minute, cfg.Detector.FollowWindow)

	assert.InDelta(t, 0.15, cfg.Lifecycle.DecayRate, 1e-9)
	assert.Equal(t, 10, cfg.Lifecycle.RetireAfterSessions)
	assert.Equal(t, 14*24*time.Hour, cfg.Lifecycle.ExpiryTTL)

	assert.Equal(t, 256, cfg.Ingest.QueueSize)
	assert.Equal(t, 5*time.Minute, cfg.Consolidate.Interval)
	assert.Equal(t, 4, cfg.Consolidate.Workers)
	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 9274, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)

	assert.NoError(t, cfg.Validate())
}

func TestApplyDefaultsKeepsExplicitWeights(t *testing.T) {
	cfg := &Config{DataDir: "/tmp/dialectd"}
	cfg.Detector.WeightKeys = 1
	cfg.ApplyDefaults()

	assert.Zero(t, cfg.Detector.WeightEmbedding)
	assert.InDelta(t, 1.0, cfg.Detector.WeightKeys, 1e-9)
	assert.Zero(t, cfg.Detector.WeightTemporal)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing data dir", func(c *Config) { c.DataDir = "" }},
		{"confidence above one", func(c *Config) { c.MinConfidence = 1.5 }},
		{"zero evidence", func(c *Config) { c.MinEvidence = 0 }},
		{"negative smoothing", func(c *Config) { c.PriorSmoothing = -1 }},
		{"attach threshold zero", func(c *Config) { c.Detector.AttachThreshold = -0.1 }},
		{"negative weight", func(c *Config) { c.Detector.WeightKeys = -1 }},
		{"decay rate zero", func(c *Config) { c.Lifecycle.DecayRate = -0.5 }},
		{"floor above one", func(c *Config) { c.Lifecycle.ConfidenceFloor = 1.5 }},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{DataDir: "/tmp/dialectd"}
			cfg.ApplyDefaults()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
data_dir: ` + dir + `
auto_publish: true
min_confidence: 0.8
detector:
  attach_threshold: 0.9
  max_batch: 50
lifecycle:
  retire_after_sessions: 20
server:
  port: 9999
logging:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.True(t, cfg.AutoPublish)
	assert.InDelta(t, 0.8, cfg.MinConfidence, 1e-9)
	assert.InDelta(t, 0.9, cfg.Detector.AttachThreshold, 1e-9)
	assert.Equal(t, 50, cfg.Detector.MaxBatch)
	assert.Equal(t, 20, cfg.Lifecycle.RetireAfterSessions)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Unset fields still get defaults.
	assert.Equal(t, 3, cfg.MinEvidence)
	assert.Equal(t, 256, cfg.Ingest.QueueSize)
}

func TestLoadEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: "+dir+"\nserver:\n  port: 9999\n"), 0o644))

	t.Setenv("DIALECTD_SERVER_PORT", "8123")
	t.Setenv("DIALECTD_MIN_CONFIDENCE", "0.9")
	t.Setenv("DIALECTD_DETECTOR_ATTACH_THRESHOLD", "0.85")
	t.Setenv("DIALECTD_LOGGING_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8123, cfg.Server.Port, "env wins over file")
	assert.InDelta(t, 0.9, cfg.MinConfidence, 1e-9)
	assert.InDelta(t, 0.85, cfg.Detector.AttachThreshold, 1e-9)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DIALECTD_DATA_DIR", dir)

	cfg, err := Load(filepath.Join(dir, "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, 9274, cfg.Server.Port)
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: "+dir+"\nmin_evidence: -3\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
