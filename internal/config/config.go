// Package config provides configuration loading for dialectd.
//
// Configuration is read once at startup and never reloaded.
package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/dialectd/internal/embed"
	"github.com/fyrsmithlabs/dialectd/internal/logging"
)

// Config is the root configuration.
type Config struct {
	// DataDir is where the sqlite store and rule artifacts live.
	DataDir string `koanf:"data_dir"`

	// AutoPublish enables publishing during consolidation cycles.
	AutoPublish bool `koanf:"auto_publish"`

	// MinConfidence is the minimum confidence to publish.
	MinConfidence float64 `koanf:"min_confidence"`

	// MinEvidence is the minimum evidence count for thesis promotion,
	// synthesis, and publication.
	MinEvidence int `koanf:"min_evidence"`

	// PriorSmoothing is the smoothing term in the confidence formula.
	PriorSmoothing float64 `koanf:"prior_smoothing"`

	Detector    Detector       `koanf:"detector"`
	Lifecycle   Lifecycle      `koanf:"lifecycle"`
	Ingest      Ingest         `koanf:"ingest"`
	Consolidate Consolidate    `koanf:"consolidate"`
	Embeddings  embed.Config   `koanf:"embeddings"`
	Server      Server         `koanf:"server"`
	Logging     logging.Config `koanf:"logging"`
}

// Detector holds clustering thresholds and scoring weights. These are
// heuristic starting points, deliberately tunable rather than compiled in.
type Detector struct {
	// AttachThreshold is the minimum combined score to attach a memory
	// to an existing pattern.
	AttachThreshold float64 `koanf:"attach_threshold"`

	// ClusterJaccard is the minimum key overlap to seed a new candidate
	// from same-batch unassigned memories.
	ClusterJaccard float64 `koanf:"cluster_jaccard"`

	// MinSimilarity is the cosine similarity floor for index lookups.
	MinSimilarity float64 `koanf:"min_similarity"`

	// WeightEmbedding, WeightKeys, WeightTemporal weight the three score
	// components.
	WeightEmbedding float64 `koanf:"weight_embedding"`
	WeightKeys      float64 `koanf:"weight_keys"`
	WeightTemporal  float64 `koanf:"weight_temporal"`

	// TemporalTau is the decay constant for temporal proximity.
	TemporalTau time.Duration `koanf:"temporal_tau"`

	// FollowWindow bounds the gap for the follows= key between
	// consecutive events in a session.
	FollowWindow time.Duration `koanf:"follow_window"`

	// MaxBatch caps unassigned memories processed per cycle.
	MaxBatch int `koanf:"max_batch"`
}

// Lifecycle holds tier transition and retirement tuning.
type Lifecycle struct {
	// DecayRate is the per-idle-session exponential decay applied when
	// checking retirement.
	DecayRate float64 `koanf:"decay_rate"`

	// ConfidenceFloor retires patterns whose decayed confidence falls
	// below it.
	ConfidenceFloor float64 `koanf:"confidence_floor"`

	// RetireAfterSessions is the minimum idle sessions before
	// retirement applies.
	RetireAfterSessions int `koanf:"retire_after_sessions"`

	// SessionTimeout ages working memories into short-term once their
	// session has been quiet this long.
	SessionTimeout time.Duration `koanf:"session_timeout"`

	// ExpiryTTL expires unreinforced short-term memories that never
	// became pattern evidence.
	ExpiryTTL time.Duration `koanf:"expiry_ttl"`
}

// Ingest holds ingestion queue tuning.
type Ingest struct {
	// QueueSize bounds the embedding queue; a full queue skips embedding
	// rather than blocking ingestion.
	QueueSize int `koanf:"queue_size"`

	// DebounceWindow rejects identical (session, content) appends.
	DebounceWindow time.Duration `koanf:"debounce_window"`
}

// Consolidate holds batch cycle tuning.
type Consolidate struct {
	// Interval between scheduled cycles.
	Interval time.Duration `koanf:"interval"`

	// Workers is the pattern-evaluation parallelism within a cycle.
	Workers int `koanf:"workers"`
}

// Server holds the HTTP listener configuration.
type Server struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// ApplyDefaults sets default values for missing configuration fields.
func (c *Config) ApplyDefaults() {
	if c.MinConfidence == 0 {
		c.MinConfidence = 0.7
	}
	if c.MinEvidence == 0 {
		c.MinEvidence = 3
	}
	if c.PriorSmoothing == 0 {
		c.PriorSmoothing = 1
	}

	if c.Detector.AttachThreshold == 0 {
		c.Detector.AttachThreshold = 0.75
	}
	if c.Detector.ClusterJaccard == 0 {
		c.Detector.ClusterJaccard = 0.5
	}
	if c.Detector.MinSimilarity == 0 {
		c.Detector.MinSimilarity = 0.82
	}
	if c.Detector.WeightEmbedding == 0 && c.Detector.WeightKeys == 0 && c.Detector.WeightTemporal == 0 {
		c.Detector.WeightEmbedding = 0.5
		c.Detector.WeightKeys = 0.3
		c.Detector.WeightTemporal = 0.2
	}
	if c.Detector.TemporalTau == 0 {
		c.Detector.TemporalTau = 30 * time.Minute
	}
	if c.Detector.FollowWindow == 0 {
		c.Detector.FollowWindow = 2 * time.Minute
	}
	if c.Detector.MaxBatch == 0 {
		c.Detector.MaxBatch = 200
	}

	if c.Lifecycle.DecayRate == 0 {
		c.Lifecycle.DecayRate = 0.15
	}
	if c.Lifecycle.ConfidenceFloor == 0 {
		c.Lifecycle.ConfidenceFloor = 0.2
	}
	if c.Lifecycle.RetireAfterSessions == 0 {
		c.Lifecycle.RetireAfterSessions = 10
	}
	if c.Lifecycle.SessionTimeout == 0 {
		c.Lifecycle.SessionTimeout = 30 * time.Minute
	}
	if c.Lifecycle.ExpiryTTL == 0 {
		c.Lifecycle.ExpiryTTL = 14 * 24 * time.Hour
	}

	if c.Ingest.QueueSize == 0 {
		c.Ingest.QueueSize = 256
	}
	if c.Ingest.DebounceWindow == 0 {
		c.Ingest.DebounceWindow = 5 * time.Second
	}

	if c.Consolidate.Interval == 0 {
		c.Consolidate.Interval = 5 * time.Minute
	}
	if c.Consolidate.Workers == 0 {
		c.Consolidate.Workers = 4
	}

	c.Embeddings.ApplyDefaults()

	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 9274
	}

	c.Logging.ApplyDefaults()
}

// Validate checks the configuration; failures abort startup.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.MinConfidence <= 0 || c.MinConfidence > 1 {
		return fmt.Errorf("min_confidence must be in (0,1], got %v", c.MinConfidence)
	}
	if c.MinEvidence < 1 {
		return fmt.Errorf("min_evidence must be at least 1, got %d", c.MinEvidence)
	}
	if c.PriorSmoothing < 0 {
		return fmt.Errorf("prior_smoothing cannot be negative, got %v", c.PriorSmoothing)
	}
	d := c.Detector
	if d.AttachThreshold <= 0 || d.AttachThreshold > 1 {
		return fmt.Errorf("detector.attach_threshold must be in (0,1], got %v", d.AttachThreshold)
	}
	if d.ClusterJaccard <= 0 || d.ClusterJaccard > 1 {
		return fmt.Errorf("detector.cluster_jaccard must be in (0,1], got %v", d.ClusterJaccard)
	}
	if d.MinSimilarity <= 0 || d.MinSimilarity > 1 {
		return fmt.Errorf("detector.min_similarity must be in (0,1], got %v", d.MinSimilarity)
	}
	if d.WeightEmbedding < 0 || d.WeightKeys < 0 || d.WeightTemporal < 0 {
		return fmt.Errorf("detector weights cannot be negative")
	}
	if d.WeightEmbedding+d.WeightKeys+d.WeightTemporal <= 0 {
		return fmt.Errorf("detector weights must sum to a positive value")
	}
	l := c.Lifecycle
	if l.DecayRate <= 0 {
		return fmt.Errorf("lifecycle.decay_rate must be positive, got %v", l.DecayRate)
	}
	if l.ConfidenceFloor <= 0 || l.ConfidenceFloor >= 1 {
		return fmt.Errorf("lifecycle.confidence_floor must be in (0,1), got %v", l.ConfidenceFloor)
	}
	if l.RetireAfterSessions < 1 {
		return fmt.Errorf("lifecycle.retire_after_sessions must be at least 1, got %d", l.RetireAfterSessions)
	}
	if c.Ingest.QueueSize < 1 {
		return fmt.Errorf("ingest.queue_size must be at least 1, got %d", c.Ingest.QueueSize)
	}
	if c.Consolidate.Workers < 1 {
		return fmt.Errorf("consolidate.workers must be at least 1, got %d", c.Consolidate.Workers)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1-65535, got %d", c.Server.Port)
	}
	return c.Logging.Validate()
}
