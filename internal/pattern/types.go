// Package pattern defines the Pattern model: a cluster of memories
// believed to share a behavioral regularity, with a confidence-scored
// lifecycle from candidate through publication to retirement.
package pattern

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/dialectd/internal/capture"
)

// Common errors for pattern operations.
var (
	ErrNotFound     = errors.New("pattern not found")
	ErrInvalidState = errors.New("invalid pattern state")
)

// State is a pattern's position in the dialectic lifecycle.
type State string

const (
	// StateCandidate is a fresh cluster below the evidence minimum.
	StateCandidate State = "candidate"

	// StateThesis is an initial claim backed by enough evidence.
	StateThesis State = "thesis"

	// StateAntithesis holds while unresolved contradictions exist.
	StateAntithesis State = "antithesis"

	// StateSynthesis is a merged conditional claim awaiting publication.
	StateSynthesis State = "synthesis"

	// StatePublished means a rule artifact exists for the current version.
	StatePublished State = "published"

	// StateRetired is terminal: decayed below the floor without
	// reinforcement.
	StateRetired State = "retired"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateCandidate, StateThesis, StateAntithesis, StateSynthesis,
		StatePublished, StateRetired:
		return true
	}
	return false
}

// Pattern is a cluster of memories with a refined, confidence-scored
// statement. The pattern owns its memberships; memory rows carry the
// back-reference.
type Pattern struct {
	// ID is the unique pattern identifier (UUID).
	ID string `json:"id"`

	// State is the dialectic lifecycle state.
	State State `json:"state"`

	// Statement is the current claim text.
	Statement string `json:"statement"`

	// EvidenceCount is the number of supporting memories. Grows
	// monotonically; a contradiction never deletes prior evidence.
	EvidenceCount int `json:"evidence_count"`

	// ContradictionCount is cumulative and monotone across the pattern's
	// life, including contradictions later absorbed by synthesis.
	ContradictionCount int `json:"contradiction_count"`

	// Unresolved holds the memory ids of counter-examples not yet
	// absorbed by a merge. Confidence is computed against these, not the
	// cumulative count.
	Unresolved []string `json:"unresolved,omitempty"`

	// Version increases on every successful publish.
	Version int `json:"version"`

	// Confidence is recomputed from counts, never set directly.
	Confidence float64 `json:"confidence"`

	// Centroid is the running mean of member embedding vectors. Nil
	// until an embedded member arrives.
	Centroid []float32 `json:"centroid,omitempty"`

	// MajorityKeys are the semantic pairs shared by the majority of the
	// evidence; statement derivation and contradiction checks use them.
	MajorityKeys capture.Keys `json:"majority_keys"`

	// ScopeGlobs is the applicability scope of the published rule.
	ScopeGlobs []string `json:"scope_globs,omitempty"`

	// PublishedHash is the content hash of the last published artifact,
	// used for idempotent publishing.
	PublishedHash string `json:"published_hash,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	LastEvidenceAt time.Time `json:"last_evidence_at"`
}

// New creates a candidate pattern.
func New(now time.Time) *Pattern {
	return &Pattern{
		ID:        uuid.New().String(),
		State:     StateCandidate,
		CreatedAt: now,
		UpdatedAt: now,

		LastEvidenceAt: now,
	}
}

// Confidence computes the score from evidence and unresolved
// contradiction counts: e / (e + c + prior), clamped to [0,1]. The prior
// smoothing term prevents overconfidence from small samples.
func Confidence(evidence, unresolved int, priorSmoothing float64) float64 {
	if evidence < 0 {
		evidence = 0
	}
	if unresolved < 0 {
		unresolved = 0
	}
	denom := float64(evidence) + float64(unresolved) + priorSmoothing
	if denom <= 0 {
		return 0
	}
	c := float64(evidence) / denom
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// Rescore recomputes the pattern's confidence from its counts.
func (p *Pattern) Rescore(priorSmoothing float64) {
	p.Confidence = Confidence(p.EvidenceCount, len(p.Unresolved), priorSmoothing)
}

// AbsorbCentroid folds a new member vector into the running mean. n is
// the number of embedded members including the new one.
func (p *Pattern) AbsorbCentroid(vector []float32, n int) {
	if len(vector) == 0 || n <= 0 {
		return
	}
	if p.Centroid == nil || len(p.Centroid) != len(vector) || n == 1 {
		p.Centroid = append([]float32(nil), vector...)
		return
	}
	w := float32(n)
	for i := range p.Centroid {
		p.Centroid[i] += (vector[i] - p.Centroid[i]) / w
	}
}

// Active reports whether the pattern still participates in detection and
// dialectic evaluation.
func (p *Pattern) Active() bool {
	return p.State != StateRetired
}

// Clone returns a deep copy. Readers hold clones, so the consolidation
// cycle can mutate its own copy without sharing memory with them.
func (p *Pattern) Clone() *Pattern {
	if p == nil {
		return nil
	}
	c := *p
	c.Unresolved = append([]string(nil), p.Unresolved...)
	c.Centroid = append([]float32(nil), p.Centroid...)
	c.MajorityKeys = append(capture.Keys(nil), p.MajorityKeys...)
	c.ScopeGlobs = append([]string(nil), p.ScopeGlobs...)
	return &c
}
