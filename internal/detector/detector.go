// Package detector clusters unassigned memories into patterns.
//
// Each consolidation cycle pulls a batch of unassigned memories, scores
// them against open patterns on embedding similarity, key overlap, and
// temporal proximity, and attaches those that clear the threshold. The
// remainder is greedily clustered by key overlap to seed new candidates.
// Assignment decisions are serial within a cycle: batch processing is the
// single writer for memberships, so races between near-simultaneous
// similar memories cannot double-assign.
package detector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialectd/internal/capture"
	"github.com/fyrsmithlabs/dialectd/internal/config"
	"github.com/fyrsmithlabs/dialectd/internal/dialectic"
	"github.com/fyrsmithlabs/dialectd/internal/index"
	"github.com/fyrsmithlabs/dialectd/internal/memory"
	"github.com/fyrsmithlabs/dialectd/internal/pattern"
	"github.com/fyrsmithlabs/dialectd/internal/telemetry"
)

// Detector attaches memories to patterns and seeds new candidates.
type Detector struct {
	memories   memory.Store
	patterns   pattern.Store
	table      *pattern.Table
	index      *index.Index
	summarizer dialectic.Summarizer
	metrics    *telemetry.Metrics
	logger     *zap.Logger

	cfg            config.Detector
	minEvidence    int
	priorSmoothing float64
	now            func() time.Time
}

// Result summarizes one detection pass.
type Result struct {
	// Attached is the number of memories attached to existing patterns.
	Attached int

	// Contradictions is the number of attachments that disagreed with the
	// pattern majority.
	Contradictions int

	// Created is the number of new candidate patterns seeded.
	Created int
}

// New creates a detector.
func New(memories memory.Store, patterns pattern.Store, table *pattern.Table, idx *index.Index, summarizer dialectic.Summarizer, metrics *telemetry.Metrics, logger *zap.Logger, cfg config.Detector, minEvidence int, priorSmoothing float64) (*Detector, error) {
	if memories == nil || patterns == nil || table == nil || idx == nil {
		return nil, fmt.Errorf("stores, table, and index cannot be nil")
	}
	if summarizer == nil {
		summarizer = dialectic.NewTemplateSummarizer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		memories:       memories,
		patterns:       patterns,
		table:          table,
		index:          idx,
		summarizer:     summarizer,
		metrics:        metrics,
		logger:         logger,
		cfg:            cfg,
		minEvidence:    minEvidence,
		priorSmoothing: priorSmoothing,
		now:            time.Now,
	}, nil
}

// Run processes one batch of unassigned memories.
func (d *Detector) Run(ctx context.Context) (Result, error) {
	var res Result

	batch, err := d.memories.Unassigned(ctx, d.cfg.MaxBatch)
	if err != nil {
		return res, fmt.Errorf("loading unassigned memories: %w", err)
	}

	var leftovers []*memory.Memory
	for _, m := range batch {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		p := d.bestMatch(m)
		if p == nil {
			leftovers = append(leftovers, m)
			continue
		}
		contradicted, err := d.attach(ctx, p, m)
		if err != nil {
			if errors.Is(err, memory.ErrAlreadyAssigned) {
				continue
			}
			return res, err
		}
		res.Attached++
		if contradicted {
			res.Contradictions++
		}
	}

	created, err := d.seed(ctx, leftovers)
	if err != nil {
		return res, err
	}
	res.Created = created
	return res, nil
}

// bestMatch returns the open pattern with the highest combined score at
// or above the attach threshold, or nil. Ties break to the higher
// confidence, then to the older pattern.
func (d *Detector) bestMatch(m *memory.Memory) *pattern.Pattern {
	var best *pattern.Pattern
	bestScore := 0.0
	for _, p := range d.table.Open() {
		s := d.score(m, p)
		if s < d.cfg.AttachThreshold {
			continue
		}
		switch {
		case best == nil || s > bestScore:
			best = p
			bestScore = s
		case s == bestScore && p.Confidence > best.Confidence:
			// Open() is oldest-first, so a full tie keeps the older one.
			best = p
		}
	}
	return best
}

// score combines embedding similarity against the centroid, context key
// overlap with the majority, and temporal proximity to the last evidence.
func (d *Detector) score(m *memory.Memory, p *pattern.Pattern) float64 {
	emb := 0.0
	if len(m.Embedding) > 0 && len(p.Centroid) > 0 {
		emb = cosine(m.Embedding, p.Centroid)
	}
	keys := capture.Jaccard(m.Keys.Context(), p.MajorityKeys.Context())

	dt := m.CreatedAt.Sub(p.LastEvidenceAt)
	if dt < 0 {
		dt = -dt
	}
	temporal := math.Exp(-dt.Seconds() / d.cfg.TemporalTau.Seconds())

	return d.cfg.WeightEmbedding*emb + d.cfg.WeightKeys*keys + d.cfg.WeightTemporal*temporal
}

// attach assigns a memory to a pattern and updates the pattern's counts,
// majority keys, centroid, and state. Reports whether the memory
// contradicted the majority.
func (d *Detector) attach(ctx context.Context, p *pattern.Pattern, m *memory.Memory) (bool, error) {
	if err := d.memories.Assign(ctx, m.ID, p.ID); err != nil {
		return false, err
	}

	contradicted := dialectic.Contradicts(p.MajorityKeys, m.Keys)
	if contradicted {
		p.ContradictionCount++
		p.Unresolved = append(p.Unresolved, m.ID)
		if d.metrics != nil {
			d.metrics.Contradictions.Inc()
		}
		// A contradiction reopens settled claims.
		switch p.State {
		case pattern.StateThesis, pattern.StateSynthesis, pattern.StatePublished:
			p.State = pattern.StateAntithesis
		}
	} else {
		p.EvidenceCount++
	}

	if err := d.refresh(ctx, p, m); err != nil {
		return contradicted, err
	}

	if contradicted {
		d.logger.Info("contradiction recorded",
			zap.String("pattern_id", p.ID),
			zap.String("memory_id", m.ID),
			zap.String("state", string(p.State)))
	}
	return contradicted, nil
}

// refresh recomputes derived pattern fields from the stored evidence and
// persists the pattern.
func (d *Detector) refresh(ctx context.Context, p *pattern.Pattern, m *memory.Memory) error {
	members, err := d.memories.ByPattern(ctx, p.ID)
	if err != nil {
		return fmt.Errorf("loading evidence for pattern %s: %w", p.ID, err)
	}

	unresolved := make(map[string]bool, len(p.Unresolved))
	for _, id := range p.Unresolved {
		unresolved[id] = true
	}
	now := d.now()
	supporters := make([]*memory.Memory, 0, len(members))
	embedded := 0
	for _, member := range members {
		if !unresolved[member.ID] {
			supporters = append(supporters, member)
		}
		if len(member.Embedding) > 0 {
			embedded++
		}
		// New evidence reinforces the whole cluster: every member returns
		// to working with a fresh reinforcement timestamp.
		if err := d.memories.Touch(ctx, member.ID, memory.TierWorking, now); err != nil {
			return fmt.Errorf("reinforcing evidence for pattern %s: %w", p.ID, err)
		}
	}

	p.MajorityKeys = majorityKeys(supporters)
	p.ScopeGlobs = scopeGlobs(supporters)
	if len(m.Embedding) > 0 {
		p.AbsorbCentroid(m.Embedding, embedded)
	}
	if m.CreatedAt.After(p.LastEvidenceAt) {
		p.LastEvidenceAt = m.CreatedAt
	}
	if p.State == pattern.StateCandidate && p.EvidenceCount >= d.minEvidence {
		p.State = pattern.StateThesis
		p.Statement = d.summarizer.Thesis(p.MajorityKeys)
		d.logger.Info("pattern promoted to thesis",
			zap.String("pattern_id", p.ID),
			zap.String("statement", p.Statement))
	}
	p.Rescore(d.priorSmoothing)
	p.UpdatedAt = now

	if err := d.patterns.Update(ctx, p); err != nil {
		return fmt.Errorf("persisting pattern %s: %w", p.ID, err)
	}
	d.table.Put(p)
	if len(p.Centroid) > 0 {
		if err := d.index.UpsertPattern(ctx, p.ID, p.Centroid); err != nil {
			d.logger.Warn("failed to index pattern centroid",
				zap.String("pattern_id", p.ID), zap.Error(err))
		}
	}
	return nil
}

// seed greedily clusters leftover memories by context key overlap and
// creates a candidate pattern per cluster of at least two. Singletons
// stay unassigned for future cycles.
func (d *Detector) seed(ctx context.Context, leftovers []*memory.Memory) (int, error) {
	created := 0
	used := make([]bool, len(leftovers))
	for i, m := range leftovers {
		if used[i] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return created, err
		}
		group := []*memory.Memory{m}
		for j := i + 1; j < len(leftovers); j++ {
			if used[j] {
				continue
			}
			if capture.Jaccard(m.Keys.Context(), leftovers[j].Keys.Context()) >= d.cfg.ClusterJaccard {
				group = append(group, leftovers[j])
				used[j] = true
			}
		}
		if len(group) < 2 {
			continue
		}
		if err := d.createCandidate(ctx, group); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

// createCandidate builds a new pattern from a seed group.
func (d *Detector) createCandidate(ctx context.Context, group []*memory.Memory) error {
	now := d.now()
	p := pattern.New(now)

	groupMajority := majorityKeys(group)
	var supporters []*memory.Memory
	embedded := 0
	for _, m := range group {
		if err := d.memories.Assign(ctx, m.ID, p.ID); err != nil {
			if errors.Is(err, memory.ErrAlreadyAssigned) {
				continue
			}
			return err
		}
		if dialectic.Contradicts(groupMajority, m.Keys) {
			p.ContradictionCount++
			p.Unresolved = append(p.Unresolved, m.ID)
			if d.metrics != nil {
				d.metrics.Contradictions.Inc()
			}
		} else {
			p.EvidenceCount++
			supporters = append(supporters, m)
		}
		if len(m.Embedding) > 0 {
			embedded++
			p.AbsorbCentroid(m.Embedding, embedded)
		}
		if m.CreatedAt.After(p.LastEvidenceAt) {
			p.LastEvidenceAt = m.CreatedAt
		}
	}
	if p.EvidenceCount+len(p.Unresolved) == 0 {
		return nil
	}

	p.MajorityKeys = majorityKeys(supporters)
	p.ScopeGlobs = scopeGlobs(supporters)
	p.Statement = d.summarizer.Thesis(p.MajorityKeys)
	if p.EvidenceCount >= d.minEvidence {
		p.State = pattern.StateThesis
		if len(p.Unresolved) > 0 {
			p.State = pattern.StateAntithesis
		}
	}
	p.Rescore(d.priorSmoothing)

	if err := d.patterns.Create(ctx, p); err != nil {
		return fmt.Errorf("creating pattern: %w", err)
	}
	d.table.Put(p)
	if len(p.Centroid) > 0 {
		if err := d.index.UpsertPattern(ctx, p.ID, p.Centroid); err != nil {
			d.logger.Warn("failed to index pattern centroid",
				zap.String("pattern_id", p.ID), zap.Error(err))
		}
	}
	if d.metrics != nil {
		d.metrics.PatternsCreated.Inc()
	}
	d.logger.Info("candidate pattern seeded",
		zap.String("pattern_id", p.ID),
		zap.Int("members", len(group)),
		zap.String("statement", p.Statement))
	return nil
}

// majorityKeys returns the (name, value) pairs present in more than half
// of the members, sorted for determinism.
func majorityKeys(members []*memory.Memory) capture.Keys {
	if len(members) == 0 {
		return capture.Keys{}
	}
	counts := make(map[capture.KV]int)
	for _, m := range members {
		for _, kv := range m.Keys {
			counts[kv]++
		}
	}
	out := make(capture.Keys, 0, len(counts))
	for kv, n := range counts {
		if n*2 > len(members) {
			out = append(out, kv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Value < out[j].Value
	})
	return out
}

// scopeGlobs derives the applicability scope from the evidence's dir
// keys. Evidence without directory context yields the match-all scope.
func scopeGlobs(members []*memory.Memory) []string {
	seen := make(map[string]bool)
	for _, m := range members {
		if dir, ok := m.Keys.Get(capture.KeyDir); ok {
			seen[dir+"/**"] = true
		}
	}
	if len(seen) == 0 {
		return []string{"**"}
	}
	globs := make([]string, 0, len(seen))
	for g := range seen {
		globs = append(globs, g)
	}
	sort.Strings(globs)
	return globs
}

// cosine computes cosine similarity between two vectors, 0 on mismatch.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
