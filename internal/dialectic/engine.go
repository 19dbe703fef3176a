// Package dialectic resolves contradictions between a pattern's claim and
// its counter-examples.
//
// A contradiction is a memory whose context matches a pattern but whose
// divergence keys (outcome, follows) disagree with the pattern's majority.
// Contradictions never delete evidence: they accumulate as unresolved
// counter-examples until a merge finds the context condition that
// separates them, producing a synthesis statement with an exception
// clause. When no single condition separates the sides, the pattern stays
// in antithesis and its confidence reflects the open dispute.
package dialectic

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialectd/internal/capture"
	"github.com/fyrsmithlabs/dialectd/internal/memory"
	"github.com/fyrsmithlabs/dialectd/internal/pattern"
)

// Contradicts reports whether a memory's divergence keys disagree with
// the pattern majority. A differing value disagrees, and so does the
// absence of a divergence key the majority asserts: an event lacking the
// claimed predecessor disputes "x follows y" as much as one with a
// different predecessor. Divergence keys only the memory carries stay
// neutral.
func Contradicts(majority, keys capture.Keys) bool {
	for _, kv := range majority {
		if !capture.IsDivergenceKey(kv.Name) {
			continue
		}
		v, ok := keys.Get(kv.Name)
		if !ok || v != kv.Value {
			return true
		}
	}
	return false
}

// Engine attempts synthesis on patterns carrying unresolved
// counter-examples.
type Engine struct {
	memories   memory.Store
	patterns   pattern.Store
	table      *pattern.Table
	summarizer Summarizer
	logger     *zap.Logger

	minEvidence    int
	priorSmoothing float64
	now            func() time.Time
}

// NewEngine creates a dialectic engine.
func NewEngine(memories memory.Store, patterns pattern.Store, table *pattern.Table, summarizer Summarizer, logger *zap.Logger, minEvidence int, priorSmoothing float64) (*Engine, error) {
	if memories == nil || patterns == nil || table == nil {
		return nil, fmt.Errorf("stores and table cannot be nil")
	}
	if summarizer == nil {
		summarizer = NewTemplateSummarizer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if minEvidence < 1 {
		minEvidence = 1
	}
	return &Engine{
		memories:       memories,
		patterns:       patterns,
		table:          table,
		summarizer:     summarizer,
		logger:         logger,
		minEvidence:    minEvidence,
		priorSmoothing: priorSmoothing,
		now:            time.Now,
	}, nil
}

// Evaluate attempts to resolve a pattern's unresolved counter-examples.
// Returns true when the pattern changed. Patterns without open
// contradictions, or below the evidence minimum, are left untouched.
func (e *Engine) Evaluate(ctx context.Context, p *pattern.Pattern) (bool, error) {
	if p.State != pattern.StateAntithesis || len(p.Unresolved) == 0 {
		return false, nil
	}
	if p.EvidenceCount < e.minEvidence {
		return false, nil
	}

	members, err := e.memories.ByPattern(ctx, p.ID)
	if err != nil {
		return false, fmt.Errorf("loading evidence for pattern %s: %w", p.ID, err)
	}

	unresolved := make(map[string]bool, len(p.Unresolved))
	for _, id := range p.Unresolved {
		unresolved[id] = true
	}
	var majority, minority []*memory.Memory
	for _, m := range members {
		if unresolved[m.ID] {
			minority = append(minority, m)
		} else {
			majority = append(majority, m)
		}
	}
	if len(majority) == 0 || len(minority) == 0 {
		return false, nil
	}

	exception, ok := discriminator(majority, minority)
	if !ok {
		// No single context condition separates the sides: the dispute
		// stays open.
		e.logger.Debug("no discriminating condition found",
			zap.String("pattern_id", p.ID),
			zap.Int("unresolved", len(minority)))
		return false, nil
	}

	// Synthesis absorbs the counter-examples as evidence for the merged,
	// conditional claim. The cumulative contradiction count is untouched.
	now := e.now()
	p.State = pattern.StateSynthesis
	p.Statement = e.summarizer.Synthesis(p.MajorityKeys, exception)
	p.EvidenceCount += len(p.Unresolved)
	p.Unresolved = nil
	p.Rescore(e.priorSmoothing)
	p.UpdatedAt = now

	if err := e.patterns.Update(ctx, p); err != nil {
		return false, fmt.Errorf("persisting synthesis for pattern %s: %w", p.ID, err)
	}
	e.table.Put(p)

	e.logger.Info("pattern synthesized",
		zap.String("pattern_id", p.ID),
		zap.String("statement", p.Statement),
		zap.Float64("confidence", p.Confidence))
	return true, nil
}

// discriminator finds the context condition that best separates the
// counter-examples from the majority: the (key, value) pair whose
// proportion among the minority most exceeds its proportion among the
// majority. Ambiguous splits (no positive gap, or two conditions tied for
// the largest gap) report false.
func discriminator(majority, minority []*memory.Memory) (capture.KV, bool) {
	names := contextKeyNames(minority)

	var best capture.KV
	bestGap := 0.0
	tied := false
	for _, name := range names {
		value, ok := dominantValue(minority, name)
		if !ok {
			continue
		}
		gap := proportion(minority, name, value) - proportion(majority, name, value)
		switch {
		case gap > bestGap:
			best = capture.KV{Name: name, Value: value}
			bestGap = gap
			tied = false
		case gap == bestGap && gap > 0:
			tied = true
		}
	}
	if bestGap <= 0 || tied {
		return capture.KV{}, false
	}
	return best, true
}

// contextKeyNames returns the sorted distinct context key names across
// the given memories.
func contextKeyNames(members []*memory.Memory) []string {
	seen := make(map[string]bool)
	for _, m := range members {
		for _, kv := range m.Keys.Context() {
			seen[kv.Name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// dominantValue returns the most common value for a key among members,
// breaking count ties lexicographically.
func dominantValue(members []*memory.Memory, name string) (string, bool) {
	counts := make(map[string]int)
	for _, m := range members {
		if v, ok := m.Keys.Get(name); ok {
			counts[v]++
		}
	}
	if len(counts) == 0 {
		return "", false
	}
	values := make([]string, 0, len(counts))
	for v := range counts {
		values = append(values, v)
	}
	sort.Strings(values)
	best := values[0]
	for _, v := range values[1:] {
		if counts[v] > counts[best] {
			best = v
		}
	}
	return best, true
}

// proportion is the fraction of members carrying the exact pair.
func proportion(members []*memory.Memory, name, value string) float64 {
	if len(members) == 0 {
		return 0
	}
	n := 0
	for _, m := range members {
		if m.Keys.Has(name, value) {
			n++
		}
	}
	return float64(n) / float64(len(members))
}
