// Package recall answers similarity queries over memories and patterns.
package recall

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialectd/internal/embed"
	"github.com/fyrsmithlabs/dialectd/internal/index"
	"github.com/fyrsmithlabs/dialectd/internal/memory"
	"github.com/fyrsmithlabs/dialectd/internal/pattern"
)

// MemoryHit is a recalled memory with its query similarity.
type MemoryHit struct {
	Memory     *memory.Memory `json:"memory"`
	Similarity float64        `json:"similarity"`
}

// PatternHit is a recalled pattern with its centroid similarity.
type PatternHit struct {
	Pattern    *pattern.Pattern `json:"pattern"`
	Similarity float64          `json:"similarity"`
}

// Result is a ranked recall answer.
type Result struct {
	Memories []MemoryHit  `json:"memories"`
	Patterns []PatternHit `json:"patterns"`
}

// Service runs recall queries.
type Service struct {
	memories memory.Store
	table    *pattern.Table
	index    *index.Index
	embedder embed.Embedder
	logger   *zap.Logger

	minSimilarity float64
}

// New creates a recall service.
func New(memories memory.Store, table *pattern.Table, idx *index.Index, embedder embed.Embedder, logger *zap.Logger, minSimilarity float64) (*Service, error) {
	if memories == nil || table == nil || idx == nil || embedder == nil {
		return nil, fmt.Errorf("store, table, index, and embedder cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		memories:      memories,
		table:         table,
		index:         idx,
		embedder:      embedder,
		logger:        logger,
		minSimilarity: minSimilarity,
	}, nil
}

// Find embeds the query and returns the nearest memories and patterns,
// best first, ties broken by recency. Embedding outages propagate so
// callers can distinguish "nothing similar" from "cannot search".
func (s *Service) Find(ctx context.Context, query string, limit int) (*Result, error) {
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	if limit <= 0 {
		limit = 10
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	res := &Result{Memories: []MemoryHit{}, Patterns: []PatternHit{}}

	memHits, err := s.index.NearestMemories(ctx, vec, limit, s.minSimilarity)
	if err != nil {
		return nil, err
	}
	for _, h := range memHits {
		m, err := s.memories.Get(ctx, h.ID)
		if err != nil {
			if errors.Is(err, memory.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if m.Expired {
			continue
		}
		res.Memories = append(res.Memories, MemoryHit{Memory: m, Similarity: h.Similarity})
	}
	sort.SliceStable(res.Memories, func(i, j int) bool {
		if res.Memories[i].Similarity != res.Memories[j].Similarity {
			return res.Memories[i].Similarity > res.Memories[j].Similarity
		}
		return res.Memories[i].Memory.CreatedAt.After(res.Memories[j].Memory.CreatedAt)
	})

	patHits, err := s.index.NearestPatterns(ctx, vec, limit, s.minSimilarity)
	if err != nil {
		return nil, err
	}
	for _, h := range patHits {
		p := s.table.Get(h.ID)
		if p == nil || !p.Active() {
			continue
		}
		res.Patterns = append(res.Patterns, PatternHit{Pattern: p, Similarity: h.Similarity})
	}
	sort.SliceStable(res.Patterns, func(i, j int) bool {
		if res.Patterns[i].Similarity != res.Patterns[j].Similarity {
			return res.Patterns[i].Similarity > res.Patterns[j].Similarity
		}
		return res.Patterns[i].Pattern.UpdatedAt.After(res.Patterns[j].Pattern.UpdatedAt)
	})

	return res, nil
}
