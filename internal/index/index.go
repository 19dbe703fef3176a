// Package index provides the nearest-neighbor similarity index over
// embedding vectors.
//
// The index is a derived, disposable structure built on chromem-go: it is
// never the system of record and is rebuilt from the Memory Store after a
// crash or restart. Memories without an embedding are excluded from all
// index operations but remain queryable by keys.
package index

import (
	"context"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

const (
	memoryCollection  = "memories"
	patternCollection = "patterns"
)

// Hit is one nearest-neighbor result.
type Hit struct {
	ID         string
	Similarity float64
}

// Index is an in-memory cosine-similarity index with two namespaces:
// memory embeddings and pattern centroids.
type Index struct {
	mu       sync.Mutex
	db       *chromem.DB
	memories *chromem.Collection
	patterns *chromem.Collection
	logger   *zap.Logger
}

// New creates an empty index.
func New(logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db := chromem.NewDB()

	// The embedding function is never used: all vectors are precomputed
	// upstream and passed in explicitly.
	noEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("index stores precomputed vectors only")
	}

	mems, err := db.GetOrCreateCollection(memoryCollection, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("creating memory collection: %w", err)
	}
	pats, err := db.GetOrCreateCollection(patternCollection, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("creating pattern collection: %w", err)
	}

	return &Index{db: db, memories: mems, patterns: pats, logger: logger}, nil
}

// UpsertMemory inserts or replaces a memory vector.
func (i *Index) UpsertMemory(ctx context.Context, id string, vector []float32) error {
	return i.upsert(ctx, i.memories, id, vector)
}

// UpsertPattern inserts or replaces a pattern centroid.
func (i *Index) UpsertPattern(ctx context.Context, id string, vector []float32) error {
	return i.upsert(ctx, i.patterns, id, vector)
}

func (i *Index) upsert(ctx context.Context, c *chromem.Collection, id string, vector []float32) error {
	if len(vector) == 0 {
		return fmt.Errorf("empty vector for %s", id)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := c.AddDocument(ctx, chromem.Document{ID: id, Embedding: vector, Content: id}); err != nil {
		return fmt.Errorf("upserting %s: %w", id, err)
	}
	return nil
}

// RemoveMemory drops a memory vector, e.g. on expiry.
func (i *Index) RemoveMemory(ctx context.Context, id string) error {
	return i.remove(ctx, i.memories, id)
}

// RemovePattern drops a pattern centroid, e.g. on retirement.
func (i *Index) RemovePattern(ctx context.Context, id string) error {
	return i.remove(ctx, i.patterns, id)
}

func (i *Index) remove(ctx context.Context, c *chromem.Collection, id string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return c.Delete(ctx, nil, nil, id)
}

// NearestMemories returns memory hits with similarity >= minSimilarity,
// best first. Empty result if nothing clears the threshold.
func (i *Index) NearestMemories(ctx context.Context, vector []float32, k int, minSimilarity float64) ([]Hit, error) {
	return i.nearest(ctx, i.memories, vector, k, minSimilarity)
}

// NearestPatterns returns pattern hits by centroid similarity.
func (i *Index) NearestPatterns(ctx context.Context, vector []float32, k int, minSimilarity float64) ([]Hit, error) {
	return i.nearest(ctx, i.patterns, vector, k, minSimilarity)
}

func (i *Index) nearest(ctx context.Context, c *chromem.Collection, vector []float32, k int, minSimilarity float64) ([]Hit, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	count := c.Count()
	if count == 0 || k <= 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	results, err := c.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying index: %w", err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		sim := float64(r.Similarity)
		if sim < minSimilarity {
			continue
		}
		hits = append(hits, Hit{ID: r.ID, Similarity: sim})
	}
	return hits, nil
}

// MemoryCount returns the number of indexed memory vectors.
func (i *Index) MemoryCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.memories.Count()
}

// Replayer streams (id, vector) pairs from the system of record.
type Replayer interface {
	ReplayEmbedded(ctx context.Context, fn func(id string, vector []float32) error) error
}

// RebuildMemories repopulates the memory namespace by replaying the store.
func (i *Index) RebuildMemories(ctx context.Context, store Replayer) error {
	n := 0
	err := store.ReplayEmbedded(ctx, func(id string, vector []float32) error {
		n++
		return i.UpsertMemory(ctx, id, vector)
	})
	if err != nil {
		return fmt.Errorf("rebuilding index: %w", err)
	}
	i.logger.Info("similarity index rebuilt", zap.Int("memories", n))
	return nil
}
