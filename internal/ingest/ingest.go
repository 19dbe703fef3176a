// Package ingest accepts capture events and turns them into stored
// memories without ever blocking the caller.
//
// Record returns after the store write; embedding and indexing happen on
// a bounded background queue. When the queue is full the embedding is
// skipped for that memory, which stays queryable by keys but outside
// vector clustering, rather than blocking or dropping the record.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialectd/internal/capture"
	"github.com/fyrsmithlabs/dialectd/internal/embed"
	"github.com/fyrsmithlabs/dialectd/internal/index"
	"github.com/fyrsmithlabs/dialectd/internal/memory"
	"github.com/fyrsmithlabs/dialectd/internal/telemetry"
)

// Service ingests capture events.
type Service struct {
	store    memory.Store
	index    *index.Index
	embedder embed.Embedder
	logger   *zap.Logger
	metrics  *telemetry.Metrics

	followWindow time.Duration

	queue  chan job
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

type job struct {
	memoryID string
	text     string
}

// New creates an ingest service. Call Start before recording events and
// Stop to drain the queue on shutdown.
func New(store memory.Store, idx *index.Index, embedder embed.Embedder, logger *zap.Logger, metrics *telemetry.Metrics, queueSize int, followWindow time.Duration) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if idx == nil {
		return nil, fmt.Errorf("index cannot be nil")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if queueSize < 1 {
		queueSize = 256
	}
	return &Service{
		store:        store,
		index:        idx,
		embedder:     embedder,
		logger:       logger,
		metrics:      metrics,
		followWindow: followWindow,
		queue:        make(chan job, queueSize),
	}, nil
}

// Start launches the embedding worker.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.worker()
}

// Stop drains the queue and waits for the worker to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Record validates an event, appends it to the memory store, and
// enqueues embedding and indexing work. Returns the stored memory.
func (s *Service) Record(ctx context.Context, e *capture.Event) (*memory.Memory, error) {
	if err := e.Validate(); err != nil {
		if s.metrics != nil {
			s.metrics.EventsRejected.Inc()
		}
		return nil, err
	}

	keys := capture.DeriveKeys(e)
	keys = s.withFollows(ctx, e, keys)

	m := memory.New(e, keys)
	if _, err := s.store.Append(ctx, m); err != nil {
		if errors.Is(err, memory.ErrDuplicate) && s.metrics != nil {
			s.metrics.EventsDeduped.Inc()
		}
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.EventsIngested.Inc()
	}

	// Recurring raw content reinforces the earlier memories: tier resets
	// to working and reinforcedAt bumps.
	s.reinforceRecurrence(ctx, m)

	// Full queue skips embedding instead of blocking.
	select {
	case s.queue <- job{memoryID: m.ID, text: EmbeddingText(m)}:
	default:
		if s.metrics != nil {
			s.metrics.QueueSkipped.Inc()
		}
		s.logger.Warn("embedding queue full, memory stored without vector",
			zap.String("memory_id", m.ID))
	}

	return m, nil
}

// withFollows adds the follows= key when the previous event in the same
// session landed inside the follow window.
func (s *Service) withFollows(ctx context.Context, e *capture.Event, keys capture.Keys) capture.Keys {
	prev, err := s.store.LatestInSession(ctx, e.SessionID)
	if err != nil {
		if !errors.Is(err, memory.ErrNotFound) {
			s.logger.Warn("failed to look up session predecessor", zap.Error(err))
		}
		return keys
	}
	gap := e.Timestamp.Sub(prev.CreatedAt)
	if gap < 0 || gap > s.followWindow {
		return keys
	}
	return keys.With(capture.KeyFollows, invocationLabel(prev.Keys, prev.ToolName))
}

// invocationLabel names an invocation for the follows key: command plus
// subcommand when present, tool name otherwise.
func invocationLabel(keys capture.Keys, toolName string) string {
	cmd, ok := keys.Get(capture.KeyCommand)
	if !ok {
		return toolName
	}
	if sub, ok := keys.Get(capture.KeySubcommand); ok {
		return cmd + " " + sub
	}
	return cmd
}

// reinforceRecurrence resets earlier memories with the same raw content
// back to the working tier.
func (s *Service) reinforceRecurrence(ctx context.Context, m *memory.Memory) {
	prior, err := s.store.ByContentHash(ctx, m.ContentHash)
	if err != nil {
		s.logger.Warn("recurrence lookup failed", zap.Error(err))
		return
	}
	for _, p := range prior {
		if p.ID == m.ID {
			continue
		}
		if err := s.store.Touch(ctx, p.ID, memory.TierWorking, m.CreatedAt); err != nil {
			s.logger.Warn("failed to reinforce memory",
				zap.String("memory_id", p.ID), zap.Error(err))
		}
	}
}

// worker embeds queued memories and upserts them into the index.
// Embedding failures are logged and counted, never fatal.
func (s *Service) worker() {
	defer s.wg.Done()
	for j := range s.queue {
		ctx := context.Background()
		vec, err := s.embedder.Embed(ctx, j.text)
		if err != nil {
			if s.metrics != nil {
				s.metrics.EmbeddingsFailed.Inc()
			}
			s.logger.Warn("embedding failed, memory stays key-only",
				zap.String("memory_id", j.memoryID), zap.Error(err))
			continue
		}
		if err := s.store.SetEmbedding(ctx, j.memoryID, vec); err != nil {
			s.logger.Error("failed to persist embedding",
				zap.String("memory_id", j.memoryID), zap.Error(err))
			continue
		}
		if err := s.index.UpsertMemory(ctx, j.memoryID, vec); err != nil {
			s.logger.Error("failed to index embedding",
				zap.String("memory_id", j.memoryID), zap.Error(err))
		}
	}
}

// EmbeddingText builds the canonical text embedded for a memory: the
// semantic keys followed by the raw invocation.
func EmbeddingText(m *memory.Memory) string {
	var b strings.Builder
	for i, kv := range m.Keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(kv.Name)
		b.WriteByte('=')
		b.WriteString(kv.Value)
	}
	if m.Input != "" {
		b.WriteString(" | ")
		b.WriteString(m.ToolName)
		b.WriteByte(' ')
		b.WriteString(m.Input)
	}
	return b.String()
}
