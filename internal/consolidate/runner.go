// Package consolidate runs the batch pipeline: detection, dialectic
// evaluation, lifecycle transitions, and publication.
//
// At most one cycle runs at a time. Triggers that arrive mid-cycle
// coalesce into a single pending run instead of queueing. Between
// patterns the cycle checks for cancellation, so shutdown aborts cleanly
// at a consistent point without leaving partial writes.
package consolidate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialectd/internal/detector"
	"github.com/fyrsmithlabs/dialectd/internal/dialectic"
	"github.com/fyrsmithlabs/dialectd/internal/lifecycle"
	"github.com/fyrsmithlabs/dialectd/internal/pattern"
	"github.com/fyrsmithlabs/dialectd/internal/publish"
	"github.com/fyrsmithlabs/dialectd/internal/telemetry"
)

// Summary reports what one cycle did.
type Summary struct {
	Detection   detector.Result
	Synthesized int
	Lifecycle   lifecycle.Result
	Published   int
}

// Runner owns the consolidation schedule.
type Runner struct {
	detector  *detector.Detector
	engine    *dialectic.Engine
	lifecycle *lifecycle.Manager
	publisher *publish.Publisher
	patterns  pattern.Store
	table     *pattern.Table
	metrics   *telemetry.Metrics
	logger    *zap.Logger

	interval    time.Duration
	workers     int
	autoPublish bool

	runMu   sync.Mutex
	trigger chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates a runner.
func New(det *detector.Detector, engine *dialectic.Engine, lc *lifecycle.Manager, pub *publish.Publisher, patterns pattern.Store, table *pattern.Table, metrics *telemetry.Metrics, logger *zap.Logger, interval time.Duration, workers int, autoPublish bool) (*Runner, error) {
	if det == nil || engine == nil || lc == nil || pub == nil || patterns == nil || table == nil {
		return nil, fmt.Errorf("all pipeline stages are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers < 1 {
		workers = 1
	}
	return &Runner{
		detector:    det,
		engine:      engine,
		lifecycle:   lc,
		publisher:   pub,
		patterns:    patterns,
		table:       table,
		metrics:     metrics,
		logger:      logger,
		interval:    interval,
		workers:     workers,
		autoPublish: autoPublish,
		trigger:     make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}, nil
}

// Start launches the scheduler goroutine.
func (r *Runner) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-r.trigger:
			}
			r.safeCycle(ctx)
		}
	}()
}

// Stop halts the scheduler and waits for an in-flight cycle.
func (r *Runner) Stop() {
	close(r.stop)
	r.wg.Wait()
}

// Trigger requests a cycle. A trigger during an in-flight cycle
// coalesces with any already-pending request.
func (r *Runner) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
		if r.metrics != nil {
			r.metrics.CyclesCoalesced.Inc()
		}
	}
}

// safeCycle runs a cycle with panic isolation, so one bad cycle never
// takes down the scheduler.
func (r *Runner) safeCycle(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("consolidation cycle panicked", zap.Any("panic", rec))
		}
	}()
	if _, err := r.RunCycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Error("consolidation cycle failed", zap.Error(err))
	}
}

// RunCycle executes one full consolidation cycle. Only one cycle runs at
// a time; a second caller blocks until the first finishes.
func (r *Runner) RunCycle(ctx context.Context) (Summary, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	start := time.Now()
	var sum Summary

	det, err := r.detector.Run(ctx)
	if err != nil {
		return sum, fmt.Errorf("detection: %w", err)
	}
	sum.Detection = det

	synthesized, err := r.evaluatePatterns(ctx)
	if err != nil {
		return sum, fmt.Errorf("dialectic evaluation: %w", err)
	}
	sum.Synthesized = synthesized

	lc, err := r.lifecycle.Run(ctx)
	if err != nil {
		return sum, fmt.Errorf("lifecycle: %w", err)
	}
	sum.Lifecycle = lc

	if r.autoPublish {
		published, err := r.publishAll(ctx)
		if err != nil {
			return sum, fmt.Errorf("publication: %w", err)
		}
		sum.Published = published
	}

	r.observe(ctx, start)
	r.logger.Info("consolidation cycle complete",
		zap.Int("attached", sum.Detection.Attached),
		zap.Int("contradictions", sum.Detection.Contradictions),
		zap.Int("created", sum.Detection.Created),
		zap.Int("synthesized", sum.Synthesized),
		zap.Int("retired", sum.Lifecycle.Retired),
		zap.Int("published", sum.Published),
		zap.Duration("took", time.Since(start)))
	return sum, nil
}

// evaluatePatterns fans patterns with open contradictions out to a small
// worker pool. Each pattern is an independent unit of work; cancellation
// is checked before each one is handed out.
func (r *Runner) evaluatePatterns(ctx context.Context) (int, error) {
	open := r.table.Open()
	work := make(chan *pattern.Pattern)

	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		synthesized int
		firstErr    error
	)
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for p := range work {
				changed, err := r.engine.Evaluate(ctx, p)
				mu.Lock()
				if err != nil && firstErr == nil {
					firstErr = err
				}
				if changed {
					synthesized++
				}
				mu.Unlock()
			}
		}()
	}

	var dispatchErr error
	for _, p := range open {
		if err := ctx.Err(); err != nil {
			dispatchErr = err
			break
		}
		work <- p
	}
	close(work)
	wg.Wait()

	if dispatchErr != nil {
		return synthesized, dispatchErr
	}
	return synthesized, firstErr
}

// publishAll publishes every eligible pattern. Conflicts are reported
// and skipped; the rest of the batch still publishes.
func (r *Runner) publishAll(ctx context.Context) (int, error) {
	published := 0
	for _, p := range r.table.Open() {
		if err := ctx.Err(); err != nil {
			return published, err
		}
		ok, err := r.publisher.Publish(ctx, p)
		if err != nil {
			if errors.Is(err, publish.ErrConflict) {
				r.logger.Warn("publish conflict, leaving artifact untouched",
					zap.String("pattern_id", p.ID))
				continue
			}
			return published, err
		}
		if ok {
			published++
		}
	}
	return published, nil
}

// observe updates cycle metrics and the per-state pattern gauge.
func (r *Runner) observe(ctx context.Context, start time.Time) {
	if r.metrics == nil {
		return
	}
	r.metrics.CyclesRun.Inc()
	r.metrics.CycleDuration.Observe(time.Since(start).Seconds())

	counts, err := r.patterns.CountByState(ctx)
	if err != nil {
		r.logger.Warn("failed to count patterns by state", zap.Error(err))
		return
	}
	for _, state := range []pattern.State{
		pattern.StateCandidate, pattern.StateThesis, pattern.StateAntithesis,
		pattern.StateSynthesis, pattern.StatePublished, pattern.StateRetired,
	} {
		r.metrics.PatternsByState.WithLabelValues(string(state)).Set(float64(counts[state]))
	}
}
