// Package lifecycle ages memories through retention tiers and retires
// stale patterns.
//
// Tiers only move forward: working memories age into short-term when
// their session goes quiet, short-term evidence of a published pattern is
// promoted to long-term, and unreinforced short-term memories that never
// became evidence expire. Reinforcement is the only way back to working,
// and expiry is the only exit. Patterns retire when their confidence,
// decayed by idle sessions, falls below the floor.
package lifecycle

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialectd/internal/config"
	"github.com/fyrsmithlabs/dialectd/internal/index"
	"github.com/fyrsmithlabs/dialectd/internal/memory"
	"github.com/fyrsmithlabs/dialectd/internal/pattern"
)

// Manager applies tier transitions and retirement on a schedule.
type Manager struct {
	memories memory.Store
	patterns pattern.Store
	table    *pattern.Table
	index    *index.Index
	logger   *zap.Logger

	cfg config.Lifecycle
	now func() time.Time
}

// Result summarizes one lifecycle pass.
type Result struct {
	// Aged counts working memories moved to short-term.
	Aged int

	// Promoted counts short-term memories moved to long-term.
	Promoted int

	// Expired counts memories removed from tier tracking.
	Expired int

	// Retired counts patterns moved to the terminal state.
	Retired int
}

// New creates a lifecycle manager.
func New(memories memory.Store, patterns pattern.Store, table *pattern.Table, idx *index.Index, logger *zap.Logger, cfg config.Lifecycle) (*Manager, error) {
	if memories == nil || patterns == nil || table == nil || idx == nil {
		return nil, fmt.Errorf("stores, table, and index cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		memories: memories,
		patterns: patterns,
		table:    table,
		index:    idx,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}, nil
}

// Run applies one full lifecycle pass.
func (m *Manager) Run(ctx context.Context) (Result, error) {
	var res Result

	aged, err := m.ageWorking(ctx)
	if err != nil {
		return res, err
	}
	res.Aged = aged

	promoted, expired, err := m.sweepShortTerm(ctx)
	if err != nil {
		return res, err
	}
	res.Promoted = promoted
	res.Expired = expired

	retired, err := m.retirePatterns(ctx)
	if err != nil {
		return res, err
	}
	res.Retired = retired
	return res, nil
}

// ageWorking moves working memories to short-term once their session has
// been quiet past the session timeout.
func (m *Manager) ageWorking(ctx context.Context) (int, error) {
	working, err := m.memories.QueryByTier(ctx, memory.TierWorking)
	if err != nil {
		return 0, fmt.Errorf("loading working memories: %w", err)
	}

	now := m.now()
	lastActivity := make(map[string]time.Time)
	aged := 0
	for _, mem := range working {
		last, ok := lastActivity[mem.SessionID]
		if !ok {
			latest, err := m.memories.LatestInSession(ctx, mem.SessionID)
			if err != nil {
				return aged, fmt.Errorf("checking session activity: %w", err)
			}
			last = latest.CreatedAt
			lastActivity[mem.SessionID] = last
		}
		if now.Sub(last) <= m.cfg.SessionTimeout {
			continue
		}
		// The reinforcement timestamp is preserved: aging is not a
		// reinforcement event.
		if err := m.memories.Touch(ctx, mem.ID, memory.TierShortTerm, mem.ReinforcedAt); err != nil {
			return aged, err
		}
		aged++
	}
	return aged, nil
}

// sweepShortTerm promotes published-pattern evidence to long-term and
// expires unreinforced memories that never became evidence. Evidence of
// retired patterns expires on the same clock as unassigned memories.
func (m *Manager) sweepShortTerm(ctx context.Context) (promoted, expired int, err error) {
	shortTerm, err := m.memories.QueryByTier(ctx, memory.TierShortTerm)
	if err != nil {
		return 0, 0, fmt.Errorf("loading short-term memories: %w", err)
	}

	now := m.now()
	for _, mem := range shortTerm {
		if mem.PatternID != "" {
			if p := m.table.Get(mem.PatternID); p != nil {
				if p.State == pattern.StatePublished {
					if err := m.memories.Touch(ctx, mem.ID, memory.TierLongTerm, mem.ReinforcedAt); err != nil {
						return promoted, expired, err
					}
					promoted++
				}
				// Evidence of unpublished patterns is held in short-term.
				continue
			}
			// The pattern has been retired out of the table: its evidence
			// no longer earns retention and ages out below.
		}
		if now.Sub(mem.ReinforcedAt) <= m.cfg.ExpiryTTL {
			continue
		}
		if err := m.memories.Expire(ctx, mem.ID); err != nil {
			return promoted, expired, err
		}
		if err := m.index.RemoveMemory(ctx, mem.ID); err != nil {
			m.logger.Warn("failed to drop expired memory from index",
				zap.String("memory_id", mem.ID), zap.Error(err))
		}
		expired++
	}
	return promoted, expired, nil
}

// retirePatterns retires patterns whose decayed confidence has fallen
// below the floor after enough idle sessions.
func (m *Manager) retirePatterns(ctx context.Context) (int, error) {
	now := m.now()
	retired := 0
	for _, p := range m.table.Open() {
		idle, err := m.memories.CountSessionsSince(ctx, p.LastEvidenceAt)
		if err != nil {
			return retired, fmt.Errorf("counting idle sessions: %w", err)
		}
		if idle < m.cfg.RetireAfterSessions {
			continue
		}
		decayed := p.Confidence * math.Exp(-m.cfg.DecayRate*float64(idle))
		if decayed >= m.cfg.ConfidenceFloor {
			continue
		}

		p.State = pattern.StateRetired
		p.UpdatedAt = now
		if err := m.patterns.Update(ctx, p); err != nil {
			return retired, fmt.Errorf("retiring pattern %s: %w", p.ID, err)
		}
		m.table.Remove(p.ID)
		if err := m.index.RemovePattern(ctx, p.ID); err != nil {
			m.logger.Warn("failed to drop retired pattern from index",
				zap.String("pattern_id", p.ID), zap.Error(err))
		}
		m.logger.Info("pattern retired",
			zap.String("pattern_id", p.ID),
			zap.Int("idle_sessions", idle),
			zap.Float64("decayed_confidence", decayed))
		retired++
	}
	return retired, nil
}
