package dialectic

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialectd/internal/capture"
	"github.com/fyrsmithlabs/dialectd/internal/memory"
	"github.com/fyrsmithlabs/dialectd/internal/pattern"
	"github.com/fyrsmithlabs/dialectd/internal/storage"
)

func TestContradicts(t *testing.T) {
	majority := capture.Keys{
		{Name: capture.KeyCommand, Value: "bun"},
		{Name: capture.KeyOutcome, Value: capture.OutcomeSuccess},
		{Name: capture.KeyFollows, Value: "bun install"},
	}

	tests := []struct {
		name string
		keys capture.Keys
		want bool
	}{
		{
			"full agreement",
			capture.Keys{
				{Name: capture.KeyOutcome, Value: capture.OutcomeSuccess},
				{Name: capture.KeyFollows, Value: "bun install"},
			},
			false,
		},
		{
			"differing outcome",
			capture.Keys{
				{Name: capture.KeyOutcome, Value: capture.OutcomeFailure},
				{Name: capture.KeyFollows, Value: "bun install"},
			},
			true,
		},
		{
			"differing follows",
			capture.Keys{
				{Name: capture.KeyOutcome, Value: capture.OutcomeSuccess},
				{Name: capture.KeyFollows, Value: "bun update"},
			},
			true,
		},
		{
			"missing asserted predecessor",
			capture.Keys{
				{Name: capture.KeyCommand, Value: "bun"},
				{Name: capture.KeyOutcome, Value: capture.OutcomeSuccess},
			},
			true,
		},
		{
			"differing context key is not a contradiction",
			capture.Keys{
				{Name: capture.KeyCommand, Value: "npm"},
				{Name: capture.KeyOutcome, Value: capture.OutcomeSuccess},
				{Name: capture.KeyFollows, Value: "bun install"},
			},
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Contradicts(majority, tt.keys))
		})
	}
}

func TestContradictsIgnoresUnassertedDivergence(t *testing.T) {
	// The majority makes no claim about a predecessor, so a memory that
	// happens to carry one is still agreement.
	majority := capture.Keys{
		{Name: capture.KeyCommand, Value: "bun"},
		{Name: capture.KeyOutcome, Value: capture.OutcomeSuccess},
	}
	keys := capture.Keys{
		{Name: capture.KeyOutcome, Value: capture.OutcomeSuccess},
		{Name: capture.KeyFollows, Value: "bun install"},
	}
	assert.False(t, Contradicts(majority, keys))
}

func TestTemplateSummarizer(t *testing.T) {
	s := NewTemplateSummarizer()

	keys := capture.Keys{
		{Name: capture.KeyTool, Value: "bash"},
		{Name: capture.KeyCommand, Value: "bun"},
		{Name: capture.KeySubcommand, Value: "test"},
		{Name: capture.KeyOutcome, Value: capture.OutcomeSuccess},
		{Name: capture.KeyFollows, Value: "bun install"},
		{Name: capture.KeyDir, Value: "services/api"},
	}
	assert.Equal(t,
		"bun test succeeds after bun install in services/api",
		s.Thesis(keys))

	assert.Equal(t,
		"bun test succeeds after bun install in services/api; except when env=ci",
		s.Synthesis(keys, capture.KV{Name: "env", Value: "ci"}))

	failing := capture.Keys{
		{Name: capture.KeyCommand, Value: "npm"},
		{Name: capture.KeyOutcome, Value: capture.OutcomeFailure},
		{Name: "env", Value: "ci"},
	}
	assert.Equal(t, "npm fails with env=ci", s.Thesis(failing))

	// Identical inputs always yield identical statements.
	assert.Equal(t, s.Thesis(keys), s.Thesis(keys))
}

type engineFixture struct {
	memories *memory.SQLStore
	patterns *pattern.SQLStore
	table    *pattern.Table
	engine   *Engine
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	memories := memory.NewSQLStore(db.DB, time.Second)
	patterns := pattern.NewSQLStore(db.DB)
	table := pattern.NewTable()
	engine, err := NewEngine(memories, patterns, table, NewTemplateSummarizer(), zap.NewNop(), 3, 1)
	require.NoError(t, err)
	return &engineFixture{memories: memories, patterns: patterns, table: table, engine: engine}
}

func (f *engineFixture) addMember(t *testing.T, p *pattern.Pattern, session, input, output string, at time.Time) *memory.Memory {
	t.Helper()
	e := &capture.Event{SessionID: session, ToolName: "bash", Input: input, Output: output, Timestamp: at}
	m := memory.New(e, capture.DeriveKeys(e))
	_, err := f.memories.Append(context.Background(), m)
	require.NoError(t, err)
	require.NoError(t, f.memories.Assign(context.Background(), m.ID, p.ID))
	return m
}

func TestEvaluateSynthesizes(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	p := pattern.New(now)
	p.State = pattern.StateAntithesis
	p.MajorityKeys = capture.Keys{
		{Name: capture.KeyCommand, Value: "bun"},
		{Name: capture.KeyOutcome, Value: capture.OutcomeSuccess},
		{Name: capture.KeySubcommand, Value: "test"},
		{Name: capture.KeyTool, Value: "bash"},
	}

	for i, dir := range []string{"a", "b", "c"} {
		f.addMember(t, p, "s"+dir, "bun test services/api/"+dir+".test.ts", "ok",
			now.Add(time.Duration(i)*time.Minute))
	}
	counter := f.addMember(t, p, "sx", "bun test legacy/billing/x.test.ts",
		"error: missing fixture", now.Add(5*time.Minute))

	p.EvidenceCount = 3
	p.ContradictionCount = 1
	p.Unresolved = []string{counter.ID}
	p.Rescore(1)
	require.NoError(t, f.patterns.Create(ctx, p))
	f.table.Put(p)

	changed, err := f.engine.Evaluate(ctx, p)
	require.NoError(t, err)
	require.True(t, changed)

	assert.Equal(t, pattern.StateSynthesis, p.State)
	assert.Equal(t, 4, p.EvidenceCount)
	assert.Empty(t, p.Unresolved)
	assert.Equal(t, 1, p.ContradictionCount, "cumulative count survives the merge")
	assert.InDelta(t, 0.8, p.Confidence, 1e-9)
	assert.Contains(t, p.Statement, "except when dir=legacy/billing")

	stored, err := f.patterns.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, pattern.StateSynthesis, stored.State)
}

func TestEvaluateSynthesizesMissingPredecessor(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	p := pattern.New(now)
	p.State = pattern.StateAntithesis
	p.MajorityKeys = capture.Keys{
		{Name: capture.KeyTool, Value: "bash"},
		{Name: capture.KeyCommand, Value: "git"},
		{Name: capture.KeySubcommand, Value: "commit"},
		{Name: capture.KeyOutcome, Value: capture.OutcomeSuccess},
		{Name: capture.KeyFollows, Value: "bun test"},
	}

	for i, sess := range []string{"s1", "s2", "s3"} {
		f.addMember(t, p, sess, "git commit", "ok", now.Add(time.Duration(i)*time.Minute))
	}
	// A commit with no preceding test run, distinguishable by its docs-only
	// context.
	counter := f.addMember(t, p, "s4", "git commit docs/readme.md", "ok",
		now.Add(5*time.Minute))

	p.EvidenceCount = 3
	p.ContradictionCount = 1
	p.Unresolved = []string{counter.ID}
	p.Rescore(1)
	require.NoError(t, f.patterns.Create(ctx, p))
	f.table.Put(p)

	changed, err := f.engine.Evaluate(ctx, p)
	require.NoError(t, err)
	require.True(t, changed)

	assert.Equal(t, pattern.StateSynthesis, p.State)
	assert.Equal(t, 4, p.EvidenceCount)
	assert.Empty(t, p.Unresolved)
	assert.Equal(t,
		"git commit succeeds after bun test; except when dir=docs",
		p.Statement)
}

func TestEvaluateSkipsWithoutContradictions(t *testing.T) {
	f := newEngineFixture(t)
	p := pattern.New(time.Now().UTC())
	p.State = pattern.StateThesis
	p.EvidenceCount = 3

	changed, err := f.engine.Evaluate(context.Background(), p)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestEvaluateStaysOpenOnAmbiguousSplit(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	p := pattern.New(now)
	p.State = pattern.StateAntithesis
	p.MajorityKeys = capture.Keys{
		{Name: capture.KeyCommand, Value: "bun"},
		{Name: capture.KeyOutcome, Value: capture.OutcomeSuccess},
	}

	for i, dir := range []string{"a", "b", "c"} {
		f.addMember(t, p, "s"+dir, "bun test services/api/"+dir+".test.ts", "ok",
			now.Add(time.Duration(i)*time.Minute))
	}
	// The counter-example differs on two context keys with the same gap,
	// so no single condition explains it.
	counter := f.addMember(t, p, "sx", "bun test legacy/billing/x.test.ts env=ci region=eu",
		"error: missing fixture", now.Add(5*time.Minute))

	p.EvidenceCount = 3
	p.ContradictionCount = 1
	p.Unresolved = []string{counter.ID}
	p.Rescore(1)
	require.NoError(t, f.patterns.Create(ctx, p))
	f.table.Put(p)

	changed, err := f.engine.Evaluate(ctx, p)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, pattern.StateAntithesis, p.State)
	assert.Len(t, p.Unresolved, 1)
	assert.InDelta(t, 0.6, p.Confidence, 1e-9)
}
