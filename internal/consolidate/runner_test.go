package consolidate

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialectd/internal/capture"
	"github.com/fyrsmithlabs/dialectd/internal/config"
	"github.com/fyrsmithlabs/dialectd/internal/detector"
	"github.com/fyrsmithlabs/dialectd/internal/dialectic"
	"github.com/fyrsmithlabs/dialectd/internal/index"
	"github.com/fyrsmithlabs/dialectd/internal/lifecycle"
	"github.com/fyrsmithlabs/dialectd/internal/memory"
	"github.com/fyrsmithlabs/dialectd/internal/pattern"
	"github.com/fyrsmithlabs/dialectd/internal/publish"
	"github.com/fyrsmithlabs/dialectd/internal/storage"
	"github.com/fyrsmithlabs/dialectd/internal/telemetry"
)

type fixture struct {
	memories *memory.SQLStore
	patterns *pattern.SQLStore
	table    *pattern.Table
	metrics  *telemetry.Metrics
	runner   *Runner
	rulesDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	memories := memory.NewSQLStore(db.DB, time.Second)
	patterns := pattern.NewSQLStore(db.DB)
	table := pattern.NewTable()
	idx, err := index.New(zap.NewNop())
	require.NoError(t, err)
	metrics := telemetry.New()
	summarizer := dialectic.NewTemplateSummarizer()

	detCfg := config.Detector{
		AttachThreshold: 0.75,
		ClusterJaccard:  0.5,
		MinSimilarity:   0.8,
		WeightKeys:      1,
		TemporalTau:     30 * time.Minute,
		FollowWindow:    2 * time.Minute,
		MaxBatch:        100,
	}
	det, err := detector.New(memories, patterns, table, idx, summarizer, metrics, zap.NewNop(), detCfg, 3, 1)
	require.NoError(t, err)
	engine, err := dialectic.NewEngine(memories, patterns, table, summarizer, zap.NewNop(), 3, 1)
	require.NoError(t, err)
	lc, err := lifecycle.New(memories, patterns, table, idx, zap.NewNop(), config.Lifecycle{
		DecayRate:           0.15,
		ConfidenceFloor:     0.2,
		RetireAfterSessions: 10,
		SessionTimeout:      24 * time.Hour,
		ExpiryTTL:           14 * 24 * time.Hour,
	})
	require.NoError(t, err)

	rulesDir := filepath.Join(t.TempDir(), "rules")
	writer, err := publish.NewFileWriter(rulesDir)
	require.NoError(t, err)
	pub, err := publish.NewPublisher(patterns, table, writer, zap.NewNop(), metrics, 0.7, 3)
	require.NoError(t, err)

	runner, err := New(det, engine, lc, pub, patterns, table, metrics, zap.NewNop(),
		time.Minute, 2, true)
	require.NoError(t, err)
	return &fixture{
		memories: memories, patterns: patterns, table: table,
		metrics: metrics, runner: runner, rulesDir: rulesDir,
	}
}

func (f *fixture) record(t *testing.T, session, input, output string, at time.Time) *memory.Memory {
	t.Helper()
	e := &capture.Event{SessionID: session, ToolName: "bash", Input: input, Output: output, Timestamp: at}
	m := memory.New(e, capture.DeriveKeys(e))
	_, err := f.memories.Append(context.Background(), m)
	require.NoError(t, err)
	return m
}

func (f *fixture) readArtifact(t *testing.T, patternID string) *publish.RuleArtifact {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.rulesDir, patternID+".json"))
	require.NoError(t, err)
	var a publish.RuleArtifact
	require.NoError(t, json.Unmarshal(data, &a))
	return &a
}

// TestCycleLifecycle drives a pattern from raw events through thesis,
// publication, contradiction, synthesis, and republication.
func TestCycleLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// Three agreeing observations seed a thesis and publish it.
	for i, sess := range []string{"s1", "s2", "s3"} {
		f.record(t, sess, "bun test", "12 passed", now.Add(time.Duration(i)*time.Minute))
	}
	sum, err := f.runner.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Detection.Created)
	assert.Equal(t, 1, sum.Published)

	p := f.table.Open()[0]
	assert.Equal(t, pattern.StatePublished, p.State)
	assert.Equal(t, 1, p.Version)
	assert.InDelta(t, 0.75, p.Confidence, 1e-9)
	assert.Equal(t, "bun test succeeds", f.readArtifact(t, p.ID).Statement)

	// A counter-example in a distinguishable context: the same cycle
	// records the contradiction, synthesizes the exception, and
	// republishes the refined rule.
	f.record(t, "s4", "bun test env=ci", "error: missing service account", now.Add(10*time.Minute))
	sum, err = f.runner.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Detection.Attached)
	assert.Equal(t, 1, sum.Detection.Contradictions)
	assert.Equal(t, 1, sum.Synthesized)
	assert.Equal(t, 1, sum.Published)

	p = f.table.Open()[0]
	assert.Equal(t, pattern.StatePublished, p.State)
	assert.Equal(t, 2, p.Version)
	assert.Equal(t, 4, p.EvidenceCount)
	assert.Equal(t, 1, p.ContradictionCount)
	assert.Empty(t, p.Unresolved)
	assert.InDelta(t, 0.8, p.Confidence, 1e-9)

	a := f.readArtifact(t, p.ID)
	assert.Equal(t, 2, a.Version)
	assert.Contains(t, a.Statement, "except when env=ci")

	// Nothing changed: the next cycle is a publish no-op.
	sum, err = f.runner.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Published)
	assert.Equal(t, 2, f.table.Open()[0].Version)
}

func TestCycleUnmergeableContradictionStaysOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, sess := range []string{"s1", "s2", "s3"} {
		f.record(t, sess, "bun test", "12 passed", now.Add(time.Duration(i)*time.Minute))
	}
	_, err := f.runner.RunCycle(ctx)
	require.NoError(t, err)

	// Identical context, opposite outcome: no condition separates them.
	f.record(t, "s4", "bun test", "error: flaky", now.Add(10*time.Minute))
	sum, err := f.runner.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Detection.Contradictions)
	assert.Zero(t, sum.Synthesized)
	assert.Zero(t, sum.Published)

	p := f.table.Open()[0]
	assert.Equal(t, pattern.StateAntithesis, p.State)
	assert.Len(t, p.Unresolved, 1)
	assert.Equal(t, 1, p.Version, "disputed rules are not republished")
}

func TestTriggerCoalesces(t *testing.T) {
	f := newFixture(t)

	f.runner.Trigger()
	f.runner.Trigger()
	f.runner.Trigger()

	assert.InDelta(t, 2.0, testutil.ToFloat64(f.metrics.CyclesCoalesced), 1e-9)
}

func TestRunCycleHonorsCancellation(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	for i, sess := range []string{"s1", "s2", "s3"} {
		f.record(t, sess, "bun test", "ok", now.Add(time.Duration(i)*time.Minute))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.runner.RunCycle(ctx)
	assert.Error(t, err)
}
