package pattern

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/dialectd/internal/capture"
	"github.com/fyrsmithlabs/dialectd/internal/storage"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(db.DB)
}

func testPattern(at time.Time) *Pattern {
	p := New(at)
	p.Statement = "bun test succeeds after bun install"
	p.EvidenceCount = 3
	p.MajorityKeys = capture.Keys{
		{Name: capture.KeyCommand, Value: "bun"},
		{Name: capture.KeyOutcome, Value: capture.OutcomeSuccess},
	}
	p.ScopeGlobs = []string{"services/api/**"}
	p.Centroid = []float32{0.5, 0.5}
	p.Rescore(1)
	return p
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := testPattern(time.Now().UTC())
	require.NoError(t, store.Create(ctx, p))

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Statement, got.Statement)
	assert.Equal(t, StateCandidate, got.State)
	assert.InDelta(t, 0.75, got.Confidence, 1e-9)
	assert.Equal(t, p.MajorityKeys, got.MajorityKeys)
	assert.Equal(t, p.ScopeGlobs, got.ScopeGlobs)
	require.Len(t, got.Centroid, 2)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	p := testPattern(time.Now().UTC())
	require.NoError(t, store.Create(ctx, p))

	p.State = StateAntithesis
	p.ContradictionCount = 1
	p.Unresolved = []string{"m4"}
	p.Rescore(1)
	require.NoError(t, store.Update(ctx, p))

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAntithesis, got.State)
	assert.Equal(t, []string{"m4"}, got.Unresolved)
	assert.InDelta(t, 0.6, got.Confidence, 1e-9)

	missing := testPattern(time.Now().UTC())
	assert.ErrorIs(t, store.Update(ctx, missing), ErrNotFound)
}

func TestByStateAndActive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	thesis := testPattern(now)
	thesis.State = StateThesis
	retired := testPattern(now.Add(time.Second))
	retired.State = StateRetired
	for _, p := range []*Pattern{thesis, retired} {
		require.NoError(t, store.Create(ctx, p))
	}

	got, err := store.ByState(ctx, StateThesis, StateRetired)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	active, err := store.Active(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, thesis.ID, active[0].ID)

	counts, err := store.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StateThesis])
	assert.Equal(t, 1, counts[StateRetired])
}

func TestPublishLedger(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	p := testPattern(now)
	require.NoError(t, store.Create(ctx, p))

	v, h, err := store.LastPublish(ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, v)
	assert.Empty(t, h)

	require.NoError(t, store.RecordPublish(ctx, p.ID, 1, "hash-1", now))
	require.NoError(t, store.RecordPublish(ctx, p.ID, 2, "hash-2", now.Add(time.Second)))

	v, h, err = store.LastPublish(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.Equal(t, "hash-2", h)

	// Versions never move backwards.
	assert.Error(t, store.RecordPublish(ctx, p.ID, 2, "hash-2b", now.Add(2*time.Second)))

	got, err := store.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "hash-2", got.PublishedHash)
}

func TestTable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	older := testPattern(now)
	older.State = StateThesis
	newer := testPattern(now.Add(time.Minute))
	newer.State = StatePublished
	retired := testPattern(now.Add(2 * time.Minute))
	retired.State = StateRetired
	for _, p := range []*Pattern{older, newer, retired} {
		require.NoError(t, store.Create(ctx, p))
	}

	table := NewTable()
	require.NoError(t, table.Load(ctx, store))
	assert.Equal(t, 2, table.Len(), "retired patterns are not loaded")

	open := table.Open()
	require.Len(t, open, 2)
	assert.Equal(t, older.ID, open[0].ID, "oldest first")

	table.Remove(older.ID)
	assert.Nil(t, table.Get(older.ID))
	assert.Equal(t, 1, table.Len())
}

func TestTableHandsOutCopies(t *testing.T) {
	now := time.Now().UTC()
	p := testPattern(now)
	p.State = StateThesis
	p.Statement = "bun test succeeds"
	p.Unresolved = []string{"m1"}

	table := NewTable()
	table.Put(p)

	// Mutating the caller's pattern after Put stays with the caller.
	p.Statement = "rewritten"
	p.Unresolved = append(p.Unresolved, "m2")
	got := table.Get(p.ID)
	require.NotNil(t, got)
	assert.Equal(t, "bun test succeeds", got.Statement)
	assert.Equal(t, []string{"m1"}, got.Unresolved)

	// Mutating a read copy never reaches the table.
	got.State = StateRetired
	got.Unresolved[0] = "m9"
	again := table.Get(p.ID)
	assert.Equal(t, StateThesis, again.State)
	assert.Equal(t, []string{"m1"}, again.Unresolved)

	open := table.Open()
	require.Len(t, open, 1)
	open[0].Statement = "scribbled"
	assert.Equal(t, "bun test succeeds", table.Get(p.ID).Statement)
}
