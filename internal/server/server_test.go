package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialectd/internal/config"
	"github.com/fyrsmithlabs/dialectd/internal/consolidate"
	"github.com/fyrsmithlabs/dialectd/internal/detector"
	"github.com/fyrsmithlabs/dialectd/internal/dialectic"
	"github.com/fyrsmithlabs/dialectd/internal/embed"
	"github.com/fyrsmithlabs/dialectd/internal/index"
	"github.com/fyrsmithlabs/dialectd/internal/ingest"
	"github.com/fyrsmithlabs/dialectd/internal/lifecycle"
	"github.com/fyrsmithlabs/dialectd/internal/memory"
	"github.com/fyrsmithlabs/dialectd/internal/pattern"
	"github.com/fyrsmithlabs/dialectd/internal/publish"
	"github.com/fyrsmithlabs/dialectd/internal/recall"
	"github.com/fyrsmithlabs/dialectd/internal/storage"
	"github.com/fyrsmithlabs/dialectd/internal/telemetry"
)

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0}, nil
}

type fixture struct {
	server   *Server
	table    *pattern.Table
	embedder *fakeEmbedder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dataDir := t.TempDir()
	db, err := storage.Open(dataDir)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	memories := memory.NewSQLStore(db.DB, time.Second)
	patterns := pattern.NewSQLStore(db.DB)
	table := pattern.NewTable()
	idx, err := index.New(zap.NewNop())
	require.NoError(t, err)
	metrics := telemetry.New()
	embedder := &fakeEmbedder{}
	summarizer := dialectic.NewTemplateSummarizer()

	ing, err := ingest.New(memories, idx, embedder, zap.NewNop(), metrics, 16, 2*time.Minute)
	require.NoError(t, err)
	ing.Start()
	t.Cleanup(ing.Stop)

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
		SessionTimeout:      30 * time.Minute,
		ExpiryTTL:           14 * 24 * time.Hour,
	})
	require.NoError(t, err)
	writer, err := publish.NewFileWriter(dataDir + "/rules")
	require.NoError(t, err)
	pub, err := publish.NewPublisher(patterns, table, writer, zap.NewNop(), metrics, 0.7, 3)
	require.NoError(t, err)
	runner, err := consolidate.New(det, engine, lc, pub, patterns, table, metrics, zap.NewNop(),
		time.Minute, 2, false)
	require.NoError(t, err)

	rec, err := recall.New(memories, table, idx, embedder, zap.NewNop(), 0.5)
	require.NoError(t, err)

	srv, err := NewServer(ing, rec, runner, table, metrics, zap.NewNop(), nil)
	require.NoError(t, err)
	return &fixture{server: srv, table: table, embedder: embedder}
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, req)
	return rr
}

func eventBody(session, input, output string) string {
	return fmt.Sprintf(`{"session_id":%q,"tool_name":"bash","input":%q,"output":%q,"timestamp":%q}`,
		session, input, output, time.Now().UTC().Format(time.RFC3339Nano))
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}

func TestPostEvent(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/api/v1/events", eventBody("s1", "bun test", "12 passed"))
	require.Equal(t, http.StatusAccepted, rr.Code)

	var resp EventResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.MemoryID)
	assert.False(t, resp.Deduped)
}

func TestPostEventMalformed(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/api/v1/events", `{"tool_name":"bash"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/v1/events", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestPostEventDeduped(t *testing.T) {
	f := newFixture(t)
	body := eventBody("s1", "bun test", "ok")

	rr := f.do(t, http.MethodPost, "/api/v1/events", body)
	require.Equal(t, http.StatusAccepted, rr.Code)

	// The same hook firing twice is answered 200, not an error.
	rr = f.do(t, http.MethodPost, "/api/v1/events", body)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp EventResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Deduped)
}

func TestRecall(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/api/v1/recall?q=bun+test", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var res recall.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.Empty(t, res.Memories)
}

func TestRecallRequiresQuery(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/api/v1/recall", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/v1/recall?q=x&limit=zero", "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRecallEmbedderDown(t *testing.T) {
	f := newFixture(t)
	f.embedder.err = embed.ErrUnavailable

	rr := f.do(t, http.MethodGet, "/api/v1/recall?q=bun+test", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestPatterns(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/api/v1/patterns", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[]`, rr.Body.String())

	p := pattern.New(time.Now().UTC())
	p.State = pattern.StateThesis
	p.Statement = "bun test succeeds"
	p.EvidenceCount = 3
	p.Rescore(1)
	f.table.Put(p)

	rr = f.do(t, http.MethodGet, "/api/v1/patterns", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var got []*pattern.Pattern
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "bun test succeeds", got[0].Statement)
}

func TestConsolidateTrigger(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPost, "/api/v1/consolidate", "")
	assert.Equal(t, http.StatusAccepted, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "dialectd_")
}
