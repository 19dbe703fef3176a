package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fyrsmithlabs/dialectd/internal/capture"
)

// Store is the Memory Store contract. All writes are append-only; mutation
// is restricted to the narrow tier/assignment operations below.
type Store interface {
	// Append stores a new memory. Returns ErrDuplicate if an identical
	// (session, content) pair was appended within the debounce window.
	Append(ctx context.Context, m *Memory) (string, error)

	// Get returns a memory by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Memory, error)

	// QueryByKeys returns memories containing all the given key/value
	// pairs, ordered by recency.
	QueryByKeys(ctx context.Context, keys capture.Keys, limit int) ([]*Memory, error)

	// QueryByTier returns non-expired memories in the given tier,
	// ordered by recency.
	QueryByTier(ctx context.Context, tier Tier) ([]*Memory, error)

	// Touch updates tier and last-reinforced timestamp.
	Touch(ctx context.Context, id string, tier Tier, reinforcedAt time.Time) error

	// Expire removes a memory from tier tracking without reversing tiers.
	Expire(ctx context.Context, id string) error

	// SetEmbedding persists the embedding vector after async generation,
	// so the similarity index can be rebuilt by replay.
	SetEmbedding(ctx context.Context, id string, vector []float32) error

	// Unassigned returns non-expired memories with no active pattern,
	// oldest first, up to limit.
	Unassigned(ctx context.Context, limit int) ([]*Memory, error)

	// Assign attaches a memory to a pattern. Fails with ErrAlreadyAssigned
	// if the memory already belongs to one; this is the single-writer
	// decision point for assignment.
	Assign(ctx context.Context, memoryID, patternID string) error

	// ByPattern returns the evidence set for a pattern, oldest first.
	ByPattern(ctx context.Context, patternID string) ([]*Memory, error)

	// ByContentHash returns non-expired memories with the given content
	// hash, most recent first.
	ByContentHash(ctx context.Context, hash string) ([]*Memory, error)

	// LatestInSession returns the most recent memory for a session, or
	// ErrNotFound if the session has none.
	LatestInSession(ctx context.Context, sessionID string) (*Memory, error)

	// CountSessionsSince counts distinct sessions with activity after t.
	CountSessionsSince(ctx context.Context, t time.Time) (int, error)

	// ReplayEmbedded calls fn for every memory that has an embedding.
	// Used to rebuild the derived similarity index at startup.
	ReplayEmbedded(ctx context.Context, fn func(id string, vector []float32) error) error
}

// SQLStore is the sqlite-backed Store implementation.
type SQLStore struct {
	db       *sqlx.DB
	debounce time.Duration
}

// NewSQLStore creates a Store over an open database handle. debounce is
// the window within which identical (session, content) appends are
// rejected as duplicates.
func NewSQLStore(db *sqlx.DB, debounce time.Duration) *SQLStore {
	return &SQLStore{db: db, debounce: debounce}
}

// memoryRow is the flat row representation.
type memoryRow struct {
	ID            string         `db:"id"`
	SessionID     string         `db:"session_id"`
	CreatedAt     time.Time      `db:"created_at"`
	ToolName      string         `db:"tool_name"`
	Input         string         `db:"input"`
	Output        string         `db:"output"`
	ContentHash   string         `db:"content_hash"`
	KeysJSON      string         `db:"keys_json"`
	EmbeddingJSON sql.NullString `db:"embedding_json"`
	Tier          string         `db:"tier"`
	ReinforcedAt  time.Time      `db:"reinforced_at"`
	Expired       bool           `db:"expired"`
	PatternID     sql.NullString `db:"pattern_id"`
}

func (r *memoryRow) toMemory() (*Memory, error) {
	m := &Memory{
		ID:           r.ID,
		SessionID:    r.SessionID,
		CreatedAt:    r.CreatedAt,
		ToolName:     r.ToolName,
		Input:        r.Input,
		Output:       r.Output,
		ContentHash:  r.ContentHash,
		Tier:         Tier(r.Tier),
		ReinforcedAt: r.ReinforcedAt,
		Expired:      r.Expired,
		PatternID:    r.PatternID.String,
	}
	if err := json.Unmarshal([]byte(r.KeysJSON), &m.Keys); err != nil {
		return nil, fmt.Errorf("decoding keys for memory %s: %w", r.ID, err)
	}
	if r.EmbeddingJSON.Valid && r.EmbeddingJSON.String != "" {
		if err := json.Unmarshal([]byte(r.EmbeddingJSON.String), &m.Embedding); err != nil {
			return nil, fmt.Errorf("decoding embedding for memory %s: %w", r.ID, err)
		}
	}
	return m, nil
}

const memoryColumns = `id, session_id, created_at, tool_name, input, output,
	content_hash, keys_json, embedding_json, tier, reinforced_at, expired, pattern_id`

// Append stores a new memory.
func (s *SQLStore) Append(ctx context.Context, m *Memory) (string, error) {
	if !m.Tier.Valid() {
		return "", fmt.Errorf("invalid tier %q", m.Tier)
	}

	// Debounce: reject identical content in the same session inside the
	// window.
	var count int
	cutoff := m.CreatedAt.Add(-s.debounce)
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM memories
		 WHERE session_id = ? AND content_hash = ? AND created_at > ?`,
		m.SessionID, m.ContentHash, cutoff)
	if err != nil {
		return "", fmt.Errorf("debounce check: %w", err)
	}
	if count > 0 {
		return "", ErrDuplicate
	}

	keysJSON, err := json.Marshal(m.Keys)
	if err != nil {
		return "", fmt.Errorf("encoding keys: %w", err)
	}
	var embJSON any
	if m.Embedding != nil {
		b, err := json.Marshal(m.Embedding)
		if err != nil {
			return "", fmt.Errorf("encoding embedding: %w", err)
		}
		embJSON = string(b)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO memories (`+memoryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.CreatedAt, m.ToolName, m.Input, m.Output,
		m.ContentHash, string(keysJSON), embJSON, string(m.Tier),
		m.ReinforcedAt, m.Expired, nullable(m.PatternID))
	if err != nil {
		return "", fmt.Errorf("inserting memory: %w", err)
	}
	return m.ID, nil
}

// Get returns a memory by id.
func (s *SQLStore) Get(ctx context.Context, id string) (*Memory, error) {
	var row memoryRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+memoryColumns+` FROM memories WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting memory: %w", err)
	}
	return row.toMemory()
}

// QueryByKeys returns memories containing all given pairs, newest first.
// Key matching happens in Go over recent rows: key sets are small and the
// JSON encoding keeps the schema append-only.
func (s *SQLStore) QueryByKeys(ctx context.Context, keys capture.Keys, limit int) ([]*Memory, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.selectMemories(ctx,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE expired = 0 ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	out := make([]*Memory, 0, limit)
	for _, m := range rows {
		if containsAll(m.Keys, keys) {
			out = append(out, m)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func containsAll(have, want capture.Keys) bool {
	for _, kv := range want {
		if !have.Has(kv.Name, kv.Value) {
			return false
		}
	}
	return true
}

// QueryByTier returns non-expired memories in a tier, newest first.
func (s *SQLStore) QueryByTier(ctx context.Context, tier Tier) ([]*Memory, error) {
	return s.selectMemories(ctx,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE tier = ? AND expired = 0 ORDER BY created_at DESC`, string(tier))
}

// Touch updates tier and reinforcement timestamp.
func (s *SQLStore) Touch(ctx context.Context, id string, tier Tier, reinforcedAt time.Time) error {
	if !tier.Valid() {
		return fmt.Errorf("invalid tier %q", tier)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET tier = ?, reinforced_at = ? WHERE id = ?`,
		string(tier), reinforcedAt, id)
	if err != nil {
		return fmt.Errorf("touching memory: %w", err)
	}
	return requireRow(res)
}

// Expire removes a memory from tier tracking.
func (s *SQLStore) Expire(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET expired = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("expiring memory: %w", err)
	}
	return requireRow(res)
}

// SetEmbedding persists the embedding vector.
func (s *SQLStore) SetEmbedding(ctx context.Context, id string, vector []float32) error {
	b, err := json.Marshal(vector)
	if err != nil {
		return fmt.Errorf("encoding embedding: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET embedding_json = ? WHERE id = ?`, string(b), id)
	if err != nil {
		return fmt.Errorf("storing embedding: %w", err)
	}
	return requireRow(res)
}

// Unassigned returns unassigned, non-expired memories, oldest first.
func (s *SQLStore) Unassigned(ctx context.Context, limit int) ([]*Memory, error) {
	if limit <= 0 {
		limit = 200
	}
	return s.selectMemories(ctx,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE pattern_id IS NULL AND expired = 0
		 ORDER BY created_at ASC LIMIT ?`, limit)
}

// Assign attaches a memory to a pattern if it is currently unassigned.
func (s *SQLStore) Assign(ctx context.Context, memoryID, patternID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET pattern_id = ? WHERE id = ? AND pattern_id IS NULL`,
		patternID, memoryID)
	if err != nil {
		return fmt.Errorf("assigning memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish missing from already assigned.
		if _, err := s.Get(ctx, memoryID); err != nil {
			return err
		}
		return ErrAlreadyAssigned
	}
	return nil
}

// ByPattern returns the evidence set for a pattern, oldest first.
func (s *SQLStore) ByPattern(ctx context.Context, patternID string) ([]*Memory, error) {
	return s.selectMemories(ctx,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE pattern_id = ? ORDER BY created_at ASC`, patternID)
}

// ByContentHash returns non-expired memories with the hash, newest first.
func (s *SQLStore) ByContentHash(ctx context.Context, hash string) ([]*Memory, error) {
	return s.selectMemories(ctx,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE content_hash = ? AND expired = 0 ORDER BY created_at DESC`, hash)
}

// LatestInSession returns the most recent memory for a session.
func (s *SQLStore) LatestInSession(ctx context.Context, sessionID string) (*Memory, error) {
	var row memoryRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE session_id = ? ORDER BY created_at DESC LIMIT 1`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting latest in session: %w", err)
	}
	return row.toMemory()
}

// CountSessionsSince counts distinct sessions active after t.
func (s *SQLStore) CountSessionsSince(ctx context.Context, t time.Time) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		`SELECT COUNT(DISTINCT session_id) FROM memories WHERE created_at > ?`, t)
	if err != nil {
		return 0, fmt.Errorf("counting sessions: %w", err)
	}
	return count, nil
}

// ReplayEmbedded streams (id, vector) for every embedded memory.
func (s *SQLStore) ReplayEmbedded(ctx context.Context, fn func(id string, vector []float32) error) error {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT id, embedding_json FROM memories
		 WHERE embedding_json IS NOT NULL AND expired = 0`)
	if err != nil {
		return fmt.Errorf("replaying embeddings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, embJSON string
		if err := rows.Scan(&id, &embJSON); err != nil {
			return err
		}
		var vec []float32
		if err := json.Unmarshal([]byte(embJSON), &vec); err != nil {
			return fmt.Errorf("decoding embedding for memory %s: %w", id, err)
		}
		if err := fn(id, vec); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLStore) selectMemories(ctx context.Context, query string, args ...any) ([]*Memory, error) {
	var rows []memoryRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("selecting memories: %w", err)
	}
	out := make([]*Memory, 0, len(rows))
	for i := range rows {
		m, err := rows[i].toMemory()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
