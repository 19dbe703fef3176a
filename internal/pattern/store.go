package pattern

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

// Store persists patterns and the publish ledger.
type Store interface {
	// Create inserts a new pattern.
	Create(ctx context.Context, p *Pattern) error

	// Get returns a pattern by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Pattern, error)

	// Update replaces the mutable fields of a pattern row.
	Update(ctx context.Context, p *Pattern) error

	// ByState returns patterns in any of the given states, oldest first.
	ByState(ctx context.Context, states ...State) ([]*Pattern, error)

	// Active returns all non-retired patterns, oldest first.
	Active(ctx context.Context) ([]*Pattern, error)

	// CountByState returns pattern counts per state.
	CountByState(ctx context.Context) (map[State]int, error)

	// RecordPublish appends a ledger entry and stamps the pattern with
	// the new version and content hash, atomically.
	RecordPublish(ctx context.Context, patternID string, version int, hash string, at time.Time) error

	// LastPublish returns the highest published version and its hash for
	// a pattern id; version 0 with empty hash when never published.
	LastPublish(ctx context.Context, patternID string) (int, string, error)
}

// SQLStore is the sqlite-backed pattern store.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQLStore creates a pattern store over an open database handle.
func NewSQLStore(db *sqlx.DB) *SQLStore {
	return &SQLStore{db: db}
}

type patternRow struct {
	ID                 string         `db:"id"`
	State              string         `db:"state"`
	Statement          string         `db:"statement"`
	EvidenceCount      int            `db:"evidence_count"`
	ContradictionCount int            `db:"contradiction_count"`
	UnresolvedJSON     string         `db:"unresolved_json"`
	Version            int            `db:"version"`
	Confidence         float64        `db:"confidence"`
	CentroidJSON       sql.NullString `db:"centroid_json"`
	MajorityKeysJSON   string         `db:"majority_keys_json"`
	ScopeJSON          string         `db:"scope_json"`
	PublishedHash      string         `db:"published_hash"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
	LastEvidenceAt     time.Time      `db:"last_evidence_at"`
}

func (r *patternRow) toPattern() (*Pattern, error) {
	p := &Pattern{
		ID:                 r.ID,
		State:              State(r.State),
		Statement:          r.Statement,
		EvidenceCount:      r.EvidenceCount,
		ContradictionCount: r.ContradictionCount,
		Version:            r.Version,
		Confidence:         r.Confidence,
		PublishedHash:      r.PublishedHash,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
		LastEvidenceAt:     r.LastEvidenceAt,
	}
	if err := json.Unmarshal([]byte(r.UnresolvedJSON), &p.Unresolved); err != nil {
		return nil, fmt.Errorf("decoding unresolved for pattern %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.MajorityKeysJSON), &p.MajorityKeys); err != nil {
		return nil, fmt.Errorf("decoding majority keys for pattern %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.ScopeJSON), &p.ScopeGlobs); err != nil {
		return nil, fmt.Errorf("decoding scope for pattern %s: %w", r.ID, err)
	}
	if r.CentroidJSON.Valid && r.CentroidJSON.String != "" {
		if err := json.Unmarshal([]byte(r.CentroidJSON.String), &p.Centroid); err != nil {
			return nil, fmt.Errorf("decoding centroid for pattern %s: %w", r.ID, err)
		}
	}
	return p, nil
}

func encodePattern(p *Pattern) (unresolved, majorityKeys, scope string, centroid any, err error) {
	if p.Unresolved == nil {
		p.Unresolved = []string{}
	}
	if p.MajorityKeys == nil {
		p.MajorityKeys = capture.Keys{}
	}
	u, err := json.Marshal(p.Unresolved)
	if err != nil {
		return "", "", "", nil, err
	}
	mk, err := json.Marshal(p.MajorityKeys)
	if err != nil {
		return "", "", "", nil, err
	}
	scopeGlobs := p.ScopeGlobs
	if scopeGlobs == nil {
		scopeGlobs = []string{}
	}
	sc, err := json.Marshal(scopeGlobs)
	if err != nil {
		return "", "", "", nil, err
	}
	if p.Centroid != nil {
		c, err := json.Marshal(p.Centroid)
		if err != nil {
			return "", "", "", nil, err
		}
		centroid = string(c)
	}
	return string(u), string(mk), string(sc), centroid, nil
}

const patternColumns = `id, state, statement, evidence_count, contradiction_count,
	unresolved_json, version, confidence, centroid_json, majority_keys_json,
	scope_json, published_hash, created_at, updated_at, last_evidence_at`

// Create inserts a new pattern.
func (s *SQLStore) Create(ctx context.Context, p *Pattern) error {
	if !p.State.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, p.State)
	}
	unresolved, mk, scope, centroid, err := encodePattern(p)
	if err != nil {
		return fmt.Errorf("encoding pattern: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO patterns (`+patternColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, string(p.State), p.Statement, p.EvidenceCount, p.ContradictionCount,
		unresolved, p.Version, p.Confidence, centroid, mk,
		scope, p.PublishedHash, p.CreatedAt, p.UpdatedAt, p.LastEvidenceAt)
	if err != nil {
		return fmt.Errorf("inserting pattern: %w", err)
	}
	return nil
}

// Get returns a pattern by id.
func (s *SQLStore) Get(ctx context.Context, id string) (*Pattern, error) {
	var row patternRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+patternColumns+` FROM patterns WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting pattern: %w", err)
	}
	return row.toPattern()
}

// Update replaces the mutable fields of a pattern row.
func (s *SQLStore) Update(ctx context.Context, p *Pattern) error {
	if !p.State.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidState, p.State)
	}
	unresolved, mk, scope, centroid, err := encodePattern(p)
	if err != nil {
		return fmt.Errorf("encoding pattern: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE patterns SET state = ?, statement = ?, evidence_count = ?,
		 contradiction_count = ?, unresolved_json = ?, version = ?,
		 confidence = ?, centroid_json = ?, majority_keys_json = ?,
		 scope_json = ?, published_hash = ?, updated_at = ?, last_evidence_at = ?
		 WHERE id = ?`,
		string(p.State), p.Statement, p.EvidenceCount,
		p.ContradictionCount, unresolved, p.Version,
		p.Confidence, centroid, mk,
		scope, p.PublishedHash, p.UpdatedAt, p.LastEvidenceAt,
		p.ID)
	if err != nil {
		return fmt.Errorf("updating pattern: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ByState returns patterns in any of the given states, oldest first.
func (s *SQLStore) ByState(ctx context.Context, states ...State) ([]*Pattern, error) {
	if len(states) == 0 {
		return nil, nil
	}
	args := make([]any, len(states))
	for i, st := range states {
		args[i] = string(st)
	}
	query, inArgs, err := sqlx.In(
		`SELECT `+patternColumns+` FROM patterns
		 WHERE state IN (?) ORDER BY created_at ASC, id ASC`, args)
	if err != nil {
		return nil, err
	}
	return s.selectPatterns(ctx, s.db.Rebind(query), inArgs...)
}

// Active returns all non-retired patterns, oldest first.
func (s *SQLStore) Active(ctx context.Context) ([]*Pattern, error) {
	return s.selectPatterns(ctx,
		`SELECT `+patternColumns+` FROM patterns
		 WHERE state != ? ORDER BY created_at ASC, id ASC`, string(StateRetired))
}

// CountByState returns pattern counts per state.
func (s *SQLStore) CountByState(ctx context.Context) (map[State]int, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT state, COUNT(*) FROM patterns GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("counting patterns: %w", err)
	}
	defer rows.Close()

	out := make(map[State]int)
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		out[State(state)] = count
	}
	return out, rows.Err()
}

// RecordPublish appends a ledger entry and stamps the pattern atomically.
func (s *SQLStore) RecordPublish(ctx context.Context, patternID string, version int, hash string, at time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting publish transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO publishes (pattern_id, version, hash, published_at)
		 VALUES (?, ?, ?, ?)`, patternID, version, hash, at); err != nil {
		return fmt.Errorf("recording publish: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE patterns SET version = ?, published_hash = ?, updated_at = ?
		 WHERE id = ? AND version < ?`,
		version, hash, at, patternID, version)
	if err != nil {
		return fmt.Errorf("stamping pattern: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("publish version %d not newer for pattern %s", version, patternID)
	}
	return tx.Commit()
}

// LastPublish returns the highest published version and hash.
func (s *SQLStore) LastPublish(ctx context.Context, patternID string) (int, string, error) {
	var row struct {
		Version int    `db:"version"`
		Hash    string `db:"hash"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT version, hash FROM publishes
		 WHERE pattern_id = ? ORDER BY version DESC LIMIT 1`, patternID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("reading publish ledger: %w", err)
	}
	return row.Version, row.Hash, nil
}

func (s *SQLStore) selectPatterns(ctx context.Context, query string, args ...any) ([]*Pattern, error) {
	var rows []patternRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("selecting patterns: %w", err)
	}
	out := make([]*Pattern, 0, len(rows))
	for i := range rows {
		p, err := rows[i].toPattern()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
