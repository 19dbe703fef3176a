// Package publish turns eligible patterns into rule artifacts.
//
// Publishing is idempotent on content: a pattern whose statement and
// scope are unchanged since the last publish is a no-op, and every
// content change bumps the version exactly once. The publish ledger is
// the authority for versions; the artifact on disk is checked against the
// ledger so external edits surface as conflicts instead of being
// silently overwritten.
package publish

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialectd/internal/pattern"
	"github.com/fyrsmithlabs/dialectd/internal/telemetry"
)

// ErrConflict indicates the on-disk artifact no longer matches the
// publish ledger: something outside dialectd modified it.
var ErrConflict = errors.New("rule artifact modified externally")

// RuleArtifact is the published form of a pattern.
type RuleArtifact struct {
	PatternID          string    `json:"pattern_id"`
	Version            int       `json:"version"`
	Statement          string    `json:"statement"`
	Confidence         float64   `json:"confidence"`
	Scope              []string  `json:"scope"`
	EvidenceCount      int       `json:"evidence_count"`
	ContradictionCount int       `json:"contradiction_count"`
	ContentHash        string    `json:"content_hash"`
	PublishedAt        time.Time `json:"published_at"`
}

// ContentHash identifies the publishable content of a pattern. Version
// and counts are excluded: only statement or scope changes warrant a new
// version.
func ContentHash(statement string, scope []string) string {
	h := sha256.New()
	h.Write([]byte(statement))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(scope, "\x00")))
	return hex.EncodeToString(h.Sum(nil))
}

// Writer persists rule artifacts.
type Writer interface {
	// Write stores an artifact, replacing any previous version.
	Write(ctx context.Context, a *RuleArtifact) error

	// CurrentHash returns the content hash recorded in the stored
	// artifact, or empty when none exists.
	CurrentHash(ctx context.Context, patternID string) (string, error)
}

// FileWriter writes one JSON artifact per pattern under a rules
// directory, atomically via a temp file and rename.
type FileWriter struct {
	dir string
}

// NewFileWriter creates the rules directory if needed.
func NewFileWriter(dir string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating rules directory: %w", err)
	}
	return &FileWriter{dir: dir}, nil
}

func (w *FileWriter) path(patternID string) string {
	return filepath.Join(w.dir, patternID+".json")
}

// Write stores the artifact atomically.
func (w *FileWriter) Write(ctx context.Context, a *RuleArtifact) error {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding artifact: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(w.dir, a.PatternID+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp artifact: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), w.path(a.PatternID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("installing artifact: %w", err)
	}
	return nil
}

// CurrentHash reads the content hash from the stored artifact.
func (w *FileWriter) CurrentHash(ctx context.Context, patternID string) (string, error) {
	data, err := os.ReadFile(w.path(patternID))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading artifact: %w", err)
	}
	var a RuleArtifact
	if err := json.Unmarshal(data, &a); err != nil {
		// Unparseable counts as modified.
		return "", fmt.Errorf("%w: %s", ErrConflict, patternID)
	}
	return a.ContentHash, nil
}

// Publisher publishes eligible patterns.
type Publisher struct {
	patterns pattern.Store
	table    *pattern.Table
	writer   Writer
	logger   *zap.Logger
	metrics  *telemetry.Metrics

	minConfidence float64
	minEvidence   int
	now           func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPublisher creates a publisher.
func NewPublisher(patterns pattern.Store, table *pattern.Table, writer Writer, logger *zap.Logger, metrics *telemetry.Metrics, minConfidence float64, minEvidence int) (*Publisher, error) {
	if patterns == nil || table == nil || writer == nil {
		return nil, fmt.Errorf("store, table, and writer cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		patterns:      patterns,
		table:         table,
		writer:        writer,
		logger:        logger,
		metrics:       metrics,
		minConfidence: minConfidence,
		minEvidence:   minEvidence,
		now:           time.Now,
		locks:         make(map[string]*sync.Mutex),
	}, nil
}

// lock returns the per-pattern mutex, so concurrent publishes of the
// same pattern serialize instead of racing the ledger.
func (pub *Publisher) lock(patternID string) *sync.Mutex {
	pub.mu.Lock()
	defer pub.mu.Unlock()
	l, ok := pub.locks[patternID]
	if !ok {
		l = &sync.Mutex{}
		pub.locks[patternID] = l
	}
	return l
}

// Eligible reports whether a pattern qualifies for publication.
func (pub *Publisher) Eligible(p *pattern.Pattern) bool {
	switch p.State {
	case pattern.StateThesis, pattern.StateSynthesis, pattern.StatePublished:
	default:
		return false
	}
	if len(p.Unresolved) > 0 {
		return false
	}
	return p.Confidence >= pub.minConfidence && p.EvidenceCount >= pub.minEvidence
}

// Publish writes a rule artifact for the pattern if its content changed
// since the last publish. Returns true when a new version was written,
// false on a no-op. Ineligible patterns are skipped silently: not yet
// having enough evidence is a normal state, not an error.
func (pub *Publisher) Publish(ctx context.Context, p *pattern.Pattern) (bool, error) {
	if !pub.Eligible(p) {
		return false, nil
	}

	l := pub.lock(p.ID)
	l.Lock()
	defer l.Unlock()

	hash := ContentHash(p.Statement, p.ScopeGlobs)
	lastVersion, lastHash, err := pub.patterns.LastPublish(ctx, p.ID)
	if err != nil {
		return false, err
	}

	if hash == lastHash {
		// Unchanged content: make sure the state reflects publication,
		// write nothing.
		if p.State != pattern.StatePublished {
			p.State = pattern.StatePublished
			p.UpdatedAt = pub.now()
			if err := pub.patterns.Update(ctx, p); err != nil {
				return false, err
			}
			pub.table.Put(p)
		}
		return false, nil
	}

	if lastHash != "" {
		current, err := pub.writer.CurrentHash(ctx, p.ID)
		if err != nil && !errors.Is(err, ErrConflict) {
			return false, err
		}
		if errors.Is(err, ErrConflict) || (current != "" && current != lastHash) {
			if pub.metrics != nil {
				pub.metrics.PublishConflicts.Inc()
			}
			return false, fmt.Errorf("%w: pattern %s", ErrConflict, p.ID)
		}
	}

	now := pub.now()
	version := lastVersion + 1
	artifact := &RuleArtifact{
		PatternID:          p.ID,
		Version:            version,
		Statement:          p.Statement,
		Confidence:         p.Confidence,
		Scope:              p.ScopeGlobs,
		EvidenceCount:      p.EvidenceCount,
		ContradictionCount: p.ContradictionCount,
		ContentHash:        hash,
		PublishedAt:        now,
	}
	if err := pub.writer.Write(ctx, artifact); err != nil {
		return false, fmt.Errorf("writing artifact for pattern %s: %w", p.ID, err)
	}
	if err := pub.patterns.RecordPublish(ctx, p.ID, version, hash, now); err != nil {
		return false, err
	}

	p.Version = version
	p.PublishedHash = hash
	p.State = pattern.StatePublished
	p.UpdatedAt = now
	if err := pub.patterns.Update(ctx, p); err != nil {
		return false, err
	}
	pub.table.Put(p)

	if pub.metrics != nil {
		pub.metrics.RulesPublished.Inc()
	}
	pub.logger.Info("rule published",
		zap.String("pattern_id", p.ID),
		zap.Int("version", version),
		zap.Float64("confidence", p.Confidence))
	return true, nil
}
