// Package memory implements the durable Memory Store: one record per
// observed tool interaction, append-only except for tier tracking.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/dialectd/internal/capture"
)

// Common errors for Memory Store operations.
var (
	// ErrNotFound is returned when a memory does not exist.
	ErrNotFound = errors.New("memory not found")

	// ErrDuplicate is returned when an identical (session, content) pair
	// is appended twice within the debounce window.
	ErrDuplicate = errors.New("duplicate memory within debounce window")

	// ErrAlreadyAssigned is returned when a memory already belongs to an
	// active pattern. Assignment is a single-writer decision point.
	ErrAlreadyAssigned = errors.New("memory already assigned to a pattern")
)

// Tier is a memory's retention class.
type Tier string

const (
	// TierWorking holds fresh or recently reinforced memories.
	TierWorking Tier = "working"

	// TierShortTerm holds memories whose session has ended without
	// reinforcement.
	TierShortTerm Tier = "short-term"

	// TierLongTerm holds memories that are evidence for a published
	// pattern.
	TierLongTerm Tier = "long-term"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierWorking, TierShortTerm, TierLongTerm:
		return true
	}
	return false
}

// Memory is one recorded tool interaction. Immutable after creation except
// for tier, last-reinforced timestamp, expiry, and pattern assignment.
type Memory struct {
	// ID is the unique memory identifier (UUID).
	ID string `json:"id"`

	// SessionID identifies the interactive session the event came from.
	SessionID string `json:"session_id"`

	// CreatedAt is the event timestamp.
	CreatedAt time.Time `json:"created_at"`

	// ToolName, Input, Output are the raw captured content.
	ToolName string `json:"tool_name"`
	Input    string `json:"input"`
	Output   string `json:"output"`

	// ContentHash identifies the raw content for debounce and
	// reinforcement-by-recurrence checks.
	ContentHash string `json:"content_hash"`

	// Keys are the ordered semantic key/value pairs derived at capture.
	Keys capture.Keys `json:"keys"`

	// Embedding is the vector for similarity indexing. Nil when embedding
	// failed or was skipped; the memory stays queryable by keys.
	Embedding []float32 `json:"embedding,omitempty"`

	// Tier is the retention class.
	Tier Tier `json:"tier"`

	// ReinforcedAt is bumped when the memory is reinforced (reuse or a
	// recurring raw content match).
	ReinforcedAt time.Time `json:"reinforced_at"`

	// Expired marks the memory as removed from tier tracking. Expiry is
	// the only path out; tiers never move backward without reinforcement.
	Expired bool `json:"expired"`

	// PatternID is the active pattern this memory is evidence for, or
	// empty. A memory belongs to at most one active pattern.
	PatternID string `json:"pattern_id,omitempty"`
}

// New builds a Memory from a validated capture event and its derived keys.
func New(e *capture.Event, keys capture.Keys) *Memory {
	return &Memory{
		ID:           uuid.New().String(),
		SessionID:    e.SessionID,
		CreatedAt:    e.Timestamp,
		ToolName:     e.ToolName,
		Input:        e.Input,
		Output:       e.Output,
		ContentHash:  HashContent(e.ToolName, e.Input, e.Output),
		Keys:         keys,
		Tier:         TierWorking,
		ReinforcedAt: e.Timestamp,
	}
}

// HashContent computes the content hash used for debounce and recurrence.
func HashContent(tool, input, output string) string {
	h := sha256.New()
	h.Write([]byte(tool))
	h.Write([]byte{0})
	h.Write([]byte(input))
	h.Write([]byte{0})
	h.Write([]byte(output))
	return hex.EncodeToString(h.Sum(nil))
}
