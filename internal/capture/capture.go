// Package capture defines the tool-event boundary for dialectd.
//
// Events arrive from the hook layer that observes tool usage in an
// interactive coding session. This package validates raw events and
// derives the ordered semantic keys the rest of the pipeline clusters on.
package capture

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrMalformedEvent indicates an event that fails boundary validation.
// Malformed events are rejected and never stored.
var ErrMalformedEvent = errors.New("malformed capture event")

// Well-known semantic key names.
const (
	KeyTool       = "tool"
	KeyCommand    = "command"
	KeySubcommand = "subcommand"
	KeyOutcome    = "outcome"
	KeyDir        = "dir"

	// KeyFollows records the tool/command that preceded this event in the
	// same session within the follow window. Set by the ingest layer,
	// not derived from the event alone.
	KeyFollows = "follows"
)

// Outcome values for the outcome key.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// divergenceKeys are the keys that describe what happened rather than the
// context it happened in. Contradiction detection flags divergence here;
// everything else is context.
var divergenceKeys = map[string]bool{
	KeyFollows: true,
	KeyOutcome: true,
}

// IsDivergenceKey reports whether a key describes action/outcome rather
// than context.
func IsDivergenceKey(name string) bool {
	return divergenceKeys[name]
}

// Event is one observed tool invocation handed off by the hook layer.
type Event struct {
	SessionID string    `json:"session_id"`
	ToolName  string    `json:"tool_name"`
	Input     string    `json:"input"`
	Output    string    `json:"output"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate rejects events that cannot be stored.
func (e *Event) Validate() error {
	if e.SessionID == "" {
		return fmt.Errorf("%w: missing session id", ErrMalformedEvent)
	}
	if e.ToolName == "" {
		return fmt.Errorf("%w: missing tool name", ErrMalformedEvent)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrMalformedEvent)
	}
	return nil
}

// KV is one semantic key/value pair.
type KV struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Keys is an ordered set of semantic key/value pairs. Order is stable:
// derivation order for derived keys, then explicit tags sorted by name.
type Keys []KV

// Get returns the value for a key name and whether it is present.
func (ks Keys) Get(name string) (string, bool) {
	for _, kv := range ks {
		if kv.Name == name {
			return kv.Value, true
		}
	}
	return "", false
}

// Has reports whether the exact pair is present.
func (ks Keys) Has(name, value string) bool {
	v, ok := ks.Get(name)
	return ok && v == value
}

// With returns a copy with the pair appended, replacing any existing pair
// with the same name.
func (ks Keys) With(name, value string) Keys {
	out := make(Keys, 0, len(ks)+1)
	for _, kv := range ks {
		if kv.Name != name {
			out = append(out, kv)
		}
	}
	return append(out, KV{Name: name, Value: value})
}

// Context returns only the context pairs (divergence keys removed).
func (ks Keys) Context() Keys {
	out := make(Keys, 0, len(ks))
	for _, kv := range ks {
		if !IsDivergenceKey(kv.Name) {
			out = append(out, kv)
		}
	}
	return out
}

// Jaccard computes the Jaccard similarity of two key sets over exact
// (name, value) pairs. Empty-vs-empty is 0, not 1: two memories with no
// keys share nothing worth clustering on.
func Jaccard(a, b Keys) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[KV]bool, len(a))
	for _, kv := range a {
		set[kv] = true
	}
	inter := 0
	union := len(set)
	for _, kv := range b {
		if set[kv] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}

// DeriveKeys produces the ordered semantic keys for an event.
//
// The input is tokenized like a command line: the first token becomes
// command, the first following non-flag token becomes subcommand, tokens
// of the form k=v become explicit tags, and the first path-looking token
// contributes a dir key. The outcome key is inferred from the output.
func DeriveKeys(e *Event) Keys {
	keys := Keys{{Name: KeyTool, Value: e.ToolName}}

	tokens := strings.Fields(e.Input)
	var tags Keys
	haveSub := false
	haveDir := false
	for i, tok := range tokens {
		switch {
		case i == 0:
			keys = append(keys, KV{Name: KeyCommand, Value: tok})
		case strings.Contains(tok, "=") && !strings.HasPrefix(tok, "-"):
			parts := strings.SplitN(tok, "=", 2)
			if parts[0] != "" {
				tags = append(tags, KV{Name: parts[0], Value: parts[1]})
			}
		case !haveDir && looksLikePath(tok):
			dir := filepath.Dir(tok)
			if dir != "." && dir != "/" {
				keys = append(keys, KV{Name: KeyDir, Value: dir})
				haveDir = true
			}
		case !haveSub && !strings.HasPrefix(tok, "-"):
			keys = append(keys, KV{Name: KeySubcommand, Value: tok})
			haveSub = true
		}
	}

	keys = append(keys, KV{Name: KeyOutcome, Value: inferOutcome(e.Output)})

	sort.Slice(tags, func(i, j int) bool { return tags[i].Name < tags[j].Name })
	return append(keys, tags...)
}

// looksLikePath is a cheap heuristic for filesystem paths in tool input.
func looksLikePath(tok string) bool {
	return strings.Contains(tok, "/") && !strings.HasPrefix(tok, "-") &&
		!strings.Contains(tok, "://")
}

// inferOutcome classifies an event output as success or failure.
func inferOutcome(output string) string {
	lower := strings.ToLower(output)
	for _, marker := range []string{"error:", "error ", "failed", "fatal:", "exit status 1", "exit code 1", "panic:"} {
		if strings.Contains(lower, marker) {
			return OutcomeFailure
		}
	}
	return OutcomeSuccess
}
