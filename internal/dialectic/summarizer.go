package dialectic

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/dialectd/internal/capture"
)

// Summarizer turns key sets into human-readable rule statements. The
// production implementation is a deterministic template; tests swap in
// fixed-output fakes.
type Summarizer interface {
	// Thesis phrases an initial claim from the majority keys.
	Thesis(keys capture.Keys) string

	// Synthesis phrases a merged claim: the majority behavior qualified
	// by the exception condition.
	Synthesis(majority capture.Keys, exception capture.KV) string
}

// TemplateSummarizer renders statements from a fixed phrase template, so
// identical inputs always produce identical statements.
type TemplateSummarizer struct{}

// NewTemplateSummarizer creates the default summarizer.
func NewTemplateSummarizer() *TemplateSummarizer {
	return &TemplateSummarizer{}
}

// Thesis renders e.g. "bun test succeeds after bun install in services/api".
func (t *TemplateSummarizer) Thesis(keys capture.Keys) string {
	var b strings.Builder
	b.WriteString(subject(keys))

	switch outcome, _ := keys.Get(capture.KeyOutcome); outcome {
	case capture.OutcomeFailure:
		b.WriteString(" fails")
	default:
		b.WriteString(" succeeds")
	}

	if follows, ok := keys.Get(capture.KeyFollows); ok {
		b.WriteString(" after ")
		b.WriteString(follows)
	}
	if dir, ok := keys.Get(capture.KeyDir); ok {
		b.WriteString(" in ")
		b.WriteString(dir)
	}

	for _, kv := range sortedTags(keys) {
		b.WriteString(" with ")
		b.WriteString(kv.Name)
		b.WriteByte('=')
		b.WriteString(kv.Value)
	}
	return b.String()
}

// Synthesis renders the majority claim with an exception clause, e.g.
// "bun test succeeds after bun install; except when dir=legacy/billing".
func (t *TemplateSummarizer) Synthesis(majority capture.Keys, exception capture.KV) string {
	return fmt.Sprintf("%s; except when %s=%s",
		t.Thesis(majority), exception.Name, exception.Value)
}

// subject names the invocation under discussion.
func subject(keys capture.Keys) string {
	cmd, ok := keys.Get(capture.KeyCommand)
	if !ok {
		tool, _ := keys.Get(capture.KeyTool)
		return tool
	}
	if sub, ok := keys.Get(capture.KeySubcommand); ok {
		return cmd + " " + sub
	}
	return cmd
}

// wellKnown keys are phrased structurally; everything else is a tag.
var wellKnown = map[string]bool{
	capture.KeyTool:       true,
	capture.KeyCommand:    true,
	capture.KeySubcommand: true,
	capture.KeyOutcome:    true,
	capture.KeyFollows:    true,
	capture.KeyDir:        true,
}

func sortedTags(keys capture.Keys) capture.Keys {
	var tags capture.Keys
	for _, kv := range keys {
		if !wellKnown[kv.Name] {
			tags = append(tags, kv)
		}
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Name < tags[j].Name })
	return tags
}
