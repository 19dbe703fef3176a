package pattern

import (
	"context"
	"sort"
	"sync"
)

// Table is the owned in-memory pattern index rebuilt from the durable
// store at startup. The consolidation runner owns one instance; it is
// never a hidden singleton. Get, Put, and Open exchange clones, so
// concurrent readers (recall, the HTTP surface) never share a struct
// with the mutating cycle.
type Table struct {
	mu   sync.RWMutex
	byID map[string]*Pattern
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{byID: make(map[string]*Pattern)}
}

// Load rebuilds the table from the store, replacing current contents.
func (t *Table) Load(ctx context.Context, store Store) error {
	patterns, err := store.Active(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID = make(map[string]*Pattern, len(patterns))
	for _, p := range patterns {
		t.byID[p.ID] = p
	}
	return nil
}

// Get returns a copy of the pattern with the given id, or nil.
func (t *Table) Get(id string) *Pattern {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byID[id].Clone()
}

// Put inserts or replaces a pattern. The table stores its own copy;
// later mutations of the argument stay with the caller.
func (t *Table) Put(p *Pattern) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[p.ID] = p.Clone()
}

// Remove drops a pattern, e.g. on retirement.
func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byID, id)
}

// Open returns copies of the active patterns eligible for attachment,
// oldest first for deterministic tie-breaking.
func (t *Table) Open() []*Pattern {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Pattern, 0, len(t.byID))
	for _, p := range t.byID {
		if p.Active() {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of tracked patterns.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}
