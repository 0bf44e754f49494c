// Package blackboard provides the shared key-value artifact store used for
// cross-agent handoff and audit. State is in-memory and rebuilt from scratch
// on process restart; durable state lives in the checkpoint store.
package blackboard

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Entry is one stored artifact with its write time.
type Entry struct {
	Key       string    `json:"key"`
	Value     any       `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Blackboard is a concurrency-safe key-value artifact store.
type Blackboard struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New creates an empty blackboard.
func New() *Blackboard {
	return &Blackboard{
		entries: make(map[string]Entry),
	}
}

// Put stores a value under a key, overwriting any previous value.
func (b *Blackboard) Put(key string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = Entry{
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now().UTC(),
	}
}

// Get retrieves the value for a key.
func (b *Blackboard) Get(key string) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.entries[key]
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

// List returns entries whose key starts with prefix, ordered by key.
func (b *Blackboard) List(prefix string) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Entry
	for key, entry := range b.entries {
		if strings.HasPrefix(key, prefix) {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Delete removes a key. Deleting a missing key is a no-op.
func (b *Blackboard) Delete(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, key)
}

// Len returns the number of stored entries.
func (b *Blackboard) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Reset clears all entries. Test helper.
func (b *Blackboard) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[string]Entry)
}
