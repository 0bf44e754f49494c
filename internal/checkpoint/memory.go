package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// MemoryStore keeps run records in memory. State is lost on process exit;
// it exists for tests and dry runs.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string][]byte
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs: make(map[string][]byte),
	}
}

// Load retrieves the run for a resume key.
func (s *MemoryStore) Load(ctx context.Context, resumeKey string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errors.New("store is closed")
	}

	data, ok := s.runs[resumeKey]
	if !ok {
		return nil, ErrNotFound
	}

	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", resumeKey, err)
	}
	return &run, nil
}

// Save upserts the run. The record is serialized so callers never share
// mutable state with the store.
func (s *MemoryStore) Save(ctx context.Context, run *Run) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", run.ResumeKey, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("store is closed")
	}
	s.runs[run.ResumeKey] = data
	return nil
}

// Delete removes the run for a resume key.
func (s *MemoryStore) Delete(ctx context.Context, resumeKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("store is closed")
	}
	delete(s.runs, resumeKey)
	return nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Reset clears all stored runs. Test helper.
func (s *MemoryStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = make(map[string][]byte)
	s.closed = false
}

var _ Store = (*MemoryStore)(nil)
