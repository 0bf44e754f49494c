package checkpoint

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no run exists for a resume key.
var ErrNotFound = errors.New("checkpoint not found")

// Store persists workflow run records keyed by resume key.
//
// The access pattern is read-one-by-key at run start, then idempotent
// upsert-by-key after every completed step. Persistence errors are fatal to
// the run; retry policy belongs to the storage backend, not the caller.
type Store interface {
	// Load retrieves the run for a resume key, or ErrNotFound.
	Load(ctx context.Context, resumeKey string) (*Run, error)

	// Save upserts the run under its resume key.
	Save(ctx context.Context, run *Run) error

	// Delete removes the run for a resume key. Deleting a missing run is
	// not an error.
	Delete(ctx context.Context, resumeKey string) error

	// Close releases store resources.
	Close() error
}
