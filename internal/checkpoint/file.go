package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// resumeKeyPattern matches keys that are safe to use directly as file names.
var resumeKeyPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// FileStore persists each run as one JSON document under a directory. Writes
// go through a temp file, fsync and rename so a crash mid-write never leaves
// a partial record visible.
type FileStore struct {
	dir    string
	logger *zap.Logger
}

// NewFileStore creates a file-backed store rooted at dir, creating the
// directory if needed.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("checkpoint directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

// path maps a resume key to its file. Keys with unsafe characters are
// hashed so arbitrary keys cannot traverse out of the directory.
func (s *FileStore) path(resumeKey string) string {
	name := resumeKey
	if !resumeKeyPattern.MatchString(resumeKey) || strings.Contains(resumeKey, "..") {
		sum := sha256.Sum256([]byte(resumeKey))
		name = "run_" + hex.EncodeToString(sum[:8])
	}
	return filepath.Join(s.dir, name+".json")
}

// Load retrieves the run for a resume key.
func (s *FileStore) Load(ctx context.Context, resumeKey string) (*Run, error) {
	data, err := os.ReadFile(s.path(resumeKey))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read checkpoint %s: %w", resumeKey, err)
	}

	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", resumeKey, err)
	}
	return &run, nil
}

// Save upserts the run atomically: write temp file, fsync, rename, fsync
// the directory.
func (s *FileStore) Save(ctx context.Context, run *Run) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", run.ResumeKey, err)
	}

	target := s.path(run.ResumeKey)
	tmp, err := os.CreateTemp(s.dir, ".fleetd-tmp-*.json")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()

	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint: %w", err)
	}

	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("rename checkpoint into place: %w", err)
	}
	if err := syncDir(s.dir); err != nil {
		return fmt.Errorf("sync checkpoint dir: %w", err)
	}

	s.logger.Debug("saved checkpoint",
		zap.String("resume_key", run.ResumeKey),
		zap.Int("steps", len(run.CompletedStepSignatures)),
	)
	return nil
}

// Delete removes the run file for a resume key.
func (s *FileStore) Delete(ctx context.Context, resumeKey string) error {
	if err := os.Remove(s.path(resumeKey)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete checkpoint %s: %w", resumeKey, err)
	}
	return nil
}

// syncDir flushes directory metadata so a completed rename survives a
// crash.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error { return nil }

var _ Store = (*FileStore)(nil)
