package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultBucket is the JetStream key-value bucket used for run records
// when none is configured.
const DefaultBucket = "fleetd_runs"

// NATSStore persists run records in a NATS JetStream key-value bucket,
// creating the bucket on first use if it does not exist.
type NATSStore struct {
	kv     nats.KeyValue
	logger *zap.Logger
}

// NewNATSStore binds a store to a JetStream key-value bucket on the given
// connection.
func NewNATSStore(nc *nats.Conn, bucket string, logger *zap.Logger) (*NATSStore, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if bucket == "" {
		bucket = DefaultBucket
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:      bucket,
			Description: "fleetd workflow run checkpoints",
			History:     1,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("bind key-value bucket %s: %w", bucket, err)
	}

	return &NATSStore{kv: kv, logger: logger}, nil
}

// kvKey maps a resume key to a valid KV key. JetStream KV keys have a
// restricted character set, so unsafe keys are hashed.
func kvKey(resumeKey string) string {
	if resumeKeyPattern.MatchString(resumeKey) {
		return resumeKey
	}
	sum := sha256.Sum256([]byte(resumeKey))
	return "run_" + hex.EncodeToString(sum[:8])
}

// Load retrieves the run for a resume key.
func (s *NATSStore) Load(ctx context.Context, resumeKey string) (*Run, error) {
	entry, err := s.kv.Get(kvKey(resumeKey))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get checkpoint %s: %w", resumeKey, err)
	}

	var run Run
	if err := json.Unmarshal(entry.Value(), &run); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", resumeKey, err)
	}
	return &run, nil
}

// Save upserts the run under its resume key.
func (s *NATSStore) Save(ctx context.Context, run *Run) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", run.ResumeKey, err)
	}

	if _, err := s.kv.Put(kvKey(run.ResumeKey), data); err != nil {
		return fmt.Errorf("put checkpoint %s: %w", run.ResumeKey, err)
	}

	s.logger.Debug("saved checkpoint",
		zap.String("resume_key", run.ResumeKey),
		zap.Int("steps", len(run.CompletedStepSignatures)),
	)
	return nil
}

// Delete removes the run for a resume key.
func (s *NATSStore) Delete(ctx context.Context, resumeKey string) error {
	if err := s.kv.Delete(kvKey(resumeKey)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("delete checkpoint %s: %w", resumeKey, err)
	}
	return nil
}

// Close is a no-op; the caller owns the NATS connection.
func (s *NATSStore) Close() error { return nil }

var _ Store = (*NATSStore)(nil)
