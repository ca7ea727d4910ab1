package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/coldstore/archiver/internal/objstore"
)

// Checkpoint is the in-flight state persisted every N batches so a crashed
// run can resume without re-planning committed work. Cleared on clean
// completion.
type Checkpoint struct {
	RunID                 string                    `json:"run_id"`
	BatchOrdinal          int                       `json:"batch_ordinal"`
	Watermark             Watermark                 `json:"watermark"`
	CompletedFingerprints []string                  `json:"completed_fingerprints"`
	SchemaHash            string                    `json:"schema_hash,omitempty"`
	Multipart             []objstore.MultipartState `json:"multipart_uploads,omitempty"`
	UpdatedAt             time.Time                 `json:"updated_at"`
}

// CheckpointStore persists per-table checkpoints.
type CheckpointStore struct {
	store  objstore.Store
	layout Layout

	// Interval is the number of completed batches between persisted
	// checkpoints (default 10).
	Interval int
}

// NewCheckpointStore builds the store.
func NewCheckpointStore(store objstore.Store, layout Layout, interval int) *CheckpointStore {
	if interval <= 0 {
		interval = 10
	}
	return &CheckpointStore{store: store, layout: layout, Interval: interval}
}

// Load fetches the checkpoint for a table; ok is false when none exists. A
// corrupt checkpoint is discarded with a warning: resume state is an
// optimization, the manifest and watermark are the source of truth.
func (s *CheckpointStore) Load(ctx context.Context, db, schema, table string) (Checkpoint, bool, error) {
	key := s.layout.CheckpointKey(db, schema, table)
	data, _, err := s.store.Get(ctx, key)
	if errors.Is(err, objstore.ErrNotFound) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("load checkpoint %s: %w", key, err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		log.Printf("[state.checkpoint] discarding corrupt checkpoint %s: %v", key, err)
		return Checkpoint{}, false, nil
	}
	return cp, true, nil
}

// Save persists the checkpoint.
func (s *CheckpointStore) Save(ctx context.Context, db, schema, table string, cp Checkpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	key := s.layout.CheckpointKey(db, schema, table)
	if err := s.store.Put(ctx, key, data, objstore.PutOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", key, err)
	}
	return nil
}

// Clear removes the checkpoint after clean completion.
func (s *CheckpointStore) Clear(ctx context.Context, db, schema, table string) error {
	key := s.layout.CheckpointKey(db, schema, table)
	if err := s.store.Delete(ctx, key); err != nil && !errors.Is(err, objstore.ErrNotFound) {
		return fmt.Errorf("clear checkpoint %s: %w", key, err)
	}
	return nil
}

// GC drops a leftover checkpoint older than maxAge; stale resume state from
// an abandoned run must not steer a fresh one.
func (s *CheckpointStore) GC(ctx context.Context, db, schema, table string, maxAge time.Duration) error {
	cp, ok, err := s.Load(ctx, db, schema, table)
	if err != nil || !ok {
		return err
	}
	if time.Since(cp.UpdatedAt) > maxAge {
		log.Printf("[state.checkpoint] garbage-collecting stale checkpoint for %s.%s.%s (age %s)",
			db, schema, table, time.Since(cp.UpdatedAt).Round(time.Minute))
		return s.Clear(ctx, db, schema, table)
	}
	return nil
}
