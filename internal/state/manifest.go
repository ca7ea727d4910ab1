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

// TableManifest is the append-only index of committed batch fingerprints.
// Presence of a fingerprint means the batch is committed; a fingerprint
// appears at most once. Keys maps each fingerprint to its data-object key so
// an idempotent skip can locate the existing artifact.
type TableManifest struct {
	Fingerprints []string          `json:"fingerprints"`
	Keys         map[string]string `json:"keys,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// KeyFor returns the data-object key recorded for fp, if any.
func (m TableManifest) KeyFor(fp string) (string, bool) {
	key, ok := m.Keys[fp]
	return key, ok
}

// Has reports whether fp is already committed.
func (m TableManifest) Has(fp string) bool {
	for _, f := range m.Fingerprints {
		if f == fp {
			return true
		}
	}
	return false
}

// ManifestStore updates table manifests with conditional writes.
type ManifestStore struct {
	store      objstore.Store
	layout     Layout
	maxRetries int
}

// NewManifestStore builds the store with the bounded conflict-retry budget.
func NewManifestStore(store objstore.Store, layout Layout) *ManifestStore {
	return &ManifestStore{store: store, layout: layout, maxRetries: 5}
}

// Load fetches the manifest and its entity tag; a missing manifest returns an
// empty manifest with an empty tag.
func (s *ManifestStore) Load(ctx context.Context, db, schema, table string) (TableManifest, string, error) {
	key := s.layout.TableManifestKey(db, schema, table)
	data, etag, err := s.store.Get(ctx, key)
	if errors.Is(err, objstore.ErrNotFound) {
		return TableManifest{}, "", nil
	}
	if err != nil {
		return TableManifest{}, "", fmt.Errorf("load table manifest %s: %w", key, err)
	}
	var m TableManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return TableManifest{}, "", fmt.Errorf("decode table manifest %s: %w", key, err)
	}
	return m, etag, nil
}

// Add appends fp (with its data-object key) with a conditional write,
// read-merge-retrying on conflict. Adding an already-present fingerprint is
// a no-op.
func (s *ManifestStore) Add(ctx context.Context, db, schema, table, fp, dataKey string) error {
	key := s.layout.TableManifestKey(db, schema, table)
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		m, etag, err := s.Load(ctx, db, schema, table)
		if err != nil {
			return err
		}
		if m.Has(fp) {
			return nil
		}
		m.Fingerprints = append(m.Fingerprints, fp)
		if m.Keys == nil {
			m.Keys = make(map[string]string)
		}
		m.Keys[fp] = dataKey
		m.UpdatedAt = time.Now().UTC()
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode table manifest: %w", err)
		}
		_, err = s.store.PutIf(ctx, key, data, etag, objstore.PutOptions{ContentType: "application/json"})
		if errors.Is(err, objstore.ErrPrecondition) {
			log.Printf("[state.manifest] %s: conditional update conflict, re-reading (attempt %d)", key, attempt+1)
			continue
		}
		if err != nil {
			return fmt.Errorf("update table manifest %s: %w", key, err)
		}
		return nil
	}
	return fmt.Errorf("table manifest %s: conflict retries exhausted", key)
}
