package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coldstore/archiver/internal/codec"
	"github.com/coldstore/archiver/internal/errclass"
	"github.com/coldstore/archiver/internal/objstore"
)

// Watermark is the durable per-table cursor. It only ever moves forward in
// (LastTS, LastPK) order.
type Watermark struct {
	LastTS         time.Time `json:"last_archived_ts"`
	LastPK         string    `json:"last_archived_pk"`
	CumulativeRows int64     `json:"cumulative_rows"`
	ContentSHA256  string    `json:"content_sha256"`
}

// contentHash covers every field except the hash itself.
func (w Watermark) contentHash() string {
	canonical := fmt.Sprintf("%s|%s|%d",
		w.LastTS.UTC().Format(time.RFC3339Nano), w.LastPK, w.CumulativeRows)
	return codec.SHA256Hex([]byte(canonical))
}

// Before reports whether w orders strictly before other. Keys compare with
// the same collation the SQL cursor predicate uses, so integer keys order
// numerically.
func (w Watermark) Before(other Watermark) bool {
	if w.LastTS.Before(other.LastTS) {
		return true
	}
	return w.LastTS.Equal(other.LastTS) && codec.ComparePrimaryKeys(w.LastPK, other.LastPK) < 0
}

// Mirror optionally duplicates watermarks into a database table
// (watermark_storage: database|both).
type Mirror interface {
	UpsertWatermark(ctx context.Context, database, schema, table string, lastTS time.Time, lastPK string, cumulativeRows int64) error
}

// WatermarkStore reads and conditionally writes watermark documents. Writes
// per (db, table) are serialized by the per-table lock; the conditional put
// is the backstop against a split-brain second archiver.
type WatermarkStore struct {
	store  objstore.Store
	layout Layout
	mirror Mirror // nil unless watermark_storage includes the database

	mu    sync.Mutex
	etags map[string]string
	last  map[string]Watermark
}

// NewWatermarkStore builds the store; mirror may be nil.
func NewWatermarkStore(store objstore.Store, layout Layout, mirror Mirror) *WatermarkStore {
	return &WatermarkStore{
		store:  store,
		layout: layout,
		mirror: mirror,
		etags:  make(map[string]string),
		last:   make(map[string]Watermark),
	}
}

// Load fetches the watermark; ok is false for a table never archived. The
// content hash is verified: a corrupt watermark is fatal for the table, not
// silently treated as "start from the beginning".
func (s *WatermarkStore) Load(ctx context.Context, db, schema, table string) (Watermark, bool, error) {
	key := s.layout.WatermarkKey(db, schema, table)
	data, etag, err := s.store.Get(ctx, key)
	if errors.Is(err, objstore.ErrNotFound) {
		return Watermark{}, false, nil
	}
	if err != nil {
		return Watermark{}, false, fmt.Errorf("load watermark %s: %w", key, err)
	}
	var w Watermark
	if err := json.Unmarshal(data, &w); err != nil {
		return Watermark{}, false, errclass.New(errclass.Table,
			fmt.Errorf("decode watermark %s: %w", key, err)).WithTarget(db, schema, table)
	}
	if w.ContentSHA256 != w.contentHash() {
		return Watermark{}, false, errclass.Newf(errclass.Table,
			"watermark %s failed integrity check", key).WithTarget(db, schema, table)
	}
	s.mu.Lock()
	s.etags[key] = etag
	s.last[key] = w
	s.mu.Unlock()
	return w, true, nil
}

// Save conditionally writes the watermark after a batch commit. A regressing
// watermark is rejected: the cursor is monotonic by invariant.
func (s *WatermarkStore) Save(ctx context.Context, db, schema, table string, w Watermark) error {
	key := s.layout.WatermarkKey(db, schema, table)

	s.mu.Lock()
	prev, hadPrev := s.last[key]
	etag := s.etags[key]
	s.mu.Unlock()

	if hadPrev && w.Before(prev) {
		return errclass.Newf(errclass.BatchPermanent,
			"watermark regression: (%s,%s) before (%s,%s)",
			w.LastTS.Format(time.RFC3339Nano), w.LastPK,
			prev.LastTS.Format(time.RFC3339Nano), prev.LastPK).
			WithTarget(db, schema, table).WithPhase("advance")
	}

	w.ContentSHA256 = w.contentHash()
	data, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("encode watermark: %w", err)
	}
	newTag, err := s.store.PutIf(ctx, key, data, etag, objstore.PutOptions{ContentType: "application/json"})
	if errors.Is(err, objstore.ErrPrecondition) {
		// Another writer moved the watermark under us; the per-table lock
		// should make this impossible, so surface it loudly.
		return errclass.New(errclass.Table,
			fmt.Errorf("watermark %s changed concurrently: %w", key, err)).WithTarget(db, schema, table)
	}
	if err != nil {
		return fmt.Errorf("save watermark %s: %w", key, err)
	}

	s.mu.Lock()
	s.etags[key] = newTag
	s.last[key] = w
	s.mu.Unlock()

	if s.mirror != nil {
		if err := s.mirror.UpsertWatermark(ctx, db, schema, table, w.LastTS, w.LastPK, w.CumulativeRows); err != nil {
			return fmt.Errorf("mirror watermark: %w", err)
		}
	}
	return nil
}
