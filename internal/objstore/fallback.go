package objstore

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FallbackEntry indexes one spooled payload awaiting re-upload.
type FallbackEntry struct {
	ID           string            `json:"id"`
	Key          string            `json:"key"`
	ContentType  string            `json:"content_type,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	StorageClass string            `json:"storage_class,omitempty"`
	SSE          string            `json:"sse,omitempty"`
	KMSKeyID     string            `json:"kms_key_id,omitempty"`
	SavedAt      time.Time         `json:"saved_at"`
}

// Fallback spools payloads to local disk when the object store is
// unreachable after retry exhaustion. Each entry is a <id>.json index record
// next to a <id>.bin payload; both are written atomically via rename.
type Fallback struct {
	dir       string
	retention time.Duration
	now       func() time.Time
}

// NewFallback creates the spool directory if needed. retention bounds how
// long unrecovered entries are kept before Prune discards them.
func NewFallback(dir string, retention time.Duration) (*Fallback, error) {
	if dir == "" {
		return nil, fmt.Errorf("fallback dir required")
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create fallback dir: %w", err)
	}
	return &Fallback{dir: dir, retention: retention, now: time.Now}, nil
}

// Save spools one payload. The payload lands before the index record, so a
// crash can orphan a .bin but never index a missing payload.
func (f *Fallback) Save(key string, data []byte, opts PutOptions) error {
	entry := FallbackEntry{
		ID:           uuid.NewString(),
		Key:          key,
		ContentType:  opts.ContentType,
		Metadata:     opts.Metadata,
		StorageClass: opts.StorageClass,
		SSE:          opts.SSE,
		KMSKeyID:     opts.KMSKeyID,
		SavedAt:      f.now().UTC(),
	}
	if err := writeAtomic(f.payloadPath(entry.ID), data); err != nil {
		return fmt.Errorf("spool payload for %s: %w", key, err)
	}
	idx, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode fallback entry: %w", err)
	}
	if err := writeAtomic(f.indexPath(entry.ID), idx); err != nil {
		return fmt.Errorf("spool index for %s: %w", key, err)
	}
	log.Printf("[objstore.fallback] spooled %s (%d bytes) as %s", key, len(data), entry.ID)
	return nil
}

// List returns all spooled entries, oldest first.
func (f *Fallback) List() ([]FallbackEntry, error) {
	names, err := filepath.Glob(filepath.Join(f.dir, "*.json"))
	if err != nil {
		return nil, fmt.Errorf("scan fallback dir: %w", err)
	}
	entries := make([]FallbackEntry, 0, len(names))
	for _, name := range names {
		raw, err := os.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read fallback index %s: %w", name, err)
		}
		var e FallbackEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			log.Printf("[objstore.fallback] skipping corrupt index %s: %v", name, err)
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].SavedAt.Before(entries[j].SavedAt) })
	return entries, nil
}

// Payload loads the spooled bytes for an entry.
func (f *Fallback) Payload(e FallbackEntry) ([]byte, error) {
	data, err := os.ReadFile(f.payloadPath(e.ID))
	if err != nil {
		return nil, fmt.Errorf("read fallback payload %s: %w", e.ID, err)
	}
	return data, nil
}

// Remove deletes an entry after a successful re-upload.
func (f *Fallback) Remove(e FallbackEntry) error {
	if err := os.Remove(f.indexPath(e.ID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove fallback index %s: %w", e.ID, err)
	}
	if err := os.Remove(f.payloadPath(e.ID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove fallback payload %s: %w", e.ID, err)
	}
	return nil
}

// Prune discards entries older than the retention window and orphaned
// payload files left by crashes mid-Save. Returns the number pruned.
func (f *Fallback) Prune() (int, error) {
	entries, err := f.List()
	if err != nil {
		return 0, err
	}
	cutoff := f.now().Add(-f.retention)
	pruned := 0
	indexed := make(map[string]bool, len(entries))
	for _, e := range entries {
		indexed[e.ID] = true
		if e.SavedAt.Before(cutoff) {
			if err := f.Remove(e); err != nil {
				return pruned, err
			}
			log.Printf("[objstore.fallback] pruned stale entry %s for %s", e.ID, e.Key)
			pruned++
		}
	}
	bins, err := filepath.Glob(filepath.Join(f.dir, "*.bin"))
	if err != nil {
		return pruned, fmt.Errorf("scan fallback payloads: %w", err)
	}
	for _, bin := range bins {
		id := strings.TrimSuffix(filepath.Base(bin), ".bin")
		if !indexed[id] {
			if err := os.Remove(bin); err != nil && !os.IsNotExist(err) {
				return pruned, fmt.Errorf("remove orphan payload %s: %w", bin, err)
			}
			pruned++
		}
	}
	return pruned, nil
}

func (f *Fallback) indexPath(id string) string   { return filepath.Join(f.dir, id+".json") }
func (f *Fallback) payloadPath(id string) string { return filepath.Join(f.dir, id+".bin") }

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
