package state

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldstore/archiver/internal/errclass"
	"github.com/coldstore/archiver/internal/objstore"
)

func TestLayoutKeys(t *testing.T) {
	l := Layout{Prefix: "archive"}
	exec := time.Date(2025, 6, 15, 3, 0, 0, 0, time.UTC)
	start := time.Date(2025, 6, 15, 3, 4, 5, 0, time.UTC)

	dataKey := l.DataKey("ordersdb", "public", "audit_log", exec, start, 7)
	assert.Equal(t,
		"archive/ordersdb/public/audit_log/year=2025/month=06/day=15/audit_log_20250615T030405Z_batch_007.jsonl.gz",
		dataKey)
	assert.Equal(t,
		"archive/ordersdb/public/audit_log/year=2025/month=06/day=15/audit_log_20250615T030405Z_batch_007_metadata.json",
		MetadataKey(dataKey))
	assert.Equal(t,
		"archive/ordersdb/public/audit_log/year=2025/month=06/day=15/audit_log_20250615T030405Z_batch_007_manifest.json",
		DeletionManifestKey(dataKey))
	assert.Equal(t, "archive/ordersdb/public/audit_log/_watermark.json",
		l.WatermarkKey("ordersdb", "public", "audit_log"))
	assert.Equal(t, "archive/ordersdb/public/audit_log/_manifest.json",
		l.TableManifestKey("ordersdb", "public", "audit_log"))

	auditKey := l.AuditKey(exec, "ARCHIVE_START")
	assert.Contains(t, auditKey, "archive/audit/year=2025/month=06/day=15/")
	assert.Contains(t, auditKey, "_archive_start.json")
}

func TestWatermarkRoundTripAndIntegrity(t *testing.T) {
	store := objstore.NewMemStore()
	ws := NewWatermarkStore(store, Layout{Prefix: "p"}, nil)
	ctx := context.Background()

	_, ok, err := ws.Load(ctx, "db", "public", "t")
	require.NoError(t, err)
	assert.False(t, ok)

	w := Watermark{
		LastTS:         time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		LastPK:         "900",
		CumulativeRows: 1000,
	}
	require.NoError(t, ws.Save(ctx, "db", "public", "t", w))

	// A fresh store loads it and verifies the hash.
	ws2 := NewWatermarkStore(store, Layout{Prefix: "p"}, nil)
	got, ok, err := ws2.Load(ctx, "db", "public", "t")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "900", got.LastPK)
	assert.Equal(t, int64(1000), got.CumulativeRows)
	assert.True(t, got.LastTS.Equal(w.LastTS))

	// Tampering breaks the integrity check.
	key := Layout{Prefix: "p"}.WatermarkKey("db", "public", "t")
	data, etag, err := store.Get(ctx, key)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	raw["cumulative_rows"] = 5
	tampered, _ := json.Marshal(raw)
	_, err = store.PutIf(ctx, key, tampered, etag, objstore.PutOptions{})
	require.NoError(t, err)

	_, _, err = NewWatermarkStore(store, Layout{Prefix: "p"}, nil).Load(ctx, "db", "public", "t")
	require.Error(t, err)
	assert.Equal(t, errclass.Table, errclass.ClassOf(err))
	assert.Contains(t, err.Error(), "integrity")
}

func TestWatermarkRegressionRejected(t *testing.T) {
	store := objstore.NewMemStore()
	ws := NewWatermarkStore(store, Layout{}, nil)
	ctx := context.Background()

	ts := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, ws.Save(ctx, "db", "s", "t", Watermark{LastTS: ts, LastPK: "500"}))

	// Same ts, smaller pk: regression.
	err := ws.Save(ctx, "db", "s", "t", Watermark{LastTS: ts, LastPK: "400"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "regression")

	// Equal watermark is allowed (idempotent skip re-advance).
	require.NoError(t, ws.Save(ctx, "db", "s", "t", Watermark{LastTS: ts, LastPK: "500"}))

	// Forward moves are allowed.
	require.NoError(t, ws.Save(ctx, "db", "s", "t", Watermark{LastTS: ts.Add(time.Hour), LastPK: "100"}))
}

func TestWatermarkNumericKeyOrder(t *testing.T) {
	store := objstore.NewMemStore()
	ws := NewWatermarkStore(store, Layout{}, nil)
	ctx := context.Background()

	// Bigint cursors must order numerically at equal timestamps: "500" is a
	// legitimate advance over "99" even though it sorts before it as text.
	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, ws.Save(ctx, "db", "s", "t", Watermark{LastTS: ts, LastPK: "99"}))
	require.NoError(t, ws.Save(ctx, "db", "s", "t", Watermark{LastTS: ts, LastPK: "500"}))

	err := ws.Save(ctx, "db", "s", "t", Watermark{LastTS: ts, LastPK: "99"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "regression")

	// Text keys keep bytewise order.
	require.NoError(t, ws.Save(ctx, "db", "s", "u", Watermark{LastTS: ts, LastPK: "order-100"}))
	err = ws.Save(ctx, "db", "s", "u", Watermark{LastTS: ts, LastPK: "order-099"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "regression")
}

func TestManifestAddIsIdempotentAndMergesOnConflict(t *testing.T) {
	store := objstore.NewMemStore()
	ms := NewManifestStore(store, Layout{})
	ctx := context.Background()

	require.NoError(t, ms.Add(ctx, "db", "s", "t", "fp1", "k/fp1"))
	require.NoError(t, ms.Add(ctx, "db", "s", "t", "fp2", "k/fp2"))
	require.NoError(t, ms.Add(ctx, "db", "s", "t", "fp1", "k/fp1")) // duplicate no-op

	m, _, err := ms.Load(ctx, "db", "s", "t")
	require.NoError(t, err)
	assert.Equal(t, []string{"fp1", "fp2"}, m.Fingerprints)
	assert.True(t, m.Has("fp2"))
	assert.False(t, m.Has("fp3"))
}

func TestManifestConflictRetry(t *testing.T) {
	store := objstore.NewMemStore()
	ms := NewManifestStore(store, Layout{})
	ctx := context.Background()
	require.NoError(t, ms.Add(ctx, "db", "s", "t", "fp1", "k/fp1"))

	// Inject one conflict: the first conditional write fails, the re-read
	// succeeds.
	conflicts := 1
	store.Fail = func(op, key string) error {
		if op == "putif" && conflicts > 0 {
			conflicts--
			return objstore.ErrPrecondition
		}
		return nil
	}
	require.NoError(t, ms.Add(ctx, "db", "s", "t", "fp2", "k/fp2"))
	m, _, err := ms.Load(ctx, "db", "s", "t")
	require.NoError(t, err)
	assert.Equal(t, []string{"fp1", "fp2"}, m.Fingerprints)
}

func TestCheckpointLifecycle(t *testing.T) {
	store := objstore.NewMemStore()
	cs := NewCheckpointStore(store, Layout{}, 10)
	ctx := context.Background()

	_, ok, err := cs.Load(ctx, "db", "s", "t")
	require.NoError(t, err)
	assert.False(t, ok)

	cp := Checkpoint{
		RunID:                 "run-1",
		BatchOrdinal:          12,
		Watermark:             Watermark{LastPK: "1200"},
		CompletedFingerprints: []string{"a", "b"},
	}
	require.NoError(t, cs.Save(ctx, "db", "s", "t", cp))

	got, ok, err := cs.Load(ctx, "db", "s", "t")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 12, got.BatchOrdinal)
	assert.Equal(t, []string{"a", "b"}, got.CompletedFingerprints)
	assert.False(t, got.UpdatedAt.IsZero())

	require.NoError(t, cs.Clear(ctx, "db", "s", "t"))
	_, ok, err = cs.Load(ctx, "db", "s", "t")
	require.NoError(t, err)
	assert.False(t, ok)

	// Clearing again is fine.
	require.NoError(t, cs.Clear(ctx, "db", "s", "t"))
}

func TestCheckpointGC(t *testing.T) {
	store := objstore.NewMemStore()
	cs := NewCheckpointStore(store, Layout{}, 10)
	ctx := context.Background()

	require.NoError(t, cs.Save(ctx, "db", "s", "t", Checkpoint{RunID: "r"}))
	// Fresh checkpoint survives.
	require.NoError(t, cs.GC(ctx, "db", "s", "t", time.Hour))
	_, ok, err := cs.Load(ctx, "db", "s", "t")
	require.NoError(t, err)
	assert.True(t, ok)

	// A zero max-age collects it.
	require.NoError(t, cs.GC(ctx, "db", "s", "t", 0))
	_, ok, err = cs.Load(ctx, "db", "s", "t")
	require.NoError(t, err)
	assert.False(t, ok)
}
