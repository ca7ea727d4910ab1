package restore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldstore/archiver/internal/codec"
	"github.com/coldstore/archiver/internal/errclass"
	"github.com/coldstore/archiver/internal/metrics"
	"github.com/coldstore/archiver/internal/objstore"
	"github.com/coldstore/archiver/internal/pipeline"
	"github.com/coldstore/archiver/internal/sourcedb"
	"github.com/coldstore/archiver/internal/state"
)

var archiveColumns = []sourcedb.Column{
	{Name: "id", DataType: "bigint"},
	{Name: "created_at", DataType: "timestamp with time zone"},
	{Name: "payload", DataType: "text"},
}

// writeArchive builds a real archived batch (data object plus metadata
// sidecar) in the store and returns its key.
func writeArchive(t *testing.T, store *objstore.MemStore, layout state.Layout, rows []codec.Row) string {
	t.Helper()
	w, err := codec.NewBatchWriter(codec.RecordMeta{
		ArchivedAt:  time.Now().UTC(),
		Fingerprint: "fp-test",
		Database:    "ordersdb",
		Table:       "public.audit_log",
	}, "created_at", "id", 6)
	require.NoError(t, err)
	for _, r := range rows {
		require.NoError(t, w.WriteRow(r))
	}
	art, payload, err := w.Close()
	require.NoError(t, err)

	key := layout.DataKey("ordersdb", "public", "audit_log",
		time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 15, 3, 0, 0, 0, time.UTC), 1)
	require.NoError(t, store.Put(context.Background(), key, payload, objstore.PutOptions{}))

	md := pipeline.MetadataRecord{
		SchemaVersion:      pipeline.MetadataSchemaVersion,
		Database:           "ordersdb",
		Schema:             "public",
		Table:              "audit_log",
		Fingerprint:        art.Fingerprint,
		RecordCount:        art.RecordCount,
		UncompressedBytes:  art.UncompressedBytes,
		CompressedBytes:    art.CompressedBytes,
		UncompressedSHA256: art.UncompressedSHA256,
		CompressedSHA256:   art.CompressedSHA256,
		Columns:            archiveColumns,
		PrimaryKey:         "id",
		DataKey:            key,
	}
	raw, err := json.Marshal(md)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), state.MetadataKey(key), raw, objstore.PutOptions{}))
	return key
}

func testRows(n int) []codec.Row {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := make([]codec.Row, 0, n)
	for i := 1; i <= n; i++ {
		rows = append(rows, codec.Row{
			"id":         int64(i),
			"created_at": base.Add(time.Duration(i) * time.Minute),
			"payload":    "event",
		})
	}
	return rows
}

func newEngine(t *testing.T, store *objstore.MemStore, opts Options) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	return &Engine{
		DB:      sourcedb.Wrap("ordersdb", raw),
		Store:   store,
		Layout:  state.Layout{Prefix: "arc"},
		Metrics: metrics.New(),
		Options: opts,
	}, mock
}

func expectIntrospect(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("SELECT c.relkind").
		WillReturnRows(sqlmock.NewRows([]string{"relkind"}).AddRow("r"))
	mock.ExpectQuery("FROM information_schema.columns").
		WillReturnRows(sqlmock.NewRows([]string{"column_name", "data_type", "is_nullable"}).
			AddRow("id", "bigint", "NO").
			AddRow("created_at", "timestamp with time zone", "NO").
			AddRow("payload", "text", "YES"))
	mock.ExpectQuery("i.indisprimary").
		WillReturnRows(sqlmock.NewRows([]string{"attname"}).AddRow("id"))
	mock.ExpectQuery("FROM pg_indexes").
		WillReturnRows(sqlmock.NewRows([]string{"indexname", "indexdef"}))
}

func TestRestoreRoundTrip(t *testing.T) {
	store := objstore.NewMemStore()
	layout := state.Layout{Prefix: "arc"}
	key := writeArchive(t, store, layout, testRows(3))

	e, mock := newEngine(t, store, Options{Conflict: ConflictSkip})
	expectIntrospect(mock)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "public"\."audit_log" .*ON CONFLICT DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	rep, err := e.Run(context.Background(), Request{
		Database: "ordersdb", Schema: "public", Table: "audit_log", Keys: []string{key},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Objects)
	assert.Equal(t, int64(3), rep.Rows)
	require.NoError(t, mock.ExpectationsWereMet())

	// A second run is a no-op thanks to the restore watermark.
	e2, mock2 := newEngine(t, store, Options{Conflict: ConflictSkip})
	expectIntrospect(mock2)
	rep2, err := e2.Run(context.Background(), Request{
		Database: "ordersdb", Schema: "public", Table: "audit_log", Keys: []string{key},
	})
	require.NoError(t, err)
	assert.Zero(t, rep2.Objects)
	assert.Equal(t, 1, rep2.SkippedObjects)
	require.NoError(t, mock2.ExpectationsWereMet())
}

func TestRestoreUpsertStatement(t *testing.T) {
	store := objstore.NewMemStore()
	key := writeArchive(t, store, state.Layout{Prefix: "arc"}, testRows(2))

	e, mock := newEngine(t, store, Options{Conflict: ConflictUpsert})
	expectIntrospect(mock)
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO .*ON CONFLICT \("id"\) DO UPDATE SET "created_at" = EXCLUDED\."created_at"`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	rep, err := e.Run(context.Background(), Request{
		Database: "ordersdb", Schema: "public", Table: "audit_log", Keys: []string{key},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rep.Rows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRestoreRejectsTamperedPayload(t *testing.T) {
	store := objstore.NewMemStore()
	key := writeArchive(t, store, state.Layout{Prefix: "arc"}, testRows(2))

	// Corrupt the stored object after the metadata was written.
	require.NoError(t, store.Put(context.Background(), key, []byte("garbage"), objstore.PutOptions{}))

	e, mock := newEngine(t, store, Options{})
	expectIntrospect(mock)

	_, err := e.Run(context.Background(), Request{
		Database: "ordersdb", Schema: "public", Table: "audit_log", Keys: []string{key},
	})
	require.Error(t, err)
	assert.Equal(t, errclass.BatchPermanent, errclass.ClassOf(err))
	assert.Contains(t, err.Error(), "checksum mismatch")
}

func TestRestoreStrictSchemaMismatch(t *testing.T) {
	store := objstore.NewMemStore()
	key := writeArchive(t, store, state.Layout{Prefix: "arc"}, testRows(1))

	e, mock := newEngine(t, store, Options{SchemaMode: SchemaStrict})
	// Live table lost the payload column.
	mock.ExpectQuery("SELECT c.relkind").
		WillReturnRows(sqlmock.NewRows([]string{"relkind"}).AddRow("r"))
	mock.ExpectQuery("FROM information_schema.columns").
		WillReturnRows(sqlmock.NewRows([]string{"column_name", "data_type", "is_nullable"}).
			AddRow("id", "bigint", "NO").
			AddRow("created_at", "timestamp with time zone", "NO"))
	mock.ExpectQuery("i.indisprimary").
		WillReturnRows(sqlmock.NewRows([]string{"attname"}).AddRow("id"))
	mock.ExpectQuery("FROM pg_indexes").
		WillReturnRows(sqlmock.NewRows([]string{"indexname", "indexdef"}))

	_, err := e.Run(context.Background(), Request{
		Database: "ordersdb", Schema: "public", Table: "audit_log", Keys: []string{key},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strict schema check")
}

func TestRestoreLenientDropsMissingColumns(t *testing.T) {
	store := objstore.NewMemStore()
	key := writeArchive(t, store, state.Layout{Prefix: "arc"}, testRows(1))

	e, mock := newEngine(t, store, Options{SchemaMode: SchemaLenient})
	mock.ExpectQuery("SELECT c.relkind").
		WillReturnRows(sqlmock.NewRows([]string{"relkind"}).AddRow("r"))
	mock.ExpectQuery("FROM information_schema.columns").
		WillReturnRows(sqlmock.NewRows([]string{"column_name", "data_type", "is_nullable"}).
			AddRow("id", "bigint", "NO").
			AddRow("created_at", "timestamp with time zone", "NO"))
	mock.ExpectQuery("i.indisprimary").
		WillReturnRows(sqlmock.NewRows([]string{"attname"}).AddRow("id"))
	mock.ExpectQuery("FROM pg_indexes").
		WillReturnRows(sqlmock.NewRows([]string{"indexname", "indexdef"}))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "public"\."audit_log" \("id", "created_at"\)`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rep, err := e.Run(context.Background(), Request{
		Database: "ordersdb", Schema: "public", Table: "audit_log", Keys: []string{key},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.Rows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSelectKeysByDateRange(t *testing.T) {
	store := objstore.NewMemStore()
	layout := state.Layout{Prefix: "arc"}
	ctx := context.Background()

	mk := func(day int) string {
		return layout.DataKey("ordersdb", "public", "audit_log",
			time.Date(2025, 6, day, 0, 0, 0, 0, time.UTC),
			time.Date(2025, 6, day, 3, 0, 0, 0, time.UTC), 1)
	}
	for day := 10; day <= 14; day++ {
		require.NoError(t, store.Put(ctx, mk(day), []byte("x"), objstore.PutOptions{}))
		// Sidecars must not be selected as data objects.
		require.NoError(t, store.Put(ctx, state.MetadataKey(mk(day)), []byte("{}"), objstore.PutOptions{}))
	}

	e, _ := newEngine(t, store, Options{})
	e.Layout = layout
	keys, err := e.selectKeys(ctx, Request{
		Database: "ordersdb", Schema: "public", Table: "audit_log",
		From: time.Date(2025, 6, 11, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2025, 6, 14, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, keys, 3)
	assert.Equal(t, mk(11), keys[0])
	assert.Equal(t, mk(13), keys[2])
}
