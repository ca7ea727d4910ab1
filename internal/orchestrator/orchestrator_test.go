package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldstore/archiver/internal/compliance"
	"github.com/coldstore/archiver/internal/config"
	"github.com/coldstore/archiver/internal/locking"
	"github.com/coldstore/archiver/internal/metrics"
	"github.com/coldstore/archiver/internal/objstore"
	"github.com/coldstore/archiver/internal/pipeline"
	"github.com/coldstore/archiver/internal/retry"
	"github.com/coldstore/archiver/internal/sourcedb"
	"github.com/coldstore/archiver/internal/state"
)

func TestBatchSizerGrowsAndShrinks(t *testing.T) {
	s := NewBatchSizer(1000, 100, 10000, 2*time.Second, 0)
	assert.Equal(t, 1000, s.Size())

	// Fast fetch grows by half.
	s.Observe(500*time.Millisecond, 1000, 100_000)
	assert.Equal(t, 1500, s.Size())

	// Slow fetch halves.
	s.Observe(5*time.Second, 1500, 150_000)
	assert.Equal(t, 750, s.Size())

	// In the target window it holds steady.
	s.Observe(1500*time.Millisecond, 750, 75_000)
	assert.Equal(t, 750, s.Size())
}

func TestBatchSizerClampsToBounds(t *testing.T) {
	s := NewBatchSizer(200, 100, 400, 2*time.Second, 0)
	for i := 0; i < 10; i++ {
		s.Observe(100*time.Millisecond, s.Size(), 0)
	}
	assert.Equal(t, 400, s.Size())
	for i := 0; i < 10; i++ {
		s.Observe(time.Minute, s.Size(), 0)
	}
	assert.Equal(t, 100, s.Size())
}

func TestBatchSizerFloorsTarget(t *testing.T) {
	// A target below the floor is raised to it, so a fetch well under the
	// floored window still grows the batch instead of halving it.
	s := NewBatchSizer(1000, 100, 10000, 10*time.Millisecond, 0)

	s.Observe(40*time.Millisecond, 1000, 100_000)
	assert.Equal(t, 1500, s.Size())

	s.Observe(200*time.Millisecond, 1500, 150_000)
	assert.Equal(t, 750, s.Size())
}

func TestBatchSizerMemoryCap(t *testing.T) {
	// 1 MiB cap, ~1 KiB rows resident twice: at most 512 rows per batch.
	s := NewBatchSizer(10000, 100, 50000, 2*time.Second, 1024*1024)
	s.Observe(100*time.Millisecond, 1000, 1024*1000)
	assert.LessOrEqual(t, s.Size(), 512)
	assert.GreaterOrEqual(t, s.Size(), 100)
}

type fixture struct {
	orch  *TableOrchestrator
	mock  sqlmock.Sqlmock
	store *objstore.MemStore
}

func testDefaults() config.Defaults {
	return config.Defaults{
		MinBatchSize:        2,
		MaxBatchSize:        2,
		TargetFetchSeconds:  2,
		VacuumStrategy:      "none",
		ClockSkewMaxSeconds: 300,
		StatementTimeoutMin: 1,
		CheckpointInterval:  10,
	}
}

func newFixture(t *testing.T, checker *compliance.Checker) *fixture {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })

	store := objstore.NewMemStore()
	layout := state.Layout{Prefix: "arc"}
	db := sourcedb.Wrap("ordersdb", raw)
	up := objstore.NewUploader(store, objstore.UploaderOptions{
		Retry: retry.Policy{MaxAttempts: 1, Base: time.Millisecond, Cap: time.Millisecond},
	})
	m := metrics.New()
	p := pipeline.New(db, store, up, layout,
		state.NewWatermarkStore(store, layout, nil),
		state.NewManifestStore(store, layout),
		nil, m, pipeline.Options{StatementTimeout: time.Minute})

	locks, err := locking.NewFileManager(t.TempDir(), time.Hour)
	require.NoError(t, err)

	orch := &TableOrchestrator{
		Pipeline: p,
		DB:       db,
		Table: config.Table{
			Name:            "audit_log",
			Schema:          "public",
			TimestampColumn: "created_at",
			PrimaryKey:      "id",
			RetentionDays:   90,
			BatchSize:       2,
		},
		Defaults:    testDefaults(),
		Locks:       locks,
		Compliance:  checker,
		Checkpoints: state.NewCheckpointStore(store, layout, 10),
		Metrics:     m,
		RunID:       "run-test",
		BatchRetry:  retry.Policy{MaxAttempts: 1, Base: time.Millisecond, Cap: time.Millisecond},
	}
	return &fixture{orch: orch, mock: mock, store: store}
}

func expectIntrospect(mock sqlmock.Sqlmock) {
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
}

func expectBatch(mock sqlmock.Sqlmock, rows *sqlmock.Rows, count int) {
	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL statement_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT count").WillReturnRows(
		sqlmock.NewRows([]string{"count"}).AddRow(count))
	if count == 0 {
		mock.ExpectRollback()
		return
	}
	mock.ExpectQuery(`SELECT \* FROM "public"\."audit_log"`).WillReturnRows(rows)
	mock.ExpectExec("SAVEPOINT").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM`).WillReturnResult(sqlmock.NewResult(0, int64(count)))
	mock.ExpectExec("RELEASE SAVEPOINT").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectQuery(`^SELECT "id" FROM "public"\."audit_log"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
}

func TestTableRunArchivesInBatchesAndClears(t *testing.T) {
	f := newFixture(t, nil)
	// Absence checks run concurrently with the next batch.
	f.mock.MatchExpectationsInOrder(false)

	now := time.Now().UTC()
	old := now.Add(-100 * 24 * time.Hour)

	f.mock.ExpectQuery("SELECT now()").WillReturnRows(
		sqlmock.NewRows([]string{"now"}).AddRow(now))
	expectIntrospect(f.mock)
	expectBatch(f.mock, sqlmock.NewRows([]string{"id", "created_at"}).
		AddRow(int64(1), old).
		AddRow(int64(2), old.Add(time.Minute)), 2)
	expectBatch(f.mock, sqlmock.NewRows([]string{"id", "created_at"}).
		AddRow(int64(3), old.Add(2*time.Minute)).
		AddRow(int64(4), old.Add(3*time.Minute)), 2)
	expectBatch(f.mock, nil, 0)

	rep := f.orch.Run(context.Background())
	require.Empty(t, rep.Error)
	assert.Equal(t, 2, rep.Batches)
	assert.Equal(t, int64(4), rep.Rows)
	assert.False(t, rep.Skipped)

	// The watermark tracks the last archived row and no checkpoint remains.
	wm, ok, err := f.orch.Pipeline.Watermarks.Load(context.Background(), "ordersdb", "public", "audit_log")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "4", wm.LastPK)
	assert.Equal(t, int64(4), wm.CumulativeRows)

	_, hasCP, err := f.orch.Checkpoints.Load(context.Background(), "ordersdb", "public", "audit_log")
	require.NoError(t, err)
	assert.False(t, hasCP)
}

type holdSource []compliance.LegalHold

func (s holdSource) Holds(ctx context.Context) ([]compliance.LegalHold, error) {
	return s, nil
}

func TestTableRunSkipsOnLegalHold(t *testing.T) {
	checker := compliance.NewChecker(holdSource{{
		Database: "ordersdb",
		Schema:   "public",
		Table:    "audit_log",
		Reason:   "litigation 2025-044",
		StartsAt: time.Now().Add(-time.Hour),
	}})
	f := newFixture(t, checker)
	f.mock.ExpectQuery("SELECT now()").WillReturnRows(
		sqlmock.NewRows([]string{"now"}).AddRow(time.Now()))

	rep := f.orch.Run(context.Background())
	require.Empty(t, rep.Error)
	assert.True(t, rep.Skipped)
	assert.Contains(t, rep.SkipReason, "litigation 2025-044")
	assert.Zero(t, rep.Batches)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestTableRunReportsFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.mock.ExpectQuery("SELECT now()").WillReturnError(assert.AnError)

	rep := f.orch.Run(context.Background())
	assert.NotEmpty(t, rep.Error)
	assert.Zero(t, rep.Rows)
}

func TestRunOrchestratorIsolatesDatabaseFailures(t *testing.T) {
	failing := newFixture(t, nil)
	failing.mock.ExpectQuery("SELECT now()").WillReturnError(assert.AnError)

	held := newFixture(t, compliance.NewChecker(holdSource{{
		Database: "ordersdb",
		Schema:   "public",
		Table:    "audit_log",
		StartsAt: time.Now().Add(-time.Hour),
	}}))
	held.mock.ExpectQuery("SELECT now()").WillReturnRows(
		sqlmock.NewRows([]string{"now"}).AddRow(time.Now()))

	locks, err := locking.NewFileManager(t.TempDir(), time.Hour)
	require.NoError(t, err)
	store := objstore.NewMemStore()
	run := &RunOrchestrator{
		Databases: []*DatabaseOrchestrator{
			{Name: "failing", DB: failing.orch.DB, Tables: []*TableOrchestrator{failing.orch}},
			{Name: "held", DB: held.orch.DB, Tables: []*TableOrchestrator{held.orch}},
		},
		Locks:   locks,
		Store:   store,
		Layout:  state.Layout{Prefix: "arc"},
		Metrics: metrics.New(),
	}

	summary, err := run.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TablesFailed)
	assert.Equal(t, 1, summary.TablesSkipped)
	assert.Equal(t, ExitPartialFailure, summary.ExitCode())

	// The summary document landed next to the audit trail.
	found := false
	for _, k := range store.Keys() {
		if strings.HasPrefix(k, "arc/audit/") && strings.Contains(k, "run_summary") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestExitCodes(t *testing.T) {
	assert.Equal(t, ExitOK, (&RunSummary{TablesSucceeded: 3}).ExitCode())
	assert.Equal(t, ExitPartialFailure, (&RunSummary{TablesSucceeded: 2, TablesFailed: 1}).ExitCode())
	assert.Equal(t, ExitTotalFailure, (&RunSummary{TablesFailed: 2}).ExitCode())
	assert.Equal(t, ExitLockHeld, ExitCodeFor(locking.ErrLockHeld))
	assert.Equal(t, ExitOK, ExitCodeFor(nil))
}
