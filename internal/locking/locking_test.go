package locking

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLockExclusive(t *testing.T) {
	mgr, err := NewFileManager(t.TempDir(), time.Hour)
	require.NoError(t, err)
	ctx := context.Background()

	l1, err := mgr.AcquireRun(ctx)
	require.NoError(t, err)

	_, err = mgr.AcquireRun(ctx)
	require.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, l1.Release(ctx))

	l2, err := mgr.AcquireRun(ctx)
	require.NoError(t, err)
	require.NoError(t, l2.Release(ctx))
}

func TestFileLockTableLocksIndependent(t *testing.T) {
	mgr, err := NewFileManager(t.TempDir(), time.Hour)
	require.NoError(t, err)
	ctx := context.Background()

	a, err := mgr.AcquireTable(ctx, "db", "public", "a")
	require.NoError(t, err)
	b, err := mgr.AcquireTable(ctx, "db", "public", "b")
	require.NoError(t, err)

	_, err = mgr.AcquireTable(ctx, "db", "public", "a")
	require.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, a.Release(ctx))
	require.NoError(t, b.Release(ctx))
}

func TestFileLockStaleBreaking(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewFileManager(dir, time.Minute)
	require.NoError(t, err)
	ctx := context.Background()

	// Plant a lock whose heartbeat stopped long ago.
	rec := lockRecord{
		PID:         999999,
		Host:        "deadhost",
		AcquiredAt:  time.Now().Add(-time.Hour),
		HeartbeatAt: time.Now().Add(-time.Hour),
		TTLSeconds:  60,
	}
	data, _ := json.Marshal(rec)
	path := filepath.Join(dir, "archiver.run.lock")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	l, err := mgr.AcquireRun(ctx)
	require.NoError(t, err, "stale lock should be broken")
	require.NoError(t, l.Release(ctx))
}

func TestFileLockFreshForeignLockNotBroken(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewFileManager(dir, time.Minute)
	require.NoError(t, err)

	rec := lockRecord{
		PID:         999999,
		Host:        "otherhost",
		AcquiredAt:  time.Now(),
		HeartbeatAt: time.Now(),
		TTLSeconds:  60,
	}
	data, _ := json.Marshal(rec)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "archiver.run.lock"), data, 0o644))

	_, err = mgr.AcquireRun(context.Background())
	require.ErrorIs(t, err, ErrLockHeld)
}

func TestFileLockCorruptRecordTreatedStale(t *testing.T) {
	dir := t.TempDir()
	mgr, err := NewFileManager(dir, time.Minute)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "archiver.run.lock"), []byte("not json"), 0o644))

	l, err := mgr.AcquireRun(context.Background())
	require.NoError(t, err)
	require.NoError(t, l.Release(context.Background()))
}

func TestPGLockAcquireAndRelease(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("pg_try_advisory_lock").
		WillReturnRows(sqlmock.NewRows([]string{"ok"}).AddRow(true))
	mock.ExpectQuery("pg_advisory_unlock").
		WillReturnRows(sqlmock.NewRows([]string{"ok"}).AddRow(true))

	mgr := NewPGManager(db, time.Hour) // heartbeat never fires in this test
	l, err := mgr.AcquireRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "archiver/run", l.Name())
	require.NoError(t, l.Release(context.Background()))
}

func TestPGLockHeldByOther(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("pg_try_advisory_lock").
		WillReturnRows(sqlmock.NewRows([]string{"ok"}).AddRow(false))

	mgr := NewPGManager(db, time.Hour)
	_, err = mgr.AcquireTable(context.Background(), "db", "public", "t")
	require.ErrorIs(t, err, ErrLockHeld)
}

func TestLockKeyStable(t *testing.T) {
	k1 := lockKey("archiver/db/public/t")
	k2 := lockKey("archiver/db/public/t")
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, lockKey("archiver/db/public/u"))
}
