package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldstore/archiver/internal/objstore"
	"github.com/coldstore/archiver/internal/state"
)

func TestS3SinkWritesPartitionedKey(t *testing.T) {
	store := objstore.NewMemStore()
	sink := &S3Sink{Store: store, Layout: state.Layout{Prefix: "archive"}}

	ev := NewEvent(KindArchiveStart, "archiver")
	ev.Timestamp = time.Date(2025, 6, 15, 3, 0, 0, 0, time.UTC)
	ev = ev.WithTarget("ordersdb", "public", "audit_log")
	require.NoError(t, sink.Emit(context.Background(), ev))

	keys := store.Keys()
	require.Len(t, keys, 1)
	assert.Contains(t, keys[0], "archive/audit/year=2025/month=06/day=15/")
	assert.Contains(t, keys[0], "_archive_start.json")

	data, _, err := store.Get(context.Background(), keys[0])
	require.NoError(t, err)
	var got Event
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, KindArchiveStart, got.Kind)
	assert.Equal(t, "audit_log", got.Table)
	assert.Equal(t, "ok", got.Status)
}

func TestPGSinkInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO archiver_audit_events").
		WillReturnResult(sqlmock.NewResult(0, 1))

	sink := &PGSink{DB: db}
	ev := NewEvent(KindArchiveBatchSuccess, "archiver").WithTarget("db", "public", "t")
	ev.RowCount = 250
	require.NoError(t, sink.Emit(context.Background(), ev))
	require.NoError(t, mock.ExpectationsWereMet())
}

type failingSink struct{ calls int }

func (f *failingSink) Emit(context.Context, Event) error { f.calls++; return errors.New("down") }
func (f *failingSink) Close() error                      { return nil }

func TestTrailFanOutToleratesSinkFailure(t *testing.T) {
	store := objstore.NewMemStore()
	good := &S3Sink{Store: store, Layout: state.Layout{}}
	bad := &failingSink{}
	trail := NewTrail(bad, good)

	trail.Emit(context.Background(), NewEvent(KindArchiveSuccess, "archiver"))

	assert.Equal(t, 1, bad.calls)
	assert.Len(t, store.Keys(), 1, "healthy sink still receives the event")
}

func TestEventBuilders(t *testing.T) {
	ev := NewEvent(KindArchiveFailure, "archiver").
		WithTarget("db", "s", "t").
		WithError(errors.New("count mismatch"))
	assert.Equal(t, "error", ev.Status)
	assert.Equal(t, "count mismatch", ev.Error)
	assert.NotEmpty(t, ev.ID)
	assert.False(t, ev.Timestamp.IsZero())
}
