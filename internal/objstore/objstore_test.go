package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldstore/archiver/internal/retry"
)

func fastRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 3, Base: time.Millisecond, Cap: 2 * time.Millisecond, Classify: IsRetryable}
}

func TestUploaderSinglePut(t *testing.T) {
	store := NewMemStore()
	up := NewUploader(store, UploaderOptions{Retry: fastRetry()})

	err := up.Upload(context.Background(), "a/b/data.jsonl.gz", []byte("payload"), PutOptions{ContentType: "application/gzip"})
	require.NoError(t, err)

	data, _, err := store.Get(context.Background(), "a/b/data.jsonl.gz")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
}

func TestUploaderRetriesTransientPutFailures(t *testing.T) {
	store := NewMemStore()
	calls := 0
	store.Fail = func(op, key string) error {
		if op == "put" {
			calls++
			if calls < 3 {
				return errors.New("connection reset")
			}
		}
		return nil
	}
	up := NewUploader(store, UploaderOptions{Retry: fastRetry()})
	err := up.Upload(context.Background(), "k", []byte("x"), PutOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestUploaderMultipartSplitsAndReassembles(t *testing.T) {
	store := NewMemStore()
	up := NewUploader(store, UploaderOptions{
		Retry:              fastRetry(),
		PartSize:           4,
		MultipartThreshold: 8,
	})

	payload := []byte("0123456789abcde") // 15 bytes -> parts of 4,4,4,3
	sink := &memSink{}
	up.sink = sink
	require.NoError(t, up.Upload(context.Background(), "big", payload, PutOptions{}))

	data, _, err := store.Get(context.Background(), "big")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, data))
	assert.Equal(t, 0, store.OpenUploads())
	// State persisted once per part, cleared at the end.
	assert.Equal(t, 4, sink.saves)
	assert.Equal(t, 1, sink.clears)
}

func TestUploaderSpoolsToFallbackAfterExhaustion(t *testing.T) {
	store := NewMemStore()
	store.Fail = func(op, key string) error {
		if op == "put" {
			return errors.New("unreachable")
		}
		return nil
	}
	fb, err := NewFallback(t.TempDir(), time.Hour)
	require.NoError(t, err)
	up := NewUploader(store, UploaderOptions{Retry: fastRetry(), Fallback: fb})

	err = up.Upload(context.Background(), "spooled/key", []byte("data"), PutOptions{ContentType: "application/json"})
	require.ErrorIs(t, err, ErrSpooled)

	entries, err := fb.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "spooled/key", entries[0].Key)

	// Store recovers; the next run re-uploads and drains the spool.
	store.Fail = nil
	recovered, remaining, err := up.RecoverFallback(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	assert.Equal(t, 0, remaining)

	data, _, err := store.Get(context.Background(), "spooled/key")
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), data)

	entries, err = fb.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFallbackPruneDiscardsStaleEntries(t *testing.T) {
	fb, err := NewFallback(t.TempDir(), time.Hour)
	require.NoError(t, err)
	require.NoError(t, fb.Save("old/key", []byte("x"), PutOptions{}))

	fb.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	pruned, err := fb.Prune()
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	entries, err := fb.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConditionalPutSemantics(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	tag1, err := store.PutIf(ctx, "manifest", []byte(`{"v":1}`), "", PutOptions{})
	require.NoError(t, err)

	// Absence precondition fails once the object exists.
	_, err = store.PutIf(ctx, "manifest", []byte(`{"v":2}`), "", PutOptions{})
	require.ErrorIs(t, err, ErrPrecondition)

	// Stale etag fails, current etag succeeds.
	_, err = store.PutIf(ctx, "manifest", []byte(`{"v":2}`), "\"bogus\"", PutOptions{})
	require.ErrorIs(t, err, ErrPrecondition)
	tag2, err := store.PutIf(ctx, "manifest", []byte(`{"v":2}`), tag1, PutOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, tag1, tag2)
}

func TestAbortAbandonedUploads(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	_, err := store.MultipartBegin(ctx, "stale/key", PutOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, store.OpenUploads())

	// Fresh uploads survive a 1h cutoff; everything does under a zero cutoff.
	n, err := AbortAbandonedUploads(ctx, store, "stale/", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = AbortAbandonedUploads(ctx, store, "stale/", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, store.OpenUploads())
}

func TestRateLimiterSlowDownHalvesAndRecovers(t *testing.T) {
	now := time.Unix(1000, 0)
	l := NewRateLimiter(100, 10, 5*time.Second)
	l.now = func() time.Time { return now }
	l.last = now

	assert.InDelta(t, 100.0, l.Rate(), 0.01)

	l.SlowDown()
	assert.InDelta(t, 50.0, l.Rate(), 0.01)
	l.SlowDown()
	assert.InDelta(t, 25.0, l.Rate(), 0.01)

	// Inside the cool-down the rate holds.
	now = now.Add(2 * time.Second)
	assert.InDelta(t, 25.0, l.Rate(), 0.01)

	// After the cool-down it climbs back toward base.
	now = now.Add(10 * time.Second)
	r1 := l.Rate()
	assert.Greater(t, r1, 25.0)
	now = now.Add(60 * time.Second)
	assert.InDelta(t, 100.0, l.Rate(), 0.01)
}

func TestRateLimiterFloor(t *testing.T) {
	l := NewRateLimiter(16, 4, time.Minute)
	for i := 0; i < 10; i++ {
		l.SlowDown()
	}
	assert.GreaterOrEqual(t, l.Rate(), 1.0)
}

func TestIsRetryableClassification(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(context.Canceled))
	assert.False(t, IsRetryable(fmt.Errorf("wrap: %w", ErrNotFound)))
	assert.False(t, IsRetryable(fmt.Errorf("wrap: %w", ErrPrecondition)))
	assert.False(t, IsRetryable(fmt.Errorf("wrap: %w", ErrBreakerOpen)))
	assert.True(t, IsRetryable(errors.New("connection reset by peer")))
}

type memSink struct {
	saves  int
	clears int
}

func (s *memSink) SaveMultipart(MultipartState) error { s.saves++; return nil }
func (s *memSink) ClearMultipart(string) error        { s.clears++; return nil }
