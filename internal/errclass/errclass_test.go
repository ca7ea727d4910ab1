package errclass

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassOfWalksWrapChain(t *testing.T) {
	base := Newf(BatchTransient, "connection reset")
	wrapped := fmt.Errorf("upload part 3: %w", fmt.Errorf("s3: %w", base))

	assert.Equal(t, BatchTransient, ClassOf(wrapped))
	assert.True(t, IsTransient(wrapped))
}

func TestClassOfUnclassified(t *testing.T) {
	assert.Equal(t, Unclassified, ClassOf(errors.New("plain")))
	assert.False(t, IsTransient(errors.New("plain")))
	assert.Equal(t, Unclassified, ClassOf(nil))
}

func TestErrorStringCarriesContext(t *testing.T) {
	err := Newf(BatchPermanent, "count mismatch: db=100 object=99").
		WithTarget("ordersdb", "public", "audit_log").
		WithBatch(7, "abcd1234").
		WithPhase("verify")

	s := err.Error()
	assert.Contains(t, s, "BATCH_ERROR_PERMANENT")
	assert.Contains(t, s, "db=ordersdb")
	assert.Contains(t, s, "table=public.audit_log")
	assert.Contains(t, s, "batch=7")
	assert.Contains(t, s, "fingerprint=abcd1234")
	assert.Contains(t, s, "phase=verify")
	assert.Contains(t, s, "count mismatch")
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("deadlock detected")
	err := New(BatchTransient, cause).WithTarget("db", "s", "t")
	require.ErrorIs(t, err, cause)
}

func TestPromoteKeepsContext(t *testing.T) {
	orig := Newf(BatchTransient, "timeout").
		WithTarget("ordersdb", "public", "events").
		WithBatch(3, "fp")

	promoted := Promote(orig)
	var ce *Error
	require.ErrorAs(t, promoted, &ce)
	assert.Equal(t, Table, ce.Class)
	assert.Equal(t, "ordersdb", ce.Database)
	assert.Equal(t, 3, ce.Batch)

	// The original stays reachable through the wrap chain.
	require.ErrorIs(t, promoted, orig)
	assert.Equal(t, Table, ClassOf(promoted))
}

func TestPromotePlainError(t *testing.T) {
	cause := errors.New("boom")
	promoted := Promote(cause)
	assert.Equal(t, Table, ClassOf(promoted))
	require.ErrorIs(t, promoted, cause)
}

func TestClassString(t *testing.T) {
	assert.Equal(t, "FATAL", Fatal.String())
	assert.Equal(t, "TABLE_ERROR", Table.String())
	assert.Equal(t, "BATCH_ERROR_TRANSIENT", BatchTransient.String())
	assert.Equal(t, "BATCH_ERROR_PERMANENT", BatchPermanent.String())
	assert.Equal(t, "WARNING", Warning.String())
	assert.Equal(t, "UNCLASSIFIED", Unclassified.String())
}
