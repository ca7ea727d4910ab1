// Package locking provides the two mutual-exclusion layers: a process-wide
// single-instance lock and per-table locks, with heartbeats and stale-lock
// detection. Backends: Postgres advisory locks and local lock files.
package locking

import (
	"context"
	"errors"
	"fmt"
)

// ErrLockHeld means another holder owns the lock; the caller exits with the
// lock-not-acquired code instead of waiting.
var ErrLockHeld = errors.New("locking: lock already held")

// Lock is one held lock. Lost is closed if the backend detects the lock can
// no longer be defended (connection loss, heartbeat failure); holders must
// stop side effects when that happens.
type Lock interface {
	Release(ctx context.Context) error
	Lost() <-chan struct{}
	Name() string
}

// Manager acquires locks. One Manager instance serves the whole run.
type Manager interface {
	// AcquireRun takes the process-wide single-instance lock.
	AcquireRun(ctx context.Context) (Lock, error)
	// AcquireTable takes the per-table lock.
	AcquireTable(ctx context.Context, database, schema, table string) (Lock, error)
}

func runLockName() string { return "archiver/run" }

func tableLockName(database, schema, table string) string {
	return fmt.Sprintf("archiver/%s/%s/%s", database, schema, table)
}
