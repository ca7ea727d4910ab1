// Package audit records the append-only trail of archive and restore
// activity. Events fan out to the configured sinks: object store, a
// dedicated database table, and optionally Kafka.
package audit

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
)

// Event kinds.
const (
	KindArchiveStart        = "ARCHIVE_START"
	KindArchiveBatchSuccess = "ARCHIVE_BATCH_SUCCESS"
	KindArchiveSuccess      = "ARCHIVE_SUCCESS"
	KindArchiveFailure      = "ARCHIVE_FAILURE"
	KindSkipLegalHold       = "SKIP_LEGAL_HOLD"
	KindRestoreStart        = "RESTORE_START"
	KindRestoreSuccess      = "RESTORE_SUCCESS"
	KindRestoreFailure      = "RESTORE_FAILURE"
	KindError               = "ERROR"
)

// Event is one immutable audit record. Never modified after emission.
type Event struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Actor      string            `json:"actor"`
	Kind       string            `json:"kind"`
	Database   string            `json:"database,omitempty"`
	Schema     string            `json:"schema,omitempty"`
	Table      string            `json:"table,omitempty"`
	RowCount   int64             `json:"row_count,omitempty"`
	DurationMS int64             `json:"duration_ms,omitempty"`
	Status     string            `json:"status"`
	Error      string            `json:"error,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
}

// NewEvent stamps identity and time onto an event skeleton.
func NewEvent(kind, actor string) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		Kind:      kind,
		Status:    "ok",
	}
}

// WithTarget sets the table target.
func (e Event) WithTarget(database, schema, table string) Event {
	e.Database, e.Schema, e.Table = database, schema, table
	return e
}

// WithError marks the event failed.
func (e Event) WithError(err error) Event {
	e.Status = "error"
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// Sink persists events. Sink failures are logged, never fatal: the archiver
// must not lose data-plane progress because the audit path hiccuped.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
	Close() error
}

// Trail fans events out to all configured sinks.
type Trail struct {
	sinks []Sink
}

// NewTrail builds the fan-out. With no sinks the trail is a no-op.
func NewTrail(sinks ...Sink) *Trail {
	return &Trail{sinks: sinks}
}

// Emit sends ev to every sink, logging individual failures.
func (t *Trail) Emit(ctx context.Context, ev Event) {
	for _, s := range t.sinks {
		if err := s.Emit(ctx, ev); err != nil {
			log.Printf("[audit] emit %s to sink failed: %v", ev.Kind, err)
		}
	}
}

// Close closes every sink.
func (t *Trail) Close() error {
	var first error
	for _, s := range t.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
