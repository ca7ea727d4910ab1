package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/coldstore/archiver/internal/objstore"
	"github.com/coldstore/archiver/internal/state"
)

// S3Sink writes one JSON object per event under
// <prefix>/audit/year=YYYY/month=MM/day=DD/<epoch>_<kind>.json.
type S3Sink struct {
	Store  objstore.Store
	Layout state.Layout
}

func (s *S3Sink) Emit(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	key := s.Layout.AuditKey(ev.Timestamp, ev.Kind)
	if err := s.Store.Put(ctx, key, data, objstore.PutOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("store audit event: %w", err)
	}
	return nil
}

func (s *S3Sink) Close() error { return nil }

// PGSink appends events to a dedicated table
// (audit_trail_storage_type: database|both).
type PGSink struct {
	DB *sql.DB
}

// EnsureTable creates the audit table if missing.
func (s *PGSink) EnsureTable(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS archiver_audit_events (
			id            uuid PRIMARY KEY,
			ts            timestamptz NOT NULL,
			actor         text NOT NULL,
			kind          text NOT NULL,
			database_name text,
			schema_name   text,
			table_name    text,
			row_count     bigint,
			duration_ms   bigint,
			status        text NOT NULL,
			error_summary text,
			details       jsonb
		)`)
	if err != nil {
		return fmt.Errorf("ensure audit table: %w", err)
	}
	return nil
}

func (s *PGSink) Emit(ctx context.Context, ev Event) error {
	var details []byte
	if ev.Details != nil {
		var err error
		details, err = json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("encode audit details: %w", err)
		}
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO archiver_audit_events
			(id, ts, actor, kind, database_name, schema_name, table_name,
			 row_count, duration_ms, status, error_summary, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		ev.ID, ev.Timestamp, ev.Actor, ev.Kind, ev.Database, ev.Schema, ev.Table,
		ev.RowCount, ev.DurationMS, ev.Status, ev.Error, details)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PGSink) Close() error { return nil }

// KafkaSink mirrors events onto a topic for downstream consumers. Messages
// key on the table target so per-table ordering holds.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink builds the sink.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, fmt.Errorf("kafka sink requires brokers and topic")
	}
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		Async:        false,
	})
	return &KafkaSink{writer: w}, nil
}

func (s *KafkaSink) Emit(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	key := []byte(ev.Database + "/" + ev.Schema + "/" + ev.Table)
	msg := kafka.Message{Key: key, Value: value, Time: ev.Timestamp}

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.writer.WriteMessages(writeCtx, msg); err != nil {
		return fmt.Errorf("produce audit event: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	if s == nil || s.writer == nil {
		return nil
	}
	return s.writer.Close()
}
