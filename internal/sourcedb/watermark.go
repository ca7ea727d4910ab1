package sourcedb

import (
	"context"
	"fmt"
	"time"
)

// WatermarkMirrorTable duplicates watermarks into the database when
// watermark_storage is "database" or "both". The object-store document stays
// authoritative; the table exists for operator queries and belt-and-braces
// recovery.
const WatermarkMirrorTable = "archiver_watermarks"

// EnsureWatermarkTable creates the mirror table if missing.
func (d *DB) EnsureWatermarkTable(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			database_name  text NOT NULL,
			schema_name    text NOT NULL,
			table_name     text NOT NULL,
			last_ts        timestamptz NOT NULL,
			last_pk        text NOT NULL,
			cumulative_rows bigint NOT NULL,
			updated_at     timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (database_name, schema_name, table_name)
		)`, quoteIdent(WatermarkMirrorTable)))
	if err != nil {
		return fmt.Errorf("ensure watermark mirror table: %w", err)
	}
	return nil
}

// UpsertWatermark writes one mirror row; implements state.Mirror.
func (d *DB) UpsertWatermark(ctx context.Context, database, schema, table string, lastTS time.Time, lastPK string, cumulativeRows int64) error {
	_, err := d.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (database_name, schema_name, table_name, last_ts, last_pk, cumulative_rows, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (database_name, schema_name, table_name)
		DO UPDATE SET last_ts = EXCLUDED.last_ts, last_pk = EXCLUDED.last_pk,
			cumulative_rows = EXCLUDED.cumulative_rows, updated_at = now()`,
		quoteIdent(WatermarkMirrorTable)),
		database, schema, table, lastTS, lastPK, cumulativeRows)
	if err != nil {
		return fmt.Errorf("upsert watermark mirror: %w", err)
	}
	return nil
}
