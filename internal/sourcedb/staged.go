package sourcedb

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"

	"github.com/coldstore/archiver/internal/errclass"
)

// StagedTable is the side table recording primary keys awaiting deferred
// deletion when deletion_mode is "staged".
const StagedTable = "archiver_staged_deletions"

// EnsureStagedTable creates the side table if missing.
func (d *DB) EnsureStagedTable(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			schema_name text NOT NULL,
			table_name  text NOT NULL,
			pk          text NOT NULL,
			fingerprint text NOT NULL,
			staged_at   timestamptz NOT NULL DEFAULT now(),
			PRIMARY KEY (schema_name, table_name, pk)
		)`, quoteIdent(StagedTable)))
	if err != nil {
		return errclass.New(errclass.Fatal, fmt.Errorf("ensure staged-deletion table: %w", err))
	}
	return nil
}

// StageKeys records the batch's primary keys for deferred deletion instead of
// deleting them. Runs inside the batch transaction so the stage commits with
// the rest of the batch.
func (b *BatchTx) StageKeys(ctx context.Context, schema, table, fingerprint string, keys []string) error {
	_, err := b.tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (schema_name, table_name, pk, fingerprint)
		SELECT $1, $2, unnest($3::text[]), $4
		ON CONFLICT (schema_name, table_name, pk) DO NOTHING`, quoteIdent(StagedTable)),
		schema, table, pq.Array(keys), fingerprint)
	if err != nil {
		return errclass.New(classifyPG(err), fmt.Errorf("stage deletion keys: %w", err)).WithPhase("delete")
	}
	return nil
}

// DeleteStaged removes rows whose keys were staged at least delay ago, then
// clears those stage records. Returns the number of source rows deleted.
func (d *DB) DeleteStaged(ctx context.Context, schema, table, pkColumn string, delay time.Duration, statementTimeout time.Duration) (int64, error) {
	btx, err := d.BeginBatch(ctx, statementTimeout)
	if err != nil {
		return 0, err
	}
	defer btx.Rollback()

	rows, err := btx.tx.QueryContext(ctx, fmt.Sprintf(`
		SELECT pk FROM %s
		WHERE schema_name = $1 AND table_name = $2 AND staged_at <= now() - $3::interval
		FOR UPDATE SKIP LOCKED`, quoteIdent(StagedTable)),
		schema, table, fmt.Sprintf("%d seconds", int(delay.Seconds())))
	if err != nil {
		return 0, errclass.New(classifyPG(err), fmt.Errorf("select due staged keys: %w", err))
	}
	var keys []string
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan staged key: %w", err)
		}
		keys = append(keys, pk)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterate staged keys: %w", err)
	}
	rows.Close()
	if len(keys) == 0 {
		return 0, btx.Commit()
	}

	deleted, err := btx.DeleteByPK(ctx, schema, table, pkColumn, keys)
	if err != nil {
		return 0, err
	}
	if _, err := btx.tx.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE schema_name = $1 AND table_name = $2 AND pk = ANY($3)`,
		quoteIdent(StagedTable)), schema, table, pq.Array(keys)); err != nil {
		return 0, errclass.New(classifyPG(err), fmt.Errorf("clear staged keys: %w", err))
	}
	if err := btx.Commit(); err != nil {
		return 0, err
	}
	log.Printf("[sourcedb] %s: deleted %d staged rows from %s.%s", d.name, deleted, schema, table)
	return deleted, nil
}
