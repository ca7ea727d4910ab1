package sourcedb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/coldstore/archiver/internal/codec"
	"github.com/coldstore/archiver/internal/errclass"
)

func quoteIdent(name string) string { return pq.QuoteIdentifier(name) }

// qualify renders a schema-qualified, quoted table reference.
func qualify(schema, table string) string {
	return quoteIdent(schema) + "." + quoteIdent(table)
}

// BatchQuery describes one batch's candidate rows.
type BatchQuery struct {
	Schema   string
	Table    string
	TsColumn string
	PKColumn string

	// Cutoff is the exclusive upper bound: only rows with ts < Cutoff.
	Cutoff time.Time

	// (LoTS, LoPK) is the exclusive lower cursor from the watermark or the
	// previous batch. LoPK == "" means no cursor yet.
	LoTS time.Time
	LoPK string

	Limit int

	// HoldPredicate is an extra WHERE fragment excluding rows under a
	// record-level legal hold. The compliance checker screens it before it
	// reaches the adapter; empty means no hold.
	HoldPredicate string
}

func (q BatchQuery) where() (string, []any) {
	var b strings.Builder
	args := []any{q.Cutoff}
	fmt.Fprintf(&b, "%s < $1", quoteIdent(q.TsColumn))
	if q.LoPK != "" {
		fmt.Fprintf(&b, " AND (%s > $2 OR (%s = $2 AND %s > $3))",
			quoteIdent(q.TsColumn), quoteIdent(q.TsColumn), quoteIdent(q.PKColumn))
		args = append(args, q.LoTS, q.LoPK)
	}
	if q.HoldPredicate != "" {
		fmt.Fprintf(&b, " AND NOT (%s)", q.HoldPredicate)
	}
	return b.String(), args
}

// BatchTx scopes one batch's transaction. The pipeline is its only writer.
type BatchTx struct {
	tx *sql.Tx
}

// BeginBatch opens the batch transaction and applies the statement timeout to
// it with SET LOCAL, so a runaway statement can never hold locks past the
// configured bound.
func (d *DB) BeginBatch(ctx context.Context, statementTimeout time.Duration) (*BatchTx, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errclass.New(errclass.BatchTransient, fmt.Errorf("begin batch tx: %w", err))
	}
	if statementTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL statement_timeout = %d", statementTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return nil, errclass.New(errclass.BatchTransient, fmt.Errorf("set statement timeout: %w", err))
		}
	}
	return &BatchTx{tx: tx}, nil
}

// Commit commits the batch transaction.
func (b *BatchTx) Commit() error {
	if err := b.tx.Commit(); err != nil {
		return errclass.New(errclass.BatchTransient, fmt.Errorf("commit batch tx: %w", err))
	}
	return nil
}

// Rollback rolls the batch back; safe to call after Commit.
func (b *BatchTx) Rollback() error {
	if err := b.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("rollback batch tx: %w", err)
	}
	return nil
}

// Savepoint creates a named savepoint inside the batch transaction.
func (b *BatchTx) Savepoint(ctx context.Context, name string) error {
	if _, err := b.tx.ExecContext(ctx, "SAVEPOINT "+quoteIdent(name)); err != nil {
		return errclass.New(errclass.BatchTransient, fmt.Errorf("savepoint %s: %w", name, err))
	}
	return nil
}

// ReleaseSavepoint releases a savepoint after the guarded work succeeded.
func (b *BatchTx) ReleaseSavepoint(ctx context.Context, name string) error {
	if _, err := b.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+quoteIdent(name)); err != nil {
		return errclass.New(errclass.BatchTransient, fmt.Errorf("release savepoint %s: %w", name, err))
	}
	return nil
}

// RollbackToSavepoint undoes the guarded work, keeping the transaction alive.
func (b *BatchTx) RollbackToSavepoint(ctx context.Context, name string) error {
	if _, err := b.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+quoteIdent(name)); err != nil {
		return errclass.New(errclass.BatchTransient, fmt.Errorf("rollback to savepoint %s: %w", name, err))
	}
	return nil
}

// CountEligible counts the rows the locking select will return (n_db). Runs
// inside the batch transaction so both statements see the same snapshot.
func (b *BatchTx) CountEligible(ctx context.Context, q BatchQuery) (int, error) {
	where, args := q.where()
	query := fmt.Sprintf(
		"SELECT count(*) FROM (SELECT %s FROM %s WHERE %s ORDER BY %s, %s LIMIT %d) sub",
		quoteIdent(q.PKColumn), qualify(q.Schema, q.Table), where,
		quoteIdent(q.TsColumn), quoteIdent(q.PKColumn), q.Limit)
	var n int
	if err := b.tx.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errclass.New(classifyPG(err), fmt.Errorf("count eligible rows: %w", err)).WithPhase("fetch")
	}
	return n, nil
}

// SelectBatch executes the locking select and returns normalized rows plus
// the primary keys in fetch order. SKIP LOCKED keeps the archiver from ever
// blocking an application write.
func (b *BatchTx) SelectBatch(ctx context.Context, q BatchQuery, cols []Column) ([]codec.Row, []string, error) {
	where, args := q.where()
	query := fmt.Sprintf(
		"SELECT * FROM %s WHERE %s ORDER BY %s, %s LIMIT %d FOR UPDATE SKIP LOCKED",
		qualify(q.Schema, q.Table), where,
		quoteIdent(q.TsColumn), quoteIdent(q.PKColumn), q.Limit)

	rows, err := b.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, errclass.New(classifyPG(err), fmt.Errorf("select batch: %w", err)).WithPhase("fetch")
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("batch columns: %w", err)
	}
	types := typeIndex(cols)

	var out []codec.Row
	var pks []string
	dest := make([]any, len(names))
	for i := range dest {
		dest[i] = new(any)
	}
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, nil, fmt.Errorf("scan batch row: %w", err)
		}
		row := make(codec.Row, len(names))
		for i, name := range names {
			v, err := normalizeValue(*(dest[i].(*any)), types[name])
			if err != nil {
				return nil, nil, errclass.New(errclass.BatchPermanent,
					fmt.Errorf("column %s: %w", name, err)).WithPhase("fetch")
			}
			row[name] = v
		}
		pk, err := codec.PrimaryKeyString(row[q.PKColumn])
		if err != nil {
			return nil, nil, errclass.New(errclass.BatchPermanent, err).WithPhase("fetch")
		}
		out = append(out, row)
		pks = append(pks, pk)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, errclass.New(classifyPG(err), fmt.Errorf("iterate batch: %w", err)).WithPhase("fetch")
	}
	return out, pks, nil
}

// DeleteSQL is the parameterised delete statement text; exported because its
// digest is recorded in the deletion manifest.
func DeleteSQL(schema, table, pkColumn string) string {
	return fmt.Sprintf("DELETE FROM %s WHERE %s = ANY($1)",
		qualify(schema, table), quoteIdent(pkColumn))
}

// DeleteByPK deletes the batch rows by primary-key set and returns the
// affected count. Callers assert it equals n_db before committing.
func (b *BatchTx) DeleteByPK(ctx context.Context, schema, table, pkColumn string, keys []string) (int64, error) {
	res, err := b.tx.ExecContext(ctx, DeleteSQL(schema, table, pkColumn), pq.Array(keys))
	if err != nil {
		return 0, errclass.New(classifyPG(err), fmt.Errorf("delete batch rows: %w", err)).WithPhase("delete")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete rows affected: %w", err)
	}
	return n, nil
}

// ExistingKeys returns which of the given primary keys are still present,
// for the post-delete sample absence check.
func (d *DB) ExistingKeys(ctx context.Context, schema, table, pkColumn string, keys []string) ([]string, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ANY($1)",
		quoteIdent(pkColumn), qualify(schema, table), quoteIdent(pkColumn))
	rows, err := d.db.QueryContext(ctx, query, pq.Array(keys))
	if err != nil {
		return nil, fmt.Errorf("sample absence query: %w", err)
	}
	defer rows.Close()
	var present []string
	for rows.Next() {
		var raw any
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan sample key: %w", err)
		}
		v, err := normalizeValue(raw, "")
		if err != nil {
			return nil, err
		}
		pk, err := codec.PrimaryKeyString(v)
		if err != nil {
			return nil, err
		}
		present = append(present, pk)
	}
	return present, rows.Err()
}

func typeIndex(cols []Column) map[string]string {
	m := make(map[string]string, len(cols))
	for _, c := range cols {
		m[c.Name] = c.DataType
	}
	return m
}

// classifyPG maps Postgres failures onto the retry taxonomy: deadlocks,
// serialization failures, timeouts and connection loss retry; everything
// else is permanent for this batch.
func classifyPG(err error) errclass.Class {
	if pqErr, ok := err.(*pq.Error); ok {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return errclass.BatchTransient
		case "57014": // query_canceled (statement timeout)
			return errclass.BatchTransient
		case "53300", "53400": // too_many_connections, configuration_limit_exceeded
			return errclass.BatchTransient
		case "42P01", "42703": // undefined_table, undefined_column
			return errclass.Table
		case "28000", "28P01", "42501": // auth / privilege
			return errclass.Table
		}
		if strings.HasPrefix(string(pqErr.Code), "08") { // connection exceptions
			return errclass.BatchTransient
		}
		return errclass.BatchPermanent
	}
	if err == sql.ErrConnDone || err == context.DeadlineExceeded {
		return errclass.BatchTransient
	}
	return errclass.BatchPermanent
}
