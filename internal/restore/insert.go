package restore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/coldstore/archiver/internal/codec"
	"github.com/coldstore/archiver/internal/sourcedb"
)

// inserter writes decoded rows back into the target table inside one
// transaction per restored object, applying the conflict strategy in SQL.
type inserter struct {
	db       *sourcedb.DB
	schema   string
	table    string
	pkColumn string
	columns  []restoreColumn
	conflict string

	tx *sql.Tx
}

func (i *inserter) begin(ctx context.Context) error {
	tx, err := i.db.Pool().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin restore tx: %w", err)
	}
	i.tx = tx
	return nil
}

func (i *inserter) commit() error {
	if err := i.tx.Commit(); err != nil {
		return fmt.Errorf("commit restore tx: %w", err)
	}
	return nil
}

func (i *inserter) rollback() {
	if i.tx != nil {
		i.tx.Rollback()
	}
}

func (i *inserter) target() string {
	return pq.QuoteIdentifier(i.schema) + "." + pq.QuoteIdentifier(i.table)
}

// insert writes one chunk of rows. Overwrite mode deletes the incoming keys
// first so the insert never conflicts.
func (i *inserter) insert(ctx context.Context, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	if i.conflict == ConflictOverwrite {
		if err := i.deleteIncoming(ctx, rows); err != nil {
			return err
		}
	}

	cols := make([]string, len(i.columns))
	for n, c := range i.columns {
		cols[n] = pq.QuoteIdentifier(c.Target)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", i.target(), strings.Join(cols, ", "))
	args := make([]any, 0, len(rows)*len(i.columns))
	for n, row := range rows {
		if n > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for m, v := range row {
			if m > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", len(args)+1)
			args = append(args, v)
		}
		b.WriteByte(')')
	}

	switch i.conflict {
	case ConflictSkip:
		b.WriteString(" ON CONFLICT DO NOTHING")
	case ConflictUpsert:
		fmt.Fprintf(&b, " ON CONFLICT (%s) DO UPDATE SET ", pq.QuoteIdentifier(i.pkColumn))
		first := true
		for _, c := range i.columns {
			if c.Target == i.pkColumn {
				continue
			}
			if !first {
				b.WriteString(", ")
			}
			first = false
			q := pq.QuoteIdentifier(c.Target)
			fmt.Fprintf(&b, "%s = EXCLUDED.%s", q, q)
		}
	case ConflictFail, ConflictOverwrite, "":
		// Plain insert; a conflict surfaces as a unique violation.
	default:
		return fmt.Errorf("unknown conflict strategy %q", i.conflict)
	}

	if _, err := i.tx.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("insert %d rows into %s: %w", len(rows), i.target(), err)
	}
	return nil
}

func (i *inserter) deleteIncoming(ctx context.Context, rows [][]any) error {
	pkIdx := -1
	for n, c := range i.columns {
		if c.Target == i.pkColumn {
			pkIdx = n
			break
		}
	}
	if pkIdx < 0 {
		return fmt.Errorf("overwrite restore needs primary key column %s in the archive", i.pkColumn)
	}
	keys := make([]string, len(rows))
	for n, row := range rows {
		k, err := codec.PrimaryKeyString(row[pkIdx])
		if err != nil {
			return fmt.Errorf("overwrite delete key: %w", err)
		}
		keys[n] = k
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = ANY($1)", i.target(), pq.QuoteIdentifier(i.pkColumn))
	if _, err := i.tx.ExecContext(ctx, stmt, pq.Array(keys)); err != nil {
		return fmt.Errorf("overwrite delete: %w", err)
	}
	return nil
}
