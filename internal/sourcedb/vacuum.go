package sourcedb

import (
	"context"
	"fmt"
	"log"
	"time"
)

// VacuumStrategy selects the post-archive maintenance statement.
type VacuumStrategy string

const (
	VacuumNone     VacuumStrategy = "none"
	VacuumAnalyze  VacuumStrategy = "analyze"
	VacuumStandard VacuumStrategy = "standard"
	VacuumFull     VacuumStrategy = "full"
)

// Vacuum runs the configured maintenance after a table finishes. VACUUM
// cannot run inside a transaction, so it executes on a pool connection. An
// ineffective or failed vacuum is logged, never fatal.
func (d *DB) Vacuum(ctx context.Context, schema, table string, strategy VacuumStrategy, timeout time.Duration) error {
	var stmt string
	switch strategy {
	case VacuumNone, "":
		return nil
	case VacuumAnalyze:
		stmt = "ANALYZE " + qualify(schema, table)
	case VacuumStandard:
		stmt = "VACUUM (ANALYZE) " + qualify(schema, table)
	case VacuumFull:
		stmt = "VACUUM (FULL, ANALYZE) " + qualify(schema, table)
	default:
		return fmt.Errorf("unknown vacuum strategy %q", strategy)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	start := time.Now()
	if _, err := d.db.ExecContext(ctx, stmt); err != nil {
		log.Printf("[sourcedb] %s: vacuum %s.%s (%s) failed: %v", d.name, schema, table, strategy, err)
		return nil
	}
	log.Printf("[sourcedb] %s: vacuum %s.%s (%s) completed in %s",
		d.name, schema, table, strategy, time.Since(start).Round(time.Millisecond))
	return nil
}

// TableBytes reports the table's total on-disk size; the run summary uses
// before/after readings for the space-reclaimed figure.
func (d *DB) TableBytes(ctx context.Context, schema, table string) (int64, error) {
	var size int64
	err := d.db.QueryRowContext(ctx,
		"SELECT pg_total_relation_size(($1 || '.' || $2)::regclass)",
		quoteIdent(schema), quoteIdent(table)).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("table size of %s.%s: %w", schema, table, err)
	}
	return size, nil
}
