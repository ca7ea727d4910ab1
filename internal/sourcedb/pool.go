// Package sourcedb is the source-database adapter: connection pooling,
// schema introspection, batch select with FOR UPDATE SKIP LOCKED, batch
// delete by primary-key set, transaction scope with statement timeout, and
// vacuum invocation.
package sourcedb

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/coldstore/archiver/internal/errclass"
)

// DB wraps one logical database's pool.
type DB struct {
	db   *sql.DB
	name string
}

// Open connects and sizes the pool. The caller owns Close.
func Open(name, dsn string, poolSize int) (*DB, error) {
	if poolSize <= 0 {
		poolSize = 5
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errclass.New(errclass.Fatal, fmt.Errorf("open %s: %w", name, err)).WithTarget(name, "", "")
	}
	db.SetMaxOpenConns(poolSize)
	db.SetMaxIdleConns(poolSize)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &DB{db: db, name: name}, nil
}

// Wrap adopts an existing pool (tests use sqlmock through this).
func Wrap(name string, db *sql.DB) *DB {
	return &DB{db: db, name: name}
}

// Name returns the logical database name.
func (d *DB) Name() string { return d.name }

// Pool exposes the raw pool for components that hold dedicated connections,
// such as advisory locks.
func (d *DB) Pool() *sql.DB { return d.db }

// Ping verifies connectivity.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close releases the pool.
func (d *DB) Close() error { return d.db.Close() }

// ServerTime reads the source server's clock. Cutoffs are always computed
// from server time, never the client's.
func (d *DB) ServerTime(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := d.db.QueryRowContext(ctx, "SELECT now()").Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("server time for %s: %w", d.name, err)
	}
	return now.UTC(), nil
}

// ServerVersion reports the server version string for the metadata record.
func (d *DB) ServerVersion(ctx context.Context) (string, error) {
	var v string
	if err := d.db.QueryRowContext(ctx, "SHOW server_version").Scan(&v); err != nil {
		return "", fmt.Errorf("server version for %s: %w", d.name, err)
	}
	return v, nil
}

// CheckedServerTime returns server time after verifying client/server skew is
// within maxSkew. Excessive skew aborts the table.
func (d *DB) CheckedServerTime(ctx context.Context, maxSkew time.Duration) (time.Time, error) {
	serverNow, err := d.ServerTime(ctx)
	if err != nil {
		return time.Time{}, err
	}
	skew := time.Since(serverNow)
	if skew < 0 {
		skew = -skew
	}
	if skew > maxSkew {
		return time.Time{}, errclass.Newf(errclass.Table,
			"clock skew %s exceeds limit %s", skew.Round(time.Millisecond), maxSkew).
			WithTarget(d.name, "", "")
	}
	if skew > maxSkew/2 {
		log.Printf("[sourcedb] %s: clock skew %s approaching limit %s", d.name, skew.Round(time.Millisecond), maxSkew)
	}
	return serverNow, nil
}
