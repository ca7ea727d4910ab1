package sourcedb

import (
	"context"
	"fmt"
	"strings"

	"github.com/coldstore/archiver/internal/codec"
	"github.com/coldstore/archiver/internal/errclass"
)

// Column is one table column as introspected.
type Column struct {
	Name     string `json:"name"`
	DataType string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// Index is one index on the table.
type Index struct {
	Name       string `json:"name"`
	Definition string `json:"definition"`
}

// TableInfo is the introspected shape of a source table.
type TableInfo struct {
	Schema     string
	Name       string
	RelKind    string // r=ordinary, p=partitioned parent
	Columns    []Column
	PrimaryKey string
	Indexes    []Index
}

// Introspect reads columns, primary key and indexes. A missing table or a
// multi-column primary key is a table-level error.
func (d *DB) Introspect(ctx context.Context, schema, table string) (*TableInfo, error) {
	info := &TableInfo{Schema: schema, Name: table}

	err := d.db.QueryRowContext(ctx, `
		SELECT c.relkind
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relname = $2`, schema, table).Scan(&info.RelKind)
	if err != nil {
		return nil, errclass.New(errclass.Table, fmt.Errorf("table %s.%s not found: %w", schema, table, err)).
			WithTarget(d.name, schema, table)
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("introspect columns of %s.%s: %w", schema, table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var col Column
		var nullable string
		if err := rows.Scan(&col.Name, &col.DataType, &nullable); err != nil {
			return nil, fmt.Errorf("scan column of %s.%s: %w", schema, table, err)
		}
		col.Nullable = nullable == "YES"
		info.Columns = append(info.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("introspect columns of %s.%s: %w", schema, table, err)
	}
	if len(info.Columns) == 0 {
		return nil, errclass.Newf(errclass.Table, "table %s.%s has no columns", schema, table).
			WithTarget(d.name, schema, table)
	}

	pkRows, err := d.db.QueryContext(ctx, `
		SELECT a.attname
		FROM pg_index i
		JOIN pg_attribute a ON a.attrelid = i.indrelid AND a.attnum = ANY(i.indkey)
		WHERE i.indrelid = ($1 || '.' || $2)::regclass AND i.indisprimary
		ORDER BY a.attnum`, quoteIdent(schema), quoteIdent(table))
	if err != nil {
		return nil, fmt.Errorf("introspect primary key of %s.%s: %w", schema, table, err)
	}
	defer pkRows.Close()
	var pkCols []string
	for pkRows.Next() {
		var name string
		if err := pkRows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan primary key of %s.%s: %w", schema, table, err)
		}
		pkCols = append(pkCols, name)
	}
	if err := pkRows.Err(); err != nil {
		return nil, fmt.Errorf("introspect primary key of %s.%s: %w", schema, table, err)
	}
	switch len(pkCols) {
	case 1:
		info.PrimaryKey = pkCols[0]
	case 0:
		return nil, errclass.Newf(errclass.Table, "table %s.%s has no primary key", schema, table).
			WithTarget(d.name, schema, table)
	default:
		return nil, errclass.Newf(errclass.Table, "table %s.%s has a composite primary key (%s); single-column keys only",
			schema, table, strings.Join(pkCols, ",")).WithTarget(d.name, schema, table)
	}

	idxRows, err := d.db.QueryContext(ctx, `
		SELECT indexname, indexdef
		FROM pg_indexes
		WHERE schemaname = $1 AND tablename = $2
		ORDER BY indexname`, schema, table)
	if err != nil {
		return nil, fmt.Errorf("introspect indexes of %s.%s: %w", schema, table, err)
	}
	defer idxRows.Close()
	for idxRows.Next() {
		var idx Index
		if err := idxRows.Scan(&idx.Name, &idx.Definition); err != nil {
			return nil, fmt.Errorf("scan index of %s.%s: %w", schema, table, err)
		}
		info.Indexes = append(info.Indexes, idx)
	}
	if err := idxRows.Err(); err != nil {
		return nil, fmt.Errorf("introspect indexes of %s.%s: %w", schema, table, err)
	}
	return info, nil
}

// SchemaHash is the canonical schema digest used for drift detection:
// SHA-256 over "name|type|nullable" lines in ordinal order.
func (t *TableInfo) SchemaHash() string {
	var b strings.Builder
	for _, c := range t.Columns {
		fmt.Fprintf(&b, "%s|%s|%t\n", c.Name, c.DataType, c.Nullable)
	}
	return codec.SHA256Hex([]byte(b.String()))
}

// HasColumn reports whether the table carries the named column.
func (t *TableInfo) HasColumn(name string) bool {
	for _, c := range t.Columns {
		if c.Name == name {
			return true
		}
	}
	return false
}
