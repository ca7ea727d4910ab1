package compliance

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StaticSource reads holds from a YAML file shipped with the deployment.
type StaticSource struct {
	Path string
}

func (s StaticSource) Holds(ctx context.Context) ([]LegalHold, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read holds file %s: %w", s.Path, err)
	}
	var doc struct {
		Holds []LegalHold `yaml:"holds"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse holds file %s: %w", s.Path, err)
	}
	return doc.Holds, nil
}

// DBSource reads holds from a dedicated table in the source database.
type DBSource struct {
	DB    *sql.DB
	Table string // schema-qualified, validated at config load
}

func (s DBSource) Holds(ctx context.Context) ([]LegalHold, error) {
	q := fmt.Sprintf(`
		SELECT database_name, schema_name, table_name,
		       COALESCE(predicate, ''), reason, requestor, starts_at, expires_at
		FROM %s`, s.Table)
	rows, err := s.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query holds table %s: %w", s.Table, err)
	}
	defer rows.Close()
	var holds []LegalHold
	for rows.Next() {
		var h LegalHold
		var expires sql.NullTime
		if err := rows.Scan(&h.Database, &h.Schema, &h.Table, &h.Predicate,
			&h.Reason, &h.Requestor, &h.StartsAt, &expires); err != nil {
			return nil, fmt.Errorf("scan hold row: %w", err)
		}
		if expires.Valid {
			t := expires.Time
			h.ExpiresAt = &t
		}
		holds = append(holds, h)
	}
	return holds, rows.Err()
}

// HTTPSource fetches holds from a compliance service endpoint returning
// {"holds": [...]}.
type HTTPSource struct {
	Endpoint string
	Timeout  time.Duration
	Client   *http.Client
}

func (s HTTPSource) Holds(ctx context.Context) ([]LegalHold, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.Endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build holds request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch holds from %s: %w", s.Endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("holds endpoint %s returned %d: %s", s.Endpoint, resp.StatusCode, body)
	}
	var doc struct {
		Holds []LegalHold `json:"holds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode holds response: %w", err)
	}
	return doc.Holds, nil
}
