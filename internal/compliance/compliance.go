// Package compliance gates the pipeline: legal holds (table- and
// record-level), retention bounds and the encryption requirement are checked
// before any row is touched.
package compliance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coldstore/archiver/internal/errclass"
)

// LegalHold freezes a table or a row predicate against archival.
type LegalHold struct {
	Database  string     `json:"database" yaml:"database"`
	Schema    string     `json:"schema" yaml:"schema"`
	Table     string     `json:"table" yaml:"table"`
	Predicate string     `json:"predicate,omitempty" yaml:"predicate,omitempty"` // empty means the whole table
	Reason    string     `json:"reason" yaml:"reason"`
	Requestor string     `json:"requestor" yaml:"requestor"`
	StartsAt  time.Time  `json:"starts_at" yaml:"starts_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty" yaml:"expires_at,omitempty"` // nil means indefinite
}

// ActiveAt reports whether the hold applies at t.
func (h LegalHold) ActiveAt(t time.Time) bool {
	if !h.StartsAt.IsZero() && t.Before(h.StartsAt) {
		return false
	}
	if h.ExpiresAt != nil && !t.Before(*h.ExpiresAt) {
		return false
	}
	return true
}

func (h LegalHold) matches(database, schema, table string) bool {
	return (h.Database == "" || h.Database == database) &&
		(h.Schema == "" || h.Schema == schema) &&
		h.Table == table
}

// Source yields the current hold set. Sources are consulted fresh before
// every table run; a source failure blocks archival rather than risking a
// delete under an unreadable hold.
type Source interface {
	Holds(ctx context.Context) ([]LegalHold, error)
}

// Checker aggregates hold sources.
type Checker struct {
	sources []Source
}

// NewChecker builds a checker over the configured sources. With no sources
// every table passes.
func NewChecker(sources ...Source) *Checker {
	return &Checker{sources: sources}
}

// Decision is the outcome of the pre-table hold check.
type Decision struct {
	// SkipTable is set when a table-level hold applies; Hold names it.
	SkipTable bool
	Hold      *LegalHold

	// RowPredicate is the OR-joined predicate of record-level holds; the
	// batch query excludes matching rows. Empty when no record hold applies.
	RowPredicate string
}

// Check evaluates all sources for one table at time now.
func (c *Checker) Check(ctx context.Context, database, schema, table string, now time.Time) (Decision, error) {
	var predicates []string
	for _, src := range c.sources {
		holds, err := src.Holds(ctx)
		if err != nil {
			return Decision{}, errclass.New(errclass.Table,
				fmt.Errorf("legal hold source: %w", err)).WithTarget(database, schema, table)
		}
		for i := range holds {
			h := holds[i]
			if !h.matches(database, schema, table) || !h.ActiveAt(now) {
				continue
			}
			if h.Predicate == "" {
				return Decision{SkipTable: true, Hold: &h}, nil
			}
			if err := ValidatePredicate(h.Predicate); err != nil {
				// A malformed hold blocks the table; interpolating it into the
				// fetch SQL would be worse than not archiving.
				return Decision{}, errclass.New(errclass.Table, err).WithTarget(database, schema, table)
			}
			predicates = append(predicates, "("+h.Predicate+")")
		}
	}
	return Decision{RowPredicate: strings.Join(predicates, " OR ")}, nil
}

// ValidatePredicate screens a record-hold predicate before it is interpolated
// into the batch WHERE clause. Predicates come from hold sources at runtime,
// so statement terminators and comment tokens are rejected outright.
func ValidatePredicate(predicate string) error {
	for _, tok := range []string{";", "--", "/*", "*/"} {
		if strings.Contains(predicate, tok) {
			return fmt.Errorf("hold predicate contains forbidden token %q: %s", tok, predicate)
		}
	}
	return nil
}

// RetentionBounds validates a retention period against the compliance
// window. Config validation runs this at load; the orchestrator re-checks at
// table start in case the config object was built programmatically.
func RetentionBounds(retentionDays, minDays, maxDays int) error {
	if retentionDays < minDays || retentionDays > maxDays {
		return errclass.Newf(errclass.Table,
			"retention %d days outside compliance bounds [%d, %d]", retentionDays, minDays, maxDays)
	}
	return nil
}

// EncryptionGate refuses to start when a critical table would be archived
// without server-side encryption.
func EncryptionGate(enforce bool, encryption string, criticalTables []string) error {
	if !enforce || !strings.EqualFold(encryption, "none") || len(criticalTables) == 0 {
		return nil
	}
	return errclass.Newf(errclass.Fatal,
		"encryption enforcement is on but s3 encryption is disabled; critical tables: %s",
		strings.Join(criticalTables, ", "))
}
