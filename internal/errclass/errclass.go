// Package errclass defines the archiver error taxonomy. Every error that
// crosses a component boundary is classified so that the table orchestrator
// can decide between retry, table abort and run abort without inspecting
// error strings.
package errclass

import (
	"errors"
	"fmt"
	"strings"
)

// Class ranks errors by severity and recoverability.
type Class int

const (
	// Unclassified is the zero value; treated as permanent.
	Unclassified Class = iota

	// Fatal halts the run before any side effect (bad config, object store
	// unreachable at startup, encryption required but disabled).
	Fatal

	// Table aborts the current table; other tables and databases continue.
	Table

	// BatchTransient is rolled back and retried up to the batch retry
	// budget; when exhausted it is promoted to Table.
	BatchTransient

	// BatchPermanent is rolled back and immediately promoted to Table.
	// Count, checksum and primary-key set mismatches land here.
	BatchPermanent

	// Warning is logged and never aborts anything.
	Warning
)

func (c Class) String() string {
	switch c {
	case Fatal:
		return "FATAL"
	case Table:
		return "TABLE_ERROR"
	case BatchTransient:
		return "BATCH_ERROR_TRANSIENT"
	case BatchPermanent:
		return "BATCH_ERROR_PERMANENT"
	case Warning:
		return "WARNING"
	default:
		return "UNCLASSIFIED"
	}
}

// Error carries a classified cause plus the structured context required by
// the propagation policy: database, schema, table, batch ordinal,
// fingerprint and pipeline phase.
type Error struct {
	Class       Class
	Database    string
	Schema      string
	Table       string
	Batch       int
	Fingerprint string
	Phase       string
	Err         error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Class.String())
	if e.Database != "" {
		fmt.Fprintf(&b, " db=%s", e.Database)
	}
	if e.Table != "" {
		fmt.Fprintf(&b, " table=%s.%s", e.Schema, e.Table)
	}
	if e.Batch > 0 {
		fmt.Fprintf(&b, " batch=%d", e.Batch)
	}
	if e.Fingerprint != "" {
		fmt.Fprintf(&b, " fingerprint=%s", e.Fingerprint)
	}
	if e.Phase != "" {
		fmt.Fprintf(&b, " phase=%s", e.Phase)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps cause with a class. Callers add context with With*.
func New(class Class, cause error) *Error {
	return &Error{Class: class, Err: cause}
}

// Newf is New with a formatted cause.
func Newf(class Class, format string, args ...any) *Error {
	return &Error{Class: class, Err: fmt.Errorf(format, args...)}
}

// WithTarget records the (database, schema, table) the error belongs to.
func (e *Error) WithTarget(database, schema, table string) *Error {
	e.Database, e.Schema, e.Table = database, schema, table
	return e
}

// WithBatch records the batch ordinal and fingerprint.
func (e *Error) WithBatch(ordinal int, fingerprint string) *Error {
	e.Batch, e.Fingerprint = ordinal, fingerprint
	return e
}

// WithPhase records the pipeline phase the error escaped from.
func (e *Error) WithPhase(phase string) *Error {
	e.Phase = phase
	return e
}

// ClassOf returns the class of err, walking the wrap chain. Errors that were
// never classified are treated as permanent batch errors: an unknown failure
// must not be silently retried against a table we are about to delete from.
func ClassOf(err error) Class {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class
	}
	return Unclassified
}

// IsTransient reports whether err may be retried.
func IsTransient(err error) bool {
	return ClassOf(err) == BatchTransient
}

// Promote converts an exhausted transient (or a permanent batch error) into
// a table error, keeping the context of the original.
func Promote(err error) error {
	var ce *Error
	if errors.As(err, &ce) {
		promoted := *ce
		promoted.Class = Table
		promoted.Err = err
		return &promoted
	}
	return New(Table, err)
}
