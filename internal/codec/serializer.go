// Package codec converts fetched rows into the archive wire format:
// newline-delimited JSON records, gzip-compressed, with rolling SHA-256
// digests over both the uncompressed and compressed streams. Encoding rules
// are fixed so that a batch re-serialized from the same rows produces the
// same bytes.
package codec

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Reserved record fields inserted by the serializer, never by the source
// query.
const (
	FieldArchivedAt     = "_archived_at"
	FieldFingerprint    = "_batch_fingerprint"
	FieldSourceDatabase = "_source_database"
	FieldSourceTable    = "_source_table"
)

// BinarySentinel prefixes base64-encoded binary values so text columns that
// happen to contain base64 are never misread on restore.
const BinarySentinel = "base64:"

// Row is one fetched row: column name to normalized driver value. The
// source adapter produces values of type nil, bool, int64, float64, string,
// []byte, time.Time, Decimal, Range, Composite or json.RawMessage.
type Row map[string]any

// Decimal preserves every digit the driver returned for numeric columns.
type Decimal string

// Range is the fixed-shape encoding of a range value.
type Range struct {
	Lower  string `json:"lower"`
	Upper  string `json:"upper"`
	Bounds string `json:"bounds"` // e.g. "[)"
}

// Composite is the fixed-shape encoding of a composite value, carried as the
// textual form the server produced.
type Composite struct {
	Raw string `json:"composite"`
}

// RecordMeta is the per-batch context stamped into every record.
type RecordMeta struct {
	ArchivedAt  time.Time
	Fingerprint string
	Database    string
	Table       string
}

// EncodeRow serializes one row to a single JSON line (no trailing newline).
// Keys are emitted in sorted order so the encoding is deterministic.
func EncodeRow(row Row, meta RecordMeta) ([]byte, error) {
	out := make(map[string]any, len(row)+4)
	for k, v := range row {
		ev, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", k, err)
		}
		out[k] = ev
	}
	out[FieldArchivedAt] = meta.ArchivedAt.UTC().Format(time.RFC3339Nano)
	out[FieldFingerprint] = meta.Fingerprint
	out[FieldSourceDatabase] = meta.Database
	out[FieldSourceTable] = meta.Table
	return json.Marshal(out)
}

func encodeValue(v any) (any, error) {
	switch vv := v.(type) {
	case nil:
		return nil, nil
	case bool, int64, float64, string:
		return vv, nil
	case int:
		return int64(vv), nil
	case Decimal:
		// JSON string, every digit preserved.
		return string(vv), nil
	case []byte:
		return BinarySentinel + base64.StdEncoding.EncodeToString(vv), nil
	case time.Time:
		// Timezone-naive source columns arrive pinned to UTC and render
		// with a Z suffix; the original column type lives in the metadata
		// record.
		return vv.Format(time.RFC3339Nano), nil
	case json.RawMessage:
		// JSON/JSONB and arrays: nested JSON passes through untouched.
		return vv, nil
	case Range:
		return vv, nil
	case Composite:
		return vv, nil
	case []any:
		encoded := make([]any, len(vv))
		for i, item := range vv {
			ev, err := encodeValue(item)
			if err != nil {
				return nil, err
			}
			encoded[i] = ev
		}
		return encoded, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// DecodeBinary strips the sentinel and decodes a binary value. ok is false
// when s is a plain string.
func DecodeBinary(s string) (b []byte, ok bool, err error) {
	if len(s) < len(BinarySentinel) || s[:len(BinarySentinel)] != BinarySentinel {
		return nil, false, nil
	}
	b, err = base64.StdEncoding.DecodeString(s[len(BinarySentinel):])
	if err != nil {
		return nil, true, fmt.Errorf("decode binary value: %w", err)
	}
	return b, true, nil
}

// Fingerprint deterministically identifies a batch by its inputs. The same
// inputs always map to the same fingerprint, which keys idempotent skips and
// object reuse. loPK is empty for the first batch of a table.
func Fingerprint(database, schema, table string, cutoff, loTS time.Time, loPK string, ordinal int) string {
	canonical := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%d",
		database, schema, table,
		cutoff.UTC().Format(time.RFC3339Nano),
		loTS.UTC().Format(time.RFC3339Nano),
		loPK, ordinal)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:16])
}
