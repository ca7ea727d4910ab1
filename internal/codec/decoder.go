package codec

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Record is one decoded archive line: the row columns with the reserved
// fields split out.
type Record struct {
	Columns     map[string]any
	ArchivedAt  string
	Fingerprint string
	Database    string
	Table       string
}

// Decoder streams records out of a gzip-compressed JSONL payload while
// recomputing the uncompressed SHA-256 for checksum validation.
type Decoder struct {
	gz      *gzip.Reader
	scanner *bufio.Scanner
	sum     interface{ Write(p []byte) (int, error); Sum(b []byte) []byte }
	lines   int
}

// NewDecoder wraps a compressed payload reader.
func NewDecoder(r io.Reader) (*Decoder, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open gzip stream: %w", err)
	}
	sc := bufio.NewScanner(gz)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	return &Decoder{gz: gz, scanner: sc, sum: sha256.New()}, nil
}

// Next returns the next record, or io.EOF when the stream is drained.
func (d *Decoder) Next() (*Record, error) {
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return nil, fmt.Errorf("read archive line: %w", err)
		}
		return nil, io.EOF
	}
	line := d.scanner.Bytes()
	d.sum.Write(line)
	d.sum.Write([]byte{'\n'})
	d.lines++

	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode archive line %d: %w", d.lines, err)
	}

	rec := &Record{Columns: make(map[string]any, len(raw))}
	for k, v := range raw {
		switch k {
		case FieldArchivedAt:
			rec.ArchivedAt, _ = v.(string)
		case FieldFingerprint:
			rec.Fingerprint, _ = v.(string)
		case FieldSourceDatabase:
			rec.Database, _ = v.(string)
		case FieldSourceTable:
			rec.Table, _ = v.(string)
		default:
			rec.Columns[k] = v
		}
	}
	return rec, nil
}

// Lines reports records decoded so far.
func (d *Decoder) Lines() int { return d.lines }

// UncompressedSHA256 returns the digest of the bytes consumed so far. Call
// after draining to compare against the metadata record.
func (d *Decoder) UncompressedSHA256() string {
	return hex.EncodeToString(d.sum.Sum(nil))
}

// Close releases the gzip reader.
func (d *Decoder) Close() error { return d.gz.Close() }

// RestoreValue converts a decoded JSON value back into a driver argument,
// inverting the encoding rules: the binary sentinel becomes []byte, numbers
// keep their textual form, everything else passes through as the driver will
// cast it server-side.
func RestoreValue(v any) (any, error) {
	switch vv := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return vv, nil
	case json.Number:
		return vv.String(), nil
	case string:
		if b, ok, err := DecodeBinary(vv); ok {
			if err != nil {
				return nil, err
			}
			return b, nil
		}
		return vv, nil
	case map[string]any, []any:
		// Nested JSON, ranges and composites travel as JSON text; the
		// server casts on insert.
		b, err := json.Marshal(vv)
		if err != nil {
			return nil, fmt.Errorf("re-encode nested value: %w", err)
		}
		return string(b), nil
	default:
		return nil, fmt.Errorf("unsupported restored value type %T", v)
	}
}

// CountLines counts newline-delimited records in an uncompressed payload.
// Used by validation paths that already hold the decompressed bytes.
func CountLines(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	n := bytes.Count(data, []byte{'\n'})
	if !bytes.HasSuffix(data, []byte{'\n'}) {
		n++
	}
	return n
}

// SHA256Hex is a convenience digest helper shared by manifests and
// verification.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// KeyListSHA256 hashes the sorted primary-key list for the deletion
// manifest.
func KeyListSHA256(keys []string) string {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)
	return SHA256Hex([]byte(strings.Join(sorted, "\n")))
}
