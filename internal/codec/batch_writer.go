package codec

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"time"
)

// Artifact describes a finished batch object: what §3 calls the
// BatchArtifact. All sizes and digests are computed from the same stream
// that produced the object bytes.
type Artifact struct {
	Fingerprint        string
	RecordCount        int
	UncompressedBytes  int64
	CompressedBytes    int64
	UncompressedSHA256 string
	CompressedSHA256   string
	MinTimestamp       time.Time
	MaxTimestamp       time.Time
	MinPrimaryKey      string
	MaxPrimaryKey      string
}

// BatchWriter streams rows into a gzip-compressed JSONL buffer while keeping
// rolling digests, counts and the timestamp/key range. It is single-use: one
// writer per batch.
type BatchWriter struct {
	meta   RecordMeta
	tsCol  string
	pkCol  string
	buf    bytes.Buffer
	gz     *gzip.Writer
	uncomp hash.Hash

	records      int
	uncompBytes  int64
	minTS, maxTS time.Time
	minPK, maxPK string
	closed       bool
}

// NewBatchWriter creates a writer for one batch. level is the gzip level
// (1..9).
func NewBatchWriter(meta RecordMeta, tsColumn, pkColumn string, level int) (*BatchWriter, error) {
	w := &BatchWriter{
		meta:   meta,
		tsCol:  tsColumn,
		pkCol:  pkColumn,
		uncomp: sha256.New(),
	}
	gz, err := gzip.NewWriterLevel(&w.buf, level)
	if err != nil {
		return nil, fmt.Errorf("gzip level %d: %w", level, err)
	}
	w.gz = gz
	return w, nil
}

// WriteRow serializes row and appends it as one line. It also tracks the
// primary-key and timestamp range used for the watermark advance.
func (w *BatchWriter) WriteRow(row Row) error {
	if w.closed {
		return fmt.Errorf("batch writer already closed")
	}
	line, err := EncodeRow(row, w.meta)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	w.uncomp.Write(line)
	w.uncompBytes += int64(len(line))
	if _, err := w.gz.Write(line); err != nil {
		return fmt.Errorf("compress record: %w", err)
	}

	ts, ok := row[w.tsCol].(time.Time)
	if !ok {
		return fmt.Errorf("row has no timestamp column %q", w.tsCol)
	}
	pk, err := PrimaryKeyString(row[w.pkCol])
	if err != nil {
		return fmt.Errorf("row primary key %q: %w", w.pkCol, err)
	}
	// Rows arrive in (ts, pk) fetch order, so the first and last rows bound
	// the cursor range. Comparing the textual renderings instead would order
	// bigint keys wrong ("99" > "100").
	if w.records == 0 {
		w.minTS, w.minPK = ts, pk
	}
	w.maxTS, w.maxPK = ts, pk
	w.records++
	return nil
}

// Close flushes the compressor and returns the artifact plus the compressed
// payload.
func (w *BatchWriter) Close() (Artifact, []byte, error) {
	if w.closed {
		return Artifact{}, nil, fmt.Errorf("batch writer already closed")
	}
	w.closed = true
	if err := w.gz.Close(); err != nil {
		return Artifact{}, nil, fmt.Errorf("finish compression: %w", err)
	}
	payload := w.buf.Bytes()
	compSum := sha256.Sum256(payload)
	art := Artifact{
		Fingerprint:        w.meta.Fingerprint,
		RecordCount:        w.records,
		UncompressedBytes:  w.uncompBytes,
		CompressedBytes:    int64(len(payload)),
		UncompressedSHA256: hex.EncodeToString(w.uncomp.Sum(nil)),
		CompressedSHA256:   hex.EncodeToString(compSum[:]),
		MinTimestamp:       w.minTS,
		MaxTimestamp:       w.maxTS,
		MinPrimaryKey:      w.minPK,
		MaxPrimaryKey:      w.maxPK,
	}
	return art, payload, nil
}

// RecordCount reports rows written so far (the n_stream count).
func (w *BatchWriter) RecordCount() int { return w.records }

// PrimaryKeyString renders a primary-key value in its canonical textual
// form, used for cursors, manifests and watermarks.
func PrimaryKeyString(v any) (string, error) {
	switch vv := v.(type) {
	case string:
		return vv, nil
	case int64:
		return fmt.Sprintf("%d", vv), nil
	case int:
		return fmt.Sprintf("%d", vv), nil
	case Decimal:
		return string(vv), nil
	case float64:
		return fmt.Sprintf("%g", vv), nil
	case []byte:
		return string(vv), nil
	default:
		return "", fmt.Errorf("unsupported primary key type %T", v)
	}
}

// ComparePrimaryKeys orders two canonical key renderings with the same
// semantics the SQL cursor predicate uses: keys that both parse as integers
// compare numerically, everything else bytewise.
func ComparePrimaryKeys(a, b string) int {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}
