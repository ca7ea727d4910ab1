// Package verify implements the zero-data-loss checks: three-way count
// equality, checksum and size verification, primary-key set equality, the
// deletion manifest, and the post-commit sample absence check.
package verify

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/coldstore/archiver/internal/codec"
	"github.com/coldstore/archiver/internal/errclass"
	"github.com/coldstore/archiver/internal/objstore"
	"github.com/coldstore/archiver/internal/sourcedb"
)

// Counts asserts the three-way equality n_db == n_stream == n_object. Any
// inequality is permanent: the batch rolls back and nothing is deleted.
func Counts(nDB, nStream, nObject int) error {
	if nDB != nStream || nStream != nObject {
		return errclass.Newf(errclass.BatchPermanent,
			"count mismatch: db=%d stream=%d object=%d", nDB, nStream, nObject).
			WithPhase("verify")
	}
	return nil
}

// UploadSize asserts the stored object's reported size equals the serialized
// compressed length.
func UploadSize(head objstore.HeadInfo, compressedLen int64) error {
	if head.Size != compressedLen {
		return errclass.Newf(errclass.BatchPermanent,
			"upload size mismatch: object=%d expected=%d", head.Size, compressedLen).
			WithPhase("verify")
	}
	return nil
}

// PKSetsEqual asserts the keys handed to the delete equal the keys present in
// the serialized object, as sets.
func PKSetsEqual(deleteKeys, objectKeys []string) error {
	if len(deleteKeys) != len(objectKeys) {
		return errclass.Newf(errclass.BatchPermanent,
			"primary-key set size mismatch: delete=%d object=%d", len(deleteKeys), len(objectKeys)).
			WithPhase("verify")
	}
	seen := make(map[string]struct{}, len(objectKeys))
	for _, k := range objectKeys {
		seen[k] = struct{}{}
	}
	for _, k := range deleteKeys {
		if _, ok := seen[k]; !ok {
			return errclass.Newf(errclass.BatchPermanent,
				"primary key %s queued for delete but absent from object", k).
				WithPhase("verify")
		}
	}
	return nil
}

// DeleteStatementDigest hashes the parameterised delete SQL together with
// the sorted key list; recorded in the deletion manifest.
func DeleteStatementDigest(deleteSQL string, keys []string) string {
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)
	return codec.SHA256Hex([]byte(deleteSQL + "\n" + strings.Join(sorted, "\n")))
}

// DeletionManifest is the per-batch sidecar listing the deleted primary
// keys. Written to the object store before the source delete commits.
type DeletionManifest struct {
	BatchFingerprint string    `json:"batch_fingerprint"`
	Database         string    `json:"database"`
	Schema           string    `json:"schema"`
	Table            string    `json:"table"`
	DeleteTime       time.Time `json:"delete_time"`
	PrimaryKeys      []string  `json:"primary_keys"`
	KeyListSHA256    string    `json:"key_list_sha256"`
	DeleteStmtDigest string    `json:"delete_statement_digest"`
	CommittedRows    int       `json:"committed_row_count"`
}

// NewDeletionManifest builds the manifest for a batch. keys stay in fetch
// order; the digest sorts its own copy.
func NewDeletionManifest(database, schema, table, fingerprint string, keys []string, deleteSQL string, now time.Time) DeletionManifest {
	return DeletionManifest{
		BatchFingerprint: fingerprint,
		Database:         database,
		Schema:           schema,
		Table:            table,
		DeleteTime:       now.UTC(),
		PrimaryKeys:      keys,
		KeyListSHA256:    codec.KeyListSHA256(keys),
		DeleteStmtDigest: DeleteStatementDigest(deleteSQL, keys),
		CommittedRows:    len(keys),
	}
}

// SampleSize picks the absence-check sample: min(1000, max(10, 1% of n)),
// never more than n itself.
func SampleSize(n int) int {
	s := n / 100
	if s < 10 {
		s = 10
	}
	if s > 1000 {
		s = 1000
	}
	if s > n {
		s = n
	}
	return s
}

// SampleAbsence confirms a random sample of the deleted keys no longer
// exists in the source. A surviving row is a critical fault: the archiver
// deleted under a fingerprint it did not fully own.
func SampleAbsence(ctx context.Context, db *sourcedb.DB, schema, table, pkColumn string, manifest DeletionManifest, rng *rand.Rand) error {
	n := len(manifest.PrimaryKeys)
	if n == 0 {
		return nil
	}
	size := SampleSize(n)
	sample := make([]string, 0, size)
	for _, i := range rng.Perm(n)[:size] {
		sample = append(sample, manifest.PrimaryKeys[i])
	}
	present, err := db.ExistingKeys(ctx, schema, table, pkColumn, sample)
	if err != nil {
		return fmt.Errorf("sample absence check: %w", err)
	}
	if len(present) > 0 {
		return errclass.Newf(errclass.Fatal,
			"sample absence check failed: %d of %d sampled keys still present (first: %s)",
			len(present), size, present[0]).
			WithTarget(db.Name(), schema, table).
			WithPhase("verify")
	}
	return nil
}
