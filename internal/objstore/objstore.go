// Package objstore is the object-storage client: raw S3 operations behind a
// Store interface, plus an Uploader that layers multipart handling, rate
// limiting, retries and the local-disk fallback on top.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors callers branch on.
var (
	// ErrNotFound maps NoSuchKey / 404 responses.
	ErrNotFound = errors.New("objstore: object not found")
	// ErrPrecondition maps conditional-put conflicts (etag mismatch or the
	// object already exists when absence was expected).
	ErrPrecondition = errors.New("objstore: precondition failed")
	// ErrBreakerOpen short-circuits calls while the circuit breaker is open.
	ErrBreakerOpen = errors.New("objstore: circuit breaker open")
)

// PutOptions carries per-object attributes.
type PutOptions struct {
	ContentType  string
	Metadata     map[string]string
	StorageClass string // e.g. STANDARD, STANDARD_IA, GLACIER_IR
	SSE          string // "aes256", "aws:kms" or empty
	KMSKeyID     string
}

// HeadInfo is the result of a head call, used for upload verification.
type HeadInfo struct {
	Size         int64
	ETag         string
	LastModified time.Time
}

// Part is one completed multipart part.
type Part struct {
	Number int    `json:"part_number"`
	Size   int64  `json:"size"`
	ETag   string `json:"etag"`
}

// MultipartState is persisted before each part starts so a crashed upload can
// be resumed or aborted.
type MultipartState struct {
	Key       string    `json:"key"`
	UploadID  string    `json:"upload_id"`
	PartSize  int64     `json:"part_size"`
	Parts     []Part    `json:"parts"`
	StartedAt time.Time `json:"started_at"`
}

// UploadInfo identifies an in-progress multipart upload on the server.
type UploadInfo struct {
	Key       string
	UploadID  string
	Initiated time.Time
}

// Store is the raw object-store surface. S3Store implements it against AWS;
// MemStore implements it in memory for tests.
type Store interface {
	Put(ctx context.Context, key string, data []byte, opts PutOptions) error
	Get(ctx context.Context, key string) (data []byte, etag string, err error)
	Head(ctx context.Context, key string) (HeadInfo, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error

	// PutIf writes only when the precondition holds: an empty etag requires
	// the object to be absent (If-None-Match: *); otherwise the stored etag
	// must match (If-Match). Returns the new etag.
	PutIf(ctx context.Context, key string, data []byte, etag string, opts PutOptions) (string, error)

	MultipartBegin(ctx context.Context, key string, opts PutOptions) (uploadID string, err error)
	MultipartPutPart(ctx context.Context, key, uploadID string, number int, data []byte) (etag string, err error)
	MultipartComplete(ctx context.Context, key, uploadID string, parts []Part) error
	MultipartAbort(ctx context.Context, key, uploadID string) error
	ListMultipartUploads(ctx context.Context, prefix string) ([]UploadInfo, error)
}

// ReadJSON fetches key and reports whether it existed.
func ReadJSON(ctx context.Context, s Store, key string) ([]byte, bool, error) {
	data, _, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return data, true, nil
}
