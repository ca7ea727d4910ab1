package objstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/coldstore/archiver/internal/retry"
)

const (
	// DefaultPartSize is the fixed multipart part size.
	DefaultPartSize = 5 * 1024 * 1024
	// DefaultMultipartThreshold is the payload size above which uploads
	// switch to multipart.
	DefaultMultipartThreshold = 10 * 1024 * 1024
)

// ErrSpooled reports that a payload could not reach the object store and was
// written to the local fallback instead.
var ErrSpooled = errors.New("objstore: payload spooled to local fallback")

// StateSink persists in-flight multipart descriptors so a crashed upload can
// be aborted or resumed. A nil sink relies on the startup sweep of abandoned
// server-side uploads instead.
type StateSink interface {
	SaveMultipart(state MultipartState) error
	ClearMultipart(key string) error
}

// Uploader layers sizing, per-part retry, state persistence and the local
// fallback over a raw Store. A single Uploader is shared by all tables.
type Uploader struct {
	store     Store
	fallback  *Fallback
	sink      StateSink
	policy    retry.Policy
	partSize  int64
	threshold int64
}

// UploaderOptions tunes the uploader; zero values pick defaults.
type UploaderOptions struct {
	PartSize           int64
	MultipartThreshold int64
	Retry              retry.Policy
	Fallback           *Fallback // nil disables spooling
	StateSink          StateSink // nil disables multipart state persistence
}

// NewUploader wires the retry classifier to the object-store error model.
func NewUploader(store Store, opts UploaderOptions) *Uploader {
	if opts.PartSize <= 0 {
		opts.PartSize = DefaultPartSize
	}
	if opts.MultipartThreshold <= 0 {
		opts.MultipartThreshold = DefaultMultipartThreshold
	}
	if opts.Retry.Classify == nil {
		opts.Retry.Classify = IsRetryable
	}
	return &Uploader{
		store:     store,
		fallback:  opts.Fallback,
		sink:      opts.StateSink,
		policy:    opts.Retry,
		partSize:  opts.PartSize,
		threshold: opts.MultipartThreshold,
	}
}

// Upload stores one payload under key, choosing single or multipart by size.
// After retry exhaustion the payload is spooled locally and ErrSpooled is
// returned wrapping the cause.
func (u *Uploader) Upload(ctx context.Context, key string, data []byte, opts PutOptions) error {
	var err error
	if int64(len(data)) <= u.threshold {
		err = retry.Do(ctx, u.policy, "put "+key, func(ctx context.Context) error {
			return u.store.Put(ctx, key, data, opts)
		})
	} else {
		err = u.uploadMultipart(ctx, key, data, opts)
	}
	if err == nil {
		return nil
	}
	if u.fallback != nil && ctx.Err() == nil {
		if spoolErr := u.fallback.Save(key, data, opts); spoolErr != nil {
			return fmt.Errorf("upload %s failed (%v) and spooling failed: %w", key, err, spoolErr)
		}
		return fmt.Errorf("%w: %s: %v", ErrSpooled, key, err)
	}
	return err
}

func (u *Uploader) uploadMultipart(ctx context.Context, key string, data []byte, opts PutOptions) error {
	var uploadID string
	err := retry.Do(ctx, u.policy, "begin multipart "+key, func(ctx context.Context) error {
		var err error
		uploadID, err = u.store.MultipartBegin(ctx, key, opts)
		return err
	})
	if err != nil {
		return err
	}

	state := MultipartState{
		Key:       key,
		UploadID:  uploadID,
		PartSize:  u.partSize,
		StartedAt: time.Now().UTC(),
	}

	abort := func(cause error) error {
		if abortErr := u.store.MultipartAbort(ctx, key, uploadID); abortErr != nil {
			log.Printf("[objstore.uploader] abort multipart %s: %v", key, abortErr)
		}
		if u.sink != nil {
			if clearErr := u.sink.ClearMultipart(key); clearErr != nil {
				log.Printf("[objstore.uploader] clear multipart state %s: %v", key, clearErr)
			}
		}
		return cause
	}

	number := 0
	for off := int64(0); off < int64(len(data)); off += u.partSize {
		number++
		end := off + u.partSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		chunk := data[off:end]

		// Persist before the first attempt so a crash leaves a resumable or
		// abortable descriptor.
		if u.sink != nil {
			if err := u.sink.SaveMultipart(state); err != nil {
				return abort(fmt.Errorf("persist multipart state for %s: %w", key, err))
			}
		}

		var etag string
		err := retry.Do(ctx, u.policy, fmt.Sprintf("part %d of %s", number, key), func(ctx context.Context) error {
			var err error
			etag, err = u.store.MultipartPutPart(ctx, key, uploadID, number, chunk)
			return err
		})
		if err != nil {
			return abort(err)
		}
		state.Parts = append(state.Parts, Part{Number: number, Size: int64(len(chunk)), ETag: etag})
	}

	err = retry.Do(ctx, u.policy, "complete multipart "+key, func(ctx context.Context) error {
		return u.store.MultipartComplete(ctx, key, uploadID, state.Parts)
	})
	if err != nil {
		return abort(err)
	}
	if u.sink != nil {
		if err := u.sink.ClearMultipart(key); err != nil {
			log.Printf("[objstore.uploader] clear multipart state %s: %v", key, err)
		}
	}
	return nil
}

// RecoverFallback re-uploads spooled payloads, removing entries that make it
// through and pruning entries past retention. Returns (recovered, remaining).
func (u *Uploader) RecoverFallback(ctx context.Context) (int, int, error) {
	if u.fallback == nil {
		return 0, 0, nil
	}
	if _, err := u.fallback.Prune(); err != nil {
		return 0, 0, err
	}
	entries, err := u.fallback.List()
	if err != nil {
		return 0, 0, err
	}
	recovered := 0
	for _, e := range entries {
		data, err := u.fallback.Payload(e)
		if err != nil {
			log.Printf("[objstore.uploader] fallback entry %s unreadable: %v", e.ID, err)
			continue
		}
		opts := PutOptions{
			ContentType:  e.ContentType,
			Metadata:     e.Metadata,
			StorageClass: e.StorageClass,
			SSE:          e.SSE,
			KMSKeyID:     e.KMSKeyID,
		}
		err = retry.Do(ctx, u.policy, "recover "+e.Key, func(ctx context.Context) error {
			return u.store.Put(ctx, e.Key, data, opts)
		})
		if err != nil {
			log.Printf("[objstore.uploader] fallback recovery of %s failed: %v", e.Key, err)
			continue
		}
		if err := u.fallback.Remove(e); err != nil {
			return recovered, len(entries) - recovered, err
		}
		recovered++
	}
	return recovered, len(entries) - recovered, nil
}

// AbortAbandonedUploads aborts server-side multipart uploads initiated before
// the cutoff. Run at startup to release storage held by crashed runs.
func AbortAbandonedUploads(ctx context.Context, store Store, prefix string, olderThan time.Duration) (int, error) {
	uploads, err := store.ListMultipartUploads(ctx, prefix)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-olderThan)
	aborted := 0
	for _, up := range uploads {
		if up.Initiated.After(cutoff) {
			continue
		}
		if err := store.MultipartAbort(ctx, up.Key, up.UploadID); err != nil {
			return aborted, fmt.Errorf("abort abandoned upload %s: %w", up.Key, err)
		}
		log.Printf("[objstore.uploader] aborted abandoned multipart upload %s (started %s)",
			up.Key, up.Initiated.UTC().Format(time.RFC3339))
		aborted++
	}
	return aborted, nil
}
