package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/sony/gobreaker"
)

// S3Options configures the S3-backed store.
type S3Options struct {
	Bucket         string
	Region         string
	Endpoint       string // custom endpoint (MinIO etc.), empty for AWS
	ForcePathStyle bool

	// Token bucket. Zero values pick defaults (100 req/s, burst 100,
	// 30s cool-down).
	RequestsPerSecond float64
	Burst             int
	SlowDownCooldown  time.Duration

	// Circuit breaker. Zero values pick defaults (5 failures, 60s open).
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// S3Store implements Store against S3-compatible storage. Every call passes
// the process-wide token bucket and circuit breaker.
type S3Store struct {
	client  *s3.Client
	bucket  string
	limiter *RateLimiter
	breaker *gobreaker.CircuitBreaker
}

// NewS3Store builds the client. Region and credentials resolve from the
// environment the usual SDK way when not set explicitly.
func NewS3Store(ctx context.Context, opts S3Options) (*S3Store, error) {
	if opts.Bucket == "" {
		return nil, fmt.Errorf("bucket required")
	}
	var loadOpts []func(*awsConfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsConfig.WithRegion(opts.Region))
	}
	cfg, err := awsConfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.ForcePathStyle
	})
	return &S3Store{
		client:  client,
		bucket:  opts.Bucket,
		limiter: NewRateLimiter(opts.RequestsPerSecond, opts.Burst, opts.SlowDownCooldown),
		breaker: newBreaker(opts.BreakerFailures, opts.BreakerTimeout),
	}, nil
}

// Client exposes the raw SDK client for callers that need SDK-level helpers
// (the restore engine's concurrent downloader).
func (s *S3Store) Client() *s3.Client { return s.client }

// Bucket returns the configured bucket name.
func (s *S3Store) Bucket() string { return s.bucket }

// do applies the token bucket and breaker around one SDK call and reacts to
// explicit throttle responses.
func (s *S3Store) do(ctx context.Context, op func() error) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	err := throughBreaker(s.breaker, op)
	if IsSlowDown(err) {
		s.limiter.SlowDown()
	}
	return err
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, opts PutOptions) error {
	return s.do(ctx, func() error {
		in := &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		}
		applyPutOptions(in, opts)
		_, err := s.client.PutObject(ctx, in)
		if err != nil {
			return fmt.Errorf("put %s: %w", key, mapErr(err))
		}
		return nil
	})
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, string, error) {
	var data []byte
	var etag string
	err := s.do(ctx, func() error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("get %s: %w", key, mapErr(err))
		}
		defer out.Body.Close()
		data, err = io.ReadAll(out.Body)
		if err != nil {
			return fmt.Errorf("read %s: %w", key, err)
		}
		etag = aws.ToString(out.ETag)
		return nil
	})
	return data, etag, err
}

func (s *S3Store) Head(ctx context.Context, key string) (HeadInfo, error) {
	var info HeadInfo
	err := s.do(ctx, func() error {
		out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("head %s: %w", key, mapErr(err))
		}
		info = HeadInfo{
			Size:         aws.ToInt64(out.ContentLength),
			ETag:         aws.ToString(out.ETag),
			LastModified: aws.ToTime(out.LastModified),
		}
		return nil
	})
	return info, err
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		var page *s3.ListObjectsV2Output
		err := s.do(ctx, func() error {
			var err error
			page, err = p.NextPage(ctx)
			if err != nil {
				return fmt.Errorf("list %s: %w", prefix, mapErr(err))
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	return s.do(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("delete %s: %w", key, mapErr(err))
		}
		return nil
	})
}

func (s *S3Store) PutIf(ctx context.Context, key string, data []byte, etag string, opts PutOptions) (string, error) {
	var newTag string
	err := s.do(ctx, func() error {
		in := &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		}
		applyPutOptions(in, opts)
		if etag == "" {
			in.IfNoneMatch = aws.String("*")
		} else {
			in.IfMatch = aws.String(etag)
		}
		out, err := s.client.PutObject(ctx, in)
		if err != nil {
			return fmt.Errorf("conditional put %s: %w", key, mapErr(err))
		}
		newTag = aws.ToString(out.ETag)
		return nil
	})
	return newTag, err
}

func (s *S3Store) MultipartBegin(ctx context.Context, key string, opts PutOptions) (string, error) {
	var id string
	err := s.do(ctx, func() error {
		in := &s3.CreateMultipartUploadInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}
		if opts.ContentType != "" {
			in.ContentType = aws.String(opts.ContentType)
		}
		if len(opts.Metadata) > 0 {
			in.Metadata = opts.Metadata
		}
		if opts.StorageClass != "" {
			in.StorageClass = s3types.StorageClass(opts.StorageClass)
		}
		applySSEMultipart(in, opts)
		out, err := s.client.CreateMultipartUpload(ctx, in)
		if err != nil {
			return fmt.Errorf("begin multipart %s: %w", key, mapErr(err))
		}
		id = aws.ToString(out.UploadId)
		return nil
	})
	return id, err
}

func (s *S3Store) MultipartPutPart(ctx context.Context, key, uploadID string, number int, data []byte) (string, error) {
	var etag string
	err := s.do(ctx, func() error {
		out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(s.bucket),
			Key:        aws.String(key),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(int32(number)),
			Body:       bytes.NewReader(data),
		})
		if err != nil {
			return fmt.Errorf("put part %d of %s: %w", number, key, mapErr(err))
		}
		etag = aws.ToString(out.ETag)
		return nil
	})
	return etag, err
}

func (s *S3Store) MultipartComplete(ctx context.Context, key, uploadID string, parts []Part) error {
	completed := make([]s3types.CompletedPart, len(parts))
	for i, p := range parts {
		completed[i] = s3types.CompletedPart{
			PartNumber: aws.Int32(int32(p.Number)),
			ETag:       aws.String(p.ETag),
		}
	}
	return s.do(ctx, func() error {
		_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(s.bucket),
			Key:             aws.String(key),
			UploadId:        aws.String(uploadID),
			MultipartUpload: &s3types.CompletedMultipartUpload{Parts: completed},
		})
		if err != nil {
			return fmt.Errorf("complete multipart %s: %w", key, mapErr(err))
		}
		return nil
	})
}

func (s *S3Store) MultipartAbort(ctx context.Context, key, uploadID string) error {
	return s.do(ctx, func() error {
		_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(key),
			UploadId: aws.String(uploadID),
		})
		if err != nil {
			return fmt.Errorf("abort multipart %s: %w", key, mapErr(err))
		}
		return nil
	})
}

func (s *S3Store) ListMultipartUploads(ctx context.Context, prefix string) ([]UploadInfo, error) {
	var uploads []UploadInfo
	err := s.do(ctx, func() error {
		out, err := s.client.ListMultipartUploads(ctx, &s3.ListMultipartUploadsInput{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(prefix),
		})
		if err != nil {
			return fmt.Errorf("list multipart uploads: %w", mapErr(err))
		}
		for _, u := range out.Uploads {
			uploads = append(uploads, UploadInfo{
				Key:       aws.ToString(u.Key),
				UploadID:  aws.ToString(u.UploadId),
				Initiated: aws.ToTime(u.Initiated),
			})
		}
		return nil
	})
	return uploads, err
}

func applyPutOptions(in *s3.PutObjectInput, opts PutOptions) {
	if opts.ContentType != "" {
		in.ContentType = aws.String(opts.ContentType)
	}
	if len(opts.Metadata) > 0 {
		in.Metadata = opts.Metadata
	}
	if opts.StorageClass != "" {
		in.StorageClass = s3types.StorageClass(opts.StorageClass)
	}
	switch strings.ToLower(opts.SSE) {
	case "aes256":
		in.ServerSideEncryption = s3types.ServerSideEncryptionAes256
	case "aws:kms", "kms":
		in.ServerSideEncryption = s3types.ServerSideEncryptionAwsKms
		if opts.KMSKeyID != "" {
			in.SSEKMSKeyId = aws.String(opts.KMSKeyID)
		}
	}
}

func applySSEMultipart(in *s3.CreateMultipartUploadInput, opts PutOptions) {
	switch strings.ToLower(opts.SSE) {
	case "aes256":
		in.ServerSideEncryption = s3types.ServerSideEncryptionAes256
	case "aws:kms", "kms":
		in.ServerSideEncryption = s3types.ServerSideEncryptionAwsKms
		if opts.KMSKeyID != "" {
			in.SSEKMSKeyId = aws.String(opts.KMSKeyID)
		}
	}
}

// mapErr translates SDK failures into the package sentinels where callers
// branch on them.
func mapErr(err error) error {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case "PreconditionFailed", "ConditionalRequestConflict":
			return fmt.Errorf("%w: %v", ErrPrecondition, err)
		}
	}
	return err
}

// IsSlowDown reports whether err is an explicit throttle response.
func IsSlowDown(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "Throttling", "ThrottlingException", "RequestLimitExceeded", "TooManyRequests":
			return true
		}
	}
	return false
}

// IsRetryable classifies object-store failures for the retry policy:
// throttles, server errors and network timeouts retry; everything else is
// permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrBreakerOpen) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrPrecondition) {
		return false
	}
	if IsSlowDown(err) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InternalError", "ServiceUnavailable", "RequestTimeout":
			return true
		}
		switch apiErr.ErrorFault() {
		case smithy.FaultServer:
			return true
		case smithy.FaultClient:
			return false
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	// Connection resets and DNS hiccups surface as plain errors; treat
	// unclassified failures as retryable since the attempt budget is small.
	return true
}
