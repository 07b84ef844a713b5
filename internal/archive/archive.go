// Package archive copies execution history to object storage before
// retention deletes it. Rows stream as JSON Lines straight into a multipart
// upload, so archives of any size run in constant memory.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chronod/internal/store"
)

// Source streams the rows to archive. The store satisfies this.
type Source interface {
	ExecutionsBefore(ctx context.Context, cutoff time.Time, fn func(*store.Execution) error) error
}

// uploader is the slice of manager.Uploader the archiver needs.
type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Options configures the destination. Endpoint and the static key pair
// are for S3-compatible stores (MinIO, R2); leave them empty to use the
// ambient AWS credential chain.
type S3Options struct {
	URL       string // s3://bucket/prefix
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// Object describes one written archive.
type Object struct {
	Bucket string
	Key    string
	Rows   int64
}

// S3 archives execution history to a bucket.
type S3 struct {
	up     uploader
	bucket string
	prefix string
	now    func() time.Time
}

// ParseURL splits an s3://bucket/prefix destination.
func ParseURL(raw string) (bucket, prefix string, err error) {
	rest, ok := strings.CutPrefix(raw, "s3://")
	if !ok {
		return "", "", fmt.Errorf("archive: destination %q must start with s3://", raw)
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("archive: destination %q has no bucket", raw)
	}
	return bucket, strings.Trim(prefix, "/"), nil
}

// NewS3 builds an archiver for the given destination.
func NewS3(ctx context.Context, opts S3Options) (*S3, error) {
	bucket, prefix, err := ParseURL(opts.URL)
	if err != nil {
		return nil, err
	}

	var loadOpts []func(*awscfg.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awscfg.WithRegion(opts.Region))
	}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awscfg.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, "")))
	}
	cfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("archive: aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			// S3-compatible stores rarely support virtual-hosted buckets
			o.UsePathStyle = true
		}
	})
	return &S3{
		up:     manager.NewUploader(client),
		bucket: bucket,
		prefix: prefix,
		now:    time.Now,
	}, nil
}

// record is the JSONL shape, matching the REST wire casing so archives and
// API responses read the same.
type record struct {
	ID           uuid.UUID       `json:"id"`
	JobID        uuid.UUID       `json:"jobId"`
	Status       string          `json:"status"`
	StartedAt    time.Time       `json:"startedAt"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	DurationMS   *int64          `json:"durationMs,omitempty"`
	ErrorMessage *string         `json:"errorMessage,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	RetryCount   int             `json:"retryCount"`
}

func recordFrom(e *store.Execution) record {
	return record{
		ID:           e.ID,
		JobID:        e.JobID,
		Status:       string(e.Status),
		StartedAt:    e.StartedAt,
		CompletedAt:  e.CompletedAt,
		DurationMS:   e.DurationMS,
		ErrorMessage: e.ErrorMessage,
		Output:       e.Output,
		RetryCount:   e.RetryCount,
	}
}

// ArchiveBefore uploads every execution started before cutoff as one JSONL
// object and reports what was written. The caller deletes rows only after
// this returns, so a failed upload never loses history.
func (a *S3) ArchiveBefore(ctx context.Context, src Source, cutoff time.Time) (*Object, error) {
	key := a.objectKey(cutoff)

	pr, pw := io.Pipe()
	var rows int64
	streamed := make(chan error, 1)
	go func() {
		enc := json.NewEncoder(pw)
		err := src.ExecutionsBefore(ctx, cutoff, func(e *store.Execution) error {
			rows++
			return enc.Encode(recordFrom(e))
		})
		pw.CloseWithError(err)
		streamed <- err
	}()

	if _, err := a.up.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        pr,
		ContentType: aws.String("application/x-ndjson"),
	}); err != nil {
		pr.CloseWithError(err) // unblock the producer
		<-streamed
		return nil, fmt.Errorf("archive: upload s3://%s/%s: %w", a.bucket, key, err)
	}
	if err := <-streamed; err != nil {
		return nil, fmt.Errorf("archive: stream executions: %w", err)
	}

	slog.Info("archive: wrote execution history",
		"bucket", a.bucket, "key", key, "rows", rows)
	return &Object{Bucket: a.bucket, Key: key, Rows: rows}, nil
}

func (a *S3) objectKey(cutoff time.Time) string {
	name := fmt.Sprintf("executions-%s-%d.jsonl",
		cutoff.UTC().Format("20060102"), a.now().UTC().Unix())
	if a.prefix == "" {
		return name
	}
	return a.prefix + "/" + name
}
