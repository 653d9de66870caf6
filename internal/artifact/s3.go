package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const (
	artifactObject = "artifact"
	symbolObject   = "symbols"
)

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, opts ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Store stores artifacts in an S3 bucket under
// <prefix>/<tenant>/<cacheKey>/artifact and .../symbols. The object's
// LastModified timestamp doubles as the last-accessed timestamp; Touch
// refreshes it with an in-place copy.
type S3Store struct {
	client S3API
	bucket string
	prefix string
	logger *slog.Logger
}

// NewS3Store creates a store for the given bucket and key prefix.
func NewS3Store(client S3API, bucket, prefix string, logger *slog.Logger) *S3Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Store{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/"), logger: logger}
}

func (s *S3Store) key(tenantID, cacheKey, object string) string {
	return path.Join(s.prefix, tenantID, cacheKey, object)
}

// Exists reports whether an artifact is stored for the key.
func (s *S3Store) Exists(ctx context.Context, tenantID, cacheKey string) bool {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(tenantID, cacheKey, artifactObject)),
	})
	return err == nil
}

func (s *S3Store) download(ctx context.Context, key, tenantID, cacheKey string) ([]byte, bool) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		s.logger.Debug("durable store read miss",
			"tenant", tenantID, "cache_key", cacheKey, "error", err)
		return nil, false
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		s.logger.Warn("durable store body read failed, treating as not found",
			"tenant", tenantID, "cache_key", cacheKey, "error", err)
		return nil, false
	}
	return data, true
}

// Download returns the artifact bytes, or ok=false when absent or unreadable.
func (s *S3Store) Download(ctx context.Context, tenantID, cacheKey string) ([]byte, bool) {
	return s.download(ctx, s.key(tenantID, cacheKey, artifactObject), tenantID, cacheKey)
}

// DownloadSymbols returns the debug-symbol bytes, or ok=false when absent.
func (s *S3Store) DownloadSymbols(ctx context.Context, tenantID, cacheKey string) ([]byte, bool) {
	return s.download(ctx, s.key(tenantID, cacheKey, symbolObject), tenantID, cacheKey)
}

// Write stores an artifact, or refreshes the timestamp when the key exists.
func (s *S3Store) Write(ctx context.Context, tenantID, cacheKey string, artifactBytes, symbolBytes []byte) error {
	if len(artifactBytes) == 0 {
		return ErrEmptyArtifact
	}
	if s.Exists(ctx, tenantID, cacheKey) {
		return s.Touch(ctx, tenantID, cacheKey, time.Now())
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(tenantID, cacheKey, artifactObject)),
		Body:   bytes.NewReader(artifactBytes),
	})
	if err != nil {
		return fmt.Errorf("upload artifact %s for tenant %s: %w", cacheKey, tenantID, err)
	}
	if len(symbolBytes) > 0 {
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(tenantID, cacheKey, symbolObject)),
			Body:   bytes.NewReader(symbolBytes),
		})
		if err != nil {
			return fmt.Errorf("upload symbols %s for tenant %s: %w", cacheKey, tenantID, err)
		}
	}
	return nil
}

// Touch refreshes the artifact's LastModified with an in-place copy.
func (s *S3Store) Touch(ctx context.Context, tenantID, cacheKey string, now time.Time) error {
	key := s.key(tenantID, cacheKey, artifactObject)
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(s.bucket),
		CopySource:        aws.String(s.bucket + "/" + key),
		Key:               aws.String(key),
		MetadataDirective: s3types.MetadataDirectiveReplace,
		Metadata:          map[string]string{"last-accessed": now.UTC().Format(time.RFC3339)},
	})
	if err != nil {
		return fmt.Errorf("touch artifact %s for tenant %s: %w", cacheKey, tenantID, err)
	}
	return nil
}

// EnumerateAll calls fn for every artifact of the tenant.
func (s *S3Store) EnumerateAll(ctx context.Context, tenantID string, fn func(Entry) error) error {
	prefix := path.Join(s.prefix, tenantID) + "/"
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return fmt.Errorf("list artifacts for tenant %s: %w", tenantID, err)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if path.Base(key) != artifactObject {
				continue
			}
			e := Entry{
				CacheKey:       path.Base(path.Dir(key)),
				LastAccessedAt: aws.ToTime(obj.LastModified),
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			return nil
		}
		token = out.NextContinuationToken
	}
}

// DeleteIfExists removes the artifact and its symbols, if present.
func (s *S3Store) DeleteIfExists(ctx context.Context, tenantID, cacheKey string) error {
	for _, object := range []string{artifactObject, symbolObject} {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key(tenantID, cacheKey, object)),
		})
		if err != nil {
			return fmt.Errorf("delete %s %s for tenant %s: %w", object, cacheKey, tenantID, err)
		}
	}
	return nil
}
