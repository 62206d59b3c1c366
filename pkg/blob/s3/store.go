// Package s3 implements the object store driver on S3-compatible storage.
package s3

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/qabelwerk/blockd/internal/logger"
	"github.com/qabelwerk/blockd/pkg/blob"
	"github.com/qabelwerk/blockd/pkg/cache"
)

// Client is the subset of the S3 API the driver uses. *s3.Client satisfies
// it; tests substitute a fake.
type Client interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// NewClientFromConfig creates an S3 client for the configured endpoint. An
// empty endpoint targets AWS proper; MinIO and friends need forcePathStyle.
func NewClientFromConfig(
	ctx context.Context,
	endpoint,
	region,
	accessKeyID,
	secretAccessKey string,
	forcePathStyle bool,
) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKeyID,
			secretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("s3: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
		}
		o.UsePathStyle = forcePathStyle
	})
	return client, nil
}

// Store keeps blobs in a single bucket and mirrors (etag, size) metadata into
// the cache. ETags are the ones S3 reports, with the surrounding quotes
// stripped.
type Store struct {
	client Client
	bucket string
	cache  cache.Cache
}

// New creates an S3 driver on top of client.
func New(client Client, bucket string, c cache.Cache) *Store {
	return &Store{client: client, bucket: bucket, cache: c}
}

func cleanETag(etag *string) string {
	if etag == nil {
		return ""
	}
	return strings.Trim(*etag, `"`)
}

func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

func isNotModified(err error) bool {
	var respErr *awshttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotModified
}

// Store uploads the spool file and returns the stored object along with the
// size delta against the previous version.
func (s *Store) Store(ctx context.Context, so blob.StorageObject) (blob.StorageObject, int64, error) {
	oldSize := int64(0)
	if old, err := s.Meta(ctx, so); err == nil {
		oldSize = old.Size
	} else if !errors.Is(err, blob.ErrNotFound) {
		return blob.StorageObject{}, 0, err
	}

	f, err := os.Open(so.LocalFile)
	if err != nil {
		return blob.StorageObject{}, 0, fmt.Errorf("s3: open spool: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return blob.StorageObject{}, 0, fmt.Errorf("s3: stat spool: %w", err)
	}

	out, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(so.Key()),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	})
	if err != nil {
		return blob.StorageObject{}, 0, fmt.Errorf("s3: put object %q: %w", so.Key(), err)
	}

	so.ETag = cleanETag(out.ETag)
	so.Size = info.Size()

	if err := s.cache.SetStorage(so); err != nil {
		logger.Warn("failed to cache stored object", "key", so.Key(), "error", err)
	}
	return so, so.Size - oldSize, nil
}

// Retrieve fetches the object, passing a caller etag through as
// If-None-Match. A backend 304 yields a result with a nil Body.
func (s *Store) Retrieve(ctx context.Context, so blob.StorageObject) (*blob.StorageObject, error) {
	in := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(so.Key()),
	}
	if so.ETag != "" {
		in.IfNoneMatch = aws.String(so.ETag)
	}

	out, err := s.client.GetObject(ctx, in)
	if err != nil {
		switch {
		case isNotModified(err):
			return &blob.StorageObject{
				Prefix:   so.Prefix,
				FilePath: so.FilePath,
				ETag:     so.ETag,
			}, nil
		case isNotFound(err):
			return nil, blob.ErrNotFound
		default:
			return nil, fmt.Errorf("s3: get object %q: %w", so.Key(), err)
		}
	}

	result := &blob.StorageObject{
		Prefix:   so.Prefix,
		FilePath: so.FilePath,
		ETag:     cleanETag(out.ETag),
		Size:     aws.ToInt64(out.ContentLength),
		Body:     out.Body,
	}
	if err := s.cache.SetStorage(*result); err != nil {
		logger.Warn("failed to cache retrieved object", "key", so.Key(), "error", err)
	}
	return result, nil
}

// Meta answers from the cache when possible and falls back to a HeadObject.
func (s *Store) Meta(ctx context.Context, so blob.StorageObject) (*blob.StorageObject, error) {
	if cached, err := s.cache.GetStorage(so); err == nil {
		return &cached, nil
	}

	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(so.Key()),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, blob.ErrNotFound
		}
		return nil, fmt.Errorf("s3: head object %q: %w", so.Key(), err)
	}

	result := &blob.StorageObject{
		Prefix:   so.Prefix,
		FilePath: so.FilePath,
		ETag:     cleanETag(out.ETag),
		Size:     aws.ToInt64(out.ContentLength),
	}
	if err := s.cache.SetStorage(*result); err != nil {
		logger.Warn("failed to cache object meta", "key", so.Key(), "error", err)
	}
	return result, nil
}

// Delete removes the object and returns the freed size. S3 deletes are
// idempotent, so a missing object frees 0 bytes without an error.
func (s *Store) Delete(ctx context.Context, so blob.StorageObject) (int64, error) {
	size := int64(0)
	if meta, err := s.Meta(ctx, so); err == nil {
		size = meta.Size
	} else if !errors.Is(err, blob.ErrNotFound) {
		return 0, err
	}

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(so.Key()),
	}); err != nil {
		return 0, fmt.Errorf("s3: delete object %q: %w", so.Key(), err)
	}
	if err := s.cache.DeleteStorage(so); err != nil {
		logger.Warn("failed to invalidate cached object", "key", so.Key(), "error", err)
	}
	return size, nil
}

var _ blob.Transfer = (*Store)(nil)
