// Package storage wraps the S3 object store behind the small set of
// operations the ingestion pipeline needs: list, get, put, copy, and bulk
// delete. Every mutation returns a types.ObjectRef describing the stored
// object, and every backend failure is surfaced as a uniform storage error.
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"peerflow/internal/types"
)

// listPageSize is the number of keys fetched per ListObjectsV2 page.
const listPageSize = 1000

// DeleteChunkSize is the maximum number of keys a single DeleteObjects call
// accepts. Callers batching deletions must chunk at this size.
const DeleteChunkSize = 1000

// S3API is the subset of the S3 SDK client used by Store.
// This interface enables testing with a mock client.
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// Store provides object-store operations over a single S3 client.
type Store struct {
	client S3API
	logger *slog.Logger
}

// NewStore creates a Store over the given client.
func NewStore(client S3API, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, logger: logger}
}

// List returns all objects under the given prefix in key order, paginating
// internally at listPageSize keys per page.
func (s *Store) List(ctx context.Context, bucket, prefix string) ([]types.ObjectRef, error) {
	s.logger.InfoContext(ctx, "listing bucket", "bucket", bucket, "prefix", prefix)

	var refs []types.ObjectRef
	var continuation *string

	for {
		output, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(prefix),
			MaxKeys:           aws.Int32(listPageSize),
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, storageError(fmt.Sprintf("unable to list objects in bucket %s", bucket), err)
		}

		for _, item := range output.Contents {
			if item.Key == nil {
				continue
			}
			refs = append(refs, types.ObjectRef{
				Key:          *item.Key,
				LastModified: item.LastModified,
			})
		}

		if output.IsTruncated == nil || !*output.IsTruncated {
			break
		}
		continuation = output.NextContinuationToken
	}

	return refs, nil
}

// Get fetches an existing object and returns its content stream. The caller
// owns the returned ReadCloser.
func (s *Store) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	s.logger.InfoContext(ctx, "getting object", "bucket", bucket, "key", key)

	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, storageError(fmt.Sprintf("unable to get object %s/%s", bucket, key), err)
	}
	return output.Body, nil
}

// Put stores the given content under key and returns the resulting ref.
func (s *Store) Put(ctx context.Context, bucket, key string, body io.Reader) (types.ObjectRef, error) {
	s.logger.InfoContext(ctx, "putting object", "bucket", bucket, "key", key)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return types.ObjectRef{}, storageError(fmt.Sprintf("unable to put object %s/%s", bucket, key), err)
	}
	return types.ObjectRef{Key: key}, nil
}

// Copy performs a server-side copy between buckets and returns the
// destination ref.
func (s *Store) Copy(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (types.ObjectRef, error) {
	s.logger.InfoContext(ctx, "copying object",
		"source_bucket", srcBucket, "source_key", srcKey,
		"destination_bucket", dstBucket, "destination_key", dstKey,
	)

	// CopySource must be URL-encoded; peer file names routinely contain spaces.
	source := (&url.URL{Path: srcBucket + "/" + srcKey}).EscapedPath()

	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(dstBucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(source),
	})
	if err != nil {
		return types.ObjectRef{}, storageError(
			fmt.Sprintf("unable to copy %s/%s to %s/%s", srcBucket, srcKey, dstBucket, dstKey), err)
	}
	return types.ObjectRef{Key: dstKey}, nil
}

// DeleteObjects removes the given refs from the bucket in one call. At most
// DeleteChunkSize refs may be passed; empty input is a no-op.
func (s *Store) DeleteObjects(ctx context.Context, bucket string, refs []types.ObjectRef) error {
	if len(refs) == 0 {
		return nil
	}
	if len(refs) > DeleteChunkSize {
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("unable to delete more than %d objects at a time", DeleteChunkSize), nil)
	}

	s.logger.InfoContext(ctx, "deleting objects", "bucket", bucket, "count", len(refs))

	objects := make([]s3types.ObjectIdentifier, 0, len(refs))
	for _, ref := range refs {
		objects = append(objects, s3types.ObjectIdentifier{Key: aws.String(ref.Key)})
	}

	_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(bucket),
		Delete: &s3types.Delete{
			Objects: objects,
			Quiet:   aws.Bool(false),
		},
	})
	if err != nil {
		return storageError(fmt.Sprintf("unable to delete objects in bucket %s", bucket), err)
	}
	return nil
}

// storageError wraps a backend failure as the uniform storage error.
func storageError(message string, err error) *types.AppError {
	return types.NewAppError(types.ErrCodeUpstreamStorage, message, err)
}
