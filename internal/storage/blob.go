// Package storage keeps submitted source files in a blob bucket.
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"
)

// ErrFileNotFound is returned when a key is absent from the bucket.
var ErrFileNotFound = errors.New("source file not found")

// FileStore persists uploaded source files by key.
type FileStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// BlobStore is a FileStore over a gocloud bucket (file://, mem://, s3://, gs://...).
type BlobStore struct {
	bucket *blob.Bucket
}

// Open opens bucketURL and checks it is reachable.
func Open(ctx context.Context, bucketURL string) (*BlobStore, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open bucket %s", bucketURL)
	}
	ok, err := bucket.IsAccessible(ctx)
	if err != nil {
		_ = bucket.Close()
		return nil, errors.Wrapf(err, "failed to check bucket accessibility %s", bucketURL)
	}
	if !ok {
		_ = bucket.Close()
		return nil, errors.Newf("bucket %s is not accessible", bucketURL)
	}
	return &BlobStore{bucket: bucket}, nil
}

func NewBlobStore(bucket *blob.Bucket) *BlobStore {
	return &BlobStore{bucket: bucket}
}

func (s *BlobStore) Put(ctx context.Context, key string, data []byte) error {
	err := s.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{
		ContentDisposition: fmt.Sprintf("attachment; filename=%q", path.Base(key)),
	})
	if err != nil {
		return errors.Wrapf(err, "failed to write %s", key)
	}
	return nil
}

func (s *BlobStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, key)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, errors.Wrapf(ErrFileNotFound, "key %s", key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", key)
	}
	return data, nil
}

// Delete removes key; a missing key is not an error.
func (s *BlobStore) Delete(ctx context.Context, key string) error {
	err := s.bucket.Delete(ctx, key)
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return errors.Wrapf(err, "failed to delete %s", key)
	}
	return nil
}

func (s *BlobStore) Close() error {
	return s.bucket.Close()
}

// UploadKey is the bucket key of an upload's source file.
func UploadKey(uploadID uuid.UUID, fileName string) string {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(fileName), "\\", "/"))
	if name == "." || name == "/" || name == "" {
		name = "source"
	}
	return path.Join("uploads", uploadID.String(), name)
}
