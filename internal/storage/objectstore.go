package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ObjectStore defines the keyed object store API the metadata and artifact
// layers are built on. The interface is intentionally small to support a
// lightweight in-memory fake in tests while enabling an S3-backed
// implementation for production.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, body []byte) error
	GetObject(ctx context.Context, key string) ([]byte, error)
	DeleteObject(ctx context.Context, key string) error
	// ListKeys returns every key under the prefix in ascending key order.
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Checksum returns the store's content checksum for the object.
	Checksum(ctx context.Context, key string) (string, error)
}

// InMemoryObjectStore is a test-friendly object store that keeps content in
// process memory. It is safe for concurrent use.
type InMemoryObjectStore struct {
	mu    sync.RWMutex
	store map[string][]byte
}

// NewInMemoryObjectStore constructs an in-memory object store.
func NewInMemoryObjectStore() *InMemoryObjectStore {
	return &InMemoryObjectStore{store: make(map[string][]byte)}
}

// PutObject saves the provided payload.
func (s *InMemoryObjectStore) PutObject(ctx context.Context, key string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = ctx
	data := make([]byte, len(body))
	copy(data, body)
	s.store[key] = data
	return nil
}

// GetObject retrieves the stored payload.
func (s *InMemoryObjectStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_ = ctx
	data, ok := s.store[key]
	if !ok {
		return nil, ErrObjectNotFound
	}

	copyData := make([]byte, len(data))
	copy(copyData, data)
	return copyData, nil
}

// DeleteObject removes the stored payload.
func (s *InMemoryObjectStore) DeleteObject(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = ctx
	delete(s.store, key)
	return nil
}

// ListKeys returns all keys under the prefix in ascending order.
func (s *InMemoryObjectStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_ = ctx
	var keys []string
	for key := range s.store {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Exists reports whether an object is stored under the key.
func (s *InMemoryObjectStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_ = ctx
	_, ok := s.store[key]
	return ok, nil
}

// Checksum returns the MD5 hex digest of the stored payload, mirroring the
// ETag of a simple S3 upload.
func (s *InMemoryObjectStore) Checksum(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_ = ctx
	data, ok := s.store[key]
	if !ok {
		return "", ErrObjectNotFound
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:]), nil
}

// S3Client captures the subset of the AWS SDK client used by S3ObjectStore.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3ObjectStore stores records and artifacts in an S3-compatible bucket.
type S3ObjectStore struct {
	client S3Client
	bucket string
}

// NewS3ObjectStore creates an object store backed by S3.
func NewS3ObjectStore(client S3Client, bucket string) *S3ObjectStore {
	return &S3ObjectStore{client: client, bucket: bucket}
}

// PutObject uploads the payload to S3.
func (s *S3ObjectStore) PutObject(ctx context.Context, key string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   bytes.NewReader(body),
	})
	return err
}

// GetObject downloads an object from S3.
func (s *S3ObjectStore) GetObject(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		if isMissing(err) {
			return nil, ErrObjectNotFound
		}
		return nil, err
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, err
	}

	return data, nil
}

// DeleteObject removes an object from S3.
func (s *S3ObjectStore) DeleteObject(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if isMissing(err) {
		return ErrObjectNotFound
	}
	return err
}

// ListKeys lists all keys under the prefix. S3 returns keys in ascending
// lexicographic order; that ordering is preserved across pages.
func (s *S3ObjectStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: &prefix,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			keys = append(keys, *obj.Key)
		}
	}
	return keys, nil
}

// Exists reports whether an object is stored under the key.
func (s *S3ObjectStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		if isMissing(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Checksum returns the object's ETag with surrounding quotes stripped.
func (s *S3ObjectStore) Checksum(ctx context.Context, key string) (string, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		if isMissing(err) {
			return "", ErrObjectNotFound
		}
		return "", err
	}
	if out.ETag == nil {
		return "", nil
	}
	return strings.Trim(*out.ETag, `"`), nil
}

func isMissing(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}
