// Package minio implements checkpoint.Store for MinIO and other
// S3-compatible object storage reachable without AWS credentials, e.g. an
// on-premise cluster next to the compute nodes.
package minio

import (
	"bytes"
	"context"
	"io"
	"path"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/minio/minio-go/v7"

	"github.com/hupe1980/parvec/checkpoint"
)

// Store implements checkpoint.Store for MinIO and S3-compatible storage.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewStore creates a new MinIO checkpoint store.
// rootPrefix is prepended to all keys (e.g. "run-42/").
func NewStore(client *minio.Client, bucket, rootPrefix string) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		prefix: rootPrefix,
	}
}

func (s *Store) key(name string) string {
	return path.Join(s.prefix, name)
}

// Open opens an object for sequential reading.
func (s *Store) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	key := s.key(name)

	// Stat first: GetObject defers errors until the first read.
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		return nil, mapNotFound(err)
	}

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, mapNotFound(err)
	}
	return obj, nil
}

// Create creates a streaming upload. Data is committed on Close.
func (s *Store) Create(ctx context.Context, name string) (checkpoint.WritableObject, error) {
	key := s.key(name)
	pr, pw := io.Pipe()

	obj := &minioWritableObject{
		pw:   pw,
		done: make(chan error, 1),
	}

	go func() {
		_, err := s.client.PutObject(ctx, s.bucket, key, pr, -1, minio.PutObjectOptions{})
		_ = pr.CloseWithError(err)
		obj.done <- err
	}()

	return obj, nil
}

// Put writes an object atomically.
func (s *Store) Put(ctx context.Context, name string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.key(name), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	return err
}

// Delete removes an object.
func (s *Store) Delete(ctx context.Context, name string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.key(name), minio.RemoveObjectOptions{})
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
			return nil // Already gone
		}
		return err
	}
	return nil
}

// List returns the object names under the prefix, relative to the store
// root, sorted.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	fullPrefix := s.key(prefix)
	if prefix != "" && strings.HasSuffix(prefix, "/") {
		fullPrefix += "/"
	}

	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    fullPrefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		rel := obj.Key
		if s.prefix != "" {
			rel = strings.TrimPrefix(strings.TrimPrefix(rel, s.prefix), "/")
		}
		keys = append(keys, rel)
	}
	sort.Strings(keys)
	return keys, nil
}

func mapNotFound(err error) error {
	errResp := minio.ToErrorResponse(err)
	if errResp.Code == "NoSuchKey" || errResp.Code == "NotFound" {
		return checkpoint.ErrNotFound
	}
	return err
}

// minioWritableObject implements checkpoint.WritableObject over a pipe
// feeding the background upload.
type minioWritableObject struct {
	pw     *io.PipeWriter
	done   chan error
	closed atomic.Bool
}

func (o *minioWritableObject) Write(p []byte) (int, error) {
	if o.closed.Load() {
		return 0, io.ErrClosedPipe
	}
	return o.pw.Write(p)
}

func (o *minioWritableObject) Close() error {
	if !o.closed.CompareAndSwap(false, true) {
		return io.ErrClosedPipe
	}
	if err := o.pw.Close(); err != nil {
		return err
	}
	return <-o.done
}

// Sync is a no-op - data is only committed on Close().
func (o *minioWritableObject) Sync() error {
	return nil
}
