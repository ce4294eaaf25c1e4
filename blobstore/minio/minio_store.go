package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hupe1980/ttlstore/blobstore"
)

var _ blobstore.BlobStore = (*Store)(nil)

var errAborted = errors.New("minio: upload aborted")

// Config describes how to reach a bucket.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Secure    bool
	Bucket    string
	// Prefix is prepended to every blob name, e.g. "node-1/".
	Prefix string
}

// Store is a blobstore.BlobStore on a MinIO or S3-compatible bucket.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewStore stores blobs in bucket below rootPrefix.
func NewStore(client *minio.Client, bucket, rootPrefix string) *Store {
	prefix := strings.Trim(rootPrefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Store{client: client, bucket: bucket, prefix: prefix}
}

// Dial connects with static credentials.
func Dial(cfg Config) (*Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, errors.New("minio: endpoint and bucket are required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio: %w", err)
	}
	return NewStore(client, cfg.Bucket, cfg.Prefix), nil
}

func (s *Store) objectKey(name string) string { return s.prefix + name }

func notFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == 404 || resp.Code == "NoSuchKey" || resp.Code == "NotFound"
}

func (s *Store) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	key := s.objectKey(name)
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	switch {
	case notFound(err):
		return nil, fmt.Errorf("%w: %s", blobstore.ErrNotFound, name)
	case err != nil:
		return nil, err
	}
	return &object{store: s, key: key, size: info.Size}, nil
}

// Put uploads data with a single PUT. Single-object PUTs are atomic on
// S3-compatible stores, which the manifest pointer relies on.
func (s *Store) Put(ctx context.Context, name string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.objectKey(name),
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	return err
}

// Create streams writes into a multipart upload running in the
// background. The object appears when Close returns nil.
func (s *Store) Create(ctx context.Context, name string) (blobstore.WritableBlob, error) {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	u := &upload{pw: pw, cancel: cancel, done: make(chan error, 1)}
	go func() {
		_, err := s.client.PutObject(ctx, s.bucket, s.objectKey(name), pr, -1, minio.PutObjectOptions{})
		pr.CloseWithError(err)
		u.done <- err
	}()
	return u, nil
}

// Delete removes a blob; a missing blob is not an error.
func (s *Store) Delete(ctx context.Context, name string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.objectKey(name), minio.RemoveObjectOptions{})
	if err != nil && !notFound(err) {
		return err
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	opts := minio.ListObjectsOptions{Prefix: s.objectKey(prefix), Recursive: true}
	for obj := range s.client.ListObjects(ctx, s.bucket, opts) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		if name := strings.TrimPrefix(obj.Key, s.prefix); name != "" {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names, nil
}

// object reads an immutable object with ranged GETs.
type object struct {
	store *Store
	key   string
	size  int64
}

// get opens [off, off+length) clipped to the object size. It returns
// the clipped length, zero when off is past the end.
func (o *object) get(ctx context.Context, off, length int64) (io.ReadCloser, int64, error) {
	if off < 0 || off >= o.size || length <= 0 {
		return nil, 0, nil
	}
	length = min(length, o.size-off)
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(off, off+length-1); err != nil {
		return nil, 0, err
	}
	rc, err := o.store.client.GetObject(ctx, o.store.bucket, o.key, opts)
	if err != nil {
		return nil, 0, err
	}
	return rc, length, nil
}

func (o *object) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	rc, n, err := o.get(ctx, off, int64(len(p)))
	if err != nil {
		return 0, err
	}
	if rc == nil {
		return 0, io.EOF
	}
	defer rc.Close()
	read, err := io.ReadFull(rc, p[:n])
	if err == nil && read < len(p) {
		err = io.EOF
	}
	return read, err
}

func (o *object) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	rc, _, err := o.get(ctx, off, length)
	if err != nil {
		return nil, err
	}
	if rc == nil {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	return rc, nil
}

func (o *object) Size() int64 { return o.size }

func (o *object) Close() error { return nil }

type upload struct {
	pw     *io.PipeWriter
	cancel context.CancelFunc
	done   chan error
	once   sync.Once
	err    error
}

func (u *upload) Write(p []byte) (int, error) { return u.pw.Write(p) }

// Sync is a no-op; data is durable once Close returns.
func (u *upload) Sync() error { return nil }

func (u *upload) Close() error {
	u.finish(nil)
	return u.err
}

// Abort cancels the upload so the object is never created.
func (u *upload) Abort() error {
	u.finish(errAborted)
	return nil
}

func (u *upload) finish(abort error) {
	u.once.Do(func() {
		if abort != nil {
			u.pw.CloseWithError(abort)
			u.cancel()
			<-u.done
			u.err = abort
			return
		}
		u.pw.Close()
		u.err = <-u.done
		u.cancel()
	})
}
