package s3

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hupe1980/ttlstore/blobstore"
)

// Store keeps blobs as objects under a key prefix of one bucket.
type Store struct {
	client   Client
	bucket   string
	prefix   string
	upload   UploadConfig
	uploader *manager.Uploader
}

var _ blobstore.BlobStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithUploadConfig overrides the multipart upload settings.
func WithUploadConfig(cfg UploadConfig) Option {
	return func(s *Store) { s.upload = cfg }
}

// NewStore returns a Store on bucket. prefix, if set, is joined to every
// blob name with a slash.
func NewStore(client Client, bucket, prefix string, opts ...Option) *Store {
	s := &Store{
		client: client,
		bucket: bucket,
		upload: DefaultUploadConfig(),
	}
	if p := strings.Trim(prefix, "/"); p != "" {
		s.prefix = p + "/"
	}
	for _, opt := range opts {
		opt(s)
	}
	s.uploader = s.upload.uploader(client)
	return s
}

func (s *Store) key(name string) string { return s.prefix + name }

// Open learns the object size with a HEAD request. Reads are ranged GETs.
func (s *Store) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	obj := &object{client: s.client, bucket: s.bucket, key: s.key(name)}
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(obj.bucket),
		Key:    aws.String(obj.key),
	})
	if isNotFound(err) {
		return nil, fmt.Errorf("%s: %w", name, blobstore.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	obj.size = aws.ToInt64(head.ContentLength)
	return obj, nil
}

// Create starts a streaming multipart upload.
func (s *Store) Create(ctx context.Context, name string) (blobstore.WritableBlob, error) {
	return s.createObject(ctx, s.key(name)), nil
}

// Put uploads data in a single request.
func (s *Store) Put(ctx context.Context, name string, data []byte) error {
	return s.putObject(ctx, s.key(name), data)
}

// Delete removes an object. S3 treats missing keys as deleted.
func (s *Store) Delete(ctx context.Context, name string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name)),
	})
	if isNotFound(err) {
		return nil
	}
	return err
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.key(prefix)),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, o := range page.Contents {
			if name := strings.TrimPrefix(aws.ToString(o.Key), s.prefix); name != "" {
				names = append(names, name)
			}
		}
	}
	slices.Sort(names)
	return names, nil
}

// object is an open S3 object of known size.
type object struct {
	client Client
	bucket string
	key    string
	size   int64
}

func (o *object) Size() int64  { return o.size }
func (o *object) Close() error { return nil }

// clamp returns the last byte of a read of n bytes at off, limited to the
// object. ok is false when nothing can be read.
func (o *object) clamp(off, n int64) (last int64, ok bool) {
	if n <= 0 || off < 0 || off >= o.size {
		return 0, false
	}
	return min(off+n, o.size) - 1, true
}

func (o *object) get(ctx context.Context, first, last int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out, err := o.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(o.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", first, last)),
	})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

func (o *object) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	last, ok := o.clamp(off, int64(len(p)))
	if !ok {
		return 0, io.EOF
	}
	body, err := o.get(ctx, off, last)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	n, err := io.ReadFull(body, p[:last-off+1])
	switch {
	case err != nil:
		return n, io.ErrUnexpectedEOF
	case n < len(p):
		return n, io.EOF
	}
	return n, nil
}

func (o *object) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	last, ok := o.clamp(off, length)
	if !ok {
		return io.NopCloser(strings.NewReader("")), nil
	}
	return o.get(ctx, off, last)
}
