package minio

import (
	"context"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/ttlstore/blobstore"
)

// integrationStore connects to the MinIO instance named by MINIO_ENDPOINT.
func integrationStore(t *testing.T) *Store {
	t.Helper()
	endpoint := os.Getenv("MINIO_ENDPOINT")
	if endpoint == "" {
		t.Skip("MINIO_ENDPOINT not set")
	}
	cfg := Config{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("MINIO_SECRET_KEY"),
		Bucket:    "ttlstore-test",
		Prefix:    fmt.Sprintf("run-%d", time.Now().UnixNano()),
	}
	s, err := Dial(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	exists, err := s.client.BucketExists(ctx, cfg.Bucket)
	require.NoError(t, err)
	if !exists {
		require.NoError(t, s.client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}))
	}
	return s
}

func TestIntegrationStore(t *testing.T) {
	s := integrationStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "CURRENT", []byte("MANIFEST-000003")))
	got, err := blobstore.ReadAll(ctx, s, "CURRENT")
	require.NoError(t, err)
	assert.Equal(t, "MANIFEST-000003", string(got))

	w, err := s.Create(ctx, "000007.sst")
	require.NoError(t, err)
	_, err = w.Write([]byte("sorted table bytes"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	blob, err := s.Open(ctx, "000007.sst")
	require.NoError(t, err)
	assert.Equal(t, int64(18), blob.Size())
	buf := make([]byte, 10)
	n, err := blob.ReadAt(ctx, buf, 13)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, "bytes", string(buf[:n]))
	rc, err := blob.ReadRange(ctx, 7, 5)
	require.NoError(t, err)
	part, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "table", string(part))

	aborted, err := s.Create(ctx, "000008.sst")
	require.NoError(t, err)
	_, err = aborted.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, aborted.(blobstore.Aborter).Abort())

	names, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"000007.sst", "CURRENT"}, names)

	require.NoError(t, s.Delete(ctx, "000007.sst"))
	require.NoError(t, s.Delete(ctx, "000007.sst"))
	require.NoError(t, s.Delete(ctx, "CURRENT"))
	_, err = s.Open(ctx, "000007.sst")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestObjectKeys(t *testing.T) {
	for prefix, want := range map[string]string{
		"":         "CURRENT",
		"/":        "CURRENT",
		"node-1":   "node-1/CURRENT",
		"/node-1/": "node-1/CURRENT",
	} {
		assert.Equal(t, want, NewStore(nil, "b", prefix).objectKey("CURRENT"), "prefix %q", prefix)
	}
}

func TestNotFound(t *testing.T) {
	assert.True(t, notFound(minio.ErrorResponse{Code: "NoSuchKey"}))
	assert.True(t, notFound(minio.ErrorResponse{StatusCode: 404}))
	assert.False(t, notFound(minio.ErrorResponse{Code: "AccessDenied", StatusCode: 403}))
	assert.False(t, notFound(nil))
}

func TestDial(t *testing.T) {
	s, err := Dial(Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b", Bucket: "cache", Prefix: "p"})
	require.NoError(t, err)
	assert.Equal(t, "cache", s.bucket)
	assert.Equal(t, "p/", s.prefix)

	_, err = Dial(Config{Endpoint: "localhost:9000"})
	assert.Error(t, err)
}
