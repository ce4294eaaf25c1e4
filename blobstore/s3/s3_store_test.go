package s3

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/ttlstore/blobstore"
	"github.com/hupe1980/ttlstore/internal/lsm"
)

// TestIntegrationEngineOnS3 runs the storage engine against the bucket
// named by S3_BUCKET.
func TestIntegrationEngineOnS3(t *testing.T) {
	bucket := os.Getenv("S3_BUCKET")
	if bucket == "" {
		t.Skip("S3_BUCKET not set")
	}
	ctx := context.Background()
	client, err := NewClient(ctx, os.Getenv("AWS_REGION"))
	require.NoError(t, err)

	prefix := fmt.Sprintf("ttlstore-test-%d", time.Now().UnixNano())
	store := NewStore(client, bucket, prefix)
	t.Cleanup(func() {
		names, _ := store.List(ctx, "")
		for _, n := range names {
			_ = store.Delete(ctx, n)
		}
	})

	dir := t.TempDir()
	db, err := lsm.Open(ctx, dir, lsm.WithBlobStore(store))
	require.NoError(t, err)
	cf, err := db.ColumnFamily(lsm.DefaultColumnFamily)
	require.NoError(t, err)

	b := lsm.NewBatch()
	for i := 0; i < 100; i++ {
		b.Set(cf, []byte(fmt.Sprintf("key%03d", i)), []byte("value"))
	}
	require.NoError(t, db.Write(ctx, b))
	require.NoError(t, db.CompactRange(ctx, cf))
	require.NoError(t, db.Close())

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Contains(t, names, "CURRENT")

	db, err = lsm.Open(ctx, dir, lsm.WithBlobStore(store))
	require.NoError(t, err)
	defer db.Close()
	cf, err = db.ColumnFamily(lsm.DefaultColumnFamily)
	require.NoError(t, err)
	v, err := db.Get(ctx, cf, []byte("key042"))
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), v)

	_, err = store.Open(ctx, "missing.sst")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}
