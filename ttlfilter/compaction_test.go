package ttlfilter_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/ttlstore/cacheitem"
	"github.com/hupe1980/ttlstore/internal/lsm"
	"github.com/hupe1980/ttlstore/rowkey"
	"github.com/hupe1980/ttlstore/table"
	"github.com/hupe1980/ttlstore/ttlfilter"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestExpiredRowsAreRemovedByCompaction(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	factory := ttlfilter.NewFactory(ttlfilter.WithClock(clk.Now))

	db, err := lsm.Open(ctx, t.TempDir(),
		lsm.WithColumnFamily("cache", factory),
		lsm.WithoutBackgroundCompaction(),
	)
	require.NoError(t, err)
	defer db.Close()
	cf, err := db.ColumnFamily("cache")
	require.NoError(t, err)
	tbl, err := table.Open(ctx, db, cf, cacheitem.Schema(), table.WithClock(clk.Now))
	require.NoError(t, err)

	ttl := time.Second
	alice, err := tbl.Insert(ctx, cacheitem.NewAt("users:alice", &ttl, []byte("v1"), clk.Now()))
	require.NoError(t, err)
	bob, err := tbl.Insert(ctx, cacheitem.NewAt("users:bob", nil, []byte("v2"), clk.Now()))
	require.NoError(t, err)

	rows, err := tbl.GetByIndex(ctx, cacheitem.IndexByPath, cacheitem.ByPath("users:alice"))
	require.NoError(t, err)
	require.Len(t, rows, 1)

	clk.Advance(2 * time.Second)

	// Hidden at read time before any compaction.
	rows, err = tbl.GetByIndex(ctx, cacheitem.IndexByPath, cacheitem.ByPath("users:alice"))
	require.NoError(t, err)
	assert.Empty(t, rows)
	_, err = db.Get(ctx, cf, rowkey.Table(rowkey.TableCacheItems, alice.ID))
	require.NoError(t, err, "still stored until compaction")

	require.NoError(t, db.CompactRange(ctx, cf))

	_, err = db.Get(ctx, cf, rowkey.Table(rowkey.TableCacheItems, alice.ID))
	assert.ErrorIs(t, err, lsm.ErrNotFound)
	live, err := tbl.GetRow(ctx, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), live.Row.Value())

	totals := factory.Totals()
	assert.Equal(t, uint64(1), totals.Runs)
	assert.Equal(t, uint64(1), totals.Removed)
	assert.Zero(t, totals.Orphaned)

	// Index entries survive compaction and are masked until repaired.
	_, err = db.Get(ctx, cf, rowkey.SecondaryIndex(rowkey.IndexCacheItemsByPath, []byte("users:alice"), alice.ID))
	require.NoError(t, err)
	n, err := tbl.RepairIndexes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// The path is free again.
	_, err = tbl.Insert(ctx, cacheitem.NewAt("users:alice", nil, []byte("v3"), clk.Now()))
	require.NoError(t, err)
}
