package lsm

import (
	"sync"
	"testing"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/ttlstore/internal/manifest"
)

func ti(fileNum uint64, level int, smallest, largest string, largestSeq uint64) manifest.TableInfo {
	return manifest.TableInfo{
		FileNum:    fileNum,
		Level:      level,
		Smallest:   []byte(smallest),
		Largest:    []byte(largest),
		LargestSeq: largestSeq,
	}
}

func fileNums(tables []manifest.TableInfo) []uint64 {
	out := make([]uint64, len(tables))
	for i, t := range tables {
		out[i] = t.FileNum
	}
	return out
}

func TestVersionCandidates(t *testing.T) {
	v := newVersion([]manifest.TableInfo{
		ti(1, 0, "a", "m", 10),
		ti(2, 0, "k", "z", 20),
		ti(3, 1, "a", "f", 5),
		ti(4, 1, "g", "p", 5),
		ti(5, 2, "a", "z", 1),
	})

	assert.Equal(t, []uint64{2, 1, 4, 5}, fileNums(v.candidates(0, []byte("l"))))
	assert.Equal(t, []uint64{1, 3, 5}, fileNums(v.candidates(0, []byte("b"))))
	assert.Empty(t, v.candidates(1, []byte("b")))
}

func TestVersionExpand(t *testing.T) {
	v := newVersion([]manifest.TableInfo{
		ti(1, 0, "a", "c", 10),
		ti(2, 0, "d", "f", 20),
		ti(3, 0, "x", "y", 30),
		ti(4, 1, "a", "b", 5),
		ti(5, 1, "e", "h", 5),
		ti(6, 1, "i", "k", 5),
		ti(7, 2, "g", "j", 1),
	})

	t.Run("older L0 tables are pulled in", func(t *testing.T) {
		inputs, target := v.expand(0, &CompactionTask{Inputs: []uint64{2}, TargetLevel: 1})
		assert.Equal(t, 1, target)
		assert.ElementsMatch(t, []uint64{1, 2, 4, 5}, fileNums(inputs))
	})

	t.Run("intermediate overlaps grow the range", func(t *testing.T) {
		inputs, target := v.expand(0, &CompactionTask{Inputs: []uint64{5}, TargetLevel: 2})
		assert.Equal(t, 2, target)
		assert.ElementsMatch(t, []uint64{5, 6, 7}, fileNums(inputs))
	})

	t.Run("target never above an input", func(t *testing.T) {
		_, target := v.expand(0, &CompactionTask{Inputs: []uint64{7}, TargetLevel: 1})
		assert.Equal(t, 2, target)
	})

	t.Run("unknown inputs", func(t *testing.T) {
		inputs, _ := v.expand(0, &CompactionTask{Inputs: []uint64{99}})
		assert.Empty(t, inputs)
	})

	inputs := roaring64.New()
	inputs.Add(5)
	assert.False(t, v.isBottommost(0, 1, []byte("e"), []byte("h"), inputs))
	inputs.Add(7)
	assert.True(t, v.isBottommost(0, 1, []byte("e"), []byte("h"), inputs))
	assert.True(t, v.isBottommost(0, 2, []byte("a"), []byte("z"), roaring64.New()))
}

func TestVersionSetDefersDeletes(t *testing.T) {
	var (
		mu      sync.Mutex
		deleted []uint64
	)
	vs := newVersionSet(newVersion([]manifest.TableInfo{ti(1, 0, "a", "b", 1), ti(2, 0, "c", "d", 2)}), func(nums []uint64) {
		mu.Lock()
		defer mu.Unlock()
		deleted = append(deleted, nums...)
	})

	reader := vs.acquire()
	vs.install(newVersion([]manifest.TableInfo{ti(2, 0, "c", "d", 2), ti(3, 1, "a", "b", 1)})).unref()
	assert.Empty(t, deleted, "table 1 is still pinned by a reader")
	assert.Equal(t, uint64(1), vs.pendingDeletes())

	reader.unref()
	require.Equal(t, []uint64{1}, deleted)
	assert.Zero(t, vs.pendingDeletes())

	vs.install(newVersion(nil)).unref()
	assert.ElementsMatch(t, []uint64{1, 2, 3}, deleted)
}
