package lsm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(fileNum uint64, level int, size int64, smallest, largest string) TableStats {
	return TableStats{FileNum: fileNum, Level: level, Size: size, Smallest: []byte(smallest), Largest: []byte(largest)}
}

func TestBoundedSizeTieredPolicy(t *testing.T) {
	policy := &BoundedSizeTieredPolicy{Threshold: 4}

	tests := []struct {
		name   string
		tables []TableStats
		want   []uint64
	}{
		{
			name:   "Empty",
			tables: []TableStats{},
			want:   nil,
		},
		{
			name: "Below Threshold",
			tables: []TableStats{
				ts(1, 0, 100, "a", "b"),
				ts(2, 0, 100, "a", "b"),
				ts(3, 0, 100, "a", "b"),
			},
			want: nil,
		},
		{
			name: "Above Threshold - Small Bucket",
			tables: []TableStats{
				ts(4, 0, 100, "a", "b"),
				ts(2, 0, 100, "a", "b"),
				ts(3, 0, 100, "a", "b"),
				ts(1, 0, 100, "a", "b"),
			},
			want: []uint64{1, 2, 3, 4},
		},
		{
			name: "Mixed Buckets - Only Medium Eligible",
			tables: []TableStats{
				ts(1, 0, 100, "a", "b"),
				ts(2, 1, 20<<20, "a", "b"),
				ts(3, 1, 20<<20, "c", "d"),
				ts(4, 1, 20<<20, "e", "f"),
				ts(5, 1, 20<<20, "g", "h"),
			},
			want: []uint64{2, 3, 4, 5},
		},
		{
			name: "Respects 2GB Limit",
			tables: []TableStats{
				ts(1, 2, 1<<30, "a", "b"),
				ts(2, 2, 1<<30, "c", "d"),
				ts(3, 2, 1<<30, "e", "f"),
				ts(4, 2, 1<<30, "g", "h"),
			},
			want: []uint64{1, 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := policy.Pick(tt.tables)
			if tt.want == nil {
				assert.Nil(t, task)
				return
			}
			require.NotNil(t, task)
			assert.Equal(t, tt.want, task.Inputs)
			assert.GreaterOrEqual(t, task.TargetLevel, 1)
		})
	}
}

func TestTieredCompactionPolicy(t *testing.T) {
	policy := &TieredCompactionPolicy{Threshold: 2}
	assert.Nil(t, policy.Pick([]TableStats{ts(1, 0, 1, "a", "b"), ts(2, 1, 1, "a", "b")}))

	task := policy.Pick([]TableStats{ts(1, 0, 1, "a", "b"), ts(2, 0, 1, "a", "b"), ts(3, 1, 1, "a", "z")})
	require.NotNil(t, task)
	assert.ElementsMatch(t, []uint64{1, 2, 3}, task.Inputs)
	assert.Equal(t, 1, task.TargetLevel)
}

func TestLeveledCompactionPolicy(t *testing.T) {
	policy := NewLeveledCompactionPolicy()
	policy.BaseSize = 1000

	t.Run("L0 threshold pulls overlapping L1", func(t *testing.T) {
		task := policy.Pick([]TableStats{
			ts(10, 0, 10, "c", "f"),
			ts(11, 0, 10, "a", "d"),
			ts(12, 0, 10, "e", "g"),
			ts(13, 0, 10, "b", "c"),
			ts(1, 1, 10, "a", "b"),
			ts(2, 1, 10, "x", "z"),
		})
		require.NotNil(t, task)
		assert.ElementsMatch(t, []uint64{10, 11, 12, 13, 1}, task.Inputs)
		assert.Equal(t, 1, task.TargetLevel)
	})

	t.Run("oversized level", func(t *testing.T) {
		task := policy.Pick([]TableStats{
			ts(5, 1, 600, "m", "p"),
			ts(3, 1, 600, "a", "c"),
			ts(7, 2, 10, "b", "d"),
			ts(8, 2, 10, "q", "r"),
		})
		require.NotNil(t, task)
		assert.Equal(t, []uint64{3, 7}, task.Inputs)
		assert.Equal(t, 2, task.TargetLevel)
	})

	t.Run("nothing to do", func(t *testing.T) {
		assert.Nil(t, policy.Pick([]TableStats{ts(1, 0, 10, "a", "b"), ts(2, 1, 10, "a", "b")}))
	})
}
