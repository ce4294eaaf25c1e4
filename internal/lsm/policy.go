package lsm

import (
	"bytes"
	"cmp"
	"slices"
)

const numLevels = 7

// TableStats holds metadata about a sorted table needed for compaction
// decisions. Smallest and Largest are user keys.
type TableStats struct {
	FileNum  uint64
	Level    int
	Size     int64
	Smallest []byte
	Largest  []byte
}

func (s TableStats) overlaps(smallest, largest []byte) bool {
	return bytes.Compare(s.Largest, smallest) >= 0 && bytes.Compare(s.Smallest, largest) <= 0
}

// CompactionTask describes a compaction unit of work. The DB widens the
// input set so that the result keeps every level consistent: older L0
// tables and overlapping tables of the levels in between are pulled in.
type CompactionTask struct {
	Inputs      []uint64
	TargetLevel int
}

// CompactionPolicy determines which tables of a column family should be
// compacted.
type CompactionPolicy interface {
	// Pick selects tables to compact.
	// Returns a task or nil if no compaction is needed.
	Pick(tables []TableStats) *CompactionTask
}

// TieredCompactionPolicy merges every table into level 1 once level 0
// holds at least Threshold tables.
type TieredCompactionPolicy struct {
	Threshold int
}

func (p *TieredCompactionPolicy) Pick(tables []TableStats) *CompactionTask {
	l0 := 0
	for _, t := range tables {
		if t.Level == 0 {
			l0++
		}
	}
	if l0 < max(p.Threshold, 1) {
		return nil
	}
	ids := make([]uint64, len(tables))
	for i, t := range tables {
		ids[i] = t.FileNum
	}
	return &CompactionTask{Inputs: ids, TargetLevel: 1}
}

// BoundedSizeTieredPolicy implements a size-tiered compaction strategy with explicit bounds.
// - Table size buckets: [0-10MB], [10-100MB], [100MB-1GB], [1GB+]
// - Compact within bucket only when threshold exceeded
// - Max compaction bytes: 2GB hard limit
type BoundedSizeTieredPolicy struct {
	Threshold int
}

func (p *BoundedSizeTieredPolicy) Pick(tables []TableStats) *CompactionTask {
	buckets := make(map[int][]TableStats)
	for _, t := range tables {
		b := sizeBucket(t.Size)
		buckets[b] = append(buckets[b], t)
	}

	for i := 0; i < 4; i++ {
		bucket := buckets[i]
		if len(bucket) < p.Threshold {
			continue
		}
		slices.SortFunc(bucket, func(a, b TableStats) int {
			return cmp.Compare(a.FileNum, b.FileNum)
		})

		const maxCompactionSize = 2 << 30

		var (
			ids   []uint64
			total int64
			level int
		)
		for _, t := range bucket {
			if total+t.Size > maxCompactionSize {
				break
			}
			ids = append(ids, t.FileNum)
			total += t.Size
			level = max(level, t.Level)
		}
		if len(ids) >= 2 {
			return &CompactionTask{Inputs: ids, TargetLevel: min(max(level, i+1), numLevels-1)}
		}
	}
	return nil
}

func sizeBucket(size int64) int {
	const (
		MB = 1 << 20
		GB = 1 << 30
	)
	switch {
	case size < 10*MB:
		return 0
	case size < 100*MB:
		return 1
	case size < GB:
		return 2
	default:
		return 3
	}
}

// LeveledCompactionPolicy implements a level-based compaction strategy.
//   - L0 holds overlapping tables flushed from memtables. Once it holds
//     L0Threshold tables they are merged with the overlapping L1 tables.
//   - L1..N hold non-overlapping tables. When size(L_i) exceeds
//     BaseSize * LevelRatio^(i-1), its oldest table and the overlapping
//     tables of L_{i+1} are merged into L_{i+1}.
type LeveledCompactionPolicy struct {
	L0Threshold int   // Number of files in L0 to trigger compaction (default 4)
	LevelRatio  int   // Growth ratio between levels (default 10)
	BaseSize    int64 // Target size of L1 (default 64MB)
	MaxLevels   int   // Maximum number of levels (default 7)
}

func NewLeveledCompactionPolicy() *LeveledCompactionPolicy {
	return &LeveledCompactionPolicy{
		L0Threshold: 4,
		LevelRatio:  10,
		BaseSize:    64 << 20,
		MaxLevels:   numLevels,
	}
}

func (p *LeveledCompactionPolicy) Pick(tables []TableStats) *CompactionTask {
	maxLevels := min(max(p.MaxLevels, 2), numLevels)
	levels := make([][]TableStats, maxLevels)
	for _, t := range tables {
		levels[min(t.Level, maxLevels-1)] = append(levels[min(t.Level, maxLevels-1)], t)
	}

	if len(levels[0]) >= max(p.L0Threshold, 1) {
		ids := make([]uint64, 0, len(levels[0]))
		var smallest, largest []byte
		for i, t := range levels[0] {
			ids = append(ids, t.FileNum)
			if i == 0 || bytes.Compare(t.Smallest, smallest) < 0 {
				smallest = t.Smallest
			}
			if i == 0 || bytes.Compare(t.Largest, largest) > 0 {
				largest = t.Largest
			}
		}
		ids = append(ids, overlapping(levels[1], smallest, largest)...)
		return &CompactionTask{Inputs: ids, TargetLevel: 1}
	}

	targetSize := p.BaseSize
	for lvl := 1; lvl < maxLevels-1; lvl++ {
		var size int64
		for _, t := range levels[lvl] {
			size += t.Size
		}
		if size > targetSize {
			victim := slices.MinFunc(levels[lvl], func(a, b TableStats) int {
				return cmp.Compare(a.FileNum, b.FileNum)
			})
			ids := append([]uint64{victim.FileNum}, overlapping(levels[lvl+1], victim.Smallest, victim.Largest)...)
			return &CompactionTask{Inputs: ids, TargetLevel: lvl + 1}
		}
		targetSize *= int64(max(p.LevelRatio, 2))
	}
	return nil
}

func overlapping(tables []TableStats, smallest, largest []byte) []uint64 {
	var ids []uint64
	for _, t := range tables {
		if t.overlaps(smallest, largest) {
			ids = append(ids, t.FileNum)
		}
	}
	return ids
}
