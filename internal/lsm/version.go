package lsm

import (
	"bytes"
	"cmp"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/ttlstore/internal/manifest"
)

// version is an immutable snapshot of the table layout. Readers hold a
// reference while they use its tables.
type version struct {
	refs  atomic.Int32
	vs    *versionSet
	files *roaring64.Bitmap
	// levels[cf][level]. L0 is ordered newest first; deeper levels are
	// sorted by smallest key and do not overlap.
	levels map[uint32][numLevels][]manifest.TableInfo
}

func newVersion(tables []manifest.TableInfo) *version {
	v := &version{
		files:  roaring64.New(),
		levels: make(map[uint32][numLevels][]manifest.TableInfo),
	}
	for _, t := range tables {
		v.files.Add(t.FileNum)
		lv := v.levels[t.CF]
		lvl := min(max(t.Level, 0), numLevels-1)
		lv[lvl] = append(lv[lvl], t)
		v.levels[t.CF] = lv
	}
	for cf, lv := range v.levels {
		slices.SortFunc(lv[0], func(a, b manifest.TableInfo) int {
			if c := cmp.Compare(b.LargestSeq, a.LargestSeq); c != 0 {
				return c
			}
			return cmp.Compare(b.FileNum, a.FileNum)
		})
		for i := 1; i < numLevels; i++ {
			slices.SortFunc(lv[i], func(a, b manifest.TableInfo) int {
				return bytes.Compare(a.Smallest, b.Smallest)
			})
		}
		v.levels[cf] = lv
	}
	return v
}

func (v *version) ref() { v.refs.Add(1) }

func (v *version) unref() {
	if v.refs.Add(-1) == 0 && v.vs != nil {
		v.vs.released(v)
	}
}

// tables returns the tables of cf.
func (v *version) tables(cf uint32) []manifest.TableInfo {
	var out []manifest.TableInfo
	for _, l := range v.levels[cf] {
		out = append(out, l...)
	}
	return out
}

func (v *version) levelTables(cf uint32, level int) []manifest.TableInfo {
	return v.levels[cf][level]
}

// candidates returns the tables of cf that may hold ukey, in search order.
func (v *version) candidates(cf uint32, ukey []byte) []manifest.TableInfo {
	lv := v.levels[cf]
	var out []manifest.TableInfo
	for _, t := range lv[0] {
		if t.Overlaps(ukey, ukey) {
			out = append(out, t)
		}
	}
	for lvl := 1; lvl < numLevels; lvl++ {
		tables := lv[lvl]
		i := sort.Search(len(tables), func(i int) bool {
			return bytes.Compare(tables[i].Largest, ukey) >= 0
		})
		if i < len(tables) && bytes.Compare(tables[i].Smallest, ukey) <= 0 {
			out = append(out, tables[i])
		}
	}
	return out
}

func (v *version) stats(cf uint32) []TableStats {
	var out []TableStats
	for lvl, tables := range v.levels[cf] {
		for _, t := range tables {
			out = append(out, TableStats{
				FileNum:  t.FileNum,
				Level:    lvl,
				Size:     t.Size,
				Smallest: t.Smallest,
				Largest:  t.Largest,
			})
		}
	}
	return out
}

// expand widens a task so that installing its output keeps the newer-
// shadows-older search order intact. Every L0 table older than a chosen
// one is added, and so is every table in the levels between the shallowest
// input and the target that overlaps the combined key range.
func (v *version) expand(cf uint32, task *CompactionTask) (inputs []manifest.TableInfo, targetLevel int) {
	lv := v.levels[cf]
	chosen := roaring64.New()
	for _, id := range task.Inputs {
		chosen.Add(id)
	}

	targetLevel = min(max(task.TargetLevel, 1), numLevels-1)
	shallowest := numLevels
	var oldestL0 uint64
	for lvl, tables := range lv {
		for _, t := range tables {
			if !chosen.Contains(t.FileNum) {
				continue
			}
			shallowest = min(shallowest, lvl)
			targetLevel = max(targetLevel, lvl)
			if lvl == 0 {
				oldestL0 = max(oldestL0, t.LargestSeq)
			}
		}
	}
	if shallowest == numLevels {
		return nil, targetLevel
	}
	if shallowest == 0 {
		for _, t := range lv[0] {
			if t.LargestSeq <= oldestL0 {
				chosen.Add(t.FileNum)
			}
		}
	}

	var smallest, largest []byte
	bounds := func() {
		smallest, largest = nil, nil
		for lvl := shallowest; lvl <= targetLevel; lvl++ {
			for _, t := range lv[lvl] {
				if !chosen.Contains(t.FileNum) {
					continue
				}
				if smallest == nil || bytes.Compare(t.Smallest, smallest) < 0 {
					smallest = t.Smallest
				}
				if largest == nil || bytes.Compare(t.Largest, largest) > 0 {
					largest = t.Largest
				}
			}
		}
	}
	for {
		bounds()
		grew := false
		for lvl := max(shallowest, 1); lvl <= targetLevel; lvl++ {
			for _, t := range lv[lvl] {
				if !chosen.Contains(t.FileNum) && t.Overlaps(smallest, largest) {
					chosen.Add(t.FileNum)
					grew = true
				}
			}
		}
		if !grew {
			break
		}
	}

	for lvl := shallowest; lvl <= targetLevel; lvl++ {
		for _, t := range lv[lvl] {
			if chosen.Contains(t.FileNum) {
				inputs = append(inputs, t)
			}
		}
	}
	return inputs, targetLevel
}

// isBottommost reports whether no table below level overlaps
// [smallest, largest] in cf, ignoring the given inputs.
func (v *version) isBottommost(cf uint32, level int, smallest, largest []byte, inputs *roaring64.Bitmap) bool {
	lv := v.levels[cf]
	for lvl := level + 1; lvl < numLevels; lvl++ {
		for _, t := range lv[lvl] {
			if !inputs.Contains(t.FileNum) && t.Overlaps(smallest, largest) {
				return false
			}
		}
	}
	return true
}

// versionSet tracks the current version and which table files are still
// referenced by older versions that readers hold.
type versionSet struct {
	mu       sync.Mutex
	current  *version
	live     map[*version]struct{}
	obsolete *roaring64.Bitmap
	// deleteFiles removes unreferenced tables. It is called without mu.
	deleteFiles func(fileNums []uint64)
}

func newVersionSet(v *version, deleteFiles func([]uint64)) *versionSet {
	vs := &versionSet{
		live:        make(map[*version]struct{}),
		obsolete:    roaring64.New(),
		deleteFiles: deleteFiles,
	}
	v.vs = vs
	v.refs.Store(1)
	vs.current = v
	vs.live[v] = struct{}{}
	return vs
}

// acquire returns the current version with a reference held.
func (vs *versionSet) acquire() *version {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	v := vs.current
	v.ref()
	return v
}

// install makes v current. Tables of the previous version that v no
// longer lists become obsolete and are deleted once unreferenced. The
// caller must unref the returned previous version, outside of any lock
// that deleteFiles might need.
func (vs *versionSet) install(v *version) (old *version) {
	vs.mu.Lock()
	v.vs = vs
	v.refs.Store(1)
	old = vs.current
	removed := old.files.Clone()
	removed.AndNot(v.files)
	vs.obsolete.Or(removed)
	vs.current = v
	vs.live[v] = struct{}{}
	vs.mu.Unlock()
	return old
}

func (vs *versionSet) released(v *version) {
	vs.mu.Lock()
	delete(vs.live, v)
	referenced := roaring64.New()
	for lv := range vs.live {
		referenced.Or(lv.files)
	}
	deletable := vs.obsolete.Clone()
	deletable.AndNot(referenced)
	vs.obsolete.AndNot(deletable)
	vs.mu.Unlock()

	if !deletable.IsEmpty() && vs.deleteFiles != nil {
		vs.deleteFiles(deletable.ToArray())
	}
}

// pendingDeletes returns the number of obsolete tables still referenced.
func (vs *versionSet) pendingDeletes() uint64 {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	return vs.obsolete.GetCardinality()
}
