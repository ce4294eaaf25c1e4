package lsm

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/ttlstore/internal/manifest"
)

// CompactRange flushes the memtables and rewrites every table of cf into
// one sorted run at the deepest occupied level, running the column
// family's compaction filter over all of it. The context is checked
// between entries; a cancelled compaction leaves the DB unchanged.
func (db *DB) CompactRange(ctx context.Context, cf *ColumnFamily) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if err := db.checkCF(cf); err != nil {
		return err
	}
	if err := db.Flush(ctx); err != nil {
		return err
	}

	v := db.versions.acquire()
	stats := v.stats(cf.id)
	v.unref()
	if len(stats) == 0 {
		return nil
	}
	task := &CompactionTask{TargetLevel: 1}
	for _, s := range stats {
		task.Inputs = append(task.Inputs, s.FileNum)
		task.TargetLevel = max(task.TargetLevel, s.Level)
	}
	return db.runCompaction(ctx, cf, task, true)
}

// compactionStats summarizes one compaction run.
type compactionStats struct {
	inputs      int
	written     int
	shadowed    int
	tombstones  int // dropped at the bottom
	filtered    int // removed by the filter
	outputFiles int
}

func (db *DB) runCompaction(ctx context.Context, cf *ColumnFamily, task *CompactionTask, manual bool) (err error) {
	db.compactMu.Lock()
	defer db.compactMu.Unlock()

	if err := db.rc.AcquireBackground(ctx); err != nil {
		return err
	}
	defer db.rc.ReleaseBackground()

	start := time.Now()
	var st compactionStats
	defer func() {
		db.metrics.OnCompaction(time.Since(start), st.inputs, st.written, err)
		if err != nil {
			db.compactionErrors.Add(1)
		}
	}()

	v := db.versions.acquire()
	defer v.unref()

	inputs, target := v.expand(cf.id, task)
	st.inputs = len(inputs)
	if len(inputs) == 0 {
		return nil
	}

	inputSet := roaring64.New()
	var smallest, largest []byte
	for _, t := range inputs {
		inputSet.Add(t.FileNum)
		if smallest == nil || bytes.Compare(t.Smallest, smallest) < 0 {
			smallest = t.Smallest
		}
		if largest == nil || bytes.Compare(t.Largest, largest) > 0 {
			largest = t.Largest
		}
	}
	bottommost := v.isBottommost(cf.id, target, smallest, largest, inputSet)

	var filter CompactionFilter
	if cf.factory != nil {
		filter = cf.factory.CreateCompactionFilter(CompactionFilterContext{
			ColumnFamily: cf.name,
			Level:        target,
			Bottommost:   bottommost,
			Manual:       manual,
		})
	}
	defer func() {
		if f, ok := filter.(CompactionFilterFinisher); ok {
			f.Finish(err)
		}
	}()

	outputs, err := db.writeCompaction(ctx, cf.id, inputs, target, bottommost, filter, &st)
	if err != nil {
		return err
	}

	err = db.commit(ctx, func(m *manifest.Manifest) {
		kept := m.Tables[:0]
		for _, t := range m.Tables {
			if !inputSet.Contains(t.FileNum) {
				kept = append(kept, t)
			}
		}
		m.Tables = append(kept, outputs...)
	}, nil)
	if err != nil {
		db.deleteTables(outputs)
		return err
	}
	db.compactions.Add(1)

	db.log.Info("compaction completed",
		"cf", cf.name,
		"inputs", st.inputs,
		"outputs", st.outputFiles,
		"target_level", target,
		"bottommost", bottommost,
		"written", st.written,
		"filtered", st.filtered,
		"tombstones_dropped", st.tombstones,
		"duration", time.Since(start),
	)
	return nil
}

// writeCompaction merges inputs into new tables at target. Only the newest
// version of each key survives. The filter sees every surviving value; a
// removed value becomes a tombstone unless nothing older can exist below,
// in which case it is dropped together with tombstones.
func (db *DB) writeCompaction(ctx context.Context, cf uint32, inputs []manifest.TableInfo, target int,
	bottommost bool, filter CompactionFilter, st *compactionStats) (outputs []manifest.TableInfo, err error) {
	iters := make([]internalIterator, 0, len(inputs))
	for _, t := range inputs {
		it, err := db.tables.newIter(ctx, t.FileNum)
		if err != nil {
			for _, it := range iters {
				_ = it.Close()
			}
			return nil, err
		}
		iters = append(iters, it)
	}
	mi := newMergingIter(iters...)
	defer mi.Close()

	out := db.newTableOutput(cf, target)
	defer func() {
		if err != nil {
			out.abort(ctx)
			db.deleteTables(outputs)
			outputs = nil
		}
	}()

	emit := func(ik, value []byte) error {
		if err := out.add(ctx, ik, value); err != nil {
			return err
		}
		st.written++
		if out.size() >= uint64(db.targetFileSize) {
			info, err := out.finish(ctx)
			if err != nil {
				return err
			}
			outputs = append(outputs, info)
			st.outputFiles++
			out = db.newTableOutput(cf, target)
		}
		return nil
	}

	var last []byte
	for ok := mi.First(); ok; ok = mi.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ik := mi.Key()
		ukey, seq, kind, valid := splitInternalKey(ik)
		if !valid {
			return nil, fmt.Errorf("%w: short internal key in compaction input", ErrCorrupt)
		}
		if last != nil && bytes.Equal(ukey, last) {
			st.shadowed++
			continue
		}
		last = append(last[:0], ukey...)

		if kind == KindDelete {
			if bottommost {
				st.tombstones++
				continue
			}
			if err := emit(ik, nil); err != nil {
				return nil, err
			}
			continue
		}

		if filter != nil {
			if d := filter.Filter(target, ukey, mi.Value()); d == Remove || d == RemoveOrphan {
				st.filtered++
				if bottommost {
					continue
				}
				if err := emit(makeInternalKey(nil, ukey, seq, KindDelete), nil); err != nil {
					return nil, err
				}
				continue
			}
		}
		if err := emit(ik, mi.Value()); err != nil {
			return nil, err
		}
	}
	if err := mi.Error(); err != nil {
		return nil, err
	}
	if out.started() {
		info, err := out.finish(ctx)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, info)
		st.outputFiles++
	}
	return outputs, nil
}
