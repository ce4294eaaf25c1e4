package lsm

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/ttlstore/blobstore"
	"github.com/hupe1980/ttlstore/internal/fs"
	"github.com/hupe1980/ttlstore/internal/manifest"
)

// Flush writes every memtable to level-0 tables and waits until they are
// recorded in the manifest.
func (db *DB) Flush(ctx context.Context) error {
	if db.closed.Load() {
		return ErrClosed
	}
	return db.flushAll(ctx)
}

func (db *DB) flushAll(ctx context.Context) error {
	db.writeMu.Lock()
	err := db.rotate()
	db.writeMu.Unlock()
	if err != nil {
		return err
	}
	return db.flushImmutables(ctx)
}

// flushImmutables flushes frozen memtable sets, oldest first.
func (db *DB) flushImmutables(ctx context.Context) error {
	db.flushMu.Lock()
	defer db.flushMu.Unlock()

	if err := db.rc.AcquireBackground(ctx); err != nil {
		return err
	}
	defer db.rc.ReleaseBackground()

	for {
		db.mu.Lock()
		if len(db.imm) == 0 {
			db.mu.Unlock()
			return nil
		}
		ms := db.imm[0]
		db.mu.Unlock()

		if err := db.flushMemSet(ctx, ms); err != nil {
			return err
		}
	}
}

func (db *DB) flushMemSet(ctx context.Context, ms *memSet) (err error) {
	start := time.Now()
	entries := 0
	defer func() {
		db.metrics.OnFlush(time.Since(start), entries, err)
	}()

	for _, mt := range ms.mems {
		entries += mt.len()
	}
	db.log.Info("flush started", "log", ms.logNum, "entries", entries)

	added, err := db.writeMemSet(ctx, ms)
	if err != nil {
		return err
	}

	var nextLog uint64
	err = db.commit(ctx, func(m *manifest.Manifest) {
		m.Tables = append(m.Tables, added...)
		m.LastSeq = max(m.LastSeq, ms.maxSeq)
		// The set after ms holds the oldest unflushed writes.
		db.mu.Lock()
		nextLog = db.mem.logNum
		if len(db.imm) > 1 {
			nextLog = db.imm[1].logNum
		}
		db.mu.Unlock()
		m.LogNum = nextLog
	}, func() {
		db.imm = db.imm[1:]
		db.stall.Broadcast()
	})
	if err != nil {
		db.deleteTables(added)
		return err
	}
	db.flushes.Add(1)

	if !db.disableWAL {
		if err := fs.RemoveIfExists(db.fs, db.dir, logFileName(ms.logNum)); err != nil {
			db.log.Warn("remove flushed log", "log", ms.logNum, "error", err)
		}
	}
	db.log.Info("flush completed", "tables", len(added), "entries", entries, "duration", time.Since(start))
	db.maybeScheduleCompaction()
	return nil
}

// writeMemSet writes one level-0 table per non-empty column family.
// Versions shadowed within a memtable are dropped.
func (db *DB) writeMemSet(ctx context.Context, ms *memSet) ([]manifest.TableInfo, error) {
	var added []manifest.TableInfo
	for _, cf := range db.columnFamilies() {
		mt := ms.mems[cf.id]
		if mt == nil || mt.empty() {
			continue
		}
		out := db.newTableOutput(cf.id, 0)
		it := mt.newIter()
		var last []byte
		for ok := it.First(); ok; ok = it.Next() {
			ukey := userKey(it.Key())
			if last != nil && bytes.Equal(ukey, last) {
				continue
			}
			last = append(last[:0], ukey...)
			if err := out.add(ctx, it.Key(), it.Value()); err != nil {
				out.abort(ctx)
				db.deleteTables(added)
				return nil, err
			}
		}
		info, err := out.finish(ctx)
		if err != nil {
			db.deleteTables(added)
			return nil, err
		}
		added = append(added, info)
	}
	return added, nil
}

func (db *DB) deleteTables(tables []manifest.TableInfo) {
	for _, t := range tables {
		db.tables.evict(t.FileNum)
		if err := db.store.Delete(context.Background(), tableFileName(t.FileNum)); err != nil {
			db.log.Warn("delete table", "file", t.FileNum, "error", err)
		}
	}
}

// tableOutput lazily creates a table blob and streams entries into it
// through the background IO limiter.
type tableOutput struct {
	db      *DB
	cf      uint32
	level   int
	fileNum uint64
	blob    blobstore.WritableBlob
	buf     *bufio.Writer
	w       *tableWriter
}

func (db *DB) newTableOutput(cf uint32, level int) *tableOutput {
	return &tableOutput{db: db, cf: cf, level: level}
}

func (o *tableOutput) started() bool { return o.w != nil }

func (o *tableOutput) add(ctx context.Context, ik, value []byte) error {
	if o.w == nil {
		o.fileNum = o.db.newFileNum()
		blob, err := o.db.store.Create(ctx, tableFileName(o.fileNum))
		if err != nil {
			return fmt.Errorf("create table %d: %w", o.fileNum, err)
		}
		o.blob = blob
		o.buf = bufio.NewWriterSize(o.db.rc.Writer(ctx, blob), 256<<10)
		o.w = newTableWriter(o.buf, o.db.blockSize, o.db.compression)
	}
	return o.w.add(ik, value)
}

func (o *tableOutput) size() uint64 {
	if o.w == nil {
		return 0
	}
	return o.w.estimatedSize()
}

func (o *tableOutput) finish(ctx context.Context) (manifest.TableInfo, error) {
	meta, err := o.w.finish()
	if err == nil {
		err = o.buf.Flush()
	}
	if err == nil {
		err = o.blob.Sync()
	}
	if err != nil {
		o.abort(ctx)
		return manifest.TableInfo{}, fmt.Errorf("write table %d: %w", o.fileNum, err)
	}
	err = o.blob.Close()
	o.blob = nil
	if err != nil {
		_ = o.db.store.Delete(context.WithoutCancel(ctx), tableFileName(o.fileNum))
		return manifest.TableInfo{}, fmt.Errorf("close table %d: %w", o.fileNum, err)
	}
	o.db.metrics.OnThroughput("table_write", meta.size)
	return manifest.TableInfo{
		FileNum:     o.fileNum,
		CF:          o.cf,
		Level:       o.level,
		Size:        meta.size,
		Entries:     meta.entries,
		Smallest:    bytes.Clone(userKey(meta.smallest)),
		Largest:     bytes.Clone(userKey(meta.largest)),
		SmallestSeq: meta.smallestSeq,
		LargestSeq:  meta.largestSeq,
	}, nil
}

// abort discards a partially written table.
func (o *tableOutput) abort(ctx context.Context) {
	if o.blob == nil {
		return
	}
	if a, ok := o.blob.(blobstore.Aborter); ok {
		_ = a.Abort()
	} else {
		_ = o.blob.Close()
	}
	_ = o.db.store.Delete(context.WithoutCancel(ctx), tableFileName(o.fileNum))
	o.blob = nil
}
