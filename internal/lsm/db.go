package lsm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/ttlstore/blobstore"
	"github.com/hupe1980/ttlstore/internal/cache"
	"github.com/hupe1980/ttlstore/internal/fs"
	"github.com/hupe1980/ttlstore/internal/manifest"
	"github.com/hupe1980/ttlstore/internal/resource"
	"github.com/hupe1980/ttlstore/internal/wal"
)

// DefaultColumnFamily always exists and has id 0.
const DefaultColumnFamily = "default"

const logFileExt = ".log"

func logFileName(num uint64) string {
	return fmt.Sprintf("%06d%s", num, logFileExt)
}

func parseFileNum(name, ext string) (uint64, bool) {
	base, ok := strings.CutSuffix(name, ext)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(base, 10, 64)
	return n, err == nil
}

// ColumnFamily is a named key space with its own memtables, tables and
// compaction filter.
type ColumnFamily struct {
	id      uint32
	name    string
	factory CompactionFilterFactory
}

// Name returns the column family name.
func (cf *ColumnFamily) Name() string { return cf.name }

// ID returns the persistent id of the column family.
func (cf *ColumnFamily) ID() uint32 { return cf.id }

type cfOption struct {
	name    string
	factory CompactionFilterFactory
}

// memSet holds one memtable per column family, all backed by the same
// write-ahead log file.
type memSet struct {
	mems   map[uint32]*memtable
	logNum uint64
	// maxSeq is written under DB.writeMu and read after the set is frozen.
	maxSeq uint64
}

func newMemSet(cfs map[uint32]*ColumnFamily, logNum uint64) *memSet {
	ms := &memSet{mems: make(map[uint32]*memtable, len(cfs)), logNum: logNum}
	for id := range cfs {
		ms.mems[id] = newMemtable()
	}
	return ms
}

func (ms *memSet) size() int64 {
	var n int64
	for _, m := range ms.mems {
		n += m.approximateSize()
	}
	return n
}

func (ms *memSet) empty() bool {
	for _, m := range ms.mems {
		if !m.empty() {
			return false
		}
	}
	return true
}

// DB is a log-structured key-value store with column families and
// per-column-family compaction filters.
type DB struct {
	dir           string
	fs            fs.FileSystem
	store         blobstore.BlobStore
	manifestBlobs blobstore.BlobStore
	mstore        *manifest.Store

	log     *slog.Logger
	metrics MetricsObserver
	rc      *resource.Controller
	blocks  cache.BlockCache
	tables  *tableCache
	policy  CompactionPolicy

	memTableSize          int64
	targetFileSize        int64
	blockSize             int
	compression           Compression
	blockCacheSize        int64
	tableCacheSize        int
	walOpts               wal.Options
	disableWAL            bool
	disableAutoCompaction bool

	cfOpts []cfOption
	cfs    map[string]*ColumnFamily
	cfByID map[uint32]*ColumnFamily

	// writeMu serializes writers and memtable rotation.
	writeMu sync.Mutex
	// mu guards mem, imm, wal, manifest and the current version handoff.
	mu       sync.Mutex
	stall    *sync.Cond
	mem      *memSet
	imm      []*memSet // oldest first
	wal      *wal.WAL
	manifest *manifest.Manifest
	versions *versionSet
	bgErr    error

	// manifestMu serializes manifest edits.
	manifestMu sync.Mutex
	flushMu    sync.Mutex
	compactMu  sync.Mutex

	nextFileNum atomic.Uint64
	lastSeq     atomic.Uint64
	visibleSeq  atomic.Uint64

	flushes          atomic.Int64
	compactions      atomic.Int64
	compactionErrors atomic.Int64

	ctx          context.Context
	cancel       context.CancelFunc
	flushCh      chan struct{}
	compactionCh chan struct{}
	closeCh      chan struct{}
	wg           sync.WaitGroup
	closed       atomic.Bool
}

// Open opens or creates a DB in dir. dir holds the write-ahead log and,
// unless WithBlobStore is given, the sorted tables and manifests.
func Open(ctx context.Context, dir string, opts ...Option) (*DB, error) {
	db := &DB{
		dir:            dir,
		fs:             fs.Default,
		log:            slog.New(slog.DiscardHandler),
		metrics:        NoopMetricsObserver{},
		policy:         NewLeveledCompactionPolicy(),
		memTableSize:   defaultMemTableSize,
		targetFileSize: defaultTargetFileSize,
		blockSize:      defaultBlockSize,
		compression:    CompressionLZ4,
		blockCacheSize: defaultBlockCacheSize,
		walOpts:        wal.DefaultOptions(),
		flushCh:        make(chan struct{}, 1),
		compactionCh:   make(chan struct{}, 1),
		closeCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(db)
	}
	db.stall = sync.NewCond(&db.mu)

	if err := db.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if db.store == nil {
		db.store = blobstore.NewLocalStore(dir)
	}
	if db.manifestBlobs == nil {
		db.manifestBlobs = db.store
	}
	db.mstore = manifest.NewStore(db.manifestBlobs)
	if db.blockCacheSize > 0 {
		db.blocks = cache.NewLRU(db.blockCacheSize, db.rc)
	}
	tc, err := newTableCache(db.store, db.blocks, db.tableCacheSize, db.log)
	if err != nil {
		return nil, err
	}
	db.tables = tc
	db.ctx, db.cancel = context.WithCancel(context.Background())

	if err := db.recover(ctx); err != nil {
		db.cancel()
		db.tables.close()
		if db.blocks != nil {
			_ = db.blocks.Close()
		}
		return nil, err
	}

	db.wg.Add(2)
	go db.runFlushLoop()
	go db.runCompactionLoop()
	db.maybeScheduleCompaction()
	return db, nil
}

func (db *DB) recover(ctx context.Context) error {
	m, err := db.mstore.Load(ctx)
	switch {
	case errors.Is(err, manifest.ErrNotFound):
		m = manifest.New()
		db.log.Info("creating database", "dir", db.dir, "db_id", m.DBID)
	case errors.Is(err, manifest.ErrIncompatibleVersion):
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	case err != nil:
		return fmt.Errorf("load manifest: %w", err)
	}

	db.registerColumnFamilies(m)
	db.manifest = m
	db.nextFileNum.Store(max(m.NextFileNum, 1))
	db.lastSeq.Store(m.LastSeq)
	db.versions = newVersionSet(newVersion(m.Tables), db.deleteObsoleteTables)

	if err := db.verifyTables(ctx, m); err != nil {
		return err
	}
	if err := db.removeOrphanTables(ctx, m); err != nil {
		return err
	}

	recovered := newMemSet(db.cfByID, 0)
	var oldLogs []uint64
	if !db.disableWAL {
		if oldLogs, err = db.replayLogs(m.LogNum, recovered); err != nil {
			return err
		}
	}
	db.visibleSeq.Store(db.lastSeq.Load())

	logNum := db.newFileNum()
	var added []manifest.TableInfo
	if !recovered.empty() {
		if added, err = db.writeMemSet(ctx, recovered); err != nil {
			return err
		}
		db.log.Info("recovered write-ahead log", "logs", len(oldLogs), "tables", len(added), "last_seq", db.lastSeq.Load())
	}
	lastSeq := db.lastSeq.Load()
	if err := db.commit(ctx, func(m *manifest.Manifest) {
		m.Tables = append(m.Tables, added...)
		m.LogNum = logNum
		m.LastSeq = max(m.LastSeq, lastSeq)
	}, nil); err != nil {
		return err
	}

	db.mem = newMemSet(db.cfByID, logNum)
	if !db.disableWAL {
		w, err := wal.Open(db.fs, filepath.Join(db.dir, logFileName(logNum)), db.walOpts)
		if err != nil {
			return err
		}
		db.wal = w
		for _, num := range oldLogs {
			if err := fs.RemoveIfExists(db.fs, db.dir, logFileName(num)); err != nil {
				db.log.Warn("remove log", "log", num, "error", err)
			}
		}
	}
	return nil
}

// registerColumnFamilies assigns ids to the configured column families and
// records them in m. Column families only known to the manifest stay
// readable without a filter.
func (db *DB) registerColumnFamilies(m *manifest.Manifest) {
	db.cfs = make(map[string]*ColumnFamily)
	db.cfByID = make(map[uint32]*ColumnFamily)

	var nextID uint32
	for _, rec := range m.ColumnFamilies {
		db.addCF(&ColumnFamily{id: rec.ID, name: rec.Name})
		nextID = max(nextID, rec.ID+1)
	}
	if _, ok := db.cfs[DefaultColumnFamily]; !ok {
		db.addCF(&ColumnFamily{id: 0, name: DefaultColumnFamily})
		nextID = max(nextID, 1)
	}
	for _, o := range db.cfOpts {
		cf, ok := db.cfs[o.name]
		if !ok {
			cf = &ColumnFamily{id: nextID, name: o.name}
			nextID++
			db.addCF(cf)
		}
		cf.factory = o.factory
	}

	records := make([]manifest.ColumnFamily, 0, len(db.cfByID))
	for _, cf := range db.columnFamilies() {
		rec := manifest.ColumnFamily{ID: cf.id, Name: cf.name}
		if cf.factory != nil {
			rec.Filter = cf.factory.Name()
		}
		if i := slices.IndexFunc(m.ColumnFamilies, func(c manifest.ColumnFamily) bool { return c.ID == cf.id }); i >= 0 {
			if prev := m.ColumnFamilies[i].Filter; prev != "" && prev != rec.Filter {
				db.log.Warn("compaction filter changed", "cf", cf.name, "previous", prev, "current", rec.Filter)
			}
		}
		records = append(records, rec)
	}
	m.ColumnFamilies = records
}

func (db *DB) addCF(cf *ColumnFamily) {
	db.cfs[cf.name] = cf
	db.cfByID[cf.id] = cf
}

func (db *DB) columnFamilies() []*ColumnFamily {
	out := make([]*ColumnFamily, 0, len(db.cfByID))
	for _, cf := range db.cfByID {
		out = append(out, cf)
	}
	slices.SortFunc(out, func(a, b *ColumnFamily) int { return int(a.id) - int(b.id) })
	return out
}

// verifyTables opens every table of m in parallel so that missing or
// corrupt tables fail Open rather than a later read.
func (db *DB) verifyTables(ctx context.Context, m *manifest.Manifest) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, t := range m.Tables {
		g.Go(func() error {
			_, release, err := db.tables.acquire(gctx, t.FileNum)
			if err != nil {
				return fmt.Errorf("open table %d: %w", t.FileNum, err)
			}
			release()
			return nil
		})
	}
	return g.Wait()
}

// removeOrphanTables deletes table blobs the manifest does not list. They
// are left behind by flushes or compactions interrupted before commit.
func (db *DB) removeOrphanTables(ctx context.Context, m *manifest.Manifest) error {
	names, err := db.store.List(ctx, "")
	if err != nil {
		return err
	}
	live := roaring64.New()
	for _, t := range m.Tables {
		live.Add(t.FileNum)
	}
	for _, name := range names {
		num, ok := parseFileNum(name, tableFileExt)
		if !ok || live.Contains(num) {
			continue
		}
		db.log.Info("removing orphan table", "file", name)
		if err := db.store.Delete(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// replayLogs applies every log numbered >= minLog to ms and returns the
// replayed log numbers. A torn or corrupt tail ends a log.
func (db *DB) replayLogs(minLog uint64, ms *memSet) ([]uint64, error) {
	names, err := fs.ListSuffix(db.fs, db.dir, logFileExt)
	if err != nil {
		return nil, err
	}
	var nums []uint64
	for _, name := range names {
		if num, ok := parseFileNum(name, logFileExt); ok {
			nums = append(nums, num)
		}
	}
	slices.Sort(nums)

	var replayed []uint64
	for _, num := range nums {
		if db.nextFileNum.Load() <= num {
			db.nextFileNum.Store(num + 1)
		}
		replayed = append(replayed, num)
		if num < minLog {
			continue
		}
		if err := db.replayLog(num, ms); err != nil {
			return nil, err
		}
	}
	return replayed, nil
}

func (db *DB) replayLog(num uint64, ms *memSet) error {
	r, err := wal.OpenReader(db.fs, filepath.Join(db.dir, logFileName(num)))
	if err != nil {
		if errors.Is(err, wal.ErrInvalidHeader) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			// Created but never written.
			db.log.Warn("skipping log with invalid header", "log", num)
			return nil
		}
		return err
	}
	defer r.Close()

	records := 0
	for {
		rec, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if isTornTail(err) {
				db.log.Warn("truncated write-ahead log tail", "log", num, "offset", r.Offset(), "error", err)
				break
			}
			return fmt.Errorf("replay log %d: %w", num, err)
		}
		if rec.Type != wal.RecordTypeBatch {
			return fmt.Errorf("%w: log %d record type %d", ErrCorrupt, num, rec.Type)
		}
		b, err := decodeBatch(rec.Payload)
		if err != nil {
			return fmt.Errorf("replay log %d: %w", num, err)
		}
		for i, op := range b.ops {
			seq := rec.Seq + uint64(i)
			mt, ok := ms.mems[op.cf]
			if !ok {
				return fmt.Errorf("%w: log %d references column family %d", ErrCorrupt, num, op.cf)
			}
			mt.add(seq, op.kind, op.key, op.value)
		}
		if n := uint64(len(b.ops)); n > 0 {
			last := rec.Seq + n - 1
			ms.maxSeq = max(ms.maxSeq, last)
			if last > db.lastSeq.Load() {
				db.lastSeq.Store(last)
			}
		}
		records++
	}
	db.log.Debug("replayed log", "log", num, "records", records)
	return nil
}

// isTornTail reports whether a log read error marks an incompletely
// written tail rather than corruption of acknowledged records.
func isTornTail(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, wal.ErrInvalidCRC) ||
		errors.Is(err, wal.ErrInvalidType) ||
		errors.Is(err, wal.ErrRecordTooLarge)
}

func (db *DB) newFileNum() uint64 {
	return db.nextFileNum.Add(1) - 1
}

// commit applies edit to a copy of the current manifest, persists it and
// installs the resulting version. onInstall runs under mu together with
// the version swap.
func (db *DB) commit(ctx context.Context, edit func(*manifest.Manifest), onInstall func()) error {
	db.manifestMu.Lock()
	defer db.manifestMu.Unlock()

	m := db.manifest.Clone()
	edit(m)
	m.NextFileNum = db.nextFileNum.Load()
	if err := db.mstore.Save(ctx, m); err != nil {
		return fmt.Errorf("save manifest: %w", err)
	}

	v := newVersion(m.Tables)
	db.mu.Lock()
	db.manifest = m
	old := db.versions.install(v)
	if onInstall != nil {
		onInstall()
	}
	db.mu.Unlock()
	old.unref()

	if err := db.mstore.Prune(ctx, m.ID, defaultManifestHistory); err != nil {
		db.log.Warn("prune manifests", "error", err)
	}
	return nil
}

func (db *DB) deleteObsoleteTables(fileNums []uint64) {
	for _, num := range fileNums {
		db.tables.evict(num)
		if err := db.store.Delete(context.Background(), tableFileName(num)); err != nil {
			db.log.Warn("delete obsolete table", "file", num, "error", err)
			continue
		}
		db.log.Debug("deleted obsolete table", "file", num)
	}
}

// ColumnFamily returns the registered column family name.
func (db *DB) ColumnFamily(name string) (*ColumnFamily, error) {
	cf, ok := db.cfs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownColumnFamily, name)
	}
	return cf, nil
}

// Write applies b atomically. Readers observe either none or all of its
// operations. With DurabilitySync the call returns after the batch is on
// stable storage; concurrent writers share one fsync.
func (db *DB) Write(ctx context.Context, b *Batch) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if b == nil {
		return fmt.Errorf("%w: nil batch", ErrInvalidArgument)
	}
	if b.Empty() {
		return nil
	}
	for _, op := range b.ops {
		if len(op.key) == 0 {
			return fmt.Errorf("%w: empty key", ErrInvalidArgument)
		}
		if _, ok := db.cfByID[op.cf]; !ok {
			return fmt.Errorf("%w: id %d", ErrUnknownColumnFamily, op.cf)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	db.writeMu.Lock()
	// Close may have released the log while this writer waited.
	if db.closed.Load() || (!db.disableWAL && db.wal == nil) {
		db.writeMu.Unlock()
		return ErrClosed
	}
	if err := db.makeRoomForWrite(); err != nil {
		db.writeMu.Unlock()
		return err
	}

	n := uint64(len(b.ops))
	first := db.lastSeq.Load() + 1
	mem, w := db.mem, db.wal

	var offset int64
	if w != nil {
		var err error
		offset, err = w.AppendAsync(&wal.Record{Type: wal.RecordTypeBatch, Seq: first, Payload: b.encode()})
		if err != nil {
			db.writeMu.Unlock()
			if errors.Is(err, os.ErrClosed) {
				return ErrClosed
			}
			return fmt.Errorf("append log: %w", err)
		}
	}
	for i, op := range b.ops {
		mem.mems[op.cf].add(first+uint64(i), op.kind, op.key, op.value)
	}
	last := first + n - 1
	mem.maxSeq = last
	db.lastSeq.Store(last)
	db.visibleSeq.Store(last)
	full := mem.size() >= db.memTableSize
	db.writeMu.Unlock()

	if full {
		db.scheduleFlush()
	}
	if w != nil && db.walOpts.Durability == wal.DurabilitySync {
		if err := w.WaitFor(offset); err != nil {
			return fmt.Errorf("sync log: %w", err)
		}
	}
	return nil
}

// makeRoomForWrite rotates a full memtable set, stalling while too many
// immutable sets wait to be flushed. Requires writeMu.
func (db *DB) makeRoomForWrite() error {
	if db.mem.size() < db.memTableSize {
		return nil
	}
	db.mu.Lock()
	for len(db.imm) >= defaultMaxImmutables {
		if db.closed.Load() {
			db.mu.Unlock()
			return ErrClosed
		}
		if db.bgErr != nil {
			err := db.bgErr
			db.mu.Unlock()
			return fmt.Errorf("background flush: %w", err)
		}
		db.scheduleFlush()
		db.log.Debug("write stall", "immutable_memtables", len(db.imm))
		db.stall.Wait()
	}
	db.mu.Unlock()
	return db.rotate()
}

// rotate freezes the mutable memtable set and starts a new log. Requires
// writeMu.
func (db *DB) rotate() error {
	if db.mem.empty() {
		return nil
	}
	logNum := db.newFileNum()
	var next *wal.WAL
	if !db.disableWAL {
		var err error
		if next, err = wal.Open(db.fs, filepath.Join(db.dir, logFileName(logNum)), db.walOpts); err != nil {
			return fmt.Errorf("open log: %w", err)
		}
	}

	db.mu.Lock()
	prev := db.wal
	db.imm = append(db.imm, db.mem)
	db.mem = newMemSet(db.cfByID, logNum)
	db.wal = next
	db.mu.Unlock()

	if prev != nil {
		// Waiters of the old log must see their records synced before
		// the log is closed.
		if err := prev.Sync(); err != nil {
			db.log.Error("sync rotated log", "error", err)
		}
		if err := prev.Close(); err != nil {
			db.log.Error("close rotated log", "error", err)
		}
	}
	db.scheduleFlush()
	return nil
}

// readState is a consistent view for one read.
type readState struct {
	mems []*memSet // newest first
	v    *version
	seq  uint64
}

func (db *DB) acquireReadState() *readState {
	db.mu.Lock()
	defer db.mu.Unlock()
	rs := &readState{mems: make([]*memSet, 0, len(db.imm)+1), seq: db.visibleSeq.Load()}
	rs.mems = append(rs.mems, db.mem)
	for i := len(db.imm) - 1; i >= 0; i-- {
		rs.mems = append(rs.mems, db.imm[i])
	}
	rs.v = db.versions.acquire()
	return rs
}

func (db *DB) checkCF(cf *ColumnFamily) error {
	if cf == nil || db.cfByID[cf.id] != cf {
		return ErrUnknownColumnFamily
	}
	return nil
}

// Get returns a copy of the newest value of key in cf, or ErrNotFound.
func (db *DB) Get(ctx context.Context, cf *ColumnFamily, key []byte) ([]byte, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	if err := db.checkCF(cf); err != nil {
		return nil, err
	}
	rs := db.acquireReadState()
	defer rs.v.unref()

	for _, ms := range rs.mems {
		if v, kind, ok := ms.mems[cf.id].get(key, rs.seq); ok {
			if kind == KindDelete {
				return nil, ErrNotFound
			}
			return bytes.Clone(v), nil
		}
	}
	for _, t := range rs.v.candidates(cf.id, key) {
		v, kind, ok, err := db.tables.get(ctx, t.FileNum, key, rs.seq)
		if err != nil {
			return nil, err
		}
		if ok {
			if kind == KindDelete {
				return nil, ErrNotFound
			}
			return v, nil
		}
	}
	return nil, ErrNotFound
}

// NewIterator returns an iterator over cf as of now. The iterator pins the
// tables it reads until it is closed.
func (db *DB) NewIterator(ctx context.Context, cf *ColumnFamily, opts IterOptions) (*Iterator, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	if err := db.checkCF(cf); err != nil {
		return nil, err
	}
	rs := db.acquireReadState()

	lower, upper := opts.LowerBound, opts.UpperBound
	if opts.Prefix != nil {
		lower, upper = opts.Prefix, prefixSuccessor(opts.Prefix)
	}

	var iters []internalIterator
	for _, ms := range rs.mems {
		iters = append(iters, ms.mems[cf.id].newIter())
	}
	for _, t := range rs.v.tables(cf.id) {
		if upper != nil && bytes.Compare(t.Smallest, upper) >= 0 {
			continue
		}
		if lower != nil && bytes.Compare(t.Largest, lower) < 0 {
			continue
		}
		it, err := db.tables.newIter(ctx, t.FileNum)
		if err != nil {
			for _, it := range iters {
				_ = it.Close()
			}
			rs.v.unref()
			return nil, err
		}
		iters = append(iters, it)
	}
	return newIterator(newMergingIter(iters...), rs.seq, opts, rs.v.unref), nil
}

// LastSeq returns the sequence number of the newest visible write.
func (db *DB) LastSeq() uint64 {
	return db.visibleSeq.Load()
}

// LevelStats describes one level of a column family.
type LevelStats struct {
	Tables  int
	Bytes   int64
	Entries uint64
}

// ColumnFamilyStats describes the tables of one column family.
type ColumnFamilyStats struct {
	Levels [numLevels]LevelStats
	Filter string
}

// Stats is a point-in-time summary of the DB.
type Stats struct {
	LastSeq            uint64
	MemTableBytes      int64
	ImmutableMemTables int
	Tables             int
	TableBytes         int64
	ColumnFamilies     map[string]ColumnFamilyStats
	Flushes            int64
	Compactions        int64
	CompactionErrors   int64
	OpenTables         int
	PendingDeletes     uint64
	BlockCacheHits     int64
	BlockCacheMisses   int64
	ManifestID         uint64
}

// Stats returns the current statistics.
func (db *DB) Stats() Stats {
	db.mu.Lock()
	st := Stats{
		LastSeq:            db.visibleSeq.Load(),
		MemTableBytes:      db.mem.size(),
		ImmutableMemTables: len(db.imm),
		ManifestID:         db.manifest.ID,
	}
	for _, ms := range db.imm {
		st.MemTableBytes += ms.size()
	}
	v := db.versions.acquire()
	db.mu.Unlock()
	defer v.unref()

	st.ColumnFamilies = make(map[string]ColumnFamilyStats, len(db.cfByID))
	for _, cf := range db.columnFamilies() {
		var cs ColumnFamilyStats
		if cf.factory != nil {
			cs.Filter = cf.factory.Name()
		}
		for lvl := 0; lvl < numLevels; lvl++ {
			for _, t := range v.levelTables(cf.id, lvl) {
				cs.Levels[lvl].Tables++
				cs.Levels[lvl].Bytes += t.Size
				cs.Levels[lvl].Entries += t.Entries
				st.Tables++
				st.TableBytes += t.Size
			}
		}
		st.ColumnFamilies[cf.name] = cs
	}
	st.Flushes = db.flushes.Load()
	st.Compactions = db.compactions.Load()
	st.CompactionErrors = db.compactionErrors.Load()
	st.OpenTables = db.tables.len()
	st.PendingDeletes = db.versions.pendingDeletes()
	if db.blocks != nil {
		st.BlockCacheHits, st.BlockCacheMisses = db.blocks.Stats()
	}
	return st
}

// Close stops background work and closes the log. Without a write-ahead
// log the memtables are flushed first.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	var errs []error
	if db.disableWAL {
		if err := db.flushAll(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}

	db.cancel()
	close(db.closeCh)
	db.mu.Lock()
	db.stall.Broadcast()
	db.mu.Unlock()
	db.wg.Wait()

	db.writeMu.Lock()
	if db.wal != nil {
		if err := db.wal.Close(); err != nil {
			errs = append(errs, err)
		}
		db.wal = nil
	}
	db.writeMu.Unlock()

	db.tables.close()
	if db.blocks != nil {
		if err := db.blocks.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (db *DB) scheduleFlush() {
	select {
	case db.flushCh <- struct{}{}:
	default:
	}
}

func (db *DB) maybeScheduleCompaction() {
	if db.disableAutoCompaction {
		return
	}
	select {
	case db.compactionCh <- struct{}{}:
	default:
	}
}

func (db *DB) runFlushLoop() {
	defer db.wg.Done()
	for {
		select {
		case <-db.closeCh:
			return
		case <-db.flushCh:
			err := db.flushImmutables(db.ctx)
			db.mu.Lock()
			db.bgErr = err
			db.stall.Broadcast()
			db.mu.Unlock()
			if err != nil && !errors.Is(err, context.Canceled) {
				db.log.Error("background flush failed", "error", err)
			}
		}
	}
}

func (db *DB) runCompactionLoop() {
	defer db.wg.Done()
	for {
		select {
		case <-db.closeCh:
			return
		case <-db.compactionCh:
			db.metrics.OnQueueDepth("compaction_queue", len(db.compactionCh))
			db.checkCompaction(db.ctx)
		}
	}
}

// checkCompaction runs policy-selected compactions until no column family
// needs one.
func (db *DB) checkCompaction(ctx context.Context) {
	const maxRounds = 16
	for round := 0; round < maxRounds; round++ {
		picked := false
		for _, cf := range db.columnFamilies() {
			if ctx.Err() != nil {
				return
			}
			v := db.versions.acquire()
			task := db.policy.Pick(v.stats(cf.id))
			v.unref()
			if task == nil || len(task.Inputs) == 0 {
				continue
			}
			picked = true
			db.log.Info("compaction started", "cf", cf.name, "tables", len(task.Inputs), "target_level", task.TargetLevel)
			if err := db.runCompaction(ctx, cf, task, false); err != nil {
				if !errors.Is(err, context.Canceled) {
					db.log.Error("compaction failed", "cf", cf.name, "error", err)
				}
				return
			}
		}
		if !picked {
			return
		}
	}
}
