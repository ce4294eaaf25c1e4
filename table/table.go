package table

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/ttlstore/internal/lsm"
	"github.com/hupe1980/ttlstore/rowkey"
)

// maxBatchOps bounds the batches written by sweeps over the whole table.
const maxBatchOps = 1024

type options struct {
	log *slog.Logger
	now func() time.Time
}

// Option configures a Table.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithClock sets the time source used for expiration checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// Table stores rows of type R in one column family.
//
// Reads are lock-free. Writers are serialized so that unique checks and
// row id allocation observe each other.
type Table[R Row, K any] struct {
	db     *lsm.DB
	cf     *lsm.ColumnFamily
	schema Schema[R, K]
	log    *slog.Logger
	now    func() time.Time

	mu  sync.Mutex
	seq rowkey.RowID
}

// Open binds schema to cf. It loads the row id counter and records the
// metadata of indexes seen for the first time.
func Open[R Row, K any](ctx context.Context, db *lsm.DB, cf *lsm.ColumnFamily, schema Schema[R, K], opts ...Option) (*Table[R, K], error) {
	if err := schema.validate(); err != nil {
		return nil, err
	}
	o := options{log: slog.New(slog.DiscardHandler), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	t := &Table[R, K]{
		db:     db,
		cf:     cf,
		schema: schema,
		log:    o.log.With("table", schema.Table.String()),
		now:    o.now,
	}
	seq, err := t.loadSequence(ctx)
	if err != nil {
		return nil, err
	}
	t.seq = seq
	if err := t.syncIndexInfo(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// ID returns the table id.
func (t *Table[R, K]) ID() rowkey.TableID { return t.schema.Table }

// Indexes returns the secondary indexes of the table.
func (t *Table[R, K]) Indexes() []Index[R, K] { return t.schema.Indexes }

func (t *Table[R, K]) loadSequence(ctx context.Context) (rowkey.RowID, error) {
	v, err := t.db.Get(ctx, t.cf, rowkey.Sequence(t.schema.Table))
	if errors.Is(err, lsm.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(v) != 8 {
		return 0, corrupt("sequence", fmt.Errorf("%d bytes", len(v)))
	}
	return rowkey.RowID(binary.BigEndian.Uint64(v)), nil
}

func (t *Table[R, K]) syncIndexInfo(ctx context.Context) error {
	b := lsm.NewBatch()
	for _, idx := range t.schema.Indexes {
		stored, err := t.IndexInfo(ctx, idx)
		switch {
		case errors.Is(err, ErrNotFound):
			b.Set(t.cf, rowkey.SecondaryIndexInfo(idx.ID()), encodeIndexInfo(infoOf(idx)))
		case err != nil:
			return err
		case stored.Stale():
			t.log.Warn("secondary index version mismatch, rebuild required",
				"index", idx.Name(), "stored_version", stored.Version, "version", idx.Version())
		}
	}
	if b.Empty() {
		return nil
	}
	return t.db.Write(ctx, b)
}

// IndexInfo returns the stored metadata of idx.
func (t *Table[R, K]) IndexInfo(ctx context.Context, idx Index[R, K]) (IndexInfo, error) {
	v, err := t.db.Get(ctx, t.cf, rowkey.SecondaryIndexInfo(idx.ID()))
	if errors.Is(err, lsm.ErrNotFound) {
		return IndexInfo{}, fmt.Errorf("%w: info of index %s", ErrNotFound, idx.Name())
	}
	if err != nil {
		return IndexInfo{}, err
	}
	info, err := decodeIndexInfo(v)
	if err != nil {
		return IndexInfo{}, corrupt("index info", err)
	}
	info.Index = idx.ID()
	info.CodeVersion = idx.Version()
	return info, nil
}

func (t *Table[R, K]) checkIndex(idx Index[R, K]) error {
	for _, own := range t.schema.Indexes {
		if own.ID() == idx.ID() {
			return nil
		}
	}
	return fmt.Errorf("%w: index %s is not part of table %s", ErrNotFound, idx.Name(), t.schema.Table)
}

func (t *Table[R, K]) encode(row R) ([]byte, error) {
	return t.schema.Codec.Marshal(row)
}

func (t *Table[R, K]) decode(b []byte) (R, error) {
	row := t.schema.New()
	if err := t.schema.Codec.Unmarshal(b, row); err != nil {
		var zero R
		return zero, corrupt("row", err)
	}
	return row, nil
}

// load returns the stored row, expired or not.
func (t *Table[R, K]) load(ctx context.Context, id rowkey.RowID) (R, bool, error) {
	var zero R
	v, err := t.db.Get(ctx, t.cf, rowkey.Table(t.schema.Table, id))
	if errors.Is(err, lsm.ErrNotFound) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	row, err := t.decode(v)
	if err != nil {
		return zero, false, fmt.Errorf("row %d: %w", id, err)
	}
	return row, true, nil
}

func (t *Table[R, K]) entryKey(idx Index[R, K], row R, id rowkey.RowID) []byte {
	return rowkey.SecondaryIndex(idx.ID(), idx.EncodeKey(idx.KeyOf(row)), id)
}

// entries returns the ids of rows that have an entry for the encoded key
// in idx. Rows may be expired or missing.
func (t *Table[R, K]) entries(ctx context.Context, idx Index[R, K], key []byte) (*roaring64.Bitmap, error) {
	it, err := t.db.NewIterator(ctx, t.cf, lsm.IterOptions{Prefix: rowkey.SecondaryIndexPrefix(idx.ID(), key)})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	ids := roaring64.New()
	for ok := it.First(); ok; ok = it.Next() {
		rk, err := rowkey.Decode(it.Key())
		if err != nil {
			return nil, corrupt("index entry", err)
		}
		if bytes.Equal(rk.Key, key) {
			ids.Add(uint64(rk.RowID))
		}
	}
	return ids, it.Error()
}

// deleteRow adds the removal of the row and all of its entries to b.
func (t *Table[R, K]) deleteRow(b *lsm.Batch, id rowkey.RowID, row R) {
	b.Delete(t.cf, rowkey.Table(t.schema.Table, id))
	for _, idx := range t.schema.Indexes {
		b.Delete(t.cf, t.entryKey(idx, row, id))
	}
}

// checkUnique verifies that no row other than self owns a unique key of
// row. Expired owners in TTL indexes and dangling entries are removed as
// part of b.
func (t *Table[R, K]) checkUnique(ctx context.Context, b *lsm.Batch, row R, self rowkey.RowID) error {
	now := t.now()
	reclaimed := roaring64.New()
	for _, idx := range t.schema.Indexes {
		if !idx.Unique() {
			continue
		}
		key := idx.EncodeKey(idx.KeyOf(row))
		ids, err := t.entries(ctx, idx, key)
		if err != nil {
			return err
		}
		for _, v := range ids.ToArray() {
			id := rowkey.RowID(v)
			if id == self || reclaimed.Contains(v) {
				continue
			}
			owner, ok, err := t.load(ctx, id)
			if err != nil {
				return err
			}
			switch {
			case !ok:
				b.Delete(t.cf, rowkey.SecondaryIndex(idx.ID(), key, id))
			case idx.TTL() && owner.ExpiredAt(now):
				t.log.Debug("reclaiming expired row", "index", idx.Name(), "row_id", uint64(id))
				t.deleteRow(b, id, owner)
				reclaimed.Add(v)
			default:
				return &ConflictError{Index: idx.Name(), Key: key, RowID: id}
			}
		}
	}
	return nil
}

// Insert stores row under a new id. It fails with a *ConflictError when a
// unique key of row belongs to another live row.
func (t *Table[R, K]) Insert(ctx context.Context, row R) (IDRow[R], error) {
	value, err := t.encode(row)
	if err != nil {
		return IDRow[R]{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	b := lsm.NewBatch()
	if err := t.checkUnique(ctx, b, row, 0); err != nil {
		return IDRow[R]{}, err
	}
	id := t.seq + 1
	b.Set(t.cf, rowkey.Table(t.schema.Table, id), value)
	for _, idx := range t.schema.Indexes {
		b.Set(t.cf, t.entryKey(idx, row, id), nil)
	}
	b.Set(t.cf, rowkey.Sequence(t.schema.Table), binary.BigEndian.AppendUint64(nil, uint64(id)))
	if err := t.db.Write(ctx, b); err != nil {
		return IDRow[R]{}, err
	}
	t.seq = id
	return IDRow[R]{ID: id, Row: row}, nil
}

// GetRow returns the live row with id.
func (t *Table[R, K]) GetRow(ctx context.Context, id rowkey.RowID) (IDRow[R], error) {
	row, ok, err := t.load(ctx, id)
	if err != nil {
		return IDRow[R]{}, err
	}
	if !ok || row.ExpiredAt(t.now()) {
		return IDRow[R]{}, fmt.Errorf("%w: row %d", ErrNotFound, id)
	}
	return IDRow[R]{ID: id, Row: row}, nil
}

// GetByIndex returns the live rows whose key in idx equals key, ordered by
// row id. Entries whose row is expired or gone are skipped.
func (t *Table[R, K]) GetByIndex(ctx context.Context, idx Index[R, K], key K) ([]IDRow[R], error) {
	if err := t.checkIndex(idx); err != nil {
		return nil, err
	}
	ids, err := t.entries(ctx, idx, idx.EncodeKey(key))
	if err != nil {
		return nil, err
	}
	now := t.now()
	rows := make([]IDRow[R], 0, ids.GetCardinality())
	for _, v := range ids.ToArray() {
		row, ok, err := t.load(ctx, rowkey.RowID(v))
		if err != nil {
			return nil, err
		}
		if !ok || row.ExpiredAt(now) {
			continue
		}
		rows = append(rows, IDRow[R]{ID: rowkey.RowID(v), Row: row})
	}
	return rows, nil
}

// GetSingleByIndex returns the only live row for key. It returns
// ErrNotFound when there is none and ErrConflict when there are several.
func (t *Table[R, K]) GetSingleByIndex(ctx context.Context, idx Index[R, K], key K) (IDRow[R], error) {
	rows, err := t.GetByIndex(ctx, idx, key)
	if err != nil {
		return IDRow[R]{}, err
	}
	switch len(rows) {
	case 0:
		return IDRow[R]{}, fmt.Errorf("%w: %s %q", ErrNotFound, idx.Name(), idx.EncodeKey(key))
	case 1:
		return rows[0], nil
	default:
		return IDRow[R]{}, fmt.Errorf("%w: %d rows for %s %q", ErrConflict, len(rows), idx.Name(), idx.EncodeKey(key))
	}
}

// Delete removes the row with id and its index entries.
func (t *Table[R, K]) Delete(ctx context.Context, id rowkey.RowID) (IDRow[R], error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	row, ok, err := t.load(ctx, id)
	if err != nil {
		return IDRow[R]{}, err
	}
	if !ok {
		return IDRow[R]{}, fmt.Errorf("%w: row %d", ErrNotFound, id)
	}
	b := lsm.NewBatch()
	t.deleteRow(b, id, row)
	if err := t.db.Write(ctx, b); err != nil {
		return IDRow[R]{}, err
	}
	return IDRow[R]{ID: id, Row: row}, nil
}

// Update replaces the row with id. Index entries whose key changed are
// moved; the others are left untouched.
func (t *Table[R, K]) Update(ctx context.Context, id rowkey.RowID, row R) (IDRow[R], error) {
	value, err := t.encode(row)
	if err != nil {
		return IDRow[R]{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	old, ok, err := t.load(ctx, id)
	if err != nil {
		return IDRow[R]{}, err
	}
	if !ok || old.ExpiredAt(t.now()) {
		return IDRow[R]{}, fmt.Errorf("%w: row %d", ErrNotFound, id)
	}
	b := lsm.NewBatch()
	if err := t.checkUnique(ctx, b, row, id); err != nil {
		return IDRow[R]{}, err
	}
	b.Set(t.cf, rowkey.Table(t.schema.Table, id), value)
	for _, idx := range t.schema.Indexes {
		oldKey, newKey := t.entryKey(idx, old, id), t.entryKey(idx, row, id)
		if bytes.Equal(oldKey, newKey) {
			continue
		}
		b.Delete(t.cf, oldKey)
		b.Set(t.cf, newKey, nil)
	}
	if err := t.db.Write(ctx, b); err != nil {
		return IDRow[R]{}, err
	}
	return IDRow[R]{ID: id, Row: row}, nil
}

// Scan yields the live rows in id order. Iteration stops at the first
// error, which is yielded with a zero row.
func (t *Table[R, K]) Scan(ctx context.Context) iter.Seq2[IDRow[R], error] {
	return func(yield func(IDRow[R], error) bool) {
		now := t.now()
		err := t.scanRows(ctx, func(id rowkey.RowID, row R) (bool, error) {
			if row.ExpiredAt(now) {
				return true, nil
			}
			return yield(IDRow[R]{ID: id, Row: row}, nil), nil
		})
		if err != nil {
			yield(IDRow[R]{}, err)
		}
	}
}

// Len counts the live rows.
func (t *Table[R, K]) Len(ctx context.Context) (int, error) {
	n := 0
	for _, err := range t.Scan(ctx) {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

// scanRows calls fn with every stored row, expired ones included, until fn
// returns false or an error.
func (t *Table[R, K]) scanRows(ctx context.Context, fn func(id rowkey.RowID, row R) (bool, error)) error {
	return t.scanKeys(ctx, rowkey.TablePrefix(t.schema.Table), func(key, value []byte) (bool, error) {
		rk, err := rowkey.Decode(key)
		if err != nil {
			return false, corrupt("primary key", err)
		}
		row, err := t.decode(value)
		if err != nil {
			return false, fmt.Errorf("row %d: %w", rk.RowID, err)
		}
		return fn(rk.RowID, row)
	})
}

func (t *Table[R, K]) scanKeys(ctx context.Context, prefix []byte, fn func(key, value []byte) (bool, error)) error {
	it, err := t.db.NewIterator(ctx, t.cf, lsm.IterOptions{Prefix: prefix})
	if err != nil {
		return err
	}
	defer it.Close()
	for ok := it.First(); ok; ok = it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		cont, err := fn(it.Key(), it.Value())
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return it.Error()
}

// Truncate deletes every row and index entry in one batch and returns the
// number of rows removed. Row ids are not reused afterwards.
func (t *Table[R, K]) Truncate(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := lsm.NewBatch()
	n := 0
	collect := func(key, _ []byte) (bool, error) {
		b.Delete(t.cf, key)
		return true, nil
	}
	err := t.scanKeys(ctx, rowkey.TablePrefix(t.schema.Table), func(key, value []byte) (bool, error) {
		n++
		return collect(key, value)
	})
	if err != nil {
		return 0, err
	}
	for _, idx := range t.schema.Indexes {
		if err := t.scanKeys(ctx, rowkey.SecondaryIndexPrefix(idx.ID(), nil), collect); err != nil {
			return 0, err
		}
	}
	if b.Empty() {
		return 0, nil
	}
	if err := t.db.Write(ctx, b); err != nil {
		return 0, err
	}
	t.log.Info("table truncated", "rows", n)
	return n, nil
}

// DeleteExpired removes expired rows and their index entries. Each row is
// removed atomically with its entries.
func (t *Table[R, K]) DeleteExpired(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	w := &sweepWriter{db: t.db}
	n := 0
	err := t.scanRows(ctx, func(id rowkey.RowID, row R) (bool, error) {
		if !row.ExpiredAt(now) {
			return true, nil
		}
		n++
		t.deleteRow(w.batch(), id, row)
		return true, w.maybeFlush(ctx)
	})
	if err == nil {
		err = w.flush(ctx)
	}
	if err != nil {
		return 0, err
	}
	if n > 0 {
		t.log.Info("expired rows deleted", "rows", n)
	}
	return n, nil
}

// RepairIndexes deletes index entries that do not match a live row: the row
// is gone, has expired in a TTL index, or now derives a different key.
// It returns the number of entries removed.
func (t *Table[R, K]) RepairIndexes(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	w := &sweepWriter{db: t.db}
	n := 0
	for _, idx := range t.schema.Indexes {
		err := t.scanKeys(ctx, rowkey.SecondaryIndexPrefix(idx.ID(), nil), func(key, _ []byte) (bool, error) {
			rk, err := rowkey.Decode(key)
			if err != nil {
				return false, corrupt("index entry", err)
			}
			row, ok, err := t.load(ctx, rk.RowID)
			if err != nil {
				return false, err
			}
			if ok && !(idx.TTL() && row.ExpiredAt(now)) && bytes.Equal(idx.EncodeKey(idx.KeyOf(row)), rk.Key) {
				return true, nil
			}
			n++
			w.batch().Delete(t.cf, key)
			return true, w.maybeFlush(ctx)
		})
		if err != nil {
			return 0, err
		}
	}
	if err := w.flush(ctx); err != nil {
		return 0, err
	}
	if n > 0 {
		t.log.Info("stale index entries deleted", "entries", n)
	}
	return n, nil
}

// sweepWriter writes a long sequence of deletes as bounded batches.
type sweepWriter struct {
	db *lsm.DB
	b  *lsm.Batch
}

func (w *sweepWriter) batch() *lsm.Batch {
	if w.b == nil {
		w.b = lsm.NewBatch()
	}
	return w.b
}

func (w *sweepWriter) maybeFlush(ctx context.Context) error {
	if w.b == nil || w.b.Len() < maxBatchOps {
		return nil
	}
	return w.flush(ctx)
}

func (w *sweepWriter) flush(ctx context.Context) error {
	if w.b == nil || w.b.Empty() {
		return nil
	}
	if err := w.db.Write(ctx, w.b); err != nil {
		return err
	}
	w.b.Reset()
	return nil
}
