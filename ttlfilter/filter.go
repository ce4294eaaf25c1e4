// Package ttlfilter removes expired rows during storage engine compaction.
//
// The engine creates one Filter per compaction run through the Factory. A
// filter captures the current time once, so a whole run applies the same
// cutoff, and decides every pair on its own without I/O or locks. Anything
// it cannot identify as an expired primary row is kept.
package ttlfilter

import (
	"log/slog"
	"time"

	"github.com/hupe1980/ttlstore/cacheitem"
	"github.com/hupe1980/ttlstore/codec"
	"github.com/hupe1980/ttlstore/internal/lsm"
	"github.com/hupe1980/ttlstore/rowkey"
)

// Name identifies the filter in engine statistics and logs.
const Name = "cache-expire-check"

// Observer receives the outcome of every compaction run.
type Observer interface {
	OnExpired(removed, orphaned int)
}

// Filter decides the fate of one pair at a time for a single compaction run.
// It is not safe for concurrent use.
type Filter struct {
	cutoff   time.Time
	log      *slog.Logger
	observer Observer
	factory  *Factory

	removed  int
	orphaned int
	kept     int
}

// New returns a filter that removes rows whose expiration is at or before
// cutoff.
func New(cutoff time.Time, opts ...Option) *Filter {
	o := newOptions(opts)
	return &Filter{cutoff: cutoff, log: o.log, observer: o.observer}
}

// Cutoff returns the time the filter compares expirations against.
func (f *Filter) Cutoff() time.Time { return f.cutoff }

func (f *Filter) Removed() int  { return f.removed }
func (f *Filter) Orphaned() int { return f.orphaned }
func (f *Filter) Kept() int     { return f.kept }

// Filter implements lsm.CompactionFilter.
func (f *Filter) Filter(level int, key, value []byte) lsm.Decision {
	d := f.decide(level, key, value)
	switch d {
	case lsm.Remove:
		f.removed++
	case lsm.RemoveOrphan:
		f.orphaned++
	default:
		f.kept++
	}
	return d
}

func (f *Filter) decide(level int, key, value []byte) lsm.Decision {
	rk, err := rowkey.Decode(key)
	if err != nil {
		f.log.Error("unable to decode key during compaction", "level", level, "error", err)
		return lsm.Keep
	}
	if rk.Kind != rowkey.KindTable || !rk.TableID.HasTTL() {
		return lsm.Keep
	}
	raw, found, err := codec.Peek(value, cacheitem.ExpireField)
	if err != nil || !found {
		return lsm.Keep
	}
	expire, err := cacheitem.ParseExpire(raw)
	if err != nil {
		f.log.Error("malformed expire field during compaction",
			"table", rk.TableID.String(), "row_id", uint64(rk.RowID), "error", err)
		return lsm.RemoveOrphan
	}
	if expire == nil || expire.After(f.cutoff) {
		return lsm.Keep
	}
	return lsm.Remove
}

// Finish implements lsm.CompactionFilterFinisher. It logs a summary and
// reports the counters.
func (f *Filter) Finish(err error) {
	if f.factory != nil {
		f.factory.record(f)
	}
	if err != nil {
		f.log.Warn("compaction with expire check aborted",
			"removed", f.removed, "orphaned", f.orphaned, "error", err)
		return
	}
	if f.removed > 0 || f.orphaned > 0 {
		f.log.Info("expired rows removed by compaction",
			"removed", f.removed, "orphaned", f.orphaned, "kept", f.kept, "cutoff", f.cutoff)
	}
	if f.observer != nil {
		f.observer.OnExpired(f.removed, f.orphaned)
	}
}

var (
	_ lsm.CompactionFilter         = (*Filter)(nil)
	_ lsm.CompactionFilterFinisher = (*Filter)(nil)
)
