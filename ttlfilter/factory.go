package ttlfilter

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hupe1980/ttlstore/internal/lsm"
)

type options struct {
	now      func() time.Time
	log      *slog.Logger
	observer Observer
}

// Option configures a Filter or Factory.
type Option func(*options)

// WithClock sets the time source a Factory reads the cutoff from.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithObserver sets the observer notified when a run finishes.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

func newOptions(opts []Option) options {
	o := options{now: time.Now, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Totals aggregates the counters of all finished runs.
type Totals struct {
	Runs     uint64
	Removed  uint64
	Orphaned uint64
	Kept     uint64
}

// Factory creates a Filter per compaction run.
type Factory struct {
	opts options

	runs     atomic.Uint64
	removed  atomic.Uint64
	orphaned atomic.Uint64
	kept     atomic.Uint64
}

// NewFactory returns a Factory.
func NewFactory(opts ...Option) *Factory {
	return &Factory{opts: newOptions(opts)}
}

// Name implements lsm.CompactionFilterFactory.
func (f *Factory) Name() string { return Name }

// CreateCompactionFilter implements lsm.CompactionFilterFactory.
func (f *Factory) CreateCompactionFilter(ctx lsm.CompactionFilterContext) lsm.CompactionFilter {
	return &Filter{
		cutoff: f.opts.now(),
		log: f.opts.log.With("filter", Name, "cf", ctx.ColumnFamily,
			"level", ctx.Level, "manual", ctx.Manual),
		observer: f.opts.observer,
		factory:  f,
	}
}

func (f *Factory) record(flt *Filter) {
	f.runs.Add(1)
	f.removed.Add(uint64(flt.removed))
	f.orphaned.Add(uint64(flt.orphaned))
	f.kept.Add(uint64(flt.kept))
}

// Totals returns the counters of all finished runs.
func (f *Factory) Totals() Totals {
	return Totals{
		Runs:     f.runs.Load(),
		Removed:  f.removed.Load(),
		Orphaned: f.orphaned.Load(),
		Kept:     f.kept.Load(),
	}
}

var _ lsm.CompactionFilterFactory = (*Factory)(nil)
