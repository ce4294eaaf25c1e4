package ttlstore

import (
	"sync/atomic"
	"time"
)

// MetricsObserver receives operational events of a Store and its engine.
// Implement this interface to integrate with monitoring systems; see
// package promobserver for a Prometheus implementation.
type MetricsObserver interface {
	// OnSet is called after each Set.
	OnSet(duration time.Duration, err error)

	// OnGet is called after each Get. hit is false when the path is absent
	// or expired.
	OnGet(duration time.Duration, hit bool, err error)

	// OnDelete is called after each Delete.
	OnDelete(duration time.Duration, err error)

	// OnFlush is called when a memtable flush completes.
	OnFlush(duration time.Duration, entries int, err error)

	// OnCompaction is called when a compaction completes.
	OnCompaction(duration time.Duration, inputTables int, outputEntries int, err error)

	// OnQueueDepth reports the depth of a background queue.
	OnQueueDepth(name string, depth int)

	// OnThroughput reports bytes written by background jobs.
	OnThroughput(name string, bytes int64)

	// OnExpired is called when a compaction run finishes with the number of
	// expired rows it removed and of rows removed for a malformed expiration.
	OnExpired(removed, orphaned int)
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (NoopMetricsObserver) OnSet(time.Duration, error)                  {}
func (NoopMetricsObserver) OnGet(time.Duration, bool, error)            {}
func (NoopMetricsObserver) OnDelete(time.Duration, error)               {}
func (NoopMetricsObserver) OnFlush(time.Duration, int, error)           {}
func (NoopMetricsObserver) OnCompaction(time.Duration, int, int, error) {}
func (NoopMetricsObserver) OnQueueDepth(string, int)                    {}
func (NoopMetricsObserver) OnThroughput(string, int64)                  {}
func (NoopMetricsObserver) OnExpired(int, int)                          {}

// BasicMetricsObserver provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsObserver struct {
	SetCount         atomic.Int64
	SetErrors        atomic.Int64
	SetTotalNanos    atomic.Int64
	GetCount         atomic.Int64
	GetHits          atomic.Int64
	GetErrors        atomic.Int64
	GetTotalNanos    atomic.Int64
	DeleteCount      atomic.Int64
	DeleteErrors     atomic.Int64
	FlushCount       atomic.Int64
	FlushErrors      atomic.Int64
	CompactionCount  atomic.Int64
	CompactionErrors atomic.Int64
	BytesWritten     atomic.Int64
	ExpiredRemoved   atomic.Int64
	ExpiredOrphaned  atomic.Int64
}

// OnSet implements MetricsObserver.
func (b *BasicMetricsObserver) OnSet(duration time.Duration, err error) {
	b.SetCount.Add(1)
	b.SetTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SetErrors.Add(1)
	}
}

// OnGet implements MetricsObserver.
func (b *BasicMetricsObserver) OnGet(duration time.Duration, hit bool, err error) {
	b.GetCount.Add(1)
	b.GetTotalNanos.Add(duration.Nanoseconds())
	if hit {
		b.GetHits.Add(1)
	}
	if err != nil {
		b.GetErrors.Add(1)
	}
}

// OnDelete implements MetricsObserver.
func (b *BasicMetricsObserver) OnDelete(_ time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// OnFlush implements MetricsObserver.
func (b *BasicMetricsObserver) OnFlush(_ time.Duration, _ int, err error) {
	b.FlushCount.Add(1)
	if err != nil {
		b.FlushErrors.Add(1)
	}
}

// OnCompaction implements MetricsObserver.
func (b *BasicMetricsObserver) OnCompaction(_ time.Duration, _ int, _ int, err error) {
	b.CompactionCount.Add(1)
	if err != nil {
		b.CompactionErrors.Add(1)
	}
}

// OnQueueDepth implements MetricsObserver.
func (b *BasicMetricsObserver) OnQueueDepth(string, int) {}

// OnThroughput implements MetricsObserver.
func (b *BasicMetricsObserver) OnThroughput(_ string, bytes int64) {
	b.BytesWritten.Add(bytes)
}

// OnExpired implements MetricsObserver.
func (b *BasicMetricsObserver) OnExpired(removed, orphaned int) {
	b.ExpiredRemoved.Add(int64(removed))
	b.ExpiredOrphaned.Add(int64(orphaned))
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsObserver) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		SetCount:         b.SetCount.Load(),
		SetErrors:        b.SetErrors.Load(),
		SetAvgNanos:      avg(b.SetTotalNanos.Load(), b.SetCount.Load()),
		GetCount:         b.GetCount.Load(),
		GetHits:          b.GetHits.Load(),
		GetErrors:        b.GetErrors.Load(),
		GetAvgNanos:      avg(b.GetTotalNanos.Load(), b.GetCount.Load()),
		DeleteCount:      b.DeleteCount.Load(),
		DeleteErrors:     b.DeleteErrors.Load(),
		FlushCount:       b.FlushCount.Load(),
		FlushErrors:      b.FlushErrors.Load(),
		CompactionCount:  b.CompactionCount.Load(),
		CompactionErrors: b.CompactionErrors.Load(),
		BytesWritten:     b.BytesWritten.Load(),
		ExpiredRemoved:   b.ExpiredRemoved.Load(),
		ExpiredOrphaned:  b.ExpiredOrphaned.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsObserver state.
type BasicMetricsStats struct {
	SetCount         int64
	SetErrors        int64
	SetAvgNanos      int64
	GetCount         int64
	GetHits          int64
	GetErrors        int64
	GetAvgNanos      int64
	DeleteCount      int64
	DeleteErrors     int64
	FlushCount       int64
	FlushErrors      int64
	CompactionCount  int64
	CompactionErrors int64
	BytesWritten     int64
	ExpiredRemoved   int64
	ExpiredOrphaned  int64
}
