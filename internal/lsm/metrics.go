package lsm

import "time"

// MetricsObserver defines the interface for observing engine events.
type MetricsObserver interface {
	// OnFlush is called when a flush completes.
	OnFlush(duration time.Duration, entries int, err error)

	// OnCompaction is called when a compaction completes.
	OnCompaction(duration time.Duration, inputTables int, outputEntries int, err error)

	// OnQueueDepth reports the depth of a background queue.
	OnQueueDepth(name string, depth int)

	// OnThroughput reports bytes processed.
	OnThroughput(name string, bytes int64)
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (NoopMetricsObserver) OnFlush(time.Duration, int, error)           {}
func (NoopMetricsObserver) OnCompaction(time.Duration, int, int, error) {}
func (NoopMetricsObserver) OnQueueDepth(string, int)                    {}
func (NoopMetricsObserver) OnThroughput(string, int64)                  {}
