// Package promobserver exports store metrics to Prometheus.
package promobserver

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/ttlstore"
)

var _ ttlstore.MetricsObserver = (*Observer)(nil)

// Observer implements ttlstore.MetricsObserver with Prometheus collectors.
type Observer struct {
	opLatency   *prometheus.HistogramVec
	lookups     *prometheus.CounterVec
	flushes     *prometheus.CounterVec
	flushed     prometheus.Counter
	compactions *prometheus.CounterVec
	compacted   prometheus.Counter
	queueDepth  *prometheus.GaugeVec
	written     *prometheus.CounterVec
	expired     *prometheus.CounterVec
}

// Option configures an Observer.
type Option func(*config)

type config struct {
	namespace string
	buckets   []float64
	labels    prometheus.Labels
}

// WithNamespace sets the metric namespace. The default is "ttlstore".
func WithNamespace(ns string) Option {
	return func(c *config) { c.namespace = ns }
}

// WithBuckets sets the latency histogram buckets in seconds.
func WithBuckets(b []float64) Option {
	return func(c *config) { c.buckets = b }
}

// WithConstLabels attaches labels to every metric, e.g. an instance name.
func WithConstLabels(l prometheus.Labels) Option {
	return func(c *config) { c.labels = l }
}

// New creates an Observer and registers its collectors with reg.
func New(reg prometheus.Registerer, optFns ...Option) (*Observer, error) {
	c := config{namespace: "ttlstore", buckets: prometheus.DefBuckets}
	for _, fn := range optFns {
		fn(&c)
	}

	o := &Observer{
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   c.namespace,
			Name:        "operation_latency_seconds",
			Help:        "Latency of store operations",
			Buckets:     c.buckets,
			ConstLabels: c.labels,
		}, []string{"op", "status"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   c.namespace,
			Name:        "lookups_total",
			Help:        "Get calls by result",
			ConstLabels: c.labels,
		}, []string{"result"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   c.namespace,
			Name:        "flushes_total",
			Help:        "Memtable flushes by status",
			ConstLabels: c.labels,
		}, []string{"status"}),
		flushed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   c.namespace,
			Name:        "flushed_entries_total",
			Help:        "Entries written by flushes",
			ConstLabels: c.labels,
		}),
		compactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   c.namespace,
			Name:        "compactions_total",
			Help:        "Compactions by status",
			ConstLabels: c.labels,
		}, []string{"status"}),
		compacted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   c.namespace,
			Name:        "compaction_input_tables_total",
			Help:        "Tables consumed by compactions",
			ConstLabels: c.labels,
		}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   c.namespace,
			Name:        "queue_depth",
			Help:        "Depth of background queues",
			ConstLabels: c.labels,
		}, []string{"queue"}),
		written: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   c.namespace,
			Name:        "written_bytes_total",
			Help:        "Bytes written by background jobs",
			ConstLabels: c.labels,
		}, []string{"job"}),
		expired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   c.namespace,
			Name:        "expired_rows_total",
			Help:        "Rows dropped by the expire compaction filter",
			ConstLabels: c.labels,
		}, []string{"reason"}),
	}

	for _, col := range o.collectors() {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// MustNew is like New but panics on registration errors.
func MustNew(reg prometheus.Registerer, optFns ...Option) *Observer {
	o, err := New(reg, optFns...)
	if err != nil {
		panic(err)
	}
	return o
}

func (o *Observer) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		o.opLatency, o.lookups, o.flushes, o.flushed, o.compactions,
		o.compacted, o.queueDepth, o.written, o.expired,
	}
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// OnSet implements ttlstore.MetricsObserver.
func (o *Observer) OnSet(d time.Duration, err error) {
	o.opLatency.WithLabelValues("set", status(err)).Observe(d.Seconds())
}

// OnGet implements ttlstore.MetricsObserver.
func (o *Observer) OnGet(d time.Duration, hit bool, err error) {
	o.opLatency.WithLabelValues("get", status(err)).Observe(d.Seconds())
	switch {
	case err != nil:
		o.lookups.WithLabelValues("error").Inc()
	case hit:
		o.lookups.WithLabelValues("hit").Inc()
	default:
		o.lookups.WithLabelValues("miss").Inc()
	}
}

// OnDelete implements ttlstore.MetricsObserver.
func (o *Observer) OnDelete(d time.Duration, err error) {
	o.opLatency.WithLabelValues("delete", status(err)).Observe(d.Seconds())
}

// OnFlush implements ttlstore.MetricsObserver.
func (o *Observer) OnFlush(d time.Duration, entries int, err error) {
	o.opLatency.WithLabelValues("flush", status(err)).Observe(d.Seconds())
	o.flushes.WithLabelValues(status(err)).Inc()
	if err == nil {
		o.flushed.Add(float64(entries))
	}
}

// OnCompaction implements ttlstore.MetricsObserver.
func (o *Observer) OnCompaction(d time.Duration, inputTables, _ int, err error) {
	o.opLatency.WithLabelValues("compaction", status(err)).Observe(d.Seconds())
	o.compactions.WithLabelValues(status(err)).Inc()
	if err == nil {
		o.compacted.Add(float64(inputTables))
	}
}

// OnQueueDepth implements ttlstore.MetricsObserver.
func (o *Observer) OnQueueDepth(name string, depth int) {
	o.queueDepth.WithLabelValues(name).Set(float64(depth))
}

// OnThroughput implements ttlstore.MetricsObserver.
func (o *Observer) OnThroughput(name string, bytes int64) {
	if bytes > 0 {
		o.written.WithLabelValues(name).Add(float64(bytes))
	}
}

// OnExpired implements ttlstore.MetricsObserver.
func (o *Observer) OnExpired(removed, orphaned int) {
	o.expired.WithLabelValues("expired").Add(float64(removed))
	o.expired.WithLabelValues("orphaned").Add(float64(orphaned))
}
