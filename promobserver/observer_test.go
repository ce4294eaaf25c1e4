package promobserver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/ttlstore"
)

// sample returns the value of the series of name whose labels include
// every pair in want.
func sample(t *testing.T, reg prometheus.Gatherer, name string, want map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			have := map[string]string{}
			for _, lp := range m.GetLabel() {
				have[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if have[k] != v {
					continue next
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("no sample %s%v", name, want)
	return 0
}

func TestObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	o, err := New(reg, WithConstLabels(prometheus.Labels{"instance": "a"}))
	require.NoError(t, err)

	o.OnSet(time.Millisecond, nil)
	o.OnSet(time.Millisecond, errors.New("boom"))
	o.OnGet(time.Millisecond, true, nil)
	o.OnGet(time.Millisecond, false, nil)
	o.OnGet(time.Millisecond, false, nil)
	o.OnFlush(time.Millisecond, 10, nil)
	o.OnCompaction(time.Millisecond, 3, 100, nil)
	o.OnCompaction(time.Millisecond, 2, 0, errors.New("boom"))
	o.OnQueueDepth("flush", 2)
	o.OnThroughput("compaction", 4096)
	o.OnExpired(5, 1)

	assert.Equal(t, 1.0, sample(t, reg, "ttlstore_operation_latency_seconds", map[string]string{"op": "set", "status": "error"}))
	assert.Equal(t, 1.0, sample(t, reg, "ttlstore_lookups_total", map[string]string{"result": "hit", "instance": "a"}))
	assert.Equal(t, 2.0, sample(t, reg, "ttlstore_lookups_total", map[string]string{"result": "miss"}))
	assert.Equal(t, 10.0, sample(t, reg, "ttlstore_flushed_entries_total", nil))
	assert.Equal(t, 3.0, sample(t, reg, "ttlstore_compaction_input_tables_total", nil))
	assert.Equal(t, 1.0, sample(t, reg, "ttlstore_compactions_total", map[string]string{"status": "error"}))
	assert.Equal(t, 2.0, sample(t, reg, "ttlstore_queue_depth", map[string]string{"queue": "flush"}))
	assert.Equal(t, 4096.0, sample(t, reg, "ttlstore_written_bytes_total", map[string]string{"job": "compaction"}))
	assert.Equal(t, 5.0, sample(t, reg, "ttlstore_expired_rows_total", map[string]string{"reason": "expired"}))
	assert.Equal(t, 1.0, sample(t, reg, "ttlstore_expired_rows_total", map[string]string{"reason": "orphaned"}))
}

func TestDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustNew(reg)
	_, err := New(reg)
	assert.Error(t, err)
	assert.Panics(t, func() { MustNew(reg) })

	_, err = New(reg, WithNamespace("other"))
	assert.NoError(t, err)
}

func TestObserverWithStore(t *testing.T) {
	reg := prometheus.NewRegistry()
	o := MustNew(reg, WithNamespace("cache"))
	ctx := context.Background()

	st, err := ttlstore.Open(ctx, t.TempDir(), ttlstore.WithMetricsObserver(o))
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.Set(ctx, "a:b", nil, []byte("v")))
	_, err = st.Get(ctx, "a:b")
	require.NoError(t, err)
	_, err = st.Get(ctx, "a:missing")
	require.ErrorIs(t, err, ttlstore.ErrNotFound)
	require.NoError(t, st.Flush(ctx))

	assert.Equal(t, 1.0, sample(t, reg, "cache_lookups_total", map[string]string{"result": "hit"}))
	assert.Equal(t, 1.0, sample(t, reg, "cache_lookups_total", map[string]string{"result": "miss"}))
	assert.GreaterOrEqual(t, sample(t, reg, "cache_flushes_total", map[string]string{"status": "success"}), 1.0)
}
