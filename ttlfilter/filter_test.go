package ttlfilter

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/hupe1980/ttlstore/cacheitem"
	"github.com/hupe1980/ttlstore/codec"
	"github.com/hupe1980/ttlstore/internal/lsm"
	"github.com/hupe1980/ttlstore/rowkey"
)

var cutoff = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func rowValue(expire *time.Time) []byte {
	return codec.MustMarshal(nil, cacheitem.FromParts("p", "k", []byte("v"), expire))
}

func at(d time.Duration) *time.Time {
	t := cutoff.Add(d)
	return &t
}

func expireString(s string) []byte {
	return codec.AppendMap(nil, 2).String(cacheitem.KeyField, "k").String(cacheitem.ExpireField, s).Finish()
}

func TestFilterDecisions(t *testing.T) {
	primary := rowkey.Table(rowkey.TableCacheItems, 1)
	tests := []struct {
		name  string
		key   []byte
		value []byte
		want  lsm.Decision
	}{
		{"expired", primary, rowValue(at(-time.Second)), lsm.Remove},
		{"expires at cutoff", primary, rowValue(at(0)), lsm.Remove},
		{"expires after cutoff", primary, rowValue(at(time.Nanosecond)), lsm.Keep},
		{"no expire", primary, rowValue(nil), lsm.Keep},
		{"nil expire", primary, codec.AppendMap(nil, 1).Nil(cacheitem.ExpireField).Finish(), lsm.Keep},
		{"offset timestamp", primary, expireString("2024-03-01T13:00:00+02:00"), lsm.Remove},
		{"unparsable expire", primary, expireString("not a time"), lsm.RemoveOrphan},
		{"expire of wrong type", primary, codec.AppendMap(nil, 1).Uint64(cacheitem.ExpireField, 5).Finish(), lsm.RemoveOrphan},
		{"value not a map", primary, []byte{0x01}, lsm.Keep},
		{"truncated value", primary, rowValue(at(-time.Hour))[:10], lsm.Keep},
		{"table without ttl", rowkey.Table(42, 1), rowValue(at(-time.Hour)), lsm.Keep},
		{"sequence", rowkey.Sequence(rowkey.TableCacheItems), rowValue(at(-time.Hour)), lsm.Keep},
		{"index entry", rowkey.SecondaryIndex(rowkey.IndexCacheItemsByPath, []byte("p:k"), 1), rowValue(at(-time.Hour)), lsm.Keep},
		{"index info", rowkey.SecondaryIndexInfo(rowkey.IndexCacheItemsByPath), expireString("garbage"), lsm.Keep},
		{"malformed key", []byte{0x09, 1, 2}, rowValue(at(-time.Hour)), lsm.Keep},
		{"empty key", nil, nil, lsm.Keep},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(cutoff)
			assert.Equal(t, tt.want, f.Filter(0, tt.key, tt.value))
		})
	}
}

func TestFilterCounters(t *testing.T) {
	f := New(cutoff)
	key := rowkey.Table(rowkey.TableCacheItems, 1)
	f.Filter(1, key, rowValue(at(-time.Second)))
	f.Filter(1, key, rowValue(at(-time.Minute)))
	f.Filter(1, key, expireString("bad"))
	f.Filter(1, key, rowValue(nil))

	assert.Equal(t, 2, f.Removed())
	assert.Equal(t, 1, f.Orphaned())
	assert.Equal(t, 1, f.Kept())
}

type mockObserver struct {
	mock.Mock
}

func (m *mockObserver) OnExpired(removed, orphaned int) {
	m.Called(removed, orphaned)
}

func TestFactory(t *testing.T) {
	calls := 0
	clock := func() time.Time {
		calls++
		return cutoff
	}
	obs := new(mockObserver)
	obs.On("OnExpired", 1, 1).Return().Once()

	factory := NewFactory(WithClock(clock), WithObserver(obs))
	assert.Equal(t, "cache-expire-check", factory.Name())

	flt := factory.CreateCompactionFilter(lsm.CompactionFilterContext{ColumnFamily: "cache", Level: 1})
	assert.Equal(t, 1, calls)

	key := rowkey.Table(rowkey.TableCacheItems, 1)
	assert.Equal(t, lsm.Remove, flt.Filter(1, key, rowValue(at(-time.Second))))
	assert.Equal(t, lsm.RemoveOrphan, flt.Filter(1, key, expireString("bad")))
	assert.Equal(t, lsm.Keep, flt.Filter(1, key, rowValue(at(time.Hour))))
	assert.Equal(t, 1, calls, "the cutoff is read once per run")

	flt.(lsm.CompactionFilterFinisher).Finish(nil)
	obs.AssertExpectations(t)
	assert.Equal(t, Totals{Runs: 1, Removed: 1, Orphaned: 1, Kept: 1}, factory.Totals())

	// An aborted run is counted but not reported.
	other := factory.CreateCompactionFilter(lsm.CompactionFilterContext{ColumnFamily: "cache"})
	other.Filter(0, key, rowValue(at(-time.Second)))
	other.(lsm.CompactionFilterFinisher).Finish(errors.New("canceled"))
	obs.AssertNumberOfCalls(t, "OnExpired", 1)
	assert.Equal(t, uint64(2), factory.Totals().Runs)
}
