package metrics

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu      sync.Mutex
	records []QueryMetrics
	err     error
}

func (s *fakeSink) WriteQueryMetrics(_ context.Context, m QueryMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, m)
	return nil
}

// metricValue reads a counter or histogram sample count from reg.
func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			if h := m.GetHistogram(); h != nil {
				return float64(h.GetSampleCount())
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestRecorder_RingIsBounded(t *testing.T) {
	r := NewRecorder(WithCapacity(3))

	for i := 1; i <= 5; i++ {
		r.Record(context.Background(), QueryMetrics{Kind: KindCorrelations, TookMs: int64(i)})
	}

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []int64{3, 4, 5}, []int64{snap[0].TookMs, snap[1].TookMs, snap[2].TookMs})
}

func TestRecorder_FillsIDAndTimestamp(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	r := NewRecorder(WithClock(clk))

	m := r.Record(context.Background(), QueryMetrics{Kind: KindCount})
	assert.NotEmpty(t, m.ID)
	assert.True(t, m.Timestamp.Equal(clk.Now()))

	other := r.Record(context.Background(), QueryMetrics{Kind: KindCount})
	assert.NotEqual(t, m.ID, other.ID)
}

func TestRecorder_SummaryEmpty(t *testing.T) {
	r := NewRecorder()
	s := r.Summary(time.Hour, 0)

	assert.Equal(t, 0, s.TotalQueries)
	assert.False(t, math.IsNaN(s.AverageQueryTime))
	assert.False(t, math.IsNaN(s.CacheHitRate))
	assert.False(t, math.IsNaN(s.ShardStats.AvgTotalShards))
	assert.Zero(t, s.AverageQueryTime)
	assert.NotNil(t, s.SlowestQueries)
	assert.Empty(t, s.SlowestQueries)
}

func TestRecorder_Summary(t *testing.T) {
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	r := NewRecorder(WithClock(clk))
	ctx := context.Background()

	// outside the window
	r.Record(ctx, QueryMetrics{TookMs: 9999, Timestamp: clk.Now().Add(-2 * time.Hour)})

	for i, took := range []int64{100, 300, 200, 50, 700, 10, 400} {
		r.Record(ctx, QueryMetrics{
			TookMs:       took,
			TotalShards:  4,
			FailedShards: i % 2,
			CacheHit:     i < 2,
			Timestamp:    clk.Now().Add(-time.Minute),
		})
	}

	s := r.Summary(time.Hour, 3)
	assert.Equal(t, 7, s.TotalQueries)
	assert.InDelta(t, 1760.0/7, s.AverageQueryTime, 1e-9)
	assert.InDelta(t, 2.0/7, s.CacheHitRate, 1e-9)
	assert.InDelta(t, 4.0, s.ShardStats.AvgTotalShards, 1e-9)
	assert.InDelta(t, 3.0/7, s.ShardStats.AvgFailedShards, 1e-9)

	require.Len(t, s.SlowestQueries, 3)
	assert.Equal(t, int64(700), s.SlowestQueries[0].TookMs)
	assert.Equal(t, int64(400), s.SlowestQueries[1].TookMs)
	assert.Equal(t, int64(300), s.SlowestQueries[2].TookMs)

	assert.Len(t, r.Summary(time.Hour, 0).SlowestQueries, DefaultSlowest)
}

func TestRecorder_SinkFailureIsSwallowed(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	sink := &fakeSink{err: errors.New("disk full")}
	r := NewRecorder(WithSink(sink), WithLogger(logger))

	m := r.Record(context.Background(), QueryMetrics{Kind: KindCorrelations})

	assert.Equal(t, 1, r.Len(), "ring should still receive the record")
	assert.Contains(t, logs.String(), "disk full")
	assert.Contains(t, logs.String(), m.ID)
}

func TestRecorder_SinkReceivesRecords(t *testing.T) {
	sink := &fakeSink{}
	r := NewRecorder(WithSink(sink))

	r.Record(context.Background(), QueryMetrics{Kind: KindFacets, TookMs: 12})

	require.Len(t, sink.records, 1)
	assert.Equal(t, KindFacets, sink.records[0].Kind)
}

func TestRecorder_HistoryFromRing(t *testing.T) {
	clk := clock.NewMock()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := NewRecorder(WithClock(clk))

	for i := 0; i < 5; i++ {
		r.Record(context.Background(), QueryMetrics{TookMs: int64(i), Timestamp: base.Add(time.Duration(i) * time.Minute)})
	}

	got, err := r.History(context.Background(), base.Add(time.Minute), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(4), got[0].TookMs, "newest first")
	assert.Equal(t, int64(3), got[1].TookMs)

	got, err = r.History(context.Background(), base.Add(time.Minute), 0)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestRecorder_Prometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(WithRegisterer(reg))
	ctx := context.Background()

	r.Record(ctx, QueryMetrics{Kind: KindCorrelations, TookMs: 120, FailedShards: 2, Partial: true})
	r.Record(ctx, QueryMetrics{Kind: KindCorrelations, TookMs: 80})
	r.Record(ctx, QueryMetrics{Kind: KindCount, Error: "store unavailable"})
	r.ObserveCache(true)
	r.ObserveCache(false)
	r.ObserveCache(false)

	assert.Equal(t, 2.0, metricValue(t, reg, "corrtrace_store_query_duration_seconds", map[string]string{"kind": KindCorrelations}))
	assert.Equal(t, 1.0, metricValue(t, reg, "corrtrace_store_query_errors_total", map[string]string{"kind": KindCount}))
	assert.Equal(t, 2.0, metricValue(t, reg, "corrtrace_store_failed_shards_total", nil))
	assert.Equal(t, 1.0, metricValue(t, reg, "corrtrace_store_partial_results_total", nil))
	assert.Equal(t, 1.0, metricValue(t, reg, "corrtrace_cache_requests_total", map[string]string{"result": "hit"}))
	assert.Equal(t, 2.0, metricValue(t, reg, "corrtrace_cache_requests_total", map[string]string{"result": "miss"}))
}
