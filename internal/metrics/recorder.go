// Package metrics records per-query store statistics in a bounded ring and
// derives the performance summary served by the metrics endpoint.
package metrics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultCapacity is the number of records kept in memory.
const DefaultCapacity = 1000

// DefaultSlowest is the number of slowest queries in a summary.
const DefaultSlowest = 5

// Query kinds.
const (
	KindCorrelations = "correlations"
	KindCount        = "count"
	KindFacets       = "facets"
	KindMapping      = "mapping"
)

// QueryMetrics describes one store execution.
type QueryMetrics struct {
	ID               string    `json:"id"`
	Kind             string    `json:"kind"`
	TookMs           int64     `json:"took"`
	TotalShards      int       `json:"totalShards"`
	SuccessfulShards int       `json:"successfulShards"`
	FailedShards     int       `json:"failedShards"`
	SkippedShards    int       `json:"skippedShards"`
	Timestamp        time.Time `json:"timestamp"`
	Filter           string    `json:"query"`
	CacheHit         bool      `json:"cacheHit"`
	Partial          bool      `json:"partial"`
	Error            string    `json:"error,omitempty"`
}

// Sink persists records beyond the in-memory ring.
type Sink interface {
	WriteQueryMetrics(ctx context.Context, m QueryMetrics) error
}

// HistorySink is a Sink that can also be queried.
type HistorySink interface {
	Sink
	ListQueryMetrics(ctx context.Context, since time.Time, limit int) ([]QueryMetrics, error)
}

// ShardStats averages shard participation.
type ShardStats struct {
	AvgTotalShards  float64 `json:"avgTotalShards"`
	AvgFailedShards float64 `json:"avgFailedShards"`
}

// Summary aggregates the records inside a time window.
type Summary struct {
	TotalQueries     int            `json:"totalQueries"`
	AverageQueryTime float64        `json:"averageQueryTime"`
	CacheHitRate     float64        `json:"cacheHitRate"`
	ShardStats       ShardStats     `json:"shardStats"`
	SlowestQueries   []QueryMetrics `json:"slowestQueries"`
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithCapacity sets the ring size.
func WithCapacity(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.buffer = make([]QueryMetrics, n)
		}
	}
}

// WithClock sets the time source used for timestamps and windows.
func WithClock(clk clock.Clock) Option {
	return func(r *Recorder) {
		r.clk = clk
	}
}

// WithSink forwards every record to sink.
func WithSink(sink Sink) Option {
	return func(r *Recorder) {
		r.sink = sink
	}
}

// WithLogger sets the logger used for sink failures.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		r.logger = logger
	}
}

// WithRegisterer exports Prometheus collectors on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Recorder) {
		r.reg = reg
	}
}

// Recorder keeps the most recent query records. It is safe for concurrent use.
type Recorder struct {
	mu     sync.RWMutex
	buffer []QueryMetrics
	head   int
	count  int

	clk        clock.Clock
	sink       Sink
	logger     *slog.Logger
	reg        prometheus.Registerer
	collectors *collectors
}

// NewRecorder creates a recorder.
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{
		buffer: make([]QueryMetrics, DefaultCapacity),
		clk:    clock.New(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.reg != nil {
		r.collectors = newCollectors(r.reg)
	}
	return r
}

// Record stores m, filling ID and Timestamp when unset. Sink failures are
// logged and do not affect the caller.
func (r *Recorder) Record(ctx context.Context, m QueryMetrics) QueryMetrics {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = r.clk.Now()
	}

	r.mu.Lock()
	r.buffer[r.head] = m
	r.head = (r.head + 1) % len(r.buffer)
	if r.count < len(r.buffer) {
		r.count++
	}
	r.mu.Unlock()

	if r.collectors != nil {
		r.collectors.observe(m)
	}

	if r.sink != nil {
		if err := r.sink.WriteQueryMetrics(ctx, m); err != nil {
			r.logger.WarnContext(ctx, "failed to persist query metrics",
				slog.String("id", m.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return m
}

// ObserveCache counts a result cache lookup.
func (r *Recorder) ObserveCache(hit bool) {
	if r.collectors != nil {
		r.collectors.cache(hit)
	}
}

// Snapshot returns the stored records, oldest first.
func (r *Recorder) Snapshot() []QueryMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := len(r.buffer)
	out := make([]QueryMetrics, r.count)
	if r.count < size {
		copy(out, r.buffer[:r.count])
	} else {
		copy(out, r.buffer[r.head:])
		copy(out[size-r.head:], r.buffer[:r.head])
	}
	return out
}

// Len returns the number of stored records.
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Summary aggregates records newer than window. An empty window yields
// zero averages.
func (r *Recorder) Summary(window time.Duration, slowest int) Summary {
	if slowest <= 0 {
		slowest = DefaultSlowest
	}
	cutoff := r.clk.Now().Add(-window)

	var in []QueryMetrics
	for _, m := range r.Snapshot() {
		if m.Timestamp.After(cutoff) {
			in = append(in, m)
		}
	}

	s := Summary{TotalQueries: len(in), SlowestQueries: []QueryMetrics{}}
	if len(in) == 0 {
		return s
	}

	var took, total, failed, hits float64
	for _, m := range in {
		took += float64(m.TookMs)
		total += float64(m.TotalShards)
		failed += float64(m.FailedShards)
		if m.CacheHit {
			hits++
		}
	}
	n := float64(len(in))
	s.AverageQueryTime = took / n
	s.CacheHitRate = hits / n
	s.ShardStats = ShardStats{AvgTotalShards: total / n, AvgFailedShards: failed / n}

	sort.SliceStable(in, func(i, j int) bool { return in[i].TookMs > in[j].TookMs })
	if len(in) > slowest {
		in = in[:slowest]
	}
	s.SlowestQueries = in
	return s
}

// History returns records newer than since, newest first. It reads from the
// sink when the sink supports queries and from the ring otherwise.
func (r *Recorder) History(ctx context.Context, since time.Time, limit int) ([]QueryMetrics, error) {
	if hs, ok := r.sink.(HistorySink); ok {
		return hs.ListQueryMetrics(ctx, since, limit)
	}

	snap := r.Snapshot()
	out := make([]QueryMetrics, 0, len(snap))
	for i := len(snap) - 1; i >= 0; i-- {
		if !snap[i].Timestamp.After(since) {
			continue
		}
		out = append(out, snap[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
