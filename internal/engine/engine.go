// Package engine answers dashboard queries: it builds store queries from a
// filter, summarizes the returned buckets, pages the result and records
// per-query metrics.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/corrtrace/internal/cache"
	"github.com/tjfontaine/corrtrace/internal/domain"
	"github.com/tjfontaine/corrtrace/internal/metrics"
	"github.com/tjfontaine/corrtrace/internal/pagination"
	"github.com/tjfontaine/corrtrace/internal/query"
	"github.com/tjfontaine/corrtrace/internal/status"
	"github.com/tjfontaine/corrtrace/internal/storage"
)

// DefaultCountTTL is how long a count result is reused.
const DefaultCountTTL = 5 * time.Second

// DefaultFacetSize bounds each facet list.
const DefaultFacetSize = 100

// DefaultMetricsRange is the summary window when none is given.
const DefaultMetricsRange = "1h"

// CountKey identifies a cached count by every dimension of its query.
type CountKey struct {
	TimeRange   string
	Environment string
}

// Option configures an Engine.
type Option func(*Engine)

// WithRecorder sets the query metrics recorder.
func WithRecorder(r *metrics.Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// WithCountCache sets the cache used by Count.
func WithCountCache(c *cache.TTL[CountKey, int64]) Option {
	return func(e *Engine) {
		e.counts = c
	}
}

// WithClock sets the time source for query ranges.
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) {
		e.clk = clk
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithFields overrides the index field names.
func WithFields(f query.Fields) Option {
	return func(e *Engine) {
		e.fields = f
	}
}

// WithWindow sets how many correlations a search may return.
func WithWindow(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.window = n
		}
	}
}

// WithFacetSize bounds each facet list.
func WithFacetSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.facetSize = n
		}
	}
}

// Engine is safe for concurrent use. It holds no state of its own beyond
// the injected recorder and count cache.
type Engine struct {
	store     storage.EventStore
	recorder  *metrics.Recorder
	counts    *cache.TTL[CountKey, int64]
	clk       clock.Clock
	logger    *slog.Logger
	fields    query.Fields
	window    int
	facetSize int
}

// New creates an engine over store.
func New(store storage.EventStore, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		clk:       clock.New(),
		logger:    slog.Default(),
		fields:    query.DefaultFields(),
		window:    query.DefaultWindow,
		facetSize: DefaultFacetSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.recorder == nil {
		e.recorder = metrics.NewRecorder(metrics.WithClock(e.clk), metrics.WithLogger(e.logger))
	}
	if e.counts == nil {
		e.counts = cache.New[CountKey, int64](DefaultCountTTL, cache.WithClock(e.clk))
	}
	return e
}

// Recorder returns the metrics recorder.
func (e *Engine) Recorder() *metrics.Recorder {
	return e.recorder
}

func (e *Engine) build(spec domain.FilterSpec) (query.Query, error) {
	return query.Build(spec, query.Options{
		Fields:   e.fields,
		Window:   e.window,
		Pushdown: e.store.SupportsPushdown(),
	}, e.clk.Now())
}

// Correlations returns one page of correlation summaries matching spec.
func (e *Engine) Correlations(ctx context.Context, spec domain.FilterSpec) (domain.Page, error) {
	q, err := e.build(spec)
	if err != nil {
		return domain.Page{}, err
	}

	res, err := e.store.Search(ctx, q)
	e.record(ctx, metrics.KindCorrelations, spec, res, err)
	if err != nil {
		return domain.Page{}, err
	}

	summaries := make([]domain.CorrelationSummary, 0, len(res.Buckets))
	for _, b := range res.Buckets {
		summaries = append(summaries, Summarize(b))
	}
	if q.Status == "" {
		summaries = status.Filter(summaries, spec.Status)
	}
	pagination.Sort(summaries)

	items, next := pagination.Paginate(summaries, spec.After, spec.PageSize)
	page := domain.Page{
		Data:              items,
		Total:             len(summaries),
		TotalCorrelations: res.TotalCorrelations,
		HasMore:           next != nil,
		Partial:           res.Partial,
		Truncated:         res.TotalCorrelations > int64(q.Window),
	}
	if page.Data == nil {
		page.Data = []domain.CorrelationSummary{}
	}
	if next != nil {
		token := pagination.Encode(*next)
		page.NextKey = &token
	}
	return page, nil
}

// Count returns the number of events in range, reusing a recent result for
// the same time range and environment.
func (e *Engine) Count(ctx context.Context, timeRange, environment string) (int64, bool, error) {
	timeRange = strings.TrimSpace(timeRange)
	if timeRange == "" {
		timeRange = query.DefaultTimeRange
	}
	q, err := query.BuildCount(timeRange, environment, e.fields, e.clk.Now())
	if err != nil {
		return 0, false, err
	}

	filter := domain.FilterSpec{TimeRange: timeRange, Environment: environment}
	key := CountKey{TimeRange: timeRange, Environment: environment}

	n, cached, err := e.counts.GetOrLoad(ctx, key, func(ctx context.Context) (int64, error) {
		began := e.clk.Now()
		n, err := e.store.Count(ctx, q)
		e.record(ctx, metrics.KindCount, filter, storage.Result{Took: e.clk.Since(began)}, err)
		return n, err
	})
	if err != nil {
		return 0, false, err
	}

	e.recorder.ObserveCache(cached)
	if cached {
		e.recorder.Record(ctx, metrics.QueryMetrics{
			Kind:     metrics.KindCount,
			Filter:   encodeFilter(filter),
			CacheHit: true,
		})
	}
	return n, cached, nil
}

// Facets returns the distinct filter values seen in range.
func (e *Engine) Facets(ctx context.Context, timeRange string) (storage.Facets, error) {
	q, err := query.BuildCount(timeRange, "", e.fields, e.clk.Now())
	if err != nil {
		return storage.Facets{}, err
	}

	began := e.clk.Now()
	f, err := e.store.Facets(ctx, q, e.facetSize)
	e.record(ctx, metrics.KindFacets, domain.FilterSpec{TimeRange: timeRange}, storage.Result{Took: e.clk.Since(began)}, err)
	if err != nil {
		return storage.Facets{}, err
	}
	return f, nil
}

// Mapping returns the log index field mapping.
func (e *Engine) Mapping(ctx context.Context) (json.RawMessage, error) {
	began := e.clk.Now()
	m, err := e.store.Mapping(ctx)
	e.record(ctx, metrics.KindMapping, domain.FilterSpec{}, storage.Result{Took: e.clk.Since(began)}, err)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Preview is a query rendered without being executed.
type Preview struct {
	Filter domain.FilterSpec `json:"filter"`
	Query  map[string]any    `json:"query"`
}

// Preview renders the search body Correlations would send for spec.
func (e *Engine) Preview(spec domain.FilterSpec) (Preview, error) {
	q, err := e.build(spec)
	if err != nil {
		return Preview{}, err
	}
	return Preview{Filter: spec, Query: q.Source()}, nil
}

// HealthReport describes store reachability.
type HealthReport struct {
	Status      string                 `json:"status"`
	Available   bool                   `json:"available"`
	ClusterInfo *storage.ClusterHealth `json:"clusterInfo,omitempty"`
	IndexInfo   *storage.IndexInfo     `json:"indexInfo,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// Health checks cluster health and probes the index concurrently. A failure
// of either reports the store as unavailable with status red.
func (e *Engine) Health(ctx context.Context) HealthReport {
	var (
		health storage.ClusterHealth
		index  storage.IndexInfo
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		health, err = e.store.ClusterHealth(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		index, err = e.store.ProbeIndex(gctx)
		return err
	})

	report := HealthReport{Timestamp: e.clk.Now().UTC()}
	if err := g.Wait(); err != nil {
		e.logger.ErrorContext(ctx, "health check failed", slog.String("error", err.Error()))
		report.Status = "red"
		report.Error = domain.ToAPIError(err).Message
		return report
	}

	report.Status = health.Status
	report.Available = true
	report.ClusterInfo = &health
	report.IndexInfo = &index
	return report
}

// Performance is the query performance view.
type Performance struct {
	QueryMetrics       metrics.Summary       `json:"queryMetrics"`
	ClusterHealth      *storage.ClusterStats `json:"clusterHealth,omitempty"`
	OptimizationStatus query.Tuning          `json:"optimizationStatus"`
}

// Performance summarizes recorded queries newer than timeRange. Cluster
// statistics are included when the store can provide them.
func (e *Engine) Performance(ctx context.Context, timeRange string, slowest int) (Performance, error) {
	rng, err := metricsRange(timeRange)
	if err != nil {
		return Performance{}, err
	}

	p := Performance{
		QueryMetrics:       e.recorder.Summary(rng, slowest),
		OptimizationStatus: query.TuningFor(rng),
	}

	stats, err := e.store.ClusterStats(ctx)
	if err != nil {
		e.logger.WarnContext(ctx, "cluster stats unavailable", slog.String("error", err.Error()))
		return p, nil
	}
	p.ClusterHealth = &stats
	return p, nil
}

// History returns recorded queries newer than timeRange, newest first.
func (e *Engine) History(ctx context.Context, timeRange string, limit int) ([]metrics.QueryMetrics, error) {
	rng, err := metricsRange(timeRange)
	if err != nil {
		return nil, err
	}
	return e.recorder.History(ctx, e.clk.Now().Add(-rng), limit)
}

func metricsRange(timeRange string) (time.Duration, error) {
	if strings.TrimSpace(timeRange) == "" {
		timeRange = DefaultMetricsRange
	}
	return query.ParseTimeRange(timeRange)
}

func (e *Engine) record(ctx context.Context, kind string, spec domain.FilterSpec, res storage.Result, err error) {
	m := metrics.QueryMetrics{
		Kind:             kind,
		TookMs:           res.Took.Milliseconds(),
		TotalShards:      res.Shards.Total,
		SuccessfulShards: res.Shards.Successful,
		FailedShards:     res.Shards.Failed,
		SkippedShards:    res.Shards.Skipped,
		Filter:           encodeFilter(spec),
		Partial:          res.Partial,
	}
	if err != nil {
		m.Error = errorKind(err)
		e.logger.LogAttrs(ctx, failureLevel(err), "store query failed",
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
	}
	e.recorder.Record(ctx, m)
}

// failureLevel logs transient store failures as warnings and the rest,
// such as rejected credentials or a missing index, as errors.
func failureLevel(err error) slog.Level {
	if errors.Is(err, context.Canceled) {
		return slog.LevelDebug
	}
	var storeErr *domain.StoreError
	if errors.As(err, &storeErr) && storeErr.Retryable() {
		return slog.LevelWarn
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return slog.LevelWarn
	}
	return slog.LevelError
}

func errorKind(err error) string {
	var storeErr *domain.StoreError
	if errors.As(err, &storeErr) {
		return string(storeErr.Kind)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return string(domain.StoreErrorTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return "error"
}

func encodeFilter(spec domain.FilterSpec) string {
	data, err := json.Marshal(spec)
	if err != nil {
		return ""
	}
	return string(data)
}
