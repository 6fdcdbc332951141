// Package elastic implements storage.EventStore on an Elasticsearch cluster.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/corrtrace/internal/query"
	"github.com/tjfontaine/corrtrace/internal/storage"
)

const (
	DefaultIndex       = "logs-mulesoft-default"
	DefaultTimeout     = 30 * time.Second
	DefaultGrace       = 5 * time.Second
	DefaultMaxAttempts = 5

	maxBackoff = 10 * time.Second
)

// RetryStatuses are the responses retried by the client.
var RetryStatuses = []int{
	http.StatusTooManyRequests,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// Config holds cluster connection settings. When CloudID is set, Addresses
// are ignored.
type Config struct {
	Addresses []string
	CloudID   string
	APIKey    string
	Username  string
	Password  string
	Index     string
}

// Option configures the store.
type Option func(*Store)

// WithTimeout sets the per-search timeout sent to the cluster.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.timeout = d
	}
}

// WithGrace sets how long past the search timeout the client waits for a
// response carrying partial results.
func WithGrace(d time.Duration) Option {
	return func(s *Store) {
		s.grace = d
	}
}

// WithRetries sets the total attempts per request and the initial backoff,
// which doubles per retry. A zero backoff retries immediately.
func WithRetries(attempts int, backoff time.Duration) Option {
	return func(s *Store) {
		s.attempts = attempts
		s.backoff = backoff
	}
}

// WithPushdown lets searches evaluate status filters in the cluster.
func WithPushdown(enabled bool) Option {
	return func(s *Store) {
		s.pushdown = enabled
	}
}

// WithTransport sets the HTTP transport used by the client.
func WithTransport(rt http.RoundTripper) Option {
	return func(s *Store) {
		s.transport = rt
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Store is the Elasticsearch event store.
type Store struct {
	client    *elasticsearch.Client
	index     string
	timeout   time.Duration
	grace     time.Duration
	attempts  int
	backoff   time.Duration
	pushdown  bool
	transport http.RoundTripper
	logger    *slog.Logger
	tracer    trace.Tracer
}

// New creates a store connected according to cfg.
func New(cfg Config, opts ...Option) (*Store, error) {
	s := &Store{
		index:    cfg.Index,
		timeout:  DefaultTimeout,
		grace:    DefaultGrace,
		attempts: DefaultMaxAttempts,
		backoff:  100 * time.Millisecond,
		pushdown: true,
		logger:   slog.Default(),
		tracer:   otel.Tracer("github.com/tjfontaine/corrtrace/internal/storage/elastic"),
	}
	if s.index == "" {
		s.index = DefaultIndex
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.attempts < 1 {
		s.attempts = 1
	}

	esCfg := elasticsearch.Config{
		APIKey:        cfg.APIKey,
		Username:      cfg.Username,
		Password:      cfg.Password,
		RetryOnStatus: RetryStatuses,
		MaxRetries:    s.attempts - 1,
		DisableRetry:  s.attempts == 1,
		Transport:     s.transport,
	}
	if cfg.CloudID != "" {
		esCfg.CloudID = cfg.CloudID
	} else {
		esCfg.Addresses = cfg.Addresses
	}
	if s.backoff > 0 {
		base := s.backoff
		esCfg.RetryBackoff = func(attempt int) time.Duration {
			d := base << (attempt - 1)
			if d <= 0 || d > maxBackoff {
				d = maxBackoff
			}
			return d
		}
	}

	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	s.client = client

	s.logger.Info("elasticsearch store configured",
		slog.String("index", s.index),
		slog.Bool("cloud", cfg.CloudID != ""),
		slog.Duration("timeout", s.timeout),
		slog.Int("max_attempts", s.attempts),
	)
	return s, nil
}

// Index returns the index queried by the store.
func (s *Store) Index() string { return s.index }

func (s *Store) SupportsPushdown() bool { return s.pushdown }

func (s *Store) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("db.system", "elasticsearch"),
		attribute.String("db.operation", op),
		attribute.String("db.elasticsearch.index", s.index),
	)
	return s.tracer.Start(ctx, "elastic."+op, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// read drains a response and classifies failures.
func read(op string, res *esapi.Response, err error) ([]byte, error) {
	if err != nil {
		return nil, classifyTransport(op, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, classifyTransport(op, err)
	}
	if res.IsError() {
		return nil, classifyStatus(op, res.StatusCode, data)
	}
	return data, nil
}

func encode(body map[string]any) (*bytes.Reader, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(body); err != nil {
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}
	return bytes.NewReader(buf.Bytes()), nil
}

// Search runs a correlation query. The cluster is asked to stop after the
// configured timeout and return what it has; the client waits a grace
// period longer for that answer.
func (s *Store) Search(ctx context.Context, q query.Query) (storage.Result, error) {
	ctx, span := s.startSpan(ctx, "search",
		attribute.Int("corrtrace.window", q.Window),
		attribute.Bool("corrtrace.pushdown", q.Status != ""),
	)
	defer span.End()

	source := q.Source()
	source["timeout"] = fmt.Sprintf("%dms", s.timeout.Milliseconds())
	body, err := encode(source)
	if err != nil {
		return storage.Result{}, fail(span, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout+s.grace)
	defer cancel()

	search := s.client.Search
	res, err := search(
		search.WithContext(ctx),
		search.WithIndex(s.index),
		search.WithBody(body),
		search.WithAllowPartialSearchResults(true),
		search.WithBatchedReduceSize(q.Tuning.BatchedReduceSize),
		search.WithMaxConcurrentShardRequests(q.Tuning.MaxConcurrentShardRequests),
		search.WithRequestCache(q.Tuning.RequestCache),
	)
	data, err := read("search", res, err)
	if err != nil {
		return storage.Result{}, fail(span, err)
	}

	result := parseSearch(data)
	span.SetAttributes(
		attribute.Int("corrtrace.buckets", len(result.Buckets)),
		attribute.Int64("corrtrace.took_ms", result.Took.Milliseconds()),
		attribute.Bool("corrtrace.partial", result.Partial),
	)
	if result.Partial {
		s.logger.WarnContext(ctx, "partial search result",
			slog.Bool("timed_out", result.TimedOut),
			slog.Int("failed_shards", result.Shards.Failed),
			slog.Int("total_shards", result.Shards.Total),
		)
	}
	return result, nil
}

func (s *Store) Count(ctx context.Context, q query.Query) (int64, error) {
	ctx, span := s.startSpan(ctx, "count")
	defer span.End()

	body, err := encode(q.CountSource())
	if err != nil {
		return 0, fail(span, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout+s.grace)
	defer cancel()

	count := s.client.Count
	res, err := count(
		count.WithContext(ctx),
		count.WithIndex(s.index),
		count.WithBody(body),
	)
	data, err := read("count", res, err)
	if err != nil {
		return 0, fail(span, err)
	}
	return gjson.GetBytes(data, "count").Int(), nil
}

func (s *Store) Facets(ctx context.Context, q query.Query, size int) (storage.Facets, error) {
	ctx, span := s.startSpan(ctx, "facets")
	defer span.End()

	body, err := encode(q.FacetsSource(size))
	if err != nil {
		return storage.Facets{}, fail(span, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout+s.grace)
	defer cancel()

	search := s.client.Search
	res, err := search(
		search.WithContext(ctx),
		search.WithIndex(s.index),
		search.WithBody(body),
		search.WithRequestCache(q.Tuning.RequestCache),
	)
	data, err := read("facets", res, err)
	if err != nil {
		return storage.Facets{}, fail(span, err)
	}
	return parseFacets(data), nil
}

func (s *Store) ClusterHealth(ctx context.Context) (storage.ClusterHealth, error) {
	ctx, span := s.startSpan(ctx, "cluster_health")
	defer span.End()

	health := s.client.Cluster.Health
	res, err := health(health.WithContext(ctx))
	data, err := read("cluster health", res, err)
	if err != nil {
		return storage.ClusterHealth{}, fail(span, err)
	}
	return parseClusterHealth(data), nil
}

func (s *Store) ClusterStats(ctx context.Context) (storage.ClusterStats, error) {
	ctx, span := s.startSpan(ctx, "cluster_stats")
	defer span.End()

	stats := s.client.Cluster.Stats
	res, err := stats(stats.WithContext(ctx))
	data, err := read("cluster stats", res, err)
	if err != nil {
		return storage.ClusterStats{}, fail(span, err)
	}
	return parseClusterStats(data), nil
}

func (s *Store) ProbeIndex(ctx context.Context) (storage.IndexInfo, error) {
	ctx, span := s.startSpan(ctx, "probe_index")
	defer span.End()

	search := s.client.Search
	res, err := search(
		search.WithContext(ctx),
		search.WithIndex(s.index),
		search.WithSize(0),
	)
	data, err := read("index probe", res, err)
	if err != nil {
		return storage.IndexInfo{}, fail(span, err)
	}

	doc := gjson.ParseBytes(data)
	shards := parseShards(doc.Get("_shards"))
	return storage.IndexInfo{
		Index:            s.index,
		ResponseTimeMs:   doc.Get("took").Int(),
		TotalShards:      shards.Total,
		SuccessfulShards: shards.Successful,
	}, nil
}

func (s *Store) Mapping(ctx context.Context) (json.RawMessage, error) {
	ctx, span := s.startSpan(ctx, "get_mapping")
	defer span.End()

	getMapping := s.client.Indices.GetMapping
	res, err := getMapping(
		getMapping.WithContext(ctx),
		getMapping.WithIndex(s.index),
	)
	data, err := read("index mapping", res, err)
	if err != nil {
		return nil, fail(span, err)
	}
	return json.RawMessage(data), nil
}
