package elastic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tjfontaine/corrtrace/internal/domain"
	"github.com/tjfontaine/corrtrace/internal/query"
	"github.com/tjfontaine/corrtrace/internal/testutil"
)

var testNow = time.Date(2024, 5, 1, 12, 5, 0, 0, time.UTC)

const emptySearch = `{"took":1,"timed_out":false,"_shards":{"total":1,"successful":1,"skipped":0,"failed":0},` +
	`"hits":{"total":{"value":0,"relation":"eq"},"hits":[]},` +
	`"aggregations":{"total_correlations":{"value":0},"correlations":{"buckets":[]}}}`

func newReplayStore(t *testing.T, cassette string) *Store {
	t.Helper()
	r, cleanup := testutil.NewVCRRecorder(t, cassette)
	t.Cleanup(cleanup)

	s, err := New(Config{Addresses: []string{"http://localhost:9200"}}, WithTransport(r), WithRetries(1, 0))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func newServerStore(t *testing.T, handler http.HandlerFunc, opts ...Option) *Store {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	opts = append([]Option{WithRetries(DefaultMaxAttempts, 0)}, opts...)
	s, err := New(Config{Addresses: []string{srv.URL}}, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func correlationQuery(t *testing.T, timeRange string) query.Query {
	t.Helper()
	q, err := query.Build(domain.FilterSpec{TimeRange: timeRange, PageSize: 100}, query.Options{Fields: query.DefaultFields()}, testNow)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return q
}

func storeError(t *testing.T, err error) *domain.StoreError {
	t.Helper()
	var storeErr *domain.StoreError
	if !errors.As(err, &storeErr) {
		t.Fatalf("error = %v, want *domain.StoreError", err)
	}
	return storeErr
}

func TestStore_SearchReplay(t *testing.T) {
	s := newReplayStore(t, "search_correlations")

	res, err := s.Search(context.Background(), correlationQuery(t, "15m"))
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}

	if res.Partial || res.TimedOut {
		t.Errorf("Partial = %v, TimedOut = %v", res.Partial, res.TimedOut)
	}
	if res.TotalCorrelations != 2 || res.Hits != 7 {
		t.Errorf("TotalCorrelations = %d, Hits = %d", res.TotalCorrelations, res.Hits)
	}
	if res.Took != 42*time.Millisecond {
		t.Errorf("Took = %v", res.Took)
	}
	if res.Shards.Total != 3 || res.Shards.Successful != 3 {
		t.Errorf("Shards = %+v", res.Shards)
	}
	if len(res.Buckets) != 2 {
		t.Fatalf("len(Buckets) = %d, want 2", len(res.Buckets))
	}

	c1 := res.Buckets[0]
	if c1.Key != "c-1" || c1.DocCount != 5 {
		t.Errorf("bucket = %q/%d", c1.Key, c1.DocCount)
	}
	if len(c1.Applications) != 2 || c1.Applications[0].Name != "orders-api" || c1.Applications[0].Count != 3 {
		t.Errorf("Applications = %+v", c1.Applications)
	}
	if c1.ApplicationCount != 2 || c1.StartCount != 2 || c1.EndCount != 2 || c1.ExceptionCount != 0 {
		t.Errorf("counts = %+v", c1)
	}
	if c1.InterfaceID != "IF-001" || c1.InterfaceDomain != "sales" || c1.Organization != "acme" {
		t.Errorf("interface = %q %q %q", c1.InterfaceID, c1.InterfaceDomain, c1.Organization)
	}
	wantStart := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if c1.StartTime == nil || !c1.StartTime.Equal(wantStart) {
		t.Errorf("StartTime = %v, want %v", c1.StartTime, wantStart)
	}
	if c1.EndTime == nil || c1.EndTime.Sub(*c1.StartTime) != 100*time.Millisecond {
		t.Errorf("EndTime = %v", c1.EndTime)
	}

	c2 := res.Buckets[1]
	if c2.EndTime != nil {
		t.Errorf("EndTime = %v, want nil for a correlation without END", c2.EndTime)
	}
	if c2.InterfaceDomain != "" {
		t.Errorf("InterfaceDomain = %q, want empty", c2.InterfaceDomain)
	}
	if c2.ExceptionCount != 1 {
		t.Errorf("ExceptionCount = %d", c2.ExceptionCount)
	}
}

func TestStore_SearchPartialReplay(t *testing.T) {
	s := newReplayStore(t, "search_partial")

	res, err := s.Search(context.Background(), correlationQuery(t, "15m"))
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if !res.Partial || !res.TimedOut {
		t.Errorf("Partial = %v, TimedOut = %v, want both true", res.Partial, res.TimedOut)
	}
	if res.Shards.Failed != 1 {
		t.Errorf("Shards.Failed = %d", res.Shards.Failed)
	}
	if len(res.Buckets) != 1 || res.Buckets[0].Key != "c-9" {
		t.Errorf("Buckets = %+v", res.Buckets)
	}
}

func TestStore_ClusterReplay(t *testing.T) {
	s := newReplayStore(t, "cluster")
	ctx := context.Background()

	health, err := s.ClusterHealth(ctx)
	if err != nil {
		t.Fatalf("ClusterHealth() error = %v", err)
	}
	if health.ClusterName != "corr-cluster" || health.Status != "yellow" {
		t.Errorf("health = %+v", health)
	}
	if health.NumberOfNodes != 3 || health.NumberOfDataNodes != 2 || health.ActiveShards != 20 || health.UnassignedShards != 4 {
		t.Errorf("health counts = %+v", health)
	}

	stats, err := s.ClusterStats(ctx)
	if err != nil {
		t.Fatalf("ClusterStats() error = %v", err)
	}
	if stats.Nodes != 3 || stats.Indices != 14 || stats.Memory.UsedPercent != 75 {
		t.Errorf("stats = %+v", stats)
	}

	info, err := s.ProbeIndex(ctx)
	if err != nil {
		t.Fatalf("ProbeIndex() error = %v", err)
	}
	if info.Index != DefaultIndex || info.ResponseTimeMs != 3 || info.TotalShards != 3 || info.SuccessfulShards != 3 {
		t.Errorf("index info = %+v", info)
	}

	cq, err := query.BuildCount("1h", "", query.DefaultFields(), testNow)
	if err != nil {
		t.Fatalf("BuildCount() error = %v", err)
	}
	n, err := s.Count(ctx, cq)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 1234 {
		t.Errorf("Count() = %d, want 1234", n)
	}

	facets, err := s.Facets(ctx, cq, 50)
	if err != nil {
		t.Fatalf("Facets() error = %v", err)
	}
	if len(facets.Environments) != 2 || facets.Environments[0].Value != "prod" || facets.Environments[0].Count != 700 {
		t.Errorf("Environments = %+v", facets.Environments)
	}
	if len(facets.Domains) != 2 || facets.Domains[1].Value != "finance" {
		t.Errorf("Domains = %+v", facets.Domains)
	}
}

func TestStore_SearchRequestShape(t *testing.T) {
	var (
		gotQuery string
		gotPath  string
		gotBody  map[string]any
	)
	s := newServerStore(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Encode()
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		io.WriteString(w, emptySearch)
	}, WithTimeout(2*time.Second))

	if _, err := s.Search(context.Background(), correlationQuery(t, "24h")); err != nil {
		t.Fatalf("Search() error = %v", err)
	}

	if gotPath != "/logs-mulesoft-default/_search" {
		t.Errorf("path = %q", gotPath)
	}
	want := "allow_partial_search_results=true&batched_reduce_size=1024&max_concurrent_shard_requests=3&request_cache=true"
	if gotQuery != want {
		t.Errorf("query = %q, want %q", gotQuery, want)
	}
	if gotBody["timeout"] != "2000ms" {
		t.Errorf("timeout = %v, want 2000ms", gotBody["timeout"])
	}
	if _, ok := gotBody["aggs"].(map[string]any)["correlations"]; !ok {
		t.Error("body is missing the correlations aggregation")
	}
}

func TestStore_RetriesTransientStatus(t *testing.T) {
	var attempts atomic.Int32
	s := newServerStore(t, func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, `{"error":{"reason":"busy"},"status":503}`)
			return
		}
		io.WriteString(w, emptySearch)
	})

	if _, err := s.Search(context.Background(), correlationQuery(t, "15m")); err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestStore_GivesUpAfterMaxAttempts(t *testing.T) {
	var attempts atomic.Int32
	s := newServerStore(t, func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"reason":"rejected execution"},"status":429}`)
	})

	_, err := s.Search(context.Background(), correlationQuery(t, "15m"))
	storeErr := storeError(t, err)
	if storeErr.Kind != domain.StoreErrorUnavailable || storeErr.Status != http.StatusTooManyRequests {
		t.Errorf("error = %+v", storeErr)
	}
	if got := attempts.Load(); got != DefaultMaxAttempts {
		t.Errorf("attempts = %d, want %d", got, DefaultMaxAttempts)
	}
}

func TestStore_ClassifiesErrorStatus(t *testing.T) {
	tests := []struct {
		status int
		want   domain.StoreErrorKind
	}{
		{status: http.StatusBadRequest, want: domain.StoreErrorMalformed},
		{status: http.StatusUnauthorized, want: domain.StoreErrorAuth},
		{status: http.StatusForbidden, want: domain.StoreErrorAuth},
		{status: http.StatusNotFound, want: domain.StoreErrorNotFound},
		{status: http.StatusInternalServerError, want: domain.StoreErrorUnavailable},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var attempts atomic.Int32
			s := newServerStore(t, func(w http.ResponseWriter, r *http.Request) {
				attempts.Add(1)
				w.WriteHeader(tt.status)
				io.WriteString(w, `{"error":{"root_cause":[{"type":"x","reason":"boom"}],"type":"x","reason":"outer"},"status":1}`)
			})

			_, err := s.Search(context.Background(), correlationQuery(t, "15m"))
			storeErr := storeError(t, err)
			if storeErr.Kind != tt.want {
				t.Errorf("Kind = %q, want %q", storeErr.Kind, tt.want)
			}
			if storeErr.Status != tt.status {
				t.Errorf("Status = %d, want %d", storeErr.Status, tt.status)
			}
			if !strings.Contains(storeErr.Message, "boom") {
				t.Errorf("Message = %q, want root cause", storeErr.Message)
			}
			if got := attempts.Load(); got != 1 {
				t.Errorf("attempts = %d, want 1", got)
			}
		})
	}
}

func TestStore_Connectivity(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	s, err := New(Config{Addresses: []string{addr}}, WithRetries(2, 0))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	_, err = s.Search(context.Background(), correlationQuery(t, "15m"))
	if storeErr := storeError(t, err); storeErr.Kind != domain.StoreErrorConnectivity {
		t.Errorf("Kind = %q, want connectivity", storeErr.Kind)
	}
}

func TestStore_ClientTimeout(t *testing.T) {
	s := newServerStore(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, WithTimeout(20*time.Millisecond), WithGrace(20*time.Millisecond), WithRetries(1, 0))

	_, err := s.Search(context.Background(), correlationQuery(t, "15m"))
	if storeErr := storeError(t, err); storeErr.Kind != domain.StoreErrorTimeout {
		t.Errorf("Kind = %q, want timeout", storeErr.Kind)
	}
}

func TestStore_RejectsUnknownProduct(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, emptySearch)
	}))
	defer srv.Close()

	s, err := New(Config{Addresses: []string{srv.URL}}, WithRetries(1, 0))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := s.Search(context.Background(), correlationQuery(t, "15m")); err == nil {
		t.Fatal("Search() should fail against a server that is not Elasticsearch")
	}
}

func TestStore_Mapping(t *testing.T) {
	const mapping = `{"logs-mulesoft-default":{"mappings":{"properties":{"correlationId":{"type":"keyword"}}}}}`

	var gotMethod, gotPath string
	s := newServerStore(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		io.WriteString(w, mapping)
	})

	got, err := s.Mapping(context.Background())
	if err != nil {
		t.Fatalf("Mapping() error = %v", err)
	}
	if gotMethod != http.MethodGet || gotPath != "/logs-mulesoft-default/_mapping" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}
	if string(got) != mapping {
		t.Errorf("Mapping() = %s", got)
	}
}

func TestStore_MappingMissingIndex(t *testing.T) {
	s := newServerStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		io.WriteString(w, `{"error":{"root_cause":[{"reason":"no such index [logs-mulesoft-default]"}]},"status":404}`)
	})

	_, err := s.Mapping(context.Background())
	storeErr := storeError(t, err)
	if storeErr.Kind != domain.StoreErrorNotFound {
		t.Errorf("Kind = %v, want %v", storeErr.Kind, domain.StoreErrorNotFound)
	}
	if !strings.Contains(storeErr.Message, "no such index") {
		t.Errorf("Message = %q", storeErr.Message)
	}
}

func TestReason(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{body: `{"error":{"root_cause":[{"reason":"inner"}],"reason":"outer"}}`, want: "inner"},
		{body: `{"error":{"reason":"outer"}}`, want: "outer"},
		{body: `{"error":"plain"}`, want: "plain"},
		{body: `not json`, want: "not json"},
	}
	for _, tt := range tests {
		if got := reason([]byte(tt.body)); got != tt.want {
			t.Errorf("reason(%s) = %q, want %q", tt.body, got, tt.want)
		}
	}
}
