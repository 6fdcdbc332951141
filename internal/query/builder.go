// Package query translates a validated FilterSpec into a typed store query
// and renders that query as Elasticsearch DSL.
package query

import (
	"strings"
	"time"

	"github.com/tjfontaine/corrtrace/internal/domain"
	"github.com/tjfontaine/corrtrace/internal/status"
)

// Aggregation names shared by the renderer and the response parser.
const (
	AggCorrelations      = "correlations"
	AggTotalCorrelations = "total_correlations"
	AggApplications      = "applications"
	AggApplicationCount  = "application_count"
	AggInterfaceID       = "interface_id"
	AggInterfaceDomain   = "interface_domain"
	AggInterfaceOrg      = "interface_org"
	AggStarted           = "started"
	AggStartEvent        = "start_event"
	AggStartTime         = "start_time"
	AggEndEvent          = "end_event"
	AggEndTime           = "end_time"
	AggHasStart          = "has_start"
	AggHasEnd            = "has_end"
	AggHasException      = "has_exception"
	AggOverallStatus     = "overall_status"
	AggStatusFilter      = "status_filter"

	AggEnvironments  = "environments"
	AggOrganizations = "organizations"
	AggDomains       = "domains"
)

const (
	// TopApplications bounds the per-correlation application breakdown.
	TopApplications = 10
	// DefaultWindow is the number of correlation buckets scanned per query.
	DefaultWindow = 2000
)

// Fields maps log event dimensions to index field names.
type Fields struct {
	Timestamp     string `koanf:"timestamp"`
	CorrelationID string `koanf:"correlation_id"`
	TracePoint    string `koanf:"trace_point"`
	Application   string `koanf:"application"`
	InterfaceID   string `koanf:"interface_id"`
	Domain        string `koanf:"domain"`
	Organization  string `koanf:"organization"`
	Environment   string `koanf:"environment"`
}

// DefaultFields returns the mapping of the logs-mulesoft-default index.
func DefaultFields() Fields {
	return Fields{
		Timestamp:     "@timestamp",
		CorrelationID: "correlationId",
		TracePoint:    "tracePoint",
		Application:   "applicationName",
		InterfaceID:   "interfaceId",
		Domain:        "interface_metadata.domain",
		Organization:  "interface_metadata.org",
		Environment:   "environment",
	}
}

// Value returns the event attribute stored under field.
func (f Fields) Value(ev domain.LogEvent, field string) string {
	switch field {
	case f.CorrelationID:
		return ev.CorrelationID
	case f.TracePoint:
		return string(ev.TracePoint)
	case f.Application:
		return ev.ApplicationName
	case f.InterfaceID:
		return ev.InterfaceID
	case f.Domain:
		return ev.InterfaceDomain
	case f.Organization:
		return ev.Organization
	case f.Environment:
		return ev.Environment
	}
	return ""
}

// Options control how Build shapes a query.
type Options struct {
	Fields   Fields
	Window   int
	Pushdown bool
}

// Term is an exact-match predicate.
type Term struct {
	Field string
	Value string
}

// Wildcard is a case-insensitive substring predicate over one or more fields.
// It matches when any field contains Value.
type Wildcard struct {
	Fields []string
	Value  string
}

// Tuning carries per-request search settings.
type Tuning struct {
	BatchedReduceSize          int  `json:"batchedReduceSize"`
	MaxConcurrentShardRequests int  `json:"maxConcurrentShardRequests"`
	RequestCache               bool `json:"requestCacheEnabled"`
}

// TuningFor widens reduce batches and narrows shard fan-out for day-long ranges.
func TuningFor(rng time.Duration) Tuning {
	if rng >= 24*time.Hour {
		return Tuning{BatchedReduceSize: 1024, MaxConcurrentShardRequests: 3, RequestCache: true}
	}
	return Tuning{BatchedReduceSize: 512, MaxConcurrentShardRequests: 5, RequestCache: true}
}

// Query is a store-agnostic description of one search.
type Query struct {
	Fields    Fields
	From      time.Time
	To        time.Time
	Terms     []Term
	Wildcards []Wildcard
	Window    int
	// Status, when set, is evaluated by the store during aggregation.
	Status domain.LifecycleStatus
	Tuning Tuning
}

// Build turns a filter into a correlation query over [now-range, now].
func Build(spec domain.FilterSpec, opts Options, now time.Time) (Query, error) {
	rng := spec.Range
	if rng <= 0 {
		var err error
		if rng, err = ParseTimeRange(spec.TimeRange); err != nil {
			return Query{}, err
		}
	}

	f := opts.Fields
	q := Query{
		Fields: f,
		From:   now.Add(-rng),
		To:     now,
		Window: opts.Window,
		Tuning: TuningFor(rng),
	}
	if q.Window <= 0 {
		q.Window = DefaultWindow
	}
	if spec.PageSize > q.Window {
		q.Window = spec.PageSize
	}

	for _, t := range []Term{
		{Field: f.Environment, Value: spec.Environment},
		{Field: f.Application, Value: spec.Application},
		{Field: f.InterfaceID, Value: spec.InterfaceID},
		{Field: f.Organization, Value: spec.Organization},
		{Field: f.Domain, Value: spec.Domain},
	} {
		if t.Value != "" {
			q.Terms = append(q.Terms, t)
		}
	}
	if spec.CorrelationID != "" {
		q.Wildcards = append(q.Wildcards, Wildcard{Fields: []string{f.CorrelationID}, Value: spec.CorrelationID})
	}
	if spec.Search != "" {
		q.Wildcards = append(q.Wildcards, Wildcard{
			Fields: []string{f.CorrelationID, f.Application, f.InterfaceID},
			Value:  spec.Search,
		})
	}
	if opts.Pushdown {
		q.Status = spec.Status
	}
	return q, nil
}

// BuildCount is the count-only query behind the cached total.
func BuildCount(timeRange, environment string, fields Fields, now time.Time) (Query, error) {
	rng, err := ParseTimeRange(timeRange)
	if err != nil {
		return Query{}, err
	}
	q := Query{Fields: fields, From: now.Add(-rng), To: now, Tuning: TuningFor(rng)}
	if environment != "" {
		q.Terms = []Term{{Field: fields.Environment, Value: environment}}
	}
	return q, nil
}

// Matches evaluates the query's predicates against a single event.
func (q Query) Matches(ev domain.LogEvent) bool {
	if ev.Timestamp.Before(q.From) || ev.Timestamp.After(q.To) {
		return false
	}
	for _, t := range q.Terms {
		if q.Fields.Value(ev, t.Field) != t.Value {
			return false
		}
	}
	for _, w := range q.Wildcards {
		needle := strings.ToLower(w.Value)
		hit := false
		for _, field := range w.Fields {
			if strings.Contains(strings.ToLower(q.Fields.Value(ev, field)), needle) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

// BoolQuery renders the predicates as a bool filter.
func (q Query) BoolQuery() map[string]any {
	filter := []any{
		map[string]any{
			"range": map[string]any{
				q.Fields.Timestamp: map[string]any{
					"gte":    q.From.UTC().Format(time.RFC3339Nano),
					"lte":    q.To.UTC().Format(time.RFC3339Nano),
					"format": "strict_date_optional_time",
				},
			},
		},
	}
	for _, t := range q.Terms {
		filter = append(filter, map[string]any{"term": map[string]any{t.Field: t.Value}})
	}
	for _, w := range q.Wildcards {
		if len(w.Fields) == 1 {
			filter = append(filter, wildcard(w.Fields[0], w.Value))
			continue
		}
		should := make([]any, 0, len(w.Fields))
		for _, field := range w.Fields {
			should = append(should, wildcard(field, w.Value))
		}
		filter = append(filter, map[string]any{
			"bool": map[string]any{"should": should, "minimum_should_match": 1},
		})
	}
	return map[string]any{"bool": map[string]any{"filter": filter}}
}

// Source renders the full correlation search body.
func (q Query) Source() map[string]any {
	f := q.Fields
	sub := map[string]any{
		AggApplications:     terms(f.Application, TopApplications),
		AggApplicationCount: map[string]any{"cardinality": map[string]any{"field": f.Application}},
		AggInterfaceID:      terms(f.InterfaceID, 1),
		AggInterfaceDomain:  terms(f.Domain, 1),
		AggInterfaceOrg:     terms(f.Organization, 1),
		AggStartEvent: map[string]any{
			"filter": tracePoint(f, domain.TracePointStart),
			"aggs": map[string]any{
				AggStartTime: map[string]any{"min": map[string]any{"field": f.Timestamp}},
			},
		},
		AggEndEvent: map[string]any{
			"filter": tracePoint(f, domain.TracePointEnd),
			"aggs": map[string]any{
				AggEndTime: map[string]any{"max": map[string]any{"field": f.Timestamp}},
			},
		},
		AggStarted: map[string]any{
			"max": map[string]any{
				"script": map[string]any{
					"source": startedScript,
					"params": map[string]any{"field": f.TracePoint, "tp": string(domain.TracePointStart)},
				},
			},
		},
		AggHasStart:     map[string]any{"filter": tracePoint(f, domain.TracePointStart)},
		AggHasEnd:       map[string]any{"filter": tracePoint(f, domain.TracePointEnd)},
		AggHasException: map[string]any{"filter": tracePoint(f, domain.TracePointException)},
	}

	if q.Status != "" {
		sub[AggOverallStatus] = map[string]any{
			"bucket_script": map[string]any{
				"buckets_path": status.BucketsPath(),
				"script":       status.Script(),
			},
		}
		sub[AggStatusFilter] = map[string]any{
			"bucket_selector": map[string]any{
				"buckets_path": map[string]any{"status": AggOverallStatus},
				"script": map[string]any{
					"source": status.SelectorScript,
					"params": map[string]any{"want": q.Status.Code()},
				},
			},
		}
	}

	return map[string]any{
		"size":             0,
		"track_total_hits": true,
		"query":            q.BoolQuery(),
		"aggs": map[string]any{
			AggCorrelations: map[string]any{
				"terms": map[string]any{
					"field": f.CorrelationID,
					"size":  q.Window,
					// Correlations without a START have an empty min; the
					// started flag keeps them last.
					"order": []any{
						map[string]any{AggStarted: "desc"},
						map[string]any{AggStartEvent + ">" + AggStartTime: "desc"},
						map[string]any{"_key": "asc"},
					},
				},
				"aggs": sub,
			},
			AggTotalCorrelations: map[string]any{
				"cardinality": map[string]any{"field": f.CorrelationID},
			},
		},
	}
}

// startedScript is 1 for START events and 0 otherwise; its max flags
// correlations that have started.
const startedScript = "doc.containsKey(params.field) && doc[params.field].size() > 0 && " +
	"doc[params.field].value == params.tp ? 1 : 0"

// CountSource renders the body of a _count request.
func (q Query) CountSource() map[string]any {
	return map[string]any{"query": q.BoolQuery()}
}

// FacetsSource renders the filter-metadata search: the observed environments,
// organizations and domains in range.
func (q Query) FacetsSource(size int) map[string]any {
	f := q.Fields
	return map[string]any{
		"size":  0,
		"query": q.BoolQuery(),
		"aggs": map[string]any{
			AggEnvironments:  terms(f.Environment, size),
			AggOrganizations: terms(f.Organization, size),
			AggDomains:       terms(f.Domain, size),
		},
	}
}

func terms(field string, size int) map[string]any {
	return map[string]any{"terms": map[string]any{"field": field, "size": size}}
}

func tracePoint(f Fields, tp domain.TracePoint) map[string]any {
	return map[string]any{"term": map[string]any{f.TracePoint: string(tp)}}
}

func wildcard(field, value string) map[string]any {
	return map[string]any{
		"wildcard": map[string]any{
			field: map[string]any{
				"value":            "*" + escapeWildcard(value) + "*",
				"case_insensitive": true,
			},
		},
	}
}

var wildcardEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`)

func escapeWildcard(s string) string {
	return wildcardEscaper.Replace(s)
}
