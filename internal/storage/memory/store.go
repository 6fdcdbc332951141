package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tjfontaine/corrtrace/internal/domain"
	"github.com/tjfontaine/corrtrace/internal/query"
	"github.com/tjfontaine/corrtrace/internal/status"
	"github.com/tjfontaine/corrtrace/internal/storage"
)

// Store is an in-memory implementation of storage.EventStore. It evaluates
// queries with the same aggregation semantics as the search cluster.
type Store struct {
	mu       sync.RWMutex
	events   []domain.LogEvent
	index    string
	pushdown bool
}

// Option configures a Store.
type Option func(*Store)

// WithPushdown makes Search evaluate query status filters.
func WithPushdown(enabled bool) Option {
	return func(s *Store) {
		s.pushdown = enabled
	}
}

// WithIndex names the index reported by ProbeIndex.
func WithIndex(name string) Option {
	return func(s *Store) {
		s.index = name
	}
}

// New creates a new in-memory store holding events.
func New(events []domain.LogEvent, opts ...Option) *Store {
	s := &Store{
		events: append([]domain.LogEvent(nil), events...),
		index:  "memory",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add appends events to the store.
func (s *Store) Add(events ...domain.LogEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
}

func (s *Store) SupportsPushdown() bool {
	return s.pushdown
}

func (s *Store) matching(q query.Query) []domain.LogEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.LogEvent
	for _, ev := range s.events {
		if q.Matches(ev) {
			out = append(out, ev)
		}
	}
	return out
}

func (s *Store) Search(ctx context.Context, q query.Query) (storage.Result, error) {
	if err := ctx.Err(); err != nil {
		return storage.Result{}, err
	}
	began := time.Now()

	events := s.matching(q)

	groups := make(map[string][]domain.LogEvent)
	for _, ev := range events {
		if ev.CorrelationID == "" {
			continue
		}
		groups[ev.CorrelationID] = append(groups[ev.CorrelationID], ev)
	}

	buckets := make([]storage.Bucket, 0, len(groups))
	for key, evs := range groups {
		buckets = append(buckets, aggregate(key, evs))
	}

	// Started correlations first, newest START first, then key ascending.
	sort.Slice(buckets, func(i, j int) bool {
		si, sj := buckets[i].StartTime, buckets[j].StartTime
		switch {
		case si != nil && sj == nil:
			return true
		case si == nil && sj != nil:
			return false
		case si != nil && si.UnixMilli() != sj.UnixMilli():
			return si.UnixMilli() > sj.UnixMilli()
		}
		return buckets[i].Key < buckets[j].Key
	})

	window := q.Window
	if window <= 0 {
		window = query.DefaultWindow
	}
	if len(buckets) > window {
		buckets = buckets[:window]
	}

	// Pipeline selection runs on the reduced buckets, after the size cap.
	if s.pushdown && q.Status != "" {
		kept := buckets[:0]
		for _, b := range buckets {
			if status.Derive(b.StartCount, b.EndCount, b.ExceptionCount, b.ApplicationCount) == q.Status {
				kept = append(kept, b)
			}
		}
		buckets = kept
	}

	return storage.Result{
		Buckets:           buckets,
		TotalCorrelations: int64(len(groups)),
		Hits:              int64(len(events)),
		Took:              time.Since(began),
		Shards:            storage.Shards{Total: 1, Successful: 1},
	}, nil
}

func aggregate(key string, evs []domain.LogEvent) storage.Bucket {
	b := storage.Bucket{Key: key, DocCount: int64(len(evs))}

	apps := make(map[string]int64)
	ifaces := make(map[string]int64)
	domains := make(map[string]int64)
	orgs := make(map[string]int64)

	for _, ev := range evs {
		count(apps, ev.ApplicationName)
		count(ifaces, ev.InterfaceID)
		count(domains, ev.InterfaceDomain)
		count(orgs, ev.Organization)

		ts := ev.Timestamp
		switch ev.TracePoint {
		case domain.TracePointStart:
			b.StartCount++
			if b.StartTime == nil || ts.Before(*b.StartTime) {
				b.StartTime = &ts
			}
		case domain.TracePointEnd:
			b.EndCount++
			if b.EndTime == nil || ts.After(*b.EndTime) {
				b.EndTime = &ts
			}
		case domain.TracePointException:
			b.ExceptionCount++
		}
	}

	for _, tc := range top(apps, query.TopApplications) {
		b.Applications = append(b.Applications, domain.ApplicationCount{Name: tc.Value, Count: tc.Count})
	}
	b.ApplicationCount = int64(len(apps))
	b.InterfaceID = first(ifaces)
	b.InterfaceDomain = first(domains)
	b.Organization = first(orgs)
	return b
}

func count(m map[string]int64, v string) {
	if v != "" {
		m[v]++
	}
}

// top orders terms by count descending then value ascending, like a terms
// aggregation.
func top(m map[string]int64, size int) []storage.TermCount {
	out := make([]storage.TermCount, 0, len(m))
	for v, n := range m {
		out = append(out, storage.TermCount{Value: v, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	if size > 0 && len(out) > size {
		out = out[:size]
	}
	return out
}

func first(m map[string]int64) string {
	if t := top(m, 1); len(t) > 0 {
		return t[0].Value
	}
	return ""
}

func (s *Store) Count(ctx context.Context, q query.Query) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return int64(len(s.matching(q))), nil
}

func (s *Store) Facets(ctx context.Context, q query.Query, size int) (storage.Facets, error) {
	if err := ctx.Err(); err != nil {
		return storage.Facets{}, err
	}

	envs := make(map[string]int64)
	orgs := make(map[string]int64)
	domains := make(map[string]int64)
	for _, ev := range s.matching(q) {
		count(envs, ev.Environment)
		count(orgs, ev.Organization)
		count(domains, ev.InterfaceDomain)
	}
	return storage.Facets{
		Environments:  top(envs, size),
		Organizations: top(orgs, size),
		Domains:       top(domains, size),
	}, nil
}

func (s *Store) ClusterHealth(ctx context.Context) (storage.ClusterHealth, error) {
	if err := ctx.Err(); err != nil {
		return storage.ClusterHealth{}, err
	}
	return storage.ClusterHealth{
		ClusterName:         "memory",
		Status:              "green",
		NumberOfNodes:       1,
		NumberOfDataNodes:   1,
		ActiveShards:        1,
		ActivePrimaryShards: 1,
	}, nil
}

func (s *Store) ClusterStats(ctx context.Context) (storage.ClusterStats, error) {
	if err := ctx.Err(); err != nil {
		return storage.ClusterStats{}, err
	}
	return storage.ClusterStats{Status: "green", Nodes: 1, Indices: 1}, nil
}

func (s *Store) ProbeIndex(ctx context.Context) (storage.IndexInfo, error) {
	if err := ctx.Err(); err != nil {
		return storage.IndexInfo{}, err
	}
	return storage.IndexInfo{Index: s.index, TotalShards: 1, SuccessfulShards: 1}, nil
}

// Mapping describes the default field layout in the shape of a get-mapping
// response.
func (s *Store) Mapping(ctx context.Context) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f := query.DefaultFields()
	props := make(map[string]any)
	for field, typ := range map[string]string{
		f.Timestamp:     "date",
		f.CorrelationID: "keyword",
		f.TracePoint:    "keyword",
		f.Application:   "keyword",
		f.InterfaceID:   "keyword",
		f.Domain:        "keyword",
		f.Organization:  "keyword",
		f.Environment:   "keyword",
	} {
		setProperty(props, field, typ)
	}

	data, err := json.Marshal(map[string]any{
		s.index: map[string]any{"mappings": map[string]any{"properties": props}},
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// setProperty places a dotted field under nested object properties.
func setProperty(props map[string]any, field, typ string) {
	parent, rest, nested := strings.Cut(field, ".")
	if !nested {
		props[field] = map[string]any{"type": typ}
		return
	}
	obj, ok := props[parent].(map[string]any)
	if !ok {
		obj = map[string]any{"properties": make(map[string]any)}
		props[parent] = obj
	}
	setProperty(obj["properties"].(map[string]any), rest, typ)
}

// ReadEvents decodes newline-delimited JSON log events.
func ReadEvents(r io.Reader) ([]domain.LogEvent, error) {
	dec := json.NewDecoder(r)
	var events []domain.LogEvent
	for line := 1; ; line++ {
		var ev domain.LogEvent
		err := dec.Decode(&ev)
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", line, err)
		}
		if ev.CorrelationID == "" {
			return nil, fmt.Errorf("event %d: missing correlationId", line)
		}
		events = append(events, ev)
	}
}
