// Package storage defines the event store port and the raw aggregation
// results it returns. Implementations live in the subpackages.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tjfontaine/corrtrace/internal/domain"
	"github.com/tjfontaine/corrtrace/internal/query"
)

// EventStore executes queries against the log event index.
type EventStore interface {
	// Search runs a correlation query and returns one bucket per correlation.
	Search(ctx context.Context, q query.Query) (Result, error)
	// Count returns the number of events matching the query predicates.
	Count(ctx context.Context, q query.Query) (int64, error)
	// Facets returns the distinct environments, organizations and domains.
	Facets(ctx context.Context, q query.Query, size int) (Facets, error)
	ClusterHealth(ctx context.Context) (ClusterHealth, error)
	ClusterStats(ctx context.Context) (ClusterStats, error)
	// ProbeIndex runs an empty search against the index.
	ProbeIndex(ctx context.Context) (IndexInfo, error)
	// Mapping returns the index field mapping as the store reports it.
	Mapping(ctx context.Context) (json.RawMessage, error)
	// SupportsPushdown reports whether Search honors query.Query.Status.
	SupportsPushdown() bool
}

// Bucket is the raw aggregation for one correlation id.
type Bucket struct {
	Key      string
	DocCount int64

	Applications     []domain.ApplicationCount
	ApplicationCount int64

	InterfaceID     string
	InterfaceDomain string
	Organization    string

	// StartTime is the earliest START timestamp, EndTime the latest END.
	StartTime *time.Time
	EndTime   *time.Time

	StartCount     int64
	EndCount       int64
	ExceptionCount int64
}

// Shards summarizes shard participation in a request.
type Shards struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Skipped    int `json:"skipped"`
	Failed     int `json:"failed"`
}

// Result is the outcome of a correlation search.
type Result struct {
	Buckets []Bucket
	// TotalCorrelations is the store's distinct count over the whole range,
	// which may exceed len(Buckets).
	TotalCorrelations int64
	Hits              int64
	Took              time.Duration
	TimedOut          bool
	Shards            Shards
	// Partial is set when the store timed out or shards failed.
	Partial bool
}

// ClusterHealth is the cluster's self-reported health.
type ClusterHealth struct {
	ClusterName         string `json:"clusterName"`
	Status              string `json:"status"`
	NumberOfNodes       int    `json:"numberOfNodes"`
	NumberOfDataNodes   int    `json:"numberOfDataNodes"`
	ActiveShards        int    `json:"activeShards"`
	ActivePrimaryShards int    `json:"activePrimaryShards"`
	UnassignedShards    int    `json:"unassignedShards"`
}

// Memory is a byte breakdown reported by the cluster.
type Memory struct {
	TotalBytes  int64 `json:"totalInBytes"`
	FreeBytes   int64 `json:"freeInBytes"`
	UsedBytes   int64 `json:"usedInBytes"`
	FreePercent int   `json:"freePercent"`
	UsedPercent int   `json:"usedPercent"`
}

// ClusterStats is the subset of cluster statistics shown on the
// performance view.
type ClusterStats struct {
	Status  string `json:"status"`
	Nodes   int    `json:"nodes"`
	Indices int    `json:"indices"`
	Memory  Memory `json:"memory"`
}

// IndexInfo describes an empty search against the index.
type IndexInfo struct {
	Index            string `json:"index"`
	ResponseTimeMs   int64  `json:"responseTime"`
	TotalShards      int    `json:"totalShards"`
	SuccessfulShards int    `json:"successfulShards"`
}

// TermCount is one distinct value and its document count.
type TermCount struct {
	Value string `json:"value"`
	Count int64  `json:"count"`
}

// Facets lists the filter values observed in range.
type Facets struct {
	Environments  []TermCount `json:"environments"`
	Organizations []TermCount `json:"organizations"`
	Domains       []TermCount `json:"domains"`
}
