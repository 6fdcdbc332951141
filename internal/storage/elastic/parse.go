package elastic

import (
	"time"

	"github.com/tidwall/gjson"

	"github.com/tjfontaine/corrtrace/internal/domain"
	"github.com/tjfontaine/corrtrace/internal/query"
	"github.com/tjfontaine/corrtrace/internal/storage"
)

func parseShards(r gjson.Result) storage.Shards {
	return storage.Shards{
		Total:      int(r.Get("total").Int()),
		Successful: int(r.Get("successful").Int()),
		Skipped:    int(r.Get("skipped").Int()),
		Failed:     int(r.Get("failed").Int()),
	}
}

func parseSearch(data []byte) storage.Result {
	doc := gjson.ParseBytes(data)
	aggs := doc.Get("aggregations")

	res := storage.Result{
		TotalCorrelations: aggs.Get(query.AggTotalCorrelations + ".value").Int(),
		Hits:              doc.Get("hits.total.value").Int(),
		Took:              time.Duration(doc.Get("took").Int()) * time.Millisecond,
		TimedOut:          doc.Get("timed_out").Bool(),
		Shards:            parseShards(doc.Get("_shards")),
	}
	res.Partial = res.TimedOut || res.Shards.Failed > 0

	buckets := aggs.Get(query.AggCorrelations + ".buckets").Array()
	res.Buckets = make([]storage.Bucket, 0, len(buckets))
	for _, b := range buckets {
		res.Buckets = append(res.Buckets, parseBucket(b))
	}
	return res
}

func parseBucket(b gjson.Result) storage.Bucket {
	out := storage.Bucket{
		Key:              b.Get("key").String(),
		DocCount:         b.Get("doc_count").Int(),
		ApplicationCount: b.Get(query.AggApplicationCount + ".value").Int(),
		InterfaceID:      topKey(b.Get(query.AggInterfaceID)),
		InterfaceDomain:  topKey(b.Get(query.AggInterfaceDomain)),
		Organization:     topKey(b.Get(query.AggInterfaceOrg)),
		StartTime:        epochMillis(b.Get(query.AggStartEvent + "." + query.AggStartTime + ".value")),
		EndTime:          epochMillis(b.Get(query.AggEndEvent + "." + query.AggEndTime + ".value")),
		StartCount:       b.Get(query.AggHasStart + ".doc_count").Int(),
		EndCount:         b.Get(query.AggHasEnd + ".doc_count").Int(),
		ExceptionCount:   b.Get(query.AggHasException + ".doc_count").Int(),
	}
	for _, app := range b.Get(query.AggApplications + ".buckets").Array() {
		out.Applications = append(out.Applications, domain.ApplicationCount{
			Name:  app.Get("key").String(),
			Count: app.Get("doc_count").Int(),
		})
	}
	return out
}

func topKey(agg gjson.Result) string {
	return agg.Get("buckets.0.key").String()
}

// epochMillis reads a min/max value; an empty metric is rendered as null.
func epochMillis(v gjson.Result) *time.Time {
	if v.Type != gjson.Number {
		return nil
	}
	t := time.UnixMilli(int64(v.Float())).UTC()
	return &t
}

func parseTerms(agg gjson.Result) []storage.TermCount {
	buckets := agg.Get("buckets").Array()
	out := make([]storage.TermCount, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, storage.TermCount{Value: b.Get("key").String(), Count: b.Get("doc_count").Int()})
	}
	return out
}

func parseFacets(data []byte) storage.Facets {
	aggs := gjson.GetBytes(data, "aggregations")
	return storage.Facets{
		Environments:  parseTerms(aggs.Get(query.AggEnvironments)),
		Organizations: parseTerms(aggs.Get(query.AggOrganizations)),
		Domains:       parseTerms(aggs.Get(query.AggDomains)),
	}
}

func parseClusterHealth(data []byte) storage.ClusterHealth {
	doc := gjson.ParseBytes(data)
	return storage.ClusterHealth{
		ClusterName:         doc.Get("cluster_name").String(),
		Status:              doc.Get("status").String(),
		NumberOfNodes:       int(doc.Get("number_of_nodes").Int()),
		NumberOfDataNodes:   int(doc.Get("number_of_data_nodes").Int()),
		ActiveShards:        int(doc.Get("active_shards").Int()),
		ActivePrimaryShards: int(doc.Get("active_primary_shards").Int()),
		UnassignedShards:    int(doc.Get("unassigned_shards").Int()),
	}
}

func parseClusterStats(data []byte) storage.ClusterStats {
	doc := gjson.ParseBytes(data)
	mem := doc.Get("nodes.os.mem")
	return storage.ClusterStats{
		Status:  doc.Get("status").String(),
		Nodes:   int(doc.Get("nodes.count.total").Int()),
		Indices: int(doc.Get("indices.count").Int()),
		Memory: storage.Memory{
			TotalBytes:  mem.Get("total_in_bytes").Int(),
			FreeBytes:   mem.Get("free_in_bytes").Int(),
			UsedBytes:   mem.Get("used_in_bytes").Int(),
			FreePercent: int(mem.Get("free_percent").Int()),
			UsedPercent: int(mem.Get("used_percent").Int()),
		},
	}
}
