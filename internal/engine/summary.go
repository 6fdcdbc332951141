package engine

import (
	"github.com/tjfontaine/corrtrace/internal/domain"
	"github.com/tjfontaine/corrtrace/internal/status"
	"github.com/tjfontaine/corrtrace/internal/storage"
)

// Summarize derives the correlation summary for one bucket.
func Summarize(b storage.Bucket) domain.CorrelationSummary {
	apps := b.Applications
	if apps == nil {
		apps = []domain.ApplicationCount{}
	}

	elapsed, quality := status.Elapsed(b.StartTime, b.EndTime, b.StartCount, b.EndCount)

	return domain.CorrelationSummary{
		CorrelationID:   b.Key,
		Applications:    apps,
		InterfaceID:     b.InterfaceID,
		InterfaceDomain: b.InterfaceDomain,
		Organization:    b.Organization,
		StartTime:       b.StartTime,
		EndTime:         b.EndTime,
		ElapsedMs:       elapsed,
		Status:          status.Derive(b.StartCount, b.EndCount, b.ExceptionCount, b.ApplicationCount),
		HasException:    b.ExceptionCount > 0,
		EventCount:      b.DocCount,
		StartCount:      b.StartCount,
		EndCount:        b.EndCount,
		ExceptionCount:  b.ExceptionCount,
		DataQuality:     quality,
	}
}
