// Package status derives the lifecycle state of a correlation from its
// trace-point counts. The same rule is rendered as a painless script so the
// store can evaluate it during aggregation.
package status

import (
	"fmt"
	"time"

	"github.com/tjfontaine/corrtrace/internal/domain"
)

// Derive maps trace-point counts to a lifecycle status. First match wins:
// any exception fails the correlation; without an application breakdown the
// state is unknown; every application started and ended is a success; any
// start is in progress.
func Derive(start, end, exception, apps int64) domain.LifecycleStatus {
	switch {
	case exception > 0:
		return domain.StatusFailed
	case apps <= 0:
		return domain.StatusUnknown
	case start >= apps && end >= apps:
		return domain.StatusSuccess
	case start > 0:
		return domain.StatusInProgress
	default:
		return domain.StatusUnknown
	}
}

// Elapsed returns end-start in milliseconds when both endpoints exist and the
// correlation has at least one START and one END. It never returns a negative
// duration: an end preceding the start yields nil and a data quality flag.
func Elapsed(start, end *time.Time, startCount, endCount int64) (*int64, []string) {
	if start == nil || end == nil || startCount <= 0 || endCount <= 0 {
		return nil, nil
	}
	if end.Before(*start) {
		return nil, []string{domain.QualityEndBeforeStart}
	}
	ms := end.Sub(*start).Milliseconds()
	return &ms, nil
}

// Filter keeps the summaries whose status equals want. An empty want keeps all.
func Filter(in []domain.CorrelationSummary, want domain.LifecycleStatus) []domain.CorrelationSummary {
	if want == "" {
		return in
	}
	out := make([]domain.CorrelationSummary, 0, len(in))
	for _, s := range in {
		if s.Status == want {
			out = append(out, s)
		}
	}
	return out
}

// BucketsPath names the per-bucket inputs of Script.
func BucketsPath() map[string]string {
	return map[string]string{
		"start":     "has_start._count",
		"end":       "has_end._count",
		"exception": "has_exception._count",
		"apps":      "application_count",
	}
}

// Script is Derive written in painless, returning the status code.
func Script() string {
	return fmt.Sprintf(
		"if (params.exception > 0) { return %d; } "+
			"if (params.apps == 0) { return %d; } "+
			"if (params.start >= params.apps && params.end >= params.apps) { return %d; } "+
			"if (params.start > 0) { return %d; } "+
			"return %d;",
		domain.StatusFailed.Code(),
		domain.StatusUnknown.Code(),
		domain.StatusSuccess.Code(),
		domain.StatusInProgress.Code(),
		domain.StatusUnknown.Code(),
	)
}

// SelectorScript keeps buckets whose computed status code equals params.want.
const SelectorScript = "params.status == params.want"
