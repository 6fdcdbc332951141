package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TracePoint marks the role of a log event in a transaction's lifecycle.
type TracePoint string

const (
	TracePointStart     TracePoint = "START"
	TracePointEnd       TracePoint = "END"
	TracePointException TracePoint = "EXCEPTION"
)

// LogEvent is one observed point in a transaction.
type LogEvent struct {
	CorrelationID   string     `json:"correlationId"`
	Timestamp       time.Time  `json:"timestamp"`
	TracePoint      TracePoint `json:"tracePoint"`
	ApplicationName string     `json:"applicationName,omitempty"`
	InterfaceID     string     `json:"interfaceId,omitempty"`
	InterfaceDomain string     `json:"interfaceDomain,omitempty"`
	Organization    string     `json:"organization,omitempty"`
	Environment     string     `json:"environment,omitempty"`
}

// LifecycleStatus is the derived state of a correlation.
type LifecycleStatus string

const (
	StatusSuccess    LifecycleStatus = "success"
	StatusInProgress LifecycleStatus = "in_progress"
	StatusFailed     LifecycleStatus = "failed"
	StatusUnknown    LifecycleStatus = "unknown"
)

// Numeric codes as emitted by the store-side status script.
const (
	codeFailed     = 0
	codeSuccess    = 1
	codeInProgress = 2
	codeUnknown    = 3
)

// Code returns the numeric status code used inside store scripts.
func (s LifecycleStatus) Code() int {
	switch s {
	case StatusFailed:
		return codeFailed
	case StatusSuccess:
		return codeSuccess
	case StatusInProgress:
		return codeInProgress
	default:
		return codeUnknown
	}
}

// StatusFromCode maps a store script code back to a status.
func StatusFromCode(code int) LifecycleStatus {
	switch code {
	case codeFailed:
		return StatusFailed
	case codeSuccess:
		return StatusSuccess
	case codeInProgress:
		return StatusInProgress
	default:
		return StatusUnknown
	}
}

// ParseStatus accepts a status name (case-insensitive, "-" or "_") or a numeric code.
func ParseStatus(raw string) (LifecycleStatus, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	if code, err := strconv.Atoi(v); err == nil {
		if code < codeFailed || code > codeUnknown {
			return "", fmt.Errorf("status code %d out of range", code)
		}
		return StatusFromCode(code), nil
	}
	switch strings.ReplaceAll(v, "-", "_") {
	case "success":
		return StatusSuccess, nil
	case "in_progress", "inprogress":
		return StatusInProgress, nil
	case "failed":
		return StatusFailed, nil
	case "unknown":
		return StatusUnknown, nil
	}
	return "", fmt.Errorf("unknown status %q", raw)
}

// ApplicationCount is one entry of the per-correlation application breakdown.
type ApplicationCount struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// Data quality flags attached to a summary.
const (
	QualityEndBeforeStart = "end_before_start"
)

// CorrelationSummary is derived per query from one correlation bucket.
// It is never persisted.
type CorrelationSummary struct {
	CorrelationID   string             `json:"correlationId"`
	Applications    []ApplicationCount `json:"applications"`
	InterfaceID     string             `json:"interfaceId,omitempty"`
	InterfaceDomain string             `json:"interfaceDomain,omitempty"`
	Organization    string             `json:"organization,omitempty"`
	StartTime       *time.Time         `json:"startTime"`
	EndTime         *time.Time         `json:"endTime"`
	ElapsedMs       *int64             `json:"elapsedMs"`
	Status          LifecycleStatus    `json:"status"`
	HasException    bool               `json:"hasException"`
	EventCount      int64              `json:"eventCount"`
	StartCount      int64              `json:"startCount"`
	EndCount        int64              `json:"endCount"`
	ExceptionCount  int64              `json:"exceptionCount"`
	DataQuality     []string           `json:"dataQuality,omitempty"`
}

// Cursor is the sort position of the last returned correlation.
type Cursor struct {
	StartMs  int64  `json:"s"`
	HasStart bool   `json:"h"`
	Key      string `json:"k"`
}

// FilterSpec is the validated, request-scoped query filter.
type FilterSpec struct {
	TimeRange     string          `json:"timeRange"`
	Range         time.Duration   `json:"-"`
	Environment   string          `json:"environment,omitempty"`
	Application   string          `json:"application,omitempty"`
	InterfaceID   string          `json:"interfaceId,omitempty"`
	Organization  string          `json:"organization,omitempty"`
	Domain        string          `json:"domain,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Search        string          `json:"search,omitempty"`
	Status        LifecycleStatus `json:"status,omitempty"`
	PageSize      int             `json:"pageSize"`
	After         *Cursor         `json:"-"`
}

// Page is one page of correlation summaries.
type Page struct {
	Data              []CorrelationSummary `json:"data"`
	Total             int                  `json:"total"`
	TotalCorrelations int64                `json:"totalCorrelations"`
	NextKey           *string              `json:"nextKey"`
	HasMore           bool                 `json:"hasMore"`
	Partial           bool                 `json:"partial"`
	Truncated         bool                 `json:"truncated"`
}
