package query

import (
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/corrtrace/internal/domain"
	"github.com/tjfontaine/corrtrace/internal/pagination"
)

func TestParseTimeRange(t *testing.T) {
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: 15 * time.Minute},
		{raw: "30s", want: 30 * time.Second},
		{raw: "15m", want: 15 * time.Minute},
		{raw: " 6h ", want: 6 * time.Hour},
		{raw: "7d", want: 7 * 24 * time.Hour},
		{raw: "366d", want: 366 * 24 * time.Hour},
		{raw: "367d", wantErr: true},
		{raw: "0m", wantErr: true},
		{raw: "-5m", wantErr: true},
		{raw: "+5m", wantErr: true},
		{raw: "5", wantErr: true},
		{raw: "m", wantErr: true},
		{raw: "5w", wantErr: true},
		{raw: "1.5h", wantErr: true},
		{raw: "99999999999999999999d", wantErr: true},
		{raw: "15M", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseTimeRange(tt.raw)
			if tt.wantErr {
				var filterErr *domain.InvalidFilterError
				if !errors.As(err, &filterErr) {
					t.Fatalf("ParseTimeRange(%q) error = %v, want InvalidFilterError", tt.raw, err)
				}
				if filterErr.Param != ParamTimeRange {
					t.Errorf("Param = %q, want %q", filterErr.Param, ParamTimeRange)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTimeRange(%q) error = %v", tt.raw, err)
			}
			if got != tt.want {
				t.Errorf("ParseTimeRange(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseFilter_Defaults(t *testing.T) {
	spec, err := ParseFilter(url.Values{}, DefaultLimits())
	if err != nil {
		t.Fatalf("ParseFilter() error = %v", err)
	}
	if spec.TimeRange != "15m" || spec.Range != 15*time.Minute {
		t.Errorf("time range = %q/%v, want 15m", spec.TimeRange, spec.Range)
	}
	if spec.PageSize != 100 {
		t.Errorf("PageSize = %d, want 100", spec.PageSize)
	}
	if spec.Status != "" || spec.After != nil {
		t.Errorf("unexpected status/cursor: %q %+v", spec.Status, spec.After)
	}
}

func TestParseFilter_AllFields(t *testing.T) {
	cursor := domain.Cursor{StartMs: 1714564800000, HasStart: true, Key: "abc"}
	values := url.Values{
		"timeRange":     {"24h"},
		"environment":   {"prod"},
		"application":   {"orders-api"},
		"interfaceId":   {"IF-001"},
		"organization":  {"acme"},
		"domain":        {"sales"},
		"correlationId": {"abc"},
		"search":        {"order"},
		"status":        {"in-progress"},
		"page":          {"1"},
		"pageSize":      {"25"},
		"lastKey":       {pagination.Encode(cursor)},
	}

	spec, err := ParseFilter(values, DefaultLimits())
	if err != nil {
		t.Fatalf("ParseFilter() error = %v", err)
	}

	if spec.Range != 24*time.Hour {
		t.Errorf("Range = %v", spec.Range)
	}
	if spec.Environment != "prod" || spec.Application != "orders-api" || spec.InterfaceID != "IF-001" {
		t.Errorf("term filters = %+v", spec)
	}
	if spec.Organization != "acme" || spec.Domain != "sales" {
		t.Errorf("metadata filters = %+v", spec)
	}
	if spec.CorrelationID != "abc" || spec.Search != "order" {
		t.Errorf("substring filters = %+v", spec)
	}
	if spec.Status != domain.StatusInProgress {
		t.Errorf("Status = %q", spec.Status)
	}
	if spec.PageSize != 25 {
		t.Errorf("PageSize = %d", spec.PageSize)
	}
	if spec.After == nil || *spec.After != cursor {
		t.Errorf("After = %+v, want %+v", spec.After, cursor)
	}
}

func TestParseFilter_Rejects(t *testing.T) {
	long := strings.Repeat("x", 257)

	tests := []struct {
		name      string
		values    url.Values
		wantParam string
	}{
		{name: "unknown parameter", values: url.Values{"sort": {"asc"}}, wantParam: "sort"},
		{name: "repeated parameter", values: url.Values{"environment": {"a", "b"}}, wantParam: "environment"},
		{name: "bad time range", values: url.Values{"timeRange": {"forever"}}, wantParam: "timeRange"},
		{name: "bad status", values: url.Values{"status": {"done"}}, wantParam: "status"},
		{name: "status code out of range", values: url.Values{"status": {"4"}}, wantParam: "status"},
		{name: "page size zero", values: url.Values{"pageSize": {"0"}}, wantParam: "pageSize"},
		{name: "page size too large", values: url.Values{"pageSize": {"2001"}}, wantParam: "pageSize"},
		{name: "page size not int", values: url.Values{"pageSize": {"ten"}}, wantParam: "pageSize"},
		{name: "offset paging", values: url.Values{"page": {"2"}}, wantParam: "page"},
		{name: "long search", values: url.Values{"search": {long}}, wantParam: "search"},
		{name: "long correlation id", values: url.Values{"correlationId": {long}}, wantParam: "correlationId"},
		{name: "garbage cursor", values: url.Values{"lastKey": {"!!"}}, wantParam: "lastKey"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFilter(tt.values, DefaultLimits())
			var filterErr *domain.InvalidFilterError
			if !errors.As(err, &filterErr) {
				t.Fatalf("ParseFilter() error = %v, want InvalidFilterError", err)
			}
			if filterErr.Param != tt.wantParam {
				t.Errorf("Param = %q, want %q", filterErr.Param, tt.wantParam)
			}
		})
	}
}

func TestParseFilter_SubstringAtLimit(t *testing.T) {
	v := strings.Repeat("é", 256)
	spec, err := ParseFilter(url.Values{"search": {v}}, DefaultLimits())
	if err != nil {
		t.Fatalf("ParseFilter() error = %v", err)
	}
	if spec.Search != v {
		t.Error("search value was altered")
	}
}

func TestCheckParams(t *testing.T) {
	allowed := map[string]bool{"timeRange": true}
	if err := CheckParams(url.Values{"timeRange": {"1h"}}, allowed); err != nil {
		t.Errorf("CheckParams() error = %v", err)
	}
	if err := CheckParams(url.Values{"status": {"1"}}, allowed); err == nil {
		t.Error("CheckParams() should reject status")
	}
}
