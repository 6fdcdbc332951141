package query

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/tjfontaine/corrtrace/internal/domain"
	"github.com/tjfontaine/corrtrace/internal/pagination"
)

// Limits bound the values a caller may request.
type Limits struct {
	DefaultPageSize int
	MaxPageSize     int
	MaxSubstring    int
}

// DefaultLimits mirror the dashboard's historical defaults.
func DefaultLimits() Limits {
	return Limits{
		DefaultPageSize: 100,
		MaxPageSize:     2000,
		MaxSubstring:    256,
	}
}

// Parameter names accepted by ParseFilter.
const (
	ParamTimeRange     = "timeRange"
	ParamEnvironment   = "environment"
	ParamApplication   = "application"
	ParamInterfaceID   = "interfaceId"
	ParamOrganization  = "organization"
	ParamDomain        = "domain"
	ParamCorrelationID = "correlationId"
	ParamSearch        = "search"
	ParamStatus        = "status"
	ParamPage          = "page"
	ParamPageSize      = "pageSize"
	ParamLastKey       = "lastKey"
)

var filterParams = map[string]bool{
	ParamTimeRange:     true,
	ParamEnvironment:   true,
	ParamApplication:   true,
	ParamInterfaceID:   true,
	ParamOrganization:  true,
	ParamDomain:        true,
	ParamCorrelationID: true,
	ParamSearch:        true,
	ParamStatus:        true,
	ParamPage:          true,
	ParamPageSize:      true,
	ParamLastKey:       true,
}

// CheckParams rejects parameters outside allowed and repeated parameters.
func CheckParams(values url.Values, allowed map[string]bool) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !allowed[k] {
			return domain.ErrInvalidFilter(k, "unknown parameter")
		}
		if len(values[k]) > 1 {
			return domain.ErrInvalidFilter(k, "parameter given more than once")
		}
	}
	return nil
}

// ParseFilter validates request parameters into a FilterSpec. Unknown
// parameters are rejected rather than passed through.
func ParseFilter(values url.Values, limits Limits) (domain.FilterSpec, error) {
	if err := CheckParams(values, filterParams); err != nil {
		return domain.FilterSpec{}, err
	}

	get := func(k string) string { return strings.TrimSpace(values.Get(k)) }

	rng, err := ParseTimeRange(get(ParamTimeRange))
	if err != nil {
		return domain.FilterSpec{}, err
	}
	timeRange := get(ParamTimeRange)
	if timeRange == "" {
		timeRange = DefaultTimeRange
	}

	spec := domain.FilterSpec{
		TimeRange:    timeRange,
		Range:        rng,
		Environment:  get(ParamEnvironment),
		Application:  get(ParamApplication),
		InterfaceID:  get(ParamInterfaceID),
		Organization: get(ParamOrganization),
		Domain:       get(ParamDomain),
		PageSize:     limits.DefaultPageSize,
	}

	for _, p := range []struct {
		name string
		dst  *string
	}{
		{ParamCorrelationID, &spec.CorrelationID},
		{ParamSearch, &spec.Search},
	} {
		v := get(p.name)
		if utf8.RuneCountInString(v) > limits.MaxSubstring {
			return domain.FilterSpec{}, domain.ErrInvalidFilter(p.name, "must be at most %d characters", limits.MaxSubstring)
		}
		*p.dst = v
	}

	if raw := get(ParamStatus); raw != "" {
		st, err := domain.ParseStatus(raw)
		if err != nil {
			return domain.FilterSpec{}, domain.ErrInvalidFilter(ParamStatus, "%v", err)
		}
		spec.Status = st
	}

	if raw := get(ParamPageSize); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return domain.FilterSpec{}, domain.ErrInvalidFilter(ParamPageSize, "%q is not an integer", raw)
		}
		if n < 1 || n > limits.MaxPageSize {
			return domain.FilterSpec{}, domain.ErrInvalidFilter(ParamPageSize, "must be between 1 and %d", limits.MaxPageSize)
		}
		spec.PageSize = n
	}

	// Paging is cursor based; page=1 is the only offset a client may send.
	if raw := get(ParamPage); raw != "" && raw != "1" {
		return domain.FilterSpec{}, domain.ErrInvalidFilter(ParamPage, "offset paging is not supported, use lastKey")
	}

	if raw := get(ParamLastKey); raw != "" {
		c, err := pagination.Decode(raw)
		if err != nil {
			return domain.FilterSpec{}, err
		}
		spec.After = &c
	}

	return spec, nil
}
