package query

import (
	"strconv"
	"strings"
	"time"

	"github.com/tjfontaine/corrtrace/internal/domain"
)

// DefaultTimeRange applies when a request omits timeRange.
const DefaultTimeRange = "15m"

// ParseTimeRange parses "<integer><unit>" with unit one of s, m, h, d.
// An empty string yields DefaultTimeRange.
func ParseTimeRange(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = DefaultTimeRange
	}
	if len(raw) < 2 {
		return 0, domain.ErrInvalidFilter("timeRange", "%q is not <integer><unit>", raw)
	}

	var unit time.Duration
	switch raw[len(raw)-1] {
	case 's':
		unit = time.Second
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	default:
		return 0, domain.ErrInvalidFilter("timeRange", "unit of %q must be one of s, m, h, d", raw)
	}

	digits := raw[:len(raw)-1]
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, domain.ErrInvalidFilter("timeRange", "%q is not <integer><unit>", raw)
		}
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n <= 0 {
		return 0, domain.ErrInvalidFilter("timeRange", "%q must be a positive integer amount", raw)
	}
	if n > int64(maxRange/unit) {
		return 0, domain.ErrInvalidFilter("timeRange", "%q exceeds %s", raw, maxRange)
	}
	return time.Duration(n) * unit, nil
}

// maxRange keeps the window inside what the store can aggregate sensibly.
const maxRange = 366 * 24 * time.Hour
