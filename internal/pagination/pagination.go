// Package pagination orders correlation summaries deterministically and
// slices them with a forward-only cursor.
//
// Ordering is earliest START time descending, correlations without a START
// last, ties broken by correlation id ascending. A cursor is the position of
// the last item returned; the next page starts strictly after it, so rows that
// arrive ahead of the cursor between requests never shift later pages.
package pagination

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"sort"
	"strings"

	"github.com/tjfontaine/corrtrace/internal/domain"
)

// Position returns the cursor that points at s.
func Position(s domain.CorrelationSummary) domain.Cursor {
	if s.StartTime == nil {
		return domain.Cursor{Key: s.CorrelationID}
	}
	return domain.Cursor{StartMs: s.StartTime.UnixMilli(), HasStart: true, Key: s.CorrelationID}
}

// Compare orders two positions: negative when a comes first.
func Compare(a, b domain.Cursor) int {
	switch {
	case a.HasStart && !b.HasStart:
		return -1
	case !a.HasStart && b.HasStart:
		return 1
	case a.HasStart && a.StartMs != b.StartMs:
		if a.StartMs > b.StartMs {
			return -1
		}
		return 1
	}
	return strings.Compare(a.Key, b.Key)
}

// Sort orders summaries in place.
func Sort(items []domain.CorrelationSummary) {
	sort.SliceStable(items, func(i, j int) bool {
		return Compare(Position(items[i]), Position(items[j])) < 0
	})
}

// Paginate returns up to size items that sort strictly after the cursor.
// items must already be sorted. next is nil when nothing remains.
func Paginate(items []domain.CorrelationSummary, after *domain.Cursor, size int) (page []domain.CorrelationSummary, next *domain.Cursor) {
	startIdx := 0
	if after != nil {
		startIdx = sort.Search(len(items), func(i int) bool {
			return Compare(Position(items[i]), *after) > 0
		})
	}
	endIdx := startIdx + size
	if endIdx > len(items) {
		endIdx = len(items)
	}

	page = items[startIdx:endIdx]
	if endIdx < len(items) && len(page) > 0 {
		c := Position(page[len(page)-1])
		next = &c
	}
	return page, next
}

// Encode serializes a cursor into an opaque URL-safe token.
func Encode(c domain.Cursor) string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

// Decode parses a token produced by Encode.
func Decode(token string) (domain.Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return domain.Cursor{}, domain.ErrInvalidFilter("lastKey", "malformed cursor")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var c domain.Cursor
	if err := dec.Decode(&c); err != nil {
		return domain.Cursor{}, domain.ErrInvalidFilter("lastKey", "malformed cursor")
	}
	if c.Key == "" {
		return domain.Cursor{}, domain.ErrInvalidFilter("lastKey", "cursor has no key")
	}
	if !c.HasStart && c.StartMs != 0 {
		return domain.Cursor{}, domain.ErrInvalidFilter("lastKey", "inconsistent cursor")
	}
	return c, nil
}
