package server

import (
	"context"
	"net/http"
	"strconv"
)

// queryStatsContextKey is the context key for query stats
type queryStatsContextKey struct{}

// QueryStats describes how a response was produced. Handlers fill it and
// QueryStatsMiddleware writes it as response headers.
type QueryStats struct {
	CacheHit          *bool
	Partial           bool
	Truncated         bool
	TotalCorrelations int64
}

// GetQueryStats retrieves the stats holder from context.
// Returns nil if QueryStatsMiddleware is not installed.
func GetQueryStats(ctx context.Context) *QueryStats {
	if qs, ok := ctx.Value(queryStatsContextKey{}).(*QueryStats); ok {
		return qs
	}
	return nil
}

// QueryStatsMiddleware writes X-Cache, X-Partial-Results, X-Truncated and
// X-Total-Correlations headers from the stats a handler recorded before
// writing its response.
func QueryStatsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats := &QueryStats{}
		wrapped := &queryStatsResponseWriter{
			ResponseWriter: w,
			stats:          stats,
		}
		next.ServeHTTP(wrapped, r.WithContext(context.WithValue(r.Context(), queryStatsContextKey{}, stats)))
	})
}

// queryStatsResponseWriter wraps ResponseWriter to write stats headers.
type queryStatsResponseWriter struct {
	http.ResponseWriter
	stats        *QueryStats
	wroteHeaders bool
}

func (rw *queryStatsResponseWriter) WriteHeader(code int) {
	if !rw.wroteHeaders {
		rw.writeStatsHeaders()
		rw.wroteHeaders = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *queryStatsResponseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeaders {
		rw.writeStatsHeaders()
		rw.wroteHeaders = true
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *queryStatsResponseWriter) writeStatsHeaders() {
	qs := rw.stats
	h := rw.Header()

	if qs.CacheHit != nil {
		if *qs.CacheHit {
			h.Set("X-Cache", "HIT")
		} else {
			h.Set("X-Cache", "MISS")
		}
	}
	if qs.Partial {
		h.Set("X-Partial-Results", "true")
	}
	if qs.Truncated {
		h.Set("X-Truncated", "true")
	}
	if qs.TotalCorrelations > 0 {
		h.Set("X-Total-Correlations", strconv.FormatInt(qs.TotalCorrelations, 10))
	}
}

// Flush forwards Flush to the underlying ResponseWriter if it supports http.Flusher.
func (rw *queryStatsResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
