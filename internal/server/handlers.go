package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tjfontaine/corrtrace/internal/domain"
	"github.com/tjfontaine/corrtrace/internal/engine"
	"github.com/tjfontaine/corrtrace/internal/query"
)

const (
	// DefaultStreamInterval is how often the stream pushes a fresh page.
	DefaultStreamInterval = 15 * time.Second

	streamWriteTimeout = 5 * time.Second

	maxSlowest      = 100
	maxHistoryLimit = 1000
)

var streamUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	},
}

// HandlersOption configures Handlers.
type HandlersOption func(*Handlers)

// WithLimits sets request validation limits.
func WithLimits(l query.Limits) HandlersOption {
	return func(h *Handlers) {
		h.limits = l
	}
}

// WithStreamInterval sets the stream refresh interval.
func WithStreamInterval(d time.Duration) HandlersOption {
	return func(h *Handlers) {
		if d > 0 {
			h.streamInterval = d
		}
	}
}

// WithStreamTimeout bounds each query made on behalf of a stream.
func WithStreamTimeout(d time.Duration) HandlersOption {
	return func(h *Handlers) {
		if d > 0 {
			h.streamTimeout = d
		}
	}
}

// WithGatherer sets the registry exposed on the prometheus route.
func WithGatherer(g prometheus.Gatherer) HandlersOption {
	return func(h *Handlers) {
		h.gatherer = g
	}
}

// Handlers serves the dashboard API.
type Handlers struct {
	engine         *engine.Engine
	logger         *slog.Logger
	limits         query.Limits
	streamInterval time.Duration
	streamTimeout  time.Duration
	gatherer       prometheus.Gatherer
}

func NewHandlers(e *engine.Engine, logger *slog.Logger, opts ...HandlersOption) *Handlers {
	h := &Handlers{
		engine:         e,
		logger:         logger,
		limits:         query.DefaultLimits(),
		streamInterval: DefaultStreamInterval,
		streamTimeout:  DefaultRequestTimeout,
		gatherer:       prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handlers) Correlations(w http.ResponseWriter, r *http.Request) {
	spec, err := query.ParseFilter(r.URL.Query(), h.limits)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	page, err := h.engine.Correlations(r.Context(), spec)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if qs := GetQueryStats(r.Context()); qs != nil {
		qs.Partial = page.Partial
		qs.Truncated = page.Truncated
		qs.TotalCorrelations = page.TotalCorrelations
	}
	AddLogField(r.Context(), "returned", strconv.Itoa(len(page.Data)))
	writeJSON(w, http.StatusOK, page)
}

type countResponse struct {
	Count  int64 `json:"count"`
	Cached bool  `json:"cached"`
}

func (h *Handlers) Count(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	if err := query.CheckParams(values, map[string]bool{
		query.ParamTimeRange:   true,
		query.ParamEnvironment: true,
	}); err != nil {
		h.writeError(w, r, err)
		return
	}

	n, cached, err := h.engine.Count(r.Context(), values.Get(query.ParamTimeRange), strings.TrimSpace(values.Get(query.ParamEnvironment)))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if qs := GetQueryStats(r.Context()); qs != nil {
		qs.CacheHit = &cached
	}
	writeJSON(w, http.StatusOK, countResponse{Count: n, Cached: cached})
}

func (h *Handlers) Preview(w http.ResponseWriter, r *http.Request) {
	spec, err := query.ParseFilter(r.URL.Query(), h.limits)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	p, err := h.engine.Preview(spec)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handlers) Filters(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	if err := query.CheckParams(values, map[string]bool{query.ParamTimeRange: true}); err != nil {
		h.writeError(w, r, err)
		return
	}

	f, err := h.engine.Facets(r.Context(), values.Get(query.ParamTimeRange))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// Mapping returns the log index field mapping unchanged.
func (h *Handlers) Mapping(w http.ResponseWriter, r *http.Request) {
	m, err := h.engine.Mapping(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	report := h.engine.Health(r.Context())

	status := http.StatusOK
	if !report.Available {
		status = http.StatusServiceUnavailable
		AddLogField(r.Context(), "health", report.Status)
	}
	writeJSON(w, status, report)
}

func (h *Handlers) Metrics(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	if err := query.CheckParams(values, map[string]bool{query.ParamTimeRange: true, "slowest": true}); err != nil {
		h.writeError(w, r, err)
		return
	}

	slowest, err := intParam(values, "slowest", maxSlowest)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	p, err := h.engine.Performance(r.Context(), values.Get(query.ParamTimeRange), slowest)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handlers) MetricsHistory(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	if err := query.CheckParams(values, map[string]bool{query.ParamTimeRange: true, "limit": true}); err != nil {
		h.writeError(w, r, err)
		return
	}

	limit, err := intParam(values, "limit", maxHistoryLimit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	records, err := h.engine.History(r.Context(), values.Get(query.ParamTimeRange), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": records})
}

func (h *Handlers) Prometheus(w http.ResponseWriter, r *http.Request) {
	promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

// streamFrame is one message pushed to a stream subscriber.
type streamFrame struct {
	GeneratedAt time.Time        `json:"generatedAt"`
	Page        *domain.Page     `json:"page,omitempty"`
	Error       *domain.APIError `json:"error,omitempty"`
}

// Stream upgrades to a websocket and pushes the first page for the filter
// immediately and then every stream interval until the client goes away.
func (h *Handlers) Stream(w http.ResponseWriter, r *http.Request) {
	spec, err := query.ParseFilter(r.URL.Query(), h.limits)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		AddError(r.Context(), err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.streamInterval)
	defer ticker.Stop()

	for {
		frame, ok := h.nextFrame(ctx, spec)
		if !ok {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := conn.WriteJSON(frame); err != nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// nextFrame runs one query. ok is false when the client left while the
// query ran; the result is then discarded.
func (h *Handlers) nextFrame(ctx context.Context, spec domain.FilterSpec) (streamFrame, bool) {
	qctx, cancel := context.WithTimeout(ctx, h.streamTimeout)
	defer cancel()

	page, err := h.engine.Correlations(qctx, spec)
	if ctx.Err() != nil {
		return streamFrame{}, false
	}

	frame := streamFrame{GeneratedAt: time.Now().UTC()}
	if err != nil {
		h.logger.WarnContext(ctx, "stream query failed", slog.String("error", err.Error()))
		frame.Error = domain.ToAPIError(err)
		return frame, true
	}
	frame.Page = &page
	return frame, true
}

func intParam(values url.Values, name string, max int) (int, error) {
	raw := strings.TrimSpace(values.Get(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.ErrInvalidFilter(name, "%q is not an integer", raw)
	}
	if n < 1 || n > max {
		return 0, domain.ErrInvalidFilter(name, "must be between 1 and %d", max)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error *domain.APIError `json:"error"`
}

// writeError maps err to its caller-facing shape. The full error goes on
// the request log line only.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := domain.ToAPIError(err)
	AddError(r.Context(), err)
	writeJSON(w, apiErr.HTTPStatusCode(), errorResponse{Error: apiErr})
}
