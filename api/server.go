// Package api exposes the eventstore HTTP surface: aggregation, raw-scalar
// scrolling, event ingest and the asynchronous deletion pipeline.
package api

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/c360/eventstore/deletion"
	"github.com/c360/eventstore/docstore"
	"github.com/c360/eventstore/errors"
	"github.com/c360/eventstore/events"
	"github.com/c360/eventstore/metric"
	"github.com/c360/eventstore/natsclient"
	"github.com/c360/eventstore/scroll"
)

// Deps collects the components the HTTP surface fronts. NATS and Registry
// may be nil (health then skips the broker check and /metrics is absent).
type Deps struct {
	Engine    *events.Engine
	Scrolls   *scroll.Manager
	Scheduler *deletion.Scheduler
	Store     docstore.Store
	NATS      *natsclient.Client
	Registry  *metric.Registry
	Logger    *slog.Logger

	// MaxRequestBytes bounds request bodies (default 1 MiB).
	MaxRequestBytes int64
	// ValidatePlots and PlotCompressionThreshold govern plot ingest.
	ValidatePlots            bool
	PlotCompressionThreshold int
}

// Server is the HTTP handler set.
type Server struct {
	deps      Deps
	metrics   *metric.Metrics
	logger    *slog.Logger
	startTime time.Time
}

// NewServer creates the HTTP surface.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.MaxRequestBytes <= 0 {
		deps.MaxRequestBytes = 1 << 20
	}

	s := &Server{
		deps:      deps,
		logger:    deps.Logger.With("component", "api"),
		startTime: time.Now(),
	}
	if deps.Registry != nil {
		s.metrics = deps.Registry.Metrics
	}
	return s
}

// Routes builds the service mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /events/aggregate", s.instrument("aggregate", s.handleAggregate))
	mux.HandleFunc("POST /events/add", s.instrument("ingest", s.handleIngest))
	mux.HandleFunc("POST /events/scroll/open", s.instrument("scroll_open", s.handleScrollOpen))
	mux.HandleFunc("POST /events/scroll/advance", s.instrument("scroll_advance", s.handleScrollAdvance))
	mux.HandleFunc("POST /events/delete", s.instrument("delete", s.handleDelete))
	mux.HandleFunc("GET /jobs/{id}", s.instrument("job_get", s.handleJobGet))
	mux.HandleFunc("POST /jobs/{id}/cancel", s.instrument("job_cancel", s.handleJobCancel))
	mux.HandleFunc("GET /healthz", s.instrument("health", s.handleHealth))

	if s.deps.Registry != nil {
		mux.Handle("GET /metrics", s.deps.Registry.Handler())
	}
	return mux
}

// instrument propagates the request id and records per-route metrics.
func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", requestID(r))

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next(sw, r)

		if s.metrics != nil {
			s.metrics.RequestsTotal.WithLabelValues(route, fmt.Sprintf("%d", sw.code)).Inc()
			s.metrics.RequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// requestID extracts the caller's request id or generates one.
func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// readJSON reads a size-limited body into dst.
func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, s.deps.MaxRequestBytes+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if int64(len(body)) > s.deps.MaxRequestBytes {
		s.writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("request body exceeds %d bytes", s.deps.MaxRequestBytes))
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed JSON body")
		return false
	}
	return true
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	var req events.Request
	if !s.readJSON(w, r, &req) {
		return
	}

	resp, err := s.deps.Engine.Aggregate(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// ingestEvent is one event in an ingest batch. Plot carries the raw plot
// JSON; it is validated and compressed server-side.
type ingestEvent struct {
	TaskID    string          `json:"task"`
	Metric    string          `json:"metric"`
	Variant   string          `json:"variant"`
	Iter      int64           `json:"iter"`
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"`
	Value     float64         `json:"value,omitempty"`
	URL       string          `json:"url,omitempty"`
	Plot      json.RawMessage `json:"plot,omitempty"`
}

type ingestRequest struct {
	Events []ingestEvent `json:"events"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if len(req.Events) == 0 {
		s.writeError(w, http.StatusBadRequest, "no events")
		return
	}

	batch := make([]docstore.Event, 0, len(req.Events))
	for _, in := range req.Events {
		if in.TaskID == "" || in.Metric == "" {
			s.writeError(w, http.StatusBadRequest, "task and metric are required")
			return
		}

		ev := docstore.Event{
			TaskID:    in.TaskID,
			Metric:    in.Metric,
			Variant:   in.Variant,
			Iter:      in.Iter,
			Timestamp: in.Timestamp,
			Value:     in.Value,
			URL:       in.URL,
		}
		switch docstore.EventType(in.Type) {
		case docstore.TypeScalar:
			ev.Type = docstore.TypeScalar
		case docstore.TypeDebugImage:
			ev.Type = docstore.TypeDebugImage
		case docstore.TypePlot:
			prepared := events.PreparePlot(in.Plot, s.deps.PlotCompressionThreshold, s.deps.ValidatePlots)
			ev.Type = docstore.TypePlot
			ev.PlotData = prepared.PlotData
			ev.Compressed = prepared.Compressed
			ev.PlotValid = prepared.PlotValid
		default:
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown event type %q", in.Type))
			return
		}
		batch = append(batch, ev)
	}

	if err := s.deps.Store.IndexEvents(r.Context(), batch); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"indexed": len(batch)})
}

type scrollOpenRequest struct {
	Query docstore.ScalarQuery `json:"query"`
}

func (s *Server) handleScrollOpen(w http.ResponseWriter, r *http.Request) {
	var req scrollOpenRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if len(req.Query.TaskIDs) == 0 {
		s.writeError(w, http.StatusBadRequest, "query.tasks is required")
		return
	}

	cursor, err := s.deps.Scrolls.Open(r.Context(), req.Query)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"cursor": cursor})
}

type scrollAdvanceRequest struct {
	Cursor string               `json:"cursor"`
	Query  docstore.ScalarQuery `json:"query"`
}

func (s *Server) handleScrollAdvance(w http.ResponseWriter, r *http.Request) {
	var req scrollAdvanceRequest
	if !s.readJSON(w, r, &req) {
		return
	}
	if req.Cursor == "" {
		s.writeError(w, http.StatusBadRequest, "cursor is required")
		return
	}

	page, err := s.deps.Scrolls.Advance(r.Context(), req.Cursor, req.Query)
	if err != nil {
		if s.metrics != nil {
			s.metrics.ScrollErrors.WithLabelValues(scrollErrorKind(err)).Inc()
		}
		s.writeDomainError(w, err)
		return
	}

	if s.metrics != nil {
		s.metrics.ScrollPages.Inc()
	}
	s.writeJSON(w, http.StatusOK, page)
}

func scrollErrorKind(err error) string {
	switch {
	case stderrors.Is(err, errors.ErrCursorExpired):
		return "expired"
	case stderrors.Is(err, errors.ErrCursorMismatch):
		return "mismatch"
	default:
		return "other"
	}
}

type deleteRequest struct {
	TaskID      string   `json:"task"`
	URLPrefixes []string `json:"url_prefixes,omitempty"`
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if !s.readJSON(w, r, &req) {
		return
	}

	job, err := s.deps.Scheduler.Submit(r.Context(), req.TaskID, req.URLPrefixes)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": string(job.Status),
	})
}

func (s *Server) handleJobGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Scheduler.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Scheduler.Cancel(r.Context(), r.PathValue("id")); err != nil {
		s.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type healthResponse struct {
	Healthy bool              `json:"healthy"`
	Checks  map[string]string `json:"checks"`
	Uptime  string            `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Healthy: true,
		Checks:  map[string]string{},
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	}

	if s.deps.NATS != nil {
		if s.deps.NATS.Connected() {
			resp.Checks["nats"] = "ok"
		} else {
			resp.Checks["nats"] = "disconnected"
			resp.Healthy = false
		}
	}

	code := http.StatusOK
	if !resp.Healthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

// writeDomainError maps domain errors to HTTP statuses. Internal detail is
// logged, not exposed.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	code := httpStatus(err)
	if code >= 500 {
		s.logger.Error("request failed", "status", code, "error", err)
	} else {
		s.logger.Debug("request rejected", "status", code, "error", err)
	}
	s.writeError(w, code, publicMessage(err, code))
}

func httpStatus(err error) int {
	var paf *errors.PartialAggregationFailure
	switch {
	case stderrors.Is(err, errors.ErrOverloaded):
		return http.StatusTooManyRequests
	case stderrors.Is(err, errors.ErrCursorExpired):
		return http.StatusGone
	case stderrors.Is(err, errors.ErrCursorMismatch):
		return http.StatusConflict
	case stderrors.Is(err, errors.ErrJobNotFound):
		return http.StatusNotFound
	case stderrors.As(err, &paf):
		return http.StatusBadGateway
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case errors.IsTransient(err):
		if strings.Contains(err.Error(), "timeout") {
			return http.StatusGatewayTimeout
		}
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func publicMessage(err error, code int) string {
	switch code {
	case http.StatusTooManyRequests:
		return "server overloaded, retry with backoff"
	case http.StatusGone:
		return "scroll cursor expired, reopen the scroll"
	case http.StatusConflict:
		return "scroll cursor does not match the query"
	case http.StatusNotFound:
		return "resource not found"
	case http.StatusBadGateway:
		var paf *errors.PartialAggregationFailure
		if stderrors.As(err, &paf) {
			return fmt.Sprintf("aggregation failed for metric %q", paf.Metric)
		}
		return "upstream aggregation failure"
	case http.StatusBadRequest:
		return "invalid request"
	case http.StatusGatewayTimeout:
		return "request timeout"
	case http.StatusServiceUnavailable:
		return "service temporarily unavailable"
	default:
		return "internal server error"
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("response write failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, map[string]any{
		"error":  message,
		"status": code,
	})
}
