// Package httpapi is the local control API the app shell uses to drive
// sync, inspect state and settle conflicts.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentworkforce/trialsync/internal/coordinator"
	"github.com/agentworkforce/trialsync/internal/prefetch"
	"github.com/agentworkforce/trialsync/internal/syncerr"
)

type ServerConfig struct {
	JWTSecret      string
	MaxBodyBytes   int64
	RequestTimeout time.Duration
	// Gatherer is served at /metrics when set.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
	Now      func() time.Time
}

type Server struct {
	coord    *coordinator.Coordinator
	prefetch *prefetch.Manager
	cfg      ServerConfig
	logger   *slog.Logger
	router   chi.Router
}

func NewServer(coord *coordinator.Coordinator, pm *prefetch.Manager, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		coord:    coord,
		prefetch: pm,
		cfg:      cfg,
		logger:   logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})

	r.Get("/health", s.handleHealth)
	if s.cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.With(s.requireScope(ScopeSyncRead)).Get("/status", s.handleStatus)
		r.With(s.requireScope(ScopeSyncWrite)).Post("/sync/pull", s.handleSyncPull)
		r.With(s.requireScope(ScopeSyncWrite)).Post("/sync/push", s.handleSyncPush)

		r.With(s.requireScope(ScopeSyncRead)).Get("/conflicts", s.handleConflicts)
		r.Route("/conflicts/{table}/{id}", func(r chi.Router) {
			r.Use(s.requireScope(ScopeConflictsWrite))
			r.Post("/resolve", s.handleResolve)
			r.Post("/ignore", s.handleIgnore)
			r.Post("/auto", s.handleAutoResolve)
		})

		r.With(s.requireScope(ScopeSyncRead)).Get("/rejected", s.handleRejected)
		r.With(s.requireScope(ScopeConflictsWrite)).Post("/rejected/{table}/{id}/dismiss", s.handleDismissRejected)

		r.Route("/tables/{table}/records/{id}", func(r chi.Router) {
			r.With(s.requireScope(ScopeSyncRead)).Get("/", s.handleRecord)
			r.With(s.requireScope(ScopeSyncRead)).Post("/hint", s.handleHint)
			r.With(s.requireScope(ScopeConflictsWrite)).Post("/release", s.handleRelease)
		})
		r.With(s.requireScope(ScopeSyncRead)).Get("/prefetch/queue", s.handleQueue)

		r.With(s.requireScope(ScopeSyncWrite)).Post("/cache/clear", s.handleCacheClear)
		r.With(s.requireScope(ScopeSyncWrite)).Post("/cache/undo", s.handleCacheUndo)
	})
	return r
}

func (s *Server) requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, scope, s.cfg.Now().UTC())
			if authErr != nil {
				writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("api request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, err := s.coord.Status(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "online": status.Online})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.coord.Status(r.Context())
	if err != nil {
		writeSyncError(w, err, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type syncRequest struct {
	Table string `json:"table"`
}

func (s *Server) handleSyncPull(w http.ResponseWriter, r *http.Request) {
	var body syncRequest
	if !s.decodeOptionalJSONBody(w, r, &body) {
		return
	}
	var results []coordinator.PullResult
	var err error
	if body.Table != "" {
		var result coordinator.PullResult
		result, err = s.coord.Pull(r.Context(), body.Table)
		results = []coordinator.PullResult{result}
	} else {
		results, err = s.coord.PullAll(r.Context())
	}
	s.writeSyncResults(w, r, results, err)
}

func (s *Server) handleSyncPush(w http.ResponseWriter, r *http.Request) {
	var body syncRequest
	if !s.decodeOptionalJSONBody(w, r, &body) {
		return
	}
	var results []coordinator.PushResult
	var err error
	if body.Table != "" {
		var result coordinator.PushResult
		result, err = s.coord.Push(r.Context(), body.Table)
		results = []coordinator.PushResult{result}
	} else {
		results, err = s.coord.PushAll(r.Context())
	}
	s.writeSyncResults(w, r, results, err)
}

// writeSyncResults reports per-table results even when some tables failed.
// The failure rides along as code and message with the status of its kind.
func (s *Server) writeSyncResults(w http.ResponseWriter, r *http.Request, results any, err error) {
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
		return
	}
	if syncerr.KindOf(err) == syncerr.KindNotFound {
		writeSyncError(w, err, getCorrelationID(r))
		return
	}
	status, code := statusForError(err)
	writeJSON(w, status, map[string]any{
		"results":       results,
		"code":          code,
		"message":       err.Error(),
		"correlationId": getCorrelationID(r),
	})
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts := s.coord.Conflicts()
	if table := r.URL.Query().Get("table"); table != "" {
		filtered := conflicts[:0:0]
		for _, c := range conflicts {
			if c.Table == table {
				filtered = append(filtered, c)
			}
		}
		conflicts = filtered
	}
	if conflicts == nil {
		conflicts = []coordinator.ConflictView{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

func (s *Server) handleRejected(w http.ResponseWriter, r *http.Request) {
	rejected, err := s.coord.Rejected(r.Context())
	if err != nil {
		writeSyncError(w, err, getCorrelationID(r))
		return
	}
	out := make([]coordinator.RejectedView, 0, len(rejected))
	table := r.URL.Query().Get("table")
	for _, v := range rejected {
		if table == "" || v.Table == table {
			out = append(out, v)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rejected": out})
}

func (s *Server) handleDismissRejected(w http.ResponseWriter, r *http.Request) {
	b, ok := s.bindingFor(w, r)
	if !ok {
		return
	}
	if err := b.DismissRejected(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeSyncError(w, err, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "dismissed"})
}

type resolveRequest struct {
	Decision string          `json:"decision"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	b, ok := s.bindingFor(w, r)
	if !ok {
		return
	}
	var body resolveRequest
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	if err := b.Resolve(r.Context(), chi.URLParam(r, "id"), body.Decision, body.Payload); err != nil {
		writeSyncError(w, err, getCorrelationID(r))
		return
	}
	// a local or merged decision leaves the record dirty
	s.coord.Trigger(b.Name())
	writeJSON(w, http.StatusOK, map[string]any{"status": "resolved"})
}

func (s *Server) handleIgnore(w http.ResponseWriter, r *http.Request) {
	b, ok := s.bindingFor(w, r)
	if !ok {
		return
	}
	if err := b.Ignore(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeSyncError(w, err, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ignored"})
}

func (s *Server) handleAutoResolve(w http.ResponseWriter, r *http.Request) {
	b, ok := s.bindingFor(w, r)
	if !ok {
		return
	}
	resolved, err := b.AutoResolve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeSyncError(w, err, getCorrelationID(r))
		return
	}
	if resolved {
		s.coord.Trigger(b.Name())
	}
	writeJSON(w, http.StatusOK, map[string]any{"resolved": resolved})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	b, ok := s.bindingFor(w, r)
	if !ok {
		return
	}
	if err := b.Release(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeSyncError(w, err, getCorrelationID(r))
		return
	}
	s.coord.Trigger(b.Name())
	writeJSON(w, http.StatusOK, map[string]any{"status": "released"})
}

// handleRecord serves the local copy. A miss queues a fetch and answers 202,
// or with ?wait=true blocks until the fetch finishes.
func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	table, id := chi.URLParam(r, "table"), chi.URLParam(r, "id")
	priority := parseBoundedInt(r.URL.Query().Get("priority"), 0, -1000, 1000)
	view, err := s.prefetch.Request(r.Context(), table, id, priority)
	if err != nil {
		writeSyncError(w, err, getCorrelationID(r))
		return
	}
	if view == nil && parseBool(r.URL.Query().Get("wait"), false) {
		if err := s.prefetch.Await(r.Context(), table, id); err != nil {
			writeSyncError(w, err, getCorrelationID(r))
			return
		}
		view, err = s.prefetch.Request(r.Context(), table, id, priority)
		if err != nil {
			writeSyncError(w, err, getCorrelationID(r))
			return
		}
	}
	if view == nil {
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "table": table, "id": id})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleHint(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Priority int `json:"priority"`
	}
	if !s.decodeJSONBody(w, r, &body) {
		return
	}
	updated := s.prefetch.Hint(chi.URLParam(r, "table"), chi.URLParam(r, "id"), body.Priority)
	writeJSON(w, http.StatusOK, map[string]any{"updated": updated})
}

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.prefetch.QueueStats())
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Scope string `json:"scope"`
	}
	if !s.decodeOptionalJSONBody(w, r, &body) {
		return
	}
	cleared, err := s.prefetch.ClearCache(r.Context(), body.Scope)
	if err != nil {
		writeSyncError(w, err, getCorrelationID(r))
		return
	}
	resp := map[string]any{"cleared": cleared}
	if snapshot := s.prefetch.Snapshot(); snapshot != nil {
		resp["undoUntil"] = snapshot.ExpiresAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCacheUndo(w http.ResponseWriter, r *http.Request) {
	restored, err := s.prefetch.Undo(r.Context())
	if err != nil {
		writeSyncError(w, err, getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"restored": restored})
}

func (s *Server) bindingFor(w http.ResponseWriter, r *http.Request) (coordinator.Binding, bool) {
	table := chi.URLParam(r, "table")
	b, ok := s.coord.Binding(table)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "unknown table: "+table, getCorrelationID(r))
		return nil, false
	}
	return b, true
}

// getCorrelationID prefers the caller's X-Correlation-Id and falls back to
// the request id.
func getCorrelationID(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-Id"); id != "" {
		return id
	}
	return middleware.GetReqID(r.Context())
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", getCorrelationID(r))
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", getCorrelationID(r))
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", getCorrelationID(r))
		return false
	}
	return true
}

// decodeOptionalJSONBody accepts an empty body.
func (s *Server) decodeOptionalJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", getCorrelationID(r))
		return false
	}
	return true
}

func statusForError(err error) (int, string) {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "timeout"
	}
	switch syncerr.KindOf(err) {
	case syncerr.KindNotFound:
		return http.StatusNotFound, "not_found"
	case syncerr.KindInvalidInput:
		return http.StatusBadRequest, "bad_request"
	case syncerr.KindInvalidTransition:
		return http.StatusConflict, "invalid_transition"
	case syncerr.KindNetworkUnavailable:
		return http.StatusServiceUnavailable, "offline"
	case syncerr.KindTimeout:
		return http.StatusGatewayTimeout, "timeout"
	case syncerr.KindServer, syncerr.KindClient:
		return http.StatusBadGateway, "upstream_error"
	}
	var upstream interface{ HTTPStatus() int }
	if errors.As(err, &upstream) && upstream.HTTPStatus() > 0 {
		return http.StatusBadGateway, "upstream_error"
	}
	return http.StatusInternalServerError, "internal_error"
}

func writeSyncError(w http.ResponseWriter, err error, correlationID string) {
	status, code := statusForError(err)
	writeError(w, status, code, err.Error(), correlationID)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return min
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseBool(raw string, fallback bool) bool {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return parsed
}
