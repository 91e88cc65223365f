// Package api implements the WebPilot HTTP API: task submission, health,
// tool and call introspection, and a WebSocket stream of live events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nugget/webpilot/internal/audit"
	"github.com/nugget/webpilot/internal/automation"
	"github.com/nugget/webpilot/internal/buildinfo"
	"github.com/nugget/webpilot/internal/events"
	"github.com/nugget/webpilot/internal/health"
	"github.com/nugget/webpilot/internal/mcp"
	"github.com/nugget/webpilot/internal/usage"
)

// maxTaskBody bounds POST /automate bodies.
const maxTaskBody = 1 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Automator is the request pipeline the API drives.
type Automator interface {
	ProcessRequest(ctx context.Context, task string) string
	Initialized() bool
	Tools() []mcp.ToolDescriptor
	SessionState() mcp.State
	ResetHistory()
}

// CallLog is the audit view behind the call endpoints.
type CallLog interface {
	ByRequest(ctx context.Context, requestID string) ([]audit.Record, error)
	SummaryByTool(ctx context.Context, start, end time.Time) ([]audit.ToolSummary, error)
}

// UsageLog is the model usage view behind /v1/usage.
type UsageLog interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
}

// HealthSource reports background service health.
type HealthSource interface {
	Statuses() []health.Status
	Healthy() bool
}

// Server is the HTTP API server.
type Server struct {
	address   string
	port      int
	automator Automator
	calls     CallLog
	usage     UsageLog
	health    HealthSource
	bus       *events.Bus
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.Mutex
	server *http.Server

	// closing is closed when Shutdown begins; hijacked event streams
	// are not drained by http.Server.
	closing   chan struct{}
	closeOnce sync.Once
}

// NewServer creates a new API server.
func NewServer(address string, port int, automator Automator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:   address,
		port:      port,
		automator: automator,
		logger:    logger.With("component", "api"),
		now:       time.Now,
		closing:   make(chan struct{}),
	}
}

// SetCallLog enables /v1/calls and /v1/calls/stats.
func (s *Server) SetCallLog(cl CallLog) {
	s.calls = cl
}

// SetUsageLog enables /v1/usage.
func (s *Server) SetUsageLog(u UsageLog) {
	s.usage = u
}

// SetHealth adds background watcher statuses to /health.
func (s *Server) SetHealth(h HealthSource) {
	s.health = h
}

// SetEventBus enables the /v1/events stream.
func (s *Server) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /automate", s.handleAutomate)

	// Health endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /{$}", s.handleRoot)

	// Introspection
	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("GET /v1/calls", s.handleCalls)
	mux.HandleFunc("GET /v1/calls/stats", s.handleCallStats)
	mux.HandleFunc("GET /v1/usage", s.handleUsage)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	// Session
	mux.HandleFunc("POST /v1/session/reset", s.handleSessionReset)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown. Request contexts carry ctx's values but not its
// cancellation, so Shutdown can drain running tasks.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // a task can run many tool calls
		BaseContext:  func(_ net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}
	srv.RegisterOnShutdown(s.markClosing)

	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	select {
	case <-s.closing:
		return http.ErrServerClosed
	default:
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return srv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.markClosing()

	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) markClosing() {
	s.closeOnce.Do(func() { close(s.closing) })
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "WebPilot",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// AutomateRequest is the POST /automate body.
type AutomateRequest struct {
	Task string `json:"task"`
}

// AutomateResponse is the POST /automate reply.
type AutomateResponse struct {
	Result    string `json:"result"`
	RequestID string `json:"request_id"`
}

func (s *Server) handleAutomate(w http.ResponseWriter, r *http.Request) {
	var req AutomateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTaskBody))
	if err := dec.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.errorResponse(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		if errors.Is(err, io.EOF) {
			s.errorResponse(w, http.StatusBadRequest, "request body is empty")
			return
		}
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Task) == "" {
		s.errorResponse(w, http.StatusBadRequest, "task is required")
		return
	}
	if !s.automator.Initialized() {
		s.errorResponse(w, http.StatusServiceUnavailable, "automation session is not ready")
		return
	}

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = automation.NewRequestID()
	}
	ctx := automation.WithRequestID(r.Context(), requestID)

	s.logger.Info("automation request", "request_id", requestID, "task_len", len(req.Task))
	result := s.automator.ProcessRequest(ctx, req.Task)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	writeJSON(w, AutomateResponse{Result: result, RequestID: requestID}, s.logger)
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status      string          `json:"status"` // "healthy" or "degraded"
	Session     string          `json:"session"`
	Initialized bool            `json:"initialized"`
	Tools       int             `json:"tools"`
	Services    []health.Status `json:"services,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:      "healthy",
		Session:     s.automator.SessionState().String(),
		Initialized: s.automator.Initialized(),
		Tools:       len(s.automator.Tools()),
	}
	healthy := resp.Initialized && s.automator.SessionState() == mcp.StateReady
	if s.health != nil {
		resp.Services = s.health.Statuses()
		healthy = healthy && s.health.Healthy()
	}

	w.Header().Set("Content-Type", "application/json")
	if !healthy {
		resp.Status = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	writeJSON(w, resp, s.logger)
}

// ToolInfo is one entry of GET /v1/tools.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  []string       `json:"parameters"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	descs := s.automator.Tools()
	tools := make([]ToolInfo, len(descs))
	for i, d := range descs {
		params := d.Parameters()
		if params == nil {
			params = []string{}
		}
		tools[i] = ToolInfo{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  params,
			InputSchema: d.InputSchema,
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"tools": tools,
		"count": len(tools),
	}, s.logger)
}

// CallRecord is the JSON view of one audited attempt.
type CallRecord struct {
	ID         string         `json:"id"`
	Timestamp  time.Time      `json:"timestamp"`
	RequestID  string         `json:"request_id"`
	Tool       string         `json:"tool"`
	Arguments  map[string]any `json:"arguments,omitempty"`
	Attempt    int            `json:"attempt"`
	OK         bool           `json:"ok"`
	ErrorClass string         `json:"error_class,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "call audit log not configured")
		return
	}
	requestID := r.URL.Query().Get("request_id")
	if requestID == "" {
		s.errorResponse(w, http.StatusBadRequest, "request_id is required")
		return
	}

	recs, err := s.calls.ByRequest(r.Context(), requestID)
	if err != nil {
		s.logger.Error("call lookup failed", "request_id", requestID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "call lookup failed")
		return
	}

	out := make([]CallRecord, len(recs))
	for i, rec := range recs {
		out[i] = CallRecord{
			ID:         rec.ID,
			Timestamp:  rec.Timestamp,
			RequestID:  rec.RequestID,
			Tool:       rec.Tool,
			Arguments:  rec.Arguments,
			Attempt:    rec.Attempt,
			OK:         rec.OK,
			ErrorClass: rec.ErrorClass,
			Error:      rec.Error,
			DurationMS: rec.Duration.Milliseconds(),
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"request_id": requestID,
		"calls":      out,
		"count":      len(out),
	}, s.logger)
}

// statsWindow reads ?since=<duration> (default 24h) or ?start=&end=
// (RFC 3339).
func (s *Server) statsWindow(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	end := s.now()
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end: %w", err)
		}
		end = t
	}
	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start: %w", err)
		}
		return t, end, nil
	}
	since := 24 * time.Hour
	if v := q.Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid since %q", v)
		}
		since = d
	}
	return end.Add(-since), end, nil
}

func (s *Server) handleCallStats(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "call audit log not configured")
		return
	}
	start, end, err := s.statsWindow(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if !start.Before(end) {
		s.errorResponse(w, http.StatusBadRequest, "start must be before end")
		return
	}

	summary, err := s.calls.SummaryByTool(r.Context(), start, end)
	if err != nil {
		s.logger.Error("call stats failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "call stats failed")
		return
	}
	if summary == nil {
		summary = []audit.ToolSummary{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"start": start.UTC().Format(time.RFC3339),
		"end":   end.UTC().Format(time.RFC3339),
		"tools": summary,
	}, s.logger)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage log not configured")
		return
	}
	start, end, err := s.statsWindow(r)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if !start.Before(end) {
		s.errorResponse(w, http.StatusBadRequest, "start must be before end")
		return
	}

	total, err := s.usage.Summary(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}
	byModel, err := s.usage.SummaryByModel(r.Context(), start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"start":    start.UTC().Format(time.RFC3339),
		"end":      end.UTC().Format(time.RFC3339),
		"total":    total,
		"by_model": byModel,
	}, s.logger)
}

func (s *Server) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	s.automator.ResetHistory()
	s.logger.Info("conversation history reset")
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}
