// Package api implements the Hearth HTTP API.
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
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/hearth/internal/actions"
	"github.com/nugget/hearth/internal/buildinfo"
	"github.com/nugget/hearth/internal/connwatch"
	"github.com/nugget/hearth/internal/events"
	"github.com/nugget/hearth/internal/fetchers"
	"github.com/nugget/hearth/internal/history"
	"github.com/nugget/hearth/internal/homeassistant"
	"github.com/nugget/hearth/internal/metrics"
	"github.com/nugget/hearth/internal/pipeline"
	"github.com/nugget/hearth/internal/statecache"
	"github.com/nugget/hearth/internal/templates"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Processor runs commands through the model.
type Processor interface {
	Process(ctx context.Context, command, source string) pipeline.Result
	ProcessActions(ctx context.Context, command, source string) pipeline.ActionsResult
	CanAct() bool
	Preview(command string) templates.Selection
	Rerun(ctx context.Context, id string) (pipeline.RerunResult, error)
}

// EntityCache is the read side of the state cache plus log maintenance.
type EntityCache interface {
	All(ctx context.Context) []statecache.State
	Controllable(ctx context.Context) []statecache.State
	Entity(ctx context.Context, entityID string) *statecache.State
	Domain(ctx context.Context, domain string) []statecache.State
	ByState(ctx context.Context, state string) []statecache.State
	Search(ctx context.Context, q statecache.Query) []statecache.State
	Summary(ctx context.Context) statecache.Summary
	Domains(ctx context.Context) []string
	Healthy(ctx context.Context) bool
	EntityLog(ctx context.Context, entityID string, q statecache.LogQuery) []statecache.LogEntry
	EntityLogSummary(ctx context.Context, entityID string, days int) statecache.LogSummary
	LoggedEntities(ctx context.Context) []string
	TrimLogs(ctx context.Context) (int64, error)
}

// ActionExecutor performs hub service calls.
type ActionExecutor interface {
	Execute(ctx context.Context, a actions.Action) actions.Result
	ExecuteBulk(ctx context.Context, list []actions.Action) (actions.BulkResult, error)
	History(ctx context.Context, entityID string, limit int) ([]actions.Result, error)
}

// HistoryStore reads and deletes recorded interactions.
type HistoryStore interface {
	List(ctx context.Context, limit, offset int, source string) []history.Record
	Get(ctx context.Context, id string) (*history.Record, error)
	Delete(ctx context.Context, id string) error
	Stats(ctx context.Context) history.Stats
}

// FetcherCache exposes fetcher cache maintenance.
type FetcherCache interface {
	Status(ctx context.Context) ([]fetchers.CacheStatus, error)
	Refresh(ctx context.Context, key string) fetchers.Result
	Invalidate(ctx context.Context, key string) error
}

// StreamReporter reports the event stream client's status.
type StreamReporter interface {
	Status() homeassistant.StreamStatus
}

// HealthReporter reports watched service health.
type HealthReporter interface {
	Status() map[string]connwatch.ServiceStatus
}

// Config wires a Server. Nil dependencies disable their endpoints with
// a 503.
type Config struct {
	Address   string
	Port      int
	Processor Processor
	Entities  EntityCache
	Actions   ActionExecutor
	History   HistoryStore
	Fetchers  FetcherCache
	Stream    StreamReporter
	Health    HealthReporter
	Metrics   *metrics.Metrics
	Bus       *events.Bus
	Logger    *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address   string
	port      int
	processor Processor
	entities  EntityCache
	actions   ActionExecutor
	history   HistoryStore
	fetchers  FetcherCache
	stream    StreamReporter
	health    HealthReporter
	metrics   *metrics.Metrics
	bus       *events.Bus
	logger    *slog.Logger
	upgrader  websocket.Upgrader
	server    *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		address:   cfg.Address,
		port:      cfg.Port,
		processor: cfg.Processor,
		entities:  cfg.Entities,
		actions:   cfg.Actions,
		history:   cfg.History,
		fetchers:  cfg.Fetchers,
		stream:    cfg.Stream,
		health:    cfg.Health,
		metrics:   cfg.Metrics,
		bus:       cfg.Bus,
		logger:    cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Handler returns the routed, logged handler. Start serves it; tests
// use it directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Commands
	mux.HandleFunc("POST /api/command", s.handleCommand)
	mux.HandleFunc("POST /api/command/actions", s.handleCommandActions)
	mux.HandleFunc("GET /api/command/preview", s.handleCommandPreview)

	// Entity state and change logs
	mux.HandleFunc("GET /api/entities", s.handleEntities)
	mux.HandleFunc("GET /api/entities/controllable", s.handleControllable)
	mux.HandleFunc("GET /api/entities/summary", s.handleEntitySummary)
	mux.HandleFunc("GET /api/entities/domains", s.handleDomains)
	mux.HandleFunc("GET /api/entities/search", s.handleEntitySearch)
	mux.HandleFunc("GET /api/entities/logged", s.handleLoggedEntities)
	mux.HandleFunc("GET /api/entities/domain/{domain}", s.handleDomainEntities)
	mux.HandleFunc("GET /api/entities/state/{state}", s.handleEntitiesInState)
	mux.HandleFunc("GET /api/entities/log/{id}", s.handleEntityLog)
	mux.HandleFunc("GET /api/entities/log/{id}/summary", s.handleEntityLogSummary)
	mux.HandleFunc("POST /api/entities/logs/cleanup", s.handleLogCleanup)
	mux.HandleFunc("GET /api/entities/{id}", s.handleEntity)

	// Actions
	mux.HandleFunc("POST /api/action", s.handleAction)
	mux.HandleFunc("POST /api/actions/bulk", s.handleBulkActions)
	mux.HandleFunc("GET /api/actions/history", s.handleActionHistory)
	mux.HandleFunc("GET /api/actions/history/{id}", s.handleActionHistory)

	// Interaction history
	mux.HandleFunc("GET /api/history", s.handleHistoryList)
	mux.HandleFunc("GET /api/history/stats", s.handleHistoryStats)
	mux.HandleFunc("GET /api/history/{id}", s.handleHistoryGet)
	mux.HandleFunc("DELETE /api/history/{id}", s.handleHistoryDelete)
	mux.HandleFunc("POST /api/history/{id}/rerun", s.handleHistoryRerun)

	// Fetcher cache
	mux.HandleFunc("GET /api/fetchers/status", s.handleFetcherStatus)
	mux.HandleFunc("POST /api/fetchers/{key}/refresh", s.handleFetcherRefresh)
	mux.HandleFunc("DELETE /api/fetchers/{key}/cache", s.handleFetcherInvalidate)

	// Stream and events
	mux.HandleFunc("GET /api/websocket/status", s.handleStreamStatus)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // model calls can be slow
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
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

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	errType := "invalid_request_error"
	switch {
	case code == http.StatusNotFound:
		errType = "not_found_error"
	case code >= 500:
		errType = "server_error"
	}
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	}, s.logger)
}

// failure reports a dependency error. These are 200 responses with
// success false; the caller's request was well formed.
func (s *Server) failure(w http.ResponseWriter, err error) {
	s.logger.Warn("request failed", "error", err)
	writeJSON(w, map[string]any{"success": false, "error": err.Error()}, s.logger)
}

// unavailable writes a 503 when a dependency is not configured.
func (s *Server) unavailable(w http.ResponseWriter, what string) {
	s.errorResponse(w, http.StatusServiceUnavailable, what+" not configured")
}

// decodeBody decodes a JSON request body into v, writing a 400 on
// failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	switch {
	case err == nil:
		return true
	case errors.Is(err, io.EOF):
		s.errorResponse(w, http.StatusBadRequest, "request body is required")
	default:
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
	}
	return false
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"name":    "Hearth",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

// HealthReport is the /health response body.
type HealthReport struct {
	Status       string                             `json:"status"`
	Services     map[string]connwatch.ServiceStatus `json:"services,omitempty"`
	CacheHealthy bool                               `json:"cache_healthy"`
	Stream       *homeassistant.StreamStatus        `json:"stream,omitempty"`
	Uptime       string                             `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := HealthReport{
		Status: "healthy",
		Uptime: buildinfo.Uptime().Round(time.Second).String(),
	}
	if s.health != nil {
		report.Services = s.health.Status()
		for _, st := range report.Services {
			if !st.Ready {
				report.Status = "degraded"
			}
		}
	}
	if s.entities != nil {
		report.CacheHealthy = s.entities.Healthy(r.Context())
	}
	if !report.CacheHealthy {
		report.Status = "degraded"
	}
	if s.stream != nil {
		st := s.stream.Status()
		report.Stream = &st
		if !st.Connected {
			report.Status = "degraded"
		}
	}
	writeJSON(w, report, s.logger)
}

func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		s.unavailable(w, "event stream")
		return
	}
	writeJSON(w, s.stream.Status(), s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
