// Package api implements the HTTP API over configured tool servers.
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
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker/v2"

	"github.com/nelsonandreproton/NPBot/internal/buildinfo"
	"github.com/nelsonandreproton/NPBot/internal/connwatch"
	"github.com/nelsonandreproton/NPBot/internal/mcp"
)

// maxCallBody bounds the arguments object accepted by the call endpoint.
const maxCallBody = 4 << 20

// Connections is the part of the connection manager the API needs.
type Connections interface {
	ListServers() []mcp.ServerStatus
	HealthStatus() map[string]connwatch.ServiceStatus
	ExecuteTool(ctx context.Context, server, tool string, args map[string]any) (*mcp.ToolResult, error)
}

// Catalog is the part of the tool catalog the API needs.
type Catalog interface {
	ToolsForServer(ctx context.Context, server string) ([]mcp.ToolDescriptor, error)
	Refresh(ctx context.Context, server string) ([]mcp.ToolDescriptor, error)
	ListAll() []mcp.ToolDescriptor
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	conns    Connections
	catalog  Catalog
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	server   *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, conns Connections, catalog Catalog, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		conns:   conns,
		catalog: catalog,
		logger:  logger,
	}
}

// SetGatherer enables the /metrics endpoint.
func (s *Server) SetGatherer(g prometheus.Gatherer) {
	s.gatherer = g
}

// Handler builds the router. It is exposed separately from Start so
// tests can drive it with httptest.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.withLogging)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/version", s.handleVersion)

		r.Get("/servers", s.handleServers)
		r.Get("/servers/{name}/tools", s.handleServerTools)
		r.Post("/servers/{name}/refresh", s.handleServerRefresh)
		r.Post("/servers/{name}/tools/{tool}/call", s.handleToolCall)

		r.Get("/tools", s.handleTools)
		r.Get("/health/servers", s.handleServerHealth)
	})

	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return r
}

// Start begins serving HTTP requests. It blocks until the server is
// shut down.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Long enough for a remote tool call to finish.
		WriteTimeout: 150 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
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
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"request_id", middleware.GetReqID(r.Context()),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "NPBot",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	servers := s.conns.ListServers()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":   len(servers),
		"servers": servers,
	}, s.logger)
}

func (s *Server) handleServerHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.conns.HealthStatus(), s.logger)
}

func (s *Server) handleServerTools(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	tools, err := s.catalog.ToolsForServer(r.Context(), name)
	if err != nil {
		s.mcpError(w, err)
		return
	}
	s.writeTools(w, name, tools)
}

func (s *Server) handleServerRefresh(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	tools, err := s.catalog.Refresh(r.Context(), name)
	if err != nil {
		s.mcpError(w, err)
		return
	}
	s.writeTools(w, name, tools)
}

func (s *Server) writeTools(w http.ResponseWriter, server string, tools []mcp.ToolDescriptor) {
	if tools == nil {
		tools = []mcp.ToolDescriptor{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"server": server,
		"count":  len(tools),
		"tools":  tools,
	}, s.logger)
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	tools := s.catalog.ListAll()
	if tools == nil {
		tools = []mcp.ToolDescriptor{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count": len(tools),
		"tools": tools,
	}, s.logger)
}

// ToolCallResponse is returned by the call endpoint, both for
// successful calls and for tools that reported an error.
type ToolCallResponse struct {
	Server  string          `json:"server"`
	Tool    string          `json:"tool"`
	Text    string          `json:"text"`
	IsError bool            `json:"is_error,omitempty"`
	Result  *mcp.ToolResult `json:"result"`
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	server := chi.URLParam(r, "name")
	tool := chi.URLParam(r, "tool")

	// An empty body means no arguments.
	var args map[string]any
	dec := json.NewDecoder(io.LimitReader(r.Body, maxCallBody))
	if err := dec.Decode(&args); err != nil && !errors.Is(err, io.EOF) {
		s.errorResponse(w, http.StatusBadRequest, "request body must be a JSON object of tool arguments")
		return
	}

	result, err := s.conns.ExecuteTool(r.Context(), server, tool, args)
	if err != nil && !errors.Is(err, mcp.ErrToolFailed) {
		s.mcpError(w, err)
		return
	}

	resp := ToolCallResponse{
		Server: server,
		Tool:   tool,
		Text:   result.Text(),
		Result: result,
	}
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		resp.IsError = true
		w.WriteHeader(http.StatusUnprocessableEntity)
	}
	writeJSON(w, resp, s.logger)
}

// statusFor maps tool-server errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, mcp.ErrUnknownServer):
		return http.StatusNotFound
	case errors.Is(err, mcp.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, mcp.ErrToolFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, mcp.ErrSpawn),
		errors.Is(err, mcp.ErrHandshake),
		errors.Is(err, mcp.ErrClosed),
		errors.Is(err, mcp.ErrNotReady):
		return http.StatusBadGateway
	case errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests),
		errors.Is(err, mcp.ErrManagerClosed):
		return http.StatusServiceUnavailable
	}
	var rpcErr *mcp.RPCError
	if errors.As(err, &rpcErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) mcpError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.logger.Warn("tool server request failed", "status", code, "error", err)
	}
	s.errorResponse(w, code, err.Error())
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	errType := "invalid_request_error"
	if code >= http.StatusInternalServerError {
		errType = "upstream_error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errType,
			"code":    code,
		},
	}, s.logger)
}
