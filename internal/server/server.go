// Package server hosts the RPC tool surface over two transports: streamable
// HTTP with per-session transports at /mcp, and line-delimited JSON-RPC on
// stdio. The HTTP router also serves /health for daemon coordination.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/rs/cors"

	"github.com/travisgalloway/caw/internal/logging"
	"github.com/travisgalloway/caw/internal/tools"
)

// Name and Version identify the MCP server to clients.
const (
	Name    = "caw"
	Version = "1.0.0"
)

// Server wraps the MCP server and its transports.
type Server struct {
	mcp    *mcpserver.MCPServer
	http   *http.Server
	logger *logging.Logger
}

// New builds a server with the full toolset registered.
func New(toolset *tools.Toolset, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NewNop()
	}
	m := mcpserver.NewMCPServer(Name, Version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
	)
	toolset.Register(m)
	return &Server{mcp: m, logger: logger}
}

// Router assembles the HTTP surface: /mcp (streamable, per-session
// transports keyed by the mcp-session-id header), /health, 404 otherwise.
func (s *Server) Router() http.Handler {
	streamable := mcpserver.NewStreamableHTTPServer(s.mcp,
		mcpserver.WithEndpointPath("/mcp"),
	)

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Default().Handler)

	r.Handle("/mcp", streamable)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	return r
}

// StartHTTP serves the router on the port. Blocks until Shutdown or a
// listener error.
func (s *Server) StartHTTP(port int) error {
	s.http = &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http transport listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// ServeStdio reads JSON-RPC requests line-delimited on stdin and writes
// responses on stdout. Blocks until stdin closes or ctx is done.
func (s *Server) ServeStdio(ctx context.Context) error {
	s.logger.Info("stdio transport serving")
	errCh := make(chan error, 1)
	go func() {
		errCh <- mcpserver.ServeStdio(s.mcp)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// HealthCheck probes another daemon's /health endpoint with the
// coordination timeout.
func HealthCheck(port int, timeout time.Duration) bool {
	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
