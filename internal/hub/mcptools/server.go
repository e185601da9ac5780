// Package mcptools hosts the MCP tool surface consumed by external
// diagnostic copilots: every tool handler calls ProbeRouter, RunbookEngine,
// Dispatcher, or storage methods directly in-process — there is no internal
// HTTP hop (§6).
package mcptools

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/sonde-hub/sonde/internal/hub/dispatcher"
	"github.com/sonde-hub/sonde/internal/hub/integration"
	"github.com/sonde-hub/sonde/internal/hub/probe"
	"github.com/sonde-hub/sonde/internal/hub/runbook"
	"github.com/sonde-hub/sonde/internal/hub/storage"
	"github.com/sonde-hub/sonde/internal/obslog"
)

// Config holds the MCP server's listen configuration.
type Config struct {
	Port int
}

// Deps are the in-process collaborators every tool handler calls into.
type Deps struct {
	Router       *probe.Router
	Runbooks     *runbook.Engine
	Dispatcher   *dispatcher.Dispatcher
	Store        *storage.Store
	Integrations *integration.Registry
}

// Server wraps the SSE and Streamable HTTP MCP transports with lifecycle
// management, mounted on one mux (§6).
type Server struct {
	cfg                  Config
	deps                 Deps
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	mu                   sync.Mutex
	running              bool
	log                  *obslog.Logger
}

// New creates a new MCP server with the given configuration.
func New(cfg Config, deps Deps, log *obslog.Logger) *Server {
	return &Server{cfg: cfg, deps: deps, log: log}
}

// Start starts the MCP server in a goroutine and returns once it's listening.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer(
		"sonde-hub",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	registerTools(mcpServer, s.deps, s.log)

	s.sseServer = server.NewSSEServer(mcpServer)
	s.streamableHTTPServer = server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpServer = &http.Server{Handler: mux}

	ready := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()
		close(ready)

		s.log.Info("MCP server listening", zap.Int("port", s.cfg.Port))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("MCP server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts down the server and both transports.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.log.Warn("failed to shutdown SSE server", zap.Error(err))
		}
	}
	if s.streamableHTTPServer != nil {
		if err := s.streamableHTTPServer.Shutdown(ctx); err != nil {
			s.log.Warn("failed to shutdown Streamable HTTP server", zap.Error(err))
		}
	}
	return nil
}
