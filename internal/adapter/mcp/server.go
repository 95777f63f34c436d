// Package mcp exposes read-only engine introspection over the Model
// Context Protocol, served as streamable HTTP behind an API key.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Strob0t/agentengine/internal/domain/audit"
	"github.com/Strob0t/agentengine/internal/domain/budget"
	"github.com/Strob0t/agentengine/internal/domain/checkpoint"
	"github.com/Strob0t/agentengine/internal/domain/execution"
	"github.com/Strob0t/agentengine/internal/domain/hook"
	"github.com/Strob0t/agentengine/internal/domain/replay"
)

// ExecutionReader reads executions and their checkpoints on behalf of a user.
type ExecutionReader interface {
	GetState(ctx context.Context, id, userID string) (*execution.Execution, error)
	ListCheckpoints(ctx context.Context, id, userID string) ([]checkpoint.Checkpoint, error)
}

// ReplayReader builds timelines and comparisons.
type ReplayReader interface {
	Timeline(ctx context.Context, id, userID string) (*replay.Timeline, error)
	Compare(ctx context.Context, leftID, rightID, userID string) (*replay.Comparison, error)
}

// AuditQuerier pages through the audit trail.
type AuditQuerier interface {
	Query(ctx context.Context, f audit.Filter) (*audit.Page, error)
}

// HookLister lists the effective hook set.
type HookLister interface {
	List(projectID string) []hook.Hook
}

// BudgetReader reports whether a user may spend.
type BudgetReader interface {
	CanExecute(ctx context.Context, userID string) (budget.Decision, error)
}

// ServerConfig configures the MCP listener.
type ServerConfig struct {
	Addr    string
	Name    string
	Version string
	APIKey  string
}

// ServerDeps are the read models behind the tools and resources. Any of
// them may be nil; the matching tools then report "not configured".
type ServerDeps struct {
	Executions ExecutionReader
	Replay     ReplayReader
	Audit      AuditQuerier
	Hooks      HookLister
	Budget     BudgetReader
}

// Server wraps an mcp-go server with its HTTP listener.
type Server struct {
	cfg       ServerConfig
	deps      ServerDeps
	mcpServer *mcpserver.MCPServer

	mu   sync.Mutex
	http *http.Server
}

// NewServer builds the MCP server and registers every tool and resource.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mcpServer: mcpserver.NewMCPServer(cfg.Name, cfg.Version,
			mcpserver.WithToolCapabilities(false),
			mcpserver.WithResourceCapabilities(false, false),
			mcpserver.WithRecovery(),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying mcp-go server.
func (s *Server) MCPServer() *mcpserver.MCPServer { return s.mcpServer }

// Handler returns the authenticated streamable HTTP handler.
func (s *Server) Handler() http.Handler {
	return AuthMiddleware(s.cfg.APIKey, mcpserver.NewStreamableHTTPServer(s.mcpServer))
}

// Start listens on cfg.Addr in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("mcp listen %s: %w", s.cfg.Addr, err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mcp server stopped", "error", err)
		}
	}()
	slog.Info("mcp server started", "addr", ln.Addr().String())
	return nil
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.http = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
