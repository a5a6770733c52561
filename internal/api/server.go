package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/fingerprint-core/internal/capability"
	"github.com/nerrad567/fingerprint-core/internal/infrastructure/config"
	"github.com/nerrad567/fingerprint-core/internal/infrastructure/logging"
	"github.com/nerrad567/fingerprint-core/internal/journal"
	"github.com/nerrad567/fingerprint-core/internal/session"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Controller is the session surface the API drives. *session.Session
// satisfies it.
type Controller interface {
	Invoke(ctx context.Context, name string, args []any) (session.Ack, error)
	Abort(ctx context.Context) error
	Snapshot() session.DeviceState
	Stats() session.Stats
	Commands() *session.Table
}

// History reads the command journal. *journal.Journal satisfies it.
type History interface {
	Commands(ctx context.Context, limit int) ([]journal.CommandEntry, error)
	States(ctx context.Context, limit int) ([]journal.StateEntry, error)
}

// HealthChecker is a component reported by GET /health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	WS      config.WebSocketConfig
	Module  config.ModuleConfig
	Mode    string
	Version string
	Logger  *logging.Logger

	Session Controller
	Nodes   *capability.Store

	// History is optional; without it the history endpoints answer 503.
	History History

	// Checks are run concurrently by GET /health.
	Checks map[string]HealthChecker

	// Metrics adds backend specific counters to GET /metrics. Optional.
	Metrics func() map[string]any

	// Hub is created by New when nil. Pass one in to register it as a
	// session observer before the session exists.
	Hub *Hub
}

// Server is the HTTP API server of a Fingerprint module.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	module    config.ModuleConfig
	mode      string
	version   string
	logger    *logging.Logger
	session   Controller
	nodes     *capability.Store
	history   History
	checks    map[string]HealthChecker
	metrics   func() map[string]any
	hub       *Hub
	startTime time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
}

// New creates a new API server with the given dependencies.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Session == nil {
		return nil, fmt.Errorf("session is required")
	}
	if deps.Nodes == nil {
		deps.Nodes = &capability.Store{}
	}
	if deps.Hub == nil {
		deps.Hub = NewHub(deps.WS, deps.Logger)
	}

	return &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		module:    deps.Module,
		mode:      deps.Mode,
		version:   deps.Version,
		logger:    deps.Logger,
		session:   deps.Session,
		nodes:     deps.Nodes,
		history:   deps.History,
		checks:    deps.Checks,
		metrics:   deps.Metrics,
		hub:       deps.Hub,
		startTime: time.Now(),
	}, nil
}

// Hub returns the WebSocket hub. Register it as a session observer.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start listens on the configured address and serves in the background.
//
// Returns:
//   - error: If the listener cannot be created (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	srvCtx, cancel := context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	server := &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	s.mu.Lock()
	s.server, s.listener, s.cancel = server, ln, cancel
	s.mu.Unlock()

	s.logger.Info("API server listening", "address", ln.Addr().String())
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	s.mu.Lock()
	server, cancel := s.server, s.cancel
	s.mu.Unlock()
	if server == nil {
		return nil
	}

	if cancel != nil {
		cancel()
	}

	ctx, stop := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer stop()

	s.logger.Info("API server shutting down")
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
