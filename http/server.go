package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/senafrakara/pubsub-functions/observability"
)

// Common errors
var (
	ErrServerAlreadyStarted = errors.New("server already started")
	ErrServerNotStarted     = errors.New("server not started")
)

// Server is the interface for the HTTP server
type Server interface {
	// RegisterHandler registers a handler for the given pattern. Middleware
	// registered so far wraps the handler.
	RegisterHandler(pattern string, handler http.Handler)

	// RegisterRoutes registers every route in path order
	RegisterRoutes(routes map[string]http.Handler)

	// RegisterMiddleware registers middleware applied to handlers registered
	// after it
	RegisterMiddleware(middleware Middleware)

	// Handler returns the root handler
	Handler() http.Handler

	// Start binds the listener and serves in the background
	Start(ctx context.Context) error

	// Shutdown gracefully shuts down the server
	Shutdown(ctx context.Context) error

	// Address returns the bound address once started, the configured one before
	Address() string

	// IsStarted returns whether the server is started
	IsStarted() bool
}

type server struct {
	config     ServerConfig
	logger     observability.Logger
	server     *http.Server
	listener   net.Listener
	mux        *http.ServeMux
	middleware MiddlewareChain

	mu       sync.RWMutex
	started  bool
	serveErr chan error
}

// ServerOption configures a server beyond its ServerConfig
type ServerOption func(*server)

// WithLogger sets the logger used for server lifecycle events
func WithLogger(logger observability.Logger) ServerOption {
	return func(s *server) {
		s.logger = logger
	}
}

// NewServer creates a new HTTP server with the default configuration
func NewServer(opts ...ServerOption) Server {
	return NewServerWithConfig(DefaultServerConfig(), opts...)
}

// NewServerWithConfig creates a new HTTP server with the provided configuration
func NewServerWithConfig(config ServerConfig, opts ...ServerOption) Server {
	s := &server{
		config:     config,
		logger:     observability.NoOpLogger(),
		mux:        http.NewServeMux(),
		middleware: make(MiddlewareChain, 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *server) RegisterHandler(pattern string, handler http.Handler) {
	if s.config.BasePath != "" {
		pattern = path.Join(s.config.BasePath, pattern)
	}
	s.mux.Handle(pattern, s.middleware.Apply(handler))
}

func (s *server) RegisterRoutes(routes map[string]http.Handler) {
	patterns := make([]string, 0, len(routes))
	for pattern := range routes {
		patterns = append(patterns, pattern)
	}
	sort.Strings(patterns)

	for _, pattern := range patterns {
		s.RegisterHandler(pattern, routes[pattern])
	}
}

func (s *server) RegisterMiddleware(middleware Middleware) {
	s.middleware = append(s.middleware, middleware)
}

func (s *server) Handler() http.Handler {
	return s.mux
}

func (s *server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrServerAlreadyStarted
	}

	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	listener, err := new(net.ListenConfig).Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = listener
	s.server = &http.Server{
		Handler:        s.mux,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}
	s.serveErr = make(chan error, 1)

	go func(srv *http.Server, errs chan<- error) {
		var err error
		if s.config.EnableTLS {
			err = srv.ServeTLS(listener, s.config.TLSCertFile, s.config.TLSKeyFile)
		} else {
			err = srv.Serve(listener)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped", err)
			errs <- err
		}
		close(errs)
	}(s.server, s.serveErr)

	s.started = true
	s.logger.Info("HTTP server listening", observability.NewField("address", listener.Addr().String()))
	return nil
}

func (s *server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return ErrServerNotStarted
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	err := s.server.Shutdown(shutdownCtx)
	s.started = false
	if err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	select {
	case serveErr := <-s.serveErr:
		if serveErr != nil {
			return fmt.Errorf("server error: %w", serveErr)
		}
	case <-time.After(s.config.ShutdownTimeout):
	}
	return nil
}

func (s *server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started || s.listener == nil {
		return net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	}
	return s.listener.Addr().String()
}

func (s *server) IsStarted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

// WithTLS configures the server to use TLS
func WithTLS(certFile, keyFile string) func(*ServerConfig) {
	return func(config *ServerConfig) {
		config.EnableTLS = true
		config.TLSCertFile = certFile
		config.TLSKeyFile = keyFile
	}
}

// WithPort configures the server port
func WithPort(port int) func(*ServerConfig) {
	return func(config *ServerConfig) {
		config.Port = port
	}
}

// WithHost configures the server host
func WithHost(host string) func(*ServerConfig) {
	return func(config *ServerConfig) {
		config.Host = host
	}
}

// WithBasePath configures the server base path
func WithBasePath(basePath string) func(*ServerConfig) {
	return func(config *ServerConfig) {
		config.BasePath = basePath
	}
}

// WithTimeouts configures the server timeouts
func WithTimeouts(read, write, idle, shutdown time.Duration) func(*ServerConfig) {
	return func(config *ServerConfig) {
		config.ReadTimeout = read
		config.WriteTimeout = write
		config.IdleTimeout = idle
		config.ShutdownTimeout = shutdown
	}
}

// NewServerWithOptions creates a new HTTP server with the provided options
func NewServerWithOptions(options ...func(*ServerConfig)) Server {
	config := DefaultServerConfig()
	for _, option := range options {
		option(&config)
	}
	return NewServerWithConfig(config)
}
