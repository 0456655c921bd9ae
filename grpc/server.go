package grpc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/senafrakara/pubsub-functions/observability"
)

// Common errors
var (
	ErrServerAlreadyStarted = errors.New("server already started")
	ErrServerNotStarted     = errors.New("server not started")
)

// Server is the gRPC server. It serves grpc.health.v1.Health, whose status
// follows the health checker: the overall service ("") is SERVING while the
// checker reports ready, and every registered check is a service of its own
// name.
type Server interface {
	// Start binds the listener and serves in the background
	Start(ctx context.Context) error

	// Shutdown marks every service NOT_SERVING and stops gracefully
	Shutdown(ctx context.Context) error

	// Address returns the bound address once started, the configured one before
	Address() string

	// IsStarted returns whether the server is started
	IsStarted() bool
}

// ServerDependencies contains the dependencies for the gRPC server
type ServerDependencies struct {
	Logger  observability.Logger
	Metrics observability.Metrics
	Tracer  observability.Tracer

	// Health drives the serving status; nil leaves the server SERVING
	Health observability.HealthChecker
}

// server implements the Server interface
type server struct {
	config   ServerConfig
	deps     ServerDependencies
	server   *grpc.Server
	health   *health.Server
	listener net.Listener

	mu          sync.RWMutex
	started     bool
	stopSync    context.CancelFunc
	syncDone    chan struct{}
	shutdownErr error
}

// NewServer creates a new gRPC server with the default configuration
func NewServer(deps ServerDependencies) Server {
	return NewServerWithConfig(DefaultServerConfig(), deps)
}

// NewServerWithConfig creates a new gRPC server with the provided configuration
func NewServerWithConfig(config ServerConfig, deps ServerDependencies) Server {
	if deps.Logger == nil {
		deps.Logger = observability.NoOpLogger()
	}
	return &server{
		config: config,
		deps:   deps,
	}
}

func (s *server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrServerAlreadyStarted
	}

	opts, err := s.createServerOptions()
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	listener, err := new(net.ListenConfig).Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.server = grpc.NewServer(opts...)
	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.server, s.health)

	// Register reflection service for grpcurl and other tools
	reflection.Register(s.server)

	s.listener = listener
	s.shutdownErr = nil
	s.updateHealth(ctx)

	syncCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.stopSync = cancel
	s.syncDone = make(chan struct{})
	go s.syncHealth(syncCtx, s.syncDone)

	s.deps.Logger.Info("Starting gRPC server",
		observability.NewField("address", listener.Addr().String()),
		observability.NewField("tls_enabled", s.config.EnableTLS))

	grpcServer := s.server
	go func() {
		err := grpcServer.Serve(listener)
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.mu.Lock()
			s.shutdownErr = err
			s.mu.Unlock()
			s.deps.Logger.Error("gRPC server error", err)
		}
	}()

	s.started = true
	return nil
}

// createServerOptions creates the gRPC server options
func (s *server) createServerOptions() ([]grpc.ServerOption, error) {
	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     s.config.MaxConnectionIdle,
			MaxConnectionAge:      s.config.MaxConnectionAge,
			MaxConnectionAgeGrace: s.config.MaxConnectionAgeGrace,
			Time:                  s.config.KeepAlive,
			Timeout:               s.config.KeepAliveTimeout,
		}),
	}
	if s.config.MaxConcurrentStreams > 0 {
		opts = append(opts, grpc.MaxConcurrentStreams(s.config.MaxConcurrentStreams))
	}

	if s.config.EnableTLS {
		cert, err := tls.LoadX509KeyPair(s.config.TLSCertFile, s.config.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificates: %w", err)
		}
		opts = append(opts, grpc.Creds(credentials.NewServerTLSFromCert(&cert)))
	}

	tracer := s.deps.Tracer
	if tracer == nil {
		tracer = observability.NewTracer()
	}
	metrics := s.deps.Metrics
	if metrics == nil {
		metrics = observability.NoOpMetrics()
	}

	opts = append(opts,
		grpc.ChainUnaryInterceptor(CombinedObservabilityUnaryServerInterceptor(tracer, metrics, s.deps.Logger)),
		grpc.ChainStreamInterceptor(CombinedObservabilityStreamServerInterceptor(tracer, metrics, s.deps.Logger)))
	return opts, nil
}

// syncHealth refreshes the serving status every HealthInterval until ctx is done
func (s *server) syncHealth(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	if s.deps.Health == nil || s.config.HealthInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.config.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateHealth(ctx)
		}
	}
}

// updateHealth copies the health checker state into the health service
func (s *server) updateHealth(ctx context.Context) {
	if s.deps.Health == nil {
		s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		return
	}

	ready := s.deps.Health.IsReady(ctx)
	for name, result := range s.deps.Health.RunChecks(ctx) {
		s.health.SetServingStatus(name, servingStatus(result.Status == observability.StatusUp))
	}
	s.health.SetServingStatus("", servingStatus(ready))
}

func servingStatus(up bool) healthpb.HealthCheckResponse_ServingStatus {
	if up {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

func (s *server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return ErrServerNotStarted
	}
	s.started = false
	grpcServer, healthServer := s.server, s.health
	stopSync, syncDone := s.stopSync, s.syncDone
	s.mu.Unlock()

	s.deps.Logger.Info("Shutting down gRPC server",
		observability.NewField("address", s.listener.Addr().String()),
		observability.NewField("timeout", s.config.ShutdownTimeout.String()))

	stopSync()
	<-syncDone
	healthServer.Shutdown()

	shutdownCtx := ctx
	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		// Open Watch streams keep GracefulStop waiting
		grpcServer.Stop()
		return fmt.Errorf("server shutdown timed out: %w", shutdownCtx.Err())
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.shutdownErr != nil {
		return fmt.Errorf("server error: %w", s.shutdownErr)
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
