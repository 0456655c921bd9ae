package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/senafrakara/pubsub-functions/observability"
)

// ServiceMetadata contains metadata about the service instance
type ServiceMetadata struct {
	Name      string    `json:"name" validate:"required"`
	Version   string    `json:"version" validate:"required"`
	Instance  string    `json:"instance"`
	StartTime time.Time `json:"start_time"`
}

// Dependency represents a service dependency that can be health checked
type Dependency interface {
	Name() string
	HealthCheck(ctx context.Context) error
}

type dependency struct {
	name  string
	check func(ctx context.Context) error
}

func (d dependency) Name() string                          { return d.name }
func (d dependency) HealthCheck(ctx context.Context) error { return d.check(ctx) }

// NewDependency returns a Dependency named name that runs check
func NewDependency(name string, check func(ctx context.Context) error) Dependency {
	return dependency{name: name, check: check}
}

// ShutdownHook is a function that gets called during graceful shutdown
type ShutdownHook func(ctx context.Context) error

// Service represents the core service with lifecycle management
type Service struct {
	metadata        ServiceMetadata
	logger          observability.Logger
	health          observability.HealthChecker
	shutdownTimeout time.Duration
	signals         []os.Signal

	mu            sync.RWMutex
	dependencies  []Dependency
	shutdownHooks []ShutdownHook
	started       bool
}

// ServiceOption configures a Service
type ServiceOption func(*Service)

// WithLogger sets the service logger
func WithLogger(logger observability.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithHealthChecker sets the health checker that dependencies register with
// and readiness is reported to
func WithHealthChecker(health observability.HealthChecker) ServiceOption {
	return func(s *Service) {
		s.health = health
	}
}

// WithShutdownTimeout bounds the time shutdown hooks get in Run
func WithShutdownTimeout(timeout time.Duration) ServiceOption {
	return func(s *Service) {
		s.shutdownTimeout = timeout
	}
}

// WithSignals replaces the signals that stop Run
func WithSignals(signals ...os.Signal) ServiceOption {
	return func(s *Service) {
		s.signals = signals
	}
}

// NewService creates a new service instance with the provided metadata
func NewService(metadata ServiceMetadata, opts ...ServiceOption) *Service {
	metadata.StartTime = time.Now()

	s := &Service{
		metadata:        metadata,
		logger:          observability.NoOpLogger(),
		health:          observability.NewHealthChecker(),
		shutdownTimeout: 30 * time.Second,
		signals:         []os.Signal{syscall.SIGTERM, syscall.SIGINT},
		dependencies:    make([]Dependency, 0),
		shutdownHooks:   make([]ShutdownHook, 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Metadata returns the service metadata
func (s *Service) Metadata() ServiceMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metadata
}

// Health returns the health checker of the service
func (s *Service) Health() observability.HealthChecker {
	return s.health
}

// AddDependency registers a dependency, which also becomes a health check
func (s *Service) AddDependency(dep Dependency) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dependencies = append(s.dependencies, dep)
	s.health.AddCheck(dep.Name(), dep.HealthCheck)
}

// RegisterShutdownHook registers a function to be called during graceful
// shutdown. Hooks run in reverse registration order.
func (s *Service) RegisterShutdownHook(hook ShutdownHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdownHooks = append(s.shutdownHooks, hook)
}

// ValidateDependencies checks all registered dependencies before accepting traffic
func (s *Service) ValidateDependencies(ctx context.Context) error {
	s.mu.RLock()
	dependencies := make([]Dependency, len(s.dependencies))
	copy(dependencies, s.dependencies)
	s.mu.RUnlock()

	for _, dep := range dependencies {
		if err := dep.HealthCheck(ctx); err != nil {
			return fmt.Errorf("dependency %s health check failed: %w", dep.Name(), err)
		}
	}
	return nil
}

// Start validates dependencies and marks the service as started. Readiness
// is left to the caller, or to Run.
func (s *Service) Start(ctx context.Context) error {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()
	if started {
		return fmt.Errorf("service %s is already started", s.metadata.Name)
	}

	if err := s.ValidateDependencies(ctx); err != nil {
		return fmt.Errorf("failed to validate dependencies: %w", err)
	}

	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	s.logger.Info("Service started",
		observability.NewField("service", s.metadata.Name),
		observability.NewField("version", s.metadata.Version),
		observability.NewField("instance", s.metadata.Instance))
	return nil
}

// Shutdown marks the service not ready and runs every shutdown hook, newest
// first. All hooks run even when one fails; their errors are joined.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	hooks := make([]ShutdownHook, len(s.shutdownHooks))
	copy(hooks, s.shutdownHooks)
	s.mu.Unlock()

	s.health.SetReady(false)
	s.logger.Info("Service shutting down", observability.NewField("service", s.metadata.Name))

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i](ctx); err != nil {
			s.logger.Error("Shutdown hook failed", err)
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown hook failed: %w", errors.Join(errs...))
	}

	s.logger.Info("Service stopped", observability.NewField("service", s.metadata.Name))
	return nil
}

// Run starts the service, runs start, marks the service ready and blocks
// until ctx is cancelled or a stop signal arrives. It then shuts down within
// the shutdown timeout. A failing start shuts down what was registered so
// far.
func (s *Service) Run(ctx context.Context, start func(ctx context.Context) error) error {
	runCtx, stop := signal.NotifyContext(ctx, s.signals...)
	defer stop()

	if err := s.Start(runCtx); err != nil {
		return err
	}

	if start != nil {
		if err := start(runCtx); err != nil {
			return errors.Join(err, s.shutdown(ctx))
		}
	}

	s.health.SetReady(true)
	<-runCtx.Done()

	return s.shutdown(ctx)
}

func (s *Service) shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// IsStarted returns whether the service has been started
func (s *Service) IsStarted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}
