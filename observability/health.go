package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	StatusUnknown HealthStatus = "UNKNOWN"
	StatusUp      HealthStatus = "UP"
	StatusDown    HealthStatus = "DOWN"
)

// HealthConfig contains configuration for health endpoints
type HealthConfig struct {
	// Enabled determines if health endpoints are registered
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Path reports every check
	Path string `json:"path" yaml:"path" validate:"required_if=Enabled true"`

	// LivenessPath answers as long as the process serves HTTP
	LivenessPath string `json:"liveness_path" yaml:"liveness_path" validate:"required_if=Enabled true"`

	// ReadinessPath answers UP once subscribers are bound and every check passes
	ReadinessPath string `json:"readiness_path" yaml:"readiness_path" validate:"required_if=Enabled true"`

	// Timeout bounds each run of the checks
	Timeout time.Duration `json:"timeout" yaml:"timeout" validate:"min=0"`
}

// DefaultHealthConfig returns the default health configuration
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Enabled:       true,
		Path:          "/health",
		LivenessPath:  "/health/live",
		ReadinessPath: "/health/ready",
		Timeout:       5 * time.Second,
	}
}

// HealthCheck reports the health of one dependency
type HealthCheck func(ctx context.Context) error

// HealthResult is the outcome of a single check
type HealthResult struct {
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	Error     string       `json:"error,omitempty"`
}

// HealthReport is the body written by the health endpoints
type HealthReport struct {
	Status    HealthStatus            `json:"status"`
	Message   string                  `json:"message"`
	Timestamp time.Time               `json:"timestamp"`
	Checks    map[string]HealthResult `json:"checks,omitempty"`
}

// HealthChecker runs named checks and serves them over HTTP
type HealthChecker interface {
	// AddCheck adds a health check with the given name
	AddCheck(name string, check HealthCheck)

	// RemoveCheck removes a health check with the given name
	RemoveCheck(name string)

	// RunChecks runs every check concurrently
	RunChecks(ctx context.Context) map[string]HealthResult

	// SetReady marks whether the service accepts traffic
	SetReady(ready bool)

	// IsReady reports readiness and the result of every check
	IsReady(ctx context.Context) bool

	// LivenessHandler returns an HTTP handler for the liveness probe
	LivenessHandler() http.Handler

	// ReadinessHandler returns an HTTP handler for the readiness probe
	ReadinessHandler() http.Handler

	// HealthHandler returns an HTTP handler reporting every check
	HealthHandler() http.Handler

	// RegisterHandlers registers the handlers at the configured paths
	RegisterHandlers(register func(pattern string, handler http.Handler))
}

type healthChecker struct {
	config HealthConfig
	now    func() time.Time

	mu     sync.RWMutex
	checks map[string]HealthCheck
	ready  bool
}

// NewHealthChecker creates a new health checker with the default configuration
func NewHealthChecker() HealthChecker {
	return NewHealthCheckerWithConfig(DefaultHealthConfig())
}

// NewHealthCheckerWithConfig creates a new health checker
func NewHealthCheckerWithConfig(config HealthConfig) HealthChecker {
	return &healthChecker{
		config: config,
		now:    time.Now,
		checks: make(map[string]HealthCheck),
	}
}

func (h *healthChecker) AddCheck(name string, check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

func (h *healthChecker) RemoveCheck(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.checks, name)
}

func (h *healthChecker) RunChecks(ctx context.Context) map[string]HealthResult {
	if h.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.config.Timeout)
		defer cancel()
	}

	h.mu.RLock()
	checks := make(map[string]HealthCheck, len(h.checks))
	for name, check := range h.checks {
		checks[name] = check
	}
	h.mu.RUnlock()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]HealthResult, len(checks))
	)
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check HealthCheck) {
			defer wg.Done()

			result := HealthResult{Status: StatusUp, Message: "Health check passed", Timestamp: h.now()}
			if err := check(ctx); err != nil {
				result.Status = StatusDown
				result.Message = fmt.Sprintf("Health check failed: %v", err)
				result.Error = err.Error()
			}

			mu.Lock()
			results[name] = result
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()

	return results
}

func (h *healthChecker) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

func (h *healthChecker) isReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

func (h *healthChecker) IsReady(ctx context.Context) bool {
	return h.isReady() && allUp(h.RunChecks(ctx))
}

func (h *healthChecker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeReport(w, HealthReport{Status: StatusUp, Message: "Service is alive", Timestamp: h.now()})
	})
}

func (h *healthChecker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		results := h.RunChecks(r.Context())
		report := HealthReport{Status: StatusUp, Message: "Service is ready", Timestamp: h.now(), Checks: results}

		switch {
		case !h.isReady():
			report.Status = StatusDown
			report.Message = "Service is not ready to serve traffic"
		case !allUp(results):
			report.Status = StatusDown
			report.Message = "One or more dependencies are not healthy"
		}
		writeReport(w, report)
	})
}

func (h *healthChecker) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		results := h.RunChecks(r.Context())
		report := HealthReport{Status: StatusUp, Message: "All health checks passed", Timestamp: h.now(), Checks: results}

		switch {
		case len(results) == 0:
			report.Status = StatusUnknown
			report.Message = "No health checks registered"
		case !allUp(results):
			report.Status = StatusDown
			report.Message = "One or more health checks failed: " + failing(results)
		}
		writeReport(w, report)
	})
}

func (h *healthChecker) RegisterHandlers(register func(pattern string, handler http.Handler)) {
	if !h.config.Enabled {
		return
	}
	register(h.config.Path, h.HealthHandler())
	register(h.config.LivenessPath, h.LivenessHandler())
	register(h.config.ReadinessPath, h.ReadinessHandler())
}

// IsHealthPath reports whether r targets one of the health endpoints
func IsHealthPath(r *http.Request, config HealthConfig) bool {
	path := r.URL.Path
	return path == config.Path || path == config.LivenessPath || path == config.ReadinessPath
}

func allUp(results map[string]HealthResult) bool {
	for _, result := range results {
		if result.Status != StatusUp {
			return false
		}
	}
	return true
}

func failing(results map[string]HealthResult) string {
	var names []string
	for name, result := range results {
		if result.Status != StatusUp {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return fmt.Sprint(names)
}

// writeReport writes report with 200 when UP and 503 otherwise
func writeReport(w http.ResponseWriter, report HealthReport) {
	w.Header().Set("Content-Type", "application/json")
	if report.Status == StatusUp {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(report)
}
