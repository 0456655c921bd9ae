package config

import (
	"fmt"
	"os"
	"time"

	"github.com/senafrakara/pubsub-functions/functions"
	grpclib "github.com/senafrakara/pubsub-functions/grpc"
	httplib "github.com/senafrakara/pubsub-functions/http"
	"github.com/senafrakara/pubsub-functions/messaging"
	"github.com/senafrakara/pubsub-functions/observability"
)

// EnvPrefix prefixes every environment variable read by LoadApp
const EnvPrefix = "PUBSUBFN"

// ServiceConfig identifies the running instance
type ServiceConfig struct {
	Name     string `json:"name" yaml:"name" validate:"required"`
	Version  string `json:"version" yaml:"version" validate:"required"`
	Instance string `json:"instance" yaml:"instance"`

	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" validate:"min=0"`

	// WatchConfig reloads the configuration file when it changes
	WatchConfig bool `json:"watch_config" yaml:"watch_config"`
}

// AppConfig is the complete configuration of the pubsubfn service
type AppConfig struct {
	Service   ServiceConfig               `json:"service" yaml:"service"`
	Logger    observability.LoggerConfig  `json:"logger" yaml:"logger"`
	Metrics   observability.MetricsConfig `json:"metrics" yaml:"metrics"`
	Tracing   observability.TracingConfig `json:"tracing" yaml:"tracing"`
	Health    observability.HealthConfig  `json:"health" yaml:"health"`
	HTTP      httplib.ServerConfig        `json:"http" yaml:"http"`
	GRPC      grpclib.ServerConfig        `json:"grpc" yaml:"grpc"`
	Broker    messaging.BrokerConfig      `json:"broker" yaml:"broker"`
	Functions functions.Config            `json:"functions" yaml:"functions"`
}

// DefaultAppConfig returns the defaults. functions.default_topic has none.
func DefaultAppConfig() AppConfig {
	hostname, _ := os.Hostname()

	return AppConfig{
		Service: ServiceConfig{
			Name:            "pubsubfn",
			Version:         "1.0.0",
			Instance:        hostname,
			ShutdownTimeout: 30 * time.Second,
		},
		Logger:    observability.DefaultLoggerConfig(),
		Metrics:   observability.DefaultMetricsConfig(),
		Tracing:   observability.DefaultTracingConfig(),
		Health:    observability.DefaultHealthConfig(),
		HTTP:      httplib.DefaultServerConfig(),
		GRPC:      grpclib.DefaultServerConfig(),
		Broker:    *messaging.DefaultBrokerConfig(),
		Functions: functions.DefaultConfig(),
	}
}

// SetDefaults resets c to DefaultAppConfig
func (c *AppConfig) SetDefaults() {
	*c = DefaultAppConfig()
}

// Normalize fills the service identity into the logger and tracer
func (c *AppConfig) Normalize() {
	if c.Logger.ServiceName == "" {
		c.Logger.ServiceName = c.Service.Name
	}
	if c.Logger.ServiceVersion == "" {
		c.Logger.ServiceVersion = c.Service.Version
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = c.Service.Name
	}
	if c.Tracing.ServiceVersion == "" {
		c.Tracing.ServiceVersion = c.Service.Version
	}
}

// Observability returns the logging, metrics and tracing sections
func (c *AppConfig) Observability() observability.Config {
	return observability.Config{
		Logger:  c.Logger,
		Metrics: c.Metrics,
		Tracing: c.Tracing,
	}
}

// LoadOptions selects the sources LoadApp reads
type LoadOptions struct {
	// File is a YAML, TOML or JSON file; empty skips the file source
	File string

	// Flags are command line overrides, highest priority
	Flags *FlagSource

	Logger observability.Logger
}

// LoadApp loads an AppConfig from defaults, the file, PUBSUBFN_*
// environment variables and flags, in increasing priority. The returned
// manager can watch the file for changes.
func LoadApp(opts LoadOptions) (*AppConfig, *DefaultManager, error) {
	if opts.Logger == nil {
		opts.Logger = observability.NoOpLogger()
	}

	managerOpts := []ManagerOption{
		WithManagerLogger(opts.Logger),
		WithSource(NewEnvSource(EnvPrefix)),
	}
	if opts.File != "" {
		if _, err := os.Stat(opts.File); err != nil {
			return nil, nil, fmt.Errorf("configuration file %s: %w", opts.File, err)
		}
		managerOpts = append(managerOpts, WithSource(NewFileSource(opts.File, "",
			WithWatcher(true), WithFileLogger(opts.Logger))))
	}
	if opts.Flags != nil {
		managerOpts = append(managerOpts, WithSource(opts.Flags))
	}

	manager := NewManager(managerOpts...)

	cfg := DefaultAppConfig()
	if err := manager.Load(&cfg); err != nil {
		return nil, nil, err
	}
	return &cfg, manager, nil
}
