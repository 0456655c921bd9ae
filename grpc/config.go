package grpc

import (
	"time"
)

// ServerConfig contains configuration for the gRPC health server
type ServerConfig struct {
	// Enabled starts the gRPC server next to the HTTP server
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Host is the host to bind to
	Host string `json:"host" yaml:"host" validate:"required_if=Enabled true"`

	// Port is the port to listen on; 0 picks a free port
	Port int `json:"port" yaml:"port" validate:"min=0,max=65535"`

	// ShutdownTimeout is the maximum duration to wait for the server to shutdown gracefully
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" validate:"min=0"`

	// HealthInterval is how often the serving status is refreshed from the health checks
	HealthInterval time.Duration `json:"health_interval" yaml:"health_interval" validate:"min=0"`

	// MaxConnectionIdle is the maximum amount of time a connection may be idle
	MaxConnectionIdle time.Duration `json:"max_connection_idle" yaml:"max_connection_idle"`

	// MaxConnectionAge is the maximum amount of time a connection may exist
	MaxConnectionAge time.Duration `json:"max_connection_age" yaml:"max_connection_age"`

	// MaxConnectionAgeGrace is an additive period after MaxConnectionAge after which the connection will be forcibly closed
	MaxConnectionAgeGrace time.Duration `json:"max_connection_age_grace" yaml:"max_connection_age_grace"`

	// KeepAlive is the time after which a keepalive ping is sent
	KeepAlive time.Duration `json:"keep_alive" yaml:"keep_alive"`

	// KeepAliveTimeout is the timeout after which a keepalive ping is considered failed
	KeepAliveTimeout time.Duration `json:"keep_alive_timeout" yaml:"keep_alive_timeout"`

	// MaxConcurrentStreams is the maximum number of concurrent streams to each client
	MaxConcurrentStreams uint32 `json:"max_concurrent_streams" yaml:"max_concurrent_streams"`

	// EnableTLS enables TLS for the server
	EnableTLS bool `json:"enable_tls" yaml:"enable_tls"`

	// TLSCertFile is the path to the TLS certificate file
	TLSCertFile string `json:"tls_cert_file" yaml:"tls_cert_file" validate:"required_if=EnableTLS true"`

	// TLSKeyFile is the path to the TLS key file
	TLSKeyFile string `json:"tls_key_file" yaml:"tls_key_file" validate:"required_if=EnableTLS true"`
}

// DefaultServerConfig returns the default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Enabled:               false,
		Host:                  "0.0.0.0",
		Port:                  9090,
		ShutdownTimeout:       30 * time.Second,
		HealthInterval:        10 * time.Second,
		MaxConnectionIdle:     15 * time.Minute,
		MaxConnectionAge:      30 * time.Minute,
		MaxConnectionAgeGrace: 5 * time.Minute,
		KeepAlive:             5 * time.Minute,
		KeepAliveTimeout:      20 * time.Second,
		MaxConcurrentStreams:  100,
	}
}
