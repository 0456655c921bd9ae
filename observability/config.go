package observability

// Config groups the configuration for logging, metrics and tracing
type Config struct {
	Logger  LoggerConfig  `json:"logger" yaml:"logger"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
}

// DefaultConfig returns the default observability configuration
func DefaultConfig() Config {
	return Config{
		Logger:  DefaultLoggerConfig(),
		Metrics: DefaultMetricsConfig(),
		Tracing: DefaultTracingConfig(),
	}
}

// Provider bundles the observability components built from a Config
type Provider struct {
	Logger  Logger
	Metrics Metrics
	Tracer  Tracer
}

// NewProvider builds the logger, metrics registry and tracer described by config
func NewProvider(config Config) (*Provider, error) {
	tracer, err := NewTracerWithConfig(config.Tracing)
	if err != nil {
		return nil, err
	}

	return &Provider{
		Logger:  NewLoggerWithConfig(config.Logger),
		Metrics: NewMetricsWithConfig(config.Metrics),
		Tracer:  tracer,
	}, nil
}
