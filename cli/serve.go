package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/senafrakara/pubsub-functions/config"
	"github.com/senafrakara/pubsub-functions/core"
	"github.com/senafrakara/pubsub-functions/functions"
	grpclib "github.com/senafrakara/pubsub-functions/grpc"
	httplib "github.com/senafrakara/pubsub-functions/http"
	"github.com/senafrakara/pubsub-functions/messaging"
	"github.com/senafrakara/pubsub-functions/observability"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the publish functions and run the subscribers",
	Long: `Serve starts the HTTP publish functions (/publishMessage, /publishJson,
/publishWithAttributes), binds helloPubSub, helloPubSubJson and
helloPubSubAttributes to the default topic and processOrder to the orders
topic, and runs until SIGINT or SIGTERM.

Every subscriber can also be driven by push delivery at /push/<function>.
With grpc.enabled set, grpc.health.v1.Health reports the same readiness as
/health/ready on the gRPC port.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, manager, err := loadConfig(nil)
		if err != nil {
			return err
		}

		provider, err := observability.NewProvider(cfg.Observability())
		if err != nil {
			return fmt.Errorf("creating observability provider: %w", err)
		}

		app, err := newApplication(cmd.Context(), cfg, provider)
		if err != nil {
			return err
		}
		if cfg.Service.WatchConfig {
			app.watch(manager)
		}
		return app.run(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// application is the running set of functions and their infrastructure
type application struct {
	config   *config.AppConfig
	logger   observability.Logger
	provider *observability.Provider
	broker   messaging.Broker
	service  *core.Service
	server   httplib.Server
	grpc     grpclib.Server
	gateway  *functions.Gateway
	subs     []functions.Subscription
	manager  *config.DefaultManager
	reloads  observability.Counter
}

// newApplication connects the broker and builds the functions and the HTTP
// server. Nothing is bound or listening until run.
func newApplication(ctx context.Context, cfg *config.AppConfig, provider *observability.Provider) (*application, error) {
	logger := provider.Logger

	broker, err := messaging.NewBroker(ctx, &cfg.Broker, logger, provider.Metrics)
	if err != nil {
		_ = provider.Tracer.Shutdown(ctx)
		return nil, fmt.Errorf("creating %s broker: %w", cfg.Broker.Type, err)
	}

	health := observability.NewHealthCheckerWithConfig(cfg.Health)
	service := core.NewService(core.ServiceMetadata{
		Name:     cfg.Service.Name,
		Version:  cfg.Service.Version,
		Instance: cfg.Service.Instance,
	},
		core.WithLogger(logger),
		core.WithHealthChecker(health),
		core.WithShutdownTimeout(cfg.Service.ShutdownTimeout))

	service.AddDependency(core.NewDependency("broker", func(ctx context.Context) error {
		return messaging.HealthCheck(ctx, broker)
	}))
	service.RegisterShutdownHook(provider.Tracer.Shutdown)
	service.RegisterShutdownHook(func(ctx context.Context) error {
		return broker.Close()
	})

	handlerOpts := []functions.HandlerOption{
		functions.WithLogger(logger),
		functions.WithTracer(provider.Tracer),
		functions.WithMetrics(provider.Metrics),
	}
	greeter := functions.NewGreeter(handlerOpts...)
	orders := functions.NewOrderProcessor(
		functions.WithDelayDuration(cfg.Functions.OrderDelay),
		functions.WithHandlerOptions(handlerOpts...))
	subs := functions.Subscriptions(cfg.Functions, greeter, orders)

	gateway := functions.NewGateway(broker, cfg.Functions.DefaultTopic,
		functions.WithGatewayLogger(logger),
		functions.WithGatewayTracer(provider.Tracer),
		functions.WithTracePropagation(cfg.Tracing.Enabled))

	server := httplib.NewServerWithConfig(cfg.HTTP, httplib.WithLogger(logger))

	// Probes and scrapes are registered ahead of the middleware
	health.RegisterHandlers(server.RegisterHandler)
	if cfg.Metrics.Enabled {
		server.RegisterHandler(cfg.Metrics.Path, provider.Metrics.Handler())
	}

	server.RegisterMiddleware(httplib.RecoveryMiddleware(logger))
	server.RegisterMiddleware(httplib.RequestIDMiddleware())
	server.RegisterMiddleware(httplib.BodyLimitMiddleware(cfg.HTTP.MaxBodyBytes))
	server.RegisterMiddleware(observability.CombinedHTTPMiddleware(provider.Tracer, provider.Metrics, logger))
	server.RegisterRoutes(functions.Routes(gateway))
	server.RegisterRoutes(functions.PushRoutes(subs, logger, provider.Metrics))

	var grpcServer grpclib.Server
	if cfg.GRPC.Enabled {
		grpcServer = grpclib.NewServerWithConfig(cfg.GRPC, grpclib.ServerDependencies{
			Logger:  logger,
			Metrics: provider.Metrics,
			Tracer:  provider.Tracer,
			Health:  health,
		})
	}

	return &application{
		config:   cfg,
		logger:   logger,
		provider: provider,
		broker:   broker,
		service:  service,
		server:   server,
		grpc:     grpcServer,
		gateway:  gateway,
		subs:     subs,
		reloads: provider.Metrics.Counter("config_reloads_total",
			"Configuration reloads applied to the running functions", "status"),
	}, nil
}

// run serves until ctx is cancelled or a stop signal arrives
func (a *application) run(ctx context.Context) error {
	return a.service.Run(ctx, a.start)
}

// start binds the subscribers, then opens the HTTP and gRPC listeners
func (a *application) start(ctx context.Context) error {
	if err := functions.Bind(ctx, a.broker, a.subs); err != nil {
		return err
	}

	if err := a.server.Start(ctx); err != nil {
		return fmt.Errorf("starting HTTP server: %w", err)
	}
	a.service.RegisterShutdownHook(a.server.Shutdown)

	if a.grpc != nil {
		if err := a.grpc.Start(ctx); err != nil {
			return fmt.Errorf("starting gRPC server: %w", err)
		}
		a.service.RegisterShutdownHook(a.grpc.Shutdown)
	}

	if a.manager != nil {
		if err := a.manager.StartWatching(ctx, a.config); err != nil {
			return fmt.Errorf("watching configuration: %w", err)
		}
		a.service.RegisterShutdownHook(func(ctx context.Context) error {
			return a.manager.StopWatching()
		})
	}

	a.logger.Info("Functions ready",
		observability.NewField("address", a.server.Address()),
		observability.NewField("broker", string(a.config.Broker.Type)),
		observability.NewField("default_topic", a.gateway.DefaultTopic()),
		observability.NewField("orders_topic", a.config.Functions.OrdersTopic))
	return nil
}

// watch applies configuration file changes while running. Only the default
// topic of the publish functions changes live; subscriptions keep the topics
// they were bound to.
func (a *application) watch(manager *config.DefaultManager) {
	live, err := config.NewConfig(a.config)
	if err != nil {
		a.logger.Error("Configuration watching disabled", err)
		return
	}

	live.Register(config.ReloadFunc(func(c interface{}) error {
		cfg := c.(*config.AppConfig)
		if topic := cfg.Functions.DefaultTopic; topic != a.gateway.DefaultTopic() {
			a.gateway.SetDefaultTopic(topic)
			a.logger.Info("Default topic changed", observability.NewField("topic", topic))
		}
		return nil
	}))

	_ = manager.Watch(func(c interface{}) {
		status := "success"
		if err := live.Update(c); err != nil {
			status = "error"
			a.logger.Error("Failed to apply configuration", err)
		}
		a.reloads.WithLabels(map[string]string{"status": status}).Inc()
	})
	a.manager = manager
}
