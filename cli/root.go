package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/senafrakara/pubsub-functions/config"
	"github.com/senafrakara/pubsub-functions/observability"
)

var (
	configFile string
	flagSource *config.FlagSource
)

var rootCmd = &cobra.Command{
	Use:   "pubsubfn",
	Short: "Pub/Sub functions - publish endpoints and subscriber functions",
	Long: `pubsubfn runs three HTTP publish functions and four subscriber
functions on a message broker: Google Cloud Pub/Sub, Kafka, RabbitMQ, NATS,
Redis streams or an in-process broker.

Configuration is read from defaults, an optional file (--config), PUBSUBFN_*
environment variables and flags, each overriding the one before. Nested keys
use a double underscore in environment variables, for example
PUBSUBFN_FUNCTIONS__DEFAULT_TOPIC=your-topic-name.`,
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "configuration file (yaml, toml or json)")

	flagSource = config.NewFlagSource(config.WithFlagSet(flags))
	flagSource.AddFlag("topic", "functions.default_topic", "", "default topic of the publish and greeting functions")
	flagSource.AddFlag("orders-topic", "functions.orders_topic", "", "topic consumed by processOrder")
	flagSource.AddFlag("broker", "broker.type", "", "broker type: memory, pubsub, kafka, rabbitmq, nats or redis")
	flagSource.AddFlag("host", "http.host", "", "HTTP listen host")
	flagSource.AddFlag("port", "http.port", 0, "HTTP listen port")
	flagSource.AddFlag("log-level", "logger.level", "", "log level: debug, info, warn or error")
	flagSource.AddFlag("log-format", "logger.format", "", "log format: json or text")
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads the application configuration from every source
func loadConfig(logger observability.Logger) (*config.AppConfig, *config.DefaultManager, error) {
	return config.LoadApp(config.LoadOptions{
		File:   configFile,
		Flags:  flagSource,
		Logger: logger,
	})
}
