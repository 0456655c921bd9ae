package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/senafrakara/pubsub-functions/config"
)

const redactedValue = "xxxxx"

var showFormat string

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(nil)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid (broker %s, default topic %s)\n",
			cfg.Broker.Type, cfg.Functions.DefaultTopic)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets redacted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(nil)
		if err != nil {
			return err
		}
		return writeConfig(cmd.OutOrStdout(), redact(*cfg), showFormat)
	},
}

func init() {
	configShowCmd.Flags().StringVarP(&showFormat, "output", "o", "yaml", "output format: yaml or json")

	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func writeConfig(w io.Writer, cfg config.AppConfig, format string) error {
	switch format {
	case "yaml":
		encoder := yaml.NewEncoder(w)
		encoder.SetIndent(2)
		if err := encoder.Encode(cfg); err != nil {
			return fmt.Errorf("encoding configuration: %w", err)
		}
		return encoder.Close()
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(cfg)
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

// redact returns cfg with passwords and tracing headers masked. Broker
// sections are copied before they are changed.
func redact(cfg config.AppConfig) config.AppConfig {
	if kafka := cfg.Broker.Kafka; kafka != nil && kafka.SASLPassword != "" {
		masked := *kafka
		masked.SASLPassword = redactedValue
		cfg.Broker.Kafka = &masked
	}
	if redis := cfg.Broker.Redis; redis != nil && redis.Password != "" {
		masked := *redis
		masked.Password = redactedValue
		cfg.Broker.Redis = &masked
	}
	if rabbit := cfg.Broker.RabbitMQ; rabbit != nil {
		if uri, err := url.Parse(rabbit.URI); err == nil {
			masked := *rabbit
			masked.URI = uri.Redacted()
			cfg.Broker.RabbitMQ = &masked
		}
	}
	if nats := cfg.Broker.NATS; nats != nil {
		if uri, err := url.Parse(nats.URL); err == nil {
			masked := *nats
			masked.URL = uri.Redacted()
			cfg.Broker.NATS = &masked
		}
	}

	if len(cfg.Tracing.Headers) > 0 {
		headers := make(map[string]string, len(cfg.Tracing.Headers))
		for name := range cfg.Tracing.Headers {
			headers[name] = redactedValue
		}
		cfg.Tracing.Headers = headers
	}
	return cfg
}
