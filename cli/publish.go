package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/senafrakara/pubsub-functions/functions"
	"github.com/senafrakara/pubsub-functions/messaging"
	"github.com/senafrakara/pubsub-functions/observability"
)

var (
	publishJSON  bool
	publishAttrs = map[string]string{}
)

var publishCmd = &cobra.Command{
	Use:   "publish <message>",
	Short: "Publish a message to the default topic",
	Long: `Publish sends one message through the same path as the HTTP publish
functions and prints their response.

  pubsubfn publish --topic your-topic-name "Alice"
  pubsubfn publish --json '{"name":"Alice"}'
  pubsubfn publish --attr origin=cli --attr priority=high "Alice"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(nil)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		logger := observability.NewLoggerWithWriter(cmd.ErrOrStderr(), cfg.Logger)

		tracer, err := observability.NewTracerWithConfig(cfg.Tracing)
		if err != nil {
			return fmt.Errorf("creating tracer: %w", err)
		}
		defer func() {
			if err := tracer.Shutdown(context.WithoutCancel(ctx)); err != nil {
				logger.Error("Tracer shutdown failed", err)
			}
		}()

		broker, err := messaging.NewBroker(ctx, &cfg.Broker, logger, observability.NoOpMetrics())
		if err != nil {
			return fmt.Errorf("creating %s broker: %w", cfg.Broker.Type, err)
		}
		defer broker.Close()

		gateway := functions.NewGateway(broker, cfg.Functions.DefaultTopic,
			functions.WithGatewayLogger(logger),
			functions.WithGatewayTracer(tracer),
			functions.WithTracePropagation(cfg.Tracing.Enabled))

		response, err := publish(ctx, gateway, args[0])
		if err != nil {
			return err
		}

		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(response)
	},
}

func init() {
	publishCmd.Flags().BoolVar(&publishJSON, "json", false, "parse the message as JSON and publish it as publishJson does")
	publishCmd.Flags().StringToStringVar(&publishAttrs, "attr", nil, "message attribute as key=value, repeatable")
	publishCmd.MarkFlagsMutuallyExclusive("json", "attr")

	rootCmd.AddCommand(publishCmd)
}

// publish picks the publish function matching the flags
func publish(ctx context.Context, gateway *functions.Gateway, message string) (interface{}, error) {
	switch {
	case publishJSON:
		var data interface{}
		if err := json.Unmarshal([]byte(message), &data); err != nil {
			return nil, fmt.Errorf("invalid JSON message: %w", err)
		}
		return gateway.PublishJSON(ctx, functions.PublishJSONRequest{Data: data})
	case len(publishAttrs) > 0:
		return gateway.PublishWithAttributes(ctx, functions.PublishWithAttributesRequest{
			Message:    message,
			Attributes: publishAttrs,
		})
	default:
		return gateway.PublishMessage(ctx, functions.PublishMessageRequest{Message: message})
	}
}
