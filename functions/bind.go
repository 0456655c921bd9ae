package functions

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/senafrakara/pubsub-functions/messaging"
	"github.com/senafrakara/pubsub-functions/observability"
)

// Config binds the functions to topics
type Config struct {
	// DefaultTopic receives publishes that name no topic and feeds the
	// three greeting subscribers
	DefaultTopic string `json:"default_topic" yaml:"default_topic" validate:"required"`

	// OrdersTopic feeds processOrder
	OrdersTopic string `json:"orders_topic" yaml:"orders_topic" validate:"required"`

	// OrderDelay is the simulated processing time per order
	OrderDelay time.Duration `json:"order_delay" yaml:"order_delay" validate:"min=0"`
}

// DefaultConfig returns the defaults. DefaultTopic has none and must be
// configured.
func DefaultConfig() Config {
	return Config{
		OrdersTopic: "orders",
		OrderDelay:  DefaultOrderDelay,
	}
}

// Subscription is a handler bound to a topic under a function name
type Subscription struct {
	Name    string
	Topic   string
	Handler messaging.Handler
}

// Subscriptions lists the four subscriber functions and their topics
func Subscriptions(config Config, greeter *Greeter, orders *OrderProcessor) []Subscription {
	return []Subscription{
		{Name: "helloPubSub", Topic: config.DefaultTopic, Handler: greeter.HelloPubSub},
		{Name: "helloPubSubJson", Topic: config.DefaultTopic, Handler: greeter.HelloPubSubJSON},
		{Name: "helloPubSubAttributes", Topic: config.DefaultTopic, Handler: greeter.HelloPubSubAttributes},
		{Name: "processOrder", Topic: config.OrdersTopic, Handler: orders.Handle},
	}
}

// Bind subscribes every subscription on broker, naming each one after its
// function so that all functions of a topic receive every message
func Bind(ctx context.Context, broker messaging.Broker, subs []Subscription) error {
	for _, sub := range subs {
		err := broker.Subscribe(ctx, sub.Topic, sub.Handler, messaging.WithSubscriberName(sub.Name))
		if err != nil {
			return fmt.Errorf("bind %s to %s: %w", sub.Name, sub.Topic, err)
		}
	}
	return nil
}

// Routes returns the publish functions keyed by path
func Routes(g *Gateway) map[string]http.Handler {
	return map[string]http.Handler{
		"/publishMessage":        http.HandlerFunc(g.HandlePublishMessage),
		"/publishJson":           http.HandlerFunc(g.HandlePublishJSON),
		"/publishWithAttributes": http.HandlerFunc(g.HandlePublishWithAttributes),
	}
}

// PushRoutes returns a push delivery endpoint per subscription, keyed by
// "/push/<name>"
func PushRoutes(subs []Subscription, logger observability.Logger, metrics observability.Metrics) map[string]http.Handler {
	routes := make(map[string]http.Handler, len(subs))
	for _, sub := range subs {
		routes["/push/"+sub.Name] = messaging.NewPushHandler(sub.Topic, sub.Handler, logger, metrics)
	}
	return routes
}
