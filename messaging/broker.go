package messaging

import (
	"context"
	"fmt"

	"github.com/senafrakara/pubsub-functions/observability"
)

// Broker publishes envelopes to topics and delivers them to subscribers
type Broker interface {
	// Publish submits env to topic once and returns the identifier the
	// backend assigned to it. No retry is attempted.
	Publish(ctx context.Context, topic string, env *Envelope) (string, error)

	// Subscribe registers handler for deliveries on topic
	Subscribe(ctx context.Context, topic string, handler Handler, opts ...SubscribeOption) error

	// Close shuts down the broker connection and cleans up resources
	Close() error
}

// Handler processes one delivered envelope. A non-nil error signals a
// processing failure to the backend.
type Handler func(ctx context.Context, env *Envelope) error

// SubscribeOption configures a single subscription
type SubscribeOption func(*subscribeOptions)

type subscribeOptions struct {
	name string
}

// WithSubscriberName names the subscriber. Backends with durable
// subscriptions derive the subscription, group or queue from topic and name,
// so each named subscriber of a topic receives every message instead of
// sharing them.
func WithSubscriberName(name string) SubscribeOption {
	return func(o *subscribeOptions) {
		o.name = name
	}
}

// subscriberKey returns "<topic>.<name>", or topic for unnamed subscribers
func subscriberKey(topic string, opts []SubscribeOption) string {
	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.name == "" {
		return topic
	}
	return topic + "." + o.name
}

// NewBroker creates a message broker based on the provided configuration
func NewBroker(
	ctx context.Context,
	config *BrokerConfig,
	logger observability.Logger,
	metrics observability.Metrics,
) (Broker, error) {
	if logger == nil {
		logger = observability.NewLogger()
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}

	switch config.Type {
	case BrokerTypeMemory:
		return NewMemoryBroker(WithMemoryLogger(logger), WithMemoryMetrics(metrics)), nil
	case BrokerTypePubSub:
		if config.PubSub == nil {
			return nil, fmt.Errorf("pubsub configuration is required for pubsub broker")
		}
		return asBroker(NewPubSubBroker(ctx, config.PubSub, logger, metrics))
	case BrokerTypeKafka:
		if config.Kafka == nil {
			return nil, fmt.Errorf("kafka configuration is required for kafka broker")
		}
		return asBroker(NewKafkaBroker(config.Kafka, logger, metrics))
	case BrokerTypeRabbitMQ:
		if config.RabbitMQ == nil {
			return nil, fmt.Errorf("rabbitmq configuration is required for rabbitmq broker")
		}
		return asBroker(NewRabbitMQBroker(config.RabbitMQ, logger, metrics))
	case BrokerTypeNATS:
		if config.NATS == nil {
			return nil, fmt.Errorf("nats configuration is required for nats broker")
		}
		return asBroker(NewNATSBroker(config.NATS, logger, metrics))
	case BrokerTypeRedis:
		if config.Redis == nil {
			return nil, fmt.Errorf("redis configuration is required for redis broker")
		}
		return asBroker(NewRedisBroker(ctx, config.Redis, logger, metrics))
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", config.Type)
	}
}

// asBroker keeps a failed constructor from returning a typed nil Broker
func asBroker[B Broker](b B, err error) (Broker, error) {
	if err != nil {
		return nil, err
	}
	return b, nil
}

// brokerMetrics records publish and consume outcomes per topic
type brokerMetrics struct {
	broker    string
	published observability.Counter
	consumed  observability.Counter
}

func newBrokerMetrics(broker string, metrics observability.Metrics) *brokerMetrics {
	return &brokerMetrics{
		broker: broker,
		published: metrics.Counter("messaging_published_total",
			"Total number of publish attempts", "broker", "topic", "status"),
		consumed: metrics.Counter("messaging_consumed_total",
			"Total number of delivered messages handled", "broker", "topic", "status"),
	}
}

func (m *brokerMetrics) publish(topic string, err error) {
	m.published.WithLabels(map[string]string{"broker": m.broker, "topic": topic, "status": status(err)}).Inc()
}

func (m *brokerMetrics) consume(topic string, err error) {
	m.consumed.WithLabels(map[string]string{"broker": m.broker, "topic": topic, "status": status(err)}).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// prepare validates a publish request and returns the wire bytes
func prepare(topic string, env *Envelope) ([]byte, error) {
	if topic == "" {
		return nil, ErrTopicRequired
	}
	return env.Data()
}
