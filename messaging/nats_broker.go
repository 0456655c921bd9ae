package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/senafrakara/pubsub-functions/observability"
)

const (
	natsMsgIDHeader   = "Nats-Msg-Id"
	natsPublishHeader = "Pubsubfn-Publish-Time"
)

// NATSBroker implements the Broker interface on core NATS subjects. NATS
// assigns no message IDs, so Publish generates one and sends it in the
// Nats-Msg-Id header.
type NATSBroker struct {
	nc      *nats.Conn
	config  *NATSConfig
	logger  observability.Logger
	metrics *brokerMetrics

	subs   []*nats.Subscription
	closed bool
	mu     sync.Mutex
}

// NewNATSBroker connects to the configured NATS server
func NewNATSBroker(
	config *NATSConfig,
	logger observability.Logger,
	metrics observability.Metrics,
) (*NATSBroker, error) {
	if logger == nil {
		logger = observability.NewLogger()
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	logger = logger.With(observability.NewField("broker", string(BrokerTypeNATS)))

	nc, err := nats.Connect(config.URL,
		nats.Name(config.Name),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", observability.NewField("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", observability.NewField("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info("Connected to NATS", observability.NewField("url", nc.ConnectedUrl()))

	return &NATSBroker{
		nc:      nc,
		config:  config,
		logger:  logger,
		metrics: newBrokerMetrics(string(BrokerTypeNATS), metrics),
	}, nil
}

// Publish sends env on the subject named topic and flushes the connection
func (b *NATSBroker) Publish(ctx context.Context, topic string, env *Envelope) (string, error) {
	data, err := prepare(topic, env)
	if err != nil {
		b.metrics.publish(topic, err)
		return "", err
	}

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		b.metrics.publish(topic, ErrBrokerClosed)
		return "", ErrBrokerClosed
	}

	id := uuid.NewString()
	msg := nats.NewMsg(topic)
	msg.Data = data
	for k, v := range env.Attributes {
		msg.Header.Set(k, v)
	}
	msg.Header.Set(natsMsgIDHeader, id)
	msg.Header.Set(natsPublishHeader, time.Now().UTC().Format(time.RFC3339Nano))

	err = b.nc.PublishMsg(msg)
	if err == nil {
		err = b.nc.FlushWithContext(ctx)
	}
	b.metrics.publish(topic, err)
	if err != nil {
		return "", fmt.Errorf("nats: failed to publish to %s: %w", topic, err)
	}
	return id, nil
}

// Subscribe listens on the subject named topic, joining QueueGroup when one
// is configured. The subscription is drained when ctx is cancelled.
func (b *NATSBroker) Subscribe(ctx context.Context, topic string, handler Handler, opts ...SubscribeOption) error {
	if topic == "" {
		return ErrTopicRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}

	cb := func(m *nats.Msg) {
		env := fromNATSMsg(topic, m)
		err := handler(ctx, env)
		b.metrics.consume(topic, err)
		if err != nil {
			b.logger.Error("Failed to process message", err,
				observability.NewField("topic", topic),
				observability.NewField("messageId", env.ID))
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if b.config.QueueGroup != "" {
		sub, err = b.nc.QueueSubscribe(topic, b.config.QueueGroup+"."+subscriberKey(topic, opts), cb)
	} else {
		sub, err = b.nc.Subscribe(topic, cb)
	}
	if err != nil {
		return fmt.Errorf("nats: failed to subscribe to %s: %w", topic, err)
	}
	b.subs = append(b.subs, sub)

	go func() {
		<-ctx.Done()
		_ = sub.Drain()
	}()

	b.logger.Info("Subscribed to NATS subject", observability.NewField("topic", topic))
	return nil
}

// Close drains the connection, letting in-flight handlers finish
func (b *NATSBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.subs = nil

	err := b.nc.Drain()
	b.logger.Info("NATS broker closed")
	return err
}

func fromNATSMsg(topic string, m *nats.Msg) *Envelope {
	env := &Envelope{Topic: topic, Body: m.Data}
	for k := range m.Header {
		switch k {
		case natsMsgIDHeader:
			env.ID = m.Header.Get(k)
		case natsPublishHeader:
			env.PublishTime, _ = time.Parse(time.RFC3339Nano, m.Header.Get(k))
		default:
			if env.Attributes == nil {
				env.Attributes = make(map[string]string, len(m.Header))
			}
			env.Attributes[k] = m.Header.Get(k)
		}
	}
	return env
}

// HealthCheck fails unless the connection is established
func (b *NATSBroker) HealthCheck(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	if status := b.nc.Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats connection is %s", status)
	}
	return nil
}
