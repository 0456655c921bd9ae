package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/senafrakara/pubsub-functions/observability"
)

// PubSubBroker implements the Broker interface on Google Cloud Pub/Sub.
// Publish returns the server-assigned message ID. Each Subscribe receives
// from the subscription "<SubscriptionPrefix><topic>[.<name>]".
type PubSubBroker struct {
	client  *pubsub.Client
	config  *PubSubConfig
	logger  observability.Logger
	metrics *brokerMetrics

	topics   map[string]*pubsub.Topic
	topicsMu sync.Mutex

	cancels []context.CancelFunc
	closed  bool
	mu      sync.Mutex
	wg      sync.WaitGroup
}

// NewPubSubBroker creates a Pub/Sub client from config and wraps it
func NewPubSubBroker(
	ctx context.Context,
	config *PubSubConfig,
	logger observability.Logger,
	metrics observability.Metrics,
) (*PubSubBroker, error) {
	client, err := pubsub.NewClient(ctx, config.ProjectID, clientOptions(config)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Pub/Sub client: %w", err)
	}
	return NewPubSubBrokerWithClient(client, config, logger, metrics), nil
}

// NewPubSubBrokerWithClient wraps an existing client. The broker owns the
// client and closes it on Close.
func NewPubSubBrokerWithClient(
	client *pubsub.Client,
	config *PubSubConfig,
	logger observability.Logger,
	metrics observability.Metrics,
) *PubSubBroker {
	if logger == nil {
		logger = observability.NewLogger()
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	return &PubSubBroker{
		client:  client,
		config:  config,
		logger:  logger.With(observability.NewField("broker", string(BrokerTypePubSub))),
		metrics: newBrokerMetrics(string(BrokerTypePubSub), metrics),
		topics:  make(map[string]*pubsub.Topic),
	}
}

func clientOptions(config *PubSubConfig) []option.ClientOption {
	var opts []option.ClientOption
	if config.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsFile))
	}
	if config.Endpoint != "" {
		opts = append(opts,
			option.WithEndpoint(config.Endpoint),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	}
	return opts
}

// topic returns the cached handle for id, creating the topic first when
// AutoCreate is set
func (b *PubSubBroker) topic(ctx context.Context, id string) (*pubsub.Topic, error) {
	b.topicsMu.Lock()
	defer b.topicsMu.Unlock()

	if t, ok := b.topics[id]; ok {
		return t, nil
	}

	t := b.client.Topic(id)
	if b.config.AutoCreate {
		exists, err := t.Exists(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to check topic %s: %w", id, err)
		}
		if !exists {
			if t, err = b.client.CreateTopic(ctx, id); err != nil {
				return nil, fmt.Errorf("failed to create topic %s: %w", id, err)
			}
		}
	}

	b.topics[id] = t
	return t, nil
}

// Publish sends env to topic and waits for the server to acknowledge it
func (b *PubSubBroker) Publish(ctx context.Context, topic string, env *Envelope) (string, error) {
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

	t, err := b.topic(ctx, topic)
	if err != nil {
		b.metrics.publish(topic, err)
		return "", err
	}

	id, err := t.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: env.Attributes,
	}).Get(ctx)
	b.metrics.publish(topic, err)
	if err != nil {
		return "", fmt.Errorf("pubsub: failed to publish to %s: %w", topic, err)
	}
	return id, nil
}

// Subscribe starts receiving from the topic's subscription in the
// background. Handled messages are acked and failed ones nacked.
func (b *PubSubBroker) Subscribe(ctx context.Context, topic string, handler Handler, opts ...SubscribeOption) error {
	if topic == "" {
		return ErrTopicRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}

	sub, err := b.subscription(ctx, topic, b.config.SubscriptionPrefix+subscriberKey(topic, opts))
	if err != nil {
		return err
	}
	if b.config.MaxOutstandingMessages > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = b.config.MaxOutstandingMessages
	}

	receiveCtx, cancel := context.WithCancel(ctx)
	b.cancels = append(b.cancels, cancel)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		err := sub.Receive(receiveCtx, func(ctx context.Context, m *pubsub.Message) {
			env := &Envelope{
				ID:          m.ID,
				Topic:       topic,
				Body:        m.Data,
				Attributes:  m.Attributes,
				PublishTime: m.PublishTime,
			}

			err := handler(ctx, env)
			b.metrics.consume(topic, err)
			if err != nil {
				b.logger.Error("Failed to process message", err,
					observability.NewField("topic", topic),
					observability.NewField("messageId", m.ID))
				m.Nack()
				return
			}
			m.Ack()
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Error("Pub/Sub receive stopped", err,
				observability.NewField("topic", topic),
				observability.NewField("subscription", sub.ID()))
		}
	}()

	b.logger.Info("Subscribed to Pub/Sub topic",
		observability.NewField("topic", topic),
		observability.NewField("subscription", sub.ID()))
	return nil
}

func (b *PubSubBroker) subscription(ctx context.Context, topic, id string) (*pubsub.Subscription, error) {
	sub := b.client.Subscription(id)
	if !b.config.AutoCreate {
		return sub, nil
	}

	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check subscription %s: %w", id, err)
	}
	if exists {
		return sub, nil
	}

	t, err := b.topic(ctx, topic)
	if err != nil {
		return nil, err
	}
	sub, err = b.client.CreateSubscription(ctx, id, pubsub.SubscriptionConfig{Topic: t})
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription %s: %w", id, err)
	}
	return sub, nil
}

// Close stops all receivers, flushes pending publishes and closes the client
func (b *PubSubBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, cancel := range b.cancels {
		cancel()
	}
	b.cancels = nil
	b.mu.Unlock()

	b.wg.Wait()

	b.topicsMu.Lock()
	for _, t := range b.topics {
		t.Stop()
	}
	b.topics = make(map[string]*pubsub.Topic)
	b.topicsMu.Unlock()

	b.logger.Info("Pub/Sub broker closed")
	return b.client.Close()
}

// HealthCheck fails once the broker is closed. The client reconnects on its
// own, so an open broker is reported healthy.
func (b *PubSubBroker) HealthCheck(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	return nil
}
