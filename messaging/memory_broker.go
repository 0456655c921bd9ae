package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/senafrakara/pubsub-functions/observability"
)

// MemoryBroker is an in-memory implementation of the Broker interface
// primarily used for testing and local runs. Deliveries happen synchronously
// inside Publish, one subscriber after another.
type MemoryBroker struct {
	subscribers map[string][]Handler
	mu          sync.RWMutex
	closed      bool

	logger  observability.Logger
	metrics *brokerMetrics
	now     func() time.Time
}

// MemoryOption configures a MemoryBroker
type MemoryOption func(*MemoryBroker)

// WithMemoryLogger sets the logger used to report handler failures
func WithMemoryLogger(logger observability.Logger) MemoryOption {
	return func(b *MemoryBroker) {
		b.logger = logger
	}
}

// WithMemoryMetrics sets the metrics registry
func WithMemoryMetrics(metrics observability.Metrics) MemoryOption {
	return func(b *MemoryBroker) {
		b.metrics = newBrokerMetrics(string(BrokerTypeMemory), metrics)
	}
}

// WithMemoryClock sets the clock used for publish timestamps
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(b *MemoryBroker) {
		b.now = now
	}
}

// NewMemoryBroker creates a new in-memory message broker
func NewMemoryBroker(opts ...MemoryOption) *MemoryBroker {
	b := &MemoryBroker{
		subscribers: make(map[string][]Handler),
		logger:      observability.NoOpLogger(),
		metrics:     newBrokerMetrics(string(BrokerTypeMemory), observability.NoOpMetrics()),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish assigns an identifier and delivers a copy of env, in wire form, to
// every subscriber of topic. Handler errors are logged and do not fail the
// publish.
func (b *MemoryBroker) Publish(ctx context.Context, topic string, env *Envelope) (string, error) {
	data, err := prepare(topic, env)
	if err != nil {
		b.metrics.publish(topic, err)
		return "", err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		b.metrics.publish(topic, ErrBrokerClosed)
		return "", ErrBrokerClosed
	}
	handlers := append([]Handler(nil), b.subscribers[topic]...)
	b.mu.RUnlock()

	id := uuid.NewString()
	b.metrics.publish(topic, nil)

	delivered := &Envelope{
		ID:          id,
		Topic:       topic,
		Body:        data,
		Attributes:  env.Attributes,
		PublishTime: b.now(),
	}

	for _, handler := range handlers {
		err := handler(ctx, delivered.Clone())
		b.metrics.consume(topic, err)
		if err != nil {
			b.logger.Error("Failed to process message", err,
				observability.NewField("topic", topic),
				observability.NewField("messageId", id))
		}
	}

	return id, nil
}

// Subscribe registers a handler function for the specified topic
func (b *MemoryBroker) Subscribe(ctx context.Context, topic string, handler Handler, _ ...SubscribeOption) error {
	if topic == "" {
		return ErrTopicRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}

	b.subscribers[topic] = append(b.subscribers[topic], handler)
	return nil
}

// Close prevents further publishing and drops all subscriptions
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.subscribers = make(map[string][]Handler)
	return nil
}

// HealthCheck fails once the broker is closed
func (b *MemoryBroker) HealthCheck(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBrokerClosed
	}
	return nil
}
