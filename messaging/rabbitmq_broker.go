package messaging

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/senafrakara/pubsub-functions/observability"
)

// RabbitMQBroker implements the Broker interface on a RabbitMQ topic
// exchange. The routing key is the topic name.
type RabbitMQBroker struct {
	config     *RabbitMQConfig
	connection *amqp.Connection
	channel    *amqp.Channel
	logger     observability.Logger
	metrics    *brokerMetrics

	connMu       sync.Mutex
	reconnecting bool
	closed       bool

	subscribers   []subscription
	subscribersMu sync.RWMutex

	connCloseChan chan *amqp.Error
	chanCloseChan chan *amqp.Error
}

type subscription struct {
	ctx     context.Context
	topic   string
	queue   string
	handler Handler
}

// NewRabbitMQBroker creates a new RabbitMQ broker
func NewRabbitMQBroker(
	config *RabbitMQConfig,
	logger observability.Logger,
	metrics observability.Metrics,
) (*RabbitMQBroker, error) {
	if logger == nil {
		logger = observability.NewLogger()
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}

	broker := &RabbitMQBroker{
		config:  config,
		logger:  logger.With(observability.NewField("broker", string(BrokerTypeRabbitMQ))),
		metrics: newBrokerMetrics(string(BrokerTypeRabbitMQ), metrics),
	}

	if err := broker.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	return broker, nil
}

// connect dials RabbitMQ, opens a channel and declares the topic exchange
func (b *RabbitMQBroker) connect() error {
	b.connMu.Lock()
	defer b.connMu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}

	if b.connection != nil {
		_ = b.connection.Close()
		b.connection = nil
	}

	conn, err := amqp.DialConfig(b.config.URI, amqp.Config{
		Dial: amqp.DefaultDial(b.config.ConnectionTimeout),
	})
	if err != nil {
		return err
	}
	b.connection = conn

	b.channel, err = b.connection.Channel()
	if err != nil {
		return fmt.Errorf("failed to create channel: %w", err)
	}

	err = b.channel.ExchangeDeclare(
		b.config.ExchangeName, // name
		amqp.ExchangeTopic,    // type
		b.config.QueueDurable, // durable
		false,                 // auto-deleted
		false,                 // internal
		false,                 // no-wait
		nil,                   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	b.connCloseChan = b.connection.NotifyClose(make(chan *amqp.Error, 1))
	b.chanCloseChan = b.channel.NotifyClose(make(chan *amqp.Error, 1))
	go b.handleReconnection(b.connCloseChan, b.chanCloseChan)

	if err := b.resubscribeAll(); err != nil {
		b.logger.Error("Failed to resubscribe all handlers", err)
	}

	b.logger.Info("Connected to RabbitMQ",
		observability.NewField("uri", maskURI(b.config.URI)),
		observability.NewField("exchange", b.config.ExchangeName))

	return nil
}

// handleReconnection waits for the connection or channel to drop and then
// reconnects. A nil error means the close was requested.
func (b *RabbitMQBroker) handleReconnection(connClose, chanClose chan *amqp.Error) {
	var amqpErr *amqp.Error
	select {
	case amqpErr = <-connClose:
	case amqpErr = <-chanClose:
	}
	if amqpErr == nil || b.isClosed() {
		return
	}

	b.logger.Error("RabbitMQ connection lost", amqpErr, observability.NewField("will_retry", true))
	b.reconnect()
}

func (b *RabbitMQBroker) isClosed() bool {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	return b.closed
}

// reconnect retries connect every ReconnectDelay until it succeeds, the
// broker is closed or MaxReconnectAttempts is reached
func (b *RabbitMQBroker) reconnect() {
	b.connMu.Lock()
	if b.reconnecting || b.closed {
		b.connMu.Unlock()
		return
	}
	b.reconnecting = true
	b.connMu.Unlock()

	defer func() {
		b.connMu.Lock()
		b.reconnecting = false
		b.connMu.Unlock()
	}()

	for attempts := 1; ; attempts++ {
		if b.isClosed() {
			return
		}
		if b.config.MaxReconnectAttempts > 0 && attempts > b.config.MaxReconnectAttempts {
			b.logger.Error("Max reconnection attempts reached",
				fmt.Errorf("failed after %d attempts", attempts-1))
			return
		}

		if err := b.connect(); err != nil {
			b.logger.Error("Failed to reconnect", err, observability.NewField("attempt", attempts))
			time.Sleep(b.config.ReconnectDelay)
			continue
		}

		b.logger.Info("Successfully reconnected to RabbitMQ", observability.NewField("attempt", attempts))
		return
	}
}

// resubscribeAll reestablishes all subscriptions; the caller holds connMu
func (b *RabbitMQBroker) resubscribeAll() error {
	b.subscribersMu.RLock()
	defer b.subscribersMu.RUnlock()

	for _, sub := range b.subscribers {
		if sub.ctx.Err() != nil {
			continue
		}
		if err := b.setupSubscription(sub); err != nil {
			return err
		}
	}
	return nil
}

// setupSubscription declares the queue, binds it and starts consuming
func (b *RabbitMQBroker) setupSubscription(sub subscription) error {
	queue, err := b.channel.QueueDeclare(
		sub.queue,             // name
		b.config.QueueDurable, // durable
		false,                 // delete when unused
		false,                 // exclusive
		false,                 // no-wait
		nil,                   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	err = b.channel.QueueBind(queue.Name, sub.topic, b.config.ExchangeName, false, nil)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	deliveries, err := b.channel.ConsumeWithContext(
		sub.ctx,
		queue.Name, // queue
		"",         // consumer
		false,      // auto-ack
		false,      // exclusive
		false,      // no-local
		false,      // no-wait
		nil,        // args
	)
	if err != nil {
		return fmt.Errorf("failed to consume from queue: %w", err)
	}

	go b.handleDeliveries(sub, deliveries)
	return nil
}

// handleDeliveries acks handled deliveries and requeues failed ones
func (b *RabbitMQBroker) handleDeliveries(sub subscription, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		env := &Envelope{
			ID:          d.MessageId,
			Topic:       sub.topic,
			Body:        d.Body,
			Attributes:  fromAMQPHeaders(d.Headers),
			PublishTime: d.Timestamp,
		}

		err := sub.handler(sub.ctx, env)
		b.metrics.consume(sub.topic, err)

		if err != nil {
			b.logger.Error("Failed to process message", err,
				observability.NewField("messageId", env.ID),
				observability.NewField("topic", sub.topic))
			if err := d.Nack(false, true); err != nil {
				b.logger.Error("Failed to nack message", err, observability.NewField("messageId", env.ID))
			}
			continue
		}

		if err := d.Ack(false); err != nil {
			b.logger.Error("Failed to ack message", err, observability.NewField("messageId", env.ID))
		}
	}
}

// Publish sends env to the exchange with routing key topic
func (b *RabbitMQBroker) Publish(ctx context.Context, topic string, env *Envelope) (string, error) {
	data, err := prepare(topic, env)
	if err != nil {
		b.metrics.publish(topic, err)
		return "", err
	}

	b.connMu.Lock()
	if b.closed {
		b.connMu.Unlock()
		b.metrics.publish(topic, ErrBrokerClosed)
		return "", ErrBrokerClosed
	}
	channel := b.channel
	b.connMu.Unlock()

	if channel == nil {
		err := fmt.Errorf("not connected to RabbitMQ")
		b.metrics.publish(topic, err)
		return "", err
	}

	id := uuid.NewString()
	contentType := "application/octet-stream"
	if env.Body == nil {
		contentType = "application/json"
	}

	err = channel.PublishWithContext(ctx, b.config.ExchangeName, topic, false, false, amqp.Publishing{
		MessageId:    id,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		ContentType:  contentType,
		Body:         data,
		Headers:      toAMQPHeaders(env.Attributes),
	})
	b.metrics.publish(topic, err)
	if err != nil {
		return "", fmt.Errorf("failed to publish message: %w", err)
	}
	return id, nil
}

// Subscribe consumes from the queue "<QueuePrefix><topic>[.<name>]" bound to topic
func (b *RabbitMQBroker) Subscribe(ctx context.Context, topic string, handler Handler, opts ...SubscribeOption) error {
	if topic == "" {
		return ErrTopicRequired
	}

	b.connMu.Lock()
	defer b.connMu.Unlock()

	if b.closed {
		return ErrBrokerClosed
	}
	if b.channel == nil {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	sub := subscription{
		ctx:     ctx,
		topic:   topic,
		queue:   b.config.QueuePrefix + subscriberKey(topic, opts),
		handler: handler,
	}
	if err := b.setupSubscription(sub); err != nil {
		return err
	}

	b.subscribersMu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.subscribersMu.Unlock()

	b.logger.Info("Subscribed to RabbitMQ topic",
		observability.NewField("topic", topic),
		observability.NewField("queue", sub.queue))
	return nil
}

// Close shuts down the broker connection and cleans up resources
func (b *RabbitMQBroker) Close() error {
	b.connMu.Lock()
	defer b.connMu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if b.channel != nil {
		_ = b.channel.Close()
		b.channel = nil
	}

	var err error
	if b.connection != nil {
		err = b.connection.Close()
		b.connection = nil
	}

	b.logger.Info("RabbitMQ broker closed")
	return err
}

func toAMQPHeaders(attributes map[string]string) amqp.Table {
	if len(attributes) == 0 {
		return nil
	}
	table := make(amqp.Table, len(attributes))
	for k, v := range attributes {
		table[k] = v
	}
	return table
}

func fromAMQPHeaders(headers amqp.Table) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	result := make(map[string]string, len(headers))
	for k, v := range headers {
		if str, ok := v.(string); ok {
			result[k] = str
		} else {
			result[k] = fmt.Sprintf("%v", v)
		}
	}
	return result
}

// maskURI hides the password component of an AMQP URI
func maskURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.User == nil {
		return uri
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

// HealthCheck fails while the connection is down, including during
// reconnection
func (b *RabbitMQBroker) HealthCheck(ctx context.Context) error {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	if b.connection == nil || b.connection.IsClosed() || b.channel == nil || b.channel.IsClosed() {
		return fmt.Errorf("rabbitmq connection is not open")
	}
	return nil
}
