package messaging

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"github.com/senafrakara/pubsub-functions/observability"
)

// KafkaBroker implements the Broker interface using Kafka. The envelope ID
// travels as the message key and attributes as headers.
type KafkaBroker struct {
	config  *KafkaConfig
	logger  observability.Logger
	metrics *brokerMetrics

	dialer    *kafka.Dialer
	writers   map[string]*kafka.Writer
	writersMu sync.RWMutex

	readers   []*kafka.Reader
	readersMu sync.Mutex

	closed   bool
	closedMu sync.RWMutex
	wg       sync.WaitGroup
}

// NewKafkaBroker creates a new Kafka broker
func NewKafkaBroker(
	config *KafkaConfig,
	logger observability.Logger,
	metrics observability.Metrics,
) (*KafkaBroker, error) {
	if logger == nil {
		logger = observability.NewLogger()
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker address is required")
	}

	dialer, err := createKafkaDialer(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka dialer: %w", err)
	}

	broker := &KafkaBroker{
		config:  config,
		logger:  logger.With(observability.NewField("broker", string(BrokerTypeKafka))),
		metrics: newBrokerMetrics(string(BrokerTypeKafka), metrics),
		dialer:  dialer,
		writers: make(map[string]*kafka.Writer),
	}

	if err := broker.verifyConnection(); err != nil {
		return nil, fmt.Errorf("failed to connect to Kafka: %w", err)
	}

	return broker, nil
}

// verifyConnection checks if we can connect to the first Kafka broker
func (b *KafkaBroker) verifyConnection() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := b.dialer.DialContext(ctx, "tcp", b.config.Brokers[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	b.logger.Info("Connected to Kafka",
		observability.NewField("brokers", strings.Join(b.config.Brokers, ",")),
		observability.NewField("clientID", b.config.ClientID))

	return nil
}

// createKafkaDialer creates a dialer with the configured TLS and SASL settings
func createKafkaDialer(config *KafkaConfig) (*kafka.Dialer, error) {
	dialer := &kafka.Dialer{
		ClientID:  config.ClientID,
		Timeout:   10 * time.Second,
		DualStack: true,
	}

	if config.EnableTLS || strings.HasSuffix(config.SecurityProtocol, "ssl") {
		dialer.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	if strings.HasPrefix(config.SecurityProtocol, "sasl") {
		mechanism, err := saslMechanism(config)
		if err != nil {
			return nil, err
		}
		dialer.SASLMechanism = mechanism
	}

	return dialer, nil
}

func saslMechanism(config *KafkaConfig) (sasl.Mechanism, error) {
	switch config.SASLMechanism {
	case "plain":
		return plain.Mechanism{Username: config.SASLUsername, Password: config.SASLPassword}, nil
	case "scram-sha-256":
		return scram.Mechanism(scram.SHA256, config.SASLUsername, config.SASLPassword)
	case "scram-sha-512":
		return scram.Mechanism(scram.SHA512, config.SASLUsername, config.SASLPassword)
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism: %s", config.SASLMechanism)
	}
}

// getOrCreateWriter gets an existing writer for a topic or creates a new one
func (b *KafkaBroker) getOrCreateWriter(topic string) *kafka.Writer {
	b.writersMu.RLock()
	writer, exists := b.writers[topic]
	b.writersMu.RUnlock()
	if exists {
		return writer
	}

	b.writersMu.Lock()
	defer b.writersMu.Unlock()

	if writer, exists = b.writers[topic]; exists {
		return writer
	}

	writer = &kafka.Writer{
		Addr:         kafka.TCP(b.config.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  1,
		Logger:       kafka.LoggerFunc(b.kafkaLogAdapter),
		ErrorLogger:  kafka.LoggerFunc(b.kafkaErrorLogAdapter),
		Transport: &kafka.Transport{
			Dial:     b.dialer.DialFunc,
			ClientID: b.config.ClientID,
			TLS:      b.dialer.TLS,
			SASL:     b.dialer.SASLMechanism,
		},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: b.config.WriteTimeout,
	}

	b.writers[topic] = writer
	return writer
}

// Publish writes env to topic once and returns the generated message key
func (b *KafkaBroker) Publish(ctx context.Context, topic string, env *Envelope) (string, error) {
	data, err := prepare(topic, env)
	if err != nil {
		b.metrics.publish(topic, err)
		return "", err
	}

	b.closedMu.RLock()
	closed := b.closed
	b.closedMu.RUnlock()
	if closed {
		b.metrics.publish(topic, ErrBrokerClosed)
		return "", ErrBrokerClosed
	}

	id := uuid.NewString()
	msg := kafka.Message{
		Key:     []byte(id),
		Value:   data,
		Headers: toKafkaHeaders(env.Attributes),
		Time:    time.Now(),
	}

	err = b.getOrCreateWriter(topic).WriteMessages(ctx, msg)
	b.metrics.publish(topic, err)
	if err != nil {
		return "", fmt.Errorf("kafka: failed to publish to %s: %w", topic, err)
	}
	return id, nil
}

// Subscribe starts a consumer in the group "<ConsumerGroup>-<topic>[.<name>]". The
// consumer stops when ctx is cancelled or the broker is closed.
func (b *KafkaBroker) Subscribe(ctx context.Context, topic string, handler Handler, opts ...SubscribeOption) error {
	if topic == "" {
		return ErrTopicRequired
	}

	b.closedMu.RLock()
	defer b.closedMu.RUnlock()
	if b.closed {
		return ErrBrokerClosed
	}

	groupID := fmt.Sprintf("%s-%s", b.config.ConsumerGroup, subscriberKey(topic, opts))
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     b.config.Brokers,
		GroupID:     groupID,
		Topic:       topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     time.Second,
		StartOffset: kafka.FirstOffset,
		Logger:      kafka.LoggerFunc(b.kafkaLogAdapter),
		ErrorLogger: kafka.LoggerFunc(b.kafkaErrorLogAdapter),
		Dialer:      b.dialer,
	})

	b.readersMu.Lock()
	b.readers = append(b.readers, reader)
	b.readersMu.Unlock()

	b.wg.Add(1)
	go b.consumeMessages(ctx, reader, topic, handler)

	b.logger.Info("Subscribed to Kafka topic",
		observability.NewField("topic", topic),
		observability.NewField("groupId", groupID))

	return nil
}

// consumeMessages reads, handles and commits messages until the reader is
// closed or ctx is done. Failed messages are committed as well.
func (b *KafkaBroker) consumeMessages(ctx context.Context, reader *kafka.Reader, topic string, handler Handler) {
	defer b.wg.Done()

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return
			}
			b.logger.Error("Error fetching message from Kafka", err,
				observability.NewField("topic", topic))
			time.Sleep(time.Second)
			continue
		}

		env := fromKafkaMessage(topic, msg)
		err = handler(ctx, env)
		b.metrics.consume(topic, err)
		if err != nil {
			b.logger.Error("Failed to process message", err,
				observability.NewField("topic", topic),
				observability.NewField("messageId", env.ID))
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			b.logger.Error("Failed to commit message", err,
				observability.NewField("topic", topic),
				observability.NewField("messageId", env.ID))
		}
	}
}

// Close shuts down writers and readers and waits for consumers to stop
func (b *KafkaBroker) Close() error {
	b.closedMu.Lock()
	if b.closed {
		b.closedMu.Unlock()
		return nil
	}
	b.closed = true
	b.closedMu.Unlock()

	var errs []error

	b.writersMu.Lock()
	for topic, writer := range b.writers {
		if err := writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close writer %s: %w", topic, err))
		}
	}
	b.writers = make(map[string]*kafka.Writer)
	b.writersMu.Unlock()

	b.readersMu.Lock()
	for _, reader := range b.readers {
		if err := reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close reader %s: %w", reader.Config().Topic, err))
		}
	}
	b.readers = nil
	b.readersMu.Unlock()

	waitCh := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
	case <-time.After(10 * time.Second):
		errs = append(errs, errors.New("timeout waiting for Kafka consumers to stop"))
	}

	b.logger.Info("Kafka broker closed")
	return errors.Join(errs...)
}

func fromKafkaMessage(topic string, msg kafka.Message) *Envelope {
	id := string(msg.Key)
	if id == "" {
		id = fmt.Sprintf("%d-%d", msg.Partition, msg.Offset)
	}
	return &Envelope{
		ID:          id,
		Topic:       topic,
		Body:        msg.Value,
		Attributes:  fromKafkaHeaders(msg.Headers),
		PublishTime: msg.Time,
	}
}

func toKafkaHeaders(attributes map[string]string) []kafka.Header {
	if len(attributes) == 0 {
		return nil
	}
	headers := make([]kafka.Header, 0, len(attributes))
	for k, v := range attributes {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return headers
}

func fromKafkaHeaders(headers []kafka.Header) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	result := make(map[string]string, len(headers))
	for _, h := range headers {
		result[h.Key] = string(h.Value)
	}
	return result
}

func (b *KafkaBroker) kafkaLogAdapter(msg string, args ...interface{}) {
	b.logger.Debug(fmt.Sprintf(msg, args...), observability.NewField("component", "kafka"))
}

func (b *KafkaBroker) kafkaErrorLogAdapter(msg string, args ...interface{}) {
	b.logger.Error(fmt.Sprintf(msg, args...), nil, observability.NewField("component", "kafka"))
}

// HealthCheck dials the first configured broker
func (b *KafkaBroker) HealthCheck(ctx context.Context) error {
	b.closedMu.RLock()
	closed := b.closed
	b.closedMu.RUnlock()
	if closed {
		return ErrBrokerClosed
	}

	conn, err := b.dialer.DialContext(ctx, "tcp", b.config.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka broker %s unreachable: %w", b.config.Brokers[0], err)
	}
	return conn.Close()
}
