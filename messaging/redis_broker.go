package messaging

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/senafrakara/pubsub-functions/observability"
)

const (
	redisFieldData        = "data"
	redisFieldPublishedAt = "published_at"
	redisAttrPrefix       = "attr:"
)

// RedisBroker implements the Broker interface on Redis Streams. Each topic
// is a stream; each subscriber reads through its own consumer group, and
// the stream entry ID is the message ID.
type RedisBroker struct {
	client  redis.UniversalClient
	config  *RedisConfig
	logger  observability.Logger
	metrics *brokerMetrics

	cancels []context.CancelFunc
	closed  bool
	mu      sync.Mutex
	wg      sync.WaitGroup
}

// NewRedisBroker connects to Redis and verifies the connection with PING
func NewRedisBroker(
	ctx context.Context,
	config *RedisConfig,
	logger observability.Logger,
	metrics observability.Metrics,
) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Username: config.Username,
		Password: config.Password,
		DB:       config.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisBrokerWithClient(client, config, logger, metrics), nil
}

// NewRedisBrokerWithClient wraps an existing client. The broker owns the
// client and closes it on Close.
func NewRedisBrokerWithClient(
	client redis.UniversalClient,
	config *RedisConfig,
	logger observability.Logger,
	metrics observability.Metrics,
) *RedisBroker {
	if logger == nil {
		logger = observability.NewLogger()
	}
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	return &RedisBroker{
		client:  client,
		config:  config,
		logger:  logger.With(observability.NewField("broker", string(BrokerTypeRedis))),
		metrics: newBrokerMetrics(string(BrokerTypeRedis), metrics),
	}
}

// Publish appends env to the stream named topic with XADD
func (b *RedisBroker) Publish(ctx context.Context, topic string, env *Envelope) (string, error) {
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

	args := &redis.XAddArgs{
		Stream: topic,
		ID:     "*",
		Values: encodeStreamValues(data, env.Attributes, time.Now()),
	}
	if b.config.MaxLenApprox > 0 {
		args.MaxLen = b.config.MaxLenApprox
		args.Approx = true
	}

	id, err := b.client.XAdd(ctx, args).Result()
	b.metrics.publish(topic, err)
	if err != nil {
		return "", fmt.Errorf("redis: failed to publish to %s: %w", topic, err)
	}
	return id, nil
}

// Subscribe creates the consumer group "<Group>:<topic>[.<name>]" if needed
// and polls it in the background. Handled entries are acknowledged; failed
// ones stay pending.
func (b *RedisBroker) Subscribe(ctx context.Context, topic string, handler Handler, opts ...SubscribeOption) error {
	if topic == "" {
		return ErrTopicRequired
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}

	group := b.config.Group + ":" + subscriberKey(topic, opts)
	err := b.client.XGroupCreateMkStream(ctx, topic, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("redis: failed to create group %s: %w", group, err)
	}

	pollCtx, cancel := context.WithCancel(ctx)
	b.cancels = append(b.cancels, cancel)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.poll(pollCtx, topic, group, handler)
	}()

	b.logger.Info("Subscribed to Redis stream",
		observability.NewField("topic", topic),
		observability.NewField("group", group))
	return nil
}

func (b *RedisBroker) poll(ctx context.Context, topic, group string, handler Handler) {
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: b.config.Consumer,
		Streams:  []string{topic, ">"},
		Count:    10,
		Block:    b.config.Block,
	}

	backoff := 100 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		res, err := b.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			b.logger.Error("Error reading from Redis stream", err, observability.NewField("topic", topic))
			select {
			case <-time.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return
			}
			continue
		}
		backoff = 100 * time.Millisecond

		for _, stream := range res {
			for _, msg := range stream.Messages {
				env := decodeStreamMessage(topic, msg)
				err := handler(ctx, env)
				b.metrics.consume(topic, err)
				if err != nil {
					b.logger.Error("Failed to process message", err,
						observability.NewField("topic", topic),
						observability.NewField("messageId", env.ID))
					continue
				}
				if err := b.client.XAck(ctx, topic, group, msg.ID).Err(); err != nil {
					b.logger.Error("Failed to ack message", err,
						observability.NewField("topic", topic),
						observability.NewField("messageId", env.ID))
				}
			}
		}
	}
}

// Close stops all pollers and closes the client
func (b *RedisBroker) Close() error {
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
	b.logger.Info("Redis broker closed")
	return b.client.Close()
}

// encodeStreamValues flattens data and attributes into stream entry fields
func encodeStreamValues(data []byte, attributes map[string]string, at time.Time) map[string]interface{} {
	values := make(map[string]interface{}, 2+len(attributes))
	values[redisFieldData] = data
	values[redisFieldPublishedAt] = at.UnixNano()
	for k, v := range attributes {
		values[redisAttrPrefix+k] = v
	}
	return values
}

func decodeStreamMessage(topic string, msg redis.XMessage) *Envelope {
	env := &Envelope{ID: msg.ID, Topic: topic}
	for k, v := range msg.Values {
		s := fmt.Sprint(v)
		switch {
		case k == redisFieldData:
			env.Body = []byte(s)
		case k == redisFieldPublishedAt:
			if ns, err := strconv.ParseInt(s, 10, 64); err == nil {
				env.PublishTime = time.Unix(0, ns)
			}
		case strings.HasPrefix(k, redisAttrPrefix):
			if env.Attributes == nil {
				env.Attributes = make(map[string]string)
			}
			env.Attributes[strings.TrimPrefix(k, redisAttrPrefix)] = s
		}
	}
	return env
}

// HealthCheck pings the server
func (b *RedisBroker) HealthCheck(ctx context.Context) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBrokerClosed
	}
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}
