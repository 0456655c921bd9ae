package messaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senafrakara/pubsub-functions/observability"
)

var errProcessingFailed = errors.New("message processing failed")

func TestMemoryBroker_PublishWithoutSubscribers(t *testing.T) {
	broker := NewMemoryBroker()

	id, err := broker.Publish(context.Background(), "test-topic", NewTextEnvelope("test-topic", "hello"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestMemoryBroker_PublishValidation(t *testing.T) {
	broker := NewMemoryBroker()
	ctx := context.Background()

	_, err := broker.Publish(ctx, "", NewTextEnvelope("", "hello"))
	assert.ErrorIs(t, err, ErrTopicRequired)

	_, err = broker.Publish(ctx, "test-topic", &Envelope{Attributes: map[string]string{"a": "b"}})
	assert.ErrorIs(t, err, ErrEmptyEnvelope)

	_, err = broker.Publish(ctx, "test-topic", nil)
	assert.ErrorIs(t, err, ErrEmptyEnvelope)
}

func TestMemoryBroker_Subscribe(t *testing.T) {
	published := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	broker := NewMemoryBroker(WithMemoryClock(func() time.Time { return published }))
	ctx := context.Background()

	var received *Envelope
	err := broker.Subscribe(ctx, "test-topic", func(ctx context.Context, env *Envelope) error {
		received = env
		return nil
	})
	require.NoError(t, err)

	env := NewEnvelope("test-topic", []byte("test message"), map[string]string{"key": "value"})
	id, err := broker.Publish(ctx, "test-topic", env)
	require.NoError(t, err)

	require.NotNil(t, received)
	assert.Equal(t, id, received.ID)
	assert.Equal(t, "test-topic", received.Topic)
	assert.Equal(t, []byte("test message"), received.Body)
	assert.Equal(t, map[string]string{"key": "value"}, received.Attributes)
	assert.Equal(t, published, received.PublishTime)
}

func TestMemoryBroker_DeliversPayloadAsJSON(t *testing.T) {
	broker := NewMemoryBroker()
	ctx := context.Background()

	var received *Envelope
	require.NoError(t, broker.Subscribe(ctx, "json-topic", func(ctx context.Context, env *Envelope) error {
		received = env
		return nil
	}))

	_, err := broker.Publish(ctx, "json-topic", NewJSONEnvelope("json-topic", map[string]string{"name": "John Doe"}))
	require.NoError(t, err)

	require.NotNil(t, received)
	assert.Nil(t, received.Payload)
	assert.JSONEq(t, `{"name":"John Doe"}`, string(received.Body))
}

func TestMemoryBroker_SubscriberCannotMutatePublishedEnvelope(t *testing.T) {
	broker := NewMemoryBroker()
	ctx := context.Background()

	mutate := func(ctx context.Context, env *Envelope) error {
		env.Body[0] = 'X'
		env.Attributes["priority"] = "low"
		return nil
	}
	var second *Envelope
	require.NoError(t, broker.Subscribe(ctx, "t", mutate))
	require.NoError(t, broker.Subscribe(ctx, "t", func(ctx context.Context, env *Envelope) error {
		second = env
		return nil
	}))

	env := NewEnvelope("t", []byte("Hello"), map[string]string{"priority": "high"})
	_, err := broker.Publish(ctx, "t", env)
	require.NoError(t, err)

	assert.Equal(t, []byte("Hello"), env.Body)
	assert.Equal(t, "high", env.Attributes["priority"])
	assert.Equal(t, []byte("Hello"), second.Body)
	assert.Equal(t, "high", second.Attributes["priority"])
}

func TestMemoryBroker_HandlerErrorDoesNotFailPublish(t *testing.T) {
	var logs bytes.Buffer
	logger := observability.NewLoggerWithWriter(&logs, observability.DefaultLoggerConfig())
	broker := NewMemoryBroker(WithMemoryLogger(logger))
	ctx := context.Background()

	require.NoError(t, broker.Subscribe(ctx, "test-topic", func(ctx context.Context, env *Envelope) error {
		return errProcessingFailed
	}))

	_, err := broker.Publish(ctx, "test-topic", NewTextEnvelope("test-topic", "test message"))
	assert.NoError(t, err)
	assert.Contains(t, logs.String(), "Failed to process message")
	assert.Contains(t, logs.String(), errProcessingFailed.Error())
}

func TestMemoryBroker_MultipleSubscribers(t *testing.T) {
	broker := NewMemoryBroker()
	ctx := context.Background()

	var calls []string
	for _, name := range []string{"first", "second"} {
		name := name
		require.NoError(t, broker.Subscribe(ctx, "test-topic", func(ctx context.Context, env *Envelope) error {
			calls = append(calls, name)
			return nil
		}))
	}

	_, err := broker.Publish(ctx, "test-topic", NewTextEnvelope("test-topic", "test message"))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestMemoryBroker_ConcurrentPublish(t *testing.T) {
	broker := NewMemoryBroker()
	ctx := context.Background()

	var mu sync.Mutex
	ids := make(map[string]bool)
	require.NoError(t, broker.Subscribe(ctx, "test-topic", func(ctx context.Context, env *Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		ids[env.ID] = true
		return nil
	}))

	const numMessages = 50
	var wg sync.WaitGroup
	wg.Add(numMessages)
	for i := 0; i < numMessages; i++ {
		go func(n int) {
			defer wg.Done()
			_, err := broker.Publish(ctx, "test-topic", NewTextEnvelope("test-topic", fmt.Sprintf("message %d", n)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Len(t, ids, numMessages, "every publish must get a distinct id")
}

func TestMemoryBroker_Close(t *testing.T) {
	broker := NewMemoryBroker()
	require.NoError(t, broker.Close())

	ctx := context.Background()
	_, err := broker.Publish(ctx, "test-topic", NewTextEnvelope("test-topic", "test message"))
	assert.ErrorIs(t, err, ErrBrokerClosed)

	err = broker.Subscribe(ctx, "test-topic", func(ctx context.Context, env *Envelope) error { return nil })
	assert.ErrorIs(t, err, ErrBrokerClosed)
}

func TestMemoryBroker_Metrics(t *testing.T) {
	metrics := observability.NewMetricsWithConfig(observability.MetricsConfig{Enabled: true, Path: "/metrics"})
	broker := NewMemoryBroker(WithMemoryMetrics(metrics))
	ctx := context.Background()

	require.NoError(t, broker.Subscribe(ctx, "orders", func(ctx context.Context, env *Envelope) error { return nil }))
	_, err := broker.Publish(ctx, "orders", NewTextEnvelope("orders", "x"))
	require.NoError(t, err)

	families, err := metrics.Registry().Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, family := range families {
		names = append(names, family.GetName())
	}
	assert.Contains(t, names, "messaging_published_total")
	assert.Contains(t, names, "messaging_consumed_total")
}

func TestMemoryBroker_HealthCheck(t *testing.T) {
	broker := NewMemoryBroker()
	require.NoError(t, HealthCheck(context.Background(), broker))

	require.NoError(t, broker.Close())
	assert.ErrorIs(t, HealthCheck(context.Background(), broker), ErrBrokerClosed)
}

// plainBroker has no health check of its own
type plainBroker struct{ Broker }

func TestHealthCheck_BrokerWithoutCheck(t *testing.T) {
	assert.NoError(t, HealthCheck(context.Background(), plainBroker{}))
}
