package messaging

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/senafrakara/pubsub-functions/observability"
)

func newTestPubSubBroker(t *testing.T, config *PubSubConfig) *PubSubBroker {
	t.Helper()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(context.Background(), config.ProjectID, option.WithGRPCConn(conn))
	require.NoError(t, err)

	broker := NewPubSubBrokerWithClient(client, config, observability.NoOpLogger(), observability.NoOpMetrics())
	t.Cleanup(func() { _ = broker.Close() })
	return broker
}

func TestPubSubBroker_PublishAndReceive(t *testing.T) {
	config := DefaultPubSubConfig()
	config.AutoCreate = true
	broker := newTestPubSubBroker(t, config)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	received := make(chan *Envelope, 1)
	require.NoError(t, broker.Subscribe(ctx, "your-topic-name", func(ctx context.Context, env *Envelope) error {
		received <- env
		return nil
	}))

	id, err := broker.Publish(ctx, "your-topic-name",
		NewEnvelope("your-topic-name", []byte("Hello"), map[string]string{"name": "Alice"}))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	select {
	case env := <-received:
		assert.Equal(t, id, env.ID)
		assert.Equal(t, "your-topic-name", env.Topic)
		assert.Equal(t, []byte("Hello"), env.Body)
		assert.Equal(t, "Alice", env.Attributes["name"])
		assert.False(t, env.PublishTime.IsZero())
	case <-ctx.Done():
		t.Fatal("Timeout waiting for message")
	}
}

func TestPubSubBroker_PublishJSONPayload(t *testing.T) {
	config := DefaultPubSubConfig()
	config.AutoCreate = true
	broker := newTestPubSubBroker(t, config)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	received := make(chan *Envelope, 1)
	require.NoError(t, broker.Subscribe(ctx, "orders", func(ctx context.Context, env *Envelope) error {
		received <- env
		return nil
	}))

	_, err := broker.Publish(ctx, "orders", NewJSONEnvelope("orders", map[string]interface{}{"orderId": "A1"}))
	require.NoError(t, err)

	select {
	case env := <-received:
		var order map[string]interface{}
		require.NoError(t, env.DecodeJSON(&order))
		assert.Equal(t, "A1", order["orderId"])
	case <-ctx.Done():
		t.Fatal("Timeout waiting for message")
	}
}

func TestPubSubBroker_MissingTopic(t *testing.T) {
	broker := newTestPubSubBroker(t, DefaultPubSubConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := broker.Publish(ctx, "does-not-exist", NewTextEnvelope("does-not-exist", "x"))
	assert.Error(t, err)
}

func TestPubSubBroker_Validation(t *testing.T) {
	broker := newTestPubSubBroker(t, DefaultPubSubConfig())
	ctx := context.Background()

	_, err := broker.Publish(ctx, "", NewTextEnvelope("", "x"))
	assert.ErrorIs(t, err, ErrTopicRequired)

	_, err = broker.Publish(ctx, "t", &Envelope{})
	assert.ErrorIs(t, err, ErrEmptyEnvelope)

	assert.ErrorIs(t, broker.Subscribe(ctx, "", nil), ErrTopicRequired)
}

func TestPubSubBroker_Close(t *testing.T) {
	broker := newTestPubSubBroker(t, DefaultPubSubConfig())
	require.NoError(t, HealthCheck(context.Background(), broker))
	require.NoError(t, broker.Close())
	require.NoError(t, broker.Close())
	assert.ErrorIs(t, HealthCheck(context.Background(), broker), ErrBrokerClosed)

	_, err := broker.Publish(context.Background(), "t", NewTextEnvelope("t", "x"))
	assert.ErrorIs(t, err, ErrBrokerClosed)
}

func TestClientOptions(t *testing.T) {
	assert.Empty(t, clientOptions(&PubSubConfig{ProjectID: "p"}))
	assert.Len(t, clientOptions(&PubSubConfig{ProjectID: "p", CredentialsFile: "key.json"}), 1)
	assert.Len(t, clientOptions(&PubSubConfig{ProjectID: "p", Endpoint: "localhost:8085"}), 3)
}
