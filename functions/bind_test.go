package functions

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/senafrakara/pubsub-functions/messaging"
	"github.com/senafrakara/pubsub-functions/observability"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Empty(t, config.DefaultTopic)
	assert.Equal(t, "orders", config.OrdersTopic)
	assert.Equal(t, 100*time.Millisecond, config.OrderDelay)

	assert.Error(t, validate.Struct(config))
	config.DefaultTopic = "your-topic-name"
	assert.NoError(t, validate.Struct(config))
}

func TestSubscriptions(t *testing.T) {
	config := Config{DefaultTopic: "your-topic-name", OrdersTopic: "orders"}
	subs := Subscriptions(config, NewGreeter(), NewOrderProcessor())

	topics := make(map[string]string, len(subs))
	for _, sub := range subs {
		require.NotNil(t, sub.Handler)
		topics[sub.Name] = sub.Topic
	}
	assert.Equal(t, map[string]string{
		"helloPubSub":           "your-topic-name",
		"helloPubSubJson":       "your-topic-name",
		"helloPubSubAttributes": "your-topic-name",
		"processOrder":          "orders",
	}, topics)
}

func TestBind_EveryFunctionReceivesEachMessage(t *testing.T) {
	logger, recorder := observability.NewTestLogger()
	config := Config{DefaultTopic: "your-topic-name", OrdersTopic: "orders"}

	delay := &delayRecorder{}
	greeter := NewGreeter(WithLogger(logger))
	orders := NewOrderProcessor(WithDelay(delay.wait), WithHandlerOptions(WithLogger(logger)))

	broker := messaging.NewMemoryBroker()
	require.NoError(t, Bind(context.Background(), broker, Subscriptions(config, greeter, orders)))

	ctx := context.Background()
	_, err := broker.Publish(ctx, "your-topic-name",
		messaging.NewEnvelope("your-topic-name", []byte(`{"name":"John Doe"}`), map[string]string{"name": "Attr"}))
	require.NoError(t, err)

	_, err = broker.Publish(ctx, "orders",
		messaging.NewJSONEnvelope("orders", map[string]interface{}{
			"orderId": "ORD-1", "customerId": "C-1", "total": 42.0, "type": "express",
		}))
	require.NoError(t, err)

	assert.Equal(t, []string{
		`Hello {"name":"John Doe"}!`,
		"Hello John Doe!",
		"Hello Attr!",
		"Processing order ORD-1",
		"Processing express order - priority handling",
		"Order ORD-1 processed successfully",
	}, recorder.Messages())
	assert.Len(t, delay.waits, 1)
}

func TestBind_NamesEachSubscriber(t *testing.T) {
	broker := new(MockBroker)
	broker.On("Subscribe", mock.Anything, mock.Anything, mock.Anything, mock.MatchedBy(func(opts []messaging.SubscribeOption) bool {
		return len(opts) == 1
	})).Return(nil).Times(4)

	config := Config{DefaultTopic: "your-topic-name", OrdersTopic: "orders"}
	require.NoError(t, Bind(context.Background(), broker, Subscriptions(config, NewGreeter(), NewOrderProcessor())))
	broker.AssertExpectations(t)
}

func TestBind_StopsOnError(t *testing.T) {
	broker := new(MockBroker)
	broker.On("Subscribe", mock.Anything, "your-topic-name", mock.Anything, mock.Anything).
		Return(errors.New("permission denied")).Once()

	config := Config{DefaultTopic: "your-topic-name", OrdersTopic: "orders"}
	err := Bind(context.Background(), broker, Subscriptions(config, NewGreeter(), NewOrderProcessor()))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "bind helloPubSub to your-topic-name")
	broker.AssertNumberOfCalls(t, "Subscribe", 1)
}

func TestRoutes(t *testing.T) {
	routes := Routes(NewGateway(new(MockBroker), "your-topic-name"))

	paths := make([]string, 0, len(routes))
	for path := range routes {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	assert.Equal(t, []string{"/publishJson", "/publishMessage", "/publishWithAttributes"}, paths)
}

func TestPushRoutes(t *testing.T) {
	logger, recorder := observability.NewTestLogger()
	config := Config{DefaultTopic: "your-topic-name", OrdersTopic: "orders"}
	subs := Subscriptions(config, NewGreeter(WithLogger(logger)), NewOrderProcessor())

	routes := PushRoutes(subs, nil, nil)
	require.Len(t, routes, 4)

	handler, ok := routes["/push/helloPubSubAttributes"]
	require.True(t, ok)

	body := `{"message":{"data":"SGVsbG8=","attributes":{"name":"Pushed"},"messageId":"123"},"subscription":"projects/p/subscriptions/s"}`
	req := httptest.NewRequest(http.MethodPost, "/push/helloPubSubAttributes", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"Hello Pushed!"}, recorder.Messages())
}
