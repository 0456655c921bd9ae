package functions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senafrakara/pubsub-functions/messaging"
	"github.com/senafrakara/pubsub-functions/observability"
)

func TestGreet(t *testing.T) {
	assert.Equal(t, "Hello Alice!", Greet("Alice"))
	assert.Equal(t, "Hello World!", Greet(""))
}

func TestHelloPubSub(t *testing.T) {
	tests := []struct {
		name string
		env  *messaging.Envelope
		want string
	}{
		{"text body", messaging.NewTextEnvelope("t", "Alice"), "Hello Alice!"},
		{"empty body", messaging.NewEnvelope("t", []byte{}, nil), "Hello World!"},
		{"no data", &messaging.Envelope{Topic: "t"}, "Hello World!"},
		{"json payload", messaging.NewJSONEnvelope("t", map[string]string{"name": "Bob"}), `Hello {"name":"Bob"}!`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, recorder := observability.NewTestLogger()
			greeter := NewGreeter(WithLogger(logger))

			err := greeter.HelloPubSub(context.Background(), tt.env)
			require.NoError(t, err)
			assert.Equal(t, []string{tt.want}, recorder.Messages())
		})
	}
}

func TestHelloPubSubJSON(t *testing.T) {
	const (
		notJSON = "PubSub message was not JSON"
		noName  = "PubSub message has no name"
	)
	tests := []struct {
		name     string
		env      *messaging.Envelope
		want     string
		errorLog string
	}{
		{"name present", messaging.NewTextEnvelope("t", `{"name":"John Doe"}`), "Hello John Doe!", ""},
		{"structured payload", messaging.NewJSONEnvelope("t", Greeting{Name: "Jane"}), "Hello Jane!", ""},
		{"numeric name", messaging.NewTextEnvelope("t", `{"name":5}`), "Hello 5!", ""},
		{"boolean name", messaging.NewTextEnvelope("t", `{"name":true}`), "Hello true!", ""},
		{"name missing", messaging.NewTextEnvelope("t", `{"age":3}`), "Hello World!", noName},
		{"name empty", messaging.NewTextEnvelope("t", `{"name":""}`), "Hello World!", noName},
		{"name zero", messaging.NewTextEnvelope("t", `{"name":0}`), "Hello World!", noName},
		{"not an object", messaging.NewTextEnvelope("t", `["John"]`), "Hello World!", noName},
		{"not json", messaging.NewTextEnvelope("t", "not json"), "Hello World!", notJSON},
		{"null", messaging.NewTextEnvelope("t", "null"), "Hello World!", notJSON},
		{"no data", &messaging.Envelope{Topic: "t"}, "Hello World!", notJSON},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, recorder := observability.NewTestLogger()
			metrics := observability.NewMetricsWithConfig(observability.MetricsConfig{Enabled: true, Path: "/metrics"})
			greeter := NewGreeter(WithLogger(logger), WithMetrics(metrics))

			err := greeter.HelloPubSubJSON(context.Background(), tt.env)
			require.NoError(t, err)

			count := counterValue(t, metrics, "messaging_decode_errors_total")
			if tt.errorLog == "" {
				assert.Equal(t, []string{tt.want}, recorder.Messages())
				assert.Equal(t, 0.0, count)
				return
			}

			assert.Equal(t, []string{tt.errorLog, tt.want}, recorder.Messages())
			assert.Equal(t, "ERROR", recorder.Entries()[0]["level"])
			assert.Equal(t, 1.0, count)
		})
	}
}

func TestHelloPubSubAttributes(t *testing.T) {
	logger, recorder := observability.NewTestLogger()
	greeter := NewGreeter(WithLogger(logger))
	ctx := context.Background()

	require.NoError(t, greeter.HelloPubSubAttributes(ctx,
		messaging.NewEnvelope("t", []byte("x"), map[string]string{"name": "Carol"})))
	require.NoError(t, greeter.HelloPubSubAttributes(ctx,
		messaging.NewEnvelope("t", []byte("x"), map[string]string{"priority": "high"})))
	require.NoError(t, greeter.HelloPubSubAttributes(ctx, messaging.NewTextEnvelope("t", "x")))

	assert.Equal(t, []string{"Hello Carol!", "Hello World!", "Hello World!"}, recorder.Messages())
}

func TestGreeter_LogsMessageID(t *testing.T) {
	logger, recorder := observability.NewTestLogger()
	greeter := NewGreeter(WithLogger(logger))

	env := messaging.NewTextEnvelope("t", "Alice")
	env.ID = "msg-42"
	require.NoError(t, greeter.HelloPubSub(context.Background(), env))

	entries := recorder.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "msg-42", entries[0]["messageId"])
	assert.Equal(t, "INFO", entries[0]["level"])
}

func TestDecodeGreeting(t *testing.T) {
	g, err := DecodeGreeting(messaging.NewTextEnvelope("t", `{"name":"Dan"}`))
	require.NoError(t, err)
	assert.Equal(t, "Dan", g.Name)

	g, err = DecodeGreeting(messaging.NewTextEnvelope("t", `{"name":12.5}`))
	require.NoError(t, err)
	assert.Equal(t, "12.5", g.Name)

	var decodeErr *messaging.DecodeError
	for _, body := range []string{`{"name":""}`, `{"name":null}`, `{"name":false}`, `{"age":3}`, `"Dan"`} {
		_, err = DecodeGreeting(messaging.NewTextEnvelope("t", body))
		require.ErrorAs(t, err, &decodeErr, body)
		assert.ErrorIs(t, err, ErrNoName, body)
	}

	_, err = DecodeGreeting(messaging.NewTextEnvelope("t", `{"name":`))
	require.ErrorAs(t, err, &decodeErr)
	assert.NotErrorIs(t, err, ErrNoName)
}

// counterValue sums every series of the named counter
func counterValue(t *testing.T, metrics observability.Metrics, name string) float64 {
	t.Helper()
	families, err := metrics.Registry().Gather()
	require.NoError(t, err)

	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}
