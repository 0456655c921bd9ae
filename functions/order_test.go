package functions

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/senafrakara/pubsub-functions/messaging"
	"github.com/senafrakara/pubsub-functions/observability"
)

// delayRecorder records requested delays instead of sleeping
type delayRecorder struct {
	waits []time.Duration
	err   error
}

func (d *delayRecorder) wait(ctx context.Context, dur time.Duration) error {
	d.waits = append(d.waits, dur)
	return d.err
}

var receivedAt = time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)

func newTestProcessor(t *testing.T, delay *delayRecorder) (*OrderProcessor, *observability.LogRecorder, observability.Metrics) {
	t.Helper()
	logger, recorder := observability.NewTestLogger()
	metrics := observability.NewMetricsWithConfig(observability.MetricsConfig{Enabled: true, Path: "/metrics"})
	p := NewOrderProcessor(
		WithDelay(delay.wait),
		WithClock(func() time.Time { return receivedAt }),
		WithHandlerOptions(WithLogger(logger), WithMetrics(metrics)),
	)
	return p, recorder, metrics
}

func TestOrderProcessor_Process(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		total    interface{}
		dispatch string
		level    string
	}{
		{"standard", `{"orderId":"ORD-1","customerId":"C-1","total":99.99,"type":"standard"}`, 99.99, "Processing standard order", "INFO"},
		{"express", `{"orderId":"ORD-2","customerId":"C-1","total":10,"type":"express"}`, 10.0, "Processing express order - priority handling", "INFO"},
		{"bulk", `{"orderId":"ORD-3","customerId":"C-1","total":5000,"type":"bulk"}`, 5000.0, "Processing bulk order - special pricing", "INFO"},
		{"unknown", `{"orderId":"ORD-4","customerId":"C-1","total":1,"type":"gift"}`, 1.0, "Unknown order type: gift", "WARN"},
		{"no type", `{"orderId":"ORD-5","customerId":"C-1","total":1}`, 1.0, "Unknown order type: ", "WARN"},
		{"string total", `{"orderId":"ORD-6","customerId":"C-1","total":"10","type":"standard"}`, "10", "Processing standard order", "INFO"},
		{"numeric type", `{"orderId":"ORD-7","customerId":"C-1","total":3,"type":5}`, 3.0, "Unknown order type: 5", "WARN"},
		{"object type", `{"orderId":"ORD-8","customerId":"C-1","total":3,"type":{"kind":"bulk"}}`, 3.0, `Unknown order type: {"kind":"bulk"}`, "WARN"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delay := &delayRecorder{}
			p, recorder, _ := newTestProcessor(t, delay)

			var order Order
			require.NoError(t, json.Unmarshal([]byte(tt.body), &order))

			result, err := p.Process(context.Background(), messaging.NewTextEnvelope("orders", tt.body))
			require.NoError(t, err)
			assert.Equal(t, &OrderResult{Success: true, OrderID: order.OrderID}, result)
			assert.Equal(t, []time.Duration{DefaultOrderDelay}, delay.waits)

			entries := recorder.Entries()
			require.Len(t, entries, 3)

			assert.Equal(t, "Processing order "+string(order.OrderID), entries[0]["msg"])
			assert.Equal(t, "C-1", entries[0]["customerId"])
			assert.Equal(t, tt.total, entries[0]["total"])
			assert.Equal(t, "2026-10-18T09:30:00Z", entries[0]["timestamp"])

			assert.Equal(t, tt.dispatch, entries[1]["msg"])
			assert.Equal(t, tt.level, entries[1]["level"])

			assert.Equal(t, "Order "+string(order.OrderID)+" processed successfully", entries[2]["msg"])
			assert.Equal(t, string(order.OrderID), entries[2]["orderId"])
		})
	}
}

func TestOrderProcessor_Rejection(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing orderId", `{"customerId":"C-1","total":10}`},
		{"missing customerId", `{"orderId":"ORD-1","total":10}`},
		{"missing total", `{"orderId":"ORD-1","customerId":"C-1"}`},
		{"zero total", `{"orderId":"ORD-1","customerId":"C-1","total":0}`},
		{"empty string total", `{"orderId":"ORD-1","customerId":"C-1","total":""}`},
		{"false total", `{"orderId":"ORD-1","customerId":"C-1","total":false}`},
		{"empty orderId", `{"orderId":"","customerId":"C-1","total":10}`},
		{"array payload", `[{"orderId":"ORD-1"}]`},
		{"string payload", `"ORD-1"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delay := &delayRecorder{}
			p, recorder, metrics := newTestProcessor(t, delay)

			result, err := p.Process(context.Background(), messaging.NewTextEnvelope("orders", tt.body))
			assert.Nil(t, result)

			var rejection *BusinessRejection
			require.ErrorAs(t, err, &rejection)
			assert.Equal(t, "Invalid order data: missing required fields", err.Error())
			assert.Empty(t, delay.waits)

			entries := recorder.Entries()
			require.Len(t, entries, 1)
			assert.Equal(t, "Invalid order data: missing required fields", entries[0]["msg"])
			assert.Equal(t, "ERROR", entries[0]["level"])

			assert.Equal(t, 1.0, counterValue(t, metrics, "orders_processed_total"))
			assert.Equal(t, 0.0, counterValue(t, metrics, "messaging_decode_errors_total"))
		})
	}
}

func TestOrderProcessor_UndecodablePayload(t *testing.T) {
	tests := []struct {
		name string
		env  *messaging.Envelope
	}{
		{"not json", messaging.NewTextEnvelope("orders", "not json")},
		{"truncated json", messaging.NewTextEnvelope("orders", `{"orderId":`)},
		{"null", messaging.NewTextEnvelope("orders", "null")},
		{"no data", &messaging.Envelope{Topic: "orders"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			delay := &delayRecorder{}
			p, recorder, metrics := newTestProcessor(t, delay)

			result, err := p.Process(context.Background(), tt.env)
			assert.Nil(t, result)

			var decodeErr *messaging.DecodeError
			require.ErrorAs(t, err, &decodeErr)
			var rejection *BusinessRejection
			assert.False(t, errors.As(err, &rejection))
			assert.Empty(t, delay.waits)

			entries := recorder.Entries()
			require.Len(t, entries, 1)
			assert.Equal(t, "Error processing order", entries[0]["msg"])
			assert.Equal(t, "ERROR", entries[0]["level"])

			assert.Equal(t, 1.0, counterValue(t, metrics, "messaging_decode_errors_total"))
			assert.Equal(t, 1.0, counterValue(t, metrics, "orders_processed_total"))
			assert.NoError(t, p.Handle(context.Background(), tt.env))
		})
	}
}

func TestOrderProcessor_NumericIDs(t *testing.T) {
	p, _, _ := newTestProcessor(t, &delayRecorder{})

	result, err := p.Process(context.Background(),
		messaging.NewJSONEnvelope("orders", map[string]interface{}{"orderId": 1001, "customerId": 7, "total": 12.5}))
	require.NoError(t, err)
	assert.Equal(t, OrderID("1001"), result.OrderID)
}

func TestOrderProcessor_DelayFailure(t *testing.T) {
	delay := &delayRecorder{err: context.Canceled}
	p, recorder, _ := newTestProcessor(t, delay)

	result, err := p.Process(context.Background(),
		messaging.NewTextEnvelope("orders", `{"orderId":"ORD-9","customerId":"C-1","total":1,"type":"standard"}`))
	assert.Nil(t, result)
	assert.True(t, errors.Is(err, context.Canceled))

	messages := recorder.Messages()
	assert.Equal(t, "Error processing order", messages[len(messages)-1])
}

func TestOrderProcessor_HandleNeverFails(t *testing.T) {
	p, _, _ := newTestProcessor(t, &delayRecorder{})

	assert.NoError(t, p.Handle(context.Background(), messaging.NewTextEnvelope("orders", `{}`)))
	assert.NoError(t, p.Handle(context.Background(),
		messaging.NewTextEnvelope("orders", `{"orderId":"A","customerId":"B","total":2}`)))
}

func TestOrderProcessor_CustomDelayDuration(t *testing.T) {
	delay := &delayRecorder{}
	p := NewOrderProcessor(WithDelay(delay.wait), WithDelayDuration(5*time.Millisecond))

	_, err := p.Process(context.Background(),
		messaging.NewTextEnvelope("orders", `{"orderId":"A","customerId":"B","total":2,"type":"bulk"}`))
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{5 * time.Millisecond}, delay.waits)
}

func TestOrderID_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		input string
		want  OrderID
	}{
		{`"ORD-1"`, "ORD-1"},
		{`42`, "42"},
		{`"0"`, "0"},
		{`0`, ""},
		{`null`, ""},
		{`""`, ""},
		{`false`, ""},
		{`true`, "true"},
		{`{"id":1}`, `{"id":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var id OrderID
			require.NoError(t, json.Unmarshal([]byte(tt.input), &id))
			assert.Equal(t, tt.want, id)
		})
	}
}

func TestAmount(t *testing.T) {
	tests := []struct {
		input string
		want  Amount
		text  string
	}{
		{`12.5`, "12.5", "12.5"},
		{`"10"`, `"10"`, "10"},
		{`0`, "", ""},
		{`0.0`, "", ""},
		{`""`, "", ""},
		{`null`, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var a Amount
			require.NoError(t, json.Unmarshal([]byte(tt.input), &a))
			assert.Equal(t, tt.want, a)
			assert.Equal(t, tt.text, a.String())
		})
	}

	out, err := json.Marshal(Order{Total: `"10"`})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"total":"10"`)
}

func TestSleepContext(t *testing.T) {
	require.NoError(t, SleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
}
