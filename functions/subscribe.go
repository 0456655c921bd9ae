package functions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/senafrakara/pubsub-functions/messaging"
	"github.com/senafrakara/pubsub-functions/observability"
)

// fallbackName is greeted when a message carries no usable name
const fallbackName = "World"

// Greet returns "Hello <name>!", greeting World when name is empty
func Greet(name string) string {
	if name == "" {
		name = fallbackName
	}
	return fmt.Sprintf("Hello %s!", name)
}

// ErrNoName is wrapped by DecodeGreeting when the JSON payload carries no
// usable "name" member
var ErrNoName = errors.New("message has no name")

// Greeting is the structured payload read by HelloPubSubJSON
type Greeting struct {
	Name string `json:"name"`
}

// DecodeGreeting reads a Greeting from the envelope's JSON payload. Every
// failure is a *messaging.DecodeError; a payload that parses but is not an
// object, or whose "name" is absent, null, false, 0 or "", wraps ErrNoName.
// Numbers and booleans are greeted by their JSON spelling.
func DecodeGreeting(env *messaging.Envelope) (Greeting, error) {
	var raw json.RawMessage
	if err := env.DecodeJSON(&raw); err != nil {
		return Greeting{}, err
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return Greeting{}, &messaging.DecodeError{Reason: "message was null"}
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Greeting{}, &messaging.DecodeError{Reason: "message is not a JSON object", Err: ErrNoName}
	}
	name := looseText(obj["name"])
	if name == "" {
		return Greeting{}, &messaging.DecodeError{Reason: "message has no name", Err: ErrNoName}
	}
	return Greeting{Name: name}, nil
}

// HandlerOption configures the subscriber handlers
type HandlerOption func(*handlerDeps)

type handlerDeps struct {
	logger  observability.Logger
	tracer  observability.Tracer
	metrics observability.Metrics
}

func newHandlerDeps(opts []HandlerOption) handlerDeps {
	deps := handlerDeps{
		logger:  observability.NoOpLogger(),
		tracer:  observability.NewTracer(),
		metrics: observability.NoOpMetrics(),
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return deps
}

// WithLogger sets the handler logger
func WithLogger(logger observability.Logger) HandlerOption {
	return func(d *handlerDeps) {
		d.logger = logger
	}
}

// WithTracer sets the tracer used for consumer spans
func WithTracer(tracer observability.Tracer) HandlerOption {
	return func(d *handlerDeps) {
		d.tracer = tracer
	}
}

// WithMetrics sets the metrics registry
func WithMetrics(metrics observability.Metrics) HandlerOption {
	return func(d *handlerDeps) {
		d.metrics = metrics
	}
}

// startSpan continues the trace carried in the envelope attributes
func (d handlerDeps) startSpan(ctx context.Context, name string, env *messaging.Envelope) (context.Context, trace.Span) {
	if env.Attributes != nil {
		ctx = d.tracer.Extract(ctx, env.Attributes)
	}
	return d.tracer.Start(ctx, "handle "+name,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("function", name),
			attribute.String("messaging.message.id", env.ID),
			attribute.String("messaging.destination.name", env.Topic)))
}

// Greeter holds the three greeting subscribers. None of them ever returns
// an error: malformed input is logged and falls back to greeting World.
type Greeter struct {
	handlerDeps
	decodeErrors observability.Counter
}

// NewGreeter creates the greeting subscribers
func NewGreeter(opts ...HandlerOption) *Greeter {
	deps := newHandlerDeps(opts)
	return &Greeter{
		handlerDeps: deps,
		decodeErrors: deps.metrics.Counter("messaging_decode_errors_total",
			"Deliveries whose payload could not be decoded", "function"),
	}
}

// HelloPubSub greets the message body decoded as text
func (g *Greeter) HelloPubSub(ctx context.Context, env *messaging.Envelope) error {
	ctx, span := g.startSpan(ctx, "helloPubSub", env)
	defer span.End()

	text, _ := env.Text()
	g.logger.WithContext(ctx).Info(Greet(text), observability.NewField("messageId", env.ID))
	return nil
}

// HelloPubSubJSON greets the "name" field of the JSON payload
func (g *Greeter) HelloPubSubJSON(ctx context.Context, env *messaging.Envelope) error {
	ctx, span := g.startSpan(ctx, "helloPubSubJson", env)
	defer span.End()

	logger := g.logger.WithContext(ctx)
	greeting, err := DecodeGreeting(env)
	if err != nil {
		g.decodeErrors.WithLabels(map[string]string{"function": "helloPubSubJson"}).Inc()
		span.RecordError(err)
		msg := "PubSub message was not JSON"
		if errors.Is(err, ErrNoName) {
			msg = "PubSub message has no name"
		}
		logger.Error(msg, err, observability.NewField("messageId", env.ID))
	}

	logger.Info(Greet(greeting.Name), observability.NewField("messageId", env.ID))
	return nil
}

// HelloPubSubAttributes greets the "name" attribute
func (g *Greeter) HelloPubSubAttributes(ctx context.Context, env *messaging.Envelope) error {
	ctx, span := g.startSpan(ctx, "helloPubSubAttributes", env)
	defer span.End()

	name, _ := env.Attribute("name")
	g.logger.WithContext(ctx).Info(Greet(name), observability.NewField("messageId", env.ID))
	return nil
}
