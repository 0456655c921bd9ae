package functions

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	httplib "github.com/senafrakara/pubsub-functions/http"
	"github.com/senafrakara/pubsub-functions/messaging"
	"github.com/senafrakara/pubsub-functions/observability"
)

// Gateway serves the three HTTP publish functions. Each request results in
// at most one broker publish; failures are reported, never retried.
type Gateway struct {
	broker    messaging.Broker
	logger    observability.Logger
	tracer    observability.Tracer
	propagate bool

	mu           sync.RWMutex
	defaultTopic string
}

// GatewayOption configures a Gateway
type GatewayOption func(*Gateway)

// WithGatewayLogger sets the gateway logger
func WithGatewayLogger(logger observability.Logger) GatewayOption {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithGatewayTracer sets the tracer used for publish spans
func WithGatewayTracer(tracer observability.Tracer) GatewayOption {
	return func(g *Gateway) {
		g.tracer = tracer
	}
}

// WithTracePropagation adds the active trace context to the attributes of
// each published envelope. Attributes set by the caller are never replaced.
func WithTracePropagation(enabled bool) GatewayOption {
	return func(g *Gateway) {
		g.propagate = enabled
	}
}

// NewGateway creates a gateway publishing to broker. defaultTopic is used
// when a request names no topic.
func NewGateway(broker messaging.Broker, defaultTopic string, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		broker:       broker,
		defaultTopic: defaultTopic,
		logger:       observability.NoOpLogger(),
		tracer:       observability.NewTracer(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// PublishMessageResponse acknowledges publishMessage
type PublishMessageResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
	Topic     string `json:"topic"`
	Message   string `json:"message"`
}

// PublishJSONResponse acknowledges publishJson
type PublishJSONResponse struct {
	Success   bool        `json:"success"`
	MessageID string      `json:"messageId"`
	Topic     string      `json:"topic"`
	Data      interface{} `json:"data"`
}

// PublishWithAttributesResponse acknowledges publishWithAttributes
type PublishWithAttributesResponse struct {
	Success    bool              `json:"success"`
	MessageID  string            `json:"messageId"`
	Topic      string            `json:"topic"`
	Message    string            `json:"message"`
	Attributes map[string]string `json:"attributes"`
}

// PublishMessage publishes the UTF-8 bytes of "message"
func (g *Gateway) PublishMessage(ctx context.Context, req PublishMessageRequest) (*PublishMessageResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	topic := g.topic(req.Topic)

	id, err := g.publish(ctx, topic, messaging.NewTextEnvelope(topic, req.Message))
	if err != nil {
		g.logger.WithContext(ctx).Error("Error publishing message", err, observability.NewField("topic", topic))
		return nil, err
	}

	g.logger.WithContext(ctx).Info(fmt.Sprintf("Message %s published to topic %s", id, topic),
		observability.NewField("messageId", id),
		observability.NewField("topic", topic))

	return &PublishMessageResponse{Success: true, MessageID: id, Topic: topic, Message: req.Message}, nil
}

// PublishJSON publishes "data" as a structured payload
func (g *Gateway) PublishJSON(ctx context.Context, req PublishJSONRequest) (*PublishJSONResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	topic := g.topic(req.Topic)

	id, err := g.publish(ctx, topic, messaging.NewJSONEnvelope(topic, req.Data))
	if err != nil {
		g.logger.WithContext(ctx).Error("Error publishing JSON message", err, observability.NewField("topic", topic))
		return nil, err
	}

	g.logger.WithContext(ctx).Info(fmt.Sprintf("JSON message %s published to topic %s", id, topic),
		observability.NewField("messageId", id),
		observability.NewField("topic", topic))

	return &PublishJSONResponse{Success: true, MessageID: id, Topic: topic, Data: req.Data}, nil
}

// PublishWithAttributes publishes "message" together with "attributes"
func (g *Gateway) PublishWithAttributes(ctx context.Context, req PublishWithAttributesRequest) (*PublishWithAttributesResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	topic := g.topic(req.Topic)
	if req.Attributes == nil {
		req.Attributes = map[string]string{}
	}

	env := messaging.NewEnvelope(topic, []byte(req.Message), maps.Clone(req.Attributes))
	id, err := g.publish(ctx, topic, env)
	if err != nil {
		g.logger.WithContext(ctx).Error("Error publishing message with attributes", err,
			observability.NewField("topic", topic))
		return nil, err
	}

	g.logger.WithContext(ctx).Info(fmt.Sprintf("Message %s published with attributes", id),
		observability.NewField("messageId", id),
		observability.NewField("topic", topic),
		observability.NewField("attributes", req.Attributes))

	return &PublishWithAttributesResponse{
		Success:    true,
		MessageID:  id,
		Topic:      topic,
		Message:    req.Message,
		Attributes: req.Attributes,
	}, nil
}

// SetDefaultTopic changes the topic used when a request names none
func (g *Gateway) SetDefaultTopic(topic string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.defaultTopic = topic
}

// DefaultTopic returns the topic used when a request names none
func (g *Gateway) DefaultTopic() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.defaultTopic
}

func (g *Gateway) topic(requested string) string {
	if requested == "" {
		return g.DefaultTopic()
	}
	return requested
}

// publish makes the single submission attempt
func (g *Gateway) publish(ctx context.Context, topic string, env *messaging.Envelope) (string, error) {
	if g.propagate && trace.SpanContextFromContext(ctx).IsValid() {
		carrier := make(map[string]string)
		g.tracer.Inject(ctx, carrier)
		if env.Attributes == nil {
			env.Attributes = make(map[string]string, len(carrier))
		}
		for key, value := range carrier {
			if _, taken := env.Attributes[key]; !taken {
				env.Attributes[key] = value
			}
		}
	}

	id, err := g.broker.Publish(ctx, topic, env)
	if err != nil {
		return "", &SubmissionError{Topic: topic, Err: err}
	}
	return id, nil
}

// HandlePublishMessage is the HTTP function for PublishMessage
func (g *Gateway) HandlePublishMessage(w http.ResponseWriter, r *http.Request) {
	g.serve(w, r, "publishMessage", func(ctx context.Context, fields requestFields) (interface{}, error) {
		return g.PublishMessage(ctx, PublishMessageRequest{
			Message: fields.string("message"),
			Topic:   fields.string("topic"),
		})
	})
}

// HandlePublishJSON is the HTTP function for PublishJSON
func (g *Gateway) HandlePublishJSON(w http.ResponseWriter, r *http.Request) {
	g.serve(w, r, "publishJson", func(ctx context.Context, fields requestFields) (interface{}, error) {
		return g.PublishJSON(ctx, PublishJSONRequest{
			Data:  fields.value("data"),
			Topic: fields.string("topic"),
		})
	})
}

// HandlePublishWithAttributes is the HTTP function for PublishWithAttributes
func (g *Gateway) HandlePublishWithAttributes(w http.ResponseWriter, r *http.Request) {
	g.serve(w, r, "publishWithAttributes", func(ctx context.Context, fields requestFields) (interface{}, error) {
		attrs, err := fields.attributes("attributes")
		if err != nil {
			return nil, err
		}
		return g.PublishWithAttributes(ctx, PublishWithAttributesRequest{
			Message:    fields.string("message"),
			Topic:      fields.string("topic"),
			Attributes: attrs,
		})
	})
}

// serve rejects non-POST requests before the body is read, then runs fn in
// a producer span and writes its response or error
func (g *Gateway) serve(w http.ResponseWriter, r *http.Request, name string,
	fn func(ctx context.Context, fields requestFields) (interface{}, error)) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, &MethodNotAllowedError{Method: r.Method})
		return
	}

	ctx, span := g.tracer.Start(r.Context(), "publish "+name,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("function", name)))
	defer span.End()

	fields, err := readFields(r)
	if err != nil {
		failRequest(w, span, err)
		return
	}

	resp, err := fn(ctx, fields)
	if err != nil {
		failRequest(w, span, err)
		return
	}

	httplib.WriteJSON(w, http.StatusOK, resp)
}

func failRequest(w http.ResponseWriter, span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	writeError(w, err)
}

// writeError writes the error body for err. Server-side failures never
// expose the underlying cause.
func writeError(w http.ResponseWriter, err error) {
	status := StatusCode(err)
	message := err.Error()

	var submissionErr *SubmissionError
	if status == http.StatusInternalServerError && !errors.As(err, &submissionErr) {
		message = (&SubmissionError{}).Error()
	}
	httplib.WriteError(w, status, message)
}
