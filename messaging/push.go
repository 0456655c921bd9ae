package messaging

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/senafrakara/pubsub-functions/observability"
)

// PushRequest is the body Pub/Sub sends to a push subscription endpoint
type PushRequest struct {
	Message      PushMessage `json:"message"`
	Subscription string      `json:"subscription"`
}

// PushMessage is the message inside a PushRequest. Data is base64 in JSON
// and decoded by encoding/json into raw bytes.
type PushMessage struct {
	Data        []byte            `json:"data,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	MessageID   string            `json:"messageId"`
	PublishTime time.Time         `json:"publishTime"`
}

// Envelope converts the push message into a delivered envelope
func (m PushMessage) Envelope(topic string) *Envelope {
	return &Envelope{
		ID:          m.MessageID,
		Topic:       topic,
		Body:        m.Data,
		Attributes:  m.Attributes,
		PublishTime: m.PublishTime,
	}
}

// PushHandler adapts a Handler to a Pub/Sub push endpoint. It answers 204
// when the handler succeeds, 400 for a malformed body and 500 when the
// handler fails so that Pub/Sub redelivers.
type PushHandler struct {
	topic   string
	handler Handler
	logger  observability.Logger
	metrics *brokerMetrics
}

// NewPushHandler creates a push endpoint delivering to handler as topic
func NewPushHandler(topic string, handler Handler, logger observability.Logger, metrics observability.Metrics) *PushHandler {
	if logger == nil {
		logger = observability.NoOpLogger()
	}
	if metrics == nil {
		metrics = observability.NoOpMetrics()
	}
	return &PushHandler{
		topic:   topic,
		handler: handler,
		logger:  logger,
		metrics: newBrokerMetrics("push", metrics),
	}
}

func (h *PushHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("Invalid push request",
			observability.NewField("topic", h.topic),
			observability.NewField("error", err.Error()))
		http.Error(w, "invalid push request", http.StatusBadRequest)
		return
	}

	env := req.Message.Envelope(h.topic)
	err := h.handler(r.Context(), env)
	h.metrics.consume(h.topic, err)
	if err != nil {
		h.logger.Error("Failed to process message", err,
			observability.NewField("topic", h.topic),
			observability.NewField("messageId", env.ID),
			observability.NewField("subscription", req.Subscription))
		http.Error(w, "processing failed", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
