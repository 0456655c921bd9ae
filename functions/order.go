package functions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/senafrakara/pubsub-functions/messaging"
	"github.com/senafrakara/pubsub-functions/observability"
)

// DefaultOrderDelay models the asynchronous work done per order
const DefaultOrderDelay = 100 * time.Millisecond

// Order types with dedicated handling
const (
	OrderTypeStandard = "standard"
	OrderTypeExpress  = "express"
	OrderTypeBulk     = "bulk"
)

// OrderID is an order member read loosely: strings keep their text, other
// values their JSON spelling. null, false, "" and zero read as empty.
type OrderID string

// UnmarshalJSON implements json.Unmarshaler
func (id *OrderID) UnmarshalJSON(data []byte) error {
	*id = OrderID(looseText(data))
	return nil
}

// Amount is an order total given as a JSON number or string. It keeps the
// JSON it was sent as; missing totals (null, false, "" or zero) are empty.
type Amount string

// UnmarshalJSON implements json.Unmarshaler
func (a *Amount) UnmarshalJSON(data []byte) error {
	if falsy(data) {
		*a = ""
		return nil
	}
	*a = Amount(bytes.TrimSpace(data))
	return nil
}

// MarshalJSON implements json.Marshaler
func (a Amount) MarshalJSON() ([]byte, error) {
	if a == "" {
		return []byte("null"), nil
	}
	return []byte(a), nil
}

func (a Amount) String() string {
	return looseText(json.RawMessage(a))
}

// Order is the payload consumed by ProcessOrder. Type is free text; any
// value other than the known order types is dispatched as unknown.
type Order struct {
	OrderID    OrderID `json:"orderId" validate:"required"`
	CustomerID OrderID `json:"customerId" validate:"required"`
	Total      Amount  `json:"total" validate:"required"`
	Type       OrderID `json:"type"`
}

// OrderResult is returned for every processed order
type OrderResult struct {
	Success bool    `json:"success"`
	OrderID OrderID `json:"orderId"`
}

// DecodeOrder reads an Order from the envelope's JSON payload. Missing data,
// invalid JSON and null are a *messaging.DecodeError; any other JSON that
// lacks orderId, customerId or total yields a *BusinessRejection.
func DecodeOrder(env *messaging.Envelope) (Order, error) {
	var raw json.RawMessage
	if err := env.DecodeJSON(&raw); err != nil {
		return Order{}, err
	}
	raw = bytes.TrimSpace(raw)
	if bytes.Equal(raw, []byte("null")) {
		return Order{}, &messaging.DecodeError{Reason: "order was null"}
	}

	var order Order
	if raw[0] == '{' {
		if err := json.Unmarshal(raw, &order); err != nil {
			return Order{}, &messaging.DecodeError{Reason: "order was not JSON", Err: err}
		}
	}
	if err := validate.Struct(order); err != nil {
		return Order{}, &BusinessRejection{Reason: "missing required fields", Err: err}
	}
	return order, nil
}

// Delay waits for d or until ctx is done
type Delay func(ctx context.Context, d time.Duration) error

// SleepContext is the default Delay
func SleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OrderProcessor validates orders, dispatches on their type and reports
// completion
type OrderProcessor struct {
	handlerDeps
	delay    Delay
	duration time.Duration
	now      func() time.Time

	processed    observability.Counter
	decodeErrors observability.Counter
}

// OrderOption configures an OrderProcessor
type OrderOption func(*OrderProcessor)

// WithDelay replaces the wait performed for each order
func WithDelay(delay Delay) OrderOption {
	return func(p *OrderProcessor) {
		p.delay = delay
	}
}

// WithDelayDuration sets how long each order waits
func WithDelayDuration(d time.Duration) OrderOption {
	return func(p *OrderProcessor) {
		p.duration = d
	}
}

// WithClock sets the clock used for receipt timestamps
func WithClock(now func() time.Time) OrderOption {
	return func(p *OrderProcessor) {
		p.now = now
	}
}

// WithHandlerOptions applies shared handler options
func WithHandlerOptions(opts ...HandlerOption) OrderOption {
	return func(p *OrderProcessor) {
		for _, opt := range opts {
			opt(&p.handlerDeps)
		}
	}
}

// NewOrderProcessor creates an order processor
func NewOrderProcessor(opts ...OrderOption) *OrderProcessor {
	p := &OrderProcessor{
		handlerDeps: newHandlerDeps(nil),
		delay:       SleepContext,
		duration:    DefaultOrderDelay,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.processed = p.metrics.Counter("orders_processed_total",
		"Orders handled by processOrder", "type", "status")
	p.decodeErrors = p.metrics.Counter("messaging_decode_errors_total",
		"Deliveries whose payload could not be decoded", "function")
	return p
}

// Process handles one order delivery. Rejected orders return a
// *BusinessRejection, undecodable ones a *messaging.DecodeError, and
// neither yields a result; every outcome is logged.
func (p *OrderProcessor) Process(ctx context.Context, env *messaging.Envelope) (*OrderResult, error) {
	ctx, span := p.startSpan(ctx, "processOrder", env)
	defer span.End()

	logger := p.logger.WithContext(ctx)

	order, err := DecodeOrder(env)
	var rejection *BusinessRejection
	switch {
	case errors.As(err, &rejection):
		span.SetStatus(codes.Error, err.Error())
		logger.Error(err.Error(), errors.Unwrap(err), observability.NewField("messageId", env.ID))
		p.count("", "rejected")
		return nil, err
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("Error processing order", err, observability.NewField("messageId", env.ID))
		p.decodeErrors.WithLabels(map[string]string{"function": "processOrder"}).Inc()
		p.count("", "error")
		return nil, err
	}

	logger = logger.With(observability.NewField("orderId", string(order.OrderID)))
	logger.Info(fmt.Sprintf("Processing order %s", order.OrderID),
		observability.NewField("customerId", string(order.CustomerID)),
		observability.NewField("total", order.Total),
		observability.NewField("timestamp", p.now().UTC().Format(time.RFC3339Nano)))

	switch string(order.Type) {
	case OrderTypeStandard:
		logger.Info("Processing standard order")
	case OrderTypeExpress:
		logger.Info("Processing express order - priority handling")
	case OrderTypeBulk:
		logger.Info("Processing bulk order - special pricing")
	default:
		logger.Warn(fmt.Sprintf("Unknown order type: %s", order.Type))
	}

	if err := p.delay(ctx, p.duration); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("Error processing order", err)
		p.count(string(order.Type), "error")
		return nil, fmt.Errorf("process order %s: %w", order.OrderID, err)
	}

	logger.Info(fmt.Sprintf("Order %s processed successfully", order.OrderID))
	p.count(string(order.Type), "success")

	return &OrderResult{Success: true, OrderID: order.OrderID}, nil
}

// Handle adapts Process to a messaging.Handler. Every failure has already
// been logged, so none is reported to the broker.
func (p *OrderProcessor) Handle(ctx context.Context, env *messaging.Envelope) error {
	_, _ = p.Process(ctx, env)
	return nil
}

func (p *OrderProcessor) count(orderType, status string) {
	switch orderType {
	case OrderTypeStandard, OrderTypeExpress, OrderTypeBulk:
	default:
		orderType = "unknown"
	}
	p.processed.WithLabels(map[string]string{"type": orderType, "status": status}).Inc()
}
