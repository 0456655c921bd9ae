package messaging

import "context"

// HealthChecker is implemented by brokers that can report whether they are
// able to publish and deliver
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthCheck runs the broker's own check. Brokers without one are assumed
// healthy.
func HealthCheck(ctx context.Context, broker Broker) error {
	if hc, ok := broker.(HealthChecker); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}
