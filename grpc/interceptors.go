package grpc

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/senafrakara/pubsub-functions/observability"
)

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// LoggingUnaryServerInterceptor logs the start and completion of each unary RPC.
func LoggingUnaryServerInterceptor(logger observability.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		log := logger.WithContext(ctx)

		log.Debug("gRPC request started",
			observability.NewField("method", info.FullMethod),
			observability.NewField("request_type", fmt.Sprintf("%T", req)))

		resp, err := handler(ctx, req)
		logCompletion(log, "gRPC request", info.FullMethod, time.Since(start), err)
		return resp, err
	}
}

// LoggingStreamServerInterceptor logs the start and completion of each streaming RPC.
func LoggingStreamServerInterceptor(logger observability.Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		log := logger.WithContext(ss.Context())

		log.Debug("gRPC stream started",
			observability.NewField("method", info.FullMethod),
			observability.NewField("is_client_stream", info.IsClientStream),
			observability.NewField("is_server_stream", info.IsServerStream))

		err := handler(srv, ss)
		logCompletion(log, "gRPC stream", info.FullMethod, time.Since(start), err)
		return err
	}
}

func logCompletion(log observability.Logger, kind, method string, duration time.Duration, err error) {
	if err != nil {
		s, _ := status.FromError(err)
		log.Error(kind+" failed", err,
			observability.NewField("method", method),
			observability.NewField("status_code", s.Code().String()),
			observability.NewField("duration_ms", duration.Milliseconds()))
		return
	}
	log.Info(kind+" completed",
		observability.NewField("method", method),
		observability.NewField("duration_ms", duration.Milliseconds()))
}

// MetricsUnaryServerInterceptor counts unary RPCs and records their duration
// by method and status code.
func MetricsUnaryServerInterceptor(metrics observability.Metrics) grpc.UnaryServerInterceptor {
	requestsCounter := metrics.Counter(
		"grpc_server_requests_total",
		"Total number of gRPC requests received",
		"method", "status",
	)
	requestDuration := metrics.Histogram(
		"grpc_server_request_duration_seconds",
		"Duration of gRPC requests in seconds",
		durationBuckets,
		"method", "status",
	)

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		labels := map[string]string{
			"method": info.FullMethod,
			"status": statusCode(err).String(),
		}
		requestsCounter.WithLabels(labels).Inc()
		requestDuration.WithLabels(labels).Observe(time.Since(start).Seconds())

		return resp, err
	}
}

// MetricsStreamServerInterceptor counts streaming RPCs and records their duration.
func MetricsStreamServerInterceptor(metrics observability.Metrics) grpc.StreamServerInterceptor {
	streamsCounter := metrics.Counter(
		"grpc_server_streams_total",
		"Total number of gRPC streams started",
		"method", "status", "stream_type",
	)
	streamDuration := metrics.Histogram(
		"grpc_server_stream_duration_seconds",
		"Duration of gRPC streams in seconds",
		durationBuckets,
		"method", "status", "stream_type",
	)

	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)

		labels := map[string]string{
			"method":      info.FullMethod,
			"status":      statusCode(err).String(),
			"stream_type": streamType(info),
		}
		streamsCounter.WithLabels(labels).Inc()
		streamDuration.WithLabels(labels).Observe(time.Since(start).Seconds())

		return err
	}
}

func statusCode(err error) grpccodes.Code {
	if err == nil {
		return grpccodes.OK
	}
	s, _ := status.FromError(err)
	return s.Code()
}

func streamType(info *grpc.StreamServerInfo) string {
	switch {
	case info.IsClientStream && info.IsServerStream:
		return "bidi"
	case info.IsClientStream:
		return "client"
	case info.IsServerStream:
		return "server"
	default:
		return "unary"
	}
}

// RecoveryUnaryServerInterceptor turns a panic in a unary handler into codes.Internal.
func RecoveryUnaryServerInterceptor(logger observability.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.WithContext(ctx).Error("gRPC panic recovered",
					fmt.Errorf("panic: %v", r),
					observability.NewField("method", info.FullMethod),
					observability.NewField("stack", string(debug.Stack())))
				err = status.Errorf(grpccodes.Internal, "Internal server error")
			}
		}()

		return handler(ctx, req)
	}
}

// RecoveryStreamServerInterceptor turns a panic in a stream handler into codes.Internal.
func RecoveryStreamServerInterceptor(logger observability.Logger) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.WithContext(ss.Context()).Error("gRPC stream panic recovered",
					fmt.Errorf("panic: %v", r),
					observability.NewField("method", info.FullMethod),
					observability.NewField("stack", string(debug.Stack())))
				err = status.Errorf(grpccodes.Internal, "Internal server error")
			}
		}()

		return handler(srv, ss)
	}
}

// CombinedObservabilityUnaryServerInterceptor wraps unary RPCs in recovery,
// then tracing, then logging and metrics. Log lines carry the span ids.
func CombinedObservabilityUnaryServerInterceptor(tracer observability.Tracer, metrics observability.Metrics, logger observability.Logger) grpc.UnaryServerInterceptor {
	recovery := RecoveryUnaryServerInterceptor(logger)
	tracing := UnaryServerTracingInterceptor(tracer)
	logging := LoggingUnaryServerInterceptor(logger)
	counting := MetricsUnaryServerInterceptor(metrics)

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		return recovery(ctx, req, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return tracing(ctx, req, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return logging(ctx, req, info, func(ctx context.Context, req interface{}) (interface{}, error) {
					return counting(ctx, req, info, handler)
				})
			})
		})
	}
}

// CombinedObservabilityStreamServerInterceptor is the streaming counterpart of
// CombinedObservabilityUnaryServerInterceptor.
func CombinedObservabilityStreamServerInterceptor(tracer observability.Tracer, metrics observability.Metrics, logger observability.Logger) grpc.StreamServerInterceptor {
	recovery := RecoveryStreamServerInterceptor(logger)
	tracing := StreamServerTracingInterceptor(tracer)
	logging := LoggingStreamServerInterceptor(logger)
	counting := MetricsStreamServerInterceptor(metrics)

	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		return recovery(srv, ss, info, func(srv interface{}, ss grpc.ServerStream) error {
			return tracing(srv, ss, info, func(srv interface{}, ss grpc.ServerStream) error {
				return logging(srv, ss, info, func(srv interface{}, ss grpc.ServerStream) error {
					return counting(srv, ss, info, handler)
				})
			})
		})
	}
}
