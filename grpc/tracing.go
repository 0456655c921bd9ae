package grpc

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/senafrakara/pubsub-functions/observability"
)

// UnaryServerTracingInterceptor starts a server span for each unary RPC,
// continuing the trace carried in the incoming metadata.
func UnaryServerTracingInterceptor(tracer observability.Tracer) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx, span := startServerSpan(ctx, tracer, info.FullMethod, false)
		defer span.End()

		resp, err := handler(ctx, req)
		endServerSpan(span, err)
		return resp, err
	}
}

// StreamServerTracingInterceptor starts a server span for each streaming RPC
// and hands the handler a stream whose Context carries it.
func StreamServerTracingInterceptor(tracer observability.Tracer) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, span := startServerSpan(ss.Context(), tracer, info.FullMethod, true)
		defer span.End()

		err := handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
		endServerSpan(span, err)
		return err
	}
}

func startServerSpan(ctx context.Context, tracer observability.Tracer, fullMethod string, streaming bool) (context.Context, trace.Span) {
	md, ok := metadata.FromIncomingContext(ctx)
	if ok {
		ctx = tracer.Extract(ctx, metadataCarrier(md))
	}

	attrs := []attribute.KeyValue{
		semconv.RPCSystemGRPC,
		semconv.RPCService(extractService(fullMethod)),
		semconv.RPCMethod(extractMethod(fullMethod)),
	}
	if streaming {
		attrs = append(attrs, attribute.Bool("rpc.grpc.streaming", true))
	}

	return tracer.Start(ctx, fullMethod,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...))
}

func endServerSpan(span trace.Span, err error) {
	s, _ := status.FromError(err)
	span.SetAttributes(semconv.RPCGRPCStatusCodeKey.Int64(int64(s.Code())))
	if err != nil {
		span.SetStatus(codes.Error, s.Message())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// wrappedServerStream overrides Context with the span context
type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

// metadataCarrier flattens metadata to the first value of each key
func metadataCarrier(md metadata.MD) map[string]string {
	carrier := make(map[string]string, len(md))
	for key, values := range md {
		if len(values) > 0 {
			carrier[key] = values[0]
		}
	}
	return carrier
}

// extractService returns "pkg.Service" from "/pkg.Service/Method"
func extractService(fullMethod string) string {
	service, _, ok := strings.Cut(strings.TrimPrefix(fullMethod, "/"), "/")
	if !ok {
		return ""
	}
	return service
}

// extractMethod returns "Method" from "/pkg.Service/Method"
func extractMethod(fullMethod string) string {
	trimmed := strings.TrimPrefix(fullMethod, "/")
	_, method, ok := strings.Cut(trimmed, "/")
	if !ok || method == "" {
		return trimmed
	}
	return method
}
