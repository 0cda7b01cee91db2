package pageservice

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	internaltelemetry "github.com/sushant-115/gojodb-pagecache/internal/telemetry"
)

// UnaryServerInterceptor records RPC metrics, opens a server span and logs
// each call.
func UnaryServerInterceptor(logger *zap.Logger, tracer trace.Tracer, metrics *internaltelemetry.PageServiceMetrics) grpc.UnaryServerInterceptor {
	logger = logger.Named("grpc")
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		methodAttr := attribute.String("rpc.method", info.FullMethod)
		ctx, span := tracer.Start(ctx, info.FullMethod,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("rpc.system", "grpc"), methodAttr))
		defer span.End()

		metrics.RpcsStartedCounter.Add(ctx, 1, metric.WithAttributes(methodAttr))
		metrics.ActiveRpcsUpDownCounter.Add(ctx, 1, metric.WithAttributes(methodAttr))
		start := time.Now()

		resp, err := handler(ctx, req)

		elapsed := time.Since(start)
		code := status.Code(err)
		codeAttr := attribute.String("rpc.grpc.status_code", code.String())
		metrics.ActiveRpcsUpDownCounter.Add(ctx, -1, metric.WithAttributes(methodAttr))
		metrics.RpcsHandledCounter.Add(ctx, 1, metric.WithAttributes(methodAttr, codeAttr))
		metrics.RpcLatencyHistogram.Record(ctx, elapsed.Milliseconds(), metric.WithAttributes(methodAttr, codeAttr))
		span.SetAttributes(codeAttr)

		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.Stringer("code", code),
			zap.Duration("duration", elapsed),
		}
		switch code {
		case codes.OK:
			span.SetStatus(otelcodes.Ok, "")
			logger.Debug("RPC handled", fields...)
		case codes.InvalidArgument, codes.NotFound, codes.Canceled, codes.ResourceExhausted, codes.Unavailable:
			span.SetStatus(otelcodes.Error, err.Error())
			logger.Warn("RPC rejected", append(fields, zap.Error(err))...)
		default:
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
			logger.Error("RPC failed", append(fields, zap.Error(err))...)
		}
		return resp, err
	}
}
