package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// PageServiceMetrics holds the metric instruments for the page RPC service.
type PageServiceMetrics struct {
	RpcsStartedCounter      metric.Int64Counter
	RpcsHandledCounter      metric.Int64Counter
	RpcLatencyHistogram     metric.Int64Histogram
	ActiveRpcsUpDownCounter metric.Int64UpDownCounter
	PageBytesCounter        metric.Int64Counter
}

// NewPageServiceMetrics creates and registers all the metrics for the page service.
func NewPageServiceMetrics(meter metric.Meter) (*PageServiceMetrics, error) {
	rpcsStartedCounter, err := meter.Int64Counter(
		"gojodb.pagecache.grpc.server.started_total",
		metric.WithDescription("Total number of RPCs started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcsHandledCounter, err := meter.Int64Counter(
		"gojodb.pagecache.grpc.server.handled_total",
		metric.WithDescription("Total number of RPCs completed, by method and code."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	rpcLatencyHistogram, err := meter.Int64Histogram(
		"gojodb.pagecache.grpc.server.duration",
		metric.WithDescription("The latency of RPCs."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeRpcsUpDownCounter, err := meter.Int64UpDownCounter(
		"gojodb.pagecache.grpc.server.active_rpcs",
		metric.WithDescription("Number of active RPCs."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pageBytesCounter, err := meter.Int64Counter(
		"gojodb.pagecache.grpc.server.page_bytes_total",
		metric.WithDescription("Page bytes moved by ReadPage and WritePage, by direction."),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return &PageServiceMetrics{
		RpcsStartedCounter:      rpcsStartedCounter,
		RpcsHandledCounter:      rpcsHandledCounter,
		RpcLatencyHistogram:     rpcLatencyHistogram,
		ActiveRpcsUpDownCounter: activeRpcsUpDownCounter,
		PageBytesCounter:        pageBytesCounter,
	}, nil
}
