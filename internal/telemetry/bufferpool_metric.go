package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// BufferPoolMetrics holds the instruments recorded by the buffer pool manager.
type BufferPoolMetrics struct {
	PageHitsCounter      metric.Int64Counter
	PageMissesCounter    metric.Int64Counter
	PagesCreatedCounter  metric.Int64Counter
	EvictionsCounter     metric.Int64Counter
	WriteBacksCounter    metric.Int64Counter
	NoFreeBufferCounter  metric.Int64Counter
	LeasesUpDownCounter  metric.Int64UpDownCounter
	DiskLatencyHistogram metric.Int64Histogram
}

// NewBufferPoolMetrics creates and registers the buffer pool instruments.
func NewBufferPoolMetrics(meter metric.Meter) (*BufferPoolMetrics, error) {
	hits, err := meter.Int64Counter(
		"gojodb.bufferpool.page_hits_total",
		metric.WithDescription("Fetches served from the page table."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	misses, err := meter.Int64Counter(
		"gojodb.bufferpool.page_misses_total",
		metric.WithDescription("Fetches that had to read the heap file."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	created, err := meter.Int64Counter(
		"gojodb.bufferpool.pages_created_total",
		metric.WithDescription("Pages allocated through CreatePage."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	evictions, err := meter.Int64Counter(
		"gojodb.bufferpool.evictions_total",
		metric.WithDescription("Frames reclaimed from a previously loaded page."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	writeBacks, err := meter.Int64Counter(
		"gojodb.bufferpool.writebacks_total",
		metric.WithDescription("Dirty pages written to the heap file."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	noFree, err := meter.Int64Counter(
		"gojodb.bufferpool.no_free_buffer_total",
		metric.WithDescription("Requests rejected because every frame was pinned."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	leases, err := meter.Int64UpDownCounter(
		"gojodb.bufferpool.active_leases",
		metric.WithDescription("Outstanding page leases."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	diskLatency, err := meter.Int64Histogram(
		"gojodb.bufferpool.disk_io.duration",
		metric.WithDescription("Latency of heap file reads and writes issued by the pool."),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}

	return &BufferPoolMetrics{
		PageHitsCounter:      hits,
		PageMissesCounter:    misses,
		PagesCreatedCounter:  created,
		EvictionsCounter:     evictions,
		WriteBacksCounter:    writeBacks,
		NoFreeBufferCounter:  noFree,
		LeasesUpDownCounter:  leases,
		DiskLatencyHistogram: diskLatency,
	}, nil
}
