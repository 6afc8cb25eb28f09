package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/content-drop"
)

var (
	durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
	sizeBuckets     = []float64{128, 1024, 8192, 65536, 262144, 1048576, 4194304, 16777216, 67108864, 268435456, 1073741824}
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal      metric.Int64Counter
	responseBytesTotal metric.Int64Counter
	requestDuration    metric.Float64Histogram

	ingestTotal              metric.Int64Counter
	ingestSize               metric.Float64Histogram
	indexInsertFailuresTotal metric.Int64Counter
	lookupCacheTotal         metric.Int64Counter

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	sweepRecordsTotal    metric.Int64Counter
	sweepBytesFreedTotal metric.Int64Counter
	sweepDuration        metric.Float64Histogram
	expiryIndexEntries   metric.Int64Gauge

	auditActionsTotal metric.Int64Counter
	auditDuration     metric.Float64Histogram

	filesByExtension metric.Int64Gauge

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "content-drop"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// Without exporters a no-op periodic reader still lets instruments record
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

// newMetrics creates every instrument on the given meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.requestsTotal, err = meter.Int64Counter(
		"content_drop_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.responseBytesTotal, err = meter.Int64Counter(
		"content_drop_http_response_bytes_total",
		metric.WithDescription("Total bytes sent in HTTP responses"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"content_drop_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}

	if m.ingestTotal, err = meter.Int64Counter(
		"content_drop_ingest_total",
		metric.WithDescription("Total ingestion attempts by result"),
		metric.WithUnit("{file}"),
	); err != nil {
		return nil, err
	}

	if m.ingestSize, err = meter.Float64Histogram(
		"content_drop_ingest_size_bytes",
		metric.WithDescription("Size of newly stored blobs"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(sizeBuckets...),
	); err != nil {
		return nil, err
	}

	if m.indexInsertFailuresTotal, err = meter.Int64Counter(
		"content_drop_expiry_index_insert_failures_total",
		metric.WithDescription("Stored files whose expiry index insert failed"),
		metric.WithUnit("{file}"),
	); err != nil {
		return nil, err
	}

	if m.lookupCacheTotal, err = meter.Int64Counter(
		"content_drop_metadata_cache_lookups_total",
		metric.WithDescription("Metadata cache lookups by result"),
		metric.WithUnit("{lookup}"),
	); err != nil {
		return nil, err
	}

	if m.backendRequestDuration, err = meter.Float64Histogram(
		"content_drop_backend_request_duration_seconds",
		metric.WithDescription("Duration of backend storage operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	); err != nil {
		return nil, err
	}

	if m.backendRequestsTotal, err = meter.Int64Counter(
		"content_drop_backend_requests_total",
		metric.WithDescription("Total number of backend storage operations"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	if m.backendBytesTotal, err = meter.Int64Counter(
		"content_drop_backend_bytes_total",
		metric.WithDescription("Total bytes transferred in backend operations"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.sweepRecordsTotal, err = meter.Int64Counter(
		"content_drop_sweep_records_total",
		metric.WithDescription("Expiry index entries handled by the sweeper, by result"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.sweepBytesFreedTotal, err = meter.Int64Counter(
		"content_drop_sweep_bytes_freed_total",
		metric.WithDescription("Blob bytes reclaimed by the sweeper"),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	if m.sweepDuration, err = meter.Float64Histogram(
		"content_drop_sweep_duration_seconds",
		metric.WithDescription("Duration of sweep cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}

	if m.expiryIndexEntries, err = meter.Int64Gauge(
		"content_drop_expiry_index_entries",
		metric.WithDescription("Entries scheduled in the expiry index after the last sweep"),
		metric.WithUnit("{entry}"),
	); err != nil {
		return nil, err
	}

	if m.auditActionsTotal, err = meter.Int64Counter(
		"content_drop_audit_actions_total",
		metric.WithDescription("Repairs made by the full-scan audit, by action"),
		metric.WithUnit("{action}"),
	); err != nil {
		return nil, err
	}

	if m.auditDuration, err = meter.Float64Histogram(
		"content_drop_audit_duration_seconds",
		metric.WithDescription("Duration of full-scan audit runs"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}

	if m.filesByExtension, err = meter.Int64Gauge(
		"content_drop_files_by_extension",
		metric.WithDescription("Stored files grouped by file name extension"),
		metric.WithUnit("{file}"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordHTTP records HTTP request metrics.
// Call this from the logging middleware after the request completes.
// Operation and result are read from request tags set by handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	operation := "unknown"
	result := string(ResultNA)
	if tags := GetTags(r); tags != nil {
		if tags.Operation != "" {
			operation = tags.Operation
		}
		if tags.Result != "" {
			result = string(tags.Result)
		}
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status_class", StatusClass(status)),
		attribute.String("result", result),
	)
	globalMetrics.requestsTotal.Add(ctx, 1, attrs)
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, attrs)
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordIngest records the result of an ingestion attempt. size is only
// recorded for newly stored content.
func RecordIngest(ctx context.Context, result Result, size int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.ingestTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", string(result))))
	if result == ResultCreated {
		globalMetrics.ingestSize.Record(ctx, float64(size))
	}
}

// RecordIndexInsertFailure records a stored file that could not be scheduled
// for expiry.
func RecordIndexInsertFailure(ctx context.Context) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.indexInsertFailuresTotal.Add(ctx, 1)
}

// RecordLookupCache records a metadata cache hit or miss.
func RecordLookupCache(ctx context.Context, hit bool) {
	if globalMetrics == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	globalMetrics.lookupCacheTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	globalMetrics.backendRequestsTotal.Add(ctx, 1, attrs)
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), attrs)
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, attrs)
	}
}

// SweepCycle summarises one sweep cycle for metrics.
type SweepCycle struct {
	Deleted      int
	Stale        int
	MissingBlobs int
	Errors       int
	BytesFreed   int64
	Remaining    int
	Duration     time.Duration
}

// RecordSweepCycle records one sweep cycle. Called unconditionally per cycle.
func RecordSweepCycle(ctx context.Context, c SweepCycle) {
	if globalMetrics == nil {
		return
	}
	add := func(result string, n int) {
		if n > 0 {
			globalMetrics.sweepRecordsTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String("result", result)))
		}
	}
	add("deleted", c.Deleted)
	add("stale", c.Stale)
	add("missing_blob", c.MissingBlobs)
	add("error", c.Errors)
	if c.BytesFreed > 0 {
		globalMetrics.sweepBytesFreedTotal.Add(ctx, c.BytesFreed)
	}
	globalMetrics.sweepDuration.Record(ctx, c.Duration.Seconds())
	globalMetrics.expiryIndexEntries.Record(ctx, int64(c.Remaining))
}

// RecordAuditRun records the repairs made by one audit run.
func RecordAuditRun(ctx context.Context, reindexed, orphansDeleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.auditActionsTotal.Add(ctx, int64(reindexed), metric.WithAttributes(attribute.String("action", "reindexed")))
	globalMetrics.auditActionsTotal.Add(ctx, int64(orphansDeleted), metric.WithAttributes(attribute.String("action", "orphan_deleted")))
	globalMetrics.auditDuration.Record(ctx, duration.Seconds())
}

// UpdateExtensionCounts records the latest per-extension file counts.
func UpdateExtensionCounts(ctx context.Context, counts map[string]int) {
	if globalMetrics == nil {
		return
	}
	for ext, n := range counts {
		globalMetrics.filesByExtension.Record(ctx, int64(n), metric.WithAttributes(attribute.String("extension", ext)))
	}
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
