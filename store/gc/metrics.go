package gc

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds audit-related OpenTelemetry metric instruments.
type Metrics struct {
	runsTotal        metric.Int64Counter
	recordsScanned   metric.Int64Counter
	bytesReclaimed   metric.Int64Counter
	errorsTotal      metric.Int64Counter
	lastRunTimestamp metric.Float64Gauge
	lastRunSuccess   metric.Float64Gauge
}

// NewMetrics creates a new Metrics instance with the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	runsTotal, err := meter.Int64Counter(
		"content_drop_audit_runs_total",
		metric.WithDescription("Total number of audit runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	recordsScanned, err := meter.Int64Counter(
		"content_drop_audit_records_scanned_total",
		metric.WithDescription("Total number of metadata records scanned by audits"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	bytesReclaimed, err := meter.Int64Counter(
		"content_drop_audit_bytes_reclaimed_total",
		metric.WithDescription("Total bytes reclaimed by deleting orphan blobs"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	errorsTotal, err := meter.Int64Counter(
		"content_drop_audit_errors_total",
		metric.WithDescription("Total number of audit errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	lastRunTimestamp, err := meter.Float64Gauge(
		"content_drop_audit_last_run_timestamp_seconds",
		metric.WithDescription("Unix timestamp of last audit run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	lastRunSuccess, err := meter.Float64Gauge(
		"content_drop_audit_last_run_success",
		metric.WithDescription("Whether last audit run was successful (1=success, 0=failure)"),
		metric.WithUnit("{status}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		runsTotal:        runsTotal,
		recordsScanned:   recordsScanned,
		bytesReclaimed:   bytesReclaimed,
		errorsTotal:      errorsTotal,
		lastRunTimestamp: lastRunTimestamp,
		lastRunSuccess:   lastRunSuccess,
	}, nil
}
