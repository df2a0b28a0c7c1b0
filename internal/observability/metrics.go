package observability

import (
	"context"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/reelforge/jobwatch/internal/watch"
)

// Metrics holds the job-watch instruments. It implements watch.Recorder.
type Metrics struct {
	provider *sdkmetric.MeterProvider

	// Traffic
	JobsSubmitted        metric.Int64Counter
	JobsSubmissionFailed metric.Int64Counter
	JobsCompleted        metric.Int64Counter
	JobsCancelled        metric.Int64Counter

	// Polling health
	PollTicksSkipped    metric.Int64Counter
	PollTransportErrors metric.Int64Counter
	PersistFailedTotal  metric.Int64Counter

	// Saturation and latency
	JobsActive  metric.Int64UpDownCounter
	JobDuration metric.Float64Histogram

	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
}

var _ watch.Recorder = (*Metrics)(nil)

// NewMetrics creates the instruments on a private Prometheus registry and
// returns the scrape handler for it.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("jobwatch")
	m := &Metrics{provider: provider}

	if m.JobsSubmitted, err = meter.Int64Counter(
		"jobs_submitted_total",
		metric.WithDescription("Jobs accepted by the backend"),
	); err != nil {
		return nil, nil, err
	}

	if m.JobsSubmissionFailed, err = meter.Int64Counter(
		"jobs_submission_failed_total",
		metric.WithDescription("Submissions rejected or unreachable"),
	); err != nil {
		return nil, nil, err
	}

	if m.JobsCompleted, err = meter.Int64Counter(
		"jobs_completed_total",
		metric.WithDescription("Jobs that reached a terminal state"),
	); err != nil {
		return nil, nil, err
	}

	if m.JobsCancelled, err = meter.Int64Counter(
		"jobs_cancelled_total",
		metric.WithDescription("Jobs cancelled before completion"),
	); err != nil {
		return nil, nil, err
	}

	if m.PollTicksSkipped, err = meter.Int64Counter(
		"poll_ticks_skipped_total",
		metric.WithDescription("Poll ticks dropped because a check was still in flight"),
	); err != nil {
		return nil, nil, err
	}

	if m.PollTransportErrors, err = meter.Int64Counter(
		"poll_transport_errors_total",
		metric.WithDescription("Status requests that failed in transport"),
	); err != nil {
		return nil, nil, err
	}

	if m.PersistFailedTotal, err = meter.Int64Counter(
		"persist_failed_total",
		metric.WithDescription("Ready jobs whose result could not be persisted"),
	); err != nil {
		return nil, nil, err
	}

	if m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Jobs currently being watched"),
	); err != nil {
		return nil, nil, err
	}

	if m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Time from submission to terminal state"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 900),
	); err != nil {
		return nil, nil, err
	}

	if m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	); err != nil {
		return nil, nil, err
	}

	if m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	); err != nil {
		return nil, nil, err
	}

	return m, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}

func (m *Metrics) JobSubmitted(kind watch.Kind) {
	attrs := metric.WithAttributes(kindAttr(string(kind)))
	m.JobsSubmitted.Add(context.Background(), 1, attrs)
	m.JobsActive.Add(context.Background(), 1, attrs)
}

func (m *Metrics) SubmissionFailed(kind watch.Kind) {
	m.JobsSubmissionFailed.Add(context.Background(), 1, metric.WithAttributes(kindAttr(string(kind))))
}

func (m *Metrics) JobCompleted(kind watch.Kind, state watch.State, reason watch.Reason, elapsed time.Duration) {
	ctx := context.Background()
	m.JobsCompleted.Add(ctx, 1, metric.WithAttributes(
		kindAttr(string(kind)),
		stateAttr(string(state)),
		reasonAttr(string(reason)),
	))
	m.JobDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(kindAttr(string(kind)), stateAttr(string(state))))
	m.JobsActive.Add(ctx, -1, metric.WithAttributes(kindAttr(string(kind))))
}

func (m *Metrics) JobCancelled(kind watch.Kind) {
	attrs := metric.WithAttributes(kindAttr(string(kind)))
	m.JobsCancelled.Add(context.Background(), 1, attrs)
	m.JobsActive.Add(context.Background(), -1, attrs)
}

func (m *Metrics) PollSkipped(kind watch.Kind) {
	m.PollTicksSkipped.Add(context.Background(), 1, metric.WithAttributes(kindAttr(string(kind))))
}

func (m *Metrics) TransportError(kind watch.Kind) {
	m.PollTransportErrors.Add(context.Background(), 1, metric.WithAttributes(kindAttr(string(kind))))
}

func (m *Metrics) PersistFailed(kind watch.Kind) {
	m.PersistFailedTotal.Add(context.Background(), 1, metric.WithAttributes(kindAttr(string(kind))))
}

// RecordHTTPRequest records one served request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, duration time.Duration) {
	attrs := metric.WithAttributes(methodAttr(method), routeAttr(route), statusAttr(statusCode))
	m.HTTPRequestDuration.Record(ctx, duration.Seconds(), attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)
}
