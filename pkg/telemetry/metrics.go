package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName scopes the tracer and meter used by the edge.
const InstrumentationName = "polis-edge"

// Span attribute keys used across the pipeline.
const (
	AttrProfileID    = attribute.Key("edge.profile.id")
	AttrVariantPath  = attribute.Key("edge.variant.path")
	AttrSelections   = attribute.Key("edge.selections.count")
	AttrEnrollment   = attribute.Key("edge.enrollment.experience")
	AttrCacheStatus  = attribute.Key("edge.cache.status")
	AttrUpstreamName = attribute.Key("edge.upstream.name")
)

var (
	metricsOnce              sync.Once
	metricsInitErr           error
	upstreamCallCounter      metric.Int64Counter
	upstreamFailureCounter   metric.Int64Counter
	upstreamLatencyHistogram metric.Float64Histogram
)

// UpstreamCall describes one request the edge made to a collaborator.
type UpstreamCall struct {
	Upstream   string
	Method     string
	StatusCode int
	Err        error
	Duration   time.Duration
}

// Tracer returns the edge tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// RecordUpstreamCall emits counters and a latency histogram for an upstream call.
func RecordUpstreamCall(ctx context.Context, call UpstreamCall) {
	if err := ensureMetrics(); err != nil {
		return
	}

	outcome := "ok"
	switch {
	case call.Err != nil:
		outcome = "error"
	case call.StatusCode >= 500:
		outcome = "server_error"
	case call.StatusCode >= 400:
		outcome = "client_error"
	}

	attrs := metric.WithAttributes(
		AttrUpstreamName.String(call.Upstream),
		attribute.String("http.request.method", call.Method),
		attribute.Int("http.response.status_code", call.StatusCode),
		attribute.String("edge.upstream.outcome", outcome),
	)

	upstreamCallCounter.Add(ctx, 1, attrs)
	if outcome != "ok" && outcome != "client_error" {
		upstreamFailureCounter.Add(ctx, 1, attrs)
	}
	if call.Duration > 0 {
		upstreamLatencyHistogram.Record(ctx, float64(call.Duration)/float64(time.Millisecond), attrs)
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(InstrumentationName)

		upstreamCallCounter, metricsInitErr = meter.Int64Counter(
			"edge.upstream.calls_total",
			metric.WithDescription("Calls made to upstream collaborators partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		upstreamFailureCounter, metricsInitErr = meter.Int64Counter(
			"edge.upstream.failures_total",
			metric.WithDescription("Upstream calls that failed at the transport or returned 5xx"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		upstreamLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"edge.upstream.duration_ms",
			metric.WithDescription("Observed upstream call latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}

// RecordSelection attaches the personalization outcome to span.
func RecordSelection(span trace.Span, variantPath string, selections int, enrollment string) {
	if span == nil || !span.IsRecording() {
		return
	}

	attrs := []attribute.KeyValue{
		AttrVariantPath.String(variantPath),
		AttrSelections.Int(selections),
	}
	if enrollment != "" {
		attrs = append(attrs, AttrEnrollment.String(enrollment))
	}

	span.AddEvent("edge.selection", trace.WithAttributes(attrs...))
}
