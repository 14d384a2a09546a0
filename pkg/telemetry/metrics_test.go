package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func installManualReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})

	ResetMetricsForTest()
	return reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}
	return metrics
}

func TestRecordUpstreamCall(t *testing.T) {
	reader := installManualReader(t)
	ctx := context.Background()

	RecordUpstreamCall(ctx, UpstreamCall{
		Upstream:   "profile",
		Method:     http.MethodPost,
		StatusCode: http.StatusBadGateway,
		Duration:   150 * time.Millisecond,
	})
	RecordUpstreamCall(ctx, UpstreamCall{
		Upstream: "profile",
		Method:   http.MethodPost,
		Err:      errors.New("dial tcp: refused"),
	})

	metrics := collect(t, reader)

	calls, ok := metrics["edge.upstream.calls_total"]
	if !ok {
		t.Fatalf("missing edge.upstream.calls_total metric")
	}
	callData, ok := calls.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for calls metric")
	}
	if len(callData.DataPoints) != 2 {
		t.Fatalf("expected 2 datapoints, got %d", len(callData.DataPoints))
	}
	if value, ok := callData.DataPoints[0].Attributes.Value(AttrUpstreamName); !ok || value.AsString() != "profile" {
		t.Fatalf("expected upstream attribute profile, got %v", value)
	}

	failures := metrics["edge.upstream.failures_total"].Data.(metricdata.Sum[int64])
	var total int64
	for _, dp := range failures.DataPoints {
		total += dp.Value
	}
	if total != 2 {
		t.Fatalf("expected 2 failures, got %d", total)
	}

	hist := metrics["edge.upstream.duration_ms"].Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Sum != 150 {
		t.Fatalf("expected one latency sample of 150ms, got %+v", hist.DataPoints)
	}
}

func TestNewHTTPClientRecordsCalls(t *testing.T) {
	reader := installManualReader(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	client := NewHTTPClient("origin", time.Second, nil)
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected redirect to be returned, got %d", resp.StatusCode)
	}

	calls := collect(t, reader)["edge.upstream.calls_total"].Data.(metricdata.Sum[int64])
	if len(calls.DataPoints) != 1 || calls.DataPoints[0].Value != 1 {
		t.Fatalf("expected exactly one recorded call, got %+v", calls.DataPoints)
	}
}

func TestRecordSelection(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "select")
	RecordSelection(span, "/;exp1=1/pricing", 1, "exp1")
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	events := spans[0].Events()
	if len(events) != 1 || events[0].Name != "edge.selection" {
		t.Fatalf("expected one edge.selection event, got %+v", events)
	}

	attrs := attribute.NewSet(events[0].Attributes...)
	if value, ok := attrs.Value(AttrVariantPath); !ok || value.AsString() != "/;exp1=1/pricing" {
		t.Fatalf("unexpected variant path attribute %v", value)
	}
	if value, ok := attrs.Value(AttrEnrollment); !ok || value.AsString() != "exp1" {
		t.Fatalf("unexpected enrollment attribute %v", value)
	}

	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown tracer provider: %v", err)
	}
}

func TestSanitizeAttributes(t *testing.T) {
	attrs := SanitizeAttributes([]attribute.KeyValue{
		attribute.String("http.request.header.cookie", "ntaid=abc"),
		AttrProfileID.String("visitor-1"),
		AttrCacheStatus.String("hit"),
	})

	set := attribute.NewSet(attrs...)
	if _, ok := set.Value("http.request.header.cookie"); ok {
		t.Fatalf("cookie attribute should be dropped")
	}
	if value, _ := set.Value(AttrProfileID); value.AsString() == "visitor-1" || value.AsString() == "" {
		t.Fatalf("profile id should be digested, got %q", value.AsString())
	}
	if value, _ := set.Value(AttrCacheStatus); value.AsString() != "hit" {
		t.Fatalf("cache status should pass through")
	}
}

func TestSetupProviderWithoutEndpoint(t *testing.T) {
	shutdown, err := SetupProvider(context.Background(), Config{ServiceName: "polis-edge"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
