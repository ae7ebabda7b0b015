package metrics

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := make(map[string]metricdata.Metrics)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumFor(t *testing.T, m metricdata.Metrics, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s is %T, not an int64 sum", m.Name, m.Data)
	}
	want := attribute.NewSet(attrs...)
	for _, dp := range sum.DataPoints {
		if dp.Attributes.Equals(&want) {
			return dp.Value
		}
	}
	return 0
}

func TestCollectorRecordsOnMeterProvider(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	c := NewCollector(WithMeterProvider(provider))
	c.ObserveIntent("LEND", "succeeded", 200*time.Millisecond)
	c.ObserveIntent("LEND", "succeeded", 100*time.Millisecond)
	c.ObserveIntent("SWAP", "rejected_replay", 0)
	c.ObserveExpired(3)
	c.ObserveHTTPRequest("intents", "POST", 200, 10*time.Millisecond)

	metrics := collect(t, reader)
	intents, ok := metrics["intenthub.intents"]
	if !ok {
		t.Fatalf("intenthub.intents not exported: %v", metrics)
	}
	if got := sumFor(t, intents, attribute.String("action", "LEND"), attribute.String("outcome", "succeeded")); got != 2 {
		t.Fatalf("expected 2 LEND successes, got %d", got)
	}
	if got := sumFor(t, intents, attribute.String("action", "SWAP"), attribute.String("outcome", "rejected_replay")); got != 1 {
		t.Fatalf("expected 1 SWAP duplicate, got %d", got)
	}
	if got := sumFor(t, metrics["intenthub.replay.expired"]); got != 3 {
		t.Fatalf("expected 3 expired, got %d", got)
	}

	dispatch, ok := metrics["intenthub.intent.dispatch.duration"].Data.(metricdata.Histogram[float64])
	if !ok || len(dispatch.DataPoints) != 1 || dispatch.DataPoints[0].Count != 2 {
		t.Fatalf("expected one LEND dispatch series with 2 samples, got %+v", metrics["intenthub.intent.dispatch.duration"].Data)
	}
	if _, ok := metrics["intenthub.http.requests"]; !ok {
		t.Fatalf("http request counter not exported")
	}
}
