package metrics

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "IntentHub/internal/observability/metrics"

// instruments mirrors the collector onto an OpenTelemetry meter. With the
// global provider left unset the instruments are no-ops.
type instruments struct {
	requests        metric.Int64Counter
	requestDuration metric.Float64Histogram
	intents         metric.Int64Counter
	dispatch        metric.Float64Histogram
	expired         metric.Int64Counter
}

func newInstruments(provider metric.MeterProvider) (*instruments, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	var (
		inst instruments
		err  error
	)
	inst.requests, err = meter.Int64Counter("intenthub.http.requests",
		metric.WithDescription("HTTP requests processed"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, fmt.Errorf("create intenthub.http.requests counter: %w", err)
	}
	inst.requestDuration, err = meter.Float64Histogram("intenthub.http.request.duration",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create intenthub.http.request.duration histogram: %w", err)
	}
	inst.intents, err = meter.Int64Counter("intenthub.intents",
		metric.WithDescription("Intents handled by the router, by action and outcome"),
		metric.WithUnit("{intent}"))
	if err != nil {
		return nil, fmt.Errorf("create intenthub.intents counter: %w", err)
	}
	inst.dispatch, err = meter.Float64Histogram("intenthub.intent.dispatch.duration",
		metric.WithDescription("Adapter dispatch duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("create intenthub.intent.dispatch.duration histogram: %w", err)
	}
	inst.expired, err = meter.Int64Counter("intenthub.replay.expired",
		metric.WithDescription("Pending records failed by the sweeper"),
		metric.WithUnit("{record}"))
	if err != nil {
		return nil, fmt.Errorf("create intenthub.replay.expired counter: %w", err)
	}
	return &inst, nil
}

func noopInstruments() *instruments {
	inst, _ := newInstruments(noop.NewMeterProvider())
	return inst
}

func (i *instruments) observeRequest(handler, method string, status int, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("handler", handler),
		attribute.String("method", method),
		attribute.Int("code", status),
	)
	ctx := context.Background()
	i.requests.Add(ctx, 1, attrs)
	i.requestDuration.Record(ctx, seconds, attrs)
}

func (i *instruments) observeIntent(action, outcome string, seconds float64) {
	ctx := context.Background()
	i.intents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("outcome", outcome),
	))
	if seconds > 0 {
		i.dispatch.Record(ctx, seconds, metric.WithAttributes(attribute.String("action", action)))
	}
}
