package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
)

type requestKey struct {
	handler string
	method  string
	code    string
}

type routeKey struct {
	handler string
	method  string
}

type intentKey struct {
	action  string
	outcome string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

// Collector accumulates counters and latency histograms and renders them in
// Prometheus text exposition format. Every observation is also recorded on
// OpenTelemetry instruments. The zero value is not usable; call NewCollector.
type Collector struct {
	otel          *instruments
	mu            sync.Mutex
	requests      map[requestKey]uint64
	requestErrors map[routeKey]uint64
	requestTime   map[routeKey]*histogram
	intents       map[intentKey]uint64
	dispatchTime  map[string]*histogram
	expired       uint64
}

// CollectorOption customises a Collector.
type CollectorOption func(*collectorConfig)

type collectorConfig struct {
	provider metric.MeterProvider
}

// WithMeterProvider records observations on provider instead of the global
// OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) CollectorOption {
	return func(cfg *collectorConfig) { cfg.provider = provider }
}

// NewCollector creates an empty collector.
func NewCollector(opts ...CollectorOption) *Collector {
	var cfg collectorConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	inst, err := newInstruments(cfg.provider)
	if err != nil {
		inst = noopInstruments()
	}
	return &Collector{
		otel:          inst,
		requests:      make(map[requestKey]uint64),
		requestErrors: make(map[routeKey]uint64),
		requestTime:   make(map[routeKey]*histogram),
		intents:       make(map[intentKey]uint64),
		dispatchTime:  make(map[string]*histogram),
	}
}

var defaultCollector = NewCollector()

// Default returns the process wide collector.
func Default() *Collector { return defaultCollector }

// ObserveHTTPRequest records metrics about an HTTP request lifecycle on the
// default collector.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultCollector.ObserveHTTPRequest(handler, method, status, duration)
}

// ObserveHTTPRequest records one HTTP request.
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.otel.observeRequest(handler, method, status, duration.Seconds())
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests[requestKey{handler: handler, method: method, code: strconv.Itoa(status)}]++
	key := routeKey{handler: handler, method: method}
	if status >= 500 {
		c.requestErrors[key]++
	}
	hist := c.requestTime[key]
	if hist == nil {
		hist = newHistogram()
		c.requestTime[key] = hist
	}
	hist.observe(duration.Seconds())
}

// ObserveIntent records one routed intent. Outcome is one of the router's
// terminal labels such as "succeeded", "failed", "duplicate" or "rejected".
// A zero duration is counted without a latency sample.
func (c *Collector) ObserveIntent(action, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.otel.observeIntent(action, outcome, duration.Seconds())
	c.mu.Lock()
	defer c.mu.Unlock()

	c.intents[intentKey{action: action, outcome: outcome}]++
	if duration <= 0 {
		return
	}
	hist := c.dispatchTime[action]
	if hist == nil {
		hist = newHistogram()
		c.dispatchTime[action] = hist
	}
	hist.observe(duration.Seconds())
}

// ObserveExpired counts records reconciled by the pending sweeper.
func (c *Collector) ObserveExpired(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.otel.expired.Add(context.Background(), int64(n))
	c.mu.Lock()
	c.expired += uint64(n)
	c.mu.Unlock()
}

// IntentCount returns the counter for an action and outcome pair.
func (c *Collector) IntentCount(action, outcome string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intents[intentKey{action: action, outcome: outcome}]
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

// observe adds the value to every bucket whose bound it does not exceed.
// Values above the last bound only show up in the +Inf bucket via count.
func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

func (h *histogram) snapshot() histogram {
	return histogram{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
}

// Handler exposes the default collector.
func Handler() http.Handler {
	return defaultCollector.Handler()
}

// Handler exposes the collector in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, c.Render())
	})
}

// Render returns the exposition text.
func (c *Collector) Render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type requestMetric struct {
		requestKey
		value uint64
	}
	type routeMetric struct {
		routeKey
		value uint64
	}
	type routeLatency struct {
		routeKey
		hist histogram
	}
	type intentMetric struct {
		intentKey
		value uint64
	}
	type actionLatency struct {
		action string
		hist   histogram
	}

	reqs := make([]requestMetric, 0, len(c.requests))
	for key, value := range c.requests {
		reqs = append(reqs, requestMetric{requestKey: key, value: value})
	}
	errs := make([]routeMetric, 0, len(c.requestErrors))
	for key, value := range c.requestErrors {
		errs = append(errs, routeMetric{routeKey: key, value: value})
	}
	lats := make([]routeLatency, 0, len(c.requestTime))
	for key, hist := range c.requestTime {
		lats = append(lats, routeLatency{routeKey: key, hist: hist.snapshot()})
	}
	intents := make([]intentMetric, 0, len(c.intents))
	for key, value := range c.intents {
		intents = append(intents, intentMetric{intentKey: key, value: value})
	}
	dispatch := make([]actionLatency, 0, len(c.dispatchTime))
	for action, hist := range c.dispatchTime {
		dispatch = append(dispatch, actionLatency{action: action, hist: hist.snapshot()})
	}

	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].handler == reqs[j].handler {
			if reqs[i].method == reqs[j].method {
				return reqs[i].code < reqs[j].code
			}
			return reqs[i].method < reqs[j].method
		}
		return reqs[i].handler < reqs[j].handler
	})
	routeLess := func(a, b routeKey) bool {
		if a.handler == b.handler {
			return a.method < b.method
		}
		return a.handler < b.handler
	}
	sort.Slice(errs, func(i, j int) bool { return routeLess(errs[i].routeKey, errs[j].routeKey) })
	sort.Slice(lats, func(i, j int) bool { return routeLess(lats[i].routeKey, lats[j].routeKey) })
	sort.Slice(intents, func(i, j int) bool {
		if intents[i].action == intents[j].action {
			return intents[i].outcome < intents[j].outcome
		}
		return intents[i].action < intents[j].action
	})
	sort.Slice(dispatch, func(i, j int) bool { return dispatch[i].action < dispatch[j].action })

	var builder strings.Builder
	builder.Grow(2048)

	builder.WriteString("# HELP intenthub_http_requests_total Total number of HTTP requests processed.\n")
	builder.WriteString("# TYPE intenthub_http_requests_total counter\n")
	for _, metric := range reqs {
		builder.WriteString(fmt.Sprintf("intenthub_http_requests_total{handler=\"%s\",method=\"%s\",code=\"%s\"} %d\n",
			escape(metric.handler), escape(metric.method), escape(metric.code), metric.value))
	}

	builder.WriteString("# HELP intenthub_http_request_errors_total Total number of HTTP requests that resulted in a server error.\n")
	builder.WriteString("# TYPE intenthub_http_request_errors_total counter\n")
	for _, metric := range errs {
		builder.WriteString(fmt.Sprintf("intenthub_http_request_errors_total{handler=\"%s\",method=\"%s\"} %d\n",
			escape(metric.handler), escape(metric.method), metric.value))
	}

	builder.WriteString("# HELP intenthub_http_request_duration_seconds HTTP request duration in seconds.\n")
	builder.WriteString("# TYPE intenthub_http_request_duration_seconds histogram\n")
	for _, metric := range lats {
		labels := fmt.Sprintf("handler=\"%s\",method=\"%s\"", escape(metric.handler), escape(metric.method))
		writeHistogram(&builder, "intenthub_http_request_duration_seconds", labels, metric.hist)
	}

	builder.WriteString("# HELP intenthub_intents_total Intents handled by the router, by action and outcome.\n")
	builder.WriteString("# TYPE intenthub_intents_total counter\n")
	for _, metric := range intents {
		builder.WriteString(fmt.Sprintf("intenthub_intents_total{action=\"%s\",outcome=\"%s\"} %d\n",
			escape(metric.action), escape(metric.outcome), metric.value))
	}

	builder.WriteString("# HELP intenthub_intent_dispatch_seconds Adapter dispatch duration in seconds.\n")
	builder.WriteString("# TYPE intenthub_intent_dispatch_seconds histogram\n")
	for _, metric := range dispatch {
		writeHistogram(&builder, "intenthub_intent_dispatch_seconds", fmt.Sprintf("action=\"%s\"", escape(metric.action)), metric.hist)
	}

	builder.WriteString("# HELP intenthub_replay_expired_total Pending records failed by the sweeper.\n")
	builder.WriteString("# TYPE intenthub_replay_expired_total counter\n")
	builder.WriteString(fmt.Sprintf("intenthub_replay_expired_total %d\n", c.expired))

	return builder.String()
}

func writeHistogram(builder *strings.Builder, name, labels string, hist histogram) {
	for idx, bound := range hist.buckets {
		builder.WriteString(fmt.Sprintf("%s_bucket{%s,le=\"%s\"} %d\n", name, labels, formatFloat(bound), hist.counts[idx]))
	}
	builder.WriteString(fmt.Sprintf("%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, hist.count))
	builder.WriteString(fmt.Sprintf("%s_sum{%s} %s\n", name, labels, formatFloat(hist.sum)))
	builder.WriteString(fmt.Sprintf("%s_count{%s} %d\n", name, labels, hist.count))
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
