package otel

import (
	"context"
	"errors"
	"net/http"
	"sync"

	eventbus "github.com/hanpama/normcache/internal/eventbus"
	events "github.com/hanpama/normcache/internal/events"
	reqid "github.com/hanpama/normcache/internal/reqid"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const scope = "github.com/hanpama/normcache"

// Config selects which exporters Setup installs.
type Config struct {
	// Endpoint is the OTLP gRPC collector address. Empty disables tracing.
	Endpoint string
	Service  string
	// Metrics enables the Prometheus exporter.
	Metrics bool
}

// Telemetry holds the providers installed by Setup.
type Telemetry struct {
	metrics     http.Handler
	shutdown    []func(context.Context) error
	unsubscribe []func()
}

// Setup configures OpenTelemetry and attaches subscribers to bus.
// With an empty Config nothing is installed.
func Setup(ctx context.Context, bus *eventbus.Bus, cfg Config) (*Telemetry, error) {
	t := &Telemetry{}
	res := resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(cfg.Service))

	if cfg.Endpoint != "" {
		exp, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
		if err != nil {
			return nil, err
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exp),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		t.shutdown = append(t.shutdown, tp.Shutdown)
		t.unsubscribe = append(t.unsubscribe, newTracing(tp.Tracer(scope)).register(bus)...)
	}

	if cfg.Metrics {
		reg := promclient.NewRegistry()
		exp, err := prometheus.New(prometheus.WithRegisterer(reg))
		if err != nil {
			t.Shutdown(ctx)
			return nil, err
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(exp),
			sdkmetric.WithResource(res),
		)
		otel.SetMeterProvider(mp)
		t.shutdown = append(t.shutdown, mp.Shutdown)
		m, err := newMetrics(mp.Meter(scope))
		if err != nil {
			t.Shutdown(ctx)
			return nil, err
		}
		t.unsubscribe = append(t.unsubscribe, m.register(bus)...)
		t.metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	return t, nil
}

// MetricsHandler serves the Prometheus scrape endpoint, nil when metrics
// are disabled.
func (t *Telemetry) MetricsHandler() http.Handler { return t.metrics }

// Shutdown detaches the subscribers and flushes the providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	for _, u := range t.unsubscribe {
		u()
	}
	t.unsubscribe = nil
	var errs []error
	for _, fn := range t.shutdown {
		errs = append(errs, fn(ctx))
	}
	t.shutdown = nil
	return errors.Join(errs...)
}

// tracing turns Start/Finish event pairs into spans. Spans are keyed by the
// events' Call, so concurrent and nested calls sharing a request ID never
// replace each other.
type tracing struct {
	tracer trace.Tracer
	spans  sync.Map // events.Call -> trace.Span
}

func newTracing(tracer trace.Tracer) *tracing { return &tracing{tracer: tracer} }

// start opens the span of call as a child of parent's span when it is open.
func (s *tracing) start(ctx context.Context, call, parent events.Call, name string) trace.Span {
	if v, ok := s.spans.Load(parent); parent != 0 && ok {
		ctx = trace.ContextWithSpan(ctx, v.(trace.Span))
	}
	_, span := s.tracer.Start(ctx, name)
	if call != 0 {
		s.spans.Store(call, span)
	}
	return span
}

func (s *tracing) finish(call events.Call) (trace.Span, bool) {
	if call == 0 {
		return nil, false
	}
	v, ok := s.spans.LoadAndDelete(call)
	if !ok {
		return nil, false
	}
	return v.(trace.Span), true
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *tracing) register(bus *eventbus.Bus) []func() {
	return []func(){
		eventbus.On(bus, func(ctx context.Context, e events.HTTPStart) {
			span := s.start(ctx, e.Call, 0, "http.request")
			span.SetAttributes(
				semconv.HTTPRequestMethodKey.String(e.Request.Method),
				semconv.URLPath(e.Request.URL.Path),
			)
			if rid, ok := reqid.FromContext(ctx); ok {
				span.SetAttributes(attribute.String("normcache.request_id", rid))
			}
		}),

		eventbus.On(bus, func(ctx context.Context, e events.HTTPFinish) {
			span, ok := s.finish(e.Call)
			if !ok {
				return
			}
			span.SetAttributes(semconv.HTTPResponseStatusCode(e.Status))
			span.End()
		}),

		eventbus.On(bus, func(ctx context.Context, e events.CacheStart) {
			span := s.start(ctx, e.Call, e.Parent, "cache."+e.Op)
			span.SetAttributes(
				attribute.String("normcache.operation.name", e.Name),
				attribute.String("normcache.root_key", e.RootKey),
			)
			if e.Mode != "" {
				span.SetAttributes(attribute.String("normcache.read.mode", e.Mode))
			}
		}),

		eventbus.On(bus, func(ctx context.Context, e events.CacheFinish) {
			span, ok := s.finish(e.Call)
			if !ok {
				return
			}
			span.SetAttributes(
				attribute.Int("normcache.records", e.Records),
				attribute.Int("normcache.changed", e.Changed),
			)
			if e.Miss != "" {
				span.SetAttributes(attribute.String("normcache.miss", e.Miss))
			}
			end(span, e.Err)
		}),

		eventbus.On(bus, func(ctx context.Context, e events.StoreStart) {
			span := s.start(ctx, e.Call, e.Parent, "store."+e.Op)
			span.SetAttributes(
				attribute.String("normcache.store.backend", e.Backend),
				attribute.Int("normcache.store.keys", e.Keys),
			)
		}),

		eventbus.On(bus, func(ctx context.Context, e events.StoreFinish) {
			span, ok := s.finish(e.Call)
			if !ok {
				return
			}
			span.SetAttributes(attribute.Int("normcache.store.found", e.Found))
			end(span, e.Err)
		}),
	}
}
