package otel

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	cache "github.com/hanpama/normcache/internal/cache"
	eventbus "github.com/hanpama/normcache/internal/eventbus"
	events "github.com/hanpama/normcache/internal/events"
	reader "github.com/hanpama/normcache/internal/reader"
	record "github.com/hanpama/normcache/internal/record"
	reqid "github.com/hanpama/normcache/internal/reqid"
	store "github.com/hanpama/normcache/internal/store"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumOf(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	m := findMetric(rm, name)
	if m == nil {
		return 0
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is %T", name, m.Data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetricsFromEvents(t *testing.T) {
	mr := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(mr))
	m, err := newMetrics(mp.Meter("test"))
	require.NoError(t, err)

	bus := eventbus.New()
	for _, u := range m.register(bus) {
		defer u()
	}
	ctx := context.Background()
	eventbus.Emit(bus, ctx, events.CacheFinish{Op: events.OpWrite, Records: 4})
	eventbus.Emit(bus, ctx, events.CacheFinish{Op: events.OpWrite, Records: 9, Err: errors.New("boom")})
	eventbus.Emit(bus, ctx, events.CacheFinish{Op: events.OpRead, Mode: "batch", Records: 4})
	eventbus.Emit(bus, ctx, events.CacheFinish{Op: events.OpRead, Mode: "batch", Miss: "missing field"})
	eventbus.Emit(bus, ctx, events.StoreFinish{Backend: "memory", Op: "get_many", Keys: 3})
	eventbus.Emit(bus, ctx, events.StoreFinish{Backend: "memory", Op: "get", Keys: 1})

	var rm metricdata.ResourceMetrics
	require.NoError(t, mr.Collect(ctx, &rm))

	require.Equal(t, int64(2), sumOf(t, rm, "normcache.read.total"))
	require.Equal(t, int64(1), sumOf(t, rm, "normcache.read.misses"))
	require.Equal(t, int64(4), sumOf(t, rm, "normcache.records.written"))

	found := findMetric(rm, "normcache.store.batch_size")
	require.NotNil(t, found)
	hist, ok := found.Data.(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	require.Equal(t, uint64(1), hist.DataPoints[0].Count)
	require.Equal(t, int64(3), hist.DataPoints[0].Sum)
	backend, _ := hist.DataPoints[0].Attributes.Value("backend")
	require.Equal(t, "memory", backend.AsString())
}

func TestMissReasonAttribute(t *testing.T) {
	mr := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(mr))
	m, err := newMetrics(mp.Meter("test"))
	require.NoError(t, err)
	bus := eventbus.New()
	m.register(bus)

	ctx := context.Background()
	eventbus.Emit(bus, ctx, events.CacheFinish{Op: events.OpRead, Mode: "sequential", Miss: "missing record"})

	var rm metricdata.ResourceMetrics
	require.NoError(t, mr.Collect(ctx, &rm))
	sum := findMetric(rm, "normcache.read.misses").Data.(metricdata.Sum[int64])
	require.Len(t, sum.DataPoints, 1)
	want := attribute.NewSet(
		attribute.String("mode", "sequential"),
		attribute.String("reason", "missing record"),
	)
	require.True(t, want.Equals(&sum.DataPoints[0].Attributes))
}

func TestTracingNestsSpansPerRequest(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	bus := eventbus.New()
	for _, u := range newTracing(tp.Tracer("test")).register(bus) {
		defer u()
	}

	ctx, _ := reqid.NewContext(context.Background())
	req := httptest.NewRequest("POST", "/read", nil)
	ctx, httpCall := events.NewCall(ctx)
	ctx, cacheCall := events.NewCall(ctx)
	_, storeCall := events.NewCall(ctx)
	eventbus.Emit(bus, ctx, events.HTTPStart{Call: httpCall, Request: req})
	eventbus.Emit(bus, ctx, events.CacheStart{Call: cacheCall, Parent: httpCall, Op: events.OpRead, RootKey: "QUERY_ROOT", Mode: "batch"})
	eventbus.Emit(bus, ctx, events.StoreStart{Call: storeCall, Parent: cacheCall, Backend: "memory", Op: "get_many", Keys: 1})
	eventbus.Emit(bus, ctx, events.StoreFinish{Call: storeCall, Backend: "memory", Op: "get_many", Keys: 1, Found: 0})
	eventbus.Emit(bus, ctx, events.CacheFinish{Call: cacheCall, Op: events.OpRead, RootKey: "QUERY_ROOT", Mode: "batch", Miss: "missing record"})
	eventbus.Emit(bus, ctx, events.HTTPFinish{Call: httpCall, Request: req, Status: 200})

	spans := rec.Ended()
	var names []string
	for _, s := range spans {
		names = append(names, s.Name())
	}
	if diff := cmp.Diff([]string{"store.get_many", "cache.read", "http.request"}, names); diff != "" {
		t.Fatalf("span mismatch (-want +got):\n%s", diff)
	}
	store, cache, http := spans[0], spans[1], spans[2]
	require.Equal(t, cache.SpanContext().SpanID(), store.Parent().SpanID())
	require.Equal(t, http.SpanContext().SpanID(), cache.Parent().SpanID())
	require.Equal(t, http.SpanContext().TraceID(), store.SpanContext().TraceID())
}

func TestTracingRecordsStoreErrors(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	bus := eventbus.New()
	newTracing(tp.Tracer("test")).register(bus)

	ctx, call := events.NewCall(context.Background())
	eventbus.Emit(bus, ctx, events.StoreStart{Call: call, Backend: "redis", Op: "merge", Keys: 2})
	eventbus.Emit(bus, ctx, events.StoreFinish{Call: call, Backend: "redis", Op: "merge", Keys: 2, Err: errors.New("conflict")})

	spans := rec.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "conflict", spans[0].Status().Description)
	require.Len(t, spans[0].Events(), 1)
}

func TestTracingOverlappingCallsWithoutRequestID(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	bus := eventbus.New()
	newTracing(tp.Tracer("test")).register(bus)

	ctx := context.Background()
	_, a := events.NewCall(ctx)
	_, b := events.NewCall(ctx)
	eventbus.Emit(bus, ctx, events.CacheStart{Call: a, Op: events.OpWrite})
	eventbus.Emit(bus, ctx, events.CacheStart{Call: b, Op: events.OpRead})
	eventbus.Emit(bus, ctx, events.CacheFinish{Call: a, Op: events.OpWrite, Records: 2})
	eventbus.Emit(bus, ctx, events.CacheFinish{Call: b, Op: events.OpRead, Records: 1})

	spans := rec.Ended()
	require.Len(t, spans, 2)
	require.Equal(t, "cache.write", spans[0].Name())
	require.Equal(t, "cache.read", spans[1].Name())
}

func TestTracingEndsWatcherReadInsideWrite(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	bus := eventbus.New()
	newTracing(tp.Tracer("test")).register(bus)

	c := cache.New(store.Observe(store.NewMemory(), "memory", bus), cache.WithBus(bus))
	ctx, _ := reqid.WithID(context.Background(), "shared")
	op := cache.Operation{Query: `{ hero { __typename id name } }`}
	stop, err := c.Watch(ctx, op, func(*reader.Result, error) {})
	require.NoError(t, err)
	defer stop()

	data, err := record.DecodeObject([]byte(`{"hero": {"__typename": "Droid", "id": "2001", "name": "R2-D2"}}`))
	require.NoError(t, err)
	_, err = c.WriteOperation(ctx, op, data)
	require.NoError(t, err)

	require.Len(t, rec.Ended(), len(rec.Started()))
	var write sdktrace.ReadOnlySpan
	reads := 0
	for _, s := range rec.Ended() {
		switch s.Name() {
		case "cache.write":
			write = s
		case "cache.read":
			reads++
		}
	}
	require.NotNil(t, write)
	require.Equal(t, 2, reads)
	for _, s := range rec.Ended() {
		if s.Name() == "store.merge" {
			require.Equal(t, write.SpanContext().SpanID(), s.Parent().SpanID())
		}
	}
}

func TestSetupDisabled(t *testing.T) {
	tel, err := Setup(context.Background(), eventbus.New(), Config{Service: "normcache"})
	require.NoError(t, err)
	require.Nil(t, tel.MetricsHandler())
	require.NoError(t, tel.Shutdown(context.Background()))
}

func TestSetupMetricsHandler(t *testing.T) {
	bus := eventbus.New()
	tel, err := Setup(context.Background(), bus, Config{Service: "normcache", Metrics: true})
	require.NoError(t, err)
	defer tel.Shutdown(context.Background())

	eventbus.Emit(bus, context.Background(), events.CacheFinish{Op: events.OpRead, Mode: "batch"})

	rr := httptest.NewRecorder()
	tel.MetricsHandler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rr.Code)
	require.Contains(t, rr.Body.String(), "normcache_read_total")
}
