package otel

import (
	"context"

	eventbus "github.com/hanpama/normcache/internal/eventbus"
	events "github.com/hanpama/normcache/internal/events"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metrics struct {
	reads     metric.Int64Counter
	misses    metric.Int64Counter
	written   metric.Int64Counter
	batchSize metric.Int64Histogram
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	reads, err := meter.Int64Counter(
		"normcache.read.total",
		metric.WithDescription("Number of cache reads"),
		metric.WithUnit("{read}"),
	)
	if err != nil {
		return nil, err
	}
	misses, err := meter.Int64Counter(
		"normcache.read.misses",
		metric.WithDescription("Number of cache reads that missed"),
		metric.WithUnit("{read}"),
	)
	if err != nil {
		return nil, err
	}
	written, err := meter.Int64Counter(
		"normcache.records.written",
		metric.WithDescription("Number of records merged by writes"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}
	batchSize, err := meter.Int64Histogram(
		"normcache.store.batch_size",
		metric.WithDescription("Keys requested per batched store fetch"),
		metric.WithUnit("{key}"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50, 100, 250),
	)
	if err != nil {
		return nil, err
	}
	return &metrics{reads: reads, misses: misses, written: written, batchSize: batchSize}, nil
}

func (m *metrics) register(bus *eventbus.Bus) []func() {
	return []func(){
		eventbus.On(bus, func(ctx context.Context, e events.CacheFinish) {
			switch e.Op {
			case events.OpRead:
				mode := metric.WithAttributes(attribute.String("mode", e.Mode))
				m.reads.Add(ctx, 1, mode)
				if e.Miss != "" {
					m.misses.Add(ctx, 1, metric.WithAttributes(
						attribute.String("mode", e.Mode),
						attribute.String("reason", e.Miss),
					))
				}
			case events.OpWrite:
				if e.Err == nil {
					m.written.Add(ctx, int64(e.Records))
				}
			}
		}),
		eventbus.On(bus, func(ctx context.Context, e events.StoreFinish) {
			if e.Op != "get_many" {
				return
			}
			m.batchSize.Record(ctx, int64(e.Keys),
				metric.WithAttributes(attribute.String("backend", e.Backend)))
		}),
	}
}
