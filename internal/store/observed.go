package store

import (
	"context"
	"time"

	eventbus "github.com/hanpama/normcache/internal/eventbus"
	events "github.com/hanpama/normcache/internal/events"
	record "github.com/hanpama/normcache/internal/record"
)

// Observed wraps a Store and publishes a StoreStart and a StoreFinish event
// around every call.
type Observed struct {
	next    Store
	backend string
	bus     *eventbus.Bus
}

// Observe wraps next. Events go to bus, or to the global bus when bus is
// nil. backend names the store in events.
func Observe(next Store, backend string, bus *eventbus.Bus) *Observed {
	return &Observed{next: next, backend: backend, bus: bus}
}

// Unwrap returns the wrapped Store.
func (o *Observed) Unwrap() Store { return o.next }

func (o *Observed) target() *eventbus.Bus {
	if o.bus != nil {
		return o.bus
	}
	return eventbus.Global()
}

func (o *Observed) start(ctx context.Context, op string, keys int) (finish func(found int, err error)) {
	bus := o.target()
	parent := events.CallFromContext(ctx)
	ctx, call := events.NewCall(ctx)
	eventbus.Emit(bus, ctx, events.StoreStart{Call: call, Parent: parent, Backend: o.backend, Op: op, Keys: keys})
	began := time.Now()
	return func(found int, err error) {
		eventbus.Emit(bus, ctx, events.StoreFinish{
			Call:     call,
			Backend:  o.backend,
			Op:       op,
			Keys:     keys,
			Found:    found,
			Err:      err,
			Duration: time.Since(began),
		})
	}
}

func (o *Observed) Get(ctx context.Context, key string) (*record.Record, error) {
	finish := o.start(ctx, "get", 1)
	rec, err := o.next.Get(ctx, key)
	found := 0
	if rec != nil {
		found = 1
	}
	finish(found, err)
	return rec, err
}

func (o *Observed) GetMany(ctx context.Context, keys []string) (map[string]*record.Record, error) {
	finish := o.start(ctx, "get_many", len(keys))
	recs, err := o.next.GetMany(ctx, keys)
	finish(len(recs), err)
	return recs, err
}

func (o *Observed) Merge(ctx context.Context, records record.Set) (record.KeySet, error) {
	finish := o.start(ctx, "merge", len(records))
	changed, err := o.next.Merge(ctx, records)
	finish(len(changed), err)
	return changed, err
}

func (o *Observed) Remove(ctx context.Context, keys ...string) (record.KeySet, error) {
	finish := o.start(ctx, "remove", len(keys))
	removed, err := o.next.Remove(ctx, keys...)
	finish(len(removed), err)
	return removed, err
}

func (o *Observed) Clear(ctx context.Context) error {
	finish := o.start(ctx, "clear", 0)
	err := o.next.Clear(ctx)
	finish(0, err)
	return err
}

func (o *Observed) Keys(ctx context.Context) ([]string, error) {
	finish := o.start(ctx, "keys", 0)
	keys, err := o.next.Keys(ctx)
	finish(len(keys), err)
	return keys, err
}
