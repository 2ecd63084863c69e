package cache

import (
	"context"
	"sync"

	cachekey "github.com/hanpama/normcache/internal/cachekey"
	reader "github.com/hanpama/normcache/internal/reader"
	record "github.com/hanpama/normcache/internal/record"
	selection "github.com/hanpama/normcache/internal/selection"
)

// WatchFunc receives the outcome of a watched read: a result, or an error
// which is a *reader.CacheMiss when the data is not in the store.
type WatchFunc func(*reader.Result, error)

type watcher struct {
	ctx  context.Context
	name string
	set  selection.Set
	mode reader.Mode
	fn   WatchFunc

	mu      sync.Mutex
	stopped bool
	deps    record.KeySet // nil while the last read missed
	last    *reader.Result
	lastErr error

	// pending is the newest outcome not yet passed to fn. Only the goroutine
	// that set delivering calls fn.
	pending    *outcome
	delivering bool
}

type outcome struct {
	res *reader.Result
	err error
}

// Watch reads op and passes the outcome to fn. Afterwards, each write or
// removal that changes a dependent key of the last result triggers a re-read,
// and fn is called again when the outcome differs. While op misses, every
// change triggers a re-read. fn runs on the goroutine of a writer, one call
// at a time, and always ends with the newest outcome.
//
// The watch ends when stop is called or ctx is done.
func (c *Cache) Watch(ctx context.Context, op Operation, fn WatchFunc, opts ...ReadOption) (stop func(), err error) {
	set, name, err := c.operationSet(op)
	if err != nil {
		return nil, err
	}
	o := readOptions{mode: c.operationMode}
	for _, opt := range opts {
		opt(&o)
	}
	w := &watcher{ctx: ctx, name: name, set: set, mode: o.mode, fn: fn}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.watchers[id] = w
	c.mu.Unlock()

	w.refresh(c, true)

	var once sync.Once
	halt := func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers, id)
			c.mu.Unlock()
			w.mu.Lock()
			w.stopped = true
			w.mu.Unlock()
		})
	}
	release := context.AfterFunc(ctx, halt)
	return func() {
		release()
		halt()
	}, nil
}

// notify re-runs the watchers affected by keys, or all of them.
func (c *Cache) notify(_ context.Context, keys record.KeySet, all bool) {
	c.mu.Lock()
	ws := make([]*watcher, 0, len(c.watchers))
	for _, w := range c.watchers {
		ws = append(ws, w)
	}
	c.mu.Unlock()
	for _, w := range ws {
		if all || w.affected(keys) {
			w.refresh(c, false)
		}
	}
}

func (w *watcher) affected(keys record.KeySet) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.deps == nil || w.deps.Intersects(keys)
}

// refresh re-reads and delivers the outcome when it changed. Reads happen
// under w.mu, so their order is the order of the store changes they saw.
// fn is called without holding w.mu so that it may write to the cache or
// stop the watch. A refresh that finds another one delivering leaves its
// outcome pending for it, which keeps deliveries in read order and never
// calls fn concurrently.
func (w *watcher) refresh(c *Cache, initial bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.ctx.Err() != nil {
		return
	}
	res, err := c.read(w.ctx, w.name, w.set, string(cachekey.RootKey), w.mode, nil)
	w.deps = nil
	if res != nil {
		w.deps = res.DependentKeys()
	}
	if !initial && sameOutcome(w.last, w.lastErr, res, err) {
		return
	}
	w.last, w.lastErr = res, err
	w.pending = &outcome{res: res, err: err}
	if w.delivering {
		return
	}
	w.delivering = true
	for w.pending != nil && !w.stopped {
		o := w.pending
		w.pending = nil
		w.mu.Unlock()
		w.fn(o.res, o.err)
		w.mu.Lock()
	}
	w.pending = nil
	w.delivering = false
}

func sameOutcome(prev *reader.Result, prevErr error, res *reader.Result, err error) bool {
	switch {
	case prevErr != nil || err != nil:
		return reader.IsCacheMiss(prevErr) && reader.IsCacheMiss(err)
	case prev == nil || res == nil:
		return false
	default:
		return record.Equal(prev.Data, res.Data)
	}
}
