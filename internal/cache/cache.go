// Package cache ties the normalizer, the readers and a store into a
// client-side normalized GraphQL cache.
//
// Operations are written and read at the root key; fragments at the key of
// the entity they describe. Watchers re-read their operation whenever a write
// changes one of the dependent keys of their last result.
package cache

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	cachekey "github.com/hanpama/normcache/internal/cachekey"
	eventbus "github.com/hanpama/normcache/internal/eventbus"
	events "github.com/hanpama/normcache/internal/events"
	language "github.com/hanpama/normcache/internal/language"
	normalize "github.com/hanpama/normcache/internal/normalize"
	reader "github.com/hanpama/normcache/internal/reader"
	record "github.com/hanpama/normcache/internal/record"
	selection "github.com/hanpama/normcache/internal/selection"
	store "github.com/hanpama/normcache/internal/store"
)

// Operation selects what to write or read at the root: a query document, the
// operation to use (empty when the document has one) and its variables.
type Operation struct {
	Query         string
	OperationName string
	Variables     map[string]any
}

// Fragment selects what to write or read at the record Key with the named
// fragment of the document Query.
type Fragment struct {
	Query        string
	FragmentName string
	Variables    map[string]any
	Key          string
}

// Cache is safe for concurrent use.
type Cache struct {
	store      store.Store
	resolver   cachekey.Resolver
	normalizer *normalize.Normalizer
	schema     *language.Schema
	bus        *eventbus.Bus

	operationMode reader.Mode
	fragmentMode  reader.Mode

	docs    sync.Map // query -> *language.QueryDocument
	parsing singleflight.Group

	mu       sync.Mutex
	nextID   uint64
	watchers map[uint64]*watcher
}

// Option configures a Cache.
type Option func(*Cache)

// WithResolver sets the identity policy. Default cachekey.TypenameID{}.
func WithResolver(r cachekey.Resolver) Option {
	return func(c *Cache) { c.resolver = r }
}

// WithSchema validates documents against s and enables list markers and
// fragment type conditions. Without a schema documents are only parsed.
func WithSchema(s *language.Schema) Option {
	return func(c *Cache) { c.schema = s }
}

// WithReadModes sets the default read strategy of operations and of
// fragments. Defaults are Batch and Sequential.
func WithReadModes(operation, fragment reader.Mode) Option {
	return func(c *Cache) {
		c.operationMode = operation
		c.fragmentMode = fragment
	}
}

// WithBus publishes events to b instead of the global bus.
func WithBus(b *eventbus.Bus) Option {
	return func(c *Cache) { c.bus = b }
}

// New returns a Cache over s.
func New(s store.Store, opts ...Option) *Cache {
	c := &Cache{
		store:         s,
		resolver:      cachekey.TypenameID{},
		operationMode: reader.Batch,
		fragmentMode:  reader.Sequential,
		watchers:      make(map[uint64]*watcher),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.normalizer = normalize.New(c.resolver)
	return c
}

// Store returns the underlying store.
func (c *Cache) Store() store.Store { return c.store }

// ReadOption adjusts one read.
type ReadOption func(*readOptions)

type readOptions struct {
	mode reader.Mode
}

// WithMode overrides the read strategy.
func WithMode(m reader.Mode) ReadOption {
	return func(o *readOptions) { o.mode = m }
}

// WriteOperation normalizes data, the response of op, into the store and
// returns the changed dependent keys.
func (c *Cache) WriteOperation(ctx context.Context, op Operation, data record.Object) (record.KeySet, error) {
	set, name, err := c.operationSet(op)
	if err != nil {
		return nil, err
	}
	return c.write(ctx, name, set, data, string(cachekey.RootKey))
}

// WriteFragment normalizes data as the fragment's fields of the record at
// frag.Key.
func (c *Cache) WriteFragment(ctx context.Context, frag Fragment, data record.Object) (record.KeySet, error) {
	set, err := c.fragmentSet(frag)
	if err != nil {
		return nil, err
	}
	return c.write(ctx, frag.FragmentName, set, data, frag.Key)
}

// ReadOperation rebuilds the response of op from the store. A miss is
// reported as a *reader.CacheMiss error.
func (c *Cache) ReadOperation(ctx context.Context, op Operation, opts ...ReadOption) (*reader.Result, error) {
	set, name, err := c.operationSet(op)
	if err != nil {
		return nil, err
	}
	return c.read(ctx, name, set, string(cachekey.RootKey), c.operationMode, opts)
}

// ReadFragment rebuilds the fragment's fields of the record at frag.Key.
func (c *Cache) ReadFragment(ctx context.Context, frag Fragment, opts ...ReadOption) (*reader.Result, error) {
	set, err := c.fragmentSet(frag)
	if err != nil {
		return nil, err
	}
	return c.read(ctx, frag.FragmentName, set, frag.Key, c.fragmentMode, opts)
}

// Remove deletes the record at key. With cascade, every record reachable
// from it through references is deleted too.
func (c *Cache) Remove(ctx context.Context, key string, cascade bool) (removed record.KeySet, err error) {
	keys := []string{key}
	ctx, finish := c.start(ctx, events.CacheStart{Op: events.OpRemove, RootKey: key})
	defer func() { finish(len(keys), len(removed), err) }()

	if cascade {
		if keys, err = c.reachable(ctx, key); err != nil {
			return nil, err
		}
	}
	removed, err = c.store.Remove(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("remove %s: %w", key, err)
	}
	c.changed(ctx, removed)
	return removed, nil
}

// Clear empties the store. Every watcher is re-run.
func (c *Cache) Clear(ctx context.Context) (err error) {
	ctx, finish := c.start(ctx, events.CacheStart{Op: events.OpClear})
	defer func() { finish(0, 0, err) }()
	if err = c.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	c.notify(ctx, nil, true)
	return nil
}

func (c *Cache) write(ctx context.Context, name string, set selection.Set, data record.Object, rootKey string) (changed record.KeySet, err error) {
	var written int
	ctx, finish := c.start(ctx, events.CacheStart{Op: events.OpWrite, Name: name, RootKey: rootKey})
	defer func() { finish(written, len(changed), err) }()

	records, err := c.normalizer.Normalize(data, set, rootKey)
	if err != nil {
		return nil, err
	}
	written = len(records)
	changed, err = c.store.Merge(ctx, records)
	if err != nil {
		return nil, fmt.Errorf("merge %d records: %w", len(records), err)
	}
	c.changed(ctx, changed)
	return changed, nil
}

func (c *Cache) read(ctx context.Context, name string, set selection.Set, rootKey string, mode reader.Mode, opts []ReadOption) (res *reader.Result, err error) {
	o := readOptions{mode: mode}
	for _, opt := range opts {
		opt(&o)
	}
	bus := c.target()
	parent := events.CallFromContext(ctx)
	ctx, call := events.NewCall(ctx)
	eventbus.Emit(bus, ctx, events.CacheStart{Call: call, Parent: parent, Op: events.OpRead, Name: name, RootKey: rootKey, Mode: string(o.mode)})
	began := time.Now()
	defer func() {
		e := events.CacheFinish{Call: call, Op: events.OpRead, Name: name, RootKey: rootKey, Mode: string(o.mode), Duration: time.Since(began)}
		var miss *reader.CacheMiss
		switch {
		case errors.As(err, &miss):
			e.Miss = miss.Reason.String()
		case err != nil:
			e.Err = err
		default:
			e.Records = len(res.Records)
		}
		eventbus.Emit(bus, ctx, e)
	}()
	return reader.New(o.mode, c.store, c.resolver).Read(ctx, set, rootKey)
}

// changed publishes a RecordsChanged event and re-runs affected watchers.
func (c *Cache) changed(ctx context.Context, keys record.KeySet) {
	if len(keys) == 0 {
		return
	}
	eventbus.Emit(c.target(), ctx, events.RecordsChanged{Keys: keys.Sorted()})
	c.notify(ctx, keys, false)
}

// reachable returns key and every key reachable from it through references,
// breadth-first with one GetMany per level.
func (c *Cache) reachable(ctx context.Context, key string) ([]string, error) {
	seen := map[string]bool{key: true}
	out := []string{key}
	frontier := []string{key}
	for len(frontier) > 0 {
		found, err := c.store.GetMany(ctx, frontier)
		if err != nil {
			return nil, err
		}
		var next []string
		for _, k := range frontier {
			rec := found[k]
			if rec == nil {
				continue
			}
			for _, ref := range references(rec.Fields) {
				if !seen[ref] {
					seen[ref] = true
					out = append(out, ref)
					next = append(next, ref)
				}
			}
		}
		frontier = next
	}
	return out, nil
}

func references(v record.Value) []string {
	var out []string
	var walk func(record.Value)
	walk = func(v record.Value) {
		switch tv := v.(type) {
		case record.Reference:
			out = append(out, string(tv))
		case record.List:
			for _, item := range tv {
				walk(item)
			}
		case record.Object:
			for _, k := range slices.Sorted(maps.Keys(tv)) {
				walk(tv[k])
			}
		}
	}
	walk(v)
	return out
}

// DocumentError reports a query document that could not be parsed,
// validated or turned into a selection.
type DocumentError struct {
	Err error
}

func (e *DocumentError) Error() string { return "document: " + e.Err.Error() }
func (e *DocumentError) Unwrap() error { return e.Err }

// operationSet builds the selection of op and returns it with the name of
// the selected operation.
func (c *Cache) operationSet(op Operation) (selection.Set, string, error) {
	doc, err := c.document(op.Query)
	if err != nil {
		return nil, "", err
	}
	set, err := selection.Build(c.schema, doc, op.OperationName, op.Variables)
	if err != nil {
		return nil, "", &DocumentError{Err: err}
	}
	name := op.OperationName
	if name == "" && len(doc.Operations) == 1 {
		name = doc.Operations[0].Name
	}
	return set, name, nil
}

func (c *Cache) fragmentSet(frag Fragment) (selection.Set, error) {
	if frag.Key == "" {
		return nil, &DocumentError{Err: fmt.Errorf("fragment %q: record key is required", frag.FragmentName)}
	}
	doc, err := c.document(frag.Query)
	if err != nil {
		return nil, err
	}
	set, err := selection.BuildFragment(c.schema, doc, frag.FragmentName, frag.Variables)
	if err != nil {
		return nil, &DocumentError{Err: err}
	}
	return set, nil
}

// document parses query once per distinct source. Concurrent first uses of
// the same source share one parse.
func (c *Cache) document(query string) (*language.QueryDocument, error) {
	if v, ok := c.docs.Load(query); ok {
		return v.(*language.QueryDocument), nil
	}
	v, err, _ := c.parsing.Do(query, func() (any, error) {
		doc, err := language.Load(c.schema, query)
		if err != nil {
			return nil, &DocumentError{Err: err}
		}
		c.docs.Store(query, doc)
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*language.QueryDocument), nil
}

func (c *Cache) target() *eventbus.Bus {
	if c.bus != nil {
		return c.bus
	}
	return eventbus.Global()
}

// start publishes e and returns the context of the operation, which carries
// its call, and the func that publishes the matching CacheFinish.
func (c *Cache) start(ctx context.Context, e events.CacheStart) (context.Context, func(records, changed int, err error)) {
	bus := c.target()
	e.Parent = events.CallFromContext(ctx)
	ctx, e.Call = events.NewCall(ctx)
	eventbus.Emit(bus, ctx, e)
	began := time.Now()
	return ctx, func(records, changed int, err error) {
		eventbus.Emit(bus, ctx, events.CacheFinish{
			Call:     e.Call,
			Op:       e.Op,
			Name:     e.Name,
			RootKey:  e.RootKey,
			Records:  records,
			Changed:  changed,
			Err:      err,
			Duration: time.Since(began),
		})
	}
}
