package cache_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	cache "github.com/hanpama/normcache/internal/cache"
	eventbus "github.com/hanpama/normcache/internal/eventbus"
	events "github.com/hanpama/normcache/internal/events"
	language "github.com/hanpama/normcache/internal/language"
	reader "github.com/hanpama/normcache/internal/reader"
	record "github.com/hanpama/normcache/internal/record"
	store "github.com/hanpama/normcache/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const starWarsSDL = `
type Query {
  hero(episode: Episode): Character
  human(id: ID!): Human
  droid(id: ID!): Droid
}
enum Episode { NEWHOPE EMPIRE JEDI }
interface Character { id: ID! name: String! friends: [Character] }
type Human implements Character { id: ID! name: String! friends: [Character] height: Float }
type Droid implements Character { id: ID! name: String! friends: [Character] primaryFunction: String }
`

var heroOp = cache.Operation{Query: `query Hero($episode: Episode) {
	hero(episode: $episode) {
		__typename
		id
		name
		friends { __typename id name }
		... on Droid { primaryFunction }
	}
}`, Variables: map[string]any{"episode": "JEDI"}}

const heroData = `{
	"hero": {
		"__typename": "Droid",
		"id": "2001",
		"name": "R2-D2",
		"primaryFunction": "Astromech",
		"friends": [
			{"__typename": "Human", "id": "1000", "name": "Luke Skywalker"},
			{"__typename": "Human", "id": "1002", "name": "Han Solo"}
		]
	}
}`

var humanOp = cache.Operation{Query: `query Human($id: ID!) { human(id: $id) { __typename id name height } }`}

func newCache(t *testing.T, opts ...cache.Option) *cache.Cache {
	t.Helper()
	s, err := language.LoadSchema("starwars.graphql", starWarsSDL)
	require.NoError(t, err)
	return cache.New(store.NewMemory(), append([]cache.Option{cache.WithSchema(s), cache.WithBus(eventbus.New())}, opts...)...)
}

func mustData(t *testing.T, src string) record.Object {
	t.Helper()
	obj, err := record.DecodeObject([]byte(src))
	require.NoError(t, err)
	return obj
}

func TestWriteThenReadOperation(t *testing.T) {
	for _, mode := range []reader.Mode{reader.Batch, reader.Sequential} {
		t.Run(string(mode), func(t *testing.T) {
			c := newCache(t)
			ctx := context.Background()
			changed, err := c.WriteOperation(ctx, heroOp, mustData(t, heroData))
			require.NoError(t, err)
			require.True(t, changed.Has("Droid:2001.name"))
			require.True(t, changed.Has(`QUERY_ROOT.hero({"episode":"JEDI"})`))

			res, err := c.ReadOperation(ctx, heroOp, cache.WithMode(mode))
			require.NoError(t, err)
			if diff := cmp.Diff(mustData(t, heroData), res.Data); diff != "" {
				t.Fatalf("read mismatch (-want +got):\n%s", diff)
			}

			keys, err := c.Store().Keys(ctx)
			require.NoError(t, err)
			require.Equal(t, []string{"Droid:2001", "Human:1000", "Human:1002", "QUERY_ROOT"}, keys)
		})
	}
}

func TestSharedEntityUpdatesEveryQuery(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()
	_, err := c.WriteOperation(ctx, heroOp, mustData(t, heroData))
	require.NoError(t, err)

	op := humanOp
	op.Variables = map[string]any{"id": "1000"}
	_, err = c.WriteOperation(ctx, op, mustData(t, `{"human":{"__typename":"Human","id":"1000","name":"Luke","height":1.72}}`))
	require.NoError(t, err)

	res, err := c.ReadOperation(ctx, heroOp)
	require.NoError(t, err)
	friends := res.Data["hero"].(record.Object)["friends"].(record.List)
	require.Equal(t, record.String("Luke"), friends[0].(record.Object)["name"])
}

func TestReadMissesWithOtherVariables(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()
	_, err := c.WriteOperation(ctx, heroOp, mustData(t, heroData))
	require.NoError(t, err)

	op := heroOp
	op.Variables = map[string]any{"episode": "EMPIRE"}
	res, err := c.ReadOperation(ctx, op)
	require.Nil(t, res)
	require.Equal(t, reader.MissingField, reader.MissReason(err))
}

func TestFragments(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()
	_, err := c.WriteOperation(ctx, heroOp, mustData(t, heroData))
	require.NoError(t, err)

	frag := cache.Fragment{
		Query:        `fragment HumanName on Human { id name }`,
		FragmentName: "HumanName",
		Key:          "Human:1002",
	}
	res, err := c.ReadFragment(ctx, frag)
	require.NoError(t, err)
	require.Equal(t, record.Object{"id": record.String("1002"), "name": record.String("Han Solo")}, res.Data)

	changed, err := c.WriteFragment(ctx, frag, record.Object{"id": record.String("1002"), "name": record.String("Han")})
	require.NoError(t, err)
	require.Equal(t, []string{"Human:1002.name"}, changed.Sorted())

	hero, err := c.ReadOperation(ctx, heroOp)
	require.NoError(t, err)
	friends := hero.Data["hero"].(record.Object)["friends"].(record.List)
	require.Equal(t, record.String("Han"), friends[1].(record.Object)["name"])

	_, err = c.ReadFragment(ctx, cache.Fragment{Query: frag.Query, FragmentName: "HumanName"})
	require.Error(t, err)
	_, err = c.ReadFragment(ctx, cache.Fragment{Query: frag.Query, FragmentName: "HumanName", Key: "Human:404"})
	require.Equal(t, reader.MissingRecord, reader.MissReason(err))
}

func TestInvalidDocument(t *testing.T) {
	c := newCache(t)
	_, err := c.ReadOperation(context.Background(), cache.Operation{Query: `{ villain { id } }`})
	require.Error(t, err)
	require.False(t, reader.IsCacheMiss(err))
	var docErr *cache.DocumentError
	require.ErrorAs(t, err, &docErr)

	_, err = c.ReadFragment(context.Background(), cache.Fragment{Query: `fragment F on Human { name }`, FragmentName: "F"})
	require.ErrorAs(t, err, &docErr)
}

func TestWatch(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	type outcome struct {
		data record.Object
		miss bool
	}
	var got []outcome
	stop, err := c.Watch(ctx, heroOp, func(res *reader.Result, err error) {
		if err != nil {
			require.True(t, reader.IsCacheMiss(err))
			got = append(got, outcome{miss: true})
			return
		}
		got = append(got, outcome{data: res.Data})
	})
	require.NoError(t, err)
	require.Equal(t, []outcome{{miss: true}}, got)

	_, err = c.WriteOperation(ctx, heroOp, mustData(t, heroData))
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.False(t, got[1].miss)

	// an unrelated entity does not trigger the watcher
	op := humanOp
	op.Variables = map[string]any{"id": "1003"}
	_, err = c.WriteOperation(ctx, op, mustData(t, `{"human":{"__typename":"Human","id":"1003","name":"Leia","height":1.5}}`))
	require.NoError(t, err)
	require.Len(t, got, 2)

	// rewriting identical data changes nothing
	_, err = c.WriteOperation(ctx, heroOp, mustData(t, heroData))
	require.NoError(t, err)
	require.Len(t, got, 2)

	// a field the watcher reads
	op.Variables = map[string]any{"id": "1000"}
	_, err = c.WriteOperation(ctx, op, mustData(t, `{"human":{"__typename":"Human","id":"1000","name":"Luke","height":1.72}}`))
	require.NoError(t, err)
	require.Len(t, got, 3)
	friends := got[2].data["hero"].(record.Object)["friends"].(record.List)
	require.Equal(t, record.String("Luke"), friends[0].(record.Object)["name"])

	// a field the watcher does not read on a record it reads
	_, err = c.WriteFragment(ctx, cache.Fragment{Query: `fragment H on Human { height }`, FragmentName: "H", Key: "Human:1002"},
		record.Object{"height": record.Float(1.8)})
	require.NoError(t, err)
	require.Len(t, got, 3)

	_, err = c.Remove(ctx, "Human:1002", false)
	require.NoError(t, err)
	require.Len(t, got, 4)
	require.True(t, got[3].miss)

	stop()
	_, err = c.WriteOperation(ctx, heroOp, mustData(t, heroData))
	require.NoError(t, err)
	require.Len(t, got, 4)
}

func TestWatchEndsWithContext(t *testing.T) {
	c := newCache(t)
	ctx, cancel := context.WithCancel(context.Background())
	calls := make(chan struct{}, 10)
	_, err := c.Watch(ctx, heroOp, func(*reader.Result, error) { calls <- struct{}{} })
	require.NoError(t, err)
	<-calls
	cancel()
	_, err = c.WriteOperation(context.Background(), heroOp, mustData(t, heroData))
	require.NoError(t, err)
	require.Len(t, calls, 0)
}

func TestRemoveCascade(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()
	_, err := c.WriteOperation(ctx, heroOp, mustData(t, heroData))
	require.NoError(t, err)

	removed, err := c.Remove(ctx, "Droid:2001", true)
	require.NoError(t, err)
	require.True(t, removed.Has("Human:1000"))
	require.True(t, removed.Has("Droid:2001.primaryFunction"))

	keys, err := c.Store().Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"QUERY_ROOT"}, keys)

	require.NoError(t, c.Clear(ctx))
	keys, err = c.Store().Keys(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestEvents(t *testing.T) {
	bus := eventbus.New()
	var finishes []events.CacheFinish
	var changes []events.RecordsChanged
	eventbus.On(bus, func(_ context.Context, e events.CacheFinish) { finishes = append(finishes, e) })
	eventbus.On(bus, func(_ context.Context, e events.RecordsChanged) { changes = append(changes, e) })

	c := newCache(t, cache.WithBus(bus))
	ctx := context.Background()
	_, err := c.ReadOperation(ctx, heroOp)
	require.Error(t, err)
	_, err = c.WriteOperation(ctx, heroOp, mustData(t, heroData))
	require.NoError(t, err)
	_, err = c.ReadOperation(ctx, heroOp)
	require.NoError(t, err)

	require.Len(t, finishes, 3)
	require.Equal(t, events.OpRead, finishes[0].Op)
	require.Equal(t, "missing record", finishes[0].Miss)
	require.Equal(t, "batch", finishes[0].Mode)
	require.Equal(t, events.OpWrite, finishes[1].Op)
	require.Equal(t, 4, finishes[1].Records)
	require.Equal(t, "Hero", finishes[1].Name)
	require.Equal(t, 4, finishes[2].Records)
	require.Empty(t, finishes[2].Miss)

	require.Len(t, changes, 1)
	require.Contains(t, changes[0].Keys, "Droid:2001")
}

func TestConcurrentReadsShareDocument(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()
	_, err := c.WriteOperation(ctx, heroOp, mustData(t, heroData))
	require.NoError(t, err)

	errs := make(chan error, 16)
	for range 16 {
		go func() {
			_, err := c.ReadOperation(ctx, heroOp)
			errs <- err
		}()
	}
	for range 16 {
		require.NoError(t, <-errs)
	}
}

func TestWatchConcurrentWritersEndWithNewestData(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()
	_, err := c.WriteOperation(ctx, heroOp, mustData(t, heroData))
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		last    record.Object
		calls   int
		running atomic.Int32
		overlap atomic.Bool
	)
	stop, err := c.Watch(ctx, heroOp, func(res *reader.Result, err error) {
		if running.Add(1) > 1 {
			overlap.Store(true)
		}
		defer running.Add(-1)
		if !assert.NoError(t, err) {
			return
		}
		mu.Lock()
		last = res.Data
		calls++
		mu.Unlock()
	})
	require.NoError(t, err)
	defer stop()

	op := humanOp
	op.Variables = map[string]any{"id": "1000"}
	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data := fmt.Sprintf(`{"human":{"__typename":"Human","id":"1000","name":"Luke %d","height":1.72}}`, i)
			_, err := c.WriteOperation(ctx, op, mustData(t, data))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	want, err := c.ReadOperation(ctx, heroOp)
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	require.False(t, overlap.Load())
	require.Greater(t, calls, 1)
	if diff := cmp.Diff(want.Data, last); diff != "" {
		t.Fatalf("last delivered data is stale (-want +got):\n%s", diff)
	}
}

func TestWatchFuncMayWrite(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()
	op := humanOp
	op.Variables = map[string]any{"id": "1000"}

	var names []string
	stop, err := c.Watch(ctx, heroOp, func(res *reader.Result, err error) {
		if err != nil {
			return
		}
		friend := res.Data["hero"].(record.Object)["friends"].(record.List)[0].(record.Object)
		name := string(friend["name"].(record.String))
		names = append(names, name)
		if name == "Luke Skywalker" {
			_, err := c.WriteOperation(ctx, op, mustData(t, `{"human":{"__typename":"Human","id":"1000","name":"Luke","height":1.72}}`))
			require.NoError(t, err)
		}
	})
	require.NoError(t, err)
	defer stop()

	_, err = c.WriteOperation(ctx, heroOp, mustData(t, heroData))
	require.NoError(t, err)
	require.Equal(t, []string{"Luke Skywalker", "Luke"}, names)
}

func TestEventsPairNestedCalls(t *testing.T) {
	bus := eventbus.New()
	var starts []events.CacheStart
	finished := map[events.Call]string{}
	eventbus.On(bus, func(_ context.Context, e events.CacheStart) { starts = append(starts, e) })
	eventbus.On(bus, func(_ context.Context, e events.CacheFinish) { finished[e.Call] = e.Op })

	c := newCache(t, cache.WithBus(bus))
	ctx, outer := events.NewCall(context.Background())
	stop, err := c.Watch(ctx, heroOp, func(*reader.Result, error) {})
	require.NoError(t, err)
	defer stop()
	_, err = c.WriteOperation(ctx, heroOp, mustData(t, heroData))
	require.NoError(t, err)

	// initial watcher read, the write, the watcher re-read during the write
	require.Len(t, starts, 3)
	require.Len(t, finished, 3)
	for _, s := range starts {
		require.Equal(t, s.Op, finished[s.Call])
		require.Equal(t, outer, s.Parent)
	}
	require.Equal(t, events.OpWrite, starts[1].Op)
	require.Equal(t, events.OpRead, starts[2].Op)
}
