package eventbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type ping struct{ N int }
type pong struct{ S string }

func TestDispatchByType(t *testing.T) {
	b := New()
	var pings []int
	var pongs []string
	On(b, func(_ context.Context, e ping) { pings = append(pings, e.N) })
	On(b, func(_ context.Context, e pong) { pongs = append(pongs, e.S) })

	Emit(b, context.Background(), ping{1})
	Emit(b, context.Background(), pong{"a"})
	Emit(b, context.Background(), ping{2})

	require.Equal(t, []int{1, 2}, pings)
	require.Equal(t, []string{"a"}, pongs)
}

func TestUnsubscribeRemovesOnlyThatHandler(t *testing.T) {
	b := New()
	var first, second int
	unsubFirst := On(b, func(context.Context, ping) { first++ })
	On(b, func(context.Context, ping) { second++ })

	Emit(b, context.Background(), ping{})
	unsubFirst()
	unsubFirst()
	Emit(b, context.Background(), ping{})

	require.Equal(t, 1, first)
	require.Equal(t, 2, second)
}

func TestNilBusIsSilent(t *testing.T) {
	var b *Bus
	unsub := On(b, func(context.Context, ping) { t.Fatal("called") })
	Emit(b, context.Background(), ping{})
	unsub()
}

func TestGlobalBus(t *testing.T) {
	t.Cleanup(func() { Use(nil) })
	Publish(context.Background(), ping{}) // no bus yet

	Use(New())
	got := 0
	unsub := Subscribe(func(_ context.Context, e ping) { got += e.N })
	Publish(context.Background(), ping{N: 3})
	unsub()
	Publish(context.Background(), ping{N: 4})
	require.Equal(t, 3, got)
	require.NotNil(t, Global())
}
