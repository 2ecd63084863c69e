package events

import (
	"context"
	"sync/atomic"
)

// Call identifies the Start and Finish events of one HTTP request, cache
// operation or store call. Zero means none.
type Call uint64

var lastCall atomic.Uint64

type callKey struct{}

// NewCall allocates a Call. The returned context carries it so that calls
// made inside it can name it as their Parent.
func NewCall(ctx context.Context) (context.Context, Call) {
	c := Call(lastCall.Add(1))
	return context.WithValue(ctx, callKey{}, c), c
}

// CallFromContext returns the innermost call of ctx, or zero.
func CallFromContext(ctx context.Context) Call {
	c, _ := ctx.Value(callKey{}).(Call)
	return c
}
