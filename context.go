package petalmacro

import (
	"context"

	"github.com/petal-labs/petalmacro/undo"
)

type (
	suppressKey struct{}
	captureKey  struct{}
	deferredKey struct{}
)

// withoutRecording marks ctx so tracked calls and field sets made with it
// are executed but not recorded. Bodies, reverse actions, change
// callbacks and replays all run this way.
func withoutRecording(ctx context.Context) context.Context {
	if recordingSuppressed(ctx) {
		return ctx
	}
	return context.WithValue(ctx, suppressKey{}, true)
}

func recordingSuppressed(ctx context.Context) bool {
	v, _ := ctx.Value(suppressKey{}).(bool)
	return v
}

// replayCapture collects the action of the call a replayed statement
// makes, so redo can swap in a fresh reverse.
type replayCapture struct {
	action undo.Action
}

func (c *replayCapture) add(a undo.Action) {
	c.action = c.action.Then(a)
}

func withCapture(ctx context.Context, c *replayCapture) context.Context {
	return context.WithValue(ctx, captureKey{}, c)
}

// takeCapture returns the capture in ctx and ctx without it, so only the
// outermost call of a replayed statement reports its action.
func takeCapture(ctx context.Context) (*replayCapture, context.Context) {
	c, _ := ctx.Value(captureKey{}).(*replayCapture)
	if c == nil {
		return nil, ctx
	}
	return c, context.WithValue(ctx, captureKey{}, (*replayCapture)(nil))
}

func withDeferred(ctx context.Context, d *deferredCall) context.Context {
	return context.WithValue(ctx, deferredKey{}, d)
}

func deferredFrom(ctx context.Context) *deferredCall {
	d, _ := ctx.Value(deferredKey{}).(*deferredCall)
	return d
}
