package runtime

import "context"

type emitterKey struct{}

// ownerKey marks a context as running on a Loop's owner goroutine.
type ownerKey struct{}

// ContextWithEmitter lets code reached through ctx, such as a deferred
// body, report events on its session's emitter.
func ContextWithEmitter(ctx context.Context, emit EventEmitter) context.Context {
	return context.WithValue(ctx, emitterKey{}, emit)
}

// EmitterFromContext returns the emitter attached to ctx, or one that
// discards events.
func EmitterFromContext(ctx context.Context) EventEmitter {
	if emit, ok := ctx.Value(emitterKey{}).(EventEmitter); ok {
		return emit
	}
	return func(Event) {}
}

func withOwner(ctx context.Context, l *Loop) context.Context {
	return context.WithValue(ctx, ownerKey{}, l)
}

// IsOwner reports whether ctx is running on l's owner goroutine.
func (l *Loop) IsOwner(ctx context.Context) bool {
	owner, _ := ctx.Value(ownerKey{}).(*Loop)
	return owner == l
}

// DetachOwner returns ctx without the owner mark, for work handed to
// another goroutine.
func DetachOwner(ctx context.Context) context.Context {
	if ctx.Value(ownerKey{}) == nil {
		return ctx
	}
	return context.WithValue(ctx, ownerKey{}, (*Loop)(nil))
}
