package petalmacro

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/petalmacro/runtime"
	"github.com/petal-labs/petalmacro/undo"
)

// deferredCall is carried in the context of a deferred body.
type deferredCall struct {
	s     *Session
	plan  *callPlan
	id    string
	start time.Time
}

type deferredResult struct {
	out    any
	action undo.Action
	err    error
}

// callDeferred runs a prepared deferred call on a worker and commits it on
// the owner once the body returns. Cancelling ctx aborts the call: the
// body's context is cancelled and nothing is recorded.
func (s *Session) callDeferred(ctx context.Context, p *callPlan) (any, error) {
	d := &deferredCall{s: s, plan: p, id: uuid.New().String(), start: s.now()}

	// Nested inside another deferred body: run here, unrecorded.
	if deferredFrom(ctx) != nil {
		out, _, err := p.m.fn(withDeferred(withoutRecording(ctx), d), p.args)
		return out, err
	}

	bodyCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan deferredResult, 1)

	s.emit(d.event(runtime.EventDeferredStarted))
	err := s.workers.Go(bodyCtx, func(ctx context.Context) {
		out, action, err := p.m.fn(withDeferred(withoutRecording(ctx), d), p.args)
		done <- deferredResult{out: out, action: action, err: err}
	})
	if err != nil {
		return nil, s.abortDeferred(d, err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			if ctx.Err() != nil {
				return nil, s.abortDeferred(d, ctx.Err())
			}
			s.emit(d.event(runtime.EventDeferredErrored).
				WithElapsed(d.elapsed()).
				WithPayload("error", r.err.Error()))
			return nil, fmt.Errorf("%s.%s: %w", p.node, p.m.name, r.err)
		}
		// Progress posted by the body is already queued ahead of this.
		err := s.do(context.WithoutCancel(ctx), func(context.Context) error {
			return s.commit(p, r.out, r.action)
		})
		if err != nil {
			return nil, err
		}
		s.emit(d.event(runtime.EventDeferredFinished).WithElapsed(d.elapsed()))
		return r.out, nil
	case <-ctx.Done():
		return nil, s.abortDeferred(d, ctx.Err())
	}
}

func (s *Session) abortDeferred(d *deferredCall, cause error) error {
	s.logger.Debug("deferred call aborted", "node", d.plan.node, "method", d.plan.m.name, "error", cause)
	s.emit(d.event(runtime.EventDeferredAborted).
		WithElapsed(d.elapsed()).
		WithPayload("error", cause.Error()))
	return fmt.Errorf("%w: %w", runtime.ErrAborted, cause)
}

func (d *deferredCall) elapsed() time.Duration {
	return d.s.now().Sub(d.start)
}

func (d *deferredCall) event(kind runtime.EventKind) runtime.Event {
	return d.s.event(kind).
		WithNode(d.plan.node, d.plan.m.name).
		WithPayload("call_id", d.id)
}

// Progress reports v from a deferred body. The report is relayed to the
// owner, emitted as a deferred.progress event and passed to the method's
// OnProgress callback. Outside a deferred body it does nothing.
func Progress(ctx context.Context, v any) {
	d := deferredFrom(ctx)
	if d == nil {
		return
	}
	relay := withDeferred(context.WithoutCancel(ctx), nil)
	err := d.s.loop.Post(relay, func(ctx context.Context) error {
		d.s.emit(d.event(runtime.EventDeferredProgress).WithPayload("value", v))
		if fn := d.plan.m.onProgress; fn != nil {
			fn(ctx, v)
		}
		return nil
	})
	if err != nil {
		d.s.logger.Debug("progress dropped", "call_id", d.id, "error", err)
	}
}

// Future is the pending result of a call started with Trigger.
type Future struct {
	done   chan struct{}
	cancel context.CancelFunc
	result any
	err    error
}

// Trigger starts a call without waiting for it, as an interactive control
// would. The call is recorded like any other when it completes.
func (s *Session) Trigger(ctx context.Context, h Handle, name string, args ...any) *Future {
	ctx, cancel := context.WithCancel(runtime.DetachOwner(ctx))
	f := &Future{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer close(f.done)
		defer cancel()
		f.result, f.err = s.Call(ctx, h, name, args...)
	}()
	return f
}

// Wait blocks until the call completes or ctx ends.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel aborts the call. A deferred body sees its context cancelled.
func (f *Future) Cancel() {
	f.cancel()
}

// Done is closed when the call completes.
func (f *Future) Done() <-chan struct{} {
	return f.done
}
