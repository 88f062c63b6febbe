package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrLoopClosed is returned for work submitted after Close.
	ErrLoopClosed = errors.New("owner loop closed")

	// ErrAborted is returned by deferred calls that were cancelled.
	ErrAborted = errors.New("deferred call aborted")
)

// LoopConfig configures an owner loop.
type LoopConfig struct {
	// QueueSize is the callback queue buffer (default: 64).
	QueueSize int

	// Logger receives panics recovered from callbacks.
	Logger *slog.Logger
}

type task struct {
	ctx    context.Context
	fn     func(ctx context.Context) error
	result chan error // nil for posted callbacks
}

// Loop runs callbacks one at a time on a single owner goroutine. State
// touched only from Loop callbacks never has concurrent writers.
type Loop struct {
	queue   chan task
	done    chan struct{}
	stopped chan struct{}
	logger  *slog.Logger

	// mu is held shared by every enqueue and exclusively by Close, so
	// nothing lands in the queue after the owner's final drain.
	mu     sync.RWMutex
	closed bool
}

// NewLoop starts an owner loop.
func NewLoop(config LoopConfig) *Loop {
	size := config.QueueSize
	if size <= 0 {
		size = 64
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		queue:   make(chan task, size),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  logger,
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.stopped)
	for {
		select {
		case t := <-l.queue:
			l.exec(t)
		case <-l.done:
			// Drain what was accepted before Close.
			for {
				select {
				case t := <-l.queue:
					l.exec(t)
				default:
					return
				}
			}
		}
	}
}

func (l *Loop) exec(t task) {
	err := l.call(t)
	if t.result != nil {
		t.result <- err
	} else if err != nil {
		l.logger.Error("posted callback failed", "error", err)
	}
}

func (l *Loop) call(t task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic on owner loop: %v", r)
			l.logger.Error("owner loop callback panicked", "panic", r)
		}
	}()
	return t.fn(withOwner(t.ctx, l))
}

// Do runs fn on the owner and waits for it to return. Calls made from the
// owner itself (ctx carries the owner mark) run inline, so owner code may
// call Do re-entrantly. Once fn has been queued Do waits for it even if
// ctx is cancelled; fn sees ctx and decides for itself.
func (l *Loop) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if l.IsOwner(ctx) {
		return fn(ctx)
	}
	result := make(chan error, 1)
	if err := l.enqueue(ctx, task{ctx: ctx, fn: fn, result: result}); err != nil {
		return err
	}
	return <-result
}

// Post queues fn without waiting. It is used to relay progress from
// workers; errors returned by fn are logged.
func (l *Loop) Post(ctx context.Context, fn func(ctx context.Context) error) error {
	return l.enqueue(ctx, task{ctx: ctx, fn: fn})
}

// enqueue hands t to the owner. A task it accepts is always run.
func (l *Loop) enqueue(ctx context.Context, t task) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrLoopClosed
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case l.queue <- t:
		return nil
	}
}

// Close stops accepting work, runs what is already queued and waits for
// the owner goroutine to exit.
func (l *Loop) Close() error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.done)
	}
	l.mu.Unlock()
	<-l.stopped
	return nil
}
