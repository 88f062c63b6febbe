package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// TailerConfig configures a Tailer.
type TailerConfig struct {
	Store EventStore
	Bus   EventBus

	// PollInterval is how often the store is read (default 500ms).
	PollInterval time.Duration

	Logger *slog.Logger
}

// Tailer follows an EventStore written by other processes and publishes
// new events on a bus, so subscribers see sessions they do not host.
type Tailer struct {
	store    EventStore
	bus      EventBus
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	seen    map[string]uint64 // sessionID -> last published seq
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewTailer validates cfg and returns a stopped Tailer.
func NewTailer(cfg TailerConfig) (*Tailer, error) {
	if cfg.Store == nil {
		return nil, errors.New("tailer: store is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("tailer: bus is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tailer{
		store:    cfg.Store,
		bus:      cfg.Bus,
		interval: cfg.PollInterval,
		logger:   logger,
		seen:     make(map[string]uint64),
	}, nil
}

// Start marks every stored event as seen and begins polling. Only events
// appended after Start are published.
func (t *Tailer) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	ids, err := t.store.SessionIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		seq, err := t.store.LatestSeq(ctx, id)
		if err != nil {
			return err
		}
		t.mu.Lock()
		t.seen[id] = seq
		t.mu.Unlock()
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.done = make(chan struct{})
	t.running = true
	done := t.done
	t.mu.Unlock()

	go t.loop(runCtx, done)
	return nil
}

// Stop ends polling and waits for the loop to exit.
func (t *Tailer) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	cancel := t.cancel
	done := t.done
	t.running = false
	t.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tailer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Poll(ctx); err != nil && ctx.Err() == nil {
				t.logger.Warn("tailer poll failed", "error", err)
			}
		}
	}
}

// Poll publishes every event appended since the previous poll.
func (t *Tailer) Poll(ctx context.Context) error {
	ids, err := t.store.SessionIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		t.mu.Lock()
		after := t.seen[id]
		t.mu.Unlock()

		events, err := t.store.List(ctx, id, after, 0)
		if err != nil {
			return err
		}
		for _, e := range events {
			t.bus.Publish(e)
			after = max(after, e.Seq)
		}

		t.mu.Lock()
		t.seen[id] = after
		t.mu.Unlock()
	}
	return nil
}
