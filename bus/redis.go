package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petal-labs/petalmacro/runtime"
)

// RedisConfig configures a RedisPublisher.
type RedisConfig struct {
	// URL is a redis:// connection string.
	URL string

	// StreamPrefix is prepended to the session ID to name each stream.
	// Default: "petalmacro:"
	StreamPrefix string

	// MaxLen caps each stream (approximate trimming). 0 means no cap.
	MaxLen int64

	// Buffer is the number of events queued before Publish drops.
	// Default: 256
	Buffer int

	Logger *slog.Logger
}

// RedisPublisher appends session events to one Redis stream per session,
// letting processes other than the session's own observe it. Publish never
// blocks the caller: events are queued and written by a background
// goroutine, and dropped with a warning when the queue is full.
type RedisPublisher struct {
	client *redis.Client
	cfg    RedisConfig
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan runtime.Event
	done   chan struct{}
}

// ConnectRedis creates a Redis client from a URL.
func ConnectRedis(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// NewRedisPublisher connects to Redis and starts the writer goroutine.
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	client, err := ConnectRedis(cfg.URL)
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = "petalmacro:"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &RedisPublisher{
		client: client,
		cfg:    cfg,
		logger: logger,
		queue:  make(chan runtime.Event, cfg.Buffer),
		done:   make(chan struct{}),
	}
	go p.run()
	return p, nil
}

// Stream returns the stream key holding a session's events.
func (p *RedisPublisher) Stream(sessionID string) string {
	return p.cfg.StreamPrefix + sessionID
}

// Publish queues an event for writing.
func (p *RedisPublisher) Publish(event runtime.Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- event:
	default:
		p.logger.Warn("redis publisher queue full, dropping event",
			"session_id", event.SessionID,
			"kind", event.Kind,
			"seq", event.Seq,
		)
	}
}

func (p *RedisPublisher) run() {
	defer close(p.done)
	for e := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := p.write(ctx, e); err != nil {
			p.logger.Error("failed to publish event",
				"session_id", e.SessionID,
				"kind", e.Kind,
				"seq", e.Seq,
				"error", err,
			)
		}
		cancel()
	}
}

func (p *RedisPublisher) write(ctx context.Context, e runtime.Event) error {
	values, err := encodeStreamValues(e)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: p.Stream(e.SessionID),
		Values: values,
	}
	if p.cfg.MaxLen > 0 {
		args.MaxLen = p.cfg.MaxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

// Read returns the events stored in a session's stream with Seq > afterSeq.
func (p *RedisPublisher) Read(ctx context.Context, sessionID string, afterSeq uint64) ([]runtime.Event, error) {
	msgs, err := p.client.XRange(ctx, p.Stream(sessionID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("xrange: %w", err)
	}
	var events []runtime.Event
	for _, m := range msgs {
		e, err := decodeStreamValues(m.Values)
		if err != nil {
			return nil, fmt.Errorf("message %s: %w", m.ID, err)
		}
		if e.Seq > afterSeq {
			events = append(events, e)
		}
	}
	return events, nil
}

// Close flushes queued events and closes the client.
func (p *RedisPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	<-p.done
	return p.client.Close()
}

func encodeStreamValues(e runtime.Event) (map[string]any, error) {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return map[string]any{
		"session_id": e.SessionID,
		"seq":        strconv.FormatUint(e.Seq, 10),
		"kind":       string(e.Kind),
		"node":       e.Node,
		"method":     e.Method,
		"time":       e.Time.UTC().Format(time.RFC3339Nano),
		"elapsed":    strconv.FormatInt(int64(e.Elapsed), 10),
		"payload":    string(payloadJSON),
		"trace_id":   e.TraceID,
		"span_id":    e.SpanID,
	}, nil
}

func decodeStreamValues(v map[string]any) (runtime.Event, error) {
	str := func(k string) string {
		s, _ := v[k].(string)
		return s
	}
	e := runtime.Event{
		Kind:      runtime.EventKind(str("kind")),
		SessionID: str("session_id"),
		Node:      str("node"),
		Method:    str("method"),
		TraceID:   str("trace_id"),
		SpanID:    str("span_id"),
		Payload:   map[string]any{},
	}
	seq, err := strconv.ParseUint(str("seq"), 10, 64)
	if err != nil {
		return e, fmt.Errorf("parse seq: %w", err)
	}
	e.Seq = seq
	if el := str("elapsed"); el != "" {
		n, err := strconv.ParseInt(el, 10, 64)
		if err != nil {
			return e, fmt.Errorf("parse elapsed: %w", err)
		}
		e.Elapsed = time.Duration(n)
	}
	if ts := str("time"); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return e, fmt.Errorf("parse time %q: %w", ts, err)
		}
		e.Time = t
	}
	if p := str("payload"); p != "" {
		if err := json.Unmarshal([]byte(p), &e.Payload); err != nil {
			return e, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	return e, nil
}

var _ runtime.EventPublisher = (*RedisPublisher)(nil)
