package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/petal-labs/petalmacro/bus"
	petalotel "github.com/petal-labs/petalmacro/otel"
	"github.com/petal-labs/petalmacro/runtime"
	"github.com/petal-labs/petalmacro/sse"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve live session streams from an event store",
		Long: "Follows a SQLite event store shared with recording processes and " +
			"serves its sessions over HTTP: GET /sessions, " +
			"GET /sessions/{id}/events (SSE) and GET /sessions/{id}/macro.",
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().String("store", "", "SQLite event store path or DSN (default: ~/.petalmacro/events.db)")
	cmd.Flags().String("addr", ":8080", "Listen address")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	// Event streams stay open, so the write timeout is off by default.
	cmd.Flags().Duration("write-timeout", 0, "HTTP write timeout (0 disables)")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")
	cmd.Flags().Duration("poll-interval", 500*time.Millisecond, "Event store poll interval")
	cmd.Flags().Duration("retention-age", 0, "Delete events older than this (0 keeps all)")
	cmd.Flags().Int("retention-count", 0, "Keep at most this many events per session (0 keeps all)")
	cmd.Flags().String("otlp-endpoint", "", "Export session traces over OTLP/HTTP to host:port or a URL")
	cmd.Flags().Bool("otlp-insecure", true, "Use plain HTTP for a host:port OTLP endpoint")
	cmd.Flags().String("redis-url", "", "Mirror events to Redis streams at this redis:// URL")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("addr")
	corsOrigin, _ := cmd.Flags().GetString("cors-origin")
	readTimeout, _ := cmd.Flags().GetDuration("read-timeout")
	writeTimeout, _ := cmd.Flags().GetDuration("write-timeout")
	maxBody, _ := cmd.Flags().GetInt64("max-body")
	pollInterval, _ := cmd.Flags().GetDuration("poll-interval")
	retentionAge, _ := cmd.Flags().GetDuration("retention-age")
	retentionCount, _ := cmd.Flags().GetInt("retention-count")
	otlpEndpoint, _ := cmd.Flags().GetString("otlp-endpoint")
	otlpInsecure, _ := cmd.Flags().GetBool("otlp-insecure")
	redisURL, _ := cmd.Flags().GetString("redis-url")
	out := stdout(cmd)
	logger := slog.Default()

	dsn, err := resolveServeStoreDSN(cmd)
	if err != nil {
		return err
	}
	es, err := bus.NewSQLiteEventStore(bus.SQLiteStoreConfig{
		DSN:            dsn,
		RetentionAge:   retentionAge,
		RetentionCount: retentionCount,
		Logger:         logger,
	})
	if err != nil {
		return exitError(exitStore, "opening sqlite event store: %v", err)
	}
	defer func() {
		_ = es.Close()
	}()

	if otlpEndpoint != "" {
		shutdown, err := setupTracing(cmd.Context(), otlpEndpoint, otlpInsecure)
		if err != nil {
			return exitError(exitRuntime, "initializing tracing: %v", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(ctx)
		}()
	}

	tracing := petalotel.NewTracingHandler(otelapi.GetTracerProvider().Tracer("petalmacro"))
	metrics, err := petalotel.NewMetricsHandler(otelapi.GetMeterProvider().Meter("petalmacro"))
	if err != nil {
		return exitError(exitRuntime, "initializing metrics: %v", err)
	}
	handlers := []runtime.EventHandler{tracing.Handle, metrics.Handle}

	if redisURL != "" {
		pub, err := bus.NewRedisPublisher(cmd.Context(), bus.RedisConfig{URL: redisURL, Logger: logger})
		if err != nil {
			return exitError(exitStore, "connecting to redis: %v", err)
		}
		defer func() {
			_ = pub.Close()
		}()
		handlers = append(handlers, pub.Publish)
	}

	eb := bus.NewMemBus(bus.MemBusConfig{Logger: logger})
	defer func() {
		_ = eb.Close()
	}()

	observe := eb.SubscribeAll()
	observed := make(chan struct{})
	go func() {
		defer close(observed)
		handle := runtime.MultiEventHandler(handlers...)
		for e := range observe.Events() {
			handle(e)
		}
	}()
	defer func() {
		_ = observe.Close()
		<-observed
	}()

	tailer, err := bus.NewTailer(bus.TailerConfig{
		Store:        es,
		Bus:          eb,
		PollInterval: pollInterval,
		Logger:       logger,
	})
	if err != nil {
		return exitError(exitRuntime, "creating tailer: %v", err)
	}
	if err := tailer.Start(cmd.Context()); err != nil {
		return exitError(exitStore, "starting tailer: %v", err)
	}
	defer func() {
		_ = tailer.Stop(context.Background())
	}()

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      newServeHandler(es, eb, corsOrigin, maxBody),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}

	// Signal handling
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(out, "petalmacro listening on %s (store %s)\n", addr, dsn)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(out, "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitRuntime, "server error: %v", err)
		}
		return nil
	}
}

// newServeHandler mounts the session routes and a health check.
func newServeHandler(es bus.EventStore, eb bus.EventBus, corsOrigin string, maxBody int64) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	sse.Register(mux, es, eb)

	handler := withCORS(mux, corsOrigin)
	return maxBodyMiddleware(handler, maxBody)
}

// setupTracing installs a global tracer provider exporting over OTLP/HTTP.
func setupTracing(ctx context.Context, endpoint string, insecure bool) (func(context.Context) error, error) {
	var opts []otlptracehttp.Option
	if strings.Contains(endpoint, "://") {
		opts = append(opts, otlptracehttp.WithEndpointURL(endpoint))
	} else {
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
		if insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otelapi.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func resolveServeStoreDSN(cmd *cobra.Command) (string, error) {
	storePath, _ := cmd.Flags().GetString("store")
	dsn := strings.TrimSpace(os.ExpandEnv(storePath))
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("PETALMACRO_EVENT_STORE"))
	}
	if dsn == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving default event store path: %w", err)
		}
		dir := filepath.Join(home, ".petalmacro")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("creating %s: %w", dir, err)
		}
		dsn = filepath.Join(dir, "events.db")
	}
	if !strings.HasPrefix(strings.ToLower(dsn), "file:") {
		dsn = filepath.Clean(dsn)
	}
	return dsn, nil
}

func withCORS(next http.Handler, allowedOrigin string) http.Handler {
	origin := strings.TrimSpace(allowedOrigin)
	if origin == "" {
		origin = "*"
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Last-Event-ID")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func maxBodyMiddleware(next http.Handler, maxBody int64) http.Handler {
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBody)
		next.ServeHTTP(w, r)
	})
}
