package petalmacro

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/petal-labs/petalmacro/archive"
	"github.com/petal-labs/petalmacro/runtime"
)

var standardCronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow,
)

func parseCronExpressionUTC(expr string) (cron.Schedule, error) {
	clean := strings.TrimSpace(expr)
	if clean == "" {
		return nil, fmt.Errorf("cron expression is required")
	}

	upper := strings.ToUpper(clean)
	if strings.Contains(upper, "CRON_TZ=") || strings.Contains(upper, "TZ=") {
		return nil, fmt.Errorf("cron expression must be UTC-only (timezone prefixes are not allowed)")
	}

	schedule, err := standardCronParser.Parse(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// AutosaverConfig configures an Autosaver.
type AutosaverConfig struct {
	Session  *Session
	Store    archive.Store
	Schedule string
	Now      func() time.Time
	Logger   *slog.Logger
}

// Autosaver saves a session's macro to an archive on a cron schedule.
// Saves are skipped while the trace is unchanged.
type Autosaver struct {
	session  *Session
	store    archive.Store
	schedule cron.Schedule
	now      func() time.Time
	logger   *slog.Logger

	ownsStore bool

	mu        sync.Mutex
	lastSaved uint64
	saved     bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewAutosaver creates an autosaver. Start runs it.
func NewAutosaver(cfg AutosaverConfig) (*Autosaver, error) {
	if cfg.Session == nil {
		return nil, errors.New("autosaver session is nil")
	}
	if cfg.Store == nil {
		return nil, errors.New("autosaver store is nil")
	}
	schedule, err := parseCronExpressionUTC(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = cfg.Session.logger
	}
	return &Autosaver{
		session:  cfg.Session,
		store:    cfg.Store,
		schedule: schedule,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}, nil
}

// Start starts saving in the background.
func (a *Autosaver) Start(ctx context.Context) error {
	if a == nil {
		return errors.New("autosaver is nil")
	}

	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	a.cancel = cancel
	a.done = done
	a.mu.Unlock()

	go func() {
		defer close(done)
		for {
			now := a.now().UTC()
			timer := time.NewTimer(a.schedule.Next(now).Sub(now))
			select {
			case <-loopCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
				if _, err := a.SaveNow(loopCtx); err != nil {
					a.logger.Error("autosave failed", "error", err)
				}
			}
		}
	}()
	return nil
}

// Stop stops background saving and writes a final snapshot.
func (a *Autosaver) Stop(ctx context.Context) error {
	if a == nil {
		return nil
	}

	a.mu.Lock()
	cancel := a.cancel
	done := a.done
	a.cancel = nil
	a.done = nil
	a.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	_, err := a.SaveNow(ctx)
	if a.ownsStore {
		err = errors.Join(err, a.store.Close())
	}
	return err
}

// StartAutosave starts an Autosaver from the session's autosave config,
// opening the archive it names. It returns nil when no schedule is
// configured. Stopping the returned Autosaver also closes the archive.
func StartAutosave(ctx context.Context, s *Session) (*Autosaver, error) {
	ac := s.cfg.Autosave
	if ac.Schedule == "" {
		return nil, nil
	}
	if ac.Store == "" {
		return nil, errors.New("autosave: store is required when a schedule is set")
	}
	store, err := archive.Open(ctx, ac.Store)
	if err != nil {
		return nil, fmt.Errorf("autosave: %w", err)
	}
	a, err := NewAutosaver(AutosaverConfig{Session: s, Store: store, Schedule: ac.Schedule})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.ownsStore = true
	if err := a.Start(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

// SaveNow saves the current macro unless it is unchanged since the last
// save. It reports whether a snapshot was written.
func (a *Autosaver) SaveNow(ctx context.Context) (bool, error) {
	snap := a.session.Snapshot()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.saved && snap.Version() == a.lastSaved {
		return false, nil
	}
	rec := archive.Snapshot{
		SessionID:  a.session.ID(),
		Version:    snap.Version(),
		Text:       snap.Render(),
		Statements: snap.Len(),
		SavedAt:    a.now().UTC(),
	}
	if err := a.store.Save(ctx, rec); err != nil {
		return false, err
	}
	a.lastSaved, a.saved = rec.Version, true
	a.session.emit(a.session.event(runtime.EventMacroSaved).
		WithPayload("version", rec.Version).
		WithPayload("statements", rec.Statements))
	a.logger.Debug("macro saved", "version", rec.Version, "statements", rec.Statements)
	return true, nil
}
