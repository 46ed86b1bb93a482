// Package app wires the speakflow subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates the session history
// and the session manager, Run executes one coaching conversation, and
// Shutdown tears everything down in order.
//
// For testing, inject mock providers through [Providers] and test doubles
// through the functional options (WithHistory, WithMetrics, WithHooks).
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/speakflow/internal/config"
	"github.com/MrWong99/speakflow/internal/history"
	"github.com/MrWong99/speakflow/internal/observe"
	"github.com/MrWong99/speakflow/internal/session"
	"github.com/MrWong99/speakflow/internal/transcript"
	"github.com/MrWong99/speakflow/pkg/audio"
	"github.com/MrWong99/speakflow/pkg/provider/live"
)

// ErrRemoteClosed is returned by [App.Run] when the remote end closed a live
// conversation without an error.
var ErrRemoteClosed = errors.New("app: session closed by remote")

// Providers holds one interface value per provider slot. Populated by
// main.go via the config registry.
type Providers struct {
	Live  live.Provider
	Audio audio.Backend
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	history  *history.Memory
	metrics  *observe.Metrics
	hooks    session.Hooks
	sessions *SessionManager

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithHistory injects the session history instead of creating one from
// config.
func WithHistory(h *history.Memory) Option {
	return func(a *App) { a.history = h }
}

// WithMetrics overrides the metrics instance handed to every conversation.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithHooks installs additional observers. They run after the built-in
// logging hooks.
func WithHooks(h session.Hooks) Option {
	return func(a *App) { a.hooks = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(_ context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Live == nil {
		return nil, errors.New("app: a live provider is required")
	}
	if providers.Audio == nil {
		return nil, errors.New("app: an audio backend is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}

	if a.history == nil {
		a.history = history.NewMemory(cfg.History.MaxSessions)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.sessions = NewSessionManager(SessionManagerConfig{
		Providers: providers,
		Live:      cfg.Live,
		Coaching:  cfg.Coaching,
		Recorder:  a.history,
		Metrics:   a.metrics,
		Hooks:     a.logHooks(),
	})
	a.closers = append(a.closers, func() error {
		if err := a.sessions.Stop(); err != nil && !errors.Is(err, ErrNoSession) {
			return err
		}
		return nil
	})

	return a, nil
}

// logHooks reports state changes and transcript lines through slog and then
// forwards them to the injected hooks.
func (a *App) logHooks() session.Hooks {
	extra := a.hooks
	return session.Hooks{
		OnState: func(s session.State) {
			slog.Info("session state", "state", s.String())
			if extra.OnState != nil {
				extra.OnState(s)
			}
		},
		OnMessage: func(m transcript.Message) {
			slog.Info("transcript", "speaker", string(m.Speaker), "kind", string(m.Kind), "text", m.Text)
			if extra.OnMessage != nil {
				extra.OnMessage(m)
			}
		},
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// History returns the recorded past conversations.
func (a *App) History() *history.Memory { return a.history }

// SessionState returns the current lifecycle state name. It is the state
// function polled by the health endpoints.
func (a *App) SessionState() string { return a.sessions.State().String() }

// ─── Reload ──────────────────────────────────────────────────────────────────

// ApplyConfig takes over the hot-reloadable parts of a changed configuration.
// Live and coaching settings apply to the next conversation. Settings that
// are bound at startup are reported and ignored.
func (a *App) ApplyConfig(cfg *config.Config, d config.Diff) {
	if d.CoachingChanged || d.LiveChanged {
		a.sessions.Reconfigure(cfg.Live, cfg.Coaching)
		slog.Info("config reloaded; changes apply to the next session",
			"coaching_changed", d.CoachingChanged,
			"live_changed", d.LiveChanged,
		)
	}
	if d.RestartRequired {
		slog.Warn("config change requires a restart to take effect")
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts one coaching conversation and blocks until ctx is cancelled or
// the conversation ends on its own.
//
// When ctx is done, Run stops the conversation and returns ctx.Err(). When
// the remote end closes or the stream fails, Run returns the cause; a clean
// remote close is reported as [ErrRemoteClosed]. The conversation is not
// restarted automatically.
func (a *App) Run(ctx context.Context) error {
	if err := a.sessions.Start(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	done, ctrl := a.sessions.Done()
	slog.Info("app running", "session_id", a.sessions.Info().SessionID)

	select {
	case <-ctx.Done():
		if err := a.sessions.Stop(); err != nil && !errors.Is(err, ErrNoSession) {
			slog.Warn("stop session", "err", err)
		}
		return ctx.Err()
	case <-done:
	}

	if err := ctrl.Err(); err != nil {
		return fmt.Errorf("app: session ended: %w", err)
	}
	return ErrRemoteClosed
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete", "sessions_recorded", a.history.Len())
	})
	return shutdownErr
}
