package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/speakflow/internal/config"
	"github.com/MrWong99/speakflow/internal/history"
	"github.com/MrWong99/speakflow/internal/observe"
	"github.com/MrWong99/speakflow/internal/session"
	"github.com/MrWong99/speakflow/internal/transcript"
	"github.com/MrWong99/speakflow/pkg/provider/live"
)

// ErrNoSession is returned by [SessionManager.Stop] when no conversation is
// running.
var ErrNoSession = errors.New("app: no active session")

// ErrSessionActive is returned by [SessionManager.Start] while a conversation
// is still connecting, live or releasing its devices.
var ErrSessionActive = errors.New("app: a session is already active")

// SessionInfo holds metadata about the current or most recent conversation.
type SessionInfo struct {
	// SessionID is the unique identifier of the conversation.
	SessionID string

	// StartedAt is when Start was called.
	StartedAt time.Time

	// Coaching is the coaching configuration the conversation runs with.
	Coaching config.CoachingConfig
}

// SessionManager runs coaching conversations one at a time. Every Start
// creates a fresh [session.Controller]; settings changed with
// [SessionManager.Reconfigure] apply from the next conversation on.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	providers *Providers
	recorder  history.Recorder
	metrics   *observe.Metrics
	hooks     session.Hooks

	mu       sync.Mutex
	live     config.LiveConfig
	coaching config.CoachingConfig
	ctrl     *session.Controller
	info     SessionInfo

	// starting is set while Start runs. stopRequested records a Stop that
	// arrived in that window; Start stops the conversation when it returns.
	starting      bool
	stopRequested bool

	// afterPublish runs between publishing the controller and starting it.
	afterPublish func()
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Providers *Providers
	Live      config.LiveConfig
	Coaching  config.CoachingConfig
	Recorder  history.Recorder
	Metrics   *observe.Metrics
	Hooks     session.Hooks
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	return &SessionManager{
		providers: cfg.Providers,
		recorder:  cfg.Recorder,
		metrics:   cfg.Metrics,
		hooks:     cfg.Hooks,
		live:      cfg.Live,
		coaching:  cfg.Coaching,
	}
}

// Start begins a new conversation and blocks until it is live. A concurrent
// [SessionManager.Stop] abandons the attempt.
//
// Returns [ErrSessionActive] if a conversation is already connecting or live,
// or if the previous one is still releasing its devices.
func (sm *SessionManager) Start(ctx context.Context) error {
	sm.mu.Lock()
	if sm.starting || (sm.ctrl != nil && busy(sm.ctrl.State())) {
		id := sm.info.SessionID
		sm.mu.Unlock()
		return fmt.Errorf("%w (id=%s)", ErrSessionActive, id)
	}

	lc, err := liveConfig(sm.live, sm.coaching)
	if err != nil {
		sm.mu.Unlock()
		return err
	}

	opts := []session.Option{session.WithHooks(sm.hooks)}
	if sm.recorder != nil {
		opts = append(opts, session.WithRecorder(sm.recorder))
	}
	if sm.metrics != nil {
		opts = append(opts, session.WithMetrics(sm.metrics))
	}
	ctrl := session.New(session.Config{
		Source:   sm.providers.Audio,
		Output:   sm.providers.Audio,
		Provider: sm.providers.Live,
		Live:     lc,
		Coaching: sm.coaching,
	}, opts...)

	sm.ctrl = ctrl
	sm.starting = true
	sm.stopRequested = false
	sm.info = SessionInfo{
		SessionID: ctrl.ID(),
		StartedAt: time.Now().UTC(),
		Coaching:  sm.coaching,
	}
	afterPublish := sm.afterPublish
	sm.mu.Unlock()

	slog.Info("session starting",
		"session_id", ctrl.ID(),
		"level", sm.info.Coaching.Level,
		"goal", sm.info.Coaching.Goal,
		"native_language", sm.info.Coaching.NativeLanguage,
		"model", lc.Model,
	)
	if afterPublish != nil {
		afterPublish()
	}
	err = ctrl.Start(ctx)

	sm.mu.Lock()
	stopped := sm.stopRequested
	sm.starting = false
	sm.stopRequested = false
	sm.mu.Unlock()

	if err != nil {
		return fmt.Errorf("app: start session: %w", err)
	}
	if stopped {
		ctrl.Stop()
		return fmt.Errorf("app: start session: %w", session.ErrAbandoned)
	}
	return nil
}

// Stop ends the running conversation and waits for its teardown. A Stop that
// arrives before the conversation has begun connecting makes the pending
// Start tear it down and return [session.ErrAbandoned].
//
// Returns [ErrNoSession] if nothing is connecting or live.
func (sm *SessionManager) Stop() error {
	sm.mu.Lock()
	ctrl, starting := sm.ctrl, sm.starting
	if starting {
		sm.stopRequested = true
	}
	sm.mu.Unlock()

	if ctrl == nil || (!starting && !running(ctrl.State())) {
		return ErrNoSession
	}
	ctrl.Stop()
	slog.Info("session stopped", "session_id", ctrl.ID())
	return nil
}

// Reconfigure replaces the live and coaching settings used by the next
// conversation. The running conversation is not affected.
func (sm *SessionManager) Reconfigure(lc config.LiveConfig, coaching config.CoachingConfig) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.live = lc
	sm.coaching = coaching
}

// IsActive reports whether a conversation is connecting or live.
func (sm *SessionManager) IsActive() bool {
	return running(sm.State())
}

// State returns the lifecycle state of the current conversation, or
// [session.StateIdle] before the first one.
func (sm *SessionManager) State() session.State {
	sm.mu.Lock()
	ctrl := sm.ctrl
	sm.mu.Unlock()
	if ctrl == nil {
		return session.StateIdle
	}
	return ctrl.State()
}

// Info returns metadata about the current or most recent conversation.
// Returns the zero value before the first Start.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

// Transcript returns the message log of the current or most recent
// conversation.
func (sm *SessionManager) Transcript() []transcript.Message {
	sm.mu.Lock()
	ctrl := sm.ctrl
	sm.mu.Unlock()
	if ctrl == nil {
		return nil
	}
	return ctrl.Transcript()
}

// Done returns a channel that is closed once the current conversation has
// been torn down, and the controller whose teardown it tracks.
func (sm *SessionManager) Done() (<-chan struct{}, *session.Controller) {
	sm.mu.Lock()
	ctrl := sm.ctrl
	sm.mu.Unlock()
	if ctrl == nil {
		ch := make(chan struct{})
		close(ch)
		return ch, nil
	}
	return ctrl.Done(), ctrl
}

func running(s session.State) bool {
	return s == session.StateConnecting || s == session.StateLive
}

// busy reports whether a controller in state s may still hold the devices.
func busy(s session.State) bool {
	return running(s) || s == session.StateClosing
}

// liveConfig builds the setup bundle sent to the provider.
func liveConfig(lc config.LiveConfig, coaching config.CoachingConfig) (live.Config, error) {
	instruction, err := coaching.SystemInstruction()
	if err != nil {
		return live.Config{}, fmt.Errorf("app: %w", err)
	}
	return live.Config{
		Model:               lc.Model,
		Modality:            live.ModalityAudio,
		Voice:               lc.Voice,
		SystemInstruction:   instruction,
		InputTranscription:  config.Enabled(lc.InputTranscription, true),
		OutputTranscription: config.Enabled(lc.OutputTranscription, true),
	}, nil
}
