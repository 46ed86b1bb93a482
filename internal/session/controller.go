package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/speakflow/internal/config"
	"github.com/MrWong99/speakflow/internal/history"
	"github.com/MrWong99/speakflow/internal/observe"
	"github.com/MrWong99/speakflow/internal/transcript"
	"github.com/MrWong99/speakflow/pkg/audio"
	"github.com/MrWong99/speakflow/pkg/audio/playback"
	"github.com/MrWong99/speakflow/pkg/provider/live"
)

// frameBuffer is the number of captured frames queued for the loop.
const frameBuffer = 8

// Config bundles the collaborators of a [Controller].
type Config struct {
	// Source acquires the microphone.
	Source audio.FrameSource

	// Output acquires the speaker.
	Output audio.OutputOpener

	// Provider opens the live channel.
	Provider live.Provider

	// Live is sent to the provider on connect.
	Live live.Config

	// Coaching is recorded with the session history and selects the
	// greeting.
	Coaching config.CoachingConfig
}

// Hooks observe a [Controller]. Callbacks run outside the controller lock,
// often on the session loop goroutine, and must not block for long. They must
// not call [Controller.Stop] or [Controller.Start] directly: Stop waits for
// the loop to exit and would deadlock. Use a new goroutine instead.
type Hooks struct {
	// OnState is called after every state transition.
	OnState func(State)

	// OnMessage is called for every new transcript line.
	OnMessage func(transcript.Message)
}

// Option configures a [Controller].
type Option func(*Controller)

// WithHooks installs lifecycle and transcript observers.
func WithHooks(h Hooks) Option {
	return func(c *Controller) { c.hooks = h }
}

// WithMetrics overrides the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithRecorder sets the history collaborator that receives the conversation
// when it reaches Closed.
func WithRecorder(r history.Recorder) Option {
	return func(c *Controller) { c.recorder = r }
}

// WithID overrides the generated conversation ID.
func WithID(id string) Option {
	return func(c *Controller) { c.id = id }
}

// WithTranscript replaces the transcript assembler.
func WithTranscript(a *transcript.Assembler) Option {
	return func(c *Controller) { c.transcript = a }
}

// Controller runs one conversation. All methods are safe for concurrent use.
type Controller struct {
	cfg        Config
	id         string
	hooks      Hooks
	metrics    *observe.Metrics
	recorder   history.Recorder
	transcript *transcript.Assembler
	log        *slog.Logger

	mu      sync.Mutex
	state   State
	epoch   uint64
	run     *run
	lastErr error
	pending []State
}

// New creates an Idle controller.
func New(cfg Config, opts ...Option) *Controller {
	c := &Controller{cfg: cfg}
	for _, o := range opts {
		o(c)
	}
	if c.id == "" {
		c.id = uuid.NewString()
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.transcript == nil {
		c.transcript = transcript.NewAssembler()
	}
	c.log = slog.Default().With("session_id", c.id)
	return c
}

// ID returns the conversation ID.
func (c *Controller) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transcript returns a snapshot of the conversation log.
func (c *Controller) Transcript() []transcript.Message {
	return c.transcript.Messages()
}

// Err returns the cause of the most recent teardown: a connect failure, a
// channel error or nil after a clean stop.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Done returns a channel that is closed when the current session attempt
// has been torn down. It returns a closed channel when nothing is running.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.run.done
}

// Start opens the session: it acquires the output device and the microphone,
// connects the live channel and blocks until the channel has opened and
// capture is streaming.
//
// On failure every acquired resource is released, the controller returns to
// Idle and the error is returned. Device failures match
// [audio.ErrDeviceUnavailable] and happen before the provider is contacted.
// Cancelling ctx before the channel opens aborts the attempt. A concurrent
// [Controller.Stop] makes Start return [ErrAbandoned].
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: start while %s", ErrInvalidState, st)
	}
	c.epoch++
	r := newRun(c.epoch)
	c.run = r
	c.lastErr = nil
	c.setState(StateConnecting)
	c.unlock()

	if c.transcript.Len() == 0 {
		c.addLine(transcript.SpeakerModel, transcript.KindText, c.cfg.Coaching.Greeting())
	}

	ctx, span := observe.StartSessionSpan(ctx, "connect", c.id)
	err := c.connect(ctx, r)
	if err == nil {
		select {
		case <-r.opened:
		case <-r.done:
			err = c.runErr(r)
		case <-ctx.Done():
			c.terminate(r, fmt.Errorf("session: connect: %w", ctx.Err()), false)
			err = c.runErr(r)
		}
	}
	c.metrics.RecordConnect(ctx, time.Since(r.begun), connectStatus(err))
	observe.EndSpan(span, err)
	if err != nil {
		observe.Logger(ctx).Warn("session start failed", "session_id", c.id, "err", err)
	}
	return err
}

// connect acquires the devices and the channel in order and starts the loop.
func (c *Controller) connect(ctx context.Context, r *run) error {
	out, err := c.cfg.Output.OpenOutput(ctx)
	if err != nil {
		return c.fail(r, deviceErr("open output", err))
	}
	if !c.attach(r, func() { r.out = out }) {
		c.closeLate("output", out.Close)
		return ErrAbandoned
	}

	capture, err := c.cfg.Source.Open(ctx)
	if err != nil {
		return c.fail(r, deviceErr("open capture", err))
	}
	if !c.attach(r, func() { r.capture = capture }) {
		c.closeLate("capture", capture.Stop)
		return ErrAbandoned
	}

	ch, err := c.cfg.Provider.Connect(ctx, c.cfg.Live)
	if err != nil {
		return c.fail(r, fmt.Errorf("session: connect: %w", err))
	}
	ok := c.attach(r, func() {
		r.ch = ch
		r.sched = playback.NewScheduler(r.out, playback.WithCompletion(r.completion))
		r.loopStarted = true
		go c.loop(r)
	})
	if !ok {
		c.closeLate("channel", ch.Close)
		return ErrAbandoned
	}
	return nil
}

// attach runs set under the lock if r is still the current attempt.
func (c *Controller) attach(r *run, set func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != r.epoch {
		return false
	}
	set()
	return true
}

// fail tears r down after an acquisition error and returns the error Start
// should report.
func (c *Controller) fail(r *run, cause error) error {
	c.terminate(r, cause, false)
	return c.runErr(r)
}

func (c *Controller) runErr(r *run) error {
	<-r.done
	c.mu.Lock()
	defer c.mu.Unlock()
	return r.err
}

// closeLate releases a resource that resolved after its attempt was
// abandoned.
func (c *Controller) closeLate(what string, closeFn func() error) {
	if err := closeFn(); err != nil {
		c.log.Warn("release abandoned resource", "resource", what, "err", err)
	}
}

// Stop ends the session and releases every resource. Stopping while
// connecting abandons the connect attempt. Stop is idempotent and a no-op in
// Idle and Closed; it returns once teardown has finished.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state == StateIdle || c.state == StateClosed || c.run == nil {
		c.mu.Unlock()
		return
	}
	r := c.run
	c.mu.Unlock()
	c.terminate(r, nil, true)
}

// terminate runs the Closing phase for r exactly once. Concurrent callers
// wait for the first to finish. stopping marks an explicit Stop, which
// always ends in Closed.
func (c *Controller) terminate(r *run, cause error, stopping bool) {
	c.mu.Lock()
	if r.ending {
		c.mu.Unlock()
		<-r.done
		return
	}
	r.ending = true
	c.epoch++
	c.setState(StateClosing)
	c.unlock()

	ctx, span := observe.StartSessionSpan(context.Background(), "teardown", c.id)
	r.stopLoop()
	c.release(ctx, r)

	final := StateIdle
	if r.wentLive || stopping {
		final = StateClosed
	}
	if r.wentLive {
		c.metrics.ActiveSessions.Add(ctx, -1)
		c.metrics.SessionDuration.Record(ctx, time.Since(r.liveAt).Seconds())
	}
	if stopping && !r.wentLive && cause == nil {
		cause = ErrAbandoned
	}
	if final == StateClosed && r.wentLive {
		c.record(ctx)
	}

	c.mu.Lock()
	r.err = cause
	c.lastErr = cause
	c.setState(final)
	close(r.done)
	c.unlock()

	if cause != nil && !errors.Is(cause, ErrAbandoned) {
		c.log.Info("session ended", "state", final, "err", cause)
	} else {
		c.log.Info("session ended", "state", final)
	}
	observe.EndSpan(span, nil)
}

// release frees the resources of r in a fixed order: channel, capture,
// output, scheduled audio. Failures are logged and swallowed.
func (c *Controller) release(ctx context.Context, r *run) {
	r.releaseOnce.Do(func() {
		if r.ch != nil {
			if err := r.ch.Close(); err != nil {
				c.releaseFailed(ctx, "channel", err)
			}
			audio.Drain(r.ch.Events())
		}
		if r.capture != nil {
			if err := r.capture.Stop(); err != nil {
				c.releaseFailed(ctx, "capture", err)
			}
		}
		if r.out != nil {
			if err := r.out.Close(); err != nil {
				c.releaseFailed(ctx, "output", err)
			}
		}
		if r.sched != nil {
			if n := r.sched.CancelAll(); n > 0 {
				c.log.Debug("cancelled scheduled audio", "entries", n)
			}
		}
	})
}

func (c *Controller) releaseFailed(ctx context.Context, step string, err error) {
	c.metrics.RecordTeardownFailure(ctx, step)
	observe.RecordStepError(ctx, step, err)
	c.log.Warn("teardown step failed", "step", step, "err", err)
}

// record hands the finished conversation to the history collaborator.
func (c *Controller) record(ctx context.Context) {
	c.transcript.FinalizeOpen(transcript.SpeakerUser)
	c.transcript.FinalizeOpen(transcript.SpeakerModel)
	if c.recorder == nil {
		return
	}
	err := c.recorder.Record(ctx, history.Session{
		ID:             c.id,
		Level:          c.cfg.Coaching.Level,
		Goal:           c.cfg.Coaching.Goal,
		NativeLanguage: c.cfg.Coaching.NativeLanguage,
		Messages:       c.transcript.Messages(),
	})
	if err != nil {
		c.log.Warn("record session history", "err", err)
	}
}

// addLine appends a discrete transcript line and notifies observers.
func (c *Controller) addLine(speaker transcript.Speaker, kind transcript.Kind, text string) {
	msg := c.transcript.AppendFragment(speaker, kind, text)
	c.metrics.RecordTranscript(context.Background(), string(speaker))
	if c.hooks.OnMessage != nil {
		c.hooks.OnMessage(msg)
	}
}

// setState records a transition for delivery by unlock. Must hold c.mu.
func (c *Controller) setState(s State) {
	c.state = s
	c.pending = append(c.pending, s)
}

// unlock releases c.mu and then delivers queued state notifications.
func (c *Controller) unlock() {
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	if c.hooks.OnState == nil {
		return
	}
	for _, s := range pending {
		c.hooks.OnState(s)
	}
}
