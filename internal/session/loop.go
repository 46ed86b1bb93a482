package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/speakflow/internal/inbound"
	"github.com/MrWong99/speakflow/internal/transcript"
	"github.com/MrWong99/speakflow/pkg/audio"
	"github.com/MrWong99/speakflow/pkg/audio/pcm"
	"github.com/MrWong99/speakflow/pkg/audio/playback"
	"github.com/MrWong99/speakflow/pkg/provider/live"
)

// run is one session attempt. Resource fields are written under the
// controller lock while the attempt is current and are read-only once
// teardown has begun.
type run struct {
	epoch uint64
	begun time.Time

	out     audio.OutputDevice
	capture audio.Capture
	ch      live.Channel
	sched   *playback.Scheduler

	frames chan audio.AudioFrame

	// completed holds finished playback entries until the loop collects
	// them. completedReady is signalled without blocking on every append.
	completedMu    sync.Mutex
	completed      []uint64
	completedReady chan struct{}

	quit     chan struct{}
	quitOnce sync.Once
	loopDone chan struct{}
	opened   chan struct{}
	done     chan struct{}

	// Guarded by the controller lock.
	loopStarted bool
	ending      bool
	wentLive    bool
	liveAt      time.Time
	err         error

	releaseOnce sync.Once
}

func newRun(epoch uint64) *run {
	return &run{
		epoch:    epoch,
		begun:    time.Now(),
		frames:   make(chan audio.AudioFrame, frameBuffer),
		quit:     make(chan struct{}),
		loopDone: make(chan struct{}),
		opened:   make(chan struct{}),
		done:     make(chan struct{}),

		completedReady: make(chan struct{}, 1),
	}
}

// onFrame hands a captured frame to the loop. It blocks while the loop is
// busy and gives up once the loop is stopping.
func (r *run) onFrame(f audio.AudioFrame) {
	select {
	case r.frames <- f:
	case <-r.quit:
	}
}

// completion hands a finished playback entry to the loop. It never blocks:
// it runs on the output's render path, which may be a realtime audio thread.
func (r *run) completion(id uint64) {
	r.completedMu.Lock()
	r.completed = append(r.completed, id)
	r.completedMu.Unlock()
	select {
	case r.completedReady <- struct{}{}:
	default:
	}
}

// takeCompleted returns and clears the pending completions.
func (r *run) takeCompleted() []uint64 {
	r.completedMu.Lock()
	defer r.completedMu.Unlock()
	ids := r.completed
	r.completed = nil
	return ids
}

// stopLoop signals the loop to exit and waits for it. Safe to call from the
// loop goroutine after it has returned and before the loop was started.
func (r *run) stopLoop() {
	r.quitOnce.Do(func() { close(r.quit) })
	if r.loopStarted {
		<-r.loopDone
	}
}

// loop is the single consumer of inbound events, captured frames and
// playback completions for r. When the channel reports a terminal signal it
// exits and starts teardown.
func (c *Controller) loop(r *run) {
	terminal, cause := c.serve(r)
	close(r.loopDone)
	if terminal {
		c.terminate(r, cause, false)
	}
}

func (c *Controller) serve(r *run) (terminal bool, cause error) {
	ctx := context.Background()
	events := r.ch.Events()
	sendFailing := false

	for {
		select {
		case <-r.quit:
			return false, nil

		case ev, ok := <-events:
			if !ok {
				return true, c.closedCause(r, fmt.Errorf("session: %w: events closed", live.ErrStream))
			}
			for _, ie := range inbound.Route(ev) {
				if end, cause := c.handle(ctx, r, ie); end {
					return true, cause
				}
			}

		case f := <-r.frames:
			c.metrics.FramesCaptured.Add(ctx, 1)
			if err := r.ch.Send(pcm.Encode(f)); err != nil {
				c.metrics.SendFailures.Add(ctx, 1)
				if !sendFailing {
					c.log.Warn("dropping captured audio", "seq", f.Seq, "err", err)
				}
				sendFailing = true
				continue
			}
			if sendFailing {
				c.log.Info("uplink recovered", "seq", f.Seq)
			}
			sendFailing = false
			c.metrics.ChunksSent.Add(ctx, 1)

		case <-r.completedReady:
			for _, id := range r.takeCompleted() {
				r.sched.Complete(id)
			}
		}
	}
}

// handle applies one routed event. It reports true and the teardown cause
// when the event ends the session.
func (c *Controller) handle(ctx context.Context, r *run, ev inbound.Event) (end bool, cause error) {
	switch ev := ev.(type) {
	case inbound.Control:
		switch ev.Signal {
		case live.SignalOpened:
			if err := c.goLive(ctx, r); err != nil {
				return true, err
			}
		case live.SignalErrored:
			err := ev.Err
			if err == nil {
				err = live.ErrStream
			}
			return true, fmt.Errorf("session: channel: %w", err)
		case live.SignalClosed:
			return true, c.closedCause(r, fmt.Errorf("session: %w: closed before open", live.ErrStream))
		}

	case inbound.AudioChunk:
		e, err := r.sched.Schedule(ev.Payload, ev.SampleRate)
		switch {
		case errors.Is(err, playback.ErrDecode):
			c.metrics.DecodeFailures.Add(ctx, 1)
			c.log.Warn("dropping undecodable reply audio", "bytes", len(ev.Payload), "err", err)
			return false, nil
		case err != nil:
			c.metrics.PlaybackFailures.Add(ctx, 1)
			c.log.Warn("output refused reply audio", "bytes", len(ev.Payload), "err", err)
			return false, nil
		}
		gap := e.Gap
		if e.ID == 1 {
			gap = 0
		}
		c.metrics.RecordScheduled(ctx, e.Duration, gap)

	case inbound.TranscriptFragment:
		if ev.Text != "" {
			c.addLine(ev.Speaker, transcript.KindAudio, ev.Text)
		}

	case inbound.TurnComplete:
		c.transcript.FinalizeOpen(transcript.SpeakerModel)

	case inbound.Interruption:
		c.log.Debug("model turn interrupted", "buffered", r.sched.Buffered())
	}
	return false, nil
}

// goLive starts capture and moves the controller to Live.
func (c *Controller) goLive(ctx context.Context, r *run) error {
	c.mu.Lock()
	already := r.wentLive || r.ending
	c.mu.Unlock()
	if already {
		return nil
	}

	if err := r.capture.Start(r.onFrame); err != nil {
		return deviceErr("start capture", err)
	}

	c.mu.Lock()
	if r.ending {
		c.mu.Unlock()
		return nil
	}
	r.wentLive = true
	r.liveAt = time.Now()
	c.setState(StateLive)
	c.unlock()

	c.metrics.ActiveSessions.Add(ctx, 1)
	c.log.Info("session live", "connect", time.Since(r.begun))
	close(r.opened)
	return nil
}

// closedCause returns nil for a close after the session went live and
// beforeOpen otherwise.
func (c *Controller) closedCause(r *run, beforeOpen error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r.wentLive {
		return nil
	}
	return beforeOpen
}
