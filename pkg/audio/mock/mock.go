// Package mock provides in-memory implementations of the [audio.FrameSource],
// [audio.Capture], [audio.OutputDevice] and [audio.OutputOpener] interfaces
// for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts, and they expose exported fields that the
// test can set to control return values.
//
// Typical usage:
//
//	capture := &mock.Capture{}
//	src := &mock.Source{Capture: capture}
//	out := mock.NewOutput(audio.Format{SampleRate: 24000, Channels: 1})
//	// ... start a session, then:
//	capture.Emit(make([]float32, 4096))
//	out.Advance(200 * time.Millisecond)
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/speakflow/pkg/audio"
)

// ─── Capture ──────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.FrameSource].
type Source struct {
	mu sync.Mutex

	// Capture is returned by Open. If nil, Open creates one on first use.
	Capture *Capture

	// OpenErr, if non-nil, is returned by Open.
	OpenErr error

	// OpenCalls records how many times Open was called.
	OpenCalls int
}

// Open implements [audio.FrameSource].
func (s *Source) Open(_ context.Context) (audio.Capture, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenCalls++
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	if s.Capture == nil {
		s.Capture = &Capture{}
	}
	return s.Capture, nil
}

// Opens returns the number of Open calls. Thread-safe.
func (s *Source) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.OpenCalls
}

// Capture is a mock implementation of [audio.Capture]. Frames are produced
// on demand with [Capture.Emit].
type Capture struct {
	mu sync.Mutex

	// SampleRate stamped on emitted frames. Defaults to [audio.CaptureSampleRate].
	SampleRate int

	// StartErr, if non-nil, is returned by Start.
	StartErr error

	// StopErr, if non-nil, is returned by every Stop call.
	StopErr error

	// StartCalls and StopCalls record invocation counts.
	StartCalls int
	StopCalls  int

	onFrame func(audio.AudioFrame)
	stopped bool
	seq     uint64
	elapsed time.Duration
}

// Start implements [audio.Capture].
func (c *Capture) Start(onFrame func(audio.AudioFrame)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StartCalls++
	if c.StartErr != nil {
		return c.StartErr
	}
	if c.onFrame != nil {
		return errors.New("mock: capture already started")
	}
	c.onFrame = onFrame
	return nil
}

// Stop implements [audio.Capture].
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StopCalls++
	c.stopped = true
	return c.StopErr
}

// Started reports whether Start succeeded.
func (c *Capture) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onFrame != nil
}

// Stopped reports whether Stop has been called.
func (c *Capture) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Emit delivers one frame to the registered callback synchronously. It
// reports false (and delivers nothing) when capture is not running.
func (c *Capture) Emit(samples []float32) bool {
	c.mu.Lock()
	if c.onFrame == nil || c.stopped {
		c.mu.Unlock()
		return false
	}
	rate := c.SampleRate
	if rate == 0 {
		rate = audio.CaptureSampleRate
	}
	frame := audio.AudioFrame{
		Samples:    samples,
		SampleRate: rate,
		Seq:        c.seq,
		Timestamp:  c.elapsed,
	}
	c.seq++
	c.elapsed += frame.Duration()
	cb := c.onFrame
	c.mu.Unlock()

	cb(frame)
	return true
}

// ─── Output ───────────────────────────────────────────────────────────────────

// PlayCall records a single [Output.Play] invocation.
type PlayCall struct {
	// Samples is the buffer passed to Play.
	Samples []float32
	// At is the requested start time.
	At time.Duration
	// Start is the effective start time (At, or the clock if At was in the past).
	Start time.Duration
	// Stopped is true if the voice was stopped before finishing.
	Stopped bool
	// Finished is true once the completion callback ran.
	Finished bool
}

// Output is a mock [audio.OutputDevice] with a manually advanced clock.
type Output struct {
	mu sync.Mutex

	// PlayErr, if non-nil, is returned by Play.
	PlayErr error

	// CloseErr, if non-nil, is returned by every Close call.
	CloseErr error

	// CloseCalls records how many times Close was called.
	CloseCalls int

	format audio.Format
	now    time.Duration
	voices []*voice
}

type voice struct {
	o    *Output
	call PlayCall
	done func()
}

// NewOutput returns an Output rendering in format with its clock at zero.
func NewOutput(format audio.Format) *Output {
	return &Output{format: format}
}

// Format implements [audio.OutputDevice].
func (o *Output) Format() audio.Format { return o.format }

// Now implements [audio.OutputDevice].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Play implements [audio.OutputDevice].
func (o *Output) Play(samples []float32, at time.Duration, done func()) (audio.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.PlayErr != nil {
		return nil, o.PlayErr
	}
	v := &voice{
		o:    o,
		call: PlayCall{Samples: samples, At: at, Start: max(at, o.now)},
		done: done,
	}
	o.voices = append(o.voices, v)
	return v, nil
}

// Close implements [audio.OutputDevice].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CloseCalls++
	return o.CloseErr
}

// SetNow moves the clock to t without finishing any voices. Use it to
// simulate decode latency before a chunk is scheduled.
func (o *Output) SetNow(t time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = max(o.now, t)
}

// Advance moves the clock forward by d and runs the completion callback of
// every voice that has finished by the new time, in start order.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	o.now += d
	var done []func()
	for _, v := range o.voices {
		if v.call.Stopped || v.call.Finished {
			continue
		}
		if v.call.Start+o.duration(v.call.Samples) <= o.now {
			v.call.Finished = true
			if v.done != nil {
				done = append(done, v.done)
			}
		}
	}
	o.mu.Unlock()

	for _, fn := range done {
		fn()
	}
}

// Plays returns a snapshot of every Play call in order.
func (o *Output) Plays() []PlayCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]PlayCall, len(o.voices))
	for i, v := range o.voices {
		out[i] = v.call
	}
	return out
}

func (o *Output) duration(samples []float32) time.Duration {
	ch := max(o.format.Channels, 1)
	return audio.SamplesDuration(len(samples)/ch, o.format.SampleRate)
}

// Stop implements [audio.Voice].
func (v *voice) Stop() {
	v.o.mu.Lock()
	defer v.o.mu.Unlock()
	if !v.call.Finished {
		v.call.Stopped = true
	}
}

// Opener is a mock [audio.OutputOpener].
type Opener struct {
	mu sync.Mutex

	// Output is returned by OpenOutput.
	Output *Output

	// Err, if non-nil, is returned by OpenOutput.
	Err error

	// Calls records how many times OpenOutput was called.
	Calls int
}

// OpenOutput implements [audio.OutputOpener].
func (o *Opener) OpenOutput(_ context.Context) (audio.OutputDevice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Calls++
	if o.Err != nil {
		return nil, o.Err
	}
	return o.Output, nil
}

// Backend combines a [Source] and an [Opener] into an [audio.Backend].
type Backend struct {
	*Source
	*Opener
}

var (
	_ audio.Backend      = Backend{}
	_ audio.FrameSource  = (*Source)(nil)
	_ audio.Capture      = (*Capture)(nil)
	_ audio.OutputDevice = (*Output)(nil)
	_ audio.OutputOpener = (*Opener)(nil)
)
