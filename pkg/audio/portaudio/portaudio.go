// Package portaudio implements an [audio.Backend] on the default PortAudio
// input and output devices.
//
// The bindings use CGO. The PortAudio library and headers (portaudio-2.0)
// must be discoverable through pkg-config at build time.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/speakflow/pkg/audio"
	"github.com/MrWong99/speakflow/pkg/audio/playback"
)

const (
	// frameQueue is the number of captured frames buffered between the
	// PortAudio callback and the consumer.
	frameQueue = 16

	// defaultOutputBuffer is the frames per output callback.
	defaultOutputBuffer = 480
)

// Compile-time interface check.
var _ audio.Backend = (*Backend)(nil)

// Option is a functional option for [New].
type Option func(*Backend)

// WithCaptureRate sets the capture sample rate. Default: 16000.
func WithCaptureRate(rate int) Option {
	return func(b *Backend) {
		if rate > 0 {
			b.captureRate = rate
		}
	}
}

// WithBlockSize sets the samples per captured frame. Default: 4096.
func WithBlockSize(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.blockSize = n
		}
	}
}

// WithOutputFormat sets the playback format. Default: 24000 Hz mono.
func WithOutputFormat(f audio.Format) Option {
	return func(b *Backend) {
		if f.SampleRate > 0 {
			b.output.SampleRate = f.SampleRate
		}
		if f.Channels > 0 {
			b.output.Channels = f.Channels
		}
	}
}

// WithOutputBuffer sets the frames rendered per output callback.
// Default: 480 (20 ms at 24 kHz).
func WithOutputBuffer(frames int) Option {
	return func(b *Backend) {
		if frames > 0 {
			b.outputBuffer = frames
		}
	}
}

// Backend opens the system default devices through PortAudio. Every opened
// device holds one PortAudio initialisation reference that is released when
// the device is closed.
type Backend struct {
	captureRate  int
	blockSize    int
	output       audio.Format
	outputBuffer int
}

// New creates a Backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		captureRate:  audio.CaptureSampleRate,
		blockSize:    audio.DefaultBlockSize,
		output:       audio.Format{SampleRate: audio.PlaybackSampleRate, Channels: 1},
		outputBuffer: defaultOutputBuffer,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// ── Capture ──

// Open implements [audio.FrameSource]. The input stream is opened but not
// started.
func (b *Backend) Open(_ context.Context) (audio.Capture, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: %w: initialize: %w", audio.ErrDeviceUnavailable, err)
	}
	c := &capture{
		emitter:  newEmitter(b.captureRate, b.blockSize),
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
	stream, err := pa.OpenDefaultStream(1, 0, float64(b.captureRate), b.blockSize, c.emitter.push)
	if err != nil {
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: %w: open input: %w", audio.ErrDeviceUnavailable, err)
	}
	c.stream = stream
	return c, nil
}

// emitter turns PortAudio input callbacks into numbered frames. push runs on
// the PortAudio thread and never blocks; frames are dropped when the consumer
// falls behind.
type emitter struct {
	rate      int
	blockSize int
	frames    chan audio.AudioFrame

	seq     uint64
	elapsed time.Duration
	dropped uint64
}

func newEmitter(rate, blockSize int) *emitter {
	return &emitter{
		rate:      rate,
		blockSize: blockSize,
		frames:    make(chan audio.AudioFrame, frameQueue),
	}
}

func (e *emitter) push(in []float32) {
	frame := audio.AudioFrame{
		Samples:    append([]float32(nil), in...),
		SampleRate: e.rate,
		Seq:        e.seq,
		Timestamp:  e.elapsed,
	}
	e.elapsed += frame.Duration()
	select {
	case e.frames <- frame:
		e.seq++
	default:
		e.dropped++
	}
}

type capture struct {
	stream  *pa.Stream
	emitter *emitter

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
	stopping chan struct{}
	done     chan struct{}
}

// Start implements [audio.Capture].
func (c *capture) Start(onFrame func(audio.AudioFrame)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.stopping:
		return errors.New("portaudio: capture stopped")
	default:
	}
	if c.started {
		return errors.New("portaudio: capture already started")
	}
	if err := c.stream.Start(); err != nil {
		return fmt.Errorf("portaudio: %w: start input: %w", audio.ErrDeviceUnavailable, err)
	}
	c.started = true
	go c.deliver(onFrame)
	return nil
}

func (c *capture) deliver(onFrame func(audio.AudioFrame)) {
	defer close(c.done)
	for {
		select {
		case <-c.stopping:
			return
		case f := <-c.emitter.frames:
			onFrame(f)
		}
	}
}

// Stop implements [audio.Capture].
func (c *capture) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		c.mu.Lock()
		close(c.stopping)
		started := c.started
		c.mu.Unlock()

		if started {
			if stopErr := c.stream.Stop(); stopErr != nil {
				err = fmt.Errorf("portaudio: stop input: %w", stopErr)
			}
			<-c.done
		}
		if closeErr := c.stream.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("portaudio: close input: %w", closeErr)
		}
		if n := c.emitter.dropped; n > 0 {
			slog.Debug("portaudio: dropped captured frames", "frames", n)
		}
		_ = pa.Terminate()
	})
	return err
}

// ── Playback ──

// OpenOutput implements [audio.OutputOpener]. The stream starts rendering
// silence immediately and its clock advances with every callback.
func (b *Backend) OpenOutput(_ context.Context) (audio.OutputDevice, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: %w: initialize: %w", audio.ErrDeviceUnavailable, err)
	}
	o := &output{Timeline: playback.NewTimeline(b.output)}
	stream, err := pa.OpenDefaultStream(0, b.output.Channels, float64(b.output.SampleRate), b.outputBuffer, o.Render)
	if err != nil {
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: %w: open output: %w", audio.ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = pa.Terminate()
		return nil, fmt.Errorf("portaudio: %w: start output: %w", audio.ErrDeviceUnavailable, err)
	}
	o.stream = stream
	return o, nil
}

type output struct {
	*playback.Timeline

	stream    *pa.Stream
	closeOnce sync.Once
	err       error
}

// Close implements [audio.OutputDevice].
func (o *output) Close() error {
	o.closeOnce.Do(func() {
		if err := o.stream.Stop(); err != nil {
			o.err = fmt.Errorf("portaudio: stop output: %w", err)
		}
		_ = o.Timeline.Close()
		if err := o.stream.Close(); err != nil && o.err == nil {
			o.err = fmt.Errorf("portaudio: close output: %w", err)
		}
		_ = pa.Terminate()
	})
	return o.err
}
