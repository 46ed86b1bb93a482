// Package ffmpeg implements an [audio.Backend] on top of the ffmpeg and
// ffplay command-line tools.
//
// Capture runs ffmpeg against the platform's audio input (PulseAudio on
// Linux, AVFoundation on macOS) and reads mono 16-bit little-endian PCM from
// its stdout. Playback renders a [playback.Timeline] on a fixed pacing tick
// and pipes the result into ffplay's stdin, so the output clock follows wall
// time plus ffplay's constant buffering delay.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/speakflow/pkg/audio"
	"github.com/MrWong99/speakflow/pkg/audio/pcm"
	"github.com/MrWong99/speakflow/pkg/audio/playback"
)

const (
	// defaultProbeTimeout bounds how long Open waits for the first captured
	// bytes before reporting the input device as unavailable.
	defaultProbeTimeout = 3 * time.Second

	// renderTick is the playback pacing period.
	renderTick = 20 * time.Millisecond
)

// Compile-time interface check.
var _ audio.Backend = (*Backend)(nil)

// Option is a functional option for [New].
type Option func(*Backend)

// WithFFmpegPath sets the ffmpeg binary. Default: "ffmpeg" from PATH.
func WithFFmpegPath(path string) Option {
	return func(b *Backend) {
		if path != "" {
			b.ffmpeg = path
		}
	}
}

// WithFFplayPath sets the ffplay binary. Default: "ffplay" from PATH.
func WithFFplayPath(path string) Option {
	return func(b *Backend) {
		if path != "" {
			b.ffplay = path
		}
	}
}

// WithInputDevice selects the capture device. Default: "default" on Linux,
// ":0" on macOS.
func WithInputDevice(device string) Option {
	return func(b *Backend) { b.device = device }
}

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

// WithProbeTimeout overrides how long Open waits for the first captured
// bytes.
func WithProbeTimeout(d time.Duration) Option {
	return func(b *Backend) { b.probeTimeout = d }
}

// WithCommand overrides how subprocesses are created and skips the PATH
// lookup of the binaries. Intended for tests.
func WithCommand(fn func(name string, args ...string) *exec.Cmd) Option {
	return func(b *Backend) {
		b.command = fn
		b.lookPath = nil
	}
}

// WithGOOS overrides the platform used to select the capture input format.
func WithGOOS(goos string) Option {
	return func(b *Backend) { b.goos = goos }
}

// Backend spawns ffmpeg for capture and ffplay for playback. It holds no
// state between devices and is safe for concurrent use.
type Backend struct {
	ffmpeg       string
	ffplay       string
	device       string
	captureRate  int
	blockSize    int
	output       audio.Format
	probeTimeout time.Duration
	goos         string
	command      func(name string, args ...string) *exec.Cmd
	lookPath     func(file string) (string, error)
}

// New creates a Backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		ffmpeg:       "ffmpeg",
		ffplay:       "ffplay",
		captureRate:  audio.CaptureSampleRate,
		blockSize:    audio.DefaultBlockSize,
		output:       audio.Format{SampleRate: audio.PlaybackSampleRate, Channels: 1},
		probeTimeout: defaultProbeTimeout,
		goos:         runtime.GOOS,
		command:      exec.Command,
		lookPath:     exec.LookPath,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// CaptureArgs returns the ffmpeg arguments that record device on goos as
// mono s16le at rate.
func CaptureArgs(goos, device string, rate int) ([]string, error) {
	var input []string
	switch goos {
	case "darwin":
		if device == "" {
			device = ":0"
		}
		input = []string{"-f", "avfoundation", "-i", device}
	case "linux":
		if device == "" {
			device = "default"
		}
		input = []string{"-f", "pulse", "-i", device}
	default:
		return nil, fmt.Errorf("ffmpeg: capture is not supported on %s", goos)
	}
	args := []string{"-hide_banner", "-loglevel", "error"}
	args = append(args, input...)
	return append(args,
		"-ac", "1", "-ar", strconv.Itoa(rate),
		"-f", "s16le", "-",
	), nil
}

// PlaybackArgs returns the ffplay arguments that play s16le from stdin in
// format.
func PlaybackArgs(format audio.Format) []string {
	return []string{
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(format.SampleRate),
		"-ac", strconv.Itoa(format.Channels),
		"-i", "pipe:0",
	}
}

// resolve checks that a binary can be started.
func (b *Backend) resolve(name string) error {
	if b.lookPath == nil {
		return nil
	}
	if _, err := b.lookPath(name); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s not found: %w", audio.ErrDeviceUnavailable, name, err)
	}
	return nil
}

// ── Capture ──

// Open implements [audio.FrameSource]. It starts ffmpeg and waits until the
// first audio bytes arrive so that a missing or denied input device is
// reported here rather than after the session went live.
func (b *Backend) Open(ctx context.Context) (audio.Capture, error) {
	args, err := CaptureArgs(b.goos, b.device, b.captureRate)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", audio.ErrDeviceUnavailable, err)
	}
	if err := b.resolve(b.ffmpeg); err != nil {
		return nil, err
	}

	cmd := b.command(b.ffmpeg, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: open stdout: %w", err)
	}
	stderr := &tailBuffer{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: start capture: %w", audio.ErrDeviceUnavailable, err)
	}

	c := &capture{
		cmd:       cmd,
		r:         bufio.NewReaderSize(stdout, b.blockSize*pcm.BytesPerSample),
		stderr:    stderr,
		rate:      b.captureRate,
		blockSize: b.blockSize,
		stopping:  make(chan struct{}),
		done:      make(chan struct{}),
	}

	probe := make(chan error, 1)
	go func() {
		_, err := c.r.Peek(pcm.BytesPerSample)
		probe <- err
	}()

	timer := time.NewTimer(b.probeTimeout)
	defer timer.Stop()
	probed := false
	select {
	case err = <-probe:
		probed = true
	case <-timer.C:
		err = errors.New("no audio received")
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		c.kill()
		if !probed {
			<-probe
		}
		_ = cmd.Wait()
		if msg := stderr.String(); msg != "" {
			err = fmt.Errorf("%w: %s", err, msg)
		}
		return nil, fmt.Errorf("ffmpeg: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	return c, nil
}

type capture struct {
	cmd       *exec.Cmd
	r         *bufio.Reader
	stderr    *tailBuffer
	rate      int
	blockSize int

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
		return errors.New("ffmpeg: capture stopped")
	default:
	}
	if c.started {
		return errors.New("ffmpeg: capture already started")
	}
	c.started = true
	go c.read(onFrame)
	return nil
}

func (c *capture) read(onFrame func(audio.AudioFrame)) {
	defer close(c.done)
	buf := make([]byte, c.blockSize*pcm.BytesPerSample)
	var seq uint64
	var elapsed time.Duration
	for {
		if _, err := io.ReadFull(c.r, buf); err != nil {
			select {
			case <-c.stopping:
			default:
				slog.Warn("ffmpeg: capture ended", "err", err, "stderr", c.stderr.String())
			}
			return
		}
		samples, _ := pcm.Decode(buf)
		frame := audio.AudioFrame{
			Samples:    samples,
			SampleRate: c.rate,
			Seq:        seq,
			Timestamp:  elapsed,
		}
		seq++
		elapsed += frame.Duration()
		onFrame(frame)
	}
}

// Stop implements [audio.Capture].
func (c *capture) Stop() error {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		close(c.stopping)
		started := c.started
		c.mu.Unlock()

		c.kill()
		if started {
			<-c.done
		}
		_ = c.cmd.Wait()
	})
	return nil
}

func (c *capture) kill() {
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
}

// ── Playback ──

// OpenOutput implements [audio.OutputOpener].
func (b *Backend) OpenOutput(_ context.Context) (audio.OutputDevice, error) {
	if err := b.resolve(b.ffplay); err != nil {
		return nil, err
	}
	cmd := b.command(b.ffplay, PlaybackArgs(b.output)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: open ffplay stdin: %w", err)
	}
	cmd.Stdout = io.Discard
	stderr := &tailBuffer{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: start ffplay: %w", audio.ErrDeviceUnavailable, err)
	}

	o := &output{
		Timeline: playback.NewTimeline(b.output),
		cmd:      cmd,
		stdin:    stdin,
		stderr:   stderr,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go o.pace()
	return o, nil
}

type output struct {
	*playback.Timeline

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *tailBuffer

	closeOnce sync.Once
	quit      chan struct{}
	done      chan struct{}
}

// pace renders the timeline in wall-clock time and feeds ffplay.
func (o *output) pace() {
	defer close(o.done)
	format := o.Format()
	ticker := time.NewTicker(renderTick)
	defer ticker.Stop()

	start := time.Now()
	var rendered int64
	var buf []float32
	for {
		select {
		case <-o.quit:
			return
		case now := <-ticker.C:
			due := int64(now.Sub(start)) * int64(format.SampleRate) / int64(time.Second)
			frames := due - rendered
			if frames <= 0 {
				continue
			}
			n := int(frames) * format.Channels
			if cap(buf) < n {
				buf = make([]float32, n)
			}
			buf = buf[:n]
			o.Render(buf)
			rendered = due

			chunk := pcm.Encode(audio.AudioFrame{Samples: buf, SampleRate: format.SampleRate})
			if _, err := o.stdin.Write(chunk.Data); err != nil {
				select {
				case <-o.quit:
				default:
					slog.Warn("ffmpeg: playback ended", "err", err, "stderr", o.stderr.String())
				}
				return
			}
		}
	}
}

// Close implements [audio.OutputDevice]. The player is killed and its stdin
// closed before waiting for pace, so a player that stopped reading cannot
// block Close in a pipe write.
func (o *output) Close() error {
	o.closeOnce.Do(func() {
		close(o.quit)
		if o.cmd.Process != nil {
			_ = o.cmd.Process.Kill()
		}
		_ = o.stdin.Close()
		<-o.done
		_ = o.Timeline.Close()
		_ = o.cmd.Wait()
	})
	return nil
}

// tailBuffer keeps the last bytes a subprocess wrote to stderr.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

const tailLimit = 1024

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - tailLimit; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(t.buf.String())
}
