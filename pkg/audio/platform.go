// Package audio defines the device abstractions and sample helpers shared by
// the capture and playback halves of a live voice session.
//
// The two device abstractions are:
//
//   - [FrameSource]: acquires the microphone and returns a [Capture] that
//     emits fixed-size [AudioFrame] blocks once started.
//   - [OutputDevice]: acquires the speaker and exposes a monotonically
//     advancing clock plus clock-scheduled buffer playback.
//
// Implementations live in backend packages (audio/ffmpeg, audio/portaudio)
// and in audio/mock for tests.
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrDeviceUnavailable reports that a capture or output device could not be
// acquired, either because access was denied or because no device exists.
var ErrDeviceUnavailable = errors.New("audio: device unavailable")

// FrameSource is the entry point for microphone capture.
//
// Implementations must be safe for concurrent use.
type FrameSource interface {
	// Open requests exclusive access to the input device. It does not start
	// emitting frames; call [Capture.Start] for that.
	//
	// Returns an error wrapping [ErrDeviceUnavailable] when access is denied or
	// no device exists.
	Open(ctx context.Context) (Capture, error)
}

// Capture is an acquired input device.
type Capture interface {
	// Start begins delivering frames to onFrame at the device's natural
	// cadence, in capture order. onFrame is called from a single internal
	// goroutine; it may block briefly but must not call back into Capture.
	// Start may be called at most once.
	Start(onFrame func(AudioFrame)) error

	// Stop halts capture and releases the device. It is idempotent and safe to
	// call before Start.
	Stop() error
}

// Voice is a single buffer scheduled on an [OutputDevice].
type Voice interface {
	// Stop silences the voice immediately. Stopping an already finished voice
	// is a no-op. The completion callback is not invoked for stopped voices.
	Stop()
}

// OutputDevice is an acquired speaker with a render clock.
//
// Implementations must be safe for concurrent use.
type OutputDevice interface {
	// Format returns the sample rate and channel count the device renders.
	Format() Format

	// Now returns the device clock: the amount of audio rendered since the
	// device was opened. It never moves backward.
	Now() time.Duration

	// Play schedules interleaved samples (in Format()) to begin rendering at
	// clock time at. If at is already in the past the buffer starts
	// immediately. done, if non-nil, is invoked once from the render goroutine
	// when the buffer finishes naturally.
	Play(samples []float32, at time.Duration, done func()) (Voice, error)

	// Close stops rendering and releases the device. Idempotent.
	Close() error
}

// OutputOpener acquires an [OutputDevice]. It returns an error wrapping
// [ErrDeviceUnavailable] when no output device can be opened.
type OutputOpener interface {
	OpenOutput(ctx context.Context) (OutputDevice, error)
}

// Backend bundles the capture and output halves of one device backend.
type Backend interface {
	FrameSource
	OutputOpener
}
