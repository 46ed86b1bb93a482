package audio

import (
	"fmt"
	"time"
)

const (
	// CaptureSampleRate is the reference microphone sample rate expected by the
	// live protocol.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the reference sample rate of synthesised reply audio.
	PlaybackSampleRate = 24000

	// DefaultBlockSize is the number of samples per captured frame.
	DefaultBlockSize = 4096
)

// AudioFrame is a fixed-length block of captured mono samples.
//
// Frames are produced continuously while capture is active. A frame is
// immutable once emitted and is consumed exactly once by the frame encoder.
type AudioFrame struct {
	// Samples holds signed amplitudes normalised to [-1, 1].
	Samples []float32

	// SampleRate in Hz (16000 for the reference capture path).
	SampleRate int

	// Seq is the capture order of this frame, starting at zero for the first
	// frame of a capture.
	Seq uint64

	// Timestamp marks the frame start relative to capture start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	return SamplesDuration(len(f.Samples), f.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// String returns a human-readable form such as "24000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// SamplesDuration converts a per-channel sample count at rate into a duration.
// It returns zero for a non-positive rate.
func SamplesDuration(samples, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(rate)
}
