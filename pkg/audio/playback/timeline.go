package playback

import (
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/speakflow/pkg/audio"
)

// ErrClosed is returned by [Timeline.Play] after the timeline was closed.
var ErrClosed = errors.New("playback: output closed")

// Timeline is a sample-accurate software render clock. It implements the
// scheduling half of [audio.OutputDevice]: buffers are placed at absolute
// clock positions and mixed into the device buffer by [Timeline.Render].
// Device backends drive Render from their audio callback or pacing loop; the
// clock advances only as audio is rendered.
//
// All methods are safe for concurrent use.
type Timeline struct {
	format audio.Format

	mu     sync.Mutex
	pos    int64 // frames rendered so far
	voices []*timelineVoice
	closed bool
}

// Timeline is itself a headless output device; backends embed it.
var _ audio.OutputDevice = (*Timeline)(nil)

type timelineVoice struct {
	t       *Timeline
	start   int64 // first frame
	samples []float32
	done    func()
	stopped bool
}

// NewTimeline returns a Timeline rendering in format.
func NewTimeline(format audio.Format) *Timeline {
	if format.Channels <= 0 {
		format.Channels = 1
	}
	return &Timeline{format: format}
}

// Format returns the render format.
func (t *Timeline) Format() audio.Format { return t.format }

// Now returns the amount of audio rendered so far.
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return audio.SamplesDuration(int(t.pos), t.format.SampleRate)
}

// Play places interleaved samples at clock position at. Positions in the past
// are moved to the current render position.
func (t *Timeline) Play(samples []float32, at time.Duration, done func()) (audio.Voice, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	v := &timelineVoice{
		t:       t,
		start:   max(t.framesAt(at), t.pos),
		samples: samples,
		done:    done,
	}
	t.voices = append(t.voices, v)
	return v, nil
}

// Render mixes every voice overlapping the next len(out)/channels frames into
// out and advances the clock. Voices that finish within the block are removed
// and their completion callbacks run after the internal lock is released.
func (t *Timeline) Render(out []float32) {
	clear(out)
	ch := t.format.Channels
	frames := int64(len(out) / ch)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	from, to := t.pos, t.pos+frames
	var finished []func()
	kept := t.voices[:0]
	for _, v := range t.voices {
		end := v.start + int64(len(v.samples)/ch)
		if v.start < to && end > from {
			lo, hi := max(v.start, from), min(end, to)
			src := v.samples[(lo-v.start)*int64(ch) : (hi-v.start)*int64(ch)]
			dst := out[(lo-from)*int64(ch):]
			for i, s := range src {
				dst[i] += s
			}
		}
		if end <= to {
			if v.done != nil {
				finished = append(finished, v.done)
			}
			continue
		}
		kept = append(kept, v)
	}
	clear(t.voices[len(kept):])
	t.voices = kept
	t.pos = to
	t.mu.Unlock()

	for i, s := range out {
		out[i] = min(max(s, -1), 1)
	}
	for _, fn := range finished {
		fn()
	}
}

// Active returns the number of voices that have not finished or been stopped.
func (t *Timeline) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.voices)
}

// Close drops all pending voices without invoking their callbacks. Later calls
// to Play fail with [ErrClosed]. Idempotent.
func (t *Timeline) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	clear(t.voices)
	t.voices = nil
	return nil
}

// framesAt converts a clock time to a frame index, rounding to the nearest
// frame so that durations derived from frame counts map back exactly.
func (t *Timeline) framesAt(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	rate := int64(t.format.SampleRate)
	return (int64(d)*rate + int64(time.Second)/2) / int64(time.Second)
}

// Stop removes the voice from the timeline.
func (v *timelineVoice) Stop() {
	t := v.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if v.stopped {
		return
	}
	v.stopped = true
	for i, other := range t.voices {
		if other == v {
			t.voices = append(t.voices[:i], t.voices[i+1:]...)
			return
		}
	}
}
