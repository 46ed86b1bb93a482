// Package playback schedules decoded reply audio for gapless, strictly ordered
// output against an [audio.OutputDevice] clock.
//
// A [Scheduler] keeps a single "next start time" cursor. Every scheduled
// chunk starts at max(cursor, device clock) and advances the cursor by its
// own duration, so consecutive chunks render back to back with no silence and
// no overlap. A chunk that arrives after its natural slot starts immediately;
// audio is never dropped, only silence gaps are compressed.
//
// A Scheduler is not safe for concurrent use. Exactly one goroutine (the
// session loop) owns it; completion notifications from the device must be
// forwarded to that goroutine and applied with [Scheduler.Complete].
package playback

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/speakflow/pkg/audio"
	"github.com/MrWong99/speakflow/pkg/audio/pcm"
)

// ErrDecode reports that a received audio chunk could not be decoded. The
// chunk is dropped and the scheduling cursor is left untouched.
var ErrDecode = errors.New("playback: decode failure")

// Entry is one chunk of decoded audio scheduled on the output device.
type Entry struct {
	// ID identifies the entry in completion notifications. IDs start at 1 and
	// increase in scheduling order.
	ID uint64

	// Start is the device clock time at which rendering begins.
	Start time.Duration

	// Duration is the playback length of the decoded samples.
	Duration time.Duration

	// Gap is the silence compressed away because the chunk arrived after its
	// natural slot (device clock had already passed the cursor). Zero for
	// chunks that arrived in time.
	Gap time.Duration

	// Samples are the decoded samples in the device format.
	Samples []float32

	voice audio.Voice
}

// End returns the clock time at which the entry finishes.
func (e Entry) End() time.Duration { return e.Start + e.Duration }

// Option configures a [Scheduler] during construction.
type Option func(*Scheduler)

// WithCompletion sets the function invoked (from the device render
// goroutine) when an entry finishes naturally. The owner is expected to hand
// the ID back to its loop and call [Scheduler.Complete].
func WithCompletion(fn func(id uint64)) Option {
	return func(s *Scheduler) {
		if fn != nil {
			s.notify = fn
		}
	}
}

// Scheduler implements gapless playback scheduling.
type Scheduler struct {
	out    audio.OutputDevice
	conv   audio.FormatConverter
	notify func(id uint64)

	next     time.Duration
	seq      uint64
	inFlight map[uint64]*Entry
}

// NewScheduler creates a Scheduler whose cursor starts at the current device
// clock.
func NewScheduler(out audio.OutputDevice, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:      out,
		conv:     audio.FormatConverter{Target: out.Format()},
		notify:   func(uint64) {},
		next:     out.Now(),
		inFlight: make(map[uint64]*Entry),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule decodes a PCM payload declared at sampleRate and queues it directly
// after the previously scheduled entry. On error nothing is queued and the
// cursor does not move.
func (s *Scheduler) Schedule(payload []byte, sampleRate int) (Entry, error) {
	if sampleRate <= 0 {
		return Entry{}, fmt.Errorf("%w: invalid sample rate %d", ErrDecode, sampleRate)
	}
	samples, err := pcm.Decode(payload)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if len(samples) == 0 {
		return Entry{}, fmt.Errorf("%w: empty payload", ErrDecode)
	}

	frames := s.conv.Convert(samples, sampleRate)
	format := s.out.Format()
	channels := max(format.Channels, 1)
	dur := audio.SamplesDuration(len(frames)/channels, format.SampleRate)

	now := s.out.Now()
	start := max(s.next, now)

	id := s.seq + 1
	e := &Entry{
		ID:       id,
		Start:    start,
		Duration: dur,
		Gap:      start - s.next,
		Samples:  frames,
	}
	notify := s.notify
	v, err := s.out.Play(frames, start, func() { notify(id) })
	if err != nil {
		return Entry{}, fmt.Errorf("playback: play: %w", err)
	}
	e.voice = v

	s.seq = id
	s.inFlight[id] = e
	s.next = start + dur
	return *e, nil
}

// Complete removes a naturally finished entry from the in-flight set. It
// reports whether the entry was still tracked.
func (s *Scheduler) Complete(id uint64) bool {
	if _, ok := s.inFlight[id]; !ok {
		return false
	}
	delete(s.inFlight, id)
	return true
}

// CancelAll stops every in-flight entry, clears the set and resets the cursor
// to the current device clock so the next chunk starts from "now". It returns
// the number of entries stopped.
func (s *Scheduler) CancelAll() int {
	n := len(s.inFlight)
	for id, e := range s.inFlight {
		if e.voice != nil {
			e.voice.Stop()
		}
		delete(s.inFlight, id)
	}
	s.next = s.out.Now()
	return n
}

// InFlight returns the number of entries scheduled but not yet finished.
func (s *Scheduler) InFlight() int { return len(s.inFlight) }

// Next returns the scheduling cursor: the clock time at which the next chunk
// will start if it arrives in time.
func (s *Scheduler) Next() time.Duration { return s.next }

// Buffered returns how much scheduled audio is still ahead of the device
// clock.
func (s *Scheduler) Buffered() time.Duration {
	return max(s.next-s.out.Now(), 0)
}
