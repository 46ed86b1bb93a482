package playback_test

import (
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/speakflow/pkg/audio"
	"github.com/MrWong99/speakflow/pkg/audio/playback"
)

func constant(n int, v float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func TestTimeline_RenderPlacesVoiceAtClockTime(t *testing.T) {
	t.Parallel()

	// 1 kHz keeps frame arithmetic readable: 1 frame = 1 ms.
	tl := playback.NewTimeline(audio.Format{SampleRate: 1000, Channels: 1})
	done := 0
	if _, err := tl.Play(constant(4, 0.5), 2*time.Millisecond, func() { done++ }); err != nil {
		t.Fatalf("Play: %v", err)
	}

	buf := make([]float32, 4)
	tl.Render(buf)
	want := []float32{0, 0, 0.5, 0.5}
	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("block 1 = %v, want %v", buf, want)
		}
	}
	if done != 0 {
		t.Fatalf("done called early")
	}
	if tl.Now() != 4*time.Millisecond {
		t.Errorf("Now = %v, want 4ms", tl.Now())
	}

	tl.Render(buf)
	want = []float32{0.5, 0.5, 0, 0}
	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("block 2 = %v, want %v", buf, want)
		}
	}
	if done != 1 {
		t.Errorf("done called %d times, want 1", done)
	}
	if tl.Active() != 0 {
		t.Errorf("Active = %d, want 0", tl.Active())
	}
}

func TestTimeline_BackToBackIsGapless(t *testing.T) {
	t.Parallel()

	tl := playback.NewTimeline(audio.Format{SampleRate: 1000, Channels: 1})
	if _, err := tl.Play(constant(3, 0.25), 0, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := tl.Play(constant(3, 0.75), 3*time.Millisecond, nil); err != nil {
		t.Fatal(err)
	}

	buf := make([]float32, 6)
	tl.Render(buf)
	want := []float32{0.25, 0.25, 0.25, 0.75, 0.75, 0.75}
	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("render = %v, want %v", buf, want)
		}
	}
}

func TestTimeline_PastStartPlaysNow(t *testing.T) {
	t.Parallel()

	tl := playback.NewTimeline(audio.Format{SampleRate: 1000, Channels: 1})
	tl.Render(make([]float32, 10))

	if _, err := tl.Play(constant(2, 1), 0, nil); err != nil {
		t.Fatal(err)
	}
	buf := make([]float32, 2)
	tl.Render(buf)
	if buf[0] != 1 || buf[1] != 1 {
		t.Errorf("render = %v, want [1 1]", buf)
	}
}

func TestTimeline_MixAndClamp(t *testing.T) {
	t.Parallel()

	tl := playback.NewTimeline(audio.Format{SampleRate: 1000, Channels: 1})
	for range 3 {
		if _, err := tl.Play(constant(2, 0.5), 0, nil); err != nil {
			t.Fatal(err)
		}
	}
	buf := make([]float32, 2)
	tl.Render(buf)
	if buf[0] != 1 || buf[1] != 1 {
		t.Errorf("render = %v, want clamped [1 1]", buf)
	}
}

func TestTimeline_StereoFrames(t *testing.T) {
	t.Parallel()

	tl := playback.NewTimeline(audio.Format{SampleRate: 1000, Channels: 2})
	if _, err := tl.Play([]float32{0.1, 0.2, 0.3, 0.4}, time.Millisecond, nil); err != nil {
		t.Fatal(err)
	}
	buf := make([]float32, 6) // 3 frames
	tl.Render(buf)
	want := []float32{0, 0, 0.1, 0.2, 0.3, 0.4}
	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("render = %v, want %v", buf, want)
		}
	}
	if tl.Now() != 3*time.Millisecond {
		t.Errorf("Now = %v, want 3ms", tl.Now())
	}
}

func TestTimeline_StopSilencesWithoutCallback(t *testing.T) {
	t.Parallel()

	tl := playback.NewTimeline(audio.Format{SampleRate: 1000, Channels: 1})
	called := false
	v, err := tl.Play(constant(4, 0.5), 0, func() { called = true })
	if err != nil {
		t.Fatal(err)
	}
	v.Stop()
	v.Stop()

	buf := make([]float32, 4)
	tl.Render(buf)
	for _, s := range buf {
		if s != 0 {
			t.Fatalf("render = %v, want silence", buf)
		}
	}
	if called {
		t.Error("done called for a stopped voice")
	}
}

func TestTimeline_Close(t *testing.T) {
	t.Parallel()

	tl := playback.NewTimeline(audio.Format{SampleRate: 1000, Channels: 1})
	called := false
	if _, err := tl.Play(constant(4, 0.5), 0, func() { called = true }); err != nil {
		t.Fatal(err)
	}
	if err := tl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tl.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := tl.Play(constant(1, 0), 0, nil); !errors.Is(err, playback.ErrClosed) {
		t.Errorf("Play after Close: err = %v, want ErrClosed", err)
	}

	buf := make([]float32, 4)
	tl.Render(buf)
	if called || tl.Active() != 0 {
		t.Errorf("called = %v Active = %d after Close", called, tl.Active())
	}
}

func TestTimeline_DrivesScheduler(t *testing.T) {
	t.Parallel()

	tl := playback.NewTimeline(mono24k)
	completed := make(chan uint64, 8)
	s := playback.NewScheduler(tl, playback.WithCompletion(func(id uint64) { completed <- id }))

	for range 3 {
		if _, err := s.Schedule(pcmPayload(4800, 0.1), 24000); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}

	// Render 600 ms in 20 ms blocks.
	buf := make([]float32, 480)
	for range 30 {
		tl.Render(buf)
	}
	close(completed)

	var ids []uint64
	for id := range completed {
		ids = append(ids, id)
		s.Complete(id)
	}
	if len(ids) != 3 || ids[0] != 1 || ids[1] != 2 || ids[2] != 3 {
		t.Errorf("completion order = %v, want [1 2 3]", ids)
	}
	if s.InFlight() != 0 {
		t.Errorf("InFlight = %d, want 0", s.InFlight())
	}
	if tl.Now() != 600*time.Millisecond {
		t.Errorf("Now = %v, want 600ms", tl.Now())
	}
}
