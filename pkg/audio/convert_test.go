package audio_test

import (
	"math"
	"testing"
	"time"

	"github.com/MrWong99/speakflow/pkg/audio"
)

func TestUpmix(t *testing.T) {
	got := audio.Upmix([]float32{0.1, -0.2, 0.3}, 2)
	want := []float32{0.1, 0.1, -0.2, -0.2, 0.3, 0.3}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestResample(t *testing.T) {
	tests := []struct {
		name    string
		in      int
		src     int
		dst     int
		wantLen int
	}{
		{"same rate", 480, 24000, 24000, 480},
		{"upsample 16k to 24k", 1600, 16000, 24000, 2400},
		{"downsample 48k to 24k", 960, 48000, 24000, 480},
		{"invalid rate", 100, 0, 24000, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := make([]float32, tt.in)
			got := audio.Resample(in, tt.src, tt.dst)
			if len(got) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(got), tt.wantLen)
			}
		})
	}
}

func TestResample_Interpolates(t *testing.T) {
	// A ramp upsampled by 2x should keep its endpoints and fill midpoints.
	got := audio.Resample([]float32{0, 1}, 1, 2)
	want := []float32{0, 0.5, 1, 1}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestFormatConverter_FastPath(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 24000, Channels: 1}}
	in := []float32{0.1, 0.2}
	out := conv.Convert(in, 24000)
	if &out[0] != &in[0] {
		t.Error("expected the input slice to be returned unchanged")
	}
}

func TestFormatConverter_ResampleAndUpmix(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 48000, Channels: 2}}
	out := conv.Convert(make([]float32, 240), 24000)
	if len(out) != 240*2*2 {
		t.Errorf("len = %d, want %d", len(out), 240*2*2)
	}
}

func TestSamplesDuration(t *testing.T) {
	if got := audio.SamplesDuration(4800, 24000); got != 200*time.Millisecond {
		t.Errorf("SamplesDuration = %v, want 200ms", got)
	}
	if got := audio.SamplesDuration(10, 0); got != 0 {
		t.Errorf("SamplesDuration with zero rate = %v, want 0", got)
	}
}

func TestFormatString(t *testing.T) {
	if got := (audio.Format{SampleRate: 24000, Channels: 1}).String(); got != "24000Hz mono" {
		t.Errorf("String = %q", got)
	}
	if got := (audio.Format{SampleRate: 48000, Channels: 2}).String(); got != "48000Hz stereo" {
		t.Errorf("String = %q", got)
	}
}
