package audio

import (
	"log/slog"
	"sync"
)

// FormatConverter converts mono sample blocks at a declared source rate into a
// target device format. It logs a warning on the first format mismatch.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target         Format
	warnedMismatch sync.Once
}

// Convert resamples mono samples from srcRate to the target rate and then
// up-mixes them to the target channel count. If the source already matches
// the target the input slice is returned unchanged.
func (c *FormatConverter) Convert(samples []float32, srcRate int) []float32 {
	if srcRate == c.Target.SampleRate && c.Target.Channels <= 1 {
		return samples
	}

	c.warnedMismatch.Do(func() {
		slog.Debug("audio format mismatch: converting",
			"from", Format{SampleRate: srcRate, Channels: 1},
			"to", c.Target,
		)
	})

	out := Resample(samples, srcRate, c.Target.SampleRate)
	if c.Target.Channels > 1 {
		out = Upmix(out, c.Target.Channels)
	}
	return out
}

// Upmix duplicates each mono sample into channels interleaved copies.
func Upmix(mono []float32, channels int) []float32 {
	if channels <= 1 {
		return mono
	}
	out := make([]float32, len(mono)*channels)
	for i, s := range mono {
		for c := range channels {
			out[i*channels+c] = s
		}
	}
	return out
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. If the rates match or either is invalid, the input is
// returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))

		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}
