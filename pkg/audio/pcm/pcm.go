// Package pcm implements the 16-bit little-endian PCM codec used on the live
// streaming protocol: [Encode] quantizes captured frames into transmission
// chunks and [Decode] turns received payloads back into samples.
package pcm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/speakflow/pkg/audio"
)

// ErrOddLength is returned by [Decode] when a payload is not a whole number of
// 16-bit samples.
var ErrOddLength = errors.New("pcm: odd byte count")

// BytesPerSample is the size of one quantized mono sample.
const BytesPerSample = 2

// Chunk is an encoded, transmission-ready audio payload.
type Chunk struct {
	// Data is little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz declared to the receiver.
	SampleRate int

	// MIMEType is the encoding tag sent alongside Data, e.g.
	// "audio/pcm;rate=16000".
	MIMEType string
}

// Duration returns the playback length of the chunk.
func (c Chunk) Duration() time.Duration {
	return audio.SamplesDuration(len(c.Data)/BytesPerSample, c.SampleRate)
}

// MIMEType returns the protocol encoding tag for PCM at rate.
func MIMEType(rate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

// RateFromMIME extracts the rate parameter from a MIME type such as
// "audio/pcm;rate=24000". It returns fallback when the parameter is absent or
// malformed.
func RateFromMIME(mime string, fallback int) int {
	for _, param := range strings.Split(mime, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if !ok || !strings.EqualFold(k, "rate") {
			continue
		}
		if rate, err := strconv.Atoi(v); err == nil && rate > 0 {
			return rate
		}
	}
	return fallback
}

// Encode quantizes frame into a PCM chunk. Samples outside [-1, 1] are clamped.
// Negative amplitudes scale by 32768 and positive ones by 32767 so that the
// full int16 range is used without wrapping.
func Encode(frame audio.AudioFrame) Chunk {
	data := make([]byte, len(frame.Samples)*BytesPerSample)
	for i, s := range frame.Samples {
		binary.LittleEndian.PutUint16(data[i*BytesPerSample:], uint16(quantize(s)))
	}
	return Chunk{
		Data:       data,
		SampleRate: frame.SampleRate,
		MIMEType:   MIMEType(frame.SampleRate),
	}
}

// Decode converts little-endian int16 PCM into samples normalised to [-1, 1].
func Decode(data []byte) ([]float32, error) {
	if len(data)%BytesPerSample != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrOddLength, len(data))
	}
	out := make([]float32, len(data)/BytesPerSample)
	for i := range out {
		out[i] = dequantize(int16(binary.LittleEndian.Uint16(data[i*BytesPerSample:])))
	}
	return out, nil
}

func quantize(s float32) int16 {
	switch {
	case s >= 1:
		return 32767
	case s <= -1:
		return -32768
	case s < 0:
		return int16(s * 32768)
	default:
		return int16(s * 32767)
	}
}

func dequantize(v int16) float32 {
	if v < 0 {
		return float32(v) / 32768
	}
	return float32(v) / 32767
}
