// Package inbound classifies events from a live channel into the units the
// session consumes: transcript fragments, playable audio chunks and control
// signals.
//
// Routing is a pure function of one event. The session applies the results in
// the returned order, which is the only ordering guarantee: events carry no
// sequence numbers.
package inbound

import (
	"strings"

	"github.com/MrWong99/speakflow/internal/transcript"
	"github.com/MrWong99/speakflow/pkg/audio"
	"github.com/MrWong99/speakflow/pkg/audio/pcm"
	"github.com/MrWong99/speakflow/pkg/provider/live"
)

// Event is one routed unit. It is one of [TranscriptFragment], [AudioChunk],
// [Control], [Interruption] or [TurnComplete].
type Event interface {
	inbound()
}

// TranscriptFragment is a piece of transcribed or generated text.
type TranscriptFragment struct {
	Speaker transcript.Speaker
	Text    string
	Final   bool
}

// AudioChunk is an encoded block of model speech.
type AudioChunk struct {
	// Payload is 16-bit little-endian PCM.
	Payload []byte

	// SampleRate is the declared rate of Payload in Hz.
	SampleRate int
}

// Control is a lifecycle signal of the channel.
type Control struct {
	Signal live.Signal
	Err    error
}

// Terminal reports whether the signal ends the session.
func (c Control) Terminal() bool {
	return c.Signal == live.SignalErrored || c.Signal == live.SignalClosed
}

// Interruption reports that the model's turn was cut short by user speech.
type Interruption struct{}

// TurnComplete reports that the model finished its turn.
type TurnComplete struct{}

func (TranscriptFragment) inbound() {}
func (AudioChunk) inbound()         {}
func (Control) inbound()            {}
func (Interruption) inbound()       {}
func (TurnComplete) inbound()       {}

// Route classifies ev. Within one content payload the order is: user
// transcription, model audio, model text, model transcription, interruption,
// turn complete.
//
// A model text part is only surfaced when the same payload also carries
// audio; text-only model turns are ignored on the live path.
func Route(ev live.Event) []Event {
	if ev.Signal != live.SignalNone {
		return []Event{Control{Signal: ev.Signal, Err: ev.Err}}
	}
	sc := ev.Content
	if sc == nil {
		return nil
	}

	var out []Event
	if t := sc.InputTranscription; t != nil && t.Text != "" {
		out = append(out, TranscriptFragment{Speaker: transcript.SpeakerUser, Text: t.Text, Final: t.Finished})
	}

	var text []string
	hasAudio := false
	for _, p := range sc.ModelTurn {
		if d := p.InlineData; d != nil && isAudio(d.MIMEType) && len(d.Data) > 0 {
			hasAudio = true
			out = append(out, AudioChunk{
				Payload:    d.Data,
				SampleRate: pcm.RateFromMIME(d.MIMEType, audio.PlaybackSampleRate),
			})
		}
		if p.Text != "" {
			text = append(text, p.Text)
		}
	}
	if hasAudio && len(text) > 0 {
		out = append(out, TranscriptFragment{Speaker: transcript.SpeakerModel, Text: text[0], Final: true})
	}

	if t := sc.OutputTranscription; t != nil && t.Text != "" {
		out = append(out, TranscriptFragment{Speaker: transcript.SpeakerModel, Text: t.Text, Final: t.Finished})
	}
	if sc.Interrupted {
		out = append(out, Interruption{})
	}
	if sc.TurnComplete {
		out = append(out, TurnComplete{})
	}
	return out
}

// isAudio accepts "audio/..." MIME types and treats an empty type as audio,
// since the channel only negotiates PCM output.
func isAudio(mime string) bool {
	return mime == "" || strings.HasPrefix(strings.ToLower(mime), "audio/")
}
