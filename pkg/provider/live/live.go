// Package live defines the Provider interface for duplex, real-time voice
// sessions with a remote generative voice agent.
//
// A session is opened with [Provider.Connect] and represented by a [Channel].
// The caller streams encoded microphone chunks with [Channel.Send] and reads
// everything the remote end produces (model audio, transcriptions and the
// opened / errored / closed lifecycle signals) from a single ordered
// [Channel.Events] stream. Arrival order on that stream is the only ordering
// guarantee; events carry no sequence numbers.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"

	"github.com/MrWong99/speakflow/pkg/audio/pcm"
)

var (
	// ErrConnectionRefused reports that the session endpoint could not be
	// reached or rejected the connection.
	ErrConnectionRefused = errors.New("live: connection refused")

	// ErrAuthFailure reports that the session endpoint rejected the
	// credentials.
	ErrAuthFailure = errors.New("live: authentication failed")

	// ErrStream reports a mid-session failure of the underlying stream.
	ErrStream = errors.New("live: stream error")

	// ErrSendFailed reports that an outbound chunk was not accepted. The chunk
	// is lost; the session itself is unaffected.
	ErrSendFailed = errors.New("live: send failed")
)

// Modality is a response modality requested from the model.
type Modality string

// ModalityAudio requests spoken responses.
const ModalityAudio Modality = "AUDIO"

// Config is the configuration bundle sent when a session is opened.
type Config struct {
	// Model is the provider-specific model identifier.
	Model string

	// Modality is the desired response modality. Empty means [ModalityAudio].
	Modality Modality

	// Voice selects a prebuilt synthesis voice. Empty uses the provider default.
	Voice string

	// SystemInstruction is the system-level prompt for the session.
	SystemInstruction string

	// InputTranscription asks the provider to transcribe the user's speech.
	InputTranscription bool

	// OutputTranscription asks the provider to transcribe the model's speech.
	OutputTranscription bool
}

// Signal is a session lifecycle notification.
type Signal int

const (
	// SignalNone marks a content event.
	SignalNone Signal = iota

	// SignalOpened is delivered once the remote end accepted the session
	// setup. Audio may be sent from this point on.
	SignalOpened

	// SignalErrored is delivered when the stream failed. It is terminal.
	SignalErrored

	// SignalClosed is delivered when the remote end closed the session. It is
	// terminal.
	SignalClosed
)

// String returns the lower-case signal name.
func (s Signal) String() string {
	switch s {
	case SignalNone:
		return "none"
	case SignalOpened:
		return "opened"
	case SignalErrored:
		return "errored"
	case SignalClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// InlineData is a binary media part of a model turn.
type InlineData struct {
	// MIMEType declares the encoding, e.g. "audio/pcm;rate=24000".
	MIMEType string

	// Data is the raw (already transport-decoded) payload.
	Data []byte
}

// Part is one element of a model turn. Either or both fields may be set.
type Part struct {
	Text       string
	InlineData *InlineData
}

// Transcription is a speech-to-text fragment produced by the provider.
type Transcription struct {
	Text string

	// Finished is set when the provider marks the fragment as final.
	Finished bool
}

// ServerContent is one content payload from the remote end. A single payload
// may carry several of the fields at once.
type ServerContent struct {
	// ModelTurn holds generated parts (audio and/or text).
	ModelTurn []Part

	// InputTranscription is a transcription of the user's speech.
	InputTranscription *Transcription

	// OutputTranscription is a transcription of the model's speech.
	OutputTranscription *Transcription

	// TurnComplete is set when the model finished its turn.
	TurnComplete bool

	// Interrupted is set when the model's turn was cut short by user speech.
	Interrupted bool
}

// Event is one entry of the inbound stream: either a lifecycle [Signal] or a
// [ServerContent] payload.
type Event struct {
	// Signal is [SignalNone] for content events.
	Signal Signal

	// Err describes the failure for [SignalErrored] and, optionally, the
	// close reason for [SignalClosed].
	Err error

	// Content is set for content events.
	Content *ServerContent
}

// Channel is an open duplex session.
//
// Callers must call Close when the session is no longer needed.
type Channel interface {
	// Send queues an encoded chunk for delivery. It never blocks on the
	// network: chunks are written in the order Send accepted them. A chunk
	// that cannot be queued (channel closed, queue full, stream broken) is
	// reported with an error wrapping [ErrSendFailed] and dropped.
	Send(chunk pcm.Chunk) error

	// Events returns the ordered inbound event stream. At most one terminal
	// signal ([SignalErrored] or [SignalClosed]) is delivered. The channel is
	// closed after the session ends or Close is called.
	Events() <-chan Event

	// Close terminates the session and releases all resources. No events are
	// delivered after Close returns. Calling Close more than once is safe.
	Close() error
}

// Provider opens live sessions.
type Provider interface {
	// Connect opens a session with cfg. Errors wrap [ErrConnectionRefused] or
	// [ErrAuthFailure]. The returned Channel reports [SignalOpened] on its
	// event stream once the remote end accepted the setup. The caller owns the
	// Channel and must Close it.
	Connect(ctx context.Context, cfg Config) (Channel, error)
}
