// Package session drives one live coaching conversation.
//
// A [Controller] owns every resource of the conversation: the output device,
// the microphone capture, the live channel and the playback scheduler. It
// moves through a fixed lifecycle:
//
//	Idle → Connecting → Live → Closing → Closed
//
// A connect failure returns to Idle so the conversation can be started
// again; Closed is terminal. Whatever ends a running session (an explicit
// [Controller.Stop], a channel error or a remote close), teardown runs
// exactly once and releases every acquired resource.
//
// While connecting or live, a single loop goroutine is the only writer of the
// playback scheduler and the only consumer of inbound channel events,
// captured frames and playback completions.
package session

import (
	"errors"
	"fmt"

	"github.com/MrWong99/speakflow/pkg/audio"
	"github.com/MrWong99/speakflow/pkg/provider/live"
)

var (
	// ErrInvalidState is returned when an operation is not allowed in the
	// controller's current state.
	ErrInvalidState = errors.New("session: invalid state")

	// ErrAbandoned is returned by [Controller.Start] when the connect attempt
	// was abandoned by a concurrent [Controller.Stop].
	ErrAbandoned = errors.New("session: connect abandoned")
)

// State is a lifecycle stage of a [Controller].
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateLive
	StateClosing
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// deviceErr wraps a device acquisition failure so that it always matches
// [audio.ErrDeviceUnavailable].
func deviceErr(op string, err error) error {
	if errors.Is(err, audio.ErrDeviceUnavailable) {
		return fmt.Errorf("session: %s: %w", op, err)
	}
	return fmt.Errorf("session: %s: %w: %w", op, audio.ErrDeviceUnavailable, err)
}

// connectStatus classifies a connect outcome for metrics.
func connectStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAbandoned):
		return "abandoned"
	case errors.Is(err, audio.ErrDeviceUnavailable):
		return "device_unavailable"
	case errors.Is(err, live.ErrAuthFailure):
		return "auth_failure"
	case errors.Is(err, live.ErrConnectionRefused):
		return "refused"
	default:
		return "error"
	}
}
