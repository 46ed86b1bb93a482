// Package transcript assembles the chronological message log of a
// conversation from the transcript fragments of both participants.
//
// The log is append-only: messages are never reordered or removed. A message
// may be left open and extended in place (streaming text responses) until it
// is finalized; discrete live fragments always start a new line.
//
// An [Assembler] is safe for concurrent use so that observers can take
// snapshots while the session loop appends.
package transcript

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrUnknownMessage is returned when a message ID is not in the log.
	ErrUnknownMessage = errors.New("transcript: unknown message")

	// ErrFinalized is returned when extending a message that is already final.
	ErrFinalized = errors.New("transcript: message already finalized")
)

// Speaker identifies the participant a message belongs to.
type Speaker string

const (
	SpeakerUser  Speaker = "user"
	SpeakerModel Speaker = "model"
)

// Kind records the modality a message originated from.
type Kind string

const (
	KindAudio Kind = "audio"
	KindText  Kind = "text"
)

// Message is one line of the transcript.
type Message struct {
	// ID is a unique identifier for the line.
	ID string

	Speaker Speaker
	Text    string
	Kind    Kind

	// Index is the position of the line in the log. Indexes are dense and
	// start at zero; they define the chronological order.
	Index int

	// Time is when the line was created.
	Time time.Time

	// Final is set once the line can no longer be extended.
	Final bool
}

// Option configures an [Assembler].
type Option func(*Assembler)

// WithClock overrides the time source used to stamp new lines.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// WithIDs overrides the ID generator for new lines.
func WithIDs(next func() string) Option {
	return func(a *Assembler) { a.newID = next }
}

// Assembler maintains the ordered message log of one conversation.
type Assembler struct {
	now   func() time.Time
	newID func() string

	mu   sync.Mutex
	msgs []Message
}

// NewAssembler returns an empty Assembler.
func NewAssembler(opts ...Option) *Assembler {
	a := &Assembler{
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// AppendFragment adds a discrete, final line. Live transcription fragments
// use this path: every fragment becomes its own line regardless of the
// previous speaker.
func (a *Assembler) AppendFragment(speaker Speaker, kind Kind, text string) Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.add(speaker, kind, text, true)
}

// Append extends the last line in place when it belongs to the same speaker
// and is still open; otherwise it starts a new open line. It returns the
// line's current state.
func (a *Assembler) Append(speaker Speaker, kind Kind, text string) Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n := len(a.msgs); n > 0 {
		last := &a.msgs[n-1]
		if last.Speaker == speaker && !last.Final {
			last.Text += text
			return *last
		}
	}
	return a.add(speaker, kind, text, false)
}

// Begin starts a new, empty, open line for a streaming response.
func (a *Assembler) Begin(speaker Speaker, kind Kind) Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.add(speaker, kind, "", false)
}

// Extend appends text to the open line id.
func (a *Assembler) Extend(id, text string) (Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, err := a.find(id)
	if err != nil {
		return Message{}, err
	}
	if m.Final {
		return *m, fmt.Errorf("transcript: extend %s: %w", id, ErrFinalized)
	}
	m.Text += text
	return *m, nil
}

// Finalize marks line id final. Finalizing a final line is a no-op.
func (a *Assembler) Finalize(id string) (Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, err := a.find(id)
	if err != nil {
		return Message{}, err
	}
	m.Final = true
	return *m, nil
}

// FinalizeOpen marks every open line of speaker final and returns them.
func (a *Assembler) FinalizeOpen(speaker Speaker) []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Message
	for i := range a.msgs {
		if m := &a.msgs[i]; m.Speaker == speaker && !m.Final {
			m.Final = true
			out = append(out, *m)
		}
	}
	return out
}

// Messages returns a snapshot of the log in order.
func (a *Assembler) Messages() []Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Message(nil), a.msgs...)
}

// Len returns the number of lines.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.msgs)
}

func (a *Assembler) add(speaker Speaker, kind Kind, text string, final bool) Message {
	m := Message{
		ID:      a.newID(),
		Speaker: speaker,
		Text:    text,
		Kind:    kind,
		Index:   len(a.msgs),
		Time:    a.now(),
		Final:   final,
	}
	a.msgs = append(a.msgs, m)
	return m
}

func (a *Assembler) find(id string) (*Message, error) {
	for i := len(a.msgs) - 1; i >= 0; i-- {
		if a.msgs[i].ID == id {
			return &a.msgs[i], nil
		}
	}
	return nil, fmt.Errorf("transcript: %s: %w", id, ErrUnknownMessage)
}
