// Package history keeps the list of past coaching sessions.
//
// Sessions are recorded when a conversation reaches the Closed state. A
// [Memory] recorder keeps them newest first, replaces an entry recorded
// earlier under the same ID and retains at most a fixed number of sessions.
// How sessions are stored beyond the process lifetime is up to other
// [Recorder] implementations.
package history

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/speakflow/internal/config"
	"github.com/MrWong99/speakflow/internal/transcript"
)

// ErrEmptyID is returned when a session without ID is recorded.
var ErrEmptyID = errors.New("history: empty session id")

// Session is one finished conversation.
type Session struct {
	ID             string
	Date           time.Time
	Level          config.Level
	Goal           config.Goal
	NativeLanguage string
	Messages       []transcript.Message
}

// Recorder receives finished sessions.
//
// Implementations must be safe for concurrent use.
type Recorder interface {
	Record(ctx context.Context, s Session) error
}

// Compile-time interface check.
var _ Recorder = (*Memory)(nil)

// Memory is an in-process [Recorder].
type Memory struct {
	mu       sync.Mutex
	limit    int
	sessions []Session
}

// NewMemory returns a Memory that retains at most limit sessions. A
// non-positive limit falls back to [config.DefaultMaxSessions].
func NewMemory(limit int) *Memory {
	if limit <= 0 {
		limit = config.DefaultMaxSessions
	}
	return &Memory{limit: limit}
}

// Record stores s. A session already present under the same ID is updated in
// place and keeps its original date and position; a new session is inserted
// at the front. The oldest sessions beyond the cap are dropped.
func (m *Memory) Record(_ context.Context, s Session) error {
	if s.ID == "" {
		return ErrEmptyID
	}
	s.Messages = slices.Clone(s.Messages)

	m.mu.Lock()
	defer m.mu.Unlock()

	if i := slices.IndexFunc(m.sessions, func(x Session) bool { return x.ID == s.ID }); i >= 0 {
		s.Date = m.sessions[i].Date
		m.sessions[i] = s
		return nil
	}
	if s.Date.IsZero() {
		s.Date = time.Now()
	}
	m.sessions = slices.Insert(m.sessions, 0, s)
	if len(m.sessions) > m.limit {
		m.sessions = m.sessions[:m.limit]
	}
	return nil
}

// List returns the recorded sessions, newest first.
func (m *Memory) List() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, len(m.sessions))
	for i, s := range m.sessions {
		s.Messages = slices.Clone(s.Messages)
		out[i] = s
	}
	return out
}

// Get returns the session recorded under id.
func (m *Memory) Get(id string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ID == id {
			s.Messages = slices.Clone(s.Messages)
			return s, true
		}
	}
	return Session{}, false
}

// Len returns the number of recorded sessions.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
