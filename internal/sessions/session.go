package sessions

import (
	"time"

	"github.com/haasonsaas/concierge/internal/tenant"
)

// State is where a call is in the conversation.
type State string

const (
	StateGreeting   State = "greeting"
	StateListening  State = "listening"
	StateResponding State = "responding"
	StateTerminated State = "terminated"
)

// Speaker tags a history entry.
type Speaker string

const (
	SpeakerCaller Speaker = "caller"
	SpeakerAgent  Speaker = "agent"
)

// Entry is one line of the conversation.
type Entry struct {
	Speaker Speaker
	Text    string
	At      time.Time
}

// Session is one phone call from answer to hangup. It is only mutated
// through a Lease.
type Session struct {
	CallID string
	From   string
	To     string
	// Profile is resolved once when the call starts.
	Profile   tenant.Profile
	State     State
	TurnIndex int
	History   []Entry

	NoInputStreak int
	SilenceStreak int

	// Greeting is replayed when the call start is redelivered.
	Greeting string
	// MediaKeys are stored replies that outlive their turn, deleted on
	// eviction.
	MediaKeys []string

	StartedAt time.Time
	UpdatedAt time.Time
	EndedAt   time.Time
	EndReason string
}

// Append adds an entry to the history.
func (s *Session) Append(speaker Speaker, text string, at time.Time) {
	s.History = append(s.History, Entry{Speaker: speaker, Text: text, At: at})
}

// Terminate moves the session to its final state. Later calls keep the
// first reason.
func (s *Session) Terminate(reason string, at time.Time) {
	if s.State == StateTerminated {
		return
	}
	s.State = StateTerminated
	s.EndReason = reason
	s.EndedAt = at
}

// Terminated reports whether the call is over.
func (s *Session) Terminated() bool { return s.State == StateTerminated }

// Clone returns a deep copy.
func (s *Session) Clone() Session {
	out := *s
	out.History = append([]Entry(nil), s.History...)
	out.MediaKeys = append([]string(nil), s.MediaKeys...)
	return out
}
