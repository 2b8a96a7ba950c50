// Package calllog archives a summary of every finished call.
package calllog

import (
	"context"
	"time"

	"github.com/haasonsaas/concierge/internal/sessions"
)

// Entry is one transcript line.
type Entry struct {
	Speaker string    `json:"speaker"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// Summary is what is kept once a call leaves memory.
type Summary struct {
	CallID     string
	TenantID   string
	From       string
	To         string
	StartedAt  time.Time
	EndedAt    time.Time
	Turns      int
	EndReason  string
	Transcript []Entry
}

// Archive stores summaries.
type Archive interface {
	Record(ctx context.Context, s Summary) error
	// Purge deletes calls that ended before the cutoff.
	Purge(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// SummaryFrom builds the summary of an evicted session. A session that
// never terminated ends at its last update with reason "expired".
func SummaryFrom(s sessions.Session) Summary {
	ended, reason := s.EndedAt, s.EndReason
	if ended.IsZero() {
		ended = s.UpdatedAt
	}
	if reason == "" {
		reason = "expired"
	}
	out := Summary{
		CallID:    s.CallID,
		TenantID:  s.Profile.ID,
		From:      s.From,
		To:        s.To,
		StartedAt: s.StartedAt,
		EndedAt:   ended,
		Turns:     s.TurnIndex,
		EndReason: reason,
	}
	for _, e := range s.History {
		out.Transcript = append(out.Transcript, Entry{Speaker: string(e.Speaker), Text: e.Text, At: e.At})
	}
	return out
}
