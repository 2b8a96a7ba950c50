package call

import (
	"context"

	"github.com/haasonsaas/concierge/internal/calllog"
	"github.com/haasonsaas/concierge/internal/media/transcribe"
	"github.com/haasonsaas/concierge/internal/reply"
	"github.com/haasonsaas/concierge/internal/tenant"
	"github.com/haasonsaas/concierge/internal/tts"
)

// CallStart is the "new inbound call" event.
type CallStart struct {
	CallID string
	From   string
	To     string
}

// TurnInput is one "caller spoke" event. Either Transcript (speech
// recognized by the telephony layer) or RecordingRef is set; Silence
// means the listen window closed with nothing captured.
type TurnInput struct {
	CallID       string
	From         string
	To           string
	RecordingRef string
	Transcript   string
	Confidence   float64
	// Marker identifies the delivery for deduplication, typically the
	// recording id.
	Marker  string
	Silence bool
}

// Reply tells the telephony layer what to say and what to do next.
type Reply struct {
	Speech tts.Speech
	// AudioURL is where Speech.Audio can be fetched; empty means the
	// built-in voice speaks Speech.Text. Replayed replies carry the URL
	// without the audio bytes.
	AudioURL             string
	ListenTimeoutSeconds int
	ShouldTerminate      bool
	// ClosingMessage is spoken before hanging up.
	ClosingMessage string
	// Language is the recognition locale for the next listen window.
	Language  string
	TurnIndex int
	Outcome   string

	mediaKey string
}

// Turn outcomes, used as metric labels.
const (
	OutcomeGreeting         = "greeting"
	OutcomeReply            = "reply"
	OutcomeNoInput          = "no_input"
	OutcomeSilence          = "silence"
	OutcomeFetchUnavailable = "fetch_unavailable"
	OutcomeDuplicate        = "duplicate"
	OutcomePanic            = "panic"
	OutcomeTerminated       = "terminated"
	OutcomeBusy             = "busy"
)

// TenantResolver never fails; see tenant.Resolver.
type TenantResolver interface {
	Resolve(ctx context.Context, calledAddress string) tenant.Profile
}

// Fetcher downloads a recording.
type Fetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Transcriber turns audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio transcribe.Audio) (transcribe.Result, error)
}

// Responder generates the agent's answer. The text is always usable.
type Responder interface {
	Respond(ctx context.Context, history []reply.Message, profile tenant.Profile, utterance string) (string, reply.Source, error)
}

// Synthesizer produces speech. The Speech is always usable.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice tenant.Voice) (tts.Speech, error)
}

// Archiver keeps a summary of finished calls.
type Archiver interface {
	Record(ctx context.Context, s calllog.Summary) error
}
