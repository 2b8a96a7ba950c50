// Package voice is the telephony boundary: it turns Twilio webhooks into
// call events, hands them to the call orchestrator and renders the reply
// as TwiML.
package voice

import "time"

// EventType categorizes webhook events.
type EventType string

const (
	EventCallAnswered EventType = "call.answered"
	EventCallSpeech   EventType = "call.speech"
	EventCallRecorded EventType = "call.recording"
	EventCallSilence  EventType = "call.silence"
	EventCallEnded    EventType = "call.ended"
	EventCallStatus   EventType = "call.status"
)

// EndReason describes why a call ended.
type EndReason string

const (
	EndReasonCompleted EndReason = "completed"
	EndReasonBusy      EndReason = "busy"
	EndReasonFailed    EndReason = "failed"
	EndReasonNoAnswer  EndReason = "no-answer"
	EndReasonCanceled  EndReason = "canceled"
)

// CallDirection indicates if a call is inbound or outbound.
type CallDirection string

const (
	DirectionInbound  CallDirection = "inbound"
	DirectionOutbound CallDirection = "outbound"
)

// CaptureMode selects how the caller's answer is collected.
type CaptureMode string

const (
	// CaptureSpeech lets Twilio recognize speech inside <Gather>.
	CaptureSpeech CaptureMode = "speech"
	// CaptureRecord records the answer; it is transcribed here.
	CaptureRecord CaptureMode = "record"
)

// CallEvent is one normalized Twilio webhook.
type CallEvent struct {
	Type       EventType     `json:"type"`
	CallSID    string        `json:"call_sid"`
	AccountSID string        `json:"account_sid,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
	Direction  CallDirection `json:"direction,omitempty"`
	From       string        `json:"from,omitempty"`
	To         string        `json:"to,omitempty"`
	CallStatus string        `json:"call_status,omitempty"`

	Transcript   string    `json:"transcript,omitempty"`
	Confidence   float64   `json:"confidence,omitempty"`
	RecordingURL string    `json:"recording_url,omitempty"`
	RecordingSID string    `json:"recording_sid,omitempty"`
	Reason       EndReason `json:"reason,omitempty"`
}
