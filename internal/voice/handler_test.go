package voice

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/concierge/internal/call"
	"github.com/haasonsaas/concierge/internal/sessions"
)

const publicURL = "https://concierge.example.com"

type fakeOrchestrator struct {
	mu     sync.Mutex
	starts []call.CallStart
	turns  []call.TurnInput
	ends   map[string]string
	endErr error
	panics bool
	reply  call.Reply
}

func (f *fakeOrchestrator) BeginCall(_ context.Context, start call.CallStart) call.Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, start)
	return f.reply
}

func (f *fakeOrchestrator) AdvanceTurn(_ context.Context, in call.TurnInput) call.Reply {
	if f.panics {
		panic("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, in)
	return f.reply
}

func (f *fakeOrchestrator) EndCall(_ context.Context, callID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ends == nil {
		f.ends = make(map[string]string)
	}
	f.ends[callID] = reason
	return f.endErr
}

type fakeDeleter struct {
	deleted chan string
}

func (f *fakeDeleter) DeleteRecording(_ context.Context, sid string) error {
	f.deleted <- sid
	return nil
}

type webhookHarness struct {
	orch     *fakeOrchestrator
	provider *TwilioProvider
	deleter  *fakeDeleter
	mux      *http.ServeMux
}

func newWebhookHarness(t *testing.T, mutate func(*HandlerConfig)) *webhookHarness {
	t.Helper()
	h := &webhookHarness{
		orch:     &fakeOrchestrator{reply: builtinReply("Bonjour")},
		provider: NewTwilioProvider(TwilioConfig{AccountSID: "AC1", AuthToken: "secret"}),
		deleter:  &fakeDeleter{deleted: make(chan string, 4)},
		mux:      http.NewServeMux(),
	}
	cfg := HandlerConfig{
		Orchestrator:     h.orch,
		Provider:         h.provider,
		VerifySignatures: true,
		Deleter:          h.deleter,
		PublicURL:        publicURL,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	handler, err := NewHandler(cfg)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	handler.Register(h.mux)
	return h
}

// post sends a signed webhook.
func (h *webhookHarness) post(path string, form url.Values, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", h.provider.sign(publicURL+path, form))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Incoming(t *testing.T) {
	h := newWebhookHarness(t, nil)
	rec := h.post(incomingPath, url.Values{
		"CallSid":    {"CA1"},
		"CallStatus": {"ringing"},
		"From":       {"+33611111111"},
		"To":         {"+33100000000"},
	}, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/xml" {
		t.Fatalf("content type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `action="`+publicURL+turnPath+`"`) {
		t.Fatalf("expected action URL, got %s", body)
	}
	if len(h.orch.starts) != 1 || h.orch.starts[0] != (call.CallStart{CallID: "CA1", From: "+33611111111", To: "+33100000000"}) {
		t.Fatalf("unexpected starts %+v", h.orch.starts)
	}
}

func TestHandler_InvalidSignature(t *testing.T) {
	h := newWebhookHarness(t, nil)
	form := url.Values{"CallSid": {"CA1"}}
	req := httptest.NewRequest(http.MethodPost, incomingPath, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", "forged")
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("body should be empty, got %q", rec.Body.String())
	}
	if len(h.orch.starts) != 0 {
		t.Fatal("orchestrator must not be reached")
	}
}

func TestHandler_SignaturesDisabled(t *testing.T) {
	h := newWebhookHarness(t, func(cfg *HandlerConfig) { cfg.VerifySignatures = false })
	form := url.Values{"CallSid": {"CA1"}}
	req := httptest.NewRequest(http.MethodPost, incomingPath, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || len(h.orch.starts) != 1 {
		t.Fatalf("status = %d, starts = %d", rec.Code, len(h.orch.starts))
	}
}

func TestHandler_ForwardedURL(t *testing.T) {
	h := newWebhookHarness(t, func(cfg *HandlerConfig) { cfg.PublicURL = "" })
	form := url.Values{"CallSid": {"CA1"}}
	req := httptest.NewRequest(http.MethodPost, "http://internal:8080"+incomingPath, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Forwarded-Host", "voice.example.org")
	req.Header.Set("X-Twilio-Signature", h.provider.sign("https://voice.example.org"+incomingPath, form))
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `action="https://voice.example.org/voice/turn"`) {
		t.Fatalf("unexpected action in %s", rec.Body.String())
	}
}

func TestHandler_TurnSpeech(t *testing.T) {
	h := newWebhookHarness(t, nil)
	rec := h.post(turnPath, url.Values{
		"CallSid":      {"CA1"},
		"CallStatus":   {"in-progress"},
		"SpeechResult": {"Quels sont vos horaires ?"},
		"Confidence":   {"0.9"},
	}, http.Header{"I-Twilio-Idempotency-Token": {"tok-1"}})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(h.orch.turns) != 1 {
		t.Fatalf("turns = %d", len(h.orch.turns))
	}
	in := h.orch.turns[0]
	if in.Transcript != "Quels sont vos horaires ?" || in.Confidence != 0.9 || in.Marker != "tok-1" || in.Silence {
		t.Fatalf("unexpected input %+v", in)
	}
}

func TestHandler_TurnRecordingDeletes(t *testing.T) {
	h := newWebhookHarness(t, func(cfg *HandlerConfig) {
		cfg.DeleteRecordings = true
		cfg.CaptureMode = CaptureRecord
	})
	rec := h.post(turnPath, url.Values{
		"CallSid":      {"CA1"},
		"RecordingUrl": {"https://api.twilio.com/rec/RE9"},
		"RecordingSid": {"RE9"},
	}, http.Header{"I-Twilio-Idempotency-Token": {"tok-ignored"}})

	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "<Record ") {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	in := h.orch.turns[0]
	if in.RecordingRef != "https://api.twilio.com/rec/RE9" || in.Marker != "RE9" {
		t.Fatalf("unexpected input %+v", in)
	}
	select {
	case sid := <-h.deleter.deleted:
		if sid != "RE9" {
			t.Fatalf("deleted %q", sid)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("recording was not deleted")
	}
}

func TestHandler_TurnSilence(t *testing.T) {
	h := newWebhookHarness(t, nil)
	rec := h.post(turnPath+"?silence=1", url.Values{"CallSid": {"CA1"}}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !h.orch.turns[0].Silence {
		t.Fatal("expected a silence turn")
	}
}

func TestHandler_TurnPanicAnswersApology(t *testing.T) {
	h := newWebhookHarness(t, nil)
	h.orch.panics = true
	rec := h.post(turnPath, url.Values{"CallSid": {"CA1"}, "SpeechResult": {"Bonjour"}}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != ApologyTwiML() {
		t.Fatalf("expected apology, got %s", rec.Body.String())
	}
}

func TestHandler_TurnWithoutCallSid(t *testing.T) {
	h := newWebhookHarness(t, nil)
	rec := h.post(turnPath, url.Values{"SpeechResult": {"Bonjour"}}, nil)
	if rec.Code != http.StatusOK || rec.Body.String() != ApologyTwiML() {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandler_Status(t *testing.T) {
	h := newWebhookHarness(t, nil)

	rec := h.post(statusPath, url.Values{"CallSid": {"CA1"}, "CallStatus": {"completed"}}, nil)
	if rec.Code != http.StatusOK || rec.Body.String() != EmptyTwiML() {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if h.orch.ends["CA1"] != "completed" {
		t.Fatalf("ends = %+v", h.orch.ends)
	}

	h.post(statusPath, url.Values{"CallSid": {"CA2"}, "CallStatus": {"in-progress"}}, nil)
	if _, ok := h.orch.ends["CA2"]; ok {
		t.Fatal("non-terminal status must not end the call")
	}

	h.orch.endErr = fmt.Errorf("end call: %w", sessions.ErrSessionNotFound)
	rec = h.post(statusPath, url.Values{"CallSid": {"CA3"}, "CallStatus": {"busy"}}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unknown call status = %d", rec.Code)
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	h := newWebhookHarness(t, nil)
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, incomingPath, nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestNewHandler_Validation(t *testing.T) {
	p := NewTwilioProvider(TwilioConfig{AuthToken: "x"})
	if _, err := NewHandler(HandlerConfig{Provider: p}); err == nil {
		t.Fatal("expected error without orchestrator")
	}
	if _, err := NewHandler(HandlerConfig{Orchestrator: &fakeOrchestrator{}}); err == nil {
		t.Fatal("expected error without provider")
	}
	if _, err := NewHandler(HandlerConfig{Orchestrator: &fakeOrchestrator{}, Provider: p, CaptureMode: "dtmf"}); err == nil {
		t.Fatal("expected error for unknown capture mode")
	}
}
