package voice

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func TestVerifySignature(t *testing.T) {
	// Example from Twilio's webhook security documentation.
	p := NewTwilioProvider(TwilioConfig{AuthToken: "12345"})
	params := url.Values{
		"CallSid": {"CA1234567890ABCDE"},
		"Caller":  {"+12349013030"},
		"Digits":  {"1234"},
		"From":    {"+12349013030"},
		"To":      {"+18005551212"},
	}
	fullURL := "https://mycompany.com/myapp.php?foo=1&bar=2"
	const want = "0/KCTR6DLpKmkAf8muzZqo1nDgQ="

	if !p.VerifySignature(fullURL, params, want) {
		t.Fatalf("documented signature rejected, computed %s", p.sign(fullURL, params))
	}
	if p.VerifySignature(fullURL, params, "bogus") {
		t.Fatal("bogus signature accepted")
	}
	if p.VerifySignature(fullURL, params, "") {
		t.Fatal("empty signature accepted")
	}

	params.Set("Digits", "4321")
	if p.VerifySignature(fullURL, params, want) {
		t.Fatal("tampered params accepted")
	}
}

func TestVerifySignature_NoToken(t *testing.T) {
	p := NewTwilioProvider(TwilioConfig{})
	if p.VerifySignature("https://example.com", nil, "abc") {
		t.Fatal("no token must reject everything")
	}
}

func TestParseEvent(t *testing.T) {
	p := NewTwilioProvider(TwilioConfig{AuthToken: "t"})
	fixed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	tests := []struct {
		name   string
		params url.Values
		typ    EventType
		check  func(t *testing.T, ev CallEvent)
	}{
		{
			name:   "incoming",
			params: url.Values{"CallSid": {"CA1"}, "CallStatus": {"ringing"}, "Direction": {"inbound"}, "From": {"+33611111111"}, "To": {"+33100000000"}},
			typ:    EventCallAnswered,
			check: func(t *testing.T, ev CallEvent) {
				if ev.Direction != DirectionInbound || ev.From != "+33611111111" || ev.To != "+33100000000" {
					t.Errorf("unexpected event %+v", ev)
				}
				if !ev.Timestamp.Equal(fixed) {
					t.Errorf("timestamp = %v", ev.Timestamp)
				}
			},
		},
		{
			name:   "speech",
			params: url.Values{"CallSid": {"CA1"}, "CallStatus": {"in-progress"}, "SpeechResult": {"Bonjour"}, "Confidence": {"0.87"}},
			typ:    EventCallSpeech,
			check: func(t *testing.T, ev CallEvent) {
				if ev.Transcript != "Bonjour" || ev.Confidence != 0.87 {
					t.Errorf("unexpected speech %+v", ev)
				}
			},
		},
		{
			name:   "recording",
			params: url.Values{"CallSid": {"CA1"}, "CallStatus": {"in-progress"}, "RecordingUrl": {"https://api.twilio.com/rec/RE1"}, "RecordingSid": {"RE1"}},
			typ:    EventCallRecorded,
			check: func(t *testing.T, ev CallEvent) {
				if ev.RecordingURL == "" || ev.RecordingSID != "RE1" {
					t.Errorf("unexpected recording %+v", ev)
				}
			},
		},
		{
			name:   "canceled",
			params: url.Values{"CallSid": {"CA1"}, "CallStatus": {"canceled"}},
			typ:    EventCallEnded,
			check: func(t *testing.T, ev CallEvent) {
				if ev.Reason != EndReasonCanceled {
					t.Errorf("reason = %q", ev.Reason)
				}
			},
		},
		{
			name:   "no answer",
			params: url.Values{"CallSid": {"CA1"}, "CallStatus": {"no-answer"}},
			typ:    EventCallEnded,
		},
		{
			name:   "queued",
			params: url.Values{"CallSid": {"CA1"}, "CallStatus": {"queued"}},
			typ:    EventCallStatus,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := p.ParseEvent(tt.params)
			if ev.Type != tt.typ {
				t.Fatalf("type = %q, want %q", ev.Type, tt.typ)
			}
			if ev.CallSID != "CA1" {
				t.Errorf("call sid = %q", ev.CallSID)
			}
			if tt.check != nil {
				tt.check(t, ev)
			}
		})
	}
}

func TestDeleteRecording(t *testing.T) {
	var gotMethod, gotPath, gotUser string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotUser, _, _ = r.BasicAuth()
		switch r.URL.Path {
		case "/Accounts/AC1/Recordings/RE404.json":
			w.WriteHeader(http.StatusNotFound)
		case "/Accounts/AC1/Recordings/RE500.json":
			http.Error(w, "boom", http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()

	p := NewTwilioProvider(TwilioConfig{AccountSID: "AC1", AuthToken: "tok", BaseURL: srv.URL, HTTPClient: srv.Client()})
	ctx := context.Background()

	if err := p.DeleteRecording(ctx, "RE1"); err != nil {
		t.Fatalf("DeleteRecording: %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/Accounts/AC1/Recordings/RE1.json" || gotUser != "AC1" {
		t.Fatalf("unexpected request %s %s user=%s", gotMethod, gotPath, gotUser)
	}
	if err := p.DeleteRecording(ctx, "RE404"); err != nil {
		t.Fatalf("a missing recording is not an error: %v", err)
	}
	if err := p.DeleteRecording(ctx, "RE500"); err == nil {
		t.Fatal("expected error on 500")
	}
	if err := p.DeleteRecording(ctx, ""); err == nil {
		t.Fatal("expected error for empty sid")
	}
}

func TestEscapeXML(t *testing.T) {
	got := escapeXML(`<Say> "Tom" & 'Jerry'`)
	want := "&lt;Say&gt; &quot;Tom&quot; &amp; &apos;Jerry&apos;"
	if got != want {
		t.Fatalf("escapeXML = %q, want %q", got, want)
	}
}
