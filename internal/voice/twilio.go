package voice

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const defaultTwilioBaseURL = "https://api.twilio.com/2010-04-01"

// ErrAPINotFound is returned when the Twilio REST API answers 404.
var ErrAPINotFound = errors.New("twilio: resource not found")

// TwilioProvider verifies and parses Twilio webhooks and issues the few
// REST calls the service needs.
//
// Thread Safety:
// TwilioProvider is safe for concurrent use.
type TwilioProvider struct {
	accountSID string
	authToken  string
	baseURL    string
	client     *http.Client
	now        func() time.Time
}

// TwilioConfig holds configuration for the Twilio provider.
type TwilioConfig struct {
	// AccountSID is the Twilio account SID. Required only for REST calls.
	AccountSID string

	// AuthToken signs webhooks and authenticates REST calls.
	AuthToken string

	// BaseURL overrides the REST API root (tests).
	BaseURL string

	HTTPClient *http.Client
}

// NewTwilioProvider creates a Twilio provider.
func NewTwilioProvider(cfg TwilioConfig) *TwilioProvider {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultTwilioBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &TwilioProvider{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		baseURL:    base + "/Accounts/" + cfg.AccountSID,
		client:     client,
		now:        time.Now,
	}
}

// VerifySignature validates the X-Twilio-Signature header: base64 of the
// HMAC-SHA1 of the full URL followed by every POST parameter, sorted by
// name, as name+value.
func (p *TwilioProvider) VerifySignature(fullURL string, params url.Values, signature string) bool {
	if signature == "" || p.authToken == "" {
		return false
	}
	expected := p.sign(fullURL, params)
	return hmac.Equal([]byte(signature), []byte(expected))
}

func (p *TwilioProvider) sign(fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range params[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(p.authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ParseEvent converts webhook parameters to a normalized event.
func (p *TwilioProvider) ParseEvent(params url.Values) CallEvent {
	ev := CallEvent{
		CallSID:    params.Get("CallSid"),
		AccountSID: params.Get("AccountSid"),
		Timestamp:  p.now(),
		From:       params.Get("From"),
		To:         params.Get("To"),
		CallStatus: params.Get("CallStatus"),
	}

	switch params.Get("Direction") {
	case "inbound":
		ev.Direction = DirectionInbound
	case "outbound-api", "outbound-dial":
		ev.Direction = DirectionOutbound
	}

	if reason, ok := endReason(ev.CallStatus); ok {
		ev.Type = EventCallEnded
		ev.Reason = reason
		return ev
	}

	if speech := params.Get("SpeechResult"); speech != "" {
		ev.Type = EventCallSpeech
		ev.Transcript = speech
		if conf, err := strconv.ParseFloat(params.Get("Confidence"), 64); err == nil {
			ev.Confidence = conf
		}
		return ev
	}

	if rec := params.Get("RecordingUrl"); rec != "" {
		ev.Type = EventCallRecorded
		ev.RecordingURL = rec
		ev.RecordingSID = params.Get("RecordingSid")
		return ev
	}

	switch ev.CallStatus {
	case "ringing", "in-progress":
		ev.Type = EventCallAnswered
	default:
		ev.Type = EventCallStatus
	}
	return ev
}

// endReason maps a terminal CallStatus to an EndReason.
func endReason(status string) (EndReason, bool) {
	switch status {
	case "completed":
		return EndReasonCompleted, true
	case "busy":
		return EndReasonBusy, true
	case "failed":
		return EndReasonFailed, true
	case "no-answer":
		return EndReasonNoAnswer, true
	case "canceled":
		return EndReasonCanceled, true
	}
	return "", false
}

// DeleteRecording removes a recording from the Twilio account. A recording
// that is already gone is not an error.
func (p *TwilioProvider) DeleteRecording(ctx context.Context, recordingSID string) error {
	if recordingSID == "" {
		return errors.New("twilio: recording SID is required")
	}
	if p.accountSID == "" {
		return errors.New("twilio: account SID is required")
	}
	_, err := p.apiRequest(ctx, http.MethodDelete, "/Recordings/"+url.PathEscape(recordingSID)+".json", nil)
	if err != nil && !errors.Is(err, ErrAPINotFound) {
		return fmt.Errorf("twilio: failed to delete recording: %w", err)
	}
	return nil
}

// apiRequest makes an authenticated request to the Twilio API.
func (p *TwilioProvider) apiRequest(ctx context.Context, method, endpoint string, params url.Values) ([]byte, error) {
	reqURL := p.baseURL + endpoint

	var body io.Reader
	if params != nil {
		body = bytes.NewBufferString(params.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, err
	}

	req.SetBasicAuth(p.accountSID, p.authToken)
	if params != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, (1<<20)+1))
	if err != nil {
		return nil, err
	}
	if len(data) > 1<<20 {
		return nil, fmt.Errorf("API response too large (%d bytes)", len(data))
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrAPINotFound
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(data))
	}

	return data, nil
}

// escapeXML escapes special characters for XML content.
func escapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "'", "&apos;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	return s
}
