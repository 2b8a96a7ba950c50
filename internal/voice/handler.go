package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/haasonsaas/concierge/internal/call"
	"github.com/haasonsaas/concierge/internal/observability"
	"github.com/haasonsaas/concierge/internal/sessions"
)

const (
	incomingPath = "/voice/incoming"
	turnPath     = "/voice/turn"
	statusPath   = "/voice/status"

	// maxFormBytes bounds webhook bodies; Twilio posts a few hundred bytes.
	maxFormBytes = 64 << 10

	deleteRecordingTimeout = 30 * time.Second
)

// Orchestrator is the part of the call orchestrator the webhooks drive.
type Orchestrator interface {
	BeginCall(ctx context.Context, start call.CallStart) call.Reply
	AdvanceTurn(ctx context.Context, in call.TurnInput) call.Reply
	EndCall(ctx context.Context, callID, reason string) error
}

// RecordingDeleter removes caller recordings once they are transcribed.
type RecordingDeleter interface {
	DeleteRecording(ctx context.Context, recordingSID string) error
}

// HandlerConfig configures the webhook handler.
type HandlerConfig struct {
	Orchestrator Orchestrator
	Provider     *TwilioProvider

	// VerifySignatures rejects webhooks without a valid X-Twilio-Signature.
	VerifySignatures bool

	// DeleteRecordings removes each recording after its turn. Uses
	// Provider unless Deleter is set.
	DeleteRecordings bool
	Deleter          RecordingDeleter

	// PublicURL is the externally visible base URL. It is used to rebuild
	// the signed URL and the action URLs behind a proxy.
	PublicURL string

	CaptureMode CaptureMode
	Logger      *slog.Logger
}

// Handler serves the Twilio voice webhooks.
type Handler struct {
	cfg    HandlerConfig
	logger *slog.Logger
}

// NewHandler creates a webhook handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Orchestrator == nil {
		return nil, errors.New("voice: orchestrator is required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("voice: provider is required")
	}
	if cfg.CaptureMode == "" {
		cfg.CaptureMode = CaptureSpeech
	}
	if cfg.CaptureMode != CaptureSpeech && cfg.CaptureMode != CaptureRecord {
		return nil, fmt.Errorf("voice: unknown capture mode %q", cfg.CaptureMode)
	}
	if cfg.Deleter == nil {
		cfg.Deleter = cfg.Provider
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{cfg: cfg, logger: logger.With("component", "voice")}, nil
}

// Register mounts the webhook routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle(incomingPath, h.webhook(h.handleIncoming))
	mux.Handle(turnPath, h.webhook(h.handleTurn))
	mux.Handle(statusPath, h.webhook(h.handleStatus))
}

type webhookFunc func(ctx context.Context, r *http.Request, ev CallEvent) string

// webhook wraps a route with method and signature checks. Whatever goes
// wrong past the signature check, Twilio still gets a playable document.
func (h *Handler) webhook(fn webhookFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
		if err := r.ParseForm(); err != nil {
			h.logger.WarnContext(r.Context(), "webhook form parse failed", "path", r.URL.Path, "error", err)
			writeTwiML(w, ApologyTwiML())
			return
		}

		if h.cfg.VerifySignatures {
			sig := r.Header.Get("X-Twilio-Signature")
			if !h.cfg.Provider.VerifySignature(h.requestURL(r), r.PostForm, sig) {
				h.logger.WarnContext(r.Context(), "webhook signature rejected", "path", r.URL.Path)
				w.WriteHeader(http.StatusForbidden)
				return
			}
		}

		ev := h.cfg.Provider.ParseEvent(r.PostForm)
		ctx := r.Context()
		if ev.CallSID != "" {
			ctx = observability.AddCallID(ctx, ev.CallSID)
		}

		body := h.safely(ctx, r, ev, fn)
		writeTwiML(w, body)
	})
}

func (h *Handler) safely(ctx context.Context, r *http.Request, ev CallEvent, fn webhookFunc) (body string) {
	defer func() {
		if rec := recover(); rec != nil {
			h.logger.ErrorContext(ctx, "webhook panic", "path", r.URL.Path, "panic", fmt.Sprint(rec))
			body = ApologyTwiML()
		}
	}()
	return fn(ctx, r, ev)
}

func (h *Handler) handleIncoming(ctx context.Context, r *http.Request, ev CallEvent) string {
	if ev.CallSID == "" {
		h.logger.WarnContext(ctx, "incoming call without CallSid")
		return ApologyTwiML()
	}
	reply := h.cfg.Orchestrator.BeginCall(ctx, call.CallStart{
		CallID: ev.CallSID,
		From:   ev.From,
		To:     ev.To,
	})
	return RenderTwiML(reply, h.actionURL(r), h.cfg.CaptureMode)
}

func (h *Handler) handleTurn(ctx context.Context, r *http.Request, ev CallEvent) string {
	if ev.CallSID == "" {
		h.logger.WarnContext(ctx, "turn without CallSid")
		return ApologyTwiML()
	}

	in := call.TurnInput{
		CallID:       ev.CallSID,
		From:         ev.From,
		To:           ev.To,
		RecordingRef: ev.RecordingURL,
		Transcript:   ev.Transcript,
		Confidence:   ev.Confidence,
		Marker:       ev.RecordingSID,
		Silence:      r.URL.Query().Get("silence") == "1",
	}
	if in.Marker == "" {
		in.Marker = r.Header.Get("I-Twilio-Idempotency-Token")
	}
	// Twilio redirects an unanswered Gather with no speech fields; the
	// silence marker only matters when nothing was captured.
	if in.Transcript != "" || in.RecordingRef != "" {
		in.Silence = false
	}

	reply := h.cfg.Orchestrator.AdvanceTurn(ctx, in)

	if h.cfg.DeleteRecordings && ev.RecordingSID != "" {
		h.deleteRecording(ctx, ev.RecordingSID)
	}
	return RenderTwiML(reply, h.actionURL(r), h.cfg.CaptureMode)
}

func (h *Handler) handleStatus(ctx context.Context, _ *http.Request, ev CallEvent) string {
	if ev.Type != EventCallEnded || ev.CallSID == "" {
		return EmptyTwiML()
	}
	err := h.cfg.Orchestrator.EndCall(ctx, ev.CallSID, string(ev.Reason))
	switch {
	case err == nil:
	case errors.Is(err, sessions.ErrSessionNotFound):
		h.logger.DebugContext(ctx, "status for unknown call", "status", ev.CallStatus)
	default:
		h.logger.WarnContext(ctx, "end call failed", "status", ev.CallStatus, "error", err)
	}
	return EmptyTwiML()
}

func (h *Handler) deleteRecording(ctx context.Context, sid string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deleteRecordingTimeout)
	go func() {
		defer cancel()
		if err := h.cfg.Deleter.DeleteRecording(ctx, sid); err != nil {
			h.logger.WarnContext(ctx, "recording deletion failed", "recording_sid", sid, "error", err)
		}
	}()
}

// requestURL is the URL Twilio signed: the public base URL when known,
// otherwise whatever the proxy headers say.
func (h *Handler) requestURL(r *http.Request) string {
	if h.cfg.PublicURL != "" {
		return h.cfg.PublicURL + r.URL.RequestURI()
	}
	return requestBase(r) + r.URL.RequestURI()
}

// actionURL is where the next turn posts. It never carries the query of
// the current request.
func (h *Handler) actionURL(r *http.Request) string {
	base := h.cfg.PublicURL
	if base == "" {
		base = requestBase(r)
	}
	return base + turnPath
}

func requestBase(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	u := url.URL{Scheme: scheme, Host: host}
	return u.String()
}

func writeTwiML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}
