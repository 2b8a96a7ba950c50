// Package tts turns reply text into speech the phone network can play.
//
// Providers are tried in order and every clip is transcoded to 8 kHz mono
// mu-law. When no provider yields playable audio the Synthesizer returns
// a built-in Speech that the voice layer renders as a Twilio <Say>, so a
// caller always hears an answer.
package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/concierge/internal/media/audio"
	"github.com/haasonsaas/concierge/internal/observability"
	"github.com/haasonsaas/concierge/internal/tenant"
)

// ErrSynthesisFailed means no provider produced playable audio and the
// built-in voice was used.
var ErrSynthesisFailed = errors.New("tts: synthesis failed")

// Provider is one text-to-speech backend.
type Provider interface {
	Name() string
	Synthesize(ctx context.Context, text string, voice VoiceSpec) (audio.Clip, error)
}

// ProviderError carries the status of a failed provider call.
type ProviderError struct {
	Provider string
	Status   int
	Body     string
	Err      error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: status %d", e.Provider, e.Status)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Speech is what gets played to the caller. Audio is a mu-law WAV when a
// provider succeeded; otherwise it is nil and Text is spoken with
// SayVoice in SayLanguage.
type Speech struct {
	Audio       []byte
	Text        string
	SayVoice    string
	SayLanguage string
	Provider    string
}

// BuiltIn reports whether the telephony platform must speak Text itself.
func (s Speech) BuiltIn() bool { return len(s.Audio) == 0 }

// SynthesizerConfig configures a Synthesizer.
type SynthesizerConfig struct {
	Providers  []Provider
	Voices     *VoiceTable
	Transcoder *audio.Transcoder
	// Timeout bounds each provider attempt including transcoding.
	Timeout time.Duration

	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger
}

// Synthesizer produces Speech.
type Synthesizer struct {
	providers  []Provider
	voices     *VoiceTable
	transcoder *audio.Transcoder
	timeout    time.Duration
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	logger     *slog.Logger
}

// NewSynthesizer creates a Synthesizer.
func NewSynthesizer(cfg SynthesizerConfig) *Synthesizer {
	if cfg.Voices == nil {
		cfg.Voices = DefaultVoiceTable()
	}
	if cfg.Transcoder == nil {
		cfg.Transcoder = audio.NewTranscoder()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Synthesizer{
		providers:  cfg.Providers,
		voices:     cfg.Voices,
		transcoder: cfg.Transcoder,
		timeout:    cfg.Timeout,
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
		logger:     cfg.Logger.With("component", "speech-synthesizer"),
	}
}

// Speak always returns something playable.
func (s *Synthesizer) Speak(ctx context.Context, text string, voice tenant.Voice) Speech {
	speech, _ := s.Synthesize(ctx, text, voice)
	return speech
}

// Synthesize is Speak with the reason for a fallback. The Speech is
// always usable; a non-nil error wraps ErrSynthesisFailed and, when the
// last failure was a conversion, audio.ErrTranscodeFailed too.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, voice tenant.Voice) (Speech, error) {
	spec := s.voices.Resolve(voice)
	builtin := Speech{Text: text, SayVoice: spec.SayVoice, SayLanguage: spec.SayLanguage, Provider: "builtin"}
	if strings.TrimSpace(text) == "" {
		return builtin, fmt.Errorf("%w: empty text", ErrSynthesisFailed)
	}

	var errs []error
	for _, p := range s.providers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		data, err := s.attempt(ctx, p, text, spec)
		if err == nil {
			return Speech{Audio: data, Text: text, SayVoice: spec.SayVoice, SayLanguage: spec.SayLanguage, Provider: p.Name()}, nil
		}
		s.logger.WarnContext(ctx, "synthesis provider skipped", "stage", "synthesize", "provider", p.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	if len(errs) == 0 {
		errs = append(errs, errors.New("no providers configured"))
	}
	return builtin, errors.Join(append([]error{ErrSynthesisFailed}, errs...)...)
}

func (s *Synthesizer) attempt(ctx context.Context, p Provider, text string, spec VoiceSpec) ([]byte, error) {
	ctx, span := s.tracer.StartStage(ctx, "synthesize", p.Name())
	defer span.End()

	attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	clip, err := p.Synthesize(attemptCtx, text, spec)
	if err == nil && len(clip.Data) == 0 {
		err = errors.New("empty audio")
	}
	s.metrics.ObserveStage("synthesize", p.Name(), statusLabel(err), time.Since(start))
	if err != nil {
		s.tracer.RecordError(span, err)
		return nil, err
	}

	start = time.Now()
	data, err := s.transcoder.ToTelephony(attemptCtx, clip)
	s.metrics.ObserveStage("transcode", p.Name(), statusLabel(err), time.Since(start))
	if err != nil {
		s.tracer.RecordError(span, err)
		return nil, err
	}
	return data, nil
}

func statusLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
