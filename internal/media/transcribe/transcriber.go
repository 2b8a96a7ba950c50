// Package transcribe turns recorded caller audio into text by trying an
// ordered list of speech-to-text providers until one returns usable text.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/concierge/internal/observability"
)

var (
	// ErrAllProvidersFailed is returned when no provider produced usable text.
	ErrAllProvidersFailed = errors.New("transcribe: all providers failed")

	// ErrEmptyTranscript marks a provider answer with no words in it.
	ErrEmptyTranscript = errors.New("transcribe: empty transcript")

	// ErrLowConfidence marks an answer below the router's threshold.
	ErrLowConfidence = errors.New("transcribe: confidence below threshold")
)

// Audio is one recorded utterance.
type Audio struct {
	Data     []byte
	MIMEType string
	// Language is an ISO 639-1 hint such as "fr".
	Language string
	// URL is where the recording was fetched from, for logging.
	URL string
}

// Result is a transcript with its confidence in [0,1].
type Result struct {
	Text       string
	Confidence float64
	Provider   string
}

// Provider is one speech-to-text backend.
type Provider interface {
	Name() string
	Transcribe(ctx context.Context, audio Audio) (Result, error)
}

// ProviderError carries the HTTP status of a failed provider call. Body is
// kept for logs only.
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

// RouterConfig configures a Router.
type RouterConfig struct {
	Providers []Provider
	// Timeout bounds each provider attempt.
	Timeout time.Duration
	// MinConfidence rejects results below it; 0 accepts everything non-empty.
	MinConfidence float64

	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger
}

// Router tries providers in order and stops at the first usable result.
type Router struct {
	providers     []Provider
	timeout       time.Duration
	minConfidence float64
	metrics       *observability.Metrics
	tracer        *observability.Tracer
	logger        *slog.Logger
}

// NewRouter creates a Router.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		providers:     cfg.Providers,
		timeout:       cfg.Timeout,
		minConfidence: cfg.MinConfidence,
		metrics:       cfg.Metrics,
		tracer:        cfg.Tracer,
		logger:        cfg.Logger.With("component", "transcription-router"),
	}
}

// Providers returns the provider names in priority order.
func (r *Router) Providers() []string {
	names := make([]string, len(r.providers))
	for i, p := range r.providers {
		names[i] = p.Name()
	}
	return names
}

// Transcribe returns the first result with non-empty text at or above the
// confidence threshold. Errors, timeouts and empty answers move on to the
// next provider. When the parent context ends, remaining providers are
// skipped.
func (r *Router) Transcribe(ctx context.Context, audio Audio) (Result, error) {
	var errs []error
	for _, p := range r.providers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		res, err := r.attempt(ctx, p, audio)
		if err == nil {
			return res, nil
		}
		r.logger.WarnContext(ctx, "transcription provider skipped",
			"stage", "transcribe",
			"provider", p.Name(),
			"error", err)
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	if len(errs) == 0 {
		errs = append(errs, errors.New("no providers configured"))
	}
	return Result{}, errors.Join(append([]error{ErrAllProvidersFailed}, errs...)...)
}

func (r *Router) attempt(ctx context.Context, p Provider, audio Audio) (Result, error) {
	ctx, span := r.tracer.StartStage(ctx, "transcribe", p.Name())
	defer span.End()

	attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	res, err := p.Transcribe(attemptCtx, audio)
	if err == nil {
		res.Text = strings.TrimSpace(res.Text)
		res.Provider = p.Name()
		switch {
		case res.Text == "":
			err = ErrEmptyTranscript
		case res.Confidence < r.minConfidence:
			err = fmt.Errorf("%w: %.2f < %.2f", ErrLowConfidence, res.Confidence, r.minConfidence)
		}
	}
	r.metrics.ObserveStage("transcribe", p.Name(), statusLabel(err), time.Since(start))
	if err != nil {
		r.tracer.RecordError(span, err)
		return Result{}, err
	}
	r.logger.DebugContext(ctx, "transcription complete",
		"provider", p.Name(),
		"confidence", res.Confidence,
		"text", res.Text)
	return res, nil
}

func statusLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrEmptyTranscript), errors.Is(err, ErrLowConfidence):
		return "empty"
	default:
		return "error"
	}
}
