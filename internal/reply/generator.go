// Package reply produces the agent's spoken answer for one caller
// utterance. Answers come from fixed templates when the tenant profile
// already holds the fact, otherwise from a chain of language models, and
// finally from a deterministic apology that never fails.
package reply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/concierge/internal/observability"
	"github.com/haasonsaas/concierge/internal/tenant"
)

// ErrGenerationFailed means every provider failed and the apology was used.
var ErrGenerationFailed = errors.New("reply: generation failed")

// Role tags a message in the conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation history.
type Message struct {
	Role    Role
	Content string
}

// Request is what a provider receives.
type Request struct {
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Provider is one language-generation backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

// Source tells where a reply came from.
type Source string

const (
	SourceTemplate Source = "template"
	SourceModel    Source = "model"
	SourceFallback Source = "fallback"
)

// GeneratorConfig configures a Generator.
type GeneratorConfig struct {
	Providers   []Provider
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64
	// MaxSentences caps the spoken reply.
	MaxSentences int

	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger
}

// Generator builds replies.
type Generator struct {
	providers    []Provider
	timeout      time.Duration
	maxTokens    int
	temperature  float64
	maxSentences int
	templates    *Templates
	metrics      *observability.Metrics
	tracer       *observability.Tracer
	logger       *slog.Logger
}

// NewGenerator creates a Generator.
func NewGenerator(cfg GeneratorConfig) *Generator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 6 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 150
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.6
	}
	if cfg.MaxSentences <= 0 {
		cfg.MaxSentences = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Generator{
		providers:    cfg.Providers,
		timeout:      cfg.Timeout,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
		maxSentences: cfg.MaxSentences,
		templates:    NewTemplates(),
		metrics:      cfg.Metrics,
		tracer:       cfg.Tracer,
		logger:       cfg.Logger.With("component", "reply-generator"),
	}
}

// Generate always returns a usable reply.
func (g *Generator) Generate(ctx context.Context, history []Message, profile tenant.Profile, utterance string) string {
	text, _, _ := g.Respond(ctx, history, profile, utterance)
	return text
}

// Respond is Generate with provenance. The text is always usable; a
// non-nil error wraps ErrGenerationFailed and means the apology was used.
func (g *Generator) Respond(ctx context.Context, history []Message, profile tenant.Profile, utterance string) (string, Source, error) {
	if text, ok := g.templates.Answer(utterance, profile); ok {
		return text, SourceTemplate, nil
	}

	messages := make([]Message, 0, len(history)+1)
	messages = append(messages, history...)
	messages = append(messages, Message{Role: RoleUser, Content: utterance})
	req := Request{
		System:      BuildSystemPrompt(profile, userTurns(history)),
		Messages:    messages,
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
	}

	var errs []error
	for _, p := range g.providers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		text, err := g.attempt(ctx, p, req)
		if err == nil {
			return text, SourceModel, nil
		}
		g.logger.WarnContext(ctx, "generation provider skipped", "stage", "reply", "provider", p.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	if len(errs) == 0 {
		errs = append(errs, errors.New("no providers configured"))
	}
	return FallbackReply(profile), SourceFallback, errors.Join(append([]error{ErrGenerationFailed}, errs...)...)
}

func (g *Generator) attempt(ctx context.Context, p Provider, req Request) (string, error) {
	ctx, span := g.tracer.StartStage(ctx, "reply", p.Name())
	defer span.End()

	attemptCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	raw, err := p.Complete(attemptCtx, req)
	text := ""
	if err == nil {
		text = Clean(raw, g.maxSentences)
		if text == "" {
			err = errors.New("empty completion")
		}
	}
	status := "success"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status = "timeout"
	case err != nil:
		status = "error"
	}
	g.metrics.ObserveStage("reply", p.Name(), status, time.Since(start))
	g.tracer.RecordError(span, err)
	return text, err
}

func userTurns(history []Message) int {
	n := 0
	for _, m := range history {
		if m.Role == RoleUser {
			n++
		}
	}
	return n
}

// FallbackReply is the deterministic apology used when generation fails.
// It names the tenant and promises a callback.
func FallbackReply(profile tenant.Profile) string {
	if profile.IsEnglish() {
		return fmt.Sprintf("I'm sorry, I'm having a technical difficulty. A member of the %s team will call you back as soon as possible.", profile.DisplayName)
	}
	return fmt.Sprintf("Je suis désolé, je rencontre une difficulté technique. Un membre de l'équipe de %s vous rappellera dans les plus brefs délais.", profile.DisplayName)
}

// Clean strips formatting that cannot be spoken and keeps at most
// maxSentences sentences.
func Clean(text string, maxSentences int) string {
	text = strings.NewReplacer("*", "", "#", "", "`", "", "\n", " ", "\r", " ").Replace(text)
	text = strings.Join(strings.Fields(text), " ")
	if maxSentences <= 0 || text == "" {
		return text
	}

	runes := []rune(text)
	count := 0
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' && r != '…' {
			continue
		}
		// Keep runs like "?!" or "..." together.
		if i+1 < len(runes) && runes[i+1] != ' ' {
			continue
		}
		count++
		if count == maxSentences {
			return strings.TrimSpace(string(runes[:i+1]))
		}
	}
	return text
}
