package reply

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/haasonsaas/concierge/internal/config"
)

// ProvidersFromConfig builds providers in cfg.Order, skipping those that
// are not configured.
func ProvidersFromConfig(ctx context.Context, cfg config.GenerationConfig, client *http.Client, logger *slog.Logger) []Provider {
	if logger == nil {
		logger = slog.Default()
	}
	var providers []Provider
	for _, name := range cfg.Order {
		var (
			p   Provider
			err error
		)
		switch name {
		case "openai":
			p, err = NewOpenAIProvider(OpenAIConfig{
				APIKey:     cfg.OpenAI.APIKey,
				Model:      cfg.OpenAI.Model,
				BaseURL:    cfg.OpenAI.BaseURL,
				HTTPClient: client,
			})
		case "anthropic":
			p, err = NewAnthropicProvider(AnthropicConfig{
				APIKey:     cfg.Anthropic.APIKey,
				Model:      cfg.Anthropic.Model,
				BaseURL:    cfg.Anthropic.BaseURL,
				HTTPClient: client,
			})
		case "gemini":
			p, err = NewGeminiProvider(ctx, GeminiConfig{
				APIKey:     cfg.Gemini.APIKey,
				Model:      cfg.Gemini.Model,
				BaseURL:    cfg.Gemini.BaseURL,
				HTTPClient: client,
			})
		default:
			err = fmt.Errorf("unknown provider %q", name)
		}
		if err != nil {
			logger.Warn("generation provider disabled", "provider", name, "error", err)
			continue
		}
		providers = append(providers, p)
	}
	return providers
}
