package transcribe

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/haasonsaas/concierge/internal/config"
)

// ProvidersFromConfig builds providers in cfg.Order. Providers without
// credentials are skipped with a warning so the remaining chain still
// works.
func ProvidersFromConfig(cfg config.TranscriptionConfig, client *http.Client, logger *slog.Logger) []Provider {
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
		case "deepgram":
			p, err = NewDeepgramProvider(DeepgramConfig{
				APIKey:     cfg.Deepgram.APIKey,
				Model:      cfg.Deepgram.Model,
				Language:   cfg.Language,
				BaseURL:    cfg.Deepgram.BaseURL,
				HTTPClient: client,
			})
		case "assemblyai":
			p, err = NewAssemblyAIProvider(AssemblyAIConfig{
				APIKey:       cfg.AssemblyAI.APIKey,
				Language:     cfg.Language,
				BaseURL:      cfg.AssemblyAI.BaseURL,
				PollInterval: cfg.AssemblyAI.PollInterval,
				MaxPolls:     cfg.AssemblyAI.MaxPolls,
				HTTPClient:   client,
			})
		case "openai":
			p, err = NewOpenAIProvider(OpenAIConfig{
				APIKey:     cfg.OpenAI.APIKey,
				Model:      cfg.OpenAI.Model,
				Language:   cfg.Language,
				BaseURL:    cfg.OpenAI.BaseURL,
				HTTPClient: client,
			})
		default:
			err = fmt.Errorf("unknown provider %q", name)
		}
		if err != nil {
			logger.Warn("transcription provider disabled", "provider", name, "error", err)
			continue
		}
		providers = append(providers, p)
	}
	return providers
}
