package tts

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/haasonsaas/concierge/internal/config"
	"github.com/haasonsaas/concierge/internal/tenant"
)

// ProvidersFromConfig builds providers in cfg.Order, skipping those that
// are not configured.
func ProvidersFromConfig(ctx context.Context, cfg config.SynthesisConfig, client *http.Client, logger *slog.Logger) []Provider {
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
		case "elevenlabs":
			p, err = NewElevenLabsProvider(ElevenLabsConfig{
				APIKey:          cfg.ElevenLabs.APIKey,
				ModelID:         cfg.ElevenLabs.ModelID,
				OutputFormat:    cfg.ElevenLabs.OutputFormat,
				Stability:       cfg.ElevenLabs.Stability,
				SimilarityBoost: cfg.ElevenLabs.SimilarityBoost,
				BaseURL:         cfg.ElevenLabs.BaseURL,
				HTTPClient:      client,
			})
		case "polly":
			if !cfg.Polly.Enabled {
				err = fmt.Errorf("polly disabled")
				break
			}
			p, err = NewPollyProvider(ctx, PollyConfig{Region: cfg.Polly.Region, Engine: cfg.Polly.Engine})
		default:
			err = fmt.Errorf("unknown provider %q", name)
		}
		if err != nil {
			logger.Warn("synthesis provider disabled", "provider", name, "error", err)
			continue
		}
		providers = append(providers, p)
	}
	return providers
}

// VoiceTableFromConfig applies configured overrides to the default table.
func VoiceTableFromConfig(overrides []config.VoiceConfig) *VoiceTable {
	table := DefaultVoiceTable()
	for _, o := range overrides {
		table.Set(o.Language, tenant.Gender(o.Gender), VoiceSpec{
			ElevenLabsID: o.ElevenLabsID,
			PollyID:      o.PollyID,
			SayVoice:     o.SayVoice,
			SayLanguage:  o.SayLanguage,
		})
	}
	return table
}
