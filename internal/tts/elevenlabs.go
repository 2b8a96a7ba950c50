package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/haasonsaas/concierge/internal/media/audio"
)

const maxAudioBytes = 10 << 20

// ElevenLabsConfig configures the ElevenLabs text-to-speech API.
type ElevenLabsConfig struct {
	APIKey string
	// ModelID e.g. "eleven_multilingual_v2".
	ModelID string
	// OutputFormat e.g. "mp3_22050_32" or "pcm_16000".
	OutputFormat    string
	Stability       float64
	SimilarityBoost float64
	BaseURL         string
	HTTPClient      *http.Client
}

// ElevenLabsProvider is the primary voice.
type ElevenLabsProvider struct {
	cfg    ElevenLabsConfig
	client *http.Client
}

// NewElevenLabsProvider creates an ElevenLabs provider.
func NewElevenLabsProvider(cfg ElevenLabsConfig) (*ElevenLabsProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("elevenlabs api key is required")
	}
	if cfg.ModelID == "" {
		cfg.ModelID = "eleven_multilingual_v2"
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "mp3_22050_32"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.elevenlabs.io"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	return &ElevenLabsProvider{cfg: cfg, client: client}, nil
}

func (p *ElevenLabsProvider) Name() string { return "elevenlabs" }

// Synthesize posts text to the voice's text-to-speech endpoint.
func (p *ElevenLabsProvider) Synthesize(ctx context.Context, text string, voice VoiceSpec) (audio.Clip, error) {
	if voice.ElevenLabsID == "" {
		return audio.Clip{}, fmt.Errorf("no elevenlabs voice mapped")
	}
	body, err := json.Marshal(map[string]any{
		"text":     text,
		"model_id": p.cfg.ModelID,
		"voice_settings": map[string]any{
			"stability":        p.cfg.Stability,
			"similarity_boost": p.cfg.SimilarityBoost,
		},
	})
	if err != nil {
		return audio.Clip{}, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s",
		p.cfg.BaseURL, url.PathEscape(voice.ElevenLabsID), url.QueryEscape(p.cfg.OutputFormat))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return audio.Clip{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("xi-api-key", p.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := p.client.Do(req)
	if err != nil {
		return audio.Clip{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return audio.Clip{}, &ProviderError{
			Provider: p.Name(),
			Status:   resp.StatusCode,
			Body:     strings.TrimSpace(string(raw)),
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes))
	if err != nil {
		return audio.Clip{}, fmt.Errorf("read audio: %w", err)
	}
	clip := clipFormat(p.cfg.OutputFormat)
	clip.Data = data
	return clip, nil
}

// clipFormat maps an ElevenLabs output_format to a Clip description.
func clipFormat(outputFormat string) audio.Clip {
	codec, rate, _ := strings.Cut(outputFormat, "_")
	if codec == "pcm" {
		sampleRate, err := strconv.Atoi(rate)
		if err != nil || sampleRate <= 0 {
			sampleRate = 16000
		}
		return audio.Clip{Format: audio.FormatPCM16, SampleRate: sampleRate, Channels: 1}
	}
	return audio.Clip{Format: audio.FormatMP3}
}
