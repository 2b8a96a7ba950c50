package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// DeepgramConfig configures the Deepgram pre-recorded API.
type DeepgramConfig struct {
	APIKey     string
	Model      string
	Language   string
	BaseURL    string
	HTTPClient *http.Client
}

// DeepgramProvider sends the raw telephony WAV synchronously. Deepgram
// sniffs the container, so 8 kHz mu-law is accepted as is.
type DeepgramProvider struct {
	apiKey   string
	model    string
	language string
	baseURL  string
	client   *http.Client
}

// NewDeepgramProvider creates a Deepgram provider.
func NewDeepgramProvider(cfg DeepgramConfig) (*DeepgramProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("deepgram api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Language == "" {
		cfg.Language = "fr"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.deepgram.com"
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &DeepgramProvider{
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		language: cfg.Language,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		client:   cfg.HTTPClient,
	}, nil
}

// Name implements Provider.
func (p *DeepgramProvider) Name() string { return "deepgram" }

type deepgramResponse struct {
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// Transcribe implements Provider.
func (p *DeepgramProvider) Transcribe(ctx context.Context, audio Audio) (Result, error) {
	language := audio.Language
	if language == "" {
		language = p.language
	}
	q := url.Values{}
	q.Set("model", p.model)
	q.Set("language", language)
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/listen?"+q.Encode(), bytes.NewReader(audio.Data))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Content-Type", mimeOrWAV(audio.MIMEType))
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, providerError(p.Name(), resp)
	}

	var out deepgramResponse
	if err := decodeJSON(resp, &out); err != nil {
		return Result{}, err
	}
	if len(out.Results.Channels) == 0 || len(out.Results.Channels[0].Alternatives) == 0 {
		return Result{}, ErrEmptyTranscript
	}
	alt := out.Results.Channels[0].Alternatives[0]
	return Result{Text: alt.Transcript, Confidence: alt.Confidence}, nil
}
