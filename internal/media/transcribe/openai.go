package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures Whisper transcription.
type OpenAIConfig struct {
	APIKey     string
	Model      string
	Language   string
	BaseURL    string
	HTTPClient *http.Client
}

// OpenAIProvider is the last-resort provider: a general-purpose speech
// model that receives the WAV as a multipart file.
type OpenAIProvider struct {
	client   *openai.Client
	model    string
	language string
}

// NewOpenAIProvider creates a Whisper provider.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = openai.Whisper1
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}
	return &OpenAIProvider{
		client:   openai.NewClientWithConfig(clientCfg),
		model:    cfg.Model,
		language: cfg.Language,
	}, nil
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return "openai" }

// Transcribe implements Provider. Whisper returns no overall confidence;
// it is estimated from the mean segment log probability.
func (p *OpenAIProvider) Transcribe(ctx context.Context, audio Audio) (Result, error) {
	language := audio.Language
	if language == "" {
		language = p.language
	}
	resp, err := p.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    p.model,
		Reader:   bytes.NewReader(audio.Data),
		FilePath: "utterance.wav",
		Language: language,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return Result{}, p.wrapError(err)
	}

	confidence := 1.0
	if n := len(resp.Segments); n > 0 {
		var sum float64
		for _, seg := range resp.Segments {
			sum += math.Exp(seg.AvgLogprob)
		}
		confidence = math.Min(1, sum/float64(n))
	}
	return Result{Text: resp.Text, Confidence: confidence}, nil
}

func (p *OpenAIProvider) wrapError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{Provider: p.Name(), Status: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &ProviderError{Provider: p.Name(), Status: reqErr.HTTPStatusCode, Err: err}
	}
	return err
}
