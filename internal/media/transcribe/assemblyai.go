package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/concierge/internal/backoff"
)

// AssemblyAIConfig configures the AssemblyAI asynchronous API.
type AssemblyAIConfig struct {
	APIKey       string
	Language     string
	BaseURL      string
	PollInterval time.Duration
	MaxPolls     int
	HTTPClient   *http.Client
}

// AssemblyAIProvider uploads the raw WAV, creates a transcript job and
// polls it until it completes, fails, or runs out of polls.
type AssemblyAIProvider struct {
	apiKey   string
	language string
	baseURL  string
	policy   backoff.Policy
	maxPolls int
	client   *http.Client
}

// NewAssemblyAIProvider creates an AssemblyAI provider.
func NewAssemblyAIProvider(cfg AssemblyAIConfig) (*AssemblyAIProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("assemblyai api key is required")
	}
	if cfg.Language == "" {
		cfg.Language = "fr"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.assemblyai.com"
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 15
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	return &AssemblyAIProvider{
		apiKey:   cfg.APIKey,
		language: cfg.Language,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		policy:   backoff.PollPolicy(cfg.PollInterval),
		maxPolls: cfg.MaxPolls,
		client:   cfg.HTTPClient,
	}, nil
}

// Name implements Provider.
func (p *AssemblyAIProvider) Name() string { return "assemblyai" }

var errTranscriptPending = errors.New("assemblyai: transcript not ready")

type assemblyTranscript struct {
	ID         string  `json:"id"`
	Status     string  `json:"status"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Error      string  `json:"error"`
}

// Transcribe implements Provider.
func (p *AssemblyAIProvider) Transcribe(ctx context.Context, audio Audio) (Result, error) {
	uploadURL, err := p.upload(ctx, audio.Data)
	if err != nil {
		return Result{}, fmt.Errorf("upload: %w", err)
	}

	language := audio.Language
	if language == "" {
		language = p.language
	}
	job, err := p.create(ctx, uploadURL, language)
	if err != nil {
		return Result{}, fmt.Errorf("create transcript: %w", err)
	}

	done, _, err := backoff.Retry(ctx, p.policy, p.maxPolls, func(int) (assemblyTranscript, error) {
		t, err := p.get(ctx, job.ID)
		if err != nil {
			return t, backoff.Permanent(err)
		}
		switch t.Status {
		case "completed":
			return t, nil
		case "error":
			return t, backoff.Permanent(fmt.Errorf("transcript %s failed: %s", t.ID, t.Error))
		}
		return t, errTranscriptPending
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Text: done.Text, Confidence: done.Confidence}, nil
}

func (p *AssemblyAIProvider) upload(ctx context.Context, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v2/upload", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	var out struct {
		UploadURL string `json:"upload_url"`
	}
	if err := p.do(req, &out); err != nil {
		return "", err
	}
	if out.UploadURL == "" {
		return "", errors.New("empty upload_url")
	}
	return out.UploadURL, nil
}

func (p *AssemblyAIProvider) create(ctx context.Context, audioURL, language string) (assemblyTranscript, error) {
	body, err := json.Marshal(map[string]any{
		"audio_url":     audioURL,
		"language_code": language,
		"punctuate":     true,
		"format_text":   true,
	})
	if err != nil {
		return assemblyTranscript{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v2/transcript", bytes.NewReader(body))
	if err != nil {
		return assemblyTranscript{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var out assemblyTranscript
	if err := p.do(req, &out); err != nil {
		return out, err
	}
	if out.ID == "" {
		return out, errors.New("transcript id missing")
	}
	return out, nil
}

func (p *AssemblyAIProvider) get(ctx context.Context, id string) (assemblyTranscript, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v2/transcript/"+id, nil)
	if err != nil {
		return assemblyTranscript{}, err
	}
	var out assemblyTranscript
	err = p.do(req, &out)
	return out, err
}

func (p *AssemblyAIProvider) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", p.apiKey)
	req.Header.Set("Accept", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return providerError(p.Name(), resp)
	}
	return decodeJSON(resp, out)
}
