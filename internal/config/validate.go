package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	knownTranscribers = map[string]bool{"deepgram": true, "assemblyai": true, "openai": true}
	knownGenerators   = map[string]bool{"openai": true, "anthropic": true, "gemini": true}
	knownSynthesizers = map[string]bool{"elevenlabs": true, "polly": true}
)

// Validate checks cross-field constraints after defaults are applied.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error

	if cfg.Server.HTTPPort < 0 || cfg.Server.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port out of range: %d", cfg.Server.HTTPPort))
	}
	if cfg.Server.PublicURL != "" {
		if u, err := url.Parse(cfg.Server.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("server.public_url must be an absolute URL: %q", cfg.Server.PublicURL))
		}
	}

	switch cfg.Twilio.CaptureMode {
	case "speech", "record":
	default:
		errs = append(errs, fmt.Errorf("twilio.capture_mode must be speech or record, got %q", cfg.Twilio.CaptureMode))
	}
	if cfg.Twilio.SignaturesEnabled() && cfg.Twilio.AuthToken == "" {
		errs = append(errs, errors.New("twilio.auth_token is required when verify_signatures is on"))
	}

	if secret := strings.TrimSpace(cfg.API.JWTSecret); secret != "" && len(secret) < 32 {
		errs = append(errs, errors.New("api.jwt_secret must be at least 32 bytes"))
	}
	for _, host := range cfg.Audio.AllowedHosts {
		if h := strings.TrimSpace(host); h == "" || strings.ContainsAny(h, "/:") {
			errs = append(errs, fmt.Errorf("audio.allowed_hosts entry must be a bare domain: %q", host))
		}
	}

	errs = append(errs, checkOrder("transcription.order", cfg.Transcription.Order, knownTranscribers)...)
	errs = append(errs, checkOrder("generation.order", cfg.Generation.Order, knownGenerators)...)
	errs = append(errs, checkOrder("synthesis.order", cfg.Synthesis.Order, knownSynthesizers)...)

	if cfg.Transcription.MinConfidence < 0 || cfg.Transcription.MinConfidence > 1 {
		errs = append(errs, errors.New("transcription.min_confidence must be between 0 and 1"))
	}
	if cfg.Generation.Temperature < 0 || cfg.Generation.Temperature > 2 {
		errs = append(errs, errors.New("generation.temperature must be between 0 and 2"))
	}
	if cfg.Synthesis.ElevenLabs.Stability < 0 || cfg.Synthesis.ElevenLabs.Stability > 1 {
		errs = append(errs, errors.New("synthesis.elevenlabs.stability must be between 0 and 1"))
	}
	if cfg.Synthesis.ElevenLabs.SimilarityBoost < 0 || cfg.Synthesis.ElevenLabs.SimilarityBoost > 1 {
		errs = append(errs, errors.New("synthesis.elevenlabs.similarity_boost must be between 0 and 1"))
	}

	switch cfg.Media.Backend {
	case "disk":
		if cfg.Media.PublicBaseURL == "" {
			errs = append(errs, errors.New("media.public_base_url (or server.public_url) is required for the disk backend"))
		}
	case "s3":
		if strings.TrimSpace(cfg.Media.S3.Bucket) == "" {
			errs = append(errs, errors.New("media.s3.bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("media.backend must be disk or s3, got %q", cfg.Media.Backend))
	}

	p := cfg.Policy
	if p.DefaultListenSeconds < 1 || p.ContactListenSeconds < p.DefaultListenSeconds {
		errs = append(errs, errors.New("policy: contact_listen_seconds must be >= default_listen_seconds >= 1"))
	}
	if p.MaxNoInput < 1 || p.MaxSilence < 1 || p.MaxTurns < 1 {
		errs = append(errs, errors.New("policy: max_no_input, max_silence and max_turns must be positive"))
	}

	if cfg.CallLog.Enabled {
		switch cfg.CallLog.Driver {
		case "sqlite", "postgres":
		default:
			errs = append(errs, fmt.Errorf("calllog.driver must be sqlite or postgres, got %q", cfg.CallLog.Driver))
		}
		if cfg.CallLog.DSN == "" {
			errs = append(errs, errors.New("calllog.dsn is required"))
		}
	}

	if cfg.TurnDeadline <= cfg.Transcription.Timeout {
		errs = append(errs, errors.New("turn_deadline must exceed transcription.timeout"))
	}

	return errors.Join(errs...)
}

func checkOrder(field string, order []string, known map[string]bool) []error {
	var errs []error
	seen := map[string]bool{}
	for _, name := range order {
		if !known[name] {
			errs = append(errs, fmt.Errorf("%s: unknown provider %q", field, name))
		}
		if seen[name] {
			errs = append(errs, fmt.Errorf("%s: duplicate provider %q", field, name))
		}
		seen[name] = true
	}
	return errs
}

// ConfiguredProviders reports which providers have credentials, keyed by
// capability. Used by /status and startup warnings.
func (c *Config) ConfiguredProviders() map[string]map[string]bool {
	return map[string]map[string]bool{
		"transcription": {
			"deepgram":   c.Transcription.Deepgram.APIKey != "",
			"assemblyai": c.Transcription.AssemblyAI.APIKey != "",
			"openai":     c.Transcription.OpenAI.APIKey != "",
		},
		"generation": {
			"openai":    c.Generation.OpenAI.APIKey != "",
			"anthropic": c.Generation.Anthropic.APIKey != "",
			"gemini":    c.Generation.Gemini.APIKey != "",
		},
		"synthesis": {
			"elevenlabs": c.Synthesis.ElevenLabs.APIKey != "",
			"polly":      c.Synthesis.Polly.Enabled,
		},
	}
}
