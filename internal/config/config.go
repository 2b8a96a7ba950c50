// Package config loads the concierge configuration file.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Logging       LoggingConfig       `yaml:"logging"`
	Tracing       TracingConfig       `yaml:"tracing"`
	Twilio        TwilioConfig        `yaml:"twilio"`
	Tenants       TenantsConfig       `yaml:"tenants"`
	Audio         AudioConfig         `yaml:"audio"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Generation    GenerationConfig    `yaml:"generation"`
	Synthesis     SynthesisConfig     `yaml:"synthesis"`
	Media         MediaConfig         `yaml:"media"`
	Policy        PolicyConfig        `yaml:"policy"`
	Sessions      SessionsConfig      `yaml:"sessions"`
	CallLog       CallLogConfig       `yaml:"calllog"`
	API           APIConfig           `yaml:"api"`

	// TurnDeadline bounds one AdvanceTurn invocation end to end.
	TurnDeadline time.Duration `yaml:"turn_deadline"`
}

type ServerConfig struct {
	Host              string        `yaml:"host"`
	HTTPPort          int           `yaml:"http_port"`
	PublicURL         string        `yaml:"public_url"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Endpoint     string            `yaml:"endpoint"`
	SamplingRate float64           `yaml:"sampling_rate"`
	Insecure     bool              `yaml:"insecure"`
	Environment  string            `yaml:"environment"`
	Attributes   map[string]string `yaml:"attributes"`
}

type TwilioConfig struct {
	AccountSID       string `yaml:"account_sid"`
	AuthToken        string `yaml:"auth_token"`
	VerifySignatures *bool  `yaml:"verify_signatures"`
	// CaptureMode is "speech" (Twilio recognizes speech in <Gather>) or
	// "record" (caller audio is recorded and transcribed here).
	CaptureMode      string `yaml:"capture_mode"`
	DeleteRecordings bool   `yaml:"delete_recordings"`
}

// SignaturesEnabled reports whether webhook signatures are checked.
func (c TwilioConfig) SignaturesEnabled() bool {
	return c.VerifySignatures == nil || *c.VerifySignatures
}

type TenantsConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

type AudioConfig struct {
	MinBytes      int           `yaml:"min_bytes"`
	FetchTimeout  time.Duration `yaml:"fetch_timeout"`
	FetchAttempts int           `yaml:"fetch_attempts"`
	// AllowedHosts limits recording downloads to these domains and their
	// subdomains.
	AllowedHosts []string `yaml:"allowed_hosts"`
}

// APIConfig holds the credentials accepted on operator endpoints such as
// /v1/pipeline. The endpoint is not mounted when none are set.
type APIConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
	APIKeys     []string      `yaml:"api_keys"`
}

// Enabled reports whether any API credential is configured.
func (c APIConfig) Enabled() bool {
	if strings.TrimSpace(c.JWTSecret) != "" {
		return true
	}
	for _, k := range c.APIKeys {
		if strings.TrimSpace(k) != "" {
			return true
		}
	}
	return false
}

type TranscriptionConfig struct {
	Order         []string               `yaml:"order"`
	Timeout       time.Duration          `yaml:"timeout"`
	MinConfidence float64                `yaml:"min_confidence"`
	Language      string                 `yaml:"language"`
	Deepgram      DeepgramConfig         `yaml:"deepgram"`
	AssemblyAI    AssemblyAIConfig       `yaml:"assemblyai"`
	OpenAI        OpenAITranscribeConfig `yaml:"openai"`
}

type DeepgramConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

type AssemblyAIConfig struct {
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxPolls     int           `yaml:"max_polls"`
}

type OpenAITranscribeConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

type GenerationConfig struct {
	Order       []string          `yaml:"order"`
	MaxTokens   int               `yaml:"max_tokens"`
	Temperature float64           `yaml:"temperature"`
	Timeout     time.Duration     `yaml:"timeout"`
	OpenAI      LLMProviderConfig `yaml:"openai"`
	Anthropic   LLMProviderConfig `yaml:"anthropic"`
	Gemini      LLMProviderConfig `yaml:"gemini"`
}

type LLMProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

type SynthesisConfig struct {
	Order      []string         `yaml:"order"`
	Timeout    time.Duration    `yaml:"timeout"`
	ElevenLabs ElevenLabsConfig `yaml:"elevenlabs"`
	Polly      PollyConfig      `yaml:"polly"`
	Voices     []VoiceConfig    `yaml:"voices"`
}

type ElevenLabsConfig struct {
	APIKey          string  `yaml:"api_key"`
	ModelID         string  `yaml:"model_id"`
	OutputFormat    string  `yaml:"output_format"`
	Stability       float64 `yaml:"stability"`
	SimilarityBoost float64 `yaml:"similarity_boost"`
	BaseURL         string  `yaml:"base_url"`
}

type PollyConfig struct {
	Enabled bool   `yaml:"enabled"`
	Region  string `yaml:"region"`
	Engine  string `yaml:"engine"`
}

// VoiceConfig overrides one row of the voice table.
type VoiceConfig struct {
	Language     string `yaml:"language"`
	Gender       string `yaml:"gender"`
	ElevenLabsID string `yaml:"elevenlabs_id"`
	PollyID      string `yaml:"polly_id"`
	SayVoice     string `yaml:"say_voice"`
	SayLanguage  string `yaml:"say_language"`
}

type MediaConfig struct {
	Backend       string   `yaml:"backend"`
	Dir           string   `yaml:"dir"`
	PublicBaseURL string   `yaml:"public_base_url"`
	S3            S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	Prefix          string        `yaml:"prefix"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	UsePathStyle    bool          `yaml:"use_path_style"`
	PresignTTL      time.Duration `yaml:"presign_ttl"`
}

type PolicyConfig struct {
	DefaultListenSeconds int           `yaml:"default_listen_seconds"`
	ContactListenSeconds int           `yaml:"contact_listen_seconds"`
	MaxNoInput           int           `yaml:"max_no_input"`
	MaxSilence           int           `yaml:"max_silence"`
	MaxTurns             int           `yaml:"max_turns"`
	MaxCallDuration      time.Duration `yaml:"max_call_duration"`
	ContactKeywords      []string      `yaml:"contact_keywords"`
}

type SessionsConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	TerminatedGrace time.Duration `yaml:"terminated_grace"`
	LockTimeout     time.Duration `yaml:"lock_timeout"`
	SweepSchedule   string        `yaml:"sweep_schedule"`
}

type CallLogConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Driver        string        `yaml:"driver"`
	DSN           string        `yaml:"dsn"`
	Retention     time.Duration `yaml:"retention"`
	PurgeSchedule string        `yaml:"purge_schedule"`
}

// Load reads, merges, decodes, defaults and validates the configuration.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with only defaults applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	cfg.Server.PublicURL = strings.TrimRight(cfg.Server.PublicURL, "/")
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 5 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Twilio.CaptureMode == "" {
		cfg.Twilio.CaptureMode = "speech"
	}

	if cfg.Audio.MinBytes == 0 {
		cfg.Audio.MinBytes = 1024
	}
	if cfg.Audio.FetchTimeout == 0 {
		cfg.Audio.FetchTimeout = 10 * time.Second
	}
	if cfg.Audio.FetchAttempts == 0 {
		cfg.Audio.FetchAttempts = 2
	}
	if cfg.Audio.AllowedHosts == nil {
		cfg.Audio.AllowedHosts = []string{"twilio.com"}
	}
	if cfg.API.TokenExpiry == 0 {
		cfg.API.TokenExpiry = 24 * time.Hour
	}

	t := &cfg.Transcription
	if len(t.Order) == 0 {
		t.Order = []string{"deepgram", "assemblyai", "openai"}
	}
	if t.Timeout == 0 {
		t.Timeout = 8 * time.Second
	}
	if t.Language == "" {
		t.Language = "fr"
	}
	if t.Deepgram.Model == "" {
		t.Deepgram.Model = "nova-2"
	}
	if t.AssemblyAI.PollInterval == 0 {
		t.AssemblyAI.PollInterval = time.Second
	}
	if t.AssemblyAI.MaxPolls == 0 {
		t.AssemblyAI.MaxPolls = 15
	}
	if t.OpenAI.Model == "" {
		t.OpenAI.Model = "whisper-1"
	}

	g := &cfg.Generation
	if len(g.Order) == 0 {
		g.Order = []string{"openai", "anthropic", "gemini"}
	}
	if g.MaxTokens == 0 {
		g.MaxTokens = 150
	}
	if g.Temperature == 0 {
		g.Temperature = 0.6
	}
	if g.Timeout == 0 {
		g.Timeout = 6 * time.Second
	}
	if g.OpenAI.Model == "" {
		g.OpenAI.Model = "gpt-4o-mini"
	}
	if g.Anthropic.Model == "" {
		g.Anthropic.Model = "claude-3-5-haiku-latest"
	}
	if g.Gemini.Model == "" {
		g.Gemini.Model = "gemini-2.0-flash"
	}

	s := &cfg.Synthesis
	if len(s.Order) == 0 {
		s.Order = []string{"elevenlabs", "polly"}
	}
	if s.Timeout == 0 {
		s.Timeout = 8 * time.Second
	}
	if s.ElevenLabs.ModelID == "" {
		s.ElevenLabs.ModelID = "eleven_multilingual_v2"
	}
	if s.ElevenLabs.OutputFormat == "" {
		s.ElevenLabs.OutputFormat = "mp3_22050_32"
	}
	if s.ElevenLabs.Stability == 0 {
		s.ElevenLabs.Stability = 0.4
	}
	if s.ElevenLabs.SimilarityBoost == 0 {
		s.ElevenLabs.SimilarityBoost = 0.8
	}
	if s.Polly.Region == "" {
		s.Polly.Region = "eu-west-3"
	}
	if s.Polly.Engine == "" {
		s.Polly.Engine = "neural"
	}

	if cfg.Media.Backend == "" {
		cfg.Media.Backend = "disk"
	}
	if cfg.Media.PublicBaseURL == "" {
		cfg.Media.PublicBaseURL = cfg.Server.PublicURL
	}
	if cfg.Media.S3.Region == "" {
		cfg.Media.S3.Region = "us-east-1"
	}
	if cfg.Media.S3.PresignTTL == 0 {
		cfg.Media.S3.PresignTTL = 15 * time.Minute
	}

	p := &cfg.Policy
	if p.DefaultListenSeconds == 0 {
		p.DefaultListenSeconds = 15
	}
	if p.ContactListenSeconds == 0 {
		p.ContactListenSeconds = 30
	}
	if p.MaxNoInput == 0 {
		p.MaxNoInput = 2
	}
	if p.MaxSilence == 0 {
		p.MaxSilence = 2
	}
	if p.MaxTurns == 0 {
		p.MaxTurns = 12
	}
	if p.MaxCallDuration == 0 {
		p.MaxCallDuration = 10 * time.Minute
	}

	if cfg.Sessions.TTL == 0 {
		cfg.Sessions.TTL = 30 * time.Minute
	}
	if cfg.Sessions.TerminatedGrace == 0 {
		cfg.Sessions.TerminatedGrace = 2 * time.Minute
	}
	if cfg.Sessions.LockTimeout == 0 {
		cfg.Sessions.LockTimeout = 20 * time.Second
	}
	if cfg.Sessions.SweepSchedule == "" {
		cfg.Sessions.SweepSchedule = "@every 30s"
	}

	if cfg.CallLog.Driver == "" {
		cfg.CallLog.Driver = "sqlite"
	}
	if cfg.CallLog.DSN == "" && cfg.CallLog.Driver == "sqlite" {
		cfg.CallLog.DSN = "file:concierge.db?_pragma=busy_timeout(5000)"
	}
	if cfg.CallLog.Retention == 0 {
		cfg.CallLog.Retention = 30 * 24 * time.Hour
	}
	if cfg.CallLog.PurgeSchedule == "" {
		cfg.CallLog.PurgeSchedule = "0 4 * * *"
	}

	if cfg.TurnDeadline == 0 {
		cfg.TurnDeadline = 20 * time.Second
	}
}
