package tts

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"github.com/haasonsaas/concierge/internal/config"
	"github.com/haasonsaas/concierge/internal/media/audio"
	"github.com/haasonsaas/concierge/internal/tenant"
)

func tone(rate int, d time.Duration) []byte {
	n := int(float64(rate) * d.Seconds())
	buf := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
	}
	return buf
}

type fakeProvider struct {
	name string
	clip audio.Clip
	err  error
	got  VoiceSpec
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Synthesize(ctx context.Context, text string, voice VoiceSpec) (audio.Clip, error) {
	f.got = voice
	return f.clip, f.err
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestVoiceTable_FrenchDefaultVoice(t *testing.T) {
	table := DefaultVoiceTable()
	for _, v := range []tenant.Voice{{}, {Language: "fr"}, {Language: "de", Gender: tenant.GenderFemale}} {
		if got := table.Resolve(v).ElevenLabsID; got != "kENkNtk0xyzG09WW40xE" {
			t.Errorf("Resolve(%+v).ElevenLabsID = %s", v, got)
		}
	}
}

func TestVoiceTable_Resolve(t *testing.T) {
	table := DefaultVoiceTable()
	tests := []struct {
		voice tenant.Voice
		want  string
	}{
		{tenant.Voice{Language: "fr", Gender: tenant.GenderFemale}, "Polly.Celine"},
		{tenant.Voice{Language: "fr-FR", Gender: tenant.GenderMale}, "Polly.Mathieu"},
		{tenant.Voice{Language: "FR", Gender: "MALE"}, "Polly.Mathieu"},
		{tenant.Voice{Language: "en-GB", Gender: tenant.GenderMale}, "Polly.Matthew"},
		{tenant.Voice{Language: "en", Gender: "other"}, "Polly.Joanna"},
		{tenant.Voice{Language: "de", Gender: tenant.GenderMale}, "Polly.Celine"},
		{tenant.Voice{}, "Polly.Celine"},
	}
	for _, tt := range tests {
		if got := table.Resolve(tt.voice).SayVoice; got != tt.want {
			t.Errorf("Resolve(%+v) = %s, want %s", tt.voice, got, tt.want)
		}
	}
}

func TestVoiceTableFromConfig(t *testing.T) {
	table := VoiceTableFromConfig([]config.VoiceConfig{
		{Language: "fr", Gender: "male", ElevenLabsID: "custom"},
		{Language: "es", Gender: "female", SayVoice: "Polly.Lucia", SayLanguage: "es-ES"},
	})
	male := table.Resolve(tenant.Voice{Language: "fr", Gender: tenant.GenderMale})
	if male.ElevenLabsID != "custom" || male.SayVoice != "Polly.Mathieu" {
		t.Fatalf("expected partial override, got %+v", male)
	}
	es := table.Resolve(tenant.Voice{Language: "es", Gender: tenant.GenderFemale})
	if es.SayVoice != "Polly.Lucia" || es.PollyID != "Lea" {
		t.Fatalf("expected new row seeded from default, got %+v", es)
	}
}

func TestSynthesizer_TranscodesProviderAudio(t *testing.T) {
	primary := &fakeProvider{name: "elevenlabs", clip: audio.Clip{Data: tone(16000, 200*time.Millisecond), Format: audio.FormatPCM16, SampleRate: 16000, Channels: 1}}
	s := NewSynthesizer(SynthesizerConfig{Providers: []Provider{primary}, Logger: quietLogger()})

	speech, err := s.Synthesize(context.Background(), "Bonjour", tenant.Voice{Language: "fr", Gender: tenant.GenderMale})
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if speech.BuiltIn() || speech.Provider != "elevenlabs" {
		t.Fatalf("expected provider audio, got %+v", speech.Provider)
	}
	wav, err := audio.DecodeWAV(speech.Audio)
	if err != nil {
		t.Fatalf("expected WAV output: %v", err)
	}
	if wav.SampleRate != audio.TelephonyRate || wav.Channels != 1 || len(wav.Samples) != 1600 {
		t.Fatalf("unexpected output %d Hz %d ch %d samples", wav.SampleRate, wav.Channels, len(wav.Samples))
	}
	if primary.got.ElevenLabsID != "ErXwobaYiN019PkySvjV" {
		t.Fatalf("expected male french voice, got %+v", primary.got)
	}
}

func TestSynthesizer_FallsBackToNextProvider(t *testing.T) {
	primary := &fakeProvider{name: "elevenlabs", err: &ProviderError{Provider: "elevenlabs", Status: 429}}
	backup := &fakeProvider{name: "polly", clip: audio.Clip{Data: tone(8000, 100*time.Millisecond), Format: audio.FormatPCM16, SampleRate: 8000, Channels: 1}}
	s := NewSynthesizer(SynthesizerConfig{Providers: []Provider{primary, backup}, Logger: quietLogger()})

	speech := s.Speak(context.Background(), "Bonjour", tenant.Voice{Language: "fr"})
	if speech.BuiltIn() || speech.Provider != "polly" {
		t.Fatalf("expected polly audio, got provider %q", speech.Provider)
	}
}

func TestSynthesizer_TranscodeFailureUsesBuiltIn(t *testing.T) {
	broken := &fakeProvider{name: "elevenlabs", clip: audio.Clip{Data: []byte("not an mp3"), Format: audio.FormatMP3}}
	s := NewSynthesizer(SynthesizerConfig{Providers: []Provider{broken}, Logger: quietLogger()})

	speech, err := s.Synthesize(context.Background(), "Bonjour", tenant.Voice{Language: "fr"})
	if !errors.Is(err, ErrSynthesisFailed) || !errors.Is(err, audio.ErrTranscodeFailed) {
		t.Fatalf("expected synthesis and transcode failure, got %v", err)
	}
	if !speech.BuiltIn() || speech.Text != "Bonjour" || speech.SayVoice != "Polly.Celine" || speech.SayLanguage != "fr-FR" {
		t.Fatalf("expected built-in speech, got %+v", speech)
	}
}

func TestSynthesizer_EmptyTextAndNoProviders(t *testing.T) {
	s := NewSynthesizer(SynthesizerConfig{Logger: quietLogger()})
	speech, err := s.Synthesize(context.Background(), "Bonjour", tenant.Voice{})
	if !errors.Is(err, ErrSynthesisFailed) || !speech.BuiltIn() {
		t.Fatalf("expected built-in speech without providers, got %v", err)
	}

	provider := &fakeProvider{name: "elevenlabs"}
	s = NewSynthesizer(SynthesizerConfig{Providers: []Provider{provider}, Logger: quietLogger()})
	if _, err := s.Synthesize(context.Background(), "  ", tenant.Voice{}); !errors.Is(err, ErrSynthesisFailed) {
		t.Fatalf("expected failure on empty text, got %v", err)
	}
	if provider.got != (VoiceSpec{}) {
		t.Fatal("expected no provider call for empty text")
	}
}

// A non-200 from the primary voice still yields speech, via the built-in
// voice.
func TestSynthesizer_PrimaryNon200UsesBuiltIn(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":{"status":"quota_exceeded"}}`))
	}))
	defer server.Close()

	primary, err := NewElevenLabsProvider(ElevenLabsConfig{APIKey: "xi", BaseURL: server.URL})
	if err != nil {
		t.Fatal(err)
	}
	s := NewSynthesizer(SynthesizerConfig{Providers: []Provider{primary}, Logger: quietLogger()})

	speech, err := s.Synthesize(context.Background(), "Nous sommes ouverts de 7h à 23h.", tenant.Voice{Language: "fr", Gender: tenant.GenderFemale})
	var perr *ProviderError
	if !errors.As(err, &perr) || perr.Status != http.StatusUnauthorized {
		t.Fatalf("expected provider error with status, got %v", err)
	}
	if !speech.BuiltIn() || speech.Text == "" || speech.SayVoice != "Polly.Celine" {
		t.Fatalf("expected built-in speech, got %+v", speech)
	}
}

func TestElevenLabsProvider_Request(t *testing.T) {
	pcm := tone(16000, 50*time.Millisecond)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/text-to-speech/voice-1" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.URL.Query().Get("output_format") != "pcm_16000" {
			t.Errorf("unexpected output format %q", r.URL.RawQuery)
		}
		if r.Header.Get("xi-api-key") != "xi" {
			t.Errorf("missing api key")
		}
		var body struct {
			Text    string `json:"text"`
			ModelID string `json:"model_id"`
			VoiceSettings struct {
				Stability       float64 `json:"stability"`
				SimilarityBoost float64 `json:"similarity_boost"`
			} `json:"voice_settings"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Text != "Bonjour" || body.ModelID != "eleven_multilingual_v2" || body.VoiceSettings.Stability != 0.4 || body.VoiceSettings.SimilarityBoost != 0.8 {
			t.Errorf("unexpected body %+v", body)
		}
		_, _ = w.Write(pcm)
	}))
	defer server.Close()

	p, _ := NewElevenLabsProvider(ElevenLabsConfig{
		APIKey:          "xi",
		OutputFormat:    "pcm_16000",
		Stability:       0.4,
		SimilarityBoost: 0.8,
		BaseURL:         server.URL,
	})
	clip, err := p.Synthesize(context.Background(), "Bonjour", VoiceSpec{ElevenLabsID: "voice-1"})
	if err != nil {
		t.Fatal(err)
	}
	if clip.Format != audio.FormatPCM16 || clip.SampleRate != 16000 || !bytes.Equal(clip.Data, pcm) {
		t.Fatalf("unexpected clip %s %d %d bytes", clip.Format, clip.SampleRate, len(clip.Data))
	}

	if _, err := p.Synthesize(context.Background(), "Bonjour", VoiceSpec{}); err == nil {
		t.Fatal("expected error without a mapped voice")
	}
}

func TestClipFormat(t *testing.T) {
	if c := clipFormat("mp3_22050_32"); c.Format != audio.FormatMP3 {
		t.Errorf("expected mp3, got %s", c.Format)
	}
	if c := clipFormat("pcm_24000"); c.Format != audio.FormatPCM16 || c.SampleRate != 24000 {
		t.Errorf("expected pcm 24k, got %+v", c)
	}
}

type fakePolly struct {
	input *polly.SynthesizeSpeechInput
	audio []byte
	err   error
}

func (f *fakePolly) SynthesizeSpeech(ctx context.Context, in *polly.SynthesizeSpeechInput, _ ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &polly.SynthesizeSpeechOutput{AudioStream: io.NopCloser(bytes.NewReader(f.audio))}, nil
}

func TestPollyProvider_Synthesize(t *testing.T) {
	fake := &fakePolly{audio: tone(8000, 50*time.Millisecond)}
	p := newPollyProvider(fake, PollyConfig{Engine: "neural"})

	clip, err := p.Synthesize(context.Background(), "Bonjour", VoiceSpec{PollyID: "Lea"})
	if err != nil {
		t.Fatal(err)
	}
	if clip.Format != audio.FormatPCM16 || clip.SampleRate != 8000 || len(clip.Data) != 800 {
		t.Fatalf("unexpected clip %+v", clip.Format)
	}
	in := fake.input
	if in.OutputFormat != pollytypes.OutputFormatPcm || *in.SampleRate != "8000" || in.VoiceId != "Lea" || in.Engine != pollytypes.EngineNeural {
		t.Fatalf("unexpected input %+v", in)
	}
}

func TestPollyProvider_APIError(t *testing.T) {
	fake := &fakePolly{err: &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}}
	p := newPollyProvider(fake, PollyConfig{Engine: "standard"})

	_, err := p.Synthesize(context.Background(), "Bonjour", VoiceSpec{PollyID: "Celine"})
	var perr *ProviderError
	if !errors.As(err, &perr) || perr.Body != "ThrottlingException" {
		t.Fatalf("expected provider error, got %v", err)
	}
	if fake.input.Engine != pollytypes.EngineStandard {
		t.Fatalf("expected standard engine, got %s", fake.input.Engine)
	}
}

func TestProvidersFromConfig(t *testing.T) {
	cfg := config.SynthesisConfig{
		Order:      []string{"elevenlabs", "polly", "espeak"},
		ElevenLabs: config.ElevenLabsConfig{APIKey: "xi"},
	}
	providers := ProvidersFromConfig(context.Background(), cfg, nil, quietLogger())
	if len(providers) != 1 || providers[0].Name() != "elevenlabs" {
		t.Fatalf("expected only elevenlabs, got %d providers", len(providers))
	}
}
