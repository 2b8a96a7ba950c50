package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"github.com/haasonsaas/concierge/internal/media/audio"
)

type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// PollyConfig configures Amazon Polly.
type PollyConfig struct {
	Region string
	// Engine is "neural" or "standard".
	Engine string
}

// PollyProvider asks Polly for raw PCM at the telephony rate, so the
// transcoder only has to encode mu-law.
type PollyProvider struct {
	client synthClient
	engine pollytypes.Engine
}

// NewPollyProvider loads AWS credentials from the default chain.
func NewPollyProvider(ctx context.Context, cfg PollyConfig) (*PollyProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "eu-west-3"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newPollyProvider(polly.NewFromConfig(awsCfg), cfg), nil
}

func newPollyProvider(client synthClient, cfg PollyConfig) *PollyProvider {
	engine := pollytypes.EngineStandard
	if strings.EqualFold(cfg.Engine, "neural") || cfg.Engine == "" {
		engine = pollytypes.EngineNeural
	}
	return &PollyProvider{client: client, engine: engine}
}

func (p *PollyProvider) Name() string { return "polly" }

// Synthesize returns 8 kHz mono PCM16.
func (p *PollyProvider) Synthesize(ctx context.Context, text string, voice VoiceSpec) (audio.Clip, error) {
	if voice.PollyID == "" {
		return audio.Clip{}, fmt.Errorf("no polly voice mapped")
	}
	out, err := p.client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Engine:       p.engine,
		OutputFormat: pollytypes.OutputFormatPcm,
		SampleRate:   aws.String(strconv.Itoa(audio.TelephonyRate)),
		Text:         aws.String(text),
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(voice.PollyID),
	})
	if err != nil {
		return audio.Clip{}, pollyError(err)
	}
	if out == nil || out.AudioStream == nil {
		return audio.Clip{}, errors.New("empty audio stream")
	}
	defer out.AudioStream.Close()

	data, err := io.ReadAll(io.LimitReader(out.AudioStream, maxAudioBytes))
	if err != nil {
		return audio.Clip{}, fmt.Errorf("read audio: %w", err)
	}
	return audio.Clip{Data: data, Format: audio.FormatPCM16, SampleRate: audio.TelephonyRate, Channels: 1}, nil
}

func pollyError(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	perr := &ProviderError{Provider: "polly", Body: apiErr.ErrorCode(), Err: err}
	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) {
		perr.Status = status.HTTPStatusCode()
	}
	return perr
}
