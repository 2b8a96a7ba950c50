package call

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/concierge/internal/media/transcribe"
)

// ErrMissingRecording is returned by RunPipeline for an empty reference.
var ErrMissingRecording = errors.New("call: recording reference required")

// PipelineResult is the outcome of one stateless pipeline run.
type PipelineResult struct {
	Text     string
	Reply    string
	TenantID string
	Provider string
	// Audio is a mu-law WAV at 8 kHz.
	Audio       []byte
	AudioBase64 string
}

// RunPipeline fetches a recording, transcribes it, answers it and
// synthesizes the answer without any session. Unlike AdvanceTurn it
// reports failures to the caller instead of degrading.
func (o *Orchestrator) RunPipeline(ctx context.Context, recordingRef, calledAddress string) (PipelineResult, error) {
	if strings.TrimSpace(recordingRef) == "" {
		return PipelineResult{}, ErrMissingRecording
	}
	ctx, cancel := context.WithTimeout(ctx, o.cfg.TurnDeadline)
	defer cancel()
	ctx, span := o.cfg.Tracer.Start(ctx, "pipeline.run")
	defer span.End()

	profile := o.cfg.Resolver.Resolve(ctx, calledAddress)
	out := PipelineResult{TenantID: profile.ID}

	data, err := o.cfg.Fetcher.Fetch(ctx, recordingRef)
	if err != nil {
		o.cfg.Tracer.RecordError(span, err)
		return out, fmt.Errorf("fetch recording: %w", err)
	}
	res, err := o.cfg.Transcriber.Transcribe(ctx, transcribe.Audio{
		Data:     data,
		MIMEType: "audio/wav",
		Language: profile.Language,
		URL:      recordingRef,
	})
	if err != nil {
		o.cfg.Tracer.RecordError(span, err)
		return out, fmt.Errorf("transcribe: %w", err)
	}
	out.Text = strings.TrimSpace(res.Text)
	if utf8.RuneCountInString(out.Text) < o.cfg.MinUtteranceChars {
		return out, ErrNoCallerInput
	}

	answer, _, err := o.cfg.Generator.Respond(ctx, nil, profile, out.Text)
	if err != nil {
		o.cfg.Tracer.RecordError(span, err)
		return out, fmt.Errorf("generate reply: %w", err)
	}
	out.Reply = answer

	speech, err := o.cfg.Synthesizer.Synthesize(ctx, answer, profile.Voice)
	if err != nil {
		o.cfg.Tracer.RecordError(span, err)
		return out, fmt.Errorf("synthesize: %w", err)
	}
	out.Provider = speech.Provider
	out.Audio = speech.Audio
	out.AudioBase64 = base64.StdEncoding.EncodeToString(speech.Audio)
	o.logger.InfoContext(ctx, "pipeline complete",
		"tenant", profile.ID,
		"provider", speech.Provider,
		"audio_bytes", len(speech.Audio))
	return out, nil
}
