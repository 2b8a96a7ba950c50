package call

import (
	"errors"

	"github.com/haasonsaas/concierge/internal/media/audio"
	"github.com/haasonsaas/concierge/internal/media/transcribe"
	"github.com/haasonsaas/concierge/internal/reply"
	"github.com/haasonsaas/concierge/internal/sessions"
	"github.com/haasonsaas/concierge/internal/tenant"
	"github.com/haasonsaas/concierge/internal/tts"
)

// ErrNoCallerInput marks an utterance that was empty or too short to act on.
var ErrNoCallerInput = errors.New("call: no caller input")

// Recovered error stages, used as metric labels.
const (
	StageFetchUnavailable    = "fetch_unavailable"
	StageTranscriptionFailed = "transcription_failed"
	StageGenerationFailed    = "generation_failed"
	StageSynthesisFailed     = "synthesis_failed"
	StageTranscodeFailed     = "transcode_failed"
	StageNoCallerInput       = "no_caller_input"
	StageTenantLookupFailed  = "tenant_lookup_failed"
	StageMediaStore          = "media_store"
	StageLockTimeout         = "lock_timeout"
	StageArchive             = "archive"
	StagePanic               = "panic"
	StageInternal            = "internal"
)

// StageOf maps an error to its stage. Transcoding is checked before
// synthesis because a failed conversion also fails synthesis.
func StageOf(err error) string {
	switch {
	case errors.Is(err, audio.ErrUnavailable):
		return StageFetchUnavailable
	case errors.Is(err, transcribe.ErrAllProvidersFailed):
		return StageTranscriptionFailed
	case errors.Is(err, reply.ErrGenerationFailed):
		return StageGenerationFailed
	case errors.Is(err, audio.ErrTranscodeFailed):
		return StageTranscodeFailed
	case errors.Is(err, tts.ErrSynthesisFailed):
		return StageSynthesisFailed
	case errors.Is(err, ErrNoCallerInput):
		return StageNoCallerInput
	case errors.Is(err, tenant.ErrLookupFailed):
		return StageTenantLookupFailed
	case errors.Is(err, sessions.ErrLockTimeout):
		return StageLockTimeout
	default:
		return StageInternal
	}
}
