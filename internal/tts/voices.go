package tts

import (
	"strings"

	"github.com/haasonsaas/concierge/internal/tenant"
)

// VoiceSpec is the concrete voice for each synthesis path.
type VoiceSpec struct {
	ElevenLabsID string
	PollyID      string
	// SayVoice and SayLanguage drive Twilio's built-in <Say>.
	SayVoice    string
	SayLanguage string
}

type voiceKey struct {
	language string
	gender   tenant.Gender
}

// VoiceTable maps (language, gender) to a VoiceSpec.
type VoiceTable struct {
	voices   map[voiceKey]VoiceSpec
	fallback VoiceSpec
}

// DefaultVoiceTable returns the built-in mapping. Unmapped pairs resolve
// to the French female voice.
func DefaultVoiceTable() *VoiceTable {
	frFemale := VoiceSpec{
		ElevenLabsID: "kENkNtk0xyzG09WW40xE",
		PollyID:      "Lea",
		SayVoice:     "Polly.Celine",
		SayLanguage:  "fr-FR",
	}
	t := &VoiceTable{
		voices: map[voiceKey]VoiceSpec{
			{"fr", tenant.GenderFemale}: frFemale,
			{"fr", tenant.GenderMale}: {
				ElevenLabsID: "ErXwobaYiN019PkySvjV",
				PollyID:      "Remi",
				SayVoice:     "Polly.Mathieu",
				SayLanguage:  "fr-FR",
			},
			{"en", tenant.GenderFemale}: {
				ElevenLabsID: "21m00Tcm4TlvDq8ikWAM",
				PollyID:      "Joanna",
				SayVoice:     "Polly.Joanna",
				SayLanguage:  "en-US",
			},
			{"en", tenant.GenderMale}: {
				ElevenLabsID: "pNInz6obpgDQGcFmaJgB",
				PollyID:      "Matthew",
				SayVoice:     "Polly.Matthew",
				SayLanguage:  "en-US",
			},
		},
		fallback: frFemale,
	}
	return t
}

// Set overrides one row. Empty fields keep the current value.
func (t *VoiceTable) Set(language string, gender tenant.Gender, spec VoiceSpec) {
	key := voiceKey{baseLanguage(language), normalizeGender(gender)}
	cur, ok := t.voices[key]
	if !ok {
		cur = t.fallback
	}
	if spec.ElevenLabsID != "" {
		cur.ElevenLabsID = spec.ElevenLabsID
	}
	if spec.PollyID != "" {
		cur.PollyID = spec.PollyID
	}
	if spec.SayVoice != "" {
		cur.SayVoice = spec.SayVoice
	}
	if spec.SayLanguage != "" {
		cur.SayLanguage = spec.SayLanguage
	}
	t.voices[key] = cur
}

// Resolve picks the voice for v. An unmapped gender falls back to the
// female voice of the same language, an unmapped language to the default.
func (t *VoiceTable) Resolve(v tenant.Voice) VoiceSpec {
	lang := baseLanguage(v.Language)
	if spec, ok := t.voices[voiceKey{lang, normalizeGender(v.Gender)}]; ok {
		return spec
	}
	if spec, ok := t.voices[voiceKey{lang, tenant.GenderFemale}]; ok {
		return spec
	}
	return t.fallback
}

func baseLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	return lang
}

func normalizeGender(g tenant.Gender) tenant.Gender {
	if tenant.Gender(strings.ToLower(string(g))) == tenant.GenderMale {
		return tenant.GenderMale
	}
	return tenant.GenderFemale
}
