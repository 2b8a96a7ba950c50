// Package tenant resolves the establishment that answers a call: its name,
// facts the agent may quote, what it must never promise, and the voice
// persona used for synthesized speech.
package tenant

import (
	"fmt"
	"strings"
	"time"
)

// Register is the French politeness register the agent speaks in.
type Register string

const (
	RegisterVous Register = "vous"
	RegisterTu   Register = "tu"
)

// Gender selects the synthesized voice.
type Gender string

const (
	GenderFemale Gender = "female"
	GenderMale   Gender = "male"
)

// Voice is the persona voice of a tenant.
type Voice struct {
	Gender   Gender `yaml:"gender" json:"gender"`
	Language string `yaml:"language" json:"language"`
}

// Profile is an immutable snapshot of a tenant's configuration, resolved
// once at call start.
type Profile struct {
	ID               string   `yaml:"id" json:"id"`
	DisplayName      string   `yaml:"display_name" json:"display_name"`
	Numbers          []string `yaml:"numbers" json:"numbers,omitempty"`
	Language         string   `yaml:"language" json:"language"`
	Locale           string   `yaml:"locale" json:"locale"`
	Timezone         string   `yaml:"timezone" json:"timezone"`
	OpeningHours     string   `yaml:"opening_hours" json:"opening_hours,omitempty"`
	CheckIn          string   `yaml:"check_in" json:"check_in,omitempty"`
	CheckOut         string   `yaml:"check_out" json:"check_out,omitempty"`
	Services         []string `yaml:"services" json:"services,omitempty"`
	AllowedTopics    []string `yaml:"allowed_topics" json:"allowed_topics,omitempty"`
	ForbiddenActions []string `yaml:"forbidden_actions" json:"forbidden_actions,omitempty"`
	CollectFields    []string `yaml:"collect_fields" json:"collect_fields,omitempty"`
	Tone             string   `yaml:"tone" json:"tone,omitempty"`
	Register         Register `yaml:"register" json:"register"`
	Voice            Voice    `yaml:"voice" json:"voice"`
}

// DefaultProfile is used whenever no tenant matches the called number or
// the directory is unavailable. It is always usable on its own.
func DefaultProfile() Profile {
	return Profile{
		ID:          "default",
		DisplayName: "notre établissement",
		Language:    "fr",
		Locale:      "fr-FR",
		Timezone:    "Europe/Paris",
		Tone:        "concis, professionnel et chaleureux",
		Register:    RegisterVous,
		AllowedTopics: []string{
			"horaires", "services", "tarifs indicatifs", "accès", "disponibilités générales",
		},
		ForbiddenActions: []string{"confirmer une réservation"},
		CollectFields:    []string{"nom", "numéro de téléphone", "motif de l'appel"},
		Voice:            Voice{Gender: GenderFemale, Language: "fr"},
	}
}

// withDefaults fills empty fields from base. Slices are only inherited
// when the profile leaves them empty.
func (p Profile) withDefaults(base Profile) Profile {
	if p.DisplayName == "" {
		p.DisplayName = base.DisplayName
	}
	if p.Language == "" {
		p.Language = base.Language
	}
	if p.Locale == "" {
		p.Locale = localeFor(p.Language, base.Locale)
	}
	if p.Timezone == "" {
		p.Timezone = base.Timezone
	}
	if p.Tone == "" {
		p.Tone = base.Tone
	}
	if p.Register == "" {
		p.Register = base.Register
	}
	if len(p.AllowedTopics) == 0 {
		p.AllowedTopics = base.AllowedTopics
	}
	if len(p.CollectFields) == 0 {
		p.CollectFields = base.CollectFields
	}
	if p.Voice.Gender == "" {
		p.Voice.Gender = base.Voice.Gender
	}
	if p.Voice.Language == "" {
		p.Voice.Language = p.Language
	}
	p.ForbiddenActions = ensureNoReservation(p.ForbiddenActions, p.Language)
	return p
}

func localeFor(language, fallback string) string {
	switch strings.ToLower(language) {
	case "fr":
		return "fr-FR"
	case "en":
		return "en-GB"
	case "es":
		return "es-ES"
	case "de":
		return "de-DE"
	}
	return fallback
}

// ensureNoReservation keeps "never confirm a reservation" in every
// profile, whatever the directory says.
func ensureNoReservation(actions []string, language string) []string {
	for _, a := range actions {
		l := strings.ToLower(a)
		if strings.Contains(l, "réservation") || strings.Contains(l, "reservation") || strings.Contains(l, "booking") {
			return actions
		}
	}
	rule := "confirmer une réservation"
	if language == "en" {
		rule = "confirm a reservation"
	}
	return append(append([]string{}, actions...), rule)
}

// Location returns the tenant's time zone, falling back to UTC.
func (p Profile) Location() *time.Location {
	if p.Timezone != "" {
		if loc, err := time.LoadLocation(p.Timezone); err == nil {
			return loc
		}
	}
	return time.UTC
}

// IsEnglish reports whether the agent speaks English for this tenant.
func (p Profile) IsEnglish() bool {
	return strings.EqualFold(p.Language, "en")
}

// Salutation returns a time-of-day salutation in the tenant's local time.
func (p Profile) Salutation(now time.Time) string {
	hour := now.In(p.Location()).Hour()
	if p.IsEnglish() {
		switch {
		case hour >= 5 && hour < 12:
			return "Good morning"
		case hour >= 12 && hour < 18:
			return "Good afternoon"
		default:
			return "Good evening"
		}
	}
	if hour >= 5 && hour < 18 {
		return "Bonjour"
	}
	return "Bonsoir"
}

// Greeting is the first sentence of every call.
func (p Profile) Greeting(now time.Time) string {
	if p.IsEnglish() {
		return fmt.Sprintf("%s, %s, how may I help you?", p.Salutation(now), p.DisplayName)
	}
	question := "comment puis-je vous aider ?"
	if p.Register == RegisterTu {
		question = "comment puis-je t'aider ?"
	}
	return fmt.Sprintf("%s, %s, %s", p.Salutation(now), p.DisplayName, question)
}
