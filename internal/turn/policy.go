// Package turn decides what happens after the agent speaks: how long to
// listen for the caller and whether to end the call.
package turn

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/concierge/internal/config"
	"github.com/haasonsaas/concierge/internal/tenant"
	"github.com/haasonsaas/concierge/internal/textnorm"
)

// Reason explains a directive.
type Reason string

const (
	ReasonContinue    Reason = "continue"
	ReasonContact     Reason = "contact-details"
	ReasonNoInput     Reason = "no_input"
	ReasonSilence     Reason = "silence"
	ReasonMaxTurns    Reason = "max_turns"
	ReasonMaxDuration Reason = "max_duration"
)

// Rule extends the listen window when the agent's reply contains one of
// Keywords. The first matching rule wins.
type Rule struct {
	Name          string
	Keywords      []string
	ListenSeconds int
}

// DefaultContactKeywords mark a reply that asks the caller for details
// they will spell out or recite.
var DefaultContactKeywords = []string{
	"nom", "name", "téléphone", "telephone", "phone", "numéro", "number",
	"email", "e-mail", "mail", "courriel", "rappel", "rappeler",
	"callback", "call back", "coordonnées",
}

// Config bounds a call.
type Config struct {
	Rules                []Rule
	DefaultListenSeconds int
	// MaxNoInput is how many consecutive empty utterances are tolerated.
	MaxNoInput      int
	MaxSilence      int
	MaxTurns        int
	MaxCallDuration time.Duration
}

// Turn is the state Decide looks at.
type Turn struct {
	// ReplyText is what the agent is about to say; empty for no-input
	// and silence prompts.
	ReplyText     string
	TurnIndex     int
	Elapsed       time.Duration
	NoInputStreak int
	SilenceStreak int
	TenantName    string
	Language      string
	Register      tenant.Register
}

// Directive is the next step for the telephony layer.
type Directive struct {
	ListenTimeoutSeconds int
	ShouldTerminate      bool
	// ClosingMessage is set whenever ShouldTerminate is.
	ClosingMessage string
	Reason         Reason
}

type compiledRule struct {
	rule    Rule
	matcher *textnorm.Matcher
}

// Policy is immutable and safe for concurrent use.
type Policy struct {
	rules []compiledRule
	cfg   Config
}

// NewPolicy compiles the rule table.
func NewPolicy(cfg Config) *Policy {
	if cfg.DefaultListenSeconds <= 0 {
		cfg.DefaultListenSeconds = 15
	}
	if cfg.MaxNoInput <= 0 {
		cfg.MaxNoInput = 2
	}
	if cfg.MaxSilence <= 0 {
		cfg.MaxSilence = 2
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 12
	}
	if cfg.MaxCallDuration <= 0 {
		cfg.MaxCallDuration = 10 * time.Minute
	}
	if cfg.Rules == nil {
		cfg.Rules = []Rule{{Name: string(ReasonContact), Keywords: DefaultContactKeywords, ListenSeconds: 30}}
	}
	p := &Policy{cfg: cfg}
	for _, r := range cfg.Rules {
		p.rules = append(p.rules, compiledRule{rule: r, matcher: textnorm.NewMatcher(r.Keywords...)})
	}
	return p
}

// FromConfig builds a Policy from the policy section of the config.
func FromConfig(cfg config.PolicyConfig) *Policy {
	keywords := cfg.ContactKeywords
	if len(keywords) == 0 {
		keywords = DefaultContactKeywords
	}
	contact := cfg.ContactListenSeconds
	if contact <= 0 {
		contact = 30
	}
	return NewPolicy(Config{
		Rules:                []Rule{{Name: string(ReasonContact), Keywords: keywords, ListenSeconds: contact}},
		DefaultListenSeconds: cfg.DefaultListenSeconds,
		MaxNoInput:           cfg.MaxNoInput,
		MaxSilence:           cfg.MaxSilence,
		MaxTurns:             cfg.MaxTurns,
		MaxCallDuration:      cfg.MaxCallDuration,
	})
}

// ListenSeconds returns the listen window for reply.
func (p *Policy) ListenSeconds(reply string) (int, Reason) {
	for _, r := range p.rules {
		if r.matcher.Contains(reply) {
			return r.rule.ListenSeconds, Reason(r.rule.Name)
		}
	}
	return p.cfg.DefaultListenSeconds, ReasonContinue
}

// Decide returns the directive for t. It is deterministic.
func (p *Policy) Decide(t Turn) Directive {
	var reason Reason
	switch {
	case t.NoInputStreak > p.cfg.MaxNoInput:
		reason = ReasonNoInput
	case t.SilenceStreak >= p.cfg.MaxSilence:
		reason = ReasonSilence
	case t.TurnIndex+1 >= p.cfg.MaxTurns:
		reason = ReasonMaxTurns
	case t.Elapsed >= p.cfg.MaxCallDuration:
		reason = ReasonMaxDuration
	}
	if reason != "" {
		return Directive{
			ShouldTerminate: true,
			ClosingMessage:  ClosingMessage(reason, t.TenantName, t.Language, t.Register),
			Reason:          reason,
		}
	}

	seconds, reason := p.ListenSeconds(t.ReplyText)
	return Directive{ListenTimeoutSeconds: seconds, Reason: reason}
}

// ClosingMessage is the courteous goodbye for a terminating directive.
func ClosingMessage(reason Reason, tenantName, language string, register tenant.Register) string {
	if tenantName == "" {
		tenantName = tenant.DefaultProfile().DisplayName
	}
	if strings.HasPrefix(strings.ToLower(language), "en") {
		switch reason {
		case ReasonNoInput, ReasonSilence:
			return fmt.Sprintf("I'm having trouble hearing you. A member of the %s team will call you back. Goodbye.", tenantName)
		default:
			return fmt.Sprintf("Thank you for calling %s. A member of the team will follow up with you shortly. Goodbye.", tenantName)
		}
	}
	you, your := "vous", "votre"
	if register == tenant.RegisterTu {
		you, your = "te", "ton"
	}
	switch reason {
	case ReasonNoInput, ReasonSilence:
		return fmt.Sprintf("Je n'arrive pas à %s entendre. Un membre de l'équipe de %s %s rappellera. Au revoir.", you, tenantName, you)
	default:
		return fmt.Sprintf("Merci pour %s appel. Un membre de l'équipe de %s %s recontactera très vite. Au revoir.", your, tenantName, you)
	}
}
