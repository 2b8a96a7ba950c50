// Package textnorm folds spoken-language text for keyword matching.
//
// Transcripts and generated replies arrive with inconsistent casing,
// accents and punctuation ("Téléphone", "telephone", "TÉLÉPHONE ?"). Fold
// reduces all of them to the same lowercase ASCII-ish form so rule tables
// can be written once.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold lowercases s, strips combining marks and collapses every run of
// non-alphanumeric characters to a single space.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}

	var b strings.Builder
	b.Grow(len(stripped))
	space := true
	for _, r := range strings.ToLower(stripped) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// Matcher reports whether folded text contains any of a fixed set of words
// or phrases. Phrases only match on word boundaries, so "nom" does not
// match "nombre".
type Matcher struct {
	phrases []string
}

// NewMatcher folds every phrase once; empty phrases are dropped.
func NewMatcher(phrases ...string) *Matcher {
	m := &Matcher{phrases: make([]string, 0, len(phrases))}
	for _, p := range phrases {
		if folded := Fold(p); folded != "" {
			m.phrases = append(m.phrases, folded)
		}
	}
	return m
}

// Match returns the first phrase found in text, if any.
func (m *Matcher) Match(text string) (string, bool) {
	if m == nil || len(m.phrases) == 0 {
		return "", false
	}
	padded := " " + Fold(text) + " "
	for _, p := range m.phrases {
		if strings.Contains(padded, " "+p+" ") {
			return p, true
		}
	}
	return "", false
}

// Contains is Match without the matched phrase.
func (m *Matcher) Contains(text string) bool {
	_, ok := m.Match(text)
	return ok
}

// Len returns the number of usable phrases.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.phrases)
}
