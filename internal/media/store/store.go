// Package store holds synthesized speech where the telephony provider can
// fetch it for <Play>. Artifacts are scoped to the turn that produced them.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("store: not found")

// Store persists playable media and returns a URL Twilio can fetch.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// NewKey returns a unique key such as "CA123-3-<uuid>.wav".
func NewKey(callID string, turn int, ext string) string {
	prefix := sanitize(callID)
	if prefix == "" {
		prefix = "call"
	}
	return fmt.Sprintf("%s-%d-%s%s", prefix, turn, uuid.NewString(), ext)
}

// ValidKey reports whether key is safe to use as a flat file or object name.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key) && key != "." && key != ".."
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		}
		if len(out) == 64 {
			break
		}
	}
	return string(out)
}
