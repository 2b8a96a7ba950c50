// Package auth guards the operator API with signed bearer tokens or static
// API keys. Telephony webhooks are not covered here; they carry Twilio
// signatures instead.
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrInvalidToken = errors.New("invalid token")
	ErrInvalidKey   = errors.New("invalid api key")
	ErrNoCredential = errors.New("missing credentials")
)

const issuer = "concierge"

// Config configures a Service. With neither a secret nor a key the
// service is disabled and Require rejects every request.
type Config struct {
	JWTSecret   string
	TokenExpiry time.Duration
	APIKeys     []string
	Logger      *slog.Logger
}

// Service validates credentials on operator requests.
type Service struct {
	secret []byte
	expiry time.Duration
	keys   map[string]string
	logger *slog.Logger
	now    func() time.Time
}

// NewService builds a Service from static configuration.
func NewService(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Service{
		expiry: cfg.TokenExpiry,
		keys:   map[string]string{},
		logger: cfg.Logger.With("component", "auth"),
		now:    time.Now,
	}
	if secret := strings.TrimSpace(cfg.JWTSecret); secret != "" {
		s.secret = []byte(secret)
	}
	for _, key := range cfg.APIKeys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		sum := sha256.Sum256([]byte(key))
		s.keys[key] = "api_" + hex.EncodeToString(sum[:8])
	}
	return s
}

// Enabled reports whether any credential is configured.
func (s *Service) Enabled() bool {
	return s != nil && (len(s.secret) > 0 || len(s.keys) > 0)
}

// IssueToken signs an HS256 token for subject.
func (s *Service) IssueToken(subject string) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("subject required")
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:   issuer,
		Subject:  subject,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if s.expiry > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.expiry))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ValidateJWT returns the subject of a valid token.
func (s *Service) ValidateJWT(token string) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(s.now))
	if err != nil || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// ValidateAPIKey returns a stable id for a configured key. Every stored
// key is compared in constant time.
func (s *Service) ValidateAPIKey(key string) (string, error) {
	if s == nil || len(s.keys) == 0 {
		return "", ErrAuthDisabled
	}
	key = strings.TrimSpace(key)
	var id string
	for stored, storedID := range s.keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(stored)) == 1 {
			id = storedID
		}
	}
	if id == "" {
		return "", ErrInvalidKey
	}
	return id, nil
}

// Authenticate checks the bearer token (a JWT or an API key) or the
// X-API-Key header of r.
func (s *Service) Authenticate(r *http.Request) (string, error) {
	if !s.Enabled() {
		return "", ErrAuthDisabled
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(strings.ToLower(header), "bearer ") {
		token := strings.TrimSpace(header[len("bearer "):])
		if subject, err := s.ValidateJWT(token); err == nil {
			return subject, nil
		}
		return s.ValidateAPIKey(token)
	}
	for _, name := range []string{"X-API-Key", "Api-Key"} {
		if key := strings.TrimSpace(r.Header.Get(name)); key != "" {
			return s.ValidateAPIKey(key)
		}
	}
	return "", ErrNoCredential
}

// Require wraps next so that only authenticated requests reach it. The
// authenticated subject is stored on the request context.
func (s *Service) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, err := s.Authenticate(r)
		if err != nil {
			s.logger.WarnContext(r.Context(), "request rejected", "path", r.URL.Path, "error", err)
			w.Header().Set("WWW-Authenticate", `Bearer realm="concierge"`)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), subject)))
	})
}

type subjectKey struct{}

// WithSubject stores the authenticated subject on ctx.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey{}, subject)
}

// SubjectFrom returns the authenticated subject, or "".
func SubjectFrom(ctx context.Context) string {
	subject, _ := ctx.Value(subjectKey{}).(string)
	return subject
}
