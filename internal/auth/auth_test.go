package auth

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func quietService(cfg Config) *Service {
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(cfg)
}

func TestIssueAndValidateToken(t *testing.T) {
	s := quietService(Config{JWTSecret: "0123456789abcdef0123456789abcdef", TokenExpiry: time.Hour})
	token, err := s.IssueToken("ops")
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	subject, err := s.ValidateJWT(token)
	if err != nil || subject != "ops" {
		t.Fatalf("ValidateJWT() = %q, %v", subject, err)
	}

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := s.ValidateJWT(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token to fail, got %v", err)
	}
}

func TestValidateJWTRejectsForeignTokens(t *testing.T) {
	s := quietService(Config{JWTSecret: "0123456789abcdef0123456789abcdef"})
	other := quietService(Config{JWTSecret: "another-secret-another-secret-xx"})
	token, err := other.IssueToken("ops")
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	if _, err := s.ValidateJWT(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected signature mismatch to fail, got %v", err)
	}

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Issuer: issuer, Subject: "ops"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := s.ValidateJWT(unsigned); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected alg none to fail, got %v", err)
	}
}

func TestValidateAPIKey(t *testing.T) {
	s := quietService(Config{APIKeys: []string{" key-1 ", ""}})
	id, err := s.ValidateAPIKey("key-1")
	if err != nil || len(id) != len("api_")+16 {
		t.Fatalf("ValidateAPIKey() = %q, %v", id, err)
	}
	if _, err := s.ValidateAPIKey("key-2"); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if _, err := quietService(Config{}).ValidateAPIKey("key-1"); !errors.Is(err, ErrAuthDisabled) {
		t.Fatalf("expected ErrAuthDisabled, got %v", err)
	}
}

func TestRequire(t *testing.T) {
	s := quietService(Config{JWTSecret: "0123456789abcdef0123456789abcdef", APIKeys: []string{"key-1"}})
	token, _ := s.IssueToken("ops")
	var seen string
	h := s.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFrom(r.Context())
	}))

	cases := []struct {
		name    string
		header  string
		value   string
		status  int
		subject string
	}{
		{"no credentials", "", "", http.StatusUnauthorized, ""},
		{"bearer jwt", "Authorization", "Bearer " + token, http.StatusOK, "ops"},
		{"bearer api key", "Authorization", "bearer key-1", http.StatusOK, "api_"},
		{"api key header", "X-API-Key", "key-1", http.StatusOK, "api_"},
		{"bad bearer", "Authorization", "Bearer nope", http.StatusUnauthorized, ""},
		{"bad key", "X-API-Key", "nope", http.StatusUnauthorized, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodPost, "/v1/pipeline", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}
			if tc.status == http.StatusUnauthorized && rec.Header().Get("WWW-Authenticate") == "" {
				t.Fatal("expected WWW-Authenticate challenge")
			}
			if len(seen) < len(tc.subject) || seen[:len(tc.subject)] != tc.subject {
				t.Fatalf("subject = %q, want prefix %q", seen, tc.subject)
			}
		})
	}
}

func TestRequireWhenDisabled(t *testing.T) {
	s := quietService(Config{})
	if s.Enabled() {
		t.Fatal("service without credentials should be disabled")
	}
	called := false
	h := s.Require(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/pipeline", nil))
	if called || rec.Code != http.StatusUnauthorized {
		t.Fatalf("disabled auth must reject, got %d called=%v", rec.Code, called)
	}
}
