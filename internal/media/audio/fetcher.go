// Package audio retrieves caller recordings from the telephony provider and
// converts synthesized speech into the 8 kHz mu-law WAV that phone networks
// play back.
package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/haasonsaas/concierge/internal/backoff"
)

// ErrUnavailable means the recording could not be retrieved or is too
// small to contain speech.
var ErrUnavailable = errors.New("audio: recording unavailable")

// ErrHostNotAllowed means the recording URL points outside the allowed
// domains. It is never retried.
var ErrHostNotAllowed = errors.New("audio: recording host not allowed")

const maxRecordingBytes = 25 << 20

// FetcherConfig configures a Fetcher.
type FetcherConfig struct {
	// AccountSID and AuthToken authenticate against Twilio's media storage.
	AccountSID string
	AuthToken  string

	// MinBytes is the smallest payload accepted as real speech.
	MinBytes int

	// Timeout bounds each download attempt.
	Timeout time.Duration

	// Attempts counts the first try; 2 means one retry.
	Attempts int

	// AllowedHosts restricts downloads to these domains and their
	// subdomains. Empty allows any host.
	AllowedHosts []string

	Policy     backoff.Policy
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Fetcher downloads recorded utterances.
type Fetcher struct {
	accountSID string
	authToken  string
	minBytes   int
	timeout    time.Duration
	attempts   int
	allowed    []string
	policy     backoff.Policy
	client     *http.Client
	logger     *slog.Logger
}

// NewFetcher creates a Fetcher, filling unset fields with defaults.
func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.MinBytes <= 0 {
		cfg.MinBytes = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 2
	}
	if cfg.Policy == (backoff.Policy{}) {
		cfg.Policy = backoff.FetchPolicy()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Fetcher{
		accountSID: cfg.AccountSID,
		authToken:  cfg.AuthToken,
		minBytes:   cfg.MinBytes,
		timeout:    cfg.Timeout,
		attempts:   cfg.Attempts,
		allowed:    normalizeHosts(cfg.AllowedHosts),
		policy:     cfg.Policy,
		client:     cfg.HTTPClient,
		logger:     cfg.Logger.With("component", "audio-fetcher"),
	}
}

// Fetch downloads the recording behind ref. Transport errors, 5xx and 404
// responses are retried; 404 is common while Twilio is still finalizing the
// file. Every failure wraps ErrUnavailable.
func (f *Fetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	target, err := ResolveRecordingURL(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if u, _ := url.Parse(target); !f.hostAllowed(u.Hostname()) {
		f.logger.WarnContext(ctx, "recording host rejected", "host", u.Hostname())
		return nil, fmt.Errorf("%w: %w: %s", ErrUnavailable, ErrHostNotAllowed, u.Hostname())
	}

	data, attempts, err := backoff.Retry(ctx, f.policy, f.attempts, func(attempt int) ([]byte, error) {
		return f.download(ctx, target)
	})
	if err != nil {
		f.logger.WarnContext(ctx, "recording fetch failed", "url", target, "attempts", attempts, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if len(data) < f.minBytes {
		return nil, fmt.Errorf("%w: payload of %d bytes is below %d", ErrUnavailable, len(data), f.minBytes)
	}
	f.logger.DebugContext(ctx, "recording fetched", "bytes", len(data), "attempts", attempts)
	return data, nil
}

func (f *Fetcher) download(ctx context.Context, target string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	if f.accountSID != "" && f.authToken != "" && isTwilioHost(req.URL.Host) {
		req.SetBasicAuth(f.accountSID, f.authToken)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 8<<10))
		return nil, fmt.Errorf("recording download status %d", resp.StatusCode)
	default:
		return nil, backoff.Permanent(fmt.Errorf("recording download status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRecordingBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxRecordingBytes {
		return nil, backoff.Permanent(fmt.Errorf("recording larger than %d bytes", maxRecordingBytes))
	}
	return data, nil
}

func (f *Fetcher) hostAllowed(host string) bool {
	if len(f.allowed) == 0 {
		return true
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, domain := range f.allowed {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func normalizeHosts(hosts []string) []string {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = strings.ToLower(strings.Trim(strings.TrimSpace(h), "."))
		if h != "" {
			out = append(out, h)
		}
	}
	return out
}

func isTwilioHost(host string) bool {
	host = strings.ToLower(host)
	return host == "api.twilio.com" || strings.HasSuffix(host, ".twilio.com")
}

var audioExtensions = map[string]bool{".wav": true, ".mp3": true, ".ogg": true, ".webm": true, ".flac": true}

// ResolveRecordingURL turns a Twilio RecordingUrl into a downloadable WAV
// URL. Twilio serves the bare resource as XML metadata, so ".wav" is
// appended unless the path already names an audio file.
func ResolveRecordingURL(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", errors.New("empty recording reference")
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported recording url scheme %q", u.Scheme)
	}
	if !audioExtensions[strings.ToLower(path.Ext(u.Path))] {
		u.Path += ".wav"
	}
	return u.String(), nil
}

// RecordingSID extracts the RE... identifier from a recording URL, or
// returns "" when the URL does not name one.
func RecordingSID(ref string) string {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ""
	}
	last := path.Base(u.Path)
	if i := strings.IndexByte(last, '.'); i >= 0 {
		last = last[:i]
	}
	if len(last) > 2 && strings.HasPrefix(last, "RE") {
		return last
	}
	return ""
}
