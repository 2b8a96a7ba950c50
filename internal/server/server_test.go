package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/concierge/internal/auth"
	"github.com/haasonsaas/concierge/internal/call"
	"github.com/haasonsaas/concierge/internal/media/audio"
	"github.com/haasonsaas/concierge/internal/media/store"
	"github.com/haasonsaas/concierge/internal/media/transcribe"
	"github.com/haasonsaas/concierge/internal/observability"
	"github.com/haasonsaas/concierge/internal/reply"
	"github.com/haasonsaas/concierge/internal/tts"
)

type fakePipeline struct {
	gotRef    string
	gotCalled string
	res       call.PipelineResult
	err       error
}

func (f *fakePipeline) RunPipeline(_ context.Context, ref, called string) (call.PipelineResult, error) {
	f.gotRef = ref
	f.gotCalled = called
	return f.res, f.err
}

type fixedCalls int

func (c fixedCalls) ActiveCalls() int { return int(c) }

type pingRoutes struct{}

func (pingRoutes) Register(mux *http.ServeMux) {
	mux.HandleFunc("/voice/ping", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "pong")
	})
}

const testAPIKey = "test-key"

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestServer(t *testing.T, mutate func(*Config)) (*Server, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	cfg := Config{
		Version:  "test",
		Pipeline: &fakePipeline{},
		Calls:    fixedCalls(2),
		Providers: map[string]map[string]bool{
			"transcription": {"deepgram": true, "assemblyai": false},
		},
		Auth:     auth.NewService(auth.Config{APIKeys: []string{testAPIKey}, Logger: quietLogger()}),
		Metrics:  observability.NewMetrics(reg),
		Gatherer: reg,
		Logger:   quietLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, reg
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func postForm(path string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func pipelinePost(form url.Values) *http.Request {
	req := postForm("/v1/pipeline", form)
	req.Header.Set("X-API-Key", testAPIKey)
	return req
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != `{"status":"ok"}` {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(requestIDHeader) == "" {
		t.Fatal("expected a request id header")
	}
}

func TestRequestIDPropagated(t *testing.T) {
	s, _ := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "req-42")
	rec := serve(s, req)
	if got := rec.Header().Get(requestIDHeader); got != "req-42" {
		t.Fatalf("request id = %q", got)
	}
}

func TestStatus(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ActiveCalls != 2 || body.Version != "test" {
		t.Fatalf("unexpected status %+v", body)
	}
	if !body.Providers["transcription"]["deepgram"] || body.Providers["transcription"]["assemblyai"] {
		t.Fatalf("unexpected providers %+v", body.Providers)
	}
}

func TestPipeline_Success(t *testing.T) {
	p := &fakePipeline{res: call.PipelineResult{Text: "Bonjour", Reply: "Bonjour, que puis-je faire ?", AudioBase64: "UklGRg=="}}
	s, _ := newTestServer(t, func(cfg *Config) { cfg.Pipeline = p })

	rec := serve(s, pipelinePost(url.Values{"RecordingUrl": {"https://example.com/r.wav"}, "To": {"+33100000000"}}))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["success"] != true || body["audio_base64"] != "UklGRg==" || body["text"] != "Bonjour" || body["reply"] != "Bonjour, que puis-je faire ?" {
		t.Fatalf("unexpected body %v", body)
	}
	if p.gotRef != "https://example.com/r.wav" || p.gotCalled != "+33100000000" {
		t.Fatalf("pipeline got ref=%q called=%q", p.gotRef, p.gotCalled)
	}
}

func TestPipeline_MissingRecording(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := serve(s, pipelinePost(url.Values{}))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"error":"RecordingUrl manquant"}` {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestPipeline_FailureHidesProviderDetail(t *testing.T) {
	providerBody := `{"detail":"quota exceeded for key sk-live-123"}`
	cases := []struct {
		err     error
		message string
		stage   string
	}{
		{fmt.Errorf("fetch recording: %w", audio.ErrUnavailable), "Erreur de téléchargement de l'audio", call.StageFetchUnavailable},
		{fmt.Errorf("transcribe: %w: deepgram: %s", transcribe.ErrAllProvidersFailed, providerBody), "Erreur transcription", call.StageTranscriptionFailed},
		{fmt.Errorf("generate reply: %w: %s", reply.ErrGenerationFailed, providerBody), "Erreur IA", call.StageGenerationFailed},
		{fmt.Errorf("synthesize: %w: elevenlabs: %s", tts.ErrSynthesisFailed, providerBody), "Erreur synthèse vocale", call.StageSynthesisFailed},
		{errors.New(providerBody), "Erreur serveur interne", call.StageInternal},
	}
	for _, tc := range cases {
		t.Run(tc.stage, func(t *testing.T) {
			s, _ := newTestServer(t, func(cfg *Config) { cfg.Pipeline = &fakePipeline{err: tc.err} })
			rec := serve(s, pipelinePost(url.Values{"RecordingUrl": {"https://api.twilio.com/r.wav"}}))
			if rec.Code != http.StatusInternalServerError {
				t.Fatalf("status = %d", rec.Code)
			}
			if strings.Contains(rec.Body.String(), "sk-live") {
				t.Fatalf("provider detail leaked: %s", rec.Body.String())
			}
			var body errorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Error != tc.message || body.Stage != tc.stage {
				t.Fatalf("got %+v, want %q at %s", body, tc.message, tc.stage)
			}
		})
	}
}

func TestPipeline_RejectedHost(t *testing.T) {
	p := &fakePipeline{err: fmt.Errorf("fetch recording: %w", fmt.Errorf("%w: %w: 169.254.169.254", audio.ErrUnavailable, audio.ErrHostNotAllowed))}
	s, _ := newTestServer(t, func(cfg *Config) { cfg.Pipeline = p })
	rec := serve(s, pipelinePost(url.Values{"RecordingUrl": {"http://169.254.169.254/latest"}}))
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "non autoris") {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestPipeline_RequiresCredentials(t *testing.T) {
	p := &fakePipeline{}
	s, _ := newTestServer(t, func(cfg *Config) { cfg.Pipeline = p })

	rec := serve(s, postForm("/v1/pipeline", url.Values{"RecordingUrl": {"https://api.twilio.com/r.wav"}}))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	req := postForm("/v1/pipeline", url.Values{"RecordingUrl": {"https://api.twilio.com/r.wav"}})
	req.Header.Set("Authorization", "Bearer wrong")
	if rec := serve(s, req); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status with a wrong key = %d", rec.Code)
	}
	if p.gotRef != "" {
		t.Fatal("unauthenticated requests must not reach the pipeline")
	}
}

func TestPipeline_NotMountedWithoutCredentials(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *Config) { cfg.Auth = auth.NewService(auth.Config{Logger: quietLogger()}) })
	if rec := serve(s, pipelinePost(url.Values{"RecordingUrl": {"https://api.twilio.com/r.wav"}})); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	s, _ = newTestServer(t, func(cfg *Config) { cfg.Auth = nil })
	if rec := serve(s, pipelinePost(url.Values{"RecordingUrl": {"https://api.twilio.com/r.wav"}})); rec.Code != http.StatusNotFound {
		t.Fatalf("status with nil auth = %d", rec.Code)
	}
}

func TestPipeline_WrongMethod(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/v1/pipeline", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestMedia(t *testing.T) {
	dir := t.TempDir()
	disk, err := store.NewDiskStore(dir, "https://concierge.example.com")
	if err != nil {
		t.Fatalf("NewDiskStore: %v", err)
	}
	key := store.NewKey("CA1", 0, ".wav")
	if _, err := disk.Put(context.Background(), key, []byte("RIFF....WAVE"), "audio/wav"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	s, _ := newTestServer(t, func(cfg *Config) { cfg.Media = disk })

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/media/"+key, nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "RIFF....WAVE" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/wav" {
		t.Fatalf("content type = %q", ct)
	}

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/media/missing.wav", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing key status = %d", rec.Code)
	}

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/media/..%2Fsecret.txt", nil))
	if rec.Code == http.StatusOK {
		t.Fatal("path traversal must not be served")
	}
}

func TestMediaDisabled(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/media/a.wav", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestWebhookRoutesMounted(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *Config) { cfg.Webhooks = pingRoutes{} })
	rec := serve(s, httptest.NewRequest(http.MethodPost, "/voice/ping", nil))
	if rec.Body.String() != "pong" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestHTTPMetrics(t *testing.T) {
	s, reg := newTestServer(t, nil)
	serve(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	serve(s, httptest.NewRequest(http.MethodGet, "/nope", nil))

	if n := testutil.CollectAndCount(reg, "concierge_http_request_duration_seconds"); n != 2 {
		t.Fatalf("expected 2 series, got %d", n)
	}

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `path="/healthz"`) {
		t.Fatalf("metrics output lacks the healthz series:\n%s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "unmatched") {
		t.Fatal("unmatched routes should share one label")
	}
}

func TestRouteLabel(t *testing.T) {
	tests := map[string]string{
		"":                 "unmatched",
		"GET /media/{key}": "/media/{key}",
		"/voice/turn":      "/voice/turn",
	}
	for in, want := range tests {
		if got := routeLabel(in); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStartShutdown(t *testing.T) {
	s, _ := newTestServer(t, func(cfg *Config) { cfg.Host = "127.0.0.1" })
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if s.Addr() != "" {
		t.Fatal("address should be cleared after shutdown")
	}
}

func TestNewRequiresPipeline(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error")
	}
}
