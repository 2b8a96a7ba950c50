package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestDeepgramProvider(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/listen" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("language") != "fr" || q.Get("model") != "nova-2" || q.Get("punctuate") != "true" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		if r.Header.Get("Authorization") != "Token dg-key" || r.Header.Get("Content-Type") != "audio/wav" {
			t.Errorf("unexpected headers %v", r.Header)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "RIFFdata" {
			t.Errorf("expected raw wav body, got %q", body)
		}
		_, _ = w.Write([]byte(`{"results":{"channels":[{"alternatives":[{"transcript":"Quels sont vos horaires ?","confidence":0.97}]}]}}`))
	}))
	defer server.Close()

	p, err := NewDeepgramProvider(DeepgramConfig{APIKey: "dg-key", BaseURL: server.URL + "/"})
	if err != nil {
		t.Fatal(err)
	}
	res, err := p.Transcribe(context.Background(), Audio{Data: []byte("RIFFdata")})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "Quels sont vos horaires ?" || res.Confidence != 0.97 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDeepgramProvider_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("language") == "en" {
			_, _ = w.Write([]byte(`{"results":{"channels":[]}}`))
			return
		}
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"err_msg":"quota"}`))
	}))
	defer server.Close()

	p, _ := NewDeepgramProvider(DeepgramConfig{APIKey: "k", BaseURL: server.URL})
	_, err := p.Transcribe(context.Background(), Audio{})
	var perr *ProviderError
	if !errors.As(err, &perr) || perr.Status != http.StatusPaymentRequired {
		t.Fatalf("expected 402 ProviderError, got %v", err)
	}
	if _, err := p.Transcribe(context.Background(), Audio{Language: "en"}); !errors.Is(err, ErrEmptyTranscript) {
		t.Fatalf("expected ErrEmptyTranscript, got %v", err)
	}
	if _, err := NewDeepgramProvider(DeepgramConfig{}); err == nil {
		t.Fatal("expected missing key error")
	}
}

func newAssemblyServer(t *testing.T, finalStatus string, pendingPolls int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var polls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "aai-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v2/upload":
			_, _ = w.Write([]byte(`{"upload_url":"https://cdn.assemblyai.com/upload/abc"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/v2/transcript":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["audio_url"] != "https://cdn.assemblyai.com/upload/abc" || body["language_code"] != "fr" {
				t.Errorf("unexpected create body %v", body)
			}
			_, _ = w.Write([]byte(`{"id":"tx1","status":"queued"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v2/transcript/tx1":
			if polls.Add(1) <= pendingPolls {
				_, _ = w.Write([]byte(`{"id":"tx1","status":"processing"}`))
				return
			}
			switch finalStatus {
			case "completed":
				_, _ = w.Write([]byte(`{"id":"tx1","status":"completed","text":"Je voudrais réserver","confidence":0.88}`))
			default:
				_, _ = w.Write([]byte(`{"id":"tx1","status":"error","error":"audio too short"}`))
			}
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	return server, &polls
}

func TestAssemblyAIProvider_PollsUntilCompleted(t *testing.T) {
	server, polls := newAssemblyServer(t, "completed", 2)
	defer server.Close()

	p, err := NewAssemblyAIProvider(AssemblyAIConfig{APIKey: "aai-key", BaseURL: server.URL, PollInterval: time.Millisecond, MaxPolls: 5})
	if err != nil {
		t.Fatal(err)
	}
	res, err := p.Transcribe(context.Background(), Audio{Data: []byte("RIFF")})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "Je voudrais réserver" || res.Confidence != 0.88 {
		t.Fatalf("unexpected result %+v", res)
	}
	if polls.Load() != 3 {
		t.Fatalf("expected 3 polls, got %d", polls.Load())
	}
}

func TestAssemblyAIProvider_ErrorStatusStopsPolling(t *testing.T) {
	server, polls := newAssemblyServer(t, "error", 0)
	defer server.Close()

	p, _ := NewAssemblyAIProvider(AssemblyAIConfig{APIKey: "aai-key", BaseURL: server.URL, PollInterval: time.Millisecond, MaxPolls: 5})
	_, err := p.Transcribe(context.Background(), Audio{Data: []byte("RIFF")})
	if err == nil || !strings.Contains(err.Error(), "audio too short") {
		t.Fatalf("expected job error, got %v", err)
	}
	if polls.Load() != 1 {
		t.Fatalf("expected polling to stop after error, got %d polls", polls.Load())
	}
}

func TestAssemblyAIProvider_MaxPolls(t *testing.T) {
	server, polls := newAssemblyServer(t, "completed", 100)
	defer server.Close()

	p, _ := NewAssemblyAIProvider(AssemblyAIConfig{APIKey: "aai-key", BaseURL: server.URL, PollInterval: time.Millisecond, MaxPolls: 3})
	if _, err := p.Transcribe(context.Background(), Audio{Data: []byte("RIFF")}); err == nil {
		t.Fatal("expected error after max polls")
	}
	if polls.Load() != 3 {
		t.Fatalf("expected 3 polls, got %d", polls.Load())
	}
}

func TestAssemblyAIProvider_BadKey(t *testing.T) {
	server, _ := newAssemblyServer(t, "completed", 0)
	defer server.Close()

	p, _ := NewAssemblyAIProvider(AssemblyAIConfig{APIKey: "wrong", BaseURL: server.URL})
	_, err := p.Transcribe(context.Background(), Audio{Data: []byte("RIFF")})
	var perr *ProviderError
	if !errors.As(err, &perr) || perr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 ProviderError, got %v", err)
	}
}

func TestOpenAIProvider(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/transcriptions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", r.Header.Get("Authorization"))
		}
		_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil {
			t.Errorf("content type: %v", err)
		}
		form, err := multipart.NewReader(r.Body, params["boundary"]).ReadForm(1 << 20)
		if err != nil {
			t.Errorf("read form: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if got := form.Value["model"]; len(got) != 1 || got[0] != "whisper-1" {
			t.Errorf("unexpected model %v", got)
		}
		if got := form.Value["language"]; len(got) != 1 || got[0] != "fr" {
			t.Errorf("unexpected language %v", got)
		}
		if files := form.File["file"]; len(files) != 1 || files[0].Filename != "utterance.wav" {
			t.Errorf("unexpected file part %v", files)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"Bonjour","segments":[{"avg_logprob":0},{"avg_logprob":-0.6931471805599453}]}`))
	}))
	defer server.Close()

	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test", BaseURL: server.URL + "/v1", Language: "fr"})
	if err != nil {
		t.Fatal(err)
	}
	res, err := p.Transcribe(context.Background(), Audio{Data: []byte("RIFF")})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "Bonjour" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if res.Confidence < 0.74 || res.Confidence > 0.76 {
		t.Fatalf("expected confidence around 0.75, got %f", res.Confidence)
	}
}

func TestOpenAIProvider_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"requests"}}`))
	}))
	defer server.Close()

	p, _ := NewOpenAIProvider(OpenAIConfig{APIKey: "sk-test", BaseURL: server.URL + "/v1"})
	_, err := p.Transcribe(context.Background(), Audio{Data: []byte("RIFF")})
	var perr *ProviderError
	if !errors.As(err, &perr) || perr.Status != http.StatusTooManyRequests {
		t.Fatalf("expected 429 ProviderError, got %v", err)
	}
}
