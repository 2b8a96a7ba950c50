package store

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestNewKey(t *testing.T) {
	key := NewKey("CA12/../34", 3, ".wav")
	if !strings.HasPrefix(key, "CA1234-3-") || !strings.HasSuffix(key, ".wav") {
		t.Fatalf("unexpected key %q", key)
	}
	if !ValidKey(key) {
		t.Fatalf("generated key %q should be valid", key)
	}
	if NewKey("", 0, ".wav") == NewKey("", 0, ".wav") {
		t.Fatal("expected unique keys")
	}
}

func TestValidKey(t *testing.T) {
	for _, k := range []string{"", ".", "..", "../etc/passwd", "a/b", ".hidden"} {
		if ValidKey(k) {
			t.Errorf("expected %q to be rejected", k)
		}
	}
}

func TestDiskStore_PutOpenDelete(t *testing.T) {
	dir := t.TempDir()
	s, err := NewDiskStore(dir, "https://concierge.example.com/")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	url, err := s.Put(context.Background(), "greeting.wav", []byte("RIFF...."), "audio/wav")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if url != "https://concierge.example.com/media/greeting.wav" {
		t.Fatalf("unexpected url %q", url)
	}

	f, err := s.Open("greeting.wav")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data, _ := io.ReadAll(f)
	f.Close()
	if string(data) != "RIFF...." {
		t.Fatalf("unexpected content %q", data)
	}

	if err := s.Delete(context.Background(), "greeting.wav"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(context.Background(), "greeting.wav"); err != nil {
		t.Fatalf("second delete should be a no-op, got %v", err)
	}
	if _, err := s.Open("greeting.wav"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected no leftover temp files, got %d entries", len(entries))
	}
}

func TestDiskStore_RejectsTraversal(t *testing.T) {
	s, err := NewDiskStore(t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put(context.Background(), "../x.wav", []byte("x"), ""); err == nil {
		t.Fatal("expected invalid key error")
	}
	if _, err := s.Open("../x.wav"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

type memoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
	failPut bool
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: map[string][]byte{}}
}

func (m *memoryStore) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	if m.failPut {
		return "", errors.New("put failed")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return "mem://" + key, nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	m.deleted = append(m.deleted, key)
	return nil
}

func TestScope_ReleaseDropsUnkept(t *testing.T) {
	mem := newMemoryStore()
	scope := NewScope(mem, nil)

	for _, k := range []string{"a.wav", "b.wav", "c.wav"} {
		if _, err := scope.Put(context.Background(), k, []byte(k), "audio/wav"); err != nil {
			t.Fatal(err)
		}
	}
	scope.Keep("b.wav")
	scope.Release(context.Background())
	scope.Release(context.Background())

	if len(mem.objects) != 1 || mem.objects["b.wav"] == nil {
		t.Fatalf("expected only kept object to survive, got %v", mem.objects)
	}
	if len(mem.deleted) != 2 {
		t.Fatalf("expected 2 deletions after double release, got %v", mem.deleted)
	}
	if kept := scope.Kept(); len(kept) != 1 || kept[0] != "b.wav" {
		t.Fatalf("unexpected kept list %v", kept)
	}
}

func TestScope_ReleaseAfterCancel(t *testing.T) {
	mem := newMemoryStore()
	scope := NewScope(mem, nil)
	if _, err := scope.Put(context.Background(), "late.wav", []byte("x"), ""); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	scope.Release(ctx)

	if len(mem.objects) != 0 {
		t.Fatalf("expected cleanup despite cancelled context, got %v", mem.objects)
	}
}

func TestScope_FailedPutIsNotTracked(t *testing.T) {
	mem := newMemoryStore()
	mem.failPut = true
	scope := NewScope(mem, nil)
	if _, err := scope.Put(context.Background(), "x.wav", nil, ""); err == nil {
		t.Fatal("expected put error")
	}
	scope.Release(context.Background())
	if len(mem.deleted) != 0 {
		t.Fatalf("expected nothing to delete, got %v", mem.deleted)
	}
}

func TestS3Store_PutPresignsAndDelete(t *testing.T) {
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(t.TempDir(), "none"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(t.TempDir(), "none"))

	var mu sync.Mutex
	var requests []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		mu.Lock()
		requests = append(requests, r.Method+" "+r.URL.Path)
		mu.Unlock()
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s, err := NewS3Store(context.Background(), S3Config{
		Bucket:          "media",
		Region:          "eu-west-3",
		Endpoint:        server.URL,
		Prefix:          "/calls/",
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		UsePathStyle:    true,
		PresignTTL:      5 * time.Minute,
	})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	signed, err := s.Put(context.Background(), "reply.wav", []byte("RIFF"), "audio/wav")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	u, err := url.Parse(signed)
	if err != nil {
		t.Fatalf("parse presigned url: %v", err)
	}
	if u.Path != "/media/calls/reply.wav" {
		t.Fatalf("unexpected presigned path %q", u.Path)
	}
	if u.Query().Get("X-Amz-Expires") != "300" || u.Query().Get("X-Amz-Signature") == "" {
		t.Fatalf("expected presigned query, got %q", u.RawQuery)
	}

	if err := s.Delete(context.Background(), "reply.wav"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(requests) != 2 || requests[0] != "PUT /media/calls/reply.wav" || requests[1] != "DELETE /media/calls/reply.wav" {
		t.Fatalf("unexpected requests %v", requests)
	}
}

func TestNewS3Store_RequiresBucket(t *testing.T) {
	if _, err := NewS3Store(context.Background(), S3Config{}); err == nil {
		t.Fatal("expected error without bucket")
	}
}
