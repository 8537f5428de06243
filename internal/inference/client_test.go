package inference

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.RequestTimeout = time.Second
	return NewClient(cfg)
}

func TestTranslate(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/translate" {
			t.Errorf("path = %q, want /v1/translate", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		w.Write([]byte(`{"text":"I will find you"}`))
	}))

	out, err := c.Translate(context.Background(), "te voy a encontrar")
	if err != nil {
		t.Fatalf("Translate() error: %v", err)
	}
	if out != "I will find you" {
		t.Errorf("translated = %q", out)
	}
}

func TestClassifyText(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"predictions":[{"label":"toxic","score":0.91},{"label":"insult","score":0.42}]}`))
	}))

	preds, err := c.ClassifyText(context.Background(), "some text")
	if err != nil {
		t.Fatalf("ClassifyText() error: %v", err)
	}
	if len(preds) != 2 {
		t.Fatalf("got %d predictions, want 2", len(preds))
	}
	if preds[0].Label != "toxic" || preds[0].Score != 0.91 {
		t.Errorf("first prediction = %+v", preds[0])
	}
}

func TestClassifyImage_RawBody(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/octet-stream" {
			t.Errorf("content type = %q", ct)
		}
		w.Write([]byte(`{"predictions":[{"label":"nsfw","score":0.88}]}`))
	}))

	preds, err := c.ClassifyImage(context.Background(), []byte{0x89, 0x50, 0x4e, 0x47})
	if err != nil {
		t.Fatalf("ClassifyImage() error: %v", err)
	}
	if len(preds) != 1 || preds[0].Label != "nsfw" {
		t.Errorf("predictions = %+v", preds)
	}
}

func TestTranscribe(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"transcript":"hello there"}`))
	}))

	text, err := c.Transcribe(context.Background(), []byte("audio-bytes"))
	if err != nil {
		t.Fatalf("Transcribe() error: %v", err)
	}
	if text != "hello there" {
		t.Errorf("transcript = %q", text)
	}
}

func TestNon200IsError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", http.StatusServiceUnavailable)
	}))

	if _, err := c.Translate(context.Background(), "x"); err == nil {
		t.Error("expected error for 503 response")
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.BreakerMaxFailures = 3
	cfg.BreakerCooldown = time.Minute
	c := NewClient(cfg)

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		c.Translate(ctx, "x")
	}

	// After the circuit opens, requests stop reaching the backend.
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("backend saw %d calls, want 3 (breaker should stop the rest)", n)
	}
}

func TestHealthy(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))

	if !c.Healthy(context.Background()) {
		t.Error("expected healthy")
	}

	down := NewClient(Config{BaseURL: "http://127.0.0.1:1", RequestTimeout: 200 * time.Millisecond})
	if down.Healthy(context.Background()) {
		t.Error("expected unhealthy for unreachable backend")
	}
}
