package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newOllamaServer(t *testing.T, reply string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/generate":
			if calls != nil {
				calls.Add(1)
			}
			var req generateRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "bad json", http.StatusBadRequest)
				return
			}
			if req.Stream {
				http.Error(w, "stream must be false", http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"model":    req.Model,
				"response": reply + "|" + req.Format,
				"done":     true,
			})
		case "/api/tags":
			json.NewEncoder(w).Encode(map[string]any{
				"models": []map[string]string{{"name": "llama3:latest"}, {"name": "qwen2.5:7b"}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOllamaGenerate(t *testing.T) {
	srv := newOllamaServer(t, "hello", nil)
	c := NewOllamaClient(srv.URL+"/", "llama3", 0, nil)

	resp, err := c.Generate(context.Background(), GenerateRequest{Prompt: "hi", Format: FormatJSON})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Text != "hello|json" {
		t.Errorf("Text = %q, want %q", resp.Text, "hello|json")
	}
	if resp.Model != "llama3" {
		t.Errorf("Model = %q, want default model", resp.Model)
	}
	if resp.Cached {
		t.Error("direct client response should not be cached")
	}

	resp, err = c.Generate(context.Background(), GenerateRequest{Prompt: "hi", Model: "qwen2.5:7b"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if resp.Model != "qwen2.5:7b" || resp.Text != "hello|" {
		t.Errorf("override response = %+v", resp)
	}
}

func TestOllamaGenerate_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	c := NewOllamaClient(srv.URL, "missing", time.Second, nil)
	_, err := c.Generate(context.Background(), GenerateRequest{Prompt: "x"})
	if err == nil || !strings.Contains(err.Error(), "404") || !strings.Contains(err.Error(), "model not found") {
		t.Errorf("err = %v, want API error 404 with body", err)
	}
}

func TestOllamaPingAndListModels(t *testing.T) {
	srv := newOllamaServer(t, "", nil)
	c := NewOllamaClient(srv.URL, "llama3", 0, nil)

	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
	models, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if !slices.Equal(models, []string{"llama3:latest", "qwen2.5:7b"}) {
		t.Errorf("models = %v", models)
	}
}

func TestResponseKey(t *testing.T) {
	base := GenerateRequest{Prompt: "System: x\n\nUser: y"}
	a := ResponseKey(base)
	if !strings.HasPrefix(a, "llm:response:") || len(a) != len("llm:response:")+64 {
		t.Errorf("key = %q", a)
	}
	if a != ResponseKey(GenerateRequest{Prompt: "System: x\n\nUser: y"}) {
		t.Error("key must be stable for identical requests")
	}

	tests := []struct {
		name string
		req  GenerateRequest
	}{
		{"different prompt", GenerateRequest{Prompt: "System: x\n\nUser: z"}},
		{"json format", GenerateRequest{Prompt: base.Prompt, Format: FormatJSON}},
		{"other model", GenerateRequest{Prompt: base.Prompt, Model: "qwen2.5:7b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if ResponseKey(tt.req) == a {
				t.Errorf("%+v shares a key with %+v", tt.req, base)
			}
		})
	}
}

func TestCachedGenerator_FormatSeparatesEntries(t *testing.T) {
	var calls atomic.Int32
	srv := newOllamaServer(t, "reply", &calls)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	g := NewCachedGenerator(NewOllamaClient(srv.URL, "llama3", 0, nil), rdb, 0, nil, nil)
	ctx := context.Background()

	if _, err := g.Generate(ctx, GenerateRequest{Prompt: "lights"}); err != nil {
		t.Fatal(err)
	}
	resp, err := g.Generate(ctx, GenerateRequest{Prompt: "lights", Format: FormatJSON})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Cached || calls.Load() != 2 {
		t.Errorf("json request served from free-text entry (cached %v, calls %d)", resp.Cached, calls.Load())
	}
}

func TestCachedGenerator(t *testing.T) {
	var calls atomic.Int32
	srv := newOllamaServer(t, "cached text", &calls)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	g := NewCachedGenerator(NewOllamaClient(srv.URL, "llama3", 0, nil), rdb, 0, nil, nil)
	ctx := context.Background()

	first, err := g.Generate(ctx, GenerateRequest{Prompt: "turn on the lights"})
	if err != nil {
		t.Fatalf("first Generate: %v", err)
	}
	second, err := g.Generate(ctx, GenerateRequest{Prompt: "turn on the lights"})
	if err != nil {
		t.Fatalf("second Generate: %v", err)
	}

	if calls.Load() != 1 {
		t.Errorf("model called %d times, want 1", calls.Load())
	}
	if first.Cached || !second.Cached {
		t.Errorf("cached flags = %v, %v; want false, true", first.Cached, second.Cached)
	}
	if second.Text != first.Text {
		t.Errorf("cached text = %q, want %q", second.Text, first.Text)
	}
	if ttl := mr.TTL(ResponseKey(GenerateRequest{Prompt: "turn on the lights"})); ttl != time.Hour {
		t.Errorf("TTL = %v, want 1h", ttl)
	}

	mr.FastForward(time.Hour + time.Second)
	if _, err := g.Generate(ctx, GenerateRequest{Prompt: "turn on the lights"}); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Errorf("model called %d times after expiry, want 2", calls.Load())
	}
}

type failingGenerator struct{}

func (failingGenerator) Generate(context.Context, GenerateRequest) (*GenerateResponse, error) {
	return nil, errors.New("ollama down")
}

func TestCachedGenerator_ErrorNotCached(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	g := NewCachedGenerator(failingGenerator{}, rdb, time.Minute, nil, nil)
	if _, err := g.Generate(context.Background(), GenerateRequest{Prompt: "p"}); err == nil {
		t.Fatal("expected error")
	}
	if mr.Exists(ResponseKey(GenerateRequest{Prompt: "p"})) {
		t.Error("failed generation must not be cached")
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"empty", "   ", ""},
		{"bare array", `[{"type":"action"}]`, `[{"type":"action"}]`},
		{"bare object", ` {"actions":[]} `, `{"actions":[]}`},
		{"fenced", "```json\n[{\"a\":1}]\n```", `[{"a":1}]`},
		{"tagged", `<json>{"a":1}</json>`, `{"a":1}`},
		{"prose before", `Here you go: [1,2] thanks`, `[1,2]`},
		{"no json", "just words", "just words"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractJSON(tt.content); got != tt.want {
				t.Errorf("ExtractJSON(%q) = %q, want %q", tt.content, got, tt.want)
			}
		})
	}
}
