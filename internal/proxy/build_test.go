package proxy

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vnmchuo/llm-proxy/config"
)

const routesYAML = `
backends:
  - name: openai
    base_url: %s
    credential:
      type: static
      value: sk-test
  - name: claude
    credential:
      type: chain
      providers:
        - type: env
          env: LLM_PROXY_TEST_MISSING_KEY
        - type: static
          value: fallback
processors:
  - name: token_cap
    type: max_tokens
    value: "4096"
  - name: shout
    type: suffix
    value: "!"
routes:
  - name: chat
    path_prefix: /v1/chat
    backend: openai
    fallbacks: [claude]
    output: event
    processors: [token_cap]
    response_processors: [shout]
`

func TestBuild_EndToEnd(t *testing.T) {
	var auth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "text/event-stream")
		for _, delta := range []string{"Hi", " there"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", delta)
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	rc, err := config.ParseRoutes([]byte(fmt.Sprintf(routesYAML, upstream.URL)))
	if err != nil {
		t.Fatalf("ParseRoutes failed: %v", err)
	}
	p, err := Build(rc, BuildDeps{StreamBuffer: 8})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	h := NewHandler(p, rc)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/v1/chat/completions", strings.NewReader(streamBody)))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if auth != "Bearer sk-test" {
		t.Errorf("Expected static credential upstream, got %q", auth)
	}
	want := "data: {\"content\":\"Hi!\"}\n\n" +
		"data: {\"content\":\" there!\"}\n\n" +
		"data: [DONE]\n\n"
	if w.Body.String() != want {
		t.Errorf("Unexpected body:\n%q\nwant\n%q", w.Body.String(), want)
	}
}

func TestBuild_ClosesWatchedCredentials(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "key")
	if err := os.WriteFile(path, []byte("sk-file"), 0o600); err != nil {
		t.Fatal(err)
	}
	rc := &config.Routes{Backends: []config.Backend{{
		Name: "openai", Type: "openai",
		Credential: &config.Credential{Type: "file", Path: path, Watch: true},
	}}}

	p, err := Build(rc, BuildDeps{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Expected repeated Close to succeed, got %v", err)
	}
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name string
		rc   *config.Routes
	}{
		{
			name: "unknown backend type",
			rc: &config.Routes{Backends: []config.Backend{{
				Name: "x", Type: "cohere", Credential: &config.Credential{Type: "static", Value: "k"},
			}}},
		},
		{
			name: "missing credential",
			rc:   &config.Routes{Backends: []config.Backend{{Name: "openai", Type: "openai"}}},
		},
		{
			name: "redis credential without redis",
			rc: &config.Routes{Backends: []config.Backend{{
				Name: "openai", Type: "openai", Credential: &config.Credential{Type: "redis", Key: "k"},
			}}},
		},
		{
			name: "unknown processor type",
			rc:   &config.Routes{Processors: []config.Processor{{Name: "p", Type: "translate"}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Build(tt.rc, BuildDeps{}); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestNewBackend(t *testing.T) {
	for _, typ := range []string{"openai", "claude", "anthropic", "gemini"} {
		b, err := NewBackend(config.Backend{Name: "b-" + typ, Type: typ})
		if err != nil {
			t.Fatalf("NewBackend(%s) failed: %v", typ, err)
		}
		if b.Name() != "b-"+typ || !b.SupportsStreaming() {
			t.Errorf("Unexpected backend %s streaming=%v", b.Name(), b.SupportsStreaming())
		}
	}

	off := false
	b, err := NewBackend(config.Backend{Name: "batch", Type: "openai", SupportsStreaming: &off})
	if err != nil || b.SupportsStreaming() {
		t.Errorf("Expected non-streaming backend, got %v %v", b, err)
	}
}
