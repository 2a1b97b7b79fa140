package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vnmchuo/llm-proxy/internal/credential"
	"github.com/vnmchuo/llm-proxy/internal/event"
	"github.com/vnmchuo/llm-proxy/internal/provider"
)

func testRequest() *event.Request {
	return &event.Request{
		Model: "gemini-2.0-flash",
		Events: []*event.Event{
			event.New(event.RoleSystem, "be brief"),
			event.New(event.RoleUser, "hi"),
			event.New(event.RoleAssistant, "hello"),
		},
		MaxTokens: 64,
		Params:    map[string]json.RawMessage{"temperature": json.RawMessage(`0.7`), "seed": json.RawMessage(`1`)},
	}
}

func TestComplete_Mock(t *testing.T) {
	var got geminiRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-2.0-flash:generateContent" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Errorf("Expected api key header, got %q", r.Header.Get("x-goog-api-key"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		resp := geminiResponse{
			Candidates: []geminiCandidate{
				{Content: geminiContent{Parts: []geminiPart{{Text: "Hello from Gemini mock!"}}}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	b := New(provider.Options{BaseURL: server.URL})
	resp, err := b.Complete(context.Background(), testRequest(), credential.Credential{Token: "test-key"})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	var decoded geminiResponse
	if err := json.Unmarshal(resp, &decoded); err != nil {
		t.Fatalf("Expected JSON payload, got %s", resp)
	}
	if decoded.Candidates[0].Content.Parts[0].Text != "Hello from Gemini mock!" {
		t.Errorf("Unexpected payload: %s", resp)
	}

	if got.SystemInstruction == nil || got.SystemInstruction.Parts[0].Text != "be brief" {
		t.Errorf("Expected system instruction, got %+v", got.SystemInstruction)
	}
	if len(got.Contents) != 2 || got.Contents[1].Role != "model" {
		t.Errorf("Unexpected contents: %+v", got.Contents)
	}
	if got.GenerationConfig.MaxOutputTokens != 64 || got.GenerationConfig.Temperature == nil || *got.GenerationConfig.Temperature != 0.7 {
		t.Errorf("Unexpected generation config: %+v", got.GenerationConfig)
	}
}

func TestStream_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("alt") != "sse" {
			t.Errorf("Expected alt=sse")
		}
		w.Header().Set("Content-Type", "text/event-stream")

		chunks := []string{"Hello", " from", " Gemini", "!"}
		for i, chunk := range chunks {
			cand := geminiCandidate{Content: geminiContent{Role: "model", Parts: []geminiPart{{Text: chunk}}}}
			if i == len(chunks)-1 {
				cand.FinishReason = "STOP"
			}
			data, _ := json.Marshal(geminiResponse{Candidates: []geminiCandidate{cand}})
			fmt.Fprintf(w, "data: %s\n\n", string(data))
		}
	}))
	defer server.Close()

	b := New(provider.Options{BaseURL: server.URL, Streaming: true})
	reader, err := b.Stream(context.Background(), testRequest(), credential.Credential{Token: "test-key"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	defer reader.Close()

	var content, finish string
	for {
		chunk, err := reader.Next(context.Background())
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		evs, err := b.DecodeDelta(chunk)
		if err != nil {
			t.Fatalf("DecodeDelta failed: %v", err)
		}
		for _, ev := range evs {
			content += ev.Content
			if fr := ev.ExtraString("finish_reason"); fr != "" {
				finish = fr
			}
		}
	}

	if content != "Hello from Gemini!" {
		t.Errorf("Expected 'Hello from Gemini!', got %s", content)
	}
	if finish != "stop" {
		t.Errorf("Expected finish_reason stop, got %q", finish)
	}
}

func TestName(t *testing.T) {
	if New(provider.Options{}).Name() != "gemini" {
		t.Error("Expected gemini")
	}
}
