package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/vnmchuo/llm-proxy/internal/credential"
	"github.com/vnmchuo/llm-proxy/internal/event"
	"github.com/vnmchuo/llm-proxy/internal/normalize"
	"github.com/vnmchuo/llm-proxy/internal/provider"
)

func TestComplete_Mock(t *testing.T) {
	const payload = `{"id":"msg_1","type":"message","content":[{"type":"text","text":"Hello from Claude mock!"}]}`

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" || r.Header.Get("anthropic-version") != anthropicVersion {
			t.Errorf("Unexpected headers: %v", r.Header)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, payload)
	}))
	defer server.Close()

	b := New(provider.Options{BaseURL: server.URL})
	req := &event.Request{Model: "claude-3-5-haiku-20241022", Events: []*event.Event{event.New(event.RoleUser, "hi")}}

	resp, err := b.Complete(context.Background(), req, credential.Credential{Token: "test-key"})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if string(resp) != payload {
		t.Errorf("Expected payload relayed unchanged, got %s", resp)
	}
}

func TestStream_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")

		fmt.Fprintf(w, "event: message_start\n")
		fmt.Fprintf(w, "data: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\"}}\n\n")
		fmt.Fprintf(w, "event: ping\n")
		fmt.Fprintf(w, "data: {\"type\":\"ping\"}\n\n")
		for _, text := range []string{"Hello", " from Claude!"} {
			data, _ := json.Marshal(map[string]any{
				"type":  "content_block_delta",
				"index": 0,
				"delta": map[string]string{"type": "text_delta", "text": text},
			})
			fmt.Fprintf(w, "event: content_block_delta\n")
			fmt.Fprintf(w, "data: %s\n\n", string(data))
		}
		fmt.Fprintf(w, "event: message_delta\n")
		fmt.Fprintf(w, "data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":5}}\n\n")
		fmt.Fprintf(w, "event: message_stop\n")
		fmt.Fprintf(w, "data: {\"type\": \"message_stop\"}\n\n")
	}))
	defer server.Close()

	b := New(provider.Options{BaseURL: server.URL, Streaming: true})
	req := &event.Request{Model: "claude-3-5-haiku-20241022", Events: []*event.Event{event.New(event.RoleUser, "hi")}}

	reader, err := b.Stream(context.Background(), req, credential.Credential{Token: "test-key"})
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

	if content != "Hello from Claude!" {
		t.Errorf("Expected 'Hello from Claude!', got %s", content)
	}
	if finish != "end_turn" {
		t.Errorf("Expected finish_reason end_turn, got %q", finish)
	}
}

func TestStream_InBandError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "event: error\n")
		fmt.Fprintf(w, "data: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
	}))
	defer server.Close()

	b := New(provider.Options{BaseURL: server.URL, Streaming: true})
	reader, err := b.Stream(context.Background(), &event.Request{Model: "m"}, credential.Credential{Token: "k"})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	defer reader.Close()

	_, err = reader.Next(context.Background())
	if err == nil || !strings.Contains(err.Error(), "Overloaded") {
		t.Errorf("Expected overloaded error, got %v", err)
	}
}

func TestName(t *testing.T) {
	b := New(provider.Options{})
	if b.Name() != "claude" {
		t.Errorf("Expected claude, got %s", b.Name())
	}
}

func TestSystemMessageExtraction(t *testing.T) {
	b := New(provider.Options{})
	req := &event.Request{
		Model: "claude-3-5-haiku-20241022",
		Events: []*event.Event{
			event.New(event.RoleSystem, "You are a helpful assistant."),
			event.New(event.RoleUser, "Hello"),
			event.New(event.RoleAssistant, "Hi there!"),
			event.New(event.RoleTool, "result"),
		},
	}

	claudeReq := b.mapRequest(req, false)

	if string(claudeReq.System) != `"You are a helpful assistant."` {
		t.Errorf("Expected system message, got %s", claudeReq.System)
	}
	if len(claudeReq.Messages) != 3 {
		t.Fatalf("Expected 3 messages, got %d", len(claudeReq.Messages))
	}
	roles := []string{}
	for _, m := range claudeReq.Messages {
		roles = append(roles, string(m["role"]))
	}
	if strings.Join(roles, ",") != `"user","assistant","user"` {
		t.Errorf("Unexpected roles: %v", roles)
	}
	if claudeReq.MaxTokens != defaultMaxTokens {
		t.Errorf("Expected default max tokens, got %d", claudeReq.MaxTokens)
	}
}

func TestSystemBlocksPreserved(t *testing.T) {
	body := `{"model":"claude-3-5-haiku-20241022","max_tokens":256,` +
		`"system":[{"type":"text","text":"be terse","cache_control":{"type":"ephemeral"}}],` +
		`"messages":[{"role":"user","content":"hi"}]}`
	req, err := normalize.Anthropic{}.Normalize([]byte(body))
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	// a prompt added by a processor sits alongside the original blocks
	req.Events[0].Content = "house style"

	claudeReq := New(provider.Options{}).mapRequest(req, false)

	var blocks []map[string]any
	if err := json.Unmarshal(claudeReq.System, &blocks); err != nil {
		t.Fatalf("Expected system block array, got %s", claudeReq.System)
	}
	if len(blocks) != 2 {
		t.Fatalf("Expected 2 system blocks, got %s", claudeReq.System)
	}
	if blocks[0]["text"] != "house style" || blocks[1]["text"] != "be terse" {
		t.Errorf("Unexpected system blocks: %s", claudeReq.System)
	}
	if _, ok := blocks[1]["cache_control"]; !ok {
		t.Errorf("Expected original block fields kept, got %s", claudeReq.System)
	}
	if len(claudeReq.Messages) != 1 {
		t.Errorf("Expected 1 message, got %d", len(claudeReq.Messages))
	}
}

func TestSystemOmittedWhenAbsent(t *testing.T) {
	req := &event.Request{Events: []*event.Event{event.New(event.RoleUser, "hi")}}
	raw, err := json.Marshal(New(provider.Options{}).mapRequest(req, false))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), `"system"`) {
		t.Errorf("Expected no system field, got %s", raw)
	}
}
