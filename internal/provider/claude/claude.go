package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vnmchuo/llm-proxy/internal/credential"
	"github.com/vnmchuo/llm-proxy/internal/event"
	"github.com/vnmchuo/llm-proxy/internal/provider"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
	defaultMaxTokens = 4096
)

type ClaudeBackend struct {
	name      string
	baseURL   string
	client    *http.Client
	streaming bool
}

type claudeRequest struct {
	Model     string                       `json:"model"`
	MaxTokens int                          `json:"max_tokens"`
	System    json.RawMessage              `json:"system,omitempty"`
	Messages  []map[string]json.RawMessage `json:"messages"`
	Stream    bool                         `json:"stream,omitempty"`
}

type claudeStreamEvent struct {
	Type  string       `json:"type"`
	Index int          `json:"index"`
	Delta claudeDelta  `json:"delta"`
	Error *claudeError `json:"error,omitempty"`
	Usage *claudeUsage `json:"usage,omitempty"`
}

type claudeDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type claudeError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type claudeUsage struct {
	OutputTokens int `json:"output_tokens"`
}

func New(opts provider.Options) *ClaudeBackend {
	b := &ClaudeBackend{
		name:      opts.Name,
		baseURL:   opts.BaseURL,
		client:    opts.Client,
		streaming: opts.Streaming,
	}
	if b.name == "" {
		b.name = "claude"
	}
	if b.baseURL == "" {
		b.baseURL = defaultBaseURL
	}
	if b.client == nil {
		b.client = http.DefaultClient
	}
	return b
}

func (b *ClaudeBackend) Name() string { return b.name }

func (b *ClaudeBackend) SupportsStreaming() bool { return b.streaming }

func (b *ClaudeBackend) Complete(ctx context.Context, req *event.Request, cred credential.Credential) ([]byte, error) {
	resp, err := b.do(ctx, req, cred, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (b *ClaudeBackend) Stream(ctx context.Context, req *event.Request, cred credential.Credential) (provider.ChunkReader, error) {
	resp, err := b.do(ctx, req, cred, true)
	if err != nil {
		return nil, err
	}
	return provider.NewSSEReader(resp.Body, b.terminate, false), nil
}

// terminate ends the stream on message_stop and surfaces in-band errors.
func (b *ClaudeBackend) terminate(eventType string, data []byte) (bool, error) {
	switch eventType {
	case "message_stop":
		return true, nil
	case "error":
		var ev claudeStreamEvent
		if err := json.Unmarshal(data, &ev); err == nil && ev.Error != nil {
			return false, fmt.Errorf("claude stream error: %s: %s", ev.Error.Type, ev.Error.Message)
		}
		return false, fmt.Errorf("claude stream error: %s", data)
	}
	return false, nil
}

func (b *ClaudeBackend) do(ctx context.Context, req *event.Request, cred credential.Credential, stream bool) (*http.Response, error) {
	body, err := provider.MergeParams(b.mapRequest(req, stream), req.Params)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/messages", b.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", cred.Token)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if err := provider.CheckResponse(b.name, resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

// mapRequest lifts system events into the top-level system prompt. Every
// other event becomes a message; roles other than assistant are sent as user.
func (b *ClaudeBackend) mapRequest(req *event.Request, stream bool) claudeRequest {
	var system []*event.Event
	messages := make([]map[string]json.RawMessage, 0, len(req.Events))

	for _, ev := range req.Events {
		if ev.Role == event.RoleSystem {
			system = append(system, ev)
			continue
		}
		fields := provider.MessageFields(ev)
		role := event.RoleUser
		if ev.Role == event.RoleAssistant {
			role = event.RoleAssistant
		}
		fields["role"], _ = json.Marshal(role)
		messages = append(messages, fields)
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	return claudeRequest{
		Model:     req.Model,
		MaxTokens: maxTokens,
		System:    systemPrompt(system),
		Messages:  messages,
		Stream:    stream,
	}
}

// systemPrompt joins plain system events into one string. When any system
// event carries content blocks the prompt is sent as a block array instead,
// with plain text turned into text blocks in event order.
func systemPrompt(events []*event.Event) json.RawMessage {
	var texts []string
	blocksNeeded := false
	for _, ev := range events {
		if ev.Content != "" {
			texts = append(texts, ev.Content)
		}
		if _, ok := ev.Extra["content"]; ok {
			blocksNeeded = true
		}
	}

	if !blocksNeeded {
		if len(texts) == 0 {
			return nil
		}
		raw, _ := json.Marshal(strings.Join(texts, "\n\n"))
		return raw
	}

	var blocks []json.RawMessage
	for _, ev := range events {
		if ev.Content != "" {
			block, _ := json.Marshal(textBlock{Type: "text", Text: ev.Content})
			blocks = append(blocks, block)
		}
		raw, ok := ev.Extra["content"]
		if !ok {
			continue
		}
		var inner []json.RawMessage
		if err := json.Unmarshal(raw, &inner); err != nil {
			blocks = append(blocks, raw)
			continue
		}
		blocks = append(blocks, inner...)
	}
	out, _ := json.Marshal(blocks)
	return out
}

type textBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// DecodeDelta maps Messages API stream events to assistant deltas. Events
// carrying nothing for the client (ping, content_block_stop) yield none.
func (b *ClaudeBackend) DecodeDelta(chunk []byte) ([]*event.Event, error) {
	var se claudeStreamEvent
	if err := json.Unmarshal(chunk, &se); err != nil {
		return nil, fmt.Errorf("claude: invalid stream chunk: %w", err)
	}

	switch se.Type {
	case "message_start":
		return []*event.Event{{Role: event.RoleAssistant}}, nil
	case "content_block_delta":
		ev := &event.Event{Role: event.RoleAssistant}
		switch se.Delta.Type {
		case "text_delta":
			ev.Content = se.Delta.Text
		case "input_json_delta":
			ev.SetExtra("partial_json", se.Delta.PartialJSON)
			ev.SetExtra("index", se.Index)
		default:
			return nil, nil
		}
		return []*event.Event{ev}, nil
	case "message_delta":
		if se.Delta.StopReason == "" {
			return nil, nil
		}
		ev := &event.Event{Role: event.RoleAssistant}
		ev.SetExtra("finish_reason", se.Delta.StopReason)
		if se.Usage != nil {
			ev.SetExtra("output_tokens", se.Usage.OutputTokens)
		}
		return []*event.Event{ev}, nil
	default:
		return nil, nil
	}
}
