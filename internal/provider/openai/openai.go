package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/vnmchuo/llm-proxy/internal/credential"
	"github.com/vnmchuo/llm-proxy/internal/event"
	"github.com/vnmchuo/llm-proxy/internal/provider"
)

const defaultBaseURL = "https://api.openai.com/v1"

type OpenAIBackend struct {
	name      string
	baseURL   string
	client    *http.Client
	streaming bool
}

type openAIRequest struct {
	Model     string                       `json:"model"`
	Messages  []map[string]json.RawMessage `json:"messages"`
	MaxTokens int                          `json:"max_tokens,omitempty"`
	Stream    bool                         `json:"stream,omitempty"`
}

type openAIStreamChunk struct {
	Choices []openAIChoice `json:"choices"`
}

type openAIChoice struct {
	Index        int         `json:"index"`
	Delta        openAIDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type openAIDelta struct {
	Role      string          `json:"role"`
	Content   *string         `json:"content"`
	ToolCalls json.RawMessage `json:"tool_calls,omitempty"`
	Refusal   *string         `json:"refusal,omitempty"`
}

func New(opts provider.Options) *OpenAIBackend {
	b := &OpenAIBackend{
		name:      opts.Name,
		baseURL:   opts.BaseURL,
		client:    opts.Client,
		streaming: opts.Streaming,
	}
	if b.name == "" {
		b.name = "openai"
	}
	if b.baseURL == "" {
		b.baseURL = defaultBaseURL
	}
	if b.client == nil {
		b.client = http.DefaultClient
	}
	return b
}

func (b *OpenAIBackend) Name() string { return b.name }

func (b *OpenAIBackend) SupportsStreaming() bool { return b.streaming }

func (b *OpenAIBackend) Complete(ctx context.Context, req *event.Request, cred credential.Credential) ([]byte, error) {
	resp, err := b.do(ctx, req, cred, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (b *OpenAIBackend) Stream(ctx context.Context, req *event.Request, cred credential.Credential) (provider.ChunkReader, error) {
	resp, err := b.do(ctx, req, cred, true)
	if err != nil {
		return nil, err
	}
	return provider.NewSSEReader(resp.Body, func(_ string, data []byte) (bool, error) {
		return string(data) == "[DONE]", nil
	}, false), nil
}

func (b *OpenAIBackend) do(ctx context.Context, req *event.Request, cred credential.Credential, stream bool) (*http.Response, error) {
	body, err := provider.MergeParams(b.mapRequest(req, stream), req.Params)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/chat/completions", b.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", cred.Token))
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

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

func (b *OpenAIBackend) mapRequest(req *event.Request, stream bool) openAIRequest {
	messages := make([]map[string]json.RawMessage, len(req.Events))
	for i, ev := range req.Events {
		messages[i] = provider.MessageFields(ev)
	}

	return openAIRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
		Stream:    stream,
	}
}

// DecodeDelta yields one event per choice in a chat.completion.chunk.
func (b *OpenAIBackend) DecodeDelta(chunk []byte) ([]*event.Event, error) {
	var c openAIStreamChunk
	if err := json.Unmarshal(chunk, &c); err != nil {
		return nil, fmt.Errorf("openai: invalid stream chunk: %w", err)
	}

	events := make([]*event.Event, 0, len(c.Choices))
	for _, choice := range c.Choices {
		ev := &event.Event{Role: event.Role(choice.Delta.Role)}
		if choice.Delta.Content != nil {
			ev.Content = *choice.Delta.Content
		}
		if len(choice.Delta.ToolCalls) > 0 {
			ev.SetExtra("tool_calls", choice.Delta.ToolCalls)
		}
		if choice.Delta.Refusal != nil {
			ev.SetExtra("refusal", *choice.Delta.Refusal)
		}
		if choice.FinishReason != nil {
			ev.SetExtra("finish_reason", *choice.FinishReason)
		}
		if choice.Index != 0 {
			ev.SetExtra("index", choice.Index)
		}
		events = append(events, ev)
	}
	return events, nil
}
