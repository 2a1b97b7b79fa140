package gemini

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

const defaultBaseURL = "https://generativelanguage.googleapis.com"

type GeminiBackend struct {
	name      string
	baseURL   string
	client    *http.Client
	streaming bool
}

type geminiRequest struct {
	Contents          []geminiContent  `json:"contents"`
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type generationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
}

type geminiResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

func New(opts provider.Options) *GeminiBackend {
	b := &GeminiBackend{
		name:      opts.Name,
		baseURL:   opts.BaseURL,
		client:    opts.Client,
		streaming: opts.Streaming,
	}
	if b.name == "" {
		b.name = "gemini"
	}
	if b.baseURL == "" {
		b.baseURL = defaultBaseURL
	}
	if b.client == nil {
		b.client = http.DefaultClient
	}
	return b
}

func (b *GeminiBackend) Name() string { return b.name }

func (b *GeminiBackend) SupportsStreaming() bool { return b.streaming }

func (b *GeminiBackend) Complete(ctx context.Context, req *event.Request, cred credential.Credential) ([]byte, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", b.baseURL, req.Model)
	resp, err := b.do(ctx, url, req, cred)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

// Stream uses alt=sse. Gemini has no completion marker; the body ending
// cleanly is the end of the stream.
func (b *GeminiBackend) Stream(ctx context.Context, req *event.Request, cred credential.Credential) (provider.ChunkReader, error) {
	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", b.baseURL, req.Model)
	resp, err := b.do(ctx, url, req, cred)
	if err != nil {
		return nil, err
	}
	return provider.NewSSEReader(resp.Body, nil, true), nil
}

func (b *GeminiBackend) do(ctx context.Context, url string, req *event.Request, cred credential.Credential) (*http.Response, error) {
	body, err := json.Marshal(b.mapRequest(req))
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", cred.Token)

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

// mapRequest sends system events as systemInstruction and maps assistant to
// model. Only temperature and top_p survive from the pass-through params;
// Gemini rejects unknown top-level fields.
func (b *GeminiBackend) mapRequest(req *event.Request) geminiRequest {
	var system []geminiPart
	contents := make([]geminiContent, 0, len(req.Events))
	for _, ev := range req.Events {
		if ev.Role == event.RoleSystem {
			system = append(system, geminiPart{Text: ev.Content})
			continue
		}
		role := "user"
		if ev.Role == event.RoleAssistant {
			role = "model"
		}
		contents = append(contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: ev.Content}},
		})
	}

	gr := geminiRequest{
		Contents: contents,
		GenerationConfig: generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     floatParam(req.Params, "temperature"),
			TopP:            floatParam(req.Params, "top_p"),
		},
	}
	if len(system) > 0 {
		gr.SystemInstruction = &geminiContent{Parts: system}
	}
	return gr
}

func floatParam(params map[string]json.RawMessage, key string) *float64 {
	raw, ok := params[key]
	if !ok {
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil
	}
	return &f
}

func (b *GeminiBackend) DecodeDelta(chunk []byte) ([]*event.Event, error) {
	var gr geminiResponse
	if err := json.Unmarshal(chunk, &gr); err != nil {
		return nil, fmt.Errorf("gemini: invalid stream chunk: %w", err)
	}
	if len(gr.Candidates) == 0 {
		return nil, nil
	}

	cand := gr.Candidates[0]
	var sb strings.Builder
	for _, part := range cand.Content.Parts {
		sb.WriteString(part.Text)
	}

	ev := &event.Event{Role: event.RoleAssistant, Content: sb.String()}
	if cand.FinishReason != "" {
		ev.SetExtra("finish_reason", strings.ToLower(cand.FinishReason))
	}
	return []*event.Event{ev}, nil
}
