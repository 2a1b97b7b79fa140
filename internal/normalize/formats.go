package normalize

import (
	"encoding/json"

	"github.com/vnmchuo/llm-proxy/internal/event"
	"github.com/vnmchuo/llm-proxy/internal/proxyerr"
)

// OpenAI accepts the chat/completions request shape.
type OpenAI struct{}

func (OpenAI) Format() string { return "openai" }

func (OpenAI) Normalize(body []byte) (*event.Request, error) {
	env, err := decodeEnvelope(body)
	if err != nil {
		return nil, err
	}

	maxTokens, err := env.maxTokens("max_tokens", "max_completion_tokens")
	if err != nil {
		return nil, err
	}

	events := make([]*event.Event, 0, len(env.messages))
	for i, raw := range env.messages {
		ev, err := decodeMessage(i, raw)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	return &event.Request{
		Format:    "openai",
		Model:     env.model,
		Stream:    env.stream,
		MaxTokens: maxTokens,
		Events:    events,
		Params:    env.params("max_completion_tokens"),
	}, nil
}

// Anthropic accepts the messages request shape. A top-level system prompt
// becomes a leading system event.
type Anthropic struct{}

func (Anthropic) Format() string { return "anthropic" }

func (Anthropic) Normalize(body []byte) (*event.Request, error) {
	env, err := decodeEnvelope(body)
	if err != nil {
		return nil, err
	}

	maxTokens, err := env.maxTokens("max_tokens")
	if err != nil {
		return nil, err
	}

	events := make([]*event.Event, 0, len(env.messages)+1)
	if raw, ok := env.fields["system"]; ok && !isNull(raw) {
		sys := &event.Event{Role: event.RoleSystem}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			sys.Content = s
		} else {
			var blocks []json.RawMessage
			if err := json.Unmarshal(raw, &blocks); err != nil {
				return nil, proxyerr.Malformed("system must be a string or an array of content blocks")
			}
			setExtra(sys, "content", raw)
		}
		events = append(events, sys)
	}

	for i, raw := range env.messages {
		ev, err := decodeMessage(i, raw)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}

	return &event.Request{
		Format:    "anthropic",
		Model:     env.model,
		Stream:    env.stream,
		MaxTokens: maxTokens,
		Events:    events,
		Params:    env.params("system"),
	}, nil
}
