package sse

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vnmchuo/llm-proxy/internal/event"
)

// Framer serializes one event into a data frame payload.
type Framer interface {
	Frame(ev *event.Event) ([]byte, error)
}

// NewFramer returns the framer for a route output format.
func NewFramer(output, id, model string) (Framer, error) {
	switch output {
	case "event":
		return EventFramer{}, nil
	case "openai", "":
		return &OpenAIFramer{ID: id, Model: model, Created: time.Now().Unix()}, nil
	default:
		return nil, fmt.Errorf("unknown output format %q", output)
	}
}

// EventFramer emits the event itself.
type EventFramer struct{}

func (EventFramer) Frame(ev *event.Event) ([]byte, error) {
	return json.Marshal(ev)
}

// OpenAIFramer emits chat.completion.chunk objects so OpenAI clients can
// consume any backend.
type OpenAIFramer struct {
	ID      string
	Model   string
	Created int64
}

type chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []chunkChoice `json:"choices"`
}

type chunkChoice struct {
	Index        int                        `json:"index"`
	Delta        map[string]json.RawMessage `json:"delta"`
	FinishReason *string                    `json:"finish_reason"`
}

func (f *OpenAIFramer) Frame(ev *event.Event) ([]byte, error) {
	choice := chunkChoice{Delta: make(map[string]json.RawMessage, len(ev.Extra)+2)}
	for k, v := range ev.Extra {
		switch k {
		case "index":
			_ = json.Unmarshal(v, &choice.Index)
		case "finish_reason":
			var fr string
			if err := json.Unmarshal(v, &fr); err == nil {
				choice.FinishReason = &fr
			}
		default:
			choice.Delta[k] = v
		}
	}
	if ev.Role != "" {
		choice.Delta["role"], _ = json.Marshal(ev.Role)
	}
	if ev.Content != "" {
		choice.Delta["content"], _ = json.Marshal(ev.Content)
	}

	return json.Marshal(chunk{
		ID:      f.ID,
		Object:  "chat.completion.chunk",
		Created: f.Created,
		Model:   f.Model,
		Choices: []chunkChoice{choice},
	})
}
