package event

import (
	"encoding/json"
	"maps"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Event is one unit of conversation content flowing through the pipeline,
// either an inbound message or an outbound delta. Empty Role or Content
// means the field is absent.
type Event struct {
	Role    Role                       `json:"role,omitempty"`
	Content string                     `json:"content,omitempty"`
	Extra   map[string]json.RawMessage `json:"extra,omitempty"`
}

func New(role Role, content string) *Event {
	return &Event{Role: role, Content: content}
}

// Empty reports whether the event carries nothing worth forwarding.
func (e *Event) Empty() bool {
	return e.Content == "" && len(e.Extra) == 0
}

func (e *Event) Clone() *Event {
	c := *e
	if e.Extra != nil {
		c.Extra = make(map[string]json.RawMessage, len(e.Extra))
		for k, v := range e.Extra {
			c.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &c
}

// SetExtra stores v as JSON under key. Values that fail to marshal are ignored.
func (e *Event) SetExtra(key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if e.Extra == nil {
		e.Extra = make(map[string]json.RawMessage)
	}
	e.Extra[key] = raw
}

func (e *Event) ExtraString(key string) string {
	raw, ok := e.Extra[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// Request is the provider-agnostic form of one inbound call.
type Request struct {
	ID        string
	Route     string
	Backend   string
	Format    string
	Model     string
	Stream    bool
	MaxTokens int
	Events    []*Event
	// Params holds top-level request fields the pipeline does not interpret
	// (temperature, tools, ...). They are forwarded to the backend as-is.
	Params map[string]json.RawMessage
}

func (r *Request) Clone() *Request {
	c := *r
	c.Events = CloneAll(r.Events)
	c.Params = maps.Clone(r.Params)
	return &c
}

func CloneAll(evs []*Event) []*Event {
	if evs == nil {
		return nil
	}
	out := make([]*Event, len(evs))
	for i, ev := range evs {
		out[i] = ev.Clone()
	}
	return out
}
