package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vnmchuo/llm-proxy/config"
	"github.com/vnmchuo/llm-proxy/internal/event"
	"github.com/vnmchuo/llm-proxy/internal/proxyerr"
)

// Normalizer turns a raw request body of one wire shape into an
// event.Request. It checks structure only, never meaning.
type Normalizer interface {
	Normalize(body []byte) (*event.Request, error)
	Format() string
}

type Registry struct {
	normalizers map[string]Normalizer
}

func NewRegistry(normalizers ...Normalizer) *Registry {
	r := &Registry{normalizers: make(map[string]Normalizer)}
	for _, n := range normalizers {
		r.normalizers[n.Format()] = n
	}
	return r
}

// DefaultRegistry knows the openai and anthropic request shapes.
func DefaultRegistry() *Registry {
	return NewRegistry(OpenAI{}, Anthropic{})
}

func (r *Registry) Get(format string) (Normalizer, bool) {
	n, ok := r.normalizers[format]
	return n, ok
}

// ApplyRoute enforces the route's streaming flags. A streaming request on a
// route without streaming is downgraded; a buffered request on a
// streaming-only route is rejected.
func ApplyRoute(req *event.Request, route config.Route) error {
	req.Route = route.Name
	req.Backend = route.Backend
	req.Format = route.Format

	if req.Stream && !route.StreamingAllowed() {
		req.Stream = false
	}
	if !req.Stream && !route.NonStreamingAllowed() {
		return &proxyerr.Error{
			Kind:    proxyerr.KindValidation,
			Stage:   "route",
			Message: fmt.Sprintf("route %q only serves streaming requests", route.Name),
		}
	}
	return nil
}

// envelope holds the fields common to every supported shape.
type envelope struct {
	fields   map[string]json.RawMessage
	model    string
	stream   bool
	messages []json.RawMessage
}

var reserved = map[string]bool{
	"model":      true,
	"messages":   true,
	"stream":     true,
	"max_tokens": true,
}

func decodeEnvelope(body []byte) (*envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, proxyerr.Malformed("request body is not a JSON object: %v", err)
	}
	if fields == nil {
		return nil, proxyerr.Malformed("request body is not a JSON object")
	}

	env := &envelope{fields: fields}

	rawModel, ok := fields["model"]
	if !ok {
		return nil, proxyerr.Malformed("missing required field: model")
	}
	if err := json.Unmarshal(rawModel, &env.model); err != nil || env.model == "" {
		return nil, proxyerr.Malformed("model must be a non-empty string")
	}

	if rawStream, ok := fields["stream"]; ok && !isNull(rawStream) {
		if err := json.Unmarshal(rawStream, &env.stream); err != nil {
			return nil, proxyerr.Malformed("stream must be a boolean")
		}
	}

	rawMessages, ok := fields["messages"]
	if !ok {
		return nil, proxyerr.Malformed("missing required field: messages")
	}
	if err := json.Unmarshal(rawMessages, &env.messages); err != nil {
		return nil, proxyerr.Malformed("messages must be an array")
	}
	if len(env.messages) == 0 {
		return nil, proxyerr.Malformed("messages must not be empty")
	}

	return env, nil
}

func (env *envelope) maxTokens(keys ...string) (int, error) {
	for _, key := range keys {
		raw, ok := env.fields[key]
		if !ok || isNull(raw) {
			continue
		}
		var n int
		if err := json.Unmarshal(raw, &n); err != nil || n < 0 {
			return 0, proxyerr.Malformed("%s must be a non-negative integer", key)
		}
		return n, nil
	}
	return 0, nil
}

// params returns the top-level fields not consumed by the normalizer.
func (env *envelope) params(consumed ...string) map[string]json.RawMessage {
	skip := make(map[string]bool, len(consumed))
	for _, k := range consumed {
		skip[k] = true
	}
	var out map[string]json.RawMessage
	for k, v := range env.fields {
		if reserved[k] || skip[k] {
			continue
		}
		if out == nil {
			out = make(map[string]json.RawMessage)
		}
		out[k] = v
	}
	return out
}

// decodeMessage maps one message object to an event. String content becomes
// Content; any other non-null content is kept verbatim in Extra["content"].
func decodeMessage(i int, raw json.RawMessage) (*event.Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, proxyerr.Malformed("messages[%d] must be an object", i)
	}

	ev := &event.Event{}
	for k, v := range fields {
		switch k {
		case "role":
			var role string
			if err := json.Unmarshal(v, &role); err != nil {
				return nil, proxyerr.Malformed("messages[%d].role must be a string", i)
			}
			ev.Role = event.Role(role)
		case "content":
			if isNull(v) {
				continue
			}
			var s string
			if err := json.Unmarshal(v, &s); err == nil {
				ev.Content = s
				continue
			}
			setExtra(ev, "content", v)
		default:
			setExtra(ev, k, v)
		}
	}
	return ev, nil
}

func setExtra(ev *event.Event, key string, v json.RawMessage) {
	if ev.Extra == nil {
		ev.Extra = make(map[string]json.RawMessage)
	}
	ev.Extra[key] = v
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
