package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/vnmchuo/llm-proxy/internal/credential"
	"github.com/vnmchuo/llm-proxy/internal/event"
)

// Backend is a client for one upstream model API. Payloads are opaque to the
// pipeline; only DecodeDelta looks inside a streamed chunk.
type Backend interface {
	Name() string
	SupportsStreaming() bool
	// Complete performs a buffered call and returns the response body.
	Complete(ctx context.Context, req *event.Request, cred credential.Credential) ([]byte, error)
	// Stream starts a streamed call. The caller must Close the reader.
	Stream(ctx context.Context, req *event.Request, cred credential.Credential) (ChunkReader, error)
	// DecodeDelta turns one streamed chunk into zero or more events.
	DecodeDelta(chunk []byte) ([]*event.Event, error)
}

// ChunkReader yields streamed payload chunks in arrival order. Next returns
// io.EOF once the backend signals completion; any other error means the
// stream ended early.
type ChunkReader interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

type Options struct {
	Name      string
	BaseURL   string
	Client    *http.Client
	Streaming bool
}

// NewHTTPClient returns a client that bounds the wait for response headers
// without cutting off long streamed bodies.
func NewHTTPClient(headerTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = headerTimeout
	return &http.Client{Transport: transport}
}

// MessageFields renders an event as a chat message object: role, content and
// every extension field.
func MessageFields(ev *event.Event) map[string]json.RawMessage {
	fields := make(map[string]json.RawMessage, len(ev.Extra)+2)
	for k, v := range ev.Extra {
		fields[k] = v
	}
	if ev.Role != "" {
		fields["role"], _ = json.Marshal(ev.Role)
	}
	if ev.Content != "" {
		fields["content"], _ = json.Marshal(ev.Content)
	}
	return fields
}

// MergeParams marshals body and adds every param body does not already set.
func MergeParams(body any, params map[string]json.RawMessage) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	if len(params) == 0 {
		return raw, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	for k, v := range params {
		if _, ok := fields[k]; !ok {
			fields[k] = v
		}
	}
	return json.Marshal(fields)
}
