package proxy

import (
	"fmt"

	"github.com/vnmchuo/llm-proxy/config"
	"github.com/vnmchuo/llm-proxy/internal/provider"
	"github.com/vnmchuo/llm-proxy/internal/provider/claude"
	"github.com/vnmchuo/llm-proxy/internal/provider/gemini"
	"github.com/vnmchuo/llm-proxy/internal/provider/openai"
)

// NewBackend builds the client for one configured backend.
func NewBackend(cfg config.Backend) (provider.Backend, error) {
	opts := provider.Options{
		Name:      cfg.Name,
		BaseURL:   cfg.BaseURL,
		Client:    provider.NewHTTPClient(cfg.Timeout),
		Streaming: cfg.Streaming(),
	}

	switch cfg.Type {
	case "openai":
		return openai.New(opts), nil
	case "claude", "anthropic":
		return claude.New(opts), nil
	case "gemini":
		return gemini.New(opts), nil
	default:
		return nil, fmt.Errorf("backend %q: unknown type %q", cfg.Name, cfg.Type)
	}
}
