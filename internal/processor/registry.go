package processor

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/vnmchuo/llm-proxy/config"
	"github.com/vnmchuo/llm-proxy/pkg/ratelimit"
)

// Deps carries shared resources some processor types need.
type Deps struct {
	Redis      *redis.Client
	DefaultTPM int64
	// Limiter is used by rate_limit processors without their own budget.
	Limiter *ratelimit.Limiter
}

type Factory func(cfg config.Processor, deps Deps) (Processor, error)

type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in processor types.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("max_tokens", newMaxTokens)
	r.Register("system_prompt", newSystemPrompt)
	r.Register("prefix", newAffix(false))
	r.Register("suffix", newAffix(true))
	r.Register("redact", newRedact)
	r.Register("drop_role", newDropRole)
	r.Register("drop_empty", func(cfg config.Processor, _ Deps) (Processor, error) {
		return NewDropEmpty(cfg.Name), nil
	})
	r.Register("log", newLog)
	r.Register("rate_limit", newRateLimit)
	return r
}

func (r *Registry) Register(typ string, f Factory) {
	r.factories[typ] = f
}

func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Build instantiates every configured processor, keyed by name.
func (r *Registry) Build(cfgs []config.Processor, deps Deps) (map[string]Processor, error) {
	built := make(map[string]Processor, len(cfgs))
	for _, cfg := range cfgs {
		f, ok := r.factories[cfg.Type]
		if !ok {
			return nil, fmt.Errorf("processor %q: unknown type %q", cfg.Name, cfg.Type)
		}
		p, err := f(cfg, deps)
		if err != nil {
			return nil, fmt.Errorf("processor %q: %w", cfg.Name, err)
		}
		built[cfg.Name] = p
	}
	return built, nil
}

// ChainOf assembles a chain from processor names in order.
func ChainOf(names []string, built map[string]Processor) (*Chain, error) {
	ps := make([]Processor, 0, len(names))
	for _, name := range names {
		p, ok := built[name]
		if !ok {
			return nil, fmt.Errorf("unknown processor %q", name)
		}
		ps = append(ps, p)
	}
	return NewChain(ps...), nil
}

func newMaxTokens(cfg config.Processor, _ Deps) (Processor, error) {
	limit, err := strconv.Atoi(cfg.Value)
	if err != nil || limit <= 0 {
		return nil, fmt.Errorf("max_tokens value must be a positive integer, got %q", cfg.Value)
	}
	return NewMaxTokens(cfg.Name, limit, cfg.Options["mode"] == "clamp"), nil
}

func newSystemPrompt(cfg config.Processor, _ Deps) (Processor, error) {
	if cfg.Value == "" {
		return nil, fmt.Errorf("system_prompt value is required")
	}
	return NewSystemPrompt(cfg.Name, cfg.Value, cfg.Options["mode"] == "replace"), nil
}

func newAffix(suffix bool) Factory {
	return func(cfg config.Processor, _ Deps) (Processor, error) {
		if cfg.Value == "" {
			return nil, fmt.Errorf("%s value is required", cfg.Type)
		}
		return NewAffix(cfg.Name, cfg.Value, suffix, parseRole(cfg.Options["role"])), nil
	}
}

func newRedact(cfg config.Processor, _ Deps) (Processor, error) {
	if cfg.Value == "" {
		return nil, fmt.Errorf("redact value must be a pattern")
	}
	return NewRedact(cfg.Name, cfg.Value, cfg.Options["replacement"])
}

func newDropRole(cfg config.Processor, _ Deps) (Processor, error) {
	if cfg.Value == "" {
		return nil, fmt.Errorf("drop_role value is required")
	}
	return NewDropRole(cfg.Name, parseRole(cfg.Value)), nil
}

func newLog(cfg config.Processor, _ Deps) (Processor, error) {
	level := slog.LevelInfo
	if lv, ok := cfg.Options["level"]; ok {
		if err := level.UnmarshalText([]byte(lv)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", lv, err)
		}
	}
	return NewLog(cfg.Name, level), nil
}

func newRateLimit(cfg config.Processor, deps Deps) (Processor, error) {
	defaultTokens := 0
	if v, ok := cfg.Options["default_tokens"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid default_tokens %q: %w", v, err)
		}
		defaultTokens = n
	}

	limiter := deps.Limiter
	if cfg.Value != "" || limiter == nil {
		if deps.Redis == nil {
			return nil, fmt.Errorf("rate_limit requires REDIS_ADDR")
		}
		tpm := deps.DefaultTPM
		if cfg.Value != "" {
			n, err := strconv.ParseInt(cfg.Value, 10, 64)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("rate_limit value must be a positive tokens-per-minute integer, got %q", cfg.Value)
			}
			tpm = n
		}
		limiter = ratelimit.NewLimiter(deps.Redis, tpm)
	}
	return NewRateLimit(cfg.Name, limiter, defaultTokens), nil
}
