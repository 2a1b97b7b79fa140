package credential

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/vnmchuo/llm-proxy/config"
)

// Deps carries the shared clients some credential sources need.
// Nil members disable the sources that depend on them.
type Deps struct {
	Redis      RedisClient
	DB         DB
	HTTPClient *http.Client
}

// Build constructs the provider tree described by cfg.
func Build(cfg config.Credential, deps Deps) (Provider, error) {
	switch cfg.Type {
	case "static":
		return NewStatic(cfg.Value), nil
	case "env":
		if cfg.Env == "" {
			return nil, errors.New("env credential requires env")
		}
		return NewEnv(cfg.Env), nil
	case "file":
		if cfg.Path == "" {
			return nil, errors.New("file credential requires path")
		}
		f, err := NewFile(cfg.Path, cfg.Watch)
		if err != nil {
			return nil, err
		}
		return f, nil
	case "redis":
		if deps.Redis == nil {
			return nil, errors.New("redis credential requires REDIS_ADDR")
		}
		if cfg.Key == "" {
			return nil, errors.New("redis credential requires key")
		}
		return NewRedis(deps.Redis, cfg.Key), nil
	case "postgres":
		if deps.DB == nil {
			return nil, errors.New("postgres credential requires POSTGRES_DSN")
		}
		if cfg.Key == "" {
			return nil, errors.New("postgres credential requires key")
		}
		return NewPostgres(deps.DB, cfg.Key), nil
	case "oauth":
		if cfg.TokenURL == "" || cfg.ClientID == "" || cfg.ClientSecretEnv == "" {
			return nil, errors.New("oauth credential requires token_url, client_id and client_secret_env")
		}
		return NewOAuth(cfg.TokenURL, cfg.ClientID, NewEnv(cfg.ClientSecretEnv), cfg.Scope, deps.HTTPClient), nil
	case "cached":
		if cfg.Source == nil {
			return nil, errors.New("cached credential requires a source")
		}
		source, err := Build(*cfg.Source, deps)
		if err != nil {
			return nil, err
		}
		return NewCached(source, cfg.TTL), nil
	case "chain":
		providers := make([]Provider, 0, len(cfg.Providers))
		for i, sub := range cfg.Providers {
			p, err := Build(sub, deps)
			if err != nil {
				_ = NewChain(providers...).Close()
				return nil, fmt.Errorf("chain member %d: %w", i, err)
			}
			providers = append(providers, p)
		}
		if len(providers) == 0 {
			return nil, errors.New("chain credential requires providers")
		}
		return NewChain(providers...), nil
	default:
		return nil, fmt.Errorf("unknown credential type %q", cfg.Type)
	}
}
