package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Routes is the declarative pipeline layout read from the routes file.
type Routes struct {
	Backends   []Backend   `yaml:"backends"`
	Processors []Processor `yaml:"processors"`
	Routes     []Route     `yaml:"routes"`
}

type Backend struct {
	Name              string        `yaml:"name"`
	Type              string        `yaml:"type"` // openai, claude, gemini
	BaseURL           string        `yaml:"base_url"`
	SupportsStreaming *bool         `yaml:"supports_streaming"`
	TokenEnv          string        `yaml:"token_env"`
	Credential        *Credential   `yaml:"credential"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
}

func (b Backend) Streaming() bool {
	return b.SupportsStreaming == nil || *b.SupportsStreaming
}

// Credential describes a credential provider tree. Cached wraps Source,
// chain tries Providers in order.
type Credential struct {
	Type string `yaml:"type"` // static, env, oauth, file, redis, postgres, cached, chain

	Value string `yaml:"value"` // static
	Env   string `yaml:"env"`   // env
	Path  string `yaml:"path"`  // file
	Watch bool   `yaml:"watch"` // file
	Key   string `yaml:"key"`   // redis key, postgres credential name

	TokenURL        string `yaml:"token_url"` // oauth
	ClientID        string `yaml:"client_id"`
	ClientSecretEnv string `yaml:"client_secret_env"`
	Scope           string `yaml:"scope"`

	TTL       time.Duration `yaml:"ttl"` // cached
	Source    *Credential   `yaml:"source"`
	Providers []Credential  `yaml:"providers"` // chain
}

type Processor struct {
	Name    string            `yaml:"name"`
	Type    string            `yaml:"type"`
	Value   string            `yaml:"value"`
	Options map[string]string `yaml:"options"`
}

type Route struct {
	Name               string   `yaml:"name"`
	PathPrefix         string   `yaml:"path_prefix"`
	Backend            string   `yaml:"backend"`
	Fallbacks          []string `yaml:"fallbacks"`
	Format             string   `yaml:"format"` // inbound request shape: openai, anthropic
	Output             string   `yaml:"output"` // outbound frame shape: event, openai
	Processors         []string `yaml:"processors"`
	ResponseProcessors []string `yaml:"response_processors"`
	AllowStreaming     *bool    `yaml:"allow_streaming"`
	AllowNonStreaming  *bool    `yaml:"allow_non_streaming"`
}

func (r Route) StreamingAllowed() bool {
	return r.AllowStreaming == nil || *r.AllowStreaming
}

func (r Route) NonStreamingAllowed() bool {
	return r.AllowNonStreaming == nil || *r.AllowNonStreaming
}

// Targets returns the primary backend followed by the fallbacks.
func (r Route) Targets() []string {
	return append([]string{r.Backend}, r.Fallbacks...)
}

// LoadRoutes reads, defaults and validates the routes file at path.
func LoadRoutes(path string) (*Routes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routes file %q: %w", path, err)
	}
	return ParseRoutes(data)
}

func ParseRoutes(data []byte) (*Routes, error) {
	var rc Routes
	if err := yaml.Unmarshal(data, &rc); err != nil {
		return nil, fmt.Errorf("failed to parse routes: %w", err)
	}

	ApplyDefaults(&rc)

	if err := Validate(&rc); err != nil {
		return nil, fmt.Errorf("routes validation failed: %w", err)
	}
	return &rc, nil
}

func ApplyDefaults(rc *Routes) {
	for i := range rc.Backends {
		b := &rc.Backends[i]
		if b.Type == "" {
			b.Type = b.Name
		}
		if b.Timeout == 0 {
			b.Timeout = 30 * time.Second
		}
		if b.MaxRetries == 0 {
			b.MaxRetries = 3
		}
		if b.RetryInterval == 0 {
			b.RetryInterval = 200 * time.Millisecond
		}
		// token_env is shorthand for an env credential
		if b.Credential == nil && b.TokenEnv != "" {
			b.Credential = &Credential{Type: "env", Env: b.TokenEnv}
		}
	}
	for i := range rc.Processors {
		if rc.Processors[i].Type == "" {
			rc.Processors[i].Type = rc.Processors[i].Name
		}
	}
	for i := range rc.Routes {
		r := &rc.Routes[i]
		if r.Format == "" {
			r.Format = "openai"
		}
		if r.Output == "" {
			r.Output = "openai"
		}
		if r.PathPrefix == "" {
			r.PathPrefix = "/" + r.Name
		}
	}
}

func Validate(rc *Routes) error {
	var errs []error

	backends := make(map[string]bool, len(rc.Backends))
	for _, b := range rc.Backends {
		if b.Name == "" {
			errs = append(errs, errors.New("backend name is required"))
			continue
		}
		if backends[b.Name] {
			errs = append(errs, fmt.Errorf("duplicate backend %q", b.Name))
		}
		backends[b.Name] = true
		if b.Credential != nil {
			if err := validateCredential(*b.Credential); err != nil {
				errs = append(errs, fmt.Errorf("backend %q: %w", b.Name, err))
			}
		}
	}

	processors := make(map[string]bool, len(rc.Processors))
	for _, p := range rc.Processors {
		if p.Name == "" {
			errs = append(errs, errors.New("processor name is required"))
			continue
		}
		if processors[p.Name] {
			errs = append(errs, fmt.Errorf("duplicate processor %q", p.Name))
		}
		processors[p.Name] = true
	}

	if len(rc.Routes) == 0 {
		errs = append(errs, errors.New("at least one route is required"))
	}
	routes := make(map[string]bool, len(rc.Routes))
	for _, r := range rc.Routes {
		if r.Name == "" {
			errs = append(errs, errors.New("route name is required"))
			continue
		}
		if routes[r.Name] {
			errs = append(errs, fmt.Errorf("duplicate route %q", r.Name))
		}
		routes[r.Name] = true

		if !r.StreamingAllowed() && !r.NonStreamingAllowed() {
			errs = append(errs, fmt.Errorf("route %q allows neither streaming nor non-streaming", r.Name))
		}
		for _, target := range r.Targets() {
			if !backends[target] {
				errs = append(errs, fmt.Errorf("route %q: unknown backend %q", r.Name, target))
			}
		}
		for _, name := range append(append([]string{}, r.Processors...), r.ResponseProcessors...) {
			if !processors[name] {
				errs = append(errs, fmt.Errorf("route %q: unknown processor %q", r.Name, name))
			}
		}
	}

	return errors.Join(errs...)
}

func validateCredential(c Credential) error {
	switch c.Type {
	case "static", "env", "oauth", "file", "redis", "postgres":
		return nil
	case "cached":
		if c.Source == nil {
			return errors.New("cached credential requires a source")
		}
		return validateCredential(*c.Source)
	case "chain":
		if len(c.Providers) == 0 {
			return errors.New("chain credential requires providers")
		}
		for _, p := range c.Providers {
			if err := validateCredential(p); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown credential type %q", c.Type)
	}
}

// FindRoute returns the route with the longest path prefix matching path.
func (rc *Routes) FindRoute(path string) (Route, bool) {
	var best Route
	found := false
	for _, r := range rc.Routes {
		if strings.HasPrefix(path, r.PathPrefix) && (!found || len(r.PathPrefix) > len(best.PathPrefix)) {
			best = r
			found = true
		}
	}
	return best, found
}

func (rc *Routes) Route(name string) (Route, bool) {
	for _, r := range rc.Routes {
		if r.Name == name {
			return r, true
		}
	}
	return Route{}, false
}
