package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Credential is a bearer token used for one outbound backend call.
// A zero ExpiresAt means the source gave no expiry hint.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Provider yields credentials. Implementations must be safe for concurrent use.
type Provider interface {
	Acquire(ctx context.Context) (Credential, error)
	Name() string
}

var ErrNoCredential = errors.New("no credential available")

// Static always returns the same token.
type Static struct {
	token string
}

func NewStatic(token string) *Static {
	return &Static{token: token}
}

func (s *Static) Acquire(ctx context.Context) (Credential, error) {
	if s.token == "" {
		return Credential{}, fmt.Errorf("static: %w", ErrNoCredential)
	}
	return Credential{Token: s.token}, nil
}

func (s *Static) Name() string { return "static" }

// Env reads the token from an environment variable on every call.
type Env struct {
	key string
}

func NewEnv(key string) *Env {
	return &Env{key: key}
}

func (e *Env) Acquire(ctx context.Context) (Credential, error) {
	value, ok := os.LookupEnv(e.key)
	value = strings.TrimSpace(value)
	if !ok || value == "" {
		return Credential{}, fmt.Errorf("environment variable %s not set: %w", e.key, ErrNoCredential)
	}
	return Credential{Token: value}, nil
}

func (e *Env) Name() string { return "env:" + e.key }

// Func adapts an arbitrary fetch function into a Provider.
type Func struct {
	name string
	fn   func(ctx context.Context) (Credential, error)
}

func NewFunc(name string, fn func(ctx context.Context) (Credential, error)) *Func {
	return &Func{name: name, fn: fn}
}

func (f *Func) Acquire(ctx context.Context) (Credential, error) {
	return f.fn(ctx)
}

func (f *Func) Name() string { return f.name }
