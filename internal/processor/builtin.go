package processor

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/vnmchuo/llm-proxy/internal/event"
	"github.com/vnmchuo/llm-proxy/internal/proxyerr"
	"github.com/vnmchuo/llm-proxy/pkg/ratelimit"
)

// MaxTokens rejects requests asking for more than Limit output tokens, or
// clamps them to Limit when Clamp is set.
type MaxTokens struct {
	name  string
	Limit int
	Clamp bool
}

func NewMaxTokens(name string, limit int, clamp bool) *MaxTokens {
	return &MaxTokens{name: name, Limit: limit, Clamp: clamp}
}

func (p *MaxTokens) Name() string { return p.name }

func (p *MaxTokens) Process(ctx context.Context, ev *event.Event, q *Queue) error {
	return nil
}

func (p *MaxTokens) ProcessRequest(ctx context.Context, req *event.Request) error {
	if req.MaxTokens <= p.Limit {
		return nil
	}
	if p.Clamp {
		req.MaxTokens = p.Limit
		return nil
	}
	return proxyerr.Validation("max_tokens %d exceeds limit %d", req.MaxTokens, p.Limit)
}

// SystemPrompt guarantees the stream starts with a system event carrying
// Prompt. When the first event is not a system event it is turned into one
// and a copy of the original is inserted right after it. This moves the
// original first event one position later.
type SystemPrompt struct {
	name    string
	Prompt  string
	Replace bool
}

func NewSystemPrompt(name, prompt string, replace bool) *SystemPrompt {
	return &SystemPrompt{name: name, Prompt: prompt, Replace: replace}
}

func (p *SystemPrompt) Name() string { return p.name }

func (p *SystemPrompt) Process(ctx context.Context, ev *event.Event, q *Queue) error {
	if q.Index != 0 {
		return nil
	}
	if ev.Role == event.RoleSystem {
		if p.Replace || ev.Content == "" {
			ev.Content = p.Prompt
		} else {
			ev.Content = p.Prompt + "\n\n" + ev.Content
		}
		return nil
	}

	original := ev.Clone()
	*ev = event.Event{Role: event.RoleSystem, Content: p.Prompt}
	q.Insert(original)
	return nil
}

// Affix adds a prefix or suffix to the content of matching events.
type Affix struct {
	name   string
	Text   string
	Suffix bool
	Role   event.Role // empty matches every role
}

func NewAffix(name, text string, suffix bool, role event.Role) *Affix {
	return &Affix{name: name, Text: text, Suffix: suffix, Role: role}
}

func (p *Affix) Name() string { return p.name }

func (p *Affix) Process(ctx context.Context, ev *event.Event, q *Queue) error {
	if ev.Content == "" || (p.Role != "" && ev.Role != p.Role) {
		return nil
	}
	if p.Suffix {
		ev.Content += p.Text
	} else {
		ev.Content = p.Text + ev.Content
	}
	return nil
}

// Redact replaces every match of Pattern in event content.
type Redact struct {
	name        string
	Pattern     *regexp.Regexp
	Replacement string
}

func NewRedact(name, pattern, replacement string) (*Redact, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid redact pattern %q: %w", pattern, err)
	}
	if replacement == "" {
		replacement = "[REDACTED]"
	}
	return &Redact{name: name, Pattern: re, Replacement: replacement}, nil
}

func (p *Redact) Name() string { return p.name }

func (p *Redact) Process(ctx context.Context, ev *event.Event, q *Queue) error {
	if ev.Content != "" {
		ev.Content = p.Pattern.ReplaceAllString(ev.Content, p.Replacement)
	}
	return nil
}

// DropRole removes events of one role.
type DropRole struct {
	name string
	Role event.Role
}

func NewDropRole(name string, role event.Role) *DropRole {
	return &DropRole{name: name, Role: role}
}

func (p *DropRole) Name() string { return p.name }

func (p *DropRole) Process(ctx context.Context, ev *event.Event, q *Queue) error {
	if ev.Role == p.Role {
		q.Drop()
	}
	return nil
}

// DropEmpty removes events with neither content nor extension data, such as
// role-only stream deltas.
type DropEmpty struct {
	name string
}

func NewDropEmpty(name string) *DropEmpty {
	return &DropEmpty{name: name}
}

func (p *DropEmpty) Name() string { return p.name }

func (p *DropEmpty) Process(ctx context.Context, ev *event.Event, q *Queue) error {
	if ev.Empty() {
		q.Drop()
	}
	return nil
}

// Log writes one structured line per event.
type Log struct {
	name  string
	level slog.Level
}

func NewLog(name string, level slog.Level) *Log {
	return &Log{name: name, level: level}
}

func (p *Log) Name() string { return p.name }

func (p *Log) Process(ctx context.Context, ev *event.Event, q *Queue) error {
	attrs := []any{
		"processor", p.name,
		"index", q.Index,
		"role", string(ev.Role),
		"content_len", len(ev.Content),
		"extra_keys", len(ev.Extra),
	}
	if q.Request != nil {
		attrs = append(attrs, "request_id", q.Request.ID, "route", q.Request.Route)
	}
	slog.Log(ctx, p.level, "pipeline event", attrs...)
	return nil
}

// RateLimit spends the request's token budget against the route's
// per-minute allowance before anything reaches a backend.
type RateLimit struct {
	name          string
	limiter       *ratelimit.Limiter
	DefaultTokens int
}

func NewRateLimit(name string, limiter *ratelimit.Limiter, defaultTokens int) *RateLimit {
	if defaultTokens <= 0 {
		defaultTokens = 1000
	}
	return &RateLimit{name: name, limiter: limiter, DefaultTokens: defaultTokens}
}

func (p *RateLimit) Name() string { return p.name }

func (p *RateLimit) Process(ctx context.Context, ev *event.Event, q *Queue) error {
	return nil
}

func (p *RateLimit) ProcessRequest(ctx context.Context, req *event.Request) error {
	tokens := req.MaxTokens
	if tokens <= 0 {
		tokens = p.DefaultTokens
	}

	allowed, err := p.limiter.Allow(ctx, req.Route, tokens)
	if err != nil {
		slog.Warn("rate limiter unavailable", "route", req.Route, "error", err)
		return &proxyerr.Error{Kind: proxyerr.KindRateLimited, Message: "rate limiter unavailable", Err: err}
	}
	if !allowed {
		return &proxyerr.Error{Kind: proxyerr.KindRateLimited, Message: "rate limit exceeded"}
	}
	return nil
}

func parseRole(s string) event.Role {
	return event.Role(strings.ToLower(strings.TrimSpace(s)))
}
