package processor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/vnmchuo/llm-proxy/internal/event"
	"github.com/vnmchuo/llm-proxy/internal/proxyerr"
)

// recorder records every event content it sees and optionally applies fn.
type recorder struct {
	name string
	seen []string
	fn   func(ev *event.Event, q *Queue) error
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) Process(ctx context.Context, ev *event.Event, q *Queue) error {
	r.seen = append(r.seen, ev.Content)
	if r.fn != nil {
		return r.fn(ev, q)
	}
	return nil
}

func contents(evs []*event.Event) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Content
	}
	return out
}

func equal(a, b []string) bool {
	return strings.Join(a, "|") == strings.Join(b, "|")
}

func TestChain_EmptyIsIdentity(t *testing.T) {
	evs := []*event.Event{event.New(event.RoleUser, "a"), event.New(event.RoleAssistant, "b")}

	out, err := NewChain().Run(context.Background(), &event.Request{}, evs)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(out) != 2 || out[0] != evs[0] || out[1] != evs[1] {
		t.Errorf("Expected identical events back, got %v", contents(out))
	}

	var nilChain *Chain
	out, err = nilChain.Run(context.Background(), &event.Request{}, evs)
	if err != nil || len(out) != 2 {
		t.Errorf("Expected nil chain to be identity, got %v %v", contents(out), err)
	}
}

func TestChain_InsertedEventsSkipEarlierStages(t *testing.T) {
	p1 := &recorder{name: "p1"}
	p2 := &recorder{name: "p2", fn: func(ev *event.Event, q *Queue) error {
		if ev.Content == "a" {
			q.Insert(event.New(event.RoleAssistant, "a'"))
		}
		return nil
	}}
	p3 := &recorder{name: "p3"}

	evs := []*event.Event{event.New(event.RoleUser, "a"), event.New(event.RoleUser, "b")}
	out, err := NewChain(p1, p2, p3).Run(context.Background(), &event.Request{}, evs)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !equal(contents(out), []string{"a", "a'", "b"}) {
		t.Errorf("Expected inserted event right after its source, got %v", contents(out))
	}
	if !equal(p1.seen, []string{"a", "b"}) {
		t.Errorf("p1 should never see inserted events, saw %v", p1.seen)
	}
	if !equal(p2.seen, []string{"a", "b"}) {
		t.Errorf("p2 should not revisit its own insertion, saw %v", p2.seen)
	}
	if !equal(p3.seen, []string{"a", "a'", "b"}) {
		t.Errorf("p3 should see the insertion, saw %v", p3.seen)
	}
}

func TestChain_DropAndMutate(t *testing.T) {
	upper := &recorder{name: "upper", fn: func(ev *event.Event, q *Queue) error {
		ev.Content = strings.ToUpper(ev.Content)
		return nil
	}}
	dropB := &recorder{name: "drop-b", fn: func(ev *event.Event, q *Queue) error {
		if ev.Content == "B" {
			q.Drop()
			q.Insert(event.New(event.RoleUser, "replacement"))
		}
		return nil
	}}
	after := &recorder{name: "after"}

	evs := []*event.Event{event.New(event.RoleUser, "a"), event.New(event.RoleUser, "b"), event.New(event.RoleUser, "c")}
	out, err := NewChain(upper, dropB, after).Run(context.Background(), &event.Request{}, evs)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !equal(contents(out), []string{"A", "replacement", "C"}) {
		t.Errorf("Unexpected output: %v", contents(out))
	}
	if !equal(after.seen, []string{"A", "replacement", "C"}) {
		t.Errorf("Dropped event should not reach later stages, saw %v", after.seen)
	}
}

func TestChain_ErrorAbortsWithStage(t *testing.T) {
	failing := &recorder{name: "guard", fn: func(ev *event.Event, q *Queue) error {
		return errors.New("forbidden content")
	}}
	never := &recorder{name: "never"}

	_, err := NewChain(failing, never).Run(context.Background(), &event.Request{}, []*event.Event{event.New(event.RoleUser, "x")})
	e, ok := proxyerr.As(err)
	if !ok {
		t.Fatalf("Expected *proxyerr.Error, got %v", err)
	}
	if e.Kind != proxyerr.KindValidation || e.Stage != "guard" {
		t.Errorf("Expected validation_error at stage guard, got %s at %s", e.Kind, e.Stage)
	}
	if len(never.seen) != 0 {
		t.Error("Expected later stages not to run")
	}
}

func TestChain_KeepsProcessorKind(t *testing.T) {
	limited := &recorder{name: "limit", fn: func(ev *event.Event, q *Queue) error {
		return &proxyerr.Error{Kind: proxyerr.KindRateLimited, Message: "slow down"}
	}}
	_, err := NewChain(limited).Run(context.Background(), &event.Request{}, []*event.Event{event.New(event.RoleUser, "x")})
	e, _ := proxyerr.As(err)
	if e == nil || e.Kind != proxyerr.KindRateLimited || e.Stage != "limit" {
		t.Errorf("Expected rate_limited at stage limit, got %v", err)
	}
}

func TestChain_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewChain(&recorder{name: "p"}).Run(ctx, &event.Request{}, []*event.Event{event.New(event.RoleUser, "x")})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestChain_MaxTokensRejectsBeforeAnythingElse(t *testing.T) {
	downstream := &recorder{name: "downstream"}
	chain := NewChain(NewMaxTokens("max_tokens", 4096, false), downstream)

	req := &event.Request{MaxTokens: 8000}
	_, err := chain.Run(context.Background(), req, []*event.Event{event.New(event.RoleUser, "hi")})
	e, ok := proxyerr.As(err)
	if !ok || e.Kind != proxyerr.KindValidation || e.Stage != "max_tokens" {
		t.Fatalf("Expected validation_error from max_tokens, got %v", err)
	}
	if !strings.Contains(e.Error(), "8000") || !strings.Contains(e.Error(), "4096") {
		t.Errorf("Expected both values in message, got %s", e.Error())
	}
	if len(downstream.seen) != 0 {
		t.Error("Expected no downstream processing after rejection")
	}
}

func TestChain_RequestCheckRunsWhenEveryEventDropped(t *testing.T) {
	chain := NewChain(NewDropRole("strip-user", event.RoleUser), NewMaxTokens("limit", 4096, false))

	req := &event.Request{MaxTokens: 8000}
	out, err := chain.Run(context.Background(), req, []*event.Event{event.New(event.RoleUser, "hi")})
	e, ok := proxyerr.As(err)
	if !ok || e.Kind != proxyerr.KindValidation || e.Stage != "limit" {
		t.Fatalf("Expected validation_error from limit, got events=%d err=%v", len(out), err)
	}

	req = &event.Request{MaxTokens: 8000}
	clamp := NewChain(NewDropRole("strip-user", event.RoleUser), NewMaxTokens("limit", 4096, true))
	if _, err := clamp.Run(context.Background(), req, []*event.Event{event.New(event.RoleUser, "hi")}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if req.MaxTokens != 4096 {
		t.Errorf("Expected clamp to 4096 with no events left, got %d", req.MaxTokens)
	}
}
