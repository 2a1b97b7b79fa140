package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"github.com/vnmchuo/llm-proxy/internal/credential"
	"github.com/vnmchuo/llm-proxy/internal/event"
	"github.com/vnmchuo/llm-proxy/internal/provider"
	"github.com/vnmchuo/llm-proxy/internal/proxyerr"
	"github.com/vnmchuo/llm-proxy/internal/telemetry"
)

// Target is one dispatchable backend with its credential source and retry
// budget.
type Target struct {
	Backend       provider.Backend
	Credential    credential.Provider
	MaxRetries    int
	RetryInterval time.Duration
}

// Chunk is one element of a relayed stream. A chunk with Err set is the last
// one sent.
type Chunk struct {
	Data []byte
	Err  error
}

// Upstream is an open streamed call. Chunks is closed when the backend
// completes, fails or the dispatch context ends.
type Upstream struct {
	Backend provider.Backend
	Chunks  <-chan Chunk
}

type target struct {
	Target
	breaker *gobreaker.CircuitBreaker
}

type Dispatcher struct {
	targets map[string]*target
	buffer  int
	metrics *telemetry.Metrics
}

// NewDispatcher registers targets under their backend names. buffer bounds
// how many chunks a stream may hold ahead of its consumer.
func NewDispatcher(targets []Target, buffer int, metrics *telemetry.Metrics) *Dispatcher {
	if buffer < 1 {
		buffer = 1
	}
	d := &Dispatcher{
		targets: make(map[string]*target, len(targets)),
		buffer:  buffer,
		metrics: metrics,
	}
	for _, t := range targets {
		name := t.Backend.Name()
		settings := gobreaker.Settings{
			Name:        name,
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			// a rejected request says nothing about backend health
			IsSuccessful: func(err error) bool {
				return err == nil || !provider.Retryable(err)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("circuit breaker state changed", "backend", name, "from", from.String(), "to", to.String())
			},
		}
		d.targets[name] = &target{Target: t, breaker: gobreaker.NewCircuitBreaker(settings)}
	}
	return d
}

// Close releases resources held by target credentials.
func (d *Dispatcher) Close() error {
	var errs []error
	for _, t := range d.targets {
		if err := credential.Close(t.Credential); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Complete performs a buffered call against the first of names that
// succeeds and returns its payload unchanged.
func (d *Dispatcher) Complete(ctx context.Context, req *event.Request, names []string) ([]byte, error) {
	return dispatch[[]byte](ctx, d, names, func(ctx context.Context, t *target, cred credential.Credential) ([]byte, error) {
		return t.Backend.Complete(ctx, req, cred)
	})
}

// Stream opens a streamed call and relays its chunks through a bounded
// channel. Retries and failover apply only until the stream is open.
func (d *Dispatcher) Stream(ctx context.Context, req *event.Request, names []string) (*Upstream, error) {
	for _, name := range names {
		t, ok := d.targets[name]
		if !ok {
			continue
		}
		if !t.Backend.SupportsStreaming() {
			return nil, proxyerr.New(proxyerr.KindConfig, name, fmt.Sprintf("backend %q does not support streaming", name))
		}
	}

	var served *target
	reader, err := dispatch[provider.ChunkReader](ctx, d, names, func(ctx context.Context, t *target, cred credential.Credential) (provider.ChunkReader, error) {
		r, err := t.Backend.Stream(ctx, req, cred)
		if err == nil {
			served = t
		}
		return r, err
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan Chunk, d.buffer)
	go d.pump(ctx, served, reader, ch)
	return &Upstream{Backend: served.Backend, Chunks: ch}, nil
}

// pump reads the upstream body until completion. A full channel blocks the
// next read.
func (d *Dispatcher) pump(ctx context.Context, t *target, reader provider.ChunkReader, ch chan<- Chunk) {
	defer close(ch)
	defer reader.Close()

	name := t.Backend.Name()
	for {
		data, err := reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if provider.Retryable(err) {
				_, _ = t.breaker.Execute(func() (interface{}, error) {
					return nil, err
				})
			}
			slog.Warn("upstream stream interrupted", "backend", name, "error", err)
			d.metrics.RecordAttempt(name, "interrupted")
			select {
			case ch <- Chunk{Err: &proxyerr.Error{Kind: proxyerr.KindStreamInterrupted, Stage: name, Err: err}}:
			case <-ctx.Done():
			}
			return
		}

		select {
		case ch <- Chunk{Data: data}:
		case <-ctx.Done():
			return
		}
	}
}

type callFunc[T any] func(ctx context.Context, t *target, cred credential.Credential) (T, error)

// dispatch walks names in order. A target is abandoned for the next one when
// its retries run out, its breaker is open or its credential cannot be
// acquired. Any other failure is returned as is.
func dispatch[T any](ctx context.Context, d *Dispatcher, names []string, call callFunc[T]) (T, error) {
	var zero T
	var errs []error
	for _, name := range names {
		t, ok := d.targets[name]
		if !ok {
			return zero, proxyerr.New(proxyerr.KindConfig, name, fmt.Sprintf("unknown backend %q", name))
		}

		out, err := attempt(ctx, d, t, call)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if !failover(err) {
			return zero, err
		}
		slog.Warn("backend failed, trying next target", "backend", name, "error", err)
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		return zero, proxyerr.New(proxyerr.KindConfig, "dispatch", "no backend targets")
	}
	if len(errs) == 1 {
		return zero, errs[0]
	}
	last, _ := proxyerr.As(errs[len(errs)-1])
	return zero, &proxyerr.Error{
		Kind:  last.Kind,
		Stage: "dispatch",
		Err:   errors.Join(errs...),
	}
}

func failover(err error) bool {
	e, ok := proxyerr.As(err)
	if !ok {
		return false
	}
	return e.Kind == proxyerr.KindCredential || e.Retryable
}

// attempt calls one target with bounded exponential backoff.
func attempt[T any](ctx context.Context, d *Dispatcher, t *target, call callFunc[T]) (T, error) {
	name := t.Backend.Name()

	op := func() (T, error) {
		var zero T
		cred, err := t.Credential.Acquire(ctx)
		d.metrics.RecordCredential(name, err)
		if err != nil {
			return zero, backoff.Permanent(proxyerr.Wrap(proxyerr.KindCredential, name, err))
		}

		out, err := t.breaker.Execute(func() (interface{}, error) {
			return call(ctx, t, cred)
		})
		if err == nil {
			d.metrics.RecordAttempt(name, "ok")
			v, _ := out.(T)
			return v, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			d.metrics.RecordAttempt(name, "breaker_open")
			return zero, backoff.Permanent(&proxyerr.Error{
				Kind:      proxyerr.KindBackendTransport,
				Stage:     name,
				Message:   "circuit breaker open",
				Retryable: true,
				Err:       err,
			})
		}

		var se *provider.StatusError
		if errors.As(err, &se) && se.Unauthorized() {
			if inv, ok := t.Credential.(credential.Invalidator); ok {
				inv.Invalidate()
			}
		}

		perr := &proxyerr.Error{Kind: proxyerr.KindBackendTransport, Stage: name, Err: err}
		if ctx.Err() != nil || !provider.Retryable(err) {
			d.metrics.RecordAttempt(name, "rejected")
			return zero, backoff.Permanent(perr)
		}
		d.metrics.RecordAttempt(name, "retry")
		perr.Retryable = true
		return zero, perr
	}

	b := backoff.NewExponentialBackOff()
	if t.RetryInterval > 0 {
		b.InitialInterval = t.RetryInterval
		b.MaxInterval = 16 * t.RetryInterval
	}

	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(max(t.MaxRetries, 0)+1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			slog.Debug("retrying backend call", "backend", name, "wait", wait, "error", err)
		}),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	return out, err
}
