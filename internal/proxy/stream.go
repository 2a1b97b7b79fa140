package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/vnmchuo/llm-proxy/internal/event"
	"github.com/vnmchuo/llm-proxy/internal/processor"
	"github.com/vnmchuo/llm-proxy/internal/proxyerr"
	"github.com/vnmchuo/llm-proxy/internal/sse"
	"github.com/vnmchuo/llm-proxy/internal/telemetry"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Stream is an open streamed response. It must be relayed or closed exactly
// once; either releases the upstream connection.
type Stream struct {
	req       *event.Request
	upstream  *Upstream
	chain     *processor.Chain
	framer    sse.Framer
	keepAlive time.Duration
	cancel    context.CancelFunc
	span      trace.Span
	metrics   *telemetry.Metrics
	started   time.Time
	once      sync.Once
}

// Close abandons the stream without writing anything. It is safe to call
// after Relay.
func (s *Stream) Close() {
	s.once.Do(func() {
		s.cancel()
		s.span.End()
	})
}

// Relay decodes each upstream chunk into events, runs them through the
// response chain and writes one frame per event to w. It ends with the
// terminal marker on completion or an error frame when any stage fails. The
// returned error is the failure that ended the stream, if any.
func (s *Stream) Relay(ctx context.Context, w io.Writer) (err error) {
	defer s.Close()

	enc := sse.NewEncoder(w, s.framer)
	defer func() {
		s.metrics.RecordFrames(s.req.Route, enc.Frames())
		s.metrics.RecordRequest(s.req.Route, true, outcome(err), time.Since(s.started))
		if err != nil {
			s.span.RecordError(err)
			s.span.SetStatus(codes.Error, err.Error())
		}
	}()

	var idle <-chan time.Time
	reset := func() {}
	if s.keepAlive > 0 {
		ticker := time.NewTicker(s.keepAlive)
		defer ticker.Stop()
		idle = ticker.C
		reset = func() { ticker.Reset(s.keepAlive) }
	}
	return s.loop(ctx, enc, idle, reset)
}

func (s *Stream) loop(ctx context.Context, enc *sse.Encoder, idle <-chan time.Time, wrote func()) error {
	decoder := s.upstream.Backend
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-idle:
			if err := enc.KeepAlive(); err != nil {
				return err
			}

		case c, ok := <-s.upstream.Chunks:
			if !ok {
				// the producer also closes on cancellation
				if err := ctx.Err(); err != nil {
					return err
				}
				return enc.Done()
			}
			if c.Err != nil {
				return s.fail(enc, c.Err)
			}

			evs, err := decoder.DecodeDelta(c.Data)
			if err != nil {
				return s.fail(enc, &proxyerr.Error{Kind: proxyerr.KindStreamInterrupted, Stage: decoder.Name(), Err: err})
			}
			evs, err = s.chain.Run(ctx, s.req, evs)
			if err != nil {
				return s.fail(enc, err)
			}
			for _, ev := range evs {
				if err := enc.Event(ev); err != nil {
					var fe *sse.FrameError
					if errors.As(err, &fe) {
						return s.fail(enc, &proxyerr.Error{Kind: proxyerr.KindStreamInterrupted, Stage: "encode", Err: err})
					}
					return err
				}
			}
			if len(evs) > 0 {
				wrote()
			}
		}
	}
}

// fail writes the error frame for err and returns err.
func (s *Stream) fail(enc *sse.Encoder, err error) error {
	kind := proxyerr.KindStreamInterrupted
	msg := err.Error()
	if e, ok := proxyerr.As(err); ok {
		kind = e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	slog.Warn("stream failed after start", "request_id", s.req.ID, "route", s.req.Route, "error", err)
	if werr := enc.Error(string(kind), msg); werr != nil {
		return errors.Join(err, werr)
	}
	return err
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := proxyerr.KindOf(err); kind != "" {
		return string(kind)
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return "error"
}
