package proxy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vnmchuo/llm-proxy/config"
	"github.com/vnmchuo/llm-proxy/internal/normalize"
	"github.com/vnmchuo/llm-proxy/internal/processor"
	"github.com/vnmchuo/llm-proxy/internal/proxyerr"
	"github.com/vnmchuo/llm-proxy/internal/sse"
	"github.com/vnmchuo/llm-proxy/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Route is a configured route with its processor chains resolved.
type Route struct {
	config.Route
	Request  *processor.Chain
	Response *processor.Chain
}

// Response is the outcome of a call: a buffered Payload relayed unchanged
// from the backend, or an open Stream.
type Response struct {
	Payload []byte
	Stream  *Stream
}

type Options struct {
	Normalizers *normalize.Registry
	KeepAlive   time.Duration
	Tracer      trace.Tracer
	Metrics     *telemetry.Metrics
}

type Pipeline struct {
	routes      map[string]*Route
	normalizers *normalize.Registry
	dispatcher  *Dispatcher
	keepAlive   time.Duration
	tracer      trace.Tracer
	metrics     *telemetry.Metrics
}

func NewPipeline(routes []*Route, dispatcher *Dispatcher, opts Options) *Pipeline {
	p := &Pipeline{
		routes:      make(map[string]*Route, len(routes)),
		normalizers: opts.Normalizers,
		dispatcher:  dispatcher,
		keepAlive:   opts.KeepAlive,
		tracer:      opts.Tracer,
		metrics:     opts.Metrics,
	}
	for _, r := range routes {
		p.routes[r.Name] = r
	}
	if p.normalizers == nil {
		p.normalizers = normalize.DefaultRegistry()
	}
	if p.tracer == nil {
		p.tracer = noop.NewTracerProvider().Tracer("llm-proxy")
	}
	return p
}

// Close releases the dispatcher's credential resources. Call it once no
// request is in flight.
func (p *Pipeline) Close() error {
	return p.dispatcher.Close()
}

// Handle runs one call through the pipeline: normalize, apply the route,
// run the request chain, then dispatch. Every error returned happens before
// any response byte exists and is a *proxyerr.Error or a context error.
func (p *Pipeline) Handle(ctx context.Context, route string, body []byte) (*Response, error) {
	started := time.Now()

	r, ok := p.routes[route]
	if !ok {
		return nil, proxyerr.New(proxyerr.KindConfig, "route", fmt.Sprintf("unknown route %q", route))
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.handle", trace.WithAttributes(attribute.String("route", route)))

	resp, err := p.handle(ctx, r, body, span, started)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		p.metrics.RecordRequest(route, false, outcome(err), time.Since(started))
		return nil, err
	}
	return resp, nil
}

func (p *Pipeline) handle(ctx context.Context, r *Route, body []byte, span trace.Span, started time.Time) (*Response, error) {
	n, ok := p.normalizers.Get(r.Format)
	if !ok {
		return nil, proxyerr.New(proxyerr.KindConfig, "normalize", fmt.Sprintf("unknown request format %q", r.Format))
	}
	req, err := n.Normalize(body)
	if err != nil {
		return nil, err
	}
	if err := normalize.ApplyRoute(req, r.Route); err != nil {
		return nil, err
	}
	req.ID = "chatcmpl-" + uuid.NewString()

	span.SetAttributes(
		attribute.String("request_id", req.ID),
		attribute.String("model", req.Model),
		attribute.Bool("stream", req.Stream),
		attribute.Int("events", len(req.Events)),
	)

	_, chainSpan := p.tracer.Start(ctx, "pipeline.request_chain")
	req.Events, err = r.Request.Run(ctx, req, req.Events)
	chainSpan.End()
	if err != nil {
		return nil, err
	}

	if !req.Stream {
		payload, err := p.dispatcher.Complete(ctx, req, r.Targets())
		if err != nil {
			return nil, err
		}
		span.End()
		p.metrics.RecordRequest(r.Name, false, "ok", time.Since(started))
		return &Response{Payload: payload}, nil
	}

	framer, err := sse.NewFramer(r.Output, req.ID, req.Model)
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.KindConfig, "encode", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	upstream, err := p.dispatcher.Stream(streamCtx, req, r.Targets())
	if err != nil {
		cancel()
		return nil, err
	}

	return &Response{Stream: &Stream{
		req:       req,
		upstream:  upstream,
		chain:     r.Response,
		framer:    framer,
		keepAlive: p.keepAlive,
		cancel:    cancel,
		span:      span,
		metrics:   p.metrics,
		started:   started,
	}}, nil
}
