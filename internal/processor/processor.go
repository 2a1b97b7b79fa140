package processor

import (
	"context"
	"errors"

	"github.com/vnmchuo/llm-proxy/internal/event"
	"github.com/vnmchuo/llm-proxy/internal/proxyerr"
)

// Processor transforms one event at a time. It may mutate the event in
// place, drop it through the queue, or insert derived events after it.
type Processor interface {
	Name() string
	Process(ctx context.Context, ev *event.Event, q *Queue) error
}

// RequestProcessor is implemented by processors that judge the request as a
// whole. ProcessRequest runs once when the chain reaches the processor's
// stage, before any event, even if earlier stages dropped every event.
type RequestProcessor interface {
	ProcessRequest(ctx context.Context, req *event.Request) error
}

// Queue is the per-event handle a processor uses to shape the stream.
type Queue struct {
	// Request is the call being processed. Processors may read it and may
	// adjust request-level fields such as MaxTokens.
	Request *event.Request
	// Index is the event's position in the generation being processed.
	Index int

	inserted []*event.Event
	dropped  bool
}

// Insert queues events to follow the current one. They are offered only to
// the processors after the current one.
func (q *Queue) Insert(evs ...*event.Event) {
	q.inserted = append(q.inserted, evs...)
}

// Drop removes the current event from the stream.
func (q *Queue) Drop() {
	q.dropped = true
}

// Chain is an ordered, immutable list of processors.
type Chain struct {
	processors []Processor
}

func NewChain(processors ...Processor) *Chain {
	return &Chain{processors: processors}
}

func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.processors)
}

func (c *Chain) Names() []string {
	names := make([]string, c.Len())
	for i := range names {
		names[i] = c.processors[i].Name()
	}
	return names
}

// Run passes events through every processor, stage by stage. At each stage
// a kept event is followed directly by the events inserted while processing
// it, so relative order is preserved and an inserted event never revisits
// the stage that produced it or any earlier one. The first processor error
// aborts the run.
func (c *Chain) Run(ctx context.Context, req *event.Request, events []*event.Event) ([]*event.Event, error) {
	if c.Len() == 0 {
		return events, nil
	}

	current := events
	for _, p := range c.processors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if rp, ok := p.(RequestProcessor); ok && req != nil {
			if err := rp.ProcessRequest(ctx, req); err != nil {
				return nil, stageError(p.Name(), err)
			}
		}

		next := make([]*event.Event, 0, len(current))
		for i, ev := range current {
			q := Queue{Request: req, Index: i}
			if err := p.Process(ctx, ev, &q); err != nil {
				return nil, stageError(p.Name(), err)
			}
			if !q.dropped {
				next = append(next, ev)
			}
			next = append(next, q.inserted...)
		}
		current = next
	}
	return current, nil
}

func stageError(stage string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if e, ok := proxyerr.As(err); ok {
		if e.Stage != "" {
			return e
		}
		staged := *e
		staged.Stage = stage
		return &staged
	}
	return proxyerr.Wrap(proxyerr.KindValidation, stage, err)
}
