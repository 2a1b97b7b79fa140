package credential

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Chain tries each provider in order and returns the first success.
type Chain struct {
	providers []Provider
}

func NewChain(providers ...Provider) *Chain {
	return &Chain{providers: providers}
}

func (c *Chain) Name() string {
	names := make([]string, len(c.providers))
	for i, p := range c.providers {
		names[i] = p.Name()
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

func (c *Chain) Acquire(ctx context.Context) (Credential, error) {
	chainErr := &ChainError{}
	for _, p := range c.providers {
		cred, err := p.Acquire(ctx)
		if err == nil {
			return cred, nil
		}
		chainErr.Attempts = append(chainErr.Attempts, Attempt{Provider: p.Name(), Err: err})
		if ctx.Err() != nil {
			break
		}
	}
	return Credential{}, chainErr
}

// Invalidate forwards to every member that holds state.
func (c *Chain) Invalidate() {
	for _, p := range c.providers {
		if inv, ok := p.(Invalidator); ok {
			inv.Invalidate()
		}
	}
}

// Close releases every member that holds resources.
func (c *Chain) Close() error {
	var errs []error
	for _, p := range c.providers {
		if err := Close(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close releases p when it holds resources such as a file watcher.
func Close(p Provider) error {
	if c, ok := p.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

type Attempt struct {
	Provider string
	Err      error
}

// ChainError reports why every provider in a chain failed.
type ChainError struct {
	Attempts []Attempt
}

func (e *ChainError) Error() string {
	if len(e.Attempts) == 0 {
		return "credential chain is empty"
	}
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = fmt.Sprintf("%s: %v", a.Provider, a.Err)
	}
	return "all credential providers failed: " + strings.Join(parts, "; ")
}

func (e *ChainError) Unwrap() []error {
	errs := make([]error, len(e.Attempts))
	for i, a := range e.Attempts {
		errs[i] = a.Err
	}
	return errs
}
