package proxy

import (
	"fmt"

	"github.com/vnmchuo/llm-proxy/config"
	"github.com/vnmchuo/llm-proxy/internal/credential"
	"github.com/vnmchuo/llm-proxy/internal/processor"
)

// BuildDeps carries the shared clients and settings used to assemble a
// pipeline from the routes file.
type BuildDeps struct {
	Credentials  credential.Deps
	Processors   processor.Deps
	Registry     *processor.Registry
	StreamBuffer int
	Options      Options
}

// Build assembles backends, credentials, processor chains and routes into a
// ready pipeline.
func Build(rc *config.Routes, deps BuildDeps) (p *Pipeline, err error) {
	targets := make([]Target, 0, len(rc.Backends))
	defer func() {
		if err == nil {
			return
		}
		for _, t := range targets {
			_ = credential.Close(t.Credential)
		}
	}()

	for _, bc := range rc.Backends {
		backend, err := NewBackend(bc)
		if err != nil {
			return nil, err
		}
		if bc.Credential == nil {
			return nil, fmt.Errorf("backend %q: no credential configured", bc.Name)
		}
		cred, err := credential.Build(*bc.Credential, deps.Credentials)
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", bc.Name, err)
		}
		targets = append(targets, Target{
			Backend:       backend,
			Credential:    cred,
			MaxRetries:    bc.MaxRetries,
			RetryInterval: bc.RetryInterval,
		})
	}

	registry := deps.Registry
	if registry == nil {
		registry = processor.NewRegistry()
	}
	built, err := registry.Build(rc.Processors, deps.Processors)
	if err != nil {
		return nil, err
	}

	routes := make([]*Route, 0, len(rc.Routes))
	for _, rcfg := range rc.Routes {
		reqChain, err := processor.ChainOf(rcfg.Processors, built)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", rcfg.Name, err)
		}
		respChain, err := processor.ChainOf(rcfg.ResponseProcessors, built)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", rcfg.Name, err)
		}
		routes = append(routes, &Route{Route: rcfg, Request: reqChain, Response: respChain})
	}

	dispatcher := NewDispatcher(targets, deps.StreamBuffer, deps.Options.Metrics)
	return NewPipeline(routes, dispatcher, deps.Options), nil
}
