package proxy

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vnmchuo/llm-proxy/internal/credential"
	"github.com/vnmchuo/llm-proxy/internal/event"
	"github.com/vnmchuo/llm-proxy/internal/provider"
)

// MockBackend fails with errs in order, then succeeds. Streams yield chunks
// then streamErr, or io.EOF when streamErr is nil.
type MockBackend struct {
	name      string
	streaming bool
	payload   []byte
	errs      []error

	chunks    [][]byte
	streamErr error
	infinite  bool
	// block makes Next wait until it is closed, then report io.EOF.
	block chan struct{}
	// reads receives a value on every Next call when set.
	reads chan struct{}

	calls  atomic.Int32
	closed atomic.Bool

	mu       sync.Mutex
	lastReq  *event.Request
	lastCred credential.Credential
}

func (m *MockBackend) Name() string            { return m.name }
func (m *MockBackend) SupportsStreaming() bool { return m.streaming }

func (m *MockBackend) call(req *event.Request, cred credential.Credential) error {
	n := int(m.calls.Add(1))
	if n <= len(m.errs) {
		return m.errs[n-1]
	}
	m.mu.Lock()
	m.lastReq = req.Clone()
	m.lastCred = cred
	m.mu.Unlock()
	return nil
}

func (m *MockBackend) Complete(ctx context.Context, req *event.Request, cred credential.Credential) ([]byte, error) {
	if err := m.call(req, cred); err != nil {
		return nil, err
	}
	return m.payload, nil
}

func (m *MockBackend) Stream(ctx context.Context, req *event.Request, cred credential.Credential) (provider.ChunkReader, error) {
	if err := m.call(req, cred); err != nil {
		return nil, err
	}
	return &mockReader{b: m}, nil
}

// DecodeDelta turns each chunk into one assistant event carrying the raw
// chunk text.
func (m *MockBackend) DecodeDelta(chunk []byte) ([]*event.Event, error) {
	return []*event.Event{event.New(event.RoleAssistant, string(chunk))}, nil
}

func (m *MockBackend) request() *event.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastReq
}

type mockReader struct {
	b *MockBackend
	n int
}

func (r *mockReader) Next(ctx context.Context) ([]byte, error) {
	if r.b.reads != nil {
		r.b.reads <- struct{}{}
	}
	if r.b.block != nil {
		select {
		case <-r.b.block:
			return nil, io.EOF
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.b.infinite {
		return []byte("x"), nil
	}
	if r.n < len(r.b.chunks) {
		r.n++
		return r.b.chunks[r.n-1], nil
	}
	if r.b.streamErr != nil {
		return nil, r.b.streamErr
	}
	return nil, io.EOF
}

func (r *mockReader) Close() error {
	r.b.closed.Store(true)
	return nil
}

// countingCredential counts acquisitions and invalidations.
type countingCredential struct {
	token       string
	err         error
	acquired    atomic.Int32
	invalidated atomic.Int32
}

func (c *countingCredential) Name() string { return "counting" }

func (c *countingCredential) Acquire(ctx context.Context) (credential.Credential, error) {
	c.acquired.Add(1)
	if c.err != nil {
		return credential.Credential{}, c.err
	}
	return credential.Credential{Token: c.token}, nil
}

func (c *countingCredential) Invalidate() { c.invalidated.Add(1) }

func testTarget(b *MockBackend, retries int) Target {
	return Target{
		Backend:       b,
		Credential:    credential.NewStatic("test-key"),
		MaxRetries:    retries,
		RetryInterval: time.Millisecond,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(d time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
