package ferrylib

import (
	"context"
	"sync"
	"time"
)

// CallOptions are the admission options for an outgoing operation.
type CallOptions struct {
	Service string
	Headers map[string]string
	Body    []byte

	// Timeout is the operation's time budget. Zero means the connection
	// default.
	Timeout time.Duration

	// Checksum overrides the connection's frame checksum kind when nonzero.
	Checksum ChecksumKind
}

// OutboundCall is a request this side sent, awaiting a response. It resolves
// exactly once, with either a payload or an error.
type OutboundCall struct {
	ID       uint32
	Service  string
	Headers  map[string]string
	Body     []byte
	Timeout  time.Duration
	Checksum ChecksumKind
	Trace    TraceContext

	mu   sync.Mutex
	done bool
	res  []byte
	err  error
	ch   chan struct{}
}

func newOutboundCall(id uint32, trace TraceContext, opts CallOptions) *OutboundCall {
	return &OutboundCall{
		ID:       id,
		Service:  opts.Service,
		Headers:  opts.Headers,
		Body:     opts.Body,
		Timeout:  opts.Timeout,
		Checksum: opts.Checksum,
		Trace:    trace,
		ch:       make(chan struct{}),
	}
}

// resolve delivers the terminal outcome. Later calls are no-ops, so a
// response racing a timeout sweep or a reset settles on whichever got there
// first.
func (c *OutboundCall) resolve(res []byte, err error) bool {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return false
	}
	c.done = true
	c.res = res
	c.err = err
	c.mu.Unlock()

	close(c.ch)
	return true
}

// Done is closed once the call has resolved.
func (c *OutboundCall) Done() <-chan struct{} { return c.ch }

// Result reports the outcome after Done is closed.
func (c *OutboundCall) Result() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.res, c.err
}

// Wait blocks until the call resolves or ctx expires.
func (c *OutboundCall) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-c.ch:
		return c.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
