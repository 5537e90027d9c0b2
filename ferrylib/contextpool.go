package ferrylib

import (
	"sync"
	"sync/atomic"

	"github.com/lithdew/kademlia"
)

// RequestContext is what application handlers see for one incoming
// operation. It is pooled, so handlers must not retain it past their return.
type RequestContext struct {
	conn *Conn
	op   *inOp
}

func (c *RequestContext) Conn() *Conn                { return c.conn }
func (c *RequestContext) ID() uint32                 { return c.op.id }
func (c *RequestContext) Service() string            { return c.op.req.Service }
func (c *RequestContext) Headers() map[string]string { return c.op.req.Headers }
func (c *RequestContext) Body() []byte               { return c.op.req.Body }
func (c *RequestContext) RemoteID() *kademlia.ID     { return c.op.req.RemoteID }
func (c *RequestContext) Trace() TraceContext        { return c.op.req.Trace }

// Reply builds the operation's single response and finishes it with buf.
func (c *RequestContext) Reply(buf []byte) error {
	resp, err := c.conn.buildResponse(c.op)
	if err != nil {
		return err
	}
	return resp.Finish(buf)
}

// Response builds the operation's single response object without finishing
// it. Unlike the context, the response is not pooled: a handler may hand it
// off and Finish or Abort after returning, and no automatic empty reply is
// sent for an operation whose response has been taken over.
func (c *RequestContext) Response() (*InboundResponse, error) {
	return c.conn.buildResponse(c.op)
}

type RequestContextPool struct {
	sp sync.Pool
	m  *PoolMetrics
}

func (p *RequestContextPool) acquire(conn *Conn, op *inOp) *RequestContext {
	v := p.sp.Get()
	if v == nil {
		v = &RequestContext{}
		atomic.AddUint32(&p.m.na, uint32(1))
	} else {
		atomic.AddUint32(&p.m.nr, uint32(1))
	}
	ctx := v.(*RequestContext)
	ctx.conn = conn
	ctx.op = op
	return ctx
}

func (p *RequestContextPool) release(ctx *RequestContext) {
	ctx.conn = nil
	ctx.op = nil
	p.sp.Put(ctx)
	atomic.AddUint32(&p.m.np, uint32(1))
}
