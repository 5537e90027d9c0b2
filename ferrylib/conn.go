package ferrylib

import (
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/lithdew/kademlia"
)

const (
	DefaultCallTimeout          = 2 * time.Second
	DefaultTimeoutCheckInterval = 1 * time.Second
	DefaultTimeoutFuzz          = 200 * time.Millisecond
	DefaultReadBufferSize       = 4096
	DefaultWriteBufferSize      = 4096
	DefaultMaxFrameSize         = 4 << 20
	DefaultDialTimeout          = 3 * time.Second
)

type Direction uint8

const (
	Initiator Direction = iota
	Acceptor
)

func (d Direction) String() string {
	if d == Initiator {
		return "initiator"
	}
	return "acceptor"
}

// CallBuilder assigns ids to outgoing calls. BuildCall runs with the
// connection lock held and must not call back into the Conn.
type CallBuilder interface {
	BuildCall(conn *Conn, opts CallOptions) *OutboundCall
}

type CallBuilderFunc func(conn *Conn, opts CallOptions) *OutboundCall

func (fn CallBuilderFunc) BuildCall(conn *Conn, opts CallOptions) *OutboundCall {
	return fn(conn, opts)
}

var DefaultCallBuilder CallBuilderFunc = func(conn *Conn, opts CallOptions) *OutboundCall {
	return newOutboundCall(conn.nextID(), conn.trace.child(), opts)
}

// Conn is one multiplexed logical link. Many operations are in flight over
// it at once, keyed by uint32 ids: calls this side makes live in the
// outgoing table until a response, a timeout, or a reset resolves them, and
// requests the peer makes live in the incoming table until their handler
// finishes or a sweep reaps them. A jittered timer sweeps both tables for
// operations that outlived their budget; two consecutive sweeps that find
// the connection timing out escalate to a timedOut event, after which the
// owner is expected to call ResetAll. ResetAll is idempotent and is the one
// teardown path: it resolves every pending operation exactly once and
// refuses all further admission.
//
// The zero value is usable. Exported fields must be set before first use.
type Conn struct {
	Handler Handler
	Events  EventHandler
	Builder CallBuilder
	Logger  Logger
	Clock   Clock
	Rand    func() float64

	Direction Direction

	Checksum    ChecksumKind
	CompressMin int

	CallTimeout          time.Duration
	TimeoutCheckInterval time.Duration
	TimeoutFuzz          time.Duration

	ReadBufferSize  int
	WriteBufferSize int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	MaxFrameSize uint32

	mu   sync.Mutex
	once sync.Once

	writerQueue []*pendingWrite
	writerCond  sync.Cond
	writerDone  bool

	out opTable[outOp]
	in  opTable[inOp]
	seq uint32

	closing     bool
	lastTimeout time.Time
	sweepTimer  Timer

	queue *dispatchQueue
	trace TraceContext

	raddr    net.Addr
	remoteID *kademlia.ID

	timeoutsDetected uint64
	lingeringReaped  uint64
	resets           uint32
	framesIn         uint64
	framesOut        uint64
}

func (c *Conn) init() {
	c.once.Do(func() {
		c.writerCond.L = &c.mu
		c.out = newOpTable[outOp]()
		c.in = newOpTable[inOp]()
		c.queue = newDispatchQueue()
		c.trace = newTraceContext()
	})
}

// Request admits a new outgoing operation: the call is built, given a time
// budget and a trace context, and registered in the outgoing table. Nothing
// is written to the wire here; the caller sends the call afterwards and the
// peer's response, the sweeper, or a reset resolves it.
func (c *Conn) Request(opts CallOptions) (*OutboundCall, error) {
	c.init()

	if len(opts.Service) > math.MaxUint8 {
		return nil, fmt.Errorf("service name of %d bytes: %w", len(opts.Service), ErrServiceTooLong)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = c.callTimeout()
	}
	if opts.Checksum == ChecksumNone {
		opts.Checksum = c.Checksum
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	call := c.builder().BuildCall(c, opts)
	op := &outOp{id: call.ID, call: call, start: c.clock().Now()}
	if err := c.out.register(call.ID, op); err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("id %d: %w", call.ID, err)
	}
	c.armSweep()
	c.mu.Unlock()

	return call, nil
}

// HandleCallRequest registers a decoded incoming request and schedules its
// handler on the connection's serial dispatch queue, so the handler never
// runs inline with decode and registration. The request is stamped with the
// connection's resolved remote identity. Faults the request reports before
// a response has been started come back as an error frame to the peer.
func (c *Conn) HandleCallRequest(req *InboundRequest) error {
	c.init()

	if len(req.Service) > math.MaxUint8 {
		return fmt.Errorf("service name of %d bytes: %w", len(req.Service), ErrServiceTooLong)
	}
	if req.Timeout <= 0 {
		req.Timeout = c.callTimeout()
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return ErrClosed
	}
	req.RemoteID = c.remoteID
	op := &inOp{id: req.ID, req: req, start: c.clock().Now()}
	if err := c.in.register(req.ID, op); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("id %d: %w", req.ID, err)
	}
	c.armSweep()
	c.mu.Unlock()

	req.OnError(func(err error) { c.handleRequestError(op, err) })
	c.queue.push(func() { c.dispatch(op) })

	return nil
}

func (c *Conn) dispatch(op *inOp) {
	ctx := requestContextPool.acquire(c, op)
	err := c.handler().HandleMessage(ctx)
	requestContextPool.release(ctx)

	if err != nil {
		op.req.emitError(err)
		return
	}

	c.mu.Lock()
	replied := op.done || op.resp != nil
	c.mu.Unlock()
	if !replied {
		if resp, err := c.buildResponse(op); err == nil {
			_ = resp.Finish(nil)
		}
	}
}

func (c *Conn) handleRequestError(op *inOp, cause error) {
	c.mu.Lock()
	if op.done || op.resp != nil {
		c.mu.Unlock()
		c.logger().Debug("dropping fault reported after response started", "id", op.id, "err", cause)
		return
	}
	resp := &InboundResponse{conn: c, req: op.req, op: op}
	op.resp = resp
	c.mu.Unlock()

	_ = c.finishResponse(resp, nil, cause)
}

// buildResponse creates the operation's single response object. A second
// build for the same operation fails with ErrResponseAlreadyStarted.
func (c *Conn) buildResponse(op *inOp) (*InboundResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if op.resp != nil || op.done {
		return nil, ErrResponseAlreadyStarted
	}
	resp := &InboundResponse{conn: c, req: op.req, op: op}
	op.resp = resp
	return resp, nil
}

// finishResponse is the single terminal transition for an incoming
// operation. The done flag makes it run at most once; the table identity
// check absorbs completions for operations a sweep or reset already
// reconciled, so a handler outliving its table entry cannot double-settle
// state or write a stale frame.
func (c *Conn) finishResponse(r *InboundResponse, body []byte, cause error) error {
	op := r.op

	c.mu.Lock()
	if op.done {
		c.mu.Unlock()
		return ErrResponseAlreadyStarted
	}
	op.done = true
	if cause == nil {
		r.state = ResponseDone
	} else {
		r.state = ResponseErrored
	}
	matched := c.in.popMatch(op.id, op)
	end := c.clock().Now()
	c.mu.Unlock()

	if !matched {
		c.logger().Debug("operation already reconciled, dropping completion", "id", op.id)
		return nil
	}

	var err error
	if cause == nil {
		res := CallRes{ID: op.id, Checksum: c.Checksum, Body: body}
		res.compressBody(c.CompressMin)
		err = c.writeFrame(OpCodeCallRes, res, false)
	} else {
		err = c.writeFrame(OpCodeErrRes, errResFor(op.id, cause), false)
	}

	span := &Span{Trace: op.req.Trace, Service: op.req.Service, Start: op.start, End: end}
	if cause != nil {
		span.Err = cause.Error()
	}
	c.events().HandleConnEvent(Event{Kind: EventSpan, Conn: c, Span: span})

	return err
}

func errResFor(id uint32, cause error) ErrRes {
	if errors.Is(cause, ErrTimeout) {
		return ErrRes{ID: id, Code: ErrCodeTimeout, Kind: "Timeout", Message: cause.Error()}
	}
	var ue *UnexpectedError
	if errors.As(cause, &ue) {
		return ErrRes{ID: id, Code: ErrCodeUnexpected, Kind: ue.Kind, Message: ue.Error()}
	}
	return ErrRes{ID: id, Code: ErrCodeUnexpected, Kind: errKindName(cause), Message: cause.Error()}
}

// PopOutgoing removes and returns the outgoing call registered under id.
// A miss is not a fault: responses routinely arrive for operations that
// already timed out. Callers log misses and move on.
func (c *Conn) PopOutgoing(id uint32) (*OutboundCall, bool) {
	c.init()

	c.mu.Lock()
	defer c.mu.Unlock()

	op, ok := c.out.pop(id)
	if !ok {
		return nil, false
	}
	return op.call, true
}

// ResetAll tears the connection down: admission stops, the sweep timer is
// cancelled, and both tables drain. Every pending outgoing call resolves
// with its own error value wrapping cause; pending incoming operations are
// dropped without notice since their handlers may still be running and the
// identity check in finishResponse absorbs whatever they eventually do.
// Calling it again is a no-op. A cause wrapping ErrSocketClosed is an
// expected local close and is logged instead of published as an error
// event.
func (c *Conn) ResetAll(cause error) {
	c.init()

	if cause == nil {
		cause = ErrUnknownReset
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	if c.sweepTimer != nil {
		c.sweepTimer.Stop()
		c.sweepTimer = nil
	}
	inOps := c.in.drain()
	outOps := c.out.drain()
	writes := c.writerQueue
	c.writerQueue = nil
	c.writerDone = true
	c.writerCond.Broadcast()
	c.resets++
	c.mu.Unlock()

	c.queue.close()

	if errors.Is(cause, ErrSocketClosed) {
		c.logger().Info("connection reset",
			"cause", cause, "pending_in", len(inOps), "pending_out", len(outOps))
	} else {
		c.events().HandleConnEvent(Event{Kind: EventError, Conn: c, Err: cause})
	}

	for _, op := range outOps {
		op.call.resolve(nil, fmt.Errorf("connection reset: %w", cause))
	}
	c.failPendingWrites(writes, cause)
}

// join blocks until the dispatch worker has drained. Must not be called
// from a handler.
func (c *Conn) join() {
	if c.queue != nil {
		c.queue.join()
	}
}

// armSweep schedules the first sweep once there is something to watch.
// c.mu must be held. After escalation (lastTimeout set, timer gone) the
// sweeper stays down until the owner resets the connection.
func (c *Conn) armSweep() {
	if c.sweepTimer != nil || c.closing || !c.lastTimeout.IsZero() {
		return
	}
	c.sweepTimer = c.clock().AfterFunc(c.sweepInterval(), c.sweep)
}

// sweepInterval draws the next jittered sweep delay, always within
// [base-fuzz/2, base+fuzz/2).
func (c *Conn) sweepInterval() time.Duration {
	base := c.checkInterval()
	fuzz := c.timeoutFuzz()
	if fuzz <= 0 {
		return base
	}
	return base + time.Duration((c.random()-0.5)*float64(fuzz))
}

// sweep scans both tables for operations past their budget. The first
// sweep that finds an expired outgoing operation records the fact and keeps
// going; the very next sweep treats the connection as unrecoverable, emits
// timedOut, and stops rearming. A single slow operation therefore never
// kills the link, a wedged peer does.
func (c *Conn) sweep() {
	c.mu.Lock()
	if c.closing {
		c.sweepTimer = nil
		c.mu.Unlock()
		return
	}
	if !c.lastTimeout.IsZero() {
		c.sweepTimer = nil
		c.mu.Unlock()
		c.events().HandleConnEvent(Event{Kind: EventTimedOut, Conn: c})
		return
	}

	now := c.clock().Now()

	// Expired incoming operations are dropped without telling the peer:
	// it runs its own budget, and a still-running handler settles into the
	// identity check later.
	for id, op := range c.in.ops {
		if now.Sub(op.start) > op.req.Timeout {
			c.in.pop(id)
		}
	}

	var expired []*outOp
	for id, op := range c.out.ops {
		if op.timedOut {
			// Already resolved on a prior sweep yet still in the table.
			c.logger().Warn("removing lingering timed-out operation", "id", id)
			c.out.pop(id)
			c.lingeringReaped++
			continue
		}
		if now.Sub(op.start) > op.call.Timeout {
			op.timedOut = true
			c.out.pop(id)
			c.lastTimeout = now
			expired = append(expired, op)
		}
	}
	c.timeoutsDetected += uint64(len(expired))

	c.sweepTimer = c.clock().AfterFunc(c.sweepInterval(), c.sweep)
	c.mu.Unlock()

	for _, op := range expired {
		op.call.resolve(nil, &TimeoutError{Elapsed: now.Sub(op.start), Timeout: op.call.Timeout})
	}
}

// nextID hands out the next outgoing operation id, skipping 0. c.mu must
// be held.
func (c *Conn) nextID() uint32 {
	c.seq++
	if c.seq == 0 {
		c.seq = 1
	}
	return c.seq
}

func (c *Conn) SetRemoteID(id *kademlia.ID) {
	c.mu.Lock()
	c.remoteID = id
	c.mu.Unlock()
}

func (c *Conn) RemoteID() *kademlia.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteID
}

func (c *Conn) RemoteAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raddr
}

func (c *Conn) PendingOut() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.count()
}

func (c *Conn) PendingIn() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.in.count()
}

func (c *Conn) Closing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

type ConnStats struct {
	PendingIn        uint32 `json:"pending_in"`
	PendingOut       uint32 `json:"pending_out"`
	TimeoutsDetected uint64 `json:"timeouts_detected"`
	LingeringReaped  uint64 `json:"lingering_reaped"`
	Resets           uint32 `json:"resets"`
	FramesIn         uint64 `json:"frames_in"`
	FramesOut        uint64 `json:"frames_out"`
}

func (s ConnStats) JsonString() string {
	buf, err := json.Marshal(s)
	if err != nil {
		return "{}"
	}
	return string(buf)
}

func (c *Conn) Stats() ConnStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnStats{
		PendingIn:        c.in.count(),
		PendingOut:       c.out.count(),
		TimeoutsDetected: c.timeoutsDetected,
		LingeringReaped:  c.lingeringReaped,
		Resets:           c.resets,
		FramesIn:         atomic.LoadUint64(&c.framesIn),
		FramesOut:        atomic.LoadUint64(&c.framesOut),
	}
}

func (c *Conn) handler() Handler {
	if c.Handler != nil {
		return c.Handler
	}
	return DefaultHandler
}

func (c *Conn) events() EventHandler {
	if c.Events != nil {
		return c.Events
	}
	return DefaultEventHandler
}

func (c *Conn) builder() CallBuilder {
	if c.Builder != nil {
		return c.Builder
	}
	return DefaultCallBuilder
}

func (c *Conn) logger() Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return DefaultLogger
}

func (c *Conn) clock() Clock {
	if c.Clock != nil {
		return c.Clock
	}
	return SystemClock
}

func (c *Conn) random() float64 {
	if c.Rand != nil {
		return c.Rand()
	}
	return defaultRand()
}

func (c *Conn) callTimeout() time.Duration {
	if c.CallTimeout > 0 {
		return c.CallTimeout
	}
	return DefaultCallTimeout
}

func (c *Conn) checkInterval() time.Duration {
	if c.TimeoutCheckInterval > 0 {
		return c.TimeoutCheckInterval
	}
	return DefaultTimeoutCheckInterval
}

func (c *Conn) timeoutFuzz() time.Duration {
	if c.TimeoutFuzz > 0 {
		return c.TimeoutFuzz
	}
	return DefaultTimeoutFuzz
}

func (c *Conn) maxFrameSize() uint32 {
	if c.MaxFrameSize > 0 {
		return c.MaxFrameSize
	}
	return DefaultMaxFrameSize
}

func (c *Conn) readBufferSize() int {
	if c.ReadBufferSize > 0 {
		return c.ReadBufferSize
	}
	return DefaultReadBufferSize
}

func (c *Conn) writeBufferSize() int {
	if c.WriteBufferSize > 0 {
		return c.WriteBufferSize
	}
	return DefaultWriteBufferSize
}
