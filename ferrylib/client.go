package ferrylib

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"
)

// Client maintains one lazily dialed connection to Addr and multiplexes
// calls over it. The link is symmetric: the peer may open operations back
// at us, which land on Handler. A dropped connection resolves everything
// pending against it and the next call dials fresh.
type Client struct {
	Addr string
	Dial DialFunc

	Handler   Handler
	ConnState ConnStateHandler
	Events    EventHandler
	Builder   CallBuilder
	Logger    Logger
	Clock     Clock
	Rand      func() float64

	Checksum    ChecksumKind
	CompressMin int

	CallTimeout          time.Duration
	TimeoutCheckInterval time.Duration
	TimeoutFuzz          time.Duration

	ReadBufferSize  int
	WriteBufferSize int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxFrameSize    uint32

	DialTimeout time.Duration

	mu       sync.Mutex
	shutdown bool
	conn     *Conn
	done     chan struct{}
	wg       sync.WaitGroup
}

func (c *Client) Call(ctx context.Context, opts CallOptions) ([]byte, error) {
	conn, err := c.Get()
	if err != nil {
		return nil, err
	}
	return conn.Call(ctx, opts)
}

func (c *Client) CallService(ctx context.Context, service string, body []byte) ([]byte, error) {
	return c.Call(ctx, CallOptions{Service: service, Body: body})
}

// Get returns the live connection, dialing a new one if needed.
func (c *Client) Get() (*Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shutdown {
		return nil, ErrClosed
	}
	if c.conn != nil {
		return c.conn, nil
	}

	dial := c.Dial
	if dial == nil {
		timeout := c.DialTimeout
		if timeout <= 0 {
			timeout = DefaultDialTimeout
		}
		dial = DialTCP(c.Addr, timeout)
	} else if c.DialTimeout > 0 {
		dial = dialDeadline(dial, c.DialTimeout)
	}

	sock, err := dial()
	if err != nil {
		return nil, fmt.Errorf("failed to dial %q: %w", c.Addr, err)
	}

	conn := c.newConn()
	done := make(chan struct{})

	c.stateHandler().HandleConnState(conn, StateNew)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.serve(conn, done, sock)
	}()

	c.conn = conn
	c.done = done
	return conn, nil
}

// dialDeadline bounds a custom dial function with the client's timeout. The
// default TCP dial enforces its own, so only custom dials are wrapped. A dial
// that loses the race has its socket closed once it eventually returns.
func dialDeadline(dial DialFunc, timeout time.Duration) DialFunc {
	return func() (net.Conn, error) {
		type outcome struct {
			sock net.Conn
			err  error
		}
		ch := make(chan outcome, 1)
		go func() {
			sock, err := dial()
			ch <- outcome{sock: sock, err: err}
		}()

		t := timerPool.acquire(timeout)
		defer timerPool.release(t)

		select {
		case out := <-ch:
			return out.sock, out.err
		case <-t.C:
			go func() {
				if out := <-ch; out.sock != nil {
					out.sock.Close()
				}
			}()
			return nil, fmt.Errorf("dial did not finish within %v: %w", timeout, os.ErrDeadlineExceeded)
		}
	}
}

func (c *Client) serve(conn *Conn, done chan struct{}, sock net.Conn) {
	if err := conn.Handle(done, sock); err != nil {
		c.logger().Warn("client connection closed", "addr", c.Addr, "err", err)
	}
	c.stateHandler().HandleConnState(conn, StateClosed)

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.done = nil
	}
	c.mu.Unlock()
}

func (c *Client) newConn() *Conn {
	conn := &Conn{
		Handler: c.Handler,
		Builder: c.Builder,
		Logger:  c.Logger,
		Clock:   c.Clock,
		Rand:    c.Rand,

		Direction: Initiator,

		Checksum:    c.Checksum,
		CompressMin: c.CompressMin,

		CallTimeout:          c.CallTimeout,
		TimeoutCheckInterval: c.TimeoutCheckInterval,
		TimeoutFuzz:          c.TimeoutFuzz,

		ReadBufferSize:  c.ReadBufferSize,
		WriteBufferSize: c.WriteBufferSize,
		ReadTimeout:     c.ReadTimeout,
		WriteTimeout:    c.WriteTimeout,
		MaxFrameSize:    c.MaxFrameSize,
	}
	conn.Events = watchConn(conn, c.Events)
	return conn
}

// Shutdown closes the live connection and waits for its loops and handlers
// to drain. The client refuses further calls afterwards.
func (c *Client) Shutdown() {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		c.wg.Wait()
		return
	}
	c.shutdown = true
	done := c.done
	c.done = nil
	c.mu.Unlock()

	if done != nil {
		close(done)
	}
	c.wg.Wait()
}

func (c *Client) stateHandler() ConnStateHandler {
	if c.ConnState != nil {
		return c.ConnState
	}
	return DefaultConnStateHandler
}

func (c *Client) logger() Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return DefaultLogger
}

// watchConn forwards events to next and performs the owner's duty on
// escalation: a timedOut connection is reset, which in turn winds down its
// transport loops.
func watchConn(conn *Conn, next EventHandler) EventHandler {
	return EventHandlerFunc(func(ev Event) {
		if next != nil {
			next.HandleConnEvent(ev)
		}
		if ev.Kind == EventTimedOut {
			conn.ResetAll(fmt.Errorf("connection timed out: %w", ErrTimeout))
		}
	})
}
