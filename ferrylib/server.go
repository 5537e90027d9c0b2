package ferrylib

import (
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

// Server accepts connections and serves the operations arriving over them.
// Each accepted socket gets its own Conn; all of them share the server's
// handler and knobs.
type Server struct {
	BindAddrs []BindFunc

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

	mu       sync.Mutex
	shutdown bool
	conns    map[*Conn]chan struct{}
	lns      []net.Listener
	wg       sync.WaitGroup
}

// Start binds every address in BindAddrs and accepts on each in the
// background. Listeners opened here are owned by the server and closed by
// Shutdown. A bind failure closes whatever was already bound.
func (s *Server) Start() error {
	for _, fn := range s.BindAddrs {
		ln, err := fn()
		if err != nil {
			s.closeListeners()
			return err
		}

		s.mu.Lock()
		if s.shutdown {
			s.mu.Unlock()
			ln.Close()
			return ErrClosed
		}
		s.lns = append(s.lns, ln)
		s.mu.Unlock()

		s.logger().Info("listening", "addr", ln.Addr().String())

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.Serve(ln); err != nil {
				s.logger().Warn("listener failed", "addr", ln.Addr().String(), "err", err)
			}
		}()
	}
	return nil
}

// Addrs reports the bound addresses of the listeners Start opened.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrs := make([]net.Addr, 0, len(s.lns))
	for _, ln := range s.lns {
		addrs = append(addrs, ln.Addr())
	}
	return addrs
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	lns := s.lns
	s.lns = nil
	s.mu.Unlock()

	for _, ln := range lns {
		ln.Close()
	}
}

// Serve accepts from ln until it fails or the server shuts down. Transient
// accept errors back off and retry instead of tearing the listener down.
func (s *Server) Serve(ln net.Listener) error {
	if s.closed() {
		return nil
	}

	b := &backoff.Backoff{Factor: 1.25, Jitter: true, Min: 25 * time.Millisecond, Max: 1 * time.Second}

	for {
		sock, err := ln.Accept()
		if err != nil {
			if s.closed() {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				delay := b.Duration()
				s.logger().Warn("failed to accept, retrying", "err", err, "delay", delay)
				t := timerPool.acquire(delay)
				<-t.C
				timerPool.release(t)
				continue
			}
			return err
		}
		b.Reset()

		s.wg.Add(1)
		go s.serveConn(sock)
	}
}

func (s *Server) serveConn(sock net.Conn) {
	defer s.wg.Done()

	conn := s.newConn()
	done := make(chan struct{})

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		sock.Close()
		return
	}
	if s.conns == nil {
		s.conns = make(map[*Conn]chan struct{})
	}
	s.conns[conn] = done
	s.mu.Unlock()

	s.stateHandler().HandleConnState(conn, StateNew)

	if err := conn.Handle(done, sock); err != nil {
		s.logger().Warn("connection closed", "addr", conn.RemoteAddr(), "err", err)
	}

	s.stateHandler().HandleConnState(conn, StateClosed)

	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) newConn() *Conn {
	conn := &Conn{
		Handler: s.Handler,
		Builder: s.Builder,
		Logger:  s.Logger,
		Clock:   s.Clock,
		Rand:    s.Rand,

		Direction: Acceptor,

		Checksum:    s.Checksum,
		CompressMin: s.CompressMin,

		CallTimeout:          s.CallTimeout,
		TimeoutCheckInterval: s.TimeoutCheckInterval,
		TimeoutFuzz:          s.TimeoutFuzz,

		ReadBufferSize:  s.ReadBufferSize,
		WriteBufferSize: s.WriteBufferSize,
		ReadTimeout:     s.ReadTimeout,
		WriteTimeout:    s.WriteTimeout,
		MaxFrameSize:    s.MaxFrameSize,
	}
	conn.Events = watchConn(conn, s.Events)
	return conn
}

// Shutdown closes every served connection and waits for their handlers to
// drain. Listeners Start opened are closed; listeners handed to Serve
// directly belong to the caller and stay open.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.shutdown = true
	lns := s.lns
	s.lns = nil
	for _, done := range s.conns {
		close(done)
	}
	s.mu.Unlock()

	for _, ln := range lns {
		ln.Close()
	}
	s.wg.Wait()
}

func (s *Server) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *Server) stateHandler() ConnStateHandler {
	if s.ConnState != nil {
		return s.ConnState
	}
	return DefaultConnStateHandler
}

func (s *Server) logger() Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return DefaultLogger
}
