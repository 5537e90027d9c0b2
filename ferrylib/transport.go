package ferrylib

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/lithdew/bytesutil"
	"github.com/valyala/bytebufferpool"
)

type appender interface {
	AppendTo(dst []byte) []byte
}

// Call admits an outgoing operation, writes its frame, and waits for the
// peer's response, a sweep timeout, or a reset to resolve it.
func (c *Conn) Call(ctx context.Context, opts CallOptions) ([]byte, error) {
	call, err := c.Request(opts)
	if err != nil {
		return nil, err
	}

	packet := CallReq{
		ID:       call.ID,
		Checksum: call.Checksum,
		Timeout:  uint32(call.Timeout / time.Millisecond),
		Trace:    call.Trace,
		Service:  call.Service,
		Headers:  call.Headers,
		Body:     call.Body,
	}
	packet.compressBody(c.CompressMin)

	if err := c.writeFrame(OpCodeCallReq, packet, false); err != nil {
		if _, ok := c.PopOutgoing(call.ID); ok {
			call.resolve(nil, err)
		}
		return nil, err
	}

	return call.Wait(ctx)
}

// Handle drives sock as the connection's transport until done closes, the
// socket fails, or the connection resets. It always leaves the connection
// fully reset, the socket closed, and all handlers drained before
// returning.
func (c *Conn) Handle(done <-chan struct{}, sock net.Conn) error {
	c.init()

	c.mu.Lock()
	c.raddr = sock.RemoteAddr()
	c.mu.Unlock()

	writerDone := make(chan error, 1)
	go func() { writerDone <- c.writeLoop(sock) }()

	readerDone := make(chan error, 1)
	go func() { readerDone <- c.readLoop(sock) }()

	var err error
	var fromWriter, fromReader bool
	select {
	case <-done:
	case err = <-writerDone:
		fromWriter = true
	case err = <-readerDone:
		fromReader = true
	}

	c.ResetAll(resetCause(err))
	sock.Close()

	if !fromWriter {
		<-writerDone
	}
	if !fromReader {
		<-readerDone
	}

	c.join()
	return err
}

// resetCause folds socket-level failures into the expected local-close
// kind. Anything else is reported as-is and ends up published as an error
// event.
func resetCause(err error) error {
	switch {
	case err == nil:
		return fmt.Errorf("%w: shutdown requested", ErrSocketClosed)
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return fmt.Errorf("%w: %v", ErrSocketClosed, err)
	default:
		return err
	}
}

func appendFrame(dst []byte, opcode OpCode, p appender) []byte {
	mark := len(dst)
	dst = bytesutil.AppendUint32BE(dst, 0)
	dst = append(dst, opcode)
	dst = p.AppendTo(dst)

	size := uint32(len(dst) - mark - 4)
	dst[mark+0] = byte(size >> 24)
	dst[mark+1] = byte(size >> 16)
	dst[mark+2] = byte(size >> 8)
	dst[mark+3] = byte(size)
	return dst
}

// writeFrame frames the packet and queues it for the writer. With wait set
// it blocks until the bytes hit the socket and reports the write error.
func (c *Conn) writeFrame(opcode OpCode, p appender, wait bool) error {
	buf := bytebufferpool.Get()
	buf.B = appendFrame(buf.B, opcode, p)

	pw := pendingWritePool.acquire(buf, wait)

	c.mu.Lock()
	if c.writerDone {
		c.mu.Unlock()
		bytebufferpool.Put(buf)
		pendingWritePool.release(pw)
		return ErrClosed
	}
	if wait {
		pw.wg.Add(1)
	}
	c.writerQueue = append(c.writerQueue, pw)
	c.writerCond.Signal()
	c.mu.Unlock()

	atomic.AddUint64(&c.framesOut, 1)

	if !wait {
		return nil
	}

	pw.wg.Wait()
	err := pw.err
	bytebufferpool.Put(pw.buf)
	pendingWritePool.release(pw)
	return err
}

func (c *Conn) writeLoop(sock net.Conn) error {
	bw := bufio.NewWriterSize(sock, c.writeBufferSize())

	for {
		c.mu.Lock()
		for len(c.writerQueue) == 0 && !c.writerDone {
			c.writerCond.Wait()
		}
		if len(c.writerQueue) == 0 && c.writerDone {
			c.mu.Unlock()
			return nil
		}
		queue := c.writerQueue
		c.writerQueue = nil
		c.mu.Unlock()

		if timeout := c.WriteTimeout; timeout > 0 {
			if err := sock.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
				c.failPendingWrites(queue, err)
				return err
			}
		}

		var err error
		for _, pw := range queue {
			if err == nil {
				_, err = bw.Write(pw.buf.B)
			}
			pw.err = err
			if pw.wait {
				pw.wg.Done()
			} else {
				bytebufferpool.Put(pw.buf)
				pendingWritePool.release(pw)
			}
		}
		if err == nil {
			err = bw.Flush()
		}
		if err != nil {
			return err
		}
	}
}

func (c *Conn) failPendingWrites(writes []*pendingWrite, cause error) {
	for _, pw := range writes {
		pw.err = cause
		if pw.wait {
			pw.wg.Done()
		} else {
			bytebufferpool.Put(pw.buf)
			pendingWritePool.release(pw)
		}
	}
}

func (c *Conn) readLoop(sock net.Conn) error {
	br := bufio.NewReaderSize(sock, c.readBufferSize())

	var header [4]byte
	for {
		if timeout := c.ReadTimeout; timeout > 0 {
			if err := sock.SetReadDeadline(time.Now().Add(timeout)); err != nil {
				return err
			}
		}

		if _, err := io.ReadFull(br, header[:]); err != nil {
			return err
		}
		size := bytesutil.Uint32BE(header[:])
		if size == 0 {
			return errors.New("received an empty frame")
		}
		if size > c.maxFrameSize() {
			return fmt.Errorf("frame of %d bytes exceeds limit of %d bytes", size, c.maxFrameSize())
		}

		frame := make([]byte, size)
		if _, err := io.ReadFull(br, frame); err != nil {
			return err
		}

		atomic.AddUint64(&c.framesIn, 1)

		if err := c.handleFrame(frame[0], frame[1:]); err != nil {
			return err
		}
	}
}

func (c *Conn) handleFrame(opcode OpCode, payload []byte) error {
	switch opcode {
	case OpCodeCallReq:
		packet, err := UnmarshalCallReq(payload)
		if err != nil {
			return fmt.Errorf("failed to decode call request: %w", err)
		}
		req := &InboundRequest{
			ID:      packet.ID,
			Service: packet.Service,
			Headers: packet.Headers,
			Body:    packet.Body,
			Timeout: time.Duration(packet.Timeout) * time.Millisecond,
			Trace:   packet.Trace,
		}
		if err := c.HandleCallRequest(req); err != nil {
			if errors.Is(err, ErrDuplicateID) {
				c.logger().Warn("rejected request reusing a pending id", "id", packet.ID)
				return nil
			}
			return err
		}
	case OpCodeCallRes:
		packet, err := UnmarshalCallRes(payload)
		if err != nil {
			return fmt.Errorf("failed to decode call response: %w", err)
		}
		call, ok := c.PopOutgoing(packet.ID)
		if !ok {
			c.logger().Info("dropping response for unknown operation", "id", packet.ID)
			return nil
		}
		call.resolve(packet.Body, nil)
	case OpCodeErrRes:
		packet, err := UnmarshalErrRes(payload)
		if err != nil {
			return fmt.Errorf("failed to decode error response: %w", err)
		}
		call, ok := c.PopOutgoing(packet.ID)
		if !ok {
			c.logger().Info("dropping error response for unknown operation", "id", packet.ID)
			return nil
		}
		call.resolve(nil, &RemoteError{Code: packet.Code, Kind: packet.Kind, Message: packet.Message})
	default:
		return fmt.Errorf("unknown opcode %d", opcode)
	}
	return nil
}
