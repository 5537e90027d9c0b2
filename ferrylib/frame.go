package ferrylib

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/s2"
	"github.com/lithdew/bytesutil"
)

type OpCode = uint8

const (
	OpCodeCallReq OpCode = iota
	OpCodeCallRes
	OpCodeErrRes
)

type ErrCode = uint8

const (
	ErrCodeTimeout ErrCode = iota + 1
	ErrCodeUnexpected
)

const flagCompressedBody uint8 = 1 << 0

var ErrChecksumMismatch = errors.New("frame checksum mismatch")

// CallReq opens an operation on the peer. The trace context and ttl travel
// with the request so the serving side can budget and trace the operation
// without extra state.
type CallReq struct {
	ID       uint32
	Flags    uint8
	Checksum ChecksumKind
	Timeout  uint32 // milliseconds
	Trace    TraceContext
	Service  string
	Headers  map[string]string
	Body     []byte
}

func (p CallReq) AppendTo(dst []byte) []byte {
	mark := len(dst)
	dst = bytesutil.AppendUint32BE(dst, p.ID)
	dst = append(dst, p.Flags, uint8(p.Checksum))
	dst = bytesutil.AppendUint32BE(dst, p.Timeout)
	dst = p.Trace.appendTo(dst)
	dst = append(dst, uint8(len(p.Service)))
	dst = append(dst, p.Service...)
	dst = appendHeaders(dst, p.Headers)
	dst = bytesutil.AppendUint32BE(dst, uint32(len(p.Body)))
	dst = append(dst, p.Body...)
	dst = p.Checksum.appendSum(dst, dst[mark:])
	return dst
}

func UnmarshalCallReq(buf []byte) (CallReq, error) {
	var packet CallReq

	if len(buf) < 4+1+1+4+SizeTraceContext+1 {
		return packet, io.ErrUnexpectedEOF
	}
	frame := buf

	packet.ID, buf = bytesutil.Uint32BE(buf[:4]), buf[4:]
	packet.Flags, buf = buf[0], buf[1:]
	packet.Checksum, buf = ChecksumKind(buf[0]), buf[1:]

	if size := packet.Checksum.size(); size > 0 {
		if len(buf) < size {
			return packet, io.ErrUnexpectedEOF
		}
		payload, sum := frame[:len(frame)-size], frame[len(frame)-size:]
		if !packet.Checksum.verify(payload, sum) {
			return packet, ErrChecksumMismatch
		}
		buf = buf[:len(buf)-size]
	}

	if len(buf) < 4 {
		return packet, io.ErrUnexpectedEOF
	}
	packet.Timeout, buf = bytesutil.Uint32BE(buf[:4]), buf[4:]
	if len(buf) < SizeTraceContext+1 {
		return packet, io.ErrUnexpectedEOF
	}
	packet.Trace, buf = readTraceContext(buf)

	var n uint8
	n, buf = buf[0], buf[1:]
	if len(buf) < int(n) {
		return packet, io.ErrUnexpectedEOF
	}
	packet.Service, buf = string(buf[:n]), buf[n:]

	var err error
	packet.Headers, buf, err = readHeaders(buf)
	if err != nil {
		return packet, err
	}

	if len(buf) < 4 {
		return packet, io.ErrUnexpectedEOF
	}
	var bodyLen uint32
	bodyLen, buf = bytesutil.Uint32BE(buf[:4]), buf[4:]
	if uint32(len(buf)) < bodyLen {
		return packet, io.ErrUnexpectedEOF
	}
	packet.Body = buf[:bodyLen]

	if packet.Flags&flagCompressedBody != 0 {
		body, err := s2.Decode(nil, packet.Body)
		if err != nil {
			return packet, fmt.Errorf("failed to decompress request body: %w", err)
		}
		packet.Body = body
		packet.Flags &^= flagCompressedBody
	}

	return packet, nil
}

func (p *CallReq) compressBody(min int) {
	if p.Flags&flagCompressedBody != 0 || min <= 0 || len(p.Body) < min {
		return
	}
	enc := s2.Encode(nil, p.Body)
	if len(enc) >= len(p.Body) {
		return
	}
	p.Body = enc
	p.Flags |= flagCompressedBody
}

// CallRes closes an operation with a successful payload.
type CallRes struct {
	ID       uint32
	Flags    uint8
	Checksum ChecksumKind
	Body     []byte
}

func (p CallRes) AppendTo(dst []byte) []byte {
	mark := len(dst)
	dst = bytesutil.AppendUint32BE(dst, p.ID)
	dst = append(dst, p.Flags, uint8(p.Checksum))
	dst = bytesutil.AppendUint32BE(dst, uint32(len(p.Body)))
	dst = append(dst, p.Body...)
	dst = p.Checksum.appendSum(dst, dst[mark:])
	return dst
}

func UnmarshalCallRes(buf []byte) (CallRes, error) {
	var packet CallRes

	if len(buf) < 4+1+1+4 {
		return packet, io.ErrUnexpectedEOF
	}
	frame := buf

	packet.ID, buf = bytesutil.Uint32BE(buf[:4]), buf[4:]
	packet.Flags, buf = buf[0], buf[1:]
	packet.Checksum, buf = ChecksumKind(buf[0]), buf[1:]

	if size := packet.Checksum.size(); size > 0 {
		if len(buf) < size+4 {
			return packet, io.ErrUnexpectedEOF
		}
		payload, sum := frame[:len(frame)-size], frame[len(frame)-size:]
		if !packet.Checksum.verify(payload, sum) {
			return packet, ErrChecksumMismatch
		}
		buf = buf[:len(buf)-size]
	}

	var bodyLen uint32
	bodyLen, buf = bytesutil.Uint32BE(buf[:4]), buf[4:]
	if uint32(len(buf)) < bodyLen {
		return packet, io.ErrUnexpectedEOF
	}
	packet.Body = buf[:bodyLen]

	if packet.Flags&flagCompressedBody != 0 {
		body, err := s2.Decode(nil, packet.Body)
		if err != nil {
			return packet, fmt.Errorf("failed to decompress response body: %w", err)
		}
		packet.Body = body
		packet.Flags &^= flagCompressedBody
	}

	return packet, nil
}

func (p *CallRes) compressBody(min int) {
	if p.Flags&flagCompressedBody != 0 || min <= 0 || len(p.Body) < min {
		return
	}
	enc := s2.Encode(nil, p.Body)
	if len(enc) >= len(p.Body) {
		return
	}
	p.Body = enc
	p.Flags |= flagCompressedBody
}

// ErrRes closes an operation with a fault. Kind carries the name of the
// original error so the caller can tell a timeout from a handler crash.
type ErrRes struct {
	ID      uint32
	Code    ErrCode
	Kind    string
	Message string
}

func (p ErrRes) AppendTo(dst []byte) []byte {
	dst = bytesutil.AppendUint32BE(dst, p.ID)
	dst = append(dst, p.Code)
	dst = append(dst, uint8(len(p.Kind)))
	dst = append(dst, p.Kind...)
	msg := p.Message
	if len(msg) > math.MaxUint16 {
		msg = msg[:math.MaxUint16]
	}
	dst = bytesutil.AppendUint16BE(dst, uint16(len(msg)))
	dst = append(dst, msg...)
	return dst
}

func UnmarshalErrRes(buf []byte) (ErrRes, error) {
	var packet ErrRes

	if len(buf) < 4+1+1 {
		return packet, io.ErrUnexpectedEOF
	}

	packet.ID, buf = bytesutil.Uint32BE(buf[:4]), buf[4:]
	packet.Code, buf = buf[0], buf[1:]

	var n uint8
	n, buf = buf[0], buf[1:]
	if len(buf) < int(n) {
		return packet, io.ErrUnexpectedEOF
	}
	packet.Kind, buf = string(buf[:n]), buf[n:]

	if len(buf) < 2 {
		return packet, io.ErrUnexpectedEOF
	}
	var size uint16
	size, buf = bytesutil.Uint16BE(buf[:2]), buf[2:]
	if len(buf) < int(size) {
		return packet, io.ErrUnexpectedEOF
	}
	packet.Message = string(buf[:size])

	return packet, nil
}

func appendHeaders(dst []byte, headers map[string]string) []byte {
	if headers == nil {
		return bytesutil.AppendUint16BE(dst, 0)
	}
	dst = bytesutil.AppendUint16BE(dst, uint16(len(headers)))
	for name, value := range headers {
		dst = append(dst, byte(len(name)))
		dst = append(dst, name...)
		dst = bytesutil.AppendUint16BE(dst, uint16(len(value)))
		dst = append(dst, value...)
	}
	return dst
}

func readHeaders(buf []byte) (map[string]string, []byte, error) {
	if len(buf) < 2 {
		return nil, buf, io.ErrUnexpectedEOF
	}

	var size uint16
	size, buf = bytesutil.Uint16BE(buf[:2]), buf[2:]
	if size == 0 {
		return nil, buf, nil
	}

	headers := make(map[string]string, size)
	for i := uint16(0); i < size; i++ {
		if len(buf) < 1 {
			return nil, buf, io.ErrUnexpectedEOF
		}
		var nameSize uint8
		nameSize, buf = buf[0], buf[1:]
		if len(buf) < int(nameSize) {
			return nil, buf, io.ErrUnexpectedEOF
		}
		var name string
		name, buf = string(buf[:nameSize]), buf[nameSize:]

		if len(buf) < 2 {
			return nil, buf, io.ErrUnexpectedEOF
		}
		var valueSize uint16
		valueSize, buf = bytesutil.Uint16BE(buf[:2]), buf[2:]
		if len(buf) < int(valueSize) {
			return nil, buf, io.ErrUnexpectedEOF
		}
		headers[name], buf = string(buf[:valueSize]), buf[valueSize:]
	}

	return headers, buf, nil
}
