package ferrylib

import (
	crand "crypto/rand"
	"time"

	"github.com/google/uuid"
)

const SizeTraceContext = 16 + 8 + 8

// TraceContext identifies one operation within a distributed trace. The
// trace id is shared by every operation on a connection, span ids are
// per-operation.
type TraceContext struct {
	TraceID  uuid.UUID
	SpanID   [8]byte
	ParentID [8]byte
}

func newTraceContext() TraceContext {
	return TraceContext{TraceID: uuid.New(), SpanID: newSpanID()}
}

func (t TraceContext) child() TraceContext {
	return TraceContext{TraceID: t.TraceID, SpanID: newSpanID(), ParentID: t.SpanID}
}

func (t TraceContext) appendTo(dst []byte) []byte {
	dst = append(dst, t.TraceID[:]...)
	dst = append(dst, t.SpanID[:]...)
	dst = append(dst, t.ParentID[:]...)
	return dst
}

func readTraceContext(buf []byte) (TraceContext, []byte) {
	var t TraceContext
	copy(t.TraceID[:], buf[:16])
	copy(t.SpanID[:], buf[16:24])
	copy(t.ParentID[:], buf[24:32])
	return t, buf[SizeTraceContext:]
}

func newSpanID() [8]byte {
	var id [8]byte
	_, _ = crand.Read(id[:])
	return id
}

// Span describes one finished incoming operation for tracing consumers.
type Span struct {
	Trace   TraceContext
	Service string
	Start   time.Time
	End     time.Time
	Err     string
}

func (s *Span) Duration() time.Duration { return s.End.Sub(s.Start) }
