package ferrylib

type EventKind uint8

const (
	// EventError reports a connection-fatal error. It is not published for
	// an expected local close.
	EventError EventKind = iota

	// EventTimedOut reports sweeper escalation. The owner is expected to
	// follow with ResetAll.
	EventTimedOut

	// EventSpan reports that a completed incoming operation produced a
	// tracing span.
	EventSpan
)

type Event struct {
	Kind EventKind
	Conn *Conn
	Err  error
	Span *Span
}

type EventHandler interface {
	HandleConnEvent(ev Event)
}

type EventHandlerFunc func(ev Event)

func (fn EventHandlerFunc) HandleConnEvent(ev Event) { fn(ev) }

var DefaultEventHandler EventHandlerFunc = func(ev Event) {}
