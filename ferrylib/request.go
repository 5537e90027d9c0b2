package ferrylib

import (
	"sync"
	"time"

	"github.com/lithdew/kademlia"
)

// InboundRequest is a decoded request the peer sent. The transport hands it
// to Conn.HandleCallRequest, which stamps the remote identity and schedules
// the application handler.
type InboundRequest struct {
	ID      uint32
	Service string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
	Trace   TraceContext

	RemoteID *kademlia.ID

	mu        sync.Mutex
	err       error
	listeners []func(error)
}

// OnError registers fn to run when the request reports a fault. If a fault
// was already reported, fn runs immediately, so late listeners never miss
// the notification.
func (r *InboundRequest) OnError(fn func(error)) {
	r.mu.Lock()
	if r.err != nil {
		err := r.err
		r.mu.Unlock()
		fn(err)
		return
	}
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// emitError reports a fault to every listener. Only the first fault is
// delivered.
func (r *InboundRequest) emitError(err error) {
	r.mu.Lock()
	if r.err != nil {
		r.mu.Unlock()
		return
	}
	r.err = err
	listeners := r.listeners
	r.listeners = nil
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(err)
	}
}
