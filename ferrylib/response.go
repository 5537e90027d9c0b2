package ferrylib

type ResponseState uint8

const (
	ResponseInitial ResponseState = iota
	ResponseDone
	ResponseErrored
)

// InboundResponse is the single response object for one incoming operation.
// Conn.buildResponse creates at most one per operation; a second build
// attempt fails with ErrResponseAlreadyStarted.
type InboundResponse struct {
	conn *Conn
	req  *InboundRequest
	op   *inOp

	state ResponseState // guarded by conn.mu
}

func (r *InboundResponse) State() ResponseState {
	r.conn.mu.Lock()
	defer r.conn.mu.Unlock()
	return r.state
}

// Finish completes the operation and sends the response payload. If a sweep
// or reset already reconciled the operation, the completion is absorbed and
// no frame is sent.
func (r *InboundResponse) Finish(body []byte) error {
	return r.conn.finishResponse(r, body, nil)
}

// Abort completes the operation with an error frame instead of a payload.
func (r *InboundResponse) Abort(cause error) error {
	if cause == nil {
		cause = ErrUnknownReset
	}
	return r.conn.finishResponse(r, nil, cause)
}
