package ferrylib

import "time"

// outOp is an operation we initiated, awaiting the peer's response.
type outOp struct {
	id       uint32
	call     *OutboundCall
	start    time.Time
	timedOut bool
}

// inOp is an operation the peer initiated, being served locally. done guards
// the single terminal transition; the table identity check in finalize
// tolerates a record that a sweep or reset already removed.
type inOp struct {
	id    uint32
	req   *InboundRequest
	start time.Time
	resp  *InboundResponse
	done  bool
}

// opTable maps live operation ids to records and keeps the pending counter
// in lock-step with the map. It is not safe for concurrent use on its own;
// the Conn mutex serializes all access.
type opTable[T any] struct {
	ops     map[uint32]*T
	pending uint32
}

func newOpTable[T any]() opTable[T] {
	return opTable[T]{ops: make(map[uint32]*T)}
}

func (t *opTable[T]) register(id uint32, op *T) error {
	if _, exists := t.ops[id]; exists {
		return ErrDuplicateID
	}
	t.ops[id] = op
	t.pending++
	return nil
}

func (t *opTable[T]) get(id uint32) (*T, bool) {
	op, exists := t.ops[id]
	return op, exists
}

func (t *opTable[T]) pop(id uint32) (*T, bool) {
	op, exists := t.ops[id]
	if !exists {
		return nil, false
	}
	delete(t.ops, id)
	t.pending--
	return op, true
}

// popMatch removes id only if the table still maps it to exactly op.
func (t *opTable[T]) popMatch(id uint32, op *T) bool {
	cur, exists := t.ops[id]
	if !exists || cur != op {
		return false
	}
	delete(t.ops, id)
	t.pending--
	return true
}

func (t *opTable[T]) drain() []*T {
	if len(t.ops) == 0 {
		t.pending = 0
		return nil
	}
	drained := make([]*T, 0, len(t.ops))
	for id, op := range t.ops {
		drained = append(drained, op)
		delete(t.ops, id)
	}
	t.pending = 0
	return drained
}

func (t *opTable[T]) size() int     { return len(t.ops) }
func (t *opTable[T]) count() uint32 { return t.pending }
