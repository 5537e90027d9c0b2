package ferrylib

import "sync"

// dispatchQueue runs tasks one at a time in submission order. Incoming
// operation handlers are pushed here, so a handler queued during task N can
// never start before task N finishes.
type dispatchQueue struct {
	mu      sync.Mutex
	cond    sync.Cond
	queue   []func()
	done    bool
	stopped chan struct{}
}

func newDispatchQueue() *dispatchQueue {
	q := &dispatchQueue{stopped: make(chan struct{})}
	q.cond.L = &q.mu
	go q.run()
	return q
}

func (q *dispatchQueue) push(fn func()) bool {
	q.mu.Lock()
	if q.done {
		q.mu.Unlock()
		return false
	}
	q.queue = append(q.queue, fn)
	q.cond.Signal()
	q.mu.Unlock()
	return true
}

// close stops intake. Tasks already queued still run before the worker
// exits. Safe to call from inside a task.
func (q *dispatchQueue) close() {
	q.mu.Lock()
	if !q.done {
		q.done = true
		q.cond.Signal()
	}
	q.mu.Unlock()
}

// join blocks until the worker has drained and exited. Must not be called
// from inside a task.
func (q *dispatchQueue) join() {
	q.close()
	<-q.stopped
}

func (q *dispatchQueue) run() {
	defer close(q.stopped)

	for {
		q.mu.Lock()
		for len(q.queue) == 0 && !q.done {
			q.cond.Wait()
		}
		if len(q.queue) == 0 {
			q.mu.Unlock()
			return
		}
		next := q.queue
		q.queue = nil
		q.mu.Unlock()

		for _, fn := range next {
			fn()
		}
	}
}
