package engine

import (
	"context"
	"sync"
)

// queue is an unbounded FIFO. Producers never block.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
	closed bool
}

// mailbox feeds the actor.
type mailbox = queue[func()]

func newQueue[T any]() *queue[T] {
	return &queue[T]{signal: make(chan struct{}, 1)}
}

func newMailbox() *mailbox { return newQueue[func()]() }

func (q *queue[T]) push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.wake()
	return true
}

func (q *queue[T]) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue[T]) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// next blocks until an item is queued. It reports false once the queue is
// closed and drained, or when ctx is done; ctx ending discards what is left.
func (q *queue[T]) next(ctx context.Context) (T, bool) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return zero, false
		}
		select {
		case <-q.signal:
		case <-ctx.Done():
			q.discard()
			return zero, false
		}
	}
}

// close stops new pushes. Queued items are still delivered by next.
func (q *queue[T]) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

func (q *queue[T]) discard() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
}

func (o *Orchestrator) loop() {
	defer close(o.actorDone)
	for {
		fn, ok := o.box.next(o.ctx)
		if !ok {
			return
		}
		fn()
	}
}

// post queues fn for the actor without waiting. Used by collaborator
// callbacks, which may run on any goroutine.
func (o *Orchestrator) post(fn func()) {
	o.box.push(func() {
		fn()
		o.refresh()
	})
}

// call runs fn on the actor and waits for it to finish.
func (o *Orchestrator) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	ok := o.box.push(func() {
		fn()
		o.refresh()
		close(done)
	})
	if !ok {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-o.actorDone:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
