// Package task provides cooperative cancellation handles for the network and
// audio operations a consultation runs concurrently.
package task

import (
	"context"
	"errors"
	"sync"
)

// ErrCancelled is returned by Check once a handle has been cancelled.
// It marks a distinct terminal outcome and is never reported as a failure.
var ErrCancelled = errors.New("task: cancelled")

// Outcome is the terminal state of a handle.
type Outcome int

const (
	Running Outcome = iota
	Succeeded
	Failed
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Handle wraps one asynchronous operation.
type Handle struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	manual bool

	mu        sync.Mutex
	cancelled bool
	outcome   Outcome
	err       error
}

func newHandle(parent context.Context) *Handle {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Handle{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start runs work in its own goroutine and returns its handle. work should
// call Check at each suspension point and route state mutations through
// Commit.
func Start(parent context.Context, work func(h *Handle) error) *Handle {
	h := newHandle(parent)
	go func() {
		h.Finish(work(h))
	}()
	return h
}

// Manual returns a running handle whose owner reports completion with
// Finish. It is used for operations driven by collaborator callbacks rather
// than a goroutine, such as recognition and playback.
func Manual(parent context.Context) *Handle {
	h := newHandle(parent)
	h.manual = true
	return h
}

// Finish records the outcome of the operation. Only the first call has any
// effect. A handle that was cancelled always finishes as Cancelled.
func (h *Handle) Finish(err error) {
	h.mu.Lock()
	if h.outcome != Running {
		h.mu.Unlock()
		return
	}
	switch {
	case h.cancelled || errors.Is(err, ErrCancelled):
		h.cancelled = true
		h.outcome = Cancelled
	case err != nil && errors.Is(err, context.Canceled) && h.ctx.Err() != nil:
		h.cancelled = true
		h.outcome = Cancelled
	case err != nil:
		h.outcome = Failed
		h.err = err
	default:
		h.outcome = Succeeded
	}
	h.mu.Unlock()
	h.cancel()
	close(h.done)
}

// Cancel requests cancellation. Calling it after completion is a no-op.
// Once Cancel returns, no further Commit on this handle will run. A manual
// handle finishes as Cancelled immediately.
func (h *Handle) Cancel() {
	h.mu.Lock()
	if h.outcome != Running || h.cancelled {
		h.mu.Unlock()
		return
	}
	h.cancelled = true
	finish := h.manual
	if finish {
		h.outcome = Cancelled
	}
	h.mu.Unlock()
	h.cancel()
	if finish {
		close(h.done)
	}
}

// IsCancelled reports whether cancellation was requested, either directly or
// through the parent context.
func (h *Handle) IsCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.isCancelledLocked()
}

func (h *Handle) isCancelledLocked() bool {
	if h.cancelled {
		return true
	}
	return h.outcome == Running && h.ctx.Err() != nil
}

// Check returns ErrCancelled if the handle has been cancelled.
func (h *Handle) Check() error {
	if h.IsCancelled() {
		return ErrCancelled
	}
	return nil
}

// Commit runs fn unless the handle has been cancelled and reports whether it
// ran. Commit and Cancel exclude each other, so a mutation cannot land after
// a concurrent cancel has been observed.
func (h *Handle) Commit(fn func()) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.isCancelledLocked() {
		return false
	}
	fn()
	return true
}

// Context is cancelled when the handle is cancelled or finishes.
func (h *Handle) Context() context.Context { return h.ctx }

// Done is closed when the operation has finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Outcome returns the current outcome.
func (h *Handle) Outcome() Outcome {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome
}

// Err returns the failure recorded by Finish, if any.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Wait blocks until the operation finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-h.done:
		return h.Outcome(), nil
	case <-ctx.Done():
		return Running, ctx.Err()
	}
}
