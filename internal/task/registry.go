package task

import (
	"context"
	"sync"
)

// Kind names a class of pending operation.
type Kind string

const (
	SendCode         Kind = "send-code"
	Login            Kind = "login"
	StreamSend       Kind = "stream-send"
	ImageAnalyze     Kind = "image-analyze"
	SpeechRecognize  Kind = "speech-recognize"
	SpeechSynthesize Kind = "speech-synthesize"
	Summarize        Kind = "summarize"
)

// conflicts lists, per kind, the in-flight kinds that a new operation
// replaces. A kind missing from the map conflicts only with itself.
var conflicts = map[Kind][]Kind{
	StreamSend:   {StreamSend, ImageAnalyze},
	ImageAnalyze: {StreamSend, ImageAnalyze},
}

// Conflicts reports whether starting next must cancel an in-flight op of kind prev.
func Conflicts(next, prev Kind) bool {
	set, ok := conflicts[next]
	if !ok {
		return next == prev
	}
	for _, k := range set {
		if k == prev {
			return true
		}
	}
	return false
}

// Registry tracks the pending operations of one session.
type Registry struct {
	parent context.Context

	mu      sync.Mutex
	pending map[*Handle]Kind
}

// NewRegistry creates a registry whose handles derive from parent.
func NewRegistry(parent context.Context) *Registry {
	if parent == nil {
		parent = context.Background()
	}
	return &Registry{
		parent:  parent,
		pending: make(map[*Handle]Kind),
	}
}

// Begin cancels every conflicting in-flight operation, then starts work.
func (r *Registry) Begin(kind Kind, work func(h *Handle) error) *Handle {
	r.CancelConflicting(kind)
	h := Start(r.parent, work)
	r.Track(kind, h)
	return h
}

// CancelConflicting cancels in-flight operations that kind replaces and
// returns how many were cancelled.
func (r *Registry) CancelConflicting(kind Kind) int {
	var victims []*Handle
	r.mu.Lock()
	for h, k := range r.pending {
		if Conflicts(kind, k) {
			victims = append(victims, h)
		}
	}
	r.mu.Unlock()
	for _, h := range victims {
		h.Cancel()
	}
	return len(victims)
}

// Track registers an already started handle under kind. The entry is
// dropped when the handle finishes.
func (r *Registry) Track(kind Kind, h *Handle) {
	r.mu.Lock()
	r.pending[h] = kind
	r.mu.Unlock()
	go func() {
		<-h.Done()
		r.mu.Lock()
		delete(r.pending, h)
		r.mu.Unlock()
	}()
}

// Pending reports whether an unfinished, uncancelled op of kind exists.
func (r *Registry) Pending(kind Kind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for h, k := range r.pending {
		if k == kind && !h.IsCancelled() {
			return true
		}
	}
	return false
}

// CancelKinds cancels every in-flight operation of the given kinds.
func (r *Registry) CancelKinds(kinds ...Kind) int {
	want := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	var victims []*Handle
	r.mu.Lock()
	for h, k := range r.pending {
		if want[k] {
			victims = append(victims, h)
		}
	}
	r.mu.Unlock()
	for _, h := range victims {
		h.Cancel()
	}
	return len(victims)
}

// CancelAll cancels every in-flight operation.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	victims := make([]*Handle, 0, len(r.pending))
	for h := range r.pending {
		victims = append(victims, h)
	}
	r.mu.Unlock()
	for _, h := range victims {
		h.Cancel()
	}
	return len(victims)
}

// Wait blocks until every tracked operation has finished or ctx is done.
func (r *Registry) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		var next *Handle
		for h := range r.pending {
			if h.Outcome() == Running {
				next = h
				break
			}
		}
		r.mu.Unlock()
		if next == nil {
			return nil
		}
		if _, err := next.Wait(ctx); err != nil {
			return err
		}
	}
}
