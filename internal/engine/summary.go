package engine

import (
	"context"
	"fmt"

	"github.com/zulandar/consult/internal/conversation"
	"github.com/zulandar/consult/internal/task"
	"go.uber.org/zap"
)

// summaryCall is one in-flight summary request shared by every caller.
type summaryCall struct {
	done    chan struct{}
	summary conversation.Summary
	err     error
}

// RequestSummary generates the consultation summary. It is allowed once the
// conversation has enough messages or the backend marked it complete.
// Concurrent callers share one request; a success is cached.
func (o *Orchestrator) RequestSummary(ctx context.Context) (conversation.Summary, error) {
	var (
		sc     *summaryCall
		cached *conversation.Summary
		rerr   error
	)
	if err := o.call(ctx, func() {
		sc, cached, rerr = o.beginSummary()
	}); err != nil {
		return conversation.Summary{}, err
	}
	if rerr != nil {
		return conversation.Summary{}, rerr
	}
	if cached != nil {
		return *cached, nil
	}
	select {
	case <-sc.done:
	case <-ctx.Done():
		return conversation.Summary{}, ctx.Err()
	}
	if sc.err != nil {
		return conversation.Summary{}, &Rejection{
			Reason: "the summary could not be generated, please try again",
			Err:    fmt.Errorf("%w: %v", ErrSummaryFailed, sc.err),
		}
	}
	return sc.summary, nil
}

// beginSummary checks the gate and starts or joins a request. Runs on the actor.
func (o *Orchestrator) beginSummary() (*summaryCall, *conversation.Summary, error) {
	if o.session == nil {
		return nil, nil, o.reject(ErrNoSession, "start a consultation first")
	}
	if o.summary != nil {
		return nil, o.summary, nil
	}
	if o.summaryCall != nil {
		return o.summaryCall, nil, nil
	}
	total, user := o.session.Log.Counts()
	engaged := total >= o.summaryPolicy.MinMessages && user >= o.summaryPolicy.MinUserMessages
	if !engaged && !o.session.Complete {
		return nil, nil, o.reject(ErrNeedsMoreConversation, fmt.Sprintf(
			"needs more conversation: at least %d messages with %d from you are required",
			o.summaryPolicy.MinMessages, o.summaryPolicy.MinUserMessages))
	}

	sc := &summaryCall{done: make(chan struct{})}
	o.summaryCall = sc
	sessionID := o.session.ID
	h := task.Start(o.ctx, func(h *task.Handle) error {
		defer close(sc.done)
		if err := h.Check(); err != nil {
			sc.err = err
			return err
		}
		s, err := o.backend.GenerateSummary(h.Context(), sessionID)
		if err == nil && s.SessionID == "" {
			s.SessionID = sessionID
		}
		sc.summary, sc.err = s, err
		o.post(func() { o.finishSummary(sc) })
		return err
	})
	o.registry.Track(task.Summarize, h)
	return sc, nil, nil
}

func (o *Orchestrator) finishSummary(sc *summaryCall) {
	if o.summaryCall != sc {
		return
	}
	o.summaryCall = nil
	if sc.err != nil {
		o.metrics.Summary("failed")
		o.logger.Warn("summary failed", zap.Error(sc.err))
		return
	}
	s := sc.summary
	o.summary = &s
	o.metrics.Summary("ok")
	o.publish(Update{Kind: UpdateSummary, Summary: &s})
}
