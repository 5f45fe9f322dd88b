package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/zulandar/consult/internal/conversation"
	"github.com/zulandar/consult/internal/stream"
	"github.com/zulandar/consult/internal/task"
	"github.com/zulandar/consult/internal/turn"
	"go.uber.org/zap"
)

// Send submits a typed message. Validation failures are returned as a
// *Rejection and change nothing. A send in flight is cancelled first.
func (o *Orchestrator) Send(ctx context.Context, content string, attachments []stream.Attachment, action string) error {
	var rerr error
	if err := o.call(ctx, func() {
		rerr = o.handleSend(content, attachments, action)
	}); err != nil {
		return err
	}
	return rerr
}

func (o *Orchestrator) handleSend(content string, attachments []stream.Attachment, action string) error {
	if o.session == nil {
		return o.reject(ErrNoSession, "start a consultation first")
	}
	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		return o.reject(ErrEmptyMessage, "type a message or attach an image")
	}
	if !o.session.Capabilities.Allows(action) {
		o.logger.Warn("action not in capability set", zap.String("action", action), zap.String("agent_type", o.session.AgentType))
		return o.reject(ErrActionUnsupported, "this assistant cannot perform "+action)
	}
	if len(attachments) > 0 && !o.session.Capabilities.SupportsImageUpload {
		return o.reject(ErrAttachmentsUnsupported, "this assistant does not accept attachments")
	}
	req := o.request(submission{content: content, attachments: attachments, action: action})
	if err := o.consumer.Validate(req); err != nil {
		return o.reject(err, "message could not be sent")
	}
	o.pending = &submission{content: content, attachments: attachments, action: action}
	if _, ok := o.apply(turn.Event{Type: turn.Submit, Text: content}); !ok {
		o.pending = nil
		return o.reject(errors.New("submit not accepted"), "message could not be sent")
	}
	return nil
}

// Cancel abandons the response in flight. The user message and the
// placeholder are removed, so the log is as it was before the send, and the
// turn returns to Idle.
func (o *Orchestrator) Cancel(ctx context.Context) error {
	return o.call(ctx, func() {
		if !o.machine.State().Is(turn.Processing) {
			return
		}
		o.abandonSend()
		o.apply(turn.Event{Type: turn.Cancelled})
	})
}

func (o *Orchestrator) request(sub submission) stream.Request {
	action := sub.action
	if action == "" {
		action = conversation.ActionConversation
	}
	return stream.Request{
		SessionID:   o.session.ID,
		Content:     sub.content,
		Attachments: sub.attachments,
		Action:      action,
	}
}

// startSend runs the SubmitText effect: cancel the previous send, log the
// user message and a placeholder, then open the stream.
func (o *Orchestrator) startSend(text string) {
	sub := submission{content: text}
	if o.pending != nil {
		sub = *o.pending
		o.pending = nil
	}
	o.cancelSend()
	o.sendUser = ""
	if o.session == nil {
		return
	}
	o.lastError = ""

	now := o.now()
	user := conversation.Message{Origin: conversation.OriginUser, Content: sub.content, CreatedAt: now}
	if len(sub.attachments) > 0 {
		a := sub.attachments[0]
		user.Attachment = &conversation.AttachmentRef{ID: a.Ref, MIMEType: a.MIMEType}
	}
	user, err := o.session.Log.Append(user)
	if err != nil {
		o.logger.Error("append user message", zap.Error(err))
		o.post(func() { o.apply(turn.Event{Type: turn.Failed, Reason: "message could not be recorded"}) })
		return
	}
	o.publishMessage(UpdateMessageAppended, user, o.session.Log.Len()-1)
	o.sendUser = user.ID

	ph, err := o.session.Log.BeginPlaceholder(now)
	if err != nil {
		o.logger.Error("begin placeholder", zap.Error(err))
		return
	}
	o.publishMessage(UpdateMessageAppended, ph, o.session.Log.Len()-1)
	o.session.Touch(now)

	kind := task.StreamSend
	if len(sub.attachments) > 0 {
		kind = task.ImageAnalyze
	}
	o.registry.CancelConflicting(kind)

	o.gen++
	gen := o.gen
	h, err := o.consumer.Consume(o.ctx, o.request(sub), stream.Callbacks{
		OnChunk: func(_, draft string) {
			o.post(func() { o.onDraft(gen, draft) })
		},
		OnComplete: func(resp stream.Response) {
			o.post(func() { o.onComplete(gen, resp) })
		},
		OnError: func(err error) {
			o.post(func() { o.onStreamError(gen, err) })
		},
	})
	if err != nil {
		o.discardPlaceholder()
		o.sendUser = ""
		reason := "message could not be sent"
		o.post(func() { o.apply(turn.Event{Type: turn.Failed, Reason: reason}) })
		return
	}
	o.send = h
	o.registry.Track(kind, h)
}

func (o *Orchestrator) onDraft(gen uint64, draft string) {
	if gen != o.gen || o.session == nil {
		return
	}
	if _, err := o.session.Log.UpdatePlaceholder(draft); err != nil {
		return
	}
	o.draft = draft
	o.metrics.Chunk()
	o.publish(Update{Kind: UpdateDraft, Text: draft})
}

func (o *Orchestrator) onComplete(gen uint64, resp stream.Response) {
	if gen != o.gen || o.session == nil {
		return
	}
	o.send = nil
	o.sendUser = ""
	o.draft = ""
	text := resp.Text
	if strings.TrimSpace(text) == "" {
		text = o.fallbackReply
	}
	var reply *conversation.Reply
	if len(resp.QuickReplies) > 0 || len(resp.Artifact) > 0 || len(resp.ReasoningSteps) > 0 || resp.RecordID != "" {
		reply = &conversation.Reply{
			QuickReplies:   resp.QuickReplies,
			Artifact:       resp.Artifact,
			ReasoningSteps: resp.ReasoningSteps,
			RecordID:       resp.RecordID,
		}
	}
	m, idx, err := o.session.Log.FinalizePlaceholder(text, reply)
	if err != nil {
		o.logger.Error("finalize placeholder", zap.Error(err))
		return
	}
	if resp.Complete {
		o.session.Complete = true
	}
	o.session.Touch(o.now())
	o.metrics.Stream("completed")
	o.publishMessage(UpdateMessageReplaced, m, idx)
	o.apply(turn.Event{Type: turn.Completed, Text: resp.Text})
}

func (o *Orchestrator) onStreamError(gen uint64, err error) {
	if gen != o.gen {
		return
	}
	o.send = nil
	o.sendUser = ""
	o.discardPlaceholder()
	o.metrics.Stream("failed")
	o.logger.Warn("response failed", zap.Error(err))
	o.apply(turn.Event{Type: turn.Failed, Reason: failureReason(err)})
}

// cancelSend cancels the send in flight and discards its placeholder.
// Bumping gen drops callbacks already queued for it.
func (o *Orchestrator) cancelSend() {
	o.gen++
	if o.send != nil {
		o.send.Cancel()
		o.send = nil
		o.metrics.Stream("cancelled")
	}
	o.discardPlaceholder()
}

// abandonSend cancels the send in flight and also retracts the user message
// it answered.
func (o *Orchestrator) abandonSend() {
	o.cancelSend()
	id := o.sendUser
	o.sendUser = ""
	if id == "" || o.session == nil {
		return
	}
	if m, idx, ok := o.session.Log.RetractLast(id); ok {
		o.publishMessage(UpdateMessageRemoved, m, idx)
	}
}

func (o *Orchestrator) discardPlaceholder() {
	o.draft = ""
	if o.session == nil {
		return
	}
	if m, idx, ok := o.session.Log.DiscardPlaceholder(); ok {
		o.publishMessage(UpdateMessageRemoved, m, idx)
	}
}

// failureReason maps a transport error to text safe for presentation.
func failureReason(err error) string {
	var se *stream.ServerError
	switch {
	case errors.As(err, &se):
		return se.Message
	case errors.Is(err, stream.ErrTruncated):
		return "the response was cut off, please try again"
	}
	return "the consultation service could not be reached"
}
