package engine

import (
	"context"
	"time"

	"github.com/zulandar/consult/internal/task"
	"github.com/zulandar/consult/internal/turn"
	"go.uber.org/zap"
)

// apply feeds ev to the machine and initiates the resulting effects in
// order. Runs on the actor.
func (o *Orchestrator) apply(ev turn.Event) (turn.Transition, bool) {
	before := o.machine.Mode()
	t, ok := o.machine.Apply(ev)
	if !ok {
		o.logger.Debug("event ignored", zap.Stringer("event", ev.Type), zap.Stringer("state", t.From))
		return t, false
	}
	if t.Changed() || t.Mode != before {
		o.publishState()
	}
	o.record(t)
	for _, e := range t.Effects {
		o.runEffect(t, e)
	}
	if o.shouldResume(t) {
		o.apply(turn.Event{Type: turn.ResumeListening})
	}
	return t, true
}

// shouldResume reports whether a turn that ended in Idle should reopen the
// microphone.
func (o *Orchestrator) shouldResume(t turn.Transition) bool {
	if !t.To.Is(turn.Idle) || !t.Mode.Voice || t.Mode.Muted {
		return false
	}
	switch t.Event.Type {
	case turn.Completed, turn.Cancelled, turn.Acknowledge:
		return o.recognizer != nil
	}
	return false
}

func (o *Orchestrator) record(t turn.Transition) {
	if o.journal == nil || o.session == nil {
		return
	}
	if err := o.journal.RecordTransition(o.ctx, o.session.ID, t); err != nil {
		o.logger.Warn("journal write failed", zap.Error(err))
	}
}

func (o *Orchestrator) runEffect(t turn.Transition, e turn.Effect) {
	switch e.Type {
	case turn.CancelPending:
		o.cancelKinds(e.Kinds)
	case turn.StartRecognition:
		o.startRecognition()
	case turn.PauseRecognition:
		o.pauseRecognition()
	case turn.StopRecognition:
		o.stopRecognition()
	case turn.SetTranscript:
		o.setTranscript(e.Text)
	case turn.ClearTranscript:
		o.setTranscript("")
	case turn.SubmitText:
		o.startSend(e.Text)
	case turn.Speak:
		o.speak(e.Text)
	case turn.StopPlayback:
		o.stopPlayback()
	case turn.StartMonitor:
		o.monitor.Start(o.machine.State(), func() {
			o.post(func() { o.apply(turn.Event{Type: turn.VoiceDetected}) })
		})
	case turn.StopMonitor:
		o.monitor.Stop()
	case turn.SurfaceError:
		o.surfaceError(t, e.Text)
	}
}

func (o *Orchestrator) cancelKinds(kinds []task.Kind) {
	for _, k := range kinds {
		switch k {
		case task.StreamSend, task.ImageAnalyze:
			o.abandonSend()
		case task.SpeechRecognize:
			if o.recognizing != nil {
				o.recognizing.Cancel()
				o.recognizing = nil
			}
		case task.SpeechSynthesize:
			if o.speaking != nil {
				o.speaking.Cancel()
				o.speaking = nil
			}
		}
	}
	o.registry.CancelKinds(kinds...)
}

func (o *Orchestrator) setTranscript(text string) {
	if o.transcript == text {
		return
	}
	o.transcript = text
	o.publish(Update{Kind: UpdateTranscript, Text: text})
}

func (o *Orchestrator) surfaceError(t turn.Transition, reason string) {
	o.lastError = reason
	o.publish(Update{Kind: UpdateError, Text: reason})
	if !t.To.Is(turn.Error) || o.errorRecovery <= 0 {
		return
	}
	o.stopAckTimer()
	want := t.To
	o.ackTimer = time.AfterFunc(o.errorRecovery, func() {
		o.post(func() {
			if o.machine.State() == want {
				o.acknowledge()
			}
		})
	})
}

func (o *Orchestrator) stopAckTimer() {
	if o.ackTimer != nil {
		o.ackTimer.Stop()
		o.ackTimer = nil
	}
}

func (o *Orchestrator) acknowledge() {
	o.stopAckTimer()
	if _, ok := o.apply(turn.Event{Type: turn.Acknowledge}); ok {
		o.lastError = ""
	}
}

// AcknowledgeError clears a surfaced error and leaves the Error state.
func (o *Orchestrator) AcknowledgeError(ctx context.Context) error {
	return o.call(ctx, func() {
		o.acknowledge()
		o.lastError = ""
	})
}
