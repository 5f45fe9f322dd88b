package engine

import (
	"context"

	"github.com/zulandar/consult/internal/task"
	"github.com/zulandar/consult/internal/turn"
	"go.uber.org/zap"
)

// StartVoiceMode turns the microphone on. Repeated calls are no-ops. While
// an image is being analysed the request is ignored.
func (o *Orchestrator) StartVoiceMode(ctx context.Context) error {
	if o.recognizer == nil {
		return o.reject(ErrVoiceUnavailable, "voice input is not available")
	}
	var rerr error
	if err := o.call(ctx, func() {
		if o.session == nil {
			rerr = o.reject(ErrNoSession, "start a consultation first")
			return
		}
		if o.registry.Pending(task.ImageAnalyze) {
			o.logger.Warn("voice mode ignored during image analysis", zap.String("session_id", o.session.ID))
			return
		}
		o.apply(turn.Event{Type: turn.StartVoice})
	}); err != nil {
		return err
	}
	return rerr
}

// StopVoiceMode turns voice off, cancelling recognition, playback and any
// response in flight. Calling it while idle with voice off does nothing.
func (o *Orchestrator) StopVoiceMode(ctx context.Context) error {
	return o.call(ctx, func() {
		o.apply(turn.Event{Type: turn.StopVoice})
	})
}

// ToggleMute flips the microphone mute flag and returns the new value.
func (o *Orchestrator) ToggleMute(ctx context.Context) (bool, error) {
	var muted bool
	err := o.call(ctx, func() {
		ev := turn.Mute
		if o.machine.Mode().Muted {
			ev = turn.Unmute
		}
		o.apply(turn.Event{Type: ev})
		muted = o.machine.Mode().Muted
	})
	return muted, err
}

// Interrupt stops playback and reopens the microphone. While a response is
// still streaming it cancels that response instead.
func (o *Orchestrator) Interrupt(ctx context.Context) error {
	return o.call(ctx, func() {
		switch o.machine.State().Phase {
		case turn.Speaking:
			o.metrics.Interruption("manual")
			o.apply(turn.Event{Type: turn.Interrupt})
		case turn.Processing:
			o.abandonSend()
			o.apply(turn.Event{Type: turn.Cancelled})
		}
	})
}

// HandleAudioLevel feeds a microphone level sample to the barge-in monitor.
func (o *Orchestrator) HandleAudioLevel(rms float64) {
	o.monitor.ObserveLevel(rms, o.now())
}

// HandleAudio feeds a 16-bit PCM frame to the barge-in monitor.
func (o *Orchestrator) HandleAudio(pcm []byte) {
	o.monitor.ObservePCM(pcm, o.now())
}

func (o *Orchestrator) startRecognition() {
	if o.recognizer == nil {
		return
	}
	if o.recognizing != nil {
		o.recognizing.Cancel()
	}
	o.registry.CancelConflicting(task.SpeechRecognize)
	h := task.Manual(o.ctx)
	o.registry.Track(task.SpeechRecognize, h)
	o.recognizing = h

	onPartial := func(text string) { o.post(func() { o.onPartial(h, text) }) }
	onFinal := func(text string) { o.post(func() { o.onFinal(h, text) }) }
	if err := o.recognizer.Start(o.ctx, onPartial, onFinal); err != nil {
		o.logger.Warn("recognition failed to start", zap.Error(err))
		h.Finish(err)
		o.recognizing = nil
		o.post(func() {
			o.apply(turn.Event{Type: turn.RecognitionFailed, Reason: "speech recognition is unavailable"})
		})
	}
}

func (o *Orchestrator) onPartial(h *task.Handle, text string) {
	if o.machine.State().Is(turn.Speaking) {
		o.monitor.ObservePartial(text)
		return
	}
	if h != o.recognizing {
		return
	}
	o.apply(turn.Event{Type: turn.PartialResult, Text: text})
}

func (o *Orchestrator) onFinal(h *task.Handle, text string) {
	if h != o.recognizing {
		return
	}
	o.apply(turn.Event{Type: turn.FinalResult, Text: text})
}

func (o *Orchestrator) pauseRecognition() {
	if o.recognizer == nil {
		return
	}
	if err := o.recognizer.Pause(); err != nil {
		o.logger.Warn("recognition pause failed", zap.Error(err))
	}
	if o.recognizing != nil {
		o.recognizing.Finish(nil)
		o.recognizing = nil
	}
}

func (o *Orchestrator) stopRecognition() {
	if o.recognizing != nil {
		o.recognizing.Cancel()
		o.recognizing = nil
	}
	o.stopRecognizer()
}

func (o *Orchestrator) stopRecognizer() {
	if o.recognizer == nil {
		return
	}
	if err := o.recognizer.Stop(); err != nil {
		o.logger.Warn("recognition stop failed", zap.Error(err))
	}
}

func (o *Orchestrator) speak(text string) {
	if o.synthesizer == nil {
		o.post(func() { o.apply(turn.Event{Type: turn.PlaybackFinished}) })
		return
	}
	if o.speaking != nil {
		o.speaking.Cancel()
	}
	o.registry.CancelConflicting(task.SpeechSynthesize)
	h := task.Manual(o.ctx)
	o.registry.Track(task.SpeechSynthesize, h)
	o.speaking = h

	finished := func() { o.post(func() { o.onPlaybackFinished(h) }) }
	if err := o.synthesizer.Speak(o.ctx, text, finished); err != nil {
		o.logger.Warn("playback failed", zap.Error(err))
		finished()
	}
}

func (o *Orchestrator) onPlaybackFinished(h *task.Handle) {
	if h != o.speaking {
		return
	}
	h.Finish(nil)
	o.speaking = nil
	o.apply(turn.Event{Type: turn.PlaybackFinished})
}

func (o *Orchestrator) stopPlayback() {
	if o.speaking != nil {
		o.speaking.Cancel()
		o.speaking = nil
	}
	o.stopSynthesizer()
}

func (o *Orchestrator) stopSynthesizer() {
	if o.synthesizer == nil {
		return
	}
	if err := o.synthesizer.Stop(); err != nil {
		o.logger.Warn("playback stop failed", zap.Error(err))
	}
}
