// Package turn implements the conversational turn state machine. Transitions
// are a pure function of (state, mode, event); Machine serializes them.
package turn

import (
	"fmt"
	"strings"

	"github.com/zulandar/consult/internal/task"
)

// Phase is the kind of a turn state.
type Phase int

const (
	Idle Phase = iota
	Listening
	Processing
	Speaking
	Error
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Processing:
		return "processing"
	case Speaking:
		return "speaking"
	case Error:
		return "error"
	}
	return "unknown"
}

// MarshalText encodes the phase by name.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a phase name.
func (p *Phase) UnmarshalText(b []byte) error {
	for q := Idle; q <= Error; q++ {
		if q.String() == string(b) {
			*p = q
			return nil
		}
	}
	return fmt.Errorf("turn: unknown phase %q", b)
}

// State is a turn state. Reason is set only in the Error phase.
type State struct {
	Phase  Phase  `json:"phase"`
	Reason string `json:"reason,omitempty"`
}

// ErrorState returns Error(reason).
func ErrorState(reason string) State {
	return State{Phase: Error, Reason: reason}
}

// Is reports whether s is in phase p.
func (s State) Is(p Phase) bool { return s.Phase == p }

func (s State) String() string {
	if s.Phase == Error {
		return "error(" + s.Reason + ")"
	}
	return s.Phase.String()
}

// Mode holds the voice flags that select between transitions.
type Mode struct {
	Voice bool `json:"voice"`
	Muted bool `json:"muted"`
}

// EventType names an input to the machine.
type EventType int

const (
	StartVoice EventType = iota + 1
	StopVoice
	Mute
	Unmute
	ResumeListening
	PartialResult
	FinalResult
	RecognitionFailed
	Submit
	Completed
	Cancelled
	Failed
	Acknowledge
	Interrupt
	VoiceDetected
	PlaybackFinished
)

var eventNames = map[EventType]string{
	StartVoice:        "start_voice",
	StopVoice:         "stop_voice",
	Mute:              "mute",
	Unmute:            "unmute",
	ResumeListening:   "resume_listening",
	PartialResult:     "partial_result",
	FinalResult:       "final_result",
	RecognitionFailed: "recognition_failed",
	Submit:            "submit",
	Completed:         "completed",
	Cancelled:         "cancelled",
	Failed:            "failed",
	Acknowledge:       "acknowledge",
	Interrupt:         "interrupt",
	VoiceDetected:     "voice_detected",
	PlaybackFinished:  "playback_finished",
}

func (t EventType) String() string {
	if n, ok := eventNames[t]; ok {
		return n
	}
	return "unknown"
}

// Event is an input with its payload. Text carries recognized or reply text,
// Reason carries a failure description.
type Event struct {
	Type   EventType
	Text   string
	Reason string
}

// EffectType names a side effect a transition asks collaborators to start.
type EffectType int

const (
	StartRecognition EffectType = iota + 1
	PauseRecognition
	StopRecognition
	SetTranscript
	ClearTranscript
	SubmitText
	Speak
	StopPlayback
	StartMonitor
	StopMonitor
	SurfaceError
	CancelPending
)

var effectNames = map[EffectType]string{
	StartRecognition: "start_recognition",
	PauseRecognition: "pause_recognition",
	StopRecognition:  "stop_recognition",
	SetTranscript:    "set_transcript",
	ClearTranscript:  "clear_transcript",
	SubmitText:       "submit_text",
	Speak:            "speak",
	StopPlayback:     "stop_playback",
	StartMonitor:     "start_monitor",
	StopMonitor:      "stop_monitor",
	SurfaceError:     "surface_error",
	CancelPending:    "cancel_pending",
}

func (t EffectType) String() string {
	if n, ok := effectNames[t]; ok {
		return n
	}
	return "unknown"
}

// Effect is one side effect, in the order it must be initiated.
type Effect struct {
	Type  EffectType
	Text  string
	Kinds []task.Kind
}

// Transition is the result of applying an event.
type Transition struct {
	From    State
	To      State
	Event   Event
	Mode    Mode
	Effects []Effect
}

// Changed reports whether the state moved.
func (t Transition) Changed() bool { return t.From != t.To }

// Has reports whether the transition carries an effect of type et.
func (t Transition) Has(et EffectType) bool {
	for _, e := range t.Effects {
		if e.Type == et {
			return true
		}
	}
	return false
}

// stopVoiceKinds are cancelled when voice mode ends.
var stopVoiceKinds = []task.Kind{task.SpeechRecognize, task.SpeechSynthesize, task.StreamSend, task.ImageAnalyze}

func fx(t EffectType) Effect { return Effect{Type: t} }

func fxText(t EffectType, text string) Effect { return Effect{Type: t, Text: text} }

// Next computes the transition for ev. ok is false when ev matches no
// transition in s; state and mode are then unchanged.
func Next(s State, m Mode, ev Event) (Transition, bool) {
	t := Transition{From: s, To: s, Event: ev, Mode: m}

	if ev.Type == StopVoice {
		if !m.Voice && s.Phase == Idle {
			return t, false
		}
		t.To = State{Phase: Idle}
		t.Mode = Mode{}
		t.Effects = []Effect{
			{Type: CancelPending, Kinds: stopVoiceKinds},
			fx(StopRecognition),
			fx(StopPlayback),
			fx(StopMonitor),
			fx(ClearTranscript),
		}
		return t, true
	}

	switch s.Phase {
	case Idle:
		return nextIdle(t, ev)
	case Listening:
		return nextListening(t, ev)
	case Processing:
		return nextProcessing(t, ev)
	case Speaking:
		return nextSpeaking(t, ev)
	case Error:
		return nextError(t, ev)
	}
	return t, false
}

func listen(t Transition) Transition {
	t.To = State{Phase: Listening}
	t.Effects = append(t.Effects, fx(StartRecognition))
	return t
}

func nextIdle(t Transition, ev Event) (Transition, bool) {
	switch ev.Type {
	case StartVoice:
		if t.Mode.Voice {
			return t, false
		}
		t.Mode.Voice = true
		if t.Mode.Muted {
			return t, true
		}
		return listen(t), true
	case Unmute:
		if !t.Mode.Muted {
			return t, false
		}
		t.Mode.Muted = false
		if !t.Mode.Voice {
			return t, true
		}
		return listen(t), true
	case Mute:
		if t.Mode.Muted {
			return t, false
		}
		t.Mode.Muted = true
		return t, true
	case ResumeListening:
		if !t.Mode.Voice || t.Mode.Muted {
			return t, false
		}
		return listen(t), true
	case Submit:
		return submit(t, ev), true
	}
	return t, false
}

func nextListening(t Transition, ev Event) (Transition, bool) {
	switch ev.Type {
	case PartialResult:
		t.Effects = []Effect{fxText(SetTranscript, ev.Text)}
		return t, true
	case FinalResult:
		if strings.TrimSpace(ev.Text) == "" {
			return t, false
		}
		t.To = State{Phase: Processing}
		t.Effects = []Effect{fx(PauseRecognition), fx(ClearTranscript), fxText(SubmitText, ev.Text)}
		return t, true
	case Submit:
		t.Effects = []Effect{fx(PauseRecognition), fx(ClearTranscript)}
		return submit(t, ev), true
	case Mute:
		if t.Mode.Muted {
			return t, false
		}
		t.Mode.Muted = true
		t.To = State{Phase: Idle}
		t.Effects = []Effect{fx(StopRecognition), fx(ClearTranscript)}
		return t, true
	case RecognitionFailed:
		t.To = ErrorState(ev.Reason)
		t.Effects = []Effect{fx(StopRecognition), fx(ClearTranscript), fxText(SurfaceError, ev.Reason)}
		return t, true
	}
	return t, false
}

func nextProcessing(t Transition, ev Event) (Transition, bool) {
	switch ev.Type {
	case Completed:
		if t.Mode.Voice && strings.TrimSpace(ev.Text) != "" {
			t.To = State{Phase: Speaking}
			t.Effects = []Effect{fxText(Speak, ev.Text), fx(StartMonitor)}
			return t, true
		}
		t.To = State{Phase: Idle}
		return t, true
	case Cancelled:
		t.To = State{Phase: Idle}
		return t, true
	case Failed:
		if t.Mode.Voice {
			t.To = ErrorState(ev.Reason)
		} else {
			t.To = State{Phase: Idle}
		}
		t.Effects = []Effect{fxText(SurfaceError, ev.Reason)}
		return t, true
	case Submit:
		return submit(t, ev), true
	case Mute:
		return setMuted(t, true)
	case Unmute:
		return setMuted(t, false)
	}
	return t, false
}

func nextSpeaking(t Transition, ev Event) (Transition, bool) {
	switch ev.Type {
	case Interrupt, VoiceDetected:
		t.Effects = []Effect{fx(StopMonitor), fx(StopPlayback)}
		if t.Mode.Muted {
			t.To = State{Phase: Idle}
			return t, true
		}
		return listen(t), true
	case PlaybackFinished:
		t.Effects = []Effect{fx(StopMonitor)}
		if t.Mode.Muted || !t.Mode.Voice {
			t.To = State{Phase: Idle}
			return t, true
		}
		return listen(t), true
	case Submit:
		t.Effects = []Effect{fx(StopMonitor), fx(StopPlayback)}
		return submit(t, ev), true
	case Mute:
		return setMuted(t, true)
	case Unmute:
		return setMuted(t, false)
	}
	return t, false
}

func nextError(t Transition, ev Event) (Transition, bool) {
	switch ev.Type {
	case Acknowledge:
		t.To = State{Phase: Idle}
		return t, true
	case Submit:
		return submit(t, ev), true
	case Mute:
		return setMuted(t, true)
	case Unmute:
		return setMuted(t, false)
	}
	return t, false
}

func submit(t Transition, ev Event) Transition {
	t.To = State{Phase: Processing}
	t.Effects = append(t.Effects, fxText(SubmitText, ev.Text))
	return t
}

func setMuted(t Transition, muted bool) (Transition, bool) {
	if t.Mode.Muted == muted {
		return t, false
	}
	t.Mode.Muted = muted
	return t, true
}
