package voice

import (
	"context"
	"sync"
)

// CallLog records collaborator calls in the order they happen, shared
// across mocks so tests can assert ordering between them.
type CallLog struct {
	mu    sync.Mutex
	calls []string
}

// Add appends a call name.
func (l *CallLog) Add(name string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.calls = append(l.calls, name)
	l.mu.Unlock()
}

// Calls returns a copy of the recorded names.
func (l *CallLog) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// Count returns how many times name was recorded.
func (l *CallLog) Count(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.calls {
		if c == name {
			n++
		}
	}
	return n
}

// Index returns the position of the first call named name, or -1.
func (l *CallLog) Index(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, c := range l.calls {
		if c == name {
			return i
		}
	}
	return -1
}

// Reset clears the log.
func (l *CallLog) Reset() {
	l.mu.Lock()
	l.calls = nil
	l.mu.Unlock()
}

// Call names recorded by the mocks.
const (
	CallRecognizerStart = "recognizer.start"
	CallRecognizerPause = "recognizer.pause"
	CallRecognizerStop  = "recognizer.stop"
	CallSynthSpeak      = "synth.speak"
	CallSynthStop       = "synth.stop"
)

// MockRecognizer is a Recognizer driven by tests.
type MockRecognizer struct {
	Log      *CallLog
	StartErr error

	mu        sync.Mutex
	onPartial func(string)
	onFinal   func(string)
	running   bool
}

// Start implements Recognizer.
func (r *MockRecognizer) Start(ctx context.Context, onPartial, onFinal func(string)) error {
	r.Log.Add(CallRecognizerStart)
	if r.StartErr != nil {
		return r.StartErr
	}
	r.mu.Lock()
	r.onPartial, r.onFinal, r.running = onPartial, onFinal, true
	r.mu.Unlock()
	return nil
}

// Pause implements Recognizer.
func (r *MockRecognizer) Pause() error {
	r.Log.Add(CallRecognizerPause)
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	return nil
}

// Stop implements Recognizer.
func (r *MockRecognizer) Stop() error {
	r.Log.Add(CallRecognizerStop)
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	return nil
}

// Running reports whether recognition is active.
func (r *MockRecognizer) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// EmitPartial delivers a partial result to the last Start callbacks.
func (r *MockRecognizer) EmitPartial(text string) {
	r.mu.Lock()
	fn := r.onPartial
	r.mu.Unlock()
	if fn != nil {
		fn(text)
	}
}

// EmitFinal delivers a final result to the last Start callbacks.
func (r *MockRecognizer) EmitFinal(text string) {
	r.mu.Lock()
	fn := r.onFinal
	r.mu.Unlock()
	if fn != nil {
		fn(text)
	}
}

// MockSynthesizer is a Synthesizer driven by tests.
type MockSynthesizer struct {
	Log      *CallLog
	SpeakErr error

	mu         sync.Mutex
	spoken     []string
	onFinished func()
	playing    bool
}

// Speak implements Synthesizer.
func (s *MockSynthesizer) Speak(ctx context.Context, text string, onFinished func()) error {
	s.Log.Add(CallSynthSpeak)
	if s.SpeakErr != nil {
		return s.SpeakErr
	}
	s.mu.Lock()
	s.spoken = append(s.spoken, text)
	s.onFinished = onFinished
	s.playing = true
	s.mu.Unlock()
	return nil
}

// Stop implements Synthesizer.
func (s *MockSynthesizer) Stop() error {
	s.Log.Add(CallSynthStop)
	s.mu.Lock()
	s.playing = false
	s.onFinished = nil
	s.mu.Unlock()
	return nil
}

// Playing reports whether audio is playing.
func (s *MockSynthesizer) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// Spoken returns every text passed to Speak.
func (s *MockSynthesizer) Spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spoken...)
}

// FinishPlayback simulates natural completion of the current utterance.
func (s *MockSynthesizer) FinishPlayback() {
	s.mu.Lock()
	fn := s.onFinished
	s.onFinished = nil
	s.playing = false
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}
