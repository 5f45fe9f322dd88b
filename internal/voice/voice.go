// Package voice defines the speech collaborators of a consultation and the
// barge-in monitor that watches for the user talking over playback.
package voice

import (
	"context"
	"encoding/binary"
	"math"
)

// Recognizer is a continuous speech-to-text engine. Stop must be safe to
// call in any state.
type Recognizer interface {
	Start(ctx context.Context, onPartial, onFinal func(text string)) error
	Pause() error
	Stop() error
}

// Synthesizer is a text-to-speech engine. Stop halts audio promptly and is
// safe to call when nothing is playing. onFinished fires only on natural
// completion.
type Synthesizer interface {
	Speak(ctx context.Context, text string, onFinished func()) error
	Stop() error
}

// CalculateRMSEnergy returns the RMS level of 16-bit little-endian PCM
// normalised to [0, 1].
func CalculateRMSEnergy(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[2*i:]))) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
