package voice

import (
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/zulandar/consult/internal/turn"
	"go.uber.org/zap"
)

// Defaults for MonitorOpts.
const (
	DefaultEnergyThreshold = 0.05
	DefaultSustain         = 300 * time.Millisecond
	DefaultMinPartialChars = 3
)

// DefaultBackchannels are short acknowledgements that do not count as a
// barge-in when heard through recognition.
var DefaultBackchannels = []string{
	"uh huh", "uh-huh", "mhm", "mm", "mm hmm", "hmm", "yeah", "yep", "yes",
	"ok", "okay", "right", "sure", "got it", "i see",
}

// Source names which signal triggered a barge-in.
type Source string

const (
	SourceEnergy  Source = "energy"
	SourcePartial Source = "partial"
)

// MonitorOpts configures a Monitor.
type MonitorOpts struct {
	// EnergyThreshold is the normalised RMS level counted as speech.
	EnergyThreshold float64
	// Sustain is how long the level must stay above threshold.
	Sustain time.Duration
	// PartialBargeIn enables triggering from recognition partials.
	PartialBargeIn bool
	// MinPartialChars is the minimum letters in a partial to count.
	MinPartialChars int
	Backchannels    []string
	Logger          *zap.Logger
	// OnFire, if set, is told which source fired.
	OnFire func(Source)
}

// Monitor raises one voice-detected callback per Speaking episode. Energy
// levels and recognition partials are both inputs; whichever crosses its
// threshold first wins.
type Monitor struct {
	opts         MonitorOpts
	backchannels map[string]bool
	logger       *zap.Logger

	mu         sync.Mutex
	active     bool
	fired      bool
	onVoice    func()
	aboveSince time.Time
}

// NewMonitor creates an idle Monitor.
func NewMonitor(opts MonitorOpts) *Monitor {
	if opts.EnergyThreshold <= 0 {
		opts.EnergyThreshold = DefaultEnergyThreshold
	}
	if opts.Sustain <= 0 {
		opts.Sustain = DefaultSustain
	}
	if opts.MinPartialChars <= 0 {
		opts.MinPartialChars = DefaultMinPartialChars
	}
	if opts.Backchannels == nil {
		opts.Backchannels = DefaultBackchannels
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bc := make(map[string]bool, len(opts.Backchannels))
	for _, b := range opts.Backchannels {
		bc[normalize(b)] = true
	}
	return &Monitor{opts: opts, backchannels: bc, logger: logger.Named("monitor")}
}

// Start arms the monitor for one Speaking episode. It is ignored outside
// Speaking and is a no-op while already armed. It reports whether it armed.
func (m *Monitor) Start(state turn.State, onVoiceDetected func()) bool {
	if !state.Is(turn.Speaking) {
		m.logger.Warn("monitor start ignored outside speaking", zap.Stringer("state", state))
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		return false
	}
	m.active = true
	m.fired = false
	m.onVoice = onVoiceDetected
	m.aboveSince = time.Time{}
	return true
}

// Stop disarms the monitor. It is safe to call at any time.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.active = false
	m.onVoice = nil
	m.aboveSince = time.Time{}
	m.mu.Unlock()
}

// Active reports whether the monitor is armed.
func (m *Monitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// ObserveLevel feeds one audio level sample taken at time at.
func (m *Monitor) ObserveLevel(rms float64, at time.Time) {
	m.mu.Lock()
	if !m.active || m.fired {
		m.mu.Unlock()
		return
	}
	if rms < m.opts.EnergyThreshold {
		m.aboveSince = time.Time{}
		m.mu.Unlock()
		return
	}
	if m.aboveSince.IsZero() {
		m.aboveSince = at
	}
	if at.Sub(m.aboveSince) < m.opts.Sustain {
		m.mu.Unlock()
		return
	}
	m.fireLocked(SourceEnergy)
}

// ObservePCM computes the level of a 16-bit PCM frame and feeds it.
func (m *Monitor) ObservePCM(pcm []byte, at time.Time) {
	m.ObserveLevel(CalculateRMSEnergy(pcm), at)
}

// ObservePartial feeds a recognition partial heard during playback.
func (m *Monitor) ObservePartial(text string) {
	if !m.opts.PartialBargeIn {
		return
	}
	norm := normalize(text)
	if m.backchannels[norm] || letters(norm) < m.opts.MinPartialChars {
		return
	}
	m.mu.Lock()
	if !m.active || m.fired {
		m.mu.Unlock()
		return
	}
	m.fireLocked(SourcePartial)
}

// fireLocked marks the episode as fired and invokes the callback after
// releasing the lock.
func (m *Monitor) fireLocked(src Source) {
	m.fired = true
	cb := m.onVoice
	m.mu.Unlock()

	m.logger.Debug("barge-in detected", zap.String("source", string(src)))
	if m.opts.OnFire != nil {
		m.opts.OnFire(src)
	}
	if cb != nil {
		cb()
	}
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimFunc(s, func(r rune) bool { return unicode.IsPunct(r) || unicode.IsSpace(r) })
	return strings.Join(strings.Fields(s), " ")
}

func letters(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			n++
		}
	}
	return n
}
