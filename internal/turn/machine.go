package turn

import "sync"

// Machine owns the current state. Apply runs transitions one at a time.
type Machine struct {
	mu       sync.Mutex
	state    State
	mode     Mode
	observer func(Transition)
}

// NewMachine returns a machine in Idle with voice mode off.
func NewMachine() *Machine {
	return &Machine{state: State{Phase: Idle}}
}

// Observe registers fn to receive every accepted transition. fn runs while
// the machine is locked and must not call back into it.
func (m *Machine) Observe(fn func(Transition)) {
	m.mu.Lock()
	m.observer = fn
	m.mu.Unlock()
}

// Apply feeds ev to the machine. Rejected events leave it untouched.
func (m *Machine) Apply(ev Event) (Transition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := Next(m.state, m.mode, ev)
	if !ok {
		return t, false
	}
	m.state = t.To
	m.mode = t.Mode
	if m.observer != nil {
		m.observer(t)
	}
	return t, true
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Mode returns the current voice flags.
func (m *Machine) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Reset returns the machine to Idle with voice mode off.
func (m *Machine) Reset() {
	m.mu.Lock()
	m.state = State{Phase: Idle}
	m.mode = Mode{}
	m.mu.Unlock()
}
