// Package status tracks the sync core's lifecycle as a validated state
// machine. Components never set a state directly; they request a transition
// and an invalid one is rejected, keeping the published state history
// coherent for observers.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ckoliveira/courier/internal/bus"
)

// State is one sync-core lifecycle state.
type State string

const (
	Booting      State = "BOOTING"
	AuthRequired State = "AUTH_REQUIRED"
	Connecting   State = "CONNECTING"
	Syncing      State = "SYNCING"
	Ready        State = "READY"
	Degraded     State = "DEGRADED"
	Error        State = "ERROR"
)

// validTransitions is the allowed edge set. Degraded covers any recoverable
// loss of the remote backend: from it the core either reconnects
// (Connecting) or resumes directly (Ready) once polling succeeds again.
var validTransitions = map[State][]State{
	Booting:      {AuthRequired, Connecting, Error},
	AuthRequired: {Connecting, Error},
	Connecting:   {Syncing, AuthRequired, Degraded, Error},
	Syncing:      {Ready, Degraded, Error},
	Ready:        {Degraded, AuthRequired, Error},
	Degraded:     {Connecting, Ready, Error},
	Error:        {Booting},
}

// Machine enforces lifecycle transitions and announces each one on the bus.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a machine in the Booting state. The bus may be nil in
// tests that only exercise the transition table.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Booting, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition moves to a new state, rejecting edges outside the table. The
// current state is unchanged on rejection.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.StatusChanged,
			Timestamp: time.Now(),
			Payload:   StatusChange{From: from, To: to},
		})
	}
	return nil
}

// StatusChange is the payload of status-changed events.
type StatusChange struct {
	From State
	To   State
}
