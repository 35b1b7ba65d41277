package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matborges/lojachat/internal/bus"
)

// State represents the streaming connection lifecycle. There is a single
// process-wide value; the store and the polling fallback key off it.
type State string

const (
	Idle       State = "IDLE"
	Connecting State = "CONNECTING"
	Connected  State = "CONNECTED"
	Error      State = "ERROR"
)

// validTransitions defines allowed state transitions. An unexpected socket
// closure cycles CONNECTED → IDLE → CONNECTING → CONNECTED; a broker-level
// rejection lands in ERROR and stays there until a fresh connect attempt.
var validTransitions = map[State][]State{
	Idle:       {Connecting},
	Connecting: {Connected, Idle, Error},
	Connected:  {Idle, Error},
	Error:      {Connecting, Idle},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Idle state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Idle,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if the
// transition is invalid; the state is left unchanged in that case.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == to {
		return nil
	}
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "conn.status_changed",
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
