package session

import (
	"fmt"
	"sync"
)

// Phase is the per-session conversation phase.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseListening
	PhaseGenerating
	PhaseInterrupted
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseListening:
		return "listening"
	case PhaseGenerating:
		return "generating"
	case PhaseInterrupted:
		return "interrupted"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// TransitionError reports a phase transition outside the automaton.
type TransitionError struct {
	From Phase
	To   Phase
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid phase transition %s -> %s", e.From, e.To)
}

// Machine tracks the conversation phase and enforces the transition
// rules:
//
//	Idle -> Listening            (setup)
//	Listening -> Generating      (finalized utterance)
//	Generating -> Listening      (completion received)
//	Generating -> Interrupted    (interrupt)
//	Interrupted -> Listening     (cancel acknowledged)
//	any -> Closed                (connection close; terminal)
type Machine struct {
	mu    sync.Mutex
	phase Phase
}

// NewMachine creates a machine in the Idle phase.
func NewMachine() *Machine {
	return &Machine{phase: PhaseIdle}
}

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Transition moves to the target phase, or returns a *TransitionError
// when the edge is not part of the automaton. Closed is terminal.
func (m *Machine) Transition(to Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.phase == PhaseClosed {
		return &TransitionError{From: m.phase, To: to}
	}
	if to == PhaseClosed {
		m.phase = PhaseClosed
		return nil
	}

	allowed := false
	switch m.phase {
	case PhaseIdle:
		allowed = to == PhaseListening
	case PhaseListening:
		allowed = to == PhaseGenerating
	case PhaseGenerating:
		allowed = to == PhaseListening || to == PhaseInterrupted
	case PhaseInterrupted:
		allowed = to == PhaseListening
	}
	if !allowed {
		return &TransitionError{From: m.phase, To: to}
	}
	m.phase = to
	return nil
}
