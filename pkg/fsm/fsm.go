package fsm

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"sequencer/pkg/seqerrors"
)

// EventToggle is the only event a Toggle machine recognizes.
const EventToggle = "toggle"

// State is the single enumerated value held by a machine.
type State string

const (
	Closed State = "CLOSED"
	Open   State = "OPEN"
)

func (s State) Flip() State {
	if s == Open {
		return Closed
	}
	return Open
}

func (s State) Valid() bool {
	return s == Open || s == Closed
}

// ParseState accepts the state name in any case.
func ParseState(s string) (State, error) {
	switch st := State(strings.ToUpper(strings.TrimSpace(s))); st {
	case Open, Closed:
		return st, nil
	default:
		return "", fmt.Errorf("%w: unknown state %q", seqerrors.ErrInvalidArgument, s)
	}
}

// Machine is the per-replica state machine contract.
type Machine interface {
	// Apply validates and applies a named event, returning the resulting state.
	Apply(event string) (State, error)
	State() State
	// SetState overwrites the value without validation; snapshot restore only.
	SetState(st State)
}

// Factory builds the machine installed in a replica slot.
type Factory func(replica int, initial State) Machine

// Toggle flips between OPEN and CLOSED on every "toggle" event.
type Toggle struct {
	mu      sync.Mutex
	state   State
	replica int
}

func NewToggle(replica int, initial State) *Toggle {
	if !initial.Valid() {
		initial = Closed
	}
	return &Toggle{state: initial, replica: replica}
}

// ToggleFactory is the default Factory.
func ToggleFactory(replica int, initial State) Machine {
	return NewToggle(replica, initial)
}

func (t *Toggle) Apply(event string) (State, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !strings.EqualFold(strings.TrimSpace(event), EventToggle) {
		return t.state, fmt.Errorf("%w: %q", seqerrors.ErrUnrecognizedEvent, event)
	}

	prev := t.state
	t.state = prev.Flip()
	slog.Debug("state changed", "replica", t.replica, "event", event, "from", prev, "to", t.state)
	return t.state, nil
}

func (t *Toggle) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Toggle) SetState(st State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = st
}
