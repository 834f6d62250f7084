// Package fsm is the pure state-transition primitive deciders build
// on: an immutable (initial, transitions) pair with O(1) transition
// lookups.
package fsm

import (
	"fmt"
	"sort"
)

// State is the name of one machine state.
type State string

// InvalidTransitionError reports a transition FSM does not allow,
// carrying the targets that were legal so callers can report them.
type InvalidTransitionError struct {
	From  State
	To    State
	Valid []State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("fsm: invalid transition %s -> %s (valid: %v)", e.From, e.To, e.Valid)
}

// Code returns the stable error code callers switch on.
func (e *InvalidTransitionError) Code() string { return "FSM_INVALID_TRANSITION" }

// Definition is an immutable finite state machine: initial state plus
// the transition table. A State with an empty target set is terminal.
// Construct with New; the zero value is not usable.
type Definition struct {
	initial     State
	transitions map[State]map[State]struct{}
}

// New builds a Definition from initial and a transition table mapping
// each state to the set of states it may move to. The table is copied,
// so the caller's map may be mutated afterward without effect.
func New(initial State, transitions map[State][]State) *Definition {
	d := &Definition{
		initial:     initial,
		transitions: make(map[State]map[State]struct{}, len(transitions)),
	}
	for from, tos := range transitions {
		set := make(map[State]struct{}, len(tos))
		for _, to := range tos {
			set[to] = struct{}{}
		}
		d.transitions[from] = set
	}
	return d
}

// Initial returns the machine's starting state.
func (d *Definition) Initial() State { return d.initial }

// IsValidState reports whether s appears in the transition keyset.
func (d *Definition) IsValidState(s State) bool {
	_, ok := d.transitions[s]
	return ok
}

// IsTerminal reports whether s has no outgoing transitions.
func (d *Definition) IsTerminal(s State) bool {
	targets, ok := d.transitions[s]
	return ok && len(targets) == 0
}

// CanTransition reports whether moving from -> to is legal.
func (d *Definition) CanTransition(from, to State) bool {
	targets, ok := d.transitions[from]
	if !ok {
		return false
	}
	_, allowed := targets[to]
	return allowed
}

// AssertTransition returns an *InvalidTransitionError carrying the legal
// targets for from when the transition is not allowed, nil otherwise.
func (d *Definition) AssertTransition(from, to State) error {
	if d.CanTransition(from, to) {
		return nil
	}
	return &InvalidTransitionError{From: from, To: to, Valid: d.ValidTransitions(from)}
}

// ValidTransitions returns the sorted set of states reachable from from.
func (d *Definition) ValidTransitions(from State) []State {
	targets, ok := d.transitions[from]
	if !ok {
		return nil
	}
	out := make([]State, 0, len(targets))
	for s := range targets {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
