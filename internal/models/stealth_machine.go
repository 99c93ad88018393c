package models

import (
	"fmt"
	"time"
)

// StealthState is the exit engine's substate for an open position. It orders
// how protective the stop is allowed to become; transitions only move toward
// more protection or to closed.
type StealthState string

const (
	// StateFresh covers the first 30 minutes after entry; fixed entry stop.
	StateFresh StealthState = "fresh"
	// StateArmed is aged past 30 minutes but not yet profitable; the
	// opening-bar floor protects the stop.
	StateArmed StealthState = "armed"
	// StateBreakeven has seen unrealized >= +0.5% at least once; stop sits at
	// entry plus one tick.
	StateBreakeven StealthState = "breakeven"
	// StateTrailing has crossed the first activation threshold; a mode-bound
	// trailing distance applies.
	StateTrailing StealthState = "trailing"
	// StatePartial has scaled out at least one profit rung; the runner trails
	// with a tighter distance.
	StatePartial StealthState = "partial"
	// StateClosed is terminal.
	StateClosed StealthState = "closed"
)

// StealthTransition defines one legal edge in the stealth ladder.
type StealthTransition struct {
	From        StealthState
	To          StealthState
	Condition   string
	Description string
}

// ValidStealthTransitions enumerates every legal edge. Closing edges accept
// any condition string so the trigger name travels with the transition.
var ValidStealthTransitions = []StealthTransition{
	{StateFresh, StateArmed, "aged", "30 minutes elapsed since entry"},
	{StateFresh, StateBreakeven, "breakeven_reached", "Profitable move before aging out of fresh"},
	{StateArmed, StateBreakeven, "breakeven_reached", "First unrealized gain at or above threshold"},
	{StateBreakeven, StateTrailing, "trailing_activated", "Gain crossed first activation threshold"},
	{StateTrailing, StatePartial, "scale_out", "Profit rung hit, partial quantity closed"},
	{StatePartial, StatePartial, "scale_out", "Second profit rung hit"},

	{StateFresh, StateClosed, "", "Exit trigger fired before aging"},
	{StateArmed, StateClosed, "", "Exit trigger fired while armed"},
	{StateBreakeven, StateClosed, "", "Exit trigger fired at breakeven"},
	{StateTrailing, StateClosed, "", "Exit trigger fired while trailing"},
	{StatePartial, StateClosed, "", "Runner closed"},
}

// StealthMachine tracks the substate for one position. It is runtime-only;
// the canonical state persists on the Position and the machine is rebuilt
// from it after a restart.
type StealthMachine struct {
	transitionTime  time.Time
	transitionCount map[StealthState]int
	currentState    StealthState
	previousState   StealthState
	maxScaleOuts    int
}

// NewStealthMachine creates a machine at the fresh state.
func NewStealthMachine() *StealthMachine {
	return &StealthMachine{
		currentState:    StateFresh,
		previousState:   StateFresh,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[StealthState]int),
		maxScaleOuts:    2, // two profit rungs, then the runner rides
	}
}

// NewStealthMachineFromState rebuilds a machine from a persisted state.
func NewStealthMachineFromState(state StealthState) *StealthMachine {
	sm := NewStealthMachine()
	if state != "" {
		sm.currentState = state
		sm.previousState = state
	}
	return sm
}

// Current returns the current substate.
func (sm *StealthMachine) Current() StealthState {
	return sm.currentState
}

// Previous returns the substate before the last transition.
func (sm *StealthMachine) Previous() StealthState {
	return sm.previousState
}

// CanTransition checks edge validity without mutating.
func (sm *StealthMachine) CanTransition(to StealthState, condition string) error {
	if !sm.edgeDefined(to, condition) {
		return fmt.Errorf("invalid stealth transition from %s to %s with condition %q",
			sm.currentState, to, condition)
	}
	if to == StatePartial && sm.transitionCount[StatePartial] >= sm.maxScaleOuts {
		return fmt.Errorf("maximum scale-outs (%d) exceeded", sm.maxScaleOuts)
	}
	return nil
}

func (sm *StealthMachine) edgeDefined(to StealthState, condition string) bool {
	for _, tr := range ValidStealthTransitions {
		if tr.From != sm.currentState || tr.To != to {
			continue
		}
		if tr.Condition == "" || tr.Condition == condition {
			return true
		}
	}
	return false
}

// Transition moves to a new substate after validating the edge.
func (sm *StealthMachine) Transition(to StealthState, condition string) error {
	if err := sm.CanTransition(to, condition); err != nil {
		return err
	}
	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount[to]++
	return nil
}

// TransitionCount returns how many times the machine has entered a state.
func (sm *StealthMachine) TransitionCount(state StealthState) int {
	return sm.transitionCount[state]
}

// ScaleOutsRemaining returns how many profit rungs are still available.
func (sm *StealthMachine) ScaleOutsRemaining() int {
	remaining := sm.maxScaleOuts - sm.transitionCount[StatePartial]
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsTerminal reports whether the machine reached closed.
func (sm *StealthMachine) IsTerminal() bool {
	return sm.currentState == StateClosed
}

// TrailingEligible reports whether the substate permits trailing-stop updates.
func (sm *StealthMachine) TrailingEligible() bool {
	return sm.currentState == StateTrailing || sm.currentState == StatePartial
}

// Describe returns a human-readable description of the current substate.
func (sm *StealthMachine) Describe() string {
	switch sm.currentState {
	case StateFresh:
		return "Fresh: inside the first 30 minutes, fixed entry stop"
	case StateArmed:
		return "Armed: aged past 30 minutes, opening-bar floor active"
	case StateBreakeven:
		return "Breakeven: stop promoted to entry plus one tick"
	case StateTrailing:
		return "Trailing: mode-bound distance tracking the favorable extreme"
	case StatePartial:
		return "Partial: scaled out, runner trailing tighter"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown state"
	}
}

// ValidateConsistency checks internal bookkeeping, mirroring the checks the
// exit engine runs before trusting a restored machine.
func (sm *StealthMachine) ValidateConsistency() error {
	total := 0
	for _, n := range sm.transitionCount {
		total += n
	}
	if total == 0 && sm.currentState == sm.previousState {
		return nil // freshly built or rebuilt from persisted state
	}
	if sm.transitionTime.IsZero() && total > 0 {
		return fmt.Errorf("missing transition time with %d transitions recorded", total)
	}
	if sm.transitionCount[StatePartial] > sm.maxScaleOuts {
		return fmt.Errorf("scale-out count %d exceeds maximum %d",
			sm.transitionCount[StatePartial], sm.maxScaleOuts)
	}
	return nil
}

// Copy creates a deep copy of the machine.
func (sm *StealthMachine) Copy() *StealthMachine {
	if sm == nil {
		return nil
	}
	dup := &StealthMachine{
		transitionTime: sm.transitionTime,
		currentState:   sm.currentState,
		previousState:  sm.previousState,
		maxScaleOuts:   sm.maxScaleOuts,
	}
	dup.transitionCount = make(map[StealthState]int, len(sm.transitionCount))
	for k, v := range sm.transitionCount {
		dup.transitionCount[k] = v
	}
	return dup
}
