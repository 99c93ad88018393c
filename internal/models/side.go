// Package models provides data structures and state management for trading positions.
package models

import "fmt"

// Side is the direction of a position or signal.
type Side string

const (
	// SideLong profits when price rises.
	SideLong Side = "long"
	// SideShort profits when price falls.
	SideShort Side = "short"
)

// Valid returns true if the Side is one of the defined constants.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Sign returns +1 for long, -1 for short.
func (s Side) Sign() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// FavorablePct returns the signed percentage move from entry to current in
// the position's favor: positive means the position is winning. All exit and
// trailing math goes through this helper so no component re-implements
// side-aware arithmetic.
func (s Side) FavorablePct(entry, current float64) float64 {
	if entry == 0 {
		return 0
	}
	return s.Sign() * (current - entry) / entry * 100
}

// AdversePct returns the percentage move against the position; positive means
// the position is losing.
func (s Side) AdversePct(entry, current float64) float64 {
	return -s.FavorablePct(entry, current)
}

// StopNoWorse reports whether newStop is at least as protective as oldStop
// for this side. For long positions stops may only rise; for shorts only fall.
func (s Side) StopNoWorse(oldStop, newStop float64) bool {
	if s == SideLong {
		return newStop >= oldStop
	}
	return newStop <= oldStop
}

// TighterStop returns the more protective of the two stop candidates.
func (s Side) TighterStop(a, b float64) float64 {
	if s == SideLong {
		if a > b {
			return a
		}
		return b
	}
	if a < b {
		return a
	}
	return b
}

// StopHit reports whether last has crossed the stop for this side.
func (s Side) StopHit(last, stop float64) bool {
	if stop == 0 {
		return false
	}
	if s == SideLong {
		return last <= stop
	}
	return last >= stop
}

// TargetHit reports whether last has reached the take-profit for this side.
func (s Side) TargetHit(last, target float64) bool {
	if target == 0 {
		return false
	}
	if s == SideLong {
		return last >= target
	}
	return last <= target
}

// StopFromDistance returns the stop price sitting distance below (long) or
// above (short) the reference price.
func (s Side) StopFromDistance(ref, distance float64) float64 {
	return ref - s.Sign()*distance
}

// UnrealizedPnL returns dollar P&L for quantity units between entry and
// current, respecting side.
func (s Side) UnrealizedPnL(entry, current float64, quantity int) float64 {
	return s.Sign() * (current - entry) * float64(quantity)
}

// SignalType identifies which breakout family produced a signal.
type SignalType string

const (
	// SignalSO is the standard breakout evaluated once at open+45m.
	SignalSO SignalType = "SO"
	// SignalORR is the opening-range reversal, long only.
	SignalORR SignalType = "ORR"
)

// Valid returns true if the SignalType is one of the defined constants.
func (t SignalType) Valid() bool {
	return t == SignalSO || t == SignalORR
}

// TrailMode selects the trailing profile a position is tagged with at entry.
type TrailMode string

const (
	// ModeExplosive trails tight and tightens further as the move extends.
	ModeExplosive TrailMode = "explosive"
	// ModeMoon gives the position room and only tightens on large gains.
	ModeMoon TrailMode = "moon"
	// ModeBalanced keeps a constant ATR-scaled distance.
	ModeBalanced TrailMode = "balanced"
)

// Valid returns true if the TrailMode is one of the defined constants.
func (m TrailMode) Valid() bool {
	switch m {
	case ModeExplosive, ModeMoon, ModeBalanced:
		return true
	default:
		return false
	}
}

// ParseSide converts a wire/config string into a Side.
func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case SideLong, SideShort:
		return Side(s), nil
	default:
		return "", fmt.Errorf("unknown side: %q", s)
	}
}
