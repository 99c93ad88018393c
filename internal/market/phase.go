// Package market resolves trading days, session phases, and holiday
// calendars for US equity exchanges. Everything is a pure function of the
// wall clock plus an algorithmic calendar; per-year results are cached.
package market

// SessionPhase describes where the current instant sits in the daily cycle.
type SessionPhase string

const (
	// PhaseDark is outside all operating windows, and all of any
	// non-trading day.
	PhaseDark SessionPhase = "DARK"
	// PhasePrep is the pre-market preparation window before the open.
	PhasePrep SessionPhase = "PREP"
	// PhaseOpen is the regular session, honoring early closes.
	PhaseOpen SessionPhase = "OPEN"
	// PhaseCooldown is the post-close window for settlement and reporting.
	PhaseCooldown SessionPhase = "COOLDOWN"
)

// String implements fmt.Stringer.
func (p SessionPhase) String() string { return string(p) }
