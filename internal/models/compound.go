package models

import (
	"fmt"
	"time"
)

// DayResult is one trading day's entry in the compound ledger.
type DayResult struct {
	Date         string  `json:"date"` // YYYY-MM-DD
	StartCapital float64 `json:"start_capital"`
	EndCapital   float64 `json:"end_capital"`
	PnL          float64 `json:"pnl"`
	ReturnPct    float64 `json:"return_pct"`
	Trades       int     `json:"trades"`
}

// CompoundState is the persisted compounding ledger. CurrentCapital is what
// each morning's sizing starts from; BaseCapital never changes after init.
type CompoundState struct {
	BaseCapital    float64     `json:"base_capital"`
	CurrentCapital float64     `json:"current_capital"`
	StartedAt      time.Time   `json:"started_at"`
	LastTradingDay string      `json:"last_trading_day,omitempty"`
	Days           []DayResult `json:"days,omitempty"`
}

// NewCompoundState seeds a ledger at the given base capital.
func NewCompoundState(base float64, now time.Time) *CompoundState {
	return &CompoundState{
		BaseCapital:    base,
		CurrentCapital: base,
		StartedAt:      now,
	}
}

// TotalReturnPct returns the cumulative return over the base, in percent.
func (c *CompoundState) TotalReturnPct() float64 {
	if c.BaseCapital <= 0 {
		return 0
	}
	return (c.CurrentCapital - c.BaseCapital) / c.BaseCapital * 100
}

// Validate rejects ledgers that cannot have come from the engine.
func (c *CompoundState) Validate() error {
	if c.BaseCapital <= 0 {
		return fmt.Errorf("compound state: base capital must be positive (current: %.2f)", c.BaseCapital)
	}
	if c.CurrentCapital < 0 {
		return fmt.Errorf("compound state: current capital cannot be negative (current: %.2f)", c.CurrentCapital)
	}
	prev := ""
	for i, d := range c.Days {
		if d.Date <= prev {
			return fmt.Errorf("compound state: day %d (%s) out of order after %s", i, d.Date, prev)
		}
		prev = d.Date
	}
	return nil
}

// Copy returns a deep copy of the ledger.
func (c *CompoundState) Copy() *CompoundState {
	if c == nil {
		return nil
	}
	dup := *c
	if len(c.Days) > 0 {
		dup.Days = make([]DayResult, len(c.Days))
		copy(dup.Days, c.Days)
	}
	return &dup
}
