package models

import (
	"fmt"
	"strings"
	"time"
)

// PositionStatus is the externally visible lifecycle of a position.
type PositionStatus string

const (
	// StatusOpen means full quantity is live.
	StatusOpen PositionStatus = "open"
	// StatusPartial means at least one scale-out happened; a runner remains.
	StatusPartial PositionStatus = "partial"
	// StatusClosed is terminal.
	StatusClosed PositionStatus = "closed"
)

// Valid returns true if the PositionStatus is one of the defined constants.
func (s PositionStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusPartial, StatusClosed:
		return true
	default:
		return false
	}
}

// Position is a live equity position. The execution manager creates it; after
// registration only the exit engine mutates stop, take-profit, status, and
// the stealth substate. Everyone else reads copies.
type Position struct {
	Machine *StealthMachine `json:"-"`     // runtime only, rebuilt from Stealth
	Stealth StealthState    `json:"stealth_state"` // canonical persisted substate

	ID          string     `json:"id"`
	Symbol      string     `json:"symbol"`
	Side        Side       `json:"side"`
	SignalType  SignalType `json:"signal_type"`
	Mode        TrailMode  `json:"mode"`
	TradingDate string     `json:"trading_date"`

	Quantity        int     `json:"quantity"`         // shares remaining
	InitialQuantity int     `json:"initial_quantity"` // shares at entry
	EntryPrice      float64 `json:"entry_price"`
	EntryOrderID    string  `json:"entry_order_id,omitempty"`

	CurrentPrice      float64 `json:"current_price"`
	CurrentStopLoss   float64 `json:"current_stop_loss"`
	CurrentTakeProfit float64 `json:"current_take_profit"`
	HighestPrice      float64 `json:"highest_price"`
	LowestPrice       float64 `json:"lowest_price"`
	UnrealizedPnL     float64 `json:"unrealized_pnl"`
	RealizedPnL       float64 `json:"realized_pnl"`

	Status            PositionStatus `json:"status"`
	TrailingActivated bool           `json:"trailing_activated"`
	BreakevenAchieved bool           `json:"breakeven_achieved"`

	EntryBarVolatility float64 `json:"entry_bar_volatility"` // ATR at entry
	EntrySpread        float64 `json:"entry_spread"`
	CapitalAllocated   float64 `json:"capital_allocated"`

	EntryTime     time.Time `json:"entry_time"`
	ExitTime      time.Time `json:"exit_time,omitempty"`
	ExitReason    string    `json:"exit_reason,omitempty"`
	LastMonitorTS time.Time `json:"last_monitor_ts,omitempty"`
}

// NewPosition creates an open position with an initialized stealth machine.
func NewPosition(id, symbol string, side Side, sigType SignalType, mode TrailMode,
	quantity int, entryPrice float64, entryTime time.Time) *Position {
	return &Position{
		ID:              id,
		Symbol:          symbol,
		Side:            side,
		SignalType:      sigType,
		Mode:            mode,
		Quantity:        quantity,
		InitialQuantity: quantity,
		EntryPrice:      entryPrice,
		CurrentPrice:    entryPrice,
		HighestPrice:    entryPrice,
		LowestPrice:     entryPrice,
		EntryTime:       entryTime,
		TradingDate:     entryTime.Format("2006-01-02"),
		Status:          StatusOpen,
		Stealth:         StateFresh,
		Machine:         NewStealthMachine(),
	}
}

// ensureMachine rebuilds the runtime machine from the persisted substate.
func (p *Position) ensureMachine() *StealthMachine {
	if p.Machine == nil {
		p.Machine = NewStealthMachineFromState(p.Stealth)
	}
	return p.Machine
}

// CurrentStealth returns the canonical persisted substate.
func (p *Position) CurrentStealth() StealthState {
	return p.Stealth
}

// TransitionStealth moves the position's substate, keeping the persisted
// field and the runtime machine in lockstep.
func (p *Position) TransitionStealth(to StealthState, condition string) error {
	if err := p.ensureMachine().Transition(to, condition); err != nil {
		return fmt.Errorf("position %s stealth transition failed: %w", p.ID, err)
	}
	p.Stealth = to
	switch to {
	case StateBreakeven:
		p.BreakevenAchieved = true
	case StateTrailing:
		p.TrailingActivated = true
	case StatePartial:
		p.Status = StatusPartial
	case StateClosed:
		p.Status = StatusClosed
		if p.ExitTime.IsZero() {
			p.ExitTime = time.Now().UTC()
		}
		if p.ExitReason == "" {
			p.ExitReason = condition
		}
	}
	return nil
}

// ScaleOutsRemaining reports how many profit rungs are still available.
func (p *Position) ScaleOutsRemaining() int {
	return p.ensureMachine().ScaleOutsRemaining()
}

// Age returns time since entry.
func (p *Position) Age(now time.Time) time.Duration {
	return now.Sub(p.EntryTime)
}

// FavorablePct returns the current favorable excursion in percent.
func (p *Position) FavorablePct() float64 {
	return p.Side.FavorablePct(p.EntryPrice, p.CurrentPrice)
}

// PeakFavorablePct returns the best favorable excursion seen so far, from the
// highest (long) or lowest (short) print.
func (p *Position) PeakFavorablePct() float64 {
	peak := p.HighestPrice
	if p.Side == SideShort {
		peak = p.LowestPrice
	}
	return p.Side.FavorablePct(p.EntryPrice, peak)
}

// MarkPrice updates the running price extremes and unrealized P&L. Only the
// exit engine calls this.
func (p *Position) MarkPrice(last float64, ts time.Time) {
	if last <= 0 {
		return
	}
	p.CurrentPrice = last
	if last > p.HighestPrice {
		p.HighestPrice = last
	}
	if last < p.LowestPrice || p.LowestPrice == 0 {
		p.LowestPrice = last
	}
	p.UnrealizedPnL = p.Side.UnrealizedPnL(p.EntryPrice, last, p.Quantity)
	p.LastMonitorTS = ts
}

// MarketValue returns the absolute dollar value of the remaining quantity.
func (p *Position) MarketValue() float64 {
	return p.CurrentPrice * float64(p.Quantity)
}

// Copy returns a deep copy safe to hand to readers outside the exit engine.
func (p *Position) Copy() *Position {
	if p == nil {
		return nil
	}
	dup := *p
	dup.Machine = p.Machine.Copy()
	return &dup
}

// ValidateState enforces the invariants a position must satisfy in its
// current status. Violations are bugs, not market conditions.
func (p *Position) ValidateState() error {
	if err := p.ensureMachine().ValidateConsistency(); err != nil {
		return fmt.Errorf("position %s state validation failed: %w", p.ID, err)
	}
	if !p.Side.Valid() {
		return fmt.Errorf("position %s: invalid side %q", p.ID, p.Side)
	}
	if !p.Status.Valid() {
		return fmt.Errorf("position %s: invalid status %q", p.ID, p.Status)
	}
	if p.EntryPrice <= 0 {
		return fmt.Errorf("position %s: entry price must be positive (current: %.4f)", p.ID, p.EntryPrice)
	}
	if p.InitialQuantity <= 0 {
		return fmt.Errorf("position %s: initial quantity must be positive (current: %d)", p.ID, p.InitialQuantity)
	}
	if p.Quantity > p.InitialQuantity {
		return fmt.Errorf("position %s: quantity %d exceeds initial %d", p.ID, p.Quantity, p.InitialQuantity)
	}

	switch p.Status {
	case StatusOpen:
		if p.Quantity != p.InitialQuantity {
			return fmt.Errorf("position %s in status %s: quantity %d must equal initial %d before any scale-out",
				p.ID, p.Status, p.Quantity, p.InitialQuantity)
		}
		if !p.ExitTime.IsZero() {
			return fmt.Errorf("position %s in status %s: ExitTime must be zero (current: %v)", p.ID, p.Status, p.ExitTime)
		}
		if strings.TrimSpace(p.ExitReason) != "" {
			return fmt.Errorf("position %s in status %s: ExitReason must be empty (current: %s)", p.ID, p.Status, p.ExitReason)
		}
	case StatusPartial:
		if p.Quantity <= 0 || p.Quantity >= p.InitialQuantity {
			return fmt.Errorf("position %s in status %s: runner quantity %d must be in (0, %d)",
				p.ID, p.Status, p.Quantity, p.InitialQuantity)
		}
		if !p.ExitTime.IsZero() {
			return fmt.Errorf("position %s in status %s: ExitTime must be zero (current: %v)", p.ID, p.Status, p.ExitTime)
		}
	case StatusClosed:
		if p.Quantity != 0 {
			return fmt.Errorf("position %s in status %s: quantity must be zero (current: %d)", p.ID, p.Status, p.Quantity)
		}
		if p.ExitTime.IsZero() {
			return fmt.Errorf("position %s in status %s: ExitTime must be set", p.ID, p.Status)
		}
		if strings.TrimSpace(p.ExitReason) == "" {
			return fmt.Errorf("position %s in status %s: ExitReason must be set", p.ID, p.Status)
		}
		if !p.EntryTime.Before(p.ExitTime) {
			return fmt.Errorf("position %s in status %s: EntryTime (%v) must be before ExitTime (%v)",
				p.ID, p.Status, p.EntryTime, p.ExitTime)
		}
	}

	// Stop monotonicity sanity: a non-zero stop must not sit on the losing
	// side of the entry once breakeven was achieved.
	if p.BreakevenAchieved && p.CurrentStopLoss != 0 && p.Status != StatusClosed {
		if p.Side == SideLong && p.CurrentStopLoss < p.EntryPrice {
			return fmt.Errorf("position %s: stop %.4f below entry %.4f after breakeven",
				p.ID, p.CurrentStopLoss, p.EntryPrice)
		}
		if p.Side == SideShort && p.CurrentStopLoss > p.EntryPrice {
			return fmt.Errorf("position %s: stop %.4f above entry %.4f after breakeven",
				p.ID, p.CurrentStopLoss, p.EntryPrice)
		}
	}
	return nil
}
