package models

import (
	"fmt"
	"time"
)

const sharesPerContract = 100.0

// OptionKind distinguishes calls from puts.
type OptionKind string

const (
	// KindCall is a call option.
	KindCall OptionKind = "call"
	// KindPut is a put option.
	KindPut OptionKind = "put"
)

// Valid returns true if the OptionKind is one of the defined constants.
func (k OptionKind) Valid() bool { return k == KindCall || k == KindPut }

// OptionContract is one normalized chain row including greeks.
type OptionContract struct {
	Symbol       string     `json:"symbol"` // OSI symbol
	Underlying   string     `json:"underlying"`
	Strike       float64    `json:"strike"`
	Expiry       time.Time  `json:"expiry"`
	Kind         OptionKind `json:"kind"`
	Bid          float64    `json:"bid"`
	Ask          float64    `json:"ask"`
	Last         float64    `json:"last"`
	Volume       int64      `json:"volume"`
	OpenInterest int64      `json:"open_interest"`
	Delta        float64    `json:"delta"`
	Gamma        float64    `json:"gamma"`
	Theta        float64    `json:"theta"`
	Vega         float64    `json:"vega"`
	IV           float64    `json:"iv"`
}

// Mid returns the bid/ask midpoint, or last when the book is one-sided.
func (c OptionContract) Mid() float64 {
	if c.Bid > 0 && c.Ask > 0 {
		return (c.Bid + c.Ask) / 2
	}
	return c.Last
}

// SpreadPct returns (ask-bid)/mid; zero for a one-sided book.
func (c OptionContract) SpreadPct() float64 {
	mid := c.Mid()
	if mid <= 0 || c.Bid <= 0 || c.Ask <= 0 {
		return 0
	}
	return (c.Ask - c.Bid) / mid
}

// SpreadStructure identifies the vertical structure of an options position.
type SpreadStructure string

const (
	// StructureDebitSpread is a net-debit vertical.
	StructureDebitSpread SpreadStructure = "debit_spread"
	// StructureCreditSpread is a net-credit vertical.
	StructureCreditSpread SpreadStructure = "credit_spread"
	// StructureLotto is a cheap single-leg long option.
	StructureLotto SpreadStructure = "lotto"
)

// Valid returns true if the SpreadStructure is one of the defined constants.
func (s SpreadStructure) Valid() bool {
	switch s {
	case StructureDebitSpread, StructureCreditSpread, StructureLotto:
		return true
	default:
		return false
	}
}

// DebitSpread is a net-debit vertical: long the scored leg, short a leg
// spread-width away.
type DebitSpread struct {
	Underlying string         `json:"underlying"`
	Expiry     time.Time      `json:"expiry"`
	Kind       OptionKind     `json:"kind"`
	LongLeg    OptionContract `json:"long_leg"`
	ShortLeg   OptionContract `json:"short_leg"`
	DebitCost  float64        `json:"debit_cost"` // per spread, per share
}

// Width returns the absolute distance between strikes.
func (s DebitSpread) Width() float64 {
	w := s.ShortLeg.Strike - s.LongLeg.Strike
	if w < 0 {
		return -w
	}
	return w
}

// MaxLoss for a debit spread is the debit paid.
func (s DebitSpread) MaxLoss() float64 { return s.DebitCost }

// MaxProfit is width minus the debit paid.
func (s DebitSpread) MaxProfit() float64 { return s.Width() - s.DebitCost }

// BreakEven returns the underlying price where the spread is flat at expiry.
func (s DebitSpread) BreakEven() float64 {
	if s.Kind == KindPut {
		return s.LongLeg.Strike - s.DebitCost
	}
	return s.LongLeg.Strike + s.DebitCost
}

// RiskReward returns max_profit / max_loss, or zero when undefined.
func (s DebitSpread) RiskReward() float64 {
	loss := s.MaxLoss()
	if loss <= 0 {
		return 0
	}
	return s.MaxProfit() / loss
}

// CreditSpread is a net-credit vertical: short the scored leg, long a wing
// spread-width away.
type CreditSpread struct {
	Underlying     string         `json:"underlying"`
	Expiry         time.Time      `json:"expiry"`
	Kind           OptionKind     `json:"kind"`
	ShortLeg       OptionContract `json:"short_leg"`
	LongLeg        OptionContract `json:"long_leg"`
	CreditReceived float64        `json:"credit_received"`
}

// Width returns the absolute distance between strikes.
func (s CreditSpread) Width() float64 {
	w := s.LongLeg.Strike - s.ShortLeg.Strike
	if w < 0 {
		return -w
	}
	return w
}

// MaxLoss for a credit spread is width minus the credit received.
func (s CreditSpread) MaxLoss() float64 { return s.Width() - s.CreditReceived }

// MaxProfit is the credit received.
func (s CreditSpread) MaxProfit() float64 { return s.CreditReceived }

// BreakEven returns the underlying price where the spread is flat at expiry.
func (s CreditSpread) BreakEven() float64 {
	if s.Kind == KindPut {
		return s.ShortLeg.Strike - s.CreditReceived
	}
	return s.ShortLeg.Strike + s.CreditReceived
}

// RiskReward returns max_profit / max_loss, or zero when undefined.
func (s CreditSpread) RiskReward() float64 {
	loss := s.MaxLoss()
	if loss <= 0 {
		return 0
	}
	return s.MaxProfit() / loss
}

// OptionsPosition is a live 0DTE position. Created by the options executor;
// mutated only by the options exit engine.
type OptionsPosition struct {
	ID          string          `json:"id"`
	Underlying  string          `json:"underlying"`
	Structure   SpreadStructure `json:"structure"`
	Side        Side            `json:"side"` // direction of the underlying thesis
	Quantity    int             `json:"quantity"`
	InitialQty  int             `json:"initial_quantity"`
	EntryPrice  float64         `json:"entry_price"` // debit paid or credit received, per share
	EntryTime   time.Time       `json:"entry_time"`
	CurrentValue float64        `json:"current_value"` // mark or cost-to-close, per share
	PeakValue   float64         `json:"peak_value,omitempty"` // best mark seen, per the sign convention
	UnrealizedPnL float64       `json:"unrealized_pnl"`
	RealizedPnL   float64       `json:"realized_pnl"`
	Status      PositionStatus  `json:"status"`
	ScaleOuts   int             `json:"scale_outs,omitempty"`
	Debit       *DebitSpread    `json:"debit_spread,omitempty"`
	Credit      *CreditSpread   `json:"credit_spread,omitempty"`
	Lotto       *OptionContract `json:"lotto,omitempty"`
	ExitTime    time.Time       `json:"exit_time,omitempty"`
	ExitReason  string          `json:"exit_reason,omitempty"`
	EntrySpreadPct float64      `json:"entry_spread_pct"`
	LastMarkTS  time.Time       `json:"last_mark_ts,omitempty"`
}

// NewOptionsPosition creates an open 0DTE position. Exactly one of the
// structure refs should be set by the caller before registration.
func NewOptionsPosition(id, underlying string, structure SpreadStructure, side Side,
	quantity int, entryPrice float64, entryTime time.Time) *OptionsPosition {
	return &OptionsPosition{
		ID:           id,
		Underlying:   underlying,
		Structure:    structure,
		Side:         side,
		Quantity:     quantity,
		InitialQty:   quantity,
		EntryPrice:   entryPrice,
		EntryTime:    entryTime,
		CurrentValue: entryPrice,
		PeakValue:    entryPrice,
		Status:       StatusOpen,
	}
}

// PnLPct returns the signed percentage P&L under each structure's sign
// convention: debit and lotto profit as value rises; credit profits as the
// cost to close falls.
func (p *OptionsPosition) PnLPct() float64 {
	return p.pnlPctOf(p.CurrentValue)
}

// PeakPnLPct returns the best percentage P&L the position has shown.
func (p *OptionsPosition) PeakPnLPct() float64 {
	return p.pnlPctOf(p.PeakValue)
}

func (p *OptionsPosition) pnlPctOf(value float64) float64 {
	if p.EntryPrice <= 0 {
		return 0
	}
	switch p.Structure {
	case StructureCreditSpread:
		return (p.EntryPrice - value) / p.EntryPrice * 100
	default:
		return (value - p.EntryPrice) / p.EntryPrice * 100
	}
}

// MarkValue records a fresh per-share mark, updating the unrealized P&L and
// the favorable extreme the time stop reads. Only the options exit engine
// calls this.
func (p *OptionsPosition) MarkValue(value float64, ts time.Time) {
	if value < 0 {
		return
	}
	p.CurrentValue = value
	p.UnrealizedPnL = p.DollarPnL()
	if !ts.IsZero() {
		p.LastMarkTS = ts
	}
	switch p.Structure {
	case StructureCreditSpread:
		if p.PeakValue == 0 || value < p.PeakValue {
			p.PeakValue = value
		}
	default:
		if value > p.PeakValue {
			p.PeakValue = value
		}
	}
}

// ScaleOutsRemaining reports how many profit rungs are still available.
func (p *OptionsPosition) ScaleOutsRemaining() int {
	remaining := 2 - p.ScaleOuts
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Age returns time since entry.
func (p *OptionsPosition) Age(now time.Time) time.Duration {
	return now.Sub(p.EntryTime)
}

// DollarPnL converts the per-share mark into position dollars.
func (p *OptionsPosition) DollarPnL() float64 {
	perShare := p.CurrentValue - p.EntryPrice
	if p.Structure == StructureCreditSpread {
		perShare = p.EntryPrice - p.CurrentValue
	}
	return perShare * float64(p.Quantity) * sharesPerContract
}

// CapitalAtRisk returns the dollars committed per the structure's margin
// convention: debit cost for debit spreads and lottos, max loss for credits.
func (p *OptionsPosition) CapitalAtRisk() float64 {
	switch p.Structure {
	case StructureDebitSpread:
		if p.Debit != nil {
			return p.Debit.DebitCost * float64(p.InitialQty) * sharesPerContract
		}
	case StructureCreditSpread:
		if p.Credit != nil {
			return p.Credit.MaxLoss() * float64(p.InitialQty) * sharesPerContract
		}
	case StructureLotto:
		return p.EntryPrice * float64(p.InitialQty) * sharesPerContract
	}
	return 0
}

// Validate enforces the structural invariants for the position's structure.
func (p *OptionsPosition) Validate() error {
	if !p.Structure.Valid() {
		return fmt.Errorf("options position %s: invalid structure %q", p.ID, p.Structure)
	}
	if !p.Status.Valid() {
		return fmt.Errorf("options position %s: invalid status %q", p.ID, p.Status)
	}
	if p.EntryPrice <= 0 {
		return fmt.Errorf("options position %s: entry price must be positive", p.ID)
	}
	switch p.Structure {
	case StructureDebitSpread:
		if p.Debit == nil {
			return fmt.Errorf("options position %s: debit structure without spread", p.ID)
		}
	case StructureCreditSpread:
		if p.Credit == nil {
			return fmt.Errorf("options position %s: credit structure without spread", p.ID)
		}
	case StructureLotto:
		if p.Lotto == nil {
			return fmt.Errorf("options position %s: lotto structure without contract", p.ID)
		}
	}
	return nil
}

// Copy returns a deep copy safe for readers outside the options exit engine.
func (p *OptionsPosition) Copy() *OptionsPosition {
	if p == nil {
		return nil
	}
	dup := *p
	if p.Debit != nil {
		d := *p.Debit
		dup.Debit = &d
	}
	if p.Credit != nil {
		c := *p.Credit
		dup.Credit = &c
	}
	if p.Lotto != nil {
		l := *p.Lotto
		dup.Lotto = &l
	}
	return &dup
}
