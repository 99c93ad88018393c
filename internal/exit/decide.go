package exit

import (
	"time"

	"github.com/openrange-labs/daybreak/internal/models"
)

// TriggerKind names the exit rule that fired. The values land in exit
// reasons, metrics labels, and alerts.
type TriggerKind string

const (
	TriggerFailSafe     TriggerKind = "fail_safe"
	TriggerHardStop     TriggerKind = "hard_stop"
	TriggerGapRisk      TriggerKind = "gap_risk"
	TriggerInvalidation TriggerKind = "invalidation"
	TriggerTimeStop     TriggerKind = "time_stop"
	TriggerProfitTarget TriggerKind = "profit_target"
	TriggerRunnerExit   TriggerKind = "runner_exit"
	TriggerEOD          TriggerKind = "eod"
)

type actionKind int

const (
	actHold actionKind = iota
	actClose
	actScaleOut
)

// decision is the outcome of one evaluation pass for one position.
type decision struct {
	action   actionKind
	trigger  TriggerKind
	reason   string
	quantity int
}

func holdDecision() decision {
	return decision{action: actHold}
}

func closeDecision(trigger TriggerKind, reason string) decision {
	return decision{action: actClose, trigger: trigger, reason: reason}
}

// tickContext is the market state one evaluation runs against. Indicator
// fields are NaN when the session cannot supply them, which makes every
// comparison against them come out false.
type tickContext struct {
	now            time.Time
	quote          models.Quote
	vwapDistPct    float64
	macdHist       float64
	orb            *models.ORBData
	breakoutOpen   float64
	gapRef         float64
	eodDeadline    time.Time
	runnerDeadline time.Time
	deferEOD       bool
}

// decide evaluates the exit triggers in strict priority order against a
// position snapshot. Pure: the caller commits whatever comes back.
func (e *Engine) decide(p *models.Position, tc tickContext) decision {
	last := tc.quote.Last

	if tc.deferEOD {
		// After repeated close failures only protective and end-of-day
		// triggers still enqueue; everything else waits for the broker.
		switch {
		case p.Side.StopHit(last, p.CurrentStopLoss):
			return closeDecision(TriggerHardStop, "stop crossed")
		case e.gapped(p, tc):
			return closeDecision(TriggerGapRisk, "gap against position")
		case !tc.eodDeadline.IsZero() && !tc.now.Before(tc.eodDeadline):
			return closeDecision(TriggerEOD, "mandatory end-of-day close")
		}
		return holdDecision()
	}

	if reason, ok := e.failSafe(p, tc); ok {
		return closeDecision(TriggerFailSafe, reason)
	}
	if p.Side.StopHit(last, p.CurrentStopLoss) {
		return closeDecision(TriggerHardStop, "stop crossed")
	}
	if e.gapped(p, tc) {
		return closeDecision(TriggerGapRisk, "gap against position")
	}
	if reason, ok := e.invalidated(p, tc); ok {
		return closeDecision(TriggerInvalidation, reason)
	}
	if e.timeStopped(p, tc) {
		return closeDecision(TriggerTimeStop, "no favorable move")
	}
	if qty, reason, ok := e.profitRung(p, last); ok {
		return decision{action: actScaleOut, trigger: TriggerProfitTarget, reason: reason, quantity: qty}
	}
	if reason, ok := e.runnerDone(p, tc); ok {
		return closeDecision(TriggerRunnerExit, reason)
	}
	if !tc.eodDeadline.IsZero() && !tc.now.Before(tc.eodDeadline) {
		return closeDecision(TriggerEOD, "mandatory end-of-day close")
	}
	return holdDecision()
}

// failSafe closes on a book too degraded to trust the other triggers. The
// percent floor keeps penny-wide spreads on liquid names from tripping the
// widened-ratio leg.
func (e *Engine) failSafe(p *models.Position, tc tickContext) (string, bool) {
	spread := tc.quote.Spread()
	if spread <= 0 {
		return "", false
	}
	pct := tc.quote.SpreadPct()
	if pct > degradedSpreadPct {
		return "liquidity degraded", true
	}
	if pct < e.cfg.FailSafeSpreadPctFloor {
		return "", false
	}
	if p.EntrySpread > 0 && spread > e.cfg.FailSafeSpreadMult*p.EntrySpread {
		return "spread widened beyond entry", true
	}
	return "", false
}

// degradedSpreadPct is the book-is-broken backstop, as a fraction of mid.
const degradedSpreadPct = 0.10

// gapped detects a sharp drop against the position relative to the
// time-weighted reference, once the position is deep enough in the ladder
// that a fixed stop no longer hugs the move.
func (e *Engine) gapped(p *models.Position, tc tickContext) bool {
	st := p.CurrentStealth()
	if st != models.StateTrailing && st != models.StatePartial {
		return false
	}
	if tc.gapRef <= 0 || tc.quote.Last <= 0 {
		return false
	}
	move := p.Side.Sign() * (tc.quote.Last - tc.gapRef) / tc.gapRef * 100
	return move < -e.cfg.GapPct
}

// invalidated checks the structural exits: the session telling us the
// breakout thesis is dead even though the stop has not been touched.
func (e *Engine) invalidated(p *models.Position, tc tickContext) (string, bool) {
	sign := p.Side.Sign()
	last := tc.quote.Last
	margin := e.cfg.InvalidationMarginPct

	if sign*tc.vwapDistPct < -margin {
		return "vwap reclaim", true
	}
	if tc.orb != nil {
		if mid := tc.orb.Midpoint(); mid > 0 && sign*(last-mid)/mid*100 < -margin {
			return "orb midpoint reclaim", true
		}
	}
	if ref := breakoutRef(p, tc); ref > 0 && sign*(last-ref) < 0 {
		return "breakout bar retraced", true
	}
	if last > 0 && sign*tc.macdHist <= -e.cfg.MomentumFlipPct/100*last {
		return "momentum flip", true
	}
	return "", false
}

// breakoutRef is the price that, once lost, means the breakout bar gave
// everything back: the confirmation bar's open for standard breakouts,
// otherwise the range extreme less one entry-bar ATR.
func breakoutRef(p *models.Position, tc tickContext) float64 {
	if p.SignalType == models.SignalSO && tc.breakoutOpen > 0 {
		return tc.breakoutOpen
	}
	if tc.orb == nil || p.EntryBarVolatility <= 0 {
		return 0
	}
	return p.Side.StopFromDistance(tc.orb.Extreme(p.Side), p.EntryBarVolatility)
}

// timeStopped fires when the position has aged past the limit without ever
// reaching the minimum favorable excursion.
func (e *Engine) timeStopped(p *models.Position, tc tickContext) bool {
	if p.Age(tc.now) < e.cfg.TimeStopAfter {
		return false
	}
	return p.PeakFavorablePct() < e.cfg.TimeStopMinGainPct
}

// profitRung returns the quantity to peel off when the current favorable
// excursion reaches the next ladder rung. Positions too small to leave a
// runner skip the ladder and rely on trailing alone.
func (e *Engine) profitRung(p *models.Position, last float64) (int, string, bool) {
	fav := p.Side.FavorablePct(p.EntryPrice, last)
	switch p.ScaleOutsRemaining() {
	case 2:
		if fav >= e.cfg.Rung1Pct {
			qty := p.InitialQuantity / 2
			if qty > 0 && qty < p.Quantity {
				return qty, "first profit rung", true
			}
		}
	case 1:
		if fav >= e.cfg.Rung2Pct {
			qty := p.InitialQuantity / 4
			if qty > 0 && qty < p.Quantity {
				return qty, "second profit rung", true
			}
		}
	}
	return 0, "", false
}

// runnerDone ends a scaled-out runner near the close. Reclaim-style runner
// exits are covered by the invalidation stop, which outranks this trigger.
func (e *Engine) runnerDone(p *models.Position, tc tickContext) (string, bool) {
	if p.CurrentStealth() != models.StatePartial {
		return "", false
	}
	if !tc.runnerDeadline.IsZero() && !tc.now.Before(tc.runnerDeadline) {
		return "runner session cutoff", true
	}
	return "", false
}
