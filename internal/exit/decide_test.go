package exit

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openrange-labs/daybreak/internal/models"
	"github.com/openrange-labs/daybreak/internal/storage"
)

func exitEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(DefaultConfig(), storage.NewMockStorage(), newFakeMarket(),
		&fakeClock{now: t0}, &fakeExecutor{}, zerolog.Nop())
}

// cleanTick is a context where nothing fires: penny-wide book, indicators
// unavailable, no deadlines.
func cleanTick(now time.Time, last float64) tickContext {
	return tickContext{
		now: now,
		quote: models.Quote{
			Symbol: "TQQQ", Last: last,
			Bid: last - 0.01, Ask: last + 0.01,
			Timestamp: now,
		},
		vwapDistPct: math.NaN(),
		macdHist:    math.NaN(),
	}
}

// partialPosition builds a runner that has already scaled out the given
// number of times.
func partialPosition(t *testing.T, qty, initial, partials int, entry float64) *models.Position {
	t.Helper()
	p := testPosition("p", "TQQQ", models.SideLong, initial, entry, 0.5, models.ModeExplosive, t0)
	mustTransition(t, p, models.StateBreakeven, "breakeven_reached")
	mustTransition(t, p, models.StateTrailing, "trailing_activated")
	for i := 0; i < partials; i++ {
		mustTransition(t, p, models.StatePartial, "scale_out")
	}
	p.Quantity = qty
	return p
}

func TestDecidePriorityOrder(t *testing.T) {
	e := exitEngine(t)
	now := t0.Add(10 * time.Minute)
	now30 := t0.Add(30 * time.Minute)

	t.Run("fail safe outranks the hard stop", func(t *testing.T) {
		p := testPosition("p", "TQQQ", models.SideLong, 100, 100, 0.5, models.ModeExplosive, t0)
		p.CurrentStopLoss = 99
		tc := cleanTick(now, 98)
		tc.quote.Bid, tc.quote.Ask = 90, 110
		dec := e.decide(p, tc)
		if dec.trigger != TriggerFailSafe || dec.action != actClose {
			t.Fatalf("trigger = %s, want fail_safe", dec.trigger)
		}
	})

	t.Run("hard stop outranks invalidation", func(t *testing.T) {
		p := testPosition("p", "TQQQ", models.SideLong, 100, 100, 0.5, models.ModeExplosive, t0)
		p.CurrentStopLoss = 99
		tc := cleanTick(now, 98)
		tc.vwapDistPct = -5
		if dec := e.decide(p, tc); dec.trigger != TriggerHardStop {
			t.Fatalf("trigger = %s, want hard_stop", dec.trigger)
		}
	})

	t.Run("hard stop outranks the gap check", func(t *testing.T) {
		p := partialPosition(t, 100, 100, 0, 100)
		p.CurrentStopLoss = 98
		tc := cleanTick(now, 97.5)
		tc.gapRef = 100
		if dec := e.decide(p, tc); dec.trigger != TriggerHardStop {
			t.Fatalf("trigger = %s, want hard_stop", dec.trigger)
		}
	})

	t.Run("gap outranks invalidation", func(t *testing.T) {
		p := partialPosition(t, 100, 100, 0, 100)
		tc := cleanTick(now, 97.5)
		tc.gapRef = 100
		tc.vwapDistPct = -5
		if dec := e.decide(p, tc); dec.trigger != TriggerGapRisk {
			t.Fatalf("trigger = %s, want gap_risk", dec.trigger)
		}
	})

	t.Run("gap needs a trailing position", func(t *testing.T) {
		p := testPosition("p", "TQQQ", models.SideLong, 100, 100, 0.5, models.ModeExplosive, t0)
		tc := cleanTick(now, 97.5)
		tc.gapRef = 100
		if dec := e.decide(p, tc); dec.trigger == TriggerGapRisk {
			t.Fatal("gap fired on a fresh position")
		}
	})

	t.Run("invalidation outranks the time stop", func(t *testing.T) {
		p := testPosition("p", "TQQQ", models.SideLong, 100, 100, 0.5, models.ModeExplosive, t0)
		tc := cleanTick(now30, 98)
		tc.vwapDistPct = -5
		if dec := e.decide(p, tc); dec.trigger != TriggerInvalidation {
			t.Fatalf("trigger = %s, want invalidation", dec.trigger)
		}
	})

	t.Run("time stop outranks the profit ladder", func(t *testing.T) {
		p := testPosition("p", "TQQQ", models.SideLong, 100, 100, 0.5, models.ModeExplosive, t0)
		p.MarkPrice(103.5, now30)
		if dec := e.decide(p, cleanTick(now30, 103.5)); dec.trigger != TriggerTimeStop {
			t.Fatalf("trigger = %s, want time_stop", dec.trigger)
		}
	})

	t.Run("ladder fires once the excursion minimum is met", func(t *testing.T) {
		p := testPosition("p", "TQQQ", models.SideLong, 100, 100, 0.5, models.ModeExplosive, t0)
		p.MarkPrice(105.5, now30)
		dec := e.decide(p, cleanTick(now30, 103.5))
		if dec.action != actScaleOut || dec.trigger != TriggerProfitTarget {
			t.Fatalf("decision = %+v, want a profit_target scale-out", dec)
		}
		if dec.quantity != 50 {
			t.Fatalf("scale-out quantity = %d, want 50", dec.quantity)
		}
	})

	t.Run("ladder outranks the runner cutoff", func(t *testing.T) {
		p := partialPosition(t, 50, 100, 1, 100)
		p.MarkPrice(107.5, now30)
		tc := cleanTick(now30, 107.5)
		tc.runnerDeadline = now30.Add(-time.Second)
		dec := e.decide(p, tc)
		if dec.trigger != TriggerProfitTarget || dec.quantity != 25 {
			t.Fatalf("decision = %+v, want the second rung", dec)
		}
	})

	t.Run("runner cutoff outranks the eod close", func(t *testing.T) {
		p := partialPosition(t, 25, 100, 2, 100)
		p.MarkPrice(105.5, now30)
		tc := cleanTick(now30, 105.0)
		tc.runnerDeadline = now30
		tc.eodDeadline = now30
		if dec := e.decide(p, tc); dec.trigger != TriggerRunnerExit {
			t.Fatalf("trigger = %s, want runner_exit", dec.trigger)
		}
	})

	t.Run("eod closes anything still open", func(t *testing.T) {
		p := testPosition("p", "TQQQ", models.SideLong, 100, 100, 0.5, models.ModeExplosive, t0)
		tc := cleanTick(now, 100.2)
		tc.eodDeadline = now
		dec := e.decide(p, tc)
		if dec.trigger != TriggerEOD || dec.action != actClose {
			t.Fatalf("decision = %+v, want an eod close", dec)
		}
	})

	t.Run("deferred positions only honor protective triggers", func(t *testing.T) {
		p := testPosition("p", "TQQQ", models.SideLong, 100, 100, 0.5, models.ModeExplosive, t0)
		p.MarkPrice(103.5, now30)
		tc := cleanTick(now30, 103.5)
		tc.deferEOD = true
		if dec := e.decide(p, tc); dec.action != actHold {
			t.Fatalf("deferred position acted: %+v", dec)
		}

		p.CurrentStopLoss = 99
		tc = cleanTick(now30, 98.5)
		tc.deferEOD = true
		if dec := e.decide(p, tc); dec.trigger != TriggerHardStop {
			t.Fatalf("deferred stop trigger = %s, want hard_stop", dec.trigger)
		}

		tc = cleanTick(now30, 103.5)
		tc.deferEOD = true
		tc.eodDeadline = now30
		if dec := e.decide(p, tc); dec.trigger != TriggerEOD {
			t.Fatalf("deferred eod trigger = %s, want eod", dec.trigger)
		}
	})
}

func TestDecideShortSide(t *testing.T) {
	e := exitEngine(t)
	now := t0.Add(10 * time.Minute)
	now30 := t0.Add(30 * time.Minute)

	t.Run("stop hits when price rises through it", func(t *testing.T) {
		p := testPosition("s", "SQQQ", models.SideShort, 100, 100, 0.5, models.ModeExplosive, t0)
		p.CurrentStopLoss = 101
		if dec := e.decide(p, cleanTick(now, 101.2)); dec.trigger != TriggerHardStop {
			t.Fatalf("trigger = %s, want hard_stop", dec.trigger)
		}
	})

	t.Run("price back above vwap invalidates a short", func(t *testing.T) {
		p := testPosition("s", "SQQQ", models.SideShort, 100, 100, 0.5, models.ModeExplosive, t0)
		p.CurrentStopLoss = 110
		tc := cleanTick(now, 99)
		tc.vwapDistPct = 0.5
		if dec := e.decide(p, tc); dec.trigger != TriggerInvalidation {
			t.Fatalf("trigger = %s, want invalidation", dec.trigger)
		}
	})

	t.Run("ladder pays on the way down", func(t *testing.T) {
		p := testPosition("s", "SQQQ", models.SideShort, 100, 100, 0.5, models.ModeExplosive, t0)
		p.MarkPrice(94.0, now30)
		dec := e.decide(p, cleanTick(now30, 96.5))
		if dec.trigger != TriggerProfitTarget || dec.quantity != 50 {
			t.Fatalf("decision = %+v, want the first rung", dec)
		}
	})

	t.Run("gap is a rip against the short", func(t *testing.T) {
		p := testPosition("s", "SQQQ", models.SideShort, 100, 100, 0.5, models.ModeExplosive, t0)
		mustTransition(t, p, models.StateBreakeven, "breakeven_reached")
		mustTransition(t, p, models.StateTrailing, "trailing_activated")
		tc := cleanTick(now, 102.5)
		tc.gapRef = 100
		if dec := e.decide(p, tc); dec.trigger != TriggerGapRisk {
			t.Fatalf("trigger = %s, want gap_risk", dec.trigger)
		}
	})
}

func TestInvalidationReasons(t *testing.T) {
	e := exitEngine(t)
	now := t0.Add(10 * time.Minute)
	orb := &models.ORBData{Ticker: "TQQQ", High: 100.50, Low: 99.50, Range: 1.00}

	cases := []struct {
		name   string
		last   float64
		mut    func(*tickContext)
		reason string
	}{
		{"vwap reclaim", 100.2, func(tc *tickContext) { tc.vwapDistPct = -0.2 }, "vwap reclaim"},
		{"vwap hold inside margin", 100.2, func(tc *tickContext) { tc.vwapDistPct = -0.05 }, ""},
		{"orb midpoint reclaim", 99.80, func(tc *tickContext) { tc.orb = orb }, "orb midpoint reclaim"},
		{"breakout bar retraced", 100.05, func(tc *tickContext) { tc.orb = orb }, "breakout bar retraced"},
		{"confirmation open lost", 100.30, func(tc *tickContext) { tc.orb = orb; tc.breakoutOpen = 100.40 }, "breakout bar retraced"},
		{"momentum flip", 100.2, func(tc *tickContext) { tc.macdHist = -0.15 }, "momentum flip"},
		{"momentum noise holds", 100.2, func(tc *tickContext) { tc.macdHist = -0.05 }, ""},
		{"clean context holds", 100.2, nil, ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := testPosition("p", "TQQQ", models.SideLong, 100, 100, 0.4, models.ModeExplosive, t0)
			tc := cleanTick(now, c.last)
			if c.mut != nil {
				c.mut(&tc)
			}
			reason, ok := e.invalidated(p, tc)
			if c.reason == "" {
				if ok {
					t.Fatalf("unexpected invalidation: %s", reason)
				}
				return
			}
			if !ok || reason != c.reason {
				t.Fatalf("reason = %q ok=%v, want %q", reason, ok, c.reason)
			}
		})
	}

	t.Run("orr ignores the confirmation candle", func(t *testing.T) {
		p := testPosition("p", "TQQQ", models.SideLong, 100, 100, 0.4, models.ModeExplosive, t0)
		p.SignalType = models.SignalORR
		tc := cleanTick(now, 100.30)
		tc.orb = orb
		tc.breakoutOpen = 100.40 // another signal's bar, not this trade's
		if reason, ok := e.invalidated(p, tc); ok {
			t.Fatalf("orr invalidated on a foreign confirmation bar: %s", reason)
		}
	})
}

func TestProfitRungQuantities(t *testing.T) {
	e := exitEngine(t)
	cases := []struct {
		name     string
		initial  int
		quantity int
		partials int
		last     float64
		wantQty  int
		wantOK   bool
	}{
		{"first rung halves the book", 100, 100, 0, 103.0, 50, true},
		{"below the first rung holds", 100, 100, 0, 102.9, 0, false},
		{"second rung peels a quarter", 100, 50, 1, 107.0, 25, true},
		{"below the second rung holds", 100, 50, 1, 106.9, 0, false},
		{"book of one skips the ladder", 1, 1, 0, 110.0, 0, false},
		{"runner has no rungs left", 100, 25, 2, 112.0, 0, false},
		{"odd book rounds down", 5, 5, 0, 103.5, 2, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var p *models.Position
			if c.partials > 0 {
				p = partialPosition(t, c.quantity, c.initial, c.partials, 100)
			} else {
				p = testPosition("p", "TQQQ", models.SideLong, c.initial, 100, 0.4, models.ModeExplosive, t0)
				p.Quantity = c.quantity
			}
			qty, _, ok := e.profitRung(p, c.last)
			if ok != c.wantOK || qty != c.wantQty {
				t.Fatalf("qty=%d ok=%v, want %d %v", qty, ok, c.wantQty, c.wantOK)
			}
		})
	}
}

func TestFailSafeSpreadChecks(t *testing.T) {
	e := exitEngine(t)
	now := t0.Add(5 * time.Minute)

	p := testPosition("p", "TQQQ", models.SideLong, 100, 100, 0.4, models.ModeExplosive, t0)

	// Wider than the entry book but immaterial as a fraction of mid.
	tc := cleanTick(now, 100)
	tc.quote.Bid, tc.quote.Ask = 99.98, 100.02
	if reason, ok := e.failSafe(p, tc); ok {
		t.Fatalf("penny-spread fail-safe fired: %s", reason)
	}

	// Material and widened well past the entry book.
	tc.quote.Bid, tc.quote.Ask = 99.50, 100.50
	reason, ok := e.failSafe(p, tc)
	if !ok || reason != "spread widened beyond entry" {
		t.Fatalf("reason = %q ok=%v, want the widened-spread close", reason, ok)
	}

	// A degenerate book trips the backstop regardless of the entry spread.
	wide := testPosition("w", "TQQQ", models.SideLong, 100, 100, 0.4, models.ModeExplosive, t0)
	wide.EntrySpread = 8.0
	tc.quote.Bid, tc.quote.Ask = 89, 111
	reason, ok = e.failSafe(wide, tc)
	if !ok || reason != "liquidity degraded" {
		t.Fatalf("reason = %q ok=%v, want the degraded-book close", reason, ok)
	}

	// A one-sided book has no spread to judge.
	tc.quote.Bid, tc.quote.Ask = 0, 100.50
	if _, ok := e.failSafe(p, tc); ok {
		t.Fatal("one-sided book tripped the fail-safe")
	}
}
