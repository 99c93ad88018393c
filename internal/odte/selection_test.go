package odte

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/openrange-labs/daybreak/internal/broker"
	"github.com/openrange-labs/daybreak/internal/models"
)

var chainT = time.Date(2026, 8, 7, 14, 0, 0, 0, time.UTC)

func almost(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// optLeg builds a chain row with candidate-grade size (OI 4000, volume
// 1500). Tests thin it out by mutating the returned struct.
func optLeg(kind models.OptionKind, strike, bid, ask, delta, gamma, theta, vega float64) models.OptionContract {
	return models.OptionContract{
		Symbol:       fmt.Sprintf("SPY%s%.0f", kind, strike),
		Underlying:   "SPY",
		Strike:       strike,
		Expiry:       chainT,
		Kind:         kind,
		Bid:          bid,
		Ask:          ask,
		Volume:       1500,
		OpenInterest: 4000,
		Delta:        delta,
		Gamma:        gamma,
		Theta:        theta,
		Vega:         vega,
	}
}

func chainOf(underlying string, now time.Time, calls, puts []models.OptionContract) *broker.OptionChain {
	return &broker.OptionChain{
		Underlying:  underlying,
		Expiry:      now,
		RetrievedAt: now,
		Calls:       calls,
		Puts:        puts,
	}
}

func TestWidthPreset(t *testing.T) {
	cases := []struct {
		underlying string
		orbRange   float64
		want       float64
	}{
		{"SPX", 4.9, 5},
		{"SPX", 5.0, 10},
		{"IWM", 3.0, 1},
		{"SPY", 0.9, 1},
		{"SPY", 1.0, 2},
		{"QQQ", 2.2, 2},
	}
	for _, c := range cases {
		if got := widthPreset(c.underlying, c.orbRange); got != c.want {
			t.Errorf("widthPreset(%s, %.1f) = %v, want %v", c.underlying, c.orbRange, got, c.want)
		}
	}
}

func TestSelectDebitSpreadPairsScoredLegWithWing(t *testing.T) {
	calls := []models.OptionContract{
		optLeg(models.KindCall, 651, 0.43, 0.47, 0.22, 0.12, -0.30, 0.15),
		optLeg(models.KindCall, 652, 0.14, 0.16, 0.09, 0.07, -0.15, 0.08),
	}
	chain := chainOf("SPY", chainT, calls, nil)

	sel, err := SelectDebitSpread(chain, models.SideLong, 650, 0.4, chainT)
	if err != nil {
		t.Fatalf("SelectDebitSpread: %v", err)
	}
	if sel.Structure != models.StructureDebitSpread || sel.Debit == nil {
		t.Fatalf("selection is not a debit spread: %+v", sel)
	}
	if got := sel.Debit.LongLeg.Strike; got != 651 {
		t.Errorf("long strike = %v, want 651", got)
	}
	if got := sel.Debit.ShortLeg.Strike; got != 652 {
		t.Errorf("short strike = %v, want 652", got)
	}
	if !almost(sel.EntryValue, 0.30) {
		t.Errorf("entry value = %v, want 0.30", sel.EntryValue)
	}
	if !almost(sel.MaxLossPerShare, 0.30) {
		t.Errorf("max loss per share = %v, want 0.30", sel.MaxLossPerShare)
	}
	if !almost(sel.RiskReward, 0.70/0.30) {
		t.Errorf("risk:reward = %v, want %v", sel.RiskReward, 0.70/0.30)
	}
	if !almost(sel.EntrySpreadPct, 0.20) {
		t.Errorf("entry spread pct = %v, want 0.20", sel.EntrySpreadPct)
	}
	// Single candidate: every normalized greek degenerates to 0.5 and only
	// delta proximity separates, so the blend lands at 0.56.
	if !almost(sel.Score, 0.56) {
		t.Errorf("score = %v, want 0.56", sel.Score)
	}
}

func TestSelectDebitSpreadPrefersGreeksBlendWinner(t *testing.T) {
	calls := []models.OptionContract{
		optLeg(models.KindCall, 651, 0.48, 0.52, 0.28, 0.08, -0.45, 0.22),
		optLeg(models.KindCall, 652, 0.38, 0.42, 0.20, 0.14, -0.25, 0.12),
		optLeg(models.KindCall, 653, 0.10, 0.11, 0.06, 0.04, -0.10, 0.05),
	}
	chain := chainOf("SPY", chainT, calls, nil)

	sel, err := SelectDebitSpread(chain, models.SideLong, 650, 0.4, chainT)
	if err != nil {
		t.Fatalf("SelectDebitSpread: %v", err)
	}
	// 652 sweeps every half of the blend against 651: more gamma, less
	// decay, less vega, delta dead on 0.20.
	if got := sel.Debit.LongLeg.Strike; got != 652 {
		t.Errorf("long strike = %v, want 652", got)
	}
	if got := sel.Debit.ShortLeg.Strike; got != 653 {
		t.Errorf("short strike = %v, want 653", got)
	}
	if !almost(sel.Score, 1.0) {
		t.Errorf("score = %v, want 1.0", sel.Score)
	}
	if sel.RiskReward < minRiskReward || sel.RiskReward > maxRiskReward {
		t.Errorf("risk:reward %v outside [%v, %v]", sel.RiskReward, minRiskReward, maxRiskReward)
	}
}

func TestSelectDebitSpreadWalksPastIlliquidWing(t *testing.T) {
	wingless := optLeg(models.KindCall, 652, 0.30, 0.34, 0.15, 0.09, -0.20, 0.10)
	wingless.OpenInterest = 40
	calls := []models.OptionContract{
		optLeg(models.KindCall, 651, 0.43, 0.47, 0.20, 0.14, -0.25, 0.12),
		wingless,
		optLeg(models.KindCall, 653, 0.38, 0.42, 0.12, 0.10, -0.20, 0.10),
		optLeg(models.KindCall, 654, 0.10, 0.11, 0.05, 0.03, -0.08, 0.04),
	}
	chain := chainOf("SPY", chainT, calls, nil)

	sel, err := SelectDebitSpread(chain, models.SideLong, 650, 0.4, chainT)
	if err != nil {
		t.Fatalf("SelectDebitSpread: %v", err)
	}
	// 651 scores first but its wing at 652 is too thin to sell; the walk
	// must fall through to 653 instead of giving up.
	if got := sel.Debit.LongLeg.Strike; got != 653 {
		t.Errorf("long strike = %v, want 653", got)
	}
	if got := sel.Debit.ShortLeg.Strike; got != 654 {
		t.Errorf("short strike = %v, want 654", got)
	}
	if !almost(sel.Score, 0.44) {
		t.Errorf("score = %v, want 0.44", sel.Score)
	}
}

func TestSelectDebitSpreadShortSideUsesPuts(t *testing.T) {
	puts := []models.OptionContract{
		optLeg(models.KindPut, 649, 0.43, 0.47, -0.22, 0.12, -0.30, 0.15),
		optLeg(models.KindPut, 648, 0.14, 0.16, -0.09, 0.07, -0.15, 0.08),
	}
	chain := chainOf("SPY", chainT, nil, puts)

	sel, err := SelectDebitSpread(chain, models.SideShort, 650, 0.4, chainT)
	if err != nil {
		t.Fatalf("SelectDebitSpread: %v", err)
	}
	if sel.Debit.Kind != models.KindPut {
		t.Fatalf("kind = %v, want put", sel.Debit.Kind)
	}
	if sel.Debit.LongLeg.Strike != 649 || sel.Debit.ShortLeg.Strike != 648 {
		t.Errorf("strikes = %v/%v, want 649/648",
			sel.Debit.LongLeg.Strike, sel.Debit.ShortLeg.Strike)
	}
}

func TestSelectDebitSpreadRejections(t *testing.T) {
	t.Run("stale chain", func(t *testing.T) {
		chain := chainOf("SPY", chainT, []models.OptionContract{
			optLeg(models.KindCall, 651, 0.43, 0.47, 0.22, 0.12, -0.30, 0.15),
		}, nil)
		chain.RetrievedAt = chainT.Add(-6 * time.Minute)
		_, err := SelectDebitSpread(chain, models.SideLong, 650, 0.4, chainT)
		if !errors.Is(err, ErrStaleChain) {
			t.Fatalf("err = %v, want ErrStaleChain", err)
		}
	})
	t.Run("nothing liquid", func(t *testing.T) {
		thin := optLeg(models.KindCall, 651, 0.43, 0.47, 0.22, 0.12, -0.30, 0.15)
		thin.OpenInterest = 50
		chain := chainOf("SPY", chainT, []models.OptionContract{thin}, nil)
		_, err := SelectDebitSpread(chain, models.SideLong, 650, 0.4, chainT)
		if !errors.Is(err, ErrIlliquid) {
			t.Fatalf("err = %v, want ErrIlliquid", err)
		}
	})
	t.Run("band reject", func(t *testing.T) {
		// Wing too rich: debit collapses to 0.15 and the payoff runs past
		// 2.5:1.
		chain := chainOf("SPY", chainT, []models.OptionContract{
			optLeg(models.KindCall, 651, 0.43, 0.47, 0.22, 0.12, -0.30, 0.15),
			optLeg(models.KindCall, 652, 0.28, 0.32, 0.09, 0.07, -0.15, 0.08),
		}, nil)
		_, err := SelectDebitSpread(chain, models.SideLong, 650, 0.4, chainT)
		if !errors.Is(err, ErrSpreadReject) {
			t.Fatalf("err = %v, want ErrSpreadReject", err)
		}
	})
	t.Run("missing wing", func(t *testing.T) {
		chain := chainOf("SPY", chainT, []models.OptionContract{
			optLeg(models.KindCall, 651, 0.43, 0.47, 0.22, 0.12, -0.30, 0.15),
		}, nil)
		_, err := SelectDebitSpread(chain, models.SideLong, 650, 0.4, chainT)
		if !errors.Is(err, ErrSpreadReject) {
			t.Fatalf("err = %v, want ErrSpreadReject", err)
		}
	})
}

func TestSelectCreditSpreadSellsOppositeTail(t *testing.T) {
	puts := []models.OptionContract{
		optLeg(models.KindPut, 649, 0.38, 0.42, -0.20, 0.13, -0.30, 0.10),
		optLeg(models.KindPut, 648, 0.10, 0.11, -0.07, 0.05, -0.12, 0.05),
	}
	chain := chainOf("SPY", chainT, nil, puts)

	// Long thesis sells the put side.
	sel, err := SelectCreditSpread(chain, models.SideLong, 650, 0.4, chainT)
	if err != nil {
		t.Fatalf("SelectCreditSpread: %v", err)
	}
	if sel.Structure != models.StructureCreditSpread || sel.Credit == nil {
		t.Fatalf("selection is not a credit spread: %+v", sel)
	}
	if sel.Credit.Kind != models.KindPut {
		t.Fatalf("kind = %v, want put", sel.Credit.Kind)
	}
	if sel.Credit.ShortLeg.Strike != 649 || sel.Credit.LongLeg.Strike != 648 {
		t.Errorf("strikes = %v/%v, want short 649 long 648",
			sel.Credit.ShortLeg.Strike, sel.Credit.LongLeg.Strike)
	}
	if !almost(sel.EntryValue, 0.295) {
		t.Errorf("credit = %v, want 0.295", sel.EntryValue)
	}
	if !almost(sel.MaxLossPerShare, 0.705) {
		t.Errorf("max loss per share = %v, want 0.705", sel.MaxLossPerShare)
	}
	riskPerReward := sel.Credit.MaxLoss() / sel.Credit.MaxProfit()
	if riskPerReward < minRiskReward || riskPerReward > maxRiskReward {
		t.Errorf("risk per reward %v outside [%v, %v]", riskPerReward, minRiskReward, maxRiskReward)
	}
}

func TestSelectLottoTakesTopScoredLeg(t *testing.T) {
	calls := []models.OptionContract{
		optLeg(models.KindCall, 651, 0.43, 0.47, 0.22, 0.12, -0.30, 0.15),
	}
	chain := chainOf("SPY", chainT, calls, nil)

	// Same chain cannot build a vertical: there is no wing to sell.
	if _, err := SelectDebitSpread(chain, models.SideLong, 650, 0.4, chainT); !errors.Is(err, ErrSpreadReject) {
		t.Fatalf("debit err = %v, want ErrSpreadReject", err)
	}

	sel, err := SelectLotto(chain, models.SideLong, 650, chainT)
	if err != nil {
		t.Fatalf("SelectLotto: %v", err)
	}
	if sel.Structure != models.StructureLotto || sel.Lotto == nil {
		t.Fatalf("selection is not a lotto: %+v", sel)
	}
	if sel.Lotto.Strike != 651 {
		t.Errorf("strike = %v, want 651", sel.Lotto.Strike)
	}
	if !almost(sel.EntryValue, 0.45) {
		t.Errorf("entry value = %v, want 0.45", sel.EntryValue)
	}
	if !almost(sel.MaxLossPerShare, 0.45) {
		t.Errorf("max loss per share = %v, want premium 0.45", sel.MaxLossPerShare)
	}
}

// randomCallChain builds a six-strike call ladder whose liquidity, pricing
// and greeks straddle every selection gate.
func randomCallChain(rng *rand.Rand, spot float64, now time.Time) *broker.OptionChain {
	base := math.Ceil(spot)
	calls := make([]models.OptionContract, 0, 6)
	for i := 0; i < 6; i++ {
		strike := base + float64(i)
		mid := 0.05 + rng.Float64()*0.75
		half := mid * (0.01 + rng.Float64()*0.14)
		calls = append(calls, models.OptionContract{
			Symbol:       fmt.Sprintf("IWM C%.0f", strike),
			Underlying:   "IWM",
			Strike:       strike,
			Expiry:       now,
			Kind:         models.KindCall,
			Bid:          mid - half,
			Ask:          mid + half,
			Volume:       int64(rng.Intn(200)),
			OpenInterest: int64(rng.Intn(400)),
			Delta:        0.02 + rng.Float64()*0.38,
			Gamma:        rng.Float64() * 0.2,
			Theta:        -rng.Float64() * 0.6,
			Vega:         rng.Float64() * 0.3,
		})
	}
	return &broker.OptionChain{Underlying: "IWM", Expiry: now, RetrievedAt: now, Calls: calls}
}

// debitFeasible brute-forces every scored-leg/wing pairing the ladder
// allows. IWM width is always one strike.
func debitFeasible(chain *broker.OptionChain, spot float64) bool {
	byStrike := indexByStrike(chain.Calls)
	for _, c := range filterCandidates(otmBand(chain.Calls, spot)) {
		wing, ok := byStrike[strikeKey(c.Strike+1)]
		if !ok || !legLiquid(wing) {
			continue
		}
		debit := c.Mid() - wing.Mid()
		if debit <= 0 {
			continue
		}
		if rr := (1 - debit) / debit; rr >= minRiskReward && rr <= maxRiskReward {
			return true
		}
	}
	return false
}

func TestSelectDebitSpreadBandWheneverFeasible(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 250; trial++ {
		spot := 180 + rng.Float64()*40
		chain := randomCallChain(rng, spot, chainT)

		feasible := debitFeasible(chain, spot)
		sel, err := SelectDebitSpread(chain, models.SideLong, spot, 0.5, chainT)
		if feasible && err != nil {
			t.Fatalf("trial %d: feasible ladder rejected: %v", trial, err)
		}
		if !feasible {
			if err == nil {
				t.Fatalf("trial %d: infeasible ladder produced %+v", trial, sel)
			}
			continue
		}

		long, short := sel.Debit.LongLeg, sel.Debit.ShortLeg
		if long.Strike <= spot {
			t.Fatalf("trial %d: long strike %v not above spot %v", trial, long.Strike, spot)
		}
		if long.Strike > math.Ceil(spot)+2 {
			t.Fatalf("trial %d: long strike %v beyond three strikes OTM", trial, long.Strike)
		}
		if !almost(short.Strike-long.Strike, 1) {
			t.Fatalf("trial %d: width %v, want 1", trial, short.Strike-long.Strike)
		}
		if d := math.Abs(long.Delta); d < 0.10 || d > 0.30 {
			t.Fatalf("trial %d: long delta %v outside window", trial, long.Delta)
		}
		if m := long.Mid(); m < 0.20 || m > 0.60 {
			t.Fatalf("trial %d: long mid %v outside window", trial, m)
		}
		for _, leg := range []models.OptionContract{long, short} {
			if leg.OpenInterest < 100 || leg.Volume < 50 {
				t.Fatalf("trial %d: thin leg %v (oi %d vol %d)", trial, leg.Strike, leg.OpenInterest, leg.Volume)
			}
			if leg.SpreadPct() > 0.15 {
				t.Fatalf("trial %d: wide leg %v (%.3f)", trial, leg.Strike, leg.SpreadPct())
			}
		}
		rr := sel.Debit.RiskReward()
		if rr < minRiskReward || rr > maxRiskReward {
			t.Fatalf("trial %d: risk:reward %v outside band", trial, rr)
		}
		if !almost(sel.EntryValue, long.Mid()-short.Mid()) {
			t.Fatalf("trial %d: entry %v != leg mids %v", trial, sel.EntryValue, long.Mid()-short.Mid())
		}
	}
}
