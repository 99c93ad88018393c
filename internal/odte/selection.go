package odte

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/openrange-labs/daybreak/internal/broker"
	"github.com/openrange-labs/daybreak/internal/models"
)

// Selection errors. The manager folds these into the day's rejection
// report with errors.Is.
var (
	// ErrStaleChain means the chain snapshot is older than the tolerance.
	ErrStaleChain = errors.New("option chain too old")
	// ErrIlliquid means no leg survived the liquidity and candidate gates.
	ErrIlliquid = errors.New("no liquid contracts in selection window")
	// ErrSpreadReject means candidate legs existed but no pairing landed
	// inside the risk:reward acceptance band.
	ErrSpreadReject = errors.New("no spread within risk:reward band")
)

const (
	chainMaxAge     = 5 * time.Minute
	minOpenInterest = 100
	minLegVolume    = 50
	maxLegSpreadPct = 0.15

	// Scored-leg candidate window.
	minLegDelta   = 0.10
	maxLegDelta   = 0.30
	deltaCenter   = 0.20
	minLegMid     = 0.20
	maxLegMid     = 0.60
	maxStrikesOTM = 3

	minRiskReward = 1.5
	maxRiskReward = 2.5
)

// Selection is one accepted structure ready for sizing and submission.
// Exactly one of Debit, Credit, Lotto is set, matching Structure.
type Selection struct {
	Structure models.SpreadStructure
	Debit     *models.DebitSpread
	Credit    *models.CreditSpread
	Lotto     *models.OptionContract

	Score float64
	// EntryValue is the per-share debit paid, credit received, or premium.
	EntryValue float64
	// MaxLossPerShare is the margin basis contract sizing divides by.
	MaxLossPerShare float64
	// EntrySpreadPct is the combined leg book width over the entry value.
	EntrySpreadPct float64
	RiskReward     float64
}

// widthPreset returns the vertical width for the underlying, stepping up
// when the opening range is wide enough to cross a full strike.
func widthPreset(underlying string, orbRange float64) float64 {
	switch underlying {
	case "SPX":
		if orbRange >= 5 {
			return 10
		}
		return 5
	case "IWM":
		return 1
	default: // SPY, QQQ and anything with dollar-dense strikes
		if orbRange >= 1 {
			return 2
		}
		return 1
	}
}

// legLiquid applies the hard per-leg liquidity gates.
func legLiquid(c models.OptionContract) bool {
	return c.OpenInterest >= minOpenInterest &&
		c.Volume >= minLegVolume &&
		c.Bid > 0 && c.Ask > 0 &&
		c.SpreadPct() <= maxLegSpreadPct
}

func chainFresh(chain *broker.OptionChain, now time.Time) error {
	if chain == nil {
		return fmt.Errorf("selection: %w", ErrStaleChain)
	}
	if age := chain.Age(now); age > chainMaxAge {
		return fmt.Errorf("selection %s: chain is %s old: %w", chain.Underlying, age.Round(time.Second), ErrStaleChain)
	}
	return nil
}

// chainLegs picks the side of the chain the scored leg comes from. Debit
// structures buy with the thesis; credit structures sell against the
// opposite tail.
func chainLegs(chain *broker.OptionChain, side models.Side, credit bool) []models.OptionContract {
	wantCalls := side == models.SideLong
	if credit {
		wantCalls = !wantCalls
	}
	if wantCalls {
		return chain.Calls
	}
	return chain.Puts
}

// otmBand returns the contracts one to three strikes out of the money,
// nearest first. Calls walk up from spot, puts walk down.
func otmBand(legs []models.OptionContract, spot float64) []models.OptionContract {
	if len(legs) == 0 || spot <= 0 {
		return nil
	}
	sorted := append([]models.OptionContract(nil), legs...)
	calls := sorted[0].Kind == models.KindCall
	sort.Slice(sorted, func(i, j int) bool {
		if calls {
			return sorted[i].Strike < sorted[j].Strike
		}
		return sorted[i].Strike > sorted[j].Strike
	})

	out := make([]models.OptionContract, 0, maxStrikesOTM)
	for _, c := range sorted {
		if calls && c.Strike <= spot {
			continue
		}
		if !calls && c.Strike >= spot {
			continue
		}
		out = append(out, c)
		if len(out) == maxStrikesOTM {
			break
		}
	}
	return out
}

// candidateLeg applies the scored-leg windows on top of liquidity.
func candidateLeg(c models.OptionContract) bool {
	if !legLiquid(c) {
		return false
	}
	if d := math.Abs(c.Delta); d < minLegDelta || d > maxLegDelta {
		return false
	}
	if mid := c.Mid(); mid < minLegMid || mid > maxLegMid {
		return false
	}
	return true
}

type scoredLeg struct {
	leg   models.OptionContract
	score float64
}

// scoreLegs ranks candidates by the greeks blend. Gamma is the edge a
// convex intraday bet pays for; the theta half flips for credit structures
// where collected decay is the edge; vega exposure always costs.
func scoreLegs(cands []models.OptionContract, credit bool) []scoredLeg {
	gLo, gHi := bounds(cands, func(c models.OptionContract) float64 { return c.Gamma })
	tLo, tHi := bounds(cands, func(c models.OptionContract) float64 { return math.Abs(c.Theta) })
	vLo, vHi := bounds(cands, func(c models.OptionContract) float64 { return math.Abs(c.Vega) })

	out := make([]scoredLeg, 0, len(cands))
	for _, c := range cands {
		gammaN := norm01(c.Gamma, gLo, gHi)
		thetaN := norm01(math.Abs(c.Theta), tLo, tHi)
		vegaN := norm01(math.Abs(c.Vega), vLo, vHi)
		prox := 1 - math.Abs(math.Abs(c.Delta)-deltaCenter)/(deltaCenter-minLegDelta)
		if prox < 0 {
			prox = 0
		}
		thetaHalf := 1 - thetaN
		if credit {
			thetaHalf = thetaN
		}
		score := 0.40*gammaN + 0.30*thetaHalf + 0.20*prox + 0.10*(1-vegaN)
		out = append(out, scoredLeg{leg: c, score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].leg.Strike < out[j].leg.Strike
	})
	return out
}

func bounds(cands []models.OptionContract, f func(models.OptionContract) float64) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, c := range cands {
		v := f(c)
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

func norm01(x, lo, hi float64) float64 {
	if hi <= lo {
		return 0.5
	}
	n := (x - lo) / (hi - lo)
	if n < 0 {
		return 0
	}
	if n > 1 {
		return 1
	}
	return n
}

// strikeKey avoids float-equality lookups across the chain.
func strikeKey(strike float64) int64 {
	return int64(math.Round(strike * 100))
}

func indexByStrike(legs []models.OptionContract) map[int64]models.OptionContract {
	idx := make(map[int64]models.OptionContract, len(legs))
	for _, c := range legs {
		idx[strikeKey(c.Strike)] = c
	}
	return idx
}

// wingStrike is one width further out of the money than the scored leg.
func wingStrike(leg models.OptionContract, width float64) float64 {
	if leg.Kind == models.KindCall {
		return leg.Strike + width
	}
	return leg.Strike - width
}

func legBookWidth(c models.OptionContract) float64 {
	if c.Bid <= 0 || c.Ask <= 0 {
		return 0
	}
	return c.Ask - c.Bid
}

// SelectDebitSpread picks the long leg by the greeks blend and pairs it
// with a wing one width out. Deterministic: identical chains always yield
// the identical spread.
func SelectDebitSpread(chain *broker.OptionChain, side models.Side, spot, orbRange float64, now time.Time) (*Selection, error) {
	if err := chainFresh(chain, now); err != nil {
		return nil, err
	}
	legs := chainLegs(chain, side, false)
	cands := filterCandidates(otmBand(legs, spot))
	if len(cands) == 0 {
		return nil, fmt.Errorf("debit %s %s: %w", chain.Underlying, side, ErrIlliquid)
	}

	width := widthPreset(chain.Underlying, orbRange)
	byStrike := indexByStrike(legs)
	for _, sc := range scoreLegs(cands, false) {
		long := sc.leg
		short, ok := byStrike[strikeKey(wingStrike(long, width))]
		if !ok || !legLiquid(short) {
			continue
		}
		debit := long.Mid() - short.Mid()
		if debit <= 0 {
			continue
		}
		spread := models.DebitSpread{
			Underlying: chain.Underlying,
			Expiry:     chain.Expiry,
			Kind:       long.Kind,
			LongLeg:    long,
			ShortLeg:   short,
			DebitCost:  debit,
		}
		rr := spread.RiskReward()
		if rr < minRiskReward || rr > maxRiskReward {
			continue
		}
		return &Selection{
			Structure:       models.StructureDebitSpread,
			Debit:           &spread,
			Score:           sc.score,
			EntryValue:      debit,
			MaxLossPerShare: spread.MaxLoss(),
			EntrySpreadPct:  (legBookWidth(long) + legBookWidth(short)) / debit,
			RiskReward:      rr,
		}, nil
	}
	return nil, fmt.Errorf("debit %s %s width %.2f: %w", chain.Underlying, side, width, ErrSpreadReject)
}

// SelectCreditSpread scores the short leg and buys a wing one width
// further out. The geometry mirrors the debit path: scored leg nearest the
// money, wing behind it.
func SelectCreditSpread(chain *broker.OptionChain, side models.Side, spot, orbRange float64, now time.Time) (*Selection, error) {
	if err := chainFresh(chain, now); err != nil {
		return nil, err
	}
	legs := chainLegs(chain, side, true)
	cands := filterCandidates(otmBand(legs, spot))
	if len(cands) == 0 {
		return nil, fmt.Errorf("credit %s %s: %w", chain.Underlying, side, ErrIlliquid)
	}

	width := widthPreset(chain.Underlying, orbRange)
	byStrike := indexByStrike(legs)
	for _, sc := range scoreLegs(cands, true) {
		short := sc.leg
		long, ok := byStrike[strikeKey(wingStrike(short, width))]
		if !ok || !legLiquid(long) {
			continue
		}
		credit := short.Mid() - long.Mid()
		if credit <= 0 {
			continue
		}
		spread := models.CreditSpread{
			Underlying:     chain.Underlying,
			Expiry:         chain.Expiry,
			Kind:           short.Kind,
			ShortLeg:       short,
			LongLeg:        long,
			CreditReceived: credit,
		}
		if spread.MaxLoss() <= 0 || spread.MaxProfit() <= 0 {
			continue
		}
		// A short vertical inside the scored-leg windows always collects
		// less than the width, so the band reads on risk dollars per
		// reward dollar. Same premium-to-width geometry as the debit path.
		riskPerReward := spread.MaxLoss() / spread.MaxProfit()
		if riskPerReward < minRiskReward || riskPerReward > maxRiskReward {
			continue
		}
		rr := spread.RiskReward()
		return &Selection{
			Structure:       models.StructureCreditSpread,
			Credit:          &spread,
			Score:           sc.score,
			EntryValue:      credit,
			MaxLossPerShare: spread.MaxLoss(),
			EntrySpreadPct:  (legBookWidth(short) + legBookWidth(long)) / credit,
			RiskReward:      rr,
		}, nil
	}
	return nil, fmt.Errorf("credit %s %s width %.2f: %w", chain.Underlying, side, width, ErrSpreadReject)
}

// SelectLotto returns the single best scored leg for premium punts. No
// wing and no risk:reward band; max profit is open-ended and max loss is
// the premium itself.
func SelectLotto(chain *broker.OptionChain, side models.Side, spot float64, now time.Time) (*Selection, error) {
	if err := chainFresh(chain, now); err != nil {
		return nil, err
	}
	legs := chainLegs(chain, side, false)
	cands := filterCandidates(otmBand(legs, spot))
	if len(cands) == 0 {
		return nil, fmt.Errorf("lotto %s %s: %w", chain.Underlying, side, ErrIlliquid)
	}

	best := scoreLegs(cands, false)[0]
	leg := best.leg
	mid := leg.Mid()
	return &Selection{
		Structure:       models.StructureLotto,
		Lotto:           &leg,
		Score:           best.score,
		EntryValue:      mid,
		MaxLossPerShare: mid,
		EntrySpreadPct:  leg.SpreadPct(),
	}, nil
}

func filterCandidates(band []models.OptionContract) []models.OptionContract {
	out := band[:0:0]
	for _, c := range band {
		if candidateLeg(c) {
			out = append(out, c)
		}
	}
	return out
}
