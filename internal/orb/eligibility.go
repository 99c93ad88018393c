package orb

import (
	"math"

	"github.com/openrange-labs/daybreak/internal/models"
)

// GateMode selects how strictly the eligibility checks apply. Equity
// signals pass on the weighted score alone; the options pipeline treats
// every check as a hard gate on top of its own floor.
type GateMode int

const (
	GateEquity GateMode = iota
	GateConvex
)

// ConvexFloor is the minimum weighted score for the options pipeline.
const ConvexFloor = 0.75

// Regime buckets the tape by how directional it is.
type Regime string

const (
	RegimeTrend    Regime = "trend"
	RegimeImpulse  Regime = "impulse"
	RegimeRotation Regime = "rotation"
)

const (
	minRangePct      = 0.0025 // orb_range / orb_low
	minATRPct        = 0.0025 // 5-min ATR / price
	momentumVWAPDist = 0.5    // percent
	trendVWAPDist    = 1.0    // percent
	impulseRS        = 2.0    // percentage points vs benchmark
)

// ClassifyRegime infers the tape regime from VWAP distance and relative
// strength. Anything not clearly directional is rotation.
func ClassifyRegime(snap models.IndicatorSnapshot) Regime {
	switch {
	case math.Abs(snap.VWAPDistancePct) > trendVWAPDist:
		return RegimeTrend
	case math.Abs(snap.RSvsSPY) > impulseRS:
		return RegimeImpulse
	default:
		return RegimeRotation
	}
}

// GateInput is everything the eligibility checks read. BarVolume is the
// latest completed bar's volume; ATR5 may be NaN before enough five-minute
// bars exist.
type GateInput struct {
	Side       models.Side
	Last       float64
	VWAP       float64
	BarVolume  float64
	ATR5       float64
	ORB        *models.ORBData
	Indicators models.IndicatorSnapshot
	RedDay     bool
}

// Verdict is the gate outcome. Score is always populated so signals that
// skip the gate still carry it into ranking.
type Verdict struct {
	Eligible bool
	Score    float64
	Regime   Regime
	Failed   []string
}

type check struct {
	name   string
	weight float64
	pass   bool
}

// Gate runs the eligibility checks and scores them. floor is the minimum
// weighted score; convex mode additionally requires every check to pass.
func Gate(in GateInput, mode GateMode, floor float64) Verdict {
	regime := ClassifyRegime(in.Indicators)
	sign := in.Side.Sign()

	atr5 := in.ATR5
	if math.IsNaN(atr5) {
		atr5 = 0
	}

	checks := []check{
		{"red_day", 0.10, !in.RedDay},
		{"range", 0.20, in.ORB.RangePct() >= minRangePct || (in.Last > 0 && atr5 >= minATRPct*in.Last)},
		{"breakout", 0.20, sign*(in.Last-in.ORB.Extreme(in.Side)) > 0},
		{"volume", 0.15, in.BarVolume > in.ORB.PerMinuteVolume()},
		{"vwap_side", 0.15, in.VWAP > 0 && sign*(in.Last-in.VWAP) >= 0},
		{"momentum", 0.10, momentumConfirmed(in.Side, in.Indicators)},
		{"regime", 0.10, regime != RegimeRotation},
	}

	v := Verdict{Regime: regime}
	for _, c := range checks {
		if c.pass {
			v.Score += c.weight
		} else {
			v.Failed = append(v.Failed, c.name)
		}
	}

	switch mode {
	case GateConvex:
		v.Eligible = len(v.Failed) == 0 && v.Score >= floor
	default:
		v.Eligible = v.Score >= floor
	}
	return v
}

// momentumConfirmed requires one directional confirmation: MACD histogram,
// relative strength, or VWAP distance beyond half a percent, each read on
// the signal's side.
func momentumConfirmed(side models.Side, snap models.IndicatorSnapshot) bool {
	macd, rs, dist := snap.MACDHist, snap.RSvsSPY, snap.VWAPDistancePct
	if math.IsNaN(macd) {
		macd = 0
	}
	if side == models.SideShort {
		return macd < 0 || rs < 0 || dist < -momentumVWAPDist
	}
	return macd > 0 || rs > 0 || dist > momentumVWAPDist
}
