package exit

import (
	"math"

	"github.com/openrange-labs/daybreak/internal/models"
)

// Trailing distance profiles. Explosive hugs the move and squeezes toward
// its floor once the gain runs past the second profit rung; moon gives the
// position room and steps tighter at +7% and +15%; balanced never changes.
const (
	explosiveStartATR    = 1.0
	explosiveStartPct    = 0.006
	explosiveFloorPct    = 0.0035
	explosiveTightenFrom = 8.0  // peak gain % where tightening starts
	explosiveTightenSpan = 12.0 // gain % over which distance reaches the floor

	moonStartATR    = 1.5
	moonStartPct    = 0.009
	moonStep1Pct    = 7.0
	moonStep2Pct    = 15.0
	moonStep1Factor = 0.75
	moonStep2Factor = 0.50

	balancedATR = 1.0
	balancedPct = 0.005
)

// trailDistance returns the raw mode-bound trailing distance in dollars for
// the given price, ATR reference, and peak favorable excursion percent.
func trailDistance(mode models.TrailMode, atr, price, peakGainPct float64) float64 {
	switch mode {
	case models.ModeMoon:
		d := math.Max(moonStartATR*atr, moonStartPct*price)
		switch {
		case peakGainPct >= moonStep2Pct:
			d *= moonStep2Factor
		case peakGainPct >= moonStep1Pct:
			d *= moonStep1Factor
		}
		return d
	case models.ModeBalanced:
		return math.Max(balancedATR*atr, balancedPct*price)
	default:
		d := math.Max(explosiveStartATR*atr, explosiveStartPct*price)
		floor := explosiveFloorPct * price
		if peakGainPct > explosiveTightenFrom {
			frac := math.Min((peakGainPct-explosiveTightenFrom)/explosiveTightenSpan, 1)
			d -= (d - floor) * frac
		}
		return math.Max(d, floor)
	}
}

// guardDistance floors a trailing distance by twice the current spread and
// by the tick floor, so the stop never sits inside the book's noise.
func guardDistance(d, spread, tick float64) float64 {
	if g := 2 * spread; g > d {
		d = g
	}
	if tick > d {
		d = tick
	}
	return d
}

// hysteresisThreshold is the minimum improvement a stop must show before a
// commit is worth a state write.
func hysteresisThreshold(price, atrFloor float64) float64 {
	return math.Max(0.0002*price, 0.25*atrFloor)
}
