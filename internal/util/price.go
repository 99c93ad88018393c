// Package util provides common utility functions for price calculations.
package util

import "math"

// tickEpsilon absorbs float64 division error when a price sits exactly on a
// tick boundary. It must stay below the smallest deliberate offset callers
// care about (sub-pip offsets are treated as real, not as noise).
const tickEpsilon = 1e-13

// RoundToTick rounds x to the nearest tick increment, ties away from zero.
// For example, with tick=0.01, 1.2345 becomes 1.23 and 1.235 becomes 1.24.
func RoundToTick(x, tick float64) float64 {
	if tick == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	tick = math.Abs(tick)
	q := x / tick
	if q >= 0 {
		return math.Floor(q+0.5+tickEpsilon) * tick
	}
	return math.Ceil(q-0.5-tickEpsilon) * tick
}

// FloorToTick rounds x down to the tick grid. Values within tickEpsilon of a
// boundary are treated as on the boundary.
func FloorToTick(x, tick float64) float64 {
	if tick == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	tick = math.Abs(tick)
	return math.Floor(x/tick+tickEpsilon) * tick
}

// CeilToTick rounds x up to the tick grid. Values within tickEpsilon of a
// boundary are treated as on the boundary.
func CeilToTick(x, tick float64) float64 {
	if tick == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	tick = math.Abs(tick)
	return math.Ceil(x/tick-tickEpsilon) * tick
}
