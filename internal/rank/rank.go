// Package rank orders breakout signals by priority and packs the day's
// trading capital across them. Everything here is a pure function of its
// inputs so the same signal batch always produces the same book.
package rank

import (
	"math"
	"sort"

	"github.com/openrange-labs/daybreak/internal/models"
)

// Config bounds the packing pass. Percentages are of the total account.
type Config struct {
	TradingCapitalPct float64
	MaxPositionPct    float64
	MaxConcurrent     int
}

// DefaultConfig returns the production packing limits.
func DefaultConfig() Config {
	return Config{
		TradingCapitalPct: 90,
		MaxPositionPct:    35,
		MaxConcurrent:     15,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.TradingCapitalPct <= 0 {
		c.TradingCapitalPct = def.TradingCapitalPct
	}
	if c.MaxPositionPct <= 0 {
		c.MaxPositionPct = def.MaxPositionPct
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	return c
}

// Factor weights of the priority score.
const (
	weightBreakout    = 0.30
	weightORBRange    = 0.25
	weightVolumeRatio = 0.20
	weightEligibility = 0.15
	weightMomentum    = 0.10
)

// norm maps x linearly from [lo, hi] onto [floor, 1], clamping outside.
func norm(x, lo, hi, floor float64) float64 {
	switch {
	case x < lo:
		return floor
	case x >= hi:
		return 1
	default:
		return floor + (x-lo)/(hi-lo)*(1-floor)
	}
}

// Score computes the priority score in [0,1] for one signal.
func Score(sig *models.ORBSignal) float64 {
	breakout := sig.BreakoutPct() * 100 // percent beyond the range extreme
	var rangePct float64
	if sig.ORB != nil {
		rangePct = sig.ORB.RangePct() * 100
	}

	s := weightBreakout*norm(breakout, 0.2, 5.0, 0.15) +
		weightORBRange*norm(rangePct, 0.15, 0.50, 0.30) +
		weightVolumeRatio*norm(sig.VolumeRatio, 1.2, 3.0, 0.25) +
		weightEligibility*sig.Eligibility +
		weightMomentum*norm(breakout, 0.2, 2.0, 0.30)
	return math.Min(1, math.Max(0, s))
}

// Rank scores the batch and returns it ordered by priority with ranks
// assigned from 1. Ties break on confidence, then ticker, then signal
// type, so any permutation of the input yields the same output.
func Rank(signals []*models.ORBSignal) []models.RankedSignal {
	ranked := make([]models.RankedSignal, 0, len(signals))
	for _, sig := range signals {
		if sig == nil {
			continue
		}
		ranked = append(ranked, models.RankedSignal{
			ORBSignal:     *sig,
			PriorityScore: Score(sig),
		})
	}

	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.PriorityScore != b.PriorityScore {
			return a.PriorityScore > b.PriorityScore
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.Ticker != b.Ticker {
			return a.Ticker < b.Ticker
		}
		return a.Type < b.Type
	})

	for i := range ranked {
		ranked[i].PriorityRank = i + 1
	}
	return ranked
}

// multiplier skews capital toward the top of the book.
func multiplier(rank int) float64 {
	switch {
	case rank == 1:
		return 3.0
	case rank == 2:
		return 2.5
	case rank == 3:
		return 2.0
	case rank <= 5:
		return 1.71
	case rank <= 10:
		return 1.5
	case rank <= 15:
		return 1.2
	default:
		return 1.0
	}
}

// Allocate distributes the day's trading capital across the ranked book.
// Only the top MaxConcurrent signals receive capital; each allocation is
// capped at the single-position limit, and if the capped sum still
// overshoots the budget every allocation scales down proportionally.
func Allocate(ranked []models.RankedSignal, totalAccount float64, cfg Config) []models.RankedSignal {
	cfg = cfg.withDefaults()
	out := make([]models.RankedSignal, len(ranked))
	copy(out, ranked)
	if totalAccount <= 0 || len(out) == 0 {
		for i := range out {
			out[i].CapitalAllocated = 0
		}
		return out
	}

	trading := totalAccount * cfg.TradingCapitalPct / 100
	maxSingle := totalAccount * cfg.MaxPositionPct / 100

	n := len(out)
	if n > cfg.MaxConcurrent {
		n = cfg.MaxConcurrent
	}
	fairShare := trading / float64(n)

	var sum float64
	for i := range out {
		if i >= n {
			out[i].CapitalAllocated = 0
			continue
		}
		value := fairShare * multiplier(out[i].PriorityRank)
		if value > maxSingle {
			value = maxSingle
		}
		out[i].CapitalAllocated = value
		sum += value
	}

	if sum > trading {
		scale := trading / sum
		for i := 0; i < n; i++ {
			out[i].CapitalAllocated *= scale
		}
	}
	return out
}
