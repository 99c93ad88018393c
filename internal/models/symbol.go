package models

// Tier buckets watchlist symbols by liquidity and priority.
type Tier int

const (
	// TierCore is the always-on index ETF set.
	TierCore Tier = 1
	// TierLeveraged is the 2x/3x ETF set, traded with reduced volatility thresholds.
	TierLeveraged Tier = 2
	// TierSatellite is the rotating sector/theme set.
	TierSatellite Tier = 3
)

// Symbol is a static watchlist entry. Loaded once at startup; never mutated.
type Symbol struct {
	Ticker          string `json:"ticker"`
	Tier            Tier   `json:"tier"`
	Leveraged       bool   `json:"leveraged"`
	InverseOf       string `json:"inverse_of,omitempty"`
	Sector          string `json:"sector,omitempty"`
	StrikeIncrement float64 `json:"strike_increment,omitempty"`
}

// HasInverse reports whether a peer ticker exists for symmetric signals.
func (s Symbol) HasInverse() bool { return s.InverseOf != "" }
