package models

import (
	"fmt"
	"time"
)

// ORBData is the opening range for one symbol on one trading date. It is
// captured exactly once from the first 15-minute regular-session bar and is
// immutable for the rest of the day.
type ORBData struct {
	Ticker       string    `json:"ticker"`
	TradingDate  string    `json:"trading_date"` // YYYY-MM-DD in exchange time
	High         float64   `json:"orb_high"`
	Low          float64   `json:"orb_low"`
	Range        float64   `json:"orb_range"`
	VolumeAvg    float64   `json:"orb_volume_avg"`
	CapturedAt   time.Time `json:"captured_at"`
	BarOpen      float64   `json:"bar_open"`
	BarClose     float64   `json:"bar_close"`
}

// NewORBData builds ORBData from the completed opening bar.
func NewORBData(ticker, tradingDate string, bar Candle) (*ORBData, error) {
	if bar.High <= 0 || bar.Low <= 0 || bar.High < bar.Low {
		return nil, fmt.Errorf("orb %s %s: malformed opening bar high=%.4f low=%.4f",
			ticker, tradingDate, bar.High, bar.Low)
	}
	return &ORBData{
		Ticker:      ticker,
		TradingDate: tradingDate,
		High:        bar.High,
		Low:         bar.Low,
		Range:       bar.High - bar.Low,
		VolumeAvg:   float64(bar.Volume),
		CapturedAt:  bar.End,
		BarOpen:     bar.Open,
		BarClose:    bar.Close,
	}, nil
}

// RangePct returns orb_range / orb_low.
func (o *ORBData) RangePct() float64 {
	if o.Low <= 0 {
		return 0
	}
	return o.Range / o.Low
}

// Midpoint returns the center of the opening range.
func (o *ORBData) Midpoint() float64 {
	return (o.High + o.Low) / 2
}

// PerMinuteVolume normalizes the opening bar's volume to one minute, the
// unit intrabar volumes are compared in. The opening range is always the
// first 15 minutes.
func (o *ORBData) PerMinuteVolume() float64 {
	return o.VolumeAvg / 15
}

// Extreme returns the breakout boundary for the given side: the high for
// longs, the low for shorts.
func (o *ORBData) Extreme(side Side) float64 {
	if side == SideShort {
		return o.Low
	}
	return o.High
}

// IndicatorSnapshot captures the technical context at signal emission.
// All values are as-of the emit timestamp.
type IndicatorSnapshot struct {
	RSI             float64 `json:"rsi"`
	MACDHist        float64 `json:"macd_hist"`
	ATR             float64 `json:"atr"`
	BollingerUpper  float64 `json:"bollinger_upper"`
	BollingerLower  float64 `json:"bollinger_lower"`
	EMA9            float64 `json:"ema9"`
	EMA20           float64 `json:"ema20"`
	RSvsSPY         float64 `json:"rs_vs_spy"`
	VWAPDistancePct float64 `json:"vwap_distance_pct"`
}

// ORBSignal is a breakout candidate emitted by the signal engine. At most one
// SO and one ORR exist per (ticker, trading_date).
type ORBSignal struct {
	Ticker      string            `json:"ticker"`
	TradingDate string            `json:"trading_date"`
	Type        SignalType        `json:"signal_type"`
	Side        Side              `json:"side"`
	PriceAtEmit float64           `json:"price_at_emit"`
	VWAP        float64           `json:"vwap"`
	Volume      int64             `json:"volume"`
	VolumeRatio float64           `json:"volume_ratio"`
	Indicators  IndicatorSnapshot `json:"indicators"`
	Confidence  float64           `json:"confidence"`
	EmittedAt   time.Time         `json:"emitted_at"`
	ORB         *ORBData          `json:"orb"`
	Eligibility float64           `json:"eligibility"`
	RedDay      bool              `json:"red_day"`
	Leveraged   bool              `json:"leveraged"`
}

// Key returns the daily-uniqueness key for the signal.
func (s *ORBSignal) Key() string {
	return fmt.Sprintf("%s|%s|%s", s.Ticker, s.TradingDate, s.Type)
}

// BreakoutPct returns how far price has moved beyond the ORB extreme, as a
// fraction of the extreme. Zero or negative means no breakout.
func (s *ORBSignal) BreakoutPct() float64 {
	if s.ORB == nil {
		return 0
	}
	extreme := s.ORB.Extreme(s.Side)
	if extreme <= 0 {
		return 0
	}
	return s.Side.Sign() * (s.PriceAtEmit - extreme) / extreme
}

// Validate enforces the structural invariants every emitted signal carries.
func (s *ORBSignal) Validate() error {
	if !s.Type.Valid() {
		return fmt.Errorf("signal %s: invalid type %q", s.Ticker, s.Type)
	}
	if !s.Side.Valid() {
		return fmt.Errorf("signal %s: invalid side %q", s.Ticker, s.Side)
	}
	if s.Type == SignalORR && s.Side == SideShort {
		return fmt.Errorf("signal %s: ORR cannot be short", s.Ticker)
	}
	if s.PriceAtEmit <= 0 {
		return fmt.Errorf("signal %s: non-positive emit price %.4f", s.Ticker, s.PriceAtEmit)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("signal %s: confidence %.4f outside [0,1]", s.Ticker, s.Confidence)
	}
	if s.ORB == nil {
		return fmt.Errorf("signal %s: missing opening range", s.Ticker)
	}
	return nil
}

// RankedSignal augments an ORBSignal with its priority placement and dollar
// allocation. Produced by the ranker; read-only afterward.
type RankedSignal struct {
	ORBSignal
	PriorityScore    float64 `json:"priority_score"`
	PriorityRank     int     `json:"priority_rank"`
	CapitalAllocated float64 `json:"capital_allocated"`
}
