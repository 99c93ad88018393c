// Package indicators computes the technical inputs consumed by signal
// scoring and exit logic. All functions operate on bar history ordered
// oldest-first and return the most recent value; callers that need full
// series should go to go-talib directly.
package indicators

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"github.com/openrange-labs/daybreak/internal/models"
)

const (
	rsiPeriod  = 14
	atrPeriod  = 14
	bbPeriod   = 20
	bbStdDev   = 2.0
	emaFast    = 9
	emaSlow    = 20
	macdFast   = 12
	macdSlow   = 26
	macdSignal = 9
)

// MinBars is the shortest history that produces a complete snapshot.
// MACD is the binding constraint: slow period plus signal warm-up.
const MinBars = macdSlow + macdSignal

// Closes extracts the close series from bar history.
func Closes(candles []models.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// RSI returns the latest 14-period relative strength index, or NaN when
// history is too short.
func RSI(closes []float64) float64 {
	if len(closes) <= rsiPeriod {
		return math.NaN()
	}
	series := talib.Rsi(closes, rsiPeriod)
	return series[len(series)-1]
}

// EMA returns the latest exponential moving average over the given period.
func EMA(closes []float64, period int) float64 {
	if len(closes) < period {
		return math.NaN()
	}
	series := talib.Ema(closes, period)
	return series[len(series)-1]
}

// MACDHist returns the latest MACD histogram value (12/26/9).
func MACDHist(closes []float64) float64 {
	if len(closes) < MinBars {
		return math.NaN()
	}
	_, _, hist := talib.Macd(closes, macdFast, macdSlow, macdSignal)
	return hist[len(hist)-1]
}

// ATR returns the latest 14-period average true range.
func ATR(candles []models.Candle) float64 {
	if len(candles) <= atrPeriod {
		return math.NaN()
	}
	high := make([]float64, len(candles))
	low := make([]float64, len(candles))
	closes := make([]float64, len(candles))
	for i, c := range candles {
		high[i], low[i], closes[i] = c.High, c.Low, c.Close
	}
	series := talib.Atr(high, low, closes, atrPeriod)
	return series[len(series)-1]
}

// Bollinger returns the latest 20-period, 2-sigma band edges.
func Bollinger(closes []float64) (upper, lower float64) {
	if len(closes) < bbPeriod {
		return math.NaN(), math.NaN()
	}
	up, _, down := talib.BBands(closes, bbPeriod, bbStdDev, bbStdDev, talib.SMA)
	return up[len(up)-1], down[len(down)-1]
}

// VWAP returns the volume-weighted average price over the given session
// bars using the typical price (H+L+C)/3 per bar. Returns NaN when no
// volume has printed.
func VWAP(candles []models.Candle) float64 {
	var pv, vol float64
	for _, c := range candles {
		typical := (c.High + c.Low + c.Close) / 3
		pv += typical * float64(c.Volume)
		vol += float64(c.Volume)
	}
	if vol == 0 {
		return math.NaN()
	}
	return pv / vol
}

// RelativeStrength compares session performance against a benchmark:
// (sym_last/sym_first) / (bench_last/bench_first). Values above 1 mean
// the symbol is outperforming. Returns NaN when either series is empty
// or starts at zero.
func RelativeStrength(symbol, benchmark []float64) float64 {
	if len(symbol) == 0 || len(benchmark) == 0 {
		return math.NaN()
	}
	s0, b0 := symbol[0], benchmark[0]
	if s0 == 0 || b0 == 0 {
		return math.NaN()
	}
	symRet := symbol[len(symbol)-1] / s0
	benchRet := benchmark[len(benchmark)-1] / b0
	if benchRet == 0 {
		return math.NaN()
	}
	return symRet / benchRet
}

// Snapshot computes the full indicator set for one symbol. history must
// span at least MinBars bars (prior sessions are fine for warm-up);
// session holds only today's bars and drives VWAP and relative strength.
// benchSession is the benchmark's bars for the same session, usually SPY.
func Snapshot(history, session, benchSession []models.Candle) (models.IndicatorSnapshot, error) {
	if len(history) < MinBars {
		return models.IndicatorSnapshot{}, fmt.Errorf("indicators: need %d bars, have %d", MinBars, len(history))
	}
	if len(session) == 0 {
		return models.IndicatorSnapshot{}, fmt.Errorf("indicators: empty session")
	}

	closes := Closes(history)
	upper, lower := Bollinger(closes)

	snap := models.IndicatorSnapshot{
		RSI:            RSI(closes),
		MACDHist:       MACDHist(closes),
		ATR:            ATR(history),
		BollingerUpper: upper,
		BollingerLower: lower,
		EMA9:           EMA(closes, emaFast),
		EMA20:          EMA(closes, emaSlow),
	}

	last := session[len(session)-1].Close
	if vwap := VWAP(session); !math.IsNaN(vwap) && vwap > 0 {
		snap.VWAPDistancePct = (last - vwap) / vwap * 100
	}
	// Stored in percentage points of outperformance so downstream
	// comparisons against zero read naturally.
	if rs := RelativeStrength(Closes(session), Closes(benchSession)); !math.IsNaN(rs) {
		snap.RSvsSPY = (rs - 1) * 100
	}
	return snap, nil
}
