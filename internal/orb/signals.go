package orb

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openrange-labs/daybreak/internal/indicators"
	"github.com/openrange-labs/daybreak/internal/models"
	"github.com/openrange-labs/daybreak/internal/storage"
)

// Config tunes the signal engine. Zero values fall back to defaults.
type Config struct {
	// BenchmarkSymbol anchors relative strength; its quotes must be fed
	// through Observe like any watchlist symbol.
	BenchmarkSymbol string
	// SOBuffer is the fraction beyond the range extreme the last trade
	// must clear for a standard breakout.
	SOBuffer float64
	// SOAt is the single evaluation point for standard breakouts,
	// measured from the open. SOGrace bounds how late the first tick
	// after SOAt may run the check before the day forfeits it.
	SOAt    time.Duration
	SOGrace time.Duration
	// ORRStart and ORREnd bound the reversal window, measured from the open.
	ORRStart time.Duration
	ORREnd   time.Duration
	// MinEligibility is the weighted-score floor for equity signals.
	MinEligibility float64
	// Leveraged marks symbols that get stricter volatility treatment
	// downstream; carried on emitted signals.
	Leveraged map[string]bool
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		BenchmarkSymbol: "SPY",
		SOBuffer:        0.002,
		SOAt:            45 * time.Minute,
		SOGrace:         5 * time.Minute,
		ORRStart:        45 * time.Minute,
		ORREnd:          5*time.Hour + 45*time.Minute,
		MinEligibility:  0.60,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BenchmarkSymbol == "" {
		c.BenchmarkSymbol = def.BenchmarkSymbol
	}
	if c.SOBuffer <= 0 {
		c.SOBuffer = def.SOBuffer
	}
	if c.SOAt <= 0 {
		c.SOAt = def.SOAt
	}
	if c.SOGrace <= 0 {
		c.SOGrace = def.SOGrace
	}
	if c.ORRStart <= 0 {
		c.ORRStart = def.ORRStart
	}
	if c.ORREnd <= 0 {
		c.ORREnd = def.ORREnd
	}
	if c.MinEligibility <= 0 {
		c.MinEligibility = def.MinEligibility
	}
	return c
}

// symbolState is one symbol's intraday book. soChecked latches after the
// single SO evaluation so the check never reruns on later ticks.
type symbolState struct {
	bars       *BarBuilder
	lastQuote  models.Quote
	orb        *models.ORBData
	orbFailed  bool
	soChecked  bool
	soEmitted  bool
	orrEmitted bool
}

func (st *symbolState) latch(t models.SignalType) {
	switch t {
	case models.SignalSO:
		st.soEmitted = true
	case models.SignalORR:
		st.orrEmitted = true
	}
}

// Engine ingests polled quotes, captures opening ranges, and emits SO and
// ORR signals. Per symbol and day it emits at most one of each; the ledger
// in storage makes that stick across restarts.
type Engine struct {
	cfg    Config
	store  storage.Interface
	logger zerolog.Logger

	mu          sync.Mutex
	tradingDate string
	open        time.Time
	redDay      bool
	days        map[string]*symbolState
}

// NewEngine builds a signal engine on the given ledger store.
func NewEngine(store storage.Interface, cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:    cfg.withDefaults(),
		store:  store,
		logger: logger.With().Str("component", "orb").Logger(),
		days:   make(map[string]*symbolState),
	}
}

// StartDay resets all intraday state for a new session.
func (e *Engine) StartDay(tradingDate string, open time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tradingDate = tradingDate
	e.open = open
	e.redDay = false
	e.days = make(map[string]*symbolState)
	e.logger.Info().Str("trading_date", tradingDate).Time("open", open).Msg("session started")
}

// SetRedDay flags the session as risk-off for the options pipeline.
func (e *Engine) SetRedDay(red bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.redDay = red
}

// RedDay reports the session risk flag.
func (e *Engine) RedDay() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.redDay
}

// day returns the symbol's state, hydrating the emission ledger from
// storage on first touch so a restarted engine cannot double-emit.
func (e *Engine) day(ticker string) *symbolState {
	st, ok := e.days[ticker]
	if ok {
		return st
	}
	st = &symbolState{bars: NewBarBuilder(BarInterval)}
	for _, emitted := range e.store.SignalsEmitted(ticker, e.tradingDate) {
		switch emitted {
		case models.SignalSO:
			st.soEmitted = true
			st.soChecked = true
		case models.SignalORR:
			st.orrEmitted = true
		}
	}
	e.days[ticker] = st
	return st
}

// Observe folds one polled quote into the symbol's intraday book and
// captures the opening range once the window closes.
func (e *Engine) Observe(q models.Quote) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tradingDate == "" || q.Symbol == "" {
		return
	}
	st := e.day(q.Symbol)
	st.bars.Observe(q)
	st.lastQuote = q
	e.ensureORB(q.Symbol, st, q)
}

func (e *Engine) ensureORB(ticker string, st *symbolState, q models.Quote) {
	if st.orb != nil || st.orbFailed || q.Timestamp.Before(e.open.Add(OpeningRange)) {
		return
	}
	if stored, err := e.store.GetORB(ticker, e.tradingDate); err == nil {
		st.orb = stored
		return
	}
	captured, err := capture(ticker, e.tradingDate, e.open, q, st.bars)
	if err != nil {
		st.orbFailed = true
		e.logger.Warn().Err(err).Str("ticker", ticker).Msg("opening range forfeited")
		return
	}
	if err := e.store.SaveORB(captured); err != nil {
		e.logger.Error().Err(err).Str("ticker", ticker).Msg("persisting opening range")
	}
	st.orb = captured
	e.logger.Info().
		Str("ticker", ticker).
		Float64("orb_high", captured.High).
		Float64("orb_low", captured.Low).
		Float64("range_pct", captured.RangePct()*100).
		Msg("opening range captured")
}

// ORBFor returns the captured opening range for the symbol.
func (e *Engine) ORBFor(ticker string) (*models.ORBData, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.days[ticker]
	if !ok || st.orb == nil {
		return nil, false
	}
	return st.orb, true
}

// SessionBars returns the symbol's completed one-minute bars as of now.
func (e *Engine) SessionBars(ticker string, now time.Time) []models.Candle {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.days[ticker]
	if !ok {
		return nil
	}
	return st.bars.Bars(now)
}

// LastQuote returns the most recent quote observed for the symbol.
func (e *Engine) LastQuote(ticker string) (models.Quote, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.days[ticker]
	if !ok || st.lastQuote.Symbol == "" {
		return models.Quote{}, false
	}
	return st.lastQuote, true
}

// Indicators computes the symbol's full indicator snapshot as of now.
func (e *Engine) Indicators(ticker string, now time.Time) (models.IndicatorSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.days[ticker]
	if !ok {
		return models.IndicatorSnapshot{}, fmt.Errorf("no quotes observed for %s", ticker)
	}
	bars := st.bars.Bars(now)
	return indicators.Snapshot(bars, bars, e.benchBars(now))
}

// ConfirmCandle returns the aggregated confirmation candle once its window
// has closed, for exit checks that reference the breakout bar.
func (e *Engine) ConfirmCandle(ticker string, now time.Time) (models.Candle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.days[ticker]
	if !ok || e.open.IsZero() {
		return models.Candle{}, false
	}
	soAt := e.open.Add(e.cfg.SOAt)
	if now.Before(soAt) {
		return models.Candle{}, false
	}
	confirm, covered, ok := st.bars.Aggregate(soAt.Add(-OpeningRange), soAt, now)
	if !ok || covered < minOpeningBars {
		return models.Candle{}, false
	}
	return confirm, true
}

// benchBars returns the benchmark session, nil when it has not been fed.
// Callers hold e.mu.
func (e *Engine) benchBars(now time.Time) []models.Candle {
	bench, ok := e.days[e.cfg.BenchmarkSymbol]
	if !ok {
		return nil
	}
	return bench.bars.Bars(now)
}

// Evaluate runs the signal checks for one symbol at the given instant and
// returns anything newly emitted. The SO check runs exactly once on the
// first call at or after open+SOAt; the ORR check runs every call inside
// its window until it fires.
func (e *Engine) Evaluate(ticker string, now time.Time) []*models.ORBSignal {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tradingDate == "" {
		return nil
	}
	st, ok := e.days[ticker]
	if !ok || st.orb == nil {
		return nil
	}

	var out []*models.ORBSignal
	if sig := e.evaluateSO(ticker, st, now); sig != nil {
		out = append(out, sig)
	}
	if sig := e.evaluateORR(ticker, st, now); sig != nil {
		out = append(out, sig)
	}
	return out
}

func (e *Engine) evaluateSO(ticker string, st *symbolState, now time.Time) *models.ORBSignal {
	soAt := e.open.Add(e.cfg.SOAt)
	if st.soChecked || now.Before(soAt) {
		return nil
	}
	st.soChecked = true
	if now.After(soAt.Add(e.cfg.SOGrace)) {
		e.logger.Warn().Str("ticker", ticker).Time("deadline", soAt).Msg("standard breakout window missed")
		return nil
	}

	confirm, covered, ok := st.bars.Aggregate(soAt.Add(-OpeningRange), soAt, now)
	if !ok || covered < minOpeningBars {
		e.logger.Warn().Str("ticker", ticker).Int("bars", covered).Msg("confirmation candle incomplete")
		return nil
	}

	last := st.lastQuote.Last
	var side models.Side
	switch {
	case last >= st.orb.High*(1+e.cfg.SOBuffer) && confirm.Close > st.orb.High && confirm.Bullish():
		side = models.SideLong
	case last <= st.orb.Low*(1-e.cfg.SOBuffer) && confirm.Close < st.orb.Low && confirm.Bearish():
		side = models.SideShort
	default:
		return nil
	}

	sig, verdict, err := e.buildSignal(ticker, st, models.SignalSO, side, now)
	if err != nil {
		e.logger.Warn().Err(err).Str("ticker", ticker).Msg("standard breakout context unavailable")
		return nil
	}
	if !verdict.Eligible {
		e.logger.Info().
			Str("ticker", ticker).
			Str("side", string(side)).
			Float64("score", verdict.Score).
			Strs("failed", verdict.Failed).
			Msg("standard breakout rejected by eligibility")
		return nil
	}
	if !e.commit(st, sig) {
		return nil
	}
	return sig
}

func (e *Engine) evaluateORR(ticker string, st *symbolState, now time.Time) *models.ORBSignal {
	if st.orrEmitted ||
		now.Before(e.open.Add(e.cfg.ORRStart)) ||
		now.After(e.open.Add(e.cfg.ORREnd)) {
		return nil
	}

	// A session low strictly below the range and a last strictly above it
	// cannot be simultaneous, so the washout necessarily came first.
	low, _ := st.bars.DayLow()
	last := st.lastQuote.Last
	if low <= 0 || low >= st.orb.Low || last <= st.orb.High {
		return nil
	}

	// Reversals are never gated on eligibility; the score rides along for
	// ranking. Indicator failures leave the day's attempt open since the
	// level condition persists.
	sig, _, err := e.buildSignal(ticker, st, models.SignalORR, models.SideLong, now)
	if err != nil {
		return nil
	}
	if !e.commit(st, sig) {
		return nil
	}
	return sig
}

// buildSignal assembles the full signal with its indicator snapshot and
// eligibility verdict as of now.
func (e *Engine) buildSignal(ticker string, st *symbolState, sigType models.SignalType, side models.Side, now time.Time) (*models.ORBSignal, Verdict, error) {
	bars := st.bars.Bars(now)
	snap, err := indicators.Snapshot(bars, bars, e.benchBars(now))
	if err != nil {
		return nil, Verdict{}, err
	}

	vwap := indicators.VWAP(bars)
	if math.IsNaN(vwap) {
		vwap = 0
	}
	var barVol int64
	if lastBar, ok := st.bars.LastBar(now); ok {
		barVol = lastBar.Volume
	}

	verdict := Gate(GateInput{
		Side:       side,
		Last:       st.lastQuote.Last,
		VWAP:       vwap,
		BarVolume:  float64(barVol),
		ATR5:       fiveMinuteATR(bars),
		ORB:        st.orb,
		Indicators: snap,
		RedDay:     e.redDay,
	}, GateEquity, e.cfg.MinEligibility)

	var volRatio float64
	if perMin := st.orb.PerMinuteVolume(); perMin > 0 {
		volRatio = float64(barVol) / perMin
	}

	sig := &models.ORBSignal{
		Ticker:      ticker,
		TradingDate: e.tradingDate,
		Type:        sigType,
		Side:        side,
		PriceAtEmit: st.lastQuote.Last,
		VWAP:        vwap,
		Volume:      barVol,
		VolumeRatio: volRatio,
		Indicators:  snap,
		EmittedAt:   now,
		ORB:         st.orb,
		Eligibility: verdict.Score,
		RedDay:      e.redDay,
		Leveraged:   e.cfg.Leveraged[ticker],
	}
	sig.Confidence = confidence(sig, verdict.Score)
	return sig, verdict, nil
}

// confidence blends the eligibility score with breakout depth and volume
// conviction into the rank tie-breaker.
func confidence(sig *models.ORBSignal, eligibility float64) float64 {
	breakout := math.Min(1, math.Max(0, sig.BreakoutPct()/0.02))
	volume := math.Min(1, sig.VolumeRatio/3)
	c := 0.5*eligibility + 0.3*breakout + 0.2*volume
	return math.Min(1, math.Max(0, c))
}

// commit validates, records, and latches the emission. A ledger rejection
// means another writer got there first; the latch still sets so the day
// stays single-emission either way.
func (e *Engine) commit(st *symbolState, sig *models.ORBSignal) bool {
	if err := sig.Validate(); err != nil {
		e.logger.Error().Err(err).Str("ticker", sig.Ticker).Msg("malformed signal dropped")
		return false
	}
	defer st.latch(sig.Type)
	if err := e.store.RecordSignal(sig); err != nil {
		e.logger.Warn().Err(err).Str("ticker", sig.Ticker).Msg("signal ledger rejected emission")
		return false
	}
	e.logger.Info().
		Str("ticker", sig.Ticker).
		Str("type", string(sig.Type)).
		Str("side", string(sig.Side)).
		Float64("price", sig.PriceAtEmit).
		Float64("confidence", sig.Confidence).
		Float64("eligibility", sig.Eligibility).
		Msg("signal emitted")
	return true
}

// fiveMinuteATR resamples the one-minute series and returns the 14-period
// ATR over closed five-minute bars, NaN until enough exist.
func fiveMinuteATR(bars []models.Candle) float64 {
	five := Resample(bars, 5*time.Minute)
	if len(five) < 2 {
		return math.NaN()
	}
	return indicators.ATR(five[:len(five)-1])
}
