// Package exit owns every stop, take-profit, status, and close decision for
// open equity positions. Execution registers a position after the entry
// fill and never touches it again; this engine is the single writer from
// then on, and it reaches the broker only through close intents drained by
// its own worker.
package exit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/openrange-labs/daybreak/internal/alerts"
	"github.com/openrange-labs/daybreak/internal/broker"
	"github.com/openrange-labs/daybreak/internal/models"
	"github.com/openrange-labs/daybreak/internal/monitoring"
	"github.com/openrange-labs/daybreak/internal/retry"
	"github.com/openrange-labs/daybreak/internal/storage"
)

// MarketView is the slice of the signal engine the monitor reads. Anything
// serving live quotes, indicator snapshots, and opening ranges can back it.
type MarketView interface {
	LastQuote(symbol string) (models.Quote, bool)
	Indicators(symbol string, now time.Time) (models.IndicatorSnapshot, error)
	ORBFor(symbol string) (*models.ORBData, bool)
	ConfirmCandle(symbol string, now time.Time) (models.Candle, bool)
}

// SessionClock is the slice of the market calendar the monitor needs to
// place the end-of-day close.
type SessionClock interface {
	Now() time.Time
	CloseTime(t time.Time) time.Time
	IsEarlyClose(t time.Time) bool
}

// Settlements receives the capital released by every settled close so the
// compound ledger stays current. Partial closes report the closed slice.
type Settlements interface {
	OnPositionClosed(symbol string, value float64, sigType models.SignalType, pnl float64)
}

// Config tunes the monitor. Zero values fall back to defaults.
type Config struct {
	// Cadence is the monitor tick interval, clamped to at least 5s.
	Cadence time.Duration
	// EntryStopPct is the fixed fresh-position stop as a percent of entry.
	EntryStopPct float64
	// BreakevenPct promotes the stop to entry plus one tick once the
	// favorable excursion has reached it.
	BreakevenPct float64
	// ActivationPct switches the position to mode-bound trailing.
	ActivationPct float64
	// Rung1Pct and Rung2Pct are the profit-ladder thresholds in percent.
	Rung1Pct float64
	Rung2Pct float64
	// TimeStopAfter closes positions that never reached TimeStopMinGainPct.
	TimeStopAfter      time.Duration
	TimeStopMinGainPct float64
	// GapWindow and GapPct drive the gap-risk check against the
	// time-weighted reference price.
	GapWindow time.Duration
	GapPct    float64
	// EODBuffer is how long before the close every position must be flat.
	// Early-close sessions collapse the buffer to the bell itself.
	EODBuffer time.Duration
	// RunnerCutoff ends scaled-out runners this long before the close.
	RunnerCutoff time.Duration
	// HysteresisCooldown is the minimum wall-clock gap between stop commits.
	HysteresisCooldown time.Duration
	// InvalidationMarginPct pads the reclaim levels so boundary chop does
	// not flip the structural exits.
	InvalidationMarginPct float64
	// MomentumFlipPct is the MACD histogram magnitude, as a percent of
	// price, that counts as an opposite momentum flip.
	MomentumFlipPct float64
	// FailSafeSpreadMult and FailSafeSpreadPctFloor shape the fail-safe:
	// the spread must widen past the multiple of the entry spread and be
	// material as a fraction of mid.
	FailSafeSpreadMult     float64
	FailSafeSpreadPctFloor float64
	// TickSize floors stop distances and sets the breakeven offset.
	TickSize float64
	// PersistEvery snapshots a position to storage every N ticks; state
	// transitions persist immediately.
	PersistEvery int
	// QueueDepth bounds the close-intent channel.
	QueueDepth int
	// OrderTimeout cancels a close ticket that has not filled; FillPoll is
	// the status poll interval while waiting.
	OrderTimeout time.Duration
	FillPoll     time.Duration
	// Retry shapes the broker retry policy for close orders.
	Retry retry.Config
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		Cadence:                30 * time.Second,
		EntryStopPct:           1.5,
		BreakevenPct:           0.5,
		ActivationPct:          1.0,
		Rung1Pct:               3.0,
		Rung2Pct:               7.0,
		TimeStopAfter:          25 * time.Minute,
		TimeStopMinGainPct:     5.0,
		GapWindow:              45 * time.Minute,
		GapPct:                 2.0,
		EODBuffer:              5 * time.Minute,
		RunnerCutoff:           15 * time.Minute,
		HysteresisCooldown:     30 * time.Second,
		InvalidationMarginPct:  0.1,
		MomentumFlipPct:        0.1,
		FailSafeSpreadMult:     1.5,
		FailSafeSpreadPctFloor: 0.005,
		TickSize:               0.01,
		PersistEvery:           10,
		QueueDepth:             64,
		OrderTimeout:           45 * time.Second,
		FillPoll:               2 * time.Second,
		Retry:                  retry.DefaultConfig,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Cadence <= 0 {
		c.Cadence = def.Cadence
	}
	if c.Cadence < 5*time.Second {
		c.Cadence = 5 * time.Second
	}
	if c.EntryStopPct <= 0 {
		c.EntryStopPct = def.EntryStopPct
	}
	if c.BreakevenPct <= 0 {
		c.BreakevenPct = def.BreakevenPct
	}
	if c.ActivationPct <= 0 {
		c.ActivationPct = def.ActivationPct
	}
	if c.Rung1Pct <= 0 {
		c.Rung1Pct = def.Rung1Pct
	}
	if c.Rung2Pct <= 0 {
		c.Rung2Pct = def.Rung2Pct
	}
	if c.TimeStopAfter <= 0 {
		c.TimeStopAfter = def.TimeStopAfter
	}
	if c.TimeStopMinGainPct <= 0 {
		c.TimeStopMinGainPct = def.TimeStopMinGainPct
	}
	if c.GapWindow <= 0 {
		c.GapWindow = def.GapWindow
	}
	if c.GapPct <= 0 {
		c.GapPct = def.GapPct
	}
	if c.EODBuffer <= 0 {
		c.EODBuffer = def.EODBuffer
	}
	if c.RunnerCutoff <= 0 {
		c.RunnerCutoff = def.RunnerCutoff
	}
	if c.HysteresisCooldown <= 0 {
		c.HysteresisCooldown = def.HysteresisCooldown
	}
	if c.InvalidationMarginPct <= 0 {
		c.InvalidationMarginPct = def.InvalidationMarginPct
	}
	if c.MomentumFlipPct <= 0 {
		c.MomentumFlipPct = def.MomentumFlipPct
	}
	if c.FailSafeSpreadMult <= 0 {
		c.FailSafeSpreadMult = def.FailSafeSpreadMult
	}
	if c.FailSafeSpreadPctFloor <= 0 {
		c.FailSafeSpreadPctFloor = def.FailSafeSpreadPctFloor
	}
	if c.TickSize <= 0 {
		c.TickSize = def.TickSize
	}
	if c.PersistEvery <= 0 {
		c.PersistEvery = def.PersistEvery
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = def.QueueDepth
	}
	if c.OrderTimeout <= 0 {
		c.OrderTimeout = def.OrderTimeout
	}
	if c.FillPoll <= 0 {
		c.FillPoll = def.FillPoll
	}
	if c.Retry.MaxRetries == 0 && c.Retry.Timeout == 0 {
		c.Retry = def.Retry
	}
	return c
}

// CloseIntent is one queued instruction to flatten all or part of a
// position. The worker owns everything past this point.
type CloseIntent struct {
	PositionID string
	Symbol     string
	Side       models.Side
	Quantity   int
	Trigger    TriggerKind
	Reason     string
}

// managed wraps one position with its runtime-only monitor state. The
// per-position mutex serializes every mutation; version bumps let a tick
// detect that the worker settled a fill between snapshot and commit.
type managed struct {
	mu                sync.Mutex
	pos               *models.Position
	window            *peakWindow
	version           uint64
	lastStopCommit    time.Time
	pendingQty        int
	failedCloses      int
	deferEOD          bool
	ticksSincePersist int
}

func newManaged(p *models.Position, span time.Duration) *managed {
	return &managed{pos: p, window: newPeakWindow(span)}
}

const (
	// freshAge is how long a position stays FRESH before arming.
	freshAge = 30 * time.Minute
	// quoteStaleAfter skips positions whose feed has gone quiet.
	quoteStaleAfter = 5 * time.Minute
	// maxCloseFailures degrades a position to protective-and-EOD closes.
	maxCloseFailures = 2
)

// Engine is the stealth trailing and exit monitor.
type Engine struct {
	cfg    Config
	store  storage.Interface
	market MarketView
	clock  SessionClock
	orders broker.OrderExecutor
	logger zerolog.Logger

	settle Settlements
	notify alerts.Notifier

	mu        sync.RWMutex
	positions map[string]*managed

	intents chan CloseIntent
	ticking atomic.Bool
}

// NewEngine builds an exit engine. Settlements and alerting attach through
// the setters; both are optional.
func NewEngine(cfg Config, store storage.Interface, market MarketView, clock SessionClock,
	orders broker.OrderExecutor, logger zerolog.Logger) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:       cfg,
		store:     store,
		market:    market,
		clock:     clock,
		orders:    orders,
		logger:    logger.With().Str("component", "exit").Logger(),
		positions: make(map[string]*managed),
		intents:   make(chan CloseIntent, cfg.QueueDepth),
	}
}

// SetSettlements wires the compound ledger callback.
func (e *Engine) SetSettlements(s Settlements) { e.settle = s }

// SetNotifier wires operator alerting.
func (e *Engine) SetNotifier(n alerts.Notifier) { e.notify = n }

// Register takes ownership of a freshly opened position. The entry stop and
// first profit target are placed here when execution left them unset.
func (e *Engine) Register(p *models.Position) error {
	if p == nil {
		return fmt.Errorf("exit: nil position")
	}
	if err := p.ValidateState(); err != nil {
		return fmt.Errorf("exit: rejecting registration: %w", err)
	}
	if p.Status == models.StatusClosed {
		return fmt.Errorf("exit: position %s is already closed", p.ID)
	}
	if p.EntryBarVolatility <= 0 {
		e.logger.Warn().Str("position_id", p.ID).Msg("registering without entry bar volatility")
	}
	if p.CurrentStopLoss == 0 {
		p.CurrentStopLoss = p.Side.StopFromDistance(p.EntryPrice, e.cfg.EntryStopPct/100*p.EntryPrice)
	}
	if p.CurrentTakeProfit == 0 {
		p.CurrentTakeProfit = e.nextRungPrice(p)
	}

	e.mu.Lock()
	if _, dup := e.positions[p.ID]; dup {
		e.mu.Unlock()
		return fmt.Errorf("exit: position %s already registered", p.ID)
	}
	e.positions[p.ID] = newManaged(p, e.cfg.GapWindow)
	count := len(e.positions)
	e.mu.Unlock()

	if err := e.store.UpsertPosition(p); err != nil {
		e.logger.Error().Err(err).Str("position_id", p.ID).Msg("persisting registered position")
	}
	monitoring.SetOpenPositions(count)
	e.logger.Info().
		Str("position_id", p.ID).
		Str("symbol", p.Symbol).
		Str("side", string(p.Side)).
		Str("mode", string(p.Mode)).
		Int("quantity", p.Quantity).
		Float64("entry", p.EntryPrice).
		Float64("stop", p.CurrentStopLoss).
		Msg("position registered")
	return nil
}

// Restore re-registers still-open positions from storage after a restart.
// The gap-risk window restarts empty and refills within one span of marks.
func (e *Engine) Restore(list []models.Position) int {
	restored := 0
	for i := range list {
		p := list[i].Copy()
		if p.Status == models.StatusClosed {
			continue
		}
		if err := e.Register(p); err != nil {
			e.logger.Error().Err(err).Str("position_id", p.ID).Msg("restoring position")
			continue
		}
		restored++
	}
	return restored
}

// Open returns copies of every position still under management.
func (e *Engine) Open() []models.Position {
	e.mu.RLock()
	all := make([]*managed, 0, len(e.positions))
	for _, m := range e.positions {
		all = append(all, m)
	}
	e.mu.RUnlock()

	out := make([]models.Position, 0, len(all))
	for _, m := range all {
		m.mu.Lock()
		out = append(out, *m.pos.Copy())
		m.mu.Unlock()
	}
	return out
}

// OpenCount returns how many positions are under management.
func (e *Engine) OpenCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.positions)
}

// Run drives the monitor loop and the close-intent worker until the context
// ends. A tick that outlasts the cadence makes the next one skip rather
// than stack.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.drainIntents(ctx)
	}()

	ticker := time.NewTicker(e.cfg.Cadence)
	defer ticker.Stop()
	e.logger.Info().Dur("cadence", e.cfg.Cadence).Msg("monitor started")

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			if !e.ticking.CompareAndSwap(false, true) {
				e.logger.Warn().Msg("previous monitor tick still running, skipping")
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer e.ticking.Store(false)
				e.Tick(ctx, e.clock.Now())
			}()
		}
	}
}

// Tick runs one monitor pass over every position. Run calls it on the
// cadence; tests drive it directly.
func (e *Engine) Tick(ctx context.Context, now time.Time) {
	eod, runner := e.deadlines(now)
	for _, m := range e.snapshotManaged() {
		e.evaluatePosition(ctx, m, now, eod, runner)
	}
}

func (e *Engine) snapshotManaged() []*managed {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*managed, 0, len(e.positions))
	for _, m := range e.positions {
		out = append(out, m)
	}
	return out
}

// deadlines returns the mandatory-close and runner-cutoff instants for the
// session containing now. The close trigger fires one cadence early so the
// order itself still lands inside the session.
func (e *Engine) deadlines(now time.Time) (eod, runner time.Time) {
	closeAt := e.clock.CloseTime(now)
	if closeAt.IsZero() {
		return time.Time{}, time.Time{}
	}
	eod = closeAt.Add(-e.cfg.EODBuffer)
	if e.clock.IsEarlyClose(now) {
		eod = closeAt
	}
	return eod.Add(-e.cfg.Cadence), closeAt.Add(-e.cfg.RunnerCutoff)
}

// evaluatePosition snapshots one position, decides, and commits under the
// per-position lock, retrying once if the worker settled a fill in between.
func (e *Engine) evaluatePosition(ctx context.Context, m *managed, now time.Time, eod, runner time.Time) {
	m.mu.Lock()
	symbol := m.pos.Symbol
	m.mu.Unlock()

	q, ok := e.market.LastQuote(symbol)
	if !ok || q.Last <= 0 {
		return
	}
	if now.Sub(q.Timestamp) > quoteStaleAfter {
		e.logger.Warn().Str("symbol", symbol).Time("quote_ts", q.Timestamp).Msg("stale quote, skipping position")
		return
	}

	tc := tickContext{
		now:            now,
		quote:          q,
		vwapDistPct:    math.NaN(),
		macdHist:       math.NaN(),
		eodDeadline:    eod,
		runnerDeadline: runner,
	}
	if snap, err := e.market.Indicators(symbol, now); err == nil {
		tc.vwapDistPct = snap.VWAPDistancePct
		tc.macdHist = snap.MACDHist
	}
	if orb, ok := e.market.ORBFor(symbol); ok {
		tc.orb = orb
	}
	if confirm, ok := e.market.ConfirmCandle(symbol, now); ok {
		tc.breakoutOpen = confirm.Open
	}

	for attempt := 0; ; attempt++ {
		m.mu.Lock()
		if m.pendingQty > 0 || m.pos.Status == models.StatusClosed {
			m.mu.Unlock()
			return
		}
		snap := m.pos.Copy()
		snap.MarkPrice(q.Last, now)
		tc.gapRef, _ = m.window.Ref(now)
		tc.deferEOD = m.deferEOD
		version := m.version
		m.mu.Unlock()

		dec := e.decide(snap, tc)

		m.mu.Lock()
		if m.version != version && attempt == 0 {
			m.mu.Unlock()
			continue // one retry against the fresh state
		}
		e.commitTick(m, tc, dec)
		m.mu.Unlock()
		return
	}
}

// commitTick applies one decided tick to the live position. Caller holds
// the managed lock.
func (e *Engine) commitTick(m *managed, tc tickContext, dec decision) {
	p := m.pos
	p.MarkPrice(tc.quote.Last, tc.now)
	m.window.Observe(tc.now, tc.quote.Last)
	m.version++

	transitioned := e.promote(m, p, tc.now)

	switch dec.action {
	case actClose:
		e.enqueue(m, p.Quantity, dec)
	case actScaleOut:
		e.enqueue(m, dec.quantity, dec)
	default:
		e.maintainStop(m, p, tc)
	}

	m.ticksSincePersist++
	if transitioned || m.ticksSincePersist >= e.cfg.PersistEvery {
		if err := e.store.UpsertPosition(p); err != nil {
			e.logger.Error().Err(err).Str("position_id", p.ID).Msg("persisting position snapshot")
		}
		m.ticksSincePersist = 0
	}
}

// promote walks the substate ladder as far as the marks justify. Promotions
// only move toward more protection, so replaying them is harmless. The
// breakeven stop lands with its transition: a persisted breakeven position
// must never carry a stop on the losing side of entry.
func (e *Engine) promote(m *managed, p *models.Position, now time.Time) bool {
	changed := false
	peak := p.PeakFavorablePct()

	if p.CurrentStealth() == models.StateFresh && peak < e.cfg.BreakevenPct && p.Age(now) >= freshAge {
		changed = e.transition(p, models.StateArmed, "aged") || changed
	}
	if st := p.CurrentStealth(); (st == models.StateFresh || st == models.StateArmed) && peak >= e.cfg.BreakevenPct {
		if e.transition(p, models.StateBreakeven, "breakeven_reached") {
			be := p.EntryPrice + p.Side.Sign()*e.cfg.TickSize
			if p.CurrentStopLoss == 0 || p.Side.StopNoWorse(p.CurrentStopLoss, be) {
				p.CurrentStopLoss = be
				m.lastStopCommit = now
			}
			changed = true
		}
	}
	if p.CurrentStealth() == models.StateBreakeven && peak >= e.cfg.ActivationPct {
		changed = e.transition(p, models.StateTrailing, "trailing_activated") || changed
	}
	return changed
}

func (e *Engine) transition(p *models.Position, to models.StealthState, condition string) bool {
	if err := p.TransitionStealth(to, condition); err != nil {
		e.logger.Error().Err(err).Str("position_id", p.ID).Msg("stealth transition rejected")
		return false
	}
	e.logger.Info().
		Str("position_id", p.ID).
		Str("symbol", p.Symbol).
		Str("state", string(to)).
		Str("condition", condition).
		Msg("position state advanced")
	return true
}

// maintainStop recomputes the desired stop for the current substate and
// commits it under monotonicity, hysteresis, and the commit cooldown.
func (e *Engine) maintainStop(m *managed, p *models.Position, tc tickContext) bool {
	desired := e.desiredStop(p, tc)
	if desired <= 0 {
		return false
	}
	old := p.CurrentStopLoss
	if old != 0 {
		if !p.Side.StopNoWorse(old, desired) {
			return false
		}
		if math.Abs(desired-old) < hysteresisThreshold(p.CurrentPrice, p.EntryBarVolatility) {
			return false
		}
		if tc.now.Sub(m.lastStopCommit) < e.cfg.HysteresisCooldown {
			return false
		}
	}
	p.CurrentStopLoss = desired
	m.lastStopCommit = tc.now
	e.logger.Debug().
		Str("position_id", p.ID).
		Str("state", string(p.CurrentStealth())).
		Float64("stop", desired).
		Msg("stop advanced")
	return true
}

// desiredStop is the substate's target stop before monotonicity and
// hysteresis are applied.
func (e *Engine) desiredStop(p *models.Position, tc tickContext) float64 {
	switch p.CurrentStealth() {
	case models.StateFresh:
		return p.Side.StopFromDistance(p.EntryPrice, e.cfg.EntryStopPct/100*p.EntryPrice)
	case models.StateArmed:
		// Opening-bar floor: one entry-bar ATR under the entry, never looser
		// than the fixed stop.
		fixed := p.Side.StopFromDistance(p.EntryPrice, e.cfg.EntryStopPct/100*p.EntryPrice)
		if p.EntryBarVolatility <= 0 {
			return fixed
		}
		return p.Side.TighterStop(fixed, p.Side.StopFromDistance(p.EntryPrice, p.EntryBarVolatility))
	case models.StateBreakeven:
		return p.EntryPrice + p.Side.Sign()*e.cfg.TickSize
	case models.StateTrailing, models.StatePartial:
		peak := p.HighestPrice
		if p.Side == models.SideShort {
			peak = p.LowestPrice
		}
		d := trailDistance(p.Mode, p.EntryBarVolatility, tc.quote.Last, p.PeakFavorablePct())
		d = guardDistance(d, tc.quote.Spread(), e.cfg.TickSize)
		return p.Side.StopFromDistance(peak, d)
	default:
		return 0
	}
}

// nextRungPrice is the price of the next profit rung, zero once only the
// runner remains.
func (e *Engine) nextRungPrice(p *models.Position) float64 {
	switch p.ScaleOutsRemaining() {
	case 2:
		return p.EntryPrice * (1 + p.Side.Sign()*e.cfg.Rung1Pct/100)
	case 1:
		return p.EntryPrice * (1 + p.Side.Sign()*e.cfg.Rung2Pct/100)
	default:
		return 0
	}
}

// enqueue hands a close intent to the worker. The monitor never blocks on
// the broker: a full queue drops the intent and the next tick retries.
// Caller holds the managed lock.
func (e *Engine) enqueue(m *managed, qty int, dec decision) {
	p := m.pos
	if qty <= 0 || qty > p.Quantity {
		qty = p.Quantity
	}
	intent := CloseIntent{
		PositionID: p.ID,
		Symbol:     p.Symbol,
		Side:       p.Side,
		Quantity:   qty,
		Trigger:    dec.trigger,
		Reason:     dec.reason,
	}
	select {
	case e.intents <- intent:
		m.pendingQty = qty
		e.logger.Info().
			Str("position_id", p.ID).
			Str("symbol", p.Symbol).
			Str("trigger", string(dec.trigger)).
			Str("reason", dec.reason).
			Int("quantity", qty).
			Msg("close intent enqueued")
	default:
		e.logger.Error().Str("position_id", p.ID).Msg("close intent queue full")
		monitoring.RecordError("exit")
	}
}

func (e *Engine) managedByID(id string) *managed {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.positions[id]
}

func (e *Engine) notifyEvent(ctx context.Context, ev alerts.Event) {
	if e.notify == nil {
		return
	}
	if err := e.notify.Notify(ctx, ev); err != nil {
		e.logger.Error().Err(err).Str("kind", ev.Kind).Msg("alert delivery failed")
	}
}
