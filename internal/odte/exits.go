package odte

import (
	"context"
	"fmt"
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

// SessionClock is the slice of the market calendar the options engine
// needs: session boundaries for the mandatory flat deadline and the
// trading date for same-day expiries. CloseTime already reflects early
// closes, so the flatten needs no separate half-day handling.
type SessionClock interface {
	Now() time.Time
	Location() *time.Location
	TradingDate(t time.Time) string
	CloseTime(t time.Time) time.Time
}

// Ledger receives the sub-account capital released by every settled close.
type Ledger interface {
	OnOptionClosed(underlying string, released, pnl float64)
}

// TriggerKind names the options exit rule that fired.
type TriggerKind string

const (
	TriggerFailSafe     TriggerKind = "fail_safe"
	TriggerHardStop     TriggerKind = "hard_stop"
	TriggerTimeStop     TriggerKind = "time_stop"
	TriggerProfitTarget TriggerKind = "profit_target"
	TriggerRunnerExit   TriggerKind = "runner_exit"
	TriggerEOD          TriggerKind = "eod"
)

const (
	// failSafePct is the deepest tolerated drawdown for any structure.
	failSafePct = -60.0
	// target1Pct and target2Pct are the scale-out rungs in percent P&L.
	target1Pct = 60.0
	target2Pct = 120.0
	// timeStopMinGainPct spares positions whose peak ever cleared it.
	timeStopMinGainPct = 5.0
	// maxOptionCloseFailures degrades a position to protective closes only.
	maxOptionCloseFailures = 2
)

// exitThresholds returns the hard stop (signed percent P&L) and the
// time-stop age for a structure. Lottos get the widest stop and the
// shortest leash; theta eats them fastest.
func exitThresholds(s models.SpreadStructure) (hardStopPct float64, timeStop time.Duration) {
	switch s {
	case models.StructureCreditSpread:
		return -50, 25 * time.Minute
	case models.StructureLotto:
		return -55, 12 * time.Minute
	default:
		return -45, 25 * time.Minute
	}
}

// ExitConfig tunes the options monitor. Zero values fall back to defaults.
type ExitConfig struct {
	// Cadence is the monitor tick interval, clamped to at least 5s.
	// Same-day expiries decay fast, so it runs tighter than the equity
	// monitor.
	Cadence time.Duration
	// EODBuffer is how long before the bell every position must be flat.
	// Expiring in the money is never acceptable.
	EODBuffer time.Duration
	// RunnerCutoff ends scaled-out remainders this long before the close.
	RunnerCutoff time.Duration
	// CloseSlipPct is the percent of the mark conceded so close tickets
	// cross the book instead of resting.
	CloseSlipPct float64
	// PersistEvery snapshots a position to storage every N ticks; fills
	// persist immediately.
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

// DefaultExitConfig returns the production tuning.
func DefaultExitConfig() ExitConfig {
	return ExitConfig{
		Cadence:      15 * time.Second,
		EODBuffer:    15 * time.Minute,
		RunnerCutoff: 30 * time.Minute,
		CloseSlipPct: 2.0,
		PersistEvery: 10,
		QueueDepth:   16,
		OrderTimeout: 30 * time.Second,
		FillPoll:     2 * time.Second,
		Retry:        retry.DefaultConfig,
	}
}

func (c ExitConfig) withDefaults() ExitConfig {
	def := DefaultExitConfig()
	if c.Cadence <= 0 {
		c.Cadence = def.Cadence
	}
	if c.Cadence < 5*time.Second {
		c.Cadence = 5 * time.Second
	}
	if c.EODBuffer <= 0 {
		c.EODBuffer = def.EODBuffer
	}
	if c.RunnerCutoff <= 0 {
		c.RunnerCutoff = def.RunnerCutoff
	}
	if c.CloseSlipPct <= 0 {
		c.CloseSlipPct = def.CloseSlipPct
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

type optionAction int

const (
	actHold optionAction = iota
	actClose
	actScaleOut
)

// optionDecision is the outcome of one evaluation pass for one position.
type optionDecision struct {
	action   optionAction
	trigger  TriggerKind
	reason   string
	quantity int
}

func holdDecision() optionDecision {
	return optionDecision{action: actHold}
}

func closeDecision(trigger TriggerKind, reason string) optionDecision {
	return optionDecision{action: actClose, trigger: trigger, reason: reason}
}

// closeIntent is one queued instruction to flatten all or part of a
// position. markValue carries the decision-tick structure value so the
// worker prices the ticket without refetching the chain.
type closeIntent struct {
	positionID string
	quantity   int
	trigger    TriggerKind
	reason     string
	markValue  float64
}

// managedOption wraps one position with its runtime-only monitor state.
// The per-position mutex serializes every mutation; version bumps let a
// tick detect that the worker settled a fill between snapshot and commit.
type managedOption struct {
	mu                sync.Mutex
	pos               *models.OptionsPosition
	version           uint64
	pendingQty        int
	failedCloses      int
	deferEOD          bool
	ticksSincePersist int
}

// ExitEngine monitors every open 0DTE position: hard stops, time stops,
// profit rungs, and the mandatory pre-expiry flatten. Execution registers
// a position after the entry fill and never touches it again; this engine
// is the single writer from then on.
type ExitEngine struct {
	cfg    ExitConfig
	store  storage.Interface
	marks  ValueSource
	clock  SessionClock
	orders broker.OrderExecutor
	logger zerolog.Logger

	ledger Ledger
	notify alerts.Notifier

	mu        sync.RWMutex
	positions map[string]*managedOption

	intents chan closeIntent
	ticking atomic.Bool
}

// NewExitEngine builds the options exit monitor. The ledger and alerting
// attach through the setters; both are optional.
func NewExitEngine(cfg ExitConfig, store storage.Interface, marks ValueSource, clock SessionClock,
	orders broker.OrderExecutor, logger zerolog.Logger) *ExitEngine {
	cfg = cfg.withDefaults()
	return &ExitEngine{
		cfg:       cfg,
		store:     store,
		marks:     marks,
		clock:     clock,
		orders:    orders,
		logger:    logger.With().Str("component", "odte_exit").Logger(),
		positions: make(map[string]*managedOption),
		intents:   make(chan closeIntent, cfg.QueueDepth),
	}
}

// SetLedger wires the sub-account capital callback.
func (x *ExitEngine) SetLedger(l Ledger) { x.ledger = l }

// SetNotifier wires operator alerting.
func (x *ExitEngine) SetNotifier(n alerts.Notifier) { x.notify = n }

// Register takes ownership of a freshly opened position.
func (x *ExitEngine) Register(p *models.OptionsPosition) error {
	if p == nil {
		return fmt.Errorf("odte: nil position")
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("odte: rejecting registration: %w", err)
	}
	if p.Status == models.StatusClosed {
		return fmt.Errorf("odte: position %s is already closed", p.ID)
	}

	x.mu.Lock()
	if _, dup := x.positions[p.ID]; dup {
		x.mu.Unlock()
		return fmt.Errorf("odte: position %s already registered", p.ID)
	}
	x.positions[p.ID] = &managedOption{pos: p}
	count := len(x.positions)
	x.mu.Unlock()

	if err := x.store.UpsertOptionPosition(p); err != nil {
		x.logger.Error().Err(err).Str("position_id", p.ID).Msg("persisting registered option position")
	}
	monitoring.SetOpenOptionPositions(count)
	x.logger.Info().
		Str("position_id", p.ID).
		Str("underlying", p.Underlying).
		Str("structure", string(p.Structure)).
		Str("side", string(p.Side)).
		Int("quantity", p.Quantity).
		Float64("entry", p.EntryPrice).
		Msg("option position registered")
	return nil
}

// Restore re-registers still-open positions from storage after a restart.
func (x *ExitEngine) Restore(list []models.OptionsPosition) int {
	restored := 0
	for i := range list {
		p := list[i].Copy()
		if p.Status == models.StatusClosed {
			continue
		}
		if err := x.Register(p); err != nil {
			x.logger.Error().Err(err).Str("position_id", p.ID).Msg("restoring option position")
			continue
		}
		restored++
	}
	return restored
}

// Open returns copies of every position still under management.
func (x *ExitEngine) Open() []models.OptionsPosition {
	x.mu.RLock()
	all := make([]*managedOption, 0, len(x.positions))
	for _, m := range x.positions {
		all = append(all, m)
	}
	x.mu.RUnlock()

	out := make([]models.OptionsPosition, 0, len(all))
	for _, m := range all {
		m.mu.Lock()
		out = append(out, *m.pos.Copy())
		m.mu.Unlock()
	}
	return out
}

// OpenCount returns how many positions are under management.
func (x *ExitEngine) OpenCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.positions)
}

// Run drives the monitor loop and the close-intent worker until the
// context ends. A tick that outlasts the cadence makes the next one skip
// rather than stack.
func (x *ExitEngine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		x.drainIntents(ctx)
	}()

	ticker := time.NewTicker(x.cfg.Cadence)
	defer ticker.Stop()
	x.logger.Info().Dur("cadence", x.cfg.Cadence).Msg("options monitor started")

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			if !x.ticking.CompareAndSwap(false, true) {
				x.logger.Warn().Msg("previous options tick still running, skipping")
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer x.ticking.Store(false)
				x.Tick(ctx, x.clock.Now())
			}()
		}
	}
}

// Tick runs one monitor pass over every position. Run calls it on the
// cadence; tests drive it directly.
func (x *ExitEngine) Tick(ctx context.Context, now time.Time) {
	eod, runner := x.deadlines(now)
	for _, m := range x.snapshotManaged() {
		x.evaluate(ctx, m, now, eod, runner)
	}
}

func (x *ExitEngine) snapshotManaged() []*managedOption {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]*managedOption, 0, len(x.positions))
	for _, m := range x.positions {
		out = append(out, m)
	}
	return out
}

// deadlines returns the mandatory-flat and runner-cutoff instants for the
// session containing now. The flatten fires one cadence early so the order
// itself still lands inside the session; early-close days keep the full
// buffer because the contracts still expire at the bell.
func (x *ExitEngine) deadlines(now time.Time) (eod, runner time.Time) {
	closeAt := x.clock.CloseTime(now)
	if closeAt.IsZero() {
		return time.Time{}, time.Time{}
	}
	eod = closeAt.Add(-x.cfg.EODBuffer - x.cfg.Cadence)
	return eod, closeAt.Add(-x.cfg.RunnerCutoff)
}

// optionTickCtx is the session state one evaluation runs against.
type optionTickCtx struct {
	now            time.Time
	eodDeadline    time.Time
	runnerDeadline time.Time
	deferEOD       bool
}

// evaluate marks one position, decides, and commits under the per-position
// lock, retrying once if the worker settled a fill in between.
func (x *ExitEngine) evaluate(ctx context.Context, m *managedOption, now time.Time, eod, runner time.Time) {
	m.mu.Lock()
	if m.pendingQty > 0 || m.pos.Status == models.StatusClosed {
		m.mu.Unlock()
		return
	}
	probe := m.pos.Copy()
	m.mu.Unlock()

	mark, err := x.marks.MarkStructure(ctx, probe)
	if err != nil {
		x.logger.Warn().Err(err).
			Str("position_id", probe.ID).
			Str("underlying", probe.Underlying).
			Msg("marking option position")
		return
	}
	if mark.Value < 0 {
		mark.Value = 0
	}

	tc := optionTickCtx{now: now, eodDeadline: eod, runnerDeadline: runner}

	for attempt := 0; ; attempt++ {
		m.mu.Lock()
		if m.pendingQty > 0 || m.pos.Status == models.StatusClosed {
			m.mu.Unlock()
			return
		}
		snap := m.pos.Copy()
		snap.MarkValue(mark.Value, now)
		tc.deferEOD = m.deferEOD
		version := m.version
		m.mu.Unlock()

		dec := x.decide(snap, tc)

		m.mu.Lock()
		if m.version != version && attempt == 0 {
			m.mu.Unlock()
			continue // one retry against the fresh state
		}
		x.commitTick(m, mark, now, dec)
		m.mu.Unlock()
		return
	}
}

// commitTick applies one decided tick to the live position. Caller holds
// the managed lock.
func (x *ExitEngine) commitTick(m *managedOption, mark Mark, now time.Time, dec optionDecision) {
	p := m.pos
	p.MarkValue(mark.Value, now)
	m.version++

	switch dec.action {
	case actClose:
		x.enqueue(m, p.Quantity, mark.Value, dec)
	case actScaleOut:
		x.enqueue(m, dec.quantity, mark.Value, dec)
	}

	m.ticksSincePersist++
	if m.ticksSincePersist >= x.cfg.PersistEvery {
		if err := x.store.UpsertOptionPosition(p); err != nil {
			x.logger.Error().Err(err).Str("position_id", p.ID).Msg("persisting option snapshot")
		}
		m.ticksSincePersist = 0
	}
}

// decide evaluates the exit triggers in strict priority order against a
// position snapshot. Pure: the caller commits whatever comes back.
func (x *ExitEngine) decide(p *models.OptionsPosition, tc optionTickCtx) optionDecision {
	pnl := p.PnLPct()
	hardStop, timeStop := exitThresholds(p.Structure)

	if tc.deferEOD {
		// After repeated close failures only protective and end-of-day
		// triggers still enqueue; everything else waits for the broker.
		switch {
		case pnl <= hardStop:
			return closeDecision(TriggerHardStop, "hard stop")
		case !tc.eodDeadline.IsZero() && !tc.now.Before(tc.eodDeadline):
			return closeDecision(TriggerEOD, "mandatory pre-expiry close")
		}
		return holdDecision()
	}

	if pnl <= failSafePct {
		return closeDecision(TriggerFailSafe, "loss beyond fail-safe floor")
	}
	if pnl <= hardStop {
		return closeDecision(TriggerHardStop, "hard stop")
	}
	if p.Age(tc.now) >= timeStop && p.PeakPnLPct() < timeStopMinGainPct {
		return closeDecision(TriggerTimeStop, "no favorable move")
	}
	if qty, reason, ok := x.profitRung(p); ok {
		return optionDecision{action: actScaleOut, trigger: TriggerProfitTarget, reason: reason, quantity: qty}
	}
	if p.Status == models.StatusPartial && !tc.runnerDeadline.IsZero() && !tc.now.Before(tc.runnerDeadline) {
		return closeDecision(TriggerRunnerExit, "runner session cutoff")
	}
	if !tc.eodDeadline.IsZero() && !tc.now.Before(tc.eodDeadline) {
		return closeDecision(TriggerEOD, "mandatory pre-expiry close")
	}
	return holdDecision()
}

// profitRung peels half the initial size at the first target and a quarter
// at the second. Positions too small to split take the whole win instead.
func (x *ExitEngine) profitRung(p *models.OptionsPosition) (int, string, bool) {
	pnl := p.PnLPct()
	switch p.ScaleOutsRemaining() {
	case 2:
		if pnl >= target1Pct {
			return rungQty(p.InitialQty/2, p.Quantity), "first profit target", true
		}
	case 1:
		if pnl >= target2Pct {
			return rungQty(p.InitialQty/4, p.Quantity), "second profit target", true
		}
	}
	return 0, "", false
}

func rungQty(want, remaining int) int {
	if want < 1 || want > remaining {
		return remaining
	}
	return want
}

// enqueue hands a close intent to the worker. The monitor never blocks on
// the broker: a full queue drops the intent and the next tick retries.
// Caller holds the managed lock.
func (x *ExitEngine) enqueue(m *managedOption, qty int, markValue float64, dec optionDecision) {
	p := m.pos
	if qty <= 0 || qty > p.Quantity {
		qty = p.Quantity
	}
	intent := closeIntent{
		positionID: p.ID,
		quantity:   qty,
		trigger:    dec.trigger,
		reason:     dec.reason,
		markValue:  markValue,
	}
	select {
	case x.intents <- intent:
		m.pendingQty = qty
		x.logger.Info().
			Str("position_id", p.ID).
			Str("underlying", p.Underlying).
			Str("trigger", string(dec.trigger)).
			Str("reason", dec.reason).
			Int("quantity", qty).
			Float64("mark", markValue).
			Msg("option close intent enqueued")
	default:
		x.logger.Error().Str("position_id", p.ID).Msg("option close intent queue full")
		monitoring.RecordError("odte")
	}
}

func (x *ExitEngine) managedByID(id string) *managedOption {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.positions[id]
}

func (x *ExitEngine) notifyEvent(ctx context.Context, ev alerts.Event) {
	if x.notify == nil {
		return
	}
	if err := x.notify.Notify(ctx, ev); err != nil {
		x.logger.Error().Err(err).Str("kind", ev.Kind).Msg("alert delivery failed")
	}
}
