// Package odte runs the same-day options sub-engine: a walled-off slice of
// the account expressed through defined-risk option structures on the most
// liquid index ETFs. Entries ride the equity pipeline's strongest convex
// breakouts; a dedicated monitor owns every exit, and nothing survives past
// the session because the contracts themselves do not.
package odte

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openrange-labs/daybreak/internal/alerts"
	"github.com/openrange-labs/daybreak/internal/broker"
	"github.com/openrange-labs/daybreak/internal/models"
	"github.com/openrange-labs/daybreak/internal/monitoring"
	"github.com/openrange-labs/daybreak/internal/orb"
	"github.com/openrange-labs/daybreak/internal/retry"
	"github.com/openrange-labs/daybreak/internal/util"
)

// defaultNearStrikes is how many strikes around the money a chain fetch
// requests; plenty for a band three strikes deep plus wings.
const defaultNearStrikes = 20

// Config tunes the options entry pipeline. Zero values fall back to
// defaults.
type Config struct {
	// Symbols is the hard whitelist; everything else is rejected at
	// execution no matter how strong the signal.
	Symbols []string
	// WindowStart and WindowEnd bound the entry window, exchange time,
	// "15:04" layout.
	WindowStart string
	WindowEnd   string
	// SubAccountPct is the slice of total account value walled off for
	// this sub-engine.
	SubAccountPct float64
	// EligibilityFloor is the minimum weighted gate score.
	EligibilityFloor float64
	// MaxConcurrent caps simultaneously open structures.
	MaxConcurrent int
	// Structure picks the vertical the pipeline builds.
	Structure models.SpreadStructure
	// MaxSpreadPct rejects underlyings whose book is wider than this
	// fraction of mid at execution time.
	MaxSpreadPct float64
	// MinVolume rejects underlyings that have traded fewer shares than
	// this by execution time.
	MinVolume int64
	// OpenSlipPct is the percent past the computed value an entry ticket
	// concedes to cross the book.
	OpenSlipPct float64
	// OrderTimeout cancels an entry ticket that has not filled; FillPoll
	// is the status poll interval while waiting.
	OrderTimeout time.Duration
	FillPoll     time.Duration
	// Retry shapes the broker retry policy for entry orders.
	Retry retry.Config
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		Symbols:          []string{"SPY", "QQQ", "IWM", "SPX"},
		WindowStart:      "09:35",
		WindowEnd:        "10:15",
		SubAccountPct:    10.0,
		EligibilityFloor: orb.ConvexFloor,
		MaxConcurrent:    2,
		Structure:        models.StructureDebitSpread,
		MaxSpreadPct:     0.001,
		MinVolume:        1_000_000,
		OpenSlipPct:      2.0,
		OrderTimeout:     30 * time.Second,
		FillPoll:         2 * time.Second,
		Retry:            retry.DefaultConfig,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if len(c.Symbols) == 0 {
		c.Symbols = def.Symbols
	}
	if c.WindowStart == "" {
		c.WindowStart = def.WindowStart
	}
	if c.WindowEnd == "" {
		c.WindowEnd = def.WindowEnd
	}
	if c.SubAccountPct <= 0 {
		c.SubAccountPct = def.SubAccountPct
	}
	if c.EligibilityFloor <= 0 {
		c.EligibilityFloor = def.EligibilityFloor
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if !c.Structure.Valid() {
		c.Structure = def.Structure
	}
	if c.MaxSpreadPct <= 0 {
		c.MaxSpreadPct = def.MaxSpreadPct
	}
	if c.MinVolume <= 0 {
		c.MinVolume = def.MinVolume
	}
	if c.OpenSlipPct <= 0 {
		c.OpenSlipPct = def.OpenSlipPct
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

// Candidate pairs an equity-pipeline signal with the live inputs the
// options gates read.
type Candidate struct {
	Signal    *models.ORBSignal
	Quote     models.Quote
	BarVolume float64
	ATR5      float64
}

// Rejection explains why one candidate did not become a position.
type Rejection struct {
	Ticker string
	Stage  string
	Reason string
}

// Manager owns the options entry pipeline: eligibility, ranking, structure
// selection, sizing, and submission. Exits belong to the ExitEngine from
// the moment a fill registers.
type Manager struct {
	cfg    Config
	chains broker.ChainProvider
	orders broker.OrderExecutor
	clock  SessionClock
	vol    *VolTracker
	exits  *ExitEngine
	notify alerts.Notifier
	logger zerolog.Logger

	mu          sync.Mutex
	budget      *Budget
	openedToday map[string]string // ticker -> trading date
}

// NewManager wires the pipeline. The manager registers itself as the exit
// engine's ledger so settled closes release sub-account capital.
func NewManager(cfg Config, chains broker.ChainProvider, orders broker.OrderExecutor,
	clock SessionClock, vol *VolTracker, exits *ExitEngine, logger zerolog.Logger) *Manager {
	m := &Manager{
		cfg:         cfg.withDefaults(),
		chains:      chains,
		orders:      orders,
		clock:       clock,
		vol:         vol,
		exits:       exits,
		logger:      logger.With().Str("component", "odte").Logger(),
		openedToday: make(map[string]string),
	}
	if exits != nil {
		exits.SetLedger(m)
	}
	return m
}

// SetNotifier wires operator alerting.
func (m *Manager) SetNotifier(n alerts.Notifier) { m.notify = n }

// OnOptionClosed forwards released capital to the session budget.
func (m *Manager) OnOptionClosed(underlying string, released, pnl float64) {
	m.mu.Lock()
	b := m.budget
	m.mu.Unlock()
	if b == nil {
		return
	}
	b.OnOptionClosed(underlying, released, pnl)
	monitoring.SetDeployedCapital("odte", b.Deployed())
}

// StartSession walls off the day's sub-account and resets per-day state.
// Call once per session before the entry window opens.
func (m *Manager) StartSession(accountValue float64) {
	sub := SubAccount(accountValue, m.cfg.SubAccountPct)
	m.mu.Lock()
	m.budget = NewBudget(sub)
	m.openedToday = make(map[string]string)
	m.mu.Unlock()
	m.logger.Info().
		Float64("account_value", accountValue).
		Float64("sub_account", sub).
		Msg("options session started")
}

// Budget returns the live session budget, nil before StartSession.
func (m *Manager) Budget() *Budget {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.budget
}

// HandleCandidates runs one batch of convex candidates through the full
// pipeline. Candidates that fail a gate come back as rejections; survivors
// are ranked, allocated, and submitted serially in rank order.
func (m *Manager) HandleCandidates(ctx context.Context, cands []Candidate) (int, []Rejection, error) {
	m.mu.Lock()
	budget := m.budget
	m.mu.Unlock()
	if budget == nil {
		return 0, nil, fmt.Errorf("odte: session not started")
	}

	now := m.clock.Now()
	rejections := make([]Rejection, 0, len(cands))

	eligible := make([]*models.ORBSignal, 0, len(cands))
	byTicker := make(map[string]Candidate, len(cands))
	for _, cand := range cands {
		if cand.Signal == nil || cand.Signal.ORB == nil {
			continue
		}
		if rej, ok := m.eligibilityReject(cand, now); ok {
			rejections = append(rejections, rej)
			continue
		}
		eligible = append(eligible, cand.Signal)
		byTicker[cand.Signal.Ticker] = cand
	}
	if len(eligible) == 0 {
		return 0, rejections, nil
	}

	ranked := RankAllocations(eligible, budget.SubAccountValue(), m.cfg.MaxConcurrent)

	opened := 0
	deployed := 0.0
	symbols := make([]string, 0, len(ranked))
	for i := range ranked {
		sig := &ranked[i]
		if sig.CapitalAllocated <= 0 {
			rejections = append(rejections, Rejection{sig.Ticker, "allocation", "no capital after packing"})
			continue
		}
		cand, ok := byTicker[sig.Ticker]
		if !ok {
			continue
		}
		pos, rej := m.executeOne(ctx, budget, cand, sig.CapitalAllocated, now)
		if rej != nil {
			rejections = append(rejections, *rej)
			continue
		}
		opened++
		deployed += pos.CapitalAtRisk()
		symbols = append(symbols, pos.Underlying)
	}

	if opened > 0 {
		monitoring.SetDeployedCapital("odte", budget.Deployed())
		if m.notify != nil {
			if err := m.notify.Notify(ctx, alerts.BatchOpen(opened, deployed, symbols, now)); err != nil {
				m.logger.Error().Err(err).Msg("alert delivery failed")
			}
		}
	}
	return opened, rejections, nil
}

// eligibilityReject runs the convex gate and the realized-volatility floor.
// Every candidate deposits today's volatility sample so the percentile
// history stays current even on rejected days.
func (m *Manager) eligibilityReject(cand Candidate, now time.Time) (Rejection, bool) {
	sig := cand.Signal
	last := cand.Quote.Last

	volPct := 0.0
	if last > 0 && cand.ATR5 > 0 {
		volPct = cand.ATR5 / last * 100
	}
	m.vol.Record(sig.Ticker, m.clock.TradingDate(now), volPct)
	if !m.vol.FloorMet(sig.Ticker, volPct, sig.Leveraged) {
		return Rejection{sig.Ticker, "eligibility", "realized volatility below floor"}, true
	}

	verdict := orb.Gate(orb.GateInput{
		Side:       sig.Side,
		Last:       last,
		VWAP:       sig.VWAP,
		BarVolume:  cand.BarVolume,
		ATR5:       cand.ATR5,
		ORB:        sig.ORB,
		Indicators: sig.Indicators,
		RedDay:     sig.RedDay,
	}, orb.GateConvex, m.cfg.EligibilityFloor)
	sig.Eligibility = verdict.Score
	if !verdict.Eligible {
		return Rejection{sig.Ticker, "eligibility", fmt.Sprintf("gate failed: %v", verdict.Failed)}, true
	}
	return Rejection{}, false
}

// executeOne runs the hard gate, selection, sizing, and submission for one
// allocated signal. Returns the registered position or the rejection.
func (m *Manager) executeOne(ctx context.Context, budget *Budget, cand Candidate,
	allocated float64, now time.Time) (*models.OptionsPosition, *Rejection) {
	sig := cand.Signal
	ticker := sig.Ticker

	if rej := m.hardGate(cand, now); rej != nil {
		return nil, rej
	}

	tradingDate := m.clock.TradingDate(now)
	m.mu.Lock()
	already := m.openedToday[ticker] == tradingDate
	m.mu.Unlock()
	if already {
		return nil, &Rejection{ticker, "hard_gate", "already traded this underlying today"}
	}
	if m.exits.OpenCount() >= m.cfg.MaxConcurrent {
		return nil, &Rejection{ticker, "hard_gate", "concurrent position cap reached"}
	}

	chain, err := m.chains.GetOptionChain(ctx, ticker, now, defaultNearStrikes, true)
	if err != nil {
		m.logger.Error().Err(err).Str("ticker", ticker).Msg("fetching option chain")
		return nil, &Rejection{ticker, "chain", err.Error()}
	}

	orbRange := sig.ORB.High - sig.ORB.Low
	sel, err := m.selectStructure(chain, sig.Side, cand.Quote.Last, orbRange, now)
	if err != nil {
		reason := err.Error()
		switch {
		case errors.Is(err, ErrStaleChain), errors.Is(err, ErrIlliquid), errors.Is(err, ErrSpreadReject):
			m.logger.Info().Str("ticker", ticker).Str("reason", reason).Msg("no tradable structure")
		default:
			m.logger.Error().Err(err).Str("ticker", ticker).Msg("selecting structure")
		}
		return nil, &Rejection{ticker, "selection", reason}
	}

	qty := ContractQuantity(allocated, sel.MaxLossPerShare)
	if qty < 1 {
		return nil, &Rejection{ticker, "sizing", "allocation smaller than one contract of margin"}
	}
	required := sel.MaxLossPerShare * 100 * float64(qty)
	if !budget.CanOpen(required) {
		return nil, &Rejection{ticker, "sizing", "sub-account budget exhausted"}
	}

	order, err := m.openOrder(sel, qty)
	if err != nil {
		return nil, &Rejection{ticker, "order", err.Error()}
	}

	start := time.Now()
	fill, err := submitTicket(ctx, m.logger, m.orders, m.cfg.Retry, order, m.cfg.OrderTimeout, m.cfg.FillPoll)
	monitoring.ObserveBrokerCall("open_option_order", time.Since(start))
	if err != nil {
		monitoring.RecordOrder("options", "failed")
		m.logger.Error().Err(err).Str("ticker", ticker).Msg("option entry order failed")
		return nil, &Rejection{ticker, "order", err.Error()}
	}
	monitoring.RecordOrder("options", "filled")

	pos := m.buildPosition(sel, sig, qty, fill)
	if err := m.exits.Register(pos); err != nil {
		// The fill is live at the broker either way; registration failure
		// needs an operator, not a silent drop.
		m.logger.Error().Err(err).Str("position_id", pos.ID).Msg("registering option position")
		return nil, &Rejection{ticker, "register", err.Error()}
	}

	budget.OnOpened(pos.CapitalAtRisk())
	m.mu.Lock()
	m.openedToday[ticker] = tradingDate
	m.mu.Unlock()

	m.logger.Info().
		Str("position_id", pos.ID).
		Str("ticker", ticker).
		Str("structure", string(pos.Structure)).
		Str("side", string(pos.Side)).
		Int("quantity", qty).
		Float64("entry", pos.EntryPrice).
		Float64("risk_reward", sel.RiskReward).
		Float64("capital_at_risk", pos.CapitalAtRisk()).
		Msg("option position opened")
	return pos, nil
}

// hardGate applies the non-negotiable execution checks: whitelist, entry
// window, underlying book quality, and the extreme-volatility halt.
func (m *Manager) hardGate(cand Candidate, now time.Time) *Rejection {
	sig := cand.Signal
	ticker := sig.Ticker

	if !m.whitelisted(ticker) {
		return &Rejection{ticker, "hard_gate", "underlying not in options whitelist"}
	}

	start, end, err := m.window(now)
	if err != nil {
		return &Rejection{ticker, "hard_gate", err.Error()}
	}
	if now.Before(start) || now.After(end) {
		return &Rejection{ticker, "hard_gate", "outside entry window"}
	}

	q := cand.Quote
	if q.Last <= 0 {
		return &Rejection{ticker, "hard_gate", "no usable quote"}
	}
	if sp := q.SpreadPct(); sp > m.cfg.MaxSpreadPct {
		return &Rejection{ticker, "hard_gate", fmt.Sprintf("underlying spread %.4f%% too wide", sp*100)}
	}
	if q.Volume < m.cfg.MinVolume {
		return &Rejection{ticker, "hard_gate", "underlying volume too thin"}
	}

	volPct := 0.0
	if q.Last > 0 && cand.ATR5 > 0 {
		volPct = cand.ATR5 / q.Last * 100
	}
	if m.vol.Extreme(ticker, volPct) {
		return &Rejection{ticker, "hard_gate", "extreme volatility regime"}
	}
	return nil
}

func (m *Manager) whitelisted(ticker string) bool {
	for _, s := range m.cfg.Symbols {
		if s == ticker {
			return true
		}
	}
	return false
}

// window resolves the entry window for the session containing now.
func (m *Manager) window(now time.Time) (start, end time.Time, err error) {
	loc := m.clock.Location()
	et := now.In(loc)
	start, err = atClock(et, m.cfg.WindowStart, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("odte: window start: %w", err)
	}
	end, err = atClock(et, m.cfg.WindowEnd, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("odte: window end: %w", err)
	}
	return start, end, nil
}

func atClock(day time.Time, hhmm string, loc *time.Location) (time.Time, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour(), t.Minute(), 0, 0, loc), nil
}

func (m *Manager) selectStructure(chain *broker.OptionChain, side models.Side,
	spot, orbRange float64, now time.Time) (*Selection, error) {
	switch m.cfg.Structure {
	case models.StructureCreditSpread:
		return SelectCreditSpread(chain, side, spot, orbRange, now)
	case models.StructureLotto:
		return SelectLotto(chain, side, spot, now)
	default:
		return SelectDebitSpread(chain, side, spot, orbRange, now)
	}
}

// openOrder prices the entry ticket off the selection value, conceding
// OpenSlipPct so it crosses the book.
func (m *Manager) openOrder(sel *Selection, qty int) (*broker.Order, error) {
	slip := m.cfg.OpenSlipPct / 100
	switch sel.Structure {
	case models.StructureDebitSpread:
		netDebit := util.CeilToTick(sel.EntryValue*(1+slip), optionTick)
		return broker.NewDebitSpreadOpen(*sel.Debit, qty, netDebit), nil
	case models.StructureCreditSpread:
		netCredit := util.FloorToTick(sel.EntryValue*(1-slip), optionTick)
		if netCredit < optionTick {
			netCredit = optionTick
		}
		return broker.NewCreditSpreadOpen(*sel.Credit, qty, netCredit), nil
	case models.StructureLotto:
		limit := util.CeilToTick(sel.EntryValue*(1+slip), optionTick)
		return broker.NewOptionOrder(*sel.Lotto, broker.ActionBuyOpen, qty, limit), nil
	}
	return nil, fmt.Errorf("odte: cannot build order for structure %q", sel.Structure)
}

// buildPosition folds the fill into a registered-ready position. The
// structure's entry value is replaced by the actual print so risk numbers
// track what was really paid or collected.
func (m *Manager) buildPosition(sel *Selection, sig *models.ORBSignal, qty int, fill *broker.OrderStatus) *models.OptionsPosition {
	entryValue := fill.AvgFillPrice
	if entryValue <= 0 {
		entryValue = sel.EntryValue
	}
	filledAt := fill.ExecutedAt
	if filledAt.IsZero() {
		filledAt = m.clock.Now()
	}

	pos := models.NewOptionsPosition(uuid.NewString(), sig.Ticker, sel.Structure, sig.Side, qty, entryValue, filledAt)
	pos.EntrySpreadPct = sel.EntrySpreadPct
	switch sel.Structure {
	case models.StructureDebitSpread:
		spread := *sel.Debit
		spread.DebitCost = entryValue
		pos.Debit = &spread
	case models.StructureCreditSpread:
		spread := *sel.Credit
		spread.CreditReceived = entryValue
		pos.Credit = &spread
	case models.StructureLotto:
		leg := *sel.Lotto
		pos.Lotto = &leg
	}
	return pos
}
