// Package exec turns ranked breakout signals into filled equity positions.
// It owns the last mile of the entry pipeline: the compound-ledger check,
// live-quote sizing under the slip guard, the preview→place→poll order
// flow, and registration with the exit engine. Everything upstream of the
// order ticket is the ranker's problem; everything after the fill belongs
// to the exit engine.
package exec

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openrange-labs/daybreak/internal/adv"
	"github.com/openrange-labs/daybreak/internal/alerts"
	"github.com/openrange-labs/daybreak/internal/broker"
	"github.com/openrange-labs/daybreak/internal/compound"
	"github.com/openrange-labs/daybreak/internal/models"
	"github.com/openrange-labs/daybreak/internal/monitoring"
	"github.com/openrange-labs/daybreak/internal/retry"
	"github.com/openrange-labs/daybreak/internal/util"
)

// equityTick is the minimum price increment on an equity limit ticket.
const equityTick = 0.01

// Config tunes the execution pipeline. Zero values fall back to defaults.
type Config struct {
	// ADVMode selects the slip-guard aggressiveness used to clamp
	// per-symbol notional.
	ADVMode adv.Mode
	// OpenSlipPct is the percent past the last print an entry limit
	// concedes so the ticket crosses the book.
	OpenSlipPct float64
	// OrderTimeout cancels an entry ticket that has not filled; FillPoll
	// is the status poll interval while waiting.
	OrderTimeout time.Duration
	FillPoll     time.Duration
	// Retry shapes the broker retry policy for quotes and entry orders.
	Retry retry.Config
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		ADVMode:      adv.ModeConservative,
		OpenSlipPct:  0.1,
		OrderTimeout: 45 * time.Second,
		FillPoll:     2 * time.Second,
		Retry:        retry.DefaultConfig,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ADVMode == "" {
		c.ADVMode = def.ADVMode
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

// SessionClock is the slice of the market calendar the manager needs.
type SessionClock interface {
	Now() time.Time
	TradingDate(t time.Time) string
}

// ExitRegistrar takes ownership of fresh fills. Satisfied by the exit
// engine.
type ExitRegistrar interface {
	Register(p *models.Position) error
}

// Rejection explains why one ranked signal did not become a position.
type Rejection struct {
	Ticker string
	Stage  string
	Reason string
}

// Manager drives ranked signals to filled positions, serially in rank
// order so the strongest signal gets first claim on capital and book
// depth.
type Manager struct {
	cfg     Config
	quotes  broker.QuoteProvider
	account broker.AccountReader
	orders  broker.OrderExecutor
	clock   SessionClock
	books   *compound.Engine
	advc    *adv.Cache
	exits   ExitRegistrar
	notify  alerts.Notifier
	logger  zerolog.Logger

	mu          sync.Mutex
	openedToday map[string]string // symbol|type -> trading date
}

// NewManager wires the execution pipeline. The same construction serves
// live and demo runs; only the broker implementation behind the interfaces
// changes.
func NewManager(cfg Config, quotes broker.QuoteProvider, account broker.AccountReader,
	orders broker.OrderExecutor, clock SessionClock, books *compound.Engine,
	advc *adv.Cache, exits ExitRegistrar, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:         cfg.withDefaults(),
		quotes:      quotes,
		account:     account,
		orders:      orders,
		clock:       clock,
		books:       books,
		advc:        advc,
		exits:       exits,
		logger:      logger.With().Str("component", "exec").Logger(),
		openedToday: make(map[string]string),
	}
}

// SetNotifier wires operator alerting.
func (m *Manager) SetNotifier(n alerts.Notifier) { m.notify = n }

// StartDay clears the previous session's duplicate guard. Call once per
// session before signals start flowing.
func (m *Manager) StartDay() {
	m.mu.Lock()
	m.openedToday = make(map[string]string)
	m.mu.Unlock()
}

// Restore reseeds the duplicate guard from persisted positions after a
// restart, so a re-delivered signal cannot open the same trade twice.
// Closed positions count too: a signal is consumed the day it fills.
func (m *Manager) Restore(list []models.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range list {
		p := &list[i]
		if p.Symbol == "" || p.TradingDate == "" {
			continue
		}
		k := dedupKey(p.Symbol, p.SignalType)
		if cur, ok := m.openedToday[k]; !ok || p.TradingDate > cur {
			m.openedToday[k] = p.TradingDate
		}
	}
}

// ExecuteRanked runs one batch of allocated signals, strongest rank first.
// Signals that fail a gate come back as rejections; the batch itself only
// errors when the account snapshot cannot be read.
func (m *Manager) ExecuteRanked(ctx context.Context, signals []models.RankedSignal) (int, []Rejection, error) {
	if len(signals) == 0 {
		return 0, nil, nil
	}

	now := m.clock.Now()
	tradingDate := m.clock.TradingDate(now)

	bal, err := m.account.GetBalance(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("exec: fetching balance: %w", err)
	}
	cash := bal.CashAvailableForInvestment
	monitoring.SetAccountValue(bal.AccountValue)

	ranked := make([]models.RankedSignal, len(signals))
	copy(ranked, signals)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].PriorityRank < ranked[j].PriorityRank
	})

	opened := 0
	deployed := 0.0
	symbols := make([]string, 0, len(ranked))
	rejections := make([]Rejection, 0, len(ranked))

	for i := range ranked {
		sig := &ranked[i]
		pos, rej := m.executeOne(ctx, sig, tradingDate, cash)
		if rej != nil {
			rejections = append(rejections, *rej)
			continue
		}
		value := pos.EntryPrice * float64(pos.Quantity)
		cash -= value
		deployed += value
		opened++
		symbols = append(symbols, pos.Symbol)
	}

	if opened > 0 {
		snap := m.books.Snapshot()
		monitoring.SetDeployedCapital("so", snap.SODeployed)
		monitoring.SetDeployedCapital("orr", snap.ORRDeployed)
		if m.notify != nil {
			if err := m.notify.Notify(ctx, alerts.BatchOpen(opened, deployed, symbols, now)); err != nil {
				m.logger.Error().Err(err).Msg("alert delivery failed")
			}
		}
	}
	return opened, rejections, nil
}

// executeOne runs the gates, sizing, and submission for one allocated
// signal. Returns the registered position or the rejection.
func (m *Manager) executeOne(ctx context.Context, sig *models.RankedSignal,
	tradingDate string, cash float64) (*models.Position, *Rejection) {
	ticker := sig.Ticker

	if sig.CapitalAllocated <= 0 {
		return nil, &Rejection{ticker, "allocation", "no capital after packing"}
	}

	key := dedupKey(ticker, sig.Type)
	m.mu.Lock()
	already := m.openedToday[key] == tradingDate
	m.mu.Unlock()
	if already {
		return nil, &Rejection{ticker, "duplicate", fmt.Sprintf("already opened a %s position today", sig.Type)}
	}

	if !m.books.CanOpen(sig.CapitalAllocated, sig.Type) {
		return nil, &Rejection{ticker, "compound", fmt.Sprintf("%s book cannot cover %.0f", sig.Type, sig.CapitalAllocated)}
	}

	quote, rej := m.liveQuote(ctx, ticker)
	if rej != nil {
		return nil, rej
	}

	qty := m.shareQuantity(sig, quote, cash)
	if qty < 1 {
		return nil, &Rejection{ticker, "sizing", "allocation smaller than one share"}
	}

	order := broker.NewEquityOrder(ticker, entryAction(sig.Side), qty,
		broker.PriceLimit, entryLimit(quote, sig.Side, m.cfg.OpenSlipPct))

	start := time.Now()
	fill, err := m.submitEntry(ctx, order)
	monitoring.ObserveBrokerCall("open_equity_order", time.Since(start))
	if err != nil {
		monitoring.RecordOrder(string(sig.Side), "failed")
		m.logger.Error().Err(err).Str("ticker", ticker).Msg("equity entry order failed")
		return nil, &Rejection{ticker, "order", err.Error()}
	}
	monitoring.RecordOrder(string(sig.Side), "filled")

	pos := m.buildPosition(sig, quote, order, fill)
	if err := m.exits.Register(pos); err != nil {
		// The fill is live at the broker either way; registration failure
		// needs an operator, not a silent drop.
		m.logger.Error().Err(err).Str("position_id", pos.ID).Msg("registering equity position")
		return nil, &Rejection{ticker, "register", err.Error()}
	}

	value := pos.EntryPrice * float64(pos.Quantity)
	if err := m.books.OnPositionOpened(ticker, value, sig.Type); err != nil {
		// The book moved between the availability check and the fill. The
		// position is live and managed; the ledger needs eyes.
		m.logger.Error().Err(err).Str("ticker", ticker).Msg("booking opened position")
		if m.notify != nil {
			_ = m.notify.Notify(ctx, alerts.InvariantViolation("exec", err.Error(), m.clock.Now()))
		}
	}

	m.mu.Lock()
	m.openedToday[key] = tradingDate
	m.mu.Unlock()

	m.logger.Info().
		Str("position_id", pos.ID).
		Str("ticker", ticker).
		Str("type", string(sig.Type)).
		Str("side", string(sig.Side)).
		Str("mode", string(pos.Mode)).
		Int("rank", sig.PriorityRank).
		Int("quantity", pos.Quantity).
		Float64("entry", pos.EntryPrice).
		Float64("value", value).
		Msg("equity position opened")
	return pos, nil
}

// liveQuote fetches the execution print. Sizing always happens off a live
// quote, never off the emit-time snapshot riding in the signal.
func (m *Manager) liveQuote(ctx context.Context, ticker string) (models.Quote, *Rejection) {
	qs, err := retry.Do(ctx, m.logger, m.cfg.Retry, "quote "+ticker,
		func(ctx context.Context) ([]models.Quote, error) {
			return m.quotes.GetQuotes(ctx, []string{ticker})
		})
	if err != nil {
		return models.Quote{}, &Rejection{ticker, "quote", err.Error()}
	}
	if len(qs) == 0 || qs[0].Last <= 0 {
		return models.Quote{}, &Rejection{ticker, "quote", "no usable quote"}
	}
	return qs[0], nil
}

// shareQuantity turns the dollar allocation into whole shares off the live
// print, clamped by the slip guard's notional limit and by settled cash.
func (m *Manager) shareQuantity(sig *models.RankedSignal, q models.Quote, cash float64) int {
	notional := sig.CapitalAllocated
	if lim := m.advc.Limit(sig.Ticker, m.cfg.ADVMode); lim < notional {
		m.logger.Debug().Str("ticker", sig.Ticker).
			Float64("allocated", notional).Float64("adv_limit", lim).
			Msg("slip guard clamped allocation")
		notional = lim
	}
	if cash < notional {
		notional = cash
	}
	return int(notional / q.Last)
}

// buildPosition folds the fill into a registered-ready position. Entry
// price and quantity come from the actual print, and the signal's ATR
// snapshot rides along so exit distances scale from volatility at entry.
func (m *Manager) buildPosition(sig *models.RankedSignal, q models.Quote,
	order *broker.Order, fill *broker.OrderStatus) *models.Position {
	entry := fill.AvgFillPrice
	if entry <= 0 {
		entry = order.LimitPrice
	}
	qty := fill.FilledQty
	if qty <= 0 {
		qty = order.Legs[0].Quantity
	}
	filledAt := fill.ExecutedAt
	if filledAt.IsZero() {
		filledAt = m.clock.Now()
	}

	pos := models.NewPosition(uuid.NewString(), sig.Ticker, sig.Side, sig.Type,
		trailModeFor(sig), qty, entry, filledAt)
	pos.EntryOrderID = strconv.FormatInt(fill.OrderID, 10)
	pos.EntryBarVolatility = sig.Indicators.ATR
	pos.EntrySpread = q.Spread()
	pos.CapitalAllocated = sig.CapitalAllocated
	return pos
}

// trailModeFor tags the fill with a trailing profile. Heavy relative
// volume behind a stretched breakout marks a move that tends to keep
// going, so it gets moon room. Reversals chop on the way back up and run
// balanced. The ordinary confirmed breakout trails explosive, tightening
// as the gain builds.
func trailModeFor(sig *models.RankedSignal) models.TrailMode {
	switch {
	case sig.VolumeRatio >= 3.0 && sig.BreakoutPct() >= 0.01:
		return models.ModeMoon
	case sig.Type == models.SignalORR:
		return models.ModeBalanced
	default:
		return models.ModeExplosive
	}
}

func entryAction(side models.Side) broker.OrderAction {
	if side == models.SideShort {
		return broker.ActionSell
	}
	return broker.ActionBuy
}

// entryLimit prices the ticket past the last print so it crosses the
// book: up for buys, down for short sales.
func entryLimit(q models.Quote, side models.Side, slipPct float64) float64 {
	slip := slipPct / 100
	if side == models.SideShort {
		px := util.FloorToTick(q.Last*(1-slip), equityTick)
		if px < equityTick {
			px = equityTick
		}
		return px
	}
	return util.CeilToTick(q.Last*(1+slip), equityTick)
}

func dedupKey(symbol string, sigType models.SignalType) string {
	return symbol + "|" + string(sigType)
}
