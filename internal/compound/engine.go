// Package compound tracks deployed capital across the SO and ORR books
// and decides how much a new position may draw. It is the single writer
// of the compound ledger; managers only query it.
package compound

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openrange-labs/daybreak/internal/models"
	"github.com/openrange-labs/daybreak/internal/storage"
)

// ErrInsufficientCapital is returned when an open would breach the
// deployment cap.
var ErrInsufficientCapital = errors.New("insufficient capital for position")

// Engine owns intraday capital accounting. The deployment invariant after
// every operation: so_deployed + orr_deployed ≤ cap×total + freed.
type Engine struct {
	mu          sync.RWMutex
	total       float64
	soDeployed  float64
	orrDeployed float64
	freed       float64
	capPct      float64
	dayPnL      float64
	dayTrades   int
	tradingDay  string

	store  storage.Interface
	logger zerolog.Logger
}

// Snapshot is a read-only view of the books.
type Snapshot struct {
	TotalAccount float64 `json:"total_account"`
	SODeployed   float64 `json:"so_deployed"`
	ORRDeployed  float64 `json:"orr_deployed"`
	FreedCapital float64 `json:"freed_capital"`
	DayPnL       float64 `json:"day_pnl"`
	DayTrades    int     `json:"day_trades"`
	TradingDay   string  `json:"trading_day"`
}

// New builds the engine. capPct is the deployable fraction of the
// account, 0.90 by default.
func New(store storage.Interface, capPct float64, logger zerolog.Logger) *Engine {
	if capPct <= 0 || capPct > 1 {
		capPct = 0.90
	}
	return &Engine{
		capPct: capPct,
		store:  store,
		logger: logger.With().Str("component", "compound").Logger(),
	}
}

// Initialize seeds total account capital. The persisted ledger wins over
// the broker balance; a fresh ledger is created from the balance when
// none exists. Drift between the two is logged, not corrected.
func (e *Engine) Initialize(brokerBalance float64, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	state := e.store.GetCompoundState()
	if state == nil {
		if brokerBalance <= 0 {
			return fmt.Errorf("compound: cannot seed ledger from balance %.2f", brokerBalance)
		}
		state = models.NewCompoundState(brokerBalance, now)
		if err := e.store.SetCompoundState(state); err != nil {
			return fmt.Errorf("compound: persist fresh ledger: %w", err)
		}
		e.logger.Info().Float64("base", brokerBalance).Msg("seeded compound ledger")
	} else if brokerBalance > 0 {
		drift := brokerBalance - state.CurrentCapital
		if drift > 1 || drift < -1 {
			e.logger.Warn().Float64("ledger", state.CurrentCapital).
				Float64("broker", brokerBalance).Float64("drift", drift).
				Msg("compound ledger drifts from broker balance")
		}
	}

	e.total = state.CurrentCapital
	return nil
}

// StartDay resets the intraday books. Freed capital does not carry
// overnight; everything settles back into total.
func (e *Engine) StartDay(tradingDay string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.soDeployed = 0
	e.orrDeployed = 0
	e.freed = 0
	e.dayPnL = 0
	e.dayTrades = 0
	e.tradingDay = tradingDay
	e.logger.Info().Str("day", tradingDay).Float64("total", e.total).Msg("compound day started")
}

// OnPositionOpened books capital against the signal's book. ORR opens
// consume freed capital first. Returns ErrInsufficientCapital when the
// open would breach the cap.
func (e *Engine) OnPositionOpened(symbol string, value float64, sigType models.SignalType) error {
	if value <= 0 {
		return fmt.Errorf("compound: open value must be positive, got %.2f", value)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	switch sigType {
	case models.SignalSO:
		if value > e.availableForSOLocked() {
			return fmt.Errorf("%w: %s needs %.2f, SO book has %.2f",
				ErrInsufficientCapital, symbol, value, e.availableForSOLocked())
		}
		e.soDeployed += value
	case models.SignalORR:
		if value > e.availableForORRLocked() {
			return fmt.Errorf("%w: %s needs %.2f, ORR book has %.2f",
				ErrInsufficientCapital, symbol, value, e.availableForORRLocked())
		}
		take := value
		if take > e.freed {
			take = e.freed
		}
		e.freed -= take
		e.orrDeployed += value
	default:
		return fmt.Errorf("compound: unknown signal type %q", sigType)
	}

	e.logger.Debug().Str("symbol", symbol).Str("type", string(sigType)).
		Float64("value", value).Float64("so", e.soDeployed).
		Float64("orr", e.orrDeployed).Float64("freed", e.freed).Msg("capital deployed")
	return nil
}

// OnPositionClosed releases the position's capital back into the freed
// pool and settles its P&L into the account total.
func (e *Engine) OnPositionClosed(symbol string, value float64, sigType models.SignalType, pnl float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch sigType {
	case models.SignalORR:
		e.orrDeployed -= value
		if e.orrDeployed < 0 {
			e.logger.Warn().Str("symbol", symbol).Float64("value", value).
				Msg("ORR book went negative on close, clamping")
			e.orrDeployed = 0
		}
	default:
		e.soDeployed -= value
		if e.soDeployed < 0 {
			e.logger.Warn().Str("symbol", symbol).Float64("value", value).
				Msg("SO book went negative on close, clamping")
			e.soDeployed = 0
		}
	}

	e.freed += value + pnl
	if e.freed < 0 {
		e.freed = 0
	}
	e.total += pnl
	e.dayPnL += pnl
	e.dayTrades++

	e.logger.Info().Str("symbol", symbol).Str("type", string(sigType)).
		Float64("pnl", pnl).Float64("freed", e.freed).Float64("total", e.total).
		Msg("capital released")
}

// AvailableForSO returns headroom in the SO book.
func (e *Engine) AvailableForSO() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.availableForSOLocked()
}

// AvailableForORR returns headroom for reversal entries, which may borrow
// unused SO budget plus freed capital.
func (e *Engine) AvailableForORR() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.availableForORRLocked()
}

func (e *Engine) availableForSOLocked() float64 {
	avail := e.capPct*e.total - e.soDeployed - e.orrDeployed
	if avail < 0 {
		return 0
	}
	return avail
}

func (e *Engine) availableForORRLocked() float64 {
	return e.availableForSOLocked() + e.freed
}

// CanOpen reports whether an open of the given size would be accepted.
func (e *Engine) CanOpen(required float64, sigType models.SignalType) bool {
	if required <= 0 {
		return false
	}
	switch sigType {
	case models.SignalORR:
		return required <= e.AvailableForORR()
	default:
		return required <= e.AvailableForSO()
	}
}

// Total returns current account capital.
func (e *Engine) Total() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.total
}

// Snapshot returns the current books for status output.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Snapshot{
		TotalAccount: e.total,
		SODeployed:   e.soDeployed,
		ORRDeployed:  e.orrDeployed,
		FreedCapital: e.freed,
		DayPnL:       e.dayPnL,
		DayTrades:    e.dayTrades,
		TradingDay:   e.tradingDay,
	}
}

// EndDay folds today's result into the persisted ledger.
func (e *Engine) EndDay() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.tradingDay == "" {
		return fmt.Errorf("compound: EndDay without StartDay")
	}
	state := e.store.GetCompoundState()
	if state == nil {
		return fmt.Errorf("compound: no ledger to close day into")
	}

	start := state.CurrentCapital
	day := models.DayResult{
		Date:         e.tradingDay,
		StartCapital: start,
		EndCapital:   e.total,
		PnL:          e.dayPnL,
		Trades:       e.dayTrades,
	}
	if start > 0 {
		day.ReturnPct = (e.total - start) / start * 100
	}
	// A restart can close the same day twice; fold into the existing row.
	if n := len(state.Days); n > 0 && state.Days[n-1].Date == e.tradingDay {
		day.StartCapital = state.Days[n-1].StartCapital
		day.Trades += state.Days[n-1].Trades
		day.PnL += state.Days[n-1].PnL
		if day.StartCapital > 0 {
			day.ReturnPct = (day.EndCapital - day.StartCapital) / day.StartCapital * 100
		}
		state.Days[n-1] = day
	} else {
		state.Days = append(state.Days, day)
	}
	state.CurrentCapital = e.total
	state.LastTradingDay = e.tradingDay

	if err := e.store.SetCompoundState(state); err != nil {
		return fmt.Errorf("compound: persist day result: %w", err)
	}
	e.logger.Info().Str("day", e.tradingDay).Float64("pnl", e.dayPnL).
		Int("trades", e.dayTrades).Float64("capital", e.total).
		Msg("compound day closed")
	return nil
}
