package odte

import (
	"sync"

	"github.com/openrange-labs/daybreak/internal/models"
	"github.com/openrange-labs/daybreak/internal/rank"
)

const (
	// budgetUsablePct is the deployable share of the sub-account; the rest
	// absorbs slippage and marks against us.
	budgetUsablePct = 90.0
	// maxPositionPct caps any single structure's share of the sub-account.
	maxPositionPct = 35.0
)

// SubAccount returns the dollars walled off for the options sub-engine.
// Options losses can never eat into equity capital past this slice.
func SubAccount(accountValue, pct float64) float64 {
	if accountValue <= 0 || pct <= 0 {
		return 0
	}
	return accountValue * pct / 100
}

// RankAllocations orders the day's convex signals and splits the deployable
// sub-account across them with the shared allocator.
func RankAllocations(signals []*models.ORBSignal, subAccount float64, maxConcurrent int) []models.RankedSignal {
	ranked := rank.Rank(signals)
	return rank.Allocate(ranked, subAccount, rank.Config{
		TradingCapitalPct: budgetUsablePct,
		MaxPositionPct:    maxPositionPct,
		MaxConcurrent:     maxConcurrent,
	})
}

// ContractQuantity converts an allocation into whole contracts against the
// structure's per-contract margin. Max loss bounds the sizing for every
// structure, so a full stop-out never exceeds the allocation.
func ContractQuantity(allocated, maxLossPerShare float64) int {
	if allocated <= 0 || maxLossPerShare <= 0 {
		return 0
	}
	return int(allocated / (maxLossPerShare * 100))
}

// Budget tracks deployed capital inside the options sub-account for one
// session. It implements Ledger, so settled closes release their slice
// back to the pool. Safe for the manager and exit worker concurrently.
type Budget struct {
	mu         sync.Mutex
	subAccount float64
	deployed   float64
	realized   float64
}

// NewBudget builds a session budget over the given sub-account dollars.
func NewBudget(subAccount float64) *Budget {
	if subAccount < 0 {
		subAccount = 0
	}
	return &Budget{subAccount: subAccount}
}

// CanOpen reports whether required dollars still fit in the deployable
// share of the sub-account.
func (b *Budget) CanOpen(required float64) bool {
	if required <= 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deployed+required <= b.subAccount*budgetUsablePct/100
}

// OnOpened records capital committed by a fill.
func (b *Budget) OnOpened(capital float64) {
	if capital <= 0 {
		return
	}
	b.mu.Lock()
	b.deployed += capital
	b.mu.Unlock()
}

// OnOptionClosed releases the closed slice back to the pool and folds the
// realized P&L into the session total.
func (b *Budget) OnOptionClosed(_ string, released, pnl float64) {
	b.mu.Lock()
	b.deployed -= released
	if b.deployed < 0 {
		b.deployed = 0
	}
	b.realized += pnl
	b.mu.Unlock()
}

// Deployed returns the capital currently committed.
func (b *Budget) Deployed() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deployed
}

// RealizedPnL returns the session's settled option P&L.
func (b *Budget) RealizedPnL() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.realized
}

// SubAccountValue returns the walled-off dollars this budget governs.
func (b *Budget) SubAccountValue() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subAccount
}

var _ Ledger = (*Budget)(nil)
