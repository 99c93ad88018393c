package storage

import (
	"github.com/openrange-labs/daybreak/internal/models"
)

// Interface defines the contract for position, opening-range, and ledger
// persistence.
//
// Implementations must be safe for concurrent use - callers can assume all
// methods are goroutine-safe and can safely call them from multiple
// goroutines. Accessors return copies, so mutating a returned value never
// changes stored state; changes only land through the Upsert/Close/Set
// methods.
//
// The provided JSONStorage implementation uses sync.RWMutex to serialize
// access, ensuring all Interface methods are protected for concurrent
// readers and writers.
type Interface interface {
	// Equity positions, keyed by position ID. Upsert persists immediately.
	GetOpenPositions() []models.Position
	GetPositionByID(id string) (*models.Position, error)
	UpsertPosition(pos *models.Position) error
	ClosePosition(id string, finalPnL float64, reason string) error

	// 0DTE options positions.
	GetOpenOptionPositions() []models.OptionsPosition
	GetOptionPositionByID(id string) (*models.OptionsPosition, error)
	UpsertOptionPosition(pos *models.OptionsPosition) error
	CloseOptionPosition(id string, finalPnL float64, reason string) error

	// Opening ranges and the per-day signal ledger. RecordSignal rejects a
	// second signal of the same type for a symbol and trading date, which is
	// what keeps the one-SO-one-ORR rule intact across restarts.
	SaveORB(orb *models.ORBData) error
	GetORB(ticker, tradingDate string) (*models.ORBData, error)
	RecordSignal(sig *models.ORBSignal) error
	SignalsEmitted(ticker, tradingDate string) []models.SignalType

	// Compound ledger.
	GetCompoundState() *models.CompoundState
	SetCompoundState(state *models.CompoundState) error

	// Data persistence.
	Save() error
	Load() error

	// Historical data and analytics.
	GetHistory() []models.Position
	GetOptionsHistory() []models.OptionsPosition
	GetStatistics() *Statistics
	GetDailyPnL(date string) float64
}

// NewStorage creates a new storage implementation (currently JSON-based).
// In the future, this can be extended to support different storage backends.
func NewStorage(filepath string) (Interface, error) {
	return NewJSONStorage(filepath)
}

// Ensure JSONStorage implements Interface
var _ Interface = (*JSONStorage)(nil)
