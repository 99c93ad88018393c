package storage

import (
	"fmt"
	"sort"
	"time"

	"github.com/openrange-labs/daybreak/internal/models"
)

// MockStorage implements Interface for testing
type MockStorage struct {
	saveError       error
	loadError       error
	positions       map[string]*models.Position
	optionPositions map[string]*models.OptionsPosition
	orbs            map[string]*models.ORBData
	signals         map[string][]models.SignalType
	compound        *models.CompoundState
	dailyPnL        map[string]float64
	statistics      *Statistics
	history         []models.Position
	optionsHistory  []models.OptionsPosition
	saveCallCount   int
	loadCallCount   int
}

// NewMockStorage creates a new mock storage for testing
func NewMockStorage() *MockStorage {
	return &MockStorage{
		positions:       make(map[string]*models.Position),
		optionPositions: make(map[string]*models.OptionsPosition),
		orbs:            make(map[string]*models.ORBData),
		signals:         make(map[string][]models.SignalType),
		dailyPnL:        make(map[string]float64),
		statistics:      &Statistics{},
	}
}

// Position management methods
func (m *MockStorage) GetOpenPositions() []models.Position {
	out := make([]models.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, *pos.Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MockStorage) GetPositionByID(id string) (*models.Position, error) {
	pos, ok := m.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	return pos.Copy(), nil
}

func (m *MockStorage) UpsertPosition(pos *models.Position) error {
	if pos == nil || pos.ID == "" {
		return fmt.Errorf("position must have an ID")
	}
	m.positions[pos.ID] = pos.Copy()
	return nil
}

func (m *MockStorage) ClosePosition(id string, finalPnL float64, reason string) error {
	pos, ok := m.positions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}

	if pos.CurrentStealth() != models.StateClosed {
		if err := pos.TransitionStealth(models.StateClosed, reason); err != nil {
			return fmt.Errorf("failed to transition position to closed state: %w", err)
		}
	}
	pos.Quantity = 0
	pos.RealizedPnL = finalPnL
	pos.UnrealizedPnL = 0

	m.history = append(m.history, *pos)
	m.statistics.record(finalPnL)

	date := pos.TradingDate
	if date == "" {
		date = time.Now().Format("2006-01-02")
	}
	m.dailyPnL[date] += finalPnL

	delete(m.positions, id)
	return nil
}

// Options position methods
func (m *MockStorage) GetOpenOptionPositions() []models.OptionsPosition {
	out := make([]models.OptionsPosition, 0, len(m.optionPositions))
	for _, pos := range m.optionPositions {
		out = append(out, *pos.Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MockStorage) GetOptionPositionByID(id string) (*models.OptionsPosition, error) {
	pos, ok := m.optionPositions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	return pos.Copy(), nil
}

func (m *MockStorage) UpsertOptionPosition(pos *models.OptionsPosition) error {
	if pos == nil || pos.ID == "" {
		return fmt.Errorf("options position must have an ID")
	}
	m.optionPositions[pos.ID] = pos.Copy()
	return nil
}

func (m *MockStorage) CloseOptionPosition(id string, finalPnL float64, reason string) error {
	pos, ok := m.optionPositions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}

	pos.Status = models.StatusClosed
	pos.Quantity = 0
	pos.RealizedPnL = finalPnL
	pos.UnrealizedPnL = 0
	if pos.ExitTime.IsZero() {
		pos.ExitTime = time.Now().UTC()
	}
	if pos.ExitReason == "" {
		pos.ExitReason = reason
	}

	m.optionsHistory = append(m.optionsHistory, *pos)
	m.statistics.record(finalPnL)
	m.dailyPnL[pos.EntryTime.Format("2006-01-02")] += finalPnL

	delete(m.optionPositions, id)
	return nil
}

// Opening range and signal ledger methods
func (m *MockStorage) SaveORB(orb *models.ORBData) error {
	if orb == nil || orb.Ticker == "" || orb.TradingDate == "" {
		return fmt.Errorf("opening range must carry ticker and trading date")
	}
	key := dayKey(orb.Ticker, orb.TradingDate)
	if _, exists := m.orbs[key]; exists {
		return fmt.Errorf("opening range already captured for %s on %s", orb.Ticker, orb.TradingDate)
	}
	dup := *orb
	m.orbs[key] = &dup
	return nil
}

func (m *MockStorage) GetORB(ticker, tradingDate string) (*models.ORBData, error) {
	orb, ok := m.orbs[dayKey(ticker, tradingDate)]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrORBNotFound, ticker, tradingDate)
	}
	dup := *orb
	return &dup, nil
}

func (m *MockStorage) RecordSignal(sig *models.ORBSignal) error {
	if sig == nil {
		return fmt.Errorf("nil signal")
	}
	if err := sig.Validate(); err != nil {
		return err
	}
	key := dayKey(sig.Ticker, sig.TradingDate)
	for _, emitted := range m.signals[key] {
		if emitted == sig.Type {
			return fmt.Errorf("duplicate %s signal for %s on %s", sig.Type, sig.Ticker, sig.TradingDate)
		}
	}
	m.signals[key] = append(m.signals[key], sig.Type)
	return nil
}

func (m *MockStorage) SignalsEmitted(ticker, tradingDate string) []models.SignalType {
	emitted := m.signals[dayKey(ticker, tradingDate)]
	out := make([]models.SignalType, len(emitted))
	copy(out, emitted)
	return out
}

// Compound ledger methods
func (m *MockStorage) GetCompoundState() *models.CompoundState {
	return m.compound.Copy()
}

func (m *MockStorage) SetCompoundState(state *models.CompoundState) error {
	if state == nil {
		return fmt.Errorf("nil compound state")
	}
	if err := state.Validate(); err != nil {
		return err
	}
	m.compound = state.Copy()
	return nil
}

// Data persistence methods (mocked)
func (m *MockStorage) Save() error {
	m.saveCallCount++
	return m.saveError
}

func (m *MockStorage) Load() error {
	m.loadCallCount++
	return m.loadError
}

// Historical data and analytics
func (m *MockStorage) GetHistory() []models.Position {
	return m.history
}

func (m *MockStorage) GetOptionsHistory() []models.OptionsPosition {
	return m.optionsHistory
}

func (m *MockStorage) GetStatistics() *Statistics {
	return m.statistics
}

func (m *MockStorage) GetDailyPnL(date string) float64 {
	return m.dailyPnL[date]
}

// Mock control methods for testing
func (m *MockStorage) SetSaveError(err error) {
	m.saveError = err
}

func (m *MockStorage) SetLoadError(err error) {
	m.loadError = err
}

func (m *MockStorage) GetSaveCallCount() int {
	return m.saveCallCount
}

func (m *MockStorage) GetLoadCallCount() int {
	return m.loadCallCount
}

func (m *MockStorage) AddHistoryPosition(pos models.Position) {
	m.history = append(m.history, pos)
}

func (m *MockStorage) SetDailyPnL(date string, pnl float64) {
	m.dailyPnL[date] = pnl
}

// Ensure MockStorage implements Interface
var _ Interface = (*MockStorage)(nil)
