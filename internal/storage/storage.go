package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/openrange-labs/daybreak/internal/models"
)

const schemaVersion = 1

// JSONStorage persists engine state to a single JSON file. Every mutation
// writes through: marshal to a temp file in the same directory, then rename
// over the target so a crash never leaves a torn file behind.
type JSONStorage struct {
	mu   sync.RWMutex
	path string
	data *storageData
}

type storageData struct {
	SchemaVersion   int                                `json:"schema_version"`
	Positions       map[string]*models.Position        `json:"positions"`
	OptionPositions map[string]*models.OptionsPosition `json:"option_positions"`
	History         []models.Position                  `json:"history,omitempty"`
	OptionsHistory  []models.OptionsPosition           `json:"options_history,omitempty"`
	ORBs            map[string]*models.ORBData         `json:"orbs,omitempty"`
	Signals         map[string][]models.SignalType     `json:"signals,omitempty"`
	Compound        *models.CompoundState              `json:"compound,omitempty"`
	DailyPnL        map[string]float64                 `json:"daily_pnl"`
	Statistics      *Statistics                        `json:"statistics"`
	LastUpdated     time.Time                          `json:"last_updated"`
}

// Statistics aggregates closed trades, equity and options combined.
type Statistics struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"` // percent of decided trades
	TotalPnL      float64 `json:"total_pnl"`
	AverageWin    float64 `json:"average_win"`
	AverageLoss   float64 `json:"average_loss"`
	MaxDrawdown   float64 `json:"max_drawdown"` // worst single-trade loss
	CurrentStreak int     `json:"current_streak"`
}

// record folds one closed trade into the aggregates. Breakeven trades count
// toward totals but not toward the win rate.
func (s *Statistics) record(pnl float64) {
	s.TotalTrades++
	s.TotalPnL += pnl

	switch {
	case pnl > 0:
		s.WinningTrades++
		s.AverageWin = (s.AverageWin*float64(s.WinningTrades-1) + pnl) / float64(s.WinningTrades)
		if s.CurrentStreak >= 0 {
			s.CurrentStreak++
		} else {
			s.CurrentStreak = 1
		}
	case pnl < 0:
		s.LosingTrades++
		s.AverageLoss = (s.AverageLoss*float64(s.LosingTrades-1) + pnl) / float64(s.LosingTrades)
		if s.CurrentStreak <= 0 {
			s.CurrentStreak--
		} else {
			s.CurrentStreak = -1
		}
		if pnl < s.MaxDrawdown {
			s.MaxDrawdown = pnl
		}
	}

	if decided := s.WinningTrades + s.LosingTrades; decided > 0 {
		s.WinRate = float64(s.WinningTrades) / float64(decided) * 100
	}
}

func dayKey(ticker, tradingDate string) string {
	return ticker + "|" + tradingDate
}

// NewJSONStorage opens (or initializes) the store at path, creating parent
// directories as needed. An existing file is loaded and validated.
func NewJSONStorage(path string) (*JSONStorage, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating storage dir: %w", err)
		}
	}

	s := &JSONStorage{
		path: path,
		data: newStorageData(),
	}

	if _, err := os.Stat(path); err == nil {
		if err := s.Load(); err != nil {
			return nil, fmt.Errorf("loading storage: %w", err)
		}
	}

	return s, nil
}

func newStorageData() *storageData {
	return &storageData{
		SchemaVersion:   schemaVersion,
		Positions:       make(map[string]*models.Position),
		OptionPositions: make(map[string]*models.OptionsPosition),
		ORBs:            make(map[string]*models.ORBData),
		Signals:         make(map[string][]models.SignalType),
		DailyPnL:        make(map[string]float64),
		Statistics:      &Statistics{},
	}
}

// Load replaces in-memory state with the file's contents.
func (s *JSONStorage) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	loaded := newStorageData()
	if err := json.Unmarshal(raw, loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", s.path, err)
	}
	if loaded.SchemaVersion > schemaVersion {
		return fmt.Errorf("storage schema %d newer than supported %d", loaded.SchemaVersion, schemaVersion)
	}

	// Unmarshal can null out the maps a fresh file never wrote.
	if loaded.Positions == nil {
		loaded.Positions = make(map[string]*models.Position)
	}
	if loaded.OptionPositions == nil {
		loaded.OptionPositions = make(map[string]*models.OptionsPosition)
	}
	if loaded.ORBs == nil {
		loaded.ORBs = make(map[string]*models.ORBData)
	}
	if loaded.Signals == nil {
		loaded.Signals = make(map[string][]models.SignalType)
	}
	if loaded.DailyPnL == nil {
		loaded.DailyPnL = make(map[string]float64)
	}
	if loaded.Statistics == nil {
		loaded.Statistics = &Statistics{}
	}

	s.data = loaded
	return nil
}

// Save snapshots the current state to disk.
func (s *JSONStorage) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

func (s *JSONStorage) saveLocked() error {
	s.data.LastUpdated = time.Now().UTC()

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// GetOpenPositions returns copies of every open equity position, ordered by
// ID for deterministic iteration.
func (s *JSONStorage) GetOpenPositions() []models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Position, 0, len(s.data.Positions))
	for _, pos := range s.data.Positions {
		out = append(out, *pos.Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetPositionByID returns a copy of the open position with the given ID.
func (s *JSONStorage) GetPositionByID(id string) (*models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.data.Positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	return pos.Copy(), nil
}

// UpsertPosition stores a copy of pos and persists.
func (s *JSONStorage) UpsertPosition(pos *models.Position) error {
	if pos == nil || pos.ID == "" {
		return fmt.Errorf("position must have an ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Positions[pos.ID] = pos.Copy()
	return s.saveLocked()
}

// ClosePosition moves the open position to history, folding finalPnL (the
// position's total realized dollars) into statistics and the daily ledger.
func (s *JSONStorage) ClosePosition(id string, finalPnL float64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.data.Positions[id]
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

	s.data.History = append(s.data.History, *pos)
	s.data.Statistics.record(finalPnL)

	date := pos.TradingDate
	if date == "" {
		date = time.Now().Format("2006-01-02")
	}
	s.data.DailyPnL[date] += finalPnL

	delete(s.data.Positions, id)
	return s.saveLocked()
}

// GetOpenOptionPositions returns copies of every open options position,
// ordered by ID.
func (s *JSONStorage) GetOpenOptionPositions() []models.OptionsPosition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.OptionsPosition, 0, len(s.data.OptionPositions))
	for _, pos := range s.data.OptionPositions {
		out = append(out, *pos.Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetOptionPositionByID returns a copy of the open options position.
func (s *JSONStorage) GetOptionPositionByID(id string) (*models.OptionsPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.data.OptionPositions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	return pos.Copy(), nil
}

// UpsertOptionPosition stores a copy of pos and persists.
func (s *JSONStorage) UpsertOptionPosition(pos *models.OptionsPosition) error {
	if pos == nil || pos.ID == "" {
		return fmt.Errorf("options position must have an ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.OptionPositions[pos.ID] = pos.Copy()
	return s.saveLocked()
}

// CloseOptionPosition moves the options position to history and folds the
// final P&L into statistics and the daily ledger.
func (s *JSONStorage) CloseOptionPosition(id string, finalPnL float64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.data.OptionPositions[id]
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

	s.data.OptionsHistory = append(s.data.OptionsHistory, *pos)
	s.data.Statistics.record(finalPnL)
	s.data.DailyPnL[pos.EntryTime.Format("2006-01-02")] += finalPnL

	delete(s.data.OptionPositions, id)
	return s.saveLocked()
}

// SaveORB stores the opening range for its symbol and trading date. The
// range is write-once per day; a second capture is a bug upstream.
func (s *JSONStorage) SaveORB(orb *models.ORBData) error {
	if orb == nil || orb.Ticker == "" || orb.TradingDate == "" {
		return fmt.Errorf("opening range must carry ticker and trading date")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := dayKey(orb.Ticker, orb.TradingDate)
	if _, exists := s.data.ORBs[key]; exists {
		return fmt.Errorf("opening range already captured for %s on %s", orb.Ticker, orb.TradingDate)
	}
	dup := *orb
	s.data.ORBs[key] = &dup
	return s.saveLocked()
}

// GetORB returns a copy of the stored opening range, or ErrORBNotFound.
func (s *JSONStorage) GetORB(ticker, tradingDate string) (*models.ORBData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orb, ok := s.data.ORBs[dayKey(ticker, tradingDate)]
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrORBNotFound, ticker, tradingDate)
	}
	dup := *orb
	return &dup, nil
}

// RecordSignal appends the signal's type to the day ledger, rejecting a
// duplicate of the same type for the same symbol and date.
func (s *JSONStorage) RecordSignal(sig *models.ORBSignal) error {
	if sig == nil {
		return fmt.Errorf("nil signal")
	}
	if err := sig.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := dayKey(sig.Ticker, sig.TradingDate)
	for _, emitted := range s.data.Signals[key] {
		if emitted == sig.Type {
			return fmt.Errorf("duplicate %s signal for %s on %s", sig.Type, sig.Ticker, sig.TradingDate)
		}
	}
	s.data.Signals[key] = append(s.data.Signals[key], sig.Type)
	return s.saveLocked()
}

// SignalsEmitted returns the signal types already recorded for the symbol
// and trading date.
func (s *JSONStorage) SignalsEmitted(ticker, tradingDate string) []models.SignalType {
	s.mu.RLock()
	defer s.mu.RUnlock()

	emitted := s.data.Signals[dayKey(ticker, tradingDate)]
	out := make([]models.SignalType, len(emitted))
	copy(out, emitted)
	return out
}

// GetCompoundState returns a copy of the compound ledger, nil if never set.
func (s *JSONStorage) GetCompoundState() *models.CompoundState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Compound.Copy()
}

// SetCompoundState validates and stores a copy of the ledger.
func (s *JSONStorage) SetCompoundState(state *models.CompoundState) error {
	if state == nil {
		return fmt.Errorf("nil compound state")
	}
	if err := state.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Compound = state.Copy()
	return s.saveLocked()
}

// GetHistory returns copies of closed equity positions, oldest first.
func (s *JSONStorage) GetHistory() []models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Position, len(s.data.History))
	for i := range s.data.History {
		out[i] = *s.data.History[i].Copy()
	}
	return out
}

// GetOptionsHistory returns copies of closed options positions, oldest first.
func (s *JSONStorage) GetOptionsHistory() []models.OptionsPosition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.OptionsPosition, len(s.data.OptionsHistory))
	for i := range s.data.OptionsHistory {
		out[i] = *s.data.OptionsHistory[i].Copy()
	}
	return out
}

// GetStatistics returns a copy of the aggregate statistics.
func (s *JSONStorage) GetStatistics() *Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := *s.data.Statistics
	return &stats
}

// GetDailyPnL returns the realized P&L recorded for a YYYY-MM-DD date.
func (s *JSONStorage) GetDailyPnL(date string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.DailyPnL[date]
}
