package odte

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"
)

// VolSample is one session's realized volatility for one symbol: the
// five-minute ATR as a percent of price at evaluation time. The percentile
// gate needs history, not precision, so one sample per day is enough.
type VolSample struct {
	Date   string  `json:"date"` // YYYY-MM-DD exchange time
	VolPct float64 `json:"vol_pct"`
}

const (
	// floorPercentile is the minimum percentile of trailing realized vol
	// the tape must print before a convex structure is worth its premium.
	floorPercentile = 30.0
	// leveragedFloorDiscount relaxes the floor for leveraged products,
	// whose raw vol already runs a multiple of the index.
	leveragedFloorDiscount = 10.0
	// extremePercentile flags a tape too hot to trade at all.
	extremePercentile = 95.0
	// minVolSamples is the shortest history the percentile math accepts.
	// Below it both gates pass open rather than blocking a young deploy.
	minVolSamples = 5
	// defaultVolLookback bounds retained samples per symbol.
	defaultVolLookback = 30
)

// VolTracker records realized-volatility samples and answers percentile
// questions over the trailing history. Safe for concurrent use; the table
// persists to its own JSON file so the gates survive restarts.
type VolTracker struct {
	mu       sync.RWMutex
	history  map[string][]VolSample // per symbol, oldest first
	path     string
	lookback int
	logger   zerolog.Logger
}

type volSnapshot struct {
	History   map[string][]VolSample `json:"realized_vol"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// NewVolTracker builds a tracker persisting to path. lookbackDays <= 0
// falls back to the default retention.
func NewVolTracker(path string, lookbackDays int, logger zerolog.Logger) *VolTracker {
	if lookbackDays <= 0 {
		lookbackDays = defaultVolLookback
	}
	return &VolTracker{
		history:  make(map[string][]VolSample),
		path:     path,
		lookback: lookbackDays,
		logger:   logger.With().Str("component", "odte_vol").Logger(),
	}
}

// Load restores persisted history. A missing file is a fresh deploy, not
// an error.
func (t *VolTracker) Load() error {
	if t.path == "" {
		return nil
	}
	data, err := os.ReadFile(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("vol tracker: read history: %w", err)
	}
	var snap volSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("vol tracker: parse history: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if snap.History != nil {
		t.history = snap.History
	}
	t.logger.Info().Int("symbols", len(t.history)).Msg("loaded realized-vol history")
	return nil
}

// Record upserts the day's sample for a symbol and persists. Re-recording
// the same date replaces the value, so repeated evaluations within one
// session stay one sample.
func (t *VolTracker) Record(symbol, date string, volPct float64) error {
	if symbol == "" || date == "" || volPct <= 0 {
		return nil
	}
	t.mu.Lock()
	hist := t.history[symbol]
	replaced := false
	for i := range hist {
		if hist[i].Date == date {
			hist[i].VolPct = volPct
			replaced = true
			break
		}
	}
	if !replaced {
		hist = append(hist, VolSample{Date: date, VolPct: volPct})
	}
	if excess := len(hist) - t.lookback; excess > 0 {
		hist = append([]VolSample(nil), hist[excess:]...)
	}
	t.history[symbol] = hist
	t.mu.Unlock()
	return t.persist()
}

// Percentile returns the volatility value at the given percentile of the
// symbol's trailing history, and false while the history is too short.
func (t *VolTracker) Percentile(symbol string, pct float64) (float64, bool) {
	t.mu.RLock()
	hist := t.history[symbol]
	vals := make([]float64, 0, len(hist))
	for _, s := range hist {
		vals = append(vals, s.VolPct)
	}
	t.mu.RUnlock()

	if len(vals) < minVolSamples {
		return 0, false
	}
	sort.Float64s(vals)
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return stat.Quantile(pct/100, stat.Empirical, vals, nil), true
}

// FloorMet reports whether the current realized vol clears the percentile
// floor. Leveraged products clear a floor ten points lower. Insufficient
// history passes open.
func (t *VolTracker) FloorMet(symbol string, volPct float64, leveraged bool) bool {
	floor := floorPercentile
	if leveraged {
		floor -= leveragedFloorDiscount
	}
	threshold, ok := t.Percentile(symbol, floor)
	if !ok {
		return true
	}
	return volPct >= threshold
}

// Extreme reports whether the current realized vol sits beyond the
// extreme percentile of the symbol's history.
func (t *VolTracker) Extreme(symbol string, volPct float64) bool {
	threshold, ok := t.Percentile(symbol, extremePercentile)
	if !ok {
		return false
	}
	return volPct > threshold
}

// Samples returns a copy of the retained history for one symbol.
func (t *VolTracker) Samples(symbol string) []VolSample {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]VolSample(nil), t.history[symbol]...)
}

func (t *VolTracker) persist() error {
	if t.path == "" {
		return nil
	}
	t.mu.RLock()
	snap := volSnapshot{
		History:   make(map[string][]VolSample, len(t.history)),
		UpdatedAt: time.Now().UTC(),
	}
	for sym, hist := range t.history {
		snap.History[sym] = append([]VolSample(nil), hist...)
	}
	t.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("vol tracker: marshal history: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("vol tracker: mkdir: %w", err)
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("vol tracker: write history: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("vol tracker: replace history: %w", err)
	}
	return nil
}
