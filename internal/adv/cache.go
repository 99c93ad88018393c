// Package adv maintains the average-daily-dollar-volume table behind the
// slip guard. Position notional per symbol is capped at a small fraction
// of ADV so fills do not move thin names.
//
// The broker has no historical bars endpoint, so ADV comes from the
// published average daily volume on each quote times last price. The
// table refreshes once per morning and persists to disk so limits
// survive restarts.
package adv

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openrange-labs/daybreak/internal/models"
	"github.com/openrange-labs/daybreak/internal/util"
)

// Sizing modes. Conservative is the default for live trading.
type Mode string

const (
	ModeConservative Mode = "conservative"
	ModeAggressive   Mode = "aggressive"
)

const (
	conservativePct = 0.005
	aggressivePct   = 0.01

	staleAfter      = 24 * time.Hour
	quoteBatchSize  = 25 // broker cap on symbols per quote request
	refreshParallel = 4
)

// QuoteSource supplies the batched quotes ADV is derived from. The live
// adapter and the simulator both satisfy it.
type QuoteSource interface {
	GetQuotes(ctx context.Context, symbols []string) ([]models.Quote, error)
}

// Cache holds the ADV table. All methods are safe for concurrent use.
type Cache struct {
	mu          sync.RWMutex
	table       map[string]float64
	lastRefresh time.Time
	path        string
	enabled     bool
	logger      zerolog.Logger
	now         func() time.Time
}

// snapshot is the on-disk layout.
type snapshot struct {
	ADV         map[string]float64 `json:"adv"`
	LastRefresh time.Time          `json:"last_refresh"`
}

// New builds a cache. When enabled is false every limit is +Inf and
// Refresh is a no-op.
func New(path string, enabled bool, logger zerolog.Logger) *Cache {
	return &Cache{
		table:   make(map[string]float64),
		path:    path,
		enabled: enabled,
		logger:  logger,
		now:     time.Now,
	}
}

// Load restores the last persisted table so limits survive restarts that
// happen before the morning refresh.
func (c *Cache) Load() error {
	if !c.enabled || c.path == "" {
		return nil
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("adv: read cache: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("adv: parse cache: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if snap.ADV != nil {
		c.table = snap.ADV
	}
	c.lastRefresh = snap.LastRefresh
	c.logger.Info().Int("symbols", len(c.table)).
		Time("last_refresh", c.lastRefresh).Msg("loaded ADV cache from disk")
	return nil
}

// Refresh recomputes ADV for every symbol from batched quotes and
// persists the result. Symbols that fail to fetch keep their previous
// value; the refresh itself only fails when nothing could be computed.
func (c *Cache) Refresh(ctx context.Context, quotes QuoteSource, symbols []string) error {
	if !c.enabled {
		return nil
	}
	if len(symbols) == 0 {
		return fmt.Errorf("adv: no symbols to refresh")
	}

	fresh := make(map[string]float64, len(symbols))
	var freshMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshParallel)
	for _, batch := range util.Chunk(symbols, quoteBatchSize) {
		batch := batch
		g.Go(func() error {
			qs, err := quotes.GetQuotes(gctx, batch)
			if err != nil {
				c.logger.Warn().Strs("symbols", batch).Err(err).
					Msg("ADV quote batch failed, keeping stale values")
				return nil
			}
			freshMu.Lock()
			for _, q := range qs {
				if adv := dollarVolume(q); adv > 0 {
					fresh[q.Symbol] = adv
				}
			}
			freshMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if len(fresh) == 0 {
		return fmt.Errorf("adv: refresh produced no data for %d symbols", len(symbols))
	}

	c.mu.Lock()
	for sym, v := range fresh {
		c.table[sym] = v
	}
	c.lastRefresh = c.now()
	c.mu.Unlock()

	c.logger.Info().Int("refreshed", len(fresh)).Int("requested", len(symbols)).
		Msg("ADV cache refreshed")
	return c.persist()
}

// dollarVolume converts one quote to average daily dollar volume.
func dollarVolume(q models.Quote) float64 {
	price := q.Last
	if price <= 0 {
		price = q.Mid()
	}
	if price <= 0 || q.AvgVolume <= 0 {
		return 0
	}
	return price * float64(q.AvgVolume)
}

// Limit returns the max position notional for the symbol, +Inf when the
// guard is disabled or the symbol is unknown.
func (c *Cache) Limit(symbol string, mode Mode) float64 {
	if !c.enabled {
		return math.Inf(1)
	}
	c.mu.RLock()
	adv, ok := c.table[symbol]
	c.mu.RUnlock()
	if !ok || adv <= 0 {
		return math.Inf(1)
	}
	pct := conservativePct
	if mode == ModeAggressive {
		pct = aggressivePct
	}
	return adv * pct
}

// ADV returns the raw average dollar volume and whether it is known.
func (c *Cache) ADV(symbol string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.table[symbol]
	return v, ok
}

// Stale reports whether the table has not been refreshed in 24h.
// A stale table still serves limits; callers decide whether to log.
func (c *Cache) Stale() bool {
	if !c.enabled {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now().Sub(c.lastRefresh) > staleAfter
}

// Symbols lists cached tickers sorted for stable output.
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.table))
	for s := range c.table {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (c *Cache) persist() error {
	if c.path == "" {
		return nil
	}
	c.mu.RLock()
	snap := snapshot{
		ADV:         make(map[string]float64, len(c.table)),
		LastRefresh: c.lastRefresh,
	}
	for k, v := range c.table {
		snap.ADV[k] = v
	}
	c.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("adv: marshal cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("adv: mkdir: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("adv: write cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("adv: rename cache: %w", err)
	}
	return nil
}
