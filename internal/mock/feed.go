// Package mock generates synthetic market data: random-walk quotes and
// plausible same-day option chains. It backs offline demo runs and smoke
// tests where no sandbox session is available; the simulator broker fills
// orders against it exactly as it would against live quotes.
package mock

import (
	"context"
	"crypto/rand"
	"hash/fnv"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openrange-labs/daybreak/internal/broker"
	"github.com/openrange-labs/daybreak/internal/models"
	"github.com/openrange-labs/daybreak/internal/util"
)

var (
	_ broker.QuoteProvider = (*Feed)(nil)
	_ broker.ChainProvider = (*Feed)(nil)
)

// Anchor prices for the usual watchlist; anything else derives a stable
// base from its name.
var basePrices = map[string]float64{
	"SPY": 560, "QQQ": 480, "IWM": 225, "DIA": 425,
	"TQQQ": 52, "SQQQ": 18, "SOXL": 28, "SOXS": 12,
	"UPRO": 68, "SPXU": 22, "TNA": 34, "TZA": 16,
	"SPX": 5600,
}

// draw returns a random float in [0, 1).
func draw() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// drawInt returns a random int64 in [0, n).
func drawInt(n int64) int64 {
	r, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return n / 2
	}
	return r.Int64()
}

type walker struct {
	open      float64
	price     float64
	high      float64
	low       float64
	prevClose float64
	volume    int64
	avgVolume int64
}

// Feed is a synthetic quote and chain source. Prices follow a bounded
// random walk per symbol; chains are built around the walked spot with
// exponential-decay pricing that keeps near strikes inside the usual
// liquidity gates.
type Feed struct {
	mu      sync.Mutex
	walkers map[string]*walker
	logger  zerolog.Logger
	now     func() time.Time
}

// NewFeed builds an empty feed; walkers spawn on first quote.
func NewFeed(logger zerolog.Logger) *Feed {
	return &Feed{
		walkers: make(map[string]*walker),
		logger:  logger.With().Str("component", "mock_feed").Logger(),
		now:     time.Now,
	}
}

// WithClock overrides the wall clock. Tests only.
func (f *Feed) WithClock(fn func() time.Time) *Feed {
	if fn != nil {
		f.now = fn
	}
	return f
}

// SetPrice pins a symbol's walker to an exact spot.
func (f *Feed) SetPrice(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := f.walker(symbol)
	w.price = price
	w.open = price
	w.high = price
	w.low = price
	w.prevClose = price
}

func baseFor(symbol string) float64 {
	if p, ok := basePrices[symbol]; ok {
		return p
	}
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return 20 + float64(h.Sum32()%380)
}

func avgVolumeFor(symbol string) int64 {
	h := fnv.New32a()
	h.Write([]byte(symbol + ":vol"))
	return 8_000_000 + int64(h.Sum32()%120_000_000)
}

// walker returns the symbol's walker, spawning one at its anchor price.
// Callers hold f.mu.
func (f *Feed) walker(symbol string) *walker {
	w, ok := f.walkers[symbol]
	if !ok {
		base := baseFor(symbol)
		open := base * (1 + (draw()-0.5)*0.004)
		w = &walker{
			open:      open,
			price:     open,
			high:      open,
			low:       open,
			prevClose: base,
			avgVolume: avgVolumeFor(symbol),
		}
		f.walkers[symbol] = w
	}
	return w
}

// step advances one walker by up to ±8 bp and accrues a minute or two of
// volume. Callers hold f.mu.
func (w *walker) step() {
	w.price += w.price * 0.0008 * (2*draw() - 1)
	floor := w.open * 0.90
	if w.price < floor {
		w.price = floor
	}
	if w.price > w.high {
		w.high = w.price
	}
	if w.price < w.low {
		w.low = w.price
	}
	perMinute := w.avgVolume / 390
	w.volume += perMinute + drawInt(perMinute+1)
}

// GetQuotes serves one stepped snapshot per symbol.
func (f *Feed) GetQuotes(_ context.Context, symbols []string) ([]models.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	out := make([]models.Quote, 0, len(symbols))
	for _, symbol := range symbols {
		w := f.walker(symbol)
		w.step()
		half := math.Max(0.01, w.price*0.0002)
		out = append(out, models.Quote{
			Symbol:    symbol,
			Last:      util.RoundToTick(w.price, 0.01),
			Bid:       util.RoundToTick(w.price-half, 0.01),
			Ask:       util.RoundToTick(w.price+half, 0.01),
			Volume:    w.volume,
			AvgVolume: w.avgVolume,
			Open:      util.RoundToTick(w.open, 0.01),
			High:      util.RoundToTick(w.high, 0.01),
			Low:       util.RoundToTick(w.low, 0.01),
			PrevClose: util.RoundToTick(w.prevClose, 0.01),
			Timestamp: now,
		})
	}
	return out, nil
}

// GetOptionChain builds a same-day chain around the walked spot.
func (f *Feed) GetOptionChain(_ context.Context, symbol string, expiry time.Time,
	nearStrikes int, withGreeks bool) (*broker.OptionChain, error) {
	f.mu.Lock()
	spot := f.walker(symbol).price
	f.mu.Unlock()

	if nearStrikes <= 0 {
		nearStrikes = 10
	}
	interval := strikeInterval(spot)
	atm := math.Round(spot/interval) * interval
	sigma := sigmaDollars(spot, f.remaining(expiry))

	chain := &broker.OptionChain{
		Underlying:  symbol,
		Expiry:      expiry,
		RetrievedAt: f.now(),
	}
	for i := -nearStrikes; i <= nearStrikes; i++ {
		strike := atm + float64(i)*interval
		if strike <= 0 {
			continue
		}
		chain.Calls = append(chain.Calls, contract(symbol, expiry, models.KindCall, strike, spot, sigma, withGreeks))
		chain.Puts = append(chain.Puts, contract(symbol, expiry, models.KindPut, strike, spot, sigma, withGreeks))
	}
	return chain, nil
}

func strikeInterval(spot float64) float64 {
	switch {
	case spot >= 1000:
		return 10
	case spot >= 100:
		return 1
	default:
		return 0.5
	}
}

// remaining returns the time left to the expiry-day close, floored at 30
// minutes so an after-hours call still prices sanely.
func (f *Feed) remaining(expiry time.Time) time.Duration {
	close := time.Date(expiry.Year(), expiry.Month(), expiry.Day(), 16, 0, 0, 0, expiry.Location())
	rem := close.Sub(f.now())
	if rem < 30*time.Minute {
		rem = 30 * time.Minute
	}
	return rem
}

// sigmaDollars is the expected dollar move over the remaining session,
// the scale every synthetic price and greek hangs off. Low-priced names
// (the leveraged set) run hot.
func sigmaDollars(spot float64, remaining time.Duration) float64 {
	iv := 0.17
	if spot < 80 {
		iv = 0.50
	}
	t := remaining.Hours() / (24 * 365)
	return spot * iv * math.Sqrt(t)
}

func contract(symbol string, expiry time.Time, kind models.OptionKind,
	strike, spot, sigma float64, withGreeks bool) models.OptionContract {
	distance := strike - spot
	intrinsic := math.Max(0, spot-strike)
	if kind == models.KindPut {
		distance = spot - strike
		intrinsic = math.Max(0, strike-spot)
	}
	otm := math.Max(0, distance)
	extrinsic := 0.4 * sigma * math.Exp(-otm/sigma)
	mid := intrinsic + extrinsic
	half := math.Max(0.01, mid*0.04)

	c := models.OptionContract{
		Symbol:       broker.OCCSymbol(symbol, expiry, kind, strike),
		Underlying:   symbol,
		Strike:       strike,
		Expiry:       expiry,
		Kind:         kind,
		Bid:          math.Max(0.01, util.RoundToTick(mid-half, 0.01)),
		Ask:          util.RoundToTick(mid+half, 0.01),
		Last:         util.RoundToTick(mid, 0.01),
		Volume:       60 + drawInt(4_000),
		OpenInterest: 150 + drawInt(20_000),
	}
	if withGreeks {
		delta := 0.5 * math.Exp(-otm/sigma)
		if distance < 0 {
			delta = 1 - 0.5*math.Exp(distance/sigma)
		}
		if kind == models.KindPut {
			delta = -delta
		}
		c.Delta = delta
		c.Gamma = 0.4 / sigma * math.Exp(-math.Abs(distance)/sigma)
		c.Theta = -extrinsic
		c.Vega = extrinsic * 0.3
		c.IV = sigma / math.Max(spot, 1)
	}
	return c
}
