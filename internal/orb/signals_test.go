package orb

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openrange-labs/daybreak/internal/models"
	"github.com/openrange-labs/daybreak/internal/storage"
)

const testDate = "2026-01-06"

func newTestEngine(t *testing.T) (*Engine, *storage.MockStorage) {
	t.Helper()
	store := storage.NewMockStorage()
	e := NewEngine(store, Config{}, zerolog.Nop())
	e.StartDay(testDate, sessionOpen)
	return e, store
}

// feed drives one symbol's quote stream minute by minute, maintaining the
// cumulative volume and day extremes a real feed would carry.
type feed struct {
	e       *Engine
	sym     string
	cum     int64
	dayOpen float64
	hi, lo  float64
}

func newFeed(e *Engine, sym string) *feed { return &feed{e: e, sym: sym} }

func (f *feed) at(ts time.Time, price float64, vol int64) {
	f.cum += vol
	if f.dayOpen == 0 {
		f.dayOpen = price
	}
	if f.hi == 0 || price > f.hi {
		f.hi = price
	}
	if f.lo == 0 || price < f.lo {
		f.lo = price
	}
	f.e.Observe(models.Quote{
		Symbol: f.sym, Last: price,
		Bid: price - 0.02, Ask: price + 0.02,
		Volume: f.cum, AvgVolume: 50_000_000,
		Open: f.dayOpen, High: f.hi, Low: f.lo,
		Timestamp: ts,
	})
}

func (f *feed) minute(i int, price float64, vol int64) {
	f.at(sessionOpen.Add(time.Duration(i)*time.Minute+30*time.Second), price, vol)
}

// rangeBound walks the opening range between the given extremes, touching
// both, across minutes 0-15.
func (f *feed) rangeBound(high, low float64) {
	prices := []float64{
		(high + low) / 2, low + 0.8*(high-low), high, low + 0.4*(high-low),
		low, low + 0.2*(high-low), low + 0.5*(high-low), low + 0.3*(high-low),
		low + 0.6*(high-low), low + 0.4*(high-low), low + 0.7*(high-low),
		low + 0.5*(high-low), low + 0.6*(high-low), low + 0.5*(high-low),
		low + 0.55*(high-low), low + 0.5*(high-low),
	}
	for i, p := range prices {
		f.minute(i, p, 100_000)
	}
}

func TestSOBullishCleanPath(t *testing.T) {
	e, _ := newTestEngine(t)
	f := newFeed(e, "AAPL")

	f.rangeBound(185.00, 184.20)
	for i := 16; i < 30; i++ {
		f.minute(i, 184.90, 150_000)
	}
	// Confirmation candle [open+30m, open+45m): opens 185.10, closes 185.60.
	for i := 30; i < 45; i++ {
		f.minute(i, 185.10+float64(i-30)*(0.50/14), 150_000)
	}

	orb, ok := e.ORBFor("AAPL")
	if !ok {
		t.Fatal("opening range not captured")
	}
	if orb.High != 185.00 || orb.Low != 184.20 {
		t.Fatalf("orb = %.2f/%.2f, want 185.00/184.20", orb.High, orb.Low)
	}

	emitTime := sessionOpen.Add(45*time.Minute + 5*time.Second)
	f.at(emitTime, 185.75, 150_000)
	sigs := e.Evaluate("AAPL", emitTime)

	if len(sigs) != 1 {
		t.Fatalf("signals = %d, want 1", len(sigs))
	}
	sig := sigs[0]
	if sig.Type != models.SignalSO || sig.Side != models.SideLong {
		t.Errorf("signal = %s/%s, want SO/long", sig.Type, sig.Side)
	}
	if sig.PriceAtEmit != 185.75 {
		t.Errorf("price at emit = %.2f, want 185.75", sig.PriceAtEmit)
	}
	if sig.Confidence < 0 || sig.Confidence > 1 {
		t.Errorf("confidence %.4f outside [0,1]", sig.Confidence)
	}
	if sig.Eligibility < 0.60 {
		t.Errorf("clean breakout eligibility = %.2f, want >= 0.60", sig.Eligibility)
	}

	// Once per day, no matter how many later ticks qualify.
	later := emitTime.Add(time.Minute)
	f.at(later, 186.10, 150_000)
	if again := e.Evaluate("AAPL", later); len(again) != 0 {
		t.Fatalf("second evaluation emitted %d signals, want 0", len(again))
	}
}

func TestSOBearish(t *testing.T) {
	e, _ := newTestEngine(t)
	f := newFeed(e, "TSLA")

	f.rangeBound(185.00, 184.20)
	for i := 16; i < 30; i++ {
		f.minute(i, 184.40, 150_000)
	}
	// Red confirmation candle closing below the range low.
	for i := 30; i < 45; i++ {
		f.minute(i, 184.10-float64(i-30)*(0.20/14), 150_000)
	}

	emitTime := sessionOpen.Add(45*time.Minute + 5*time.Second)
	f.at(emitTime, 183.80, 150_000)
	sigs := e.Evaluate("TSLA", emitTime)

	if len(sigs) != 1 {
		t.Fatalf("signals = %d, want 1", len(sigs))
	}
	if sigs[0].Side != models.SideShort {
		t.Errorf("side = %s, want short", sigs[0].Side)
	}
}

func TestSORejectsRedConfirmationCandle(t *testing.T) {
	e, _ := newTestEngine(t)
	f := newFeed(e, "NVDA")

	f.rangeBound(185.00, 184.20)
	for i := 16; i < 30; i++ {
		f.minute(i, 185.20, 150_000)
	}
	// Candle holds above the range but closes under its own open.
	for i := 30; i < 45; i++ {
		f.minute(i, 185.60-float64(i-30)*(0.40/14), 150_000)
	}

	emitTime := sessionOpen.Add(45*time.Minute + 5*time.Second)
	f.at(emitTime, 185.75, 150_000)
	if sigs := e.Evaluate("NVDA", emitTime); len(sigs) != 0 {
		t.Fatalf("red confirmation candle emitted %d signals, want 0", len(sigs))
	}
}

func TestSOWindowForfeitedWhenMissed(t *testing.T) {
	e, _ := newTestEngine(t)
	f := newFeed(e, "AMD")

	f.rangeBound(185.00, 184.20)
	for i := 16; i < 45; i++ {
		f.minute(i, 185.10+float64(i-16)*0.02, 150_000)
	}

	// First evaluation arrives well past the grace window.
	lateTime := sessionOpen.Add(56 * time.Minute)
	f.at(lateTime, 186.50, 150_000)
	if sigs := e.Evaluate("AMD", lateTime); len(sigs) != 0 {
		t.Fatalf("missed window emitted %d signals, want 0", len(sigs))
	}
}

func TestORRVReversal(t *testing.T) {
	e, _ := newTestEngine(t)
	f := newFeed(e, "QQQ")

	f.rangeBound(502.00, 500.00)
	// Washout: price loses the range low.
	for i := 16; i < 35; i++ {
		f.minute(i, 500.0-float64(i-15)*0.12, 150_000)
	}
	// Recovery back toward the range high.
	for i := 35; i < 50; i++ {
		f.minute(i, 497.7+float64(i-34)*0.28, 150_000)
	}

	// Ticks before the last trades back above the high emit nothing.
	for i := 45; i < 50; i++ {
		ts := sessionOpen.Add(time.Duration(i)*time.Minute + 40*time.Second)
		if sigs := e.Evaluate("QQQ", ts); len(sigs) != 0 {
			t.Fatalf("minute %d emitted %d signals before reclaim", i, len(sigs))
		}
	}

	reclaimTime := sessionOpen.Add(50*time.Minute + 30*time.Second)
	f.at(reclaimTime, 502.40, 150_000)
	sigs := e.Evaluate("QQQ", reclaimTime)
	if len(sigs) != 1 {
		t.Fatalf("signals = %d, want 1", len(sigs))
	}
	sig := sigs[0]
	if sig.Type != models.SignalORR || sig.Side != models.SideLong {
		t.Errorf("signal = %s/%s, want ORR/long", sig.Type, sig.Side)
	}

	// Still the only one even if the pattern repeats.
	again := reclaimTime.Add(time.Minute)
	f.at(again, 503.00, 150_000)
	if sigs := e.Evaluate("QQQ", again); len(sigs) != 0 {
		t.Fatalf("duplicate reversal emitted %d signals", len(sigs))
	}
}

func TestORRRequiresPriorWashout(t *testing.T) {
	e, _ := newTestEngine(t)
	f := newFeed(e, "SPY")

	f.rangeBound(502.00, 500.00)
	// Price never loses the range low; it grinds straight up through the
	// high. A standard breakout may fire, a reversal must not.
	for i := 16; i < 45; i++ {
		f.minute(i, 501.0+float64(i-16)*0.08, 150_000)
	}
	ts := sessionOpen.Add(46 * time.Minute)
	f.at(ts, 503.40, 150_000)
	for _, sig := range e.Evaluate("SPY", ts) {
		if sig.Type == models.SignalORR {
			t.Fatal("reversal emitted without a washout below the range")
		}
	}
}

func TestLedgerHydrationBlocksReplay(t *testing.T) {
	store := storage.NewMockStorage()

	// A previous process already emitted the SO for this symbol and date.
	prior := &models.ORBSignal{
		Ticker: "AAPL", TradingDate: testDate,
		Type: models.SignalSO, Side: models.SideLong,
		PriceAtEmit: 185.75, Confidence: 0.8,
		EmittedAt: sessionOpen.Add(45 * time.Minute),
		ORB:       testORB(),
	}
	if err := store.RecordSignal(prior); err != nil {
		t.Fatalf("seeding ledger: %v", err)
	}

	e := NewEngine(store, Config{}, zerolog.Nop())
	e.StartDay(testDate, sessionOpen)
	f := newFeed(e, "AAPL")

	f.rangeBound(185.00, 184.20)
	for i := 16; i < 45; i++ {
		f.minute(i, 185.10+float64(i-16)*0.03, 150_000)
	}
	emitTime := sessionOpen.Add(45*time.Minute + 5*time.Second)
	f.at(emitTime, 185.95, 150_000)
	if sigs := e.Evaluate("AAPL", emitTime); len(sigs) != 0 {
		t.Fatalf("restarted engine re-emitted %d signals", len(sigs))
	}
}

func TestEvaluateWithoutORB(t *testing.T) {
	e, _ := newTestEngine(t)
	f := newFeed(e, "AAPL")
	f.minute(0, 184.50, 100_000)
	if sigs := e.Evaluate("AAPL", sessionOpen.Add(45*time.Minute)); sigs != nil {
		t.Fatalf("evaluation without an opening range emitted %v", sigs)
	}
}
