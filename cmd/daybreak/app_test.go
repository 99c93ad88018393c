package main

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openrange-labs/daybreak/internal/models"
	"github.com/openrange-labs/daybreak/internal/odte"
)

func newDemoApp(t *testing.T) *app {
	t.Helper()
	cfg := loadTestConfig(t)
	a, err := newApp(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	return a
}

func TestNewApp_DemoWiring(t *testing.T) {
	a := newDemoApp(t)

	if a.feed == nil || a.session != nil {
		t.Error("demo mode should wire the synthetic feed and no OAuth session")
	}
	if a.brk == nil || a.orbEng == nil || a.execMgr == nil || a.exitEng == nil {
		t.Error("equity pipeline not fully wired")
	}
	if a.odteMgr != nil {
		t.Error("options pipeline should stay unwired while odte is disabled")
	}
	if len(a.watchlist) != 2 {
		t.Errorf("watchlist rows = %d, want 2", len(a.watchlist))
	}
}

func TestReconcile_ClosesStalePositions(t *testing.T) {
	a := newDemoApp(t)

	// A persisted position the (fresh) simulator broker does not hold.
	pos := models.NewPosition("stale-1", "TQQQ", models.SideLong,
		models.SignalSO, models.ModeExplosive, 40, 51.20, time.Now().Add(-time.Hour))
	if err := a.store.UpsertPosition(pos); err != nil {
		t.Fatalf("UpsertPosition: %v", err)
	}

	if err := a.reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if open := a.store.GetOpenPositions(); len(open) != 0 {
		t.Errorf("stale position should be marked closed, %d still open", len(open))
	}
	if hist := a.store.GetHistory(); len(hist) != 1 {
		t.Errorf("closed position should land in history, got %d entries", len(hist))
	}
}

func TestSessionTickers_DedupesBenchmark(t *testing.T) {
	a := newDemoApp(t)

	tickers := a.sessionTickers()
	want := map[string]int{"SPY": 0, "TQQQ": 0}
	for _, tk := range tickers {
		want[tk]++
	}
	if want["SPY"] != 1 || want["TQQQ"] != 1 || len(tickers) != 2 {
		t.Errorf("sessionTickers = %v", tickers)
	}
}

func TestStampRedDay(t *testing.T) {
	a := newDemoApp(t)
	open := time.Date(2026, 1, 6, 9, 30, 0, 0, a.clock.Location())
	a.orbEng.StartDay("2026-01-06", open)

	if a.stampRedDay() {
		t.Error("no benchmark quote yet, stamp should report not-ready")
	}

	a.orbEng.Observe(models.Quote{
		Symbol: "SPY", Last: 490, PrevClose: 500,
		Bid: 489.99, Ask: 490.01, Timestamp: open.Add(16 * time.Minute),
	})
	if !a.stampRedDay() {
		t.Fatal("stamp should succeed once a benchmark quote exists")
	}
	if !a.orbEng.RedDay() {
		t.Error("a 2%% benchmark drop should flag a red day")
	}

	a.orbEng.Observe(models.Quote{
		Symbol: "SPY", Last: 499.5, PrevClose: 500,
		Bid: 499.49, Ask: 499.51, Timestamp: open.Add(17 * time.Minute),
	})
	a.stampRedDay()
	if a.orbEng.RedDay() {
		t.Error("a 0.1%% dip should not flag a red day")
	}
}

func TestOptionCandidates_WhitelistOnly(t *testing.T) {
	a := newDemoApp(t)
	a.cfg.ODTE.Symbols = []string{"SPY"}
	a.odteMgr = odte.NewManager(odte.DefaultConfig(), nil, nil, nil, nil, nil, zerolog.Nop())

	open := time.Date(2026, 1, 6, 9, 30, 0, 0, a.clock.Location())
	a.orbEng.StartDay("2026-01-06", open)
	now := open.Add(46 * time.Minute)
	a.clock.SetNowFunc(func() time.Time { return now })

	a.orbEng.Observe(models.Quote{
		Symbol: "SPY", Last: 500.25, PrevClose: 500,
		Bid: 500.24, Ask: 500.26, Volume: 10_000_000, Timestamp: now,
	})

	batch := []*models.ORBSignal{
		{Ticker: "SPY", Side: models.SideLong},
		{Ticker: "TQQQ", Side: models.SideLong},
	}
	cands := a.optionCandidates(batch)
	if len(cands) != 1 {
		t.Fatalf("candidates = %d, want 1 (whitelist filter)", len(cands))
	}
	if cands[0].Signal.Ticker != "SPY" || cands[0].Quote.Last != 500.25 {
		t.Errorf("candidate carries wrong tape context: %+v", cands[0])
	}
}

func TestTradeDay_SkipsNonTradingDay(t *testing.T) {
	a := newDemoApp(t)
	// Saturday.
	a.clock.SetNowFunc(func() time.Time {
		return time.Date(2026, 1, 3, 12, 0, 0, 0, a.clock.Location())
	})
	if err := a.tradeDay(context.Background()); err != nil {
		t.Errorf("weekend tradeDay should return nil, got %v", err)
	}
}

func TestTradeDay_SkipsAfterClose(t *testing.T) {
	a := newDemoApp(t)
	a.clock.SetNowFunc(func() time.Time {
		return time.Date(2026, 1, 6, 17, 0, 0, 0, a.clock.Location())
	})
	if err := a.tradeDay(context.Background()); err != nil {
		t.Errorf("post-close tradeDay should return nil, got %v", err)
	}
}
