package main

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openrange-labs/daybreak/internal/indicators"
	"github.com/openrange-labs/daybreak/internal/models"
	"github.com/openrange-labs/daybreak/internal/odte"
	"github.com/openrange-labs/daybreak/internal/orb"
	"github.com/openrange-labs/daybreak/internal/rank"
	"github.com/openrange-labs/daybreak/internal/util"
)

// quotePoll is the market-data polling cadence during the session. The
// one-minute bar builder needs several samples per bar to place the
// extremes.
const quotePoll = 15 * time.Second

// quoteBatch is the broker's per-request symbol cap.
const quoteBatch = 25

// redDayDropPct flags the session risk-off when the benchmark trades this
// far below its previous close at opening-range completion.
const redDayDropPct = 0.5

// settleWait bounds how long the day loop waits after the bell for the
// exit workers to finish settling closes.
const settleWait = 2 * time.Minute

// tradeDay runs one full trading session: wait for the open, poll the
// tape, emit and execute signals, then settle the books after the bell.
func (a *app) tradeDay(ctx context.Context) error {
	now := a.clock.Now()
	if !a.clock.IsTradingDay(now) {
		if name, ok := a.clock.IsSkipDay(now); ok {
			a.logger.Info().Str("reason", name).Msg("low-volume skip day, nothing to do")
		} else if name, ok := a.clock.HolidayName(now); ok {
			a.logger.Info().Str("holiday", name).Msg("market closed today")
		} else {
			a.logger.Info().Time("next_open", a.clock.NextOpen(now)).Msg("not a trading day")
		}
		return nil
	}

	open := a.clock.OpenTime(now)
	closeAt := a.clock.CloseTime(now)
	if !now.Before(closeAt) {
		a.logger.Info().Time("next_open", a.clock.NextOpen(now)).Msg("session already over")
		return nil
	}

	if now.Before(open) {
		a.logger.Info().Time("open", open).Msg("waiting for the open")
		if err := sleepUntil(ctx, open.Sub(now)); err != nil {
			return err
		}
	}

	tradingDate := a.clock.TradingDate(open)
	a.startDay(tradingDate, open)

	tickers := a.sessionTickers()
	redStamped := false

	ticker := time.NewTicker(quotePoll)
	defer ticker.Stop()
	for {
		now = a.clock.Now()
		if !now.Before(closeAt) {
			break
		}

		quotes := a.fetchQuotes(ctx, tickers)
		for _, q := range quotes {
			a.orbEng.Observe(q)
		}
		if !redStamped && now.After(open.Add(orb.OpeningRange)) {
			redStamped = a.stampRedDay()
		}

		var batch []*models.ORBSignal
		for _, sym := range a.watchlist {
			batch = append(batch, a.orbEng.Evaluate(sym.Ticker, now)...)
		}
		if len(batch) > 0 {
			a.handleSignals(ctx, batch)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	return a.endDay(ctx, tradingDate)
}

// startDay opens the session on every per-day component.
func (a *app) startDay(tradingDate string, open time.Time) {
	a.orbEng.StartDay(tradingDate, open)
	a.books.StartDay(tradingDate)
	a.execMgr.StartDay()
	if a.odteMgr != nil {
		a.odteMgr.StartSession(a.books.Total())
	}
	a.logger.Info().Str("trading_date", tradingDate).
		Time("open", open).Time("close", a.clock.CloseTime(open)).
		Bool("early_close", a.clock.IsEarlyClose(open)).
		Int("symbols", len(a.watchlist)).
		Msg("trading day started")
}

// sessionTickers is the full polling universe: the watchlist, the
// benchmark, and the options underlyings, deduplicated and sorted.
func (a *app) sessionTickers() []string {
	seen := map[string]bool{"SPY": true}
	for _, s := range a.watchlist {
		seen[s.Ticker] = true
	}
	if a.odteMgr != nil {
		for _, t := range a.cfg.ODTE.Symbols {
			seen[t] = true
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// fetchQuotes pulls the universe in broker-sized chunks with bounded
// parallelism. A failed chunk drops its symbols for this tick only.
func (a *app) fetchQuotes(ctx context.Context, tickers []string) []models.Quote {
	var (
		mu  sync.Mutex
		out []models.Quote
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Broker.MaxParallel)
	for _, chunk := range util.Chunk(tickers, quoteBatch) {
		chunk := chunk
		g.Go(func() error {
			quotes, err := a.brk.GetQuotes(gctx, chunk)
			if err != nil {
				a.logger.Warn().Err(err).Strs("symbols", chunk).Msg("quote fetch failed")
				return nil
			}
			mu.Lock()
			out = append(out, quotes...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// stampRedDay sets the session risk flag from the benchmark's gap against
// its previous close. Returns false until a usable benchmark quote exists.
func (a *app) stampRedDay() bool {
	q, ok := a.orbEng.LastQuote("SPY")
	if !ok || q.PrevClose <= 0 || q.Last <= 0 {
		return false
	}
	red := (q.PrevClose-q.Last)/q.PrevClose*100 >= redDayDropPct
	a.orbEng.SetRedDay(red)
	if red {
		a.logger.Warn().Float64("benchmark_last", q.Last).
			Float64("prev_close", q.PrevClose).
			Msg("red day, options pipeline risk-off")
	}
	return true
}

// handleSignals ranks and sizes one batch of fresh signals, executes the
// equity book, and forwards whitelisted signals to the options pipeline.
func (a *app) handleSignals(ctx context.Context, batch []*models.ORBSignal) {
	ranked := rank.Allocate(rank.Rank(batch), a.books.Total(), rank.Config{
		TradingCapitalPct: a.cfg.Trading.TradingCapitalPct,
		MaxPositionPct:    a.cfg.Trading.MaxPositionPct,
		MaxConcurrent:     a.cfg.Trading.MaxConcurrent,
	})

	opened, rejections, err := a.execMgr.ExecuteRanked(ctx, ranked)
	if err != nil {
		a.logger.Error().Err(err).Msg("execution wave failed")
	}
	for _, r := range rejections {
		a.logger.Info().Str("ticker", r.Ticker).Str("stage", r.Stage).
			Str("reason", r.Reason).Msg("signal skipped")
	}
	a.logger.Info().Int("signals", len(batch)).Int("opened", opened).
		Int("rejected", len(rejections)).Msg("execution wave done")

	if a.odteMgr == nil {
		return
	}
	cands := a.optionCandidates(batch)
	if len(cands) == 0 {
		return
	}
	placed, optRejects, err := a.odteMgr.HandleCandidates(ctx, cands)
	if err != nil {
		a.logger.Error().Err(err).Msg("options wave failed")
		return
	}
	for _, r := range optRejects {
		a.logger.Info().Str("ticker", r.Ticker).Str("stage", r.Stage).
			Str("reason", r.Reason).Msg("options candidate skipped")
	}
	if placed > 0 {
		a.logger.Info().Int("placed", placed).Msg("options wave done")
	}
}

// optionCandidates builds convex candidates for signals on the options
// whitelist, attaching the tape context the eligibility gates read.
func (a *app) optionCandidates(batch []*models.ORBSignal) []odte.Candidate {
	whitelist := make(map[string]bool, len(a.cfg.ODTE.Symbols))
	for _, t := range a.cfg.ODTE.Symbols {
		whitelist[t] = true
	}

	now := a.clock.Now()
	var cands []odte.Candidate
	for _, sig := range batch {
		if !whitelist[sig.Ticker] {
			continue
		}
		q, ok := a.orbEng.LastQuote(sig.Ticker)
		if !ok {
			continue
		}
		bars := a.orbEng.SessionBars(sig.Ticker, now)
		var barVolume float64
		if len(bars) > 0 {
			barVolume = float64(bars[len(bars)-1].Volume)
		}
		cands = append(cands, odte.Candidate{
			Signal:    sig,
			Quote:     q,
			BarVolume: barVolume,
			ATR5:      indicators.ATR(orb.Resample(bars, 5*time.Minute)),
		})
	}
	return cands
}

// endDay settles the session: wait for the exit workers to flatten, record
// realized-vol samples, and roll the compound ledger.
func (a *app) endDay(ctx context.Context, tradingDate string) error {
	a.logger.Info().Msg("session over, settling")

	deadline := time.Now().Add(settleWait)
	for time.Now().Before(deadline) {
		open := a.exitEng.OpenCount()
		if a.odteExit != nil {
			open += a.odteExit.OpenCount()
		}
		if open == 0 {
			break
		}
		a.logger.Info().Int("open", open).Msg("waiting for closes to settle")
		if err := sleepUntil(ctx, 5*time.Second); err != nil {
			return err
		}
	}

	a.recordVolSamples(tradingDate)

	if err := a.books.EndDay(); err != nil {
		a.logger.Error().Err(err).Msg("compound day roll failed")
	}
	snap := a.books.Snapshot()
	a.logger.Info().Str("trading_date", tradingDate).
		Float64("total_account", snap.TotalAccount).
		Float64("day_pnl", a.store.GetDailyPnL(tradingDate)).
		Msg("trading day closed")
	return nil
}

// recordVolSamples appends today's realized-volatility figure for every
// options underlying, feeding tomorrow's eligibility percentiles.
func (a *app) recordVolSamples(tradingDate string) {
	if a.vol == nil {
		return
	}
	now := a.clock.Now()
	for _, sym := range a.cfg.ODTE.Symbols {
		q, ok := a.orbEng.LastQuote(sym)
		if !ok || q.Last <= 0 {
			continue
		}
		atr5 := indicators.ATR(orb.Resample(a.orbEng.SessionBars(sym, now), 5*time.Minute))
		if math.IsNaN(atr5) || atr5 <= 0 {
			continue
		}
		if err := a.vol.Record(sym, tradingDate, atr5/q.Last*100); err != nil {
			a.logger.Warn().Err(err).Str("symbol", sym).Msg("recording realized vol")
		}
	}
}

// sleepUntil waits d or returns early on cancellation.
func sleepUntil(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
