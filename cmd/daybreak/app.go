package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/openrange-labs/daybreak/internal/adv"
	"github.com/openrange-labs/daybreak/internal/alerts"
	"github.com/openrange-labs/daybreak/internal/broker"
	"github.com/openrange-labs/daybreak/internal/compound"
	"github.com/openrange-labs/daybreak/internal/config"
	"github.com/openrange-labs/daybreak/internal/dashboard"
	"github.com/openrange-labs/daybreak/internal/exec"
	"github.com/openrange-labs/daybreak/internal/exit"
	"github.com/openrange-labs/daybreak/internal/market"
	"github.com/openrange-labs/daybreak/internal/mock"
	"github.com/openrange-labs/daybreak/internal/models"
	"github.com/openrange-labs/daybreak/internal/oauth"
	"github.com/openrange-labs/daybreak/internal/odte"
	"github.com/openrange-labs/daybreak/internal/orb"
	"github.com/openrange-labs/daybreak/internal/scheduler"
	"github.com/openrange-labs/daybreak/internal/storage"
)

// demoStartingCash seeds the simulator account when no ledger exists yet.
const demoStartingCash = 100_000

// volSampleRetention is how many daily realized-vol samples the options
// eligibility gate keeps per symbol.
const volSampleRetention = 30

// app owns every long-lived component of one trading process.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	notify alerts.Notifier

	clock   *market.Clock
	store   storage.Interface
	session *oauth.Session // nil in demo mode
	brk     broker.Broker
	feed    *mock.Feed // demo market data, nil in live mode

	advc  *adv.Cache
	books *compound.Engine

	orbEng  *orb.Engine
	execMgr *exec.Manager
	exitEng *exit.Engine

	vol      *odte.VolTracker
	odteMgr  *odte.Manager
	odteExit *odte.ExitEngine

	dash  *dashboard.Server
	sched *scheduler.Scheduler

	watchlist []models.Symbol
}

// runEngine starts the trading process for today.
func runEngine(ctx context.Context, cfg *config.Config, logger zerolog.Logger, args []string) int {
	confirmLive := false
	modes := make([]string, 0, 1)
	for _, arg := range args {
		if arg == "--confirm-live" || arg == "-confirm-live" {
			confirmLive = true
			continue
		}
		modes = append(modes, arg)
	}
	if len(modes) != 1 || (modes[0] != "demo" && modes[0] != "live") {
		fmt.Fprintln(os.Stderr, "usage: daybreak run [--confirm-live] {demo|live}")
		return 2
	}
	cfg.Environment.Mode = modes[0]

	if cfg.IsLive() {
		if !confirmLive && os.Getenv("DAYBREAK_CONFIRM_LIVE") != "yes" {
			return fail(logger, "live_not_confirmed",
				errors.New("live mode places real orders; pass --confirm-live or set DAYBREAK_CONFIRM_LIVE=yes"))
		}
		logger.Warn().Msg("LIVE trading mode, real money at risk")
	} else {
		logger.Info().Msg("demo mode, orders fill against the simulator")
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		return fail(logger, "startup_failed", err)
	}
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fail(logger, "engine_failed", err)
	}
	logger.Info().Msg("trading process stopped")
	return 0
}

// newApp wires every component. Nothing starts running here; Run owns the
// task lifecycle.
func newApp(cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	clock, err := market.NewClock(cfg.Schedule.Timezone,
		config.ClockMinutes(cfg.Schedule.PrepStart), config.ClockMinutes(cfg.Schedule.CooldownEnd))
	if err != nil {
		return nil, fmt.Errorf("building session clock: %w", err)
	}
	a.clock = clock

	store, err := storage.NewStorage(filepath.Join(cfg.Storage.Path, "state.json"))
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.store = store

	a.notify = alerts.NewLogNotifier(logger)

	a.watchlist, err = config.LoadWatchlist(cfg.Trading.WatchlistPath)
	if err != nil {
		return nil, fmt.Errorf("loading watchlist: %w", err)
	}

	if err := a.wireBroker(); err != nil {
		return nil, err
	}

	cachePath := cfg.SlipGuard.CachePath
	if cachePath == "" {
		cachePath = filepath.Join(cfg.Storage.Path, "adv_cache.json")
	}
	a.advc = adv.New(cachePath, cfg.SlipGuard.Enabled, logger)
	if err := a.advc.Load(); err != nil {
		logger.Warn().Err(err).Msg("adv cache load failed, starting cold")
	}

	a.books = compound.New(store, cfg.Trading.TradingCapitalPct/100, logger)

	a.wireEquityPipeline()
	a.wireOptionsPipeline()

	if cfg.Dashboard.Enabled {
		a.dash = dashboard.NewServer(dashboard.Config{
			Addr: cfg.Dashboard.Addr,
			Env:  cfg.Environment.Name,
			Mode: cfg.Environment.Mode,
		}, store, a.books, clock, logger)
	}

	a.sched = scheduler.New(clock.Location(), logger)
	if spec, err := scheduler.Daily(cfg.SlipGuard.RefreshAt); err == nil {
		if err := a.sched.Add(spec, a.advJob()); err != nil {
			return nil, fmt.Errorf("scheduling adv refresh: %w", err)
		}
	} else {
		logger.Warn().Err(err).Msg("bad slip-guard refresh clock, daily refresh disabled")
	}

	return a, nil
}

// wireBroker builds the live REST adapter or the demo simulator.
func (a *app) wireBroker() error {
	if a.cfg.IsDemo() {
		a.feed = mock.NewFeed(a.logger)
		a.brk = broker.NewSim(a.feed, a.feed, demoStartingCash, a.logger)
		return nil
	}

	session, err := sessionFor(a.cfg, a.cfg.Environment.Name, a.logger)
	if err != nil {
		return err
	}
	a.session = session

	st := session.Status()
	if st.State == oauth.TokenMissing || st.State == oauth.TokenExpired {
		return fmt.Errorf("daily_reauth_required: no usable %s token, run `daybreak oauth start %s` first",
			session.Env(), session.Env())
	}

	et := broker.NewETrade(session, a.cfg.BrokerURL(), a.cfg.Broker.AccountIDKey,
		a.cfg.BrokerTimeout(), a.logger)
	if a.cfg.Broker.CircuitBreaker {
		a.brk = broker.NewCircuitBreakerBroker(et, a.logger)
	} else {
		a.brk = et
	}
	return nil
}

func (a *app) wireEquityPipeline() {
	leveraged := make(map[string]bool, len(a.watchlist))
	for _, s := range a.watchlist {
		if s.Leveraged {
			leveraged[s.Ticker] = true
		}
	}

	orbCfg := orb.DefaultConfig()
	orbCfg.SOBuffer = a.cfg.ORB.BreakoutBuffer
	orbCfg.SOAt = time.Duration(a.cfg.ORB.SOOffsetMinutes) * time.Minute
	orbCfg.ORRStart = orbCfg.SOAt
	orbCfg.ORREnd = time.Duration(a.cfg.ORB.ORRWindowMinutes) * time.Minute
	orbCfg.Leveraged = leveraged
	a.orbEng = orb.NewEngine(a.store, orbCfg, a.logger)

	exitCfg := exit.DefaultConfig()
	exitCfg.Cadence = a.cfg.MonitorInterval()
	exitCfg.GapPct = a.cfg.Exit.GapGuardPct
	exitCfg.EODBuffer = time.Duration(a.cfg.Exit.EODBufferMinutes) * time.Minute
	exitCfg.PersistEvery = a.cfg.Exit.SnapshotEvery
	a.exitEng = exit.NewEngine(exitCfg, a.store, a.orbEng, a.clock, a.brk, a.logger)
	a.exitEng.SetSettlements(a.books)
	a.exitEng.SetNotifier(a.notify)

	execCfg := exec.DefaultConfig()
	if a.cfg.SlipGuard.ADVPct >= 1.0 {
		execCfg.ADVMode = adv.ModeAggressive
	}
	a.execMgr = exec.NewManager(execCfg, a.brk, a.brk, a.brk, a.clock, a.books, a.advc, a.exitEng, a.logger)
	a.execMgr.SetNotifier(a.notify)
}

func (a *app) wireOptionsPipeline() {
	if !a.cfg.ODTE.Enabled {
		return
	}

	a.vol = odte.NewVolTracker(filepath.Join(a.cfg.Storage.Path, "realized_vol.json"),
		volSampleRetention, a.logger)
	if err := a.vol.Load(); err != nil {
		a.logger.Warn().Err(err).Msg("realized-vol history load failed, starting cold")
	}

	marker := odte.NewChainMarker(a.brk, a.clock)

	a.odteExit = odte.NewExitEngine(odte.DefaultExitConfig(), a.store, marker, a.clock, a.brk, a.logger)
	a.odteExit.SetNotifier(a.notify)

	odteCfg := odte.DefaultConfig()
	odteCfg.Symbols = a.cfg.ODTE.Symbols
	odteCfg.WindowStart = a.cfg.ODTE.EntryWindowStart
	odteCfg.WindowEnd = a.cfg.ODTE.EntryWindowEnd
	odteCfg.SubAccountPct = a.cfg.ODTE.SubAccountPct
	odteCfg.EligibilityFloor = a.cfg.ODTE.EligibilityFloor
	a.odteMgr = odte.NewManager(odteCfg, a.brk, a.brk, a.clock, a.vol, a.odteExit, a.logger)
	a.odteMgr.SetNotifier(a.notify)
}

// advJob builds the slip-guard refresh job over the current watchlist.
func (a *app) advJob() scheduler.ADVRefresh {
	tickers := make([]string, 0, len(a.watchlist))
	for _, s := range a.watchlist {
		tickers = append(tickers, s.Ticker)
	}
	return scheduler.ADVRefresh{
		Cache:   a.advc,
		Quotes:  a.brk,
		Symbols: tickers,
		Timeout: 2 * time.Minute,
	}
}

// Run drives the process: background monitors plus the trading-day loop.
// It returns when the day completes or the context is canceled.
func (a *app) Run(ctx context.Context) error {
	bal, err := a.brk.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("reading starting balance: %w", err)
	}
	if err := a.books.Initialize(bal.AccountValue, a.clock.Now()); err != nil {
		return err
	}
	a.logger.Info().Float64("account_value", bal.AccountValue).
		Str("env", a.cfg.Environment.Name).Str("mode", a.cfg.Environment.Mode).
		Msg("engine starting")

	// Square the persisted book against the broker before any monitor
	// acts on it, then hand the survivors to the exit and ledger layers.
	if err := a.reconcile(ctx); err != nil {
		return err
	}
	a.exitEng.Restore(a.store.GetOpenPositions())
	a.execMgr.Restore(append(a.store.GetOpenPositions(), a.store.GetHistory()...))
	if a.odteExit != nil {
		a.odteExit.Restore(a.store.GetOpenOptionPositions())
	}

	if a.cfg.SlipGuard.Enabled && a.advc.Stale() {
		if err := a.sched.RunNow(a.advJob()); err != nil {
			a.logger.Warn().Err(err).Msg("boot adv refresh failed, slip guard runs on stale data")
		}
	}
	a.sched.Start()
	defer a.sched.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if a.cfg.Exit.MonitoringEnabled {
		g.Go(func() error { return ignoreCancel(a.exitEng.Run(gctx)) })
	} else {
		a.logger.Warn().Msg("exit monitoring disabled, open positions will only close at end of day")
	}
	if a.odteExit != nil {
		g.Go(func() error { return ignoreCancel(a.odteExit.Run(gctx)) })
	}
	if a.session != nil {
		g.Go(func() error { return a.keepAliveLoop(gctx) })
	}
	if a.dash != nil {
		g.Go(func() error { return a.dash.Start() })
		g.Go(func() error {
			<-gctx.Done()
			shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shCancel()
			return a.dash.Shutdown(shCtx)
		})
	}

	g.Go(func() error {
		defer cancel() // the day ending stops every background task
		return a.tradeDay(gctx)
	})

	return g.Wait()
}

// reconcile compares persisted open positions against the broker's book.
// Stored positions the broker no longer holds are marked closed so the
// exit engine never trails a ghost; broker holdings the engine is not
// tracking only raise an alert, since touching them is not its call.
func (a *app) reconcile(ctx context.Context) error {
	holdings, err := a.brk.ListPositions(ctx)
	if err != nil {
		return fmt.Errorf("reconciling against broker book: %w", err)
	}
	held := make(map[string]float64, len(holdings))
	for _, h := range holdings {
		held[h.Symbol] += h.Quantity
	}

	tracked := make(map[string]bool)
	stale := 0
	for _, pos := range a.store.GetOpenPositions() {
		tracked[pos.Symbol] = true
		if held[pos.Symbol] != 0 {
			continue
		}
		stale++
		a.logger.Warn().Str("id", pos.ID).Str("symbol", pos.Symbol).
			Msg("stored position has no broker counterpart, marking closed")
		if err := a.store.ClosePosition(pos.ID, 0, "reconcile: not held at broker"); err != nil {
			return fmt.Errorf("closing stale position %s: %w", pos.ID, err)
		}
	}
	for _, pos := range a.store.GetOpenOptionPositions() {
		tracked[pos.Underlying] = true
		if held[pos.Underlying] != 0 {
			continue
		}
		stale++
		a.logger.Warn().Str("id", pos.ID).Str("underlying", pos.Underlying).
			Msg("stored options position has no broker counterpart, marking closed")
		if err := a.store.CloseOptionPosition(pos.ID, 0, "reconcile: not held at broker"); err != nil {
			return fmt.Errorf("closing stale options position %s: %w", pos.ID, err)
		}
	}

	orphans := 0
	for sym, qty := range held {
		if qty != 0 && !tracked[sym] {
			orphans++
			a.logger.Warn().Str("symbol", sym).Float64("quantity", qty).
				Msg("broker holds a position the engine is not tracking")
		}
	}
	if orphans > 0 || stale > 0 {
		a.notifyEvent(ctx, alerts.Reconciliation(orphans, stale, a.clock.Now()))
	}
	return nil
}

// keepAliveLoop keeps the session token ahead of the broker idle timeout
// and pages the operator after three straight failures. The loop itself
// never stops on failure; only daily expiry or cancellation end it.
func (a *app) keepAliveLoop(ctx context.Context) error {
	ka := oauth.NewKeepAlive(a.session, a.cfg.KeepAliveReady(), a.cfg.KeepAliveMinRetry(), a.logger)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	consecutive := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, err := ka.Tick(ctx)
			switch {
			case err == nil:
				consecutive = 0
			case errors.Is(err, oauth.ErrDailyReauthRequired):
				a.logger.Warn().Msg("token crossed daily expiry, keep-alive standing down")
				return nil
			default:
				consecutive++
				if consecutive == 3 {
					a.notifyEvent(ctx, alerts.KeepAliveFailing(a.session.Env(), consecutive, a.clock.Now()))
				}
			}
		}
	}
}

func (a *app) notifyEvent(ctx context.Context, ev alerts.Event) {
	if a.notify == nil {
		return
	}
	if err := a.notify.Notify(ctx, ev); err != nil {
		a.logger.Warn().Err(err).Str("kind", ev.Kind).Msg("alert delivery failed")
	}
}

// ignoreCancel maps a clean cancellation to nil so errgroup does not treat
// shutdown as a failure.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
