// Package dashboard serves the engine's read-only status surface:
// liveness, a JSON snapshot of the session and the books, open positions,
// and the Prometheus scrape endpoint.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/openrange-labs/daybreak/internal/compound"
	"github.com/openrange-labs/daybreak/internal/market"
	"github.com/openrange-labs/daybreak/internal/models"
	"github.com/openrange-labs/daybreak/internal/monitoring"
	"github.com/openrange-labs/daybreak/internal/storage"
)

// Config carries the listen address and the environment labels shown in
// the status payload.
type Config struct {
	Addr string
	Env  string
	Mode string
}

// Server is the status HTTP server. Every route reads state; nothing here
// can mutate the engine.
type Server struct {
	cfg       Config
	router    *chi.Mux
	http      *http.Server
	store     storage.Interface
	books     *compound.Engine
	clock     *market.Clock
	logger    zerolog.Logger
	startedAt time.Time
}

// NewServer wires the routes. Start must be called to listen.
func NewServer(cfg Config, store storage.Interface, books *compound.Engine,
	clock *market.Clock, logger zerolog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8081"
	}
	s := &Server{
		cfg:       cfg,
		router:    chi.NewRouter(),
		store:     store,
		books:     books,
		clock:     clock,
		logger:    logger.With().Str("component", "dashboard").Logger(),
		startedAt: time.Now(),
	}
	s.routes()
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))
	s.router.Use(s.requestLog)

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/api/status", s.handleStatus)
	s.router.Get("/api/positions", s.handlePositions)
	s.router.Handle("/metrics", monitoring.Handler())
}

// Handler exposes the route tree, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens until Shutdown. A closed-server return is not an error.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("status server listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).
			Dur("took", time.Since(start)).Msg("request")
	})
}

type healthView struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

type statusView struct {
	Env          string              `json:"environment"`
	Mode         string              `json:"mode"`
	Phase        string              `json:"phase"`
	TradingDate  string              `json:"trading_date"`
	MarketOpen   bool                `json:"market_open"`
	NextOpen     time.Time           `json:"next_open"`
	NextClose    time.Time           `json:"next_close"`
	OpenEquities int                 `json:"open_equities"`
	OpenOptions  int                 `json:"open_options"`
	Books        compound.Snapshot   `json:"books"`
	Stats        *storage.Statistics `json:"stats"`
}

type positionView struct {
	ID            string    `json:"id"`
	Symbol        string    `json:"symbol"`
	Side          string    `json:"side"`
	SignalType    string    `json:"signal_type"`
	Mode          string    `json:"mode"`
	Status        string    `json:"status"`
	Stealth       string    `json:"stealth_state"`
	Quantity      int       `json:"quantity"`
	EntryPrice    float64   `json:"entry_price"`
	CurrentPrice  float64   `json:"current_price"`
	StopLoss      float64   `json:"stop_loss"`
	TakeProfit    float64   `json:"take_profit"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	PnLPct        float64   `json:"pnl_pct"`
	EnteredAt     time.Time `json:"entered_at"`
}

type optionView struct {
	ID            string    `json:"id"`
	Underlying    string    `json:"underlying"`
	Structure     string    `json:"structure"`
	Quantity      int       `json:"quantity"`
	EntryPrice    float64   `json:"entry_price"`
	CurrentValue  float64   `json:"current_value"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	PnLPct        float64   `json:"pnl_pct"`
	Status        string    `json:"status"`
	EnteredAt     time.Time `json:"entered_at"`
}

type positionsView struct {
	Equities []positionView `json:"equities"`
	Options  []optionView   `json:"options"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthView{
		Status: "ok",
		Uptime: time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	now := s.clock.Now()
	s.writeJSON(w, http.StatusOK, statusView{
		Env:          s.cfg.Env,
		Mode:         s.cfg.Mode,
		Phase:        s.clock.Phase(now).String(),
		TradingDate:  s.clock.TradingDate(now),
		MarketOpen:   s.clock.IsMarketOpen(now),
		NextOpen:     s.clock.NextOpen(now),
		NextClose:    s.clock.NextClose(now),
		OpenEquities: len(s.store.GetOpenPositions()),
		OpenOptions:  len(s.store.GetOpenOptionPositions()),
		Books:        s.books.Snapshot(),
		Stats:        s.store.GetStatistics(),
	})
}

func (s *Server) handlePositions(w http.ResponseWriter, _ *http.Request) {
	open := s.store.GetOpenPositions()
	equities := make([]positionView, 0, len(open))
	for _, p := range open {
		equities = append(equities, equityView(p))
	}
	openOpts := s.store.GetOpenOptionPositions()
	options := make([]optionView, 0, len(openOpts))
	for _, o := range openOpts {
		options = append(options, structureView(o))
	}
	s.writeJSON(w, http.StatusOK, positionsView{Equities: equities, Options: options})
}

func equityView(p models.Position) positionView {
	pct := 0.0
	if basis := p.EntryPrice * float64(p.InitialQuantity); basis > 0 {
		pct = p.UnrealizedPnL / basis * 100
	}
	return positionView{
		ID:            p.ID,
		Symbol:        p.Symbol,
		Side:          string(p.Side),
		SignalType:    string(p.SignalType),
		Mode:          string(p.Mode),
		Status:        string(p.Status),
		Stealth:       string(p.Stealth),
		Quantity:      p.Quantity,
		EntryPrice:    p.EntryPrice,
		CurrentPrice:  p.CurrentPrice,
		StopLoss:      p.CurrentStopLoss,
		TakeProfit:    p.CurrentTakeProfit,
		UnrealizedPnL: p.UnrealizedPnL,
		PnLPct:        pct,
		EnteredAt:     p.EntryTime,
	}
}

func structureView(o models.OptionsPosition) optionView {
	pct := 0.0
	// Premium basis: per-share price times the 100 multiplier.
	if basis := math.Abs(o.EntryPrice) * 100 * float64(o.InitialQty); basis > 0 {
		pct = o.UnrealizedPnL / basis * 100
	}
	return optionView{
		ID:            o.ID,
		Underlying:    o.Underlying,
		Structure:     string(o.Structure),
		Quantity:      o.Quantity,
		EntryPrice:    o.EntryPrice,
		CurrentValue:  o.CurrentValue,
		UnrealizedPnL: o.UnrealizedPnL,
		PnLPct:        pct,
		Status:        string(o.Status),
		EnteredAt:     o.EntryTime,
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("encoding response")
	}
}
