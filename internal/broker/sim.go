package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openrange-labs/daybreak/internal/models"
)

// Sim is the demo-mode broker: market data flows through a real
// provider, but orders fill instantly against an in-memory account.
// Fills are deterministic: limit tickets fill at their limit, market
// tickets at the last trade.
type Sim struct {
	quotes QuoteProvider
	chains ChainProvider
	logger zerolog.Logger

	mu        sync.Mutex
	cash      float64
	nextID    int64
	previews  map[int64]bool
	orders    map[int64]*OrderStatus
	positions map[string]*simHolding
	now       func() time.Time
}

type simHolding struct {
	symbol       string
	securityType string
	quantity     float64
	pricePaid    float64
}

// NewSim builds a simulator seeded with startingCash. quotes and chains
// may point at the live adapter or at a synthetic generator.
func NewSim(quotes QuoteProvider, chains ChainProvider, startingCash float64, logger zerolog.Logger) *Sim {
	return &Sim{
		quotes:    quotes,
		chains:    chains,
		cash:      startingCash,
		nextID:    1,
		previews:  make(map[int64]bool),
		orders:    make(map[int64]*OrderStatus),
		positions: make(map[string]*simHolding),
		logger:    logger.With().Str("component", "sim_broker").Logger(),
		now:       time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (s *Sim) WithClock(fn func() time.Time) *Sim {
	if fn != nil {
		s.now = fn
	}
	return s
}

func (s *Sim) ListAccounts(context.Context) ([]Account, error) {
	return []Account{{
		AccountID:    "SIM-0001",
		AccountIDKey: "sim",
		Status:       "ACTIVE",
		Type:         "MARGIN",
		Description:  "paper trading account",
	}}, nil
}

func (s *Sim) GetBalance(context.Context) (*Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value := s.cash
	for _, h := range s.positions {
		mult := 1.0
		if h.securityType == "OPTN" {
			mult = 100
		}
		value += h.quantity * h.pricePaid * mult
	}
	return &Balance{
		AccountValue:               value,
		CashAvailableForInvestment: s.cash,
		BuyingPower:                s.cash,
	}, nil
}

func (s *Sim) ListPositions(context.Context) ([]PortfolioPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PortfolioPosition, 0, len(s.positions))
	for _, h := range s.positions {
		mult := 1.0
		if h.securityType == "OPTN" {
			mult = 100
		}
		out = append(out, PortfolioPosition{
			Symbol:       h.symbol,
			SecurityType: h.securityType,
			Quantity:     h.quantity,
			PricePaid:    h.pricePaid,
			MarketValue:  h.quantity * h.pricePaid * mult,
		})
	}
	return out, nil
}

func (s *Sim) GetQuotes(ctx context.Context, symbols []string) ([]models.Quote, error) {
	return s.quotes.GetQuotes(ctx, symbols)
}

func (s *Sim) GetOptionChain(ctx context.Context, symbol string, expiry time.Time, nearStrikes int, withGreeks bool) (*OptionChain, error) {
	return s.chains.GetOptionChain(ctx, symbol, expiry, nearStrikes, withGreeks)
}

func (s *Sim) PreviewOrder(_ context.Context, order *Order) (*Preview, error) {
	if err := order.Validate(); err != nil {
		return nil, &APIError{Kind: KindInvalidRequest, Op: "sim preview", Body: err.Error()}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.previews[id] = true
	return &Preview{PreviewID: id}, nil
}

func (s *Sim) PlaceOrder(ctx context.Context, order *Order, previewID int64) (*OrderAck, error) {
	if err := order.Validate(); err != nil {
		return nil, &APIError{Kind: KindInvalidRequest, Op: "sim place", Body: err.Error()}
	}

	s.mu.Lock()
	if !s.previews[previewID] {
		s.mu.Unlock()
		return nil, &APIError{Kind: KindInvalidRequest, Op: "sim place",
			Body: fmt.Sprintf("unknown preview id %d", previewID)}
	}
	delete(s.previews, previewID)
	s.mu.Unlock()

	fills, err := s.fillPrices(ctx, order)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	orderID := s.nextID
	s.nextID++
	placedAt := s.now()

	totalQty := 0
	var avgPrice float64
	if order.Type == OrderTypeSpread {
		// Spreads settle at the net price once; legs only move holdings.
		qty := order.Legs[0].Quantity
		net := order.LimitPrice * float64(qty) * 100
		if order.PriceType == PriceNetCredit {
			s.cash += net
		} else {
			s.cash -= net
		}
		for i, leg := range order.Legs {
			s.applyFill(leg, fills[i], false)
		}
		avgPrice = order.LimitPrice
		totalQty = qty
	} else {
		for i, leg := range order.Legs {
			s.applyFill(leg, fills[i], true)
			totalQty += leg.Quantity
			avgPrice = fills[i]
		}
	}

	s.orders[orderID] = &OrderStatus{
		OrderID:      orderID,
		State:        StateExecuted,
		OrderedQty:   totalQty,
		FilledQty:    totalQty,
		AvgFillPrice: avgPrice,
		PlacedAt:     placedAt,
		ExecutedAt:   placedAt,
	}
	s.logger.Info().Int64("order_id", orderID).Str("type", string(order.Type)).
		Float64("fill", avgPrice).Msg("simulated fill")

	return &OrderAck{OrderID: orderID, State: StateExecuted, PlacedAt: placedAt}, nil
}

// fillPrices resolves a deterministic fill price per leg.
func (s *Sim) fillPrices(ctx context.Context, order *Order) ([]float64, error) {
	fills := make([]float64, len(order.Legs))
	switch order.PriceType {
	case PriceMarket:
		for i, leg := range order.Legs {
			q, err := s.lastPrice(ctx, leg.Symbol)
			if err != nil {
				return nil, err
			}
			fills[i] = q
		}
	case PriceLimit:
		for i := range order.Legs {
			fills[i] = order.LimitPrice
		}
	case PriceNetDebit, PriceNetCredit:
		// Net price applies to the package; legs carry zero individually.
		for i := range order.Legs {
			fills[i] = order.LimitPrice
		}
	default:
		return nil, &APIError{Kind: KindInvalidRequest, Op: "sim fill",
			Body: "unsupported price type " + string(order.PriceType)}
	}
	return fills, nil
}

func (s *Sim) lastPrice(ctx context.Context, symbol string) (float64, error) {
	qs, err := s.quotes.GetQuotes(ctx, []string{symbol})
	if err != nil {
		return 0, err
	}
	if len(qs) == 0 || qs[0].Last <= 0 {
		return 0, &APIError{Kind: KindStaleData, Op: "sim fill", Body: "no quote for " + symbol}
	}
	return qs[0].Last, nil
}

// applyFill books one leg against holdings, and against cash when
// bookCash is set. Caller holds s.mu.
func (s *Sim) applyFill(leg OrderLeg, price float64, bookCash bool) {
	key := leg.Symbol
	securityType := "EQ"
	mult := 1.0
	if leg.isOption() {
		key = OCCSymbol(leg.Symbol, leg.Expiry, leg.Kind, leg.Strike)
		securityType = "OPTN"
		mult = 100
	}

	signed := float64(leg.Quantity)
	switch leg.Action {
	case ActionSell, ActionSellOpen, ActionSellClose:
		signed = -signed
	}

	if bookCash {
		s.cash -= signed * price * mult
	}

	h, ok := s.positions[key]
	if !ok {
		h = &simHolding{symbol: key, securityType: securityType}
		s.positions[key] = h
	}
	newQty := h.quantity + signed
	if signed > 0 && newQty != 0 {
		h.pricePaid = (h.pricePaid*h.quantity + price*signed) / newQty
	}
	h.quantity = newQty
	if h.quantity == 0 {
		delete(s.positions, key)
	}
}

func (s *Sim) CancelOrder(_ context.Context, orderID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.orders[orderID]
	if !ok {
		return &APIError{Kind: KindInvalidRequest, Status: 404, Op: "sim cancel",
			Body: fmt.Sprintf("order %d not found", orderID)}
	}
	if st.State.Terminal() {
		return &APIError{Kind: KindInvalidRequest, Op: "sim cancel",
			Body: fmt.Sprintf("order %d already %s", orderID, st.State)}
	}
	st.State = StateCancelled
	return nil
}

func (s *Sim) GetOrderStatus(_ context.Context, orderID int64) (*OrderStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.orders[orderID]
	if !ok {
		return nil, &APIError{Kind: KindInvalidRequest, Status: 404, Op: "sim status",
			Body: fmt.Sprintf("order %d not found", orderID)}
	}
	cp := *st
	return &cp, nil
}

// Cash returns current settled cash, for tests and status output.
func (s *Sim) Cash() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cash
}
