// Package broker talks to the brokerage REST API: account data, quotes,
// option chains, and the preview→place order flow. Every call goes out
// signed; every failure comes back as a normalized APIError kind.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/openrange-labs/daybreak/internal/models"
)

// Broker is the full brokerage surface the engine consumes.
type Broker interface {
	// Account operations
	ListAccounts(ctx context.Context) ([]Account, error)
	GetBalance(ctx context.Context) (*Balance, error)
	ListPositions(ctx context.Context) ([]PortfolioPosition, error)

	// Market data
	GetQuotes(ctx context.Context, symbols []string) ([]models.Quote, error)
	GetOptionChain(ctx context.Context, symbol string, expiry time.Time, nearStrikes int, withGreeks bool) (*OptionChain, error)

	// Order flow
	PreviewOrder(ctx context.Context, order *Order) (*Preview, error)
	PlaceOrder(ctx context.Context, order *Order, previewID int64) (*OrderAck, error)
	CancelOrder(ctx context.Context, orderID int64) error
	GetOrderStatus(ctx context.Context, orderID int64) (*OrderStatus, error)
}

// Narrow capability slices of Broker. Consumers take the slice they need
// so tests can fake one concern at a time.

// QuoteProvider serves top-of-book snapshots.
type QuoteProvider interface {
	GetQuotes(ctx context.Context, symbols []string) ([]models.Quote, error)
}

// ChainProvider serves option chains for one expiry.
type ChainProvider interface {
	GetOptionChain(ctx context.Context, symbol string, expiry time.Time, nearStrikes int, withGreeks bool) (*OptionChain, error)
}

// OrderExecutor runs the preview→place→poll order flow.
type OrderExecutor interface {
	PreviewOrder(ctx context.Context, order *Order) (*Preview, error)
	PlaceOrder(ctx context.Context, order *Order, previewID int64) (*OrderAck, error)
	CancelOrder(ctx context.Context, orderID int64) error
	GetOrderStatus(ctx context.Context, orderID int64) (*OrderStatus, error)
}

// AccountReader serves account identity and balances.
type AccountReader interface {
	ListAccounts(ctx context.Context) ([]Account, error)
	GetBalance(ctx context.Context) (*Balance, error)
}

// PortfolioReader lists current holdings, used by startup reconciliation.
type PortfolioReader interface {
	ListPositions(ctx context.Context) ([]PortfolioPosition, error)
}

// CircuitBreakerBroker wraps a Broker so a run of failures stops hammering
// the API while it is down.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// Compile-time interface checks.
var (
	_ Broker = (*CircuitBreakerBroker)(nil)
	_ Broker = (*ETrade)(nil)
	_ Broker = (*Sim)(nil)
)

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	broker Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(broker) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker wraps broker with default breaker settings.
func NewCircuitBreakerBroker(broker Broker, logger zerolog.Logger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(broker, CircuitBreakerSettings{
		MaxRequests:  3,                // Allow 3 requests when half-open
		Interval:     60 * time.Second, // Reset counts every minute
		Timeout:      30 * time.Second, // Open circuit for 30 seconds
		MinRequests:  5,                // Minimum requests before tripping
		FailureRatio: 0.6,              // Trip if 60% failure rate
	}, logger)
}

// NewCircuitBreakerBrokerWithSettings wraps broker with custom settings.
func NewCircuitBreakerBrokerWithSettings(broker Broker, settings CircuitBreakerSettings, logger zerolog.Logger) *CircuitBreakerBroker {
	log := logger.With().Str("component", "circuit_breaker").Logger()
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	}

	return &CircuitBreakerBroker{
		broker:  broker,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// ListAccounts wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) ListAccounts(ctx context.Context) ([]Account, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]Account, error) {
		return b.ListAccounts(ctx)
	})
}

// GetBalance wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetBalance(ctx context.Context) (*Balance, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Balance, error) {
		return b.GetBalance(ctx)
	})
}

// ListPositions wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) ListPositions(ctx context.Context) ([]PortfolioPosition, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]PortfolioPosition, error) {
		return b.ListPositions(ctx)
	})
}

// GetQuotes wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetQuotes(ctx context.Context, symbols []string) ([]models.Quote, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]models.Quote, error) {
		return b.GetQuotes(ctx, symbols)
	})
}

// GetOptionChain wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetOptionChain(ctx context.Context, symbol string, expiry time.Time, nearStrikes int, withGreeks bool) (*OptionChain, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OptionChain, error) {
		return b.GetOptionChain(ctx, symbol, expiry, nearStrikes, withGreeks)
	})
}

// PreviewOrder wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) PreviewOrder(ctx context.Context, order *Order) (*Preview, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*Preview, error) {
		return b.PreviewOrder(ctx, order)
	})
}

// PlaceOrder wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) PlaceOrder(ctx context.Context, order *Order, previewID int64) (*OrderAck, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderAck, error) {
		return b.PlaceOrder(ctx, order, previewID)
	})
}

// CancelOrder wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID int64) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.CancelOrder(ctx, orderID)
	})
	return err
}

// GetOrderStatus wraps the underlying broker call with the circuit breaker.
func (c *CircuitBreakerBroker) GetOrderStatus(ctx context.Context, orderID int64) (*OrderStatus, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderStatus, error) {
		return b.GetOrderStatus(ctx, orderID)
	})
}
