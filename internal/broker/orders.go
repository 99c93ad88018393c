package broker

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openrange-labs/daybreak/internal/models"
)

// OrderAction is the broker-side action verb for one leg.
type OrderAction string

const (
	// ActionBuy buys equity shares.
	ActionBuy OrderAction = "BUY"
	// ActionSell sells equity shares.
	ActionSell OrderAction = "SELL"
	// ActionBuyOpen opens a long option leg.
	ActionBuyOpen OrderAction = "BUY_OPEN"
	// ActionSellOpen opens a short option leg.
	ActionSellOpen OrderAction = "SELL_OPEN"
	// ActionBuyClose buys back a short option leg.
	ActionBuyClose OrderAction = "BUY_CLOSE"
	// ActionSellClose sells out a long option leg.
	ActionSellClose OrderAction = "SELL_CLOSE"
)

// OrderType classifies the instrument mix of the whole ticket.
type OrderType string

const (
	// OrderTypeEquity is a single equity leg.
	OrderTypeEquity OrderType = "EQ"
	// OrderTypeOption is a single option leg.
	OrderTypeOption OrderType = "OPTN"
	// OrderTypeSpread is a two-leg vertical.
	OrderTypeSpread OrderType = "SPREADS"
)

// PriceType is how the limit field is interpreted.
type PriceType string

const (
	// PriceMarket fills at market. Equity only.
	PriceMarket PriceType = "MARKET"
	// PriceLimit is a plain per-share/per-contract limit.
	PriceLimit PriceType = "LIMIT"
	// PriceNetDebit limits the net debit paid for a spread.
	PriceNetDebit PriceType = "NET_DEBIT"
	// PriceNetCredit floors the net credit received for a spread.
	PriceNetCredit PriceType = "NET_CREDIT"
)

// orderTerm is fixed: every ticket dies at the close.
const orderTerm = "GOOD_FOR_DAY"

// OrderLeg is one instrument within a ticket. Equity legs carry only
// Symbol; option legs carry the full contract coordinates.
type OrderLeg struct {
	Symbol   string
	Action   OrderAction
	Quantity int

	// Option fields, zero for equity legs.
	Kind   models.OptionKind
	Expiry time.Time
	Strike float64
}

func (l OrderLeg) isOption() bool { return l.Kind.Valid() }

// Order is one ticket submitted through preview→place.
type Order struct {
	ClientOrderID string
	Type          OrderType
	PriceType     PriceType
	LimitPrice    float64
	Legs          []OrderLeg
}

// newClientOrderID derives a broker-safe idempotency tag (alphanumeric,
// max 20 chars) from a fresh UUID.
func newClientOrderID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}

// NewEquityOrder builds a single-leg equity ticket.
func NewEquityOrder(symbol string, action OrderAction, quantity int, priceType PriceType, limit float64) *Order {
	return &Order{
		ClientOrderID: newClientOrderID(),
		Type:          OrderTypeEquity,
		PriceType:     priceType,
		LimitPrice:    limit,
		Legs: []OrderLeg{
			{Symbol: symbol, Action: action, Quantity: quantity},
		},
	}
}

// NewOptionOrder builds a single-leg option ticket at a per-contract limit.
func NewOptionOrder(contract models.OptionContract, action OrderAction, quantity int, limit float64) *Order {
	return &Order{
		ClientOrderID: newClientOrderID(),
		Type:          OrderTypeOption,
		PriceType:     PriceLimit,
		LimitPrice:    limit,
		Legs: []OrderLeg{
			optionLeg(contract, action, quantity),
		},
	}
}

// NewDebitSpreadOpen opens a debit vertical: buy the scored leg, sell the
// wing, capped at netDebit.
func NewDebitSpreadOpen(spread models.DebitSpread, quantity int, netDebit float64) *Order {
	return &Order{
		ClientOrderID: newClientOrderID(),
		Type:          OrderTypeSpread,
		PriceType:     PriceNetDebit,
		LimitPrice:    netDebit,
		Legs: []OrderLeg{
			optionLeg(spread.LongLeg, ActionBuyOpen, quantity),
			optionLeg(spread.ShortLeg, ActionSellOpen, quantity),
		},
	}
}

// NewDebitSpreadClose unwinds all or part of a debit vertical for at least
// netCredit.
func NewDebitSpreadClose(spread models.DebitSpread, quantity int, netCredit float64) *Order {
	return &Order{
		ClientOrderID: newClientOrderID(),
		Type:          OrderTypeSpread,
		PriceType:     PriceNetCredit,
		LimitPrice:    netCredit,
		Legs: []OrderLeg{
			optionLeg(spread.LongLeg, ActionSellClose, quantity),
			optionLeg(spread.ShortLeg, ActionBuyClose, quantity),
		},
	}
}

// NewCreditSpreadOpen opens a credit vertical: sell the scored leg, buy the
// wing, for at least netCredit.
func NewCreditSpreadOpen(spread models.CreditSpread, quantity int, netCredit float64) *Order {
	return &Order{
		ClientOrderID: newClientOrderID(),
		Type:          OrderTypeSpread,
		PriceType:     PriceNetCredit,
		LimitPrice:    netCredit,
		Legs: []OrderLeg{
			optionLeg(spread.ShortLeg, ActionSellOpen, quantity),
			optionLeg(spread.LongLeg, ActionBuyOpen, quantity),
		},
	}
}

// NewCreditSpreadClose buys back all or part of a credit vertical for at
// most netDebit.
func NewCreditSpreadClose(spread models.CreditSpread, quantity int, netDebit float64) *Order {
	return &Order{
		ClientOrderID: newClientOrderID(),
		Type:          OrderTypeSpread,
		PriceType:     PriceNetDebit,
		LimitPrice:    netDebit,
		Legs: []OrderLeg{
			optionLeg(spread.ShortLeg, ActionBuyClose, quantity),
			optionLeg(spread.LongLeg, ActionSellClose, quantity),
		},
	}
}

func optionLeg(c models.OptionContract, action OrderAction, quantity int) OrderLeg {
	return OrderLeg{
		Symbol:   c.Underlying,
		Action:   action,
		Quantity: quantity,
		Kind:     c.Kind,
		Expiry:   c.Expiry,
		Strike:   c.Strike,
	}
}

// Validate rejects tickets the broker would bounce anyway.
func (o *Order) Validate() error {
	switch o.Type {
	case OrderTypeEquity, OrderTypeOption:
		if len(o.Legs) != 1 {
			return fmt.Errorf("%s order must have exactly one leg, got %d", o.Type, len(o.Legs))
		}
	case OrderTypeSpread:
		if len(o.Legs) != 2 {
			return fmt.Errorf("spread order must have exactly two legs, got %d", len(o.Legs))
		}
	default:
		return fmt.Errorf("unknown order type %q", o.Type)
	}

	switch o.PriceType {
	case PriceMarket:
		if o.Type != OrderTypeEquity {
			return fmt.Errorf("market orders are equity-only, got %s", o.Type)
		}
	case PriceLimit, PriceNetDebit, PriceNetCredit:
		if o.LimitPrice <= 0 {
			return fmt.Errorf("%s order requires a positive limit, got %.4f", o.PriceType, o.LimitPrice)
		}
	default:
		return fmt.Errorf("unknown price type %q", o.PriceType)
	}

	for i, leg := range o.Legs {
		if leg.Symbol == "" {
			return fmt.Errorf("leg %d: empty symbol", i)
		}
		if leg.Quantity <= 0 {
			return fmt.Errorf("leg %d: quantity must be positive, got %d", i, leg.Quantity)
		}
		if leg.isOption() {
			if leg.Strike <= 0 {
				return fmt.Errorf("leg %d: option strike must be positive, got %.4f", i, leg.Strike)
			}
			if leg.Expiry.IsZero() {
				return fmt.Errorf("leg %d: option leg missing expiry", i)
			}
		} else if o.Type != OrderTypeEquity {
			return fmt.Errorf("leg %d: %s order with equity leg", i, o.Type)
		}
	}
	return nil
}

// OCCSymbol renders the standard 21-character option symbol:
// underlying + YYMMDD + C/P + strike in eighths of a cent, zero-padded.
func OCCSymbol(underlying string, expiry time.Time, kind models.OptionKind, strike float64) string {
	cp := "C"
	if kind == models.KindPut {
		cp = "P"
	}
	// eps absorbs float error for strikes like 394.995.
	const eps = 1e-9
	strikeInt := int(math.Round(strike*1000 + eps))
	return fmt.Sprintf("%s%s%s%08d", underlying, expiry.Format("060102"), cp, strikeInt)
}

// Account is one brokerage account visible to the consumer key.
type Account struct {
	AccountID    string
	AccountIDKey string
	Status       string
	Type         string
	Description  string
}

// Balance is the slice of the balance response sizing cares about.
type Balance struct {
	AccountValue               float64
	CashAvailableForInvestment float64
	BuyingPower                float64
}

// PortfolioPosition is one holding row from the portfolio endpoint,
// used to reconcile stored positions against broker truth at startup.
type PortfolioPosition struct {
	Symbol       string
	SecurityType string
	Quantity     float64
	PricePaid    float64
	MarketValue  float64
}

// Preview is the broker's acknowledgement of a previewed ticket.
type Preview struct {
	PreviewID           int64
	EstimatedCommission float64
	EstimatedTotal      float64
}

// OrderAck is the broker's acceptance of a placed ticket.
type OrderAck struct {
	OrderID  int64
	State    OrderState
	PlacedAt time.Time
	Messages []string
}

// OrderState is the broker's lifecycle state for a ticket.
type OrderState string

const (
	// StateOpen means the ticket is working.
	StateOpen OrderState = "OPEN"
	// StateExecuted means the ticket filled completely.
	StateExecuted OrderState = "EXECUTED"
	// StatePartial means some quantity filled and the rest is working.
	StatePartial OrderState = "PARTIAL"
	// StateCancelled means the ticket was cancelled.
	StateCancelled OrderState = "CANCELLED"
	// StateRejected means the broker refused the ticket.
	StateRejected OrderState = "REJECTED"
	// StateExpired means the ticket died unfilled at the close.
	StateExpired OrderState = "EXPIRED"
)

// Terminal reports whether the state can no longer change.
func (s OrderState) Terminal() bool {
	switch s {
	case StateExecuted, StateCancelled, StateRejected, StateExpired:
		return true
	default:
		return false
	}
}

// OrderStatus is a point-in-time view of a working or finished ticket.
type OrderStatus struct {
	OrderID        int64
	State          OrderState
	OrderedQty     int
	FilledQty      int
	AvgFillPrice   float64
	PlacedAt       time.Time
	ExecutedAt     time.Time
	RemainingValue float64
}

// OptionChain is one expiry's calls and puts plus retrieval metadata for
// staleness checks.
type OptionChain struct {
	Underlying  string
	Expiry      time.Time
	RetrievedAt time.Time
	Calls       []models.OptionContract
	Puts        []models.OptionContract
}

// Age returns how old the chain snapshot is.
func (c *OptionChain) Age(now time.Time) time.Duration {
	return now.Sub(c.RetrievedAt)
}
