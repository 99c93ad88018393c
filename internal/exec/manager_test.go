package exec

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openrange-labs/daybreak/internal/adv"
	"github.com/openrange-labs/daybreak/internal/alerts"
	"github.com/openrange-labs/daybreak/internal/broker"
	"github.com/openrange-labs/daybreak/internal/compound"
	"github.com/openrange-labs/daybreak/internal/models"
	"github.com/openrange-labs/daybreak/internal/storage"
)

var (
	etZone = time.FixedZone("ET", -5*60*60)
	t0     = time.Date(2026, time.January, 6, 14, 31, 0, 0, time.UTC) // 09:31 ET
	// entryTime sits just past the open+45m signal evaluation.
	entryTime = t0.Add(45 * time.Minute)
)

func almost(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) TradingDate(t time.Time) string {
	return t.In(etZone).Format("2006-01-02")
}

// fakeQuotes backs both the live-quote fetch and the ADV refresh.
type fakeQuotes struct {
	mu     sync.Mutex
	quotes map[string]models.Quote
}

func (f *fakeQuotes) set(q models.Quote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[q.Symbol] = q
}

func (f *fakeQuotes) del(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.quotes, symbol)
}

func (f *fakeQuotes) GetQuotes(_ context.Context, symbols []string) ([]models.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Quote, 0, len(symbols))
	for _, s := range symbols {
		if q, ok := f.quotes[s]; ok {
			out = append(out, q)
		}
	}
	return out, nil
}

type fakeAccount struct {
	bal broker.Balance
	err error
}

func (f *fakeAccount) ListAccounts(context.Context) ([]broker.Account, error) {
	return []broker.Account{{AccountID: "TEST-0001", AccountIDKey: "test"}}, nil
}

func (f *fakeAccount) GetBalance(context.Context) (*broker.Balance, error) {
	if f.err != nil {
		return nil, f.err
	}
	bal := f.bal
	return &bal, nil
}

// fakeExecutor scripts the order lifecycle. With no script it fills every
// ticket instantly at the configured print, or at the limit when none is
// set.
type fakeExecutor struct {
	mu           sync.Mutex
	previews     int
	placed       []*broker.Order
	cancels      int
	fail         bool                 // refuse previews
	stuck        bool                 // report OPEN forever
	fillOnCancel bool                 // a cancel races a fill and loses
	fill         float64              // fill print, limit price when zero
	script       []broker.OrderStatus // consumed one per poll before defaults
}

func (x *fakeExecutor) PreviewOrder(_ context.Context, _ *broker.Order) (*broker.Preview, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.previews++
	if x.fail {
		return nil, errors.New("order gateway refused the preview")
	}
	return &broker.Preview{PreviewID: int64(x.previews)}, nil
}

func (x *fakeExecutor) PlaceOrder(_ context.Context, order *broker.Order, _ int64) (*broker.OrderAck, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.placed = append(x.placed, order)
	return &broker.OrderAck{OrderID: int64(len(x.placed)), State: broker.StateOpen}, nil
}

func (x *fakeExecutor) GetOrderStatus(_ context.Context, orderID int64) (*broker.OrderStatus, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(x.script) > 0 {
		st := x.script[0]
		x.script = x.script[1:]
		st.OrderID = orderID
		return &st, nil
	}
	if x.stuck {
		return &broker.OrderStatus{OrderID: orderID, State: broker.StateOpen}, nil
	}
	qty := 0
	price := x.fill
	if n := len(x.placed); n > 0 {
		qty = x.placed[n-1].Legs[0].Quantity
		if price == 0 {
			price = x.placed[n-1].LimitPrice
		}
	}
	return &broker.OrderStatus{
		OrderID:      orderID,
		State:        broker.StateExecuted,
		OrderedQty:   qty,
		FilledQty:    qty,
		AvgFillPrice: price,
	}, nil
}

func (x *fakeExecutor) CancelOrder(_ context.Context, _ int64) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.cancels++
	if x.fillOnCancel {
		x.stuck = false
	}
	return nil
}

func (x *fakeExecutor) orders() []*broker.Order {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]*broker.Order, len(x.placed))
	copy(out, x.placed)
	return out
}

func (x *fakeExecutor) cancelCount() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.cancels
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []alerts.Event
}

func (n *fakeNotifier) Notify(_ context.Context, ev alerts.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *fakeNotifier) kinds(kind string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, ev := range n.events {
		if ev.Kind == kind {
			count++
		}
	}
	return count
}

type fakeRegistrar struct {
	mu   sync.Mutex
	err  error
	regs []*models.Position
}

func (r *fakeRegistrar) Register(p *models.Position) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.regs = append(r.regs, p)
	return nil
}

func (r *fakeRegistrar) all() []*models.Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Position, len(r.regs))
	copy(out, r.regs)
	return out
}

type harness struct {
	m       *Manager
	clock   *fakeClock
	quotes  *fakeQuotes
	account *fakeAccount
	exec    *fakeExecutor
	books   *compound.Engine
	reg     *fakeRegistrar
	notes   *fakeNotifier
}

func newHarness(t *testing.T, accountValue float64, cfg Config) *harness {
	t.Helper()
	clock := &fakeClock{now: entryTime}
	quotes := &fakeQuotes{quotes: make(map[string]models.Quote)}
	account := &fakeAccount{bal: broker.Balance{
		AccountValue:               accountValue,
		CashAvailableForInvestment: accountValue,
		BuyingPower:                accountValue,
	}}
	x := &fakeExecutor{}
	books := compound.New(storage.NewMockStorage(), 0.90, zerolog.Nop())
	if err := books.Initialize(accountValue, t0); err != nil {
		t.Fatalf("seeding compound ledger: %v", err)
	}
	books.StartDay(clock.TradingDate(t0))
	reg := &fakeRegistrar{}
	notes := &fakeNotifier{}
	m := NewManager(cfg, quotes, account, x, clock, books, adv.New("", false, zerolog.Nop()), reg, zerolog.Nop())
	m.SetNotifier(notes)
	return &harness{m: m, clock: clock, quotes: quotes, account: account, exec: x, books: books, reg: reg, notes: notes}
}

func quoteFor(symbol string, last float64) models.Quote {
	return models.Quote{
		Symbol:    symbol,
		Last:      last,
		Bid:       last - 0.01,
		Ask:       last + 0.01,
		Volume:    5_000_000,
		Timestamp: entryTime,
	}
}

func rankedSignal(ticker string, sigType models.SignalType, rank int, allocated float64) models.RankedSignal {
	return models.RankedSignal{
		ORBSignal: models.ORBSignal{
			Ticker:      ticker,
			TradingDate: "2026-01-06",
			Type:        sigType,
			Side:        models.SideLong,
			PriceAtEmit: 49.95,
			VWAP:        49.50,
			VolumeRatio: 2.1,
			Confidence:  0.8,
			EmittedAt:   entryTime,
			Indicators: models.IndicatorSnapshot{
				ATR:             0.50,
				MACDHist:        0.4,
				RSvsSPY:         1.2,
				VWAPDistancePct: 0.8,
			},
			ORB: &models.ORBData{
				Ticker:      ticker,
				TradingDate: "2026-01-06",
				High:        49.60,
				Low:         49.10,
				Range:       0.50,
				VolumeAvg:   3_000_000,
			},
		},
		PriorityScore:    0.71,
		PriorityRank:     rank,
		CapitalAllocated: allocated,
	}
}

func TestExecuteRankedOpensAndBooks(t *testing.T) {
	h := newHarness(t, 100_000, Config{})
	h.exec.fill = 50.00
	h.quotes.set(quoteFor("TQQQ", 49.98))
	sig := rankedSignal("TQQQ", models.SignalSO, 1, 35_000)

	opened, rejs, err := h.m.ExecuteRanked(context.Background(), []models.RankedSignal{sig})
	if err != nil {
		t.Fatalf("ExecuteRanked: %v", err)
	}
	if opened != 1 || len(rejs) != 0 {
		t.Fatalf("opened %d, rejections %+v", opened, rejs)
	}

	regs := h.reg.all()
	if len(regs) != 1 {
		t.Fatalf("registered %d positions, want 1", len(regs))
	}
	pos := regs[0]
	if pos.Symbol != "TQQQ" || pos.Side != models.SideLong || pos.SignalType != models.SignalSO {
		t.Errorf("position identity = %s %s %s", pos.Symbol, pos.Side, pos.SignalType)
	}
	if pos.Mode != models.ModeExplosive {
		t.Errorf("mode = %s, want explosive", pos.Mode)
	}
	// 35,000 at 49.98 buys 700 whole shares; the fill prints at 50.00.
	if pos.Quantity != 700 || pos.InitialQuantity != 700 {
		t.Errorf("quantity = %d/%d, want 700/700", pos.Quantity, pos.InitialQuantity)
	}
	if !almost(pos.EntryPrice, 50.00) {
		t.Errorf("entry = %.4f, want 50.00", pos.EntryPrice)
	}
	if pos.EntryOrderID != "1" {
		t.Errorf("entry order id = %q", pos.EntryOrderID)
	}
	if !almost(pos.EntryBarVolatility, 0.50) {
		t.Errorf("entry bar volatility = %.4f, want 0.50", pos.EntryBarVolatility)
	}
	if !almost(pos.EntrySpread, 0.02) {
		t.Errorf("entry spread = %.4f, want 0.02", pos.EntrySpread)
	}
	if !almost(pos.CapitalAllocated, 35_000) {
		t.Errorf("capital allocated = %.2f", pos.CapitalAllocated)
	}
	if pos.TradingDate != "2026-01-06" {
		t.Errorf("trading date = %q", pos.TradingDate)
	}

	placed := h.exec.orders()
	if len(placed) != 1 {
		t.Fatalf("placed %d orders, want 1", len(placed))
	}
	o := placed[0]
	if o.Type != broker.OrderTypeEquity || o.PriceType != broker.PriceLimit {
		t.Errorf("ticket = %s %s", o.Type, o.PriceType)
	}
	if !almost(o.LimitPrice, 50.03) {
		t.Errorf("limit = %.4f, want 50.03", o.LimitPrice)
	}
	if len(o.Legs) != 1 || o.Legs[0].Action != broker.ActionBuy || o.Legs[0].Quantity != 700 {
		t.Errorf("leg = %+v", o.Legs[0])
	}

	if got := h.books.Snapshot().SODeployed; !almost(got, 35_000) {
		t.Errorf("SO deployed = %.2f, want 35000", got)
	}
	if h.notes.kinds("batch_open") != 1 {
		t.Errorf("batch_open alerts = %d, want 1", h.notes.kinds("batch_open"))
	}

	// The signal is consumed for the day.
	opened, rejs, err = h.m.ExecuteRanked(context.Background(), []models.RankedSignal{sig})
	if err != nil {
		t.Fatalf("second ExecuteRanked: %v", err)
	}
	if opened != 0 || len(rejs) != 1 || rejs[0].Stage != "duplicate" {
		t.Fatalf("second wave: opened %d, rejections %+v", opened, rejs)
	}
	if !strings.Contains(rejs[0].Reason, "already opened") {
		t.Errorf("reason = %q", rejs[0].Reason)
	}
	if len(h.exec.orders()) != 1 {
		t.Errorf("duplicate reached the broker")
	}

	// A new session clears the guard.
	h.m.StartDay()
	opened, _, err = h.m.ExecuteRanked(context.Background(), []models.RankedSignal{sig})
	if err != nil {
		t.Fatalf("third ExecuteRanked: %v", err)
	}
	if opened != 1 {
		t.Fatalf("after StartDay opened = %d, want 1", opened)
	}
	if got := h.books.Snapshot().SODeployed; !almost(got, 70_000) {
		t.Errorf("SO deployed after reopen = %.2f, want 70000", got)
	}
}

func TestExecuteRankedRunsStrongestFirst(t *testing.T) {
	h := newHarness(t, 100_000, Config{})
	h.quotes.set(quoteFor("TQQQ", 49.98))
	h.quotes.set(quoteFor("SOXL", 24.99))

	// Deliberately out of order: rank 2 first in the slice.
	second := rankedSignal("SOXL", models.SignalSO, 2, 10_000)
	first := rankedSignal("TQQQ", models.SignalSO, 1, 35_000)

	opened, rejs, err := h.m.ExecuteRanked(context.Background(), []models.RankedSignal{second, first})
	if err != nil {
		t.Fatalf("ExecuteRanked: %v", err)
	}
	if opened != 2 || len(rejs) != 0 {
		t.Fatalf("opened %d, rejections %+v", opened, rejs)
	}

	placed := h.exec.orders()
	if len(placed) != 2 {
		t.Fatalf("placed %d orders", len(placed))
	}
	if placed[0].Legs[0].Symbol != "TQQQ" || placed[1].Legs[0].Symbol != "SOXL" {
		t.Errorf("submission order = %s, %s; want TQQQ first",
			placed[0].Legs[0].Symbol, placed[1].Legs[0].Symbol)
	}

	// Fills print at the limits: 700×50.03 + 400×25.02.
	if got := h.books.Snapshot().SODeployed; !almost(got, 45_029) {
		t.Errorf("SO deployed = %.2f, want 45029", got)
	}
	if h.notes.kinds("batch_open") != 1 {
		t.Errorf("one wave must emit one batch alert, got %d", h.notes.kinds("batch_open"))
	}
}

func TestExecuteRankedGates(t *testing.T) {
	cases := []struct {
		name      string
		account   float64
		cash      float64 // 0 keeps the account value
		allocated float64
		prep      func(t *testing.T, h *harness)
		stage     string
		reason    string
	}{
		{
			name: "unallocated signal", account: 100_000, allocated: 0,
			stage: "allocation", reason: "no capital after packing",
		},
		{
			name: "signal already consumed", account: 100_000, allocated: 35_000,
			prep: func(t *testing.T, h *harness) {
				prior := models.NewPosition("prior", "TQQQ", models.SideLong,
					models.SignalSO, models.ModeBalanced, 700, 50.00, entryTime)
				h.m.Restore([]models.Position{*prior})
			},
			stage: "duplicate", reason: "already opened",
		},
		{
			name: "compound book exhausted", account: 10_000, allocated: 35_000,
			stage: "compound", reason: "cannot cover",
		},
		{
			name: "quote missing", account: 100_000, allocated: 35_000,
			prep: func(t *testing.T, h *harness) {
				h.quotes.del("TQQQ")
			},
			stage: "quote", reason: "no usable quote",
		},
		{
			name: "cash too thin", account: 100_000, cash: 30, allocated: 35_000,
			stage: "sizing", reason: "smaller than one share",
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := newHarness(t, c.account, Config{})
			if c.cash > 0 {
				h.account.bal.CashAvailableForInvestment = c.cash
			}
			h.quotes.set(quoteFor("TQQQ", 49.98))
			if c.prep != nil {
				c.prep(t, h)
			}
			sig := rankedSignal("TQQQ", models.SignalSO, 1, c.allocated)

			opened, rejs, err := h.m.ExecuteRanked(context.Background(), []models.RankedSignal{sig})
			if err != nil {
				t.Fatalf("ExecuteRanked: %v", err)
			}
			if opened != 0 || len(rejs) != 1 {
				t.Fatalf("opened %d, rejections %+v", opened, rejs)
			}
			if rejs[0].Stage != c.stage {
				t.Errorf("stage = %q, want %q", rejs[0].Stage, c.stage)
			}
			if !strings.Contains(rejs[0].Reason, c.reason) {
				t.Errorf("reason = %q, want fragment %q", rejs[0].Reason, c.reason)
			}
			if n := len(h.exec.orders()); n != 0 {
				t.Errorf("%d orders reached the broker", n)
			}
			if got := h.books.Snapshot().SODeployed; got != 0 {
				t.Errorf("SO deployed = %.2f, want 0", got)
			}
		})
	}
}

func TestExecuteRankedSlipGuardClampsQuantity(t *testing.T) {
	h := newHarness(t, 100_000, Config{})
	h.exec.fill = 50.00
	q := quoteFor("TQQQ", 49.98)
	q.AvgVolume = 90_100 // thin name: 0.5% of ADV caps the ticket
	h.quotes.set(q)

	guard := adv.New("", true, zerolog.Nop())
	if err := guard.Refresh(context.Background(), h.quotes, []string{"TQQQ"}); err != nil {
		t.Fatalf("refreshing ADV table: %v", err)
	}
	h.m.advc = guard

	opened, rejs, err := h.m.ExecuteRanked(context.Background(),
		[]models.RankedSignal{rankedSignal("TQQQ", models.SignalSO, 1, 35_000)})
	if err != nil {
		t.Fatalf("ExecuteRanked: %v", err)
	}
	if opened != 1 || len(rejs) != 0 {
		t.Fatalf("opened %d, rejections %+v", opened, rejs)
	}

	placed := h.exec.orders()
	if len(placed) != 1 || placed[0].Legs[0].Quantity != 450 {
		t.Fatalf("clamped quantity = %d, want 450", placed[0].Legs[0].Quantity)
	}
	if got := h.books.Snapshot().SODeployed; !almost(got, 22_500) {
		t.Errorf("SO deployed = %.2f, want 22500", got)
	}
}

func TestExecuteRankedFailedOrderLeavesBooksClean(t *testing.T) {
	h := newHarness(t, 100_000, Config{})
	h.exec.fail = true
	h.quotes.set(quoteFor("TQQQ", 49.98))
	sig := rankedSignal("TQQQ", models.SignalSO, 1, 35_000)

	opened, rejs, err := h.m.ExecuteRanked(context.Background(), []models.RankedSignal{sig})
	if err != nil {
		t.Fatalf("ExecuteRanked: %v", err)
	}
	if opened != 0 || len(rejs) != 1 || rejs[0].Stage != "order" {
		t.Fatalf("opened %d, rejections %+v", opened, rejs)
	}
	if !strings.Contains(rejs[0].Reason, "refused") {
		t.Errorf("reason = %q", rejs[0].Reason)
	}
	if len(h.reg.all()) != 0 {
		t.Errorf("failed order registered a position")
	}
	if got := h.books.Snapshot().SODeployed; got != 0 {
		t.Errorf("SO deployed = %.2f, want 0", got)
	}
	if h.notes.kinds("batch_open") != 0 {
		t.Errorf("empty wave emitted a batch alert")
	}

	// The signal is not consumed; the next wave may retry it.
	h.exec.fail = false
	opened, rejs, err = h.m.ExecuteRanked(context.Background(), []models.RankedSignal{sig})
	if err != nil {
		t.Fatalf("retry ExecuteRanked: %v", err)
	}
	if opened != 1 || len(rejs) != 0 {
		t.Fatalf("retry: opened %d, rejections %+v", opened, rejs)
	}
}

func TestExecuteRankedRegisterFailureSkipsBooking(t *testing.T) {
	h := newHarness(t, 100_000, Config{})
	h.reg.err = errors.New("monitor is not accepting positions")
	h.quotes.set(quoteFor("TQQQ", 49.98))

	opened, rejs, err := h.m.ExecuteRanked(context.Background(),
		[]models.RankedSignal{rankedSignal("TQQQ", models.SignalSO, 1, 35_000)})
	if err != nil {
		t.Fatalf("ExecuteRanked: %v", err)
	}
	if opened != 0 || len(rejs) != 1 || rejs[0].Stage != "register" {
		t.Fatalf("opened %d, rejections %+v", opened, rejs)
	}
	if !strings.Contains(rejs[0].Reason, "not accepting") {
		t.Errorf("reason = %q", rejs[0].Reason)
	}
	if got := h.books.Snapshot().SODeployed; got != 0 {
		t.Errorf("unregistered fill booked capital: %.2f", got)
	}
}

func TestExecuteRankedRequiresBalance(t *testing.T) {
	h := newHarness(t, 100_000, Config{})
	h.account.err = errors.New("account endpoint down")

	// An empty wave returns before touching the account.
	if _, _, err := h.m.ExecuteRanked(context.Background(), nil); err != nil {
		t.Fatalf("empty wave: %v", err)
	}

	_, _, err := h.m.ExecuteRanked(context.Background(),
		[]models.RankedSignal{rankedSignal("TQQQ", models.SignalSO, 1, 35_000)})
	if err == nil || !strings.Contains(err.Error(), "fetching balance") {
		t.Fatalf("err = %v, want balance failure", err)
	}
	if len(h.exec.orders()) != 0 {
		t.Errorf("orders placed without an account snapshot")
	}
}

func TestExecuteRankedShortSaleCrossesDown(t *testing.T) {
	h := newHarness(t, 100_000, Config{})
	h.quotes.set(quoteFor("SQQQ", 49.98))
	sig := rankedSignal("SQQQ", models.SignalSO, 1, 35_000)
	sig.Side = models.SideShort

	opened, rejs, err := h.m.ExecuteRanked(context.Background(), []models.RankedSignal{sig})
	if err != nil {
		t.Fatalf("ExecuteRanked: %v", err)
	}
	if opened != 1 || len(rejs) != 0 {
		t.Fatalf("opened %d, rejections %+v", opened, rejs)
	}

	o := h.exec.orders()[0]
	if o.Legs[0].Action != broker.ActionSell {
		t.Errorf("action = %s, want SELL", o.Legs[0].Action)
	}
	if !almost(o.LimitPrice, 49.93) {
		t.Errorf("limit = %.4f, want 49.93", o.LimitPrice)
	}
	pos := h.reg.all()[0]
	if pos.Side != models.SideShort {
		t.Errorf("side = %s", pos.Side)
	}
	if !almost(pos.EntryPrice, 49.93) {
		t.Errorf("entry = %.4f, want limit fill 49.93", pos.EntryPrice)
	}
}

func TestTrailModeTagging(t *testing.T) {
	breakoutSO := rankedSignal("TQQQ", models.SignalSO, 1, 35_000)

	reversal := rankedSignal("TQQQ", models.SignalORR, 1, 35_000)

	runaway := rankedSignal("TQQQ", models.SignalSO, 1, 35_000)
	runaway.VolumeRatio = 3.5
	runaway.PriceAtEmit = 50.10 // more than 1% past the range high

	runawayReversal := rankedSignal("TQQQ", models.SignalORR, 1, 35_000)
	runawayReversal.VolumeRatio = 3.5
	runawayReversal.PriceAtEmit = 50.10

	cases := []struct {
		name string
		sig  models.RankedSignal
		want models.TrailMode
	}{
		{"confirmed breakout trails tight", breakoutSO, models.ModeExplosive},
		{"reversal runs balanced", reversal, models.ModeBalanced},
		{"runaway volume gets room", runaway, models.ModeMoon},
		{"runaway reversal gets room", runawayReversal, models.ModeMoon},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := trailModeFor(&c.sig); got != c.want {
				t.Errorf("mode = %s, want %s", got, c.want)
			}
		})
	}
}

func TestExecuteRankedAcceptsPartialFill(t *testing.T) {
	h := newHarness(t, 100_000, Config{FillPoll: time.Millisecond, OrderTimeout: time.Second})
	h.quotes.set(quoteFor("TQQQ", 49.98))
	h.exec.script = []broker.OrderStatus{
		{State: broker.StatePartial, OrderedQty: 700, FilledQty: 300, AvgFillPrice: 50.01},
		{State: broker.StateCancelled, OrderedQty: 700, FilledQty: 300, AvgFillPrice: 50.01},
	}

	opened, rejs, err := h.m.ExecuteRanked(context.Background(),
		[]models.RankedSignal{rankedSignal("TQQQ", models.SignalSO, 1, 35_000)})
	if err != nil {
		t.Fatalf("ExecuteRanked: %v", err)
	}
	if opened != 1 || len(rejs) != 0 {
		t.Fatalf("opened %d, rejections %+v", opened, rejs)
	}

	pos := h.reg.all()[0]
	if pos.Quantity != 300 {
		t.Errorf("quantity = %d, want the 300 shares that printed", pos.Quantity)
	}
	if !almost(pos.EntryPrice, 50.01) {
		t.Errorf("entry = %.4f, want 50.01", pos.EntryPrice)
	}
	// Only the filled shares are booked against the ledger.
	if got := h.books.Snapshot().SODeployed; !almost(got, 15_003) {
		t.Errorf("SO deployed = %.2f, want 15003", got)
	}
}

func TestExecuteRankedCancelsStuckTicket(t *testing.T) {
	h := newHarness(t, 100_000, Config{FillPoll: 10 * time.Millisecond, OrderTimeout: 50 * time.Millisecond})
	h.exec.stuck = true
	h.quotes.set(quoteFor("TQQQ", 49.98))

	opened, rejs, err := h.m.ExecuteRanked(context.Background(),
		[]models.RankedSignal{rankedSignal("TQQQ", models.SignalSO, 1, 35_000)})
	if err != nil {
		t.Fatalf("ExecuteRanked: %v", err)
	}
	if opened != 0 || len(rejs) != 1 || rejs[0].Stage != "order" {
		t.Fatalf("opened %d, rejections %+v", opened, rejs)
	}
	if !strings.Contains(rejs[0].Reason, "unfilled after") {
		t.Errorf("reason = %q", rejs[0].Reason)
	}
	if h.exec.cancelCount() != 1 {
		t.Errorf("cancels = %d, want 1", h.exec.cancelCount())
	}
	if got := h.books.Snapshot().SODeployed; got != 0 {
		t.Errorf("SO deployed = %.2f, want 0", got)
	}
}

func TestExecuteRankedKeepsFillThatBeatTheCancel(t *testing.T) {
	h := newHarness(t, 100_000, Config{FillPoll: 10 * time.Millisecond, OrderTimeout: 50 * time.Millisecond})
	h.exec.stuck = true
	h.exec.fillOnCancel = true
	h.exec.fill = 50.02
	h.quotes.set(quoteFor("TQQQ", 49.98))

	opened, rejs, err := h.m.ExecuteRanked(context.Background(),
		[]models.RankedSignal{rankedSignal("TQQQ", models.SignalSO, 1, 35_000)})
	if err != nil {
		t.Fatalf("ExecuteRanked: %v", err)
	}
	if opened != 1 || len(rejs) != 0 {
		t.Fatalf("opened %d, rejections %+v", opened, rejs)
	}
	if h.exec.cancelCount() != 1 {
		t.Errorf("cancels = %d, want 1", h.exec.cancelCount())
	}
	pos := h.reg.all()[0]
	if pos.Quantity != 700 || !almost(pos.EntryPrice, 50.02) {
		t.Errorf("recovered fill = %d @ %.4f, want 700 @ 50.02", pos.Quantity, pos.EntryPrice)
	}
	if got := h.books.Snapshot().SODeployed; !almost(got, 35_014) {
		t.Errorf("SO deployed = %.2f, want 35014", got)
	}
}

// The demo path is the live path: the same manager, driven against the
// simulator, ends with paper holdings instead of real ones.
func TestExecuteRankedAgainstSimulator(t *testing.T) {
	quotes := &fakeQuotes{quotes: make(map[string]models.Quote)}
	quotes.set(quoteFor("TQQQ", 49.98))
	sim := broker.NewSim(quotes, nil, 100_000, zerolog.Nop())

	clock := &fakeClock{now: entryTime}
	books := compound.New(storage.NewMockStorage(), 0.90, zerolog.Nop())
	if err := books.Initialize(100_000, t0); err != nil {
		t.Fatalf("seeding compound ledger: %v", err)
	}
	books.StartDay(clock.TradingDate(t0))
	reg := &fakeRegistrar{}
	m := NewManager(Config{}, sim, sim, sim, clock, books,
		adv.New("", false, zerolog.Nop()), reg, zerolog.Nop())

	opened, rejs, err := m.ExecuteRanked(context.Background(),
		[]models.RankedSignal{rankedSignal("TQQQ", models.SignalSO, 1, 35_000)})
	if err != nil {
		t.Fatalf("ExecuteRanked: %v", err)
	}
	if opened != 1 || len(rejs) != 0 {
		t.Fatalf("opened %d, rejections %+v", opened, rejs)
	}

	pos := reg.all()[0]
	if pos.Quantity != 700 || !almost(pos.EntryPrice, 50.03) {
		t.Errorf("fill = %d @ %.4f, want 700 @ limit 50.03", pos.Quantity, pos.EntryPrice)
	}
	if got := sim.Cash(); !almost(got, 100_000-700*50.03) {
		t.Errorf("sim cash = %.2f, want %.2f", got, 100_000-700*50.03)
	}
	holdings, err := sim.ListPositions(context.Background())
	if err != nil {
		t.Fatalf("listing sim positions: %v", err)
	}
	if len(holdings) != 1 || holdings[0].Symbol != "TQQQ" || holdings[0].Quantity != 700 {
		t.Errorf("sim holdings = %+v", holdings)
	}
}
