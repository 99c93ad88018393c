package mock

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openrange-labs/daybreak/internal/broker"
	"github.com/openrange-labs/daybreak/internal/models"
)

var chainNow = time.Date(2026, time.January, 6, 10, 16, 0, 0, time.UTC)

func TestQuotesWalkStaysSane(t *testing.T) {
	feed := NewFeed(zerolog.Nop())

	first, err := feed.GetQuotes(context.Background(), []string{"TQQQ", "SPY"})
	if err != nil {
		t.Fatalf("GetQuotes: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("quotes = %d, want 2", len(first))
	}
	second, err := feed.GetQuotes(context.Background(), []string{"TQQQ", "SPY"})
	if err != nil {
		t.Fatalf("GetQuotes: %v", err)
	}

	for i, q := range second {
		if q.Last <= 0 {
			t.Errorf("%s Last = %v, want > 0", q.Symbol, q.Last)
		}
		if !(q.Bid < q.Ask) {
			t.Errorf("%s book inverted: bid %v ask %v", q.Symbol, q.Bid, q.Ask)
		}
		if q.Last < q.Bid || q.Last > q.Ask {
			t.Errorf("%s Last %v outside [%v, %v]", q.Symbol, q.Last, q.Bid, q.Ask)
		}
		if q.AvgVolume <= 0 {
			t.Errorf("%s AvgVolume = %d, want > 0", q.Symbol, q.AvgVolume)
		}
		if q.Volume <= first[i].Volume {
			t.Errorf("%s volume did not accrue: %d then %d", q.Symbol, first[i].Volume, q.Volume)
		}
		if q.High < q.Low {
			t.Errorf("%s High %v below Low %v", q.Symbol, q.High, q.Low)
		}
	}
}

func TestUnknownSymbolAnchorsDeterministically(t *testing.T) {
	a, err := NewFeed(zerolog.Nop()).GetQuotes(context.Background(), []string{"ZZZT"})
	if err != nil {
		t.Fatalf("GetQuotes: %v", err)
	}
	b, err := NewFeed(zerolog.Nop()).GetQuotes(context.Background(), []string{"ZZZT"})
	if err != nil {
		t.Fatalf("GetQuotes: %v", err)
	}
	// One walk step moves at most 8 bp, so two fresh feeds land together.
	diff := a[0].Last - b[0].Last
	if diff < 0 {
		diff = -diff
	}
	if diff > a[0].Last*0.01 {
		t.Fatalf("anchors diverged: %v vs %v", a[0].Last, b[0].Last)
	}
}

func TestChainShape(t *testing.T) {
	feed := NewFeed(zerolog.Nop()).WithClock(func() time.Time { return chainNow })
	feed.SetPrice("SPY", 560)

	expiry := time.Date(2026, time.January, 6, 0, 0, 0, 0, time.UTC)
	chain, err := feed.GetOptionChain(context.Background(), "SPY", expiry, 3, true)
	if err != nil {
		t.Fatalf("GetOptionChain: %v", err)
	}
	if chain.Underlying != "SPY" || !chain.Expiry.Equal(expiry) {
		t.Fatalf("chain header = %s %s", chain.Underlying, chain.Expiry)
	}
	if !chain.RetrievedAt.Equal(chainNow) {
		t.Fatalf("RetrievedAt = %s, want %s", chain.RetrievedAt, chainNow)
	}
	if len(chain.Calls) != 7 || len(chain.Puts) != 7 {
		t.Fatalf("legs = %d calls, %d puts, want 7 each", len(chain.Calls), len(chain.Puts))
	}

	for i := 1; i < len(chain.Calls); i++ {
		if chain.Calls[i].Strike <= chain.Calls[i-1].Strike {
			t.Fatalf("strikes not ascending at %d: %v then %v",
				i, chain.Calls[i-1].Strike, chain.Calls[i].Strike)
		}
	}
	mid := chain.Calls[3]
	if mid.Strike < 559 || mid.Strike > 561 {
		t.Fatalf("center strike %v not near spot 560", mid.Strike)
	}

	for _, leg := range append(append([]models.OptionContract{}, chain.Calls...), chain.Puts...) {
		if leg.Bid <= 0 || leg.Ask <= leg.Bid {
			t.Errorf("%s book: bid %v ask %v", leg.Symbol, leg.Bid, leg.Ask)
		}
		if leg.SpreadPct() > 0.15 {
			t.Errorf("%s spread %.1f%% too wide for a near strike", leg.Symbol, leg.SpreadPct()*100)
		}
		if leg.OpenInterest < 100 || leg.Volume < 50 {
			t.Errorf("%s liquidity: oi %d vol %d", leg.Symbol, leg.OpenInterest, leg.Volume)
		}
	}
}

func TestChainGreeksAndSymbols(t *testing.T) {
	feed := NewFeed(zerolog.Nop()).WithClock(func() time.Time { return chainNow })
	feed.SetPrice("SPY", 560)

	expiry := time.Date(2026, time.January, 6, 0, 0, 0, 0, time.UTC)
	chain, err := feed.GetOptionChain(context.Background(), "SPY", expiry, 4, true)
	if err != nil {
		t.Fatalf("GetOptionChain: %v", err)
	}

	var prev float64 = 1.1
	for _, c := range chain.Calls {
		if c.Kind != models.KindCall {
			t.Fatalf("call leg tagged %s", c.Kind)
		}
		if c.Delta <= 0 || c.Delta >= 1 {
			t.Errorf("call %v delta = %v, want (0, 1)", c.Strike, c.Delta)
		}
		if c.Delta >= prev {
			t.Errorf("call delta not decreasing across strikes: %v then %v", prev, c.Delta)
		}
		prev = c.Delta
		if c.Gamma <= 0 || c.Theta > 0 {
			t.Errorf("call %v gamma %v theta %v", c.Strike, c.Gamma, c.Theta)
		}
		want := broker.OCCSymbol("SPY", expiry, models.KindCall, c.Strike)
		if c.Symbol != want {
			t.Errorf("call symbol = %s, want %s", c.Symbol, want)
		}
	}
	for _, p := range chain.Puts {
		if p.Kind != models.KindPut {
			t.Fatalf("put leg tagged %s", p.Kind)
		}
		if p.Delta >= 0 || p.Delta <= -1 {
			t.Errorf("put %v delta = %v, want (-1, 0)", p.Strike, p.Delta)
		}
	}

	bare, err := feed.GetOptionChain(context.Background(), "SPY", expiry, 2, false)
	if err != nil {
		t.Fatalf("GetOptionChain without greeks: %v", err)
	}
	for _, c := range bare.Calls {
		if c.Delta != 0 || c.Gamma != 0 {
			t.Errorf("greeks populated without request: %+v", c)
		}
	}
}

func TestChainIntervalTracksPrice(t *testing.T) {
	feed := NewFeed(zerolog.Nop()).WithClock(func() time.Time { return chainNow })
	feed.SetPrice("TQQQ", 52)

	expiry := time.Date(2026, time.January, 6, 0, 0, 0, 0, time.UTC)
	chain, err := feed.GetOptionChain(context.Background(), "TQQQ", expiry, 2, false)
	if err != nil {
		t.Fatalf("GetOptionChain: %v", err)
	}
	step := chain.Calls[1].Strike - chain.Calls[0].Strike
	if step != 0.5 {
		t.Fatalf("strike interval = %v, want 0.5 below $100", step)
	}
}
