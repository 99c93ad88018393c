package odte

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openrange-labs/daybreak/internal/broker"
	"github.com/openrange-labs/daybreak/internal/models"
)

// Mark is one per-share valuation of an options structure: the spread mid
// for debits, the cost to close for credits, the contract mid for lottos.
type Mark struct {
	Value float64
	At    time.Time
}

// ValueSource prices an open options position. The production source walks
// a fresh chain; tests feed values directly.
type ValueSource interface {
	MarkStructure(ctx context.Context, p *models.OptionsPosition) (Mark, error)
}

// markChainTTL is how long a fetched chain keeps pricing positions before
// the next tick refetches it. Stale marks make stops fire late.
const markChainTTL = 30 * time.Second

// ChainMarker prices positions off live option chains, fetching each
// underlying at most once per TTL so several positions on the same name
// share one snapshot.
type ChainMarker struct {
	chains broker.ChainProvider
	clock  SessionClock

	mu    sync.Mutex
	cache map[string]*broker.OptionChain
}

// NewChainMarker builds the production value source.
func NewChainMarker(chains broker.ChainProvider, clock SessionClock) *ChainMarker {
	return &ChainMarker{
		chains: chains,
		clock:  clock,
		cache:  make(map[string]*broker.OptionChain),
	}
}

// MarkStructure revalues the position's legs against the freshest chain.
func (c *ChainMarker) MarkStructure(ctx context.Context, p *models.OptionsPosition) (Mark, error) {
	expiry := p.EntryTime
	switch {
	case p.Debit != nil:
		expiry = p.Debit.Expiry
	case p.Credit != nil:
		expiry = p.Credit.Expiry
	case p.Lotto != nil:
		expiry = p.Lotto.Expiry
	}

	chain, err := c.chain(ctx, p.Underlying, expiry)
	if err != nil {
		return Mark{}, err
	}

	now := c.clock.Now()
	switch p.Structure {
	case models.StructureDebitSpread:
		long, err := findLeg(chain, p.Debit.LongLeg)
		if err != nil {
			return Mark{}, err
		}
		short, err := findLeg(chain, p.Debit.ShortLeg)
		if err != nil {
			return Mark{}, err
		}
		v := long.Mid() - short.Mid()
		if v < 0 {
			v = 0
		}
		return Mark{Value: v, At: now}, nil
	case models.StructureCreditSpread:
		short, err := findLeg(chain, p.Credit.ShortLeg)
		if err != nil {
			return Mark{}, err
		}
		long, err := findLeg(chain, p.Credit.LongLeg)
		if err != nil {
			return Mark{}, err
		}
		// Cost to close: buy back the short, sell the wing.
		v := short.Mid() - long.Mid()
		if v < 0 {
			v = 0
		}
		return Mark{Value: v, At: now}, nil
	case models.StructureLotto:
		leg, err := findLeg(chain, *p.Lotto)
		if err != nil {
			return Mark{}, err
		}
		return Mark{Value: leg.Mid(), At: now}, nil
	}
	return Mark{}, fmt.Errorf("odte: cannot mark structure %q", p.Structure)
}

func (c *ChainMarker) chain(ctx context.Context, underlying string, expiry time.Time) (*broker.OptionChain, error) {
	now := c.clock.Now()
	c.mu.Lock()
	cached, ok := c.cache[underlying]
	c.mu.Unlock()
	if ok && cached.Age(now) <= markChainTTL {
		return cached, nil
	}

	chain, err := c.chains.GetOptionChain(ctx, underlying, expiry, defaultNearStrikes, true)
	if err != nil {
		if ok {
			// A mark off a slightly old chain beats no mark at all.
			return cached, nil
		}
		return nil, err
	}
	c.mu.Lock()
	c.cache[underlying] = chain
	c.mu.Unlock()
	return chain, nil
}

// findLeg locates a stored leg in a fresh chain, by OSI symbol first and
// strike plus kind as fallback.
func findLeg(chain *broker.OptionChain, want models.OptionContract) (models.OptionContract, error) {
	side := chain.Calls
	if want.Kind == models.KindPut {
		side = chain.Puts
	}
	for _, c := range side {
		if want.Symbol != "" && c.Symbol == want.Symbol {
			return c, nil
		}
	}
	key := strikeKey(want.Strike)
	for _, c := range side {
		if strikeKey(c.Strike) == key {
			return c, nil
		}
	}
	return models.OptionContract{}, fmt.Errorf("odte: leg %s %.2f %s missing from chain", want.Underlying, want.Strike, want.Kind)
}
