package scheduler

import (
	"context"
	"time"

	"github.com/openrange-labs/daybreak/internal/adv"
	"github.com/openrange-labs/daybreak/internal/oauth"
)

// ADVRefresh re-pulls average-daily-volume figures for the watchlist.
// Scheduled before the session opens so the slip guard prices the day on
// fresh data; also run once at boot when the cache is stale.
type ADVRefresh struct {
	Cache   *adv.Cache
	Quotes  adv.QuoteSource
	Symbols []string
	Timeout time.Duration
}

func (j ADVRefresh) Name() string { return "adv_refresh" }

func (j ADVRefresh) Run() error {
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return j.Cache.Refresh(ctx, j.Quotes, j.Symbols)
}

// TokenKeepAlive gives the token renewal loop its cadence. Each run is one
// scheduling decision; the keep-alive itself decides whether a renewal is
// due.
type TokenKeepAlive struct {
	KeepAlive *oauth.KeepAlive
	Timeout   time.Duration
}

func (j TokenKeepAlive) Name() string { return "token_keepalive" }

func (j TokenKeepAlive) Run() error {
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, err := j.KeepAlive.Tick(ctx)
	return err
}
