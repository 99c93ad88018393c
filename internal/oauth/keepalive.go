package oauth

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Renewer is the slice of Session the keep-alive loop needs.
type Renewer interface {
	Status() TokenStatus
	Renew(ctx context.Context) error
}

// KeepAlive renews the access token on a cadence so it never crosses the
// broker's two-hour idle cutoff. Renewals become eligible `ready` after the
// last one (with `due` as the deadline the loop aims to beat) and failed
// attempts back off by `minRetry`.
type KeepAlive struct {
	session  Renewer
	logger   zerolog.Logger
	ready    time.Duration
	minRetry time.Duration
	interval time.Duration
	now      func() time.Time

	lastAttempt time.Time
}

// NewKeepAlive wires a keep-alive loop around a session.
func NewKeepAlive(session Renewer, ready, minRetry time.Duration, logger zerolog.Logger) *KeepAlive {
	if ready <= 0 {
		ready = 80 * time.Minute
	}
	if minRetry <= 0 {
		minRetry = 5 * time.Minute
	}
	return &KeepAlive{
		session:  session,
		logger:   logger.With().Str("component", "keepalive").Logger(),
		ready:    ready,
		minRetry: minRetry,
		interval: time.Minute,
		now:      time.Now,
	}
}

// WithInterval overrides the check cadence. Tests only.
func (k *KeepAlive) WithInterval(d time.Duration) *KeepAlive {
	if d > 0 {
		k.interval = d
	}
	return k
}

// WithClock overrides the wall clock. Tests only.
func (k *KeepAlive) WithClock(fn func() time.Time) *KeepAlive {
	if fn != nil {
		k.now = fn
	}
	return k
}

// Eligible reports whether a renewal attempt may fire now, given the last
// successful renewal and the last attempt of any outcome.
func (k *KeepAlive) Eligible(lastRenewed time.Time, now time.Time) bool {
	if now.Before(lastRenewed.Add(k.ready)) {
		return false
	}
	if !k.lastAttempt.IsZero() && now.Before(k.lastAttempt.Add(k.minRetry)) {
		return false
	}
	return true
}

// Tick runs one scheduling decision: renew if eligible. It reports whether
// a renewal happened. Missing and expired tokens are skipped quietly; the
// engine surfaces those through its own auth gating.
func (k *KeepAlive) Tick(ctx context.Context) (bool, error) {
	st := k.session.Status()
	switch st.State {
	case TokenMissing, TokenExpired:
		return false, nil
	}

	now := k.now()
	if !k.Eligible(st.LastRenewed, now) {
		return false, nil
	}

	k.lastAttempt = now
	if err := k.session.Renew(ctx); err != nil {
		if errors.Is(err, ErrDailyReauthRequired) {
			k.logger.Warn().Msg("token hit daily expiry, keep-alive standing down")
			return false, err
		}
		k.logger.Warn().Err(err).Dur("retry_in", k.minRetry).Msg("token renewal failed")
		return false, err
	}
	k.logger.Info().Time("next_ready", now.Add(k.ready)).Msg("token renewed")
	return true, nil
}

// Run loops Tick until the context is canceled. Renewal errors are logged
// and retried on the next eligible tick rather than stopping the loop.
func (k *KeepAlive) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := k.Tick(ctx); err != nil && errors.Is(err, ErrDailyReauthRequired) {
				// Nothing to keep alive until a human re-authorizes.
				return err
			}
		}
	}
}
