// Package retry wraps fallible broker-facing operations with bounded
// exponential backoff. Only errors classified as transient are retried;
// permission and validation failures surface immediately.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openrange-labs/daybreak/internal/broker"
)

type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Do runs fn up to cfg.MaxRetries+1 times, backing off between transient
// failures. The whole sequence is bounded by cfg.Timeout. The zero value
// of T and the last error are returned when every attempt fails.
func Do[T any](ctx context.Context, logger zerolog.Logger, cfg Config, op string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("%s canceled: %w", op, err)
		}

		out, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info().Str("op", op).Int("attempt", attempt+1).Msg("succeeded after retry")
			}
			return out, nil
		}
		lastErr = err

		if !Transient(err) || attempt == cfg.MaxRetries {
			break
		}
		logger.Warn().Str("op", op).Int("attempt", attempt+1).
			Dur("backoff", backoff).Err(err).Msg("transient failure, retrying")

		select {
		case <-time.After(backoff):
			backoff = nextBackoff(backoff, cfg.MaxBackoff)
		case <-ctx.Done():
			return zero, fmt.Errorf("%s canceled during backoff: %w", op, ctx.Err())
		}
	}

	return zero, fmt.Errorf("%s failed after %d attempts: %w", op, cfg.MaxRetries+1, lastErr)
}

// nextBackoff grows the delay by 1.5x, caps it, and adds up to 25% jitter
// so concurrent retries do not synchronize.
func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := time.Duration(float64(current) * 1.5)
	if next > maxBackoff {
		next = maxBackoff
	}
	maxJitter := int64(next / 4)
	if maxJitter > 0 {
		if j, err := rand.Int(rand.Reader, big.NewInt(maxJitter)); err == nil {
			next += time.Duration(j.Int64())
		}
	}
	return next
}

// Transient reports whether err is worth retrying. Typed broker errors
// are authoritative; untyped errors fall back to substring matching on
// common network failure text.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if broker.IsTransient(err) {
		return true
	}
	var apiErr *broker.APIError
	if errors.As(err, &apiErr) {
		// Classified as something other than transient.
		return false
	}

	msg := strings.ToLower(err.Error())
	patterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429",
		"502",
		"503",
		"504",
		"network",
		"dns",
		"tcp",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
