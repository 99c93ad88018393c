// Package alerts routes engine events to the operator. The engine only
// knows the Notifier interface; this keeps delivery (log lines today,
// webhooks later) out of trading code.
package alerts

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Severity orders events for routing.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one operator-facing notification.
type Event struct {
	Kind     string            `json:"kind"`
	Severity Severity          `json:"severity"`
	Title    string            `json:"title"`
	Body     string            `json:"body,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
	At       time.Time         `json:"at"`
}

// Notifier delivers events. Implementations must be safe for concurrent
// use and should not block the caller for long.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// LogNotifier writes events to the structured log. The default sink.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier builds the log-backed notifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alerts").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, ev Event) error {
	var entry *zerolog.Event
	switch ev.Severity {
	case SeverityCritical:
		entry = n.logger.Error()
	case SeverityWarning:
		entry = n.logger.Warn()
	default:
		entry = n.logger.Info()
	}
	entry = entry.Str("kind", ev.Kind).Str("title", ev.Title)
	for k, v := range ev.Fields {
		entry = entry.Str(k, v)
	}
	if ev.Body != "" {
		entry = entry.Str("body", ev.Body)
	}
	entry.Msg("alert")
	return nil
}

// Multi fans an event out to several notifiers, returning the first
// delivery error after attempting all of them.
type Multi struct {
	sinks []Notifier
}

// NewMulti builds a fan-out notifier.
func NewMulti(sinks ...Notifier) *Multi {
	return &Multi{sinks: sinks}
}

func (m *Multi) Notify(ctx context.Context, ev Event) error {
	var firstErr error
	for _, sink := range m.sinks {
		if err := sink.Notify(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Event constructors for the fixed vocabulary the engine emits.

// BatchOpen summarizes one execution wave after all fills settle.
func BatchOpen(count int, deployed float64, symbols []string, at time.Time) Event {
	return Event{
		Kind:     "batch_open",
		Severity: SeverityInfo,
		Title:    fmt.Sprintf("opened %d positions, $%.0f deployed", count, deployed),
		Fields:   map[string]string{"symbols": fmt.Sprintf("%v", symbols)},
		At:       at,
	}
}

// PositionClosed reports one settled exit.
func PositionClosed(symbol, trigger string, pnl, pnlPct float64, at time.Time) Event {
	severity := SeverityInfo
	if pnl < 0 {
		severity = SeverityWarning
	}
	return Event{
		Kind:     "position_closed",
		Severity: severity,
		Title:    fmt.Sprintf("%s closed via %s: %+.2f (%+.2f%%)", symbol, trigger, pnl, pnlPct),
		At:       at,
	}
}

// ExitStuck reports repeated close-order failures for one position, which
// from then on only attempts protective and end-of-day closes.
func ExitStuck(symbol, positionID string, failures int, at time.Time) Event {
	return Event{
		Kind:     "exit_stuck",
		Severity: SeverityCritical,
		Title:    fmt.Sprintf("%s close order failed %d times, deferring to end-of-day close", symbol, failures),
		Fields:   map[string]string{"position_id": positionID},
		At:       at,
	}
}

// KeepAliveFailing reports consecutive token keep-alive failures.
func KeepAliveFailing(env string, consecutive int, at time.Time) Event {
	return Event{
		Kind:     "keepalive_failing",
		Severity: SeverityCritical,
		Title:    fmt.Sprintf("%s keep-alive failed %d times in a row", env, consecutive),
		At:       at,
	}
}

// InvariantViolation reports internal state that should be impossible.
func InvariantViolation(where, detail string, at time.Time) Event {
	return Event{
		Kind:     "invariant_violation",
		Severity: SeverityCritical,
		Title:    "invariant violation in " + where,
		Body:     detail,
		At:       at,
	}
}

// Reconciliation reports startup drift between storage and broker.
func Reconciliation(orphans, stale int, at time.Time) Event {
	severity := SeverityInfo
	if orphans > 0 {
		severity = SeverityWarning
	}
	return Event{
		Kind:     "reconciliation",
		Severity: severity,
		Title:    fmt.Sprintf("reconciled positions: %d broker orphans, %d stale local", orphans, stale),
		At:       at,
	}
}
