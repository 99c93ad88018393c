package exec

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openrange-labs/daybreak/internal/broker"
	"github.com/openrange-labs/daybreak/internal/retry"
)

// submitEntry previews and places one equity ticket, then polls it to a
// fill. Unlike the options path, equity tickets can fill share by share,
// so the poll loop accepts partials: whatever printed before a cancel or
// timeout becomes the position.
func (m *Manager) submitEntry(ctx context.Context, order *broker.Order) (*broker.OrderStatus, error) {
	preview, err := retry.Do(ctx, m.logger, m.cfg.Retry, "preview_equity",
		func(ctx context.Context) (*broker.Preview, error) {
			return m.orders.PreviewOrder(ctx, order)
		})
	if err != nil {
		return nil, err
	}
	ack, err := retry.Do(ctx, m.logger, m.cfg.Retry, "place_equity",
		func(ctx context.Context) (*broker.OrderAck, error) {
			return m.orders.PlaceOrder(ctx, order, preview.PreviewID)
		})
	if err != nil {
		return nil, err
	}
	return awaitFill(ctx, m.logger, m.orders, ack.OrderID, m.cfg.OrderTimeout, m.cfg.FillPoll)
}

// awaitFill polls one order to a terminal state. A ticket that cannot
// finish inside timeout is cancelled, but the cancel races the market:
// the status is read once more afterward, and any shares that printed in
// the meantime are returned as a partial fill rather than abandoned.
func awaitFill(ctx context.Context, logger zerolog.Logger, orders broker.OrderExecutor,
	orderID int64, timeout, pollEvery time.Duration) (*broker.OrderStatus, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(pollEvery)
	defer poll.Stop()

	for {
		status, err := orders.GetOrderStatus(ctx, orderID)
		if err != nil {
			logger.Warn().Err(err).Int64("order_id", orderID).Msg("polling equity order")
		} else {
			switch {
			case completelyFilled(status):
				return status, nil
			case status.State.Terminal():
				if status.FilledQty > 0 {
					logger.Warn().Int64("order_id", orderID).
						Int("filled", status.FilledQty).Int("ordered", status.OrderedQty).
						Str("state", string(status.State)).
						Msg("equity order ended partially filled")
					return status, nil
				}
				return nil, fmt.Errorf("equity order %d ended %s with nothing filled",
					orderID, strings.ToLower(string(status.State)))
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			if cerr := orders.CancelOrder(ctx, orderID); cerr != nil {
				logger.Error().Err(cerr).Int64("order_id", orderID).Msg("cancelling unfilled equity order")
			}
			if status, serr := orders.GetOrderStatus(ctx, orderID); serr == nil && status.FilledQty > 0 {
				logger.Warn().Int64("order_id", orderID).Int("filled", status.FilledQty).
					Msg("equity order filled while being cancelled")
				return status, nil
			}
			return nil, fmt.Errorf("equity order %d unfilled after %s", orderID, timeout)
		case <-poll.C:
		}
	}
}

// completelyFilled reports whether the status accounts for every ordered
// share. The quantity comparison is authoritative over the state: brokers
// occasionally report EXECUTED one poll before the last print lands. Some
// fill reports omit quantities and only zero the remaining value, so that
// path counts too as long as something executed.
func completelyFilled(st *broker.OrderStatus) bool {
	if st.OrderedQty > 0 && st.FilledQty >= st.OrderedQty {
		return true
	}
	return st.State == broker.StateExecuted && st.RemainingValue == 0 && st.FilledQty > 0
}
