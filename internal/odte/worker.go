package odte

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openrange-labs/daybreak/internal/alerts"
	"github.com/openrange-labs/daybreak/internal/broker"
	"github.com/openrange-labs/daybreak/internal/models"
	"github.com/openrange-labs/daybreak/internal/monitoring"
	"github.com/openrange-labs/daybreak/internal/retry"
	"github.com/openrange-labs/daybreak/internal/util"
)

// optionTick is the minimum price increment for option limits.
const optionTick = 0.01

// drainIntents is the worker loop: one intent at a time, so partial fills
// for the same position can never interleave.
func (x *ExitEngine) drainIntents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case intent := <-x.intents:
			x.execute(ctx, intent)
		}
	}
}

// execute runs one close order through preview, place, and fill polling,
// then settles the books.
func (x *ExitEngine) execute(ctx context.Context, intent closeIntent) {
	m := x.managedByID(intent.positionID)
	if m == nil {
		return
	}
	m.mu.Lock()
	pos := m.pos.Copy()
	m.mu.Unlock()

	order, err := x.closeOrder(pos, intent)
	if err != nil {
		x.closeFailed(ctx, intent, err)
		return
	}

	start := time.Now()
	fill, err := submitTicket(ctx, x.logger, x.orders, x.cfg.Retry, order, x.cfg.OrderTimeout, x.cfg.FillPoll)
	monitoring.ObserveBrokerCall("close_option_order", time.Since(start))
	if err != nil {
		monitoring.RecordOrder("options", "failed")
		x.closeFailed(ctx, intent, err)
		return
	}
	monitoring.RecordOrder("options", "filled")
	x.settleClose(ctx, intent, fill)
}

// closeOrder prices the ticket off the decision-tick mark, conceding
// CloseSlipPct so it crosses the book: closes that rest unfilled on a
// same-day expiry are worse than a slightly poor print.
func (x *ExitEngine) closeOrder(p *models.OptionsPosition, intent closeIntent) (*broker.Order, error) {
	mark := intent.markValue
	if mark <= 0 {
		mark = p.CurrentValue
	}
	slip := x.cfg.CloseSlipPct / 100

	switch p.Structure {
	case models.StructureDebitSpread:
		if p.Debit == nil {
			return nil, fmt.Errorf("odte: position %s has no debit spread", p.ID)
		}
		credit := util.FloorToTick(mark*(1-slip), optionTick)
		if credit < optionTick {
			credit = optionTick
		}
		return broker.NewDebitSpreadClose(*p.Debit, intent.quantity, credit), nil
	case models.StructureCreditSpread:
		if p.Credit == nil {
			return nil, fmt.Errorf("odte: position %s has no credit spread", p.ID)
		}
		debit := util.CeilToTick(mark*(1+slip), optionTick)
		if debit < optionTick {
			debit = optionTick
		}
		return broker.NewCreditSpreadClose(*p.Credit, intent.quantity, debit), nil
	case models.StructureLotto:
		if p.Lotto == nil {
			return nil, fmt.Errorf("odte: position %s has no contract", p.ID)
		}
		limit := util.FloorToTick(mark*(1-slip), optionTick)
		if limit < optionTick {
			limit = optionTick
		}
		return broker.NewOptionOrder(*p.Lotto, broker.ActionSellClose, intent.quantity, limit), nil
	}
	return nil, fmt.Errorf("odte: position %s has unknown structure %q", p.ID, p.Structure)
}

// submitTicket previews and places one option ticket, then polls until it
// fills. A ticket that cannot fill inside timeout is cancelled and reported
// as an error so the caller can retry on a later tick. Shared by the entry
// path and the close worker.
func submitTicket(ctx context.Context, logger zerolog.Logger, orders broker.OrderExecutor, rcfg retry.Config,
	order *broker.Order, timeout, pollEvery time.Duration) (*broker.OrderStatus, error) {
	preview, err := retry.Do(ctx, logger, rcfg, "preview_option", func(ctx context.Context) (*broker.Preview, error) {
		return orders.PreviewOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}
	ack, err := retry.Do(ctx, logger, rcfg, "place_option", func(ctx context.Context) (*broker.OrderAck, error) {
		return orders.PlaceOrder(ctx, order, preview.PreviewID)
	})
	if err != nil {
		return nil, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(pollEvery)
	defer poll.Stop()
	for {
		status, err := orders.GetOrderStatus(ctx, ack.OrderID)
		if err != nil {
			logger.Warn().Err(err).Int64("order_id", ack.OrderID).Msg("polling option order")
		} else {
			switch status.State {
			case broker.StateExecuted:
				return status, nil
			case broker.StateCancelled, broker.StateRejected, broker.StateExpired:
				return nil, fmt.Errorf("option order %d ended %s", ack.OrderID, status.State)
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			if cerr := orders.CancelOrder(ctx, ack.OrderID); cerr != nil {
				logger.Error().Err(cerr).Int64("order_id", ack.OrderID).Msg("cancelling unfilled option order")
			}
			return nil, fmt.Errorf("option order %d unfilled after %s", ack.OrderID, timeout)
		case <-poll.C:
		}
	}
}

// closeFailed releases the pending marker so a later tick can retry. After
// maxOptionCloseFailures the position degrades to protective-and-EOD
// closes only and the operator is paged.
func (x *ExitEngine) closeFailed(ctx context.Context, intent closeIntent, err error) {
	x.logger.Error().Err(err).
		Str("position_id", intent.positionID).
		Str("trigger", string(intent.trigger)).
		Msg("option close order failed")
	monitoring.RecordError("odte")

	m := x.managedByID(intent.positionID)
	if m == nil {
		return
	}
	m.mu.Lock()
	m.pendingQty = 0
	m.failedCloses++
	m.version++
	escalate := m.failedCloses >= maxOptionCloseFailures && !m.deferEOD
	if escalate {
		m.deferEOD = true
	}
	failures := m.failedCloses
	underlying := m.pos.Underlying
	m.mu.Unlock()

	if escalate {
		x.notifyEvent(ctx, alerts.ExitStuck(underlying, intent.positionID, failures, x.clock.Now()))
	}
}

// settleClose folds a fill into the books: quantity, realized P&L,
// persistence, and the sub-account ledger.
func (x *ExitEngine) settleClose(ctx context.Context, intent closeIntent, fill *broker.OrderStatus) {
	m := x.managedByID(intent.positionID)
	if m == nil {
		x.logger.Error().Str("position_id", intent.positionID).Msg("fill for unknown option position")
		return
	}

	filledAt := fill.ExecutedAt
	if filledAt.IsZero() {
		filledAt = x.clock.Now()
	}

	m.mu.Lock()
	p := m.pos
	qty := intent.quantity
	if qty > p.Quantity {
		qty = p.Quantity
	}
	fillValue := fill.AvgFillPrice
	if fillValue <= 0 {
		fillValue = p.CurrentValue
	}

	perShare := fillValue - p.EntryPrice
	if p.Structure == models.StructureCreditSpread {
		perShare = p.EntryPrice - fillValue
	}
	pnl := perShare * float64(qty) * 100
	p.RealizedPnL += pnl
	p.Quantity -= qty
	m.pendingQty = 0
	m.failedCloses = 0
	m.version++

	released := 0.0
	if p.InitialQty > 0 {
		released = p.CapitalAtRisk() / float64(p.InitialQty) * float64(qty)
	}

	closedOut := p.Quantity == 0
	if closedOut {
		p.Status = models.StatusClosed
		p.ExitTime = filledAt.UTC()
		p.ExitReason = string(intent.trigger)
		p.UnrealizedPnL = 0
		if err := x.store.UpsertOptionPosition(p); err != nil {
			x.logger.Error().Err(err).Str("position_id", p.ID).Msg("persisting final option snapshot")
		}
		if err := x.store.CloseOptionPosition(p.ID, p.RealizedPnL, string(intent.trigger)); err != nil {
			x.logger.Error().Err(err).Str("position_id", p.ID).Msg("closing option position in storage")
		}
	} else {
		p.ScaleOuts++
		p.Status = models.StatusPartial
		p.UnrealizedPnL = p.DollarPnL()
		if err := x.store.UpsertOptionPosition(p); err != nil {
			x.logger.Error().Err(err).Str("position_id", p.ID).Msg("persisting scaled-out option position")
		}
	}
	realized := p.RealizedPnL
	initialValue := p.EntryPrice * float64(p.InitialQty) * 100
	underlying := p.Underlying
	m.mu.Unlock()

	if closedOut {
		x.mu.Lock()
		delete(x.positions, intent.positionID)
		count := len(x.positions)
		x.mu.Unlock()
		monitoring.SetOpenOptionPositions(count)
		monitoring.RecordExit(string(intent.trigger))

		var pnlPct float64
		if initialValue > 0 {
			pnlPct = realized / initialValue * 100
		}
		x.notifyEvent(ctx, alerts.PositionClosed(underlying, string(intent.trigger), realized, pnlPct, filledAt))
	}

	if x.ledger != nil {
		x.ledger.OnOptionClosed(underlying, released, pnl)
	}

	x.logger.Info().
		Str("position_id", intent.positionID).
		Str("underlying", underlying).
		Str("trigger", string(intent.trigger)).
		Int("quantity", qty).
		Float64("fill", fillValue).
		Float64("pnl", pnl).
		Bool("closed", closedOut).
		Msg("option close settled")
}
