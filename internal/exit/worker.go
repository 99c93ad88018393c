package exit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openrange-labs/daybreak/internal/alerts"
	"github.com/openrange-labs/daybreak/internal/broker"
	"github.com/openrange-labs/daybreak/internal/models"
	"github.com/openrange-labs/daybreak/internal/monitoring"
	"github.com/openrange-labs/daybreak/internal/retry"
)

// drainIntents is the worker loop: one intent at a time, so partial fills
// for the same position can never interleave.
func (e *Engine) drainIntents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case intent := <-e.intents:
			e.execute(ctx, intent)
		}
	}
}

// execute runs one close order through preview, place, and fill polling,
// then settles the books.
func (e *Engine) execute(ctx context.Context, intent CloseIntent) {
	action := broker.ActionSell
	if intent.Side == models.SideShort {
		action = broker.ActionBuy
	}
	order := broker.NewEquityOrder(intent.Symbol, action, intent.Quantity, broker.PriceMarket, 0)

	start := time.Now()
	fill, err := e.submit(ctx, order)
	monitoring.ObserveBrokerCall("close_order", time.Since(start))
	if err != nil {
		monitoring.RecordOrder(strings.ToLower(string(action)), "failed")
		e.closeFailed(ctx, intent, err)
		return
	}
	monitoring.RecordOrder(strings.ToLower(string(action)), "filled")
	e.settleClose(ctx, intent, fill)
}

// submit previews and places the ticket, then polls until it fills. A
// ticket that cannot fill inside OrderTimeout is cancelled and reported as
// an error so a later tick can retry.
func (e *Engine) submit(ctx context.Context, order *broker.Order) (*broker.OrderStatus, error) {
	preview, err := retry.Do(ctx, e.logger, e.cfg.Retry, "preview_close", func(ctx context.Context) (*broker.Preview, error) {
		return e.orders.PreviewOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}
	ack, err := retry.Do(ctx, e.logger, e.cfg.Retry, "place_close", func(ctx context.Context) (*broker.OrderAck, error) {
		return e.orders.PlaceOrder(ctx, order, preview.PreviewID)
	})
	if err != nil {
		return nil, err
	}

	deadline := time.NewTimer(e.cfg.OrderTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(e.cfg.FillPoll)
	defer poll.Stop()
	for {
		status, err := e.orders.GetOrderStatus(ctx, ack.OrderID)
		if err != nil {
			e.logger.Warn().Err(err).Int64("order_id", ack.OrderID).Msg("polling close order")
		} else {
			switch status.State {
			case broker.StateExecuted:
				return status, nil
			case broker.StateCancelled, broker.StateRejected, broker.StateExpired:
				return nil, fmt.Errorf("close order %d ended %s", ack.OrderID, status.State)
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			if cerr := e.orders.CancelOrder(ctx, ack.OrderID); cerr != nil {
				e.logger.Error().Err(cerr).Int64("order_id", ack.OrderID).Msg("cancelling unfilled close order")
			}
			return nil, fmt.Errorf("close order %d unfilled after %s", ack.OrderID, e.cfg.OrderTimeout)
		case <-poll.C:
		}
	}
}

// closeFailed releases the pending marker so a later tick can retry. After
// maxCloseFailures the position degrades to protective-and-EOD closes only
// and the operator is paged.
func (e *Engine) closeFailed(ctx context.Context, intent CloseIntent, err error) {
	e.logger.Error().Err(err).
		Str("position_id", intent.PositionID).
		Str("trigger", string(intent.Trigger)).
		Msg("close order failed")
	monitoring.RecordError("exit")

	m := e.managedByID(intent.PositionID)
	if m == nil {
		return
	}
	m.mu.Lock()
	m.pendingQty = 0
	m.failedCloses++
	m.version++
	escalate := m.failedCloses >= maxCloseFailures && !m.deferEOD
	if escalate {
		m.deferEOD = true
	}
	failures := m.failedCloses
	symbol := m.pos.Symbol
	m.mu.Unlock()

	if escalate {
		e.notifyEvent(ctx, alerts.ExitStuck(symbol, intent.PositionID, failures, e.clock.Now()))
	}
}

// settleClose folds a fill into the books: quantity, realized P&L, substate,
// persistence, and the compound ledger.
func (e *Engine) settleClose(ctx context.Context, intent CloseIntent, fill *broker.OrderStatus) {
	m := e.managedByID(intent.PositionID)
	if m == nil {
		e.logger.Error().Str("position_id", intent.PositionID).Msg("fill for unknown position")
		return
	}

	filledAt := fill.ExecutedAt
	if filledAt.IsZero() {
		filledAt = e.clock.Now()
	}

	m.mu.Lock()
	p := m.pos
	qty := intent.Quantity
	if qty > p.Quantity {
		qty = p.Quantity
	}
	fillPrice := fill.AvgFillPrice
	if fillPrice <= 0 {
		fillPrice = p.CurrentPrice
	}

	pnl := p.Side.UnrealizedPnL(p.EntryPrice, fillPrice, qty)
	p.RealizedPnL += pnl
	p.Quantity -= qty
	m.pendingQty = 0
	m.failedCloses = 0
	m.version++

	closedOut := p.Quantity == 0
	if closedOut {
		p.ExitTime = filledAt.UTC()
		p.UnrealizedPnL = 0
		e.transition(p, models.StateClosed, string(intent.Trigger))
		if err := e.store.UpsertPosition(p); err != nil {
			e.logger.Error().Err(err).Str("position_id", p.ID).Msg("persisting final snapshot")
		}
		if err := e.store.ClosePosition(p.ID, p.RealizedPnL, string(intent.Trigger)); err != nil {
			e.logger.Error().Err(err).Str("position_id", p.ID).Msg("closing position in storage")
		}
	} else {
		e.promoteForScaleOut(p)
		e.transition(p, models.StatePartial, "scale_out")
		p.CurrentTakeProfit = e.nextRungPrice(p)
		p.UnrealizedPnL = p.Side.UnrealizedPnL(p.EntryPrice, p.CurrentPrice, p.Quantity)
		if err := e.store.UpsertPosition(p); err != nil {
			e.logger.Error().Err(err).Str("position_id", p.ID).Msg("persisting scaled-out position")
		}
	}
	realized := p.RealizedPnL
	entry := p.EntryPrice
	initialValue := p.EntryPrice * float64(p.InitialQuantity)
	sigType := p.SignalType
	symbol := p.Symbol
	m.mu.Unlock()

	if closedOut {
		e.mu.Lock()
		delete(e.positions, intent.PositionID)
		count := len(e.positions)
		e.mu.Unlock()
		monitoring.SetOpenPositions(count)
		monitoring.RecordExit(string(intent.Trigger))

		var pnlPct float64
		if initialValue > 0 {
			pnlPct = realized / initialValue * 100
		}
		e.notifyEvent(ctx, alerts.PositionClosed(symbol, string(intent.Trigger), realized, pnlPct, filledAt))
	}

	if e.settle != nil {
		e.settle.OnPositionClosed(symbol, entry*float64(qty), sigType, pnl)
	}

	e.logger.Info().
		Str("position_id", intent.PositionID).
		Str("symbol", symbol).
		Str("trigger", string(intent.Trigger)).
		Int("quantity", qty).
		Float64("fill", fillPrice).
		Float64("pnl", pnl).
		Bool("closed", closedOut).
		Msg("close settled")
}

// promoteForScaleOut walks any promotions a fast move skipped so the
// scale-out edge is legal from where the machine actually is.
func (e *Engine) promoteForScaleOut(p *models.Position) {
	switch p.CurrentStealth() {
	case models.StateFresh, models.StateArmed:
		e.transition(p, models.StateBreakeven, "breakeven_reached")
		e.transition(p, models.StateTrailing, "trailing_activated")
	case models.StateBreakeven:
		e.transition(p, models.StateTrailing, "trailing_activated")
	}
}
