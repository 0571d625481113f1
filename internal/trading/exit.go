package trading

import (
	"context"

	"session-trader/internal/audit"
	"session-trader/internal/errors"
	"session-trader/internal/logging"
	"session-trader/internal/models"
)

// updatePositions refreshes every open position and resolves brackets or
// local stop-loss / take-profit hits.
func (o *Orchestrator) updatePositions(ctx context.Context) {
	for _, pos := range o.openPositions() {
		if ctx.Err() != nil {
			return
		}
		pos := pos
		o.safely("position "+pos.Symbol, func() { o.monitorPosition(ctx, pos) })
	}
}

func (o *Orchestrator) monitorPosition(ctx context.Context, pos *models.Position) {
	log := logging.WithSymbol(o.logger, pos.Symbol)

	price, err := o.broker.Quote(ctx, pos.Symbol)
	if err != nil || price <= 0 {
		log.Warn().Err(err).Msg("Position update: no quote")
		return
	}
	pos.UpdatePrice(price)

	if pos.BracketID != "" {
		st, err := o.broker.BracketStatus(ctx, bracketQuery(pos))
		switch {
		case errors.Is(err, errors.ErrNotSupported):
			// local checks only
		case err != nil:
			log.Warn().Err(err).Str("bracket_id", pos.BracketID).Msg("Bracket status unavailable, checking levels locally")
		case st.State == models.BracketFilled:
			fill := st.FillPrice
			if fill <= 0 {
				fill = price
			}
			reason := st.Reason
			if reason == "" {
				reason = models.CloseReasonUnknown
			}
			log.Info().Str("reason", string(reason)).Float64("fill", fill).Msg("Bracket resolved at broker")
			o.recordClosed(ctx, pos, fill, reason)
			return
		case st.State == models.BracketCancelled:
			log.Warn().Str("bracket_id", pos.BracketID).Msg("Bracket cancelled outside the bot, falling back to local checks")
		}
	}

	switch {
	case pos.StopLossHit(price):
		log.Info().Float64("price", price).Float64("stop_loss", pos.StopLoss).Msg("Stop loss hit")
		o.exitPosition(ctx, pos, price, models.CloseReasonStopLoss)
	case pos.TakeProfitHit(price):
		log.Info().Float64("price", price).Float64("take_profit", pos.TakeProfit).Msg("Take profit hit")
		o.exitPosition(ctx, pos, price, models.CloseReasonTakeProfit)
	default:
		log.Debug().
			Str("side", string(pos.Side)).
			Float64("price", price).
			Float64("pnl", pos.UnrealizedPnL()).
			Float64("pnl_pct", pos.UnrealizedPnLPct()).
			Msg("Position update")
	}
}

// exitPosition cancels any working bracket legs and flattens the position.
// The position stays open unless the broker confirms it is flat.
func (o *Orchestrator) exitPosition(ctx context.Context, pos *models.Position, price float64, reason models.CloseReason) {
	if !pos.IsOpen() {
		return
	}
	log := logging.WithSymbol(o.logger, pos.Symbol).With().Str("reason", string(reason)).Logger()

	if pos.BracketID != "" {
		if err := o.broker.CancelBracket(ctx, pos.Symbol, pos.BracketID); err != nil {
			log.Warn().Err(err).Str("bracket_id", pos.BracketID).Msg("Bracket cancel failed")
		}
	}

	res, err := o.broker.ClosePosition(ctx, models.CloseRequest{
		Symbol:   pos.Symbol,
		Side:     pos.Side,
		Quantity: pos.Quantity,
	})
	if err != nil {
		res.Status = models.CloseFailed
	}

	switch res.Status {
	case models.CloseConfirmed:
		fill := price
		if res.FillPrice > 0 {
			fill = res.FillPrice
		}
		o.recordClosed(ctx, pos, fill, reason)

	case models.CloseAlreadyClosed:
		fill := price
		if pos.BracketID != "" {
			st, err := o.broker.BracketStatus(ctx, bracketQuery(pos))
			if err == nil && st.State == models.BracketFilled {
				if st.FillPrice > 0 {
					fill = st.FillPrice
				}
				if st.Reason != "" {
					reason = st.Reason
				}
			}
		}
		log.Info().Str("reason", string(reason)).Msg("Position already closed at broker")
		o.recordClosed(ctx, pos, fill, reason)

	default:
		o.exitFailures[pos.Symbol]++
		n := o.exitFailures[pos.Symbol]
		log.Error().Err(err).Int("attempt", n).Msg("Failed to close position, will retry next tick")
		if n == 1 {
			o.notify(ctx, msgCloseFailed(pos.Symbol, err))
			o.record(ctx, audit.Event{
				Type:     audit.CloseFailed,
				Venue:    pos.Exchange,
				Symbol:   pos.Symbol,
				OrderID:  pos.OrderID,
				Action:   string(reason),
				ErrorMsg: errText(err),
			})
		}
	}
}

// recordClosed transitions the position to CLOSED and books the result in
// the risk budget, history and snapshot. The position then leaves the table.
func (o *Orchestrator) recordClosed(ctx context.Context, pos *models.Position, price float64, reason models.CloseReason) {
	now := o.clock.Now()
	log := logging.WithSymbol(o.logger, pos.Symbol)

	if err := pos.Close(price, reason, now); err != nil {
		log.Warn().Err(err).Msg("Close ignored")
		return
	}
	o.cooldowns[pos.Symbol] = now
	delete(o.exitFailures, pos.Symbol)

	pnl := pos.RealizedPnL()
	if v := o.venueOf(pos.Exchange); v != nil {
		v.risk.RecordRealizedPnL(pnl)
	}

	if pos.DBTradeID != 0 {
		err := o.trades.CloseTrade(ctx, pos.DBTradeID, models.TradeClose{
			CloseTime:   now,
			ClosePrice:  price,
			CloseReason: reason,
			RealizedPnL: pnl,
		})
		if err != nil {
			log.Warn().Err(err).Int64("trade_id", pos.DBTradeID).Msg("Could not record trade close")
		}
	}
	o.saveSnapshot()
	o.record(ctx, audit.Event{
		Type:    audit.PositionClosed,
		Venue:   pos.Exchange,
		Symbol:  pos.Symbol,
		OrderID: pos.OrderID,
		Action:  string(reason),
		Success: true,
		Details: map[string]interface{}{"close_price": price, "realized_pnl": pnl},
	})
	if cur, ok := o.positions[pos.Symbol]; ok && cur == pos {
		delete(o.positions, pos.Symbol)
	}

	logging.LogExit(log, pos.Symbol, string(reason), price, pnl)
	o.notify(ctx, msgClosed(pos))
}

func bracketQuery(pos *models.Position) models.BracketQuery {
	return models.BracketQuery{
		Symbol:     pos.Symbol,
		BracketID:  pos.BracketID,
		Side:       pos.Side,
		Quantity:   pos.Quantity,
		StopLoss:   pos.StopLoss,
		TakeProfit: pos.TakeProfit,
	}
}
