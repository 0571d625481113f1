package trading

import (
	"context"

	"session-trader/internal/audit"
	"session-trader/internal/errors"
	"session-trader/internal/logging"
	"session-trader/internal/models"
	"session-trader/internal/strategy"
)

// checkSignals evaluates every flat symbol of the venue and enters on a
// directional signal.
func (o *Orchestrator) checkSignals(ctx context.Context, v *venue) {
	if o.manualHalt {
		return
	}

	log := o.logger.With().Str("venue", v.name).Logger()

	equity, err := o.broker.AccountValue(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Could not fetch equity for daily-loss check")
	} else if v.risk.ShouldHaltTrading(equity) {
		if !v.state.HaltNotified {
			v.state.HaltNotified = true
			base, _ := v.risk.InitialPortfolioValue()
			log.Warn().Float64("equity", equity).Float64("baseline", base).Msg("Trading halted: daily loss limit reached")
			o.notify(ctx, msgDailyHalt(v.name))
		}
		return
	}

	now := o.clock.Now()
	for _, sym := range v.symbols {
		if ctx.Err() != nil {
			return
		}
		if pos, ok := o.positions[sym]; ok && pos.IsOpen() {
			continue
		}
		if closedAt, ok := o.cooldowns[sym]; ok && now.Sub(closedAt) < o.cfg.Timing.Cooldown {
			log.Debug().Str("symbol", sym).
				Dur("remaining", o.cfg.Timing.Cooldown-now.Sub(closedAt)).
				Msg("Cooldown active")
			continue
		}

		signal, err := o.evaluate(ctx, sym)
		if err != nil {
			log.Warn().Err(err).Str("symbol", sym).Msg("Signal check failed")
			continue
		}
		side, ok := signal.Side()
		if !ok {
			continue
		}
		if side == models.SideShort && o.broker.LongOnly() {
			log.Debug().Str("symbol", sym).Msg("SHORT signal discarded: broker is long-only")
			continue
		}
		o.enterPosition(ctx, v, sym, side)
	}
}

// evaluate dispatches on the configured strategy kind.
func (o *Orchestrator) evaluate(ctx context.Context, symbol string) (strategy.Signal, error) {
	switch o.cfg.Strategy.Kind {
	case strategy.KindORB:
		if !o.orb.Established(symbol) {
			return strategy.SignalNone, nil
		}
		price, err := o.broker.Quote(ctx, symbol)
		if err != nil {
			return strategy.SignalNone, err
		}
		bars, err := o.broker.Bars(ctx, symbol, 1, 30)
		if err != nil {
			return strategy.SignalNone, err
		}
		state := strategy.MarketState{Symbol: symbol, Price: price, Bars: bars}
		if n := len(bars); n > 0 {
			var total float64
			for _, b := range bars {
				total += b.Volume
			}
			state.AvgVolume = total / float64(n)
			state.Volume = bars[n-1].Volume
		}
		return o.orb.Evaluate(state), nil

	case strategy.KindMomentum:
		bars, err := o.broker.Bars(ctx, symbol, o.cfg.Strategy.MomentumTimeframe, o.cfg.Strategy.MomentumBars)
		if err != nil {
			return strategy.SignalNone, err
		}
		reading := o.momentum.Read(strategy.MarketState{Symbol: symbol, Bars: bars})
		if reading.Signal == strategy.SignalNone {
			return strategy.SignalNone, nil
		}
		price, err := o.broker.Quote(ctx, symbol)
		if err != nil {
			return strategy.SignalNone, err
		}
		if !o.momentum.StillValid(reading, price) {
			o.logger.Debug().Str("symbol", symbol).
				Float64("price", price).Float64("ema_slow", reading.EMASlow).
				Msg("Momentum signal stale, price back across slow EMA")
			return strategy.SignalNone, nil
		}
		return reading.Signal, nil

	default:
		return strategy.SignalNone, errors.Wrapf(errors.ErrConfigInvalid, "unknown strategy %q", o.cfg.Strategy.Kind)
	}
}

// enterPosition sizes, prices and submits a bracket entry. A Position is
// created only after the broker confirms the fill.
func (o *Orchestrator) enterPosition(ctx context.Context, v *venue, symbol string, side models.Side) {
	log := logging.WithSymbol(o.logger, symbol).With().Str("venue", v.name).Str("side", string(side)).Logger()

	price, err := o.broker.Quote(ctx, symbol)
	if err != nil || price <= 0 {
		log.Warn().Err(err).Float64("price", price).Msg("Cannot enter: no price available")
		return
	}

	inst, err := o.broker.Instrument(ctx, symbol)
	if err != nil {
		log.Warn().Err(err).Msg("Cannot enter: instrument filters unavailable")
		return
	}
	step := inst.StepSize
	if step <= 0 {
		step = 1
	}
	qty := v.risk.CalculateStepQuantity(price, step, inst.MinQty)
	if qty <= 0 {
		log.Warn().
			Float64("price", price).
			Float64("step", step).
			Float64("min_qty", inst.MinQty).
			Float64("max_position_value", v.risk.Config().MaxPositionValue).
			Msg("Cannot enter: position size is zero")
		return
	}

	stopLoss := v.risk.StopLossPrice(price, side)
	if o.cfg.Strategy.Kind == strategy.KindORB && o.orb.Established(symbol) {
		if low, high, ok := o.orb.Range(symbol); ok {
			stopLoss = v.risk.RangeStopLossPrice(side, low, high)
		}
	}
	takeProfit := v.risk.TakeProfitPrice(price, side)

	buyingPower, err := o.broker.BuyingPower(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Cannot enter: buying power unavailable")
		return
	}
	if need := qty * price; need > buyingPower {
		log.Warn().Float64("need", need).Float64("buying_power", buyingPower).Msg("Cannot enter: insufficient buying power")
		return
	}

	// Baseline for telling this order's fill apart from holdings the bot
	// does not own.
	before, snapErr := o.broker.OpenPositions(ctx)

	o.notify(ctx, msgSignal(symbol, side, price, qty, stopLoss, takeProfit))

	handle, err := o.broker.PlaceBracketOrder(ctx, models.BracketRequest{
		Symbol:     symbol,
		Side:       side,
		Quantity:   qty,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
	})
	if err != nil || handle == nil {
		// A rejection never reached the market; anything else may have.
		ambiguous := err == nil || errors.IsTransient(err)
		if ambiguous {
			log.Warn().Err(err).Msg("Bracket order failed")
		} else {
			log.Error().Err(err).Msg("Bracket order rejected")
		}
		o.notify(ctx, msgOrderFailed(symbol, err))
		o.record(ctx, audit.Event{
			Type:     audit.OrderRejected,
			Venue:    v.name,
			Symbol:   symbol,
			Action:   string(side),
			ErrorMsg: errText(err),
			Details:  map[string]interface{}{"quantity": qty, "price": price},
		})
		if !ambiguous {
			return
		}
		if snapErr != nil {
			log.Error().Err(snapErr).Msg("No holdings baseline, cannot verify what the failed entry left at the broker")
			o.notify(ctx, msgEntryUnverified(symbol))
			return
		}
		o.reconcileFailedEntry(ctx, symbol, side, netHolding(before, symbol))
		return
	}

	entry := price
	if handle.FillPrice > 0 {
		entry = handle.FillPrice
	}
	if handle.Quantity > 0 {
		qty = handle.Quantity
	}

	pos := models.NewPosition(symbol, v.name, side, entry, qty, stopLoss, takeProfit, o.clock.Now())
	pos.OrderID = handle.OrderID
	pos.BracketID = handle.BracketID
	o.positions[symbol] = pos
	delete(o.exitFailures, symbol)

	id, err := o.trades.OpenTrade(ctx, models.TradeOpenFromPosition(pos, o.broker.Name(), string(o.cfg.Strategy.Kind)))
	if err != nil {
		log.Warn().Err(err).Msg("Could not record trade open")
	} else {
		pos.DBTradeID = id
	}
	o.saveSnapshot()
	o.record(ctx, audit.Event{
		Type:    audit.PositionOpened,
		Venue:   v.name,
		Symbol:  symbol,
		OrderID: pos.OrderID,
		Action:  string(side),
		Success: true,
		Details: map[string]interface{}{
			"quantity":    qty,
			"entry_price": entry,
			"stop_loss":   stopLoss,
			"take_profit": takeProfit,
			"bracket_id":  pos.BracketID,
		},
	})

	logging.LogEntry(logging.WithOrderID(log, pos.OrderID), symbol, string(side), qty, entry, stopLoss, takeProfit)
	o.notify(ctx, msgOpened(pos))
}

// reconcileFailedEntry flattens whatever a failed entry added to the
// broker's holding of symbol beyond baseline, so no broker position exists
// without a local one. Holdings the bot did not create are left alone.
func (o *Orchestrator) reconcileFailedEntry(ctx context.Context, symbol string, side models.Side, baseline float64) {
	held, err := o.broker.OpenPositions(ctx)
	if err != nil {
		o.logger.Warn().Err(err).Str("symbol", symbol).Msg("Could not verify broker state after failed entry")
		o.notify(ctx, msgEntryUnverified(symbol))
		return
	}

	added := netHolding(held, symbol) - baseline
	if side == models.SideShort {
		added = -added
	}
	if added <= quantityEpsilon {
		return
	}

	o.logger.Error().Str("symbol", symbol).Str("side", string(side)).
		Float64("baseline", baseline).Float64("quantity", added).
		Msg("Broker holds a fill from a failed entry, flattening it")
	res, err := o.broker.ClosePosition(ctx, models.CloseRequest{Symbol: symbol, Side: side, Quantity: added})
	if err != nil || !res.Succeeded() {
		o.logger.Error().Err(err).Str("symbol", symbol).Msg("Could not flatten orphaned fill")
		o.notify(ctx, msgOrphan(symbol, models.BrokerPosition{Symbol: symbol, Side: side, Quantity: added}))
	}
}

// quantityEpsilon absorbs float noise when comparing holdings.
const quantityEpsilon = 1e-9

// netHolding is the signed quantity of symbol: long positive, short negative.
func netHolding(held []models.BrokerPosition, symbol string) float64 {
	var net float64
	for _, bp := range held {
		if bp.Symbol != symbol {
			continue
		}
		if bp.Side == models.SideShort {
			net -= bp.Quantity
		} else {
			net += bp.Quantity
		}
	}
	return net
}
