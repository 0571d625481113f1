package trading

import (
	"context"

	"session-trader/internal/models"
	"session-trader/internal/strategy"
)

// processVenue advances one venue's state machine. Checks run in a fixed
// priority order because the open window overlaps the ORB and closing
// windows.
func (o *Orchestrator) processVenue(ctx context.Context, v *venue) {
	if len(v.symbols) == 0 {
		return
	}
	now := o.clock.Now()
	ex := v.exchange
	log := o.logger.With().Str("venue", v.name).Logger()

	// Continuous venues have no session edges, so the day rolls on the date.
	if ex.Continuous {
		if day := ex.TradingDay(now); day != v.state.TradingDay {
			if v.state.TradingDay != "" {
				log.Info().Str("day", day).Msg("New trading day, resetting daily state")
			}
			v.state.Reset()
			v.risk.ResetDaily()
			o.initializeDay(ctx, v)
		}
	}

	if !ex.IsMarketDay(now) {
		if v.state.Phase != PhaseClosed {
			log.Debug().Msg("Market closed (weekend)")
			v.state.Phase = PhaseClosed
		}
		return
	}

	if _, beforeOpen := ex.MinutesUntilOpen(now); !ex.IsOpen(now) && !beforeOpen {
		if v.state.Phase != PhaseClosed && v.state.Phase != PhaseIdle {
			log.Info().Msg("Market closed for the day")
			o.endOfDay(ctx, v)
		}
		return
	}

	if ex.IsPreMarketWindow(now, o.cfg.Timing.PreMarketMinutes) {
		if v.state.Phase != PhasePreMarket {
			v.state.Reset()
			v.state.Phase = PhasePreMarket
			v.risk.ResetDaily()
			mins, _ := ex.MinutesUntilOpen(now)
			rc := v.risk.Config()
			log.Info().
				Float64("minutes_to_open", mins).
				Strs("symbols", v.symbols).
				Float64("stop_loss_pct", rc.StopLossPct).
				Float64("take_profit_pct", rc.TakeProfitPct).
				Float64("max_position_value", rc.MaxPositionValue).
				Msg("Pre-market: prepared for new trading day")
		}
		return
	}

	if ex.IsORBWindow(now, o.cfg.Timing.ORBMinutes) {
		if v.state.Phase != PhaseORBCollection {
			v.state.Phase = PhaseORBCollection
			log.Info().Int("minutes", o.cfg.Timing.ORBMinutes).Msg("Opening range collection started")
			o.initializeDay(ctx, v)
		}
		o.collectOpeningRange(ctx, v)
		return
	}

	if !ex.Continuous && ex.IsOpen(now) && !v.state.ORBFinalized && o.cfg.Strategy.Kind == strategy.KindORB {
		v.state.ORBFinalized = true
		for _, sym := range v.symbols {
			if o.orb.Finalize(sym) {
				low, high, _ := o.orb.Range(sym)
				log.Info().Str("symbol", sym).Float64("low", low).Float64("high", high).Msg("Opening range established")
			} else {
				log.Warn().Str("symbol", sym).Msg("No opening range data collected")
			}
		}
	}

	if ex.IsClosingWindow(now, o.cfg.Timing.ClosingWindowMinutes) {
		if v.state.Phase != PhaseClosing {
			v.state.Phase = PhaseClosing
			log.Info().Int("minutes", o.cfg.Timing.ClosingWindowMinutes).Msg("Closing window: flattening positions")
		}
		o.closeVenuePositions(ctx, v, models.CloseReasonMarketClose)
		return
	}

	if ex.IsOpen(now) {
		if v.state.Phase != PhaseTrading {
			v.state.Phase = PhaseTrading
			log.Info().Msg("Active trading phase")
		}
		if !v.state.DayInitialized {
			o.initializeDay(ctx, v)
		}
		o.checkSignals(ctx, v)
	}
}

// initializeDay snapshots the equity baseline once per day. Opening ranges
// are cleared unless they were already finalized today.
func (o *Orchestrator) initializeDay(ctx context.Context, v *venue) {
	if v.state.DayInitialized {
		return
	}
	v.state.DayInitialized = true
	v.state.TradingDay = v.exchange.TradingDay(o.clock.Now())

	log := o.logger.With().Str("venue", v.name).Logger()
	if equity, err := o.broker.AccountValue(ctx); err != nil {
		log.Warn().Err(err).Msg("Could not fetch account equity")
	} else {
		v.risk.SetInitialPortfolioValue(equity)
		log.Info().Float64("equity", equity).Msg("Daily equity baseline set")
	}

	if o.cfg.Strategy.Kind == strategy.KindORB && !v.state.ORBFinalized {
		for _, sym := range v.symbols {
			o.orb.Reset(sym)
		}
	}
	log.Info().Strs("symbols", v.symbols).Str("day", v.state.TradingDay).Msg("Trading day initialized")
}

// collectOpeningRange feeds the latest one-minute bar of each symbol into
// the ORB accumulator.
func (o *Orchestrator) collectOpeningRange(ctx context.Context, v *venue) {
	if o.cfg.Strategy.Kind != strategy.KindORB {
		return
	}
	for _, sym := range v.symbols {
		bars, err := o.broker.Bars(ctx, sym, 1, 5)
		if err != nil {
			o.logger.Warn().Err(err).Str("symbol", sym).Msg("Opening range data unavailable")
			continue
		}
		if len(bars) == 0 {
			continue
		}
		last := bars[len(bars)-1]
		o.orb.Update(sym, last.High, last.Low)
	}
}

// endOfDay flattens the venue, clears its ranges and marks it closed.
func (o *Orchestrator) endOfDay(ctx context.Context, v *venue) {
	o.closeVenuePositions(ctx, v, models.CloseReasonMarketClose)
	v.state.Reset()
	v.state.Phase = PhaseClosed
	if o.cfg.Strategy.Kind == strategy.KindORB {
		for _, sym := range v.symbols {
			o.orb.Reset(sym)
		}
	}
	o.logger.Info().Str("venue", v.name).Msg("End-of-day cleanup complete")
}

// closeVenuePositions exits every open position booked on the venue.
func (o *Orchestrator) closeVenuePositions(ctx context.Context, v *venue, reason models.CloseReason) {
	for _, pos := range o.openPositions() {
		if pos.Exchange != v.name {
			continue
		}
		o.logger.Info().Str("venue", v.name).Str("symbol", pos.Symbol).Str("reason", string(reason)).Msg("Closing position")
		o.exitPosition(ctx, pos, o.priceFor(ctx, pos), reason)
	}
}

// priceFor returns a fresh quote, falling back to the last seen price.
func (o *Orchestrator) priceFor(ctx context.Context, pos *models.Position) float64 {
	price, err := o.broker.Quote(ctx, pos.Symbol)
	if err != nil || price <= 0 {
		return pos.CurrentPrice
	}
	pos.UpdatePrice(price)
	return price
}
