// Package trading runs the per-exchange session state machines, opens and
// monitors positions through a broker port, and answers operator commands.
package trading

import (
	"time"

	"session-trader/internal/risk"
	"session-trader/internal/schedule"
	"session-trader/internal/strategy"
)

// Phase is the session phase of one venue.
type Phase string

const (
	PhaseIdle          Phase = "IDLE"
	PhasePreMarket     Phase = "PRE_MARKET"
	PhaseORBCollection Phase = "ORB_COLLECTION"
	PhaseTrading       Phase = "TRADING"
	PhaseClosing       Phase = "CLOSING"
	PhaseClosed        Phase = "CLOSED"
)

// ExchangeState is the per-day runtime state of one venue.
type ExchangeState struct {
	Phase          Phase
	ORBFinalized   bool
	DayInitialized bool
	// TradingDay is the local date the flags belong to.
	TradingDay string
	// HaltNotified is set once the daily-loss halt has been announced.
	HaltNotified bool
}

// Reset returns the state to the start of a trading day.
func (s *ExchangeState) Reset() {
	*s = ExchangeState{Phase: PhaseIdle}
}

// Timing holds the loop interval and session window lengths.
type Timing struct {
	CheckInterval        time.Duration
	ORBMinutes           int
	PreMarketMinutes     int
	ClosingWindowMinutes int
	Cooldown             time.Duration
	ShutdownTimeout      time.Duration
}

// DefaultTiming returns the default loop timing.
func DefaultTiming() Timing {
	return Timing{
		CheckInterval:        60 * time.Second,
		ORBMinutes:           15,
		PreMarketMinutes:     30,
		ClosingWindowMinutes: 15,
		Cooldown:             30 * time.Minute,
		ShutdownTimeout:      30 * time.Second,
	}
}

// StrategyConfig selects and tunes the signal strategy.
type StrategyConfig struct {
	Kind             strategy.Kind
	VolumeMultiplier float64
	Momentum         strategy.MomentumConfig
	// Momentum bars are fetched at this timeframe and count.
	MomentumTimeframe int
	MomentumBars      int
}

// DefaultStrategyConfig returns ORB with a 1.5x volume filter.
func DefaultStrategyConfig() StrategyConfig {
	return StrategyConfig{
		Kind:              strategy.KindORB,
		VolumeMultiplier:  1.5,
		Momentum:          strategy.DefaultMomentumConfig(),
		MomentumTimeframe: 5,
		MomentumBars:      40,
	}
}

// VenueConfig binds an exchange calendar to the symbols traded on it.
type VenueConfig struct {
	Exchange *schedule.Exchange
	Symbols  []string
}

// Config is everything the orchestrator needs besides its collaborators.
type Config struct {
	Venues   []VenueConfig
	Risk     risk.Config
	Strategy StrategyConfig
	Timing   Timing
	// ClosePositionsOnShutdown flattens every open position before exit.
	ClosePositionsOnShutdown bool
	// Label names the bot in notifications.
	Label string
	Paper bool
}

// venue is one exchange with its own state machine and risk budget.
type venue struct {
	name     string
	exchange *schedule.Exchange
	symbols  []string
	state    ExchangeState
	risk     *risk.Manager
}
