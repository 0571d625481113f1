package strategy

import (
	"session-trader/internal/analysis/indicators"
)

// MomentumConfig tunes the EMA crossover / RSI strategy.
type MomentumConfig struct {
	FastSpan    int
	SlowSpan    int
	RSIPeriod   int
	MinBars     int
	RSILongMin  float64
	RSILongMax  float64
	RSIShortMin float64
	RSIShortMax float64
	StaleGuard  bool
}

// DefaultMomentumConfig returns EMA 9/21, RSI 14 with the 40–70 / 35–60 bands.
func DefaultMomentumConfig() MomentumConfig {
	return MomentumConfig{
		FastSpan:    9,
		SlowSpan:    21,
		RSIPeriod:   14,
		MinBars:     25,
		RSILongMin:  40,
		RSILongMax:  70,
		RSIShortMin: 35,
		RSIShortMax: 60,
		StaleGuard:  true,
	}
}

// MomentumReading holds the indicator values behind an evaluation.
type MomentumReading struct {
	Signal  Signal
	EMAFast float64
	EMASlow float64
	RSI     float64
}

// Momentum is the EMA crossover strategy filtered by RSI.
type Momentum struct {
	cfg MomentumConfig
}

// NewMomentum creates a momentum strategy.
func NewMomentum(cfg MomentumConfig) *Momentum {
	return &Momentum{cfg: cfg}
}

// Config returns the strategy parameters.
func (m *Momentum) Config() MomentumConfig {
	return m.cfg
}

// Evaluate emits a crossover signal on the most recent bar.
func (m *Momentum) Evaluate(state MarketState) Signal {
	return m.Read(state).Signal
}

// Read evaluates the bars and returns the indicator values alongside the
// signal.
func (m *Momentum) Read(state MarketState) MomentumReading {
	bars := state.Bars
	if len(bars) < m.cfg.MinBars || len(bars) < 2 {
		return MomentumReading{}
	}

	fast, err := indicators.NewEMA(m.cfg.FastSpan).Calculate(bars)
	if err != nil {
		return MomentumReading{}
	}
	slow, err := indicators.NewEMA(m.cfg.SlowSpan).Calculate(bars)
	if err != nil {
		return MomentumReading{}
	}
	rsi, err := indicators.NewRSI(m.cfg.RSIPeriod).Calculate(bars)
	if err != nil {
		return MomentumReading{}
	}

	last, prev := len(bars)-1, len(bars)-2
	reading := MomentumReading{
		EMAFast: fast[last],
		EMASlow: slow[last],
		RSI:     rsi[last],
	}

	crossedUp := fast[prev] <= slow[prev] && fast[last] > slow[last]
	crossedDown := fast[prev] >= slow[prev] && fast[last] < slow[last]

	switch {
	case crossedUp && reading.RSI > m.cfg.RSILongMin && reading.RSI < m.cfg.RSILongMax:
		reading.Signal = SignalLong
	case crossedDown && reading.RSI > m.cfg.RSIShortMin && reading.RSI < m.cfg.RSIShortMax:
		reading.Signal = SignalShort
	}
	return reading
}

// StillValid applies the staleness guard: a fresh price that has already
// crossed back over the slow EMA invalidates the signal.
func (m *Momentum) StillValid(reading MomentumReading, price float64) bool {
	if !m.cfg.StaleGuard || price <= 0 {
		return true
	}
	switch reading.Signal {
	case SignalLong:
		return price >= reading.EMASlow
	case SignalShort:
		return price <= reading.EMASlow
	default:
		return false
	}
}
