// Package risk sizes positions, prices protective orders and tracks the
// daily-loss kill switch for one venue.
package risk

import (
	"math"

	"github.com/shopspring/decimal"

	"session-trader/internal/models"
)

// DefaultRangeStopBuffer is the fraction placed beyond an opening-range
// boundary when it is used as the stop.
const DefaultRangeStopBuffer = 0.001

// Config holds the risk parameters. Percentages are percent values (2 = 2%).
type Config struct {
	MaxPositionValue float64
	StopLossPct      float64
	TakeProfitPct    float64
	MaxDailyLossPct  float64
	PricePrecision   int32   // decimals kept on SL/TP prices
	RangeStopBuffer  float64 // fraction, 0 uses DefaultRangeStopBuffer
}

// DefaultConfig returns the default risk parameters.
func DefaultConfig() Config {
	return Config{
		MaxPositionValue: 1000,
		StopLossPct:      2,
		TakeProfitPct:    4,
		MaxDailyLossPct:  5,
		PricePrecision:   4,
		RangeStopBuffer:  DefaultRangeStopBuffer,
	}
}

// Manager holds one venue's daily risk state. It is not safe for concurrent
// use; the orchestrator's tick loop is its only caller.
type Manager struct {
	cfg Config

	initialPortfolioValue *float64
	dailyRealizedPnL      float64
	tradingHalted         bool
}

// NewManager creates a risk manager.
func NewManager(cfg Config) *Manager {
	if cfg.RangeStopBuffer <= 0 {
		cfg.RangeStopBuffer = DefaultRangeStopBuffer
	}
	if cfg.PricePrecision <= 0 {
		cfg.PricePrecision = 4
	}
	return &Manager{cfg: cfg}
}

// Config returns the parameters the manager was built with.
func (m *Manager) Config() Config {
	return m.cfg
}

// SetInitialPortfolioValue snapshots the day's equity baseline.
func (m *Manager) SetInitialPortfolioValue(equity float64) {
	v := equity
	m.initialPortfolioValue = &v
	m.dailyRealizedPnL = 0
	m.tradingHalted = false
}

// InitialPortfolioValue returns the baseline, if one was set today.
func (m *Manager) InitialPortfolioValue() (float64, bool) {
	if m.initialPortfolioValue == nil {
		return 0, false
	}
	return *m.initialPortfolioValue, true
}

// ResetDaily clears all per-day state.
func (m *Manager) ResetDaily() {
	m.initialPortfolioValue = nil
	m.dailyRealizedPnL = 0
	m.tradingHalted = false
}

// RecordRealizedPnL adds a side-adjusted P&L to the daily total.
func (m *Manager) RecordRealizedPnL(pnl float64) {
	if math.IsNaN(pnl) || math.IsInf(pnl, 0) {
		return
	}
	m.dailyRealizedPnL += pnl
}

// DailyRealizedPnL returns the running daily total.
func (m *Manager) DailyRealizedPnL() float64 {
	return m.dailyRealizedPnL
}

// Halted reports whether the daily-loss halt has fired today.
func (m *Manager) Halted() bool {
	return m.tradingHalted
}

// ShouldHaltTrading reports whether the daily loss limit has been breached.
// Once it returns true it keeps returning true until ResetDaily or
// SetInitialPortfolioValue.
func (m *Manager) ShouldHaltTrading(currentEquity float64) bool {
	if m.tradingHalted {
		return true
	}
	if m.initialPortfolioValue == nil || *m.initialPortfolioValue <= 0 {
		return false
	}
	if math.IsNaN(currentEquity) {
		return false
	}
	initial := *m.initialPortfolioValue
	lossPct := (initial - currentEquity) / initial
	if lossPct >= m.cfg.MaxDailyLossPct/100 {
		m.tradingHalted = true
		return true
	}
	return false
}

// CalculateQuantity returns whole units affordable within the position cap.
func (m *Manager) CalculateQuantity(price float64) float64 {
	return m.CalculateStepQuantity(price, 1, 1)
}

// CalculateStepQuantity floors the affordable quantity to a multiple of step.
// It returns 0 when the inputs are unusable or the result is below minQty.
func (m *Manager) CalculateStepQuantity(price, step, minQty float64) float64 {
	if price <= 0 || step <= 0 || m.cfg.MaxPositionValue <= 0 ||
		math.IsNaN(price) || math.IsInf(price, 0) ||
		math.IsNaN(step) || math.IsInf(step, 0) ||
		math.IsNaN(m.cfg.MaxPositionValue) || math.IsInf(m.cfg.MaxPositionValue, 0) {
		return 0
	}
	raw := decimal.NewFromFloat(m.cfg.MaxPositionValue).Div(decimal.NewFromFloat(price))
	stepDec := decimal.NewFromFloat(step)
	qty := raw.Div(stepDec).Floor().Mul(stepDec)
	q, _ := qty.Float64()
	if q <= 0 || q < minQty {
		return 0
	}
	return q
}

// StopLossPrice returns the percentage-based stop for an entry.
func (m *Manager) StopLossPrice(entry float64, side models.Side) float64 {
	f := m.cfg.StopLossPct / 100
	if side == models.SideShort {
		return m.round(entry * (1 + f))
	}
	return m.round(entry * (1 - f))
}

// TakeProfitPrice returns the percentage-based target for an entry.
func (m *Manager) TakeProfitPrice(entry float64, side models.Side) float64 {
	f := m.cfg.TakeProfitPct / 100
	if side == models.SideShort {
		return m.round(entry * (1 - f))
	}
	return m.round(entry * (1 + f))
}

// RangeStopLossPrice pins the stop just beyond the opposite boundary of an
// opening range.
func (m *Manager) RangeStopLossPrice(side models.Side, low, high float64) float64 {
	if side == models.SideShort {
		return m.round(high * (1 + m.cfg.RangeStopBuffer))
	}
	return m.round(low * (1 - m.cfg.RangeStopBuffer))
}

func (m *Manager) round(price float64) float64 {
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return 0
	}
	v, _ := decimal.NewFromFloat(price).Round(m.cfg.PricePrecision).Float64()
	return v
}
