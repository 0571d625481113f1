package risk

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"session-trader/internal/models"
)

func newTestManager(maxValue float64) *Manager {
	cfg := DefaultConfig()
	cfg.MaxPositionValue = maxValue
	return NewManager(cfg)
}

func TestCalculateQuantity(t *testing.T) {
	tests := []struct {
		name  string
		max   float64
		price float64
		want  float64
	}{
		{"whole units", 100, 33.33, 3},
		{"exact fit", 100, 25, 4},
		{"too expensive", 100, 150, 0},
		{"zero price", 100, 0, 0},
		{"negative price", 100, -5, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := newTestManager(tt.max).CalculateQuantity(tt.price)
			if got != tt.want {
				t.Errorf("CalculateQuantity(%v) = %v, want %v", tt.price, got, tt.want)
			}
		})
	}
}

func TestCalculateStepQuantity(t *testing.T) {
	m := newTestManager(100)

	if got := m.CalculateStepQuantity(50000, 0.0001, 0.0001); math.Abs(got-0.002) > 1e-12 {
		t.Errorf("step quantity = %v, want 0.002", got)
	}
	if got := m.CalculateStepQuantity(30000, 0.001, 0); math.Abs(got-0.003) > 1e-12 {
		t.Errorf("step quantity = %v, want 0.003", got)
	}
	if got := m.CalculateStepQuantity(50000, 0, 0); got != 0 {
		t.Errorf("zero step should give 0, got %v", got)
	}
	if got := m.CalculateStepQuantity(50000, 0.0001, 0.01); got != 0 {
		t.Errorf("below min qty should give 0, got %v", got)
	}
}

func TestCalculateStepQuantity_NonFinite(t *testing.T) {
	inf, nan := math.Inf(1), math.NaN()
	tests := []struct {
		name  string
		max   float64
		price float64
		step  float64
	}{
		{"infinite step", 100, 50000, inf},
		{"negative infinite step", 100, 50000, math.Inf(-1)},
		{"nan step", 100, 50000, nan},
		{"infinite price", 100, inf, 0.001},
		{"nan price", 100, nan, 0.001},
		{"infinite budget", inf, 50000, 0.001},
		{"nan budget", nan, 50000, 0.001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := newTestManager(tt.max).CalculateStepQuantity(tt.price, tt.step, 0)
			if got != 0 {
				t.Errorf("CalculateStepQuantity(%v, %v) = %v, want 0", tt.price, tt.step, got)
			}
		})
	}
}

func TestStopLossAndTakeProfit(t *testing.T) {
	m := NewManager(DefaultConfig())

	if got := m.StopLossPrice(100, models.SideLong); got != 98 {
		t.Errorf("long stop = %v, want 98", got)
	}
	if got := m.TakeProfitPrice(100, models.SideLong); got != 104 {
		t.Errorf("long target = %v, want 104", got)
	}
	if got := m.StopLossPrice(100, models.SideShort); got != 102 {
		t.Errorf("short stop = %v, want 102", got)
	}
	if got := m.TakeProfitPrice(100, models.SideShort); got != 96 {
		t.Errorf("short target = %v, want 96", got)
	}
	if got := m.StopLossPrice(33.33333, models.SideLong); got != 32.6667 {
		t.Errorf("stop should be rounded to 4 decimals, got %v", got)
	}
}

func TestRangeStopLossPrice(t *testing.T) {
	m := NewManager(DefaultConfig())

	if got := m.RangeStopLossPrice(models.SideLong, 99, 101); math.Abs(got-98.901) > 1e-9 {
		t.Errorf("long range stop = %v, want 98.901", got)
	}
	if got := m.RangeStopLossPrice(models.SideShort, 99, 101); math.Abs(got-101.101) > 1e-9 {
		t.Errorf("short range stop = %v, want 101.101", got)
	}
}

func TestShouldHaltTrading(t *testing.T) {
	m := NewManager(DefaultConfig())

	if m.ShouldHaltTrading(0) {
		t.Error("must not halt without a baseline")
	}

	m.SetInitialPortfolioValue(10000)
	if m.ShouldHaltTrading(9600) {
		t.Error("4% loss must not halt with a 5% limit")
	}
	if !m.ShouldHaltTrading(9500) {
		t.Error("5% loss must halt")
	}
	if !m.ShouldHaltTrading(20000) {
		t.Error("halt must be sticky after recovery")
	}

	m.ResetDaily()
	if m.Halted() || m.DailyRealizedPnL() != 0 {
		t.Error("ResetDaily must clear halt and pnl")
	}
	if _, ok := m.InitialPortfolioValue(); ok {
		t.Error("ResetDaily must clear the baseline")
	}
}

func TestRecordRealizedPnL(t *testing.T) {
	m := NewManager(DefaultConfig())
	m.SetInitialPortfolioValue(1000)
	m.RecordRealizedPnL(25)
	m.RecordRealizedPnL(-10)
	m.RecordRealizedPnL(math.NaN())
	if got := m.DailyRealizedPnL(); got != 15 {
		t.Errorf("DailyRealizedPnL = %v, want 15", got)
	}
	m.SetInitialPortfolioValue(1000)
	if got := m.DailyRealizedPnL(); got != 0 {
		t.Errorf("new baseline must zero pnl, got %v", got)
	}
}

// Property: once halted, the manager stays halted for any later equity.
func TestProperty_HaltIsMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("halt is sticky until reset", prop.ForAll(
		func(initial, lossPct float64, later []float64) bool {
			m := NewManager(DefaultConfig())
			m.SetInitialPortfolioValue(initial)
			if !m.ShouldHaltTrading(initial * (1 - lossPct/100)) {
				return false
			}
			for _, eq := range later {
				if !m.ShouldHaltTrading(eq) {
					return false
				}
			}
			m.ResetDaily()
			return !m.Halted()
		},
		gen.Float64Range(100, 1e7),
		gen.Float64Range(5.01, 100),
		gen.SliceOf(gen.Float64Range(0, 2e7)),
	))

	properties.TestingRun(t)
}

// Property: the sized position never exceeds the cap and is a step multiple.
func TestProperty_StepQuantityWithinCap(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	steps := []float64{1, 0.1, 0.01, 0.001, 0.0001, 0.00001}

	properties.Property("qty*price <= max and qty is a step multiple", prop.ForAll(
		func(maxValue, price float64, stepIdx int) bool {
			step := steps[stepIdx]
			m := newTestManager(maxValue)
			qty := m.CalculateStepQuantity(price, step, 0)
			if qty < 0 {
				return false
			}
			if qty*price > maxValue*(1+1e-9) {
				return false
			}
			units := qty / step
			return math.Abs(units-math.Round(units)) < 1e-6
		},
		gen.Float64Range(10, 100000),
		gen.Float64Range(0.01, 100000),
		gen.IntRange(0, len(steps)-1),
	))

	properties.TestingRun(t)
}
