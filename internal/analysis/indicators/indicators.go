// Package indicators implements the technical indicators used by the signal
// strategies.
package indicators

import (
	"fmt"

	"session-trader/internal/errors"
	"session-trader/internal/models"
)

// ErrInvalidPeriod is returned when the period is not positive.
var ErrInvalidPeriod = errors.New("invalid period")

// EMA calculates an exponential moving average with smoothing 2/(span+1),
// seeded with the first close and without bias adjustment.
type EMA struct {
	span int
}

// NewEMA creates a new EMA indicator.
func NewEMA(span int) *EMA {
	return &EMA{span: span}
}

func (e *EMA) Name() string {
	return fmt.Sprintf("EMA_%d", e.span)
}

func (e *EMA) Period() int {
	return e.span
}

// Calculate returns one EMA value per candle.
func (e *EMA) Calculate(candles []models.Candle) ([]float64, error) {
	if e.span <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(candles) == 0 {
		return nil, errors.ErrInsufficientData
	}
	return ema(models.Closes(candles), 2/float64(e.span+1)), nil
}

func ema(values []float64, alpha float64) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// RSI calculates Wilder's Relative Strength Index using exponentially
// weighted gains and losses (alpha = 1/period), seeded with the first change.
type RSI struct {
	period int
}

// NewRSI creates a new RSI indicator.
func NewRSI(period int) *RSI {
	return &RSI{period: period}
}

func (r *RSI) Name() string {
	return fmt.Sprintf("RSI_%d", r.period)
}

func (r *RSI) Period() int {
	return r.period
}

// Calculate returns one RSI value per candle. The first value has no prior
// change and is reported as 50.
func (r *RSI) Calculate(candles []models.Candle) ([]float64, error) {
	if r.period <= 0 {
		return nil, ErrInvalidPeriod
	}
	if len(candles) < 2 {
		return nil, errors.ErrInsufficientData
	}

	closes := models.Closes(candles)
	n := len(closes)
	gains := make([]float64, n-1)
	losses := make([]float64, n-1)
	for i := 1; i < n; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gains[i-1] = change
		} else {
			losses[i-1] = -change
		}
	}

	alpha := 1 / float64(r.period)
	avgGain := ema(gains, alpha)
	avgLoss := ema(losses, alpha)

	result := make([]float64, n)
	result[0] = 50
	for i := 1; i < n; i++ {
		result[i] = rsiValue(avgGain[i-1], avgLoss[i-1])
	}
	return result, nil
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// AverageVolume returns the mean volume of candles, 0 for an empty slice.
func AverageVolume(candles []models.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	var total float64
	for _, c := range candles {
		total += c.Volume
	}
	return total / float64(len(candles))
}
