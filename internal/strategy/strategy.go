// Package strategy turns market data into directional entry signals.
package strategy

import (
	"fmt"
	"strings"

	"session-trader/internal/models"
)

// Signal is the output of a strategy evaluation.
type Signal int

const (
	SignalNone Signal = iota
	SignalLong
	SignalShort
)

func (s Signal) String() string {
	switch s {
	case SignalLong:
		return "LONG"
	case SignalShort:
		return "SHORT"
	default:
		return "NONE"
	}
}

// Side maps a directional signal to a position side.
func (s Signal) Side() (models.Side, bool) {
	switch s {
	case SignalLong:
		return models.SideLong, true
	case SignalShort:
		return models.SideShort, true
	default:
		return "", false
	}
}

// Kind selects the strategy variant.
type Kind string

const (
	KindORB      Kind = "orb"
	KindMomentum Kind = "momentum"
)

// ParseKind validates a configured strategy name.
func ParseKind(name string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(name))) {
	case KindORB:
		return KindORB, nil
	case KindMomentum:
		return KindMomentum, nil
	default:
		return "", fmt.Errorf("unknown strategy %q (want orb or momentum)", name)
	}
}

// MarketState is the data window a strategy evaluates.
type MarketState struct {
	Symbol    string
	Price     float64
	Volume    float64 // volume of the most recent bar
	AvgVolume float64
	Bars      []models.Candle
}

// Evaluator is the single capability shared by all strategy variants.
type Evaluator interface {
	Evaluate(state MarketState) Signal
}
