// Package models provides domain models for the trading engine.
package models

import (
	"time"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Opposite returns the side that flattens a position of side s.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// EntryOrderSide returns the order side that opens a position of side s.
func (s Side) EntryOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideSell
	}
	return OrderSideBuy
}

// ExitOrderSide returns the order side that closes a position of side s.
func (s Side) ExitOrderSide() OrderSide {
	if s == SideShort {
		return OrderSideBuy
	}
	return OrderSideSell
}

// Candle represents OHLCV data for a time period.
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Closes extracts close prices from candles.
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Instrument holds the tradable increments of a symbol.
type Instrument struct {
	Symbol   string
	StepSize float64 // quantity increment; 1 for whole shares
	MinQty   float64
	TickSize float64 // price increment, 0 when unknown
}

// Command is one operator instruction drained from the command channel.
type Command struct {
	ID        string    `json:"id"`
	Command   string    `json:"command"`
	Args      string    `json:"args"`
	ChatID    int64     `json:"chat_id"`
	Timestamp time.Time `json:"timestamp"`
}
