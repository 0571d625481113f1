package models

import "time"

// BracketRequest asks a broker to open a position protected by a
// stop-loss / take-profit pair.
type BracketRequest struct {
	Symbol     string
	Side       Side
	Quantity   float64
	StopLoss   float64
	TakeProfit float64
}

// OrderHandle is the broker's confirmation of a filled entry.
type OrderHandle struct {
	OrderID   string
	BracketID string  // native OCO/GTT reference, empty when the broker has none
	FillPrice float64 // 0 when the broker does not report it
	Quantity  float64 // filled quantity, 0 means as requested
}

// CloseRequest asks a broker to flatten a position.
type CloseRequest struct {
	Symbol   string
	Side     Side // side of the position being closed
	Quantity float64
}

// CloseStatus is the outcome of a close attempt.
type CloseStatus int

const (
	CloseFailed CloseStatus = iota
	CloseConfirmed
	// CloseAlreadyClosed means the broker no longer holds the position,
	// typically because a bracket leg fired between ticks.
	CloseAlreadyClosed
)

func (s CloseStatus) String() string {
	switch s {
	case CloseConfirmed:
		return "confirmed"
	case CloseAlreadyClosed:
		return "already_closed"
	default:
		return "failed"
	}
}

// CloseResult is returned by broker close operations.
type CloseResult struct {
	Status    CloseStatus
	OrderID   string
	FillPrice float64
}

// Succeeded reports whether the position is flat at the broker.
func (r CloseResult) Succeeded() bool {
	return r.Status == CloseConfirmed || r.Status == CloseAlreadyClosed
}

// BracketQuery identifies a working bracket and the levels it was placed at.
type BracketQuery struct {
	Symbol     string
	BracketID  string
	Side       Side
	Quantity   float64
	StopLoss   float64
	TakeProfit float64
}

// BracketState reports whether a native bracket is still working.
type BracketState int

const (
	BracketActive BracketState = iota
	BracketFilled
	BracketCancelled
)

// BracketStatus is the broker-side state of a bracket.
type BracketStatus struct {
	State     BracketState
	Reason    CloseReason // leg that executed when State is BracketFilled
	FillPrice float64
}

// BrokerPosition is a holding as reported by the broker.
type BrokerPosition struct {
	Symbol       string
	Side         Side
	Quantity     float64
	AveragePrice float64
	LastPrice    float64
	UpdatedAt    time.Time
}
