package models

import (
	"fmt"
	"time"
)

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	StatusOpen   PositionStatus = "OPEN"
	StatusClosed PositionStatus = "CLOSED"
)

// CloseReason explains why a position was closed.
type CloseReason string

const (
	CloseReasonStopLoss    CloseReason = "stop_loss"
	CloseReasonTakeProfit  CloseReason = "take_profit"
	CloseReasonMarketClose CloseReason = "market_close"
	CloseReasonManual      CloseReason = "manual"
	// CloseReasonUnknown is reported when a broker resolved a bracket but
	// could not say which leg executed.
	CloseReasonUnknown CloseReason = "unknown"
)

// Position is one open or closed trade. It is owned by the orchestrator and
// mutated only through UpdatePrice and Close.
type Position struct {
	Symbol     string
	Exchange   string
	Side       Side
	EntryPrice float64
	Quantity   float64
	StopLoss   float64
	TakeProfit float64
	EntryTime  time.Time

	OrderID   string
	BracketID string
	DBTradeID int64 // 0 when the history store has no row

	CurrentPrice float64
	Status       PositionStatus

	ClosePrice  float64
	CloseTime   time.Time
	CloseReason CloseReason
}

// NewPosition creates an open position priced at its entry.
func NewPosition(symbol, exchange string, side Side, entry, qty, stopLoss, takeProfit float64, at time.Time) *Position {
	return &Position{
		Symbol:       symbol,
		Exchange:     exchange,
		Side:         side,
		EntryPrice:   entry,
		Quantity:     qty,
		StopLoss:     stopLoss,
		TakeProfit:   takeProfit,
		EntryTime:    at,
		CurrentPrice: entry,
		Status:       StatusOpen,
	}
}

// IsOpen reports whether the position is still open.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// UpdatePrice records the last observed quote.
func (p *Position) UpdatePrice(price float64) {
	if price > 0 {
		p.CurrentPrice = price
	}
}

// Close transitions the position to CLOSED. It fails if already closed.
func (p *Position) Close(price float64, reason CloseReason, at time.Time) error {
	if p.Status == StatusClosed {
		return fmt.Errorf("position %s already closed at %s", p.Symbol, p.CloseTime.Format(time.RFC3339))
	}
	p.ClosePrice = price
	p.CloseTime = at
	p.CloseReason = reason
	p.CurrentPrice = price
	p.Status = StatusClosed
	return nil
}

// CostBasis is entry price times quantity.
func (p *Position) CostBasis() float64 {
	return p.EntryPrice * p.Quantity
}

func (p *Position) pnlAt(price float64) float64 {
	diff := price - p.EntryPrice
	if p.Side == SideShort {
		diff = -diff
	}
	return diff * p.Quantity
}

// UnrealizedPnL is the side-adjusted P&L at the current price.
func (p *Position) UnrealizedPnL() float64 {
	return p.pnlAt(p.CurrentPrice)
}

// UnrealizedPnLPct is UnrealizedPnL as a percentage of cost basis.
func (p *Position) UnrealizedPnLPct() float64 {
	return pct(p.UnrealizedPnL(), p.CostBasis())
}

// RealizedPnL is the side-adjusted P&L at the close price; 0 while open.
func (p *Position) RealizedPnL() float64 {
	if p.Status != StatusClosed {
		return 0
	}
	return p.pnlAt(p.ClosePrice)
}

// RealizedPnLPct is RealizedPnL as a percentage of cost basis.
func (p *Position) RealizedPnLPct() float64 {
	return pct(p.RealizedPnL(), p.CostBasis())
}

// StopLossHit reports whether price has reached the stop.
func (p *Position) StopLossHit(price float64) bool {
	if p.StopLoss <= 0 {
		return false
	}
	if p.Side == SideShort {
		return price >= p.StopLoss
	}
	return price <= p.StopLoss
}

// TakeProfitHit reports whether price has reached the target.
func (p *Position) TakeProfitHit(price float64) bool {
	if p.TakeProfit <= 0 {
		return false
	}
	if p.Side == SideShort {
		return price <= p.TakeProfit
	}
	return price >= p.TakeProfit
}

// Duration is the holding time up to close, or up to now when open.
func (p *Position) Duration(now time.Time) time.Duration {
	if p.Status == StatusClosed {
		return p.CloseTime.Sub(p.EntryTime)
	}
	return now.Sub(p.EntryTime)
}

func pct(pnl, cost float64) float64 {
	if cost == 0 {
		return 0
	}
	return pnl / cost * 100
}

// PositionRecord is the serialized form of a Position used by snapshots.
type PositionRecord struct {
	Symbol       string  `json:"symbol"`
	Exchange     string  `json:"exchange,omitempty"`
	Side         string  `json:"side"`
	EntryPrice   float64 `json:"entry_price"`
	Quantity     float64 `json:"quantity"`
	StopLoss     float64 `json:"stop_loss"`
	TakeProfit   float64 `json:"take_profit"`
	EntryTime    string  `json:"entry_time"`
	OrderID      string  `json:"order_id"`
	BracketID    string  `json:"bracket_id,omitempty"`
	DBTradeID    int64   `json:"db_trade_id,omitempty"`
	CurrentPrice float64 `json:"current_price"`
	Status       string  `json:"status"`
	ClosePrice   float64 `json:"close_price,omitempty"`
	CloseTime    string  `json:"close_time,omitempty"`
	CloseReason  string  `json:"close_reason,omitempty"`
}

// ToRecord converts the position to its serialized form.
func (p *Position) ToRecord() PositionRecord {
	rec := PositionRecord{
		Symbol:       p.Symbol,
		Exchange:     p.Exchange,
		Side:         string(p.Side),
		EntryPrice:   p.EntryPrice,
		Quantity:     p.Quantity,
		StopLoss:     p.StopLoss,
		TakeProfit:   p.TakeProfit,
		EntryTime:    p.EntryTime.Format(time.RFC3339Nano),
		OrderID:      p.OrderID,
		BracketID:    p.BracketID,
		DBTradeID:    p.DBTradeID,
		CurrentPrice: p.CurrentPrice,
		Status:       string(p.Status),
	}
	if p.Status == StatusClosed {
		rec.ClosePrice = p.ClosePrice
		rec.CloseTime = p.CloseTime.Format(time.RFC3339Nano)
		rec.CloseReason = string(p.CloseReason)
	}
	return rec
}

// PositionFromRecord rebuilds a Position from its serialized form.
func PositionFromRecord(rec PositionRecord) (*Position, error) {
	side := Side(rec.Side)
	if !side.Valid() {
		return nil, fmt.Errorf("position %s: invalid side %q", rec.Symbol, rec.Side)
	}
	entryTime, err := time.Parse(time.RFC3339Nano, rec.EntryTime)
	if err != nil {
		return nil, fmt.Errorf("position %s: entry time: %w", rec.Symbol, err)
	}
	p := &Position{
		Symbol:       rec.Symbol,
		Exchange:     rec.Exchange,
		Side:         side,
		EntryPrice:   rec.EntryPrice,
		Quantity:     rec.Quantity,
		StopLoss:     rec.StopLoss,
		TakeProfit:   rec.TakeProfit,
		EntryTime:    entryTime,
		OrderID:      rec.OrderID,
		BracketID:    rec.BracketID,
		DBTradeID:    rec.DBTradeID,
		CurrentPrice: rec.CurrentPrice,
		Status:       StatusOpen,
	}
	if p.CurrentPrice <= 0 {
		p.CurrentPrice = p.EntryPrice
	}
	if PositionStatus(rec.Status) == StatusClosed {
		closeTime, err := time.Parse(time.RFC3339Nano, rec.CloseTime)
		if err != nil {
			return nil, fmt.Errorf("position %s: close time: %w", rec.Symbol, err)
		}
		if err := p.Close(rec.ClosePrice, CloseReason(rec.CloseReason), closeTime); err != nil {
			return nil, err
		}
	}
	return p, nil
}
