package models

import "time"

// TradeOpen is the history row written when a position is opened.
type TradeOpen struct {
	Symbol     string
	Exchange   string
	Side       Side
	Broker     string
	Strategy   string
	EntryTime  time.Time
	EntryPrice float64
	Quantity   float64
	StopLoss   float64
	TakeProfit float64
	OrderID    string
}

// TradeOpenFromPosition builds the history row for a freshly opened position.
func TradeOpenFromPosition(p *Position, broker, strategy string) TradeOpen {
	return TradeOpen{
		Symbol:     p.Symbol,
		Exchange:   p.Exchange,
		Side:       p.Side,
		Broker:     broker,
		Strategy:   strategy,
		EntryTime:  p.EntryTime,
		EntryPrice: p.EntryPrice,
		Quantity:   p.Quantity,
		StopLoss:   p.StopLoss,
		TakeProfit: p.TakeProfit,
		OrderID:    p.OrderID,
	}
}

// TradeClose carries the exit fields of a history row.
type TradeClose struct {
	CloseTime   time.Time
	ClosePrice  float64
	CloseReason CloseReason
	RealizedPnL float64
}

// ReasonStats aggregates closed trades sharing a close reason.
type ReasonStats struct {
	Count int
	PnL   float64
}

// TradeStats aggregates the trade history.
type TradeStats struct {
	TotalClosed    int
	Wins           int
	WinRate        float64 // percent
	TotalPnL       float64
	AvgPnL         float64
	AvgPnLPct      float64
	BestPnL        float64
	WorstPnL       float64
	AvgDurationMin float64
	ByReason       map[string]ReasonStats
	TodayTrades    int
	TodayPnL       float64
	WeekTrades     int
	WeekPnL        float64
	OpenCount      int
}

// TradeRecord is one row of the trade history. Close fields are zero while
// the trade is open.
type TradeRecord struct {
	ID             int64
	Symbol         string
	Exchange       string
	Side           Side
	Broker         string
	Strategy       string
	EntryTime      time.Time
	EntryPrice     float64
	Quantity       float64
	StopLoss       float64
	TakeProfit     float64
	OrderID        string
	CloseTime      time.Time
	ClosePrice     float64
	CloseReason    CloseReason
	RealizedPnL    float64
	RealizedPnLPct float64
}

// IsClosed reports whether the exit has been recorded.
func (r TradeRecord) IsClosed() bool {
	return !r.CloseTime.IsZero()
}
