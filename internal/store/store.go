// Package store persists the trade history and the open-position snapshot.
package store

import (
	"context"
	"time"

	"session-trader/internal/models"
)

// TradeStore records one row per trade, inserted on entry and completed on
// exit.
type TradeStore interface {
	OpenTrade(ctx context.Context, t models.TradeOpen) (int64, error)
	CloseTrade(ctx context.Context, id int64, c models.TradeClose) error
	Trades(ctx context.Context, filter TradeFilter) ([]models.TradeRecord, error)
	Stats(ctx context.Context, now time.Time) (*models.TradeStats, error)
	Close() error
}

// Snapshotter mirrors the open positions so a restart can resume them.
type Snapshotter interface {
	Save(positions map[string]*models.Position) error
	Load() (map[string]*models.Position, error)
}

// TradeFilter represents filters for querying trades.
type TradeFilter struct {
	Symbol     string
	Since      time.Time
	ClosedOnly bool
	Limit      int
}
