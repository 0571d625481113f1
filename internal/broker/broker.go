// Package broker defines the broker capability interface and its adapters.
package broker

import (
	"context"

	"session-trader/internal/models"
)

// MarketData is the read-only subset of a broker used for prices and bars.
type MarketData interface {
	// Quote returns the last traded price.
	Quote(ctx context.Context, symbol string) (float64, error)
	// Bars returns up to limit candles of the given timeframe, oldest first.
	Bars(ctx context.Context, symbol string, timeframeMinutes, limit int) ([]models.Candle, error)
	// Instrument returns the tradable increments of a symbol.
	Instrument(ctx context.Context, symbol string) (models.Instrument, error)
}

// Port is the capability set every broker adapter implements.
type Port interface {
	MarketData

	Name() string
	// LongOnly reports that the venue cannot open short positions.
	LongOnly() bool

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	AccountValue(ctx context.Context) (float64, error)
	BuyingPower(ctx context.Context) (float64, error)

	// PlaceBracketOrder opens a position and attaches its stop-loss and
	// take-profit. A nil error means the entry is filled.
	PlaceBracketOrder(ctx context.Context, req models.BracketRequest) (*models.OrderHandle, error)
	// BracketStatus reports whether a native bracket is still working.
	// Brokers without native brackets return errors.ErrNotSupported.
	BracketStatus(ctx context.Context, q models.BracketQuery) (models.BracketStatus, error)
	// CancelBracket cancels any working legs of a bracket.
	CancelBracket(ctx context.Context, symbol, bracketID string) error
	// ClosePosition flattens a position with a market order.
	ClosePosition(ctx context.Context, req models.CloseRequest) (models.CloseResult, error)

	OpenPositions(ctx context.Context) ([]models.BrokerPosition, error)
}
