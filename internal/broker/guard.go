package broker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"session-trader/internal/errors"
	"session-trader/internal/models"
	"session-trader/internal/resilience"
)

// DefaultCallTimeout bounds a single broker call.
const DefaultCallTimeout = 10 * time.Second

// Guard wraps a Port so every call runs with its own deadline behind a
// circuit breaker. Only transient errors count against the circuit.
type Guard struct {
	inner   Port
	timeout time.Duration
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
}

var _ Port = (*Guard)(nil)

// NewGuard wraps p. A non-positive timeout uses DefaultCallTimeout.
func NewGuard(p Port, timeout time.Duration, logger zerolog.Logger) *Guard {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	cfg := resilience.DefaultCircuitBreakerConfig()
	cfg.IsFailure = errors.IsTransient
	return &Guard{
		inner:   p,
		timeout: timeout,
		breaker: resilience.NewCircuitBreaker(p.Name(), cfg),
		logger:  logger.With().Str("component", "broker_guard").Str("broker", p.Name()).Logger(),
	}
}

// Unwrap returns the guarded port.
func (g *Guard) Unwrap() Port {
	return g.inner
}

// Breaker exposes the circuit breaker for status reporting.
func (g *Guard) Breaker() *resilience.CircuitBreaker {
	return g.breaker
}

func guarded[T any](g *Guard, ctx context.Context, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	v, err := resilience.ExecuteWithResult(g.breaker, ctx, func() (T, error) {
		return fn(ctx)
	})
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			err = errors.Wrapf(errors.ErrTimeout, "%s %s after %s", g.inner.Name(), op, g.timeout)
		case errors.Is(err, resilience.ErrCircuitOpen):
			err = errors.Wrapf(errors.ErrConnectionFailed, "%s %s: %v", g.inner.Name(), op, err)
		}
		g.logger.Debug().Str("op", op).Dur("duration", time.Since(start)).Err(err).Msg("Broker call failed")
	}
	return v, err
}

func (g *Guard) Name() string   { return g.inner.Name() }
func (g *Guard) LongOnly() bool { return g.inner.LongOnly() }

func (g *Guard) Connect(ctx context.Context) error {
	_, err := guarded(g, ctx, "connect", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.Connect(ctx)
	})
	return err
}

// Disconnect bypasses the circuit so shutdown always reaches the adapter.
func (g *Guard) Disconnect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.inner.Disconnect(ctx)
}

func (g *Guard) AccountValue(ctx context.Context) (float64, error) {
	return guarded(g, ctx, "account_value", g.inner.AccountValue)
}

func (g *Guard) BuyingPower(ctx context.Context) (float64, error) {
	return guarded(g, ctx, "buying_power", g.inner.BuyingPower)
}

func (g *Guard) Quote(ctx context.Context, symbol string) (float64, error) {
	return guarded(g, ctx, "quote", func(ctx context.Context) (float64, error) {
		return g.inner.Quote(ctx, symbol)
	})
}

func (g *Guard) Bars(ctx context.Context, symbol string, timeframeMinutes, limit int) ([]models.Candle, error) {
	return guarded(g, ctx, "bars", func(ctx context.Context) ([]models.Candle, error) {
		return g.inner.Bars(ctx, symbol, timeframeMinutes, limit)
	})
}

func (g *Guard) Instrument(ctx context.Context, symbol string) (models.Instrument, error) {
	return guarded(g, ctx, "instrument", func(ctx context.Context) (models.Instrument, error) {
		return g.inner.Instrument(ctx, symbol)
	})
}

func (g *Guard) PlaceBracketOrder(ctx context.Context, req models.BracketRequest) (*models.OrderHandle, error) {
	return guarded(g, ctx, "place_bracket", func(ctx context.Context) (*models.OrderHandle, error) {
		return g.inner.PlaceBracketOrder(ctx, req)
	})
}

func (g *Guard) BracketStatus(ctx context.Context, q models.BracketQuery) (models.BracketStatus, error) {
	return guarded(g, ctx, "bracket_status", func(ctx context.Context) (models.BracketStatus, error) {
		return g.inner.BracketStatus(ctx, q)
	})
}

func (g *Guard) CancelBracket(ctx context.Context, symbol, bracketID string) error {
	_, err := guarded(g, ctx, "cancel_bracket", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.inner.CancelBracket(ctx, symbol, bracketID)
	})
	return err
}

func (g *Guard) ClosePosition(ctx context.Context, req models.CloseRequest) (models.CloseResult, error) {
	res, err := guarded(g, ctx, "close_position", func(ctx context.Context) (models.CloseResult, error) {
		return g.inner.ClosePosition(ctx, req)
	})
	if err != nil {
		res.Status = models.CloseFailed
	}
	return res, err
}

func (g *Guard) OpenPositions(ctx context.Context) ([]models.BrokerPosition, error) {
	return guarded(g, ctx, "open_positions", g.inner.OpenPositions)
}
