package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"session-trader/internal/errors"
	"session-trader/internal/models"
)

// PaperBroker simulates fills and brackets locally against prices from a
// real market-data source. Brackets are resolved whenever a fresh quote for
// their symbol is observed.
type PaperBroker struct {
	data     MarketData
	longOnly bool

	mu           sync.Mutex
	cash         float64
	positions    map[string]*paperPosition
	brackets     map[string]*paperBracket
	prices       map[string]float64
	orderCounter int
	connected    bool
}

type paperPosition struct {
	side     models.Side
	qty      float64
	avgPrice float64
	openedAt time.Time
}

type paperBracket struct {
	symbol     string
	side       models.Side
	stopLoss   float64
	takeProfit float64
	state      models.BracketState
	reason     models.CloseReason
	fillPrice  float64
}

// PaperBrokerConfig holds configuration for the paper broker.
type PaperBrokerConfig struct {
	Data           MarketData
	InitialBalance float64
	LongOnly       bool
}

var _ Port = (*PaperBroker)(nil)

// NewPaperBroker creates a new paper trading broker.
func NewPaperBroker(cfg PaperBrokerConfig) *PaperBroker {
	initialBalance := cfg.InitialBalance
	if initialBalance <= 0 {
		initialBalance = 10000
	}
	return &PaperBroker{
		data:      cfg.Data,
		longOnly:  cfg.LongOnly,
		cash:      initialBalance,
		positions: make(map[string]*paperPosition),
		brackets:  make(map[string]*paperBracket),
		prices:    make(map[string]float64),
	}
}

func (p *PaperBroker) Name() string   { return "paper" }
func (p *PaperBroker) LongOnly() bool { return p.longOnly }

// Connect checks that a market-data source is configured.
func (p *PaperBroker) Connect(ctx context.Context) error {
	if p.data == nil {
		return errors.Wrap(errors.ErrNotConnected, "paper broker has no market data source")
	}
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	return nil
}

// Disconnect is a no-op for paper trading.
func (p *PaperBroker) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	return nil
}

// AccountValue is cash plus open positions marked at the last seen price.
func (p *PaperBroker) AccountValue(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	value := p.cash
	for symbol, pos := range p.positions {
		price := p.prices[symbol]
		if price <= 0 {
			price = pos.avgPrice
		}
		if pos.side == models.SideShort {
			value -= pos.qty * price
		} else {
			value += pos.qty * price
		}
	}
	return value, nil
}

// BuyingPower returns available cash.
func (p *PaperBroker) BuyingPower(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cash, nil
}

// Quote fetches a price from the data source and settles any bracket it
// triggers.
func (p *PaperBroker) Quote(ctx context.Context, symbol string) (float64, error) {
	if p.data == nil {
		return 0, errors.ErrNotConnected
	}
	price, err := p.data.Quote(ctx, symbol)
	if err != nil {
		return 0, err
	}
	p.UpdatePrice(symbol, price)
	return price, nil
}

// Bars delegates to the data source.
func (p *PaperBroker) Bars(ctx context.Context, symbol string, timeframeMinutes, limit int) ([]models.Candle, error) {
	if p.data == nil {
		return nil, errors.ErrNotConnected
	}
	return p.data.Bars(ctx, symbol, timeframeMinutes, limit)
}

// Instrument delegates to the data source.
func (p *PaperBroker) Instrument(ctx context.Context, symbol string) (models.Instrument, error) {
	if p.data == nil {
		return models.Instrument{}, errors.ErrNotConnected
	}
	return p.data.Instrument(ctx, symbol)
}

// UpdatePrice records a price and resolves brackets it crosses.
func (p *PaperBroker) UpdatePrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[symbol] = price
	p.checkBrackets(symbol, price)
}

// PlaceBracketOrder fills a market entry at the current price and records
// the protective legs.
func (p *PaperBroker) PlaceBracketOrder(ctx context.Context, req models.BracketRequest) (*models.OrderHandle, error) {
	if req.Quantity <= 0 {
		return nil, errors.NewOrderError("", req.Symbol, "entry", "non-positive quantity", errors.ErrInvalidOrder)
	}
	if req.Side == models.SideShort && p.longOnly {
		return nil, errors.NewOrderError("", req.Symbol, "entry", "short selling not supported", errors.ErrOrderRejected)
	}

	price, err := p.Quote(ctx, req.Symbol)
	if err != nil {
		return nil, errors.Wrapf(err, "pricing %s", req.Symbol)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.positions[req.Symbol]; exists {
		return nil, errors.NewOrderError("", req.Symbol, "entry", "position already open", errors.ErrOrderRejected)
	}
	cost := price * req.Quantity
	if req.Side == models.SideLong && cost > p.cash {
		return nil, errors.NewOrderError("", req.Symbol, "entry",
			fmt.Sprintf("need %.2f, have %.2f", cost, p.cash), errors.ErrInsufficientFunds)
	}

	p.orderCounter++
	orderID := fmt.Sprintf("PAPER_%d_%d", time.Now().Unix(), p.orderCounter)
	bracketID := uuid.NewString()

	if req.Side == models.SideShort {
		p.cash += cost
	} else {
		p.cash -= cost
	}
	p.positions[req.Symbol] = &paperPosition{side: req.Side, qty: req.Quantity, avgPrice: price, openedAt: time.Now()}
	p.brackets[bracketID] = &paperBracket{
		symbol:     req.Symbol,
		side:       req.Side,
		stopLoss:   req.StopLoss,
		takeProfit: req.TakeProfit,
		state:      models.BracketActive,
	}

	return &models.OrderHandle{
		OrderID:   orderID,
		BracketID: bracketID,
		FillPrice: price,
		Quantity:  req.Quantity,
	}, nil
}

// BracketStatus reports the simulated bracket state.
func (p *PaperBroker) BracketStatus(ctx context.Context, q models.BracketQuery) (models.BracketStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.brackets[q.BracketID]
	if !ok {
		return models.BracketStatus{}, errors.Wrapf(errors.ErrPositionNotFound, "bracket %s", q.BracketID)
	}
	return models.BracketStatus{State: b.state, Reason: b.reason, FillPrice: b.fillPrice}, nil
}

// CancelBracket cancels an active bracket.
func (p *PaperBroker) CancelBracket(ctx context.Context, symbol, bracketID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if b, ok := p.brackets[bracketID]; ok && b.state == models.BracketActive {
		b.state = models.BracketCancelled
	}
	return nil
}

// ClosePosition flattens the symbol at the current price. A symbol that is
// no longer held reports CloseAlreadyClosed.
func (p *PaperBroker) ClosePosition(ctx context.Context, req models.CloseRequest) (models.CloseResult, error) {
	price, err := p.Quote(ctx, req.Symbol)
	if err != nil {
		p.mu.Lock()
		price = p.prices[req.Symbol]
		p.mu.Unlock()
		if price <= 0 {
			return models.CloseResult{Status: models.CloseFailed}, errors.Wrapf(err, "pricing %s", req.Symbol)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.positions[req.Symbol]; !ok {
		return models.CloseResult{Status: models.CloseAlreadyClosed}, nil
	}
	p.settle(req.Symbol, price)
	p.orderCounter++
	return models.CloseResult{
		Status:    models.CloseConfirmed,
		OrderID:   fmt.Sprintf("PAPER_%d_%d", time.Now().Unix(), p.orderCounter),
		FillPrice: price,
	}, nil
}

// OpenPositions lists simulated holdings.
func (p *PaperBroker) OpenPositions(ctx context.Context) ([]models.BrokerPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]models.BrokerPosition, 0, len(p.positions))
	for symbol, pos := range p.positions {
		out = append(out, models.BrokerPosition{
			Symbol:       symbol,
			Side:         pos.side,
			Quantity:     pos.qty,
			AveragePrice: pos.avgPrice,
			LastPrice:    p.prices[symbol],
			UpdatedAt:    pos.openedAt,
		})
	}
	return out, nil
}

// checkBrackets must be called with p.mu held.
func (p *PaperBroker) checkBrackets(symbol string, price float64) {
	for _, b := range p.brackets {
		if b.symbol != symbol || b.state != models.BracketActive {
			continue
		}
		var reason models.CloseReason
		var fill float64
		switch b.side {
		case models.SideLong:
			if b.stopLoss > 0 && price <= b.stopLoss {
				reason, fill = models.CloseReasonStopLoss, b.stopLoss
			} else if b.takeProfit > 0 && price >= b.takeProfit {
				reason, fill = models.CloseReasonTakeProfit, b.takeProfit
			}
		case models.SideShort:
			if b.stopLoss > 0 && price >= b.stopLoss {
				reason, fill = models.CloseReasonStopLoss, b.stopLoss
			} else if b.takeProfit > 0 && price <= b.takeProfit {
				reason, fill = models.CloseReasonTakeProfit, b.takeProfit
			}
		}
		if reason == "" {
			continue
		}
		b.state = models.BracketFilled
		b.reason = reason
		b.fillPrice = fill
		p.settle(symbol, fill)
	}
}

// settle must be called with p.mu held.
func (p *PaperBroker) settle(symbol string, price float64) {
	pos, ok := p.positions[symbol]
	if !ok {
		return
	}
	if pos.side == models.SideShort {
		p.cash -= pos.qty * price
	} else {
		p.cash += pos.qty * price
	}
	delete(p.positions, symbol)
}
