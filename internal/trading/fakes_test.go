package trading

import (
	"context"
	"fmt"
	"strings"
	"time"

	"session-trader/internal/audit"
	"session-trader/internal/errors"
	"session-trader/internal/models"
	"session-trader/internal/store"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

// fakeBroker is a scriptable broker.Port. Zero-value hooks behave like a
// broker that fills everything and keeps brackets working.
type fakeBroker struct {
	longOnly    bool
	quotes      map[string]float64
	bars        map[string][]models.Candle
	equity      float64
	buyingPower float64
	fill        float64
	placeErr    error
	holdings    []models.BrokerPosition
	// heldAfterFailure replaces holdings when a failing entry still
	// reaches the market.
	heldAfterFailure []models.BrokerPosition

	bracketStatus func(q models.BracketQuery) (models.BracketStatus, error)
	closeResult   func(req models.CloseRequest) (models.CloseResult, error)

	calls       map[string]int
	placed      []models.BracketRequest
	closed      []models.CloseRequest
	barRequests [][2]int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		quotes:      make(map[string]float64),
		bars:        make(map[string][]models.Candle),
		equity:      10000,
		buyingPower: 10000,
		calls:       make(map[string]int),
	}
}

func (f *fakeBroker) Name() string   { return "fake" }
func (f *fakeBroker) LongOnly() bool { return f.longOnly }

func (f *fakeBroker) Connect(ctx context.Context) error {
	f.calls["connect"]++
	return nil
}

func (f *fakeBroker) Disconnect(ctx context.Context) error {
	f.calls["disconnect"]++
	return nil
}

func (f *fakeBroker) AccountValue(ctx context.Context) (float64, error) {
	f.calls["account_value"]++
	return f.equity, nil
}

func (f *fakeBroker) BuyingPower(ctx context.Context) (float64, error) {
	return f.buyingPower, nil
}

func (f *fakeBroker) Quote(ctx context.Context, symbol string) (float64, error) {
	p, ok := f.quotes[symbol]
	if !ok {
		return 0, errors.ErrNoQuote
	}
	return p, nil
}

func (f *fakeBroker) Bars(ctx context.Context, symbol string, tf, limit int) ([]models.Candle, error) {
	f.barRequests = append(f.barRequests, [2]int{tf, limit})
	bars := f.bars[symbol]
	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return bars, nil
}

func (f *fakeBroker) Instrument(ctx context.Context, symbol string) (models.Instrument, error) {
	return models.Instrument{Symbol: symbol, StepSize: 1, MinQty: 1}, nil
}

func (f *fakeBroker) PlaceBracketOrder(ctx context.Context, req models.BracketRequest) (*models.OrderHandle, error) {
	f.calls["place"]++
	if f.placeErr != nil {
		if f.heldAfterFailure != nil {
			f.holdings = f.heldAfterFailure
		}
		return nil, f.placeErr
	}
	f.placed = append(f.placed, req)
	n := len(f.placed)
	return &models.OrderHandle{
		OrderID:   fmt.Sprintf("ORD-%d", n),
		BracketID: fmt.Sprintf("BR-%d", n),
		FillPrice: f.fill,
	}, nil
}

func (f *fakeBroker) BracketStatus(ctx context.Context, q models.BracketQuery) (models.BracketStatus, error) {
	f.calls["bracket_status"]++
	if f.bracketStatus != nil {
		return f.bracketStatus(q)
	}
	return models.BracketStatus{State: models.BracketActive}, nil
}

func (f *fakeBroker) CancelBracket(ctx context.Context, symbol, bracketID string) error {
	f.calls["cancel"]++
	return nil
}

func (f *fakeBroker) ClosePosition(ctx context.Context, req models.CloseRequest) (models.CloseResult, error) {
	f.calls["close"]++
	f.closed = append(f.closed, req)
	if f.closeResult != nil {
		return f.closeResult(req)
	}
	return models.CloseResult{Status: models.CloseConfirmed, OrderID: "EXIT"}, nil
}

func (f *fakeBroker) OpenPositions(ctx context.Context) ([]models.BrokerPosition, error) {
	f.calls["open_positions"]++
	return f.holdings, nil
}

type sentResult struct {
	chatID int64
	text   string
}

type fakeNotifier struct {
	notes    []string
	queue    []models.Command
	results  []sentResult
	failPoll bool
}

func (n *fakeNotifier) Notify(ctx context.Context, text string) error {
	n.notes = append(n.notes, text)
	return nil
}

func (n *fakeNotifier) PollCommands(ctx context.Context) ([]models.Command, error) {
	if n.failPoll {
		return nil, errors.ErrConnectionFailed
	}
	cmds := n.queue
	n.queue = nil
	return cmds, nil
}

func (n *fakeNotifier) SendResult(ctx context.Context, chatID int64, text string) error {
	n.results = append(n.results, sentResult{chatID: chatID, text: text})
	return nil
}

func (n *fakeNotifier) Close() error { return nil }

// count returns how many notifications contain substr.
func (n *fakeNotifier) count(substr string) int {
	c := 0
	for _, s := range n.notes {
		if strings.Contains(s, substr) {
			c++
		}
	}
	return c
}

type memAudit struct {
	events []audit.Event
}

func (m *memAudit) Record(ctx context.Context, ev audit.Event) error {
	m.events = append(m.events, ev)
	return nil
}

// types returns the recorded event types in order.
func (m *memAudit) types() []audit.EventType {
	out := make([]audit.EventType, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.Type)
	}
	return out
}

type memTrades struct {
	opened   []models.TradeOpen
	closed   map[int64]models.TradeClose
	stats    *models.TradeStats
	openErr  error
	statsErr error
}

func newMemTrades() *memTrades {
	return &memTrades{closed: make(map[int64]models.TradeClose)}
}

func (m *memTrades) OpenTrade(ctx context.Context, t models.TradeOpen) (int64, error) {
	if m.openErr != nil {
		return 0, m.openErr
	}
	m.opened = append(m.opened, t)
	return int64(len(m.opened)), nil
}

func (m *memTrades) CloseTrade(ctx context.Context, id int64, c models.TradeClose) error {
	m.closed[id] = c
	return nil
}

func (m *memTrades) Trades(ctx context.Context, filter store.TradeFilter) ([]models.TradeRecord, error) {
	return nil, nil
}

func (m *memTrades) Stats(ctx context.Context, now time.Time) (*models.TradeStats, error) {
	if m.statsErr != nil {
		return nil, m.statsErr
	}
	if m.stats == nil {
		return &models.TradeStats{ByReason: map[string]models.ReasonStats{}}, nil
	}
	return m.stats, nil
}

func (m *memTrades) Close() error { return nil }

type memSnapshots struct {
	saves   int
	last    map[string]models.PositionRecord
	initial map[string]*models.Position
}

func (m *memSnapshots) Save(positions map[string]*models.Position) error {
	m.saves++
	m.last = make(map[string]models.PositionRecord, len(positions))
	for sym, p := range positions {
		m.last[sym] = p.ToRecord()
	}
	return nil
}

func (m *memSnapshots) Load() (map[string]*models.Position, error) {
	if m.initial == nil {
		return map[string]*models.Position{}, nil
	}
	return m.initial, nil
}
