package trading

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"session-trader/internal/audit"
	"session-trader/internal/broker"
	"session-trader/internal/errors"
	"session-trader/internal/models"
	"session-trader/internal/risk"
	"session-trader/internal/schedule"
	"session-trader/internal/strategy"
)

type harness struct {
	t      *testing.T
	o      *Orchestrator
	broker *fakeBroker
	notes  *fakeNotifier
	trades *memTrades
	snaps  *memSnapshots
	clock  *fakeClock
	audit  *memAudit
	loc    *time.Location
}

func newHarness(t *testing.T, mutate func(cfg *Config)) *harness {
	t.Helper()
	ex, err := schedule.Preset("NYSE")
	if err != nil {
		t.Fatalf("Preset: %v", err)
	}
	cfg := Config{
		Venues:   []VenueConfig{{Exchange: ex, Symbols: []string{"AAPL"}}},
		Risk:     risk.DefaultConfig(),
		Strategy: DefaultStrategyConfig(),
		Timing:   DefaultTiming(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	h := &harness{
		t:      t,
		broker: newFakeBroker(),
		notes:  &fakeNotifier{},
		trades: newMemTrades(),
		snaps:  &memSnapshots{},
		clock:  &fakeClock{},
		audit:  &memAudit{},
		loc:    cfg.Venues[0].Exchange.Location,
	}
	h.o, err = New(cfg, Deps{
		Broker:    h.broker,
		Notifier:  h.notes,
		Trades:    h.trades,
		Snapshots: h.snaps,
		Clock:     h.clock,
		Audit:     h.audit,
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

// tickAt runs one tick at a venue-local wall-clock time in March 2026.
// Day 2 is a Monday.
func (h *harness) tickAt(day, hour, min int) {
	h.clock.now = time.Date(2026, 3, day, hour, min, 0, 0, h.loc)
	h.o.Tick(context.Background())
}

func (h *harness) phase() Phase {
	return h.o.venues[0].state.Phase
}

func volumeBars(n int, price, vol, lastVol float64) []models.Candle {
	bars := make([]models.Candle, n)
	for i := range bars {
		bars[i] = models.Candle{Open: price, High: price, Low: price, Close: price, Volume: vol}
	}
	bars[n-1].Volume = lastVol
	return bars
}

// openAAPL collects a 99-101 opening range and breaks out LONG at 102.
func (h *harness) openAAPL() *models.Position {
	h.t.Helper()
	h.broker.bars["AAPL"] = []models.Candle{{High: 100.5, Low: 99, Volume: 100}}
	h.tickAt(2, 9, 31)
	h.broker.bars["AAPL"] = []models.Candle{{High: 101, Low: 99.5, Volume: 100}}
	h.tickAt(2, 9, 44)
	if got := h.phase(); got != PhaseORBCollection {
		h.t.Fatalf("phase at 09:44 = %s, want ORB_COLLECTION", got)
	}

	h.broker.bars["AAPL"] = volumeBars(30, 101.5, 100, 300)
	h.broker.quotes["AAPL"] = 102
	h.tickAt(2, 9, 46)

	pos, ok := h.o.Position("AAPL")
	if !ok {
		h.t.Fatalf("no position after breakout")
	}
	return pos
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestOrchestrator_OpeningRangeBreakoutEntry(t *testing.T) {
	h := newHarness(t, nil)
	pos := h.openAAPL()

	if got := h.phase(); got != PhaseTrading {
		t.Errorf("phase at 09:46 = %s, want TRADING", got)
	}
	if !h.o.venues[0].state.ORBFinalized || !h.o.orb.Established("AAPL") {
		t.Errorf("opening range not finalized")
	}
	low, high, _ := h.o.orb.Range("AAPL")
	if low != 99 || high != 101 {
		t.Errorf("range = [%v, %v], want [99, 101]", low, high)
	}

	if pos.Side != models.SideLong {
		t.Errorf("side = %s, want LONG", pos.Side)
	}
	if pos.Quantity != 9 {
		t.Errorf("quantity = %v, want 9", pos.Quantity)
	}
	if !approx(pos.StopLoss, 99*0.999) {
		t.Errorf("stop loss = %v, want %v", pos.StopLoss, 99*0.999)
	}
	if !approx(pos.TakeProfit, 106.08) {
		t.Errorf("take profit = %v, want 106.08", pos.TakeProfit)
	}
	if pos.EntryPrice != 102 || pos.OrderID != "ORD-1" || pos.BracketID != "BR-1" {
		t.Errorf("unexpected broker linkage: %+v", pos)
	}
	if pos.Exchange != "NYSE" {
		t.Errorf("exchange = %q, want NYSE", pos.Exchange)
	}

	if len(h.trades.opened) != 1 || h.trades.opened[0].Strategy != "orb" || pos.DBTradeID != 1 {
		t.Errorf("history row not recorded: %+v id=%d", h.trades.opened, pos.DBTradeID)
	}
	if _, ok := h.snaps.last["AAPL"]; !ok {
		t.Errorf("snapshot does not contain AAPL")
	}
	if h.notes.count("Signal detected") != 1 || h.notes.count("Position opened") != 1 {
		t.Errorf("notifications = %q", h.notes.notes)
	}
}

func TestOrchestrator_FillPriceBecomesEntry(t *testing.T) {
	h := newHarness(t, nil)
	h.broker.fill = 102.05
	pos := h.openAAPL()
	if pos.EntryPrice != 102.05 {
		t.Errorf("entry = %v, want broker fill 102.05", pos.EntryPrice)
	}
}

func TestOrchestrator_PhaseTransitionsAreIdempotent(t *testing.T) {
	h := newHarness(t, nil)

	h.tickAt(2, 9, 10)
	h.tickAt(2, 9, 10)
	if got := h.phase(); got != PhasePreMarket {
		t.Fatalf("phase = %s, want PRE_MARKET", got)
	}

	h.broker.bars["AAPL"] = []models.Candle{{High: 101, Low: 99}}
	h.tickAt(2, 9, 31)
	h.broker.bars["AAPL"] = []models.Candle{{High: 100.5, Low: 99.5}}
	h.tickAt(2, 9, 31)

	if n := h.broker.calls["account_value"]; n != 1 {
		t.Errorf("equity snapshots = %d, want 1", n)
	}
	low, high, ok := h.o.orb.Range("AAPL")
	if !ok || low != 99 || high != 101 {
		t.Errorf("range reset by repeated tick: [%v, %v] ok=%v", low, high, ok)
	}
}

func TestProperty_DayInitializationFiresOnce(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("repeated ticks inside the ORB window snapshot equity once", prop.ForAll(
		func(minute, repeats int) bool {
			h := newHarness(t, nil)
			for i := 0; i < repeats; i++ {
				h.tickAt(2, 9, 30+minute)
			}
			st := h.o.venues[0].state
			return h.broker.calls["account_value"] == 1 &&
				st.Phase == PhaseORBCollection &&
				st.DayInitialized && !st.ORBFinalized
		},
		gen.IntRange(0, 15),
		gen.IntRange(1, 8),
	))

	properties.TestingRun(t)
}

func TestOrchestrator_FailedEntryCreatesNoPosition(t *testing.T) {
	aapl := func(side models.Side, qty float64) []models.BrokerPosition {
		return []models.BrokerPosition{{Symbol: "AAPL", Side: side, Quantity: qty}}
	}
	timeout := errors.Wrap(errors.ErrTimeout, "confirmation lost")
	rejected := errors.NewOrderError("", "AAPL", "entry", "margin", errors.ErrInsufficientFunds)

	tests := []struct {
		name          string
		placeErr      error
		before, after []models.BrokerPosition
		wantChecks    int
		wantClosedQty float64 // 0 means no close call
	}{
		{"rejected, nothing held", rejected, nil, nil, 1, 0},
		{"rejected, own holding untouched", rejected, aapl(models.SideLong, 500), nil, 1, 0},
		{"timeout, nothing reached broker", timeout, nil, nil, 2, 0},
		{"timeout, fill flattened", timeout, nil, aapl(models.SideLong, 9), 2, 9},
		{"timeout, only the fill flattened", timeout, aapl(models.SideLong, 500), aapl(models.SideLong, 509), 2, 9},
		{"timeout, existing holding unchanged", timeout, aapl(models.SideLong, 500), aapl(models.SideLong, 500), 2, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.broker.placeErr = tt.placeErr
			h.broker.holdings = tt.before
			h.broker.heldAfterFailure = tt.after

			h.broker.bars["AAPL"] = []models.Candle{{High: 101, Low: 99, Volume: 100}}
			h.tickAt(2, 9, 31)
			h.broker.bars["AAPL"] = volumeBars(30, 101.5, 100, 300)
			h.broker.quotes["AAPL"] = 102
			h.tickAt(2, 9, 46)

			if h.broker.calls["place"] != 1 {
				t.Fatalf("place calls = %d, want 1", h.broker.calls["place"])
			}
			if _, ok := h.o.Position("AAPL"); ok {
				t.Fatalf("position created despite failed order")
			}
			if len(h.trades.opened) != 0 {
				t.Errorf("history row written for failed entry")
			}
			if h.broker.calls["open_positions"] != tt.wantChecks {
				t.Errorf("holdings checks = %d, want %d", h.broker.calls["open_positions"], tt.wantChecks)
			}
			switch {
			case tt.wantClosedQty == 0 && len(h.broker.closed) != 0:
				t.Errorf("closed %+v, want no close", h.broker.closed)
			case tt.wantClosedQty > 0 && (len(h.broker.closed) != 1 || !approx(h.broker.closed[0].Quantity, tt.wantClosedQty)):
				t.Errorf("closed %+v, want one close of %v", h.broker.closed, tt.wantClosedQty)
			}
			if h.notes.count("Order failed") != 1 {
				t.Errorf("failure not notified: %q", h.notes.notes)
			}
			if got := h.audit.types(); len(got) != 1 || got[0] != audit.OrderRejected {
				t.Errorf("audit = %v, want [ORDER_REJECTED]", got)
			}
		})
	}
}

func TestNetHolding(t *testing.T) {
	held := []models.BrokerPosition{
		{Symbol: "AAPL", Side: models.SideLong, Quantity: 10},
		{Symbol: "AAPL", Side: models.SideShort, Quantity: 4},
		{Symbol: "MSFT", Side: models.SideLong, Quantity: 7},
	}
	if got := netHolding(held, "AAPL"); got != 6 {
		t.Errorf("AAPL = %v, want 6", got)
	}
	if got := netHolding(held, "TSLA"); got != 0 {
		t.Errorf("TSLA = %v, want 0", got)
	}
}

func TestOrchestrator_BracketStatusUnavailableFallsBackToLevels(t *testing.T) {
	tests := []struct {
		name       string
		quote      float64
		wantReason models.CloseReason
	}{
		{"stop loss", 90, models.CloseReasonStopLoss},
		{"take profit", 107, models.CloseReasonTakeProfit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			pos := h.openAAPL()
			h.broker.bracketStatus = func(q models.BracketQuery) (models.BracketStatus, error) {
				return models.BracketStatus{}, errors.ErrConnectionFailed
			}

			h.broker.quotes["AAPL"] = tt.quote
			h.tickAt(2, 10, 0)

			if pos.IsOpen() {
				t.Fatalf("position still open at %v with SL %v / TP %v", tt.quote, pos.StopLoss, pos.TakeProfit)
			}
			if pos.CloseReason != tt.wantReason || pos.ClosePrice != tt.quote {
				t.Errorf("closed %s @ %v, want %s @ %v", pos.CloseReason, pos.ClosePrice, tt.wantReason, tt.quote)
			}
			if h.broker.calls["close"] != 1 {
				t.Errorf("close calls = %d, want 1", h.broker.calls["close"])
			}
		})
	}

	t.Run("inside the range stays open", func(t *testing.T) {
		h := newHarness(t, nil)
		pos := h.openAAPL()
		h.broker.bracketStatus = func(q models.BracketQuery) (models.BracketStatus, error) {
			return models.BracketStatus{}, errors.ErrTimeout
		}
		h.broker.quotes["AAPL"] = 102.5
		h.tickAt(2, 10, 0)
		if !pos.IsOpen() || h.broker.calls["close"] != 0 {
			t.Errorf("open=%v close calls=%d", pos.IsOpen(), h.broker.calls["close"])
		}
	})
}

func TestOrchestrator_RestoredPaperPositionIsProtected(t *testing.T) {
	data := newFakeBroker()
	data.quotes["AAPL"] = 90
	paper := broker.NewPaperBroker(broker.PaperBrokerConfig{Data: data})

	ex, err := schedule.Preset("NYSE")
	if err != nil {
		t.Fatal(err)
	}
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, ex.Location)
	restored := models.NewPosition("AAPL", "NYSE", models.SideLong, 100, 5, 98, 104, at.Add(-time.Hour))
	restored.BracketID = "bracket-from-previous-process"
	snaps := &memSnapshots{initial: map[string]*models.Position{"AAPL": restored}}
	trades := newMemTrades()

	o, err := New(Config{
		Venues:   []VenueConfig{{Exchange: ex, Symbols: []string{"AAPL"}}},
		Risk:     risk.DefaultConfig(),
		Strategy: DefaultStrategyConfig(),
		Timing:   DefaultTiming(),
	}, Deps{
		Broker:    paper,
		Trades:    trades,
		Snapshots: snaps,
		Clock:     &fakeClock{now: at},
		Logger:    zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if err := paper.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	o.Restore(ctx)
	o.Tick(ctx)

	if restored.IsOpen() {
		t.Fatalf("restored position left open below its stop")
	}
	if restored.CloseReason != models.CloseReasonStopLoss || restored.ClosePrice != 90 {
		t.Errorf("closed %s @ %v, want stop_loss @ 90", restored.CloseReason, restored.ClosePrice)
	}
	if _, ok := o.Position("AAPL"); ok {
		t.Errorf("closed position still tracked")
	}
}

func TestOrchestrator_DailyResetAcrossTwoDays(t *testing.T) {
	h := newHarness(t, nil)
	v := h.o.venues[0]

	h.tickAt(2, 9, 10)
	h.tickAt(2, 9, 31)
	if base, ok := v.risk.InitialPortfolioValue(); !ok || base != 10000 {
		t.Fatalf("baseline = %v %v, want 10000", base, ok)
	}

	v.risk.RecordRealizedPnL(-600)
	h.broker.equity = 9400
	h.tickAt(2, 10, 0)
	h.tickAt(2, 10, 1)
	if !v.risk.Halted() {
		t.Fatalf("daily loss of 6%% did not halt")
	}
	if n := h.notes.count("daily loss limit"); n != 1 {
		t.Errorf("halt notified %d times, want 1", n)
	}

	h.tickAt(2, 16, 5)
	if got := h.phase(); got != PhaseClosed {
		t.Fatalf("phase after close = %s, want CLOSED", got)
	}

	h.tickAt(3, 9, 10)
	if got := h.phase(); got != PhasePreMarket {
		t.Fatalf("phase day two = %s, want PRE_MARKET", got)
	}
	if v.risk.DailyRealizedPnL() != 0 || v.risk.Halted() {
		t.Errorf("risk not reset: pnl=%v halted=%v", v.risk.DailyRealizedPnL(), v.risk.Halted())
	}
	if _, ok := v.risk.InitialPortfolioValue(); ok {
		t.Errorf("baseline survived the pre-market reset")
	}

	h.tickAt(3, 9, 31)
	if base, _ := v.risk.InitialPortfolioValue(); base != 9400 {
		t.Errorf("day two baseline = %v, want 9400", base)
	}
}

func TestOrchestrator_BracketFilledAtBroker(t *testing.T) {
	tests := []struct {
		name   string
		status models.BracketStatus
		reason models.CloseReason
		price  float64
	}{
		{"take profit leg", models.BracketStatus{State: models.BracketFilled, Reason: models.CloseReasonTakeProfit, FillPrice: 106.1}, models.CloseReasonTakeProfit, 106.1},
		{"leg unknown", models.BracketStatus{State: models.BracketFilled}, models.CloseReasonUnknown, 106.2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			pos := h.openAAPL()

			h.broker.bracketStatus = func(q models.BracketQuery) (models.BracketStatus, error) {
				return tt.status, nil
			}
			h.broker.quotes["AAPL"] = 106.2
			h.tickAt(2, 10, 0)

			if pos.IsOpen() {
				t.Fatalf("position still open")
			}
			if pos.CloseReason != tt.reason || !approx(pos.ClosePrice, tt.price) {
				t.Errorf("closed %s @ %v, want %s @ %v", pos.CloseReason, pos.ClosePrice, tt.reason, tt.price)
			}
			if h.broker.calls["close"] != 0 {
				t.Errorf("broker close sent for a resolved bracket")
			}
			if _, ok := h.o.Position("AAPL"); ok {
				t.Errorf("closed position left in table")
			}
			rec, ok := h.trades.closed[1]
			if !ok || rec.CloseReason != tt.reason {
				t.Errorf("history close = %+v", rec)
			}
			wantPnL := (tt.price - 102) * 9
			if !approx(h.o.venues[0].risk.DailyRealizedPnL(), wantPnL) {
				t.Errorf("daily pnl = %v, want %v", h.o.venues[0].risk.DailyRealizedPnL(), wantPnL)
			}
		})
	}
}

func TestOrchestrator_AlreadyClosedUsesBracketFill(t *testing.T) {
	h := newHarness(t, nil)
	pos := h.openAAPL()

	queries := 0
	h.broker.bracketStatus = func(q models.BracketQuery) (models.BracketStatus, error) {
		queries++
		if queries == 1 {
			return models.BracketStatus{State: models.BracketActive}, nil
		}
		return models.BracketStatus{State: models.BracketFilled, Reason: models.CloseReasonStopLoss, FillPrice: 98.85}, nil
	}
	h.broker.closeResult = func(req models.CloseRequest) (models.CloseResult, error) {
		return models.CloseResult{Status: models.CloseAlreadyClosed}, nil
	}
	h.broker.quotes["AAPL"] = 98.5
	h.tickAt(2, 10, 0)

	if pos.IsOpen() {
		t.Fatalf("already-closed position still open")
	}
	if pos.CloseReason != models.CloseReasonStopLoss || pos.ClosePrice != 98.85 {
		t.Errorf("closed %s @ %v, want stop_loss @ 98.85", pos.CloseReason, pos.ClosePrice)
	}
	if h.broker.calls["cancel"] != 1 {
		t.Errorf("bracket cancel calls = %d, want 1", h.broker.calls["cancel"])
	}
	if h.notes.count("Close failed") != 0 {
		t.Errorf("already-closed treated as failure")
	}
}

func TestOrchestrator_CloseFailureNotifiesOnce(t *testing.T) {
	h := newHarness(t, nil)
	pos := h.openAAPL()

	h.broker.closeResult = func(req models.CloseRequest) (models.CloseResult, error) {
		return models.CloseResult{Status: models.CloseFailed}, errors.ErrConnectionFailed
	}
	h.broker.quotes["AAPL"] = 98
	h.tickAt(2, 10, 0)
	h.tickAt(2, 10, 1)

	if !pos.IsOpen() {
		t.Fatalf("position closed despite broker failure")
	}
	if n := h.notes.count("Close failed"); n != 1 {
		t.Errorf("close failure notified %d times, want 1", n)
	}
	if h.o.exitFailures["AAPL"] != 2 {
		t.Errorf("failure count = %d, want 2", h.o.exitFailures["AAPL"])
	}

	h.broker.closeResult = nil
	h.tickAt(2, 10, 2)
	if pos.IsOpen() || pos.CloseReason != models.CloseReasonStopLoss {
		t.Errorf("retry did not close: status=%s reason=%s", pos.Status, pos.CloseReason)
	}
	if _, ok := h.o.exitFailures["AAPL"]; ok {
		t.Errorf("failure counter not cleared")
	}
}

func TestOrchestrator_CooldownBlocksReentry(t *testing.T) {
	h := newHarness(t, nil)
	h.openAAPL()

	h.broker.quotes["AAPL"] = 98
	h.tickAt(2, 10, 0)
	if _, ok := h.o.Position("AAPL"); ok {
		t.Fatalf("stop loss did not close")
	}

	h.broker.quotes["AAPL"] = 102
	h.tickAt(2, 10, 10)
	if len(h.broker.placed) != 1 {
		t.Fatalf("re-entered during cooldown")
	}

	h.tickAt(2, 10, 31)
	if len(h.broker.placed) != 2 {
		t.Errorf("no re-entry after cooldown, placed=%d", len(h.broker.placed))
	}
}

func TestOrchestrator_ShortSignals(t *testing.T) {
	tests := []struct {
		name     string
		longOnly bool
		want     int
	}{
		{"long-only broker discards", true, 0},
		{"short allowed", false, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.broker.longOnly = tt.longOnly

			h.broker.bars["AAPL"] = []models.Candle{{High: 101, Low: 99, Volume: 100}}
			h.tickAt(2, 9, 31)
			h.broker.bars["AAPL"] = volumeBars(30, 99, 100, 300)
			h.broker.quotes["AAPL"] = 98.5
			h.tickAt(2, 9, 46)

			if len(h.broker.placed) != tt.want {
				t.Fatalf("orders = %d, want %d", len(h.broker.placed), tt.want)
			}
			if tt.want == 0 {
				return
			}
			req := h.broker.placed[0]
			if req.Side != models.SideShort || !approx(req.StopLoss, 101*1.001) {
				t.Errorf("short request = %+v, want stop %v", req, 101*1.001)
			}
		})
	}
}

func TestOrchestrator_ClosingWindowFlattens(t *testing.T) {
	h := newHarness(t, nil)
	pos := h.openAAPL()

	h.tickAt(2, 15, 50)
	if got := h.phase(); got != PhaseClosing {
		t.Errorf("phase = %s, want CLOSING", got)
	}
	if pos.IsOpen() || pos.CloseReason != models.CloseReasonMarketClose {
		t.Errorf("position not closed for market close: %s %s", pos.Status, pos.CloseReason)
	}
}

func TestOrchestrator_EndOfDayClosesAndResets(t *testing.T) {
	h := newHarness(t, nil)
	pos := h.openAAPL()

	h.tickAt(2, 16, 5)
	if got := h.phase(); got != PhaseClosed {
		t.Errorf("phase = %s, want CLOSED", got)
	}
	if pos.IsOpen() || pos.CloseReason != models.CloseReasonMarketClose {
		t.Errorf("position not closed at end of day")
	}
	if _, _, ok := h.o.orb.Range("AAPL"); ok {
		t.Errorf("opening range survived end of day")
	}
	st := h.o.venues[0].state
	if st.DayInitialized || st.ORBFinalized {
		t.Errorf("day flags not reset: %+v", st)
	}
}

func TestOrchestrator_ContinuousVenueRollsAtMidnight(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		ex, err := schedule.Preset("CRYPTO")
		if err != nil {
			t.Fatalf("Preset: %v", err)
		}
		cfg.Venues = []VenueConfig{{Exchange: ex, Symbols: []string{"btcusdt"}}}
		cfg.Strategy.Kind = strategy.KindMomentum
	})
	v := h.o.venues[0]
	if v.symbols[0] != "BTCUSDT" {
		t.Fatalf("symbols not normalized: %v", v.symbols)
	}

	h.tickAt(2, 23, 59)
	if got := h.phase(); got != PhaseTrading {
		t.Fatalf("phase = %s, want TRADING", got)
	}
	v.risk.RecordRealizedPnL(-50)

	h.broker.equity = 9000
	h.tickAt(3, 0, 1)
	if v.state.TradingDay != "2026-03-03" {
		t.Errorf("trading day = %q", v.state.TradingDay)
	}
	if v.risk.DailyRealizedPnL() != 0 || v.risk.Halted() {
		t.Errorf("risk not reset at midnight")
	}
	if base, _ := v.risk.InitialPortfolioValue(); base != 9000 {
		t.Errorf("baseline = %v, want 9000", base)
	}

	found := false
	for _, r := range h.broker.barRequests {
		if r == [2]int{5, 40} {
			found = true
		}
	}
	if !found {
		t.Errorf("momentum bars not fetched at 5m x 40: %v", h.broker.barRequests)
	}
}

func TestOrchestrator_RestoreKeepsOpenPositions(t *testing.T) {
	h := newHarness(t, nil)
	at := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	open := models.NewPosition("AAPL", "NYSE", models.SideLong, 100, 5, 98, 104, at)
	closed := models.NewPosition("MSFT", "NYSE", models.SideLong, 300, 1, 294, 312, at)
	if err := closed.Close(310, models.CloseReasonTakeProfit, at.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	h.snaps.initial = map[string]*models.Position{"AAPL": open, "MSFT": closed}
	h.broker.holdings = []models.BrokerPosition{{Symbol: "AAPL", Side: models.SideLong, Quantity: 5}}

	h.o.Restore(context.Background())

	if _, ok := h.o.Position("AAPL"); !ok {
		t.Errorf("open position not restored")
	}
	if _, ok := h.o.Position("MSFT"); ok {
		t.Errorf("closed position restored")
	}
	if h.broker.calls["open_positions"] != 1 {
		t.Errorf("restore did not reconcile with broker")
	}
}

func TestOrchestrator_Shutdown(t *testing.T) {
	t.Run("closes positions", func(t *testing.T) {
		h := newHarness(t, func(cfg *Config) { cfg.ClosePositionsOnShutdown = true })
		pos := h.openAAPL()
		saves := h.snaps.saves

		if err := h.o.Shutdown(); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
		if pos.IsOpen() || pos.CloseReason != models.CloseReasonManual {
			t.Errorf("position not closed on shutdown")
		}
		if h.snaps.saves <= saves {
			t.Errorf("snapshot not flushed")
		}
		if h.broker.calls["disconnect"] != 1 || h.notes.count("stopped") != 1 {
			t.Errorf("disconnect=%d stopped=%d", h.broker.calls["disconnect"], h.notes.count("stopped"))
		}
	})

	t.Run("leaves positions", func(t *testing.T) {
		h := newHarness(t, nil)
		pos := h.openAAPL()
		if err := h.o.Shutdown(); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
		if !pos.IsOpen() {
			t.Errorf("position closed without close_positions")
		}
		if h.notes.count("Still open") != 1 {
			t.Errorf("stop message does not list open positions: %q", h.notes.notes)
		}
	})
}

func TestOrchestrator_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := h.o.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if h.broker.calls["connect"] != 1 || h.broker.calls["disconnect"] != 1 {
		t.Errorf("connect=%d disconnect=%d", h.broker.calls["connect"], h.broker.calls["disconnect"])
	}
	if h.notes.count("started") != 1 {
		t.Errorf("startup not notified: %q", h.notes.notes)
	}
}

func TestNew_RejectsDuplicateSymbols(t *testing.T) {
	nyse, _ := schedule.Preset("NYSE")
	nasdaq, _ := schedule.Preset("NASDAQ")
	_, err := New(Config{Venues: []VenueConfig{
		{Exchange: nyse, Symbols: []string{"AAPL"}},
		{Exchange: nasdaq, Symbols: []string{"aapl"}},
	}}, Deps{Broker: newFakeBroker(), Trades: newMemTrades(), Snapshots: &memSnapshots{}})
	if !errors.Is(err, errors.ErrConfigInvalid) {
		t.Errorf("err = %v, want ErrConfigInvalid", err)
	}
}

func TestOrchestrator_AuditTrail(t *testing.T) {
	h := newHarness(t, nil)
	h.openAAPL()
	opened := h.clock.now

	h.broker.quotes["AAPL"] = 103
	h.notes.queue = []models.Command{
		{ID: "1", Command: "/halt", ChatID: 7},
		{ID: "2", Command: "close", Args: "AAPL", ChatID: 7},
	}
	h.tickAt(2, 10, 0)

	want := []audit.EventType{
		audit.PositionOpened,
		audit.TradingHalted,
		audit.CommandHandled,
		audit.PositionClosed,
		audit.CommandHandled,
	}
	got := h.audit.types()
	if len(got) != len(want) {
		t.Fatalf("audit = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("audit[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	open := h.audit.events[0]
	if open.Symbol != "AAPL" || open.Venue != "NYSE" || open.OrderID != "ORD-1" || !open.Timestamp.Equal(opened) {
		t.Errorf("open event = %+v", open)
	}
	closed := h.audit.events[3]
	if closed.Action != string(models.CloseReasonManual) || closed.Details["close_price"] != 103.0 {
		t.Errorf("close event = %+v", closed)
	}
	if cmd := h.audit.events[4]; cmd.Action != "close" || !cmd.Success {
		t.Errorf("command event = %+v", cmd)
	}
}
