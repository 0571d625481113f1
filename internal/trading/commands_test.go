package trading

import (
	"context"
	"strings"
	"testing"

	"session-trader/internal/errors"
	"session-trader/internal/models"
)

func TestHandleCommand_NoPositions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	tests := []struct {
		command string
		args    string
		want    string
	}{
		{"status", "", "No open positions."},
		{"/positions", "", "No open positions."},
		{"close", "", "Usage: <code>/close SYMBOL</code>"},
		{"close", "msft", "No open position for <code>MSFT</code>"},
		{"stats", "", "No closed trades yet."},
		{"help", "", "<b>Commands</b>"},
		{"start", "", "<b>Commands</b>"},
		{"/foo", "", "Unknown command: <code>/foo</code>"},
	}

	for _, tt := range tests {
		t.Run(tt.command+" "+tt.args, func(t *testing.T) {
			got := h.o.HandleCommand(ctx, models.Command{Command: tt.command, Args: tt.args})
			if !strings.Contains(got, tt.want) {
				t.Errorf("reply = %q, want it to contain %q", got, tt.want)
			}
		})
	}
}

func TestHandleCommand_StatusListsPositionsAndVenues(t *testing.T) {
	h := newHarness(t, nil)
	h.openAAPL()

	got := h.o.HandleCommand(context.Background(), models.Command{Command: "status"})
	for _, want := range []string{"Open positions", "<code>AAPL</code> LONG 9", "NYSE: <code>TRADING</code>"} {
		if !strings.Contains(got, want) {
			t.Errorf("status missing %q:\n%s", want, got)
		}
	}
}

func TestHandleCommand_HaltBlocksEntries(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.broker.bars["AAPL"] = []models.Candle{{High: 101, Low: 99, Volume: 100}}
	h.tickAt(2, 9, 31)

	if got := h.o.HandleCommand(ctx, models.Command{Command: "halt"}); !strings.Contains(got, "Trading halted.") {
		t.Fatalf("halt reply = %q", got)
	}
	h.broker.bars["AAPL"] = volumeBars(30, 101.5, 100, 300)
	h.broker.quotes["AAPL"] = 102
	h.tickAt(2, 9, 46)
	if len(h.broker.placed) != 0 {
		t.Fatalf("entered while halted")
	}
	if got := h.o.HandleCommand(ctx, models.Command{Command: "status"}); !strings.Contains(got, "Manual halt active") {
		t.Errorf("status does not show halt: %q", got)
	}

	if got := h.o.HandleCommand(ctx, models.Command{Command: "resume"}); !strings.Contains(got, "Trading resumed.") {
		t.Fatalf("resume reply = %q", got)
	}
	h.tickAt(2, 9, 47)
	if len(h.broker.placed) != 1 {
		t.Errorf("no entry after resume")
	}
}

func TestHandleCommand_ManualClose(t *testing.T) {
	h := newHarness(t, nil)
	pos := h.openAAPL()
	h.broker.quotes["AAPL"] = 103

	got := h.o.HandleCommand(context.Background(), models.Command{Command: "close", Args: " aapl "})
	if !strings.Contains(got, "Closed <code>AAPL</code>") {
		t.Errorf("reply = %q", got)
	}
	if pos.IsOpen() || pos.CloseReason != models.CloseReasonManual || pos.ClosePrice != 103 {
		t.Errorf("position = %s %s @ %v", pos.Status, pos.CloseReason, pos.ClosePrice)
	}
}

func TestHandleCommand_ManualCloseFailure(t *testing.T) {
	h := newHarness(t, nil)
	pos := h.openAAPL()
	h.broker.closeResult = func(req models.CloseRequest) (models.CloseResult, error) {
		return models.CloseResult{}, errors.ErrTimeout
	}

	got := h.o.HandleCommand(context.Background(), models.Command{Command: "close", Args: "AAPL"})
	if !strings.Contains(got, "Could not close") {
		t.Errorf("reply = %q", got)
	}
	if !pos.IsOpen() {
		t.Errorf("position closed despite broker failure")
	}
}

func TestHandleCommand_Stats(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.trades.stats = &models.TradeStats{
		TotalClosed: 3,
		Wins:        2,
		WinRate:     66.7,
		TotalPnL:    42,
		ByReason: map[string]models.ReasonStats{
			"take_profit": {Count: 2, PnL: 60},
			"stop_loss":   {Count: 1, PnL: -18},
		},
		TodayTrades: 1,
	}
	got := h.o.HandleCommand(ctx, models.Command{Command: "stats"})
	for _, want := range []string{"<b>All-time</b> (3 closed trades)", "2W / 1L", "Take-profit hit: 2 trades", "Today:", "Last 7 days:"} {
		if !strings.Contains(got, want) {
			t.Errorf("stats missing %q:\n%s", want, got)
		}
	}

	h.trades.statsErr = errors.ErrConnectionFailed
	if got := h.o.HandleCommand(ctx, models.Command{Command: "stats"}); !strings.Contains(got, "Could not retrieve statistics.") {
		t.Errorf("stats error reply = %q", got)
	}
}

func TestProcessCommands_RepliesToOriginatingChat(t *testing.T) {
	h := newHarness(t, nil)
	h.notes.queue = []models.Command{
		{ID: "1", Command: "status", ChatID: 42},
		{ID: "2", Command: "bogus", ChatID: 7},
	}

	h.tickAt(2, 12, 0)

	if len(h.notes.results) != 2 {
		t.Fatalf("results = %d, want 2", len(h.notes.results))
	}
	if r := h.notes.results[0]; r.chatID != 42 || !strings.Contains(r.text, "No open positions.") {
		t.Errorf("first result = %+v", r)
	}
	if r := h.notes.results[1]; r.chatID != 7 || !strings.Contains(r.text, "Unknown command") {
		t.Errorf("second result = %+v", r)
	}
	if len(h.notes.queue) != 0 {
		t.Errorf("queue not drained")
	}
}

func TestProcessCommands_PollFailureIsTolerated(t *testing.T) {
	h := newHarness(t, nil)
	h.notes.failPoll = true

	h.tickAt(2, 12, 0)

	if len(h.notes.results) != 0 {
		t.Errorf("results sent despite poll failure")
	}
	if got := h.phase(); got != PhaseTrading {
		t.Errorf("phase = %s, want TRADING", got)
	}
}
