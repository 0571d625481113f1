package trading

import (
	"fmt"
	"html"
	"sort"
	"strings"

	"session-trader/internal/models"
	"session-trader/pkg/utils"
)

// Operator messages use the chat relay's HTML subset.

var reasonLabels = map[models.CloseReason]string{
	models.CloseReasonStopLoss:    "Stop-loss hit",
	models.CloseReasonTakeProfit:  "Take-profit hit",
	models.CloseReasonMarketClose: "Market close",
	models.CloseReasonManual:      "Manual close",
	models.CloseReasonUnknown:     "Bracket filled (leg unknown)",
}

func reasonLabel(r models.CloseReason) string {
	if label, ok := reasonLabels[r]; ok {
		return label
	}
	return string(r)
}

func direction(side models.Side) string {
	if side == models.SideShort {
		return "SHORT 📉"
	}
	return "LONG 📈"
}

func pnlEmoji(pnl float64) string {
	if pnl >= 0 {
		return "🟢"
	}
	return "🔴"
}

func errText(err error) string {
	if err == nil {
		return "no confirmation from broker"
	}
	return html.EscapeString(err.Error())
}

func msgStarted(cfg Config, brokerName string, restored int) string {
	var venues []string
	for _, vc := range cfg.Venues {
		venues = append(venues, fmt.Sprintf("%s: %s", vc.Exchange.Name, strings.Join(vc.Symbols, ", ")))
	}
	mode := "💰 Live"
	if cfg.Paper {
		mode = "📝 Paper"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "🚀 <b>%s started</b>\n", html.EscapeString(cfg.Label))
	fmt.Fprintf(&b, "Broker: <code>%s</code> | Mode: %s\n", brokerName, mode)
	fmt.Fprintf(&b, "Strategy: <code>%s</code>\n", cfg.Strategy.Kind)
	for _, v := range venues {
		fmt.Fprintf(&b, "• %s\n", html.EscapeString(v))
	}
	if restored > 0 {
		fmt.Fprintf(&b, "Restored open positions: %d", restored)
	}
	return strings.TrimRight(b.String(), "\n")
}

func msgStartFailed(label, brokerName string, err error) string {
	return fmt.Sprintf("❌ <b>%s failed to start</b>\nCould not connect to <code>%s</code>: %s",
		html.EscapeString(label), brokerName, errText(err))
}

func msgStopped(label string, open []*models.Position) string {
	msg := fmt.Sprintf("🛑 <b>%s stopped</b>", html.EscapeString(label))
	if len(open) > 0 {
		syms := make([]string, 0, len(open))
		for _, p := range open {
			syms = append(syms, p.Symbol)
		}
		msg += fmt.Sprintf("\nStill open: <code>%s</code>", strings.Join(syms, ", "))
	}
	return msg
}

func msgDailyHalt(venueName string) string {
	return fmt.Sprintf("⛔ <b>Trading halted</b> - daily loss limit reached on <b>%s</b>.\nNo new positions will be opened today.",
		html.EscapeString(venueName))
}

func msgSignal(symbol string, side models.Side, price, qty, stopLoss, takeProfit float64) string {
	return fmt.Sprintf("🔔 <b>Signal detected</b> - %s <code>%s</code>\n"+
		"Price: <b>%s</b> | Qty: %s\n"+
		"SL: %s | TP: %s\n"+
		"Placing order…",
		direction(side), symbol,
		utils.FormatPrice(price), utils.FormatQuantity(qty),
		utils.FormatPrice(stopLoss), utils.FormatPrice(takeProfit))
}

func msgOrderFailed(symbol string, err error) string {
	return fmt.Sprintf("❌ <b>Order failed</b> for <code>%s</code>\n%s", symbol, errText(err))
}

func msgOrphan(symbol string, bp models.BrokerPosition) string {
	return fmt.Sprintf("⚠️ <b>Manual action needed</b>: broker holds %s %s <code>%s</code> from a failed entry and it could not be flattened.",
		bp.Side, utils.FormatQuantity(bp.Quantity), symbol)
}

func msgEntryUnverified(symbol string) string {
	return fmt.Sprintf("⚠️ <b>Check broker</b>: the entry for <code>%s</code> failed without a clear answer and holdings could not be verified.", symbol)
}

func msgOpened(pos *models.Position) string {
	return fmt.Sprintf("✅ <b>Position opened</b> - %s <code>%s</code>\n"+
		"Entry: <b>%s</b> | Qty: %s\n"+
		"SL: %s | TP: %s\n"+
		"Cost: %s",
		direction(pos.Side), pos.Symbol,
		utils.FormatPrice(pos.EntryPrice), utils.FormatQuantity(pos.Quantity),
		utils.FormatPrice(pos.StopLoss), utils.FormatPrice(pos.TakeProfit),
		utils.FormatMoney(pos.CostBasis()))
}

func msgClosed(pos *models.Position) string {
	pnl := pos.RealizedPnL()
	return fmt.Sprintf("%s <b>Position closed</b> - <code>%s</code>\n"+
		"Reason: %s\n"+
		"Exit: <b>%s</b> | P&amp;L: <b>%s</b> (%s)\n"+
		"Held: %s",
		pnlEmoji(pnl), pos.Symbol,
		reasonLabel(pos.CloseReason),
		utils.FormatPrice(pos.ClosePrice), utils.FormatPnL(pnl), utils.FormatPercent(pos.RealizedPnLPct()),
		utils.FormatDuration(pos.CloseTime.Sub(pos.EntryTime)))
}

func msgCloseFailed(symbol string, err error) string {
	return fmt.Sprintf("⚠️ <b>Close failed</b> for <code>%s</code>: %s\nRetrying every tick; position stays open.",
		symbol, errText(err))
}

func msgStatus(open []*models.Position, halted bool, venues []venueSummary) string {
	var b strings.Builder
	haltFlag := ""
	if halted {
		haltFlag = " ⛔ <i>Manual halt active</i>"
	}

	if len(open) == 0 {
		fmt.Fprintf(&b, "📊 <b>Status</b>%s\n\nNo open positions.", haltFlag)
	} else {
		fmt.Fprintf(&b, "📊 <b>Open positions</b>%s\n", haltFlag)
		for _, pos := range open {
			pnl := pos.UnrealizedPnL()
			fmt.Fprintf(&b, "\n%s <code>%s</code> %s %s\n", pnlEmoji(pnl), pos.Symbol, pos.Side, utils.FormatQuantity(pos.Quantity))
			fmt.Fprintf(&b, "   Entry: %s | Now: %s\n", utils.FormatPrice(pos.EntryPrice), utils.FormatPrice(pos.CurrentPrice))
			fmt.Fprintf(&b, "   P&amp;L: <b>%s</b> (%s)\n", utils.FormatPnL(pnl), utils.FormatPercent(pos.UnrealizedPnLPct()))
			fmt.Fprintf(&b, "   SL: %s | TP: %s", utils.FormatPrice(pos.StopLoss), utils.FormatPrice(pos.TakeProfit))
		}
	}

	if len(venues) > 0 {
		b.WriteString("\n\n<b>Venues</b>")
		for _, v := range venues {
			fmt.Fprintf(&b, "\n• %s: <code>%s</code>", html.EscapeString(v.Name), v.Phase)
		}
	}
	return b.String()
}

func msgHalted() string {
	return "⛔ <b>Trading halted.</b> No new positions will be opened.\nUse /resume to re-enable trading."
}

func msgResumed() string {
	return "✅ <b>Trading resumed.</b> New signals will be acted upon."
}

func msgCloseUsage() string {
	return "❌ Usage: <code>/close SYMBOL</code>  (e.g. <code>/close AAPL</code>)"
}

func msgNoPosition(symbol string) string {
	return fmt.Sprintf("❌ No open position for <code>%s</code>.", html.EscapeString(symbol))
}

func msgManualClosed(pos *models.Position) string {
	return fmt.Sprintf("✅ Closed <code>%s</code> at %s | P&amp;L: <b>%s</b>",
		pos.Symbol, utils.FormatPrice(pos.ClosePrice), utils.FormatPnL(pos.RealizedPnL()))
}

func msgManualCloseFailed(symbol string) string {
	return fmt.Sprintf("⚠️ Could not close <code>%s</code>. The position is still open.", symbol)
}

func msgStatsUnavailable() string {
	return "❌ Could not retrieve statistics."
}

func msgStats(s *models.TradeStats) string {
	if s.TotalClosed == 0 {
		msg := "📈 <b>Trading statistics</b>\n\nNo closed trades yet."
		if s.OpenCount > 0 {
			msg += fmt.Sprintf("\n📂 Open positions in history: %d", s.OpenCount)
		}
		return msg
	}

	lines := []string{
		"📈 <b>Trading statistics</b>\n",
		fmt.Sprintf("<b>All-time</b> (%d closed trades)", s.TotalClosed),
		fmt.Sprintf("  Win/Loss: %dW / %dL | Win rate: <b>%.1f%%</b>", s.Wins, s.TotalClosed-s.Wins, s.WinRate),
		fmt.Sprintf("  Total P&amp;L: <b>%s</b>", utils.FormatPnL(s.TotalPnL)),
		fmt.Sprintf("  Avg P&amp;L: %s (%s)", utils.FormatPnL(s.AvgPnL), utils.FormatPercent(s.AvgPnLPct)),
		fmt.Sprintf("  Best: %s | Worst: %s", utils.FormatPnL(s.BestPnL), utils.FormatPnL(s.WorstPnL)),
		fmt.Sprintf("  Avg duration: %.0f min", s.AvgDurationMin),
	}

	if len(s.ByReason) > 0 {
		reasons := make([]string, 0, len(s.ByReason))
		for r := range s.ByReason {
			reasons = append(reasons, r)
		}
		sort.Strings(reasons)
		lines = append(lines, "\n<b>By exit reason:</b>")
		for _, r := range reasons {
			rs := s.ByReason[r]
			lines = append(lines, fmt.Sprintf("   • %s: %d trades (%s)",
				reasonLabel(models.CloseReason(r)), rs.Count, utils.FormatPnL(rs.PnL)))
		}
	}

	lines = append(lines,
		fmt.Sprintf("\n<b>Today:</b> %d trades | P&amp;L %s", s.TodayTrades, utils.FormatPnL(s.TodayPnL)),
		fmt.Sprintf("<b>Last 7 days:</b> %d trades | P&amp;L %s", s.WeekTrades, utils.FormatPnL(s.WeekPnL)),
	)
	if s.OpenCount > 0 {
		lines = append(lines, fmt.Sprintf("\n📂 Open positions in history: %d", s.OpenCount))
	}
	return strings.Join(lines, "\n")
}

func msgHelp() string {
	return "🤖 <b>Commands</b>\n" +
		"/status - open positions and venue phases\n" +
		"/positions - same as /status\n" +
		"/halt - stop opening new positions\n" +
		"/resume - allow new positions again\n" +
		"/close SYMBOL - close a position at market\n" +
		"/stats - trade history statistics\n" +
		"/help - this message"
}

func msgUnknownCommand(cmd string) string {
	return fmt.Sprintf("❓ Unknown command: <code>/%s</code>\n\nAvailable: /status /halt /resume /close SYMBOL /stats /help",
		html.EscapeString(strings.TrimPrefix(cmd, "/")))
}

func msgCommandError(cmd string, err error) string {
	return fmt.Sprintf("❌ Error executing <code>/%s</code>: %s", html.EscapeString(cmd), errText(err))
}
