package cli

import (
	"sort"
	"time"

	"github.com/spf13/cobra"

	"session-trader/internal/models"
	"session-trader/internal/store"
	"session-trader/pkg/utils"
)

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show positions from the last saved snapshot",
		Long: `Show the open positions recorded in the position snapshot.

The snapshot is written by a running engine on every entry and exit, so
this works whether or not the engine is running.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.load(); err != nil {
				return err
			}
			output := NewOutput(cmd)

			snap := newSnapshot(app.Config, app.Logger)
			positions, err := snap.Load()
			if err != nil {
				return err
			}
			var open []*models.Position
			for _, p := range positions {
				if p.IsOpen() {
					open = append(open, p)
				}
			}
			sort.Slice(open, func(i, j int) bool { return open[i].Symbol < open[j].Symbol })

			if output.IsJSON() {
				records := make([]models.PositionRecord, 0, len(open))
				for _, p := range open {
					records = append(records, p.ToRecord())
				}
				return output.JSON(records)
			}

			output.Dim("Snapshot: %s", snap.Path())
			if len(open) == 0 {
				output.Println("No open positions.")
				return nil
			}
			renderPositions(output, open)
			return nil
		},
	}
}

func renderPositions(output *Output, open []*models.Position) {
	table := NewTable(output, "Symbol", "Venue", "Side", "Qty", "Entry", "Last", "SL", "TP", "P&L", "Opened")
	for _, p := range open {
		pnl := p.UnrealizedPnL()
		table.AddRow(
			p.Symbol,
			p.Exchange,
			string(p.Side),
			utils.FormatQuantity(p.Quantity),
			utils.FormatPrice(p.EntryPrice),
			utils.FormatPrice(p.CurrentPrice),
			utils.FormatPrice(p.StopLoss),
			utils.FormatPrice(p.TakeProfit),
			output.Signed(pnl, utils.FormatPnL(pnl)+" ("+utils.FormatPercent(p.UnrealizedPnLPct())+")"),
			FormatDateTime(p.EntryTime),
		)
	}
	table.Render()
}

func newStatsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show trade history statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.load(); err != nil {
				return err
			}
			output := NewOutput(cmd)

			trades, err := openTradeStore(app.Config)
			if err != nil {
				return err
			}
			defer trades.Close()

			s, err := trades.Stats(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(s)
			}
			renderStats(output, s)
			return nil
		},
	}
}

func renderStats(output *Output, s *models.TradeStats) {
	if s.TotalClosed == 0 {
		output.Println("No closed trades yet.")
		if s.OpenCount > 0 {
			output.Dim("Open trades in history: %d", s.OpenCount)
		}
		return
	}

	output.Bold("All-time (%d closed trades)", s.TotalClosed)
	output.Printf("  Win/Loss:     %dW / %dL (%.1f%%)\n", s.Wins, s.TotalClosed-s.Wins, s.WinRate)
	output.Printf("  Total P&L:    %s\n", output.Signed(s.TotalPnL, utils.FormatPnL(s.TotalPnL)))
	output.Printf("  Avg P&L:      %s (%s)\n", utils.FormatPnL(s.AvgPnL), utils.FormatPercent(s.AvgPnLPct))
	output.Printf("  Best / Worst: %s / %s\n", utils.FormatPnL(s.BestPnL), utils.FormatPnL(s.WorstPnL))
	output.Printf("  Avg held:     %.0f min\n", s.AvgDurationMin)
	output.Println()

	if len(s.ByReason) > 0 {
		reasons := make([]string, 0, len(s.ByReason))
		for r := range s.ByReason {
			reasons = append(reasons, r)
		}
		sort.Strings(reasons)

		table := NewTable(output, "Exit reason", "Trades", "P&L")
		for _, r := range reasons {
			rs := s.ByReason[r]
			table.AddRow(r, utils.FormatQuantity(float64(rs.Count)), output.Signed(rs.PnL, utils.FormatPnL(rs.PnL)))
		}
		table.Render()
		output.Println()
	}

	output.Printf("Today:       %d trades, %s\n", s.TodayTrades, output.Signed(s.TodayPnL, utils.FormatPnL(s.TodayPnL)))
	output.Printf("Last 7 days: %d trades, %s\n", s.WeekTrades, output.Signed(s.WeekPnL, utils.FormatPnL(s.WeekPnL)))
	if s.OpenCount > 0 {
		output.Dim("Open trades in history: %d", s.OpenCount)
	}
}

func newTradesCmd(app *App) *cobra.Command {
	var (
		symbol string
		days   int
		limit  int
		closed bool
	)
	cmd := &cobra.Command{
		Use:   "trades",
		Short: "List recorded trades",
		Example: `  session-trader trades
  session-trader trades --symbol AAPL --days 7
  session-trader trades --closed --limit 100`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.load(); err != nil {
				return err
			}
			output := NewOutput(cmd)

			trades, err := openTradeStore(app.Config)
			if err != nil {
				return err
			}
			defer trades.Close()

			filter := store.TradeFilter{Symbol: symbol, ClosedOnly: closed, Limit: limit}
			if days > 0 {
				filter.Since = time.Now().AddDate(0, 0, -days)
			}
			records, err := trades.Trades(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(records)
			}
			if len(records) == 0 {
				output.Println("No trades found.")
				return nil
			}
			renderTrades(output, records)
			return nil
		},
	}
	cmd.Flags().StringVar(&symbol, "symbol", "", "only this symbol")
	cmd.Flags().IntVar(&days, "days", 0, "only trades opened in the last N days")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	cmd.Flags().BoolVar(&closed, "closed", false, "only closed trades")
	return cmd
}

func renderTrades(output *Output, records []models.TradeRecord) {
	table := NewTable(output, "ID", "Symbol", "Side", "Qty", "Entry", "Exit", "Reason", "P&L", "Strategy", "Opened")
	for _, r := range records {
		exit, reason, pnl := "-", "open", "-"
		if r.IsClosed() {
			exit = utils.FormatPrice(r.ClosePrice)
			reason = string(r.CloseReason)
			pnl = output.Signed(r.RealizedPnL, utils.FormatPnL(r.RealizedPnL))
		}
		table.AddRow(
			utils.FormatQuantity(float64(r.ID)),
			r.Symbol,
			string(r.Side),
			utils.FormatQuantity(r.Quantity),
			utils.FormatPrice(r.EntryPrice),
			exit,
			TruncateString(reason, 14),
			pnl,
			r.Strategy,
			FormatDateTime(r.EntryTime),
		)
	}
	table.Render()
}
