package cli

import (
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"session-trader/internal/audit"
)

func newAuditCmd(app *App) *cobra.Command {
	var (
		limit  int
		symbol string
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent audit events",
		Long: `Show the most recent entries of the audit trail: entries, exits,
rejected orders, failed closes and operator commands.`,
		Example: `  session-trader audit
  session-trader audit --symbol AAPL --limit 100`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.load(); err != nil {
				return err
			}
			output := NewOutput(cmd)

			path := filepath.Join(app.Config.Audit.Dir, audit.FileName)
			events, err := audit.ReadFile(path, 0)
			if err != nil {
				return err
			}
			if symbol != "" {
				symbol = strings.ToUpper(symbol)
				kept := events[:0]
				for _, ev := range events {
					if ev.Symbol == symbol {
						kept = append(kept, ev)
					}
				}
				events = kept
			}
			if limit > 0 && len(events) > limit {
				events = events[len(events)-limit:]
			}

			if output.IsJSON() {
				return output.JSON(events)
			}
			if len(events) == 0 {
				output.Println("No audit events.")
				return nil
			}
			renderAudit(output, events)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	cmd.Flags().StringVar(&symbol, "symbol", "", "only this symbol")
	return cmd
}

func renderAudit(output *Output, events []audit.Event) {
	table := NewTable(output, "Time", "Event", "Venue", "Symbol", "Action", "Result")
	for _, ev := range events {
		result := output.green.Sprint("ok")
		if !ev.Success {
			result = output.red.Sprint(TruncateString(ev.ErrorMsg, 40))
		}
		table.AddRow(
			FormatDateTime(ev.Timestamp.Local()),
			string(ev.Type),
			ev.Venue,
			ev.Symbol,
			ev.Action,
			result,
		)
	}
	table.Render()
}
