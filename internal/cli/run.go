package cli

import (
	"github.com/spf13/cobra"

	"session-trader/internal/logging"
	"session-trader/internal/trading"
)

func newRunCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the trading loop",
		Long: `Start the trading loop and run until interrupted.

On SIGINT or SIGTERM the engine optionally flattens every position
([shutdown] close_positions), saves the snapshot and disconnects.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.loadValid(); err != nil {
				return err
			}
			cfg := app.Config
			logger := app.Logger
			ctx := cmd.Context()

			tc, err := tradingConfig(cfg)
			if err != nil {
				return err
			}

			port, err := newBroker(cfg, logger)
			if err != nil {
				return err
			}

			notifier, err := newNotifier(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer notifier.Close()

			trades, err := openTradeStore(cfg)
			if err != nil {
				return err
			}
			defer trades.Close()

			recorder, closeAudit, err := newAuditRecorder(cfg)
			if err != nil {
				return err
			}
			defer closeAudit()

			orch, err := trading.New(tc, trading.Deps{
				Broker:    port,
				Notifier:  notifier,
				Trades:    trades,
				Snapshots: newSnapshot(cfg, logger),
				Audit:     recorder,
				Logger:    logger,
			})
			if err != nil {
				return err
			}

			cliLogger := logging.WithComponent(logger, "cli")
			cliLogger.Info().
				Str("version", Version).
				Str("config_dir", cfg.Dir).
				Str("broker", cfg.Broker.Name).
				Str("strategy", cfg.Strategy.Name).
				Str("trades_db", cfg.Storage.TradesPath()).
				Msg("Starting session trader")

			return orch.Run(ctx)
		},
	}
}
