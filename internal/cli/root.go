// Package cli provides the command-line interface for the trading engine.
package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"session-trader/internal/config"
)

// Version information, overridden at build time with -ldflags.
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
)

// App holds the state shared by every command.
type App struct {
	ConfigDir string
	Debug     bool
	Config    *config.Config
	Logger    zerolog.Logger
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd() *cobra.Command {
	app := &App{Logger: zerolog.Nop()}

	rootCmd := &cobra.Command{
		Use:   "session-trader",
		Short: "Session-aware intraday trading engine",
		Long: `Session Trader runs opening-range breakout or momentum strategies across
one or more exchanges, each with its own trading calendar and daily risk budget.

Positions are opened with broker-side stop-loss / take-profit brackets,
flattened before the close, and reported to an operator chat channel.

Use 'session-trader config init' to create a configuration, then
'session-trader run' to start trading.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&app.ConfigDir, "config-dir", "", "config directory (default: $SESSION_TRADER_CONFIG_DIR or ~/.config/session-trader)")
	rootCmd.PersistentFlags().BoolVar(&app.Debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")

	rootCmd.AddCommand(
		newRunCmd(app),
		newStatusCmd(app),
		newStatsCmd(app),
		newTradesCmd(app),
		newAuditCmd(app),
		newLoginCmd(app),
		newConfigCmd(app),
		newVersionCmd(),
	)
	return rootCmd
}

// load reads the configuration once and builds the logger from it.
func (a *App) load() error {
	if a.Config != nil {
		return nil
	}
	cfg, err := config.Load(a.ConfigDir)
	if err != nil {
		return err
	}
	a.Config = cfg
	a.Logger = newLogger(cfg, a.Debug)
	for _, path := range cfg.Created {
		a.Logger.Warn().Str("path", path).Msg("Configuration file missing, template written")
	}
	return nil
}

// loadValid is load followed by Validate.
func (a *App) loadValid() error {
	if err := a.load(); err != nil {
		return err
	}
	return a.Config.Validate()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			}
			output.Printf("Session Trader v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
			return nil
		},
	}
}
