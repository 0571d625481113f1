package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"session-trader/internal/config"
	"session-trader/pkg/utils"
)

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View, validate and create the configuration files.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.load(); err != nil {
				return err
			}
			output := NewOutput(cmd)
			redacted := app.Config.Redacted()
			if output.IsJSON() {
				return output.JSON(redacted)
			}
			showConfig(output, &redacted)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration files",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.loadValid(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("✓ Configuration is valid")
			return nil
		},
	})

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write config.toml and credentials.toml templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			dir := app.ConfigDir
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			written, err := config.WriteTemplates(dir, force)
			if err != nil {
				return err
			}
			if len(written) == 0 {
				output.Info("Configuration already exists in %s (use --force to overwrite)", dir)
				return nil
			}
			for _, path := range written {
				output.Success("✓ Wrote %s", path)
			}
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite existing files")
	cmd.AddCommand(initCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			dir := app.ConfigDir
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			if output.IsJSON() {
				output.JSON(map[string]string{"path": dir})
				return
			}
			output.Println(dir)
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Broker")
	output.Printf("  Name:           %s\n", cfg.Broker.Name)
	if cfg.Broker.IsPaper() {
		output.Printf("  Data source:    %s\n", cfg.Broker.DataSource)
		output.Printf("  Paper balance:  %s\n", utils.FormatMoney(cfg.Broker.InitialBalance))
	}
	output.Printf("  Timeout:        %s\n", cfg.Broker.Timeout)
	output.Println()

	output.Bold("Risk")
	output.Printf("  Max position:   %s\n", utils.FormatMoney(cfg.Risk.MaxPositionValue))
	output.Printf("  Stop loss:      %.2f%%\n", cfg.Risk.StopLossPct)
	output.Printf("  Take profit:    %.2f%%\n", cfg.Risk.TakeProfitPct)
	output.Printf("  Max daily loss: %.2f%%\n", cfg.Risk.MaxDailyLossPct)
	output.Println()

	output.Bold("Strategy")
	output.Printf("  Name:           %s\n", cfg.Strategy.Name)
	output.Printf("  Check interval: %s\n", cfg.Timing.CheckInterval)
	output.Printf("  ORB window:     %d min\n", cfg.Timing.ORBMinutes)
	output.Printf("  Cooldown:       %d min\n", cfg.Timing.CooldownMinutes)
	output.Println()

	output.Bold("Venues")
	for _, v := range cfg.Venues {
		desc := v.Name
		if ex, err := v.Exchange(); err == nil {
			desc = ex.String()
		}
		output.Printf("  %s: %s\n", desc, strings.Join(v.Symbols, ", "))
	}
	output.Println()

	output.Bold("Notifications")
	output.Printf("  Kind:           %s\n", cfg.Notify.Kind)
	output.Printf("  Relay key:      %s\n", cfg.Credentials.Relay.APIKey)
	output.Println()

	output.Bold("Storage")
	output.Printf("  Trades:         %s\n", cfg.Storage.TradesPath())
	output.Printf("  Snapshot:       %s\n", cfg.Storage.SnapshotPath())
	if cfg.Audit.Enabled {
		output.Printf("  Audit:          %s\n", cfg.Audit.Dir)
	}
	output.Printf("  Close on stop:  %v\n", cfg.Shutdown.ClosePositions)
}
