package cli

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
)

func newLoginCmd(app *App) *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Login to Zerodha Kite Connect",
		Long: `Login to Zerodha Kite Connect and save the session for 'run'.

Opens the Kite login page; after logging in, paste the request_token from
the redirect URL. Kite sessions expire daily, so run this before the open.`,
		Example: `  session-trader login
  session-trader login --token=<request_token>`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.load(); err != nil {
				return err
			}
			output := NewOutput(cmd)
			cfg := app.Config

			if cfg.Credentials.Zerodha.APIKey == "" || cfg.Credentials.Zerodha.APISecret == "" {
				output.Error("Zerodha api_key and api_secret are not configured in credentials.toml")
				return fmt.Errorf("zerodha credentials missing")
			}
			zb := newZerodha(cfg)

			if zb.IsAuthenticated() && token == "" {
				output.Success("✓ A saved Kite session exists")
				output.Dim("Run with --token to replace it.")
				return nil
			}

			if token == "" {
				loginURL := zb.LoginURL()
				output.Info("Opening Zerodha login page...")
				output.Println()
				output.Bold("Login URL:")
				output.Println(loginURL)
				output.Println()

				if err := openURL(loginURL); err != nil {
					output.Warning("Could not open browser automatically")
				}

				output.Info("After logging in, you'll be redirected to a URL like:")
				output.Dim("  https://your-redirect-url.com/?request_token=XXXXXX&status=success")
				output.Println()
				output.Bold("Paste the request_token value here:")

				reader := bufio.NewReader(cmd.InOrStdin())
				fmt.Fprint(cmd.OutOrStdout(), "> ")
				input, _ := reader.ReadString('\n')
				token = strings.TrimSpace(input)
			}
			if token == "" {
				output.Error("No token provided")
				return fmt.Errorf("no token provided")
			}

			output.Info("Completing login with token...")
			if err := zb.CompleteLogin(cmd.Context(), token); err != nil {
				output.Error("Login failed: %v", err)
				return err
			}
			output.Success("✓ Login successful!")
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "Request token from redirect URL")
	return cmd
}

// openURL opens the specified URL in the default browser.
func openURL(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", url)
	default:
		if os.Getenv("DISPLAY") == "" && os.Getenv("WAYLAND_DISPLAY") == "" {
			return fmt.Errorf("no display available")
		}
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}
