package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Session Trader Configuration

label = "Session Trader"

[broker]
# Broker: "paper", "zerodha" or "binance"
name = "paper"
# Market data behind the paper broker: "zerodha" or "binance"
data_source = "binance"
# Paper account starting cash
initial_balance = 10000.0
# Paper only: refuse SHORT entries
long_only = false
# Binance: use the spot testnet
testnet = false
# Zerodha: exchange segment and product
exchange = "NSE"
product = "MIS"
# Per-call deadline for broker requests
timeout = "10s"

[risk]
# Maximum notional per position in account currency
max_position_value = 1000.0
stop_loss_pct = 2.0
take_profit_pct = 4.0
# Halt new entries once equity is this far below the day's baseline
max_daily_loss_pct = 5.0
# Decimals kept on stop-loss and take-profit prices
price_precision = 4
# ORB stop sits this far beyond the opening range
orb_stop_buffer_pct = 0.1

[timing]
check_interval = "60s"
orb_minutes = 15
pre_market_minutes = 30
closing_window_minutes = 15
# No re-entry on a symbol for this long after a close
cooldown_minutes = 30
shutdown_timeout = "30s"

[strategy]
# Strategy: "orb" or "momentum"
name = "orb"
# ORB breakout volume must reach this multiple of the 30-bar average (0 disables)
volume_multiplier = 1.5
# Momentum: bar size in minutes and bars fetched per evaluation
momentum_timeframe = 5
momentum_bars = 40
fast_span = 9
slow_span = 21
rsi_period = 14
rsi_long_min = 40.0
rsi_long_max = 70.0
rsi_short_min = 35.0
rsi_short_max = 60.0
# Drop crossovers once price is back across the slow EMA
stale_guard = true

# One block per exchange. A bare name uses the built-in calendar
# (NYSE, NASDAQ, LSE, XETRA, MTA, NSE, CRYPTO).
[[venues]]
name = "CRYPTO"
continuous = true
symbols = ["BTCUSDT", "ETHUSDT"]

# [[venues]]
# name = "NYSE"
# symbols = ["AAPL", "MSFT"]

# [[venues]]
# name = "BORSA"
# timezone = "Europe/Rome"
# open = "09:00"
# close = "17:30"
# symbols = ["ENI"]

[notify]
# Operator channel: "relay", "redis" or "none"
kind = "none"
relay_url = ""
relay_timeout = "10s"
redis_addr = "localhost:6379"
redis_db = 0
key_prefix = "session-trader"

[storage]
# Defaults to <config dir>/data
data_dir = ""
trades_db = "trades.db"
snapshot_file = "positions.json"

[audit]
# JSON-lines trail of orders, positions and commands
enabled = true
# Defaults to <data_dir>/audit
dir = ""
max_size = 50
max_backups = 30
max_age = 365
compress = true

[shutdown]
# Flatten every position on stop
close_positions = true

[logging]
level = "info"
console = true
json = false
file = true
# Defaults to <config dir>/logs/trader.log
file_path = ""
max_size = 50
max_backups = 10
max_age = 30
`

const credentialsTemplate = `# Session Trader Credentials
# WARNING: Keep this file secure! Do not commit to version control.
# Every value can also be set as SESSION_TRADER_<SECTION>_<KEY>.

[zerodha]
api_key = ""
api_secret = ""
user_id = ""

[binance]
api_key = ""
api_secret = ""

[relay]
api_key = ""

[redis]
password = ""
`

// WriteTemplates writes config.toml and credentials.toml into configDir.
// Existing files are kept unless force is set.
func WriteTemplates(configDir string, force bool) ([]string, error) {
	var written []string
	for _, t := range []struct {
		name, body string
		perm       os.FileMode
	}{
		{"config.toml", configTemplate, 0644},
		{"credentials.toml", credentialsTemplate, 0600},
	} {
		path, err := writeTemplate(configDir, t.name, t.body, t.perm, force)
		if err != nil {
			return written, err
		}
		if path != "" {
			written = append(written, path)
		}
	}
	return written, nil
}

// writeTemplate returns the written path, or "" when the file exists and
// force is false.
func writeTemplate(configDir, name, body string, perm os.FileMode, force bool) (string, error) {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, name)
	if !force {
		if _, err := os.Stat(path); err == nil {
			return "", nil
		}
	}
	if err := os.WriteFile(path, []byte(body), perm); err != nil {
		return "", fmt.Errorf("writing %s template: %w", name, err)
	}
	return path, nil
}
