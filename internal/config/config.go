// Package config provides configuration management for the trading engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"session-trader/internal/errors"
	"session-trader/internal/schedule"
	"session-trader/internal/strategy"
)

// EnvPrefix prefixes every environment override, e.g. SESSION_TRADER_BROKER_NAME.
const EnvPrefix = "SESSION_TRADER"

// Config holds all application configuration.
type Config struct {
	Label    string         `mapstructure:"label"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Timing   TimingConfig   `mapstructure:"timing"`
	Strategy StrategyConfig `mapstructure:"strategy"`
	Venues   []VenueConfig  `mapstructure:"venues"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Shutdown ShutdownConfig `mapstructure:"shutdown"`
	Audit    AuditConfig    `mapstructure:"audit"`
	Logging  LoggingConfig  `mapstructure:"logging"`

	Credentials Credentials `mapstructure:"-"` // Loaded separately

	// Dir is the directory the configuration was loaded from.
	Dir string `mapstructure:"-"`
	// Created lists template files written because they were missing.
	Created []string `mapstructure:"-"`
}

// BrokerConfig selects and tunes the broker adapter.
type BrokerConfig struct {
	Name           string        `mapstructure:"name"`        // paper, zerodha, binance
	DataSource     string        `mapstructure:"data_source"` // market data for paper: zerodha, binance
	InitialBalance float64       `mapstructure:"initial_balance"`
	LongOnly       bool          `mapstructure:"long_only"` // paper only
	Testnet        bool          `mapstructure:"testnet"`
	Exchange       string        `mapstructure:"exchange"` // Kite segment, NSE by default
	Product        string        `mapstructure:"product"`  // Kite product, MIS by default
	Timeout        time.Duration `mapstructure:"timeout"`
}

// IsPaper reports whether orders are simulated.
func (b BrokerConfig) IsPaper() bool {
	return b.Name == "paper"
}

// RiskConfig holds risk management configuration. Percentages are percent values.
type RiskConfig struct {
	MaxPositionValue float64 `mapstructure:"max_position_value"`
	StopLossPct      float64 `mapstructure:"stop_loss_pct"`
	TakeProfitPct    float64 `mapstructure:"take_profit_pct"`
	MaxDailyLossPct  float64 `mapstructure:"max_daily_loss_pct"`
	PricePrecision   int     `mapstructure:"price_precision"`
	ORBStopBufferPct float64 `mapstructure:"orb_stop_buffer_pct"`
}

// TimingConfig holds the loop cadence and session window lengths.
type TimingConfig struct {
	CheckInterval        time.Duration `mapstructure:"check_interval"`
	ORBMinutes           int           `mapstructure:"orb_minutes"`
	PreMarketMinutes     int           `mapstructure:"pre_market_minutes"`
	ClosingWindowMinutes int           `mapstructure:"closing_window_minutes"`
	CooldownMinutes      int           `mapstructure:"cooldown_minutes"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout"`
}

// StrategyConfig selects the entry strategy.
type StrategyConfig struct {
	Name              string  `mapstructure:"name"` // orb, momentum
	VolumeMultiplier  float64 `mapstructure:"volume_multiplier"`
	MomentumTimeframe int     `mapstructure:"momentum_timeframe"`
	MomentumBars      int     `mapstructure:"momentum_bars"`
	FastSpan          int     `mapstructure:"fast_span"`
	SlowSpan          int     `mapstructure:"slow_span"`
	RSIPeriod         int     `mapstructure:"rsi_period"`
	RSILongMin        float64 `mapstructure:"rsi_long_min"`
	RSILongMax        float64 `mapstructure:"rsi_long_max"`
	RSIShortMin       float64 `mapstructure:"rsi_short_min"`
	RSIShortMax       float64 `mapstructure:"rsi_short_max"`
	StaleGuard        bool    `mapstructure:"stale_guard"`
}

// VenueConfig is one exchange and the symbols traded on it. A venue with
// only a name uses the built-in calendar of that exchange.
type VenueConfig struct {
	Name       string   `mapstructure:"name"`
	Timezone   string   `mapstructure:"timezone"`
	Open       string   `mapstructure:"open"`
	Close      string   `mapstructure:"close"`
	Continuous bool     `mapstructure:"continuous"`
	Symbols    []string `mapstructure:"symbols"`
}

// Exchange builds the venue's trading calendar.
func (v VenueConfig) Exchange() (*schedule.Exchange, error) {
	name := strings.ToUpper(strings.TrimSpace(v.Name))
	switch {
	case v.Continuous:
		return schedule.NewContinuous(name, v.Timezone)
	case v.Timezone == "" && v.Open == "" && v.Close == "":
		return schedule.Preset(name)
	default:
		return schedule.New(name, v.Timezone, v.Open, v.Close)
	}
}

// NotifyConfig selects the operator channel.
type NotifyConfig struct {
	Kind         string        `mapstructure:"kind"` // relay, redis, none
	RelayURL     string        `mapstructure:"relay_url"`
	RelayTimeout time.Duration `mapstructure:"relay_timeout"`
	RedisAddr    string        `mapstructure:"redis_addr"`
	RedisDB      int           `mapstructure:"redis_db"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

// StorageConfig locates the trade history and position snapshot.
type StorageConfig struct {
	DataDir      string `mapstructure:"data_dir"`
	TradesDB     string `mapstructure:"trades_db"`
	SnapshotFile string `mapstructure:"snapshot_file"`
}

// TradesPath returns the trade database path.
func (s StorageConfig) TradesPath() string {
	return s.resolve(s.TradesDB)
}

// SnapshotPath returns the position snapshot path.
func (s StorageConfig) SnapshotPath() string {
	return s.resolve(s.SnapshotFile)
}

func (s StorageConfig) resolve(name string) string {
	if filepath.IsAbs(name) || s.DataDir == "" {
		return name
	}
	return filepath.Join(s.DataDir, name)
}

// AuditConfig controls the JSON-lines audit trail.
type AuditConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Dir        string `mapstructure:"dir"`      // defaults to <data_dir>/audit
	MaxSize    int    `mapstructure:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// ShutdownConfig controls the stop sequence.
type ShutdownConfig struct {
	ClosePositions bool `mapstructure:"close_positions"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	JSON       bool   `mapstructure:"json"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// Credentials holds API credentials.
type Credentials struct {
	Zerodha ZerodhaCredentials `mapstructure:"zerodha"`
	Binance BinanceCredentials `mapstructure:"binance"`
	Relay   RelayCredentials   `mapstructure:"relay"`
	Redis   RedisCredentials   `mapstructure:"redis"`
}

// ZerodhaCredentials holds Zerodha API credentials.
type ZerodhaCredentials struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	UserID    string `mapstructure:"user_id"`
}

// BinanceCredentials holds Binance API credentials.
type BinanceCredentials struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

// RelayCredentials authenticates against the chat relay.
type RelayCredentials struct {
	APIKey string `mapstructure:"api_key"`
}

// RedisCredentials authenticates against Redis.
type RedisCredentials struct {
	Password string `mapstructure:"password"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	if dir := os.Getenv(EnvPrefix + "_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/session-trader"
	}
	return filepath.Join(home, ".config", "session-trader")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory. Missing files
// are replaced by templates and the defaults apply.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	// .env values never override variables already set in the environment
	for _, path := range []string{filepath.Join(configDir, ".env"), ".env"} {
		if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
	}

	cfg := &Config{Dir: configDir}

	created, err := loadFile(configDir, "config", configTemplate, 0644, setDefaults, cfg)
	if err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}
	if created != "" {
		cfg.Created = append(cfg.Created, created)
	}

	created, err = loadFile(configDir, "credentials", credentialsTemplate, 0600, setCredentialDefaults, &cfg.Credentials)
	if err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}
	if created != "" {
		cfg.Created = append(cfg.Created, created)
	}

	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = filepath.Join(configDir, "data")
	}
	if cfg.Audit.Dir == "" {
		cfg.Audit.Dir = filepath.Join(cfg.Storage.DataDir, "audit")
	}
	return cfg, nil
}

func newViper(configDir, name string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// loadFile reads name.toml into target. A missing file is written from the
// template and target is filled from defaults and the environment; the
// template path is returned in that case.
func loadFile(configDir, name, template string, perm os.FileMode, defaults func(*viper.Viper), target interface{}) (string, error) {
	v := newViper(configDir, name)
	defaults(v)

	created := ""
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return "", err
		}
		path, err := writeTemplate(configDir, name+".toml", template, perm, false)
		if err != nil {
			return "", err
		}
		created = path
	}

	if err := v.Unmarshal(target); err != nil {
		return "", err
	}
	return created, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("label", "Session Trader")

	v.SetDefault("broker.name", "paper")
	v.SetDefault("broker.data_source", "binance")
	v.SetDefault("broker.initial_balance", 10000.0)
	v.SetDefault("broker.long_only", false)
	v.SetDefault("broker.testnet", false)
	v.SetDefault("broker.exchange", "NSE")
	v.SetDefault("broker.product", "MIS")
	v.SetDefault("broker.timeout", 10*time.Second)

	v.SetDefault("risk.max_position_value", 1000.0)
	v.SetDefault("risk.stop_loss_pct", 2.0)
	v.SetDefault("risk.take_profit_pct", 4.0)
	v.SetDefault("risk.max_daily_loss_pct", 5.0)
	v.SetDefault("risk.price_precision", 4)
	v.SetDefault("risk.orb_stop_buffer_pct", 0.1)

	v.SetDefault("timing.check_interval", 60*time.Second)
	v.SetDefault("timing.orb_minutes", 15)
	v.SetDefault("timing.pre_market_minutes", 30)
	v.SetDefault("timing.closing_window_minutes", 15)
	v.SetDefault("timing.cooldown_minutes", 30)
	v.SetDefault("timing.shutdown_timeout", 30*time.Second)

	v.SetDefault("strategy.name", "orb")
	v.SetDefault("strategy.volume_multiplier", 1.5)
	v.SetDefault("strategy.momentum_timeframe", 5)
	v.SetDefault("strategy.momentum_bars", 40)
	v.SetDefault("strategy.fast_span", 9)
	v.SetDefault("strategy.slow_span", 21)
	v.SetDefault("strategy.rsi_period", 14)
	v.SetDefault("strategy.rsi_long_min", 40.0)
	v.SetDefault("strategy.rsi_long_max", 70.0)
	v.SetDefault("strategy.rsi_short_min", 35.0)
	v.SetDefault("strategy.rsi_short_max", 60.0)
	v.SetDefault("strategy.stale_guard", true)

	v.SetDefault("venues", []map[string]interface{}{
		{"name": "CRYPTO", "continuous": true, "symbols": []string{"BTCUSDT", "ETHUSDT"}},
	})

	v.SetDefault("notify.kind", "none")
	v.SetDefault("notify.relay_url", "")
	v.SetDefault("notify.relay_timeout", 10*time.Second)
	v.SetDefault("notify.redis_addr", "localhost:6379")
	v.SetDefault("notify.redis_db", 0)
	v.SetDefault("notify.key_prefix", "session-trader")

	v.SetDefault("storage.data_dir", "")
	v.SetDefault("storage.trades_db", "trades.db")
	v.SetDefault("storage.snapshot_file", "positions.json")

	v.SetDefault("shutdown.close_positions", true)

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.dir", "")
	v.SetDefault("audit.max_size", 50)
	v.SetDefault("audit.max_backups", 30)
	v.SetDefault("audit.max_age", 365)
	v.SetDefault("audit.compress", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.json", false)
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.file_path", "")
	v.SetDefault("logging.max_size", 50)
	v.SetDefault("logging.max_backups", 10)
	v.SetDefault("logging.max_age", 30)
}

// setCredentialDefaults registers every key so AutomaticEnv can fill it,
// e.g. SESSION_TRADER_ZERODHA_API_KEY.
func setCredentialDefaults(v *viper.Viper) {
	for _, key := range []string{
		"zerodha.api_key", "zerodha.api_secret", "zerodha.user_id",
		"binance.api_key", "binance.api_secret",
		"relay.api_key",
		"redis.password",
	} {
		v.SetDefault(key, "")
	}
}

// Validate validates the configuration and reports every problem at once.
func (c *Config) Validate() error {
	verr := &errors.ValidationError{}

	switch c.Broker.Name {
	case "paper":
		switch c.Broker.DataSource {
		case "binance":
		case "zerodha":
			c.requireZerodha(verr)
		default:
			verr.Add("broker.data_source must be 'zerodha' or 'binance', got %q", c.Broker.DataSource)
		}
		if c.Broker.InitialBalance <= 0 {
			verr.Add("broker.initial_balance must be positive")
		}
	case "zerodha":
		c.requireZerodha(verr)
	case "binance":
		if c.Credentials.Binance.APIKey == "" || c.Credentials.Binance.APISecret == "" {
			verr.Add("binance api_key and api_secret are required")
		}
	default:
		verr.Add("broker.name must be 'paper', 'zerodha' or 'binance', got %q", c.Broker.Name)
	}
	if c.Broker.Timeout <= 0 {
		verr.Add("broker.timeout must be positive")
	}

	if c.Risk.MaxPositionValue <= 0 {
		verr.Add("risk.max_position_value must be positive")
	}
	if c.Risk.StopLossPct <= 0 || c.Risk.StopLossPct >= 100 {
		verr.Add("risk.stop_loss_pct must be between 0 and 100")
	}
	if c.Risk.TakeProfitPct <= 0 {
		verr.Add("risk.take_profit_pct must be positive")
	}
	if c.Risk.MaxDailyLossPct <= 0 || c.Risk.MaxDailyLossPct > 100 {
		verr.Add("risk.max_daily_loss_pct must be between 0 and 100")
	}
	if c.Risk.PricePrecision < 0 || c.Risk.PricePrecision > 10 {
		verr.Add("risk.price_precision must be between 0 and 10")
	}
	if c.Risk.ORBStopBufferPct < 0 {
		verr.Add("risk.orb_stop_buffer_pct must be non-negative")
	}

	if c.Timing.CheckInterval < time.Second {
		verr.Add("timing.check_interval must be at least 1s")
	}
	if c.Timing.ORBMinutes <= 0 {
		verr.Add("timing.orb_minutes must be positive")
	}
	if c.Timing.PreMarketMinutes < 0 || c.Timing.ClosingWindowMinutes < 0 || c.Timing.CooldownMinutes < 0 {
		verr.Add("timing window lengths must be non-negative")
	}
	if c.Timing.ShutdownTimeout <= 0 {
		verr.Add("timing.shutdown_timeout must be positive")
	}

	kind, err := strategy.ParseKind(c.Strategy.Name)
	if err != nil {
		verr.Add("strategy.name: %v", err)
	}
	if c.Strategy.VolumeMultiplier < 0 {
		verr.Add("strategy.volume_multiplier must be non-negative")
	}
	if kind == strategy.KindMomentum {
		if c.Strategy.FastSpan <= 0 || c.Strategy.SlowSpan <= c.Strategy.FastSpan {
			verr.Add("strategy.slow_span must be greater than fast_span")
		}
		if c.Strategy.MomentumTimeframe <= 0 || c.Strategy.MomentumBars <= c.Strategy.SlowSpan {
			verr.Add("strategy.momentum_bars must exceed slow_span")
		}
		if c.Strategy.RSILongMin >= c.Strategy.RSILongMax || c.Strategy.RSIShortMin >= c.Strategy.RSIShortMax {
			verr.Add("strategy RSI bands must have min below max")
		}
	}

	if len(c.Venues) == 0 {
		verr.Add("at least one [[venues]] entry is required")
	}
	seen := make(map[string]string)
	for i, v := range c.Venues {
		if strings.TrimSpace(v.Name) == "" {
			verr.Add("venues[%d]: name is required", i)
			continue
		}
		if _, err := v.Exchange(); err != nil {
			verr.Add("venues[%d]: %v", i, err)
		}
		if len(v.Symbols) == 0 {
			verr.Add("venue %s has no symbols", v.Name)
		}
		for _, sym := range v.Symbols {
			sym = strings.ToUpper(strings.TrimSpace(sym))
			if prev, dup := seen[sym]; dup {
				verr.Add("symbol %s listed on both %s and %s", sym, prev, v.Name)
			}
			seen[sym] = v.Name
		}
	}

	switch c.Notify.Kind {
	case "none", "":
	case "relay":
		if c.Notify.RelayURL == "" {
			verr.Add("notify.relay_url is required for the relay notifier")
		}
	case "redis":
		if c.Notify.RedisAddr == "" {
			verr.Add("notify.redis_addr is required for the redis notifier")
		}
	default:
		verr.Add("notify.kind must be 'relay', 'redis' or 'none', got %q", c.Notify.Kind)
	}

	if c.Storage.TradesDB == "" || c.Storage.SnapshotFile == "" {
		verr.Add("storage.trades_db and storage.snapshot_file are required")
	}
	if c.Audit.Enabled && c.Audit.MaxSize <= 0 {
		verr.Add("audit.max_size must be positive")
	}

	return verr.OrNil()
}

func (c *Config) requireZerodha(verr *errors.ValidationError) {
	if c.Credentials.Zerodha.APIKey == "" || c.Credentials.Zerodha.APISecret == "" {
		verr.Add("zerodha api_key and api_secret are required")
	}
}

// StrategyKind returns the configured strategy, ORB when unparseable.
func (c *Config) StrategyKind() strategy.Kind {
	kind, err := strategy.ParseKind(c.Strategy.Name)
	if err != nil {
		return strategy.KindORB
	}
	return kind
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() Config {
	out := *c
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		if len(s) <= 4 {
			return "****"
		}
		return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
	}
	out.Credentials.Zerodha.APIKey = mask(c.Credentials.Zerodha.APIKey)
	out.Credentials.Zerodha.APISecret = mask(c.Credentials.Zerodha.APISecret)
	out.Credentials.Binance.APIKey = mask(c.Credentials.Binance.APIKey)
	out.Credentials.Binance.APISecret = mask(c.Credentials.Binance.APISecret)
	out.Credentials.Relay.APIKey = mask(c.Credentials.Relay.APIKey)
	out.Credentials.Redis.Password = mask(c.Credentials.Redis.Password)
	return out
}
