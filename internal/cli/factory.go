package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"session-trader/internal/audit"
	"session-trader/internal/broker"
	"session-trader/internal/config"
	"session-trader/internal/logging"
	"session-trader/internal/notify"
	"session-trader/internal/risk"
	"session-trader/internal/store"
	"session-trader/internal/strategy"
	"session-trader/internal/trading"
)

// newLogger builds the process logger from the [logging] section.
func newLogger(cfg *config.Config, debug bool) zerolog.Logger {
	lc := logging.LogConfig{
		Level:      cfg.Logging.Level,
		Console:    cfg.Logging.Console,
		JSON:       cfg.Logging.JSON,
		File:       cfg.Logging.File,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
	}
	if lc.FilePath == "" {
		lc.FilePath = filepath.Join(cfg.Dir, "logs", "trader.log")
	}
	logger := logging.NewLoggerWithConfig(lc)
	if debug {
		logging.SetDebugLevel()
		logger = logger.Level(zerolog.DebugLevel)
	}
	return logger
}

func newZerodha(cfg *config.Config) *broker.ZerodhaBroker {
	return broker.NewZerodhaBroker(broker.ZerodhaConfig{
		APIKey:    cfg.Credentials.Zerodha.APIKey,
		APISecret: cfg.Credentials.Zerodha.APISecret,
		UserID:    cfg.Credentials.Zerodha.UserID,
		TokenPath: filepath.Join(cfg.Dir, "kite_session.json"),
		Exchange:  cfg.Broker.Exchange,
		Product:   cfg.Broker.Product,
	})
}

func newBinance(cfg *config.Config, logger zerolog.Logger) *broker.BinanceBroker {
	var symbols []string
	for _, v := range cfg.Venues {
		symbols = append(symbols, v.Symbols...)
	}
	return broker.NewBinanceBroker(broker.BinanceConfig{
		APIKey:    cfg.Credentials.Binance.APIKey,
		APISecret: cfg.Credentials.Binance.APISecret,
		Testnet:   cfg.Broker.Testnet,
		Symbols:   symbols,
		Timeout:   cfg.Broker.Timeout,
	}, logging.WithComponent(logger, "binance"))
}

// newBroker builds the configured adapter behind the timeout and circuit
// breaker guard.
func newBroker(cfg *config.Config, logger zerolog.Logger) (*broker.Guard, error) {
	var port broker.Port
	switch cfg.Broker.Name {
	case "paper":
		var data broker.MarketData
		switch cfg.Broker.DataSource {
		case "zerodha":
			data = newZerodha(cfg)
		case "binance":
			data = newBinance(cfg, logger)
		default:
			return nil, fmt.Errorf("unknown paper data source %q", cfg.Broker.DataSource)
		}
		port = broker.NewPaperBroker(broker.PaperBrokerConfig{
			Data:           data,
			InitialBalance: cfg.Broker.InitialBalance,
			LongOnly:       cfg.Broker.LongOnly,
		})
	case "zerodha":
		port = newZerodha(cfg)
	case "binance":
		port = newBinance(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown broker %q", cfg.Broker.Name)
	}
	return broker.NewGuard(port, cfg.Broker.Timeout, logging.WithComponent(logger, "broker")), nil
}

// newNotifier combines the configured operator channel with the log.
func newNotifier(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (notify.Notifier, error) {
	channels := []notify.Notifier{notify.NewLogNotifier(logging.WithComponent(logger, "notify"))}

	switch cfg.Notify.Kind {
	case "relay":
		channels = append(channels, notify.NewRelayNotifier(notify.RelayConfig{
			URL:     cfg.Notify.RelayURL,
			APIKey:  cfg.Credentials.Relay.APIKey,
			Timeout: cfg.Notify.RelayTimeout,
		}, logging.WithComponent(logger, "relay")))
	case "redis":
		rn, err := notify.NewRedisNotifier(ctx, notify.RedisConfig{
			Addr:      cfg.Notify.RedisAddr,
			Password:  cfg.Credentials.Redis.Password,
			DB:        cfg.Notify.RedisDB,
			KeyPrefix: cfg.Notify.KeyPrefix,
		}, logging.WithComponent(logger, "redis"))
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		channels = append(channels, rn)
	}
	return notify.NewMultiNotifier(channels...), nil
}

// openTradeStore opens the SQLite trade history, creating the data directory.
func openTradeStore(cfg *config.Config) (*store.SQLiteStore, error) {
	path := cfg.Storage.TradesPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return store.NewSQLiteStore(path)
}

// newAuditRecorder opens the audit trail, or a no-op when disabled.
func newAuditRecorder(cfg *config.Config) (audit.Recorder, func() error, error) {
	if !cfg.Audit.Enabled {
		return audit.Nop{}, func() error { return nil }, nil
	}
	l, err := audit.NewLogger(auditConfig(cfg))
	if err != nil {
		return nil, nil, err
	}
	return l, l.Close, nil
}

func auditConfig(cfg *config.Config) audit.Config {
	return audit.Config{
		Dir:        cfg.Audit.Dir,
		MaxSize:    cfg.Audit.MaxSize,
		MaxBackups: cfg.Audit.MaxBackups,
		MaxAge:     cfg.Audit.MaxAge,
		Compress:   cfg.Audit.Compress,
	}
}

func newSnapshot(cfg *config.Config, logger zerolog.Logger) *store.FileSnapshot {
	return store.NewFileSnapshot(cfg.Storage.SnapshotPath(), logging.WithComponent(logger, "snapshot"))
}

// tradingConfig maps the file configuration onto the orchestrator's.
func tradingConfig(cfg *config.Config) (trading.Config, error) {
	tc := trading.Config{
		Risk: risk.Config{
			MaxPositionValue: cfg.Risk.MaxPositionValue,
			StopLossPct:      cfg.Risk.StopLossPct,
			TakeProfitPct:    cfg.Risk.TakeProfitPct,
			MaxDailyLossPct:  cfg.Risk.MaxDailyLossPct,
			PricePrecision:   int32(cfg.Risk.PricePrecision),
			RangeStopBuffer:  cfg.Risk.ORBStopBufferPct / 100,
		},
		Strategy: trading.StrategyConfig{
			Kind:             cfg.StrategyKind(),
			VolumeMultiplier: cfg.Strategy.VolumeMultiplier,
			Momentum: strategy.MomentumConfig{
				FastSpan:    cfg.Strategy.FastSpan,
				SlowSpan:    cfg.Strategy.SlowSpan,
				RSIPeriod:   cfg.Strategy.RSIPeriod,
				MinBars:     cfg.Strategy.SlowSpan + 4,
				RSILongMin:  cfg.Strategy.RSILongMin,
				RSILongMax:  cfg.Strategy.RSILongMax,
				RSIShortMin: cfg.Strategy.RSIShortMin,
				RSIShortMax: cfg.Strategy.RSIShortMax,
				StaleGuard:  cfg.Strategy.StaleGuard,
			},
			MomentumTimeframe: cfg.Strategy.MomentumTimeframe,
			MomentumBars:      cfg.Strategy.MomentumBars,
		},
		Timing: trading.Timing{
			CheckInterval:        cfg.Timing.CheckInterval,
			ORBMinutes:           cfg.Timing.ORBMinutes,
			PreMarketMinutes:     cfg.Timing.PreMarketMinutes,
			ClosingWindowMinutes: cfg.Timing.ClosingWindowMinutes,
			Cooldown:             time.Duration(cfg.Timing.CooldownMinutes) * time.Minute,
			ShutdownTimeout:      cfg.Timing.ShutdownTimeout,
		},
		ClosePositionsOnShutdown: cfg.Shutdown.ClosePositions,
		Label:                    cfg.Label,
		Paper:                    cfg.Broker.IsPaper(),
	}

	for _, vc := range cfg.Venues {
		ex, err := vc.Exchange()
		if err != nil {
			return trading.Config{}, err
		}
		tc.Venues = append(tc.Venues, trading.VenueConfig{Exchange: ex, Symbols: vc.Symbols})
	}
	return tc, nil
}
