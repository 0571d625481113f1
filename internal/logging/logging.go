// Package logging provides structured logging for the trading engine.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string
	Console    bool
	JSON       bool // console output as JSON instead of pretty text
	File       bool
	FilePath   string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	home, _ := os.UserHomeDir()
	return LogConfig{
		Level:      "info",
		Console:    true,
		File:       true,
		FilePath:   filepath.Join(home, ".config", "session-trader", "logs", "trader.log"),
		MaxSize:    50,
		MaxBackups: 10,
		MaxAge:     30,
	}
}

// NewLogger creates a new logger with default configuration.
func NewLogger() zerolog.Logger {
	return NewLoggerWithConfig(DefaultLogConfig())
}

// NewLoggerWithConfig creates a new logger with the specified configuration.
func NewLoggerWithConfig(cfg LogConfig) zerolog.Logger {
	var writers []io.Writer

	if cfg.Console {
		if cfg.JSON {
			writers = append(writers, os.Stdout)
		} else {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        os.Stdout,
				TimeFormat: time.DateTime,
				FormatLevel: func(i interface{}) string {
					if ll, ok := i.(string); ok {
						switch ll {
						case "debug":
							return "\033[36mDBG\033[0m"
						case "info":
							return "\033[32mINF\033[0m"
						case "warn":
							return "\033[33mWRN\033[0m"
						case "error":
							return "\033[31mERR\033[0m"
						default:
							return strings.ToUpper(ll)
						}
					}
					return "???"
				},
			})
		}
	}

	// Rotated JSON file
	if cfg.File && cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0755); err == nil {
			writers = append(writers, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			})
		}
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = os.Stdout
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	return zerolog.New(writer).
		With().
		Timestamp().
		Logger()
}

// ParseLevel maps a config string to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// SetDebugLevel sets the global log level to debug.
func SetDebugLevel() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

// WithComponent tags the logger with a component name.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// WithVenue adds an exchange/venue name to the logger context.
func WithVenue(logger zerolog.Logger, venue string) zerolog.Logger {
	return logger.With().Str("venue", venue).Logger()
}

// WithSymbol adds a symbol to the logger context.
func WithSymbol(logger zerolog.Logger, symbol string) zerolog.Logger {
	return logger.With().Str("symbol", symbol).Logger()
}

// WithOrderID adds an order ID to the logger context.
func WithOrderID(logger zerolog.Logger, orderID string) zerolog.Logger {
	return logger.With().Str("order_id", orderID).Logger()
}

// LogEntry logs an opened position.
func LogEntry(logger zerolog.Logger, symbol, side string, qty, price, stopLoss, takeProfit float64) {
	logger.Info().
		Str("event", "entry").
		Str("symbol", symbol).
		Str("side", side).
		Float64("quantity", qty).
		Float64("price", price).
		Float64("stop_loss", stopLoss).
		Float64("take_profit", takeProfit).
		Msg("Position opened")
}

// LogExit logs a closed position.
func LogExit(logger zerolog.Logger, symbol, reason string, price, pnl float64) {
	logger.Info().
		Str("event", "exit").
		Str("symbol", symbol).
		Str("reason", reason).
		Float64("price", price).
		Float64("pnl", pnl).
		Msg("Position closed")
}

// LogAPICall logs a broker API call.
func LogAPICall(logger zerolog.Logger, method, endpoint string, duration time.Duration, err error) {
	event := logger.Debug().
		Str("event", "api_call").
		Str("method", method).
		Str("endpoint", endpoint).
		Dur("duration", duration)

	if err != nil {
		event.Err(err).Msg("API call failed")
	} else {
		event.Msg("API call completed")
	}
}
