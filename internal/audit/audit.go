// Package audit writes an append-only JSON-lines trail of order, position
// and operator events.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

// EventType names an audited action.
type EventType string

const (
	// Orders
	OrderPlaced   EventType = "ORDER_PLACED"
	OrderRejected EventType = "ORDER_REJECTED"

	// Positions
	PositionOpened   EventType = "POSITION_OPENED"
	PositionClosed   EventType = "POSITION_CLOSED"
	PositionRestored EventType = "POSITION_RESTORED"
	CloseFailed      EventType = "CLOSE_FAILED"

	// Engine
	TradingHalted  EventType = "TRADING_HALTED"
	TradingResumed EventType = "TRADING_RESUMED"
	CommandHandled EventType = "COMMAND"
	EngineStarted  EventType = "ENGINE_STARTED"
	EngineStopped  EventType = "ENGINE_STOPPED"
)

// Event is a single audit line.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	Type      EventType              `json:"event_type"`
	SessionID string                 `json:"session_id,omitempty"`
	Venue     string                 `json:"venue,omitempty"`
	Symbol    string                 `json:"symbol,omitempty"`
	OrderID   string                 `json:"order_id,omitempty"`
	Action    string                 `json:"action,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Success   bool                   `json:"success"`
	ErrorMsg  string                 `json:"error,omitempty"`
}

// Recorder accepts audit events.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// Nop discards every event.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(context.Context, Event) error { return nil }

// Config holds audit log rotation settings.
type Config struct {
	Dir        string
	MaxSize    int // megabytes
	MaxBackups int
	MaxAge     int // days
	Compress   bool
}

// FileName is the active audit log inside Config.Dir.
const FileName = "audit.log"

// Logger writes events to a rotating file.
type Logger struct {
	mu        sync.Mutex
	writer    *lumberjack.Logger
	sessionID string
}

// NewLogger creates the audit directory and opens the trail.
func NewLogger(cfg Config) (*Logger, error) {
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}
	return &Logger{
		writer: &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, FileName),
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		},
		sessionID: uuid.NewString(),
	}, nil
}

// SessionID identifies this process's events.
func (l *Logger) SessionID() string {
	return l.sessionID
}

// Record stamps and appends one event.
func (l *Logger) Record(_ context.Context, event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.Timestamp = event.Timestamp.UTC()
	event.SessionID = l.sessionID

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("serializing audit event: %w", err)
	}
	if _, err := l.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (l *Logger) Close() error {
	return l.writer.Close()
}

// ReadFile returns the last limit events of an audit log, oldest first.
// A missing file yields no events. Undecodable lines are skipped.
func ReadFile(path string, limit int) ([]Event, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		events = append(events, ev)
		if limit > 0 && len(events) > limit {
			events = events[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("reading audit log: %w", err)
	}
	return events, nil
}
