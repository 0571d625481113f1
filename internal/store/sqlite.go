package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"session-trader/internal/errors"
	"session-trader/internal/models"
)

// timeLayout keeps stored timestamps fixed-width so text comparison orders
// them correctly.
const timeLayout = "2006-01-02T15:04:05Z"

// SQLiteStore implements TradeStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

var _ TradeStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the trade history database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates the trades table and its indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS trades (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol           TEXT    NOT NULL,
		exchange         TEXT,
		side             TEXT    NOT NULL,
		broker           TEXT,
		strategy         TEXT,
		entry_time       TEXT    NOT NULL,
		entry_price      REAL    NOT NULL,
		quantity         REAL    NOT NULL,
		cost             REAL    NOT NULL,
		stop_loss        REAL    NOT NULL,
		take_profit      REAL    NOT NULL,
		order_id         TEXT,
		close_time       TEXT,
		close_price      REAL,
		close_reason     TEXT,
		duration_seconds INTEGER,
		realized_pnl     REAL,
		realized_pnl_pct REAL,
		win              INTEGER,
		created_at       TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
		updated_at       TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
	);

	CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);
	CREATE INDEX IF NOT EXISTS idx_trades_entry_time ON trades(entry_time);
	CREATE INDEX IF NOT EXISTS idx_trades_win ON trades(win);
	CREATE INDEX IF NOT EXISTS idx_trades_close_reason ON trades(close_reason);
	`

	_, err := s.db.Exec(schema)
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

// OpenTrade inserts an open trade and returns its row id.
func (s *SQLiteStore) OpenTrade(ctx context.Context, t models.TradeOpen) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trades (symbol, exchange, side, broker, strategy, entry_time, entry_price, quantity, cost, stop_loss, take_profit, order_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.Symbol, t.Exchange, string(t.Side), t.Broker, t.Strategy, formatTime(t.EntryTime),
		t.EntryPrice, t.Quantity, t.EntryPrice*t.Quantity, t.StopLoss, t.TakeProfit, t.OrderID)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrDatabaseError, "failed to record trade open for %s: %v", t.Symbol, err)
	}
	return res.LastInsertId()
}

// CloseTrade completes a trade row. Percentage and duration are derived from
// the stored cost and entry time.
func (s *SQLiteStore) CloseTrade(ctx context.Context, id int64, c models.TradeClose) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrapf(errors.ErrDatabaseError, "begin: %v", err)
	}
	defer tx.Rollback()

	var entryTime string
	var cost float64
	err = tx.QueryRowContext(ctx, `SELECT entry_time, cost FROM trades WHERE id = ?`, id).Scan(&entryTime, &cost)
	if err == sql.ErrNoRows {
		return errors.Wrapf(errors.ErrPositionNotFound, "trade %d", id)
	}
	if err != nil {
		return errors.Wrapf(errors.ErrDatabaseError, "load trade %d: %v", id, err)
	}

	pct := 0.0
	if cost != 0 {
		pct = c.RealizedPnL / cost * 100
	}
	duration := int64(c.CloseTime.Sub(parseTime(entryTime)).Seconds())
	if duration < 0 {
		duration = 0
	}
	win := 0
	if c.RealizedPnL > 0 {
		win = 1
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE trades SET
			close_price      = ?,
			close_time       = ?,
			close_reason     = ?,
			duration_seconds = ?,
			realized_pnl     = ?,
			realized_pnl_pct = ?,
			win              = ?,
			updated_at       = ?
		WHERE id = ?
	`, c.ClosePrice, formatTime(c.CloseTime), string(c.CloseReason), duration, c.RealizedPnL, pct, win,
		formatTime(time.Now()), id)
	if err != nil {
		return errors.Wrapf(errors.ErrDatabaseError, "failed to record trade close for id=%d: %v", id, err)
	}
	return tx.Commit()
}

// Trades retrieves trades, newest first.
func (s *SQLiteStore) Trades(ctx context.Context, filter TradeFilter) ([]models.TradeRecord, error) {
	query := `SELECT id, symbol, exchange, side, broker, strategy, entry_time, entry_price, quantity,
		stop_loss, take_profit, order_id, close_time, close_price, close_reason, realized_pnl, realized_pnl_pct
		FROM trades WHERE 1=1`
	args := []interface{}{}

	if filter.Symbol != "" {
		query += " AND symbol = ?"
		args = append(args, filter.Symbol)
	}
	if !filter.Since.IsZero() {
		query += " AND entry_time >= ?"
		args = append(args, formatTime(filter.Since))
	}
	if filter.ClosedOnly {
		query += " AND close_time IS NOT NULL"
	}
	query += " ORDER BY entry_time DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrDatabaseError, "query trades: %v", err)
	}
	defer rows.Close()

	var trades []models.TradeRecord
	for rows.Next() {
		var (
			r                                   models.TradeRecord
			side, entryTime                     string
			exchange, broker, strategy, orderID sql.NullString
			closeTime, closeReason              sql.NullString
			closePrice, pnl, pnlPct             sql.NullFloat64
		)
		if err := rows.Scan(&r.ID, &r.Symbol, &exchange, &side, &broker, &strategy, &entryTime, &r.EntryPrice,
			&r.Quantity, &r.StopLoss, &r.TakeProfit, &orderID, &closeTime, &closePrice, &closeReason, &pnl, &pnlPct); err != nil {
			return nil, errors.Wrapf(errors.ErrDatabaseError, "scan trade: %v", err)
		}
		r.Exchange = exchange.String
		r.Side = models.Side(side)
		r.Broker = broker.String
		r.Strategy = strategy.String
		r.EntryTime = parseTime(entryTime)
		r.OrderID = orderID.String
		if closeTime.Valid {
			r.CloseTime = parseTime(closeTime.String)
		}
		r.ClosePrice = closePrice.Float64
		r.CloseReason = models.CloseReason(closeReason.String)
		r.RealizedPnL = pnl.Float64
		r.RealizedPnLPct = pnlPct.Float64
		trades = append(trades, r)
	}
	return trades, rows.Err()
}

// Stats aggregates closed trades. "Today" starts at UTC midnight of now;
// the week is the trailing seven days.
func (s *SQLiteStore) Stats(ctx context.Context, now time.Time) (*models.TradeStats, error) {
	stats := &models.TradeStats{ByReason: make(map[string]models.ReasonStats)}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(win), 0),
			COALESCE(SUM(realized_pnl), 0),
			COALESCE(AVG(realized_pnl), 0),
			COALESCE(AVG(realized_pnl_pct), 0),
			COALESCE(MAX(realized_pnl), 0),
			COALESCE(MIN(realized_pnl), 0),
			COALESCE(AVG(duration_seconds), 0) / 60.0
		FROM trades WHERE close_time IS NOT NULL
	`).Scan(&stats.TotalClosed, &stats.Wins, &stats.TotalPnL, &stats.AvgPnL, &stats.AvgPnLPct,
		&stats.BestPnL, &stats.WorstPnL, &stats.AvgDurationMin)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrDatabaseError, "stats: %v", err)
	}
	if stats.TotalClosed > 0 {
		stats.WinRate = float64(stats.Wins) / float64(stats.TotalClosed) * 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(close_reason, 'unknown'), COUNT(*), COALESCE(SUM(realized_pnl), 0)
		FROM trades WHERE close_time IS NOT NULL
		GROUP BY close_reason
	`)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrDatabaseError, "stats by reason: %v", err)
	}
	for rows.Next() {
		var reason string
		var rs models.ReasonStats
		if err := rows.Scan(&reason, &rs.Count, &rs.PnL); err != nil {
			rows.Close()
			return nil, errors.Wrapf(errors.ErrDatabaseError, "scan reason: %v", err)
		}
		stats.ByReason[reason] = rs
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrapf(errors.ErrDatabaseError, "stats by reason: %v", err)
	}

	utc := now.UTC()
	todayStart := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
	window := `SELECT COUNT(*), COALESCE(SUM(realized_pnl), 0) FROM trades WHERE close_time IS NOT NULL AND close_time >= ?`
	if err := s.db.QueryRowContext(ctx, window, formatTime(todayStart)).Scan(&stats.TodayTrades, &stats.TodayPnL); err != nil {
		return nil, errors.Wrapf(errors.ErrDatabaseError, "stats today: %v", err)
	}
	if err := s.db.QueryRowContext(ctx, window, formatTime(utc.Add(-7*24*time.Hour))).Scan(&stats.WeekTrades, &stats.WeekPnL); err != nil {
		return nil, errors.Wrapf(errors.ErrDatabaseError, "stats week: %v", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trades WHERE close_time IS NULL`).Scan(&stats.OpenCount); err != nil {
		return nil, errors.Wrapf(errors.ErrDatabaseError, "stats open: %v", err)
	}

	return stats, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
