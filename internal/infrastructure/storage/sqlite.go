package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vitos/crypto_trade_tema/internal/domain"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// sqlite serialises writers; one connection avoids SQLITE_BUSY between goroutines.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS klines (
			symbol TEXT NOT NULL,
			interval TEXT NOT NULL,
			start_ts INTEGER NOT NULL,
			open REAL NOT NULL,
			high REAL NOT NULL,
			low REAL NOT NULL,
			close REAL NOT NULL,
			volume REAL NOT NULL,
			turnover REAL NOT NULL,
			confirmed BOOLEAN NOT NULL DEFAULT 0,
			received_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_klines_symbol_ts ON klines(symbol, start_ts);`,
		`CREATE TABLE IF NOT EXISTS tickers (
			symbol TEXT NOT NULL,
			kind TEXT NOT NULL,
			ts INTEGER NOT NULL,
			fields TEXT NOT NULL,
			received_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tickers_symbol_ts ON tickers(symbol, ts);`,
		`CREATE TABLE IF NOT EXISTS public_trades (
			trade_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			price REAL NOT NULL,
			size REAL NOT NULL,
			ts INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_public_trades_symbol_ts ON public_trades(symbol, ts);`,
		`CREATE TABLE IF NOT EXISTS orderbook_levels (
			symbol TEXT NOT NULL,
			kind TEXT NOT NULL,
			side TEXT NOT NULL,
			price REAL NOT NULL,
			size REAL NOT NULL,
			ts INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			status TEXT NOT NULL,
			source TEXT NOT NULL,
			entry_price REAL NOT NULL,
			quantity REAL NOT NULL,
			remaining_qty REAL NOT NULL,
			notional_amount REAL NOT NULL,
			leverage INTEGER NOT NULL,
			stop_loss_price REAL NOT NULL DEFAULT 0,
			trailing_activation_price REAL NOT NULL DEFAULT 0,
			trailing_distance REAL NOT NULL DEFAULT 0,
			exits TEXT NOT NULL,
			opened_at DATETIME NOT NULL,
			closed_at DATETIME,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);`,
		`CREATE TABLE IF NOT EXISTS position_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			trade_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			size REAL NOT NULL,
			entry_price REAL NOT NULL,
			exit_price REAL NOT NULL,
			realized_pnl REAL NOT NULL,
			leverage INTEGER NOT NULL,
			reason TEXT NOT NULL,
			closed_at DATETIME NOT NULL
		);`,
	}

	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("failed to exec query %s: %w", q, err)
		}
	}
	return nil
}

// SnapshotSink Implementation

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev domain.MarketEvent) error {
	switch ev.Channel {
	case domain.ChannelKline:
		if ev.Kline == nil {
			return nil
		}
		c := ev.Kline.Candle
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO klines (symbol, interval, start_ts, open, high, low, close, volume, turnover, confirmed, received_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.Symbol, ev.Kline.Interval, c.Timestamp, c.Open, c.High, c.Low, c.Close, c.Volume, c.Turnover, ev.Kline.Confirm, time.Now().UTC())
		return err

	case domain.ChannelTicker:
		if ev.Ticker == nil {
			return nil
		}
		fields, err := json.Marshal(ev.Ticker.Fields)
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO tickers (symbol, kind, ts, fields, received_at) VALUES (?, ?, ?, ?, ?)`,
			ev.Symbol, string(ev.Ticker.Kind), ev.Ticker.Timestamp, string(fields), time.Now().UTC())
		return err

	case domain.ChannelTrade:
		return s.inTx(ctx, func(tx *sql.Tx) error {
			for _, t := range ev.Trades {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO public_trades (trade_id, symbol, side, price, size, ts) VALUES (?, ?, ?, ?, ?, ?)`,
					t.ID, ev.Symbol, t.Side, t.Price, t.Size, t.Timestamp); err != nil {
					return err
				}
			}
			return nil
		})

	case domain.ChannelOrderBook:
		if ev.OrderBook == nil {
			return nil
		}
		return s.inTx(ctx, func(tx *sql.Tx) error {
			for _, l := range ev.OrderBook.Levels {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO orderbook_levels (symbol, kind, side, price, size, ts) VALUES (?, ?, ?, ?, ?, ?)`,
					ev.Symbol, string(ev.OrderBook.Kind), string(l.Side), l.Price, l.Size, l.Timestamp); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return fmt.Errorf("unknown channel %q", ev.Channel)
}

// CountKlines returns the number of persisted kline rows for symbol.
func (s *SQLiteStore) CountKlines(ctx context.Context, symbol string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM klines WHERE symbol = ?`, symbol).Scan(&n)
	return n, err
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// TradeRepository Implementation

// tradeExits is the JSON column holding the per-trade exit legs.
type tradeExits struct {
	TakeProfitLevels  []domain.TakeProfitLevel  `json:"take_profit_levels"`
	TakeProfitOrders  []domain.TakeProfitOrder  `json:"take_profit_orders"`
	StopLossPercent   float64                   `json:"stop_loss_percent"`
	Trailing          domain.TrailingStopConfig `json:"trailing"`
	TPTriggered       []bool                    `json:"tp_triggered"`
	SLTriggered       bool                      `json:"sl_triggered"`
	TrailingActivated bool                      `json:"trailing_activated"`
}

func (s *SQLiteStore) SaveTrade(ctx context.Context, t *domain.Trade) error {
	exits, err := json.Marshal(tradeExits{
		TakeProfitLevels:  t.TakeProfitLevels,
		TakeProfitOrders:  t.TakeProfitOrders,
		StopLossPercent:   t.StopLossPercent,
		Trailing:          t.Trailing,
		TPTriggered:       t.TPTriggered,
		SLTriggered:       t.SLTriggered,
		TrailingActivated: t.TrailingActivated,
	})
	if err != nil {
		return err
	}

	var closedAt interface{}
	if !t.ClosedAt.IsZero() {
		closedAt = t.ClosedAt
	}

	query := `INSERT INTO trades (id, symbol, side, status, source, entry_price, quantity, remaining_qty, notional_amount, leverage,
			  stop_loss_price, trailing_activation_price, trailing_distance, exits, opened_at, closed_at, updated_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			  ON CONFLICT(id) DO UPDATE SET
			  status=excluded.status,
			  entry_price=excluded.entry_price,
			  quantity=excluded.quantity,
			  remaining_qty=excluded.remaining_qty,
			  notional_amount=excluded.notional_amount,
			  leverage=excluded.leverage,
			  stop_loss_price=excluded.stop_loss_price,
			  trailing_activation_price=excluded.trailing_activation_price,
			  trailing_distance=excluded.trailing_distance,
			  exits=excluded.exits,
			  closed_at=excluded.closed_at,
			  updated_at=excluded.updated_at`
	_, err = s.db.ExecContext(ctx, query,
		t.ID, t.Symbol, string(t.Side), string(t.Status), string(t.Source), t.EntryPrice, t.Quantity, t.RemainingQty,
		t.NotionalAmount, t.Leverage, t.StopLossPrice, t.TrailingActivationPrice, t.TrailingDistance, string(exits),
		t.OpenedAt, closedAt, time.Now().UTC())
	return err
}

func (s *SQLiteStore) ListTrades(ctx context.Context, limit int) ([]domain.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, symbol, side, status, source, entry_price, quantity, remaining_qty, notional_amount, leverage,
			  stop_loss_price, trailing_activation_price, trailing_distance, exits, opened_at, closed_at
			  FROM trades ORDER BY opened_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		var (
			t        domain.Trade
			side     string
			status   string
			source   string
			exitsRaw string
			closedAt sql.NullTime
		)
		if err := rows.Scan(&t.ID, &t.Symbol, &side, &status, &source, &t.EntryPrice, &t.Quantity, &t.RemainingQty,
			&t.NotionalAmount, &t.Leverage, &t.StopLossPrice, &t.TrailingActivationPrice, &t.TrailingDistance,
			&exitsRaw, &t.OpenedAt, &closedAt); err != nil {
			return nil, err
		}
		t.Side = domain.Side(side)
		t.Status = domain.TradeStatus(status)
		t.Source = domain.TradeSource(source)
		if closedAt.Valid {
			t.ClosedAt = closedAt.Time
		}

		var exits tradeExits
		if err := json.Unmarshal([]byte(exitsRaw), &exits); err != nil {
			return nil, fmt.Errorf("trade %s: decode exits: %w", t.ID, err)
		}
		t.TakeProfitLevels = exits.TakeProfitLevels
		t.TakeProfitOrders = exits.TakeProfitOrders
		t.StopLossPercent = exits.StopLossPercent
		t.Trailing = exits.Trailing
		t.TPTriggered = exits.TPTriggered
		t.SLTriggered = exits.SLTriggered
		t.TrailingActivated = exits.TrailingActivated

		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *SQLiteStore) SavePositionHistory(ctx context.Context, h *domain.PositionHistory) error {
	query := `INSERT INTO position_history (trade_id, symbol, side, size, entry_price, exit_price, realized_pnl, leverage, reason, closed_at)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query,
		h.TradeID, h.Symbol, string(h.Side), h.Size, h.EntryPrice, h.ExitPrice, h.RealizedPnL, h.Leverage, h.Reason, h.ClosedAt)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		h.ID = id
	}
	return nil
}

func (s *SQLiteStore) ListPositionHistory(ctx context.Context, limit int) ([]domain.PositionHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, trade_id, symbol, side, size, entry_price, exit_price, realized_pnl, leverage, reason, closed_at
			  FROM position_history ORDER BY closed_at DESC, id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []domain.PositionHistory
	for rows.Next() {
		var (
			h    domain.PositionHistory
			side string
		)
		if err := rows.Scan(&h.ID, &h.TradeID, &h.Symbol, &side, &h.Size, &h.EntryPrice, &h.ExitPrice,
			&h.RealizedPnL, &h.Leverage, &h.Reason, &h.ClosedAt); err != nil {
			return nil, err
		}
		h.Side = domain.Side(side)
		history = append(history, h)
	}
	return history, rows.Err()
}
