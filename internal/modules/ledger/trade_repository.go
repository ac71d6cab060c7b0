// Package ledger persists the financial record of a competition: the
// append-only trade log, the per-day equity curves and the holdings
// snapshots. The trade log is the source of truth for recovery; holdings and
// cash can always be rebuilt from it.
package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lharena/arena/internal/domain"
)

// tradeColumns is the column list for arena_trades. Order must match the
// scan functions below.
const tradeColumns = `id, session_id, model_name, trade_date, stock_code, action, price, volume, amount, reason, created_at, profit, profit_pct, commission, time, name, profit_target, stop_loss, invalidation, expected_days, cash_before, assets_before, order_id`

// TradeRepository handles arena_trades database operations. The table is
// append-only during normal operation; deletes happen only through rollback.
type TradeRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewTradeRepository creates a new trade repository
func NewTradeRepository(db *sql.DB, log zerolog.Logger) *TradeRepository {
	return &TradeRepository{
		db:  db,
		log: log.With().Str("repo", "trade").Logger(),
	}
}

// execer abstracts *sql.DB and *sql.Tx for writes that must run both ways.
type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// Append inserts one executed trade.
func (r *TradeRepository) Append(trade domain.Trade) error {
	return r.append(r.db, trade)
}

// AppendInTx inserts one executed trade inside a caller-owned transaction.
// The day pipeline uses this to commit a day's fills atomically with its
// curve point and holdings snapshot.
func (r *TradeRepository) AppendInTx(tx *sql.Tx, trade domain.Trade) error {
	return r.append(tx, trade)
}

func (r *TradeRepository) append(db execer, trade domain.Trade) error {
	query := `
		INSERT INTO arena_trades
		(session_id, model_name, trade_date, stock_code, action, price, volume, amount, reason,
		 created_at, profit, profit_pct, commission, time, name,
		 profit_target, stop_loss, invalidation, expected_days, cash_before, assets_before, order_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := db.Exec(query,
		trade.SessionID,
		trade.ModelName,
		trade.TradeDate,
		trade.StockCode,
		string(trade.Action),
		trade.Price,
		trade.Volume,
		trade.Amount,
		nullString(trade.Reason),
		time.Now().Format(time.RFC3339),
		trade.Profit,
		trade.ProfitPct,
		trade.Commission,
		nullString(trade.Time),
		nullString(trade.StockName),
		nullString(trade.ExitPlan.ProfitTarget),
		nullString(trade.ExitPlan.StopLoss),
		nullString(trade.ExitPlan.Invalidation),
		nullInt(trade.ExitPlan.ExpectedDays),
		trade.CashBefore,
		trade.AssetsBefore,
		nullString(trade.OrderID),
	)
	if err != nil {
		return fmt.Errorf("failed to append trade: %w", err)
	}

	r.log.Info().
		Str("model", trade.ModelName).
		Str("code", trade.StockCode).
		Str("action", string(trade.Action)).
		Float64("price", trade.Price).
		Int("volume", trade.Volume).
		Msg("Trade recorded")

	return nil
}

// ListByModel returns one model's trades in execution order.
func (r *TradeRepository) ListByModel(sessionID, modelName string) ([]domain.Trade, error) {
	query := `
		SELECT ` + tradeColumns + ` FROM arena_trades
		WHERE session_id = ? AND model_name = ?
		ORDER BY trade_date ASC, id ASC
	`
	return r.queryTrades(query, sessionID, modelName)
}

// ListByModelUpTo returns one model's trades with trade_date <= cutoff, in
// execution order. Used by resume hydration and rollback replay.
func (r *TradeRepository) ListByModelUpTo(sessionID, modelName, cutoff string) ([]domain.Trade, error) {
	query := `
		SELECT ` + tradeColumns + ` FROM arena_trades
		WHERE session_id = ? AND model_name = ? AND trade_date <= ?
		ORDER BY trade_date ASC, id ASC
	`
	return r.queryTrades(query, sessionID, modelName, cutoff)
}

// ListRecent returns a model's newest trades, newest first.
func (r *TradeRepository) ListRecent(sessionID, modelName string, limit int) ([]domain.Trade, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + tradeColumns + ` FROM arena_trades
		WHERE session_id = ? AND model_name = ?
		ORDER BY trade_date DESC, id DESC
		LIMIT ?
	`
	return r.queryTrades(query, sessionID, modelName, limit)
}

// ListBySession returns all trades of a session in execution order.
func (r *TradeRepository) ListBySession(sessionID string) ([]domain.Trade, error) {
	query := `
		SELECT ` + tradeColumns + ` FROM arena_trades
		WHERE session_id = ?
		ORDER BY trade_date ASC, id ASC
	`
	return r.queryTrades(query, sessionID)
}

// DeleteFrom removes a model's trades with trade_date >= date inside the
// given transaction. Rollback support.
func (r *TradeRepository) DeleteFrom(tx *sql.Tx, sessionID, modelName, date string) error {
	_, err := tx.Exec(
		"DELETE FROM arena_trades WHERE session_id = ? AND model_name = ? AND trade_date >= ?",
		sessionID, modelName, date,
	)
	if err != nil {
		return fmt.Errorf("failed to delete trades from %s: %w", date, err)
	}
	return nil
}

func (r *TradeRepository) queryTrades(query string, args ...interface{}) ([]domain.Trade, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		trade, err := scanTradeFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, trade)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trades: %w", err)
	}
	return trades, nil
}

func scanTradeFromRows(rows *sql.Rows) (domain.Trade, error) {
	var trade domain.Trade
	var action, createdAt string
	var reason, tradeTime, name, profitTarget, stopLoss, invalidation, orderID sql.NullString
	var profit, profitPct, commission, cashBefore, assetsBefore sql.NullFloat64
	var expectedDays sql.NullInt64

	err := rows.Scan(
		&trade.ID,
		&trade.SessionID,
		&trade.ModelName,
		&trade.TradeDate,
		&trade.StockCode,
		&action,
		&trade.Price,
		&trade.Volume,
		&trade.Amount,
		&reason,
		&createdAt,
		&profit,
		&profitPct,
		&commission,
		&tradeTime,
		&name,
		&profitTarget,
		&stopLoss,
		&invalidation,
		&expectedDays,
		&cashBefore,
		&assetsBefore,
		&orderID,
	)
	if err != nil {
		return trade, err
	}

	trade.Action = domain.TradeAction(action)
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		trade.CreatedAt = t
	}
	if reason.Valid {
		trade.Reason = reason.String
	}
	if tradeTime.Valid {
		trade.Time = tradeTime.String
	}
	if name.Valid {
		trade.StockName = name.String
	}
	if profit.Valid {
		trade.Profit = profit.Float64
	}
	if profitPct.Valid {
		trade.ProfitPct = profitPct.Float64
	}
	if commission.Valid {
		trade.Commission = commission.Float64
	}
	if cashBefore.Valid {
		trade.CashBefore = cashBefore.Float64
	}
	if assetsBefore.Valid {
		trade.AssetsBefore = assetsBefore.Float64
	}
	if orderID.Valid {
		trade.OrderID = orderID.String
	}
	trade.ExitPlan = domain.ExitPlan{
		ProfitTarget: profitTarget.String,
		StopLoss:     stopLoss.String,
		Invalidation: invalidation.String,
	}
	if expectedDays.Valid {
		trade.ExitPlan.ExpectedDays = int(expectedDays.Int64)
	}

	return trade, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullInt(n int) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{Valid: false}
	}
	return sql.NullInt64{Int64: int64(n), Valid: true}
}
