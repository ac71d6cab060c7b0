package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lharena/arena/internal/domain"
)

// HoldingRepository handles arena_holdings database operations. The table is
// a snapshot, not a log: each write replaces a model's entire position set.
type HoldingRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewHoldingRepository creates a new holding repository
func NewHoldingRepository(db *sql.DB, log zerolog.Logger) *HoldingRepository {
	return &HoldingRepository{
		db:  db,
		log: log.With().Str("repo", "holding").Logger(),
	}
}

// Replace atomically swaps a model's holdings snapshot for the given set.
func (r *HoldingRepository) Replace(sessionID, modelName string, holdings []domain.Holding) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin holdings transaction: %w", err)
	}

	if err := r.replaceInTx(tx, sessionID, modelName, holdings); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit holdings: %w", err)
	}
	return nil
}

// ReplaceInTx performs the snapshot swap inside a caller-owned transaction.
// Rollback uses this to keep the swap atomic with the log deletions.
func (r *HoldingRepository) ReplaceInTx(tx *sql.Tx, sessionID, modelName string, holdings []domain.Holding) error {
	return r.replaceInTx(tx, sessionID, modelName, holdings)
}

func (r *HoldingRepository) replaceInTx(tx *sql.Tx, sessionID, modelName string, holdings []domain.Holding) error {
	if _, err := tx.Exec(
		"DELETE FROM arena_holdings WHERE session_id = ? AND model_name = ?",
		sessionID, modelName,
	); err != nil {
		return fmt.Errorf("failed to clear holdings: %w", err)
	}

	query := `
		INSERT INTO arena_holdings
		(session_id, model_name, stock_code, stock_name, amount, avg_price, current_price,
		 market_value, profit_loss, profit_pct, hold_days, buy_date, updated_at,
		 profit_target, stop_loss, invalidation, expected_days)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now().Format(time.RFC3339)
	for _, h := range holdings {
		_, err := tx.Exec(query,
			sessionID,
			modelName,
			h.StockCode,
			nullString(h.StockName),
			h.Amount,
			h.AvgPrice,
			h.CurrentPrice,
			h.MarketValue,
			h.ProfitLoss,
			h.ProfitPct,
			h.HoldDays,
			nullString(h.BuyDate),
			now,
			nullString(h.ExitPlan.ProfitTarget),
			nullString(h.ExitPlan.StopLoss),
			nullString(h.ExitPlan.Invalidation),
			nullInt(h.ExitPlan.ExpectedDays),
		)
		if err != nil {
			return fmt.Errorf("failed to insert holding %s: %w", h.StockCode, err)
		}
	}
	return nil
}

// ListByModel returns one model's current holdings.
func (r *HoldingRepository) ListByModel(sessionID, modelName string) ([]domain.Holding, error) {
	query := `
		SELECT session_id, model_name, stock_code, stock_name, amount, avg_price, current_price,
		       market_value, profit_loss, profit_pct, hold_days, buy_date,
		       profit_target, stop_loss, invalidation, expected_days
		FROM arena_holdings
		WHERE session_id = ? AND model_name = ?
		ORDER BY stock_code
	`
	rows, err := r.db.Query(query, sessionID, modelName)
	if err != nil {
		return nil, fmt.Errorf("failed to query holdings: %w", err)
	}
	defer rows.Close()

	var holdings []domain.Holding
	for rows.Next() {
		var h domain.Holding
		var name, buyDate, profitTarget, stopLoss, invalidation sql.NullString
		var expectedDays sql.NullInt64

		err := rows.Scan(
			&h.SessionID,
			&h.ModelName,
			&h.StockCode,
			&name,
			&h.Amount,
			&h.AvgPrice,
			&h.CurrentPrice,
			&h.MarketValue,
			&h.ProfitLoss,
			&h.ProfitPct,
			&h.HoldDays,
			&buyDate,
			&profitTarget,
			&stopLoss,
			&invalidation,
			&expectedDays,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}

		if name.Valid {
			h.StockName = name.String
		}
		if buyDate.Valid {
			h.BuyDate = buyDate.String
		}
		h.ExitPlan = domain.ExitPlan{
			ProfitTarget: profitTarget.String,
			StopLoss:     stopLoss.String,
			Invalidation: invalidation.String,
		}
		if expectedDays.Valid {
			h.ExitPlan.ExpectedDays = int(expectedDays.Int64)
		}
		holdings = append(holdings, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating holdings: %w", err)
	}
	return holdings, nil
}
