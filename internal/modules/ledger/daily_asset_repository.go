package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lharena/arena/internal/domain"
)

// DailyAssetRepository handles arena_daily_assets database operations.
// Writes use INSERT OR IGNORE so re-running a day after resume never
// produces duplicate curve points.
type DailyAssetRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewDailyAssetRepository creates a new daily asset repository
func NewDailyAssetRepository(db *sql.DB, log zerolog.Logger) *DailyAssetRepository {
	return &DailyAssetRepository{
		db:  db,
		log: log.With().Str("repo", "daily_asset").Logger(),
	}
}

// Save records one equity curve point. Duplicate (session, model, date)
// writes are silently ignored.
func (r *DailyAssetRepository) Save(point domain.DailyAssetPoint) error {
	return r.save(r.db, point)
}

// SaveInTx records one equity curve point inside a caller-owned transaction.
func (r *DailyAssetRepository) SaveInTx(tx *sql.Tx, point domain.DailyAssetPoint) error {
	return r.save(tx, point)
}

func (r *DailyAssetRepository) save(db execer, point domain.DailyAssetPoint) error {
	query := `
		INSERT OR IGNORE INTO arena_daily_assets (session_id, model_name, trade_date, assets, created_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := db.Exec(query,
		point.SessionID,
		point.ModelName,
		point.TradeDate,
		point.Assets,
		time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save daily assets: %w", err)
	}
	return nil
}

// Curve returns one model's equity curve in date order.
func (r *DailyAssetRepository) Curve(sessionID, modelName string) ([]domain.DailyAssetPoint, error) {
	query := `
		SELECT session_id, model_name, trade_date, assets
		FROM arena_daily_assets
		WHERE session_id = ? AND model_name = ?
		ORDER BY trade_date ASC
	`
	return r.queryPoints(query, sessionID, modelName)
}

// CurveUpTo returns one model's equity curve truncated at cutoff, date order.
func (r *DailyAssetRepository) CurveUpTo(sessionID, modelName, cutoff string) ([]domain.DailyAssetPoint, error) {
	query := `
		SELECT session_id, model_name, trade_date, assets
		FROM arena_daily_assets
		WHERE session_id = ? AND model_name = ? AND trade_date <= ?
		ORDER BY trade_date ASC
	`
	return r.queryPoints(query, sessionID, modelName, cutoff)
}

// ListBySession returns every curve point of a session in date order.
func (r *DailyAssetRepository) ListBySession(sessionID string) ([]domain.DailyAssetPoint, error) {
	query := `
		SELECT session_id, model_name, trade_date, assets
		FROM arena_daily_assets
		WHERE session_id = ?
		ORDER BY trade_date ASC, model_name ASC
	`
	return r.queryPoints(query, sessionID)
}

// MaxTradeDate returns the latest curve date across all models of a session,
// or "" when the session has no points yet.
func (r *DailyAssetRepository) MaxTradeDate(sessionID string) (string, error) {
	var latest sql.NullString
	err := r.db.QueryRow(
		"SELECT MAX(trade_date) FROM arena_daily_assets WHERE session_id = ?",
		sessionID,
	).Scan(&latest)
	if err != nil {
		return "", fmt.Errorf("failed to get max trade date: %w", err)
	}
	if !latest.Valid {
		return "", nil
	}
	return latest.String, nil
}

// DeleteFrom removes a model's curve points with trade_date >= date inside
// the given transaction. Rollback support.
func (r *DailyAssetRepository) DeleteFrom(tx *sql.Tx, sessionID, modelName, date string) error {
	_, err := tx.Exec(
		"DELETE FROM arena_daily_assets WHERE session_id = ? AND model_name = ? AND trade_date >= ?",
		sessionID, modelName, date,
	)
	if err != nil {
		return fmt.Errorf("failed to delete daily assets from %s: %w", date, err)
	}
	return nil
}

func (r *DailyAssetRepository) queryPoints(query string, args ...interface{}) ([]domain.DailyAssetPoint, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query daily assets: %w", err)
	}
	defer rows.Close()

	var points []domain.DailyAssetPoint
	for rows.Next() {
		var p domain.DailyAssetPoint
		if err := rows.Scan(&p.SessionID, &p.ModelName, &p.TradeDate, &p.Assets); err != nil {
			return nil, fmt.Errorf("failed to scan daily assets: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating daily assets: %w", err)
	}
	return points, nil
}
