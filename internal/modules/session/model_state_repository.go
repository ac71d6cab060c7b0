package session

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ModelState is the per-model summary row kept current during a run.
type ModelState struct {
	SessionID   string  `json:"-"`
	ModelName   string  `json:"model_name"`
	Cash        float64 `json:"cash"`
	TotalAssets float64 `json:"total_assets"`
	ProfitPct   float64 `json:"profit_pct"`
	UpdatedAt   string  `json:"updated_at"`
}

// ModelStateRepository handles arena_model_state database operations
type ModelStateRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewModelStateRepository creates a new model state repository
func NewModelStateRepository(db *sql.DB, log zerolog.Logger) *ModelStateRepository {
	return &ModelStateRepository{
		db:  db,
		log: log.With().Str("repo", "model_state").Logger(),
	}
}

// Upsert writes the current summary for one model.
func (r *ModelStateRepository) Upsert(state ModelState) error {
	return r.upsert(r.db, state)
}

// UpsertInTx writes the summary inside a caller-owned transaction, so the
// day pipeline can commit it atomically with the day's ledger rows.
func (r *ModelStateRepository) UpsertInTx(tx *sql.Tx, state ModelState) error {
	return r.upsert(tx, state)
}

// execer abstracts *sql.DB and *sql.Tx for writes that must run both ways.
type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

func (r *ModelStateRepository) upsert(db execer, state ModelState) error {
	query := `
		INSERT INTO arena_model_state (session_id, model_name, cash, total_assets, profit_pct, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, model_name) DO UPDATE SET
			cash = excluded.cash,
			total_assets = excluded.total_assets,
			profit_pct = excluded.profit_pct,
			updated_at = excluded.updated_at
	`
	_, err := db.Exec(query,
		state.SessionID,
		state.ModelName,
		state.Cash,
		state.TotalAssets,
		state.ProfitPct,
		time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert model state: %w", err)
	}
	return nil
}

// ListBySession returns the summary rows for every model in a session.
func (r *ModelStateRepository) ListBySession(sessionID string) ([]ModelState, error) {
	query := `
		SELECT session_id, model_name, cash, total_assets, profit_pct, updated_at
		FROM arena_model_state
		WHERE session_id = ?
		ORDER BY model_name
	`
	rows, err := r.db.Query(query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list model state: %w", err)
	}
	defer rows.Close()

	var states []ModelState
	for rows.Next() {
		var s ModelState
		if err := rows.Scan(&s.SessionID, &s.ModelName, &s.Cash, &s.TotalAssets, &s.ProfitPct, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan model state: %w", err)
		}
		states = append(states, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating model state: %w", err)
	}
	return states, nil
}
