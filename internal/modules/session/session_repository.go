// Package session manages competition sessions and their associated state:
// the session records themselves, per-model summary state and the AI
// activity logs.
package session

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lharena/arena/internal/domain"
	"github.com/lharena/arena/internal/utils"
)

// sessionColumns is the column list for arena_sessions. current_date is a
// keyword in SQLite expressions, so it stays quoted everywhere.
const sessionColumns = `session_id, start_date, end_date, "current_date", initial_capital, status, created_at, updated_at, config`

// SessionRepository handles arena_sessions database operations
type SessionRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *sql.DB, log zerolog.Logger) *SessionRepository {
	return &SessionRepository{
		db:  db,
		log: log.With().Str("repo", "session").Logger(),
	}
}

// Create inserts a new session. The session ID is derived from the creation
// timestamp so IDs sort chronologically.
func (r *SessionRepository) Create(startDate, endDate string, initialCapital float64, configJSON string) (*domain.Session, error) {
	now := time.Now()
	s := &domain.Session{
		ID:             now.Format("20060102_150405"),
		StartDate:      startDate,
		EndDate:        endDate,
		CurrentDate:    startDate,
		InitialCapital: initialCapital,
		Status:         domain.SessionRunning,
		CreatedAt:      now,
		UpdatedAt:      now,
		Config:         configJSON,
	}

	query := `
		INSERT INTO arena_sessions
		(session_id, start_date, end_date, "current_date", initial_capital, status, created_at, updated_at, config)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query,
		s.ID,
		s.StartDate,
		s.EndDate,
		s.CurrentDate,
		s.InitialCapital,
		string(s.Status),
		s.CreatedAt.Format(time.RFC3339),
		s.UpdatedAt.Format(time.RFC3339),
		nullString(s.Config),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	r.log.Info().
		Str("session_id", s.ID).
		Str("start_date", startDate).
		Str("end_date", endDate).
		Msg("Session created")

	return s, nil
}

// Get retrieves a session by ID. Returns (nil, nil) when not found.
func (r *SessionRepository) Get(sessionID string) (*domain.Session, error) {
	query := "SELECT " + sessionColumns + " FROM arena_sessions WHERE session_id = ?"
	s, err := r.scanSession(r.db.QueryRow(query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// GetLatest returns the most recently created session regardless of status.
// Returns (nil, nil) when no sessions exist.
func (r *SessionRepository) GetLatest() (*domain.Session, error) {
	query := "SELECT " + sessionColumns + " FROM arena_sessions ORDER BY created_at DESC LIMIT 1"
	s, err := r.scanSession(r.db.QueryRow(query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest session: %w", err)
	}
	return s, nil
}

// List returns sessions newest first.
func (r *SessionRepository) List(limit int) ([]domain.Session, error) {
	if limit <= 0 {
		limit = 10
	}
	query := "SELECT " + sessionColumns + " FROM arena_sessions ORDER BY created_at DESC LIMIT ?"

	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		s, err := r.scanSessionFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

// GetLatestUnfinished finds the session a restart should continue. Running
// sessions win. With none running, the latest completed session whose actual
// progress stops short of its end date was force-stopped; it is flipped back
// to running with current_date set to its real high-water mark.
func (r *SessionRepository) GetLatestUnfinished() (*domain.Session, error) {
	query := "SELECT " + sessionColumns + " FROM arena_sessions WHERE status = 'running' ORDER BY created_at DESC LIMIT 1"
	s, err := r.scanSession(r.db.QueryRow(query))
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to query running sessions: %w", err)
	}

	query = "SELECT " + sessionColumns + " FROM arena_sessions WHERE status = 'completed' ORDER BY created_at DESC LIMIT 1"
	s, err = r.scanSession(r.db.QueryRow(query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query completed sessions: %w", err)
	}

	var latestDate sql.NullString
	err = r.db.QueryRow(
		"SELECT MAX(trade_date) FROM arena_daily_assets WHERE session_id = ?",
		s.ID,
	).Scan(&latestDate)
	if err != nil {
		return nil, fmt.Errorf("failed to get session progress: %w", err)
	}
	if !latestDate.Valid || latestDate.String == "" {
		return nil, nil
	}

	cmp, err := utils.CompareDates(latestDate.String, s.EndDate)
	if err != nil {
		return nil, fmt.Errorf("failed to compare session dates: %w", err)
	}
	if cmp >= 0 {
		// Genuinely finished.
		return nil, nil
	}

	if err := r.reviveSession(s.ID, latestDate.String); err != nil {
		return nil, err
	}
	s.Status = domain.SessionRunning
	s.CurrentDate = latestDate.String

	r.log.Info().
		Str("session_id", s.ID).
		Str("current_date", s.CurrentDate).
		Str("end_date", s.EndDate).
		Msg("Revived force-stopped session")

	return s, nil
}

func (r *SessionRepository) reviveSession(sessionID, currentDate string) error {
	query := `UPDATE arena_sessions SET status = 'running', "current_date" = ?, updated_at = ? WHERE session_id = ?`
	if _, err := r.db.Exec(query, currentDate, time.Now().Format(time.RFC3339), sessionID); err != nil {
		return fmt.Errorf("failed to revive session: %w", err)
	}
	return nil
}

// UpdateCurrentDate advances the session's barrier high-water mark.
func (r *SessionRepository) UpdateCurrentDate(sessionID, currentDate string) error {
	query := `UPDATE arena_sessions SET "current_date" = ?, updated_at = ? WHERE session_id = ?`
	if _, err := r.db.Exec(query, currentDate, time.Now().Format(time.RFC3339), sessionID); err != nil {
		return fmt.Errorf("failed to update session current date: %w", err)
	}
	return nil
}

// UpdateStatus transitions the session lifecycle state.
func (r *SessionRepository) UpdateStatus(sessionID string, status domain.SessionStatus) error {
	query := `UPDATE arena_sessions SET status = ?, updated_at = ? WHERE session_id = ?`
	if _, err := r.db.Exec(query, string(status), time.Now().Format(time.RFC3339), sessionID); err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	r.log.Info().Str("session_id", sessionID).Str("status", string(status)).Msg("Session status updated")
	return nil
}

// Purge deletes a session and every row that references it. Destructive,
// used by the reset operation only.
func (r *SessionRepository) Purge(sessionID string) error {
	tables := []string{
		"arena_daily_assets",
		"arena_trades",
		"arena_holdings",
		"arena_ai_logs",
		"agent_reflections",
		"agent_principles",
		"arena_model_state",
		"arena_sessions",
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin purge transaction: %w", err)
	}
	for _, table := range tables {
		if _, err := tx.Exec("DELETE FROM "+table+" WHERE session_id = ?", sessionID); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to purge %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit purge: %w", err)
	}

	r.log.Warn().Str("session_id", sessionID).Msg("Session purged")
	return nil
}

func (r *SessionRepository) scanSession(row *sql.Row) (*domain.Session, error) {
	var s domain.Session
	var status, createdAt, updatedAt string
	var config sql.NullString

	err := row.Scan(
		&s.ID,
		&s.StartDate,
		&s.EndDate,
		&s.CurrentDate,
		&s.InitialCapital,
		&status,
		&createdAt,
		&updatedAt,
		&config,
	)
	if err != nil {
		return nil, err
	}
	return r.finishScan(&s, status, createdAt, updatedAt, config), nil
}

func (r *SessionRepository) scanSessionFromRows(rows *sql.Rows) (*domain.Session, error) {
	var s domain.Session
	var status, createdAt, updatedAt string
	var config sql.NullString

	err := rows.Scan(
		&s.ID,
		&s.StartDate,
		&s.EndDate,
		&s.CurrentDate,
		&s.InitialCapital,
		&status,
		&createdAt,
		&updatedAt,
		&config,
	)
	if err != nil {
		return nil, err
	}
	return r.finishScan(&s, status, createdAt, updatedAt, config), nil
}

func (r *SessionRepository) finishScan(s *domain.Session, status, createdAt, updatedAt string, config sql.NullString) *domain.Session {
	s.Status = domain.SessionStatus(status)
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		s.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		s.UpdatedAt = t
	}
	if config.Valid {
		s.Config = config.String
	}
	return s
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}
