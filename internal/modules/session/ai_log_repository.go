package session

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lharena/arena/internal/domain"
)

// AILogRepository handles arena_ai_logs database operations
type AILogRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewAILogRepository creates a new AI log repository
func NewAILogRepository(db *sql.DB, log zerolog.Logger) *AILogRepository {
	return &AILogRepository{
		db:  db,
		log: log.With().Str("repo", "ai_log").Logger(),
	}
}

// Append stores one activity-feed entry.
func (r *AILogRepository) Append(entry domain.AILog) error {
	query := `
		INSERT INTO arena_ai_logs (session_id, model_name, timestamp, message, log_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query,
		entry.SessionID,
		entry.ModelName,
		entry.Timestamp,
		entry.Message,
		entry.LogType,
		time.Now().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to append AI log: %w", err)
	}
	return nil
}

// Recent returns the newest entries for one model, newest first.
func (r *AILogRepository) Recent(sessionID, modelName string, limit int) ([]domain.AILog, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, session_id, model_name, timestamp, message, log_type
		FROM arena_ai_logs
		WHERE session_id = ? AND model_name = ?
		ORDER BY id DESC
		LIMIT ?
	`
	return r.queryLogs(query, sessionID, modelName, limit)
}

// ListBySession returns every entry of a session in insertion order.
func (r *AILogRepository) ListBySession(sessionID string) ([]domain.AILog, error) {
	query := `
		SELECT id, session_id, model_name, timestamp, message, log_type
		FROM arena_ai_logs
		WHERE session_id = ?
		ORDER BY id ASC
	`
	return r.queryLogs(query, sessionID)
}

func (r *AILogRepository) queryLogs(query string, args ...interface{}) ([]domain.AILog, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query AI logs: %w", err)
	}
	defer rows.Close()

	var logs []domain.AILog
	for rows.Next() {
		var entry domain.AILog
		if err := rows.Scan(&entry.ID, &entry.SessionID, &entry.ModelName, &entry.Timestamp, &entry.Message, &entry.LogType); err != nil {
			return nil, fmt.Errorf("failed to scan AI log: %w", err)
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating AI logs: %w", err)
	}
	return logs, nil
}
