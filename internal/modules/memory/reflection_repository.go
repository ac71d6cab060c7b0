// Package memory persists agent self-review: periodic reflections and the
// trading principles derived from them. Principles work in generations, one
// per reflection; saving a reflection retires the previous generation and
// activates the new one in a single transaction so readers never observe a
// half-replaced set.
package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lharena/arena/internal/domain"
)

const reflectionColumns = `id, session_id, model_name, reflection_date, cash_reflection, timing_reflection, decision_reflection, self_awareness, strengths, weaknesses, adjustment_plan, created_at`

// ReflectionRepository handles agent_reflections and agent_principles
// database operations.
type ReflectionRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewReflectionRepository creates a new reflection repository
func NewReflectionRepository(db *sql.DB, log zerolog.Logger) *ReflectionRepository {
	return &ReflectionRepository{
		db:  db,
		log: log.With().Str("repo", "reflection").Logger(),
	}
}

// Save stores a reflection and replaces the model's active principle set
// with the reflection's principles. The insert, the deactivation of the old
// generation and the activation of the new one commit together.
func (r *ReflectionRepository) Save(reflection domain.Reflection) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin reflection transaction: %w", err)
	}

	if err := r.saveInTx(tx, reflection); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reflection: %w", err)
	}

	r.log.Info().
		Str("session_id", reflection.SessionID).
		Str("model", reflection.ModelName).
		Str("date", reflection.ReflectionDate).
		Int("principles", len(reflection.Principles)).
		Msg("Reflection saved")
	return nil
}

func (r *ReflectionRepository) saveInTx(tx *sql.Tx, reflection domain.Reflection) error {
	strengths, err := json.Marshal(reflection.Strengths)
	if err != nil {
		return fmt.Errorf("failed to encode strengths: %w", err)
	}
	weaknesses, err := json.Marshal(reflection.Weaknesses)
	if err != nil {
		return fmt.Errorf("failed to encode weaknesses: %w", err)
	}

	now := time.Now().Format(time.RFC3339)
	_, err = tx.Exec(`
		INSERT INTO agent_reflections
		(session_id, model_name, reflection_date, cash_reflection, timing_reflection,
		 decision_reflection, self_awareness, strengths, weaknesses, adjustment_plan,
		 is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?)
	`,
		reflection.SessionID,
		reflection.ModelName,
		reflection.ReflectionDate,
		nullString(reflection.CashReflection),
		nullString(reflection.TimingView),
		nullString(reflection.DecisionView),
		nullString(reflection.SelfAwareness),
		string(strengths),
		string(weaknesses),
		nullString(reflection.AdjustmentPlan),
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert reflection: %w", err)
	}

	// Retire the previous generation before activating the new one.
	_, err = tx.Exec(`
		UPDATE agent_principles SET is_active = 0
		WHERE session_id = ? AND model_name = ? AND is_active = 1
	`, reflection.SessionID, reflection.ModelName)
	if err != nil {
		return fmt.Errorf("failed to retire principles: %w", err)
	}

	for _, principle := range reflection.Principles {
		if principle == "" {
			continue
		}
		_, err = tx.Exec(`
			INSERT INTO agent_principles
			(session_id, model_name, principle, reflection_date, created_at, is_active)
			VALUES (?, ?, ?, ?, ?, 1)
		`, reflection.SessionID, reflection.ModelName, principle, reflection.ReflectionDate, now)
		if err != nil {
			return fmt.Errorf("failed to insert principle: %w", err)
		}
	}
	return nil
}

// ActivePrinciples returns the model's current principle texts, newest first.
func (r *ReflectionRepository) ActivePrinciples(sessionID, modelName string) ([]string, error) {
	rows, err := r.db.Query(`
		SELECT principle FROM agent_principles
		WHERE session_id = ? AND model_name = ? AND is_active = 1
		ORDER BY id DESC
	`, sessionID, modelName)
	if err != nil {
		return nil, fmt.Errorf("failed to query principles: %w", err)
	}
	defer rows.Close()

	var principles []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan principle: %w", err)
		}
		principles = append(principles, p)
	}
	return principles, rows.Err()
}

// Latest returns the model's most recent active reflection, or nil if it has
// not reflected yet.
func (r *ReflectionRepository) Latest(sessionID, modelName string) (*domain.Reflection, error) {
	row := r.db.QueryRow(`
		SELECT `+reflectionColumns+` FROM agent_reflections
		WHERE session_id = ? AND model_name = ? AND is_active = 1
		ORDER BY id DESC LIMIT 1
	`, sessionID, modelName)

	reflection, err := scanReflection(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest reflection: %w", err)
	}
	return reflection, nil
}

// ListBySession returns all active reflections of a session in insertion
// order, optionally filtered to one model.
func (r *ReflectionRepository) ListBySession(sessionID, modelName string) ([]domain.Reflection, error) {
	query := `
		SELECT ` + reflectionColumns + ` FROM agent_reflections
		WHERE session_id = ? AND is_active = 1
	`
	args := []any{sessionID}
	if modelName != "" {
		query += " AND model_name = ?"
		args = append(args, modelName)
	}
	query += " ORDER BY id ASC"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reflections: %w", err)
	}
	defer rows.Close()

	var reflections []domain.Reflection
	for rows.Next() {
		reflection, err := scanReflectionFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reflection: %w", err)
		}
		reflections = append(reflections, *reflection)
	}
	return reflections, rows.Err()
}

// DeactivateFrom retires reflections and principles dated on or after the
// given date, then restores the principle generation of the latest surviving
// reflection. Runs inside the caller's rollback transaction.
func (r *ReflectionRepository) DeactivateFrom(tx *sql.Tx, sessionID, modelName, date string) error {
	_, err := tx.Exec(`
		UPDATE agent_reflections SET is_active = 0
		WHERE session_id = ? AND model_name = ? AND reflection_date >= ?
	`, sessionID, modelName, date)
	if err != nil {
		return fmt.Errorf("failed to deactivate reflections: %w", err)
	}

	_, err = tx.Exec(`
		UPDATE agent_principles SET is_active = 0
		WHERE session_id = ? AND model_name = ? AND reflection_date >= ?
	`, sessionID, modelName, date)
	if err != nil {
		return fmt.Errorf("failed to deactivate principles: %w", err)
	}

	// The generation in force before the rollback point becomes active again.
	var survivor sql.NullString
	err = tx.QueryRow(`
		SELECT MAX(reflection_date) FROM agent_principles
		WHERE session_id = ? AND model_name = ? AND reflection_date < ?
	`, sessionID, modelName, date).Scan(&survivor)
	if err != nil {
		return fmt.Errorf("failed to find surviving principles: %w", err)
	}
	if survivor.Valid {
		_, err = tx.Exec(`
			UPDATE agent_principles SET is_active = 1
			WHERE session_id = ? AND model_name = ? AND reflection_date = ?
		`, sessionID, modelName, survivor.String)
		if err != nil {
			return fmt.Errorf("failed to restore principles: %w", err)
		}
	}
	return nil
}

func scanReflection(row *sql.Row) (*domain.Reflection, error) {
	var reflection domain.Reflection
	var cash, timing, decision, awareness, strengths, weaknesses, plan sql.NullString
	var createdAt string

	err := row.Scan(
		&reflection.ID,
		&reflection.SessionID,
		&reflection.ModelName,
		&reflection.ReflectionDate,
		&cash,
		&timing,
		&decision,
		&awareness,
		&strengths,
		&weaknesses,
		&plan,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}
	return finishReflectionScan(&reflection, cash, timing, decision, awareness, strengths, weaknesses, plan, createdAt)
}

func scanReflectionFromRows(rows *sql.Rows) (*domain.Reflection, error) {
	var reflection domain.Reflection
	var cash, timing, decision, awareness, strengths, weaknesses, plan sql.NullString
	var createdAt string

	err := rows.Scan(
		&reflection.ID,
		&reflection.SessionID,
		&reflection.ModelName,
		&reflection.ReflectionDate,
		&cash,
		&timing,
		&decision,
		&awareness,
		&strengths,
		&weaknesses,
		&plan,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}
	return finishReflectionScan(&reflection, cash, timing, decision, awareness, strengths, weaknesses, plan, createdAt)
}

func finishReflectionScan(reflection *domain.Reflection, cash, timing, decision, awareness, strengths, weaknesses, plan sql.NullString, createdAt string) (*domain.Reflection, error) {
	reflection.CashReflection = cash.String
	reflection.TimingView = timing.String
	reflection.DecisionView = decision.String
	reflection.SelfAwareness = awareness.String
	reflection.AdjustmentPlan = plan.String
	if strengths.Valid && strengths.String != "" {
		if err := json.Unmarshal([]byte(strengths.String), &reflection.Strengths); err != nil {
			return nil, fmt.Errorf("failed to decode strengths: %w", err)
		}
	}
	if weaknesses.Valid && weaknesses.String != "" {
		if err := json.Unmarshal([]byte(weaknesses.String), &reflection.Weaknesses); err != nil {
			return nil, fmt.Errorf("failed to decode weaknesses: %w", err)
		}
	}
	if ts, err := time.Parse(time.RFC3339, createdAt); err == nil {
		reflection.CreatedAt = ts
	}
	return reflection, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
