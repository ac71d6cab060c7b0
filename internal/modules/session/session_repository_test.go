package session

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lharena/arena/internal/database"
	"github.com/lharena/arena/internal/domain"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(database.ArenaSchema)
	require.NoError(t, err)

	return db
}

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

func TestSessionCreateAndGet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSessionRepository(db, testLogger())

	created, err := repo.Create("20250106", "20250131", 10000, `{"max_holdings":5}`)
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Len(t, created.ID, 15, "session ID should be YYYYMMDD_HHMMSS")
	assert.Equal(t, domain.SessionRunning, created.Status)
	assert.Equal(t, "20250106", created.CurrentDate, "current date starts at start date")

	got, err := repo.Get(created.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, created.StartDate, got.StartDate)
	assert.Equal(t, created.EndDate, got.EndDate)
	assert.Equal(t, 10000.0, got.InitialCapital)
	assert.Equal(t, `{"max_holdings":5}`, got.Config)

	missing, err := repo.Get("nonexistent")
	require.NoError(t, err)
	assert.Nil(t, missing, "missing session should return nil without error")
}

func TestSessionUpdateCurrentDateAndStatus(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSessionRepository(db, testLogger())

	s, err := repo.Create("20250106", "20250131", 10000, "")
	require.NoError(t, err)

	require.NoError(t, repo.UpdateCurrentDate(s.ID, "20250110"))
	require.NoError(t, repo.UpdateStatus(s.ID, domain.SessionCompleted))

	got, err := repo.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "20250110", got.CurrentDate)
	assert.Equal(t, domain.SessionCompleted, got.Status)
}

func TestGetLatestUnfinishedPrefersRunning(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSessionRepository(db, testLogger())

	s, err := repo.Create("20250106", "20250131", 10000, "")
	require.NoError(t, err)

	got, err := repo.GetLatestUnfinished()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, s.ID, got.ID)
}

func TestGetLatestUnfinishedRevivesForceStopped(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSessionRepository(db, testLogger())

	s, err := repo.Create("20250106", "20250131", 10000, "")
	require.NoError(t, err)

	// Session marked completed but its equity curve stops well before the
	// end date: that is the signature of a forced stop.
	require.NoError(t, repo.UpdateStatus(s.ID, domain.SessionCompleted))
	_, err = db.Exec(
		`INSERT INTO arena_daily_assets (session_id, model_name, trade_date, assets, created_at)
		 VALUES (?, 'DeepSeek', '20250110', 10100, '2025-01-10')`,
		s.ID,
	)
	require.NoError(t, err)

	got, err := repo.GetLatestUnfinished()
	require.NoError(t, err)
	require.NotNil(t, got, "force-stopped session should be revived")
	assert.Equal(t, domain.SessionRunning, got.Status)
	assert.Equal(t, "20250110", got.CurrentDate, "current date should move to actual progress")

	persisted, err := repo.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionRunning, persisted.Status, "revival should be persisted")
}

func TestGetLatestUnfinishedIgnoresTrulyCompleted(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSessionRepository(db, testLogger())

	s, err := repo.Create("20250106", "20250110", 10000, "")
	require.NoError(t, err)
	require.NoError(t, repo.UpdateStatus(s.ID, domain.SessionCompleted))
	_, err = db.Exec(
		`INSERT INTO arena_daily_assets (session_id, model_name, trade_date, assets, created_at)
		 VALUES (?, 'DeepSeek', '20250110', 10100, '2025-01-10')`,
		s.ID,
	)
	require.NoError(t, err)

	got, err := repo.GetLatestUnfinished()
	require.NoError(t, err)
	assert.Nil(t, got, "session that reached its end date should stay completed")
}

func TestSessionPurge(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSessionRepository(db, testLogger())

	s, err := repo.Create("20250106", "20250131", 10000, "")
	require.NoError(t, err)

	_, err = db.Exec(
		`INSERT INTO arena_trades (session_id, model_name, trade_date, stock_code, action, price, volume, amount, created_at)
		 VALUES (?, 'Qwen', '20250106', '000001.SZ', 'buy', 10, 200, 2000, '2025-01-06')`,
		s.ID,
	)
	require.NoError(t, err)

	require.NoError(t, repo.Purge(s.ID))

	got, err := repo.Get(s.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM arena_trades WHERE session_id = ?", s.ID).Scan(&count))
	assert.Zero(t, count, "purge should remove dependent rows")
}

func TestModelStateUpsert(t *testing.T) {
	db := setupTestDB(t)
	repo := NewModelStateRepository(db, testLogger())

	state := ModelState{SessionID: "s1", ModelName: "DeepSeek", Cash: 7995, TotalAssets: 10195, ProfitPct: 1.95}
	require.NoError(t, repo.Upsert(state))

	state.Cash = 10187.80
	state.ProfitPct = 1.88
	require.NoError(t, repo.Upsert(state), "second upsert should replace, not duplicate")

	states, err := repo.ListBySession("s1")
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.InDelta(t, 10187.80, states[0].Cash, 0.001)
}

func TestAILogRecentOrderAndLimit(t *testing.T) {
	db := setupTestDB(t)
	repo := NewAILogRepository(db, testLogger())

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Append(domain.AILog{
			SessionID: "s1",
			ModelName: "GLM",
			Timestamp: "2025-01-06 10:00:00",
			Message:   string(rune('a' + i)),
			LogType:   domain.LogTypeInfo,
		}))
	}

	logs, err := repo.Recent("s1", "GLM", 3)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, "e", logs[0].Message, "newest entry should come first")
	assert.Equal(t, "c", logs[2].Message)
}
