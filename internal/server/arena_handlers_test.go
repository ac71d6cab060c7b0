package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lharena/arena/internal/arena"
	"github.com/lharena/arena/internal/config"
	"github.com/lharena/arena/internal/database"
	"github.com/lharena/arena/internal/domain"
	"github.com/lharena/arena/internal/modules/ledger"
	"github.com/lharena/arena/internal/modules/market"
	"github.com/lharena/arena/internal/modules/session"
	"github.com/lharena/arena/internal/store"
	"github.com/lharena/arena/internal/supervisor"
)

type fixedSource struct{}

func (fixedSource) DailyQuote(ctx context.Context, code, date string) (*domain.Quote, error) {
	return nil, nil
}

func (fixedSource) IndexQuote(ctx context.Context, code, date string) (*domain.Quote, error) {
	return nil, nil
}

func (fixedSource) TradeDates(ctx context.Context, start, end string) ([]string, error) {
	return nil, nil
}

func (fixedSource) StockBasics(ctx context.Context) ([]domain.StockBasic, error) {
	return nil, nil
}

type handlerHarness struct {
	h        *ArenaHandlers
	router   chi.Router
	store    *store.Store
	sessions *session.SessionRepository
	trades   *ledger.TradeRepository
	curve    *ledger.DailyAssetRepository
}

func newHarness(t *testing.T) *handlerHarness {
	t.Helper()
	log := zerolog.New(nil).Level(zerolog.Disabled)

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = db.Exec(database.ArenaSchema)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Trading.InitialCapital = 10000
	cfg.Trading.StartDate = "20250106"
	cfg.Trading.EndDate = "20250131"
	cfg.Arena.Models = []config.ModelConfig{
		{ID: "deepseek", Name: "DeepSeek", Color: "#6366f1", Enabled: true},
		{ID: "qwen", Name: "Qwen", Color: "#f59e0b", Enabled: true},
		{ID: "disabled", Name: "Disabled", Enabled: false},
	}

	sessions := session.NewSessionRepository(db, log)
	states := session.NewModelStateRepository(db, log)
	aiLogs := session.NewAILogRepository(db, log)
	trades := ledger.NewTradeRepository(db, log)
	curve := ledger.NewDailyAssetRepository(db, log)
	holdings := ledger.NewHoldingRepository(db, log)

	provider := market.NewProvider(fixedSource{}, nil, nil, market.Options{}, log)
	st := store.New(log)
	sup := supervisor.New(supervisor.Deps{
		Config: cfg,
		NewManager: func(sessionID string) *arena.Manager {
			return arena.NewManager(cfg, provider, sessions, nil, log)
		},
		Store:    st,
		Sessions: sessions,
		States:   states,
		Trades:   trades,
		Curve:    curve,
		Holdings: holdings,
		Logs:     aiLogs,
	}, log)

	h := NewArenaHandlers(cfg, st, sup, sessions, trades, curve, nil, log)
	router := chi.NewRouter()
	h.RegisterRoutes(router)
	return &handlerHarness{h: h, router: router, store: st, sessions: sessions, trades: trades, curve: curve}
}

func (hh *handlerHarness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	hh.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestConfigListsEnabledModels(t *testing.T) {
	hh := newHarness(t)
	rec := hh.do(t, http.MethodGet, "/api/arena/config", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Models []struct {
			ID    string `json:"id"`
			Index int    `json:"index"`
		} `json:"models"`
		InitialCapital float64 `json:"initial_capital"`
	}
	decode(t, rec, &resp)
	require.Len(t, resp.Models, 2)
	assert.Equal(t, "deepseek", resp.Models[0].ID)
	assert.Equal(t, 1, resp.Models[1].Index)
	assert.Equal(t, 10000.0, resp.InitialCapital)
}

func TestModelLookup(t *testing.T) {
	hh := newHarness(t)
	hh.store.ApplyUpdate(arena.Update{ModelName: "DeepSeek", TotalAssets: 10100})

	rec := hh.do(t, http.MethodGet, "/api/arena/models/DeepSeek", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var m store.ModelData
	decode(t, rec, &m)
	assert.Equal(t, 10100.0, m.TotalAssets)

	rec = hh.do(t, http.MethodGet, "/api/arena/models/Nobody", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogsLimitValidation(t *testing.T) {
	hh := newHarness(t)
	for i := 0; i < 5; i++ {
		hh.store.AppendLog(domain.AILog{ModelName: "DeepSeek", Message: "m", LogType: domain.LogTypeInfo})
	}

	rec := hh.do(t, http.MethodGet, "/api/arena/logs/DeepSeek?limit=3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Logs []domain.AILog `json:"logs"`
	}
	decode(t, rec, &resp)
	assert.Len(t, resp.Logs, 3)

	rec = hh.do(t, http.MethodGet, "/api/arena/logs/DeepSeek?limit=nope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDataMergesRowsPastWatermark(t *testing.T) {
	hh := newHarness(t)
	sess, err := hh.sessions.Create("20250106", "20250131", 10000, "")
	require.NoError(t, err)
	require.NoError(t, hh.sessions.UpdateCurrentDate(sess.ID, "20250107"))

	for _, pt := range []domain.DailyAssetPoint{
		{SessionID: sess.ID, ModelName: "DeepSeek", TradeDate: "20250106", Assets: 10000},
		{SessionID: sess.ID, ModelName: "DeepSeek", TradeDate: "20250107", Assets: 10100},
		{SessionID: sess.ID, ModelName: "DeepSeek", TradeDate: "20250108", Assets: 10200},
	} {
		require.NoError(t, hh.curve.Save(pt))
	}

	sess.CurrentDate = "20250107"
	hh.store.LoadSession(*sess, []store.Hydration{{
		Name: "DeepSeek",
		Curve: []domain.DailyAssetPoint{
			{TradeDate: "20250106", Assets: 10000},
			{TradeDate: "20250107", Assets: 10100},
			{TradeDate: "20250108", Assets: 10200},
		},
	}})

	m, ok := hh.store.Model("DeepSeek")
	require.True(t, ok)
	require.Len(t, m.ChartData, 2)

	rec := hh.do(t, http.MethodGet, "/api/arena/data", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Models []store.ModelData `json:"models"`
	}
	decode(t, rec, &resp)
	require.Len(t, resp.Models, 1)
	assert.Len(t, resp.Models[0].ChartData, 3)
}

func TestSessionEndpoints(t *testing.T) {
	hh := newHarness(t)

	rec := hh.do(t, http.MethodGet, "/api/arena/sessions/latest", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	sess, err := hh.sessions.Create("20250106", "20250131", 10000, "")
	require.NoError(t, err)

	rec = hh.do(t, http.MethodGet, "/api/arena/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Sessions []domain.Session `json:"sessions"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Sessions, 1)

	rec = hh.do(t, http.MethodGet, "/api/arena/sessions/"+sess.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = hh.do(t, http.MethodGet, "/api/arena/sessions/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = hh.do(t, http.MethodPost, "/api/arena/sessions/nope/load", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = hh.do(t, http.MethodPost, "/api/arena/sessions/"+sess.ID+"/load", "")
	require.Equal(t, http.StatusOK, rec.Code)
	loaded, ok := hh.store.Session()
	require.True(t, ok)
	assert.Equal(t, sess.ID, loaded.ID)
}

func TestRestoreRequiresFilename(t *testing.T) {
	hh := newHarness(t)
	rec := hh.do(t, http.MethodPost, "/api/arena/restore", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCurrentSessionReflectsStore(t *testing.T) {
	hh := newHarness(t)

	rec := hh.do(t, http.MethodGet, "/api/arena/current_session", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	hh.store.SetSession(domain.Session{ID: "s1", CurrentDate: "20250106"})
	rec = hh.do(t, http.MethodGet, "/api/arena/current_session", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Running bool `json:"running"`
		Session struct {
			ID string `json:"session_id"`
		} `json:"session"`
	}
	decode(t, rec, &resp)
	assert.False(t, resp.Running)
	assert.Equal(t, "s1", resp.Session.ID)
}
