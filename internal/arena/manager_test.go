package arena

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lharena/arena/internal/config"
	"github.com/lharena/arena/internal/database"
	"github.com/lharena/arena/internal/domain"
	"github.com/lharena/arena/internal/modules/agent"
	"github.com/lharena/arena/internal/modules/ledger"
	"github.com/lharena/arena/internal/modules/market"
	"github.com/lharena/arena/internal/modules/memory"
	"github.com/lharena/arena/internal/modules/session"
)

func setupArenaDB(t *testing.T) *sql.DB {
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

func testTradingConfig() config.TradingConfig {
	return config.TradingConfig{
		InitialCapital:        10000,
		StopLossPct:           0.05,
		StopProfitPct:         0.15,
		MaxHoldings:           5,
		MaxPrice:              100,
		AnalyzeStockCount:     5,
		MinCashToBuy:          500,
		AIConfidenceThreshold: 0.3,
		ReflectionInterval:    5,
	}
}

// arenaSource serves a fixed trade-date list and canned closes keyed
// "code|date".
type arenaSource struct {
	dates  []string
	closes map[string]float64
}

func (s *arenaSource) DailyQuote(_ context.Context, code, date string) (*domain.Quote, error) {
	close, ok := s.closes[code+"|"+date]
	if !ok {
		return nil, nil
	}
	return &domain.Quote{Code: code, TradeDate: date, Close: close}, nil
}

func (s *arenaSource) IndexQuote(_ context.Context, code, date string) (*domain.Quote, error) {
	return nil, nil
}

func (s *arenaSource) TradeDates(_ context.Context, start, end string) ([]string, error) {
	return s.dates, nil
}

func (s *arenaSource) StockBasics(_ context.Context) ([]domain.StockBasic, error) {
	return nil, nil
}

// blockingSource stalls every quote fetch until its context is cancelled or
// the test releases it.
type blockingSource struct {
	release chan struct{}
}

func (s *blockingSource) DailyQuote(ctx context.Context, code, date string) (*domain.Quote, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.release:
		return nil, nil
	}
}

func (s *blockingSource) IndexQuote(_ context.Context, code, date string) (*domain.Quote, error) {
	return nil, nil
}

func (s *blockingSource) TradeDates(_ context.Context, start, end string) ([]string, error) {
	return nil, nil
}

func (s *blockingSource) StockBasics(_ context.Context) ([]domain.StockBasic, error) {
	return nil, nil
}

type testArena struct {
	db       *sql.DB
	sessions *session.SessionRepository
	trades   *ledger.TradeRepository
	curve    *ledger.DailyAssetRepository
	holdings *ledger.HoldingRepository
	session  *domain.Session
}

func newTestArena(t *testing.T, start, end string) *testArena {
	t.Helper()
	db := setupArenaDB(t)
	log := testLogger()
	sessions := session.NewSessionRepository(db, log)
	s, err := sessions.Create(start, end, 10000, "")
	require.NoError(t, err)
	return &testArena{
		db:       db,
		sessions: sessions,
		trades:   ledger.NewTradeRepository(db, log),
		curve:    ledger.NewDailyAssetRepository(db, log),
		holdings: ledger.NewHoldingRepository(db, log),
		session:  s,
	}
}

func (ta *testArena) newEntrant(t *testing.T, name string, src domain.QuoteSource) Entrant {
	t.Helper()
	log := testLogger()
	provider := market.NewProvider(src, nil, nil, market.Options{}, log)
	deps := agent.Deps{
		ArenaDB:     ta.db,
		Market:      provider,
		Trades:      ta.trades,
		DailyAssets: ta.curve,
		Holdings:    ta.holdings,
		Reflections: memory.NewReflectionRepository(ta.db, log),
		AILogs:      session.NewAILogRepository(ta.db, log),
		ModelState:  session.NewModelStateRepository(ta.db, log),
	}
	model := config.ModelConfig{ID: strings.ToLower(name), Name: name, Color: "#ffffff", Enabled: true}
	return Entrant{Model: model, Agent: agent.New(model, 0, ta.session.ID, testTradingConfig(), deps, log)}
}

func (ta *testArena) newManager(entrants []Entrant, provider *market.Provider) *Manager {
	cfg := &config.Config{Trading: testTradingConfig()}
	m := NewManager(cfg, provider, ta.sessions, entrants, testLogger())
	m.primaryWait = 50 * time.Millisecond
	m.graceWait = 50 * time.Millisecond
	return m
}

func managerProvider(dates []string) *market.Provider {
	return market.NewProvider(&arenaSource{dates: dates}, nil, nil, market.Options{}, testLogger())
}

func TestRunArenaKeepsCurvesSynchronized(t *testing.T) {
	ta := newTestArena(t, "20250106", "20250107")
	dates := []string{"20250106", "20250107"}

	a := ta.newEntrant(t, "Alpha", &arenaSource{})
	b := ta.newEntrant(t, "Beta", &arenaSource{})
	m := ta.newManager([]Entrant{a, b}, managerProvider(dates))

	results, err := m.RunArena(context.Background(), ta.session.ID, "20250106", "20250107")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.InDelta(t, 10000, results["Alpha"].TotalAssets, 0.001)
	assert.InDelta(t, 10000, results["Beta"].TotalAssets, 0.001)

	curveA, err := ta.curve.Curve(ta.session.ID, "Alpha")
	require.NoError(t, err)
	curveB, err := ta.curve.Curve(ta.session.ID, "Beta")
	require.NoError(t, err)
	require.Len(t, curveA, 2)
	require.Len(t, curveB, 2, "both competitors record every barrier date")

	s, err := ta.sessions.Get(ta.session.ID)
	require.NoError(t, err)
	assert.Equal(t, "20250107", s.CurrentDate)

	progress := m.CurrentProgress()
	assert.False(t, progress.Running)
	assert.Equal(t, 2, progress.TotalDays)
}

func TestRunArenaSevereTimeoutRecordsContinuityPoint(t *testing.T) {
	ta := newTestArena(t, "20250106", "20250107")

	// Beta resumes with an open position so update_prices has to fetch a
	// quote, which its source never answers.
	require.NoError(t, ta.trades.Append(domain.Trade{
		SessionID: ta.session.ID, ModelName: "Beta", TradeDate: "20250106",
		StockCode: "sh.600000", StockName: "浦发银行", Action: domain.ActionBuy,
		Price: 10.00, Volume: 200, Amount: 2000, Commission: 5,
	}))
	require.NoError(t, ta.curve.Save(domain.DailyAssetPoint{
		SessionID: ta.session.ID, ModelName: "Beta", TradeDate: "20250106", Assets: 9995,
	}))
	require.NoError(t, ta.holdings.Replace(ta.session.ID, "Beta", []domain.Holding{{
		StockCode: "sh.600000", StockName: "浦发银行", Amount: 200,
		AvgPrice: 10.00, CurrentPrice: 10.00, BuyDate: "20250106", HoldDays: 1,
	}}))
	// Alpha already completed the 6th too, so only the 7th is contested.
	require.NoError(t, ta.curve.Save(domain.DailyAssetPoint{
		SessionID: ta.session.ID, ModelName: "Alpha", TradeDate: "20250106", Assets: 10000,
	}))

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	alpha := ta.newEntrant(t, "Alpha", &arenaSource{})
	beta := ta.newEntrant(t, "Beta", &blockingSource{release: release})
	m := ta.newManager([]Entrant{alpha, beta}, managerProvider([]string{"20250107"}))

	_, err := m.RunArena(context.Background(), ta.session.ID, "20250107", "20250107")
	require.NoError(t, err)

	// Beta's day was cancelled after the grace wait; its book is restored
	// and the curve carries a continuity point at the pre-day equity.
	curveB, err := ta.curve.Curve(ta.session.ID, "Beta")
	require.NoError(t, err)
	require.Len(t, curveB, 2)
	assert.Equal(t, "20250107", curveB[1].TradeDate)
	assert.InDelta(t, 9995, curveB[1].Assets, 0.001)

	trades, err := ta.trades.ListByModel(ta.session.ID, "Beta")
	require.NoError(t, err)
	assert.Len(t, trades, 1, "the failed day must not produce fills")

	book := beta.Agent.Portfolio()
	require.Contains(t, book.Holdings, "sh.600000")
	assert.Equal(t, 200, book.Holdings["sh.600000"].Amount)

	curveA, err := ta.curve.Curve(ta.session.ID, "Alpha")
	require.NoError(t, err)
	require.Len(t, curveA, 2, "the slow competitor does not block the others")

	s, err := ta.sessions.Get(ta.session.ID)
	require.NoError(t, err)
	assert.Equal(t, "20250107", s.CurrentDate)
}

func TestRunArenaSkipsCompletedDates(t *testing.T) {
	ta := newTestArena(t, "20250106", "20250107")
	require.NoError(t, ta.curve.Save(domain.DailyAssetPoint{
		SessionID: ta.session.ID, ModelName: "Alpha", TradeDate: "20250106", Assets: 10000,
	}))

	alpha := ta.newEntrant(t, "Alpha", &arenaSource{})
	m := ta.newManager([]Entrant{alpha}, managerProvider([]string{"20250106", "20250107"}))

	_, err := m.RunArena(context.Background(), ta.session.ID, "20250106", "20250107")
	require.NoError(t, err)

	curve, err := ta.curve.Curve(ta.session.ID, "Alpha")
	require.NoError(t, err)
	require.Len(t, curve, 2)
	assert.Equal(t, "20250106", curve[0].TradeDate)
	assert.Equal(t, "20250107", curve[1].TradeDate)
}

func TestRepairAgentsRewindsSessionAnchor(t *testing.T) {
	ta := newTestArena(t, "20250101", "20250131")
	require.NoError(t, ta.sessions.UpdateCurrentDate(ta.session.ID, "20250120"))

	// A thirteen-day hole in the curve forces a rollback to its far side.
	require.NoError(t, ta.curve.Save(domain.DailyAssetPoint{
		SessionID: ta.session.ID, ModelName: "Alpha", TradeDate: "20250106", Assets: 10000,
	}))
	require.NoError(t, ta.curve.Save(domain.DailyAssetPoint{
		SessionID: ta.session.ID, ModelName: "Alpha", TradeDate: "20250120", Assets: 10040,
	}))

	alpha := ta.newEntrant(t, "Alpha", &arenaSource{})
	m := ta.newManager([]Entrant{alpha}, managerProvider(nil))

	watermark, err := m.repairAgents(context.Background(), ta.session.ID)
	require.NoError(t, err)
	assert.Equal(t, "20250106", watermark)

	s, err := ta.sessions.Get(ta.session.ID)
	require.NoError(t, err)
	assert.Equal(t, "20250106", s.CurrentDate)
}

func TestRankingsTieBreakOnDrawdown(t *testing.T) {
	ta := newTestArena(t, "20250106", "20250110")
	alpha := ta.newEntrant(t, "Alpha", &arenaSource{})
	beta := ta.newEntrant(t, "Beta", &arenaSource{})
	m := ta.newManager([]Entrant{alpha, beta}, managerProvider(nil))

	// Equal profit; Alpha rode an 11000 peak down, Beta never drew down.
	alpha.Agent.Portfolio().Cash = 10500
	alpha.Agent.Portfolio().DailyAssets = []domain.DailyAssetPoint{
		{TradeDate: "20250106", Assets: 11000},
		{TradeDate: "20250107", Assets: 10500},
	}
	beta.Agent.Portfolio().Cash = 10500
	beta.Agent.Portfolio().DailyAssets = []domain.DailyAssetPoint{
		{TradeDate: "20250106", Assets: 10200},
		{TradeDate: "20250107", Assets: 10500},
	}

	rankings := m.refreshRankings()
	require.Len(t, rankings, 2)
	assert.Equal(t, "Beta", rankings[0].Name, "smaller drawdown wins the tie")
	assert.Equal(t, "🥇", rankings[0].Medal)
	assert.Equal(t, "Alpha", rankings[1].Name)
	assert.Equal(t, "🥈", rankings[1].Medal)
	assert.Equal(t, 2, rankings[1].Rank)
}

func TestRankingContextStagesAndGap(t *testing.T) {
	ta := newTestArena(t, "20250106", "20250110")
	alpha := ta.newEntrant(t, "Alpha", &arenaSource{})
	beta := ta.newEntrant(t, "Beta", &arenaSource{})
	m := ta.newManager([]Entrant{alpha, beta}, managerProvider(nil))

	alpha.Agent.Portfolio().Cash = 10800 // +8%
	beta.Agent.Portfolio().Cash = 10200  // +2%
	m.refreshRankings()

	early := m.RankingContextFor("Beta", 1, 10)
	require.NotNil(t, early)
	assert.Contains(t, early.Stage, "前期")
	assert.Equal(t, 2, early.YourRank.Rank)
	assert.Equal(t, "Alpha", early.Leader.Name)
	assert.InDelta(t, 6.0, early.GapToLeader, 0.001)
	assert.Contains(t, early.Goal, "追赶第一名")

	mid := m.RankingContextFor("Alpha", 5, 10)
	require.NotNil(t, mid)
	assert.Contains(t, mid.Stage, "中期")
	assert.Contains(t, mid.Comment, "表现优异")

	final := m.RankingContextFor("Alpha", 9, 10)
	require.NotNil(t, final)
	assert.Contains(t, final.Stage, "冲刺期")

	assert.Nil(t, m.RankingContextFor("Gamma", 1, 10), "unknown model has no context")
}

func TestReturnVolatility(t *testing.T) {
	assert.Zero(t, returnVolatility(nil))
	assert.Zero(t, returnVolatility([]domain.DailyAssetPoint{{Assets: 10000}, {Assets: 10100}}))

	// Daily returns +1% and -1%: the sample standard deviation is ~1.41%.
	points := []domain.DailyAssetPoint{
		{Assets: 10000},
		{Assets: 10100},
		{Assets: 9999},
	}
	assert.InDelta(t, 1.41, returnVolatility(points), 0.02)
}
