package store

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lharena/arena/internal/arena"
	"github.com/lharena/arena/internal/domain"
	"github.com/lharena/arena/internal/events"
)

func testStore() *Store {
	return New(zerolog.New(nil).Level(zerolog.Disabled))
}

func TestApplyUpdateDedupesChartByDate(t *testing.T) {
	s := testStore()
	s.ApplyUpdate(arena.Update{
		ModelName:   "DeepSeek",
		ModelColor:  "#6366f1",
		TotalAssets: 10050,
		DailyAssets: []domain.DailyAssetPoint{
			{TradeDate: "20250106", Assets: 10000},
			{TradeDate: "20250107", Assets: 10100},
			{TradeDate: "20250107", Assets: 10050},
		},
	})

	m, ok := s.Model("DeepSeek")
	require.True(t, ok)
	require.Len(t, m.ChartData, 2)
	assert.Equal(t, "20250107", m.ChartData[1].TradeDate)
	assert.Equal(t, 10050.0, m.ChartData[1].Assets)
}

func TestAppendLogRingCap(t *testing.T) {
	s := testStore()
	for i := 0; i < maxLogEntries+5; i++ {
		s.AppendLog(domain.AILog{
			ModelName: "Qwen",
			Message:   fmt.Sprintf("entry %d", i),
			LogType:   domain.LogTypeInfo,
		})
	}

	logs := s.Logs("Qwen", 0)
	require.Len(t, logs, maxLogEntries)
	assert.Equal(t, "entry 5", logs[0].Message)
	assert.Equal(t, fmt.Sprintf("entry %d", maxLogEntries+4), logs[len(logs)-1].Message)

	recent := s.Logs("Qwen", 10)
	require.Len(t, recent, 10)
	assert.Equal(t, fmt.Sprintf("entry %d", maxLogEntries-5), recent[0].Message)
}

func TestLoadSessionFiltersRowsPastCurrentDate(t *testing.T) {
	s := testStore()
	sess := domain.Session{
		ID:          "20250106_090000",
		StartDate:   "20250106",
		EndDate:     "20250131",
		CurrentDate: "20250107",
		Status:      domain.SessionRunning,
	}
	s.LoadSession(sess, []Hydration{{
		Name:  "DeepSeek",
		Color: "#6366f1",
		Curve: []domain.DailyAssetPoint{
			{TradeDate: "20250106", Assets: 10000},
			{TradeDate: "20250107", Assets: 10100},
			{TradeDate: "20250108", Assets: 10200},
		},
		Trades: []domain.Trade{
			{TradeDate: "20250106", StockCode: "sh.600000", Action: domain.ActionBuy},
			{TradeDate: "20250108", StockCode: "sh.600000", Action: domain.ActionSell},
		},
		Logs: []domain.AILog{{ModelName: "DeepSeek", Message: "resumed"}},
	}})

	m, ok := s.Model("DeepSeek")
	require.True(t, ok)
	require.Len(t, m.ChartData, 2)
	assert.Equal(t, "20250107", m.ChartData[1].TradeDate)
	require.Len(t, m.Trades, 1)
	assert.Equal(t, "20250106", m.Trades[0].TradeDate)
	assert.Len(t, s.Logs("DeepSeek", 0), 1)

	got, ok := s.Session()
	require.True(t, ok)
	assert.Equal(t, "20250107", got.CurrentDate)
}

func TestSnapshotReturnsIndependentCopies(t *testing.T) {
	s := testStore()
	s.RegisterModel("DeepSeek", "#6366f1")
	s.RegisterModel("Qwen", "#f59e0b")
	s.ApplyUpdate(arena.Update{
		ModelName:   "DeepSeek",
		Cash:        8000,
		TotalAssets: 10100,
		Holdings:    []domain.Holding{{StockCode: "sh.600000", Amount: 200}},
		DailyAssets: []domain.DailyAssetPoint{{TradeDate: "20250106", Assets: 10100}},
	})

	snap := s.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "DeepSeek", snap[0].Name)
	assert.Equal(t, "Qwen", snap[1].Name)

	snap[0].Holdings[0].Amount = 999
	snap[0].ChartData[0].Assets = 1

	m, ok := s.Model("DeepSeek")
	require.True(t, ok)
	assert.Equal(t, 200, m.Holdings[0].Amount)
	assert.Equal(t, 10100.0, m.ChartData[0].Assets)
}

func TestSubscribeReceivesMutations(t *testing.T) {
	s := testStore()
	id, ch := s.Subscribe()
	defer s.Unsubscribe(id)

	s.ApplyUpdate(arena.Update{ModelName: "DeepSeek", TotalAssets: 10000})
	s.SetProgress(arena.Progress{Running: true, CurrentDay: 1, TotalDays: 20, Date: "20250106"})

	e := <-ch
	assert.Equal(t, events.TypeModelUpdated, e.Type)
	assert.Equal(t, "DeepSeek", e.Model)

	e = <-ch
	assert.Equal(t, events.TypeProgress, e.Type)
	p, ok := e.Payload.(arena.Progress)
	require.True(t, ok)
	assert.Equal(t, 1, p.CurrentDay)
}

func TestPublishDropsWhenSubscriberFull(t *testing.T) {
	s := testStore()
	id, ch := s.Subscribe()
	defer s.Unsubscribe(id)

	// Nobody reads; mutators must not block past the buffer.
	for i := 0; i < subscriberBuffer+10; i++ {
		s.PublishStatus(true, "tick")
	}
	assert.Equal(t, subscriberBuffer, len(ch))
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	s := testStore()
	id, ch := s.Subscribe()
	s.Unsubscribe(id)
	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe must not panic on the closed channel.
	s.PublishStatus(false, "done")
}
