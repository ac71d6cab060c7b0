package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lharena/arena/internal/domain"
)

func TestBuyCommissionFloor(t *testing.T) {
	assert.Equal(t, 5.0, BuyCommission(2000), "0.6 yuan computed, 5 yuan minimum applies")
	assert.InDelta(t, 30.0, BuyCommission(100000), 0.001)
}

func TestSellFees(t *testing.T) {
	commission, stamp := SellFees(10000)
	assert.Equal(t, 5.0, commission)
	assert.InDelta(t, 10.0, stamp, 0.001)

	commission, stamp = SellFees(100000)
	assert.InDelta(t, 30.0, commission, 0.001)
	assert.InDelta(t, 100.0, stamp, 0.001)
}

func TestNormalizeLots(t *testing.T) {
	assert.Equal(t, 0, NormalizeLots(99))
	assert.Equal(t, 100, NormalizeLots(100))
	assert.Equal(t, 100, NormalizeLots(199))
	assert.Equal(t, 300, NormalizeLots(350))
	assert.Equal(t, 0, NormalizeLots(-200))
}

func TestApplyBuyMergesAtPooledCost(t *testing.T) {
	p := NewPortfolio(10000)
	p.applyBuy("sh.600000", "浦发银行", "20250106", 100, 10.00, domain.ExitPlan{})
	p.applyBuy("sh.600000", "浦发银行", "20250107", 100, 12.00, domain.ExitPlan{StopLoss: "10.50"})

	h := p.Holdings["sh.600000"]
	require.NotNil(t, h)
	assert.Equal(t, 200, h.Amount)
	assert.InDelta(t, 11.00, h.AvgPrice, 0.001)
	assert.Equal(t, 0, h.HoldDays, "a fresh lot relocks the whole position")
	assert.Equal(t, "20250107", h.BuyDate)
	assert.Equal(t, "10.50", h.ExitPlan.StopLoss, "the newest plan wins")

	// 1000 + 5 commission, then 1200 + 5 commission.
	assert.InDelta(t, 10000-1005-1205, p.Cash, 0.001)
}

func TestApplySellCreditsNetProceeds(t *testing.T) {
	p := NewPortfolio(10000)
	p.applyBuy("sh.600000", "浦发银行", "20250106", 200, 10.00, domain.ExitPlan{})
	p.Holdings["sh.600000"].CurrentPrice = 11.00

	profit, profitPct := p.applySell("sh.600000", 11.00)

	// gross 2200, commission 5, stamp 2.2, net 2192.8 against a 2000 cost.
	assert.InDelta(t, 192.8, profit, 0.001)
	assert.InDelta(t, 9.64, profitPct, 0.001)
	assert.NotContains(t, p.Holdings, "sh.600000")
	assert.InDelta(t, 10000-2005+2192.8, p.Cash, 0.001)
}

func TestCloneIsDeep(t *testing.T) {
	p := NewPortfolio(10000)
	p.applyBuy("sh.600000", "浦发银行", "20250106", 200, 10.00, domain.ExitPlan{})
	p.DailyAssets = append(p.DailyAssets, domain.DailyAssetPoint{TradeDate: "20250106", Assets: 9995})

	snapshot := p.Clone()
	p.Holdings["sh.600000"].Amount = 999
	p.Cash = 1
	p.DailyAssets[0].Assets = 0

	assert.Equal(t, 200, snapshot.Holdings["sh.600000"].Amount)
	assert.InDelta(t, 9995, snapshot.DailyAssets[0].Assets, 0.001)
	assert.NotEqual(t, p.Cash, snapshot.Cash)

	p.Restore(snapshot)
	assert.Equal(t, 200, p.Holdings["sh.600000"].Amount)
	assert.InDelta(t, 9995, p.DailyAssets[0].Assets, 0.001)
}

func TestMaxDrawdownPct(t *testing.T) {
	p := NewPortfolio(10000)
	for _, pt := range []struct {
		date   string
		assets float64
	}{
		{"20250106", 10500},
		{"20250107", 11000},
		{"20250108", 9900}, // 10% off the 11000 peak
		{"20250109", 10400},
	} {
		p.DailyAssets = append(p.DailyAssets, domain.DailyAssetPoint{TradeDate: pt.date, Assets: pt.assets})
	}
	assert.InDelta(t, 10.0, p.MaxDrawdownPct(), 0.001)
}

func TestWinRate(t *testing.T) {
	p := NewPortfolio(10000)
	p.TradeHistory = []domain.Trade{
		{Action: domain.ActionBuy},
		{Action: domain.ActionSell, Profit: 120},
		{Action: domain.ActionSell, Profit: -50},
		{Action: domain.ActionSell, Profit: 30},
	}
	rate, count := p.WinRate()
	assert.Equal(t, 3, count)
	assert.InDelta(t, 66.666, rate, 0.01)
}
