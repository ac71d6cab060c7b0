// Package agent runs one competing model through the trading day pipeline:
// pricing its book, asking the model for sell and buy decisions, executing
// fills under the exchange rules and the risk gates, and recording the
// results. Each agent owns its Portfolio and persists every fill through the
// ledger repositories.
package agent

import (
	"math"
	"sort"

	"github.com/lharena/arena/internal/domain"
)

// A-share trading costs and the board lot.
const (
	commissionRate = 0.0003
	minCommission  = 5.0
	stampTaxRate   = 0.001
	lotSize        = 100
)

// BuyCommission returns the commission on a buy of the given gross value.
func BuyCommission(gross float64) float64 {
	return math.Max(gross*commissionRate, minCommission)
}

// SellFees returns the commission and stamp tax on a sell of the given gross
// value. Stamp tax applies to sells only.
func SellFees(gross float64) (commission, stampTax float64) {
	return math.Max(gross*commissionRate, minCommission), gross * stampTaxRate
}

// NormalizeLots rounds a share count down to a whole number of board lots.
func NormalizeLots(shares int) int {
	if shares < 0 {
		return 0
	}
	return (shares / lotSize) * lotSize
}

// Portfolio is one agent's account book: cash, open positions, the full fill
// history and the equity curve. It is not safe for concurrent use; each agent
// mutates its own portfolio from a single goroutine.
type Portfolio struct {
	InitialCapital float64
	Cash           float64
	Holdings       map[string]*domain.Holding
	TradeHistory   []domain.Trade
	DailyAssets    []domain.DailyAssetPoint
}

// NewPortfolio creates an all-cash portfolio.
func NewPortfolio(initialCapital float64) *Portfolio {
	return &Portfolio{
		InitialCapital: initialCapital,
		Cash:           initialCapital,
		Holdings:       make(map[string]*domain.Holding),
	}
}

// HoldingsValue returns the market value of all open positions at their last
// known prices.
func (p *Portfolio) HoldingsValue() float64 {
	var total float64
	for _, h := range p.Holdings {
		price := h.CurrentPrice
		if price <= 0 {
			price = h.AvgPrice
		}
		total += float64(h.Amount) * price
	}
	return total
}

// TotalAssets returns cash plus the market value of open positions.
func (p *Portfolio) TotalAssets() float64 {
	return p.Cash + p.HoldingsValue()
}

// ProfitPct returns the cumulative return in percent.
func (p *Portfolio) ProfitPct() float64 {
	if p.InitialCapital <= 0 {
		return 0
	}
	return (p.TotalAssets() - p.InitialCapital) / p.InitialCapital * 100
}

// DrawdownPct returns the current drawdown from the equity-curve peak, in
// percent. Zero when the book is at or above its peak.
func (p *Portfolio) DrawdownPct() float64 {
	peak := p.InitialCapital
	for _, pt := range p.DailyAssets {
		if pt.Assets > peak {
			peak = pt.Assets
		}
	}
	if peak <= 0 {
		return 0
	}
	dd := (peak - p.TotalAssets()) / peak * 100
	if dd < 0 {
		return 0
	}
	return dd
}

// MaxDrawdownPct returns the worst peak-to-trough drawdown over the equity
// curve, in percent.
func (p *Portfolio) MaxDrawdownPct() float64 {
	peak := p.InitialCapital
	var worst float64
	for _, pt := range p.DailyAssets {
		if pt.Assets > peak {
			peak = pt.Assets
		}
		if peak > 0 {
			if dd := (peak - pt.Assets) / peak * 100; dd > worst {
				worst = dd
			}
		}
	}
	return worst
}

// WinRate returns the fraction of closed (sell) trades with positive profit,
// in percent, and the number of closed trades.
func (p *Portfolio) WinRate() (float64, int) {
	var sells, wins int
	for _, t := range p.TradeHistory {
		if t.Action != domain.ActionSell {
			continue
		}
		sells++
		if t.Profit > 0 {
			wins++
		}
	}
	if sells == 0 {
		return 0, 0
	}
	return float64(wins) / float64(sells) * 100, sells
}

// Clone returns a deep copy of the portfolio. Used to snapshot the book
// before a trading day so a failed day can be rolled back in memory.
func (p *Portfolio) Clone() *Portfolio {
	cp := &Portfolio{
		InitialCapital: p.InitialCapital,
		Cash:           p.Cash,
		Holdings:       make(map[string]*domain.Holding, len(p.Holdings)),
		TradeHistory:   make([]domain.Trade, len(p.TradeHistory)),
		DailyAssets:    make([]domain.DailyAssetPoint, len(p.DailyAssets)),
	}
	for code, h := range p.Holdings {
		held := *h
		cp.Holdings[code] = &held
	}
	copy(cp.TradeHistory, p.TradeHistory)
	copy(cp.DailyAssets, p.DailyAssets)
	return cp
}

// Restore overwrites the portfolio with the state captured in a snapshot.
func (p *Portfolio) Restore(snapshot *Portfolio) {
	p.InitialCapital = snapshot.InitialCapital
	p.Cash = snapshot.Cash
	p.Holdings = snapshot.Holdings
	p.TradeHistory = snapshot.TradeHistory
	p.DailyAssets = snapshot.DailyAssets
}

// HoldingsSorted returns the open positions ordered by stock code, for
// deterministic prompts and persistence.
func (p *Portfolio) HoldingsSorted() []domain.Holding {
	out := make([]domain.Holding, 0, len(p.Holdings))
	for _, h := range p.Holdings {
		held := *h
		held.MarketValue = float64(held.Amount) * held.CurrentPrice
		held.ProfitLoss = float64(held.Amount) * (held.CurrentPrice - held.AvgPrice)
		out = append(out, held)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StockCode < out[j].StockCode })
	return out
}

// applyBuy mutates the book for a buy fill: cash down by gross plus
// commission, position merged at the pooled average cost. The new lot resets
// the holding clock, so merged positions are sellable the next day at the
// earliest.
func (p *Portfolio) applyBuy(code, name, date string, shares int, price float64, plan domain.ExitPlan) {
	gross := float64(shares) * price
	p.Cash -= gross + BuyCommission(gross)

	if h, ok := p.Holdings[code]; ok {
		total := h.Amount + shares
		h.AvgPrice = (float64(h.Amount)*h.AvgPrice + gross) / float64(total)
		h.Amount = total
		h.CurrentPrice = price
		h.HoldDays = 0
		h.BuyDate = date
		h.ExitPlan = plan
		if h.AvgPrice > 0 {
			h.ProfitPct = (price - h.AvgPrice) / h.AvgPrice * 100
		}
		return
	}
	p.Holdings[code] = &domain.Holding{
		StockCode:    code,
		StockName:    name,
		Amount:       shares,
		AvgPrice:     price,
		CurrentPrice: price,
		HoldDays:     0,
		BuyDate:      date,
		ExitPlan:     plan,
	}
}

// applySell removes the position and credits the net proceeds. Returns the
// realized profit against the pooled cost and its percentage.
func (p *Portfolio) applySell(code string, price float64) (profit, profitPct float64) {
	h, ok := p.Holdings[code]
	if !ok {
		return 0, 0
	}
	gross := float64(h.Amount) * price
	commission, stamp := SellFees(gross)
	net := gross - commission - stamp
	costTotal := float64(h.Amount) * h.AvgPrice

	p.Cash += net
	delete(p.Holdings, code)

	profit = net - costTotal
	if costTotal > 0 {
		profitPct = profit / costTotal * 100
	}
	return profit, profitPct
}
