package market

import (
	"sort"

	talib "github.com/markcheno/go-talib"

	"github.com/lharena/arena/internal/domain"
)

const (
	historyKeep  = 60
	briefBars    = 30
	briefMinBars = 20
)

type closePoint struct {
	date  string
	close float64
}

// recordHistoryLocked feeds one close into the per-code history, kept sorted
// by date and capped at historyKeep entries. Caller holds p.mu.
func (p *Provider) recordHistoryLocked(code, date string, close float64) {
	if close <= 0 {
		return
	}
	points := p.history[code]
	i := sort.Search(len(points), func(i int) bool { return points[i].date >= date })
	if i < len(points) && points[i].date == date {
		points[i].close = close
		p.history[code] = points
		return
	}
	points = append(points, closePoint{})
	copy(points[i+1:], points[i:])
	points[i] = closePoint{date: date, close: close}
	if len(points) > historyKeep {
		points = points[len(points)-historyKeep:]
	}
	p.history[code] = points
}

func (p *Provider) closesUpTo(code, date string, n int) []float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	closes := make([]float64, 0, n)
	for _, pt := range p.history[code] {
		if pt.date <= date {
			closes = append(closes, pt.close)
		}
	}
	if len(closes) > n {
		closes = closes[len(closes)-n:]
	}
	return closes
}

// IndicatorBrief computes a compact technical summary from cached closes up
// to and including the given date. Returns nil when fewer than 20 bars are
// available, which is normal early in a run.
func (p *Provider) IndicatorBrief(code, date string) *domain.IndicatorBrief {
	code = NormalizeCode(code)
	closes := p.closesUpTo(code, date, briefBars)
	if len(closes) < briefMinBars {
		return nil
	}
	return &domain.IndicatorBrief{
		Code:  code,
		SMA5:  lastValue(talib.Sma(closes, 5)),
		SMA10: lastValue(talib.Sma(closes, 10)),
		EMA20: lastValue(talib.Ema(closes, 20)),
		RSI14: lastValue(talib.Rsi(closes, 14)),
	}
}

func lastValue(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}
