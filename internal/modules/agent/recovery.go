package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lharena/arena/internal/database"
	"github.com/lharena/arena/internal/domain"
	"github.com/lharena/arena/internal/modules/market"
	"github.com/lharena/arena/internal/modules/session"
	"github.com/lharena/arena/internal/utils"
)

// Corruption thresholds for the persisted equity curve. A gap wider than
// maxGapDays calendar days means trading days went unrecorded; daily moves
// beyond the bands cannot come from a real tape with the fee schedule in
// force.
const (
	maxGapDays         = 3
	maxDailyChangePct  = 12.0
	perGapDayChangePct = 10.0
	assetMismatchRatio = 0.05
	assetMismatchFloor = 100.0
)

// DetectCorruption validates the loaded equity curve against the book.
// It returns the first corrupted date when the record cannot be trusted;
// that date is the rollback target.
func (a *Agent) DetectCorruption() (bool, string) {
	points := a.book.DailyAssets
	if len(points) == 0 {
		return false, ""
	}

	var prevDate string
	var prevAssets float64
	havePrev := false

	for _, pt := range points {
		date, err := utils.NormalizeDate(pt.TradeDate)
		if err != nil {
			a.log.Warn().Str("date", pt.TradeDate).Msg("Unparseable equity curve date")
			return true, firstCurveDate(points)
		}
		if pt.Assets < 0 {
			a.log.Warn().Str("date", date).Float64("assets", pt.Assets).Msg("Negative assets in equity curve")
			return true, date
		}

		if havePrev {
			cmp, err := utils.CompareDates(prevDate, date)
			if err != nil || cmp >= 0 {
				a.log.Warn().Str("prev", prevDate).Str("date", date).Msg("Equity curve dates out of order")
				return true, date
			}
			gapDays, err := utils.DaysBetween(prevDate, date)
			if err != nil {
				return true, date
			}
			if gapDays > maxGapDays {
				a.log.Warn().Str("prev", prevDate).Str("date", date).Int("gap_days", gapDays).Msg("Gap in equity curve")
				return true, date
			}
			if prevAssets > 0 {
				changePct := (pt.Assets - prevAssets) / prevAssets * 100
				if gapDays == 1 && (changePct < -maxDailyChangePct || changePct > maxDailyChangePct) {
					a.log.Warn().Str("date", date).Float64("change_pct", changePct).Msg("Implausible single-day asset change")
					return true, date
				}
				if gapDays > 1 {
					if limit := float64(gapDays) * perGapDayChangePct; changePct > limit || changePct < -limit {
						a.log.Warn().Str("date", date).Int("gap_days", gapDays).Float64("change_pct", changePct).Msg("Implausible multi-day asset change")
						return true, date
					}
				}
			}
		}
		prevDate, prevAssets, havePrev = date, pt.Assets, true
	}

	// The declared final equity must match what the book actually holds.
	last := points[len(points)-1]
	expected := a.book.Cash + a.book.HoldingsValue()
	if expected > assetMismatchFloor {
		if diff := last.Assets - expected; diff > expected*assetMismatchRatio || diff < -expected*assetMismatchRatio {
			a.log.Warn().
				Float64("declared", last.Assets).
				Float64("expected", expected).
				Msg("Equity curve disagrees with book")
			return true, last.TradeDate
		}
	}
	return false, ""
}

// FindFirstContinuousEnd walks the equity curve from the start and returns
// the last date of the initial continuous run, plus the date of the first
// break if one exists.
func (a *Agent) FindFirstContinuousEnd() (lastContinuous, firstGap string) {
	var prev string
	for _, pt := range a.book.DailyAssets {
		date, err := utils.NormalizeDate(pt.TradeDate)
		if err != nil {
			return prev, pt.TradeDate
		}
		if prev != "" {
			gapDays, err := utils.DaysBetween(prev, date)
			if err != nil || gapDays < 0 || gapDays > maxGapDays {
				return prev, date
			}
		}
		prev = date
	}
	return prev, ""
}

// RollbackToDate deletes everything recorded on or after target in one
// transaction, then rebuilds the in-memory book from the surviving prefix:
// holdings replayed from the fills, cash recomputed, positions repriced at
// the last surviving date. With no surviving prefix the book resets to
// initial capital.
func (a *Agent) RollbackToDate(ctx context.Context, target string) error {
	target, err := utils.NormalizeDate(target)
	if err != nil {
		return fmt.Errorf("agent %s: rollback: %w", a.model.Name, err)
	}
	a.log.Info().Str("target", target).Msg("Rolling back agent state")

	var survivingTrades []domain.Trade
	for _, t := range a.book.TradeHistory {
		if cmp, err := utils.CompareDates(t.TradeDate, target); err == nil && cmp < 0 {
			survivingTrades = append(survivingTrades, t)
		}
	}
	var survivingCurve []domain.DailyAssetPoint
	for _, pt := range a.book.DailyAssets {
		if cmp, err := utils.CompareDates(pt.TradeDate, target); err == nil && cmp < 0 {
			survivingCurve = append(survivingCurve, pt)
		}
	}

	var lastDate string
	if len(survivingCurve) > 0 {
		lastDate = survivingCurve[len(survivingCurve)-1].TradeDate
	}
	holdings := replayHoldings(survivingTrades, lastDate)
	a.repriceHoldings(ctx, holdings, lastDate)

	holdingRows := make([]domain.Holding, 0, len(holdings))
	for _, h := range holdings {
		holdingRows = append(holdingRows, *h)
	}

	err = database.WithTransaction(a.deps.ArenaDB, func(tx *sql.Tx) error {
		if err := a.deps.Trades.DeleteFrom(tx, a.sessionID, a.model.Name, target); err != nil {
			return err
		}
		if err := a.deps.DailyAssets.DeleteFrom(tx, a.sessionID, a.model.Name, target); err != nil {
			return err
		}
		if err := a.deps.Reflections.DeactivateFrom(tx, a.sessionID, a.model.Name, target); err != nil {
			return err
		}
		return a.deps.Holdings.ReplaceInTx(tx, a.sessionID, a.model.Name, holdingRows)
	})
	if err != nil {
		return fmt.Errorf("agent %s: rollback to %s: %w", a.model.Name, target, err)
	}

	book := NewPortfolio(a.cfg.InitialCapital)
	book.TradeHistory = survivingTrades
	book.DailyAssets = survivingCurve
	book.Holdings = holdings
	book.Cash = replayCash(a.cfg.InitialCapital, survivingTrades)
	a.book = book

	state := a.summaryState()
	if err := a.deps.ModelState.Upsert(state); err != nil {
		a.log.Warn().Err(err).Msg("Failed to refresh model state after rollback")
	}

	a.log.Info().
		Str("target", target).
		Str("last_date", lastDate).
		Int("trades", len(survivingTrades)).
		Int("days", len(survivingCurve)).
		Float64("cash", book.Cash).
		Msg("Rollback complete")
	return nil
}

// CheckAndRepair is the startup integrity pass: load the persisted state,
// and when the record is corrupted roll back to the first bad date. Returns
// the rollback target when a repair happened, empty otherwise.
func (a *Agent) CheckAndRepair(ctx context.Context) (string, error) {
	if err := a.LoadState(); err != nil {
		return "", err
	}
	corrupt, at := a.DetectCorruption()
	if !corrupt {
		return "", nil
	}

	target := at
	if _, firstGap := a.FindFirstContinuousEnd(); firstGap != "" {
		// A structural break earlier than the detected anomaly wins: data
		// after the break never had a trustworthy base.
		if cmp, err := utils.CompareDates(firstGap, target); err == nil && cmp < 0 {
			target = firstGap
		}
	}

	a.emit(domain.LogTypeError, fmt.Sprintf("⚠️ 检测到数据损坏，回滚到 %s 之前", target))
	if err := a.RollbackToDate(ctx, target); err != nil {
		return "", err
	}
	return target, nil
}

// Reset wipes every persisted row of this agent in the session and starts a
// fresh all-cash book. Last resort for when a rollback cannot produce a
// consistent prefix.
func (a *Agent) Reset(ctx context.Context) error {
	// All stored dates are YYYYMMDD, so this floor matches every row.
	const floorDate = "00000000"

	err := database.WithTransaction(a.deps.ArenaDB, func(tx *sql.Tx) error {
		if err := a.deps.Trades.DeleteFrom(tx, a.sessionID, a.model.Name, floorDate); err != nil {
			return err
		}
		if err := a.deps.DailyAssets.DeleteFrom(tx, a.sessionID, a.model.Name, floorDate); err != nil {
			return err
		}
		if err := a.deps.Reflections.DeactivateFrom(tx, a.sessionID, a.model.Name, floorDate); err != nil {
			return err
		}
		return a.deps.Holdings.ReplaceInTx(tx, a.sessionID, a.model.Name, nil)
	})
	if err != nil {
		return fmt.Errorf("agent %s: reset: %w", a.model.Name, err)
	}

	a.book = NewPortfolio(a.cfg.InitialCapital)
	if err := a.deps.ModelState.Upsert(a.summaryState()); err != nil {
		a.log.Warn().Err(err).Msg("Failed to refresh model state after reset")
	}
	a.log.Info().Msg("Agent state fully reset")
	return nil
}

// replayHoldings folds the surviving fills into open positions. Buys merge
// at pooled cost; sells reduce and close. Hold days are recalendared against
// asOf so T+1 keeps working after the rebuild.
func replayHoldings(trades []domain.Trade, asOf string) map[string]*domain.Holding {
	holdings := make(map[string]*domain.Holding)
	for _, t := range trades {
		switch t.Action {
		case domain.ActionBuy:
			if h, ok := holdings[t.StockCode]; ok {
				total := h.Amount + t.Volume
				h.AvgPrice = (float64(h.Amount)*h.AvgPrice + float64(t.Volume)*t.Price) / float64(total)
				h.Amount = total
				h.BuyDate = t.TradeDate
				h.ExitPlan = t.ExitPlan
			} else {
				holdings[t.StockCode] = &domain.Holding{
					StockCode:    t.StockCode,
					StockName:    t.StockName,
					Amount:       t.Volume,
					AvgPrice:     t.Price,
					CurrentPrice: t.Price,
					BuyDate:      t.TradeDate,
					ExitPlan:     t.ExitPlan,
				}
			}
		case domain.ActionSell:
			h, ok := holdings[t.StockCode]
			if !ok {
				continue
			}
			h.Amount -= t.Volume
			if h.Amount <= 0 {
				delete(holdings, t.StockCode)
			}
		}
	}
	if asOf != "" {
		for _, h := range holdings {
			if days := daysBetweenOrZero(h.BuyDate, asOf); days > 0 {
				h.HoldDays = days
			}
		}
	}
	return holdings
}

// repriceHoldings marks rebuilt positions to the close of the last surviving
// date. Missing bars keep the cost price.
func (a *Agent) repriceHoldings(ctx context.Context, holdings map[string]*domain.Holding, date string) {
	if date == "" {
		return
	}
	for code, h := range holdings {
		price, err := a.deps.Market.ClosePrice(ctx, code, date)
		if err != nil {
			if !errors.Is(err, market.ErrNoData) {
				a.log.Warn().Err(err).Str("code", code).Str("date", date).Msg("Reprice failed, keeping cost price")
			}
			continue
		}
		h.CurrentPrice = price
		if h.AvgPrice > 0 {
			h.ProfitPct = (price - h.AvgPrice) / h.AvgPrice * 100
		}
	}
}

func (a *Agent) summaryState() session.ModelState {
	return session.ModelState{
		SessionID:   a.sessionID,
		ModelName:   a.model.Name,
		Cash:        a.book.Cash,
		TotalAssets: a.book.TotalAssets(),
		ProfitPct:   a.book.ProfitPct(),
	}
}

func firstCurveDate(points []domain.DailyAssetPoint) string {
	if len(points) == 0 {
		return ""
	}
	if date, err := utils.NormalizeDate(points[0].TradeDate); err == nil {
		return date
	}
	return points[0].TradeDate
}
