package agent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lharena/arena/internal/config"
	"github.com/lharena/arena/internal/database"
	"github.com/lharena/arena/internal/domain"
	"github.com/lharena/arena/internal/modules/ledger"
	"github.com/lharena/arena/internal/modules/llm"
	"github.com/lharena/arena/internal/modules/market"
	"github.com/lharena/arena/internal/modules/memory"
	"github.com/lharena/arena/internal/modules/session"
	"github.com/lharena/arena/internal/utils"
)

// Risk gates applied before and during buy execution.
const (
	cashReserveRatio  = 0.05 // of initial capital, must stay in cash
	buyableCashRatio  = 0.95 // of current cash, usable for one day's buys
	maxPositionRatio  = 0.40 // of total assets, per single position
	candidateBatches  = 5
	rotationMultiple  = 5 // candidates fetched per analyze slot
	defaultNewsLimit  = 5
	briefedCandidates = 5
)

// Reflection triggers beyond the fixed interval.
const (
	lossReflectPct     = -3.0
	drawdownReflectPct = 5.0
)

// Deps bundles the shared services and repositories an agent works through.
// ArenaDB is the raw connection the rollback transaction runs on.
type Deps struct {
	ArenaDB     *sql.DB
	Invoker     *llm.Invoker
	Market      *market.Provider
	News        domain.NewsSource
	Trades      *ledger.TradeRepository
	DailyAssets *ledger.DailyAssetRepository
	Holdings    *ledger.HoldingRepository
	Reflections *memory.ReflectionRepository
	AILogs      *session.AILogRepository
	ModelState  *session.ModelStateRepository
}

// Agent drives one competing model through trading days. All mutation of the
// book happens on the caller's goroutine; the arena runs each agent's day on
// its own goroutine but never shares an Agent between two.
type Agent struct {
	model     config.ModelConfig
	cfg       config.TradingConfig
	sessionID string
	rotation  int

	deps Deps
	book *Portfolio

	shouldStop func() bool
	onLog      func(domain.AILog)
	log        zerolog.Logger
}

// New creates an agent with a fresh all-cash book. Call LoadState to resume
// a persisted one.
func New(model config.ModelConfig, rotation int, sessionID string, cfg config.TradingConfig, deps Deps, log zerolog.Logger) *Agent {
	return &Agent{
		model:     model,
		cfg:       cfg,
		sessionID: sessionID,
		rotation:  rotation,
		deps:      deps,
		book:      NewPortfolio(cfg.InitialCapital),
		log:       log.With().Str("component", "agent").Str("model", model.Name).Logger(),
	}
}

// Name returns the model's display name.
func (a *Agent) Name() string { return a.model.Name }

// Portfolio exposes the agent's book for ranking and the read API.
func (a *Agent) Portfolio() *Portfolio { return a.book }

// SetCallbacks wires the UI log feed and the cooperative stop check.
func (a *Agent) SetCallbacks(onLog func(domain.AILog), shouldStop func() bool) {
	a.onLog = onLog
	a.shouldStop = shouldStop
}

func (a *Agent) stopRequested() bool {
	return a.shouldStop != nil && a.shouldStop()
}

// dayState accumulates one trading day's intermediate results as it flows
// through the pipeline nodes. Fills stay buffered here until record_daily
// commits them; committed flips once the day's rows are durable.
type dayState struct {
	date          string
	ranking       *RankingContext
	indexData     map[string]*domain.Quote
	candidates    []domain.Candidate
	hotCodes      []string
	hotSectors    []string
	sellDecisions []Decision
	buyDecisions  []Decision
	fills         []domain.Trade
	committed     bool
}

// RunDay executes the trading day pipeline for one date. The book is
// snapshotted first; any node failure restores it and persists nothing of
// the day. Fills execute against the in-memory book only and reach the
// database in record_daily, in one transaction with the curve point and
// holdings snapshot, so a failed day never leaves partial rows behind.
func (a *Agent) RunDay(ctx context.Context, date string, ranking *RankingContext) error {
	if a.stopRequested() {
		return nil
	}
	date, err := utils.NormalizeDate(date)
	if err != nil {
		return fmt.Errorf("agent %s: %w", a.model.Name, err)
	}

	snapshot := a.book.Clone()
	day := &dayState{date: date, ranking: ranking}

	nodes := []struct {
		name string
		fn   func(context.Context, *dayState) error
	}{
		{"update_prices", a.updatePrices},
		{"evaluate_holdings", a.evaluateHoldings},
		{"execute_sells", a.executeSells},
		{"find_candidates", a.findCandidates},
		{"analyze_candidates", a.analyzeCandidates},
		{"execute_buys", a.executeBuys},
		{"record_daily", a.recordDaily},
		{"reflect", a.reflect},
	}
	for _, node := range nodes {
		// Once the day is committed it is durably complete; restoring the
		// book past a commit would desync it from the trade log.
		if err := ctx.Err(); err != nil {
			if day.committed {
				return nil
			}
			a.book.Restore(snapshot)
			return fmt.Errorf("agent %s: day %s: %w", a.model.Name, date, err)
		}
		if a.stopRequested() {
			if !day.committed {
				a.book.Restore(snapshot)
			}
			return nil
		}
		if err := node.fn(ctx, day); err != nil {
			a.book.Restore(snapshot)
			a.emit(domain.LogTypeError, fmt.Sprintf("❌ %s 执行失败: %v", date, err))
			return fmt.Errorf("agent %s: day %s node %s: %w", a.model.Name, date, node.name, err)
		}
	}
	return nil
}

// updatePrices marks every open position to the day's close and captures the
// benchmark index bars every later prompt embeds. Suspended or missing bars
// keep the previous price; the holding clock advances either way, so T+1
// still releases the position.
func (a *Agent) updatePrices(ctx context.Context, day *dayState) error {
	a.emit(domain.LogTypeInfo, fmt.Sprintf("📊 更新持仓价格 (%s)", day.date))

	day.indexData = a.deps.Market.IndexSnapshot(ctx, day.date)
	if sh := day.indexData["sh.000001"]; sh != nil {
		a.emit(domain.LogTypeInfo, fmt.Sprintf("📊 大盘走势: 上证 %+.2f%%", sh.PctChg))
	}

	var stale []string
	for _, h := range a.book.HoldingsSorted() {
		held := a.book.Holdings[h.StockCode]
		quote, err := a.deps.Market.DailyQuote(ctx, h.StockCode, day.date)
		switch {
		case err != nil && !errors.Is(err, market.ErrNoData):
			return err
		case err != nil || quote == nil || quote.Close <= 0:
			stale = append(stale, h.StockCode)
		default:
			held.CurrentPrice = quote.Close
			if held.AvgPrice > 0 {
				held.ProfitPct = (quote.Close - held.AvgPrice) / held.AvgPrice * 100
			} else {
				// Zero cost means a damaged record; adopt the market price
				// so later math stays finite.
				held.AvgPrice = quote.Close
				held.ProfitPct = 0
			}
		}
		held.HoldDays++
		if held.StockName == "" {
			held.StockName = a.deps.Market.StockName(h.StockCode)
		}
	}
	if len(stale) > 0 {
		a.emit(domain.LogTypeInfo, fmt.Sprintf("⚠️ %d只股票价格未更新: %s", len(stale), strings.Join(stale, ", ")))
	}
	return nil
}

// evaluateHoldings decides what to sell. Hard stop-loss and stop-profit
// rules fire without consulting the model; otherwise the model reviews the
// book. A model call that fails after retries degrades to "hold everything".
func (a *Agent) evaluateHoldings(ctx context.Context, day *dayState) error {
	day.sellDecisions = nil
	if len(a.book.Holdings) == 0 {
		return nil
	}

	stopLoss := a.cfg.StopLossPct * 100
	stopProfit := a.cfg.StopProfitPct * 100
	var forced []Decision
	for _, h := range a.book.HoldingsSorted() {
		switch {
		case h.ProfitPct <= -stopLoss:
			forced = append(forced, Decision{
				Code:   h.StockCode,
				Action: domain.ActionSell,
				Amount: h.Amount,
				Reason: fmt.Sprintf("🔴 系统强制止损（亏损%.1f%%≥%.0f%%）", -h.ProfitPct, stopLoss),
			})
			a.emit(domain.LogTypeDecision, fmt.Sprintf("🔴 强制止损: %s(%s) 亏损%.1f%%", h.StockName, h.StockCode, -h.ProfitPct))
		case h.ProfitPct >= stopProfit:
			forced = append(forced, Decision{
				Code:   h.StockCode,
				Action: domain.ActionSell,
				Amount: h.Amount,
				Reason: fmt.Sprintf("🟢 系统强制止盈（盈利%.1f%%≥%.0f%%）", h.ProfitPct, stopProfit),
			})
			a.emit(domain.LogTypeDecision, fmt.Sprintf("🟢 强制止盈: %s(%s) 盈利%.1f%%", h.StockName, h.StockCode, h.ProfitPct))
		}
	}
	if len(forced) > 0 {
		day.sellDecisions = forced
		return nil
	}

	a.emit(domain.LogTypeInfo, "🤖 评估持仓...")
	prompt := buildSellPrompt(promptContext{
		date:       day.date,
		modelName:  a.model.Name,
		portfolio:  a.book,
		indexData:  day.indexData,
		newsText:   a.holdingsNews(ctx, day.date),
		ranking:    day.ranking,
		principles: a.activePrinciples(),
	})

	raw, err := a.deps.Invoker.InvokeArray(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.emit(domain.LogTypeError, fmt.Sprintf("❌ 评估持仓失败: %v", err))
		return nil
	}
	day.sellDecisions = CoerceSellDecisions(raw, a.book.Holdings)
	for _, dec := range day.sellDecisions {
		a.emit(domain.LogTypeDecision, fmt.Sprintf("📤 %s: sell (置信度: %.2f) - %s", dec.Code, dec.Confidence, truncate(dec.Reason, 50)))
	}
	return nil
}

// executeSells fills the day's sell decisions at the close, enforcing T+1.
func (a *Agent) executeSells(ctx context.Context, day *dayState) error {
	for _, dec := range day.sellDecisions {
		held, ok := a.book.Holdings[dec.Code]
		if !ok {
			continue
		}
		if held.HoldDays == 0 {
			a.emit(domain.LogTypeInfo, fmt.Sprintf("⚠️ %s T+1限制，明天才能卖", dec.Code))
			continue
		}

		shares := held.Amount
		price := held.CurrentPrice
		name := held.StockName
		gross := float64(shares) * price
		commission, stamp := SellFees(gross)

		profit, profitPct := a.book.applySell(dec.Code, price)

		trade := domain.Trade{
			OrderID:    uuid.NewString(),
			SessionID:  a.sessionID,
			ModelName:  a.model.Name,
			TradeDate:  day.date,
			Time:       clockNow(),
			StockCode:  dec.Code,
			StockName:  name,
			Action:     domain.ActionSell,
			Price:      price,
			Volume:     shares,
			Amount:     gross,
			Commission: commission + stamp,
			Profit:     profit,
			ProfitPct:  profitPct,
			Reason:     dec.Reason,
		}
		a.book.TradeHistory = append(a.book.TradeHistory, trade)
		day.fills = append(day.fills, trade)

		emoji := "🟢"
		if profit < 0 {
			emoji = "🔴"
		}
		a.emit(domain.LogTypeTrade, fmt.Sprintf("%s 卖出: %s, %d股 @ %.2f元, 利润: %+.2f元 (%+.2f%%)", emoji, dec.Code, shares, price, profit, profitPct))
		if dec.Reason != "" {
			a.emit(domain.LogTypeThinking, "💭 "+dec.Reason)
		}
	}
	return nil
}

// findCandidates assembles the day's analyzable batch from the shared pool,
// rotated per model so competitors see different slices of the universe.
func (a *Agent) findCandidates(ctx context.Context, day *dayState) error {
	day.candidates = nil
	if a.book.Cash < a.cfg.MinCashToBuy {
		a.emit(domain.LogTypeInfo, fmt.Sprintf("⚠️ 现金不足%.0f元，跳过选股（当前: %.2f元）", a.cfg.MinCashToBuy, a.book.Cash))
		return nil
	}

	a.emit(domain.LogTypeInfo, "🔍 查找候选股票...")
	pool, err := a.deps.Market.CandidatePool(ctx, day.date)
	if err != nil {
		return err
	}
	day.hotCodes = pool.HotCodes
	day.hotSectors = pool.HotSectors

	analyzeCount := a.cfg.AnalyzeStockCount
	if analyzeCount <= 0 {
		analyzeCount = 5
	}
	candidates, err := a.deps.Market.Candidates(ctx, day.date, a.cfg.MaxPrice, analyzeCount*rotationMultiple)
	if err != nil {
		return err
	}

	// Rotate the batch by date and model so the same day reads differently
	// to each competitor, and the same competitor rotates across days.
	batch := (utils.DateAsInt(day.date) + a.rotation) % candidateBatches
	start := batch * analyzeCount
	if start >= len(candidates) {
		batch, start = 0, 0
	}
	end := start + analyzeCount
	if end > len(candidates) {
		end = len(candidates)
	}
	day.candidates = candidates[start:end]
	a.emit(domain.LogTypeInfo, fmt.Sprintf("找到 %d 只候选股票 - 批次%d", len(day.candidates), batch+1))
	return nil
}

// analyzeCandidates asks the model for buy decisions over the batch.
func (a *Agent) analyzeCandidates(ctx context.Context, day *dayState) error {
	day.buyDecisions = nil
	if len(day.candidates) == 0 {
		return nil
	}
	a.emit(domain.LogTypeInfo, "🤖 AI分析候选股票...")

	briefs := make(map[string]*domain.IndicatorBrief, briefedCandidates)
	for i, c := range day.candidates {
		if i >= briefedCandidates {
			break
		}
		if brief := a.deps.Market.IndicatorBrief(c.Code, day.date); brief != nil {
			briefs[c.Code] = brief
		}
	}

	prompt := buildBuyPrompt(promptContext{
		date:       day.date,
		modelName:  a.model.Name,
		portfolio:  a.book,
		indexData:  day.indexData,
		newsText:   a.marketNews(ctx, day.date),
		ranking:    day.ranking,
		principles: a.activePrinciples(),
	}, day.candidates, briefs, a.cfg.AIConfidenceThreshold)

	raw, err := a.deps.Invoker.InvokeArray(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.emit(domain.LogTypeError, fmt.Sprintf("❌ 分析候选股票失败: %v", err))
		return nil
	}
	day.buyDecisions = CoerceBuyDecisions(raw, a.cfg.AIConfidenceThreshold)
	if len(day.buyDecisions) == 0 {
		a.emit(domain.LogTypeInfo, fmt.Sprintf("⚠️ 未找到符合置信度阈值(%.2f)的买入建议", a.cfg.AIConfidenceThreshold))
		return nil
	}
	for _, dec := range day.buyDecisions {
		a.emit(domain.LogTypeDecision, fmt.Sprintf("📥 %s: 买入%d股 (置信度: %.2f) - %s", dec.Code, dec.Amount, dec.Confidence, truncate(dec.Reason, 50)))
	}
	return nil
}

// executeBuys fills buy decisions at the close under the hard risk gates:
// position count cap, cash reserve floor, per-day buyable cash ceiling and
// the single-position share of total assets.
func (a *Agent) executeBuys(ctx context.Context, day *dayState) error {
	decisions := day.buyDecisions
	if len(decisions) == 0 {
		a.emit(domain.LogTypeThinking, "💭 今日观望 - 市场没有符合我标准的机会，保持耐心等待更好的入场点。")
		return nil
	}
	if len(a.book.Holdings) >= a.cfg.MaxHoldings {
		a.emit(domain.LogTypeInfo, fmt.Sprintf("⚠️ 风控拒绝：持仓已达%d只上限，禁止买入", a.cfg.MaxHoldings))
		return nil
	}
	if a.book.Cash < a.book.InitialCapital*cashReserveRatio {
		a.emit(domain.LogTypeInfo, "⚠️ 风控拒绝：现金低于5%安全线，禁止买入")
		return nil
	}

	var bought int
	for _, dec := range decisions {
		if len(a.book.Holdings) >= a.cfg.MaxHoldings {
			break
		}
		price, err := a.deps.Market.ClosePrice(ctx, dec.Code, day.date)
		if errors.Is(err, market.ErrNoData) {
			continue
		}
		if err != nil {
			return err
		}
		if price <= 0 {
			continue
		}

		affordable := NormalizeLots(int(a.book.Cash * buyableCashRatio / price))
		shares := dec.Amount
		if shares <= 0 || shares > affordable {
			shares = affordable
		}
		if shares < lotSize {
			a.emit(domain.LogTypeInfo, fmt.Sprintf("⚠️ 资金不足买入%s", dec.Code))
			continue
		}

		gross := float64(shares) * price
		commission := BuyCommission(gross)
		if gross+commission > a.book.Cash {
			continue
		}
		if maxPosition := a.book.TotalAssets() * maxPositionRatio; gross > maxPosition {
			a.emit(domain.LogTypeInfo, fmt.Sprintf("⚠️ 风控拒绝：%s仓位%.0f元超过40%%上限(%.0f元)", dec.Code, gross, maxPosition))
			continue
		}

		name := a.deps.Market.StockName(dec.Code)
		cashBefore := a.book.Cash
		assetsBefore := a.book.TotalAssets()
		a.book.applyBuy(dec.Code, name, day.date, shares, price, dec.ExitPlan)

		trade := domain.Trade{
			OrderID:      uuid.NewString(),
			SessionID:    a.sessionID,
			ModelName:    a.model.Name,
			TradeDate:    day.date,
			Time:         clockNow(),
			StockCode:    dec.Code,
			StockName:    name,
			Action:       domain.ActionBuy,
			Price:        price,
			Volume:       shares,
			Amount:       gross,
			Commission:   commission,
			Reason:       dec.Reason,
			ExitPlan:     dec.ExitPlan,
			CashBefore:   cashBefore,
			AssetsBefore: assetsBefore,
		}
		a.book.TradeHistory = append(a.book.TradeHistory, trade)
		day.fills = append(day.fills, trade)
		bought++

		a.emit(domain.LogTypeTrade, fmt.Sprintf("✅ 买入: %s, %d股 @ %.2f元, 成本: %.2f元", dec.Code, shares, price, gross+commission))
		if dec.Reason != "" {
			a.emit(domain.LogTypeThinking, "💭 "+dec.Reason)
		}
	}

	if bought == 0 {
		a.emit(domain.LogTypeThinking, "💭 今日观望 - 虽然有些机会，但资金和仓位限制让我选择暂时不入场。")
	}
	return nil
}

// recordDaily closes the day's books in one transaction: the buffered fills,
// the equity point, the rewritten holdings table and the summary row commit
// together or not at all.
func (a *Agent) recordDaily(_ context.Context, day *dayState) error {
	point := domain.DailyAssetPoint{
		SessionID: a.sessionID,
		ModelName: a.model.Name,
		TradeDate: day.date,
		Assets:    a.book.TotalAssets(),
	}

	err := database.WithTransaction(a.deps.ArenaDB, func(tx *sql.Tx) error {
		for _, fill := range day.fills {
			if err := a.deps.Trades.AppendInTx(tx, fill); err != nil {
				return err
			}
		}
		if err := a.deps.DailyAssets.SaveInTx(tx, point); err != nil {
			return err
		}
		if err := a.deps.Holdings.ReplaceInTx(tx, a.sessionID, a.model.Name, a.book.HoldingsSorted()); err != nil {
			return err
		}
		return a.deps.ModelState.UpsertInTx(tx, session.ModelState{
			SessionID:   a.sessionID,
			ModelName:   a.model.Name,
			Cash:        a.book.Cash,
			TotalAssets: point.Assets,
			ProfitPct:   a.book.ProfitPct(),
		})
	})
	if err != nil {
		return err
	}

	a.book.DailyAssets = append(a.book.DailyAssets, point)
	day.committed = true
	return nil
}

// reflect runs the self-review when a trigger fires: the fixed interval,
// a loss beyond the threshold, or a drawdown from the equity peak. Failure
// to reflect never fails the day.
func (a *Agent) reflect(ctx context.Context, day *dayState) error {
	if !a.cfg.EnableReflection {
		return nil
	}
	interval := a.cfg.ReflectionInterval
	if interval <= 0 {
		interval = 5
	}

	var reason string
	switch {
	case a.book.ProfitPct() < lossReflectPct:
		reason = fmt.Sprintf("⚠️ 亏损%.1f%%，紧急反思", -a.book.ProfitPct())
	case a.book.DrawdownPct() > drawdownReflectPct:
		reason = fmt.Sprintf("⚠️ 回撤%.1f%%，紧急反思", a.book.DrawdownPct())
	case len(a.book.DailyAssets) > 0 && len(a.book.DailyAssets)%interval == 0:
		reason = "定期反思"
	default:
		return nil
	}
	a.emit(domain.LogTypeInfo, "💭 "+reason+"...")

	prompt := buildReflectionPrompt(promptContext{
		date:       day.date,
		modelName:  a.model.Name,
		portfolio:  a.book,
		principles: a.activePrinciples(),
	})
	text, err := a.deps.Invoker.Invoke(ctx, prompt)
	if err != nil {
		// The day is already committed; a lost reflection, even to
		// cancellation, never fails it.
		a.emit(domain.LogTypeError, fmt.Sprintf("❌ 反思失败: %v", err))
		return nil
	}

	data := llm.ExtractJSONObject(text)
	if data == nil {
		a.emit(domain.LogTypeThinking, truncate(text, 300))
		return nil
	}
	reflection := parseReflection(data, a.sessionID, a.model.Name, day.date)
	if err := a.deps.Reflections.Save(reflection); err != nil {
		a.emit(domain.LogTypeError, fmt.Sprintf("⚠️ 保存经验失败: %v", err))
		return nil
	}
	if n := len(reflection.Principles); n > 0 {
		a.emit(domain.LogTypeInfo, fmt.Sprintf("✅ 更新了 %d 条交易原则", n))
	}
	a.emit(domain.LogTypeThinking, reflectionSummary(reflection))
	return nil
}

// RecordFailedDay appends a continuity point carrying the restored book's
// assets so every competitor's curve stays the same length after a failed
// day. The database insert is idempotent against a point the failed day
// already persisted.
func (a *Agent) RecordFailedDay(date string) error {
	date, err := utils.NormalizeDate(date)
	if err != nil {
		return fmt.Errorf("agent %s: %w", a.model.Name, err)
	}
	point := domain.DailyAssetPoint{
		SessionID: a.sessionID,
		ModelName: a.model.Name,
		TradeDate: date,
		Assets:    a.book.TotalAssets(),
	}

	replaced := false
	for i := range a.book.DailyAssets {
		if a.book.DailyAssets[i].TradeDate == date {
			a.book.DailyAssets[i] = point
			replaced = true
			break
		}
	}
	if !replaced {
		a.book.DailyAssets = append(a.book.DailyAssets, point)
	}

	if err := a.deps.DailyAssets.Save(point); err != nil {
		return err
	}
	return a.deps.ModelState.Upsert(a.summaryState())
}

// LoadState rebuilds the in-memory book from the persisted ledger: the full
// trade history, the equity curve, the holdings table, and cash replayed
// from the fills.
func (a *Agent) LoadState() error {
	trades, err := a.deps.Trades.ListByModel(a.sessionID, a.model.Name)
	if err != nil {
		return fmt.Errorf("agent %s: load trades: %w", a.model.Name, err)
	}
	curve, err := a.deps.DailyAssets.Curve(a.sessionID, a.model.Name)
	if err != nil {
		return fmt.Errorf("agent %s: load equity curve: %w", a.model.Name, err)
	}
	held, err := a.deps.Holdings.ListByModel(a.sessionID, a.model.Name)
	if err != nil {
		return fmt.Errorf("agent %s: load holdings: %w", a.model.Name, err)
	}

	book := NewPortfolio(a.cfg.InitialCapital)
	book.TradeHistory = trades
	book.DailyAssets = curve
	for _, h := range held {
		position := h
		book.Holdings[h.StockCode] = &position
	}
	book.Cash = replayCash(a.cfg.InitialCapital, trades)
	a.book = book

	a.log.Info().
		Int("trades", len(trades)).
		Int("days", len(curve)).
		Int("holdings", len(held)).
		Float64("cash", book.Cash).
		Msg("Agent state loaded")
	return nil
}

// replayCash folds the fill history into a cash balance. Sell commission
// rows already include stamp tax.
func replayCash(initial float64, trades []domain.Trade) float64 {
	cash := initial
	for _, t := range trades {
		switch t.Action {
		case domain.ActionBuy:
			cash -= t.Amount + t.Commission
		case domain.ActionSell:
			cash += t.Amount - t.Commission
		}
	}
	return cash
}

// holdingsNews collects recent headlines for the held codes.
func (a *Agent) holdingsNews(ctx context.Context, date string) string {
	if a.deps.News == nil {
		return ""
	}
	var b strings.Builder
	for _, h := range a.book.HoldingsSorted() {
		items, err := a.deps.News.StockNews(ctx, h.StockCode, date, 2)
		if err != nil || len(items) == 0 {
			continue
		}
		for _, item := range items {
			fmt.Fprintf(&b, "- [%s] %s\n", h.StockCode, item.Title)
		}
	}
	return b.String()
}

// marketNews collects the day's top headlines.
func (a *Agent) marketNews(ctx context.Context, date string) string {
	if a.deps.News == nil {
		return ""
	}
	items, err := a.deps.News.MarketNews(ctx, date, defaultNewsLimit)
	if err != nil || len(items) == 0 {
		return ""
	}
	var b strings.Builder
	for _, item := range items {
		b.WriteString("- " + item.Title + "\n")
	}
	return b.String()
}

func (a *Agent) activePrinciples() []string {
	principles, err := a.deps.Reflections.ActivePrinciples(a.sessionID, a.model.Name)
	if err != nil {
		a.log.Warn().Err(err).Msg("Failed to load active principles")
		return nil
	}
	return principles
}

// emit records one activity-feed entry: persisted best-effort and forwarded
// to the live feed when wired.
func (a *Agent) emit(logType, message string) {
	entry := domain.AILog{
		SessionID: a.sessionID,
		ModelName: a.model.Name,
		Timestamp: time.Now().Format(time.RFC3339),
		Message:   message,
		LogType:   logType,
	}
	if err := a.deps.AILogs.Append(entry); err != nil {
		a.log.Warn().Err(err).Msg("Failed to persist AI log")
	}
	if a.onLog != nil {
		a.onLog(entry)
	}
}

// parseReflection maps the model's reflection JSON onto the domain record.
func parseReflection(data map[string]any, sessionID, modelName, date string) domain.Reflection {
	return domain.Reflection{
		SessionID:      sessionID,
		ModelName:      modelName,
		ReflectionDate: date,
		CashReflection: asString(data["cash_reflection"]),
		TimingView:     asString(data["timing_reflection"]),
		DecisionView:   asString(data["decision_reflection"]),
		SelfAwareness:  asString(data["self_awareness"]),
		Strengths:      asStringSlice(data["my_strengths"]),
		Weaknesses:     asStringSlice(data["my_weaknesses"]),
		Principles:     asStringSlice(data["trading_principles"]),
		AdjustmentPlan: asAdjustmentPlan(data["adjustment_plan"]),
	}
}

func asStringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := asString(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// asAdjustmentPlan flattens the plan whether the model answered with a
// string or the nested object the prompt suggests.
func asAdjustmentPlan(v any) string {
	if s := asString(v); s != "" {
		return s
	}
	nested, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	var parts []string
	for _, key := range []string{"what_to_focus", "what_to_change", "risk_preference"} {
		if s := asString(nested[key]); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "；")
}

func reflectionSummary(r domain.Reflection) string {
	var b strings.Builder
	b.WriteString("【反思总结】\n")
	if r.CashReflection != "" {
		b.WriteString("现金管理: " + truncate(r.CashReflection, 80) + "\n")
	}
	if r.TimingView != "" {
		b.WriteString("持仓时间: " + truncate(r.TimingView, 80) + "\n")
	}
	if r.DecisionView != "" {
		b.WriteString("决策习惯: " + truncate(r.DecisionView, 80) + "\n")
	}
	if len(r.Strengths) > 0 {
		b.WriteString("优势: " + truncate(r.Strengths[0], 60) + "\n")
	}
	if len(r.Weaknesses) > 0 {
		b.WriteString("问题: " + truncate(r.Weaknesses[0], 60) + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}

func clockNow() string {
	return time.Now().Format("15:04:05")
}
