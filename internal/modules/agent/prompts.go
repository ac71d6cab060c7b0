package agent

import (
	"fmt"
	"strings"

	"github.com/lharena/arena/internal/domain"
	"github.com/lharena/arena/internal/utils"
)

// promptContext carries everything a day's prompts can draw on.
type promptContext struct {
	date       string
	modelName  string
	portfolio  *Portfolio
	indexData  map[string]*domain.Quote
	newsText   string
	ranking    *RankingContext
	principles []string
}

// buildSellPrompt asks the model to review its open positions against the
// stop discipline and answer with a JSON decision array.
func buildSellPrompt(pc promptContext) string {
	var b strings.Builder
	writeIdentity(&b, pc)
	writeAccount(&b, pc)

	b.WriteString("【当前持仓】（请注意每只股票的完整代码）\n")
	var mustSell, shouldSell []string
	for _, h := range pc.portfolio.HoldingsSorted() {
		signal := ""
		switch {
		case h.ProfitPct >= 15:
			signal = " 🔴【必须止盈】"
			mustSell = append(mustSell, fmt.Sprintf("%s（盈利%.1f%%）", h.StockCode, h.ProfitPct))
		case h.ProfitPct >= 12:
			signal = " 🟠【建议止盈】"
			shouldSell = append(shouldSell, fmt.Sprintf("%s（盈利%.1f%%）", h.StockCode, h.ProfitPct))
		case h.ProfitPct <= -5:
			signal = " 🔴【必须止损】"
			mustSell = append(mustSell, fmt.Sprintf("%s（亏损%.1f%%）", h.StockCode, -h.ProfitPct))
		case h.ProfitPct <= -3:
			signal = " 🟠【建议止损】"
			shouldSell = append(shouldSell, fmt.Sprintf("%s（亏损%.1f%%）", h.StockCode, -h.ProfitPct))
		case h.HoldDays >= 10 && h.ProfitPct < 5:
			signal = " 🟡【建议换股】"
			shouldSell = append(shouldSell, fmt.Sprintf("%s（持有%d天，表现平平）", h.StockCode, h.HoldDays))
		}
		fmt.Fprintf(&b, "%s %s: %d股, 成本%.2f元, 现价%.2f元, %s%.1f%%, 持有%d天%s\n",
			h.StockCode, h.StockName, h.Amount, h.AvgPrice, h.CurrentPrice,
			profitWord(h.ProfitPct), abs(h.ProfitPct), h.HoldDays, signal)
		writeExitPlan(&b, h.ExitPlan)
	}

	if len(mustSell) > 0 {
		b.WriteString("\n⚠️ 【强制卖出警告】以下股票已触发止盈/止损线，必须卖出：\n")
		for _, s := range mustSell {
			b.WriteString("- " + s + "\n")
		}
	}
	if len(shouldSell) > 0 {
		b.WriteString("\n💡 【卖出建议】以下股票建议卖出：\n")
		for _, s := range shouldSell {
			b.WriteString("- " + s + "\n")
		}
	}
	if pc.portfolio.Cash < 1000 {
		fmt.Fprintf(&b, "\n⚠️ 【现金预警】当前可用资金仅%.0f元，已低于安全线！建议卖出部分盈利股票补充现金。\n", pc.portfolio.Cash)
	}

	writeNews(&b, pc.newsText)
	writePrinciples(&b, pc.principles)

	b.WriteString(`
【你的任务】
分析当前持仓，严格执行止盈止损纪律。

【⚠️ 强制执行规则】
1. 🔴 盈利≥15%：必须全部卖出止盈（锁定利润）
2. 🔴 亏损≥5%：必须全部卖出止损（避免更大损失）
3. 🟠 盈利12-15%：强烈建议卖出至少一半
4. 🟠 亏损3-5%：强烈建议止损
5. 🟡 持有≥10天且收益<5%：考虑换股

【决策原则】
- 纪律第一：严格执行止盈止损，不能有侥幸心理
- 保护本金：小亏就跑，避免深套
- 落袋为安：盈利到手才算赚，不要幻想更高涨幅

【输出格式】
如果决定卖出，请返回JSON数组：
[
    {
        "stock_code": "sh.600000",
        "amount": 200,
        "reason": "触发15%止盈线，严格执行纪律卖出"
    }
]

如果继续持有，返回空数组: []

请开始你的分析和决策。记住：执行纪律比预测涨跌更重要！
`)
	return b.String()
}

// buildBuyPrompt presents the day's candidate batch, with indicator briefs
// for the leading few, and asks for buy decisions above the confidence
// threshold.
func buildBuyPrompt(pc promptContext, candidates []domain.Candidate, briefs map[string]*domain.IndicatorBrief, threshold float64) string {
	var b strings.Builder
	writeIdentity(&b, pc)
	writeAccount(&b, pc)

	b.WriteString("【当前持仓】\n")
	if len(pc.portfolio.Holdings) == 0 {
		b.WriteString("暂无持仓\n")
	} else {
		for _, h := range pc.portfolio.HoldingsSorted() {
			fmt.Fprintf(&b, "%s %s: %d股, 成本%.2f元, %+.1f%%\n",
				h.StockCode, h.StockName, h.Amount, h.AvgPrice, h.ProfitPct)
		}
	}

	b.WriteString("\n【今日候选股票】（系统已筛选的优质标的）\n")
	for _, c := range candidates {
		fmt.Fprintf(&b, "%s %s: 价格%.2f元, 涨跌%+.2f%%, PE%.1f, 换手%.2f%%",
			c.Code, c.Name, c.Close, c.PctChg, c.PETTM, c.TurnoverRate)
		if brief := briefs[c.Code]; brief != nil {
			fmt.Fprintf(&b, " | MA5 %.2f, MA10 %.2f, EMA20 %.2f, RSI14 %.1f",
				brief.SMA5, brief.SMA10, brief.EMA20, brief.RSI14)
		}
		b.WriteString("\n")
	}

	writeNews(&b, pc.newsText)
	writePrinciples(&b, pc.principles)

	minInvest := int(pc.portfolio.InitialCapital * 0.1)
	maxInvest := int(pc.portfolio.InitialCapital * 0.3)
	fmt.Fprintf(&b, `
【你的任务】
分析候选股票，决定是否买入。

【决策建议】
- 思考每只股票的潜力和风险
- 考虑当前的资金状况和持仓情况
- 你可以买入1-3只股票，也可以选择观望
- **重要**：单只股票投资金额建议在%d-%d元之间
- **注意**：根据股价计算合理的股数（必须是100的整数倍）
- 置信度阈值为%.2f，低于该值的建议会被忽略

【输出格式】
如果决定买入，请返回JSON数组（suggested_amount是股数）：
[
    {
        "stock_code": "sz.000001",
        "suggested_amount": 200,
        "confidence": 0.75,
        "reason": "我的分析（用中文，第一人称）",
        "exit_plan": {
            "profit_target": "盈利12%%止盈",
            "stop_loss": "亏损5%%止损",
            "invalidation": "跌破5日均线离场",
            "expected_days": 5
        }
    }
]

如果今天不买入，返回空数组: []

请开始你的分析和决策。
`, minInvest, maxInvest, threshold)
	return b.String()
}

// buildReflectionPrompt turns the agent's own record into a structured
// self-review request. The JSON keys here are load-bearing: the answer is
// parsed straight into a Reflection.
func buildReflectionPrompt(pc promptContext) string {
	p := pc.portfolio
	winRate, sellCount := p.WinRate()

	var buys, sells int
	var successDays, failureDays, successCount, failureCount int
	var highCash, lowCash int
	for _, t := range p.TradeHistory {
		switch t.Action {
		case domain.ActionBuy:
			buys++
			if t.AssetsBefore > 0 {
				ratio := t.CashBefore / t.AssetsBefore
				if ratio > 0.3 {
					highCash++
				} else if ratio < 0.2 {
					lowCash++
				}
			}
		case domain.ActionSell:
			sells++
		}
	}
	holdDaysOf := buyDatesByCode(p.TradeHistory)
	for _, t := range p.TradeHistory {
		if t.Action != domain.ActionSell {
			continue
		}
		days := holdDaysOf(t)
		if t.Profit > 0 {
			successDays += days
			successCount++
		} else {
			failureDays += days
			failureCount++
		}
	}
	avgSuccess := avgDays(successDays, successCount)
	avgFailure := avgDays(failureDays, failureCount)

	var b strings.Builder
	fmt.Fprintf(&b, `【你的身份】
你是一名职业股票交易员（%s），管理着自己的真实交易账户，正在竞技场中与其他交易员竞争。

💰 【真实损益统计】
初始本金: ￥%.2f
当前资产: ￥%.2f
累计收益: %+.2f%%

【交易统计】
- 总交易次数：%d次 (买入%d次，卖出%d次)
- 胜率：%.1f%% (共%d笔卖出)
- 成功交易平均持有：%.1f天
- 失败交易平均持有：%.1f天
- 高现金比例(>30%%)买入：%d次，低现金比例(<20%%)买入：%d次

【最近交易记录】
`, pc.modelName, p.InitialCapital, p.TotalAssets(), p.ProfitPct(),
		buys+sells, buys, sells, winRate, sellCount, avgSuccess, avgFailure, highCash, lowCash)

	recent := p.TradeHistory
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	if len(recent) == 0 {
		b.WriteString("暂无交易记录\n")
	}
	for _, t := range recent {
		if t.Action == domain.ActionSell {
			fmt.Fprintf(&b, "- %s 卖出 %s %s%.0f元\n", t.TradeDate, t.StockName, profitWord(t.Profit), abs(t.Profit))
		} else {
			fmt.Fprintf(&b, "- %s 买入 %s %d股 @ %.2f元\n", t.TradeDate, t.StockName, t.Volume, t.Price)
		}
	}

	writePrinciples(&b, pc.principles)

	b.WriteString(`
【深度反思】请基于数据回答以下问题：

**1. 现金管理**：你当前现金比例是多少？什么样的现金比例对你来说是健康的？
**2. 持有时间**：成功和失败交易的平均持有天数说明了什么？你是否应该更快止盈或更快止损？
**3. 决策习惯**：你在什么情况下决策更准确？是否遵守了自己制定的退出计划？
**4. 自我认知**：你最擅长什么类型的交易？你的盲点在哪里？

【输出格式】
请以JSON格式返回：
{
    "cash_reflection": "关于现金管理的思考",
    "timing_reflection": "关于持有时间的思考",
    "decision_reflection": "关于决策习惯的思考",
    "self_awareness": "关于自我认知的总结",
    "my_strengths": ["我的优势1", "我的优势2"],
    "my_weaknesses": ["我的问题1", "我的问题2"],
    "trading_principles": [
        "我的交易原则1",
        "我的交易原则2"
    ],
    "adjustment_plan": "我的调整计划（关注点、决策习惯、风险偏好）"
}

**注意**：基于数据总结，不要空谈。你的交易原则将在后续决策中被加载，影响你的判断。
`)
	return b.String()
}

func writeIdentity(b *strings.Builder, pc promptContext) {
	fmt.Fprintf(b, "你是一名专业股票交易员（%s），正在管理一个%.0f万元的A股投资组合。\n\n今天是 %s\n\n",
		pc.modelName, pc.portfolio.InitialCapital/10000, pc.date)
	writeRanking(b, pc.ranking)
}

func writeAccount(b *strings.Builder, pc promptContext) {
	fmt.Fprintf(b, "【账户状态】\n可用资金: %.0f元\n总资产: %.0f元\n累计收益: %+.1f%%\n",
		pc.portfolio.Cash, pc.portfolio.TotalAssets(), pc.portfolio.ProfitPct())
	if len(pc.indexData) > 0 {
		var lines []string
		for _, name := range []struct{ code, label string }{
			{"sh.000001", "上证指数"},
			{"sz.399001", "深证成指"},
			{"sh.000300", "沪深300"},
			{"sz.399006", "创业板指"},
		} {
			if q := pc.indexData[name.code]; q != nil {
				lines = append(lines, fmt.Sprintf("%s %.2f (%+.2f%%)", name.label, q.Close, q.PctChg))
			}
		}
		if len(lines) > 0 {
			b.WriteString("大盘走势: " + strings.Join(lines, ", ") + "\n")
		}
	}
	b.WriteString("\n")
}

// writeRanking renders the live leaderboard header. Only the top four rows
// are shown; the reader's own row is always marked.
func writeRanking(b *strings.Builder, rc *RankingContext) {
	if rc == nil || len(rc.Rankings) == 0 {
		return
	}
	fmt.Fprintf(b, "🏆 竞技场 - Day %d/%d（%s）\n📊 实时排名：\n", rc.CurrentDay, rc.TotalDays, rc.Stage)
	for i, r := range rc.Rankings {
		if i >= 4 {
			break
		}
		indicator := ""
		isYou := r.Name == rc.YourRank.Name
		switch {
		case r.Rank == 1 && isYou:
			indicator = "👑 你是第一名！"
		case r.Rank == 1:
			indicator = "👑 当前第一名"
		case isYou:
			indicator = fmt.Sprintf("👈 你排第%d名", r.Rank)
		}
		fmt.Fprintf(b, "%s 第%d名: %s 收益率%+.2f%%  %s\n", r.Medal, r.Rank, r.Name, r.ProfitPct, indicator)
	}
	if rc.Comment != "" {
		b.WriteString(rc.Comment + "\n")
	}
	if rc.Goal != "" {
		b.WriteString("🎯 今日目标：" + rc.Goal + "\n")
	}
	if rc.YourRank.Rank > 1 {
		fmt.Fprintf(b, "与第一名差距：%.2f个百分点\n", rc.GapToLeader)
	}
	b.WriteString("\n")
}

func writeNews(b *strings.Builder, newsText string) {
	if newsText == "" {
		return
	}
	b.WriteString("\n【最新资讯】\n" + newsText + "\n")
}

func writePrinciples(b *strings.Builder, principles []string) {
	if len(principles) == 0 {
		return
	}
	b.WriteString("\n【我之前总结的交易原则】\n")
	for _, p := range principles {
		b.WriteString("- " + p + "\n")
	}
}

func writeExitPlan(b *strings.Builder, plan domain.ExitPlan) {
	if plan.Empty() {
		return
	}
	var parts []string
	if plan.ProfitTarget != "" {
		parts = append(parts, "止盈: "+plan.ProfitTarget)
	}
	if plan.StopLoss != "" {
		parts = append(parts, "止损: "+plan.StopLoss)
	}
	if plan.Invalidation != "" {
		parts = append(parts, "失效条件: "+plan.Invalidation)
	}
	if plan.ExpectedDays > 0 {
		parts = append(parts, fmt.Sprintf("预期持有%d天", plan.ExpectedDays))
	}
	if len(parts) > 0 {
		b.WriteString("  ↳ 买入时的退出计划 | " + strings.Join(parts, "，") + "\n")
	}
}

// buyDatesByCode tracks the most recent buy date per code so sell trades can
// be attributed a holding period even though the fill record has no explicit
// hold_days column.
func buyDatesByCode(trades []domain.Trade) func(domain.Trade) int {
	lastBuy := make(map[string]string)
	byID := make(map[int64]string)
	for _, t := range trades {
		if t.Action == domain.ActionBuy {
			lastBuy[t.StockCode] = t.TradeDate
		} else if buyDate, ok := lastBuy[t.StockCode]; ok {
			byID[t.ID] = buyDate
		}
	}
	return func(t domain.Trade) int {
		buyDate, ok := byID[t.ID]
		if !ok {
			return 0
		}
		days := daysBetweenOrZero(buyDate, t.TradeDate)
		if days < 0 {
			return 0
		}
		return days
	}
}

func daysBetweenOrZero(a, b string) int {
	days, err := utils.DaysBetween(a, b)
	if err != nil {
		return 0
	}
	return days
}

func avgDays(total, count int) float64 {
	if count == 0 {
		return 0
	}
	return float64(total) / float64(count)
}

func profitWord(v float64) string {
	if v >= 0 {
		return "盈利"
	}
	return "亏损"
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
