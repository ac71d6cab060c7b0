package arena

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/lharena/arena/internal/domain"
	"github.com/lharena/arena/internal/modules/agent"
)

// Competition stage boundaries as a fraction of elapsed days.
const (
	earlyStageEnd = 0.3
	midStageEnd   = 0.7
)

var rankingMedals = []string{"🥇", "🥈", "🥉"}

// refreshRankings recomputes the leaderboard from the agents' books and
// publishes it as the snapshot concurrent readers see. Only call at barrier
// boundaries, when no agent goroutine is mutating its book.
func (m *Manager) refreshRankings() []agent.RankingEntry {
	entries := make([]agent.RankingEntry, 0, len(m.entrants))
	for _, e := range m.entrants {
		book := e.Agent.Portfolio()
		winRate, _ := book.WinRate()
		entries = append(entries, agent.RankingEntry{
			Name:        e.Model.Name,
			ProfitPct:   book.ProfitPct(),
			TotalAssets: book.TotalAssets(),
			MaxDrawdown: book.MaxDrawdownPct(),
			WinRate:     winRate,
			Volatility:  returnVolatility(book.DailyAssets),
		})
	}

	// Profit decides, smaller drawdown breaks ties, roster order after that
	// (SliceStable preserves it).
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].ProfitPct != entries[j].ProfitPct {
			return entries[i].ProfitPct > entries[j].ProfitPct
		}
		return entries[i].MaxDrawdown < entries[j].MaxDrawdown
	})
	for i := range entries {
		entries[i].Rank = i + 1
		if i < len(rankingMedals) {
			entries[i].Medal = rankingMedals[i]
		}
	}

	m.mu.Lock()
	m.rankings = entries
	m.mu.Unlock()
	return entries
}

// CurrentRankings returns the leaderboard snapshot from the last barrier.
func (m *Manager) CurrentRankings() []agent.RankingEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]agent.RankingEntry(nil), m.rankings...)
}

// RankingContextFor builds the competitive framing injected into one agent's
// prompts: its standing, the leader, and stage-appropriate commentary.
func (m *Manager) RankingContextFor(name string, currentDay, totalDays int) *agent.RankingContext {
	rankings := m.CurrentRankings()
	if len(rankings) == 0 {
		return nil
	}

	var yours *agent.RankingEntry
	for i := range rankings {
		if rankings[i].Name == name {
			yours = &rankings[i]
			break
		}
	}
	if yours == nil {
		m.log.Warn().Str("model", name).Msg("Model missing from rankings")
		return nil
	}
	leader := rankings[0]

	progress := 0.0
	if totalDays > 0 {
		progress = float64(currentDay) / float64(totalDays)
	}
	var stage string
	switch {
	case progress < earlyStageEnd:
		stage = "🌅 前期（建仓期）：积极寻找优质标的，建立仓位"
	case progress < midStageEnd:
		stage = "🏃 中期（持仓期）：保持仓位，动态调整，抓住波段机会"
	default:
		stage = "🔥 冲刺期（决胜期）：最后冲刺，该冒险时就要冒险"
	}

	return &agent.RankingContext{
		CurrentDay:  currentDay,
		TotalDays:   totalDays,
		Stage:       stage,
		Comment:     rankComment(yours.Rank, yours.ProfitPct),
		Goal:        rankGoal(yours.Rank, leader.ProfitPct-yours.ProfitPct),
		GapToLeader: leader.ProfitPct - yours.ProfitPct,
		Leader:      leader,
		YourRank:    *yours,
		Rankings:    rankings,
	}
}

func rankComment(rank int, profitPct float64) string {
	switch {
	case rank == 1 && profitPct > 5:
		return "表现优异，继续保持优势"
	case rank == 1 && profitPct > 0:
		return "暂时领先，可进一步扩大差距"
	case rank == 1:
		return "排名第一但收益为负，建议调整策略改善收益率"
	case rank == 2:
		return "排名第二，有机会超越第一名"
	case rank == 3:
		return "中游水平，可寻找机会提升排名"
	default:
		return "排名较低，建议分析策略并寻找改进机会"
	}
}

func rankGoal(rank int, gapToLeader float64) string {
	switch rank {
	case 1:
		return "保持第一，争取今日收益+0.5%扩大优势"
	case 2:
		return fmt.Sprintf("追赶第一名，争取今日缩小差距至少%.2f%%", gapToLeader/3)
	case 3:
		return "冲击前二，建议今日进行盈利交易，目标+1%"
	default:
		return "提升排名，建议分析机会并进行合理交易"
	}
}

// returnVolatility is the standard deviation of daily simple returns over
// the equity curve, in percent.
func returnVolatility(points []domain.DailyAssetPoint) float64 {
	returns := make([]float64, 0, len(points))
	for i := 1; i < len(points); i++ {
		prev := points[i-1].Assets
		if prev <= 0 {
			continue
		}
		returns = append(returns, (points[i].Assets-prev)/prev)
	}
	if len(returns) < 2 {
		return 0
	}
	return stat.StdDev(returns, nil) * 100
}
