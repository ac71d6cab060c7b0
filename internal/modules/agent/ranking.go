package agent

// RankingEntry is one row of the live leaderboard as shown to an agent.
type RankingEntry struct {
	Rank        int     `json:"rank"`
	Name        string  `json:"name"`
	ProfitPct   float64 `json:"profit_pct"`
	TotalAssets float64 `json:"total_assets"`
	MaxDrawdown float64 `json:"max_drawdown"`
	WinRate     float64 `json:"win_rate"`
	Volatility  float64 `json:"volatility"`
	Medal       string  `json:"medal,omitempty"`
}

// RankingContext is the competitive framing injected into an agent's
// prompts: where it stands, who leads, and the stage-appropriate goal.
type RankingContext struct {
	CurrentDay  int            `json:"current_day"`
	TotalDays   int            `json:"total_days"`
	Stage       string         `json:"stage"`
	Comment     string         `json:"comment"`
	Goal        string         `json:"goal"`
	GapToLeader float64        `json:"gap_to_leader"`
	Leader      RankingEntry   `json:"leader"`
	YourRank    RankingEntry   `json:"your_rank"`
	Rankings    []RankingEntry `json:"rankings"`
}
