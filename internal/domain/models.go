// Package domain provides core domain models shared across arena modules.
package domain

import "time"

// SessionStatus represents the lifecycle state of a competition session
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionAborted   SessionStatus = "aborted"
)

// Session represents one competition run over a trading date range.
// Session IDs are derived from the creation timestamp (YYYYMMDD_HHMMSS),
// so they sort chronologically.
type Session struct {
	ID             string        `json:"session_id"`
	StartDate      string        `json:"start_date"`
	EndDate        string        `json:"end_date"`
	CurrentDate    string        `json:"current_date"`
	InitialCapital float64       `json:"initial_capital"`
	Status         SessionStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	Config         string        `json:"config,omitempty"` // JSON snapshot of run config
}

// TradeAction is the side of an executed trade
type TradeAction string

const (
	ActionBuy  TradeAction = "buy"
	ActionSell TradeAction = "sell"
)

// ExitPlan captures the conditions under which a position should be closed.
// Set at buy time from the model's decision and carried on the holding.
type ExitPlan struct {
	ProfitTarget string `json:"profit_target,omitempty"`
	StopLoss     string `json:"stop_loss,omitempty"`
	Invalidation string `json:"invalidation,omitempty"`
	ExpectedDays int    `json:"expected_days,omitempty"`
}

// Empty reports whether no exit condition is set.
func (p ExitPlan) Empty() bool {
	return p.ProfitTarget == "" && p.StopLoss == "" && p.Invalidation == "" && p.ExpectedDays == 0
}

// Trade represents one executed fill. Volume is the share count, Amount the
// gross money value (price * volume) before fees. Profit fields are only set
// on sells.
type Trade struct {
	ID           int64       `json:"id"`
	OrderID      string      `json:"order_id,omitempty"`
	SessionID    string      `json:"session_id"`
	ModelName    string      `json:"model_name"`
	TradeDate    string      `json:"trade_date"`
	Time         string      `json:"time,omitempty"`
	StockCode    string      `json:"stock_code"`
	StockName    string      `json:"name,omitempty"`
	Action       TradeAction `json:"action"`
	Price        float64     `json:"price"`
	Volume       int         `json:"volume"`
	Amount       float64     `json:"amount"`
	Commission   float64     `json:"commission,omitempty"`
	Profit       float64     `json:"profit,omitempty"`
	ProfitPct    float64     `json:"profit_pct,omitempty"`
	Reason       string      `json:"reason,omitempty"`
	ExitPlan     ExitPlan    `json:"exit_plan,omitempty"`
	CashBefore   float64     `json:"cash_before,omitempty"`
	AssetsBefore float64     `json:"assets_before,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Holding represents an open position. Amount is the share count.
type Holding struct {
	SessionID    string   `json:"-"`
	ModelName    string   `json:"-"`
	StockCode    string   `json:"stock_code"`
	StockName    string   `json:"stock_name"`
	Amount       int      `json:"amount"`
	AvgPrice     float64  `json:"avg_price"`
	CurrentPrice float64  `json:"current_price"`
	MarketValue  float64  `json:"market_value"`
	ProfitLoss   float64  `json:"profit_loss"`
	ProfitPct    float64  `json:"profit_pct"`
	HoldDays     int      `json:"hold_days"`
	BuyDate      string   `json:"buy_date,omitempty"`
	ExitPlan     ExitPlan `json:"exit_plan,omitempty"`
}

// DailyAssetPoint is one point of an agent's equity curve.
type DailyAssetPoint struct {
	SessionID string  `json:"-"`
	ModelName string  `json:"-"`
	TradeDate string  `json:"date"`
	Assets    float64 `json:"assets"`
}

// AILog is one entry of a model's visible activity feed.
type AILog struct {
	ID        int64  `json:"id,omitempty"`
	SessionID string `json:"-"`
	ModelName string `json:"model_name"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
	LogType   string `json:"log_type"`
}

// Log types for AILog entries.
const (
	LogTypeInfo     = "info"
	LogTypeThinking = "thinking"
	LogTypeDecision = "decision"
	LogTypeTrade    = "trade"
	LogTypeError    = "error"
)

// Reflection is a model's structured self-review, produced periodically and
// after drawdowns.
type Reflection struct {
	ID             int64     `json:"id,omitempty"`
	SessionID      string    `json:"-"`
	ModelName      string    `json:"model_name"`
	ReflectionDate string    `json:"reflection_date"`
	CashReflection string    `json:"cash_reflection"`
	TimingView     string    `json:"timing_reflection"`
	DecisionView   string    `json:"decision_reflection"`
	SelfAwareness  string    `json:"self_awareness"`
	Strengths      []string  `json:"my_strengths"`
	Weaknesses     []string  `json:"my_weaknesses"`
	Principles     []string  `json:"trading_principles"`
	AdjustmentPlan string    `json:"adjustment_plan"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
}

// Principle is one active trading rule a model committed to in a reflection.
// At most one generation of principles is active per (session, model); the
// reflection date anchors each generation for rollback.
type Principle struct {
	ID             int64     `json:"id"`
	SessionID      string    `json:"-"`
	ModelName      string    `json:"model_name"`
	Text           string    `json:"principle"`
	ReflectionDate string    `json:"reflection_date"`
	Active         bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
}
