package domain

// Quote is one daily bar for a stock or index.
type Quote struct {
	Code         string  `json:"code" msgpack:"code"`
	TradeDate    string  `json:"trade_date" msgpack:"trade_date"`
	Open         float64 `json:"open" msgpack:"open"`
	High         float64 `json:"high" msgpack:"high"`
	Low          float64 `json:"low" msgpack:"low"`
	Close        float64 `json:"close" msgpack:"close"`
	Preclose     float64 `json:"preclose" msgpack:"preclose"`
	Volume       int64   `json:"volume" msgpack:"volume"`
	Amount       float64 `json:"amount" msgpack:"amount"`
	TurnoverRate float64 `json:"turnover_rate" msgpack:"turnover_rate"`
	PctChg       float64 `json:"pct_chg" msgpack:"pct_chg"`
	PETTM        float64 `json:"pe_ttm" msgpack:"pe_ttm"`
}

// StockBasic is the static listing record for one security.
type StockBasic struct {
	Code     string `json:"code"`
	Name     string `json:"name"`
	Industry string `json:"industry,omitempty"`
	IPODate  string `json:"ipo_date,omitempty"`
	Listed   bool   `json:"listed"`
	IsST     bool   `json:"is_st"`
	Type     string `json:"type"` // stock, index, etf
}

// Candidate is one analyzable stock offered to the models on a given day.
type Candidate struct {
	Code         string  `json:"code" msgpack:"code"`
	Name         string  `json:"name" msgpack:"name"`
	Close        float64 `json:"close" msgpack:"close"`
	PctChg       float64 `json:"pct_chg" msgpack:"pct_chg"`
	Industry     string  `json:"industry,omitempty" msgpack:"industry"`
	PETTM        float64 `json:"pe_ttm,omitempty" msgpack:"pe_ttm"`
	TurnoverRate float64 `json:"turnover_rate,omitempty" msgpack:"turnover_rate"`
}

// Pool sources. Preloaded pools come from the batch warm-up pass; fallback
// pools are built inline when a day was never preloaded.
const (
	PoolSourcePreload  = "preload"
	PoolSourceFallback = "fallback"
)

// CandidatePool is the shared per-date candidate universe. It is built once
// per trading day and read by every agent.
type CandidatePool struct {
	TradeDate   string      `json:"trade_date" msgpack:"trade_date"`
	Candidates  []Candidate `json:"candidates" msgpack:"candidates"`
	HotCodes    []string    `json:"hot_codes" msgpack:"hot_codes"`
	HotSectors  []string    `json:"hot_sectors" msgpack:"hot_sectors"`
	GeneratedAt string      `json:"generated_at" msgpack:"generated_at"`
	Source      string      `json:"source" msgpack:"source"`
}

// IndicatorBrief is a compact technical summary for one stock, computed from
// recent closes and attached to analysis prompts.
type IndicatorBrief struct {
	Code  string  `json:"code"`
	SMA5  float64 `json:"sma5"`
	SMA10 float64 `json:"sma10"`
	EMA20 float64 `json:"ema20"`
	RSI14 float64 `json:"rsi14"`
}

// NewsItem is one news headline relevant to a trading day.
type NewsItem struct {
	Title       string `json:"title"`
	Summary     string `json:"summary,omitempty"`
	Source      string `json:"source,omitempty"`
	PublishedAt string `json:"published_at"`
	Link        string `json:"link,omitempty"`
}
