package agent

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/lharena/arena/internal/domain"
)

// Decision is one normalized model instruction after coercion. Amount is a
// share count already rounded to board lots for buys; zero on sells means
// "the whole position".
type Decision struct {
	Code         string
	Action       domain.TradeAction
	Amount       int
	Confidence   float64
	Reason       string
	ExpectedDays int
	ExitPlan     domain.ExitPlan
}

// CoerceSellDecisions normalizes a raw decision array from the model into
// sell decisions. Models are sloppy with key names, so the stock code is
// taken from stock_code, code or stock, recovered by name lookup against the
// book, or inferred when exactly one position is held. Decisions that still
// have no code, or name a stock not in the book, are dropped. Duplicate codes
// keep the first decision.
func CoerceSellDecisions(raw []map[string]any, holdings map[string]*domain.Holding) []Decision {
	var out []Decision
	seen := make(map[string]bool)

	for _, dec := range raw {
		if dec == nil {
			continue
		}
		if action := asString(dec["action"]); action != "" && action != string(domain.ActionSell) {
			continue
		}

		code := decisionCode(dec)
		if code == "" {
			if name := asString(dec["name"]); name != "" {
				for held, h := range holdings {
					if h.StockName == name {
						code = held
						break
					}
				}
			}
		}
		if code == "" && len(holdings) == 1 {
			for held := range holdings {
				code = held
			}
		}
		if code == "" || seen[code] {
			continue
		}
		if _, held := holdings[code]; !held {
			continue
		}
		seen[code] = true

		out = append(out, Decision{
			Code:       code,
			Action:     domain.ActionSell,
			Amount:     asInt(dec["amount"]),
			Confidence: asFloat(dec["confidence"]),
			Reason:     asString(dec["reason"]),
		})
	}
	return out
}

// CoerceBuyDecisions normalizes a raw decision array into buy decisions,
// dropping entries below the confidence threshold. Suggested amounts are
// rounded down to board lots; duplicates keep the first decision.
func CoerceBuyDecisions(raw []map[string]any, threshold float64) []Decision {
	var out []Decision
	seen := make(map[string]bool)

	for _, dec := range raw {
		if dec == nil {
			continue
		}
		code := decisionCode(dec)
		if code == "" || seen[code] {
			continue
		}
		confidence := asFloat(dec["confidence"])
		if confidence < threshold {
			continue
		}
		seen[code] = true

		expectedDays := asInt(dec["expected_days"])
		if expectedDays <= 0 {
			expectedDays = 5
		}
		out = append(out, Decision{
			Code:         code,
			Action:       domain.ActionBuy,
			Amount:       NormalizeLots(asInt(dec["suggested_amount"])),
			Confidence:   confidence,
			Reason:       asString(dec["reason"]),
			ExpectedDays: expectedDays,
			ExitPlan:     decisionExitPlan(dec, expectedDays),
		})
	}
	return out
}

// decisionCode reads the stock code under any of its alias keys.
func decisionCode(dec map[string]any) string {
	for _, key := range []string{"stock_code", "code", "stock"} {
		if code := asString(dec[key]); code != "" {
			return code
		}
	}
	return ""
}

func decisionExitPlan(dec map[string]any, expectedDays int) domain.ExitPlan {
	plan := domain.ExitPlan{ExpectedDays: expectedDays}
	nested, _ := dec["exit_plan"].(map[string]any)
	if nested == nil {
		return plan
	}
	plan.ProfitTarget = asString(nested["profit_target"])
	plan.StopLoss = asString(nested["stop_loss"])
	plan.Invalidation = asString(nested["invalidation"])
	if d := asInt(nested["expected_days"]); d > 0 {
		plan.ExpectedDays = d
	}
	return plan
}

// asString tolerates numeric codes the model emits without quotes.
func asString(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case json.Number:
		return s.String()
	}
	return ""
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f
	}
	return 0
}

func asInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case json.Number:
		f, _ := n.Float64()
		return int(f)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0
		}
		return int(f)
	}
	return 0
}
