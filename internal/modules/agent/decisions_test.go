package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lharena/arena/internal/domain"
)

func testHoldings() map[string]*domain.Holding {
	return map[string]*domain.Holding{
		"sh.600000": {StockCode: "sh.600000", StockName: "浦发银行", Amount: 200},
		"sz.000001": {StockCode: "sz.000001", StockName: "平安银行", Amount: 100},
	}
}

func TestCoerceSellDecisionsAliasKeys(t *testing.T) {
	raw := []map[string]any{
		{"stock_code": "sh.600000", "reason": "a"},
		{"code": "sz.000001", "reason": "b"},
	}
	decisions := CoerceSellDecisions(raw, testHoldings())
	require.Len(t, decisions, 2)
	assert.Equal(t, "sh.600000", decisions[0].Code)
	assert.Equal(t, "sz.000001", decisions[1].Code)
}

func TestCoerceSellDecisionsNameLookup(t *testing.T) {
	raw := []map[string]any{
		{"name": "平安银行", "reason": "名称反查"},
	}
	decisions := CoerceSellDecisions(raw, testHoldings())
	require.Len(t, decisions, 1)
	assert.Equal(t, "sz.000001", decisions[0].Code)
}

func TestCoerceSellDecisionsSingleHoldingInference(t *testing.T) {
	holdings := map[string]*domain.Holding{
		"sh.600000": {StockCode: "sh.600000", StockName: "浦发银行", Amount: 200},
	}
	raw := []map[string]any{
		{"reason": "清仓"},
	}
	decisions := CoerceSellDecisions(raw, holdings)
	require.Len(t, decisions, 1)
	assert.Equal(t, "sh.600000", decisions[0].Code)
}

func TestCoerceSellDecisionsDropsUnknownAndDuplicates(t *testing.T) {
	raw := []map[string]any{
		{"code": "sh.999999", "reason": "not held"},
		{"code": "sh.600000", "reason": "first"},
		{"stock": "sh.600000", "reason": "duplicate"},
		{"reason": "no code, two holdings"},
	}
	decisions := CoerceSellDecisions(raw, testHoldings())
	require.Len(t, decisions, 1)
	assert.Equal(t, "first", decisions[0].Reason)
}

func TestCoerceSellDecisionsIgnoresNonSellActions(t *testing.T) {
	raw := []map[string]any{
		{"code": "sh.600000", "action": "hold"},
		{"code": "sz.000001", "action": "sell", "reason": "止盈"},
	}
	decisions := CoerceSellDecisions(raw, testHoldings())
	require.Len(t, decisions, 1)
	assert.Equal(t, "sz.000001", decisions[0].Code)
}

func TestCoerceBuyDecisionsThresholdAndLots(t *testing.T) {
	raw := []map[string]any{
		{"stock_code": "sh.600000", "suggested_amount": float64(250), "confidence": 0.8, "reason": "a"},
		{"code": "sz.000001", "suggested_amount": float64(100), "confidence": 0.2, "reason": "below threshold"},
		{"code": "sz.300750", "suggested_amount": float64(90), "confidence": 0.5, "reason": "sub lot"},
	}
	decisions := CoerceBuyDecisions(raw, 0.3)
	require.Len(t, decisions, 2)

	assert.Equal(t, "sh.600000", decisions[0].Code)
	assert.Equal(t, 200, decisions[0].Amount, "250 rounds down to two lots")
	assert.Equal(t, 5, decisions[0].ExpectedDays)

	assert.Equal(t, "sz.300750", decisions[1].Code)
	assert.Equal(t, 0, decisions[1].Amount, "under one lot normalizes to zero")
}

func TestCoerceBuyDecisionsExitPlan(t *testing.T) {
	raw := []map[string]any{
		{
			"code":             "sh.600000",
			"suggested_amount": float64(200),
			"confidence":       0.7,
			"expected_days":    float64(8),
			"exit_plan": map[string]any{
				"profit_target": "12%止盈",
				"stop_loss":     "5%止损",
				"invalidation":  "跌破5日线",
			},
		},
	}
	decisions := CoerceBuyDecisions(raw, 0.3)
	require.Len(t, decisions, 1)

	plan := decisions[0].ExitPlan
	assert.Equal(t, "12%止盈", plan.ProfitTarget)
	assert.Equal(t, "5%止损", plan.StopLoss)
	assert.Equal(t, "跌破5日线", plan.Invalidation)
	assert.Equal(t, 8, plan.ExpectedDays)
	assert.Equal(t, 8, decisions[0].ExpectedDays)
}

func TestCoerceBuyDecisionsDeduplicates(t *testing.T) {
	raw := []map[string]any{
		{"code": "sh.600000", "suggested_amount": float64(100), "confidence": 0.6, "reason": "first"},
		{"stock_code": "sh.600000", "suggested_amount": float64(300), "confidence": 0.9, "reason": "second"},
	}
	decisions := CoerceBuyDecisions(raw, 0.3)
	require.Len(t, decisions, 1)
	assert.Equal(t, "first", decisions[0].Reason)
}

func TestDecisionCodeToleratesNumericValues(t *testing.T) {
	raw := []map[string]any{
		{"code": float64(600000), "suggested_amount": float64(100), "confidence": 0.6},
	}
	decisions := CoerceBuyDecisions(raw, 0.3)
	require.Len(t, decisions, 1)
	assert.Equal(t, "600000", decisions[0].Code)
}
