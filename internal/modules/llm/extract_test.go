package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONArrayWholeResponse(t *testing.T) {
	arr := ExtractJSONArray(`[{"action":"sell","code":"sh.600519","confidence":0.8}]`)
	require.Len(t, arr, 1)
	assert.Equal(t, "sell", arr[0]["action"])
	assert.Equal(t, "sh.600519", arr[0]["code"])
}

func TestExtractJSONArrayFencedBlock(t *testing.T) {
	text := "Here is my decision:\n```json\n[{\"action\": \"buy\", \"code\": \"sz.000001\"}]\n```\nGood luck."
	arr := ExtractJSONArray(text)
	require.Len(t, arr, 1)
	assert.Equal(t, "buy", arr[0]["action"])

	// Fence without a language tag works too.
	text = "```\n[{\"action\": \"hold\"}]\n```"
	arr = ExtractJSONArray(text)
	require.Len(t, arr, 1)
}

func TestExtractJSONArrayBalancedScan(t *testing.T) {
	text := `经过分析，我的决策如下 [{"action":"sell","reason":"top [1] signal"}] 以上。`
	arr := ExtractJSONArray(text)
	require.Len(t, arr, 1)
	assert.Equal(t, "top [1] signal", arr[0]["reason"])
}

func TestExtractJSONArrayEscapedQuotes(t *testing.T) {
	arr := ExtractJSONArray(`[{"reason":"he said \"sell now\""}]`)
	require.Len(t, arr, 1)
	assert.Equal(t, `he said "sell now"`, arr[0]["reason"])
}

func TestExtractJSONArrayDropsNonObjects(t *testing.T) {
	arr := ExtractJSONArray(`["noise", {"action":"buy"}, 42]`)
	require.Len(t, arr, 1)
	assert.Equal(t, "buy", arr[0]["action"])
}

func TestExtractJSONArrayEmptyArray(t *testing.T) {
	arr := ExtractJSONArray("[]")
	require.NotNil(t, arr)
	assert.Empty(t, arr)
}

func TestExtractJSONArrayFailure(t *testing.T) {
	assert.Nil(t, ExtractJSONArray("no decisions today"))
	assert.Nil(t, ExtractJSONArray(""))
	// The scan takes the first balanced run; it does not hunt past a
	// parse failure.
	assert.Nil(t, ExtractJSONArray(`[oops] and later [{"ok":true}]`))
}

func TestExtractJSONObjectWholeResponse(t *testing.T) {
	obj := ExtractJSONObject(`{"trading_principles":["cut losses fast"]}`)
	require.NotNil(t, obj)
	assert.Contains(t, obj, "trading_principles")
}

func TestExtractJSONObjectFencedBlock(t *testing.T) {
	text := "反思如下：\n```json\n{\"cash_reflection\": \"held too much cash\"}\n```"
	obj := ExtractJSONObject(text)
	require.NotNil(t, obj)
	assert.Equal(t, "held too much cash", obj["cash_reflection"])
}

func TestExtractJSONObjectNestedBraces(t *testing.T) {
	text := `prefix {"outer":{"inner":1},"n":2} suffix`
	obj := ExtractJSONObject(text)
	require.NotNil(t, obj)
	assert.Equal(t, float64(2), obj["n"])
}

func TestExtractJSONObjectFailure(t *testing.T) {
	assert.Nil(t, ExtractJSONObject("plain text reflection without json"))
}
