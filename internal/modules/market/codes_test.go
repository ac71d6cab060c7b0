package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeCode(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"sh.600519", "sh.600519"},
		{"SH.600519", "sh.600519"},
		{"600519.SH", "sh.600519"},
		{"600519", "sh.600519"},
		{"000001", "sz.000001"},
		{"300750", "sz.300750"},
		{"900901", "sh.900901"},
		{"200011", "sz.200011"},
		{" sz.000001 ", "sz.000001"},
		{"", ""},
		{"moutai", "moutai"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeCode(tt.in), "input %q", tt.in)
	}
}

func TestCodeDigits(t *testing.T) {
	assert.Equal(t, "600519", CodeDigits("sh.600519"))
	assert.Equal(t, "600519", CodeDigits("600519.SH"))
	assert.Equal(t, "600519", CodeDigits("600519"))
}

func TestIsStockCode(t *testing.T) {
	valid := []string{"sh.600519", "sh.688001", "sh.900901", "sz.000001", "sz.001201", "sz.002594", "sz.003816", "sz.300750", "sz.200011"}
	for _, code := range valid {
		assert.True(t, IsStockCode(code), "expected %s to be a stock code", code)
	}

	invalid := []string{"sz.399001", "sh.510300", "sz.159915", "abc", "sh.60051"}
	for _, code := range invalid {
		assert.False(t, IsStockCode(code), "expected %s to be rejected", code)
	}
}
