package market

import "strings"

// NormalizeCode returns the canonical exchange-prefixed form of an A-share
// code, e.g. "sh.600519" or "sz.000001". Accepts bare six-digit codes
// (exchange inferred from the leading digit), "600519.SH" style suffixes and
// already-canonical input. Unrecognized strings pass through lowercased.
func NormalizeCode(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if code == "" {
		return ""
	}
	if i := strings.Index(code, "."); i >= 0 {
		left, right := code[:i], code[i+1:]
		if left == "sh" || left == "sz" {
			return left + "." + right
		}
		if right == "sh" || right == "sz" {
			return right + "." + left
		}
		return code
	}
	if len(code) == 6 && isDigits(code) {
		return inferExchange(code) + "." + code
	}
	return code
}

// CodeDigits strips the exchange prefix or suffix, returning the bare code.
func CodeDigits(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if i := strings.Index(code, "."); i >= 0 {
		left, right := code[:i], code[i+1:]
		if left == "sh" || left == "sz" {
			return right
		}
		return left
	}
	return code
}

// stockPrefixes are the code ranges of tradable Shanghai and Shenzhen shares.
// Everything else (indexes, funds, bonds) is excluded from the whitelist.
var stockPrefixes = []string{"60", "68", "900", "000", "001", "002", "003", "30", "200"}

// IsStockCode reports whether the code's digit part falls in a share range.
// Exchange context still matters for 000xxx codes (index on SH, stock on SZ),
// so callers combine this with the listing type from stock basics.
func IsStockCode(code string) bool {
	digits := CodeDigits(code)
	if len(digits) != 6 || !isDigits(digits) {
		return false
	}
	for _, prefix := range stockPrefixes {
		if strings.HasPrefix(digits, prefix) {
			return true
		}
	}
	return false
}

func inferExchange(digits string) string {
	switch digits[0] {
	case '6', '9':
		return "sh"
	default:
		return "sz"
	}
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
